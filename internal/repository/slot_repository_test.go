package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PromzzyKoncepts/counsel-api/internal/models"
	appErrors "github.com/PromzzyKoncepts/counsel-api/pkg/errors"
)

func newSlotRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func slotRows(ids ...string) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"id", "counsellor_id", "user_id", "starts_at", "ends_at", "status", "reminder_jobs", "booked_at", "created_by", "created_at", "updated_at"})
	start := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)
	for i, id := range ids {
		s := start.Add(time.Duration(i) * 15 * time.Minute)
		rows.AddRow(id, "coun-1", nil, s, s.Add(15*time.Minute), "available", "{}", nil, nil, s, s)
	}
	return rows
}

func TestSlotRepositoryFindRangeForUpdate(t *testing.T) {
	db, mock, cleanup := newSlotRepoMock(t)
	defer cleanup()
	repo := NewSlotRepository(db)

	from := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)
	to := from.Add(30 * time.Minute)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE counsellor_id = $1 AND starts_at >= $2 AND starts_at < $3 ORDER BY starts_at ASC FOR UPDATE")).
		WithArgs("coun-1", from, to).
		WillReturnRows(slotRows("slot-1", "slot-2"))

	slots, err := repo.FindRangeForUpdate(context.Background(), nil, "coun-1", from, to)
	require.NoError(t, err)
	assert.Len(t, slots, 2)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSlotRepositoryBookMany(t *testing.T) {
	db, mock, cleanup := newSlotRepoMock(t)
	defer cleanup()
	repo := NewSlotRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE slots")).
		WithArgs("booked", "user-1", sqlmock.AnyArg(), sqlmock.AnyArg(), "available").
		WillReturnResult(sqlmock.NewResult(0, 2))

	err := repo.BookMany(context.Background(), nil, []string{"slot-1", "slot-2"}, "user-1", time.Now().UTC())
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSlotRepositoryBookManyConflict(t *testing.T) {
	db, mock, cleanup := newSlotRepoMock(t)
	defer cleanup()
	repo := NewSlotRepository(db)

	// only one of two rows still available: a concurrent booking won
	mock.ExpectExec(regexp.QuoteMeta("UPDATE slots")).
		WithArgs("booked", "user-1", sqlmock.AnyArg(), sqlmock.AnyArg(), "available").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.BookMany(context.Background(), nil, []string{"slot-1", "slot-2"}, "user-1", time.Now().UTC())
	require.Error(t, err)
	appErr := appErrors.FromError(err)
	assert.Equal(t, appErrors.ErrConflict.Code, appErr.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSlotRepositoryReleaseConflict(t *testing.T) {
	db, mock, cleanup := newSlotRepoMock(t)
	defer cleanup()
	repo := NewSlotRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE slots")).
		WithArgs("available", sqlmock.AnyArg(), sqlmock.AnyArg(), "booked").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Release(context.Background(), nil, []string{"slot-1"})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrConflict.Code, appErrors.FromError(err).Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSlotRepositoryCreateBatch(t *testing.T) {
	db, mock, cleanup := newSlotRepoMock(t)
	defer cleanup()
	repo := NewSlotRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO slots")).
		WithArgs(sqlmock.AnyArg(), "coun-1", nil, sqlmock.AnyArg(), sqlmock.AnyArg(), "available", sqlmock.AnyArg(), nil, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	start := time.Date(2026, 9, 2, 9, 0, 0, 0, time.UTC)
	slots := []models.Slot{{
		CounsellorID: "coun-1",
		StartsAt:     start,
		EndsAt:       start.Add(15 * time.Minute),
	}}
	require.NoError(t, repo.CreateBatch(context.Background(), nil, slots))
	assert.NotEmpty(t, slots[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSlotRepositoryMergeInto(t *testing.T) {
	db, mock, cleanup := newSlotRepoMock(t)
	defer cleanup()
	repo := NewSlotRepository(db)

	newStart := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)
	newEnd := newStart.Add(30 * time.Minute)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE slots SET starts_at = $1, ends_at = $2")).
		WithArgs(newStart, newEnd, sqlmock.AnyArg(), "slot-keep", "available").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM slots WHERE id = $1")).
		WithArgs("slot-drop").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.MergeInto(context.Background(), nil, "slot-keep", "slot-drop", newStart, newEnd))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSlotRepositoryFindByIDNotFound(t *testing.T) {
	db, mock, cleanup := newSlotRepoMock(t)
	defer cleanup()
	repo := NewSlotRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("FROM slots WHERE id = $1")).
		WithArgs("missing").
		WillReturnRows(slotRows())

	_, err := repo.FindByID(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}
