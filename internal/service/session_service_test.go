package service

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/PromzzyKoncepts/counsel-api/internal/models"
	appErrors "github.com/PromzzyKoncepts/counsel-api/pkg/errors"
)

func newSessionFixture(t *testing.T) (*SessionService, *slotStoreStub, *sessionStoreStub, *schedulerStub, *dispatcherStub, sqlmock.Sqlmock) {
	slots := newSlotStoreStub()
	sessions := newSessionStoreStub()
	scheduler := &schedulerStub{}
	dispatcher := &dispatcherStub{}
	tx, mock := newTxProviderMock(t)
	svc := NewSessionService(slots, sessions, scheduler, dispatcher, tx, zap.NewNop(), 0)
	return svc, slots, sessions, scheduler, dispatcher, mock
}

func TestRespondConfirmsSession(t *testing.T) {
	svc, slots, sessions, _, dispatcher, mock := newSessionFixture(t)
	start := time.Now().Add(48 * time.Hour).Truncate(models.SlotGranularity)
	session := bookedFixture(slots, sessions, start, 2)

	mock.ExpectBegin()
	mock.ExpectCommit()

	updated, err := svc.Respond(context.Background(), Actor{ID: "couns-1", Role: models.RoleCounsellor}, session.ID, true)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusConfirmed, updated.Status)
	assert.True(t, updated.CounsellorAccepted)

	// slots stay booked on a confirmation
	assert.Equal(t, models.SlotStatusBooked, slots.slots["slot-1"].Status)
	require.Len(t, dispatcher.mails, 1)
	assert.Equal(t, "Session confirmed", dispatcher.mails[0].Subject)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRespondDeclineFreesSlots(t *testing.T) {
	svc, slots, sessions, scheduler, dispatcher, mock := newSessionFixture(t)
	start := time.Now().Add(48 * time.Hour).Truncate(models.SlotGranularity)
	session := bookedFixture(slots, sessions, start, 2)

	mock.ExpectBegin()
	mock.ExpectCommit()

	updated, err := svc.Respond(context.Background(), Actor{ID: "couns-1", Role: models.RoleCounsellor}, session.ID, false)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusDeclined, updated.Status)

	for _, id := range []string{"slot-1", "slot-2"} {
		assert.Equal(t, models.SlotStatusAvailable, slots.slots[id].Status)
	}
	assert.ElementsMatch(t, []string{"job-slot-1", "job-slot-2"}, scheduler.cancelled)
	require.Len(t, dispatcher.mails, 1)
	assert.Equal(t, "Session declined", dispatcher.mails[0].Subject)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRespondRejectsNonCounsellor(t *testing.T) {
	svc, slots, sessions, _, _, mock := newSessionFixture(t)
	start := time.Now().Add(48 * time.Hour).Truncate(models.SlotGranularity)
	session := bookedFixture(slots, sessions, start, 1)

	mock.ExpectBegin()
	mock.ExpectRollback()

	_, err := svc.Respond(context.Background(), Actor{ID: "user-1", Role: models.RoleUser}, session.ID, true)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrForbidden.Code, appErrors.FromError(err).Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRespondRejectsClosedSession(t *testing.T) {
	svc, slots, sessions, _, _, mock := newSessionFixture(t)
	start := time.Now().Add(48 * time.Hour).Truncate(models.SlotGranularity)
	session := bookedFixture(slots, sessions, start, 1)
	sessions.sessions[session.ID].Status = models.SessionStatusCancelled

	mock.ExpectBegin()
	mock.ExpectRollback()

	_, err := svc.Respond(context.Background(), Actor{ID: "couns-1", Role: models.RoleCounsellor}, session.ID, true)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrConflict.Code, appErrors.FromError(err).Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteRequiresConfirmedOrRunning(t *testing.T) {
	svc, slots, sessions, _, _, _ := newSessionFixture(t)
	start := time.Now().Add(48 * time.Hour).Truncate(models.SlotGranularity)
	session := bookedFixture(slots, sessions, start, 1)

	// a freshly booked session cannot jump straight to completed
	_, err := svc.Complete(context.Background(), Actor{ID: "couns-1", Role: models.RoleCounsellor}, session.ID)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrConflict.Code, appErrors.FromError(err).Code)

	sessions.sessions[session.ID].Status = models.SessionStatusConfirmed
	updated, err := svc.Complete(context.Background(), Actor{ID: "couns-1", Role: models.RoleCounsellor}, session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusCompleted, updated.Status)
}

func TestRateCompletedSession(t *testing.T) {
	svc, slots, sessions, _, _, _ := newSessionFixture(t)
	start := time.Now().Add(48 * time.Hour).Truncate(models.SlotGranularity)
	session := bookedFixture(slots, sessions, start, 1)
	sessions.sessions[session.ID].Status = models.SessionStatusCompleted

	updated, err := svc.Rate(context.Background(), Actor{ID: "user-1", Role: models.RoleUser}, session.ID, 4)
	require.NoError(t, err)
	require.NotNil(t, updated.UserRating)
	assert.Equal(t, int16(4), *updated.UserRating)

	updated, err = svc.Rate(context.Background(), Actor{ID: "couns-1", Role: models.RoleCounsellor}, session.ID, 5)
	require.NoError(t, err)
	require.NotNil(t, updated.CounsellorRating)
	assert.Equal(t, int16(5), *updated.CounsellorRating)
}

func TestRateRejectsOpenSessionAndBadValues(t *testing.T) {
	svc, slots, sessions, _, _, _ := newSessionFixture(t)
	start := time.Now().Add(48 * time.Hour).Truncate(models.SlotGranularity)
	session := bookedFixture(slots, sessions, start, 1)

	_, err := svc.Rate(context.Background(), Actor{ID: "user-1", Role: models.RoleUser}, session.ID, 3)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrConflict.Code, appErrors.FromError(err).Code)

	sessions.sessions[session.ID].Status = models.SessionStatusCompleted
	for _, rating := range []int{0, 6, -1} {
		_, err := svc.Rate(context.Background(), Actor{ID: "user-1", Role: models.RoleUser}, session.ID, rating)
		require.Error(t, err, "rating %d", rating)
		assert.Equal(t, appErrors.ErrInvalidArgument.Code, appErrors.FromError(err).Code)
	}
}

func TestListPinsNonAdminsToTheirOwnSessions(t *testing.T) {
	svc, slots, sessions, _, _, _ := newSessionFixture(t)
	start := time.Now().Add(48 * time.Hour).Truncate(models.SlotGranularity)
	bookedFixture(slots, sessions, start, 1)

	// a non-admin asking for someone else's sessions still gets their own
	rows, total, err := svc.List(context.Background(), Actor{ID: "stranger", Role: models.RoleUser}, models.SessionFilter{ParticipantID: "user-1"})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, rows)

	rows, total, err = svc.List(context.Background(), Actor{ID: "admin-1", Role: models.RoleAdmin}, models.SessionFilter{ParticipantID: "user-1"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, rows, 1)
}

func TestGetEnforcesVisibility(t *testing.T) {
	svc, slots, sessions, _, _, _ := newSessionFixture(t)
	start := time.Now().Add(48 * time.Hour).Truncate(models.SlotGranularity)
	session := bookedFixture(slots, sessions, start, 1)

	_, err := svc.Get(context.Background(), Actor{ID: "stranger", Role: models.RoleUser}, session.ID)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrForbidden.Code, appErrors.FromError(err).Code)

	got, err := svc.Get(context.Background(), Actor{ID: "user-1", Role: models.RoleUser}, session.ID)
	require.NoError(t, err)
	assert.Equal(t, session.ID, got.ID)
}

func TestBuildScheduleDataset(t *testing.T) {
	svc, _, sessions, _, _, _ := newSessionFixture(t)
	start := time.Date(2026, 9, 7, 10, 0, 0, 0, time.UTC)
	sessions.booked = []models.Session{{
		ID:           "sess-1",
		UserID:       "user-1",
		CounsellorID: "couns-1",
		StartsAt:     start,
		EndsAt:       start.Add(30 * time.Minute),
		Status:       models.SessionStatusConfirmed,
		Topic:        "exam stress",
	}}

	dataset, err := svc.BuildSchedule(context.Background(), Actor{ID: "couns-1", Role: models.RoleCounsellor}, "couns-1")
	require.NoError(t, err)
	require.Len(t, dataset.Rows, 1)
	assert.Equal(t, "2026-09-07", dataset.Rows[0]["Date"])
	assert.Equal(t, "10:00", dataset.Rows[0]["Start"])
	assert.Equal(t, "10:30", dataset.Rows[0]["End"])
	assert.Equal(t, "exam stress", dataset.Rows[0]["Topic"])

	_, err = svc.BuildSchedule(context.Background(), Actor{ID: "couns-2", Role: models.RoleCounsellor}, "couns-1")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrForbidden.Code, appErrors.FromError(err).Code)
}
