package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/PromzzyKoncepts/counsel-api/internal/models"
	appErrors "github.com/PromzzyKoncepts/counsel-api/pkg/errors"
)

const sessionColumns = `id, user_id, counsellor_id, slot_ids, starts_at, ends_at, status, user_accepted, counsellor_accepted, cancelled_by, user_rating, counsellor_rating, room_ref, topic, notes, created_at, updated_at`

// SessionRepository handles persistence of counselling sessions. Like the
// slot repository it participates in, but never opens, transactions.
type SessionRepository struct {
	db *sqlx.DB
}

// NewSessionRepository constructs the repository.
func NewSessionRepository(db *sqlx.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

func (r *SessionRepository) exec(exec sqlx.ExtContext) sqlx.ExtContext {
	if exec != nil {
		return exec
	}
	return r.db
}

// Create inserts a session row inside the caller's transaction.
func (r *SessionRepository) Create(ctx context.Context, exec sqlx.ExtContext, session *models.Session) error {
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now
	if session.SlotIDs == nil {
		session.SlotIDs = pq.StringArray{}
	}

	const query = `
INSERT INTO sessions (id, user_id, counsellor_id, slot_ids, starts_at, ends_at, status, user_accepted, counsellor_accepted, room_ref, topic, notes, created_at, updated_at)
VALUES (:id, :user_id, :counsellor_id, :slot_ids, :starts_at, :ends_at, :status, :user_accepted, :counsellor_accepted, :room_ref, :topic, :notes, :created_at, :updated_at)`

	if _, err := sqlx.NamedExecContext(ctx, r.exec(exec), query, session); err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// FindByID returns a session by its ID.
func (r *SessionRepository) FindByID(ctx context.Context, id string) (*models.Session, error) {
	query := fmt.Sprintf(`SELECT %s FROM sessions WHERE id = $1`, sessionColumns)
	var session models.Session
	if err := r.db.GetContext(ctx, &session, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "session not found")
		}
		return nil, fmt.Errorf("find session %s: %w", id, err)
	}
	return &session, nil
}

// FindByIDForUpdate locks and returns a session inside the caller's transaction.
func (r *SessionRepository) FindByIDForUpdate(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Session, error) {
	query := fmt.Sprintf(`SELECT %s FROM sessions WHERE id = $1 FOR UPDATE`, sessionColumns)
	var session models.Session
	if err := sqlx.GetContext(ctx, r.exec(exec), &session, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "session not found")
		}
		return nil, fmt.Errorf("lock session %s: %w", id, err)
	}
	return &session, nil
}

// UpdateStatus moves a session to a new status. The guard rejects the update
// when another transaction already moved the row out of the expected status.
func (r *SessionRepository) UpdateStatus(ctx context.Context, exec sqlx.ExtContext, id string, from, to models.SessionStatus, cancelledBy *string) error {
	const query = `UPDATE sessions SET status = $1, cancelled_by = $2, updated_at = $3 WHERE id = $4 AND status = $5`
	res, err := r.exec(exec).ExecContext(ctx, query, to, cancelledBy, time.Now().UTC(), id, from)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session status affected: %w", err)
	}
	if affected == 0 {
		return appErrors.Clone(appErrors.ErrConflict, "session status changed concurrently")
	}
	return nil
}

// HasOpenSession reports whether the user has a session in any open status,
// optionally excluding one session (the reschedule path excludes the session
// being replaced).
func (r *SessionRepository) HasOpenSession(ctx context.Context, exec sqlx.ExtContext, userID, excludeID string) (bool, error) {
	const query = `SELECT EXISTS (
SELECT 1 FROM sessions
WHERE user_id = $1 AND status = ANY($2) AND ($3 = '' OR id <> $3))`
	open := pq.Array([]string{
		string(models.SessionStatusRequested),
		string(models.SessionStatusBooked),
		string(models.SessionStatusAssigned),
		string(models.SessionStatusConfirmed),
		string(models.SessionStatusInProgress),
	})
	var exists bool
	if err := sqlx.GetContext(ctx, r.exec(exec), &exists, query, userID, open, excludeID); err != nil {
		return false, fmt.Errorf("check open session: %w", err)
	}
	return exists, nil
}

// SlotHasOpenSession reports whether any open session still references the
// slot. Used to refuse freeing a slot out from under a live booking.
func (r *SessionRepository) SlotHasOpenSession(ctx context.Context, exec sqlx.ExtContext, slotID string) (bool, error) {
	const query = `SELECT EXISTS (
SELECT 1 FROM sessions
WHERE $1 = ANY(slot_ids) AND status = ANY($2))`
	open := pq.Array([]string{
		string(models.SessionStatusRequested),
		string(models.SessionStatusBooked),
		string(models.SessionStatusAssigned),
		string(models.SessionStatusConfirmed),
		string(models.SessionStatusInProgress),
	})
	var exists bool
	if err := sqlx.GetContext(ctx, r.exec(exec), &exists, query, slotID, open); err != nil {
		return false, fmt.Errorf("check slot sessions: %w", err)
	}
	return exists, nil
}

// ListByParticipant returns sessions where the given ID is either party.
func (r *SessionRepository) ListByParticipant(ctx context.Context, filter models.SessionFilter) ([]models.Session, int, error) {
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 100 {
		size = 20
	}
	offset := (page - 1) * size

	base := `FROM sessions WHERE (user_id = $1 OR counsellor_id = $1) AND ($2 = '' OR status = $2)`
	query := fmt.Sprintf(`SELECT %s %s ORDER BY starts_at DESC LIMIT %d OFFSET %d`, sessionColumns, base, size, offset)

	var sessions []models.Session
	if err := r.db.SelectContext(ctx, &sessions, query, filter.ParticipantID, string(filter.Status)); err != nil {
		return nil, 0, fmt.Errorf("list sessions: %w", err)
	}

	var total int
	if err := r.db.GetContext(ctx, &total, fmt.Sprintf("SELECT COUNT(*) %s", base), filter.ParticipantID, string(filter.Status)); err != nil {
		return nil, 0, fmt.Errorf("count sessions: %w", err)
	}
	return sessions, total, nil
}

// ListBookedByCounsellor returns upcoming open sessions for schedule export.
func (r *SessionRepository) ListBookedByCounsellor(ctx context.Context, counsellorID string, from time.Time) ([]models.Session, error) {
	open := pq.Array([]string{
		string(models.SessionStatusBooked),
		string(models.SessionStatusAssigned),
		string(models.SessionStatusConfirmed),
		string(models.SessionStatusInProgress),
	})
	query := fmt.Sprintf(`SELECT %s FROM sessions
WHERE counsellor_id = $1 AND status = ANY($2) AND starts_at >= $3
ORDER BY starts_at ASC`, sessionColumns)
	var sessions []models.Session
	if err := r.db.SelectContext(ctx, &sessions, query, counsellorID, open, from); err != nil {
		return nil, fmt.Errorf("list counsellor sessions: %w", err)
	}
	return sessions, nil
}

// UpdateAcceptance records a party's response on the session row.
func (r *SessionRepository) UpdateAcceptance(ctx context.Context, exec sqlx.ExtContext, id string, counsellor bool, accepted bool) error {
	column := "user_accepted"
	if counsellor {
		column = "counsellor_accepted"
	}
	query := fmt.Sprintf(`UPDATE sessions SET %s = $1, updated_at = $2 WHERE id = $3`, column)
	res, err := r.exec(exec).ExecContext(ctx, query, accepted, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update session acceptance: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session acceptance affected: %w", err)
	}
	if affected == 0 {
		return appErrors.Clone(appErrors.ErrNotFound, "session not found")
	}
	return nil
}

// UpdateRating stores a participant's rating of a completed session.
func (r *SessionRepository) UpdateRating(ctx context.Context, id string, byCounsellor bool, rating int16) error {
	column := "user_rating"
	if byCounsellor {
		column = "counsellor_rating"
	}
	query := fmt.Sprintf(`UPDATE sessions SET %s = $1, updated_at = $2 WHERE id = $3`, column)
	res, err := r.db.ExecContext(ctx, query, rating, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update session rating: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session rating affected: %w", err)
	}
	if affected == 0 {
		return appErrors.Clone(appErrors.ErrNotFound, "session not found")
	}
	return nil
}
