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

const slotColumns = `id, counsellor_id, user_id, starts_at, ends_at, status, reminder_jobs, booked_at, created_by, created_at, updated_at`

// SlotRepository handles persistence of counsellor time slots. Mutators take
// the caller's executor so booking and cancellation flows control the
// transaction boundary; the repository never opens one itself.
type SlotRepository struct {
	db *sqlx.DB
}

// NewSlotRepository constructs the repository.
func NewSlotRepository(db *sqlx.DB) *SlotRepository {
	return &SlotRepository{db: db}
}

func (r *SlotRepository) exec(exec sqlx.ExtContext) sqlx.ExtContext {
	if exec != nil {
		return exec
	}
	return r.db
}

// FindByID returns a slot by its ID.
func (r *SlotRepository) FindByID(ctx context.Context, id string) (*models.Slot, error) {
	query := fmt.Sprintf(`SELECT %s FROM slots WHERE id = $1`, slotColumns)
	var slot models.Slot
	if err := r.db.GetContext(ctx, &slot, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "slot not found")
		}
		return nil, fmt.Errorf("find slot %s: %w", id, err)
	}
	return &slot, nil
}

// FindByIDForUpdate locks and returns a slot inside the caller's transaction.
func (r *SlotRepository) FindByIDForUpdate(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Slot, error) {
	query := fmt.Sprintf(`SELECT %s FROM slots WHERE id = $1 FOR UPDATE`, slotColumns)
	var slot models.Slot
	if err := sqlx.GetContext(ctx, r.exec(exec), &slot, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "slot not found")
		}
		return nil, fmt.Errorf("lock slot %s: %w", id, err)
	}
	return &slot, nil
}

// FindRangeForUpdate locks and returns all slots of a counsellor whose start
// falls in [from, to), ordered by start time.
func (r *SlotRepository) FindRangeForUpdate(ctx context.Context, exec sqlx.ExtContext, counsellorID string, from, to time.Time) ([]models.Slot, error) {
	query := fmt.Sprintf(`SELECT %s FROM slots WHERE counsellor_id = $1 AND starts_at >= $2 AND starts_at < $3 ORDER BY starts_at ASC FOR UPDATE`, slotColumns)
	var slots []models.Slot
	if err := sqlx.SelectContext(ctx, r.exec(exec), &slots, query, counsellorID, from, to); err != nil {
		return nil, fmt.Errorf("lock slot range: %w", err)
	}
	return slots, nil
}

// ListAvailable returns future available slots for a counsellor, paginated.
func (r *SlotRepository) ListAvailable(ctx context.Context, counsellorID string, from time.Time, page, pageSize int) ([]models.Slot, int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	query := fmt.Sprintf(`SELECT %s FROM slots
WHERE counsellor_id = $1 AND status = $2 AND starts_at >= $3
ORDER BY starts_at ASC LIMIT $4 OFFSET $5`, slotColumns)

	var slots []models.Slot
	if err := r.db.SelectContext(ctx, &slots, query, counsellorID, models.SlotStatusAvailable, from, pageSize, offset); err != nil {
		return nil, 0, fmt.Errorf("list available slots: %w", err)
	}

	var total int
	const countQuery = `SELECT COUNT(*) FROM slots WHERE counsellor_id = $1 AND status = $2 AND starts_at >= $3`
	if err := r.db.GetContext(ctx, &total, countQuery, counsellorID, models.SlotStatusAvailable, from); err != nil {
		return nil, 0, fmt.Errorf("count available slots: %w", err)
	}
	return slots, total, nil
}

// CreateBatch inserts the provided slots, assigning IDs when absent.
func (r *SlotRepository) CreateBatch(ctx context.Context, exec sqlx.ExtContext, slots []models.Slot) error {
	if len(slots) == 0 {
		return nil
	}
	target := r.exec(exec)
	now := time.Now().UTC()

	const query = `
INSERT INTO slots (id, counsellor_id, user_id, starts_at, ends_at, status, reminder_jobs, created_by, created_at, updated_at)
VALUES (:id, :counsellor_id, :user_id, :starts_at, :ends_at, :status, :reminder_jobs, :created_by, :created_at, :updated_at)`

	for i := range slots {
		slot := &slots[i]
		if slot.ID == "" {
			slot.ID = uuid.NewString()
		}
		if slot.Status == "" {
			slot.Status = models.SlotStatusAvailable
		}
		if slot.ReminderJobs == nil {
			slot.ReminderJobs = pq.StringArray{}
		}
		if slot.CreatedAt.IsZero() {
			slot.CreatedAt = now
		}
		slot.UpdatedAt = now
		if _, err := sqlx.NamedExecContext(ctx, target, query, slot); err != nil {
			return fmt.Errorf("insert slot: %w", err)
		}
	}
	return nil
}

// BookMany marks the given slots booked for a user. The status guard makes a
// lost race visible: a mismatch between requested and affected rows means
// another transaction claimed part of the range first.
func (r *SlotRepository) BookMany(ctx context.Context, exec sqlx.ExtContext, ids []string, userID string, bookedAt time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	const query = `UPDATE slots
SET status = $1, user_id = $2, booked_at = $3, updated_at = $3
WHERE id = ANY($4) AND status = $5`
	res, err := r.exec(exec).ExecContext(ctx, query, models.SlotStatusBooked, userID, bookedAt, pq.Array(ids), models.SlotStatusAvailable)
	if err != nil {
		return fmt.Errorf("book slots: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("book slots affected: %w", err)
	}
	if affected != int64(len(ids)) {
		return appErrors.Clone(appErrors.ErrConflict, "slot status changed concurrently")
	}
	return nil
}

// Release returns booked slots to the pool, clearing the booking user and any
// attached reminder handles. The guard mirrors BookMany.
func (r *SlotRepository) Release(ctx context.Context, exec sqlx.ExtContext, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	const query = `UPDATE slots
SET status = $1, user_id = NULL, booked_at = NULL, reminder_jobs = '{}', updated_at = $2
WHERE id = ANY($3) AND status = $4`
	res, err := r.exec(exec).ExecContext(ctx, query, models.SlotStatusAvailable, time.Now().UTC(), pq.Array(ids), models.SlotStatusBooked)
	if err != nil {
		return fmt.Errorf("release slots: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("release slots affected: %w", err)
	}
	if affected != int64(len(ids)) {
		return appErrors.Clone(appErrors.ErrConflict, "slot status changed concurrently")
	}
	return nil
}

// UpdateReminderJobs replaces the reminder handles attached to a slot.
func (r *SlotRepository) UpdateReminderJobs(ctx context.Context, exec sqlx.ExtContext, id string, handles []string) error {
	const query = `UPDATE slots SET reminder_jobs = $1, updated_at = $2 WHERE id = $3`
	res, err := r.exec(exec).ExecContext(ctx, query, pq.Array(handles), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update slot reminders: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update slot reminders affected: %w", err)
	}
	if affected == 0 {
		return appErrors.Clone(appErrors.ErrNotFound, "slot not found")
	}
	return nil
}

// FindAdjacentAvailable returns an available slot of the same counsellor that
// touches the given window, if one exists. Used by the merge-on-free policy.
func (r *SlotRepository) FindAdjacentAvailable(ctx context.Context, exec sqlx.ExtContext, counsellorID string, startsAt, endsAt time.Time) (*models.Slot, error) {
	query := fmt.Sprintf(`SELECT %s FROM slots
WHERE counsellor_id = $1 AND status = $2 AND (ends_at = $3 OR starts_at = $4)
ORDER BY starts_at ASC LIMIT 1 FOR UPDATE`, slotColumns)
	var slot models.Slot
	if err := sqlx.GetContext(ctx, r.exec(exec), &slot, query, counsellorID, models.SlotStatusAvailable, startsAt, endsAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find adjacent slot: %w", err)
	}
	return &slot, nil
}

// MergeInto extends the kept slot to the new window and removes the redundant
// row, leaving one contiguous available slot.
func (r *SlotRepository) MergeInto(ctx context.Context, exec sqlx.ExtContext, keepID, dropID string, newStart, newEnd time.Time) error {
	target := r.exec(exec)

	const extend = `UPDATE slots SET starts_at = $1, ends_at = $2, updated_at = $3 WHERE id = $4 AND status = $5`
	res, err := target.ExecContext(ctx, extend, newStart, newEnd, time.Now().UTC(), keepID, models.SlotStatusAvailable)
	if err != nil {
		return fmt.Errorf("extend slot %s: %w", keepID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("extend slot affected: %w", err)
	}
	if affected == 0 {
		return appErrors.Clone(appErrors.ErrConflict, "slot status changed concurrently")
	}

	const drop = `DELETE FROM slots WHERE id = $1`
	if _, err := target.ExecContext(ctx, drop, dropID); err != nil {
		return fmt.Errorf("drop merged slot %s: %w", dropID, err)
	}
	return nil
}

// DeleteExpiredAvailable removes available slots whose window has passed.
func (r *SlotRepository) DeleteExpiredAvailable(ctx context.Context, cutoff time.Time) (int64, error) {
	const query = `DELETE FROM slots WHERE status = $1 AND ends_at <= $2`
	res, err := r.db.ExecContext(ctx, query, models.SlotStatusAvailable, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete expired slots: %w", err)
	}
	return res.RowsAffected()
}

// DeleteUpcomingAvailable removes a counsellor's not-yet-started available
// slots. Booked slots are untouched; they belong to an open session.
func (r *SlotRepository) DeleteUpcomingAvailable(ctx context.Context, exec sqlx.ExtContext, counsellorID string, from time.Time) (int64, error) {
	const query = `DELETE FROM slots WHERE counsellor_id = $1 AND status = $2 AND starts_at >= $3`
	res, err := r.exec(exec).ExecContext(ctx, query, counsellorID, models.SlotStatusAvailable, from)
	if err != nil {
		return 0, fmt.Errorf("delete upcoming slots: %w", err)
	}
	return res.RowsAffected()
}

// CountOverlapping reports how many existing slots of the counsellor overlap
// the proposed window. Used to skip duplicates during availability publishing.
func (r *SlotRepository) CountOverlapping(ctx context.Context, counsellorID string, startsAt, endsAt time.Time) (int, error) {
	const query = `SELECT COUNT(*) FROM slots WHERE counsellor_id = $1 AND starts_at < $2 AND ends_at > $3`
	var count int
	if err := r.db.GetContext(ctx, &count, query, counsellorID, endsAt, startsAt); err != nil {
		return 0, fmt.Errorf("count overlapping slots: %w", err)
	}
	return count, nil
}
