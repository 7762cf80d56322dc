package service

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/PromzzyKoncepts/counsel-api/internal/models"
	appErrors "github.com/PromzzyKoncepts/counsel-api/pkg/errors"
)

type slotMaintenanceStore interface {
	FindByIDForUpdate(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Slot, error)
	ListAvailable(ctx context.Context, counsellorID string, from time.Time, page, pageSize int) ([]models.Slot, int, error)
	CreateBatch(ctx context.Context, exec sqlx.ExtContext, slots []models.Slot) error
	Release(ctx context.Context, exec sqlx.ExtContext, ids []string) error
	FindAdjacentAvailable(ctx context.Context, exec sqlx.ExtContext, counsellorID string, startsAt, endsAt time.Time) (*models.Slot, error)
	MergeInto(ctx context.Context, exec sqlx.ExtContext, keepID, dropID string, newStart, newEnd time.Time) error
	DeleteExpiredAvailable(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteUpcomingAvailable(ctx context.Context, exec sqlx.ExtContext, counsellorID string, from time.Time) (int64, error)
	CountOverlapping(ctx context.Context, counsellorID string, startsAt, endsAt time.Time) (int, error)
}

type sessionGuard interface {
	SlotHasOpenSession(ctx context.Context, exec sqlx.ExtContext, slotID string) (bool, error)
}

// PublishRequest describes one availability window and how it recurs. The
// window expands into 15-minute slot rows per occurrence.
type PublishRequest struct {
	StartsAt time.Time                `json:"starts_at" validate:"required"`
	EndsAt   time.Time                `json:"ends_at" validate:"required"`
	Pattern  models.RecurrencePattern `json:"pattern" validate:"required"`
}

// PublishResult reports how the recurrence expansion went.
type PublishResult struct {
	Created int `json:"created"`
	Skipped int `json:"skipped"`
}

// SlotService publishes and maintains counsellor availability: recurrence
// expansion, free-slot listing, single-slot release with adjacent merge, and
// cleanup of stale rows.
type SlotService struct {
	slots     slotMaintenanceStore
	sessions  sessionGuard
	reminders reminderScheduler
	tx        txProvider
	validator *validator.Validate
	logger    *zap.Logger
	txTimeout time.Duration
}

// NewSlotService wires the service.
func NewSlotService(slots slotMaintenanceStore, sessions sessionGuard, reminders reminderScheduler, tx txProvider, validate *validator.Validate, logger *zap.Logger, txTimeout time.Duration) *SlotService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if txTimeout <= 0 {
		txTimeout = 5 * time.Second
	}
	return &SlotService{
		slots:     slots,
		sessions:  sessions,
		reminders: reminders,
		tx:        tx,
		validator: validate,
		logger:    logger,
		txTimeout: txTimeout,
	}
}

// PublishAvailability expands the recurrence pattern into 15-minute slot rows
// and inserts them in one batch. Occurrences overlapping existing slots are
// skipped rather than failing the whole publish.
func (s *SlotService) PublishAvailability(ctx context.Context, counsellorID, createdBy string, req PublishRequest) (*PublishResult, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid availability payload")
	}
	if req.Pattern.Occurrences() == 0 {
		return nil, appErrors.Clone(appErrors.ErrInvalidArgument, "unknown recurrence pattern")
	}
	window := req.EndsAt.Sub(req.StartsAt)
	if window <= 0 || window%models.SlotGranularity != 0 {
		return nil, appErrors.Clone(appErrors.ErrInvalidArgument, "availability window must be a positive multiple of 15 minutes")
	}
	if req.StartsAt.Before(time.Now()) {
		return nil, appErrors.Clone(appErrors.ErrInvalidArgument, "availability must start in the future")
	}

	result := &PublishResult{}
	creator := createdBy
	var rows []models.Slot
	for _, start := range occurrenceStarts(req.StartsAt, req.Pattern) {
		end := start.Add(window)
		overlapping, err := s.slots.CountOverlapping(ctx, counsellorID, start, end)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check slot overlap")
		}
		if overlapping > 0 {
			result.Skipped++
			continue
		}
		for cursor := start; cursor.Before(end); cursor = cursor.Add(models.SlotGranularity) {
			rows = append(rows, models.Slot{
				CounsellorID: counsellorID,
				StartsAt:     cursor,
				EndsAt:       cursor.Add(models.SlotGranularity),
				Status:       models.SlotStatusAvailable,
				CreatedBy:    &creator,
			})
		}
		result.Created++
	}
	if len(rows) == 0 {
		return result, nil
	}

	txCtx, cancel := context.WithTimeout(ctx, s.txTimeout)
	defer cancel()

	tx, err := s.tx.BeginTxx(txCtx, nil)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to begin transaction")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = s.slots.CreateBatch(txCtx, tx, rows); err != nil {
		err = mapTxError(err, "failed to create slots")
		return nil, err
	}
	if err = tx.Commit(); err != nil {
		err = mapTxError(err, "failed to commit availability")
		return nil, err
	}

	s.logger.Sugar().Infow("availability published",
		"counsellor_id", counsellorID,
		"pattern", req.Pattern,
		"occurrences", result.Created,
		"skipped", result.Skipped,
		"slots", len(rows))
	return result, nil
}

// ListFree returns the counsellor's future available slots, newest page
// first by start time.
func (s *SlotService) ListFree(ctx context.Context, counsellorID string, page, pageSize int) ([]models.Slot, int, error) {
	slots, total, err := s.slots.ListAvailable(ctx, counsellorID, time.Now().UTC(), page, pageSize)
	if err != nil {
		return nil, 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list slots")
	}
	return slots, total, nil
}

// FreeSlot releases a single slot back to available and merges it with an
// adjacent free slot of the same counsellor when one exists. Slots still
// referenced by an open session must go through session cancellation instead.
func (s *SlotService) FreeSlot(ctx context.Context, actor Actor, slotID string) error {
	txCtx, cancel := context.WithTimeout(ctx, s.txTimeout)
	defer cancel()

	tx, err := s.tx.BeginTxx(txCtx, nil)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to begin transaction")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var handles []string
	handles, err = s.freeWithinTx(txCtx, tx, actor, slotID)
	if err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		err = mapTxError(err, "failed to commit slot release")
		return err
	}

	for _, handle := range handles {
		if cancelErr := s.reminders.Cancel(ctx, handle); cancelErr != nil {
			s.logger.Sugar().Warnw("failed to cancel reminder", "handle", handle, "error", cancelErr)
		}
	}
	return nil
}

func (s *SlotService) freeWithinTx(ctx context.Context, tx sqlx.ExtContext, actor Actor, slotID string) ([]string, error) {
	slot, err := s.slots.FindByIDForUpdate(ctx, tx, slotID)
	if err != nil {
		return nil, mapTxError(err, "failed to load slot")
	}
	if slot.CounsellorID != actor.ID && !actor.Admin() {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only the owning counsellor or an admin may free a slot")
	}

	handles := append([]string(nil), slot.ReminderJobs...)
	if slot.Status == models.SlotStatusBooked {
		open, err := s.sessions.SlotHasOpenSession(ctx, tx, slot.ID)
		if err != nil {
			return nil, mapTxError(err, "failed to check slot sessions")
		}
		if open {
			return nil, appErrors.Clone(appErrors.ErrConflict, "slot belongs to an open session; cancel the session instead")
		}
		if err := s.slots.Release(ctx, tx, []string{slot.ID}); err != nil {
			return nil, mapTxError(err, "failed to release slot")
		}
	}

	// fold the freed slot into its neighbours; two passes cover both sides
	keepID, start, end := slot.ID, slot.StartsAt, slot.EndsAt
	for i := 0; i < 2; i++ {
		neighbour, err := s.slots.FindAdjacentAvailable(ctx, tx, slot.CounsellorID, start, end)
		if err != nil {
			return nil, mapTxError(err, "failed to find adjacent slot")
		}
		if neighbour == nil {
			break
		}
		dropID := neighbour.ID
		if neighbour.StartsAt.Before(start) {
			start = neighbour.StartsAt
			keepID, dropID = neighbour.ID, keepID
		} else {
			end = neighbour.EndsAt
		}
		if err := s.slots.MergeInto(ctx, tx, keepID, dropID, start, end); err != nil {
			return nil, mapTxError(err, "failed to merge slots")
		}
	}
	return handles, nil
}

// DeleteUpcoming removes the counsellor's not-yet-started available slots.
// Booked slots stay; their sessions must be cancelled individually.
func (s *SlotService) DeleteUpcoming(ctx context.Context, actor Actor, counsellorID string) (int64, error) {
	if counsellorID != actor.ID && !actor.Admin() {
		return 0, appErrors.Clone(appErrors.ErrForbidden, "only the owning counsellor or an admin may delete slots")
	}
	deleted, err := s.slots.DeleteUpcomingAvailable(ctx, nil, counsellorID, time.Now().UTC())
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete slots")
	}
	return deleted, nil
}

// SweepExpired deletes available slots whose window has already passed. Wired
// to a cron schedule at startup.
func (s *SlotService) SweepExpired(ctx context.Context) int64 {
	deleted, err := s.slots.DeleteExpiredAvailable(ctx, time.Now().UTC())
	if err != nil {
		s.logger.Sugar().Errorw("expired slot sweep failed", "error", err)
		return 0
	}
	if deleted > 0 {
		s.logger.Sugar().Infow("expired slots swept", "deleted", deleted)
	}
	return deleted
}

// occurrenceStarts lists the start time of every occurrence the pattern
// expands into, the first being the requested start itself.
func occurrenceStarts(start time.Time, pattern models.RecurrencePattern) []time.Time {
	count := pattern.Occurrences()
	starts := make([]time.Time, 0, count)
	cursor := start
	for len(starts) < count {
		switch pattern {
		case models.RecurrenceWorkingDays:
			if wd := cursor.Weekday(); wd == time.Saturday || wd == time.Sunday {
				cursor = cursor.AddDate(0, 0, 1)
				continue
			}
			starts = append(starts, cursor)
			cursor = cursor.AddDate(0, 0, 1)
		case models.RecurrenceDaily:
			starts = append(starts, cursor)
			cursor = cursor.AddDate(0, 0, 1)
		case models.RecurrenceWeekly:
			starts = append(starts, cursor)
			cursor = cursor.AddDate(0, 0, 7)
		case models.RecurrenceBiweekly:
			starts = append(starts, cursor)
			cursor = cursor.AddDate(0, 0, 14)
		case models.RecurrenceMonthly:
			starts = append(starts, cursor)
			cursor = cursor.AddDate(0, 1, 0)
		default:
			return starts
		}
	}
	return starts
}
