package service

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/PromzzyKoncepts/counsel-api/internal/models"
	"github.com/PromzzyKoncepts/counsel-api/internal/notify"
	appErrors "github.com/PromzzyKoncepts/counsel-api/pkg/errors"
)

type slotStore interface {
	FindByIDForUpdate(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Slot, error)
	FindRangeForUpdate(ctx context.Context, exec sqlx.ExtContext, counsellorID string, from, to time.Time) ([]models.Slot, error)
	BookMany(ctx context.Context, exec sqlx.ExtContext, ids []string, userID string, bookedAt time.Time) error
	Release(ctx context.Context, exec sqlx.ExtContext, ids []string) error
	UpdateReminderJobs(ctx context.Context, exec sqlx.ExtContext, id string, handles []string) error
}

type sessionStore interface {
	Create(ctx context.Context, exec sqlx.ExtContext, session *models.Session) error
	FindByID(ctx context.Context, id string) (*models.Session, error)
	FindByIDForUpdate(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Session, error)
	UpdateStatus(ctx context.Context, exec sqlx.ExtContext, id string, from, to models.SessionStatus, cancelledBy *string) error
	HasOpenSession(ctx context.Context, exec sqlx.ExtContext, userID, excludeID string) (bool, error)
}

type reminderScheduler interface {
	ScheduleAt(ctx context.Context, fireAt time.Time, payload models.ReminderPayload) (string, error)
	Cancel(ctx context.Context, handle string) error
	RunNow(ctx context.Context, payload models.ReminderPayload) error
}

type txProvider interface {
	BeginTxx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error)
}

// ReminderOffsets are the lead times before a session start at which
// reminders fire.
type ReminderOffsets struct {
	DayBefore    time.Duration
	HourBefore   time.Duration
	MinuteBefore time.Duration
}

// BookingConfig tunes the engine.
type BookingConfig struct {
	TxTimeout   time.Duration
	MaxDuration time.Duration
	Offsets     ReminderOffsets
}

// BookRequest is the booking payload.
type BookRequest struct {
	DurationMinutes int     `json:"duration_minutes" validate:"required,gt=0"`
	Topic           string  `json:"topic" validate:"max=200"`
	Notes           string  `json:"notes" validate:"max=2000"`
	RoomRef         *string `json:"room_ref,omitempty"`
}

// BookingResult pairs the anchor slot with the created session.
type BookingResult struct {
	Slot    *models.Slot    `json:"slot"`
	Session *models.Session `json:"session"`
}

// BookingService converts available slots plus a session request into booked
// slots plus a persisted session, atomically. Reminder scheduling and
// notifications happen after commit and never fail a booking.
type BookingService struct {
	slots     slotStore
	sessions  sessionStore
	reminders reminderScheduler
	notifier  notify.Dispatcher
	tx        txProvider
	validator *validator.Validate
	logger    *zap.Logger
	cfg       BookingConfig
}

// NewBookingService wires the engine.
func NewBookingService(slots slotStore, sessions sessionStore, reminders reminderScheduler, notifier notify.Dispatcher, tx txProvider, validate *validator.Validate, logger *zap.Logger, cfg BookingConfig) *BookingService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TxTimeout <= 0 {
		cfg.TxTimeout = 5 * time.Second
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = 3 * time.Hour
	}
	if cfg.Offsets.DayBefore <= 0 {
		cfg.Offsets.DayBefore = 24 * time.Hour
	}
	if cfg.Offsets.HourBefore <= 0 {
		cfg.Offsets.HourBefore = time.Hour
	}
	if cfg.Offsets.MinuteBefore <= 0 {
		cfg.Offsets.MinuteBefore = time.Minute
	}
	return &BookingService{
		slots:     slots,
		sessions:  sessions,
		reminders: reminders,
		notifier:  notifier,
		tx:        tx,
		validator: validate,
		logger:    logger,
		cfg:       cfg,
	}
}

// Book reserves a contiguous run of slots starting at slotID and creates the
// session in the same transaction. Either both mutations persist or neither.
func (s *BookingService) Book(ctx context.Context, actorID, slotID string, req BookRequest) (*BookingResult, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid booking payload")
	}
	duration, err := s.checkDuration(req.DurationMinutes)
	if err != nil {
		return nil, err
	}

	txCtx, cancel := context.WithTimeout(ctx, s.cfg.TxTimeout)
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

	var result *BookingResult
	result, err = s.bookWithinTx(txCtx, tx, actorID, slotID, duration, req, nil)
	if err != nil {
		return nil, err
	}

	if err = tx.Commit(); err != nil {
		err = mapTxError(err, "failed to commit booking")
		return nil, err
	}

	s.afterBooking(ctx, result)
	return result, nil
}

// bookWithinTx runs the booking algorithm inside the caller's transaction.
// When oldSession is non-nil the call is part of a reschedule: the open
// session guard is skipped and slots already held by that session are
// tolerated in the requested range.
func (s *BookingService) bookWithinTx(ctx context.Context, tx *sqlx.Tx, actorID, slotID string, duration time.Duration, req BookRequest, oldSession *models.Session) (*BookingResult, error) {
	anchor, err := s.slots.FindByIDForUpdate(ctx, tx, slotID)
	if err != nil {
		return nil, mapTxError(err, "failed to load slot")
	}

	endAt := anchor.StartsAt.Add(duration)
	rows, err := s.slots.FindRangeForUpdate(ctx, tx, anchor.CounsellorID, anchor.StartsAt, endAt)
	if err != nil {
		return nil, mapTxError(err, "failed to load slot range")
	}
	if err := validateRange(rows, anchor.StartsAt, endAt, oldSession); err != nil {
		return nil, err
	}

	userID := actorID
	if oldSession != nil {
		userID = oldSession.UserID
	} else {
		open, err := s.sessions.HasOpenSession(ctx, tx, userID, "")
		if err != nil {
			return nil, mapTxError(err, "failed to check open sessions")
		}
		if open {
			return nil, appErrors.ErrOpenSession
		}
	}

	// only rows still available need the status flip; on a reschedule the
	// remainder already belongs to the session being replaced
	toBook := make([]string, 0, len(rows))
	allIDs := make([]string, 0, len(rows))
	for _, row := range rows {
		allIDs = append(allIDs, row.ID)
		if row.Status == models.SlotStatusAvailable {
			toBook = append(toBook, row.ID)
		}
	}

	bookedAt := time.Now().UTC()
	if err := s.slots.BookMany(ctx, tx, toBook, userID, bookedAt); err != nil {
		return nil, mapTxError(err, "failed to book slots")
	}

	session := &models.Session{
		UserID:       userID,
		CounsellorID: anchor.CounsellorID,
		SlotIDs:      pq.StringArray(allIDs),
		StartsAt:     anchor.StartsAt,
		EndsAt:       endAt,
		Status:       models.SessionStatusBooked,
		UserAccepted: true,
		RoomRef:      req.RoomRef,
		Topic:        req.Topic,
		Notes:        req.Notes,
	}
	if err := s.sessions.Create(ctx, tx, session); err != nil {
		return nil, mapTxError(err, "failed to create session")
	}

	booked := *anchor
	booked.Status = models.SlotStatusBooked
	booked.UserID = &userID
	booked.BookedAt = &bookedAt
	return &BookingResult{Slot: &booked, Session: session}, nil
}

// afterBooking schedules reminders and sends the confirmation. Both are
// best-effort: the booking already committed.
func (s *BookingService) afterBooking(ctx context.Context, result *BookingResult) {
	handles := s.scheduleReminders(ctx, result.Session)
	if len(handles) > 0 {
		if err := s.slots.UpdateReminderJobs(ctx, nil, result.Slot.ID, handles); err != nil {
			s.logger.Sugar().Warnw("failed to attach reminder handles", "slot_id", result.Slot.ID, "error", err)
		}
		result.Slot.ReminderJobs = handles
	}
	// slots carried over from a reschedule may still hold handles that were
	// just cancelled; only the anchor tracks the live set
	for _, id := range result.Session.SlotIDs {
		if id == result.Slot.ID {
			continue
		}
		if err := s.slots.UpdateReminderJobs(ctx, nil, id, []string{}); err != nil {
			s.logger.Sugar().Warnw("failed to clear reminder handles", "slot_id", id, "error", err)
		}
	}

	if s.notifier != nil {
		s.notifier.SendMail(ctx, notify.Mail{
			Recipient: result.Session.UserID,
			Subject:   "Session booked",
			Data: map[string]interface{}{
				"session_id": result.Session.ID,
				"starts_at":  result.Session.StartsAt,
			},
		})
		if admin := s.notifier.AdminEmail(); admin != "" {
			s.notifier.SendMail(ctx, notify.Mail{
				Recipient: admin,
				Subject:   "New session booked",
				Data: map[string]interface{}{
					"session_id":    result.Session.ID,
					"user_id":       result.Session.UserID,
					"counsellor_id": result.Session.CounsellorID,
					"starts_at":     result.Session.StartsAt,
				},
			})
		}
	}
}

func (s *BookingService) scheduleReminders(ctx context.Context, session *models.Session) []string {
	offsets := []struct {
		kind   models.ReminderKind
		offset time.Duration
	}{
		{models.RemindDayBefore, s.cfg.Offsets.DayBefore},
		{models.RemindHourBefore, s.cfg.Offsets.HourBefore},
		{models.RemindMinuteBefore, s.cfg.Offsets.MinuteBefore},
	}

	var handles []string
	now := time.Now()
	for _, o := range offsets {
		fireAt := session.StartsAt.Add(-o.offset)
		if fireAt.Before(now) {
			continue
		}
		handle, err := s.reminders.ScheduleAt(ctx, fireAt, models.ReminderPayload{
			Kind:         o.kind,
			SessionID:    session.ID,
			UserID:       session.UserID,
			CounsellorID: session.CounsellorID,
			StartsAt:     session.StartsAt,
		})
		if err != nil {
			s.logger.Sugar().Warnw("failed to schedule reminder", "kind", o.kind, "session_id", session.ID, "error", err)
			continue
		}
		handles = append(handles, handle)
	}
	return handles
}

func (s *BookingService) checkDuration(minutes int) (time.Duration, error) {
	duration := time.Duration(minutes) * time.Minute
	if duration <= 0 || duration%models.SlotGranularity != 0 {
		return 0, appErrors.Clone(appErrors.ErrInvalidArgument, "duration must be a positive multiple of 15 minutes")
	}
	if duration > s.cfg.MaxDuration {
		return 0, appErrors.Clone(appErrors.ErrInvalidArgument, "duration exceeds the maximum booking length")
	}
	return duration, nil
}

// validateRange checks that the locked rows exactly tile [start, end) and are
// bookable. On a reschedule, rows already booked by the session being
// replaced count as free.
func validateRange(rows []models.Slot, start, end time.Time, oldSession *models.Session) error {
	if len(rows) == 0 {
		return appErrors.ErrSlotsUnavailable
	}
	if !rows[0].StartsAt.Equal(start) {
		return appErrors.ErrSlotsUnavailable
	}
	cursor := start
	for _, row := range rows {
		if !row.StartsAt.Equal(cursor) {
			return appErrors.ErrSlotsUnavailable
		}
		if row.Status != models.SlotStatusAvailable && !heldByOldSession(row, oldSession) {
			return appErrors.ErrSlotsUnavailable
		}
		cursor = row.EndsAt
	}
	if !cursor.Equal(end) {
		return appErrors.ErrSlotsUnavailable
	}
	return nil
}

func heldByOldSession(row models.Slot, oldSession *models.Session) bool {
	if oldSession == nil || row.Status != models.SlotStatusBooked {
		return false
	}
	for _, id := range oldSession.SlotIDs {
		if id == row.ID {
			return true
		}
	}
	return false
}

// mapTxError classifies database failures: serialization and deadlock errors
// become retryable conflicts, typed errors pass through, the rest wrap as
// internal.
func mapTxError(err error, message string) error {
	var appErr *appErrors.Error
	if errors.As(err, &appErr) {
		return err
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return appErrors.Wrap(err, appErrors.ErrTxConflict.Code, appErrors.ErrTxConflict.Status, appErrors.ErrTxConflict.Message)
		case "23P01": // exclusion_violation on the no-overlap constraint
			return appErrors.Wrap(err, appErrors.ErrSlotsUnavailable.Code, appErrors.ErrSlotsUnavailable.Status, appErrors.ErrSlotsUnavailable.Message)
		}
	}
	return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, message)
}
