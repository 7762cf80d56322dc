package service

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/PromzzyKoncepts/counsel-api/internal/models"
	"github.com/PromzzyKoncepts/counsel-api/internal/notify"
	appErrors "github.com/PromzzyKoncepts/counsel-api/pkg/errors"
)

// Actor identifies the authenticated caller for authorization checks.
type Actor struct {
	ID   string
	Role models.UserRole
}

// Admin reports whether the actor holds back-office rights.
func (a Actor) Admin() bool {
	return a.Role == models.RoleAdmin
}

// CancellationService reverses bookings: it frees slots, closes sessions and
// compensates reminder jobs. Reschedule combines a cancellation with a fresh
// booking inside one transaction.
type CancellationService struct {
	slots    slotStore
	sessions sessionStore
	booking  *BookingService
	notifier notify.Dispatcher
	logger   *zap.Logger
}

// NewCancellationService wires the engine. The booking service is reused for
// the rebooking half of a reschedule so both paths share one algorithm.
func NewCancellationService(slots slotStore, sessions sessionStore, booking *BookingService, notifier notify.Dispatcher, logger *zap.Logger) *CancellationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CancellationService{
		slots:    slots,
		sessions: sessions,
		booking:  booking,
		notifier: notifier,
		logger:   logger,
	}
}

// Cancel frees every slot of the session and marks it cancelled, atomically.
// Reminder handles are cancelled after commit; they are idempotent no-ops if
// the jobs already fired.
func (s *CancellationService) Cancel(ctx context.Context, actor Actor, sessionID string) error {
	txCtx, cancelCtx := context.WithTimeout(ctx, s.booking.cfg.TxTimeout)
	defer cancelCtx()

	tx, err := s.booking.tx.BeginTxx(txCtx, nil)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to begin transaction")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var session *models.Session
	var handles []string
	session, handles, err = s.cancelWithinTx(txCtx, tx, actor, sessionID)
	if err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		err = mapTxError(err, "failed to commit cancellation")
		return err
	}

	s.afterCancellation(ctx, session, handles, models.CancellationNotice)
	return nil
}

// cancelWithinTx performs the authorization check and state reversal inside
// the caller's transaction, returning the reminder handles to compensate.
func (s *CancellationService) cancelWithinTx(ctx context.Context, tx sqlx.ExtContext, actor Actor, sessionID string) (*models.Session, []string, error) {
	session, err := s.sessions.FindByIDForUpdate(ctx, tx, sessionID)
	if err != nil {
		return nil, nil, mapTxError(err, "failed to load session")
	}
	if !session.Participant(actor.ID) && !actor.Admin() {
		return nil, nil, appErrors.Clone(appErrors.ErrForbidden, "only the session parties or an admin may cancel")
	}
	if !session.Status.Open() {
		return nil, nil, appErrors.Clone(appErrors.ErrConflict, "session is already closed")
	}

	handles, err := s.collectReminderHandles(ctx, tx, session)
	if err != nil {
		return nil, nil, err
	}

	if err := s.slots.Release(ctx, tx, session.SlotIDs); err != nil {
		return nil, nil, mapTxError(err, "failed to release slots")
	}
	actorID := actor.ID
	if err := s.sessions.UpdateStatus(ctx, tx, session.ID, session.Status, models.SessionStatusCancelled, &actorID); err != nil {
		return nil, nil, mapTxError(err, "failed to cancel session")
	}
	session.Status = models.SessionStatusCancelled
	session.CancelledBy = &actorID
	return session, handles, nil
}

// Reschedule moves a session to a new slot range. Freeing the old slots and
// booking the new ones commit together; on any failure the original booking
// stays intact.
func (s *CancellationService) Reschedule(ctx context.Context, actor Actor, sessionID, newSlotID string, durationMinutes int) (*BookingResult, error) {
	duration, err := s.booking.checkDuration(durationMinutes)
	if err != nil {
		return nil, err
	}

	txCtx, cancelCtx := context.WithTimeout(ctx, s.booking.cfg.TxTimeout)
	defer cancelCtx()

	tx, err := s.booking.tx.BeginTxx(txCtx, nil)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to begin transaction")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var old *models.Session
	old, err = s.sessions.FindByIDForUpdate(txCtx, tx, sessionID)
	if err != nil {
		err = mapTxError(err, "failed to load session")
		return nil, err
	}
	if !old.Participant(actor.ID) && !actor.Admin() {
		err = appErrors.Clone(appErrors.ErrForbidden, "only the session parties or an admin may reschedule")
		return nil, err
	}
	if !old.Status.Open() {
		err = appErrors.Clone(appErrors.ErrConflict, "session is already closed")
		return nil, err
	}

	var newAnchor *models.Slot
	newAnchor, err = s.slots.FindByIDForUpdate(txCtx, tx, newSlotID)
	if err != nil {
		err = mapTxError(err, "failed to load slot")
		return nil, err
	}
	if sameRange(old, newAnchor.StartsAt, newAnchor.StartsAt.Add(duration)) {
		err = appErrors.ErrNoOpReschedule
		return nil, err
	}

	var oldHandles []string
	oldHandles, err = s.collectReminderHandles(txCtx, tx, old)
	if err != nil {
		return nil, err
	}

	var result *BookingResult
	result, err = s.booking.bookWithinTx(txCtx, tx, actor.ID, newSlotID, duration, BookRequest{
		DurationMinutes: durationMinutes,
		Topic:           old.Topic,
		Notes:           old.Notes,
		RoomRef:         old.RoomRef,
	}, old)
	if err != nil {
		return nil, err
	}

	// slots common to both bookings stay booked; only the remainder frees
	toRelease := difference(old.SlotIDs, result.Session.SlotIDs)
	if err = s.slots.Release(txCtx, tx, toRelease); err != nil {
		err = mapTxError(err, "failed to release slots")
		return nil, err
	}

	actorID := actor.ID
	if err = s.sessions.UpdateStatus(txCtx, tx, old.ID, old.Status, models.SessionStatusCancelled, &actorID); err != nil {
		err = mapTxError(err, "failed to close rescheduled session")
		return nil, err
	}

	if err = tx.Commit(); err != nil {
		err = mapTxError(err, "failed to commit reschedule")
		return nil, err
	}

	for _, handle := range oldHandles {
		if cancelErr := s.booking.reminders.Cancel(ctx, handle); cancelErr != nil {
			s.logger.Sugar().Warnw("failed to cancel reminder", "handle", handle, "error", cancelErr)
		}
	}
	s.booking.afterBooking(ctx, result)
	s.notifyClosure(ctx, result.Session, models.RescheduleNotice)
	return result, nil
}

// collectReminderHandles reads the pending handles off the session's slots
// before they are cleared, so they can be compensated after commit.
func (s *CancellationService) collectReminderHandles(ctx context.Context, tx sqlx.ExtContext, session *models.Session) ([]string, error) {
	var handles []string
	for _, slotID := range session.SlotIDs {
		slot, err := s.slots.FindByIDForUpdate(ctx, tx, slotID)
		if err != nil {
			return nil, mapTxError(err, "failed to load session slot")
		}
		handles = append(handles, slot.ReminderJobs...)
	}
	return handles, nil
}

func (s *CancellationService) afterCancellation(ctx context.Context, session *models.Session, handles []string, kind models.ReminderKind) {
	for _, handle := range handles {
		if err := s.booking.reminders.Cancel(ctx, handle); err != nil {
			s.logger.Sugar().Warnw("failed to cancel reminder", "handle", handle, "error", err)
		}
	}
	s.notifyClosure(ctx, session, kind)
}

func (s *CancellationService) notifyClosure(ctx context.Context, session *models.Session, kind models.ReminderKind) {
	err := s.booking.reminders.RunNow(ctx, models.ReminderPayload{
		Kind:         kind,
		SessionID:    session.ID,
		UserID:       session.UserID,
		CounsellorID: session.CounsellorID,
		StartsAt:     session.StartsAt,
	})
	if err != nil {
		s.logger.Sugar().Warnw("failed to dispatch session notice", "kind", kind, "session_id", session.ID, "error", err)
	}
}

func sameRange(session *models.Session, start, end time.Time) bool {
	return session.StartsAt.Equal(start) && session.EndsAt.Equal(end)
}

func difference(from, exclude []string) []string {
	excluded := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		excluded[id] = struct{}{}
	}
	var out []string
	for _, id := range from {
		if _, ok := excluded[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}
