package service

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/PromzzyKoncepts/counsel-api/internal/models"
	"github.com/PromzzyKoncepts/counsel-api/internal/notify"
	"github.com/PromzzyKoncepts/counsel-api/pkg/export"
	appErrors "github.com/PromzzyKoncepts/counsel-api/pkg/errors"
)

type sessionLifecycleStore interface {
	sessionStore
	ListByParticipant(ctx context.Context, filter models.SessionFilter) ([]models.Session, int, error)
	ListBookedByCounsellor(ctx context.Context, counsellorID string, from time.Time) ([]models.Session, error)
	UpdateAcceptance(ctx context.Context, exec sqlx.ExtContext, id string, counsellor bool, accepted bool) error
	UpdateRating(ctx context.Context, id string, byCounsellor bool, rating int16) error
}

// SessionService covers the lifecycle operations outside booking and
// cancellation: counsellor responses, completion, ratings, listings and the
// schedule export.
type SessionService struct {
	slots     slotStore
	sessions  sessionLifecycleStore
	reminders reminderScheduler
	notifier  notify.Dispatcher
	tx        txProvider
	logger    *zap.Logger
	txTimeout time.Duration
}

// NewSessionService wires the service.
func NewSessionService(slots slotStore, sessions sessionLifecycleStore, reminders reminderScheduler, notifier notify.Dispatcher, tx txProvider, logger *zap.Logger, txTimeout time.Duration) *SessionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if txTimeout <= 0 {
		txTimeout = 5 * time.Second
	}
	return &SessionService{
		slots:     slots,
		sessions:  sessions,
		reminders: reminders,
		notifier:  notifier,
		tx:        tx,
		logger:    logger,
		txTimeout: txTimeout,
	}
}

// Get loads a session visible to the actor.
func (s *SessionService) Get(ctx context.Context, actor Actor, sessionID string) (*models.Session, error) {
	session, err := s.sessions.FindByID(ctx, sessionID)
	if err != nil {
		return nil, mapTxError(err, "failed to load session")
	}
	if !session.Participant(actor.ID) && !actor.Admin() {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "session belongs to another user")
	}
	return session, nil
}

// List returns the actor's sessions. Admins may list for any participant via
// the filter; everyone else is pinned to their own.
func (s *SessionService) List(ctx context.Context, actor Actor, filter models.SessionFilter) ([]models.Session, int, error) {
	if !actor.Admin() || filter.ParticipantID == "" {
		filter.ParticipantID = actor.ID
	}
	sessions, total, err := s.sessions.ListByParticipant(ctx, filter)
	if err != nil {
		return nil, 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list sessions")
	}
	return sessions, total, nil
}

// Respond records the counsellor's answer to a booked session. Accepting
// confirms it; declining closes it and frees its slots like a cancellation.
func (s *SessionService) Respond(ctx context.Context, actor Actor, sessionID string, accept bool) (*models.Session, error) {
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

	var session *models.Session
	session, err = s.sessions.FindByIDForUpdate(txCtx, tx, sessionID)
	if err != nil {
		err = mapTxError(err, "failed to load session")
		return nil, err
	}
	if session.CounsellorID != actor.ID && !actor.Admin() {
		err = appErrors.Clone(appErrors.ErrForbidden, "only the counsellor may respond to a session")
		return nil, err
	}

	target := models.SessionStatusConfirmed
	if !accept {
		target = models.SessionStatusDeclined
	}
	if !session.Status.CanTransition(target) {
		err = appErrors.Clone(appErrors.ErrConflict, fmt.Sprintf("session cannot move from %s to %s", session.Status, target))
		return nil, err
	}

	var handles []string
	if !accept {
		for _, slotID := range session.SlotIDs {
			slot, slotErr := s.slots.FindByIDForUpdate(txCtx, tx, slotID)
			if slotErr != nil {
				err = mapTxError(slotErr, "failed to load session slot")
				return nil, err
			}
			handles = append(handles, slot.ReminderJobs...)
		}
		if err = s.slots.Release(txCtx, tx, session.SlotIDs); err != nil {
			err = mapTxError(err, "failed to release slots")
			return nil, err
		}
	}

	if err = s.sessions.UpdateAcceptance(txCtx, tx, session.ID, true, accept); err != nil {
		err = mapTxError(err, "failed to record response")
		return nil, err
	}
	if err = s.sessions.UpdateStatus(txCtx, tx, session.ID, session.Status, target, nil); err != nil {
		err = mapTxError(err, "failed to update session status")
		return nil, err
	}

	if err = tx.Commit(); err != nil {
		err = mapTxError(err, "failed to commit response")
		return nil, err
	}

	session.Status = target
	session.CounsellorAccepted = accept
	if !accept {
		for _, handle := range handles {
			if cancelErr := s.reminders.Cancel(ctx, handle); cancelErr != nil {
				s.logger.Sugar().Warnw("failed to cancel reminder", "handle", handle, "error", cancelErr)
			}
		}
	}
	if s.notifier != nil {
		subject := "Session confirmed"
		if !accept {
			subject = "Session declined"
		}
		s.notifier.SendMail(ctx, notify.Mail{
			Recipient: session.UserID,
			Subject:   subject,
			Data: map[string]interface{}{
				"session_id": session.ID,
				"starts_at":  session.StartsAt,
			},
		})
	}
	return session, nil
}

// Complete marks a confirmed or running session as held. Slots stay booked;
// the window has already been consumed.
func (s *SessionService) Complete(ctx context.Context, actor Actor, sessionID string) (*models.Session, error) {
	session, err := s.sessions.FindByID(ctx, sessionID)
	if err != nil {
		return nil, mapTxError(err, "failed to load session")
	}
	if session.CounsellorID != actor.ID && !actor.Admin() {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only the counsellor may complete a session")
	}
	if !session.Status.CanTransition(models.SessionStatusCompleted) {
		return nil, appErrors.Clone(appErrors.ErrConflict, fmt.Sprintf("session cannot complete from %s", session.Status))
	}
	if err := s.sessions.UpdateStatus(ctx, nil, session.ID, session.Status, models.SessionStatusCompleted, nil); err != nil {
		return nil, mapTxError(err, "failed to complete session")
	}
	session.Status = models.SessionStatusCompleted
	return session, nil
}

// Rate records a participant's rating on a completed session.
func (s *SessionService) Rate(ctx context.Context, actor Actor, sessionID string, rating int) (*models.Session, error) {
	if rating < 1 || rating > 5 {
		return nil, appErrors.Clone(appErrors.ErrInvalidArgument, "rating must be between 1 and 5")
	}
	session, err := s.sessions.FindByID(ctx, sessionID)
	if err != nil {
		return nil, mapTxError(err, "failed to load session")
	}
	if !session.Participant(actor.ID) {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only the session parties may rate it")
	}
	if session.Status != models.SessionStatusCompleted {
		return nil, appErrors.Clone(appErrors.ErrConflict, "only completed sessions can be rated")
	}
	byCounsellor := actor.ID == session.CounsellorID
	if err := s.sessions.UpdateRating(ctx, session.ID, byCounsellor, int16(rating)); err != nil {
		return nil, mapTxError(err, "failed to record rating")
	}
	value := int16(rating)
	if byCounsellor {
		session.CounsellorRating = &value
	} else {
		session.UserRating = &value
	}
	return session, nil
}

// BuildSchedule assembles the counsellor's upcoming booked sessions as a
// tabular dataset for the export renderers.
func (s *SessionService) BuildSchedule(ctx context.Context, actor Actor, counsellorID string) (*export.Dataset, error) {
	if counsellorID != actor.ID && !actor.Admin() {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only the counsellor or an admin may export the schedule")
	}
	sessions, err := s.sessions.ListBookedByCounsellor(ctx, counsellorID, time.Now().UTC())
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load schedule")
	}

	dataset := &export.Dataset{
		Title:   "Upcoming sessions",
		Headers: []string{"Date", "Start", "End", "Status", "User", "Topic"},
	}
	for _, session := range sessions {
		dataset.Rows = append(dataset.Rows, map[string]string{
			"Date":   session.StartsAt.Format("2006-01-02"),
			"Start":  session.StartsAt.Format("15:04"),
			"End":    session.EndsAt.Format("15:04"),
			"Status": string(session.Status),
			"User":   session.UserID,
			"Topic":  session.Topic,
		})
	}
	return dataset, nil
}
