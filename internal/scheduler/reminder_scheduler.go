package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/PromzzyKoncepts/counsel-api/internal/models"
	"github.com/PromzzyKoncepts/counsel-api/pkg/jobs"
)

const (
	scheduleKey   = "reminders:schedule"
	payloadPrefix = "reminders:job:"

	// fired payloads linger briefly so a crashed dispatch can be inspected
	payloadGrace = 24 * time.Hour
)

// Dispatcher consumes due reminder payloads. The notification collaborator
// implements it; the scheduler never sends anything itself.
type Dispatcher interface {
	Dispatch(ctx context.Context, payload models.ReminderPayload) error
}

// Observer counts reminder lifecycle events. A nil observer disables
// instrumentation.
type Observer interface {
	ObserveReminder(event string)
}

// ReminderScheduler stores deferred reminder jobs in Redis and feeds a worker
// queue once they come due. Handles are opaque to callers; cancelling an
// unknown, fired or already-cancelled handle is a no-op.
type ReminderScheduler struct {
	client       *redis.Client
	queue        *jobs.Queue
	dispatcher   Dispatcher
	observer     Observer
	logger       *zap.Logger
	pollInterval time.Duration

	cancelPoll context.CancelFunc
	done       chan struct{}
}

// Config tunes the reminder pipeline.
type Config struct {
	PollInterval time.Duration
	Workers      int
	Retries      int
	Observer     Observer
}

// New constructs a ReminderScheduler. Start must be called before jobs fire.
func New(client *redis.Client, dispatcher Dispatcher, logger *zap.Logger, cfg Config) *ReminderScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Second
	}

	s := &ReminderScheduler{
		client:       client,
		dispatcher:   dispatcher,
		observer:     cfg.Observer,
		logger:       logger,
		pollInterval: cfg.PollInterval,
		done:         make(chan struct{}),
	}
	s.queue = jobs.NewQueue("reminders", s.handleJob, jobs.QueueConfig{
		Workers:    cfg.Workers,
		MaxRetries: cfg.Retries,
		Logger:     logger,
	})
	return s
}

// Start launches the delivery workers and the due-job poller.
func (s *ReminderScheduler) Start(ctx context.Context) {
	pollCtx, cancel := context.WithCancel(ctx)
	s.cancelPoll = cancel
	s.queue.Start(ctx)
	go s.pollLoop(pollCtx)
}

// Stop halts polling and drains the delivery workers.
func (s *ReminderScheduler) Stop() {
	if s.cancelPoll != nil {
		s.cancelPoll()
		<-s.done
	}
	s.queue.Stop()
}

// ScheduleAt enqueues a reminder to fire at the given time and returns the
// opaque handle the caller stores for later cancellation.
func (s *ReminderScheduler) ScheduleAt(ctx context.Context, fireAt time.Time, payload models.ReminderPayload) (string, error) {
	if !payload.Kind.Valid() {
		return "", fmt.Errorf("unknown reminder kind %q", payload.Kind)
	}

	handle := uuid.NewString()
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode reminder payload: %w", err)
	}

	ttl := time.Until(fireAt) + payloadGrace
	if ttl < payloadGrace {
		ttl = payloadGrace
	}
	if err := s.client.Set(ctx, payloadPrefix+handle, raw, ttl).Err(); err != nil {
		return "", fmt.Errorf("store reminder payload: %w", err)
	}
	if err := s.client.ZAdd(ctx, scheduleKey, redis.Z{Score: float64(fireAt.Unix()), Member: handle}).Err(); err != nil {
		// payload key expires on its own; the job just never fires
		return "", fmt.Errorf("schedule reminder: %w", err)
	}
	s.observe("scheduled")
	return handle, nil
}

// Cancel removes a scheduled reminder. Unknown handles are silently ignored:
// the job may have fired, or a previous cancel may have raced this one.
func (s *ReminderScheduler) Cancel(ctx context.Context, handle string) error {
	if handle == "" {
		return nil
	}
	removed, err := s.client.ZRem(ctx, scheduleKey, handle).Result()
	if err != nil {
		return fmt.Errorf("unschedule reminder %s: %w", handle, err)
	}
	if err := s.client.Del(ctx, payloadPrefix+handle).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("drop reminder payload %s: %w", handle, err)
	}
	if removed > 0 {
		s.observe("cancelled")
	}
	return nil
}

// RunNow bypasses the schedule and hands the payload straight to the workers.
func (s *ReminderScheduler) RunNow(ctx context.Context, payload models.ReminderPayload) error {
	if !payload.Kind.Valid() {
		return fmt.Errorf("unknown reminder kind %q", payload.Kind)
	}
	if err := s.queue.Enqueue(jobs.Job{
		ID:      uuid.NewString(),
		Type:    string(payload.Kind),
		Payload: payload,
	}); err != nil {
		return err
	}
	s.observe("dispatched")
	return nil
}

func (s *ReminderScheduler) pollLoop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.dispatchDue(ctx, time.Now()); err != nil {
				s.logger.Sugar().Warnw("reminder poll failed", "error", err)
			}
		}
	}
}

// dispatchDue claims and enqueues every job whose fire time has passed. ZREM
// is the claim: whichever poller removes the member delivers the job, so
// concurrent instances never double-send.
func (s *ReminderScheduler) dispatchDue(ctx context.Context, now time.Time) error {
	due, err := s.client.ZRangeByScore(ctx, scheduleKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now.Unix()),
	}).Result()
	if err != nil {
		return fmt.Errorf("range due reminders: %w", err)
	}

	for _, handle := range due {
		removed, err := s.client.ZRem(ctx, scheduleKey, handle).Result()
		if err != nil {
			return fmt.Errorf("claim reminder %s: %w", handle, err)
		}
		if removed == 0 {
			continue
		}

		raw, err := s.client.GetDel(ctx, payloadPrefix+handle).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				// cancelled between range and claim
				continue
			}
			s.logger.Sugar().Errorw("reminder payload missing", "handle", handle, "error", err)
			continue
		}

		var payload models.ReminderPayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			s.logger.Sugar().Errorw("reminder payload corrupt", "handle", handle, "error", err)
			continue
		}

		if err := s.queue.Enqueue(jobs.Job{ID: handle, Type: string(payload.Kind), Payload: payload}); err != nil {
			s.logger.Sugar().Errorw("reminder enqueue failed", "handle", handle, "error", err)
			continue
		}
		s.observe("dispatched")
	}
	return nil
}

func (s *ReminderScheduler) handleJob(ctx context.Context, job jobs.Job) error {
	payload, ok := job.Payload.(models.ReminderPayload)
	if !ok {
		return fmt.Errorf("unexpected payload type %T", job.Payload)
	}
	if err := s.dispatcher.Dispatch(ctx, payload); err != nil {
		s.observe("failed")
		return err
	}
	return nil
}

func (s *ReminderScheduler) observe(event string) {
	if s.observer != nil {
		s.observer.ObserveReminder(event)
	}
}
