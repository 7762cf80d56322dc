package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/PromzzyKoncepts/counsel-api/internal/models"
	"github.com/PromzzyKoncepts/counsel-api/pkg/config"
	"github.com/PromzzyKoncepts/counsel-api/pkg/jobs"
)

// Mail is a templated email request handed to the external mailer.
type Mail struct {
	Recipient string                 `json:"recipient"`
	Subject   string                 `json:"subject,omitempty"`
	Template  string                 `json:"template,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Push is a single push notification.
type Push struct {
	Token string `json:"token"`
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Dispatcher is the external notification collaborator. All sends are
// fire-and-forget: failures are logged, never propagated to the booking flow.
type Dispatcher interface {
	SendMail(ctx context.Context, mail Mail)
	SendPush(ctx context.Context, pushes []Push)
	Dispatch(ctx context.Context, payload models.ReminderPayload) error
	// AdminEmail is the back-office recipient for booking notices; empty
	// when no admin copy is wanted.
	AdminEmail() string
}

// WebhookDispatcher posts notification requests to a delivery webhook through
// a background queue. An empty webhook URL turns it into a logging no-op,
// which keeps local development quiet but observable.
type WebhookDispatcher struct {
	url        string
	adminEmail string
	client     *http.Client
	queue      *jobs.Queue
	logger     *zap.Logger
}

// NewWebhookDispatcher wires the dispatcher and its delivery queue.
func NewWebhookDispatcher(cfg config.NotificationsConfig, logger *zap.Logger) *WebhookDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	d := &WebhookDispatcher{
		url:        cfg.WebhookURL,
		adminEmail: cfg.AdminEmail,
		client:     &http.Client{Timeout: timeout},
		logger:     logger,
	}
	d.queue = jobs.NewQueue("notifications", d.deliver, jobs.QueueConfig{Workers: 2, Logger: logger})
	return d
}

// Start launches the delivery workers.
func (d *WebhookDispatcher) Start(ctx context.Context) {
	d.queue.Start(ctx)
}

// Stop drains the delivery workers.
func (d *WebhookDispatcher) Stop() {
	d.queue.Stop()
}

// SendMail queues an email for delivery.
func (d *WebhookDispatcher) SendMail(ctx context.Context, mail Mail) {
	d.enqueue("mail", mail)
}

// SendPush queues push notifications for delivery.
func (d *WebhookDispatcher) SendPush(ctx context.Context, pushes []Push) {
	if len(pushes) == 0 {
		return
	}
	d.enqueue("push", pushes)
}

// AdminEmail returns the configured back-office recipient, if any.
func (d *WebhookDispatcher) AdminEmail() string {
	return d.adminEmail
}

// Dispatch routes a fired reminder payload to mail delivery. Implements the
// scheduler's dispatcher contract.
func (d *WebhookDispatcher) Dispatch(ctx context.Context, payload models.ReminderPayload) error {
	subject, ok := reminderSubjects[payload.Kind]
	if !ok {
		return fmt.Errorf("no template for reminder kind %q", payload.Kind)
	}
	data := map[string]interface{}{
		"session_id": payload.SessionID,
		"starts_at":  payload.StartsAt,
		"message":    payload.Message,
	}
	d.enqueue("mail", Mail{Recipient: payload.UserID, Subject: subject, Data: data})
	d.enqueue("mail", Mail{Recipient: payload.CounsellorID, Subject: subject, Data: data})
	return nil
}

var reminderSubjects = map[models.ReminderKind]string{
	models.RemindDayBefore:    "Your session is tomorrow",
	models.RemindHourBefore:   "Your session starts in an hour",
	models.RemindMinuteBefore: "Your session is starting now",
	models.RescheduleNotice:   "Your session was rescheduled",
	models.CancellationNotice: "Your session was cancelled",
}

func (d *WebhookDispatcher) enqueue(kind string, payload interface{}) {
	err := d.queue.Enqueue(jobs.Job{
		ID:      uuid.NewString(),
		Type:    kind,
		Payload: payload,
	})
	if err != nil {
		d.logger.Sugar().Warnw("notification dropped", "kind", kind, "error", err)
	}
}

func (d *WebhookDispatcher) deliver(ctx context.Context, job jobs.Job) error {
	if d.url == "" {
		d.logger.Sugar().Infow("notification (no webhook configured)", "kind", job.Type)
		return nil
	}

	body, err := json.Marshal(map[string]interface{}{"kind": job.Type, "payload": job.Payload})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("post notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("notification webhook returned %d", resp.StatusCode)
	}
	return nil
}
