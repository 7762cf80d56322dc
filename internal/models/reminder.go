package models

import "time"

// ReminderKind enumerates the deferred notification categories the scheduler
// understands.
type ReminderKind string

const (
	RemindDayBefore      ReminderKind = "remind-a-day-before"
	RemindHourBefore     ReminderKind = "remind-an-hour-before"
	RemindMinuteBefore   ReminderKind = "remind-a-minute-before"
	RescheduleNotice     ReminderKind = "reschedule-notification"
	CancellationNotice   ReminderKind = "cancellation-notification"
)

// Valid reports whether the kind is one the dispatcher can route.
func (k ReminderKind) Valid() bool {
	switch k {
	case RemindDayBefore, RemindHourBefore, RemindMinuteBefore, RescheduleNotice, CancellationNotice:
		return true
	}
	return false
}

// ReminderPayload is the message body stored with a scheduled reminder job.
// The core only holds the opaque handle; the payload lives in the external
// job store until the job fires or is cancelled.
type ReminderPayload struct {
	Kind         ReminderKind `json:"kind"`
	SessionID    string       `json:"session_id"`
	SlotID       string       `json:"slot_id,omitempty"`
	UserID       string       `json:"user_id"`
	CounsellorID string       `json:"counsellor_id"`
	StartsAt     time.Time    `json:"starts_at"`
	Message      string       `json:"message,omitempty"`
}
