package models

import (
	"time"

	"github.com/lib/pq"
)

// SlotStatus enumerates the states of a counselling time slot.
type SlotStatus string

const (
	SlotStatusAvailable SlotStatus = "available"
	SlotStatusBooked    SlotStatus = "booked"
)

// SlotGranularity is the base slot length; every booking duration must be a
// positive multiple of it.
const SlotGranularity = 15 * time.Minute

// Slot represents a bookable time window owned by a counsellor.
type Slot struct {
	ID           string         `db:"id" json:"id"`
	CounsellorID string         `db:"counsellor_id" json:"counsellor_id"`
	UserID       *string        `db:"user_id" json:"user_id,omitempty"`
	StartsAt     time.Time      `db:"starts_at" json:"starts_at"`
	EndsAt       time.Time      `db:"ends_at" json:"ends_at"`
	Status       SlotStatus     `db:"status" json:"status"`
	ReminderJobs pq.StringArray `db:"reminder_jobs" json:"-"`
	BookedAt     *time.Time     `db:"booked_at" json:"booked_at,omitempty"`
	CreatedBy    *string        `db:"created_by" json:"-"`
	CreatedAt    time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at" json:"updated_at"`
}

// Adjacent reports whether other starts exactly where this slot ends or ends
// exactly where this slot starts.
func (s Slot) Adjacent(other Slot) bool {
	return s.EndsAt.Equal(other.StartsAt) || other.EndsAt.Equal(s.StartsAt)
}

// RecurrencePattern enumerates supported availability recurrence modes.
type RecurrencePattern string

const (
	RecurrenceDaily       RecurrencePattern = "daily"
	RecurrenceWorkingDays RecurrencePattern = "workingDays"
	RecurrenceWeekly      RecurrencePattern = "weekly"
	RecurrenceBiweekly    RecurrencePattern = "biweekly"
	RecurrenceMonthly     RecurrencePattern = "monthly"
)

// Occurrences returns how many future windows the pattern expands into.
func (p RecurrencePattern) Occurrences() int {
	switch p {
	case RecurrenceDaily:
		return 30
	case RecurrenceWorkingDays:
		return 19
	case RecurrenceWeekly:
		return 5
	case RecurrenceBiweekly:
		return 3
	case RecurrenceMonthly:
		return 2
	default:
		return 0
	}
}
