package models

import (
	"time"

	"github.com/lib/pq"
)

// SessionStatus enumerates the lifecycle states of a counselling session.
type SessionStatus string

const (
	SessionStatusRequested  SessionStatus = "requested"
	SessionStatusBooked     SessionStatus = "booked"
	SessionStatusAssigned   SessionStatus = "assigned"
	SessionStatusConfirmed  SessionStatus = "confirmed"
	SessionStatusInProgress SessionStatus = "inProgress"
	SessionStatusCompleted  SessionStatus = "completed"
	SessionStatusCancelled  SessionStatus = "cancelled"
	SessionStatusDeclined   SessionStatus = "declined"
)

// Level maps a status onto the monotonic ordering used by transition checks.
// Terminal and regressive states sit below 2; any status at level 2 or above
// still represents an open engagement.
func (s SessionStatus) Level() int {
	switch s {
	case SessionStatusDeclined:
		return -1
	case SessionStatusCancelled:
		return 0
	case SessionStatusCompleted:
		return 1
	case SessionStatusRequested:
		return 2
	case SessionStatusBooked, SessionStatusAssigned:
		return 3
	case SessionStatusConfirmed:
		return 4
	case SessionStatusInProgress:
		return 5
	default:
		return -1
	}
}

// Open reports whether the session still occupies its slots.
func (s SessionStatus) Open() bool {
	return s.Level() >= 2
}

// Terminal reports whether no further transition is allowed.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionStatusCompleted, SessionStatusCancelled, SessionStatusDeclined:
		return true
	}
	return false
}

// CanTransition is the single authority on status moves. Forward moves climb
// the level ordering; open statuses may always drop to cancelled or declined,
// and confirmed/inProgress sessions may complete.
func (s SessionStatus) CanTransition(to SessionStatus) bool {
	if s.Terminal() {
		return false
	}
	switch to {
	case SessionStatusCancelled, SessionStatusDeclined:
		return s.Open()
	case SessionStatusCompleted:
		return s == SessionStatusConfirmed || s == SessionStatusInProgress
	default:
		return to.Level() > s.Level()
	}
}

// Session represents a scheduled engagement between a user and a counsellor
// spanning one or more contiguous slots.
type Session struct {
	ID                  string         `db:"id" json:"id"`
	UserID              string         `db:"user_id" json:"user_id"`
	CounsellorID        string         `db:"counsellor_id" json:"counsellor_id"`
	SlotIDs             pq.StringArray `db:"slot_ids" json:"slot_ids"`
	StartsAt            time.Time      `db:"starts_at" json:"starts_at"`
	EndsAt              time.Time      `db:"ends_at" json:"ends_at"`
	Status              SessionStatus  `db:"status" json:"status"`
	UserAccepted        bool           `db:"user_accepted" json:"user_accepted"`
	CounsellorAccepted  bool           `db:"counsellor_accepted" json:"counsellor_accepted"`
	CancelledBy         *string        `db:"cancelled_by" json:"cancelled_by,omitempty"`
	UserRating          *int16         `db:"user_rating" json:"user_rating,omitempty"`
	CounsellorRating    *int16         `db:"counsellor_rating" json:"counsellor_rating,omitempty"`
	RoomRef             *string        `db:"room_ref" json:"room_ref,omitempty"`
	Topic               string         `db:"topic" json:"topic"`
	Notes               string         `db:"notes" json:"notes,omitempty"`
	CreatedAt           time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time      `db:"updated_at" json:"updated_at"`
}

// Participant reports whether the given actor takes part in the session.
func (s *Session) Participant(actorID string) bool {
	return actorID == s.UserID || actorID == s.CounsellorID
}

// SessionFilter captures criteria for listing sessions.
type SessionFilter struct {
	ParticipantID string
	Status        SessionStatus
	Page          int
	PageSize      int
}
