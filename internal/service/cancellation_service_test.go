package service

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/PromzzyKoncepts/counsel-api/internal/models"
	appErrors "github.com/PromzzyKoncepts/counsel-api/pkg/errors"
)

func newCancellationFixture(t *testing.T) (*CancellationService, *slotStoreStub, *sessionStoreStub, *schedulerStub, sqlmock.Sqlmock) {
	slots := newSlotStoreStub()
	sessions := newSessionStoreStub()
	scheduler := &schedulerStub{}
	tx, mock := newTxProviderMock(t)
	booking := NewBookingService(slots, sessions, scheduler, &dispatcherStub{}, tx, nil, zap.NewNop(), BookingConfig{})
	svc := NewCancellationService(slots, sessions, booking, &dispatcherStub{}, zap.NewNop())
	return svc, slots, sessions, scheduler, mock
}

// bookedFixture seeds a booked session covering n contiguous slots, each
// carrying one reminder handle.
func bookedFixture(slots *slotStoreStub, sessions *sessionStoreStub, start time.Time, n int) *models.Session {
	user := "user-1"
	run := contiguousSlots("couns-1", start, n)
	ids := make([]string, 0, n)
	for i := range run {
		slot := run[i]
		slot.Status = models.SlotStatusBooked
		slot.UserID = &user
		slot.ReminderJobs = pq.StringArray{"job-" + slot.ID}
		slots.slots[slot.ID] = &slot
		ids = append(ids, slot.ID)
	}
	session := &models.Session{
		ID:           "sess-1",
		UserID:       user,
		CounsellorID: "couns-1",
		SlotIDs:      pq.StringArray(ids),
		StartsAt:     start,
		EndsAt:       start.Add(time.Duration(n) * models.SlotGranularity),
		Status:       models.SessionStatusBooked,
		UserAccepted: true,
	}
	sessions.sessions[session.ID] = session
	return session
}

func TestCancellationFreesSlotsAndCompensatesReminders(t *testing.T) {
	svc, slots, sessions, scheduler, mock := newCancellationFixture(t)
	start := time.Now().Add(48 * time.Hour).Truncate(models.SlotGranularity)
	session := bookedFixture(slots, sessions, start, 2)

	mock.ExpectBegin()
	mock.ExpectCommit()

	err := svc.Cancel(context.Background(), Actor{ID: "user-1", Role: models.RoleUser}, session.ID)
	require.NoError(t, err)

	assert.Equal(t, models.SessionStatusCancelled, sessions.sessions["sess-1"].Status)
	require.NotNil(t, sessions.sessions["sess-1"].CancelledBy)
	assert.Equal(t, "user-1", *sessions.sessions["sess-1"].CancelledBy)

	for _, id := range []string{"slot-1", "slot-2"} {
		assert.Equal(t, models.SlotStatusAvailable, slots.slots[id].Status)
		assert.Nil(t, slots.slots[id].UserID)
	}
	assert.ElementsMatch(t, []string{"job-slot-1", "job-slot-2"}, scheduler.cancelled)
	require.Len(t, scheduler.ran, 1)
	assert.Equal(t, models.CancellationNotice, scheduler.ran[0].Kind)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCancellationAllowsCounsellorAndAdmin(t *testing.T) {
	for _, actor := range []Actor{
		{ID: "couns-1", Role: models.RoleCounsellor},
		{ID: "admin-1", Role: models.RoleAdmin},
	} {
		svc, slots, sessions, _, mock := newCancellationFixture(t)
		start := time.Now().Add(48 * time.Hour).Truncate(models.SlotGranularity)
		session := bookedFixture(slots, sessions, start, 1)

		mock.ExpectBegin()
		mock.ExpectCommit()

		err := svc.Cancel(context.Background(), actor, session.ID)
		require.NoError(t, err, "actor %s", actor.ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	}
}

func TestCancellationRejectsOutsider(t *testing.T) {
	svc, slots, sessions, scheduler, mock := newCancellationFixture(t)
	start := time.Now().Add(48 * time.Hour).Truncate(models.SlotGranularity)
	session := bookedFixture(slots, sessions, start, 1)

	mock.ExpectBegin()
	mock.ExpectRollback()

	err := svc.Cancel(context.Background(), Actor{ID: "stranger", Role: models.RoleUser}, session.ID)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrForbidden.Code, appErrors.FromError(err).Code)
	assert.Equal(t, models.SessionStatusBooked, sessions.sessions["sess-1"].Status)
	assert.Empty(t, scheduler.cancelled)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCancellationRejectsClosedSession(t *testing.T) {
	svc, slots, sessions, _, mock := newCancellationFixture(t)
	start := time.Now().Add(48 * time.Hour).Truncate(models.SlotGranularity)
	session := bookedFixture(slots, sessions, start, 1)
	sessions.sessions[session.ID].Status = models.SessionStatusCompleted

	mock.ExpectBegin()
	mock.ExpectRollback()

	err := svc.Cancel(context.Background(), Actor{ID: "user-1", Role: models.RoleUser}, session.ID)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrConflict.Code, appErrors.FromError(err).Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRescheduleRejectsIdenticalRange(t *testing.T) {
	svc, slots, sessions, _, mock := newCancellationFixture(t)
	start := time.Now().Add(48 * time.Hour).Truncate(models.SlotGranularity)
	session := bookedFixture(slots, sessions, start, 2)

	mock.ExpectBegin()
	mock.ExpectRollback()

	_, err := svc.Reschedule(context.Background(), Actor{ID: "user-1", Role: models.RoleUser}, session.ID, "slot-1", 30)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNoOpReschedule.Code, appErrors.FromError(err).Code)
	assert.Equal(t, models.SessionStatusBooked, sessions.sessions["sess-1"].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRescheduleMovesSession(t *testing.T) {
	svc, slots, sessions, scheduler, mock := newCancellationFixture(t)
	start := time.Now().Add(48 * time.Hour).Truncate(models.SlotGranularity)
	session := bookedFixture(slots, sessions, start, 2)

	// a free run later the same day
	newStart := start.Add(4 * time.Hour)
	for i, slot := range contiguousSlots("couns-1", newStart, 2) {
		s := slot
		s.ID = []string{"slot-a", "slot-b"}[i]
		slots.slots[s.ID] = &s
	}

	mock.ExpectBegin()
	mock.ExpectCommit()

	result, err := svc.Reschedule(context.Background(), Actor{ID: "user-1", Role: models.RoleUser}, session.ID, "slot-a", 30)
	require.NoError(t, err)

	assert.Equal(t, []string{"slot-a", "slot-b"}, []string(result.Session.SlotIDs))
	assert.Equal(t, "user-1", result.Session.UserID)
	assert.Equal(t, models.SessionStatusCancelled, sessions.sessions["sess-1"].Status)

	// old slots freed, new slots booked
	assert.Equal(t, models.SlotStatusAvailable, slots.slots["slot-1"].Status)
	assert.Equal(t, models.SlotStatusAvailable, slots.slots["slot-2"].Status)
	assert.Equal(t, models.SlotStatusBooked, slots.slots["slot-a"].Status)
	assert.Equal(t, models.SlotStatusBooked, slots.slots["slot-b"].Status)

	// old reminders compensated, new ones scheduled
	assert.ElementsMatch(t, []string{"job-slot-1", "job-slot-2"}, scheduler.cancelled)
	assert.Len(t, scheduler.scheduled, 3)
	require.Len(t, scheduler.ran, 1)
	assert.Equal(t, models.RescheduleNotice, scheduler.ran[0].Kind)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRescheduleKeepsOverlappingSlotsBooked(t *testing.T) {
	svc, slots, sessions, _, mock := newCancellationFixture(t)
	start := time.Now().Add(48 * time.Hour).Truncate(models.SlotGranularity)
	session := bookedFixture(slots, sessions, start, 2)

	// extend the run with a free third slot and shift the booking forward by
	// one: slot-2 is common to both ranges and must stay booked throughout
	tailStart := start.Add(2 * models.SlotGranularity)
	tail := models.Slot{ID: "slot-3", CounsellorID: "couns-1", StartsAt: tailStart, EndsAt: tailStart.Add(models.SlotGranularity), Status: models.SlotStatusAvailable}
	slots.slots["slot-3"] = &tail

	mock.ExpectBegin()
	mock.ExpectCommit()

	result, err := svc.Reschedule(context.Background(), Actor{ID: "user-1", Role: models.RoleUser}, session.ID, "slot-2", 30)
	require.NoError(t, err)

	assert.Equal(t, []string{"slot-2", "slot-3"}, []string(result.Session.SlotIDs))
	assert.Equal(t, models.SlotStatusAvailable, slots.slots["slot-1"].Status)
	assert.Equal(t, models.SlotStatusBooked, slots.slots["slot-2"].Status)
	assert.Equal(t, models.SlotStatusBooked, slots.slots["slot-3"].Status)
	// only the slot leaving the booking was released
	require.Len(t, slots.released, 1)
	assert.Equal(t, []string{"slot-1"}, slots.released[0])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRescheduleClearsStaleHandlesOnKeptSlots(t *testing.T) {
	svc, slots, sessions, scheduler, mock := newCancellationFixture(t)
	start := time.Now().Add(48 * time.Hour).Truncate(models.SlotGranularity)
	session := bookedFixture(slots, sessions, start, 3)

	mock.ExpectBegin()
	mock.ExpectCommit()

	// shrink the booking: slot-1 and slot-2 stay, slot-3 is released
	result, err := svc.Reschedule(context.Background(), Actor{ID: "user-1", Role: models.RoleUser}, session.ID, "slot-1", 30)
	require.NoError(t, err)
	assert.Equal(t, []string{"slot-1", "slot-2"}, []string(result.Session.SlotIDs))

	// the old handles are cancelled and the kept middle slot no longer
	// advertises them; only the anchor carries the new set
	assert.Contains(t, scheduler.cancelled, "job-slot-2")
	assert.Empty(t, []string(slots.slots["slot-2"].ReminderJobs))
	assert.NotEmpty(t, []string(slots.slots["slot-1"].ReminderJobs))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRescheduleFailsWhenNewRangeUnavailable(t *testing.T) {
	svc, slots, sessions, scheduler, mock := newCancellationFixture(t)
	start := time.Now().Add(48 * time.Hour).Truncate(models.SlotGranularity)
	session := bookedFixture(slots, sessions, start, 1)

	// target slot exists but the range needs a second slot that does not
	newStart := start.Add(4 * time.Hour)
	lone := models.Slot{ID: "slot-a", CounsellorID: "couns-1", StartsAt: newStart, EndsAt: newStart.Add(models.SlotGranularity), Status: models.SlotStatusAvailable}
	slots.slots["slot-a"] = &lone

	mock.ExpectBegin()
	mock.ExpectRollback()

	_, err := svc.Reschedule(context.Background(), Actor{ID: "user-1", Role: models.RoleUser}, session.ID, "slot-a", 30)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrSlotsUnavailable.Code, appErrors.FromError(err).Code)

	// the original booking is untouched
	assert.Equal(t, models.SessionStatusBooked, sessions.sessions["sess-1"].Status)
	assert.Equal(t, models.SlotStatusBooked, slots.slots["slot-1"].Status)
	assert.Empty(t, scheduler.cancelled)
	assert.NoError(t, mock.ExpectationsWereMet())
}
