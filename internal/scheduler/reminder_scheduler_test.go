package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PromzzyKoncepts/counsel-api/internal/models"
)

type recordingDispatcher struct {
	mu       sync.Mutex
	payloads []models.ReminderPayload
	notify   chan struct{}
}

func newRecordingDispatcher() *recordingDispatcher {
	return &recordingDispatcher{notify: make(chan struct{}, 16)}
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, payload models.ReminderPayload) error {
	d.mu.Lock()
	d.payloads = append(d.payloads, payload)
	d.mu.Unlock()
	d.notify <- struct{}{}
	return nil
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.payloads)
}

func newTestScheduler(t *testing.T) (*ReminderScheduler, *recordingDispatcher, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	dispatcher := newRecordingDispatcher()
	s := New(client, dispatcher, nil, Config{PollInterval: time.Hour, Workers: 1})
	return s, dispatcher, mr
}

func TestScheduleAtStoresJob(t *testing.T) {
	s, _, mr := newTestScheduler(t)
	ctx := context.Background()

	fireAt := time.Now().Add(time.Hour)
	handle, err := s.ScheduleAt(ctx, fireAt, models.ReminderPayload{
		Kind:      models.RemindHourBefore,
		SessionID: "sess-1",
		UserID:    "user-1",
	})
	require.NoError(t, err)
	require.NotEmpty(t, handle)

	members, err := mr.ZMembers(scheduleKey)
	require.NoError(t, err)
	assert.Equal(t, []string{handle}, members)
	assert.True(t, mr.Exists(payloadPrefix+handle))
}

func TestScheduleAtRejectsUnknownKind(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	_, err := s.ScheduleAt(context.Background(), time.Now(), models.ReminderPayload{Kind: "telegram-ping"})
	require.Error(t, err)
}

func TestCancelIsIdempotent(t *testing.T) {
	s, _, mr := newTestScheduler(t)
	ctx := context.Background()

	handle, err := s.ScheduleAt(ctx, time.Now().Add(time.Hour), models.ReminderPayload{
		Kind:      models.RemindDayBefore,
		SessionID: "sess-1",
		UserID:    "user-1",
	})
	require.NoError(t, err)

	require.NoError(t, s.Cancel(ctx, handle))
	require.NoError(t, s.Cancel(ctx, handle))
	require.NoError(t, s.Cancel(ctx, "never-scheduled"))
	require.NoError(t, s.Cancel(ctx, ""))

	assert.False(t, mr.Exists(payloadPrefix+handle))
}

func TestDispatchDueDeliversOnce(t *testing.T) {
	s, dispatcher, mr := newTestScheduler(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.queue.Start(ctx)
	defer s.queue.Stop()

	handle, err := s.ScheduleAt(ctx, time.Now().Add(-time.Minute), models.ReminderPayload{
		Kind:      models.RemindMinuteBefore,
		SessionID: "sess-1",
		UserID:    "user-1",
	})
	require.NoError(t, err)

	require.NoError(t, s.dispatchDue(ctx, time.Now()))

	select {
	case <-dispatcher.notify:
	case <-time.After(2 * time.Second):
		t.Fatal("reminder was not dispatched")
	}
	assert.Equal(t, 1, dispatcher.count())
	assert.Equal(t, models.RemindMinuteBefore, dispatcher.payloads[0].Kind)

	// the claim removed the member; a second sweep delivers nothing
	require.NoError(t, s.dispatchDue(ctx, time.Now()))
	assert.Equal(t, 1, dispatcher.count())

	// miniredis reports an emptied (hence deleted) zset as ErrKeyNotFound
	members, err := mr.ZMembers(scheduleKey)
	if err != nil {
		require.ErrorIs(t, err, miniredis.ErrKeyNotFound)
	}
	assert.Empty(t, members)
	_ = handle
}

func TestDispatchDueSkipsFutureJobs(t *testing.T) {
	s, dispatcher, mr := newTestScheduler(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.queue.Start(ctx)
	defer s.queue.Stop()

	handle, err := s.ScheduleAt(ctx, time.Now().Add(time.Hour), models.ReminderPayload{
		Kind:      models.RemindHourBefore,
		SessionID: "sess-1",
		UserID:    "user-1",
	})
	require.NoError(t, err)

	require.NoError(t, s.dispatchDue(ctx, time.Now()))
	assert.Equal(t, 0, dispatcher.count())

	members, err := mr.ZMembers(scheduleKey)
	require.NoError(t, err)
	assert.Equal(t, []string{handle}, members)
}

func TestRunNowBypassesSchedule(t *testing.T) {
	s, dispatcher, _ := newTestScheduler(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.queue.Start(ctx)
	defer s.queue.Stop()

	require.NoError(t, s.RunNow(ctx, models.ReminderPayload{
		Kind:      models.CancellationNotice,
		SessionID: "sess-1",
		UserID:    "user-1",
	}))

	select {
	case <-dispatcher.notify:
	case <-time.After(2 * time.Second):
		t.Fatal("immediate job was not dispatched")
	}
	assert.Equal(t, models.CancellationNotice, dispatcher.payloads[0].Kind)
}

type countingObserver struct {
	mu     sync.Mutex
	events map[string]int
}

func (o *countingObserver) ObserveReminder(event string) {
	o.mu.Lock()
	o.events[event]++
	o.mu.Unlock()
}

func (o *countingObserver) count(event string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.events[event]
}

func TestObserverCountsLifecycleEvents(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	observer := &countingObserver{events: make(map[string]int)}
	dispatcher := newRecordingDispatcher()
	s := New(client, dispatcher, nil, Config{PollInterval: time.Hour, Workers: 1, Observer: observer})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.queue.Start(ctx)
	defer s.queue.Stop()

	due, err := s.ScheduleAt(ctx, time.Now().Add(-time.Minute), models.ReminderPayload{
		Kind:      models.RemindMinuteBefore,
		SessionID: "sess-1",
		UserID:    "user-1",
	})
	require.NoError(t, err)
	later, err := s.ScheduleAt(ctx, time.Now().Add(time.Hour), models.ReminderPayload{
		Kind:      models.RemindHourBefore,
		SessionID: "sess-1",
		UserID:    "user-1",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, observer.count("scheduled"))

	require.NoError(t, s.Cancel(ctx, later))
	// a repeat cancel is a no-op and must not count again
	require.NoError(t, s.Cancel(ctx, later))
	assert.Equal(t, 1, observer.count("cancelled"))

	require.NoError(t, s.dispatchDue(ctx, time.Now()))
	select {
	case <-dispatcher.notify:
	case <-time.After(2 * time.Second):
		t.Fatal("reminder was not dispatched")
	}
	assert.Equal(t, 1, observer.count("dispatched"))
	_ = due
}
