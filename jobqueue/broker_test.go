package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/k2tzumi/hue-kintai-slask-command/core"
	"github.com/k2tzumi/hue-kintai-slask-command/store/memory"
)

type stubScheduler struct {
	mu        sync.Mutex
	next      int
	live      map[string]core.Registration
	cancelled []string
	delays    []time.Duration
	clock     func() time.Time
}

func newStubScheduler(clock func() time.Time) *stubScheduler {
	return &stubScheduler{live: map[string]core.Registration{}, clock: clock}
}

func (s *stubScheduler) Schedule(_ context.Context, callbackName string, delay time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	id := fmt.Sprintf("reg-%03d", s.next)
	s.live[id] = core.Registration{ID: id, CallbackName: callbackName, FireAt: s.clock().Add(delay)}
	s.delays = append(s.delays, delay)
	return id, nil
}

func (s *stubScheduler) Cancel(_ context.Context, registrationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.live, registrationID)
	s.cancelled = append(s.cancelled, registrationID)
	return nil
}

func (s *stubScheduler) ListLive(context.Context) ([]core.Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.Registration, 0, len(s.live))
	for _, registration := range s.live {
		out = append(out, registration)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *stubScheduler) liveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// interleavedScheduler runs during after each registration becomes live and
// before Schedule returns, the window in which a concurrent scan can land.
type interleavedScheduler struct {
	*stubScheduler
	during func()
}

func (s *interleavedScheduler) Schedule(ctx context.Context, callbackName string, delay time.Duration) (string, error) {
	id, err := s.stubScheduler.Schedule(ctx, callbackName, delay)
	if err == nil && s.during != nil {
		s.during()
	}
	return id, err
}

// reservingScheduler allocates ids up front and fires armed as soon as a
// timer is armed.
type reservingScheduler struct {
	*stubScheduler
	armed func(id string)
}

func (s *reservingScheduler) NewRegistrationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return fmt.Sprintf("reg-%03d", s.next)
}

func (s *reservingScheduler) ScheduleWithID(_ context.Context, id, callbackName string, delay time.Duration) error {
	s.mu.Lock()
	s.live[id] = core.Registration{ID: id, CallbackName: callbackName, FireAt: s.clock().Add(delay)}
	s.delays = append(s.delays, delay)
	s.mu.Unlock()
	if s.armed != nil {
		s.armed(id)
	}
	return nil
}

// ttlStore records the TTL of every Put by key.
type ttlStore struct {
	*memory.Store
	mu   sync.Mutex
	ttls map[string]time.Duration
}

func (s *ttlStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	s.ttls[key] = ttl
	s.mu.Unlock()
	return s.Store.Put(ctx, key, value, ttl)
}

func (s *ttlStore) ttl(key string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ttls[key]
}

// plainStore hides the atomic capability of the memory store.
type plainStore struct {
	inner *memory.Store
}

func (s plainStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return s.inner.Get(ctx, key)
}

func (s plainStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.inner.Put(ctx, key, value, ttl)
}

func (s plainStore) Remove(ctx context.Context, key string) error {
	return s.inner.Remove(ctx, key)
}

// racingStore claims the record on behalf of another delivery between the
// broker's read and its compare-and-swap.
type racingStore struct {
	*memory.Store
	once sync.Once
}

func (s *racingStore) CompareAndSwap(ctx context.Context, key string, previous []byte, next []byte, ttl time.Duration) (bool, error) {
	s.once.Do(func() {
		record, _ := decodeRecord(previous)
		record.State = StateStarting
		record.StartedAt = 1
		raw, _ := encodeRecord(record)
		_ = s.Store.Put(ctx, key, raw, ttl)
	})
	return s.Store.CompareAndSwap(ctx, key, previous, next, ttl)
}

type fixture struct {
	broker    *Broker
	store     *memory.Store
	scheduler *stubScheduler
	now       time.Time
}

func (f *fixture) clock() time.Time { return f.now }

func newFixture(t *testing.T, store core.RecordStore, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	f.store = memory.NewStore(time.Hour)
	f.store.Now = f.clock
	if store == nil {
		store = f.store
	}
	f.scheduler = newStubScheduler(f.clock)
	opts = append([]Option{WithClock(core.ClockFunc(f.clock))}, opts...)
	broker, err := NewBroker(store, f.scheduler, opts...)
	if err != nil {
		t.Fatalf("new broker: %v", err)
	}
	f.broker = broker
	return f
}

func noopClosure(context.Context, json.RawMessage) error { return nil }

func readRecord(t *testing.T, store core.RecordStore, callback, id string) (Record, bool) {
	t.Helper()
	raw, found, err := store.Get(context.Background(), RecordKey(callback, id))
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if !found {
		return Record{}, false
	}
	record, err := decodeRecord(raw)
	if err != nil {
		t.Fatalf("decode record: %v", err)
	}
	return record, true
}

func TestEnqueueConsume_RunsClosureOnceWithParameter(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	if err := f.broker.Register("executePunchIn", noopClosure); err != nil {
		t.Fatalf("register: %v", err)
	}

	parameter := map[string]any{"user_id": "U1", "channel": "C1", "attempt": float64(2)}
	if err := f.broker.Enqueue(ctx, "executePunchIn", parameter); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	record, found := readRecord(t, f.store, "executePunchIn", "reg-001")
	if !found || record.State != StateWaiting || record.Handler != "executePunchIn" {
		t.Fatalf("expected waiting record, got %#v found=%t", record, found)
	}

	calls := 0
	var got map[string]any
	outcome := f.broker.Consume(ctx, "executePunchIn", func(_ context.Context, raw json.RawMessage) error {
		calls++
		return json.Unmarshal(raw, &got)
	})
	if !outcome.Ran() || outcome.State != StateDone {
		t.Fatalf("expected job to run, got %#v", outcome)
	}
	if calls != 1 {
		t.Fatalf("expected one call, got %d", calls)
	}
	if !reflect.DeepEqual(got, parameter) {
		t.Fatalf("expected parameter %#v, got %#v", parameter, got)
	}

	record, _ = readRecord(t, f.store, "executePunchIn", "reg-001")
	if record.State != StateDone || record.StartedAt == 0 || record.EndedAt == 0 {
		t.Fatalf("expected done record with timestamps, got %#v", record)
	}

	outcome = f.broker.Consume(ctx, "executePunchIn", func(context.Context, json.RawMessage) error {
		calls++
		return nil
	})
	if outcome.Ran() || calls != 1 {
		t.Fatalf("expected no second run, outcome=%#v calls=%d", outcome, calls)
	}
	if outcome.Cleaned != 1 || f.scheduler.liveCount() != 0 {
		t.Fatalf("expected terminal job cleanup, outcome=%#v live=%d", outcome, f.scheduler.liveCount())
	}
	if _, found := readRecord(t, f.store, "executePunchIn", "reg-001"); found {
		t.Fatalf("expected terminal record removed")
	}
}

func TestEnqueue_RejectsUnnamedCallback(t *testing.T) {
	f := newFixture(t, nil)
	for _, name := range []string{"", "   ", "unregistered"} {
		err := f.broker.Enqueue(context.Background(), name, nil)
		if !IsUnnamedCallback(err) {
			t.Fatalf("expected unnamed callback error for %q, got %v", name, err)
		}
	}
	if f.scheduler.liveCount() != 0 {
		t.Fatalf("expected no registrations")
	}
}

func TestEnqueue_QueueBusyLeavesNoSideEffects(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, WithMaxSlot(3), WithCallback("job", noopClosure))

	for i := 0; i < 4; i++ {
		if err := f.broker.Enqueue(ctx, "job", i); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	err := f.broker.Enqueue(ctx, "job", 99)
	if !IsQueueBusy(err) {
		t.Fatalf("expected queue busy, got %v", err)
	}
	if !errors.Is(err, ErrQueueBusy) && !IsQueueBusy(err) {
		t.Fatalf("expected busy identity")
	}
	if f.scheduler.liveCount() != 4 {
		t.Fatalf("expected no extra registration, got %d", f.scheduler.liveCount())
	}
	keys, _ := f.store.Keys(ctx, KeyPrefix)
	if len(keys) != 4 {
		t.Fatalf("expected no extra record, got %d", len(keys))
	}
}

func TestConsume_ReclaimsStaleStartingJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, WithCallback("job", noopClosure), WithJobTimeout(time.Hour))
	if err := f.broker.Enqueue(ctx, "job", "payload"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	record, _ := readRecord(t, f.store, "job", "reg-001")
	record.State = StateStarting
	record.StartedAt = core.UnixMillis(f.now.Add(-61 * time.Minute))
	raw, _ := encodeRecord(record)
	_ = f.store.Put(ctx, RecordKey("job", "reg-001"), raw, 0)

	calls := 0
	outcome := f.broker.Consume(ctx, "job", func(context.Context, json.RawMessage) error {
		calls++
		return nil
	})
	if calls != 0 || outcome.Ran() {
		t.Fatalf("expected stale job not to run")
	}
	if f.scheduler.liveCount() != 0 {
		t.Fatalf("expected registration cancelled")
	}
	if _, found := readRecord(t, f.store, "job", "reg-001"); found {
		t.Fatalf("expected stale record deleted")
	}
}

func TestConsume_LeavesFreshStartingJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, WithCallback("job", noopClosure))
	_ = f.broker.Enqueue(ctx, "job", "payload")
	record, _ := readRecord(t, f.store, "job", "reg-001")
	record.State = StateStarting
	record.StartedAt = core.UnixMillis(f.now.Add(-time.Minute))
	raw, _ := encodeRecord(record)
	_ = f.store.Put(ctx, RecordKey("job", "reg-001"), raw, 0)

	outcome := f.broker.Consume(ctx, "job", noopClosure)
	if outcome.Ran() || outcome.Cleaned != 0 {
		t.Fatalf("expected in-flight job untouched, got %#v", outcome)
	}
	if f.scheduler.liveCount() != 1 {
		t.Fatalf("expected registration kept")
	}
}

func TestConsume_FailingClosureMarksFailed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, WithCallback("job", noopClosure))
	_ = f.broker.Enqueue(ctx, "job", "payload")

	outcome := f.broker.Consume(ctx, "job", func(context.Context, json.RawMessage) error {
		return errors.New("portal unavailable")
	})
	if outcome.State != StateFailed {
		t.Fatalf("expected failed outcome, got %#v", outcome)
	}
	record, _ := readRecord(t, f.store, "job", "reg-001")
	if record.State != StateFailed || record.EndedAt == 0 {
		t.Fatalf("expected failed record with ended_at, got %#v", record)
	}
}

func TestConsume_PanickingClosureMarksFailed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, WithCallback("job", noopClosure))
	_ = f.broker.Enqueue(ctx, "job", nil)

	outcome := f.broker.Consume(ctx, "job", func(context.Context, json.RawMessage) error {
		panic("boom")
	})
	if outcome.State != StateFailed {
		t.Fatalf("expected failed outcome, got %#v", outcome)
	}
}

func TestConsume_OrphanRegistrationCancelled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, WithCallback("job", noopClosure))
	_, _ = f.scheduler.Schedule(ctx, "job", 0)
	f.now = f.now.Add(DefaultDelay + OrphanGrace + time.Second)

	outcome := f.broker.Consume(ctx, "job", noopClosure)
	if outcome.Ran() || outcome.Cleaned != 1 {
		t.Fatalf("expected orphan cleanup, got %#v", outcome)
	}
	if len(f.scheduler.cancelled) != 1 || f.scheduler.cancelled[0] != "reg-001" {
		t.Fatalf("expected orphan cancelled, got %#v", f.scheduler.cancelled)
	}
}

func TestConsume_RecentRegistrationWithoutRecordKept(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, WithCallback("job", noopClosure))
	_, _ = f.scheduler.Schedule(ctx, "job", DefaultDelay)
	f.now = f.now.Add(DefaultDelay + OrphanGrace)

	outcome := f.broker.Consume(ctx, "job", noopClosure)
	if outcome.Cleaned != 0 || len(f.scheduler.cancelled) != 0 {
		t.Fatalf("expected registration inside the grace window kept, got %#v", outcome)
	}
}

func TestEnqueue_ScanBetweenScheduleAndPersistKeepsJob(t *testing.T) {
	ctx := context.Background()
	clockNow := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return clockNow }
	store := memory.NewStore(time.Hour)
	store.Now = clock
	interleaved := &interleavedScheduler{stubScheduler: newStubScheduler(clock)}
	broker, err := NewBroker(store, interleaved, WithCallback("executePunchOut", noopClosure), WithClock(core.ClockFunc(clock)))
	if err != nil {
		t.Fatalf("new broker: %v", err)
	}
	scans := 0
	interleaved.during = func() {
		scans++
		broker.Consume(ctx, "executePunchOut", noopClosure)
	}

	if err := broker.Enqueue(ctx, "executePunchOut", "U1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if scans != 1 {
		t.Fatalf("expected the scan to run inside Schedule, got %d", scans)
	}
	if len(interleaved.cancelled) != 0 {
		t.Fatalf("registration cancelled while its record was being written: %#v", interleaved.cancelled)
	}

	calls := 0
	outcome := broker.Consume(ctx, "executePunchOut", func(context.Context, json.RawMessage) error {
		calls++
		return nil
	})
	if calls != 1 || !outcome.Ran() {
		t.Fatalf("expected enqueued job to run, outcome=%#v calls=%d", outcome, calls)
	}
}

func TestEnqueue_ReservedRecordWrittenBeforeTimerArms(t *testing.T) {
	ctx := context.Background()
	clockNow := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return clockNow }
	store := memory.NewStore(time.Hour)
	store.Now = clock
	reserving := &reservingScheduler{stubScheduler: newStubScheduler(clock)}
	calls := 0
	closure := func(context.Context, json.RawMessage) error {
		calls++
		return nil
	}
	broker, err := NewBroker(store, reserving, WithCallback("executePunchIn", closure), WithClock(core.ClockFunc(clock)))
	if err != nil {
		t.Fatalf("new broker: %v", err)
	}
	reserving.armed = func(id string) {
		if _, found := readRecord(t, store, "executePunchIn", id); !found {
			t.Errorf("timer armed before record %s was written", id)
		}
		// The timer fires at once.
		broker.Consume(ctx, "executePunchIn", closure)
	}

	if err := broker.Enqueue(ctx, "executePunchIn", "U1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected immediate firing to run the job, got %d calls", calls)
	}
	if len(reserving.cancelled) != 0 {
		t.Fatalf("expected no cancellation, got %#v", reserving.cancelled)
	}
}

func TestEnqueue_RecordTTLAndScheduledDelay(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	spy := &ttlStore{Store: f.store, ttls: map[string]time.Duration{}}
	timeout := 30 * time.Minute
	broker, err := NewBroker(spy, f.scheduler,
		WithCallback("job", noopClosure),
		WithClock(core.ClockFunc(f.clock)),
		WithDelay(250*time.Millisecond),
		WithJobTimeout(timeout),
	)
	if err != nil {
		t.Fatalf("new broker: %v", err)
	}
	if err := broker.Enqueue(ctx, "job", "x"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if got := spy.ttl(RecordKey("job", "reg-001")); got < 2*timeout {
		t.Fatalf("expected record ttl of at least %s, got %s", 2*timeout, got)
	}
	if len(f.scheduler.delays) != 1 || f.scheduler.delays[0] != 250*time.Millisecond {
		t.Fatalf("expected schedule delay 250ms, got %v", f.scheduler.delays)
	}

	broker.Consume(ctx, "job", noopClosure)
	if got := spy.ttl(RecordKey("job", "reg-001")); got < 2*timeout {
		t.Fatalf("expected claimed record ttl of at least %s, got %s", 2*timeout, got)
	}
}

func TestConsume_WaitingRecordOutlivesJobTimeout(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, WithCallback("job", noopClosure), WithJobTimeout(time.Hour))
	if err := f.broker.Enqueue(ctx, "job", "late"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	f.now = f.now.Add(90 * time.Minute)

	record, found := readRecord(t, f.store, "job", "reg-001")
	if !found || record.State != StateWaiting {
		t.Fatalf("expected waiting record after 1.5x timeout, got %#v found=%t", record, found)
	}
	var got string
	outcome := f.broker.Consume(ctx, "job", func(_ context.Context, raw json.RawMessage) error {
		return json.Unmarshal(raw, &got)
	})
	if !outcome.Ran() || got != "late" {
		t.Fatalf("expected late job to run, got %#v payload=%q", outcome, got)
	}
}

func TestConsume_OtherHandlersWaitingJobUntouched(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, WithCallback("punchIn", noopClosure), WithCallback("punchOut", noopClosure))
	_ = f.broker.Enqueue(ctx, "punchIn", "in")
	_ = f.broker.Enqueue(ctx, "punchOut", "out")

	var got string
	outcome := f.broker.Consume(ctx, "punchOut", func(_ context.Context, raw json.RawMessage) error {
		return json.Unmarshal(raw, &got)
	})
	if outcome.JobID != "reg-002" || got != "out" {
		t.Fatalf("expected punchOut job, got %#v payload=%q", outcome, got)
	}
	record, found := readRecord(t, f.store, "punchIn", "reg-001")
	if !found || record.State != StateWaiting {
		t.Fatalf("expected punchIn job still waiting, got %#v", record)
	}
}

func TestConsume_RunsAtMostOneJobPerCall(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, WithCallback("job", noopClosure))
	_ = f.broker.Enqueue(ctx, "job", 1)
	_ = f.broker.Enqueue(ctx, "job", 2)

	calls := 0
	closure := func(context.Context, json.RawMessage) error {
		calls++
		return nil
	}
	f.broker.Consume(ctx, "job", closure)
	if calls != 1 {
		t.Fatalf("expected one job per consume, got %d", calls)
	}
	f.broker.Consume(ctx, "job", closure)
	if calls != 2 {
		t.Fatalf("expected second job on next consume, got %d", calls)
	}
}

func TestConsume_ForeignRecordCleanedUp(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, WithCallback("job", noopClosure))
	id, _ := f.scheduler.Schedule(ctx, "job", 0)
	raw, _ := encodeRecord(Record{ID: id, State: StateWaiting, Handler: "someoneElse"})
	_ = f.store.Put(ctx, RecordKey("job", id), raw, 0)

	outcome := f.broker.Consume(ctx, "someoneElse", noopClosure)
	if outcome.Ran() || outcome.Cleaned != 1 {
		t.Fatalf("expected foreign record cleanup, got %#v", outcome)
	}
}

func TestConsume_LostClaimDoesNotRun(t *testing.T) {
	ctx := context.Background()
	clockNow := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	store := &racingStore{Store: memory.NewStore(time.Hour)}
	store.Store.Now = func() time.Time { return clockNow }
	scheduler := newStubScheduler(func() time.Time { return clockNow })
	broker, err := NewBroker(store, scheduler, WithCallback("job", noopClosure), WithClock(core.ClockFunc(func() time.Time { return clockNow })))
	if err != nil {
		t.Fatalf("new broker: %v", err)
	}
	_ = broker.Enqueue(ctx, "job", nil)

	calls := 0
	outcome := broker.Consume(ctx, "job", func(context.Context, json.RawMessage) error {
		calls++
		return nil
	})
	if calls != 0 || outcome.Ran() {
		t.Fatalf("expected lost claim to skip the job")
	}
}

func TestConsume_NonAtomicStoreStillRuns(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	plain := plainStore{inner: f.store}
	broker, err := NewBroker(plain, f.scheduler, WithCallback("job", noopClosure), WithClock(core.ClockFunc(f.clock)))
	if err != nil {
		t.Fatalf("new broker: %v", err)
	}
	_ = broker.Enqueue(ctx, "job", "x")
	calls := 0
	broker.Consume(ctx, "job", func(context.Context, json.RawMessage) error {
		calls++
		return nil
	})
	if calls != 1 {
		t.Fatalf("expected job to run on plain store, got %d", calls)
	}
}

func TestFire_UsesRegisteredClosure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	var got int
	_ = f.broker.Register("job", func(_ context.Context, raw json.RawMessage) error {
		value, err := Decode[int](raw)
		got = value
		return err
	})
	_ = f.broker.Enqueue(ctx, "job", 42)

	outcome, err := f.broker.Fire(ctx, "job")
	if err != nil {
		t.Fatalf("fire: %v", err)
	}
	if !outcome.Ran() || got != 42 {
		t.Fatalf("expected job to run with 42, got %#v %d", outcome, got)
	}
	if _, err := f.broker.Fire(ctx, "missing"); !IsUnnamedCallback(err) {
		t.Fatalf("expected unnamed callback error, got %v", err)
	}
}

func TestRegister_Validation(t *testing.T) {
	f := newFixture(t, nil)
	if err := f.broker.Register(" ", noopClosure); !IsUnnamedCallback(err) {
		t.Fatalf("expected unnamed callback error, got %v", err)
	}
	if err := f.broker.Register("job", nil); err == nil {
		t.Fatalf("expected nil closure error")
	}
	_ = f.broker.Register("job", noopClosure)
	if err := f.broker.Register("job", noopClosure); err == nil {
		t.Fatalf("expected duplicate registration error")
	}
	if names := f.broker.Callbacks(); len(names) != 1 || names[0] != "job" {
		t.Fatalf("unexpected callbacks %#v", names)
	}
}
