// Package jobqueue defers slow work out of the webhook path. Each enqueued job
// is a scheduler registration joined to a persisted Record; the callback fired
// by the scheduler consumes at most one waiting job per invocation.
package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	glog "github.com/goliatone/go-logger/glog"

	"github.com/k2tzumi/hue-kintai-slask-command/core"
)

const (
	DefaultMaxSlot    = 10
	DefaultDelay      = 150 * time.Millisecond
	DefaultJobTimeout = time.Hour

	OrphanGrace = 5 * time.Second
)

// Closure runs a claimed job with the parameter given to Enqueue.
type Closure func(ctx context.Context, parameter json.RawMessage) error

// Outcome describes what a Consume scan did.
type Outcome struct {
	JobID   string
	State   State
	Cleaned int
}

func (o Outcome) Ran() bool {
	return o.JobID != ""
}

type Broker struct {
	store      core.RecordStore
	scheduler  core.Scheduler
	clock      core.Clock
	logger     core.Logger
	provider   core.LoggerProvider
	maxSlot    int
	delay      time.Duration
	jobTimeout time.Duration

	mu        sync.RWMutex
	callbacks map[string]Closure
}

type Option func(*Broker)

func WithClock(clock core.Clock) Option {
	return func(b *Broker) { b.clock = clock }
}

func WithLogger(logger core.Logger) Option {
	return func(b *Broker) { b.logger = logger }
}

func WithLoggerProvider(provider core.LoggerProvider) Option {
	return func(b *Broker) { b.provider = provider }
}

func WithMaxSlot(maxSlot int) Option {
	return func(b *Broker) {
		if maxSlot > 0 {
			b.maxSlot = maxSlot
		}
	}
}

func WithDelay(delay time.Duration) Option {
	return func(b *Broker) {
		if delay >= 0 {
			b.delay = delay
		}
	}
}

func WithJobTimeout(timeout time.Duration) Option {
	return func(b *Broker) {
		if timeout > 0 {
			b.jobTimeout = timeout
		}
	}
}

// WithCallback registers a named callback at construction time.
func WithCallback(name string, closure Closure) Option {
	return func(b *Broker) {
		name = strings.TrimSpace(name)
		if name != "" && closure != nil {
			b.callbacks[name] = closure
		}
	}
}

func NewBroker(store core.RecordStore, scheduler core.Scheduler, opts ...Option) (*Broker, error) {
	if store == nil {
		return nil, fmt.Errorf("jobqueue: record store is required")
	}
	if scheduler == nil {
		return nil, fmt.Errorf("jobqueue: scheduler is required")
	}
	broker := &Broker{
		store:      store,
		scheduler:  scheduler,
		maxSlot:    DefaultMaxSlot,
		delay:      DefaultDelay,
		jobTimeout: DefaultJobTimeout,
		callbacks:  map[string]Closure{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(broker)
		}
	}
	broker.clock = core.ResolveClock(broker.clock)
	_, broker.logger = glog.Resolve("jobqueue", broker.provider, broker.logger)
	broker.logger = glog.Ensure(broker.logger)
	return broker, nil
}

// Register adds a named callback. Only registered names can be enqueued.
func (b *Broker) Register(name string, closure Closure) error {
	if b == nil {
		return fmt.Errorf("jobqueue: broker is nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return unnamedCallbackError(name)
	}
	if closure == nil {
		return fmt.Errorf("jobqueue: closure for %q is required", name)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.callbacks[name]; exists {
		return fmt.Errorf("jobqueue: callback %q already registered", name)
	}
	b.callbacks[name] = closure
	return nil
}

func (b *Broker) Callbacks() []string {
	if b == nil {
		return nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.callbacks))
	for name := range b.callbacks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (b *Broker) lookup(name string) (Closure, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	closure, ok := b.callbacks[name]
	return closure, ok
}

// Enqueue schedules callbackName and persists a waiting record holding
// parameter. It fails without side effects when the name is unknown or when
// more than the slot budget of registrations is live.
func (b *Broker) Enqueue(ctx context.Context, callbackName string, parameter any) error {
	if b == nil {
		return fmt.Errorf("jobqueue: broker is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	callbackName = strings.TrimSpace(callbackName)
	if callbackName == "" {
		return unnamedCallbackError(callbackName)
	}
	if _, ok := b.lookup(callbackName); !ok {
		return unnamedCallbackError(callbackName)
	}

	payload, err := json.Marshal(parameter)
	if err != nil {
		return parameterError(err, callbackName)
	}

	live, err := b.scheduler.ListLive(ctx)
	if err != nil {
		return storeError(err, "jobqueue: list live registrations", nil)
	}
	if len(live) > b.maxSlot {
		b.logger.Warn("jobqueue: queue busy", "callback", callbackName, "live", len(live), "max_slot", b.maxSlot)
		return queueBusyError(len(live), b.maxSlot)
	}

	record := Record{
		State:     StateWaiting,
		CreatedAt: core.UnixMillis(b.clock.Now()),
		Handler:   callbackName,
		Parameter: payload,
	}
	if reserving, ok := b.scheduler.(core.ReservingScheduler); ok {
		return b.enqueueReserved(ctx, reserving, record)
	}
	return b.enqueueScheduled(ctx, record)
}

// enqueueReserved writes the record before arming the timer, so no
// firing or scan can observe the registration without its record.
func (b *Broker) enqueueReserved(ctx context.Context, scheduler core.ReservingScheduler, record Record) error {
	record.ID = scheduler.NewRegistrationID()
	key := RecordKey(record.Handler, record.ID)
	if err := b.putRecord(ctx, key, record); err != nil {
		return storeError(err, "jobqueue: persist job record", map[string]any{"callback": record.Handler})
	}
	if err := scheduler.ScheduleWithID(ctx, record.ID, record.Handler, b.delay); err != nil {
		if removeErr := b.store.Remove(ctx, key); removeErr != nil {
			b.logger.Error("jobqueue: rollback job record failed", "job_id", record.ID, "error", removeErr)
		}
		return storeError(err, "jobqueue: schedule callback", map[string]any{"callback": record.Handler})
	}
	b.logger.Debug("jobqueue: job enqueued", "callback", record.Handler, "job_id", record.ID)
	return nil
}

// enqueueScheduled serves schedulers that allocate their own ids. The record
// lands after the registration; Consume tolerates that gap via orphanGrace.
func (b *Broker) enqueueScheduled(ctx context.Context, record Record) error {
	registrationID, err := b.scheduler.Schedule(ctx, record.Handler, b.delay)
	if err != nil {
		return storeError(err, "jobqueue: schedule callback", map[string]any{"callback": record.Handler})
	}
	record.ID = registrationID
	if err := b.putRecord(ctx, RecordKey(record.Handler, registrationID), record); err != nil {
		if cancelErr := b.scheduler.Cancel(ctx, registrationID); cancelErr != nil {
			b.logger.Error("jobqueue: rollback registration failed", "registration_id", registrationID, "error", cancelErr)
		}
		return storeError(err, "jobqueue: persist job record", map[string]any{"callback": record.Handler})
	}
	b.logger.Debug("jobqueue: job enqueued", "callback", record.Handler, "job_id", registrationID)
	return nil
}

func (b *Broker) putRecord(ctx context.Context, key string, record Record) error {
	raw, err := encodeRecord(record)
	if err != nil {
		return err
	}
	return b.store.Put(ctx, key, raw, b.recordTTL())
}


// Fire consumes one job for a registered callback. It is what the scheduler
// driver invokes when a registration expires.
func (b *Broker) Fire(ctx context.Context, callbackName string) (Outcome, error) {
	if b == nil {
		return Outcome{}, fmt.Errorf("jobqueue: broker is nil")
	}
	callbackName = strings.TrimSpace(callbackName)
	closure, ok := b.lookup(callbackName)
	if !ok {
		return Outcome{}, unnamedCallbackError(callbackName)
	}
	return b.Consume(ctx, callbackName, closure), nil
}

// Consume scans live registrations, garbage-collects orphaned, terminal,
// stale and foreign jobs, and runs at most one waiting job owned by
// handlerName. Closure failures are recorded and logged, never returned.
func (b *Broker) Consume(ctx context.Context, handlerName string, closure Closure) Outcome {
	outcome := Outcome{}
	if b == nil || closure == nil {
		return outcome
	}
	if ctx == nil {
		ctx = context.Background()
	}
	handlerName = strings.TrimSpace(handlerName)

	live, err := b.scheduler.ListLive(ctx)
	if err != nil {
		b.logger.Error("jobqueue: list live registrations failed", "handler", handlerName, "error", err)
		return outcome
	}
	sort.SliceStable(live, func(i, j int) bool {
		return live[i].FireAt.Before(live[j].FireAt)
	})

	for _, registration := range live {
		if ctx.Err() != nil {
			return outcome
		}
		key := RecordKey(registration.CallbackName, registration.ID)
		raw, found, err := b.store.Get(ctx, key)
		if err != nil {
			b.logger.Warn("jobqueue: read job record failed", "job_id", registration.ID, "error", err)
			continue
		}
		if !found {
			if b.clock.Now().Sub(registration.FireAt) <= b.orphanGrace() {
				// The record may still be on its way to the store.
				continue
			}
			b.logger.Debug("jobqueue: cancel orphan registration", "job_id", registration.ID)
			b.cancel(ctx, registration)
			outcome.Cleaned++
			continue
		}
		record, err := decodeRecord(raw)
		if err != nil {
			b.logger.Warn("jobqueue: discard unreadable job record", "job_id", registration.ID, "error", err)
			b.cleanup(ctx, registration, key)
			outcome.Cleaned++
			continue
		}

		now := b.clock.Now()
		switch {
		case record.Handler != registration.CallbackName:
			b.cleanup(ctx, registration, key)
			outcome.Cleaned++
		case record.State == StateWaiting:
			if record.Handler != handlerName {
				continue
			}
			claimed, ok := b.claim(ctx, key, raw, record, now)
			if !ok {
				continue
			}
			outcome.JobID = claimed.ID
			outcome.State = b.run(ctx, key, claimed, closure)
			return outcome
		case record.State == StateStarting:
			if now.Sub(record.StartedTime()) > b.jobTimeout {
				b.logger.Warn("jobqueue: reclaim stale job", "job_id", record.ID, "handler", record.Handler)
				b.cleanup(ctx, registration, key)
				outcome.Cleaned++
			}
		default:
			b.cleanup(ctx, registration, key)
			outcome.Cleaned++
		}
	}
	return outcome
}

// claim moves a waiting record to starting. Atomic stores swap only if the
// record is still byte-identical to what was read, so concurrent deliveries
// of the same callback run the job once.
func (b *Broker) claim(ctx context.Context, key string, previous []byte, record Record, now time.Time) (Record, bool) {
	record.State = StateStarting
	record.StartedAt = core.UnixMillis(now)
	next, err := encodeRecord(record)
	if err != nil {
		b.logger.Error("jobqueue: encode claimed record failed", "job_id", record.ID, "error", err)
		return Record{}, false
	}
	if atomic, ok := b.store.(core.AtomicRecordStore); ok {
		swapped, err := atomic.CompareAndSwap(ctx, key, previous, next, b.recordTTL())
		if err != nil {
			b.logger.Error("jobqueue: claim job failed", "job_id", record.ID, "error", err)
			return Record{}, false
		}
		if !swapped {
			b.logger.Debug("jobqueue: job claimed elsewhere", "job_id", record.ID)
			return Record{}, false
		}
		return record, true
	}
	if err := b.store.Put(ctx, key, next, b.recordTTL()); err != nil {
		b.logger.Error("jobqueue: claim job failed", "job_id", record.ID, "error", err)
		return Record{}, false
	}
	return record, true
}

func (b *Broker) run(ctx context.Context, key string, record Record, closure Closure) State {
	b.logger.Info("jobqueue: job started", "job_id", record.ID, "handler", record.Handler)
	err := invoke(ctx, closure, record.Parameter)

	record.EndedAt = core.UnixMillis(b.clock.Now())
	record.State = StateDone
	if err != nil {
		record.State = StateFailed
		b.logger.Error("jobqueue: job failed", "job_id", record.ID, "handler", record.Handler, "error", err)
	} else {
		b.logger.Info("jobqueue: job done", "job_id", record.ID, "handler", record.Handler)
	}

	raw, encodeErr := encodeRecord(record)
	if encodeErr == nil {
		encodeErr = b.store.Put(context.WithoutCancel(ctx), key, raw, b.recordTTL())
	}
	if encodeErr != nil {
		b.logger.Error("jobqueue: persist job result failed", "job_id", record.ID, "error", encodeErr)
	}
	return record.State
}

func invoke(ctx context.Context, closure Closure, parameter json.RawMessage) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("jobqueue: job panicked: %v", recovered)
		}
	}()
	return closure(ctx, parameter)
}

func (b *Broker) cleanup(ctx context.Context, registration core.Registration, key string) {
	b.cancel(ctx, registration)
	if err := b.store.Remove(ctx, key); err != nil {
		b.logger.Warn("jobqueue: delete job record failed", "job_id", registration.ID, "error", err)
	}
}

func (b *Broker) cancel(ctx context.Context, registration core.Registration) {
	if err := b.scheduler.Cancel(ctx, registration.ID); err != nil {
		b.logger.Warn("jobqueue: cancel registration failed", "job_id", registration.ID, "error", err)
	}
}

// orphanGrace is how long past its fire time a registration may lack a
// record before it is treated as an orphan.
func (b *Broker) orphanGrace() time.Duration {
	return b.delay + OrphanGrace
}

func (b *Broker) recordTTL() time.Duration {
	return 2 * b.jobTimeout
}

// Decode unmarshals a job parameter into T.
func Decode[T any](parameter json.RawMessage) (T, error) {
	var out T
	if len(parameter) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(parameter, &out); err != nil {
		return out, fmt.Errorf("jobqueue: decode parameter: %w", err)
	}
	return out, nil
}
