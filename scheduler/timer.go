// Package scheduler provides the deferred callback primitive the job queue
// builds on: a durable timer whose registrations live in the record store and
// whose firings are published as go-job execution messages for a worker to
// run, at least once.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-job/queue"
	glog "github.com/goliatone/go-logger/glog"
	"github.com/google/uuid"

	"github.com/k2tzumi/hue-kintai-slask-command/adapters/gojob"
	"github.com/k2tzumi/hue-kintai-slask-command/core"
)

const KeyPrefix = "Scheduler#"

const DefaultRegistrationTTL = 24 * time.Hour

var ErrQueueClosed = errors.New("scheduler: queue closed")

// RegistrationStore persists registrations and enumerates them by prefix.
type RegistrationStore interface {
	core.RecordStore
	core.KeyLister
}

type registrationRecord struct {
	ID           string `json:"id"`
	CallbackName string `json:"callback"`
	FireAt       int64  `json:"fire_at"`
}

// TimerScheduler arms one timer per registration. A registration stays live
// after it fires, until it is cancelled or its TTL lapses.
type TimerScheduler struct {
	store    RegistrationStore
	enqueuer queue.Enqueuer
	clock    core.Clock
	logger   core.Logger
	ttl      time.Duration
	newID    func() string

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

type Option func(*TimerScheduler)

func WithClock(clock core.Clock) Option {
	return func(s *TimerScheduler) { s.clock = clock }
}

func WithLogger(logger core.Logger) Option {
	return func(s *TimerScheduler) { s.logger = logger }
}

func WithRegistrationTTL(ttl time.Duration) Option {
	return func(s *TimerScheduler) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func WithIDGenerator(fn func() string) Option {
	return func(s *TimerScheduler) {
		if fn != nil {
			s.newID = fn
		}
	}
}

func NewTimerScheduler(store RegistrationStore, enqueuer queue.Enqueuer, opts ...Option) (*TimerScheduler, error) {
	if store == nil {
		return nil, fmt.Errorf("scheduler: registration store is required")
	}
	if enqueuer == nil {
		return nil, fmt.Errorf("scheduler: enqueuer is required")
	}
	s := &TimerScheduler{
		store:    store,
		enqueuer: enqueuer,
		ttl:      DefaultRegistrationTTL,
		newID:    uuid.NewString,
		timers:   map[string]*time.Timer{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.clock = core.ResolveClock(s.clock)
	s.logger = glog.Ensure(s.logger)
	return s, nil
}

func (s *TimerScheduler) Schedule(ctx context.Context, callbackName string, delay time.Duration) (string, error) {
	if s == nil {
		return "", fmt.Errorf("scheduler: scheduler is nil")
	}
	id := s.NewRegistrationID()
	if err := s.ScheduleWithID(ctx, id, callbackName, delay); err != nil {
		return "", err
	}
	return id, nil
}

// NewRegistrationID allocates an id for ScheduleWithID.
func (s *TimerScheduler) NewRegistrationID() string {
	return s.newID()
}

func (s *TimerScheduler) ScheduleWithID(ctx context.Context, registrationID, callbackName string, delay time.Duration) error {
	if s == nil {
		return fmt.Errorf("scheduler: scheduler is nil")
	}
	registrationID = strings.TrimSpace(registrationID)
	if registrationID == "" {
		return fmt.Errorf("scheduler: registration id is required")
	}
	callbackName = strings.TrimSpace(callbackName)
	if callbackName == "" {
		return fmt.Errorf("scheduler: callback name is required")
	}
	if delay < 0 {
		delay = 0
	}
	s.mu.Lock()
	_, armed := s.timers[registrationID]
	s.mu.Unlock()
	if armed {
		return fmt.Errorf("scheduler: registration %q already armed", registrationID)
	}
	registration := core.Registration{
		ID:           registrationID,
		CallbackName: callbackName,
		FireAt:       s.clock.Now().Add(delay),
	}
	raw, err := json.Marshal(registrationRecord{
		ID:           registration.ID,
		CallbackName: registration.CallbackName,
		FireAt:       core.UnixMillis(registration.FireAt),
	})
	if err != nil {
		return fmt.Errorf("scheduler: encode registration: %w", err)
	}
	if err := s.store.Put(ctx, KeyPrefix+registration.ID, raw, s.ttl); err != nil {
		return fmt.Errorf("scheduler: persist registration: %w", err)
	}
	if err := s.arm(registration, delay); err != nil {
		_ = s.store.Remove(ctx, KeyPrefix+registration.ID)
		return err
	}
	return nil
}

func (s *TimerScheduler) Cancel(ctx context.Context, registrationID string) error {
	if s == nil {
		return fmt.Errorf("scheduler: scheduler is nil")
	}
	registrationID = strings.TrimSpace(registrationID)
	if registrationID == "" {
		return nil
	}
	s.mu.Lock()
	if timer, ok := s.timers[registrationID]; ok {
		timer.Stop()
		delete(s.timers, registrationID)
	}
	s.mu.Unlock()
	if err := s.store.Remove(ctx, KeyPrefix+registrationID); err != nil {
		return fmt.Errorf("scheduler: remove registration: %w", err)
	}
	return nil
}

func (s *TimerScheduler) ListLive(ctx context.Context) ([]core.Registration, error) {
	if s == nil {
		return nil, fmt.Errorf("scheduler: scheduler is nil")
	}
	keys, err := s.store.Keys(ctx, KeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("scheduler: list registrations: %w", err)
	}
	live := make([]core.Registration, 0, len(keys))
	for _, key := range keys {
		raw, found, err := s.store.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("scheduler: read registration: %w", err)
		}
		if !found {
			continue
		}
		var record registrationRecord
		if err := json.Unmarshal(raw, &record); err != nil {
			s.logger.Warn("scheduler: drop unreadable registration", "key", key, "error", err)
			_ = s.store.Remove(ctx, key)
			continue
		}
		live = append(live, core.Registration{
			ID:           record.ID,
			CallbackName: record.CallbackName,
			FireAt:       core.FromUnixMillis(record.FireAt),
		})
	}
	sort.SliceStable(live, func(i, j int) bool {
		if live[i].FireAt.Equal(live[j].FireAt) {
			return live[i].ID < live[j].ID
		}
		return live[i].FireAt.Before(live[j].FireAt)
	})
	return live, nil
}

// Restore re-arms timers for persisted registrations this process is not
// tracking, for example after a restart. Overdue registrations fire at once.
func (s *TimerScheduler) Restore(ctx context.Context) (int, error) {
	live, err := s.ListLive(ctx)
	if err != nil {
		return 0, err
	}
	now := s.clock.Now()
	restored := 0
	for _, registration := range live {
		s.mu.Lock()
		_, tracked := s.timers[registration.ID]
		s.mu.Unlock()
		if tracked {
			continue
		}
		delay := registration.FireAt.Sub(now)
		if delay < 0 {
			delay = 0
		}
		if err := s.arm(registration, delay); err != nil {
			return restored, err
		}
		restored++
	}
	return restored, nil
}

// Stop disarms pending timers. Persisted registrations survive for Restore.
func (s *TimerScheduler) Stop() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
}

func (s *TimerScheduler) arm(registration core.Registration, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("scheduler: scheduler is stopped")
	}
	s.timers[registration.ID] = time.AfterFunc(delay, func() {
		s.fire(registration)
	})
	return nil
}

func (s *TimerScheduler) fire(registration core.Registration) {
	s.mu.Lock()
	delete(s.timers, registration.ID)
	s.mu.Unlock()

	if err := s.enqueuer.Enqueue(context.Background(), gojob.CallbackMessage(registration)); err != nil {
		s.logger.Error("scheduler: publish callback failed",
			"registration_id", registration.ID,
			"callback", registration.CallbackName,
			"error", err,
		)
		return
	}
	s.logger.Debug("scheduler: callback published", "registration_id", registration.ID, "callback", registration.CallbackName)
}

var _ core.ReservingScheduler = (*TimerScheduler)(nil)
