package core

import (
	"context"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

type Logger = glog.Logger

type LoggerProvider = glog.LoggerProvider

// RecordStore is a TTL'd key/value store. Get reports found=false for
// missing or expired keys. A ttl <= 0 selects the backend default.
type RecordStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Remove(ctx context.Context, key string) error
}

// AtomicRecordStore is implemented by backends that can perform conditional
// writes in a single round trip.
type AtomicRecordStore interface {
	RecordStore
	PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	CompareAndSwap(ctx context.Context, key string, previous []byte, next []byte, ttl time.Duration) (bool, error)
}

// KeyLister enumerates live keys sharing a prefix.
type KeyLister interface {
	Keys(ctx context.Context, prefix string) ([]string, error)
}

type Registration struct {
	ID           string
	CallbackName string
	FireAt       time.Time
}

// Scheduler arranges for a named callback to be invoked, at least once, no
// earlier than delay. Registrations stay live until cancelled.
type Scheduler interface {
	Schedule(ctx context.Context, callbackName string, delay time.Duration) (string, error)
	Cancel(ctx context.Context, registrationID string) error
	ListLive(ctx context.Context) ([]Registration, error)
}

// ReservingScheduler arms a registration under an id the caller allocated,
// so state keyed by that id can be written before the timer can fire.
type ReservingScheduler interface {
	Scheduler
	NewRegistrationID() string
	ScheduleWithID(ctx context.Context, registrationID, callbackName string, delay time.Duration) error
}

type Clock interface {
	Now() time.Time
}

type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time {
	if f == nil {
		return time.Now().UTC()
	}
	return f().UTC()
}

type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

// ResolveClock returns clock or the system clock when clock is nil.
func ResolveClock(clock Clock) Clock {
	if clock == nil {
		return SystemClock{}
	}
	return clock
}

// UnixMillis converts t to milliseconds since epoch.
func UnixMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

// FromUnixMillis converts milliseconds since epoch to a UTC time.
func FromUnixMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// SealedCredential is an encrypted per-user portal credential. Payload is
// opaque to stores.
type SealedCredential struct {
	UserID    string
	Payload   []byte
	KeyID     string
	UpdatedAt time.Time
}

// CredentialStore persists sealed credentials keyed by Slack user id.
// GetCredential reports found=false when the user has none.
type CredentialStore interface {
	SaveCredential(ctx context.Context, credential SealedCredential) error
	GetCredential(ctx context.Context, userID string) (SealedCredential, bool, error)
	DeleteCredential(ctx context.Context, userID string) error
}

// PortalCredential is the HR portal login of one Slack user.
type PortalCredential struct {
	UserID   string `json:"userID"`
	Password string `json:"password"`
}

func (c PortalCredential) Valid() bool {
	return c.UserID != "" && c.Password != ""
}
