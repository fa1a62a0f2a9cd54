// Package ratelimit backs off Slack Web API methods after Slack answers 429.
// Throttle windows live in the record store so every instance sharing it
// honours the same Retry-After.
package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"

	"github.com/k2tzumi/hue-kintai-slask-command/core"
)

const KeyPrefix = "RateLimit#"

var ErrThrottled = errors.New("ratelimit: method throttled")

// State is the persisted throttle window of one method. Timestamps are
// milliseconds since epoch.
type State struct {
	Method         string `json:"method"`
	ThrottledUntil int64  `json:"throttled_until,omitempty"`
	Attempts       int    `json:"attempts"`
	LastStatus     int    `json:"last_status"`
	UpdatedAt      int64  `json:"updated_at"`
}

type ThrottledError struct {
	Method     string
	RetryAfter time.Duration
}

func (e ThrottledError) Error() string {
	return fmt.Sprintf("ratelimit: %s throttled for %s", strings.TrimSpace(e.Method), e.RetryAfter)
}

func (e ThrottledError) Unwrap() error { return ErrThrottled }

func (e ThrottledError) ToServiceError() *goerrors.Error {
	metadata := map[string]any{"method": strings.TrimSpace(e.Method)}
	if e.RetryAfter > 0 {
		metadata["retry_after_ms"] = e.RetryAfter.Milliseconds()
	}
	return core.WrapError(e, goerrors.CategoryRateLimit, core.ErrorRateLimited, e.Error(), metadata)
}

// IsThrottled reports whether err is a throttle rejection.
func IsThrottled(err error) bool {
	return errors.Is(err, ErrThrottled)
}

type AdaptivePolicy struct {
	store          core.RecordStore
	clock          core.Clock
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

type Option func(*AdaptivePolicy)

func WithClock(clock core.Clock) Option {
	return func(p *AdaptivePolicy) { p.clock = clock }
}

func WithBackoff(initial, maximum time.Duration) Option {
	return func(p *AdaptivePolicy) {
		if initial > 0 {
			p.InitialBackoff = initial
		}
		if maximum > 0 {
			p.MaxBackoff = maximum
		}
	}
}

func NewAdaptivePolicy(store core.RecordStore, opts ...Option) (*AdaptivePolicy, error) {
	if store == nil {
		return nil, fmt.Errorf("ratelimit: record store is required")
	}
	p := &AdaptivePolicy{
		store:          store,
		InitialBackoff: time.Second,
		MaxBackoff:     time.Minute,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	p.clock = core.ResolveClock(p.clock)
	return p, nil
}

// BeforeCall rejects a call while the method's throttle window is open.
func (p *AdaptivePolicy) BeforeCall(ctx context.Context, method string) error {
	if p == nil {
		return nil
	}
	state, found, err := p.load(ctx, method)
	if err != nil || !found {
		return err
	}
	now := p.clock.Now()
	until := core.FromUnixMillis(state.ThrottledUntil)
	if state.ThrottledUntil > 0 && now.Before(until) {
		return ThrottledError{Method: state.Method, RetryAfter: until.Sub(now)}
	}
	return nil
}

// AfterCall records the reply status. A 429 opens a window of Retry-After,
// or of an exponential backoff when Slack sent none. Any other status
// clears the method's state.
func (p *AdaptivePolicy) AfterCall(ctx context.Context, method string, statusCode int, headers map[string]string) error {
	if p == nil {
		return nil
	}
	method = normalizeMethod(method)
	if statusCode != http.StatusTooManyRequests {
		return p.store.Remove(ctx, stateKey(method))
	}

	state, _, err := p.load(ctx, method)
	if err != nil {
		return err
	}
	now := p.clock.Now()
	state.Method = method
	state.Attempts++
	state.LastStatus = statusCode
	state.UpdatedAt = core.UnixMillis(now)

	delay, ok := parseRetryAfter(headers, now)
	if !ok {
		delay = p.nextBackoff(state.Attempts)
	}
	state.ThrottledUntil = core.UnixMillis(now.Add(delay))

	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	// Keep attempts around past the window so repeated 429s keep doubling.
	return p.store.Put(ctx, stateKey(method), raw, delay+p.MaxBackoff)
}

func (p *AdaptivePolicy) load(ctx context.Context, method string) (State, bool, error) {
	raw, found, err := p.store.Get(ctx, stateKey(normalizeMethod(method)))
	if err != nil || !found {
		return State{}, false, err
	}
	var state State
	if err := json.Unmarshal(raw, &state); err != nil {
		// Corrupt state never blocks a call.
		return State{}, false, nil
	}
	return state, true, nil
}

func (p *AdaptivePolicy) nextBackoff(attempt int) time.Duration {
	delay := p.InitialBackoff
	if delay <= 0 {
		delay = time.Second
	}
	maximum := p.MaxBackoff
	if maximum <= 0 {
		maximum = time.Minute
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maximum {
			return maximum
		}
	}
	return delay
}

func parseRetryAfter(headers map[string]string, now time.Time) (time.Duration, bool) {
	raw := headerValue(headers, "retry-after")
	if raw == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(raw); err == nil {
		if seconds <= 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	if retryAt, err := http.ParseTime(raw); err == nil && retryAt.After(now) {
		return retryAt.Sub(now), true
	}
	return 0, false
}

func headerValue(headers map[string]string, key string) string {
	for existing, value := range headers {
		if strings.EqualFold(strings.TrimSpace(existing), key) {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

func normalizeMethod(method string) string {
	return strings.TrimSpace(method)
}

func stateKey(method string) string {
	return KeyPrefix + method
}
