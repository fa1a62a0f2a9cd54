// Package gojob maps deferred callback firings onto go-job execution
// messages and supplies the retry and hook policy used by the scheduler's
// worker.
package gojob

import (
	"context"
	"fmt"
	"strings"
	"time"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-job/queue/worker"
	glog "github.com/goliatone/go-logger/glog"

	"github.com/k2tzumi/hue-kintai-slask-command/core"
)

const (
	ParamCallback       = "callback"
	ParamRegistrationID = "registration_id"
	ParamFireAt         = "fire_at"

	ScriptPrefix = "kintai.callback."
)

// RetryPolicy defines queue retry bounds to avoid unbounded retry loops.
type RetryPolicy struct {
	MaxAttempts     int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	DeadLetterOnMax bool
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		BaseDelay:       time.Second,
		MaxDelay:        30 * time.Second,
		DeadLetterOnMax: true,
	}
}

// Backoff returns the exponential delay before retry number attempt.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseDelay
	if delay <= 0 {
		delay = time.Second
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// NormalizeAttempt enforces bounded retry behavior for a nack operation.
// Dead-lettering is sticky. At MaxAttempts a retry becomes a dead letter,
// or a plain failure when DeadLetterOnMax is off.
func (p RetryPolicy) NormalizeAttempt(opts queue.NackOptions, attempt int) queue.NackOptions {
	out := opts
	out.Reason = strings.TrimSpace(out.Reason)
	if out.Delay < 0 {
		out.Delay = 0
	}
	if p.MaxDelay > 0 && out.Delay > p.MaxDelay {
		out.Delay = p.MaxDelay
	}
	switch out.Disposition {
	case queue.NackDispositionDeadLetter, queue.NackDispositionFailed:
	default:
		out.Disposition = queue.NackDispositionRetry
	}
	if out.Disposition == queue.NackDispositionRetry && p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
		out.Disposition = queue.NackDispositionFailed
		if p.DeadLetterOnMax {
			out.Disposition = queue.NackDispositionDeadLetter
		}
	}
	if out.Disposition != queue.NackDispositionRetry {
		out.Delay = 0
	}
	return out
}

// Retries reports whether opts puts the message back on the queue.
func Retries(opts queue.NackOptions) bool {
	return opts.Disposition == queue.NackDispositionRetry
}

// CallbackMessage builds the execution message published when a
// registration fires. The registration id doubles as the idempotency key.
func CallbackMessage(registration core.Registration) *job.ExecutionMessage {
	name := strings.TrimSpace(registration.CallbackName)
	id := strings.TrimSpace(registration.ID)
	return &job.ExecutionMessage{
		JobID:      name,
		ScriptPath: ScriptPrefix + name,
		Parameters: map[string]any{
			ParamCallback:       name,
			ParamRegistrationID: id,
			ParamFireAt:         registration.FireAt.UTC().Format(time.RFC3339Nano),
		},
		IdempotencyKey: id,
	}
}

// RegistrationFromMessage recovers the fired registration from msg.
func RegistrationFromMessage(msg *job.ExecutionMessage) (core.Registration, error) {
	if msg == nil {
		return core.Registration{}, fmt.Errorf("gojob: execution message is required")
	}
	registration := core.Registration{
		ID:           strings.TrimSpace(stringParam(msg.Parameters, ParamRegistrationID)),
		CallbackName: strings.TrimSpace(stringParam(msg.Parameters, ParamCallback)),
	}
	if registration.CallbackName == "" {
		registration.CallbackName = strings.TrimPrefix(strings.TrimSpace(msg.ScriptPath), ScriptPrefix)
	}
	if registration.CallbackName == "" {
		registration.CallbackName = strings.TrimSpace(msg.JobID)
	}
	if registration.ID == "" {
		registration.ID = strings.TrimSpace(msg.IdempotencyKey)
	}
	if raw := stringParam(msg.Parameters, ParamFireAt); raw != "" {
		if fireAt, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			registration.FireAt = fireAt.UTC()
		}
	}
	if registration.CallbackName == "" {
		return core.Registration{}, fmt.Errorf("gojob: callback name is required")
	}
	return registration, nil
}

func stringParam(params map[string]any, key string) string {
	if params == nil {
		return ""
	}
	value, ok := params[key]
	if !ok || value == nil {
		return ""
	}
	if text, ok := value.(string); ok {
		return text
	}
	return fmt.Sprint(value)
}

// LoggingHook reports worker lifecycle events through a glog logger.
type LoggingHook struct {
	logger glog.Logger
}

func NewLoggingHook(logger glog.Logger) *LoggingHook {
	return &LoggingHook{logger: glog.Ensure(logger)}
}

func (h *LoggingHook) OnStart(_ context.Context, event worker.Event) {
	h.log().Debug("gojob: callback started", eventFields(event)...)
}

func (h *LoggingHook) OnSuccess(_ context.Context, event worker.Event) {
	h.log().Debug("gojob: callback finished", eventFields(event)...)
}

func (h *LoggingHook) OnFailure(_ context.Context, event worker.Event) {
	h.log().Error("gojob: callback failed", eventFields(event)...)
}

func (h *LoggingHook) OnRetry(_ context.Context, event worker.Event) {
	h.log().Warn("gojob: callback retry scheduled", eventFields(event)...)
}

func (h *LoggingHook) log() glog.Logger {
	if h == nil || h.logger == nil {
		return glog.Nop()
	}
	return h.logger
}

// Hooks fans one event out to several hooks.
type Hooks []worker.Hook

func (hs Hooks) OnStart(ctx context.Context, event worker.Event) {
	for _, h := range hs {
		if h != nil {
			h.OnStart(ctx, event)
		}
	}
}

func (hs Hooks) OnSuccess(ctx context.Context, event worker.Event) {
	for _, h := range hs {
		if h != nil {
			h.OnSuccess(ctx, event)
		}
	}
}

func (hs Hooks) OnFailure(ctx context.Context, event worker.Event) {
	for _, h := range hs {
		if h != nil {
			h.OnFailure(ctx, event)
		}
	}
}

func (hs Hooks) OnRetry(ctx context.Context, event worker.Event) {
	for _, h := range hs {
		if h != nil {
			h.OnRetry(ctx, event)
		}
	}
}

func eventFields(event worker.Event) []any {
	message := event.Message
	if message == nil && event.Delivery != nil {
		message = event.Delivery.Message()
	}
	fields := []any{"attempt", event.Attempt}
	if message != nil {
		fields = append(fields, "job_id", message.JobID, "registration_id", message.IdempotencyKey)
	}
	if event.Delay > 0 {
		fields = append(fields, "delay", event.Delay.String())
	}
	if event.Duration > 0 {
		fields = append(fields, "duration_ms", event.Duration.Milliseconds())
	}
	if event.Err != nil {
		fields = append(fields, "error", event.Err)
	}
	return fields
}

var (
	_ worker.Hook = (*LoggingHook)(nil)
	_ worker.Hook = Hooks(nil)
)
