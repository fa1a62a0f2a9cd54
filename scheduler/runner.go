package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-job/queue/worker"
	glog "github.com/goliatone/go-logger/glog"

	"github.com/k2tzumi/hue-kintai-slask-command/adapters/gojob"
	"github.com/k2tzumi/hue-kintai-slask-command/core"
)

// FireFunc runs the callback a registration named.
type FireFunc func(ctx context.Context, registration core.Registration) error

// Runner drains a go-job queue with a fixed pool of workers.
type Runner struct {
	dequeuer queue.Dequeuer
	fire     FireFunc
	workers  int
	retry    gojob.RetryPolicy
	hook     worker.Hook
	logger   core.Logger
	now      func() time.Time
}

type RunnerOption func(*Runner)

func WithWorkers(workers int) RunnerOption {
	return func(r *Runner) {
		if workers > 0 {
			r.workers = workers
		}
	}
}

func WithRetryPolicy(policy gojob.RetryPolicy) RunnerOption {
	return func(r *Runner) { r.retry = policy }
}

func WithHooks(hooks ...worker.Hook) RunnerOption {
	return func(r *Runner) {
		if len(hooks) > 0 {
			r.hook = gojob.Hooks(hooks)
		}
	}
}

func WithRunnerLogger(logger core.Logger) RunnerOption {
	return func(r *Runner) { r.logger = logger }
}

func NewRunner(dequeuer queue.Dequeuer, fire FireFunc, opts ...RunnerOption) (*Runner, error) {
	if dequeuer == nil {
		return nil, fmt.Errorf("scheduler: dequeuer is required")
	}
	if fire == nil {
		return nil, fmt.Errorf("scheduler: fire func is required")
	}
	r := &Runner{
		dequeuer: dequeuer,
		fire:     fire,
		workers:  1,
		retry:    gojob.DefaultRetryPolicy(),
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	r.logger = glog.Ensure(r.logger)
	if r.hook == nil {
		r.hook = gojob.NewLoggingHook(r.logger)
	}
	return r, nil
}

// Run blocks until ctx is done or the queue closes.
func (r *Runner) Run(ctx context.Context) error {
	if r == nil {
		return fmt.Errorf("scheduler: runner is nil")
	}
	var wg sync.WaitGroup
	errs := make(chan error, r.workers)
	for i := 0; i < r.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.loop(ctx); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		return err
	}
	return nil
}

func (r *Runner) loop(ctx context.Context) error {
	for {
		delivery, err := r.dequeuer.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, ErrQueueClosed) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return fmt.Errorf("scheduler: dequeue: %w", err)
		}
		if delivery == nil {
			continue
		}
		r.handle(ctx, delivery)
	}
}

func (r *Runner) handle(ctx context.Context, delivery queue.Delivery) {
	attempt := attemptOf(delivery)
	event := worker.Event{
		Message:   delivery.Message(),
		Delivery:  delivery,
		Attempt:   attempt,
		StartedAt: r.now(),
	}
	r.hook.OnStart(ctx, event)

	registration, err := gojob.RegistrationFromMessage(delivery.Message())
	if err != nil {
		// A message without a callback never succeeds on retry.
		event.Err = err
		r.hook.OnFailure(ctx, event)
		_ = delivery.Nack(ctx, queue.NackOptions{Disposition: queue.NackDispositionDeadLetter, Reason: err.Error()})
		return
	}

	err = r.fire(ctx, registration)
	event.Duration = r.now().Sub(event.StartedAt)
	if err == nil {
		r.hook.OnSuccess(ctx, event)
		if ackErr := delivery.Ack(ctx); ackErr != nil {
			r.logger.Warn("scheduler: ack failed", "registration_id", registration.ID, "error", ackErr)
		}
		return
	}

	event.Err = err
	opts := r.retry.NormalizeAttempt(queue.NackOptions{
		Disposition: queue.NackDispositionRetry,
		Delay:       r.retry.Backoff(attempt),
		Reason:      err.Error(),
	}, attempt)
	if gojob.Retries(opts) {
		event.Delay = opts.Delay
		r.hook.OnRetry(ctx, event)
	} else {
		r.hook.OnFailure(ctx, event)
	}
	if nackErr := delivery.Nack(ctx, opts); nackErr != nil {
		r.logger.Warn("scheduler: nack failed", "registration_id", registration.ID, "error", nackErr)
	}
}
