package inbound

import (
	"context"
	"fmt"

	glog "github.com/goliatone/go-logger/glog"

	"github.com/k2tzumi/hue-kintai-slask-command/core"
)

// Result is the outcome of a dispatch. Performed is false when no payload
// shape matched; Output is the listener's response body, nil for none.
type Result struct {
	Performed bool
	Surface   string
	Output    any
}

type Dispatcher struct {
	shapes []ShapeHandler
	logger core.Logger
}

type Option func(*dispatcherConfig)

type dispatcherConfig struct {
	logger   core.Logger
	provider core.LoggerProvider
}

func WithLogger(logger core.Logger) Option {
	return func(c *dispatcherConfig) { c.logger = logger }
}

func WithLoggerProvider(provider core.LoggerProvider) Option {
	return func(c *dispatcherConfig) { c.provider = provider }
}

// NewDispatcher wires the three shape handlers over one route table. Shapes
// are tried in order: slash command, interactivity, event callback.
func NewDispatcher(routes *RouteTable, guard DuplicateChecker, verifier Verifier, opts ...Option) (*Dispatcher, error) {
	if routes == nil {
		return nil, fmt.Errorf("inbound: route table is required")
	}
	if guard == nil {
		return nil, fmt.Errorf("inbound: idempotency guard is required")
	}
	if verifier == nil {
		return nil, fmt.Errorf("inbound: verifier is required")
	}
	cfg := dispatcherConfig{}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	_, logger := glog.Resolve("inbound", cfg.provider, cfg.logger)

	deps := shapeDeps{routes: routes, guard: guard, verifier: verifier}
	return &Dispatcher{
		shapes: []ShapeHandler{
			commandShape{shapeDeps: deps},
			interactivityShape{shapeDeps: deps},
			eventShape{shapeDeps: deps},
		},
		logger: glog.Ensure(logger),
	}, nil
}

// Dispatch runs the first shape handler that claims req. Errors come back
// with Performed set so callers can tell routing failures from unrecognized
// traffic.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (Result, error) {
	if d == nil {
		return Result{}, fmt.Errorf("inbound: dispatcher is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	for _, shape := range d.shapes {
		performed, output, err := shape.Handle(ctx, req)
		if !performed {
			continue
		}
		result := Result{Performed: true, Surface: shape.Surface(), Output: output}
		switch {
		case err == nil:
		case IsDuplicateRequest(err):
			d.logger.Info("inbound: duplicate delivery ignored", "surface", shape.Surface())
		default:
			d.logger.Warn("inbound: dispatch failed", "surface", shape.Surface(), "error", err)
		}
		return result, err
	}
	return Result{}, nil
}
