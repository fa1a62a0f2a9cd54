// Package httpapi serves the Slack request URL, the OAuth install pages and
// a health check over gin.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	glog "github.com/goliatone/go-logger/glog"

	"github.com/k2tzumi/hue-kintai-slask-command/core"
	"github.com/k2tzumi/hue-kintai-slask-command/inbound"
)

const (
	SlackPath  = "/slack"
	HealthPath = "/healthz"
)

type Dispatcher interface {
	Dispatch(ctx context.Context, req inbound.Request) (inbound.Result, error)
}

// Pinger is a dependency the health check checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Option func(*router)

type router struct {
	logger    core.Logger
	pingers   map[string]Pinger
	installer Installer
}

func WithLogger(logger core.Logger) Option {
	return func(r *router) { r.logger = logger }
}

// WithHealthCheck adds a named dependency to the health check.
func WithHealthCheck(name string, pinger Pinger) Option {
	return func(r *router) {
		if pinger != nil {
			r.pingers[name] = pinger
		}
	}
}

// NewRouter returns a gin engine with POST /slack and GET /healthz, plus
// the install routes when an installer is configured.
func NewRouter(dispatcher Dispatcher, opts ...Option) *gin.Engine {
	r := &router{pingers: map[string]Pinger{}}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	r.logger = glog.Ensure(r.logger)

	engine := gin.New()
	engine.Use(gin.Recovery(), r.accessLog())
	engine.POST(SlackPath, r.slack(dispatcher))
	engine.GET(HealthPath, r.health())
	if r.installer != nil {
		engine.GET(InstallPath, r.install())
		engine.GET(CallbackPath, r.callback())
	}
	return engine
}

func (r *router) slack(dispatcher Dispatcher) gin.HandlerFunc {
	return func(c *gin.Context) {
		req, err := inbound.FromHTTP(c.Request)
		if err != nil {
			writeError(c, err)
			return
		}
		result, err := dispatcher.Dispatch(c.Request.Context(), req)
		switch {
		case inbound.IsDuplicateRequest(err):
			// Slack retries; an empty 200 stops them.
			c.Status(http.StatusOK)
			return
		case err != nil:
			writeError(c, err)
			return
		case !result.Performed:
			c.JSON(http.StatusNotFound, gin.H{"error": "no handler for request"})
			return
		}

		switch output := result.Output.(type) {
		case nil:
			c.Status(http.StatusOK)
		case string:
			c.String(http.StatusOK, output)
		default:
			c.JSON(http.StatusOK, output)
		}
	}
}

func (r *router) health() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		checks := gin.H{}
		status := http.StatusOK
		for name, pinger := range r.pingers {
			if err := pinger.Ping(ctx); err != nil {
				checks[name] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			checks[name] = "ok"
		}
		state := "ok"
		if status != http.StatusOK {
			state = "degraded"
		}
		c.JSON(status, gin.H{"status": state, "checks": checks})
	}
}

func (r *router) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		r.logger.Debug("httpapi: request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(started).Milliseconds(),
		)
	}
}

func writeError(c *gin.Context, err error) {
	rich := core.MapError(err)
	c.JSON(core.HTTPStatus(err), gin.H{
		"error":     rich.Message,
		"text_code": rich.TextCode,
	})
}
