// Package bot maps Slack traffic for the /kintai command onto deferred punch
// jobs and credential commands.
package bot

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	gocmd "github.com/goliatone/go-command"
	glog "github.com/goliatone/go-logger/glog"

	"github.com/k2tzumi/hue-kintai-slask-command/command"
	"github.com/k2tzumi/hue-kintai-slask-command/core"
	"github.com/k2tzumi/hue-kintai-slask-command/inbound"
	"github.com/k2tzumi/hue-kintai-slask-command/jobqueue"
	"github.com/k2tzumi/hue-kintai-slask-command/slack"
)

const Command = "/kintai"

// Job callback names.
const (
	CallbackPunchIn            = "executePunchIn"
	CallbackPunchOut           = "executePunchOut"
	CallbackValidateCredential = "executeValidateCredential"
)

const (
	DefaultStartReaction = "sunny"
	DefaultEndReaction   = "confetti_ball"
)

type Jobs interface {
	Register(name string, closure jobqueue.Closure) error
	Enqueue(ctx context.Context, callbackName string, parameter any) error
}

type Commands interface {
	Send(ctx context.Context, msg gocmd.Message) error
}

type SlackAPI interface {
	OpenView(ctx context.Context, triggerID string, view slack.View) error
	AddReaction(ctx context.Context, channel, timestamp, name string) (bool, error)
	PostMessage(ctx context.Context, channel, text, threadTS string) error
	PostEphemeral(ctx context.Context, channel, user, text string) error
}

type Credentials interface {
	Get(ctx context.Context, userID string) (core.PortalCredential, bool, error)
}

type Config struct {
	Jobs          Jobs
	Commands      Commands
	Slack         SlackAPI
	Credentials   Credentials
	StartReaction string
	EndReaction   string
	Logger        core.Logger
}

type App struct {
	jobs          Jobs
	commands      Commands
	slack         SlackAPI
	credentials   Credentials
	startReaction string
	endReaction   string
	logger        core.Logger
}

func New(cfg Config) (*App, error) {
	switch {
	case cfg.Jobs == nil:
		return nil, fmt.Errorf("bot: job queue is required")
	case cfg.Commands == nil:
		return nil, fmt.Errorf("bot: command bus is required")
	case cfg.Slack == nil:
		return nil, fmt.Errorf("bot: slack client is required")
	case cfg.Credentials == nil:
		return nil, fmt.Errorf("bot: credential store is required")
	}
	app := &App{
		jobs:          cfg.Jobs,
		commands:      cfg.Commands,
		slack:         cfg.Slack,
		credentials:   cfg.Credentials,
		startReaction: firstNonEmpty(cfg.StartReaction, DefaultStartReaction),
		endReaction:   firstNonEmpty(cfg.EndReaction, DefaultEndReaction),
		logger:        glog.Ensure(cfg.Logger),
	}
	return app, nil
}

// RegisterCallbacks names the job callbacks that run the punch and
// credential commands.
func (a *App) RegisterCallbacks() error {
	callbacks := map[string]jobqueue.Closure{
		CallbackPunchIn: func(ctx context.Context, parameter json.RawMessage) error {
			req, err := jobqueue.Decode[command.PunchRequest](parameter)
			if err != nil {
				return err
			}
			return a.commands.Send(ctx, command.PunchInMessage{Request: req})
		},
		CallbackPunchOut: func(ctx context.Context, parameter json.RawMessage) error {
			req, err := jobqueue.Decode[command.PunchRequest](parameter)
			if err != nil {
				return err
			}
			return a.commands.Send(ctx, command.PunchOutMessage{Request: req})
		},
		CallbackValidateCredential: func(ctx context.Context, parameter json.RawMessage) error {
			msg, err := jobqueue.Decode[command.ValidateCredentialMessage](parameter)
			if err != nil {
				return err
			}
			return a.commands.Send(ctx, msg)
		},
	}
	for _, name := range []string{CallbackPunchIn, CallbackPunchOut, CallbackValidateCredential} {
		if err := a.jobs.Register(name, callbacks[name]); err != nil {
			return err
		}
	}
	return nil
}

// Routes builds the frozen route table for the dispatcher.
func (a *App) Routes() (*inbound.RouteTable, error) {
	return inbound.NewRouteBuilder().
		AddCommandListener(Command, a.HandleCommand).
		AddInteractivityListener(inbound.InteractionViewSubmission, a.HandleViewSubmission).
		AddInteractivityListener(inbound.InteractionBlockActions, a.HandleBlockActions).
		AddCallbackEventListener("app_mention", a.HandleAppMention).
		Build()
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
