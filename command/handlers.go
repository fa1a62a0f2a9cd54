package command

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	gocmd "github.com/goliatone/go-command"
	glog "github.com/goliatone/go-logger/glog"

	"github.com/k2tzumi/hue-kintai-slask-command/core"
	"github.com/k2tzumi/hue-kintai-slask-command/slack"
	"github.com/k2tzumi/hue-kintai-slask-command/works"
)

const configCommand = "/kintai config"

type CredentialStore interface {
	Get(ctx context.Context, userID string) (core.PortalCredential, bool, error)
	Set(ctx context.Context, userID string, credential core.PortalCredential) error
	Remove(ctx context.Context, userID string) error
}

type Portal interface {
	Login(ctx context.Context, credential core.PortalCredential) error
	PunchIn(ctx context.Context, credential core.PortalCredential) (string, error)
	PunchOut(ctx context.Context, credential core.PortalCredential) (string, error)
	PunchingURL() string
}

type Notifier interface {
	Respond(ctx context.Context, responseURL string, msg slack.Message) error
	PostMessage(ctx context.Context, channel, text, threadTS string) error
	PostEphemeral(ctx context.Context, channel, user, text string) error
	PostDirectMessage(ctx context.Context, user, text string) error
	UpdateView(ctx context.Context, viewID, hash string, view slack.View) error
}

// Dependencies are shared by every command.
type Dependencies struct {
	Credentials CredentialStore
	Portal      Portal
	Slack       Notifier
	Logger      core.Logger
}

func (d Dependencies) ready() error {
	if d.Credentials == nil {
		return commandDependencyError("command: credential store is required")
	}
	if d.Portal == nil {
		return commandDependencyError("command: works portal is required")
	}
	if d.Slack == nil {
		return commandDependencyError("command: slack notifier is required")
	}
	return nil
}

func (d Dependencies) logger() core.Logger {
	return glog.Ensure(d.Logger)
}

type punchFunc func(Portal, context.Context, core.PortalCredential) (string, error)

type PunchInCommand struct {
	deps Dependencies
}

func NewPunchInCommand(deps Dependencies) *PunchInCommand {
	return &PunchInCommand{deps: deps}
}

func (c *PunchInCommand) Execute(ctx context.Context, msg PunchInMessage) error {
	if c == nil {
		return commandDependencyError("command: punch in command is nil")
	}
	return punch(ctx, c.deps, msg.Request, "punch_in", Portal.PunchIn)
}

type PunchOutCommand struct {
	deps Dependencies
}

func NewPunchOutCommand(deps Dependencies) *PunchOutCommand {
	return &PunchOutCommand{deps: deps}
}

func (c *PunchOutCommand) Execute(ctx context.Context, msg PunchOutMessage) error {
	if c == nil {
		return commandDependencyError("command: punch out command is nil")
	}
	return punch(ctx, c.deps, msg.Request, "punch_out", Portal.PunchOut)
}

// punch runs one portal call and reports the outcome where the request came
// from. A portal failure that was reported to the user is not an error.
func punch(ctx context.Context, deps Dependencies, req PunchRequest, operation string, call punchFunc) error {
	if err := deps.ready(); err != nil {
		return err
	}
	logger := deps.logger()

	result, err := func() (string, error) {
		credential, found, err := deps.Credentials.Get(ctx, req.UserID)
		if err != nil {
			return "", err
		}
		if !found {
			return "", commandNotFoundError("command: credential not found", map[string]any{"user_id": req.UserID})
		}
		return call(deps.Portal, ctx, credential)
	}()
	if err != nil {
		logger.Warn("command: punch failed", "operation", operation, "user_id", req.UserID, "error", err)
		text := failureText(err, req.UserID, deps.Portal.PunchingURL())
		if req.ResponseURL != "" {
			return deps.Slack.Respond(ctx, req.ResponseURL, slack.Message{Text: text, ResponseType: slack.ResponseTypeEphemeral})
		}
		return deps.Slack.PostEphemeral(ctx, req.ChannelID, req.UserID, text)
	}

	storeResult(ctx, result)
	text := mention(req.UserID) + "\n" + result
	if req.ResponseURL != "" {
		return deps.Slack.Respond(ctx, req.ResponseURL, slack.Message{Text: text, ResponseType: slack.ResponseTypeInChannel})
	}
	return deps.Slack.PostMessage(ctx, req.ChannelID, text, req.ThreadTS)
}

// ValidateCredentialCommand logs in with a submitted credential and keeps it
// when the portal accepts it. Progress goes to the user by direct message.
type ValidateCredentialCommand struct {
	deps Dependencies
}

func NewValidateCredentialCommand(deps Dependencies) *ValidateCredentialCommand {
	return &ValidateCredentialCommand{deps: deps}
}

func (c *ValidateCredentialCommand) Execute(ctx context.Context, msg ValidateCredentialMessage) error {
	if c == nil {
		return commandDependencyError("command: validate credential command is nil")
	}
	if err := c.deps.ready(); err != nil {
		return err
	}
	notify := c.deps.Slack
	if err := notify.PostDirectMessage(ctx, msg.UserID, "認証を開始します"); err != nil {
		return err
	}

	err := c.deps.Portal.Login(ctx, msg.Credential)
	if err == nil {
		err = c.deps.Credentials.Set(ctx, msg.UserID, msg.Credential)
	}
	if err != nil {
		c.deps.logger().Warn("command: validate credential failed", "user_id", msg.UserID, "error", err)
		return notify.PostDirectMessage(ctx, msg.UserID, failureText(err, msg.UserID, c.deps.Portal.PunchingURL()))
	}
	return notify.PostDirectMessage(ctx, msg.UserID, "認証保存成功")
}

// ResetCredentialCommand forgets the user's credential and, when a view is
// open, replaces it with a confirmation.
type ResetCredentialCommand struct {
	deps Dependencies
}

func NewResetCredentialCommand(deps Dependencies) *ResetCredentialCommand {
	return &ResetCredentialCommand{deps: deps}
}

func (c *ResetCredentialCommand) Execute(ctx context.Context, msg ResetCredentialMessage) error {
	if c == nil {
		return commandDependencyError("command: reset credential command is nil")
	}
	if err := c.deps.ready(); err != nil {
		return err
	}
	if err := c.deps.Credentials.Remove(ctx, msg.UserID); err != nil {
		return err
	}
	if msg.ViewID == "" {
		return nil
	}
	if err := c.deps.Slack.UpdateView(ctx, msg.ViewID, msg.ViewHash, slack.CredentialModal("Credential reset successfull")); err != nil {
		// The credential is gone either way.
		c.deps.logger().Warn("command: update reset view failed", "user_id", msg.UserID, "view_id", msg.ViewID, "error", err)
	}
	return nil
}

func mention(userID string) string {
	return "<@" + userID + ">"
}

// failureText is the message shown when talking to the portal failed.
func failureText(err error, userID, punchingURL string) string {
	manual := fmt.Sprintf("出退勤を手動で行う場合は<%s|こちら>", punchingURL)
	var refused *works.ClientError
	switch {
	case errors.As(err, &refused):
		return fmt.Sprintf("%s\nログインができませんでした。%s\n`%s` で認証をやり直してください\n%s",
			mention(userID), strconv.Quote(refused.Message), configCommand, manual)
	case errors.Is(err, works.ErrNetworkAccess):
		return mention(userID) + "\nWorksに正しくアクセスできませんでした。暫くしてやり直してみてください\n" + manual
	default:
		return strings.Join([]string{mention(userID), "なにか問題が発生しました。", manual}, "\n")
	}
}

func storeResult[T any](ctx context.Context, value T) {
	collector := gocmd.ResultFromContext[T](ctx)
	if collector == nil {
		return
	}
	collector.Store(value)
}
