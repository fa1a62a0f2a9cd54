// Package slack calls the Slack Web API and response_url webhooks on behalf
// of the bot, through slack-go.
package slack

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	glog "github.com/goliatone/go-logger/glog"
	slackapi "github.com/slack-go/slack"

	"github.com/k2tzumi/hue-kintai-slask-command/core"
)

const DefaultAPIBaseURL = slackapi.APIURL

const (
	ResponseTypeInChannel = "in_channel"
	ResponseTypeEphemeral = "ephemeral"
)

const codeRateLimited = "ratelimited"

var (
	// ErrAPI is the identity of every ok=false Web API reply.
	ErrAPI = errors.New("slack: api call failed")
	// ErrNotInChannel is returned when the bot cannot post to a channel.
	ErrNotInChannel = errors.New("slack: bot is not in channel")
	// ErrWebhook is the identity of a rejected response_url post.
	ErrWebhook = errors.New("slack: webhook post failed")
)

// APIError carries the Web API method and Slack's error code.
type APIError struct {
	Method string
	Code   string
}

func (e *APIError) Error() string {
	if e == nil {
		return ErrAPI.Error()
	}
	return fmt.Sprintf("slack: %s failed: %s", e.Method, e.Code)
}

func (e *APIError) Unwrap() error {
	if e != nil && e.Code == "not_in_channel" {
		return ErrNotInChannel
	}
	return ErrAPI
}

// WebhookError is a response_url post that Slack did not accept.
type WebhookError struct {
	StatusCode int
	Status     string
}

func (e *WebhookError) Error() string {
	if e == nil {
		return ErrWebhook.Error()
	}
	return fmt.Sprintf("slack: webhook post failed: status=%d %s", e.StatusCode, e.Status)
}

func (e *WebhookError) Unwrap() error { return ErrWebhook }

// Message is a response_url payload.
type Message struct {
	Text         string `json:"text"`
	ResponseType string `json:"response_type,omitempty"`
	ThreadTS     string `json:"thread_ts,omitempty"`
}

// RateLimiter gates Web API calls per method.
type RateLimiter interface {
	BeforeCall(ctx context.Context, method string) error
	AfterCall(ctx context.Context, method string, statusCode int, headers map[string]string) error
}

// TokenSource resolves the bot token for each call, so a token installed
// through OAuth is picked up without a restart.
type TokenSource interface {
	BotToken(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource for a configured bot token.
type StaticToken string

func (t StaticToken) BotToken(context.Context) (string, error) {
	token := strings.TrimSpace(string(t))
	if token == "" {
		return "", fmt.Errorf("slack: bot token is required")
	}
	return token, nil
}

type Client struct {
	tokens     TokenSource
	httpClient *http.Client
	apiURL     string
	limiter    RateLimiter
	logger     core.Logger
}

type Option func(*Client)

// WithAPIBaseURL points Web API calls somewhere other than slack.com.
func WithAPIBaseURL(baseURL string) Option {
	return func(c *Client) {
		if trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/"); trimmed != "" {
			c.apiURL = trimmed + "/"
		}
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

func WithLogger(logger core.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

func WithRateLimit(limiter RateLimiter) Option {
	return func(c *Client) { c.limiter = limiter }
}

func NewClient(tokens TokenSource, opts ...Option) (*Client, error) {
	if tokens == nil {
		return nil, fmt.Errorf("slack: token source is required")
	}
	client := &Client{tokens: tokens, httpClient: http.DefaultClient, apiURL: DefaultAPIBaseURL}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	client.logger = glog.Ensure(client.logger)
	return client, nil
}

// PostMessage posts text to a channel, threaded under threadTS when set.
func (c *Client) PostMessage(ctx context.Context, channel, text, threadTS string) error {
	options := []slackapi.MsgOption{slackapi.MsgOptionText(text, false)}
	if threadTS != "" {
		options = append(options, slackapi.MsgOptionTS(threadTS))
	}
	return c.call(ctx, "chat.postMessage", func(api *slackapi.Client) error {
		_, _, err := api.PostMessageContext(ctx, channel, options...)
		return err
	})
}

func (c *Client) PostEphemeral(ctx context.Context, channel, user, text string) error {
	return c.call(ctx, "chat.postEphemeral", func(api *slackapi.Client) error {
		_, err := api.PostEphemeralContext(ctx, channel, user, slackapi.MsgOptionText(text, false))
		return err
	})
}

// AddReaction reports false when the reaction was already on the message.
func (c *Client) AddReaction(ctx context.Context, channel, timestamp, name string) (bool, error) {
	err := c.call(ctx, "reactions.add", func(api *slackapi.Client) error {
		return api.AddReactionContext(ctx, name, slackapi.NewRefToMessage(channel, timestamp))
	})
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Code == "already_reacted" {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (c *Client) OpenView(ctx context.Context, triggerID string, view View) error {
	return c.call(ctx, "views.open", func(api *slackapi.Client) error {
		_, err := api.OpenViewContext(ctx, triggerID, view)
		return err
	})
}

// UpdateView replaces an open view. hash guards against racing updates and
// may be empty.
func (c *Client) UpdateView(ctx context.Context, viewID, hash string, view View) error {
	return c.call(ctx, "views.update", func(api *slackapi.Client) error {
		_, err := api.UpdateViewContext(ctx, view, "", hash, viewID)
		return err
	})
}

// OpenConversation returns the direct message channel with users.
func (c *Client) OpenConversation(ctx context.Context, users ...string) (string, error) {
	var channelID string
	err := c.call(ctx, "conversations.open", func(api *slackapi.Client) error {
		channel, _, _, err := api.OpenConversationContext(ctx, &slackapi.OpenConversationParameters{Users: users})
		if err == nil && channel != nil {
			channelID = channel.ID
		}
		return err
	})
	return channelID, err
}

func (c *Client) PostDirectMessage(ctx context.Context, user, text string) error {
	channel, err := c.OpenConversation(ctx, user)
	if err != nil {
		return err
	}
	return c.PostMessage(ctx, channel, text, "")
}

// Respond posts msg to a slash command or interaction response_url.
func (c *Client) Respond(ctx context.Context, responseURL string, msg Message) error {
	if c == nil {
		return fmt.Errorf("slack: client is nil")
	}
	if msg.ResponseType == "" {
		msg.ResponseType = ResponseTypeEphemeral
	}
	err := slackapi.PostWebhookCustomHTTPContext(ctx, responseURL, c.httpClient, &slackapi.WebhookMessage{
		Text:            msg.Text,
		ResponseType:    msg.ResponseType,
		ThreadTimestamp: msg.ThreadTS,
	})
	if err == nil {
		return nil
	}
	var status slackapi.StatusCodeError
	if errors.As(err, &status) {
		return &WebhookError{StatusCode: status.Code, Status: status.Status}
	}
	var limited *slackapi.RateLimitedError
	if errors.As(err, &limited) {
		return &WebhookError{StatusCode: http.StatusTooManyRequests, Status: limited.Error()}
	}
	return fmt.Errorf("slack: webhook post: %w", err)
}

// call runs fn against a slack-go client bound to the current bot token,
// inside the rate limiter's window for method.
func (c *Client) call(ctx context.Context, method string, fn func(api *slackapi.Client) error) error {
	if c == nil {
		return fmt.Errorf("slack: client is nil")
	}
	if c.limiter != nil {
		if err := c.limiter.BeforeCall(ctx, method); err != nil {
			return err
		}
	}
	token, err := c.tokens.BotToken(ctx)
	if err != nil {
		return err
	}
	api := slackapi.New(token,
		slackapi.OptionHTTPClient(c.httpClient),
		slackapi.OptionAPIURL(c.apiURL),
	)
	err = fn(api)

	statusCode, headers := http.StatusOK, map[string]string(nil)
	var limited *slackapi.RateLimitedError
	if errors.As(err, &limited) {
		statusCode = http.StatusTooManyRequests
		if seconds := int(limited.RetryAfter.Seconds()); seconds > 0 {
			headers = map[string]string{"Retry-After": strconv.Itoa(seconds)}
		}
	}
	if c.limiter != nil {
		if limitErr := c.limiter.AfterCall(ctx, method, statusCode, headers); limitErr != nil {
			c.logger.Warn("slack: record rate limit state failed", "method", method, "error", limitErr)
		}
	}
	return c.mapError(method, err)
}

func (c *Client) mapError(method string, err error) error {
	if err == nil {
		return nil
	}
	var limited *slackapi.RateLimitedError
	if errors.As(err, &limited) {
		c.logger.Warn("slack: api call rate limited", "method", method, "retry_after", limited.RetryAfter.String())
		return &APIError{Method: method, Code: codeRateLimited}
	}
	var rejected slackapi.SlackErrorResponse
	if errors.As(err, &rejected) {
		c.logger.Warn("slack: api call rejected", "method", method, "error", rejected.Err)
		return &APIError{Method: method, Code: rejected.Err}
	}
	if code := err.Error(); isErrorCode(code) {
		// Some slack-go calls surface the bare error code.
		return &APIError{Method: method, Code: code}
	}
	return fmt.Errorf("slack: %s: %w", method, err)
}

func isErrorCode(value string) bool {
	if value == "" {
		return false
	}
	for _, r := range value {
		if (r < 'a' || r > 'z') && r != '_' {
			return false
		}
	}
	return true
}
