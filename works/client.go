// Package works talks to the HUE Works punch proxy.
package works

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	glog "github.com/goliatone/go-logger/glog"

	"github.com/k2tzumi/hue-kintai-slask-command/core"
	"github.com/k2tzumi/hue-kintai-slask-command/transport"
)

var (
	// ErrWorks is the identity of a request the portal answered and refused.
	ErrWorks = errors.New("works: request refused")
	// ErrNetworkAccess is the identity of a portal that could not be reached
	// or answered with an unexpected status.
	ErrNetworkAccess = errors.New("works: network access failed")
)

// ClientError carries the portal's own message.
type ClientError struct {
	Operation string
	Message   string
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("works: %s refused: %s", e.Operation, e.Message)
}

func (e *ClientError) Unwrap() error { return ErrWorks }

type NetworkAccessError struct {
	Operation  string
	StatusCode int
	Cause      error
}

func (e *NetworkAccessError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("works: %s unreachable: %v", e.Operation, e.Cause)
	}
	return fmt.Sprintf("works: %s unexpected status %d", e.Operation, e.StatusCode)
}

func (e *NetworkAccessError) Unwrap() error {
	if e.Cause != nil {
		return errors.Join(ErrNetworkAccess, e.Cause)
	}
	return ErrNetworkAccess
}

type Client struct {
	rest     *transport.RESTAdapter
	proxyURL string
	domain   string
	logger   core.Logger
}

type Option func(*Client)

func WithLogger(logger core.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// NewClient builds a client for the proxy at proxyHost. proxyHost may be a
// bare host or a full base URL.
func NewClient(rest *transport.RESTAdapter, proxyHost, domain string, opts ...Option) (*Client, error) {
	if rest == nil {
		return nil, fmt.Errorf("works: rest adapter is required")
	}
	proxyHost = strings.TrimRight(strings.TrimSpace(proxyHost), "/")
	if proxyHost == "" {
		return nil, fmt.Errorf("works: proxy host is required")
	}
	if !strings.Contains(proxyHost, "://") {
		proxyHost = "https://" + proxyHost
	}
	client := &Client{rest: rest, proxyURL: proxyHost, domain: strings.TrimSpace(domain)}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	client.logger = glog.Ensure(client.logger)
	return client, nil
}

// PunchingURL is the portal page for punching by hand.
func (c *Client) PunchingURL() string {
	return fmt.Sprintf("https://%s/self-workflow/cws/srwtimerec?@DIRECT=true", c.domain)
}

// Login checks credential against the portal.
func (c *Client) Login(ctx context.Context, credential core.PortalCredential) error {
	_, err := c.post(ctx, "login", credential)
	return err
}

// PunchIn records the start of the work day and returns the portal's result
// text.
func (c *Client) PunchIn(ctx context.Context, credential core.PortalCredential) (string, error) {
	return c.post(ctx, "punchin", credential)
}

func (c *Client) PunchOut(ctx context.Context, credential core.PortalCredential) (string, error) {
	return c.post(ctx, "punchout", credential)
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type reply struct {
	Result string `json:"result"`
	Error  string `json:"error"`
}

func (c *Client) post(ctx context.Context, operation string, credential core.PortalCredential) (string, error) {
	if c == nil {
		return "", fmt.Errorf("works: client is nil")
	}
	endpoint := c.proxyURL + "/.netlify/functions/" + operation
	res, err := c.rest.PostJSON(ctx, endpoint, nil, loginRequest{
		Username: credential.UserID,
		Password: credential.Password,
	})
	if err != nil {
		return "", &NetworkAccessError{Operation: operation, Cause: err}
	}

	switch res.StatusCode {
	case http.StatusOK:
		var body reply
		if len(strings.TrimSpace(string(res.Body))) > 0 {
			if err := json.Unmarshal(res.Body, &body); err != nil {
				return "", &NetworkAccessError{Operation: operation, StatusCode: res.StatusCode, Cause: err}
			}
		}
		return body.Result, nil
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusInternalServerError:
		var body reply
		_ = json.Unmarshal(res.Body, &body)
		message := firstNonEmpty(body.Error, body.Result, http.StatusText(res.StatusCode))
		return "", &ClientError{Operation: operation, Message: message}
	default:
		c.logger.Warn("works: unexpected status",
			"operation", operation,
			"status_code", res.StatusCode,
			"endpoint", endpoint,
		)
		return "", &NetworkAccessError{Operation: operation, StatusCode: res.StatusCode}
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
