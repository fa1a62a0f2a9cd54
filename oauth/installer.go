// Package oauth installs the bot into a workspace with Slack's OAuth v2 flow
// and keeps the sealed bot token in the record store. An Installer is the
// slack.TokenSource the Web API client reads its token from.
package oauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
	slackapi "github.com/slack-go/slack"

	"github.com/k2tzumi/hue-kintai-slask-command/core"
)

const (
	AuthorizeURL = "https://slack.com/oauth/v2/authorize"
	DefaultScope = "commands,chat:write,reactions:write,im:write"

	InstallationKey = "SlackInstallation#bot"
	StateKeyPrefix  = "OAuthState#"

	DefaultStateTTL = 15 * time.Minute
	// InstallationTTL keeps the installation effectively permanent on TTL'd
	// backends.
	InstallationTTL = 10 * 365 * 24 * time.Hour

	tokenSubject  = "slack-bot-token"
	tokenCacheTTL = time.Minute
)

var (
	ErrNotInstalled = errors.New("oauth: bot is not installed")
	ErrInvalidState = errors.New("oauth: unknown or expired state")
)

// Sealer encrypts the bot token at rest.
type Sealer interface {
	Seal(ctx context.Context, subject string, plaintext []byte) ([]byte, error)
	Open(ctx context.Context, subject string, ciphertext []byte) ([]byte, error)
}

// Installation is the persisted outcome of oauth.v2.access.
type Installation struct {
	AppID       string `json:"app_id"`
	TeamID      string `json:"team_id,omitempty"`
	TeamName    string `json:"team_name,omitempty"`
	BotUserID   string `json:"bot_user_id,omitempty"`
	Channel     string `json:"channel,omitempty"`
	Scope       string `json:"scope,omitempty"`
	SealedToken []byte `json:"sealed_token"`
	InstalledAt int64  `json:"installed_at"`
}

func (i Installation) EventSubscriptionsURL() string {
	return "https://api.slack.com/apps/" + url.PathEscape(i.AppID) + "/event-subscriptions?"
}

func (i Installation) SlashCommandsURL() string {
	return "https://api.slack.com/apps/" + url.PathEscape(i.AppID) + "/slash-commands?"
}

type Installer struct {
	store        core.RecordStore
	sealer       Sealer
	clientID     string
	clientSecret string
	redirectURL  string
	scope        string
	authorizeURL string
	fallback     string
	stateTTL     time.Duration
	httpClient   *http.Client
	clock        core.Clock
	logger       core.Logger

	mu          sync.Mutex
	cached      string
	cachedUntil time.Time
}

type Option func(*Installer)

// WithRedirectURL sets the redirect_uri sent on authorize and exchange.
func WithRedirectURL(redirectURL string) Option {
	return func(i *Installer) { i.redirectURL = strings.TrimSpace(redirectURL) }
}

func WithScope(scope string) Option {
	return func(i *Installer) {
		if trimmed := strings.TrimSpace(scope); trimmed != "" {
			i.scope = trimmed
		}
	}
}

func WithAuthorizeURL(authorizeURL string) Option {
	return func(i *Installer) {
		if trimmed := strings.TrimSpace(authorizeURL); trimmed != "" {
			i.authorizeURL = trimmed
		}
	}
}

// WithFallbackToken serves a configured bot token while nothing is installed.
func WithFallbackToken(token string) Option {
	return func(i *Installer) { i.fallback = strings.TrimSpace(token) }
}

func WithStateTTL(ttl time.Duration) Option {
	return func(i *Installer) {
		if ttl > 0 {
			i.stateTTL = ttl
		}
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(i *Installer) {
		if httpClient != nil {
			i.httpClient = httpClient
		}
	}
}

func WithClock(clock core.Clock) Option {
	return func(i *Installer) { i.clock = clock }
}

func WithLogger(logger core.Logger) Option {
	return func(i *Installer) { i.logger = logger }
}

func NewInstaller(store core.RecordStore, sealer Sealer, clientID, clientSecret string, opts ...Option) (*Installer, error) {
	if store == nil {
		return nil, fmt.Errorf("oauth: record store is required")
	}
	if sealer == nil {
		return nil, fmt.Errorf("oauth: sealer is required")
	}
	installer := &Installer{
		store:        store,
		sealer:       sealer,
		clientID:     strings.TrimSpace(clientID),
		clientSecret: strings.TrimSpace(clientSecret),
		scope:        DefaultScope,
		authorizeURL: AuthorizeURL,
		stateTTL:     DefaultStateTTL,
		httpClient:   http.DefaultClient,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(installer)
		}
	}
	installer.clock = core.ResolveClock(installer.clock)
	installer.logger = glog.Ensure(installer.logger)
	return installer, nil
}

// Enabled reports whether the OAuth app credentials are configured.
func (i *Installer) Enabled() bool {
	return i != nil && i.clientID != "" && i.clientSecret != ""
}

// BeginInstall stores a fresh state and returns the authorize URL to send
// the installing user to.
func (i *Installer) BeginInstall(ctx context.Context) (string, error) {
	if !i.Enabled() {
		return "", notConfiguredError()
	}
	state, err := newState()
	if err != nil {
		return "", err
	}
	if err := i.store.Put(ctx, StateKeyPrefix+state, []byte("1"), i.stateTTL); err != nil {
		return "", fmt.Errorf("oauth: persist state: %w", err)
	}

	values := url.Values{}
	values.Set("client_id", i.clientID)
	values.Set("scope", i.scope)
	values.Set("state", state)
	if i.redirectURL != "" {
		values.Set("redirect_uri", i.redirectURL)
	}
	authURL := i.authorizeURL
	if strings.Contains(authURL, "?") {
		return authURL + "&" + values.Encode(), nil
	}
	return authURL + "?" + values.Encode(), nil
}

// CompleteInstall consumes state, trades code for a bot token and persists
// the installation.
func (i *Installer) CompleteInstall(ctx context.Context, code, state string) (Installation, error) {
	if !i.Enabled() {
		return Installation{}, notConfiguredError()
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return Installation{}, core.NewError("oauth: authorization code is required", goerrors.CategoryBadInput, core.ErrorBadInput, nil)
	}
	if err := i.consumeState(ctx, state); err != nil {
		return Installation{}, err
	}

	response, err := slackapi.GetOAuthV2ResponseContext(ctx, i.httpClient, i.clientID, i.clientSecret, code, i.redirectURL)
	if err != nil {
		i.logger.Warn("oauth: token exchange failed", "error", err)
		return Installation{}, core.WrapError(err, goerrors.CategoryExternal, core.ErrorExternalFailed, "oauth: oauth.v2.access failed", nil)
	}
	token := strings.TrimSpace(response.AccessToken)
	if token == "" {
		return Installation{}, core.NewError("oauth: oauth.v2.access returned no bot token", goerrors.CategoryExternal, core.ErrorExternalFailed, nil)
	}
	sealed, err := i.sealer.Seal(ctx, tokenSubject, []byte(token))
	if err != nil {
		return Installation{}, fmt.Errorf("oauth: seal bot token: %w", err)
	}

	installation := Installation{
		AppID:       response.AppID,
		TeamID:      response.Team.ID,
		TeamName:    response.Team.Name,
		BotUserID:   response.BotUserID,
		Channel:     response.IncomingWebhook.Channel,
		Scope:       response.Scope,
		SealedToken: sealed,
		InstalledAt: core.UnixMillis(i.clock.Now()),
	}
	raw, err := json.Marshal(installation)
	if err != nil {
		return Installation{}, fmt.Errorf("oauth: encode installation: %w", err)
	}
	if err := i.store.Put(ctx, InstallationKey, raw, InstallationTTL); err != nil {
		return Installation{}, fmt.Errorf("oauth: persist installation: %w", err)
	}
	i.remember(token)
	i.logger.Info("oauth: bot installed", "app_id", installation.AppID, "team_id", installation.TeamID)
	return installation, nil
}

// Installation returns the stored installation.
func (i *Installer) Installation(ctx context.Context) (Installation, bool, error) {
	raw, found, err := i.store.Get(ctx, InstallationKey)
	if err != nil || !found {
		return Installation{}, false, err
	}
	var installation Installation
	if err := json.Unmarshal(raw, &installation); err != nil {
		i.logger.Warn("oauth: drop unreadable installation", "error", err)
		_ = i.store.Remove(ctx, InstallationKey)
		return Installation{}, false, nil
	}
	return installation, true, nil
}

// Installed reports whether a bot token was installed through OAuth.
func (i *Installer) Installed(ctx context.Context) (bool, error) {
	_, found, err := i.Installation(ctx)
	return found, err
}

// Logout forgets the installed bot token.
func (i *Installer) Logout(ctx context.Context) error {
	i.remember("")
	if err := i.store.Remove(ctx, InstallationKey); err != nil {
		return fmt.Errorf("oauth: remove installation: %w", err)
	}
	i.logger.Info("oauth: bot installation removed")
	return nil
}

// BotToken returns the installed token, or the fallback token while
// nothing is installed.
func (i *Installer) BotToken(ctx context.Context) (string, error) {
	if token, ok := i.cachedToken(); ok {
		return token, nil
	}
	installation, found, err := i.Installation(ctx)
	if err != nil {
		return "", err
	}
	if !found {
		if i.fallback != "" {
			return i.fallback, nil
		}
		return "", core.WrapError(ErrNotInstalled, goerrors.CategoryAuth, core.ErrorNotInstalled, "oauth: bot is not installed", nil)
	}
	plaintext, err := i.sealer.Open(ctx, tokenSubject, installation.SealedToken)
	if err != nil {
		return "", fmt.Errorf("oauth: open bot token: %w", err)
	}
	token := string(plaintext)
	i.remember(token)
	return token, nil
}

func (i *Installer) consumeState(ctx context.Context, state string) error {
	state = strings.TrimSpace(state)
	if state == "" {
		return invalidStateError()
	}
	key := StateKeyPrefix + state
	_, found, err := i.store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("oauth: read state: %w", err)
	}
	if !found {
		return invalidStateError()
	}
	if err := i.store.Remove(ctx, key); err != nil {
		return fmt.Errorf("oauth: consume state: %w", err)
	}
	return nil
}

func (i *Installer) cachedToken() (string, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.cached == "" || !i.clock.Now().Before(i.cachedUntil) {
		return "", false
	}
	return i.cached, true
}

func (i *Installer) remember(token string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.cached = token
	i.cachedUntil = i.clock.Now().Add(tokenCacheTTL)
}

// IsNotInstalled reports whether err means no bot token is available.
func IsNotInstalled(err error) bool {
	return core.HasTextCode(err, core.ErrorNotInstalled, ErrNotInstalled)
}

// IsInvalidState reports whether err is a replayed or unknown state.
func IsInvalidState(err error) bool {
	return core.HasTextCode(err, core.ErrorInvalidOAuthState, ErrInvalidState)
}

func invalidStateError() error {
	return core.WrapError(ErrInvalidState, goerrors.CategoryAuth, core.ErrorInvalidOAuthState, "oauth: unknown or expired state", nil)
}

func notConfiguredError() error {
	return core.NewError("oauth: slack client id and secret are not configured", goerrors.CategoryBadInput, core.ErrorBadInput, nil)
}

func newState() (string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("oauth: generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
