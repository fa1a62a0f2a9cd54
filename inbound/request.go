package inbound

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
)

const maxRequestBodyBytes int64 = 1 << 20

// Request is a raw webhook delivery. Form carries url-encoded parameters and
// Body the unparsed request body.
type Request struct {
	Headers map[string]string
	Form    url.Values
	Body    []byte
}

// NewRequest builds a Request, parsing body as a form when the content type
// says so.
func NewRequest(contentType string, body []byte, headers map[string]string) (Request, error) {
	req := Request{Headers: headers, Body: body, Form: url.Values{}}
	mediaType, _, _ := mime.ParseMediaType(strings.TrimSpace(contentType))
	if mediaType == "application/x-www-form-urlencoded" && len(bytes.TrimSpace(body)) > 0 {
		form, err := url.ParseQuery(string(body))
		if err != nil {
			return Request{}, inboundBadInput("inbound: invalid form body", map[string]any{"error": err.Error()})
		}
		req.Form = form
	}
	return req, nil
}

// FromHTTP reads an *http.Request into a Request.
func FromHTTP(r *http.Request) (Request, error) {
	if r == nil {
		return Request{}, inboundBadInput("inbound: http request is required", nil)
	}
	var body []byte
	if r.Body != nil {
		data, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodyBytes+1))
		if err != nil {
			return Request{}, inboundBadInput("inbound: read request body", map[string]any{"error": err.Error()})
		}
		if int64(len(data)) > maxRequestBodyBytes {
			return Request{}, inboundBadInput(
				fmt.Sprintf("inbound: request body exceeds %d bytes", maxRequestBodyBytes),
				nil,
			)
		}
		body = data
	}
	headers := make(map[string]string, len(r.Header))
	for key, values := range r.Header {
		headers[key] = strings.Join(values, ",")
	}
	req, err := NewRequest(r.Header.Get("Content-Type"), body, headers)
	if err != nil {
		return Request{}, err
	}
	for key, values := range r.URL.Query() {
		if _, exists := req.Form[key]; !exists {
			req.Form[key] = values
		}
	}
	return req, nil
}

func (r Request) param(key string) string {
	if r.Form == nil {
		return ""
	}
	return strings.TrimSpace(r.Form.Get(key))
}

// SlashCommand is the form body Slack posts for a slash command.
type SlashCommand struct {
	Token        string
	TeamID       string
	TeamDomain   string
	EnterpriseID string
	ChannelID    string
	ChannelName  string
	UserID       string
	UserName     string
	Command      string
	Text         string
	ResponseURL  string
	TriggerID    string
	APIAppID     string
}

func slashCommandFromForm(form url.Values) SlashCommand {
	get := func(key string) string { return strings.TrimSpace(form.Get(key)) }
	return SlashCommand{
		Token:        get("token"),
		TeamID:       get("team_id"),
		TeamDomain:   get("team_domain"),
		EnterpriseID: get("enterprise_id"),
		ChannelID:    get("channel_id"),
		ChannelName:  get("channel_name"),
		UserID:       get("user_id"),
		UserName:     get("user_name"),
		Command:      get("command"),
		Text:         form.Get("text"),
		ResponseURL:  get("response_url"),
		TriggerID:    get("trigger_id"),
		APIAppID:     get("api_app_id"),
	}
}

type User struct {
	ID       string `json:"id"`
	Username string `json:"username,omitempty"`
	Name     string `json:"name,omitempty"`
	TeamID   string `json:"team_id,omitempty"`
}

type Team struct {
	ID     string `json:"id"`
	Domain string `json:"domain,omitempty"`
}

type Channel struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type Action struct {
	ActionID string `json:"action_id"`
	BlockID  string `json:"block_id,omitempty"`
	Type     string `json:"type"`
	Value    string `json:"value,omitempty"`
	ActionTS string `json:"action_ts,omitempty"`
}

// ViewStateValue is one input element of a submitted view.
type ViewStateValue struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type ViewState struct {
	Values map[string]map[string]ViewStateValue `json:"values"`
}

type View struct {
	ID              string    `json:"id"`
	Type            string    `json:"type,omitempty"`
	CallbackID      string    `json:"callback_id,omitempty"`
	Hash            string    `json:"hash,omitempty"`
	PrivateMetadata string    `json:"private_metadata,omitempty"`
	State           ViewState `json:"state"`
}

// Value returns the submitted value of actionID inside blockID.
func (v *View) Value(blockID string, actionID string) string {
	if v == nil || v.State.Values == nil {
		return ""
	}
	return strings.TrimSpace(v.State.Values[blockID][actionID].Value)
}

// Interaction is the JSON carried in the payload form field.
type Interaction struct {
	Type        string          `json:"type"`
	Token       string          `json:"token"`
	TriggerID   string          `json:"trigger_id,omitempty"`
	ResponseURL string          `json:"response_url,omitempty"`
	CallbackID  string          `json:"callback_id,omitempty"`
	Hash        string          `json:"hash,omitempty"`
	User        User            `json:"user"`
	Team        Team            `json:"team"`
	Channel     *Channel        `json:"channel,omitempty"`
	Actions     []Action        `json:"actions,omitempty"`
	View        *View           `json:"view,omitempty"`
	Message     json.RawMessage `json:"message,omitempty"`
	Raw         json.RawMessage `json:"-"`
}

// ViewHash prefers the top level hash and falls back to the view's hash.
func (i Interaction) ViewHash() string {
	if hash := strings.TrimSpace(i.Hash); hash != "" {
		return hash
	}
	if i.View != nil {
		return strings.TrimSpace(i.View.Hash)
	}
	return ""
}

// Event is the inner event of an event_callback envelope.
type Event struct {
	Type     string `json:"type"`
	User     string `json:"user,omitempty"`
	Text     string `json:"text,omitempty"`
	Channel  string `json:"channel,omitempty"`
	TS       string `json:"ts,omitempty"`
	EventTS  string `json:"event_ts,omitempty"`
	ThreadTS string `json:"thread_ts,omitempty"`
}

// CallbackEvent is an Events API envelope.
type CallbackEvent struct {
	Token       string          `json:"token"`
	TeamID      string          `json:"team_id,omitempty"`
	APIAppID    string          `json:"api_app_id,omitempty"`
	Type        string          `json:"type"`
	Challenge   string          `json:"challenge,omitempty"`
	EventID     string          `json:"event_id,omitempty"`
	EventTime   json.Number     `json:"event_time,omitempty"`
	AuthedUsers []string        `json:"authed_users,omitempty"`
	Event       Event           `json:"-"`
	RawEvent    json.RawMessage `json:"event,omitempty"`
}
