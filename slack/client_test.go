package slack

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	slackapi "github.com/slack-go/slack"

	"github.com/k2tzumi/hue-kintai-slask-command/ratelimit"
	"github.com/k2tzumi/hue-kintai-slask-command/store/memory"
)

type recordedCall struct {
	Path  string
	Token string
	Body  map[string]any
}

type fakeSlack struct {
	mu      sync.Mutex
	calls   []recordedCall
	replies map[string]string
}

// handler accepts both the form posts and the JSON posts slack-go sends.
func (f *fakeSlack) handler(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	body := map[string]any{}
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		_ = json.Unmarshal(raw, &body)
	} else if values, err := url.ParseQuery(string(raw)); err == nil {
		for key := range values {
			body[key] = values.Get(key)
		}
	}
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" {
		token, _ = body["token"].(string)
	}
	f.mu.Lock()
	f.calls = append(f.calls, recordedCall{Path: r.URL.Path, Token: token, Body: body})
	reply, ok := f.replies[r.URL.Path]
	f.mu.Unlock()
	if !ok {
		reply = `{"ok":true}`
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(reply))
}

func newFakeSlack(t *testing.T, replies map[string]string) (*Client, *fakeSlack) {
	t.Helper()
	fake := &fakeSlack{replies: replies}
	server := httptest.NewServer(http.HandlerFunc(fake.handler))
	t.Cleanup(server.Close)
	client, err := NewClient(StaticToken("xoxb-test"),
		WithHTTPClient(server.Client()),
		WithAPIBaseURL(server.URL+"/api/"),
	)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client, fake
}

func TestClient_PostMessageSendsBearerTokenAndThread(t *testing.T) {
	client, fake := newFakeSlack(t, nil)
	if err := client.PostMessage(context.Background(), "C1", "hello", "123.456"); err != nil {
		t.Fatalf("post message: %v", err)
	}
	if len(fake.calls) != 1 {
		t.Fatalf("expected one call, got %d", len(fake.calls))
	}
	call := fake.calls[0]
	if call.Path != "/api/chat.postMessage" {
		t.Fatalf("unexpected path %q", call.Path)
	}
	if call.Token != "xoxb-test" {
		t.Fatalf("unexpected token %q", call.Token)
	}
	if call.Body["channel"] != "C1" || call.Body["thread_ts"] != "123.456" {
		t.Fatalf("unexpected body %#v", call.Body)
	}
}

func TestClient_NotInChannelIsTyped(t *testing.T) {
	client, _ := newFakeSlack(t, map[string]string{
		"/api/chat.postMessage": `{"ok":false,"error":"not_in_channel"}`,
	})
	err := client.PostMessage(context.Background(), "C1", "hello", "")
	if !errors.Is(err, ErrNotInChannel) {
		t.Fatalf("expected not in channel, got %v", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Method != "chat.postMessage" {
		t.Fatalf("expected api error with method, got %v", err)
	}
}

func TestClient_AddReactionAlreadyReacted(t *testing.T) {
	client, _ := newFakeSlack(t, map[string]string{
		"/api/reactions.add": `{"ok":false,"error":"already_reacted"}`,
	})
	added, err := client.AddReaction(context.Background(), "C1", "1.2", "sunny")
	if err != nil || added {
		t.Fatalf("expected quiet false, got added=%v err=%v", added, err)
	}
}

func TestClient_AddReactionOtherErrorFails(t *testing.T) {
	client, _ := newFakeSlack(t, map[string]string{
		"/api/reactions.add": `{"ok":false,"error":"invalid_name"}`,
	})
	if _, err := client.AddReaction(context.Background(), "C1", "1.2", "nope"); !errors.Is(err, ErrAPI) {
		t.Fatalf("expected api error, got %v", err)
	}
}

func TestClient_PostDirectMessageOpensConversation(t *testing.T) {
	client, fake := newFakeSlack(t, map[string]string{
		"/api/conversations.open": `{"ok":true,"channel":{"id":"D42"}}`,
	})
	if err := client.PostDirectMessage(context.Background(), "U1", "認証を開始します"); err != nil {
		t.Fatalf("post direct message: %v", err)
	}
	if len(fake.calls) != 2 {
		t.Fatalf("expected two calls, got %d", len(fake.calls))
	}
	if fake.calls[0].Body["users"] != "U1" {
		t.Fatalf("unexpected conversations.open body %#v", fake.calls[0].Body)
	}
	if fake.calls[1].Body["channel"] != "D42" {
		t.Fatalf("expected post to D42, got %#v", fake.calls[1].Body)
	}
}

func TestClient_UpdateViewSendsHash(t *testing.T) {
	client, fake := newFakeSlack(t, nil)
	if err := client.UpdateView(context.Background(), "V1", "h1", CredentialModal("done")); err != nil {
		t.Fatalf("update view: %v", err)
	}
	body := fake.calls[0].Body
	if body["view_id"] != "V1" || body["hash"] != "h1" {
		t.Fatalf("unexpected body %#v", body)
	}
}

func TestClient_Respond(t *testing.T) {
	var got Message
	status := http.StatusOK
	reply := "ok"
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(reply))
	}))
	defer server.Close()
	client, err := NewClient(StaticToken("xoxb-test"), WithHTTPClient(server.Client()))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	if err := client.Respond(context.Background(), server.URL+"/hook", Message{Text: "hi"}); err != nil {
		t.Fatalf("respond: %v", err)
	}
	if got.ResponseType != ResponseTypeEphemeral {
		t.Fatalf("expected ephemeral default, got %q", got.ResponseType)
	}

	reply = `{"ok":true}`
	if err := client.Respond(context.Background(), server.URL+"/hook", Message{Text: "hi", ResponseType: ResponseTypeInChannel}); err != nil {
		t.Fatalf("respond json ok: %v", err)
	}

	status, reply = http.StatusNotFound, "no_service"
	err = client.Respond(context.Background(), server.URL+"/hook", Message{Text: "hi"})
	var hookErr *WebhookError
	if !errors.As(err, &hookErr) || hookErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected webhook error, got %v", err)
	}
}

func TestConfigureView(t *testing.T) {
	fresh := ConfigureView("")
	if fresh.CallbackID != CredentialCallbackID || fresh.Submit.Text != "Save" || len(fresh.Blocks.BlockSet) != 2 {
		t.Fatalf("unexpected fresh view %+v", fresh)
	}

	known := ConfigureView("100010")
	if known.Submit.Text != "Update" || len(known.Blocks.BlockSet) != 3 {
		t.Fatalf("unexpected known view %+v", known)
	}
	reset, ok := known.Blocks.BlockSet[0].(*slackapi.SectionBlock)
	if !ok || reset.BlockID != ResetBlock {
		t.Fatalf("expected reset block first, got %#v", known.Blocks.BlockSet[0])
	}
	raw, err := json.Marshal(known)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, want := range []string{`"initial_value":"100010"`, `"action_id":"reset"`, `"style":"danger"`, `"max_length":20`} {
		if !strings.Contains(string(raw), want) {
			t.Fatalf("expected %s in %s", want, raw)
		}
	}
}

func TestSubmissionResponses(t *testing.T) {
	raw, _ := json.Marshal(UpdateResponse(CredentialModal("wait")))
	if !strings.Contains(string(raw), `"response_action":"update"`) || !strings.Contains(string(raw), "wait") {
		t.Fatalf("unexpected update response %s", raw)
	}
	raw, _ = json.Marshal(ErrorsResponse(map[string]string{UserIDBlock: "required"}))
	if !strings.Contains(string(raw), `"response_action":"errors"`) || !strings.Contains(string(raw), `"userID":"required"`) {
		t.Fatalf("unexpected errors response %s", raw)
	}
}

func TestClient_TokenSourceFailureSkipsCall(t *testing.T) {
	client, fake := newFakeSlack(t, nil)
	client.tokens = StaticToken(" ")
	if err := client.PostMessage(context.Background(), "C1", "hello", ""); err == nil {
		t.Fatalf("expected missing token error")
	}
	if len(fake.calls) != 0 {
		t.Fatalf("expected no request without a token, got %d", len(fake.calls))
	}
}

func TestClient_RateLimitedMethodIsHeldBack(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	t.Cleanup(server.Close)

	policy, err := ratelimit.NewAdaptivePolicy(memory.NewStore(time.Hour))
	if err != nil {
		t.Fatalf("new policy: %v", err)
	}
	client, err := NewClient(StaticToken("xoxb-test"),
		WithHTTPClient(server.Client()), WithAPIBaseURL(server.URL), WithRateLimit(policy))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	err = client.PostMessage(context.Background(), "C1", "hello", "")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "ratelimited" {
		t.Fatalf("expected ratelimited api error, got %v", err)
	}
	err = client.PostMessage(context.Background(), "C1", "hello", "")
	if !ratelimit.IsThrottled(err) {
		t.Fatalf("expected throttled error, got %v", err)
	}
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Fatalf("expected one request to reach slack, got %d", got)
	}
}
