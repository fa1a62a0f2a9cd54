package works

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/k2tzumi/hue-kintai-slask-command/core"
	"github.com/k2tzumi/hue-kintai-slask-command/transport"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := NewClient(transport.NewRESTAdapter(server.Client()), server.URL, "works.example.com")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

var credential = core.PortalCredential{UserID: "100010", Password: "pw"}

func TestClient_PunchInPostsCredential(t *testing.T) {
	var gotPath string
	var gotBody loginRequest
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = w.Write([]byte(`{"result":"出勤しました"}`))
	})

	result, err := client.PunchIn(context.Background(), credential)
	if err != nil {
		t.Fatalf("punch in: %v", err)
	}
	if result != "出勤しました" {
		t.Fatalf("unexpected result %q", result)
	}
	if gotPath != "/.netlify/functions/punchin" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if gotBody.Username != "100010" || gotBody.Password != "pw" {
		t.Fatalf("unexpected body %+v", gotBody)
	}
}

func TestClient_RefusalIsClientError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"invalid password"}`))
	})

	_, err := client.PunchOut(context.Background(), credential)
	if !errors.Is(err, ErrWorks) {
		t.Fatalf("expected works error, got %v", err)
	}
	var clientErr *ClientError
	if !errors.As(err, &clientErr) || clientErr.Message != "invalid password" {
		t.Fatalf("expected portal message, got %v", err)
	}

	if err := client.Login(context.Background(), credential); !errors.Is(err, ErrWorks) {
		t.Fatalf("expected login refusal, got %v", err)
	}
}

func TestClient_UnexpectedStatusIsNetworkAccessError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	_, err := client.PunchIn(context.Background(), credential)
	var netErr *NetworkAccessError
	if !errors.As(err, &netErr) || netErr.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected network access error, got %v", err)
	}
	if !errors.Is(err, ErrNetworkAccess) {
		t.Fatalf("expected ErrNetworkAccess identity")
	}
}

func TestClient_UnreachableIsNetworkAccessError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()
	client, err := NewClient(transport.NewRESTAdapter(nil), url, "works.example.com")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if err := client.Login(context.Background(), credential); !errors.Is(err, ErrNetworkAccess) {
		t.Fatalf("expected network access error, got %v", err)
	}
}

func TestClient_PunchingURL(t *testing.T) {
	client, err := NewClient(transport.NewRESTAdapter(nil), "proxy.example.com", "works.example.com")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if got := client.PunchingURL(); got != "https://works.example.com/self-workflow/cws/srwtimerec?@DIRECT=true" {
		t.Fatalf("unexpected punching url %q", got)
	}
	if client.proxyURL != "https://proxy.example.com" {
		t.Fatalf("expected https proxy url, got %q", client.proxyURL)
	}
}
