package solversession

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/intentauction/coordinator/internal/authtoken"
	"github.com/intentauction/coordinator/internal/bus"
	"github.com/intentauction/coordinator/internal/log"
)

func newTestManager(t *testing.T, cfg Config) (*Manager, *authtoken.Issuer, bus.MessageBus) {
	t.Helper()
	issuer := authtoken.NewIssuer("test-signing-key", time.Minute)
	msgBus := bus.NewMemoryBus(16)
	mgr := NewManager(cfg, issuer, msgBus, log.Default())
	return mgr, issuer, msgBus
}

func dialWS(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func TestServeHTTP_RejectsMissingToken(t *testing.T) {
	mgr, _, _ := newTestManager(t, DefaultConfig())
	srv := httptest.NewServer(mgr)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial failure for missing token")
	}
	if resp == nil || resp.StatusCode != 401 {
		t.Fatalf("expected 401, got %v", resp)
	}
}

func TestServeHTTP_FansOutSolverIntents(t *testing.T) {
	mgr, issuer, msgBus := newTestManager(t, DefaultConfig())
	srv := httptest.NewServer(mgr)
	defer srv.Close()

	token, err := issuer.Issue("solver-1", authtoken.AudienceSolver)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	conn := dialWS(t, srv, token)
	defer conn.Close()

	// Give the server goroutine time to subscribe before publishing.
	time.Sleep(20 * time.Millisecond)

	if err := msgBus.Publish(context.Background(), bus.ChannelSolverIntents, []byte(`{"intentHash":"0xabc"}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["intentHash"] != "0xabc" {
		t.Errorf("intentHash = %v, want 0xabc", got["intentHash"])
	}
}

func TestServeHTTP_FansOutOwnBidResultOnly(t *testing.T) {
	mgr, issuer, msgBus := newTestManager(t, DefaultConfig())
	srv := httptest.NewServer(mgr)
	defer srv.Close()

	token, _ := issuer.Issue("solver-42", authtoken.AudienceSolver)
	conn := dialWS(t, srv, token)
	defer conn.Close()

	time.Sleep(20 * time.Millisecond)

	// Published to a different solver's channel; must not be delivered.
	_ = msgBus.Publish(context.Background(), bus.SolverBidResultChannel("solver-99"), []byte(`{"bidId":"other"}`))
	// Published to this solver's own channel; must be delivered.
	_ = msgBus.Publish(context.Background(), bus.SolverBidResultChannel("solver-42"), []byte(`{"bidId":"mine"}`))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(data), "mine") {
		t.Fatalf("expected own bid_result, got %s", data)
	}
}

func TestCount_TracksLiveSessions(t *testing.T) {
	mgr, issuer, _ := newTestManager(t, DefaultConfig())
	srv := httptest.NewServer(mgr)
	defer srv.Close()

	token, _ := issuer.Issue("solver-7", authtoken.AudienceSolver)
	conn := dialWS(t, srv, token)

	time.Sleep(20 * time.Millisecond)
	if got := mgr.Count(); got != 1 {
		t.Fatalf("Count() = %d, want 1", got)
	}

	conn.Close()
	time.Sleep(50 * time.Millisecond)
	if got := mgr.Count(); got != 0 {
		t.Fatalf("Count() after close = %d, want 0", got)
	}
}
