package subscriber

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"

	"github.com/intentauction/coordinator/internal/authtoken"
	"github.com/intentauction/coordinator/internal/bus"
	"github.com/intentauction/coordinator/internal/log"
)

var testHash = common.HexToHash("0xab").Hex()

func newTestManager(t *testing.T) (*Manager, *authtoken.Issuer, bus.MessageBus) {
	t.Helper()
	issuer := authtoken.NewIssuer("test-signing-key", time.Minute)
	msgBus := bus.NewMemoryBus(16)
	mgr := NewManager(DefaultConfig(), issuer, msgBus, log.Default())
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
	mgr, _, _ := newTestManager(t)
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

func TestSubscribe_ConfirmsAndFansOutBidUpdate(t *testing.T) {
	mgr, issuer, msgBus := newTestManager(t)
	srv := httptest.NewServer(mgr)
	defer srv.Close()

	token, err := issuer.Issue("client-1", authtoken.AudienceWebSocket)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	conn := dialWS(t, srv, token)
	defer conn.Close()

	req, _ := json.Marshal(map[string]string{"action": "subscribe", "intentHash": testHash})
	if err := conn.WriteMessage(websocket.TextMessage, req); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read confirmation: %v", err)
	}
	var conf confirmation
	if err := json.Unmarshal(data, &conf); err != nil {
		t.Fatalf("unmarshal confirmation: %v", err)
	}
	if !conf.OK || conf.Action != "subscribe" {
		t.Fatalf("confirmation = %+v, want ok subscribe", conf)
	}

	time.Sleep(20 * time.Millisecond)
	if err := msgBus.Publish(context.Background(), bus.ChannelWSBidUpdatePrefix+testHash, []byte(`{"bidId":"b1"}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err = conn.ReadMessage()
	if err != nil {
		t.Fatalf("read bid update: %v", err)
	}
	if !strings.Contains(string(data), "b1") {
		t.Fatalf("expected bid update payload, got %s", data)
	}
}

func TestSubscribe_RejectsMalformedHash(t *testing.T) {
	mgr, issuer, _ := newTestManager(t)
	srv := httptest.NewServer(mgr)
	defer srv.Close()

	token, _ := issuer.Issue("client-2", authtoken.AudienceWebSocket)
	conn := dialWS(t, srv, token)
	defer conn.Close()

	req, _ := json.Marshal(map[string]string{"action": "subscribe", "intentHash": "not-a-hash"})
	conn.WriteMessage(websocket.TextMessage, req)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var conf confirmation
	json.Unmarshal(data, &conf)
	if conf.OK {
		t.Fatalf("expected rejection for malformed hash, got %+v", conf)
	}
}

func TestUnsubscribe_StopsFurtherDelivery(t *testing.T) {
	mgr, issuer, msgBus := newTestManager(t)
	srv := httptest.NewServer(mgr)
	defer srv.Close()

	token, _ := issuer.Issue("client-3", authtoken.AudienceWebSocket)
	conn := dialWS(t, srv, token)
	defer conn.Close()

	sub, _ := json.Marshal(map[string]string{"action": "subscribe", "intentHash": testHash})
	conn.WriteMessage(websocket.TextMessage, sub)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	conn.ReadMessage() // subscribe confirmation

	unsub, _ := json.Marshal(map[string]string{"action": "unsubscribe", "intentHash": testHash})
	conn.WriteMessage(websocket.TextMessage, unsub)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read unsubscribe confirmation: %v", err)
	}
	var conf confirmation
	json.Unmarshal(data, &conf)
	if !conf.OK || conf.Action != "unsubscribe" {
		t.Fatalf("unsubscribe confirmation = %+v", conf)
	}

	time.Sleep(20 * time.Millisecond)
	msgBus.Publish(context.Background(), bus.ChannelWSBidUpdatePrefix+testHash, []byte(`{"bidId":"after-unsub"}`))

	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	_, _, err = conn.ReadMessage()
	if err == nil {
		t.Fatal("expected no further delivery after unsubscribe")
	}
}

func TestIsValidHash(t *testing.T) {
	cases := map[string]bool{
		testHash:     true,
		"not-a-hash": false,
		"":           false,
		"0xabc":      false,
	}
	for h, want := range cases {
		if got := isValidHash(h); got != want {
			t.Errorf("isValidHash(%q) = %v, want %v", h, got, want)
		}
	}
}
