package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/kuuji/ztcore/internal/ids"
	"github.com/kuuji/ztcore/pkg/protocol"
)

// testPortal is a minimal stand-in for the portal's signaling channel: it
// accepts a single WebSocket connection, immediately pushes an Init
// message, and echoes back any RequestConnectionMessage as a synthetic
// ConnectMessage carrying the same reference, so tests can exercise the
// request/reply correlation path without a real portal.
type testPortal struct {
	mu        sync.Mutex
	conn      *websocket.Conn
	ctx       context.Context
	cancel    context.CancelFunc
	rejectAll bool // when true, Accept fails every request (simulates 401)
}

func newTestPortal() *testPortal {
	ctx, cancel := context.WithCancel(context.Background())
	return &testPortal{ctx: ctx, cancel: cancel}
}

func (p *testPortal) CloseAllConnections() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		p.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
	p.cancel()
}

func (p *testPortal) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if p.rejectAll {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := p.ctx

	p.mu.Lock()
	p.conn = conn
	p.mu.Unlock()

	initData, err := json.Marshal(map[string]any{
		"type": "init",
		"interface": map[string]any{
			"ipv4": "100.64.0.1",
			"ipv6": "fd00::1",
		},
		"resources": []any{},
	})
	if err != nil {
		return
	}
	if err := conn.Write(ctx, websocket.MessageText, initData); err != nil {
		return
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var env struct {
			Type string `json:"type"`
			Ref  string `json:"ref"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}

		if env.Type != "request_connection" {
			continue
		}

		reply := &protocol.ConnectMessage{
			Kind:      protocol.GatewayPayloadConnectionAccepted,
			AnswerSDP: "v=0\r\nanswer",
		}
		replyData, err := protocol.MarshalEgress(replyAsEgress{reply}, protocol.Reference(env.Ref))
		if err != nil {
			continue
		}
		_ = conn.Write(ctx, websocket.MessageText, replyData)
	}
}

// replyAsEgress adapts a ConnectMessage (normally an ingress type) to
// EgressMessage so the test portal can reuse protocol.MarshalEgress to
// inject type/ref the same way the real portal does.
type replyAsEgress struct {
	*protocol.ConnectMessage
}

func (replyAsEgress) EgressType() string { return "connect" }

// startTestPortal starts an httptest.Server running the test portal and
// returns the server and a ws:// URL suitable for the signaling client.
func startTestPortal(t *testing.T) (*testPortal, string) {
	t.Helper()
	portal := newTestPortal()
	srv := httptest.NewServer(portal)
	t.Cleanup(func() {
		portal.CloseAllConnections()
		srv.Close()
	})

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	return portal, wsURL
}

func receiveTimeout(t *testing.T, ch <-chan protocol.Envelope, timeout time.Duration) protocol.Envelope {
	t.Helper()
	select {
	case env, ok := <-ch:
		if !ok {
			t.Fatal("message channel closed unexpectedly")
		}
		return env
	case <-time.After(timeout):
		t.Fatal("timed out waiting for message")
		return protocol.Envelope{}
	}
}

func TestClient_ConnectReceivesInit(t *testing.T) {
	t.Parallel()

	_, wsURL := startTestPortal(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := NewClient(ClientConfig{ServerURL: wsURL})

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer client.Close()

	env := receiveTimeout(t, client.Messages(), 2*time.Second)
	init, ok := env.Message.(*protocol.InitMessage)
	if !ok {
		t.Fatalf("expected *protocol.InitMessage, got %T", env.Message)
	}
	if init.Interface.Ipv4.String() != "100.64.0.1" {
		t.Errorf("Ipv4 = %v", init.Interface.Ipv4)
	}
}

func TestClient_RequestConnection_ReceivesReplyWithRef(t *testing.T) {
	t.Parallel()

	_, wsURL := startTestPortal(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := NewClient(ClientConfig{ServerURL: wsURL})
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer client.Close()

	receiveTimeout(t, client.Messages(), 2*time.Second) // drain Init

	resourceID, err := ids.NewResourceId("5e1f0000-0000-4000-8000-000000000001")
	if err != nil {
		t.Fatalf("NewResourceId() error: %v", err)
	}
	gatewayID, err := ids.NewGatewayId("5e1f0000-0000-4000-8000-000000000002")
	if err != nil {
		t.Fatalf("NewGatewayId() error: %v", err)
	}
	req := &protocol.RequestConnectionMessage{
		ResourceId: resourceID,
		GatewayId:  gatewayID,
		OfferSDP:   "v=0\r\noffer",
	}
	ref := protocol.Reference(resourceID.String())
	if err := client.Send(ctx, req, ref); err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	env := receiveTimeout(t, client.Messages(), 2*time.Second)
	if env.Reference != ref {
		t.Errorf("Reference = %q, want %q", env.Reference, ref)
	}
	connect, ok := env.Message.(*protocol.ConnectMessage)
	if !ok {
		t.Fatalf("expected *protocol.ConnectMessage, got %T", env.Message)
	}
	if connect.AnswerSDP != "v=0\r\nanswer" {
		t.Errorf("AnswerSDP = %q", connect.AnswerSDP)
	}
}

func TestClient_Reconnect(t *testing.T) {
	t.Parallel()

	portal := newTestPortal()
	srv := httptest.NewServer(portal)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client := NewClient(ClientConfig{
		ServerURL:   wsURL,
		DialTimeout: 500 * time.Millisecond,
		Reconnect: ReconnectConfig{
			Enabled:      true,
			InitialDelay: 50 * time.Millisecond,
			MaxDelay:     200 * time.Millisecond,
			MaxAttempts:  3,
		},
	})

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer client.Close()

	receiveTimeout(t, client.Messages(), 2*time.Second) // drain Init

	// Force-close the connection, then shut down the server so every
	// reconnection attempt fails and is eventually exhausted.
	portal.CloseAllConnections()
	srv.Close()

	select {
	case _, ok := <-client.Messages():
		if ok {
			for range client.Messages() {
			}
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for client to exhaust reconnection attempts")
	}
}

func TestClient_ContextCancellation(t *testing.T) {
	t.Parallel()

	_, wsURL := startTestPortal(t)
	ctx, cancel := context.WithCancel(context.Background())

	client := NewClient(ClientConfig{ServerURL: wsURL})

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	receiveTimeout(t, client.Messages(), 2*time.Second) // drain Init

	cancel()

	select {
	case _, ok := <-client.Messages():
		if ok {
			for range client.Messages() {
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message channel to close after context cancellation")
	}

	if err := client.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
}

func TestClient_SendWithoutConnect(t *testing.T) {
	t.Parallel()

	client := NewClient(ClientConfig{ServerURL: "ws://localhost:0/bogus"})

	ctx := context.Background()
	err := client.Send(ctx, &protocol.CreateLogSinkMessage{}, "")
	if err == nil {
		t.Fatal("expected error sending without connection, got nil")
	}
}

func TestClient_ConnectToUnreachableServer(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	client := NewClient(ClientConfig{ServerURL: "ws://127.0.0.1:1/bogus"})

	err := client.Connect(ctx)
	if err == nil {
		t.Fatal("expected error connecting to unreachable server, got nil")
	}
}

func TestClient_AuthFailure_TriggersCallback(t *testing.T) {
	t.Parallel()

	portal := newTestPortal()
	portal.rejectAll = true
	srv := httptest.NewServer(portal)
	defer func() {
		portal.CloseAllConnections()
		srv.Close()
	}()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	refreshed := make(chan struct{})
	var refreshOnce sync.Once

	client := NewClient(ClientConfig{
		ServerURL:   wsURL,
		DialTimeout: 500 * time.Millisecond,
		OnAuthFailure: func() error {
			refreshOnce.Do(func() {
				portal.mu.Lock()
				portal.rejectAll = false
				portal.mu.Unlock()
				close(refreshed)
			})
			return nil
		},
		Reconnect: ReconnectConfig{
			Enabled:      true,
			InitialDelay: 10 * time.Millisecond,
			MaxDelay:     50 * time.Millisecond,
			MaxAttempts:  10,
		},
	})

	// reconnect() is unexported but exercised directly here: it is the
	// method that notices the 401 and invokes OnAuthFailure.
	done := make(chan bool)
	go func() {
		done <- client.reconnect(ctx)
	}()

	select {
	case <-refreshed:
	case <-time.After(4 * time.Second):
		t.Fatal("timed out waiting for OnAuthFailure to fire")
	}

	select {
	case ok := <-done:
		if !ok {
			t.Error("reconnect() = false after credentials were refreshed, want true")
		}
	case <-time.After(4 * time.Second):
		t.Fatal("timed out waiting for reconnect loop to finish")
	}
}

func TestIsHTTP401(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("websocket.Dial: failed to WebSocket dial: expected handshake response status code 101 but got 401")
	if !isHTTP401(err) {
		t.Error("isHTTP401() = false, want true")
	}
	if isHTTP401(nil) {
		t.Error("isHTTP401(nil) = true, want false")
	}
}
