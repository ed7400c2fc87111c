package wstream

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	exerr "github.com/tradewire/exkit/errors"
)

// wsServer is a websocket echo peer for tests: it records every
// inbound message and can broadcast to the most recent connection.
type wsServer struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader
	refuse   atomic.Bool

	mu    sync.Mutex
	conns []*websocket.Conn

	received chan string
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{t: t, received: make(chan string, 64)}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *wsServer) handle(w http.ResponseWriter, r *http.Request) {
	if s.refuse.Load() {
		http.Error(w, "down", http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.mu.Unlock()
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.received <- string(msg)
	}
}

func (s *wsServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *wsServer) broadcast(msg string) {
	s.t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) == 0 {
		s.t.Fatal("broadcast with no live connection")
	}
	conn := s.conns[len(s.conns)-1]
	if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		s.t.Fatalf("broadcast: %v", err)
	}
}

func (s *wsServer) dropConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conn := range s.conns {
		_ = conn.Close()
	}
	s.conns = nil
}

// envelopeKey routes test messages by their "ch" field.
func envelopeKey(msg []byte) string {
	var env struct {
		Ch string `json:"ch"`
	}
	if json.Unmarshal(msg, &env) != nil {
		return ""
	}
	return env.Ch
}

func fastConfig(url string) Config {
	return Config{
		Name:       "testexchange",
		URL:        url,
		ChannelKey: envelopeKey,
		Reconnect: ReconnectConfig{
			MaxAttempts:  5,
			InitialDelay: 10 * time.Millisecond,
			MaxDelay:     50 * time.Millisecond,
			Multiplier:   2.0,
			Jitter:       0.1,
		},
	}
}

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	m, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func recvWire(t *testing.T, s *wsServer) string {
	t.Helper()
	select {
	case msg := <-s.received:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a wire message")
		return ""
	}
}

func nextMsg(t *testing.T, c *Consumer) []byte {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := c.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	return msg
}

func TestManager_SubscribeSentOnConnect(t *testing.T) {
	s := newWSServer(t)
	m := newTestManager(t, fastConfig(s.url()))

	_, err := m.Watch("trades:BTCUSDC", `{"op":"subscribe","ch":"trades:BTCUSDC"}`)
	if err != nil {
		t.Fatal(err)
	}

	if got := recvWire(t, s); got != `{"op":"subscribe","ch":"trades:BTCUSDC"}` {
		t.Errorf("subscribe payload = %s", got)
	}
}

func TestManager_RoutesByChannelKey(t *testing.T) {
	s := newWSServer(t)
	m := newTestManager(t, fastConfig(s.url()))

	trades, err := m.Watch("trades:BTCUSDC", `{"op":"sub","ch":"trades:BTCUSDC"}`)
	if err != nil {
		t.Fatal(err)
	}
	book, err := m.Watch("book:ETHUSDC", `{"op":"sub","ch":"book:ETHUSDC"}`)
	if err != nil {
		t.Fatal(err)
	}
	recvWire(t, s)
	recvWire(t, s)

	s.broadcast(`{"ch":"book:ETHUSDC","bids":[]}`)
	s.broadcast(`{"unroutable":true}`)
	s.broadcast(`{"ch":"trades:BTCUSDC","px":64000}`)

	if got := string(nextMsg(t, trades)); got != `{"ch":"trades:BTCUSDC","px":64000}` {
		t.Errorf("trades got %s", got)
	}
	if got := string(nextMsg(t, book)); got != `{"ch":"book:ETHUSDC","bids":[]}` {
		t.Errorf("book got %s", got)
	}
}

func TestManager_FansOutToAllConsumersOfChannel(t *testing.T) {
	s := newWSServer(t)
	m := newTestManager(t, fastConfig(s.url()))

	c1, err := m.Watch("trades:BTCUSDC", `{"op":"sub","ch":"trades:BTCUSDC"}`)
	if err != nil {
		t.Fatal(err)
	}
	recvWire(t, s)

	// Second watcher of the same channel must not resend the
	// subscribe message.
	c2, err := m.Watch("trades:BTCUSDC", `{"op":"sub","ch":"trades:BTCUSDC"}`)
	if err != nil {
		t.Fatal(err)
	}
	select {
	case extra := <-s.received:
		t.Fatalf("duplicate subscribe sent: %s", extra)
	case <-time.After(50 * time.Millisecond):
	}

	s.broadcast(`{"ch":"trades:BTCUSDC","px":1}`)
	if got := string(nextMsg(t, c1)); got != `{"ch":"trades:BTCUSDC","px":1}` {
		t.Errorf("c1 got %s", got)
	}
	if got := string(nextMsg(t, c2)); got != `{"ch":"trades:BTCUSDC","px":1}` {
		t.Errorf("c2 got %s", got)
	}
}

func TestManager_ReconnectResubscribesAllChannels(t *testing.T) {
	s := newWSServer(t)
	m := newTestManager(t, fastConfig(s.url()))

	trades, err := m.Watch("trades:BTCUSDC", `{"op":"sub","ch":"trades:BTCUSDC"}`)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Watch("book:ETHUSDC", `{"op":"sub","ch":"book:ETHUSDC"}`); err != nil {
		t.Fatal(err)
	}
	first := map[string]bool{recvWire(t, s): true, recvWire(t, s): true}
	if len(first) != 2 {
		t.Fatalf("expected two distinct subscribes, got %v", first)
	}

	s.dropConns()

	// Both subscriptions must be resent on the new connection,
	// exactly once each.
	resent := map[string]int{}
	resent[recvWire(t, s)]++
	resent[recvWire(t, s)]++
	if len(resent) != 2 {
		t.Fatalf("expected both channels resubscribed, got %v", resent)
	}
	for payload, n := range resent {
		if n != 1 {
			t.Errorf("subscribe %s sent %d times", payload, n)
		}
	}
	select {
	case extra := <-s.received:
		t.Fatalf("unexpected extra wire message: %s", extra)
	case <-time.After(50 * time.Millisecond):
	}

	s.broadcast(`{"ch":"trades:BTCUSDC","px":2}`)
	if got := string(nextMsg(t, trades)); got != `{"ch":"trades:BTCUSDC","px":2}` {
		t.Errorf("post-reconnect message = %s", got)
	}
}

func TestManager_FailedSubscribeWriteIsResentOnReconnect(t *testing.T) {
	s := newWSServer(t)
	m := newTestManager(t, fastConfig(s.url()))

	if _, err := m.Watch("trades:BTCUSDC", `{"op":"sub","ch":"trades:BTCUSDC"}`); err != nil {
		t.Fatal(err)
	}
	recvWire(t, s)

	// Poison only the write side: writes fail while the read loop is
	// still alive, so no reconnect happens yet.
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if err := conn.NetConn().(*net.TCPConn).CloseWrite(); err != nil {
		t.Fatalf("CloseWrite: %v", err)
	}

	book, err := m.Watch("book:ETHUSDC", `{"op":"sub","ch":"book:ETHUSDC"}`)
	if err != nil {
		t.Fatal(err)
	}

	// The failed write must leave the subscription marked unsent so the
	// next connection resends it.
	m.mu.Lock()
	sub, ok := m.subs["book:ETHUSDC"]
	unsent := ok && sub.sentGen < m.connGen
	m.mu.Unlock()
	if !unsent {
		t.Fatal("failed subscribe write must leave the subscription unsent")
	}

	// Kill the connection fully; the reconnect must resubscribe both
	// channels.
	s.dropConns()
	resent := map[string]bool{recvWire(t, s): true, recvWire(t, s): true}
	if !resent[`{"op":"sub","ch":"book:ETHUSDC"}`] || !resent[`{"op":"sub","ch":"trades:BTCUSDC"}`] {
		t.Fatalf("expected both channels resubscribed, got %v", resent)
	}

	s.broadcast(`{"ch":"book:ETHUSDC","bids":[]}`)
	if got := string(nextMsg(t, book)); got != `{"ch":"book:ETHUSDC","bids":[]}` {
		t.Errorf("post-reconnect message = %s", got)
	}
}

func TestManager_TerminatesAfterReconnectBudget(t *testing.T) {
	s := newWSServer(t)
	s.refuse.Store(true)

	cfg := fastConfig(s.url())
	cfg.Reconnect.MaxAttempts = 2
	cfg.Reconnect.InitialDelay = 2 * time.Millisecond
	m := newTestManager(t, cfg)

	c, err := m.Watch("trades:BTCUSDC", `{"op":"sub"}`)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = c.Next(ctx)
	if !exerr.IsStreamTerminated(err) {
		t.Fatalf("expected StreamTerminated, got %v", err)
	}
	if c.Err() == nil || !exerr.IsStreamTerminated(c.Err()) {
		t.Errorf("Err() = %v", c.Err())
	}
	if m.State() != StateDisconnected {
		t.Errorf("state = %v, want disconnected", m.State())
	}
}

func TestManager_WatchRestartsAfterTermination(t *testing.T) {
	s := newWSServer(t)
	s.refuse.Store(true)

	cfg := fastConfig(s.url())
	cfg.Reconnect.MaxAttempts = 1
	cfg.Reconnect.InitialDelay = 2 * time.Millisecond
	m := newTestManager(t, cfg)

	dead, err := m.Watch("trades:BTCUSDC", `{"op":"sub","ch":"trades:BTCUSDC"}`)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := dead.Next(ctx); !exerr.IsStreamTerminated(err) {
		t.Fatalf("expected termination first, got %v", err)
	}

	// The endpoint comes back; a fresh Watch starts a new cycle.
	s.refuse.Store(false)
	c, err := m.Watch("trades:BTCUSDC", `{"op":"sub","ch":"trades:BTCUSDC"}`)
	if err != nil {
		t.Fatal(err)
	}
	recvWire(t, s)
	s.broadcast(`{"ch":"trades:BTCUSDC","px":3}`)
	if got := string(nextMsg(t, c)); got != `{"ch":"trades:BTCUSDC","px":3}` {
		t.Errorf("post-restart message = %s", got)
	}
}

func TestConsumer_CloseIsIsolatedAndIdempotent(t *testing.T) {
	s := newWSServer(t)
	m := newTestManager(t, fastConfig(s.url()))

	c1, err := m.Watch("trades:BTCUSDC", `{"op":"sub","ch":"trades:BTCUSDC"}`)
	if err != nil {
		t.Fatal(err)
	}
	c2, err := m.Watch("trades:BTCUSDC", `{"op":"sub","ch":"trades:BTCUSDC"}`)
	if err != nil {
		t.Fatal(err)
	}
	recvWire(t, s)

	c1.Close()
	c1.Close()

	if _, ok := <-c1.Messages(); ok {
		t.Error("closed consumer channel should be closed")
	}
	if c1.Err() != nil {
		t.Errorf("clean close must leave Err nil, got %v", c1.Err())
	}

	s.broadcast(`{"ch":"trades:BTCUSDC","px":4}`)
	if got := string(nextMsg(t, c2)); got != `{"ch":"trades:BTCUSDC","px":4}` {
		t.Errorf("surviving consumer got %s", got)
	}
}

func TestManager_UnsubscribeOnLastConsumerClose(t *testing.T) {
	s := newWSServer(t)
	m := newTestManager(t, fastConfig(s.url()))

	c, err := m.Watch("trades:BTCUSDC", `{"op":"sub","ch":"trades:BTCUSDC"}`,
		WithUnsubscribe(`{"op":"unsub","ch":"trades:BTCUSDC"}`))
	if err != nil {
		t.Fatal(err)
	}
	recvWire(t, s)

	c.Close()
	if got := recvWire(t, s); got != `{"op":"unsub","ch":"trades:BTCUSDC"}` {
		t.Errorf("unsubscribe payload = %s", got)
	}
}

func TestManager_SlowConsumerDropsInsteadOfBlocking(t *testing.T) {
	s := newWSServer(t)
	cfg := fastConfig(s.url())
	cfg.QueueSize = 1
	m := newTestManager(t, cfg)

	slow, err := m.Watch("trades:BTCUSDC", `{"op":"sub","ch":"trades:BTCUSDC"}`)
	if err != nil {
		t.Fatal(err)
	}
	fast, err := m.Watch("book:ETHUSDC", `{"op":"sub","ch":"book:ETHUSDC"}`)
	if err != nil {
		t.Fatal(err)
	}
	recvWire(t, s)
	recvWire(t, s)

	// Flood the slow channel well past its queue size; the read loop
	// must keep serving the other channel.
	for i := 0; i < 10; i++ {
		s.broadcast(`{"ch":"trades:BTCUSDC","px":5}`)
	}
	s.broadcast(`{"ch":"book:ETHUSDC","bids":[]}`)

	if got := string(nextMsg(t, fast)); got != `{"ch":"book:ETHUSDC","bids":[]}` {
		t.Errorf("fast consumer got %s", got)
	}
	// The slow consumer keeps what fit in its queue.
	if got := string(nextMsg(t, slow)); got != `{"ch":"trades:BTCUSDC","px":5}` {
		t.Errorf("slow consumer got %s", got)
	}
}

func TestManager_CloseShutsConsumersCleanly(t *testing.T) {
	s := newWSServer(t)
	m := newTestManager(t, fastConfig(s.url()))

	c, err := m.Watch("trades:BTCUSDC", `{"op":"sub","ch":"trades:BTCUSDC"}`)
	if err != nil {
		t.Fatal(err)
	}
	recvWire(t, s)

	if err := m.Close(); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := c.Next(ctx); !errors.Is(err, ErrConsumerClosed) {
		t.Errorf("Next after Close = %v, want ErrConsumerClosed", err)
	}
	if c.Err() != nil {
		t.Errorf("Close is clean, Err = %v", c.Err())
	}
	if _, err := m.Watch("x", "y"); !errors.Is(err, ErrManagerClosed) {
		t.Errorf("Watch after Close = %v, want ErrManagerClosed", err)
	}
}

func TestConfig_DefaultsAndValidation(t *testing.T) {
	cfg := Config{URL: "wss://x", ChannelKey: envelopeKey}
	cfg.ApplyDefaults()
	if cfg.Reconnect.MaxAttempts != 10 ||
		cfg.Reconnect.InitialDelay != 500*time.Millisecond ||
		cfg.Reconnect.MaxDelay != 30*time.Second ||
		cfg.Reconnect.Multiplier != 2.0 {
		t.Errorf("reconnect defaults = %+v", cfg.Reconnect)
	}
	if cfg.QueueSize != 256 {
		t.Errorf("QueueSize = %d", cfg.QueueSize)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}

	if _, err := New(Config{ChannelKey: envelopeKey}); err == nil {
		t.Error("missing URL must be rejected")
	}
	if _, err := New(Config{URL: "wss://x"}); err == nil {
		t.Error("missing ChannelKey must be rejected")
	}
}
