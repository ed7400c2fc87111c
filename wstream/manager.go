package wstream

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	exerr "github.com/tradewire/exkit/errors"
	"github.com/tradewire/exkit/logger"
	"github.com/tradewire/exkit/resilience"
)

// subscription is one logical channel: its subscribe payload and the
// set of consumers fanned out to. Guarded by Manager.mu.
type subscription struct {
	channelKey  string
	subscribe   []byte
	unsubscribe []byte
	// sentGen is the connection generation the subscribe payload was
	// last written on. A value below Manager.connGen means the current
	// socket has not seen this subscription yet.
	sentGen   int
	consumers map[string]*Consumer
}

// Manager multiplexes logical channel subscriptions over a single
// websocket connection. It dials lazily on the first Watch, reconnects
// with capped exponential backoff when the socket drops, and resends
// every registered subscription after each reconnect. When the
// reconnect budget is exhausted all consumers receive a terminal
// stream-terminated error; a subsequent Watch starts a fresh
// connection cycle.
type Manager struct {
	config Config
	log    *logger.Logger
	dialer *websocket.Dialer

	mu      sync.Mutex
	conn    *websocket.Conn
	state   ConnectionState
	subs    map[string]*subscription
	connGen int
	running bool
	closed  bool

	// writeMu serializes writes to the socket; gorilla connections
	// support one concurrent writer.
	writeMu sync.Mutex

	done chan struct{}
}

// New creates a websocket manager. No connection is made until the
// first Watch.
func New(cfg Config) (*Manager, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log := cfg.Logger
	if log == nil {
		log = logger.Nop()
	}
	log = log.WithComponent("wstream")
	if cfg.Name != "" {
		log = log.WithExchange(cfg.Name)
	}

	return &Manager{
		config: cfg,
		log:    log,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		state:  StateDisconnected,
		subs:   make(map[string]*subscription),
		done:   make(chan struct{}),
	}, nil
}

// WatchOption customizes a Watch call.
type WatchOption func(*subscription) error

// WithUnsubscribe sets the message sent when the last consumer of the
// channel closes. Without it, closing consumers only detaches them.
func WithUnsubscribe(message any) WatchOption {
	return func(s *subscription) error {
		payload, err := encodeMessage(message)
		if err != nil {
			return fmt.Errorf("wstream: encode unsubscribe message: %w", err)
		}
		s.unsubscribe = payload
		return nil
	}
}

// Watch subscribes to a logical channel and returns a consumer for its
// messages. The subscribe message is sent once per connection: now if
// the socket is live, otherwise as soon as it (re)connects. Watching a
// channel that already has consumers reuses the subscription and does
// not resend the subscribe message.
func (m *Manager) Watch(channelKey string, subscribeMessage any, opts ...WatchOption) (*Consumer, error) {
	if channelKey == "" {
		return nil, fmt.Errorf("wstream: channel key must not be empty")
	}
	payload, err := encodeMessage(subscribeMessage)
	if err != nil {
		return nil, fmt.Errorf("wstream: encode subscribe message: %w", err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}

	sub, ok := m.subs[channelKey]
	if !ok {
		sub = &subscription{
			channelKey: channelKey,
			consumers:  make(map[string]*Consumer),
		}
		m.subs[channelKey] = sub
	}
	sub.subscribe = payload
	for _, opt := range opts {
		if err := opt(sub); err != nil {
			if len(sub.consumers) == 0 {
				delete(m.subs, channelKey)
			}
			m.mu.Unlock()
			return nil, err
		}
	}

	c := &Consumer{
		id:         uuid.NewString(),
		channelKey: channelKey,
		mgr:        m,
		msgs:       make(chan []byte, m.config.QueueSize),
	}
	sub.consumers[c.id] = c

	var sendConn *websocket.Conn
	var sendGen int
	if !m.running {
		m.running = true
		m.state = StateConnecting
		go m.run()
	} else if m.state == StateConnected && sub.sentGen < m.connGen {
		sub.sentGen = m.connGen
		sendConn = m.conn
		sendGen = m.connGen
	}
	m.mu.Unlock()

	if sendConn != nil {
		if err := m.send(sendConn, payload); err != nil {
			// A failed write may poison only the write side while the
			// read loop stays up; mark the subscription unsent so a
			// later Watch or the next reconnect resends it.
			m.markUnsent(channelKey, sendGen)
			m.log.Warn("subscribe write failed", logger.Fields(
				logger.FieldChannel, channelKey, logger.FieldError, err.Error()))
		}
	}

	m.log.Debug("consumer registered", logger.Fields(logger.FieldChannel, channelKey))
	return c, nil
}

// State returns the current connection state.
func (m *Manager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Close shuts the manager down. All consumers are closed cleanly
// (their Err returns nil) and the socket is torn down. A closed
// manager refuses further Watch calls.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.state = StateDisconnected
	conn := m.conn
	m.conn = nil
	subs := m.subs
	m.subs = make(map[string]*subscription)
	close(m.done)
	m.mu.Unlock()

	if conn != nil {
		m.writeMu.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(m.config.WriteTimeout))
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		m.writeMu.Unlock()
		_ = conn.Close()
	}

	for _, sub := range subs {
		for _, c := range sub.consumers {
			c.shutdown(nil)
		}
	}
	m.log.Info("manager closed")
	return nil
}

// run owns the connection lifecycle: dial, resubscribe, read until the
// socket drops, back off, repeat. Exactly one run goroutine is live
// while Manager.running is true.
func (m *Manager) run() {
	rc := m.config.Reconnect
	attempt := 0

	for {
		if m.isClosed() {
			return
		}

		conn, resp, err := m.dialer.Dial(m.config.URL, nil)
		if err != nil {
			if resp != nil {
				_ = resp.Body.Close()
			}
			attempt++
			if rc.Disabled || attempt > rc.MaxAttempts {
				m.terminate(exerr.StreamTerminated(m.config.URL, attempt, err))
				return
			}
			delay := resilience.Backoff(attempt, rc.InitialDelay, rc.MaxDelay, rc.Multiplier, rc.Jitter)
			m.setState(StateReconnecting)
			m.log.Warn("dial failed", logger.Fields(
				logger.FieldURL, m.config.URL,
				logger.FieldAttempt, attempt,
				logger.FieldError, err.Error(),
				"retry_in", delay.String()))
			if !m.sleep(delay) {
				return
			}
			continue
		}

		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			_ = conn.Close()
			return
		}
		attempt = 0
		m.conn = conn
		m.connGen++
		m.state = StateConnected
		m.mu.Unlock()

		m.log.Info("connected", logger.Fields(logger.FieldURL, m.config.URL))
		m.resubscribeAll(conn)

		readErr := m.readLoop(conn)
		_ = conn.Close()

		m.mu.Lock()
		m.conn = nil
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return
		}

		if rc.Disabled {
			m.terminate(exerr.StreamTerminated(m.config.URL, 0, readErr))
			return
		}

		attempt++
		delay := resilience.Backoff(attempt, rc.InitialDelay, rc.MaxDelay, rc.Multiplier, rc.Jitter)
		m.setState(StateReconnecting)
		m.log.Warn("connection lost", logger.Fields(
			logger.FieldURL, m.config.URL,
			logger.FieldError, readErr.Error(),
			"retry_in", delay.String()))
		if !m.sleep(delay) {
			return
		}
	}
}

// readLoop reads until the socket fails, routing each message to its
// channel's consumers.
func (m *Manager) readLoop(conn *websocket.Conn) error {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		m.route(msg)
	}
}

// route fans a raw message out to the consumers of its channel.
// Messages with no channel key or no subscription are dropped.
func (m *Manager) route(msg []byte) {
	key := m.config.ChannelKey(msg)
	if key == "" {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[key]
	if !ok {
		return
	}
	for _, c := range sub.consumers {
		if !c.deliver(msg) {
			m.log.Warn("slow consumer, message dropped",
				logger.Fields(logger.FieldChannel, key))
		}
	}
}

// resubscribeAll sends the subscribe message of every subscription the
// current socket has not seen.
func (m *Manager) resubscribeAll(conn *websocket.Conn) {
	type pending struct {
		key     string
		payload []byte
	}

	m.mu.Lock()
	gen := m.connGen
	var toSend []pending
	for key, sub := range m.subs {
		if sub.sentGen < gen {
			sub.sentGen = gen
			toSend = append(toSend, pending{key: key, payload: sub.subscribe})
		}
	}
	m.mu.Unlock()

	for i, p := range toSend {
		if err := m.send(conn, p.payload); err != nil {
			for _, rest := range toSend[i:] {
				m.markUnsent(rest.key, gen)
			}
			m.log.Warn("resubscribe write failed", logger.Fields(
				logger.FieldChannel, p.key, logger.FieldError, err.Error()))
			return
		}
		m.log.Debug("subscribed", logger.Fields(logger.FieldChannel, p.key))
	}
}

// markUnsent rolls a subscription's sent marker back after a failed
// subscribe write, unless a newer connection has sent it since.
func (m *Manager) markUnsent(channelKey string, gen int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub, ok := m.subs[channelKey]; ok && sub.sentGen == gen {
		sub.sentGen = gen - 1
	}
}

// terminate fails every consumer with the terminal error and clears
// the subscription table. The manager itself stays usable: a later
// Watch starts a new connection cycle.
func (m *Manager) terminate(err error) {
	m.mu.Lock()
	m.state = StateDisconnected
	m.running = false
	subs := m.subs
	m.subs = make(map[string]*subscription)
	m.mu.Unlock()

	n := 0
	for _, sub := range subs {
		for _, c := range sub.consumers {
			c.shutdown(err)
			n++
		}
	}
	m.log.Error("stream terminated", logger.Fields(
		logger.FieldURL, m.config.URL,
		logger.FieldError, err.Error(),
		"consumers", n))
}

// removeConsumer detaches a consumer and closes it cleanly. When the
// channel's last consumer leaves, the subscription is dropped and its
// unsubscribe message (if any) is sent best-effort.
func (m *Manager) removeConsumer(c *Consumer) {
	m.mu.Lock()
	var unsubConn *websocket.Conn
	var unsubPayload []byte
	if sub, ok := m.subs[c.channelKey]; ok {
		if _, member := sub.consumers[c.id]; member {
			delete(sub.consumers, c.id)
			if len(sub.consumers) == 0 {
				delete(m.subs, c.channelKey)
				if sub.unsubscribe != nil && m.state == StateConnected {
					unsubConn = m.conn
					unsubPayload = sub.unsubscribe
				}
			}
		}
	}
	m.mu.Unlock()

	c.shutdown(nil)

	if unsubConn != nil {
		if err := m.send(unsubConn, unsubPayload); err != nil {
			m.log.Warn("unsubscribe write failed", logger.Fields(
				logger.FieldChannel, c.channelKey, logger.FieldError, err.Error()))
		}
	}
}

// send writes one text message under the write lock with a deadline.
func (m *Manager) send(conn *websocket.Conn, payload []byte) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(m.config.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, payload)
}

// sleep waits for the delay unless the manager closes first.
func (m *Manager) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-m.done:
		return false
	}
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Manager) setState(s ConnectionState) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// encodeMessage turns a subscribe/unsubscribe payload into wire bytes:
// []byte and string pass through, anything else is JSON-encoded.
func encodeMessage(v any) ([]byte, error) {
	switch p := v.(type) {
	case nil:
		return nil, fmt.Errorf("message must not be nil")
	case []byte:
		return p, nil
	case json.RawMessage:
		return p, nil
	case string:
		return []byte(p), nil
	default:
		return json.Marshal(v)
	}
}
