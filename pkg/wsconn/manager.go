package wsconn

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gregtusar/tradedesk/pkg/events"
	"github.com/sirupsen/logrus"
)

var ErrNotOpen = errors.New("websocket not open")

const writeWait = 10 * time.Second

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

type EventType string

const (
	EventOpen            EventType = "open"
	EventReconnecting    EventType = "reconnecting"
	EventReconnected     EventType = "reconnected"
	EventReconnectFailed EventType = "reconnect_failed"
	EventClosed          EventType = "closed"
)

type Event struct {
	Type    EventType
	URL     string
	Attempt int
	Delay   time.Duration
	Err     error
}

// Dialer is satisfied by *websocket.Dialer.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

type Options struct {
	MaxAttempts      int
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	Multiplier       float64
	HandshakeTimeout time.Duration

	// Dialer and After are replaced in tests.
	Dialer Dialer
	After  func(time.Duration) <-chan time.Time
}

func DefaultOptions() Options {
	return Options{
		MaxAttempts:      5,
		InitialBackoff:   time.Second,
		MaxBackoff:       30 * time.Second,
		Multiplier:       1.5,
		HandshakeTimeout: 10 * time.Second,
	}
}

// Backoff returns the delay before reconnect attempt n (1-based):
// min(MaxBackoff, InitialBackoff * Multiplier^(n-1)).
func (o Options) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(o.InitialBackoff) * math.Pow(o.Multiplier, float64(attempt-1))
	if d >= float64(o.MaxBackoff) {
		return o.MaxBackoff
	}
	return time.Duration(d)
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = def.MaxAttempts
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = def.InitialBackoff
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = def.MaxBackoff
	}
	if o.Multiplier < 1 {
		o.Multiplier = def.Multiplier
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = def.HandshakeTimeout
	}
	if o.Dialer == nil {
		o.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: o.HandshakeTimeout,
		}
	}
	if o.After == nil {
		o.After = time.After
	}
	return o
}

// Manager owns a single WebSocket connection and keeps it alive. Every
// socket it installs gets a new generation number; callbacks from an older
// generation are ignored, which is how replaced or intentionally closed
// sockets are kept from triggering reconnects.
type Manager struct {
	opts   Options
	logger *logrus.Logger

	mu           sync.Mutex
	url          string
	conn         *websocket.Conn
	state        State
	gen          uint64
	attempts     int
	backoff      time.Duration
	intentional  bool
	reconnecting bool
	cancelRetry  context.CancelFunc
	stopBeat     context.CancelFunc

	beatInterval time.Duration
	beatFrame    func() ([]byte, error)

	openHooks *events.Emitter[string]
	messages  *events.Emitter[[]byte]
	events    *events.Emitter[Event]
}

func NewManager(opts Options, logger *logrus.Logger) *Manager {
	return &Manager{
		opts:      opts.withDefaults(),
		logger:    logger,
		openHooks: events.NewEmitter[string](),
		messages:  events.NewEmitter[[]byte](),
		events:    events.NewEmitter[Event](),
	}
}

// Messages delivers raw frames in socket order.
func (m *Manager) Messages() *events.Emitter[[]byte] { return m.messages }

func (m *Manager) Events() *events.Emitter[Event] { return m.events }

// OnOpen registers fn to run after every successful open, reconnects included.
func (m *Manager) OnOpen(fn func()) func() {
	return m.openHooks.On(func(string) { fn() })
}

// SetHeartbeat configures a frame sent every interval while the socket is
// open. It takes effect on the next open.
func (m *Manager) SetHeartbeat(interval time.Duration, frame func() ([]byte, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.beatInterval = interval
	m.beatFrame = frame
}

func (m *Manager) URL() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.url
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) IsOpen() bool {
	return m.State() == StateOpen
}

// Attempts is the reconnect attempt counter; zero while healthy.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

func (m *Manager) CurrentBackoff() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.backoff
}

// Connect opens a socket to rawURL. An OPEN or CONNECTING socket for the
// same URL is reused. A different URL replaces the current socket. A failed
// dial is treated like an unexpected close and starts the reconnect cycle.
func (m *Manager) Connect(ctx context.Context, rawURL string) error {
	m.mu.Lock()
	if m.state == StateOpen || m.state == StateConnecting {
		if m.url == rawURL {
			m.mu.Unlock()
			return nil
		}
		m.logger.WithFields(logrus.Fields{
			"current": redact(m.url),
			"next":    redact(rawURL),
		}).Warn("Replacing websocket connection for a different URL")
		m.dropConnLocked()
	}

	m.url = rawURL
	m.intentional = false
	m.stopRetryLocked()
	m.state = StateConnecting
	gen := m.nextGenLocked()
	m.mu.Unlock()

	conn, _, err := m.opts.Dialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		m.logger.WithError(err).WithField("url", redact(rawURL)).Error("Failed to connect to websocket")
		m.mu.Lock()
		if gen == m.gen {
			m.state = StateClosed
			m.startReconnectLocked()
		}
		m.mu.Unlock()
		return fmt.Errorf("failed to connect to websocket: %w", err)
	}

	m.install(conn, gen, false)
	return nil
}

// SendMessage writes a text frame. It fails with ErrNotOpen unless the
// socket is open, and a CLOSED socket that was not closed on purpose is
// sent back through the reconnect cycle.
func (m *Manager) SendMessage(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateOpen || m.conn == nil {
		m.logger.WithFields(logrus.Fields{
			"url":   redact(m.url),
			"state": m.state.String(),
		}).Warn("Websocket not open, message not sent")
		if m.state == StateClosed && !m.intentional && m.url != "" {
			m.startReconnectLocked()
		}
		return ErrNotOpen
	}
	return m.writeLocked(data)
}

// Disconnect closes the socket on purpose; no reconnect follows.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.intentional = true
	m.stopRetryLocked()
	conn := m.dropConnLocked()
	m.state = StateClosed
	m.attempts = 0
	m.backoff = 0
	u := m.url
	m.mu.Unlock()

	if conn != nil {
		closeConn(conn)
	}
	m.logger.WithField("url", redact(u)).Info("Websocket disconnected")
	m.events.Emit(Event{Type: EventClosed, URL: u})
}

// Reconnect drops whatever socket exists and starts over with fresh
// backoff state.
func (m *Manager) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	m.stopRetryLocked()
	conn := m.dropConnLocked()
	m.attempts = 0
	m.backoff = 0
	m.intentional = false
	m.state = StateIdle
	u := m.url
	m.mu.Unlock()

	if conn != nil {
		closeConn(conn)
	}
	if u == "" {
		return fmt.Errorf("reconnect: no url")
	}
	return m.Connect(ctx, u)
}

func (m *Manager) install(conn *websocket.Conn, gen uint64, reconnected bool) bool {
	m.mu.Lock()
	if gen != m.gen || m.intentional {
		m.mu.Unlock()
		conn.Close()
		return false
	}
	m.conn = conn
	m.state = StateOpen
	m.attempts = 0
	m.backoff = 0
	m.reconnecting = false
	if m.cancelRetry != nil {
		m.cancelRetry()
		m.cancelRetry = nil
	}
	m.startHeartbeatLocked(gen)
	u := m.url
	m.mu.Unlock()

	go m.readLoop(conn, gen)

	m.logger.WithFields(logrus.Fields{
		"url":         redact(u),
		"reconnected": reconnected,
	}).Info("Websocket connected")

	m.openHooks.Emit(u)
	m.events.Emit(Event{Type: EventOpen, URL: u})
	if reconnected {
		m.events.Emit(Event{Type: EventReconnected, URL: u})
	}
	return true
}

func (m *Manager) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.handleClose(gen, err)
			return
		}
		m.messages.Emit(data)
	}
}

func (m *Manager) handleClose(gen uint64, cause error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	conn := m.dropConnLocked()
	m.state = StateClosed
	u := m.url
	intentional := m.intentional
	if !intentional {
		m.startReconnectLocked()
	}
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if intentional {
		m.events.Emit(Event{Type: EventClosed, URL: u})
		return
	}
	m.logger.WithError(cause).WithField("url", redact(u)).Warn("Websocket closed unexpectedly")
}

func (m *Manager) startReconnectLocked() {
	if m.reconnecting {
		return
	}
	m.reconnecting = true
	ctx, cancel := context.WithCancel(context.Background())
	m.cancelRetry = cancel
	go m.reconnectLoop(ctx)
}

func (m *Manager) reconnectLoop(ctx context.Context) {
	for attempt := 1; attempt <= m.opts.MaxAttempts; attempt++ {
		delay := m.opts.Backoff(attempt)

		m.mu.Lock()
		if ctx.Err() != nil {
			m.mu.Unlock()
			return
		}
		m.attempts = attempt
		m.backoff = delay
		u := m.url
		m.mu.Unlock()

		m.logger.WithFields(logrus.Fields{
			"url":     redact(u),
			"attempt": attempt,
			"delay":   delay.String(),
		}).Info("Scheduling websocket reconnect")
		m.events.Emit(Event{Type: EventReconnecting, URL: u, Attempt: attempt, Delay: delay})

		select {
		case <-ctx.Done():
			return
		case <-m.opts.After(delay):
		}

		m.mu.Lock()
		if ctx.Err() != nil {
			m.mu.Unlock()
			return
		}
		m.state = StateConnecting
		gen := m.nextGenLocked()
		m.mu.Unlock()

		conn, _, err := m.opts.Dialer.DialContext(ctx, u, nil)
		if err != nil {
			m.logger.WithError(err).WithFields(logrus.Fields{
				"url":     redact(u),
				"attempt": attempt,
			}).Warn("Websocket reconnect attempt failed")
			m.mu.Lock()
			if gen == m.gen {
				m.state = StateClosed
			}
			m.mu.Unlock()
			continue
		}
		m.install(conn, gen, true)
		return
	}

	m.mu.Lock()
	if ctx.Err() != nil {
		m.mu.Unlock()
		return
	}
	m.reconnecting = false
	m.cancelRetry = nil
	m.state = StateClosed
	u := m.url
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"url":      redact(u),
		"attempts": m.opts.MaxAttempts,
	}).Error("Websocket reconnect failed")
	m.events.Emit(Event{Type: EventReconnectFailed, URL: u, Attempt: m.opts.MaxAttempts})
}

func (m *Manager) startHeartbeatLocked(gen uint64) {
	if m.stopBeat != nil {
		m.stopBeat()
		m.stopBeat = nil
	}
	if m.beatInterval <= 0 || m.beatFrame == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.stopBeat = cancel
	go m.keepAlive(ctx, gen, m.beatInterval, m.beatFrame)
}

func (m *Manager) keepAlive(ctx context.Context, gen uint64, interval time.Duration, frame func() ([]byte, error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			data, err := frame()
			if err != nil {
				m.logger.WithError(err).Error("Failed to build heartbeat")
				continue
			}
			m.mu.Lock()
			if gen != m.gen || m.state != StateOpen {
				m.mu.Unlock()
				m.logger.WithField("url", redact(m.URL())).Debug("Heartbeat skipped, connection not open")
				continue
			}
			if err := m.writeLocked(data); err != nil {
				m.logger.WithError(err).Warn("Failed to send heartbeat")
			}
			m.mu.Unlock()
		}
	}
}

func (m *Manager) writeLocked(data []byte) error {
	m.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := m.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write websocket message: %w", err)
	}
	return nil
}

// dropConnLocked detaches the current socket and invalidates its generation.
func (m *Manager) dropConnLocked() *websocket.Conn {
	m.nextGenLocked()
	if m.stopBeat != nil {
		m.stopBeat()
		m.stopBeat = nil
	}
	conn := m.conn
	m.conn = nil
	return conn
}

func (m *Manager) stopRetryLocked() {
	if m.cancelRetry != nil {
		m.cancelRetry()
		m.cancelRetry = nil
	}
	m.reconnecting = false
}

func (m *Manager) nextGenLocked() uint64 {
	m.gen++
	return m.gen
}

func closeConn(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	conn.Close()
}

// redact drops the query string, which carries the vendor token.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.RawQuery = ""
	return u.String()
}
