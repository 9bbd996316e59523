// Package realtime maintains the single logical push channel to the backend,
// hiding reconnection from its consumers. A flaky channel never loses data:
// queueing is the event store's job, the channel only fires at most once.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"
)

type Phase string

const (
	PhaseDisconnected Phase = "disconnected"
	PhaseConnecting   Phase = "connecting"
	PhaseConnected    Phase = "connected"
)

// State is the externally visible connection state. Attempt counts
// consecutive failed connection attempts since the last successful connect.
type State struct {
	Phase     Phase
	Attempt   int
	LastError error
}

// Update is one parsed server-pushed frame.
type Update struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp string          `json:"timestamp"`
}

// Conn is the minimal transport surface the manager needs. The production
// implementation wraps a websocket; tests substitute a scripted fake.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

type Dialer func(ctx context.Context, rawURL string) (Conn, error)

type Logger interface {
	Printf(format string, args ...any)
}

type ManagerOptions struct {
	URL   string
	Token string

	Dialer      Dialer
	BaseDelay   time.Duration
	MaxAttempts int
	DialTimeout time.Duration
	Logger      Logger
}

// Manager owns the raw transport exclusively; no other component holds a
// reference to it.
type Manager struct {
	url         string
	token       string
	dialer      Dialer
	baseDelay   time.Duration
	maxAttempts int
	dialTimeout time.Duration
	logger      Logger

	mu         sync.Mutex
	phase      Phase
	attempt    int
	lastErr    error
	conn       Conn
	running    bool
	stopped    bool
	generation int

	handlerMu     sync.Mutex
	msgHandlers   []func(Update)
	stateHandlers []func(State)
}

var errMaxAttempts = errors.New("reconnect attempts exhausted")

func NewManager(opts ManagerOptions) (*Manager, error) {
	if strings.TrimSpace(opts.URL) == "" || opts.Dialer == nil {
		return nil, errors.New("realtime: url and dialer are required")
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 10
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	return &Manager{
		url:         strings.TrimSpace(opts.URL),
		token:       strings.TrimSpace(opts.Token),
		dialer:      opts.Dialer,
		baseDelay:   opts.BaseDelay,
		maxAttempts: opts.MaxAttempts,
		dialTimeout: opts.DialTimeout,
		logger:      opts.Logger,
		phase:       PhaseDisconnected,
	}, nil
}

// Connect starts the connection loop. Calling it while already connecting or
// connected is a no-op; calling it after the attempt budget ran out resets
// the counter and resumes.
func (m *Manager) Connect() {
	m.mu.Lock()
	if m.running && !m.stopped {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopped = false
	m.attempt = 0
	m.generation++
	generation := m.generation
	m.mu.Unlock()
	go m.run(generation)
}

// Disconnect closes the channel and suppresses auto-reconnection until the
// next Connect call.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.stopped = true
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	m.setPhase(PhaseDisconnected, nil)
}

// Send writes one message if connected and silently drops it otherwise.
// At-most-once by design; durable retry lives in the event store.
func (m *Manager) Send(data []byte) bool {
	m.mu.Lock()
	conn := m.conn
	connected := m.phase == PhaseConnected
	m.mu.Unlock()
	if !connected || conn == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.dialTimeout)
	defer cancel()
	if err := conn.Write(ctx, data); err != nil {
		m.logf("send dropped: %v", err)
		return false
	}
	return true
}

func (m *Manager) OnMessage(handler func(Update)) {
	if handler == nil {
		return
	}
	m.handlerMu.Lock()
	defer m.handlerMu.Unlock()
	m.msgHandlers = append(m.msgHandlers, handler)
}

func (m *Manager) OnStateChange(handler func(State)) {
	if handler == nil {
		return
	}
	m.handlerMu.Lock()
	defer m.handlerMu.Unlock()
	m.stateHandlers = append(m.stateHandlers, handler)
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return State{Phase: m.phase, Attempt: m.attempt, LastError: m.lastErr}
}

func (m *Manager) run(generation int) {
	defer func() {
		m.mu.Lock()
		if m.generation == generation {
			m.running = false
		}
		m.mu.Unlock()
	}()

	for {
		if m.doomed(generation) {
			return
		}
		m.setPhase(PhaseConnecting, nil)

		dialCtx, cancel := context.WithTimeout(context.Background(), m.dialTimeout)
		conn, err := m.dialer(dialCtx, m.channelURL())
		cancel()
		if err != nil {
			if !m.recordFailure(generation, err) {
				return
			}
			continue
		}

		m.mu.Lock()
		if m.stopped || m.generation != generation {
			m.mu.Unlock()
			_ = conn.Close()
			return
		}
		m.conn = conn
		m.attempt = 0
		m.mu.Unlock()
		m.setPhase(PhaseConnected, nil)

		readErr := m.readLoop(conn)

		m.mu.Lock()
		if m.conn == conn {
			m.conn = nil
		}
		stopped := m.stopped || m.generation != generation
		m.mu.Unlock()
		_ = conn.Close()
		if stopped {
			return
		}
		m.setPhase(PhaseDisconnected, readErr)
		if !m.recordFailure(generation, readErr) {
			return
		}
	}
}

func (m *Manager) doomed(generation int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped || m.generation != generation
}

// recordFailure bumps the attempt counter, waits out the linear backoff and
// reports whether the loop should keep trying.
func (m *Manager) recordFailure(generation int, cause error) bool {
	m.mu.Lock()
	if m.stopped || m.generation != generation {
		m.mu.Unlock()
		return false
	}
	m.attempt++
	attempt := m.attempt
	m.lastErr = cause
	m.mu.Unlock()

	if attempt >= m.maxAttempts {
		m.logf("giving up after %d connection attempts: %v", attempt, cause)
		m.mu.Lock()
		m.stopped = true
		m.mu.Unlock()
		m.setPhase(PhaseDisconnected, errMaxAttempts)
		return false
	}
	m.setPhase(PhaseDisconnected, cause)
	time.Sleep(m.baseDelay * time.Duration(attempt))
	return !m.doomed(generation)
}

func (m *Manager) readLoop(conn Conn) error {
	for {
		data, err := conn.Read(context.Background())
		if err != nil {
			return err
		}
		var update Update
		if unmarshalErr := json.Unmarshal(data, &update); unmarshalErr != nil || strings.TrimSpace(update.Type) == "" {
			m.logf("dropping malformed channel frame")
			continue
		}
		m.dispatchMessage(update)
	}
}

func (m *Manager) setPhase(phase Phase, cause error) {
	m.mu.Lock()
	changed := m.phase != phase
	m.phase = phase
	if cause != nil {
		m.lastErr = cause
	}
	state := State{Phase: m.phase, Attempt: m.attempt, LastError: m.lastErr}
	m.mu.Unlock()
	if changed {
		m.dispatchState(state)
	}
}

func (m *Manager) dispatchMessage(update Update) {
	m.handlerMu.Lock()
	handlers := append([](func(Update))(nil), m.msgHandlers...)
	m.handlerMu.Unlock()
	for _, handler := range handlers {
		invokeSafely(func() { handler(update) }, m.logger)
	}
}

func (m *Manager) dispatchState(state State) {
	m.handlerMu.Lock()
	handlers := append([](func(State))(nil), m.stateHandlers...)
	m.handlerMu.Unlock()
	for _, handler := range handlers {
		invokeSafely(func() { handler(state) }, m.logger)
	}
}

// invokeSafely keeps a panicking subscriber from tearing down the channel.
func invokeSafely(fn func(), logger Logger) {
	defer func() {
		if r := recover(); r != nil && logger != nil {
			logger.Printf("channel handler panicked: %v", r)
		}
	}()
	fn()
}

// channelURL appends the bearer token as a query parameter, which is how the
// backend authenticates websocket clients.
func (m *Manager) channelURL() string {
	if m.token == "" {
		return m.url
	}
	parsed, err := url.Parse(m.url)
	if err != nil {
		return m.url
	}
	query := parsed.Query()
	query.Set("token", m.token)
	parsed.RawQuery = query.Encode()
	return parsed.String()
}

func (m *Manager) logf(format string, args ...any) {
	if m.logger == nil {
		return
	}
	m.logger.Printf(format, args...)
}
