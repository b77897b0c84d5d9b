// Package conn owns the single live connection of a session: it dials,
// sends the identity handshake, reconnects with backoff, and fans inbound
// events out to the components attached to it.
package conn

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/mahaj/ichat/pkg/auth"
	"github.com/mahaj/ichat/pkg/metrics"
	"github.com/mahaj/ichat/pkg/model"
)

const (
	defaultWriteTimeout = 10 * time.Second
	// defaultReadTimeout exceeds the server's ping period, so a healthy
	// connection always sees a frame or a ping before it expires.
	defaultReadTimeout = 90 * time.Second
)

// Handler receives the payload of one inbound event. Handlers run on the
// connection's read goroutine, one at a time, in arrival order.
type Handler func(data json.RawMessage)

// StateListener is told about every state transition. err is the failure
// that caused it, if any.
type StateListener func(state State, err error)

type Config struct {
	URL          string
	Backoff      Backoff
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
	Dialer       Dialer
}

type handlerEntry struct {
	id uint64
	fn Handler
}

type listenerEntry struct {
	id uint64
	fn StateListener
}

type Manager struct {
	cfg Config

	mu        sync.Mutex
	state     State
	lastErr   error
	session   model.Session
	active    bool
	cancel    context.CancelFunc
	done      chan struct{}
	transport Transport
	refs      int

	// writeMu serializes frames on the transport.
	writeMu sync.Mutex

	subMu     sync.Mutex
	nextID    uint64
	handlers  map[model.EventName][]handlerEntry
	listeners []listenerEntry

	// sleep waits between attempts; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewManager(cfg Config) *Manager {
	if cfg.Dialer == nil {
		cfg.Dialer = WebsocketDialer{}
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.Backoff.Min <= 0 && cfg.Backoff.Max <= 0 {
		cfg.Backoff.Min = DefaultBackoff.Min
		cfg.Backoff.Max = DefaultBackoff.Max
	}
	return &Manager{
		cfg:      cfg,
		handlers: map[model.EventName][]handlerEntry{},
		sleep:    sleepCtx,
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastError is the failure behind the most recent transition, or nil.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Session returns the session the manager is bound to, if any.
func (m *Manager) Session() (model.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session, m.active
}

// On registers fn for an inbound event and returns its unsubscribe func.
func (m *Manager) On(event model.EventName, fn Handler) (unsubscribe func()) {
	m.subMu.Lock()
	m.nextID++
	id := m.nextID
	m.handlers[event] = append(m.handlers[event], handlerEntry{id: id, fn: fn})
	m.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.subMu.Lock()
			defer m.subMu.Unlock()
			entries := m.handlers[event]
			for i, e := range entries {
				if e.id == id {
					m.handlers[event] = append(entries[:i:i], entries[i+1:]...)
					break
				}
			}
		})
	}
}

// OnState registers a state listener and returns its unsubscribe func.
func (m *Manager) OnState(fn StateListener) (unsubscribe func()) {
	m.subMu.Lock()
	m.nextID++
	id := m.nextID
	m.listeners = append(m.listeners, listenerEntry{id: id, fn: fn})
	m.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.subMu.Lock()
			defer m.subMu.Unlock()
			for i, e := range m.listeners {
				if e.id == id {
					m.listeners = append(m.listeners[:i:i], m.listeners[i+1:]...)
					break
				}
			}
		})
	}
}

// Connect opens the live connection for session. It returns once the
// connection loop is running; the dial itself happens in the background.
// Calling Connect again for the same session while a connection exists or
// is pending is a no-op. A different session replaces the current one.
func (m *Manager) Connect(ctx context.Context, session model.Session) error {
	if ctx != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	if !session.Valid() {
		return ErrNoSession
	}
	if auth.Expired(session.Token, time.Now()) {
		err := &FatalError{Status: http.StatusUnauthorized, Err: ErrSessionExpired}
		m.setState(Disconnected, err)
		return err
	}

	m.mu.Lock()
	if m.active {
		same := m.session.Identity() == session.Identity() && m.session.Token == session.Token
		m.mu.Unlock()
		if same {
			return nil
		}
		m.Disconnect()
		m.mu.Lock()
		if m.active {
			// Another caller connected in between; it wins.
			m.mu.Unlock()
			return nil
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	m.active = true
	m.session = session
	m.cancel = cancel
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	go m.run(runCtx, session, done)
	return nil
}

// Disconnect closes the connection and stops reconnecting. It returns after
// the connection loop has exited, so no connection outlives the call. It
// must not be called from a Handler.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return
	}
	// Cancel under the lock so establish either publishes its transport
	// before this point or observes the cancellation.
	m.cancel()
	done, t := m.done, m.transport
	m.mu.Unlock()

	if t != nil {
		m.writeMu.Lock()
		_ = t.SetWriteDeadline(time.Now().Add(time.Second))
		_ = t.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		m.writeMu.Unlock()
		_ = t.Close()
	}
	<-done

	m.mu.Lock()
	// A newer Connect may have started while we waited.
	current := m.done == done
	if current {
		m.active = false
		m.session = model.Session{}
		m.cancel = nil
		m.done = nil
	}
	m.mu.Unlock()
	if current {
		m.setState(Disconnected, nil)
	}
}

// Emit sends one event on the live connection.
func (m *Manager) Emit(ctx context.Context, event model.EventName, payload any) error {
	if ctx != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	env, err := model.NewEnvelope(event, payload)
	if err != nil {
		return errors.Wrapf(err, "encode %s", event)
	}
	b, err := json.Marshal(env)
	if err != nil {
		return errors.Wrapf(err, "encode %s", event)
	}

	m.mu.Lock()
	t, state := m.transport, m.state
	m.mu.Unlock()
	if t == nil || state != Connected {
		return ErrNotConnected
	}
	if err := m.write(t, b); err != nil {
		// The read loop sees the broken transport and reconnects.
		_ = t.Close()
		return errors.Wrapf(err, "send %s", event)
	}
	return nil
}

// WaitFor blocks until the manager reaches state or ctx ends.
func (m *Manager) WaitFor(ctx context.Context, state State) error {
	reached := make(chan struct{}, 1)
	unsubscribe := m.OnState(func(s State, _ error) {
		if s == state {
			select {
			case reached <- struct{}{}:
			default:
			}
		}
	})
	defer unsubscribe()
	if m.State() == state {
		return nil
	}
	select {
	case <-reached:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) write(t Transport, b []byte) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := t.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout)); err != nil {
		return err
	}
	return t.WriteMessage(websocket.TextMessage, b)
}

func (m *Manager) run(ctx context.Context, session model.Session, done chan struct{}) {
	defer close(done)
	logger := log.With().Str("component", "conn").Str("user", session.Identity()).Logger()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+session.Token)

	failures := 0
	next := Connecting
	for {
		m.setState(next, nil)
		t, err := m.establish(ctx, session, header)
		if err == nil {
			failures = 0
			logger.Info().Msg("live connection established")
			err = m.readLoop(t)
			m.mu.Lock()
			m.transport = nil
			m.mu.Unlock()
			_ = t.Close()
			if ctx.Err() != nil {
				return
			}
			logger.Warn().Err(err).Msg("live connection lost")
		} else {
			if ctx.Err() != nil {
				return
			}
			if IsFatal(err) {
				logger.Error().Err(err).Msg("live connection rejected, not retrying")
				m.stopWith(done, err)
				return
			}
			logger.Warn().Err(err).Msg("live connection attempt failed")
		}

		failures++
		if m.cfg.Backoff.Exhausted(failures) {
			err = errors.Wrapf(ErrRetriesExhausted, "after %d attempts: %v", failures, err)
			logger.Error().Err(err).Msg("giving up on live connection")
			m.stopWith(done, err)
			return
		}
		next = Reconnecting
		m.setState(Reconnecting, err)
		if m.sleep(ctx, m.cfg.Backoff.Delay(failures)) != nil {
			return
		}
	}
}

// establish dials and sends the handshake. The transport is published to
// Emit only after the handshake is on the wire.
func (m *Manager) establish(ctx context.Context, session model.Session, header http.Header) (Transport, error) {
	t, resp, err := m.cfg.Dialer.Dial(ctx, m.cfg.URL, header)
	if err != nil {
		metrics.DialAttempts.WithLabelValues("error").Inc()
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &FatalError{Status: resp.StatusCode, Err: err}
		}
		return nil, errors.Wrap(err, "dial")
	}
	metrics.DialAttempts.WithLabelValues("ok").Inc()

	env, err := model.NewEnvelope(model.EventRegisterUser, model.RegisterUser{Username: session.Identity()})
	if err != nil {
		_ = t.Close()
		return nil, err
	}
	b, err := json.Marshal(env)
	if err != nil {
		_ = t.Close()
		return nil, err
	}
	if err := m.write(t, b); err != nil {
		_ = t.Close()
		return nil, errors.Wrap(err, "handshake")
	}
	metrics.Handshakes.Inc()

	m.mu.Lock()
	if ctx.Err() != nil {
		m.mu.Unlock()
		_ = t.Close()
		return nil, ctx.Err()
	}
	m.transport = t
	m.state = Connected
	m.lastErr = nil
	m.mu.Unlock()
	m.notify(Connected, nil)
	return t, nil
}

func (m *Manager) readLoop(t Transport) error {
	extend := func() { _ = t.SetReadDeadline(time.Now().Add(m.cfg.ReadTimeout)) }
	t.SetPingHandler(func(appData string) error {
		extend()
		err := t.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(m.cfg.WriteTimeout))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})
	extend()
	for {
		_, raw, err := t.ReadMessage()
		extend()
		if err != nil {
			return err
		}
		var env model.Envelope
		if err := json.Unmarshal(raw, &env); err != nil || env.Event == "" {
			metrics.MalformedFrames.Inc()
			log.Warn().Str("component", "conn").Msg("dropping malformed frame")
			continue
		}
		metrics.FramesReceived.WithLabelValues(string(env.Event)).Inc()
		m.dispatch(env)
	}
}

func (m *Manager) dispatch(env model.Envelope) {
	m.subMu.Lock()
	entries := append([]handlerEntry(nil), m.handlers[env.Event]...)
	m.subMu.Unlock()
	for _, e := range entries {
		e.fn(env.Data)
	}
}

// stopWith marks the loop identified by done as finished because of err.
func (m *Manager) stopWith(done chan struct{}, err error) {
	m.mu.Lock()
	if m.done == done {
		m.active = false
		m.session = model.Session{}
		m.cancel = nil
		m.done = nil
	}
	m.mu.Unlock()
	m.setState(Disconnected, err)
}

func (m *Manager) setState(s State, err error) {
	m.mu.Lock()
	if m.state == s && err == nil {
		m.mu.Unlock()
		return
	}
	m.state = s
	m.lastErr = err
	m.mu.Unlock()
	m.notify(s, err)
}

func (m *Manager) notify(s State, err error) {
	metrics.ConnectionState.Set(float64(s))
	m.subMu.Lock()
	listeners := append([]listenerEntry(nil), m.listeners...)
	m.subMu.Unlock()
	for _, l := range listeners {
		l.fn(s, err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
