package conn

import (
	"context"
	"sync"

	"github.com/mahaj/ichat/pkg/model"
)

// Handle is a counted reference to the manager's connection. The
// connection opens with the first Acquire and closes when the last handle
// is released, so views that attach and detach repeatedly never open a
// second connection.
type Handle struct {
	m    *Manager
	once sync.Once

	mu     sync.Mutex
	unsubs []func()
}

// Subscriber follows inbound events. *Handle satisfies it.
type Subscriber interface {
	On(event model.EventName, fn Handler)
}

// Emitter sends events on the live connection. *Handle and *Manager
// satisfy it.
type Emitter interface {
	Emit(ctx context.Context, event model.EventName, payload any) error
}

// NewHandle takes a reference without connecting, so dependents can
// subscribe through the handle before the first frame arrives. Follow it
// with Connect.
func (m *Manager) NewHandle() *Handle {
	m.mu.Lock()
	m.refs++
	m.mu.Unlock()
	return &Handle{m: m}
}

// Acquire takes a reference and connects session.
func (m *Manager) Acquire(ctx context.Context, session model.Session) (*Handle, error) {
	h := m.NewHandle()
	if err := h.Connect(ctx, session); err != nil {
		h.Release()
		return nil, err
	}
	return h, nil
}

// Connect connects the manager for session. It is a no-op when the
// manager is already connected or connecting for it.
func (h *Handle) Connect(ctx context.Context, session model.Session) error {
	return h.m.Connect(ctx, session)
}

// Refs is the number of outstanding handles.
func (m *Manager) Refs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refs
}

func (h *Handle) Manager() *Manager { return h.m }

// On subscribes through the handle; the subscription ends on Release.
func (h *Handle) On(event model.EventName, fn Handler) {
	unsub := h.m.On(event, fn)
	h.mu.Lock()
	h.unsubs = append(h.unsubs, unsub)
	h.mu.Unlock()
}

func (h *Handle) OnState(fn StateListener) {
	unsub := h.m.OnState(fn)
	h.mu.Lock()
	h.unsubs = append(h.unsubs, unsub)
	h.mu.Unlock()
}

func (h *Handle) Emit(ctx context.Context, event model.EventName, payload any) error {
	return h.m.Emit(ctx, event, payload)
}

// Release drops the handle's subscriptions and its reference. The last
// release disconnects. Release is idempotent.
func (h *Handle) Release() {
	h.once.Do(func() {
		h.mu.Lock()
		unsubs := h.unsubs
		h.unsubs = nil
		h.mu.Unlock()
		for _, u := range unsubs {
			u()
		}

		m := h.m
		m.mu.Lock()
		m.refs--
		last := m.refs <= 0
		if m.refs < 0 {
			m.refs = 0
		}
		m.mu.Unlock()
		if last {
			m.Disconnect()
		}
	})
}
