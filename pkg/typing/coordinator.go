// Package typing debounces the local "typing" signal and tracks which
// remote users are typing.
package typing

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mahaj/ichat/pkg/conn"
	"github.com/mahaj/ichat/pkg/model"
)

const (
	DefaultIdle      = time.Second
	DefaultRemoteTTL = 3 * time.Second
)

// Timer is the part of *time.Timer the coordinator uses.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d. time.AfterFunc is the default.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

type Config struct {
	// Idle is how long after the last local edit stop-typing is sent.
	Idle time.Duration
	// RemoteTTL expires a remote typer whose stop-typing never arrived.
	RemoteTTL time.Duration
	AfterFunc AfterFunc
}

type remoteTyper struct {
	started uint64
	touched uint64
	gen     uint64
	timer   Timer
}

type Coordinator struct {
	idle      time.Duration
	ttl       time.Duration
	afterFunc AfterFunc

	mu       sync.Mutex
	self     string
	emitter  conn.Emitter
	local    Timer
	localGen uint64
	typing   bool
	closed   bool

	seq     uint64
	remote  map[string]*remoteTyper
	changes map[uint64]func()
	nextSub uint64
}

func New(cfg Config) *Coordinator {
	if cfg.Idle <= 0 {
		cfg.Idle = DefaultIdle
	}
	if cfg.RemoteTTL <= 0 {
		cfg.RemoteTTL = DefaultRemoteTTL
	}
	if cfg.AfterFunc == nil {
		cfg.AfterFunc = realAfterFunc
	}
	return &Coordinator{
		idle:      cfg.Idle,
		ttl:       cfg.RemoteTTL,
		afterFunc: cfg.AfterFunc,
		remote:    map[string]*remoteTyper{},
		changes:   map[uint64]func(){},
	}
}

// Bind sets the local identity and where local signals go. It is called
// when a session starts; Reset undoes it.
func (c *Coordinator) Bind(self string, emitter conn.Emitter) {
	c.mu.Lock()
	c.self = self
	c.emitter = emitter
	c.closed = false
	c.mu.Unlock()
}

// OnLocalEdit is called for every change to the input. It sends typing
// and restarts the idle timer; stop-typing goes out once the input has been
// idle for the whole interval.
func (c *Coordinator) OnLocalEdit() {
	c.mu.Lock()
	if c.closed || c.emitter == nil {
		c.mu.Unlock()
		return
	}
	if c.local != nil {
		c.local.Stop()
	}
	c.localGen++
	gen := c.localGen
	c.typing = true
	c.local = c.afterFunc(c.idle, func() { c.idleFired(gen) })
	emitter, self := c.emitter, c.self
	c.mu.Unlock()

	c.emit(emitter, model.EventTyping, model.Typing{Username: self})
}

func (c *Coordinator) idleFired(gen uint64) {
	c.mu.Lock()
	if gen != c.localGen || !c.typing || c.closed {
		c.mu.Unlock()
		return
	}
	c.typing = false
	c.local = nil
	emitter, self := c.emitter, c.self
	c.mu.Unlock()

	c.emit(emitter, model.EventStopTyping, model.StopTyping{Username: self})
}

// Flush sends stop-typing now and cancels the idle timer. The send path
// calls it after a message goes out.
func (c *Coordinator) Flush() {
	c.mu.Lock()
	if c.closed || c.emitter == nil {
		c.mu.Unlock()
		return
	}
	c.stopLocalLocked()
	emitter, self := c.emitter, c.self
	c.mu.Unlock()

	c.emit(emitter, model.EventStopTyping, model.StopTyping{Username: self})
}

// Typing reports whether a local stop-typing is pending.
func (c *Coordinator) Typing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.typing
}

func (c *Coordinator) stopLocalLocked() {
	if c.local != nil {
		c.local.Stop()
		c.local = nil
	}
	c.localGen++
	c.typing = false
}

func (c *Coordinator) emit(emitter conn.Emitter, event model.EventName, payload any) {
	if err := emitter.Emit(context.Background(), event, payload); err != nil {
		log.Debug().Err(err).Str("component", "typing").Str("event", string(event)).Msg("typing signal not sent")
	}
}

// OnRemoteTyping marks identity as typing until it stops or its TTL runs
// out. The local identity is ignored.
func (c *Coordinator) OnRemoteTyping(identity string) {
	c.mu.Lock()
	if identity == "" || identity == c.self || c.closed {
		c.mu.Unlock()
		return
	}
	c.seq++
	rt, ok := c.remote[identity]
	if !ok {
		rt = &remoteTyper{started: c.seq}
		c.remote[identity] = rt
	}
	rt.touched = c.seq
	if rt.timer != nil {
		rt.timer.Stop()
	}
	rt.gen++
	gen := rt.gen
	rt.timer = c.afterFunc(c.ttl, func() { c.expire(identity, gen) })
	c.mu.Unlock()

	c.changed()
}

// OnRemoteStop clears identity. An empty identity comes from servers that
// do not say who stopped; it clears every remote typer.
func (c *Coordinator) OnRemoteStop(identity string) {
	c.mu.Lock()
	if c.closed || (identity != "" && identity == c.self) {
		c.mu.Unlock()
		return
	}
	changed := false
	if identity == "" {
		changed = len(c.remote) > 0
		c.clearRemoteLocked()
	} else if rt, ok := c.remote[identity]; ok {
		if rt.timer != nil {
			rt.timer.Stop()
		}
		delete(c.remote, identity)
		changed = true
	}
	c.mu.Unlock()

	if changed {
		c.changed()
	}
}

func (c *Coordinator) expire(identity string, gen uint64) {
	c.mu.Lock()
	rt, ok := c.remote[identity]
	if !ok || rt.gen != gen {
		c.mu.Unlock()
		return
	}
	delete(c.remote, identity)
	c.mu.Unlock()

	log.Debug().Str("component", "typing").Str("user", identity).Msg("remote typing expired")
	c.changed()
}

func (c *Coordinator) clearRemoteLocked() {
	for id, rt := range c.remote {
		if rt.timer != nil {
			rt.timer.Stop()
		}
		delete(c.remote, id)
	}
}

// Displayed is the remote typer to show: whoever signalled most recently.
func (c *Coordinator) Displayed() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	best, name := uint64(0), ""
	for id, rt := range c.remote {
		if rt.touched > best {
			best, name = rt.touched, id
		}
	}
	return name, name != ""
}

// Typers lists every active remote typer in the order they started.
func (c *Coordinator) Typers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	type entry struct {
		name    string
		started uint64
	}
	entries := make([]entry, 0, len(c.remote))
	for id, rt := range c.remote {
		entries = append(entries, entry{name: id, started: rt.started})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].started < entries[j].started })
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.name
	}
	return out
}

// OnChange registers fn to run whenever the set of remote typers changes.
func (c *Coordinator) OnChange(fn func()) (unsubscribe func()) {
	c.mu.Lock()
	c.nextSub++
	id := c.nextSub
	c.changes[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.changes, id)
		c.mu.Unlock()
	}
}

func (c *Coordinator) changed() {
	c.mu.Lock()
	fns := make([]func(), 0, len(c.changes))
	for _, fn := range c.changes {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (c *Coordinator) HandleTyping(data json.RawMessage) {
	var t model.Typing
	if err := json.Unmarshal(data, &t); err != nil {
		log.Warn().Err(err).Str("component", "typing").Msg("ignoring malformed typing frame")
		return
	}
	c.OnRemoteTyping(t.Username)
}

func (c *Coordinator) HandleStopTyping(data json.RawMessage) {
	var st model.StopTyping
	if len(data) > 0 {
		if err := json.Unmarshal(data, &st); err != nil {
			log.Warn().Err(err).Str("component", "typing").Msg("ignoring malformed stop-typing frame")
			return
		}
	}
	c.OnRemoteStop(st.Username)
}

// Attach follows typing and stop-typing on src.
func (c *Coordinator) Attach(src conn.Subscriber) {
	src.On(model.EventTyping, c.HandleTyping)
	src.On(model.EventStopTyping, c.HandleStopTyping)
}

// Reset drops all local and remote state without sending anything and
// unbinds the session.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	c.stopLocalLocked()
	had := len(c.remote) > 0
	c.clearRemoteLocked()
	c.self = ""
	c.emitter = nil
	c.mu.Unlock()
	if had {
		c.changed()
	}
}

// Close resets the coordinator and ignores everything after.
func (c *Coordinator) Close() {
	c.Reset()
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}
