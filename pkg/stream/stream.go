// Package stream keeps the message view of the active channel: stored
// history followed by live deliveries, each message id at most once.
package stream

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/mahaj/ichat/pkg/conn"
	"github.com/mahaj/ichat/pkg/metrics"
	"github.com/mahaj/ichat/pkg/model"
)

var (
	ErrEmptyMessage = errors.New("message needs text or an attachment")
	ErrNotActive    = errors.New("no channel is active")
)

// Flusher ends the local typing signal. The typing coordinator satisfies it.
type Flusher interface {
	Flush()
}

type Option func(*Stream)

// WithFlusher hands the stop-typing that follows every send to f instead
// of emitting it directly.
func WithFlusher(f Flusher) Option {
	return func(s *Stream) { s.flusher = f }
}

// WithClock replaces time.Now for send timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Stream) { s.now = now }
}

type Stream struct {
	history HistoryFetcher
	flusher Flusher
	now     func() time.Time

	mu       sync.Mutex
	self     string
	emitter  conn.Emitter
	channel  string
	gen      uint64
	fetching bool
	msgs     []model.Message
	ids      map[string]struct{}
	pending  []model.Message

	subMu   sync.Mutex
	nextSub uint64
	changes map[uint64]func()
}

func New(history HistoryFetcher, opts ...Option) *Stream {
	s := &Stream{
		history: history,
		now:     time.Now,
		ids:     map[string]struct{}{},
		changes: map[uint64]func(){},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Bind sets the identity used for isSelf tagging and the connection sends
// go out on.
func (s *Stream) Bind(self string, emitter conn.Emitter) {
	s.mu.Lock()
	s.self = self
	s.emitter = emitter
	s.mu.Unlock()
}

// Activate makes channelID the active channel. The view is rebuilt from
// stored history; live messages that arrive while history is loading are
// kept and appended after it. A failed fetch leaves an empty history and is
// only logged.
func (s *Stream) Activate(ctx context.Context, channelID string) {
	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.channel = channelID
	s.fetching = true
	s.msgs = nil
	s.ids = map[string]struct{}{}
	s.pending = nil
	s.mu.Unlock()
	s.changed()

	var history []model.Message
	if s.history != nil {
		var err error
		history, err = s.history.History(ctx, channelID)
		if err != nil {
			log.Warn().Err(err).Str("component", "stream").Str("channel", channelID).Msg("history unavailable, starting empty")
			history = nil
		}
	}

	s.mu.Lock()
	if gen != s.gen {
		// Superseded by a newer Activate or a Reset.
		s.mu.Unlock()
		return
	}
	for _, m := range history {
		if m.ChannelID == "" {
			m.ChannelID = channelID
		}
		m.Origin = model.OriginConfirmed
		m.IsSelf = s.self != "" && m.From == s.self
		s.insertLocked(m)
	}
	for _, m := range s.pending {
		s.insertLocked(m)
	}
	s.pending = nil
	s.fetching = false
	s.mu.Unlock()
	s.changed()
}

// Receive applies one live message. Messages for other channels are
// ignored, and so is any id already in the view.
func (s *Stream) Receive(m model.Message) {
	s.mu.Lock()
	if s.channel == "" || m.ChannelID != s.channel {
		s.mu.Unlock()
		return
	}
	m.Origin = model.OriginRemote
	m.IsSelf = s.self != "" && m.From == s.self
	if s.fetching {
		s.pending = append(s.pending, m)
		s.mu.Unlock()
		return
	}
	added := s.insertLocked(m)
	s.mu.Unlock()
	if added {
		s.changed()
	}
}

// insertLocked appends m unless its id is already present. Messages
// without an id cannot be matched and are always appended.
func (s *Stream) insertLocked(m model.Message) bool {
	if m.ID != "" {
		if _, dup := s.ids[m.ID]; dup {
			metrics.DuplicatesSuppressed.Inc()
			return false
		}
		s.ids[m.ID] = struct{}{}
	}
	s.msgs = append(s.msgs, m)
	metrics.MessagesAppended.WithLabelValues(string(m.Origin)).Inc()
	return true
}

// HandleMessage decodes a live message frame and applies it.
func (s *Stream) HandleMessage(data json.RawMessage) {
	var m model.Message
	if err := json.Unmarshal(data, &m); err != nil {
		log.Warn().Err(err).Str("component", "stream").Msg("ignoring malformed message frame")
		return
	}
	s.Receive(m)
}

// Attach follows live messages on src.
func (s *Stream) Attach(src conn.Subscriber) {
	src.On(model.EventMessage, s.HandleMessage)
}

// Send transmits a message to the active channel followed by stop-typing.
// Nothing is added to the view; the message shows up when the server
// delivers it back.
func (s *Stream) Send(ctx context.Context, text string, att *model.Attachment) error {
	text = strings.TrimSpace(text)
	if att != nil && att.Payload == "" {
		att = nil
	}
	if text == "" && att == nil {
		return ErrEmptyMessage
	}

	s.mu.Lock()
	self, emitter, channel := s.self, s.emitter, s.channel
	s.mu.Unlock()
	if channel == "" {
		return ErrNotActive
	}
	if emitter == nil {
		return conn.ErrNotConnected
	}

	err := emitter.Emit(ctx, model.EventMessage, model.OutgoingMessage{
		From:       self,
		Text:       text,
		ChannelID:  channel,
		Attachment: att,
		Time:       s.now(),
	})
	if err != nil {
		return errors.Wrap(err, "send message")
	}

	if s.flusher != nil {
		s.flusher.Flush()
	} else if err := emitter.Emit(ctx, model.EventStopTyping, model.StopTyping{Username: self}); err != nil {
		log.Debug().Err(err).Str("component", "stream").Msg("stop-typing not sent")
	}
	return nil
}

// Messages returns a copy of the view in display order.
func (s *Stream) Messages() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Message, len(s.msgs))
	copy(out, s.msgs)
	return out
}

func (s *Stream) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

// Channel is the active channel id, or "".
func (s *Stream) Channel() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel
}

// Loading reports whether history for the active channel is still being
// fetched.
func (s *Stream) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetching
}

// OnChange registers fn to run after every change to the view.
func (s *Stream) OnChange(fn func()) (unsubscribe func()) {
	s.subMu.Lock()
	s.nextSub++
	id := s.nextSub
	s.changes[id] = fn
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		delete(s.changes, id)
		s.subMu.Unlock()
	}
}

func (s *Stream) changed() {
	s.subMu.Lock()
	fns := make([]func(), 0, len(s.changes))
	for _, fn := range s.changes {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Reset deactivates the channel, empties the view and unbinds the session.
// An Activate still fetching is discarded.
func (s *Stream) Reset() {
	s.mu.Lock()
	s.gen++
	s.channel = ""
	s.fetching = false
	s.msgs = nil
	s.ids = map[string]struct{}{}
	s.pending = nil
	s.self = ""
	s.emitter = nil
	s.mu.Unlock()
	s.changed()
}
