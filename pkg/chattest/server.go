// Package chattest runs an in-process chat backend that speaks the same REST
// and live-channel contract as the production server. Tests drive the
// client packages against it; apps/devserver serves it on a real port.
package chattest

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mahaj/ichat/pkg/auth"
	"github.com/mahaj/ichat/pkg/model"
	"github.com/mahaj/ichat/pkg/snowflake"
)

// DefaultSigningKey signs tokens when no key is configured.
var DefaultSigningKey = []byte("chattest-signing-key")

type Server struct {
	hub    *Hub
	store  *store
	signer *auth.Signer
	ids    *snowflake.Generator

	handler http.Handler
	http    *httptest.Server

	closeOnce sync.Once
}

type Option func(*serverOptions)

type serverOptions struct {
	key      []byte
	tokenTTL time.Duration
	node     int64
}

func WithSigningKey(key []byte) Option {
	return func(o *serverOptions) { o.key = key }
}

func WithTokenTTL(ttl time.Duration) Option {
	return func(o *serverOptions) { o.tokenTTL = ttl }
}

func WithNode(node int64) Option {
	return func(o *serverOptions) { o.node = node }
}

// New builds a server and starts its hub. It does not listen; use Handler
// with an http.Server, or Start for a test listener.
func New(opts ...Option) (*Server, error) {
	o := serverOptions{key: DefaultSigningKey, node: 1}
	for _, opt := range opts {
		opt(&o)
	}
	node, err := snowflake.NewGenerator(o.node)
	if err != nil {
		return nil, err
	}
	st := newStore()
	s := &Server{
		store:  st,
		signer: auth.NewSigner(o.key, o.tokenTTL),
		ids:    node,
		hub:    newHub(node, st),
	}
	s.handler = s.router()
	go s.hub.run()
	return s, nil
}

// Start runs a server on a loopback listener and closes it when the test
// ends.
func Start(t testing.TB, opts ...Option) *Server {
	t.Helper()
	s, err := New(opts...)
	if err != nil {
		t.Fatalf("chattest: %v", err)
	}
	s.http = httptest.NewServer(s.handler)
	t.Cleanup(s.Close)
	return s
}

func (s *Server) Handler() http.Handler { return s.handler }

// URL is the REST base URL of a started server.
func (s *Server) URL() string {
	if s.http == nil {
		return ""
	}
	return s.http.URL
}

// WSURL is the live channel URL of a started server.
func (s *Server) WSURL() string {
	if s.http == nil {
		return ""
	}
	return "ws" + strings.TrimPrefix(s.http.URL, "http") + "/ws"
}

func (s *Server) Close() {
	s.closeOnce.Do(func() {
		s.hub.closeAll()
		s.hub.stop()
		if s.http != nil {
			s.http.Close()
		}
		log.Debug().Str("component", "chattest").Msg("server closed")
	})
}

// AddUser creates an account. It reports false when the email or username
// is taken.
func (s *Server) AddUser(username, email, password string) bool {
	return s.store.addAccount(account{username: username, email: email, password: password})
}

// IssueToken returns a valid credential for username without a login round
// trip.
func (s *Server) IssueToken(username string) string {
	tok, err := s.signer.GenerateToken(username, "")
	if err != nil {
		panic(err)
	}
	return tok
}

// Session returns a ready to use session for username.
func (s *Server) Session(username string) model.Session {
	return model.Session{
		User:  model.User{ID: username, Username: username, Email: username + "@example.com"},
		Token: s.IssueToken(username),
	}
}

// SeedGroup appends messages to the group history, assigning ids and
// timestamps where missing. The stored messages are returned.
func (s *Server) SeedGroup(msgs ...model.Message) []model.Message {
	out := make([]model.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.ID == "" {
			m.ID = s.ids.Next().String()
		}
		if m.ChannelID == "" {
			m.ChannelID = model.GroupChannelID
		}
		if m.Time.IsZero() {
			m.Time = time.Now().UTC()
		}
		s.store.appendGroup(m)
		out = append(out, m)
	}
	return out
}

// SetGroupHistoryBody makes the group history endpoint answer with body
// verbatim. nil restores normal behavior.
func (s *Server) SetGroupHistoryBody(body []byte) {
	s.store.mu.Lock()
	s.store.groupHistoryBody = body
	s.store.mu.Unlock()
}

// HoldGroupHistory blocks group history requests until release is called.
func (s *Server) HoldGroupHistory() (release func()) {
	gate := make(chan struct{})
	s.store.mu.Lock()
	s.store.historyGate = gate
	s.store.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.store.mu.Lock()
			s.store.historyGate = nil
			s.store.mu.Unlock()
			close(gate)
		})
	}
}

// SeedArchive adds an archived conversation and its messages.
func (s *Server) SeedArchive(session model.HistorySession, msgs ...model.Message) {
	if msgs == nil {
		msgs = []model.Message{}
	}
	s.store.mu.Lock()
	s.store.archive = append(s.store.archive, session)
	s.store.archiveMessages[session.ID] = msgs
	s.store.mu.Unlock()
}

// Deleted lists archive ids removed through the REST endpoint.
func (s *Server) Deleted() []string {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	return append([]string(nil), s.store.deleted...)
}

// RejectUpgrades makes the live endpoint answer every upgrade with status.
// Zero accepts upgrades again.
func (s *Server) RejectUpgrades(status int) {
	s.store.mu.Lock()
	s.store.rejectStatus = status
	s.store.mu.Unlock()
}

// UseLegacyStopTyping relays stop-typing without naming the sender.
func (s *Server) UseLegacyStopTyping(legacy bool) {
	s.store.mu.Lock()
	s.store.legacyStopTyping = legacy
	s.store.mu.Unlock()
}

// DropConnections closes every live connection, as a network failure would.
func (s *Server) DropConnections() {
	s.hub.closeAll()
}

// Broadcast pushes a server frame to every live connection.
func (s *Server) Broadcast(event model.EventName, payload any) {
	s.hub.publish(event, payload, nil)
}

// Registrations counts register-user handshakes received for username.
func (s *Server) Registrations(username string) int {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	return s.store.registrations[username]
}

// Connections counts accepted upgrades over the server's lifetime.
func (s *Server) Connections() int {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	return s.store.connections
}

// LiveConnections counts connections currently attached to the hub.
func (s *Server) LiveConnections() int {
	return s.hub.count()
}

// GroupMessages returns the stored group history.
func (s *Server) GroupMessages() []model.Message {
	msgs, _, _ := s.store.groupHistory()
	return msgs
}
