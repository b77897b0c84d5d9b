// Package session is the authoritative record of who is logged in. A Store
// is one tab's view of a Backend shared by every tab; the last write wins.
package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/mahaj/ichat/pkg/model"
)

var ErrInvalidSession = errors.New("session needs a username and a token")

const reloadTimeout = 5 * time.Second

// Listener is told the session after every change. ok is false when logged
// out. Listeners run while the store holds its write lock and must not call
// Persist or Clear.
type Listener func(s model.Session, ok bool)

type listenerEntry struct {
	id uint64
	fn Listener
}

type Store struct {
	backend Backend
	tab     string

	// writeMu orders this tab's writes against reloads triggered by other
	// tabs, so a reload never applies a value older than the backend's.
	writeMu sync.Mutex

	mu      sync.Mutex
	current model.Session
	has     bool
	stop    func()

	subMu     sync.Mutex
	nextID    uint64
	listeners []listenerEntry
}

func NewStore(backend Backend) *Store {
	return &Store{
		backend: backend,
		tab:     uuid.NewString(),
	}
}

// Tab identifies this store as a writer on the backend.
func (s *Store) Tab() string { return s.tab }

// Open loads the persisted session and starts following writes from other
// tabs.
func (s *Store) Open(ctx context.Context) error {
	stop, err := s.backend.Watch(ctx, s.tab, s.onRemoteChange)
	if err != nil {
		return errors.Wrap(err, "watch session")
	}
	s.mu.Lock()
	s.stop = stop
	s.mu.Unlock()
	s.Load(ctx)
	return nil
}

// Close stops following other tabs.
func (s *Store) Close() {
	s.mu.Lock()
	stop := s.stop
	s.stop = nil
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// Load reads the persisted session. Anything unreadable counts as logged
// out.
func (s *Store) Load(ctx context.Context) (model.Session, bool) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	sess, ok := s.read(ctx)
	s.mu.Lock()
	s.current, s.has = sess, ok
	s.mu.Unlock()
	return sess, ok
}

func (s *Store) read(ctx context.Context) (model.Session, bool) {
	logger := log.With().Str("component", "session").Logger()

	raw, ok, err := s.backend.Get(ctx, KeyUser)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to read stored user")
		return model.Session{}, false
	}
	if !ok {
		return model.Session{}, false
	}
	var user model.User
	if err := json.Unmarshal([]byte(raw), &user); err != nil {
		logger.Warn().Err(err).Msg("stored user is not valid JSON")
		return model.Session{}, false
	}
	token, ok, err := s.backend.Get(ctx, KeyToken)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to read stored token")
		return model.Session{}, false
	}
	sess := model.Session{User: user, Token: token}
	if !ok || !sess.Valid() {
		return model.Session{}, false
	}
	return sess, true
}

// Current returns the session as last loaded or written by this tab.
func (s *Store) Current() (model.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, s.has
}

// Persist writes sess and tells this tab's listeners before returning.
// Other tabs hear about it through the backend.
func (s *Store) Persist(ctx context.Context, sess model.Session) error {
	if !sess.Valid() {
		return ErrInvalidSession
	}
	user, err := json.Marshal(sess.User)
	if err != nil {
		return errors.Wrap(err, "encode user")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.backend.Set(ctx, s.tab, map[string]string{
		KeyUser:  string(user),
		KeyToken: sess.Token,
	}); err != nil {
		return errors.Wrap(err, "persist session")
	}
	s.apply(sess, true)
	return nil
}

// Clear logs out. The local view is cleared even if the backend write
// fails.
func (s *Store) Clear(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	err := s.backend.Delete(ctx, s.tab, KeyUser, KeyToken)
	s.apply(model.Session{}, false)
	return errors.Wrap(err, "clear session")
}

// Subscribe registers fn for session changes and returns its unsubscribe
// func.
func (s *Store) Subscribe(fn Listener) (unsubscribe func()) {
	s.subMu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners = append(s.listeners, listenerEntry{id: id, fn: fn})
	s.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			defer s.subMu.Unlock()
			for i, e := range s.listeners {
				if e.id == id {
					s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
					break
				}
			}
		})
	}
}

func (s *Store) onRemoteChange(c Change) {
	ctx, cancel := context.WithTimeout(context.Background(), reloadTimeout)
	defer cancel()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	sess, ok := s.read(ctx)

	s.mu.Lock()
	same := s.has == ok && s.current == sess
	s.mu.Unlock()
	if same {
		return
	}
	log.Debug().Str("component", "session").Str("origin", c.Origin).Bool("logged_in", ok).Msg("session changed in another tab")
	s.apply(sess, ok)
}

func (s *Store) apply(sess model.Session, ok bool) {
	s.mu.Lock()
	s.current, s.has = sess, ok
	s.mu.Unlock()

	s.subMu.Lock()
	listeners := append([]listenerEntry(nil), s.listeners...)
	s.subMu.Unlock()
	for _, l := range listeners {
		l.fn(sess, ok)
	}
}
