package chattest

import (
	"sync"

	"github.com/mahaj/ichat/pkg/model"
)

type account struct {
	username string
	email    string
	password string
}

// store is the server side state: accounts, the group channel history and
// the archive. It also records what clients did so tests can assert on it.
type store struct {
	mu sync.Mutex

	accounts map[string]account // by email
	group    []model.Message

	archive         []model.HistorySession
	archiveMessages map[string][]model.Message
	deleted         []string

	registrations map[string]int
	connections   int

	rejectStatus     int
	legacyStopTyping bool
	historyGate      chan struct{}
	groupHistoryBody []byte
}

func newStore() *store {
	return &store{
		accounts:        map[string]account{},
		archiveMessages: map[string][]model.Message{},
		registrations:   map[string]int{},
	}
}

func (s *store) addAccount(a account) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[a.email]; ok {
		return false
	}
	for _, existing := range s.accounts {
		if existing.username == a.username {
			return false
		}
	}
	s.accounts[a.email] = a
	return true
}

func (s *store) account(email string) (account, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[email]
	return a, ok
}

func (s *store) appendGroup(m model.Message) {
	s.mu.Lock()
	s.group = append(s.group, m)
	s.mu.Unlock()
}

func (s *store) groupHistory() ([]model.Message, []byte, chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Message, len(s.group))
	copy(out, s.group)
	return out, s.groupHistoryBody, s.historyGate
}

func (s *store) recordRegistration(username string) {
	s.mu.Lock()
	s.registrations[username]++
	s.mu.Unlock()
}

func (s *store) recordConnection() {
	s.mu.Lock()
	s.connections++
	s.mu.Unlock()
}

func (s *store) upgradeRejection() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rejectStatus
}

func (s *store) stopTypingSender(username string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.legacyStopTyping {
		return ""
	}
	return username
}

func (s *store) archiveList() []model.HistorySession {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.HistorySession, len(s.archive))
	copy(out, s.archive)
	return out
}

func (s *store) archiveSession(id string) ([]model.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs, ok := s.archiveMessages[id]
	return msgs, ok
}

func (s *store) deleteArchive(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, h := range s.archive {
		if h.ID == id {
			s.archive = append(s.archive[:i], s.archive[i+1:]...)
			delete(s.archiveMessages, id)
			s.deleted = append(s.deleted, id)
			return true
		}
	}
	return false
}
