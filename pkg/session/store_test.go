package session

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/mahaj/ichat/pkg/model"
)

var alice = model.Session{
	User:  model.User{ID: "u1", Username: "alice", Email: "a@b.com"},
	Token: "tok-alice",
}

type recorder struct {
	mu     sync.Mutex
	events []bool
	last   model.Session
}

func (r *recorder) listen(s model.Session, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ok)
	r.last = s
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func openStore(t *testing.T, b Backend) *Store {
	t.Helper()
	s := NewStore(b)
	require.NoError(t, s.Open(context.Background()))
	t.Cleanup(s.Close)
	return s
}

func TestPersistLoadRoundTrip(t *testing.T) {
	b := NewMemoryBackend()
	s := openStore(t, b)

	_, ok := s.Current()
	require.False(t, ok)

	require.NoError(t, s.Persist(context.Background(), alice))
	got, ok := s.Load(context.Background())
	require.True(t, ok)
	require.Equal(t, alice, got)

	raw, ok, err := b.Get(context.Background(), KeyToken)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "tok-alice", raw)
}

func TestPersistRaisesInTabSignalSynchronously(t *testing.T) {
	s := openStore(t, NewMemoryBackend())
	var r recorder
	s.Subscribe(r.listen)

	require.NoError(t, s.Persist(context.Background(), alice))
	require.Equal(t, []bool{true}, r.events)
	require.Equal(t, alice, r.last)

	require.NoError(t, s.Clear(context.Background()))
	require.Equal(t, []bool{true, false}, r.events)
	_, ok := s.Current()
	require.False(t, ok)
}

func TestPersistRejectsIncompleteSession(t *testing.T) {
	s := openStore(t, NewMemoryBackend())
	err := s.Persist(context.Background(), model.Session{User: model.User{Username: "alice"}})
	require.ErrorIs(t, err, ErrInvalidSession)
}

func TestLoadFailsSoft(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name   string
		values map[string]string
	}{
		{name: "empty"},
		{name: "malformed user", values: map[string]string{KeyUser: "{not json", KeyToken: "t"}},
		{name: "missing token", values: map[string]string{KeyUser: `{"username":"alice"}`}},
		{name: "missing username", values: map[string]string{KeyUser: `{"email":"a@b.com"}`, KeyToken: "t"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewMemoryBackend()
			if tt.values != nil {
				require.NoError(t, b.Set(ctx, "seed", tt.values))
			}
			s := NewStore(b)
			_, ok := s.Load(ctx)
			require.False(t, ok)
		})
	}
}

func TestLoadAcceptsMongoStyleUser(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()
	require.NoError(t, b.Set(ctx, "seed", map[string]string{
		KeyUser:  `{"_id":"65f0","username":"alice","email":"a@b.com"}`,
		KeyToken: "t",
	}))
	got, ok := NewStore(b).Load(ctx)
	require.True(t, ok)
	require.Equal(t, "65f0", got.User.ID)
}

func TestLogoutInOneTabConvergesOthers(t *testing.T) {
	b := NewMemoryBackend()
	tabA := openStore(t, b)
	tabB := openStore(t, b)

	var rb recorder
	tabB.Subscribe(rb.listen)

	require.NoError(t, tabA.Persist(context.Background(), alice))
	require.Eventually(t, func() bool {
		got, ok := tabB.Current()
		return ok && got == alice
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, tabA.Clear(context.Background()))
	require.Eventually(t, func() bool {
		_, ok := tabB.Current()
		return !ok
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return rb.count() == 2 }, time.Second, 5*time.Millisecond)
}

func TestWriterDoesNotHearItsOwnChange(t *testing.T) {
	b := NewMemoryBackend()
	var mu sync.Mutex
	var seen []Change
	stop, err := b.Watch(context.Background(), "tab-a", func(c Change) {
		mu.Lock()
		seen = append(seen, c)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer stop()

	require.NoError(t, b.Set(context.Background(), "tab-a", map[string]string{KeyToken: "x"}))
	require.NoError(t, b.Set(context.Background(), "tab-b", map[string]string{KeyToken: "y"}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	require.Equal(t, "tab-b", seen[0].Origin)
	mu.Unlock()
}

// stallingBackend holds the next read of the stored user until resume is
// closed.
type stallingBackend struct {
	*MemoryBackend
	armed  chan struct{}
	stuck  chan struct{}
	resume chan struct{}
}

func (b *stallingBackend) Get(ctx context.Context, key string) (string, bool, error) {
	v, ok, err := b.MemoryBackend.Get(ctx, key)
	if key != KeyUser {
		return v, ok, err
	}
	select {
	case <-b.armed:
		b.armed = nil
		close(b.stuck)
		<-b.resume
	default:
	}
	return v, ok, err
}

func TestReloadFromOtherTabNeverOverwritesNewerWrite(t *testing.T) {
	shared := NewMemoryBackend()
	slow := &stallingBackend{
		MemoryBackend: shared,
		armed:         make(chan struct{}),
		stuck:         make(chan struct{}),
		resume:        make(chan struct{}),
	}
	tabA := openStore(t, slow)
	tabB := openStore(t, shared)

	bob := model.Session{User: model.User{ID: "u2", Username: "bob"}, Token: "tok-bob"}
	carol := model.Session{User: model.User{ID: "u3", Username: "carol"}, Token: "tok-carol"}

	close(slow.armed)
	require.NoError(t, tabB.Persist(context.Background(), bob))
	<-slow.stuck

	persisted := make(chan error, 1)
	go func() { persisted <- tabA.Persist(context.Background(), carol) }()
	time.Sleep(20 * time.Millisecond)
	close(slow.resume)
	require.NoError(t, <-persisted)

	stored, ok := NewStore(shared).Load(context.Background())
	require.True(t, ok)
	require.Equal(t, carol, stored)
	require.Eventually(t, func() bool {
		got, ok := tabA.Current()
		return ok && got == stored
	}, time.Second, 5*time.Millisecond)
	require.Never(t, func() bool {
		got, _ := tabA.Current()
		return got != carol
	}, 100*time.Millisecond, 5*time.Millisecond)
}

func TestUnsubscribe(t *testing.T) {
	s := openStore(t, NewMemoryBackend())
	var r recorder
	unsub := s.Subscribe(r.listen)
	unsub()
	unsub()
	require.NoError(t, s.Persist(context.Background(), alice))
	require.Equal(t, 0, r.count())
}

func TestRedisBackendAcrossTabs(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	ctx := context.Background()
	prefix := "ichat-test-" + uuid.NewString()

	b1 := NewRedisBackend(addr, prefix)
	b2 := NewRedisBackend(addr, prefix)
	defer b1.Close()
	defer b2.Close()
	require.NoError(t, b1.Ping(ctx))
	defer b1.Delete(ctx, "cleanup", KeyUser, KeyToken)

	tabA := openStore(t, b1)
	tabB := openStore(t, b2)

	require.NoError(t, tabA.Persist(ctx, alice))
	require.Eventually(t, func() bool {
		got, ok := tabB.Current()
		return ok && got == alice
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, tabA.Clear(ctx))
	require.Eventually(t, func() bool {
		_, ok := tabB.Current()
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}
