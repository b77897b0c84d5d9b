package session

import (
	"context"
	"sync"
)

const (
	KeyUser  = "user"
	KeyToken = "token"
)

// Change is one write to a backend. Origin is the tab that made it.
type Change struct {
	Origin string   `json:"origin"`
	Keys   []string `json:"keys"`
}

// Backend is the storage shared by every tab. A write is one call, so other
// tabs never observe half of a session. Watch delivers changes made by every
// origin except the watching one, in write order, off the writer's
// goroutine.
type Backend interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, origin string, values map[string]string) error
	Delete(ctx context.Context, origin string, keys ...string) error
	Watch(ctx context.Context, origin string, fn func(Change)) (stop func(), err error)
}

// MemoryBackend is a process-local Backend. Stores sharing one behave like
// tabs of the same browser.
type MemoryBackend struct {
	mu       sync.Mutex
	values   map[string]string
	watchers map[*memoryWatcher]struct{}
}

type memoryWatcher struct {
	origin string
	fn     func(Change)
	queue  chan Change
	done   chan struct{}
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		values:   map[string]string{},
		watchers: map[*memoryWatcher]struct{}{},
	}
}

func (b *MemoryBackend) Get(_ context.Context, key string) (string, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.values[key]
	return v, ok, nil
}

func (b *MemoryBackend) Set(_ context.Context, origin string, values map[string]string) error {
	keys := make([]string, 0, len(values))
	b.mu.Lock()
	for k, v := range values {
		b.values[k] = v
		keys = append(keys, k)
	}
	b.mu.Unlock()
	b.publish(Change{Origin: origin, Keys: keys})
	return nil
}

func (b *MemoryBackend) Delete(_ context.Context, origin string, keys ...string) error {
	b.mu.Lock()
	for _, k := range keys {
		delete(b.values, k)
	}
	b.mu.Unlock()
	b.publish(Change{Origin: origin, Keys: keys})
	return nil
}

func (b *MemoryBackend) Watch(_ context.Context, origin string, fn func(Change)) (func(), error) {
	w := &memoryWatcher{
		origin: origin,
		fn:     fn,
		queue:  make(chan Change, 64),
		done:   make(chan struct{}),
	}
	b.mu.Lock()
	b.watchers[w] = struct{}{}
	b.mu.Unlock()

	go func() {
		for {
			select {
			case c := <-w.queue:
				w.fn(c)
			case <-w.done:
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.watchers, w)
			b.mu.Unlock()
			close(w.done)
		})
	}, nil
}

func (b *MemoryBackend) publish(c Change) {
	b.mu.Lock()
	targets := make([]*memoryWatcher, 0, len(b.watchers))
	for w := range b.watchers {
		if w.origin != c.Origin {
			targets = append(targets, w)
		}
	}
	b.mu.Unlock()
	for _, w := range targets {
		select {
		case w.queue <- c:
		case <-w.done:
		}
	}
}
