package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mahaj/ichat/pkg/auth"
	"github.com/mahaj/ichat/pkg/chat"
	"github.com/mahaj/ichat/pkg/chattest"
	"github.com/mahaj/ichat/pkg/config"
	"github.com/mahaj/ichat/pkg/conn"
	"github.com/mahaj/ichat/pkg/restapi"
	"github.com/mahaj/ichat/pkg/session"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testApp(t *testing.T, srv *chattest.Server, backend session.Backend) *app {
	t.Helper()
	cfg := config.Default()
	cfg.APIURL = srv.URL()
	cfg.WSURL = srv.WSURL()
	client, err := chat.New(cfg, session.NewStore(backend))
	require.NoError(t, err)
	require.NoError(t, client.Start(context.Background()))
	a := &app{cfg: cfg, backend: backend, client: client, closers: []func(){client.Close}}
	t.Cleanup(a.Close)
	return a
}

func TestRunChatSendsAndRenders(t *testing.T) {
	srv := chattest.Start(t)
	require.True(t, srv.AddUser("alice", "a@b.com", "secret"))
	a := testApp(t, srv, session.NewMemoryBackend())
	_, err := a.client.Login(context.Background(), "a@b.com", "secret")
	require.NoError(t, err)

	in, feed := io.Pipe()
	t.Cleanup(func() { _ = feed.Close() })
	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() { done <- runChat(context.Background(), a, in, out) }()

	require.Eventually(t, func() bool { return a.client.State() == conn.Connected }, 5*time.Second, 10*time.Millisecond)
	_, err = io.WriteString(feed, "hello there\n/who\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		s := out.String()
		return strings.Contains(s, "hello there") && strings.Contains(s, "Online (1): alice")
	}, 5*time.Second, 10*time.Millisecond)
	require.Len(t, srv.GroupMessages(), 1)

	_, err = io.WriteString(feed, "/quit\n")
	require.NoError(t, err)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("chat loop did not exit on /quit")
	}
}

func TestRunChatEndsOnLogoutElsewhere(t *testing.T) {
	srv := chattest.Start(t)
	require.True(t, srv.AddUser("alice", "a@b.com", "secret"))
	backend := session.NewMemoryBackend()
	a := testApp(t, srv, backend)
	other := testApp(t, srv, backend)
	_, err := a.client.Login(context.Background(), "a@b.com", "secret")
	require.NoError(t, err)

	in, feed := io.Pipe()
	t.Cleanup(func() { _ = feed.Close() })
	done := make(chan error, 1)
	go func() { done <- runChat(context.Background(), a, in, io.Discard) }()
	require.Eventually(t, func() bool { return srv.LiveConnections() == 2 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, other.client.Logout(context.Background()))
	select {
	case err := <-done:
		require.ErrorIs(t, err, errLoggedOut)
	case <-time.After(5 * time.Second):
		t.Fatal("chat loop did not exit on logout")
	}
}

func TestDescribe(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{err: &auth.AuthError{Message: "Invalid email or password"}, want: "Invalid email or password"},
		{err: &restapi.NetworkError{Op: "login", Err: io.EOF}, want: "cannot reach the chat server"},
		{err: &restapi.StatusError{Op: "open", Status: http.StatusNotFound, Message: "Session not found"}, want: "Session not found"},
		{err: &conn.FatalError{Status: http.StatusUnauthorized, Err: conn.ErrSessionExpired}, want: "session rejected by the server, log in again"},
		{err: errNotLoggedIn, want: errNotLoggedIn.Error()},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, describe(tt.err))
	}
}

func TestRootCommandTree(t *testing.T) {
	root := newRootCmd()
	for _, path := range [][]string{{"login"}, {"register"}, {"logout"}, {"whoami"}, {"chat"}, {"history", "list"}, {"history", "open"}, {"history", "delete"}} {
		cmd, _, err := root.Find(path)
		require.NoError(t, err)
		require.Equal(t, path[len(path)-1], cmd.Name())
	}
}

func TestFlagsPickSessionBackend(t *testing.T) {
	tests := []struct {
		name  string
		flags rootFlags
		want  string
	}{
		{name: "default", want: config.BackendMemory},
		{name: "redis address alone", flags: rootFlags{redisAddr: "cache:6379"}, want: config.BackendRedis},
		{name: "explicit backend wins", flags: rootFlags{redisAddr: "cache:6379", backend: config.BackendMemory}, want: config.BackendMemory},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.flags.apply(&cfg)
			require.Equal(t, tt.want, cfg.SessionBackend)
			require.NoError(t, cfg.Validate())
		})
	}
}
