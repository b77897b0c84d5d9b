package restapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestURLEscapesSegments(t *testing.T) {
	c, err := New("http://example.com/base/")
	require.NoError(t, err)
	require.Equal(t, "http://example.com/base/api/chat/messages/a%20b", c.URL("api", "chat", "messages", "a b"))
}

func TestNewRejectsRelativeURL(t *testing.T) {
	_, err := New("/api")
	require.Error(t, err)
}

func TestDoSendsBearerAndDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"message":"ok"}`))
	}))
	defer srv.Close()

	c, err := New(srv.URL, WithToken(func() string { return "tok" }))
	require.NoError(t, err)

	var out struct {
		Message string `json:"message"`
	}
	require.NoError(t, c.Do(context.Background(), "fetch x", http.MethodGet, c.URL("x"), nil, &out))
	require.Equal(t, "ok", out.Message)
}

func TestDoStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"Invalid credentials"}`))
	}))
	defer srv.Close()

	c, err := New(srv.URL)
	require.NoError(t, err)

	err = c.Do(context.Background(), "login", http.MethodPost, c.URL("login"), map[string]string{"a": "b"}, nil)
	require.Error(t, err)
	require.Equal(t, http.StatusUnauthorized, StatusOf(err))
	var se *StatusError
	require.ErrorAs(t, err, &se)
	require.Equal(t, "Invalid credentials", se.Message)
}

func TestDoNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	c, err := New(addr)
	require.NoError(t, err)
	err = c.Do(context.Background(), "fetch x", http.MethodGet, c.URL("x"), nil, nil)
	require.True(t, IsNetwork(err))
}

func TestDecodeListFailsSoft(t *testing.T) {
	require.Empty(t, DecodeList[int]("t", []byte(`{"error":"nope"}`)))
	require.Empty(t, DecodeList[int]("t", []byte(`[1,`)))
	require.Empty(t, DecodeList[int]("t", nil))
	require.NotNil(t, DecodeList[int]("t", []byte(`null`)))
	require.Equal(t, []int{1, 2}, DecodeList[int]("t", []byte(` [1,2]`)))
}
