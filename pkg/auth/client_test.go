package auth_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mahaj/ichat/pkg/auth"
	"github.com/mahaj/ichat/pkg/chattest"
	"github.com/mahaj/ichat/pkg/restapi"
)

func newClient(t *testing.T, baseURL string) *auth.Client {
	t.Helper()
	rest, err := restapi.New(baseURL)
	require.NoError(t, err)
	return auth.NewClient(rest)
}

func TestLogin(t *testing.T) {
	srv := chattest.Start(t)
	require.True(t, srv.AddUser("alice", "a@b.com", "secret"))
	c := newClient(t, srv.URL())

	sess, err := c.Login(context.Background(), " a@b.com ", "secret")
	require.NoError(t, err)
	require.Equal(t, "alice", sess.Identity())
	require.Equal(t, "a@b.com", sess.User.Email)
	require.True(t, sess.Valid())
	require.False(t, auth.Expired(sess.Token, time.Now()))

	tests := []struct {
		name, email, password, want string
	}{
		{name: "missing fields", email: "", password: "x", want: "Please enter email and password"},
		{name: "wrong password", email: "a@b.com", password: "nope", want: "Invalid email or password"},
		{name: "unknown user", email: "z@b.com", password: "secret", want: "Invalid email or password"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Login(context.Background(), tt.email, tt.password)
			var ae *auth.AuthError
			require.ErrorAs(t, err, &ae)
			require.Equal(t, tt.want, ae.Message)
		})
	}
}

func TestLoginTakesUsernameFromToken(t *testing.T) {
	signer := auth.NewSigner([]byte("k"), time.Hour)
	tok, err := signer.GenerateToken("dave", "")
	require.NoError(t, err)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"token":"` + tok + `"}`))
	}))
	defer srv.Close()

	sess, err := newClient(t, srv.URL).Login(context.Background(), "d@b.com", "pw")
	require.NoError(t, err)
	require.Equal(t, "dave", sess.Identity())
	require.Equal(t, "d@b.com", sess.User.Email)
}

func TestLoginNetworkFailure(t *testing.T) {
	srv := chattest.Start(t)
	c := newClient(t, srv.URL())
	srv.Close()
	_, err := c.Login(context.Background(), "a@b.com", "secret")
	require.Error(t, err)
	require.False(t, auth.IsAuthError(err))
	require.True(t, restapi.IsNetwork(err))
}

func TestRegister(t *testing.T) {
	srv := chattest.Start(t)
	c := newClient(t, srv.URL())

	msg, err := c.Register(context.Background(), "erin", "e@b.com", "pw")
	require.NoError(t, err)
	require.Equal(t, "User registered successfully", msg)

	_, err = c.Register(context.Background(), "erin", "e@b.com", "pw")
	var ae *auth.AuthError
	require.ErrorAs(t, err, &ae)
	require.Equal(t, "User already exists", ae.Message)
	require.Equal(t, http.StatusConflict, ae.Status)

	_, err = c.Register(context.Background(), " ", "e@b.com", "pw")
	require.ErrorAs(t, err, &ae)
	require.Equal(t, "All fields are required.", ae.Message)

	_, err = c.Login(context.Background(), "e@b.com", "pw")
	require.NoError(t, err)
}

func TestRegisterFallbackMessages(t *testing.T) {
	status := http.StatusInternalServerError
	body := ""
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()
	c := newClient(t, srv.URL)

	_, err := c.Register(context.Background(), "u", "u@b.com", "pw")
	var ae *auth.AuthError
	require.ErrorAs(t, err, &ae)
	require.Equal(t, "Registration failed (500)", ae.Message)

	status, body = http.StatusCreated, "created"
	msg, err := c.Register(context.Background(), "u", "u@b.com", "pw")
	require.NoError(t, err)
	require.Equal(t, "Signup successful", msg)
}

func TestSignerAndExpiry(t *testing.T) {
	s := auth.NewSigner([]byte("key"), time.Minute)
	tok, err := s.GenerateToken("alice", "a@b.com")
	require.NoError(t, err)

	claims, err := s.ValidateToken(tok)
	require.NoError(t, err)
	require.Equal(t, "alice", claims.Username)

	_, err = auth.NewSigner([]byte("other"), time.Minute).ValidateToken(tok)
	require.Error(t, err)

	inspected, err := auth.Inspect(tok)
	require.NoError(t, err)
	require.Equal(t, "a@b.com", inspected.Email)

	require.False(t, auth.Expired(tok, time.Now()))
	require.True(t, auth.Expired(tok, time.Now().Add(2*time.Minute)))
	require.False(t, auth.Expired("opaque-token", time.Now()))
}
