package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/mahaj/ichat/pkg/model"
	"github.com/mahaj/ichat/pkg/restapi"
)

// AuthError is a login or registration failure the user can correct and
// retry. Message is meant to be shown next to the form.
type AuthError struct {
	Message string
	Status  int
}

func (e *AuthError) Error() string { return e.Message }

func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Token string     `json:"token"`
	User  model.User `json:"user"`
}

type RegisterRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type Client struct {
	rest *restapi.Client
}

func NewClient(rest *restapi.Client) *Client {
	return &Client{rest: rest}
}

// Login exchanges credentials for a session. Rejected credentials come back
// as *AuthError; transport failures as *restapi.NetworkError.
func (c *Client) Login(ctx context.Context, email, password string) (model.Session, error) {
	email = strings.TrimSpace(email)
	if email == "" || strings.TrimSpace(password) == "" {
		return model.Session{}, &AuthError{Message: "Please enter email and password"}
	}

	var resp LoginResponse
	err := c.rest.Do(ctx, "login", http.MethodPost, c.rest.URL("api", "auth", "login"),
		LoginRequest{Email: email, Password: password}, &resp)
	if err != nil {
		return model.Session{}, authFailure(err, "Login failed")
	}
	if resp.Token == "" {
		return model.Session{}, &AuthError{Message: "Login failed"}
	}

	user := resp.User
	if user.Username == "" {
		if claims, err := Inspect(resp.Token); err == nil {
			user.Username = claims.Username
		}
	}
	if user.Username == "" {
		log.Warn().Str("component", "auth").Msg("login response carries no username")
		return model.Session{}, &AuthError{Message: "Login failed"}
	}
	if user.Email == "" {
		user.Email = email
	}
	return model.Session{User: user, Token: resp.Token}, nil
}

// Register creates an account and returns the server's confirmation text.
func (c *Client) Register(ctx context.Context, username, email, password string) (string, error) {
	username = strings.TrimSpace(username)
	email = strings.TrimSpace(email)
	if username == "" || email == "" || password == "" {
		return "", &AuthError{Message: "All fields are required."}
	}

	raw, err := c.rest.DoRaw(ctx, "register", http.MethodPost, c.rest.URL("api", "auth", "register"),
		RegisterRequest{Username: username, Email: email, Password: password})
	if err != nil {
		var se *restapi.StatusError
		if errors.As(err, &se) && se.Message == "" {
			return "", &AuthError{Message: fmt.Sprintf("Registration failed (%d)", se.Status), Status: se.Status}
		}
		return "", authFailure(err, "Registration failed")
	}

	var body struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &body); err != nil || body.Message == "" {
		return "Signup successful", nil
	}
	return body.Message, nil
}

func authFailure(err error, fallback string) error {
	var se *restapi.StatusError
	if errors.As(err, &se) {
		msg := se.Message
		if msg == "" {
			msg = fallback
		}
		return &AuthError{Message: msg, Status: se.Status}
	}
	return err
}
