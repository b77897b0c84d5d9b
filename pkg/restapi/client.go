// Package restapi holds the request plumbing shared by the REST facing
// components: base URL joining, bearer credentials, timeouts, and the error
// types callers switch on.
package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const DefaultTimeout = 15 * time.Second

// NetworkError is a REST call that never produced an HTTP response.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: network error: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// StatusError is a non-2xx response. Message is the server's "message"
// field when it sent one.
type StatusError struct {
	Op      string
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s (%d)", e.Op, e.Message, e.Status)
	}
	return fmt.Sprintf("%s: unexpected status %d", e.Op, e.Status)
}

// TokenSource returns the current credential, or "" when logged out.
type TokenSource func() string

type Client struct {
	baseURL *url.URL
	http    *http.Client
	token   TokenSource
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

func WithToken(src TokenSource) Option {
	return func(c *Client) { c.token = src }
}

func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, errors.Wrapf(err, "invalid api url %q", baseURL)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, errors.Errorf("invalid api url %q", baseURL)
	}
	c := &Client{
		baseURL: u,
		http:    &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// URL joins path segments onto the base URL, escaping each segment.
func (c *Client) URL(segments ...string) string {
	u := *c.baseURL
	plain := []string{strings.TrimRight(u.Path, "/")}
	escaped := []string{strings.TrimRight(u.EscapedPath(), "/")}
	for _, s := range segments {
		s = strings.Trim(s, "/")
		plain = append(plain, s)
		escaped = append(escaped, url.PathEscape(s))
	}
	u.Path = strings.Join(plain, "/")
	u.RawPath = strings.Join(escaped, "/")
	return u.String()
}

// Do issues a request and decodes a JSON response into out when out is not
// nil. in, when not nil, is sent as a JSON body.
func (c *Client) Do(ctx context.Context, op, method, target string, in, out any) error {
	raw, err := c.DoRaw(ctx, op, method, target, in)
	if err != nil {
		return err
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	return errors.Wrapf(json.Unmarshal(raw, out), "%s: decode response", op)
}

// DoRaw is Do without decoding. The body of a 2xx response is returned.
func (c *Client) DoRaw(ctx context.Context, op, method, target string, in any) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return nil, errors.Wrapf(err, "%s: encode request", op)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: build request", op)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != nil {
		if tok := c.token(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Op: op, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Op: op, Status: resp.StatusCode, Message: ServerMessage(raw)}
	}
	return raw, nil
}

// ServerMessage extracts the "message" field of an error body. Bodies that
// are not JSON yield "".
func ServerMessage(raw []byte) string {
	var body struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return ""
	}
	return body.Message
}

// DecodeList decodes a JSON array. Anything else, including malformed
// JSON, decodes as an empty list; the failure is logged, not returned.
func DecodeList[T any](op string, raw []byte) []T {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '[' {
		log.Warn().Str("component", "restapi").Str("op", op).Msg("response is not a list, using empty list")
		return []T{}
	}
	var out []T
	if err := json.Unmarshal(raw, &out); err != nil {
		log.Warn().Err(err).Str("component", "restapi").Str("op", op).Msg("malformed list response, using empty list")
		return []T{}
	}
	if out == nil {
		out = []T{}
	}
	return out
}

// IsNetwork reports whether err is, or wraps, a NetworkError.
func IsNetwork(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// StatusOf returns the HTTP status of a StatusError, or 0.
func StatusOf(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status
	}
	return 0
}
