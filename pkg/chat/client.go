// Package chat ties the client together: the session store decides whether
// a live connection exists, and every view follows that connection.
package chat

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/mahaj/ichat/pkg/archive"
	"github.com/mahaj/ichat/pkg/attachment"
	"github.com/mahaj/ichat/pkg/auth"
	"github.com/mahaj/ichat/pkg/config"
	"github.com/mahaj/ichat/pkg/conn"
	"github.com/mahaj/ichat/pkg/model"
	"github.com/mahaj/ichat/pkg/presence"
	"github.com/mahaj/ichat/pkg/restapi"
	"github.com/mahaj/ichat/pkg/session"
	"github.com/mahaj/ichat/pkg/stream"
	"github.com/mahaj/ichat/pkg/typing"
)

var ErrClosed = errors.New("chat client closed")

type Option func(*options)

type options struct {
	dialer    conn.Dialer
	history   stream.HistoryFetcher
	afterFunc typing.AfterFunc
	restOpts  []restapi.Option
}

// WithDialer replaces the websocket dialer.
func WithDialer(d conn.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithHistory replaces the REST history source of the message stream.
func WithHistory(h stream.HistoryFetcher) Option {
	return func(o *options) { o.history = h }
}

func WithTypingTimers(f typing.AfterFunc) Option {
	return func(o *options) { o.afterFunc = f }
}

func WithRESTOptions(opts ...restapi.Option) Option {
	return func(o *options) { o.restOpts = append(o.restOpts, opts...) }
}

// Client is one tab of the chat application.
type Client struct {
	cfg     config.Config
	store   *session.Store
	rest    *restapi.Client
	auth    *auth.Client
	manager *conn.Manager

	Presence *presence.Registry
	Typing   *typing.Coordinator
	Stream   *stream.Stream
	Archive  *archive.Archive
	Encoder  attachment.Encoder

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	started  bool
	closed   bool
	unsub    func()
	handle   *conn.Handle
	bound    model.Session
	gaveUp   *atomic.Bool
	activate context.CancelFunc
	wg       sync.WaitGroup
}

func New(cfg config.Config, store *session.Store, opts ...Option) (*Client, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	restOpts := append([]restapi.Option{
		restapi.WithTimeout(cfg.RequestTimeout.Std()),
		restapi.WithToken(func() string {
			s, _ := store.Current()
			return s.Token
		}),
	}, o.restOpts...)
	rest, err := restapi.New(cfg.APIURL, restOpts...)
	if err != nil {
		return nil, err
	}

	history := o.history
	if history == nil {
		history = stream.RESTHistory{Client: rest}
	}
	typer := typing.New(typing.Config{
		Idle:      cfg.TypingIdle.Std(),
		RemoteTTL: cfg.RemoteTypingTTL.Std(),
		AfterFunc: o.afterFunc,
	})

	return &Client{
		cfg:   cfg,
		store: store,
		rest:  rest,
		auth:  auth.NewClient(rest),
		manager: conn.NewManager(conn.Config{
			URL: cfg.WSURL,
			Backoff: conn.Backoff{
				Min:         cfg.ReconnectMin.Std(),
				Max:         cfg.ReconnectMax.Std(),
				MaxAttempts: cfg.ReconnectMaxAttempts,
			},
			Dialer: o.dialer,
		}),
		Presence: presence.NewRegistry(),
		Typing:   typer,
		Stream:   stream.New(history, stream.WithFlusher(typer)),
		Archive:  archive.New(rest),
		Encoder:  attachment.Encoder{MaxBytes: cfg.MaxAttachment.Int64()},
	}, nil
}

// Start follows the session store. A stored session connects right away;
// later logins and logouts, in this tab or another, connect and disconnect.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.ctx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))
	c.unsub = c.store.Subscribe(c.onSession)
	c.mu.Unlock()

	if err := c.store.Open(ctx); err != nil {
		return err
	}
	if sess, ok := c.store.Current(); ok {
		c.onSession(sess, true)
	}
	return nil
}

func (c *Client) onSession(sess model.Session, ok bool) {
	if ok {
		c.bind(sess)
		return
	}
	c.mu.Lock()
	c.unbindLocked()
	c.mu.Unlock()
}

func (c *Client) bind(sess model.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || !c.started {
		return
	}
	if c.handle != nil && c.bound == sess && !c.gaveUp.Load() {
		return
	}
	c.unbindLocked()

	// The manager stops for good after a rejected session or too many
	// failed dials. Binding the same session again must then reconnect.
	gaveUp := new(atomic.Bool)
	h := c.manager.NewHandle()
	h.OnState(func(s conn.State, err error) {
		if s == conn.Disconnected && err != nil {
			gaveUp.Store(true)
		}
	})
	c.Presence.Attach(h)
	c.Typing.Attach(h)
	c.Stream.Attach(h)
	c.Typing.Bind(sess.Identity(), h)
	c.Stream.Bind(sess.Identity(), h)

	if err := h.Connect(c.ctx, sess); err != nil {
		log.Warn().Err(err).Str("component", "chat").Str("user", sess.Identity()).Msg("cannot open live connection")
		h.Release()
		c.resetViews()
		return
	}
	c.handle = h
	c.bound = sess
	c.gaveUp = gaveUp

	actx, cancel := context.WithCancel(c.ctx)
	c.activate = cancel
	channel := c.cfg.Channel
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.Stream.Activate(actx, channel)
	}()
	log.Info().Str("component", "chat").Str("user", sess.Identity()).Str("channel", channel).Msg("session bound")
}

// unbindLocked tears down the live connection and empties every view.
func (c *Client) unbindLocked() {
	if c.activate != nil {
		c.activate()
		c.activate = nil
	}
	if c.handle == nil {
		return
	}
	h := c.handle
	c.handle = nil
	c.bound = model.Session{}
	c.gaveUp = nil
	if c.Typing.Typing() {
		c.Typing.Flush()
	}
	h.Release()
	c.resetViews()
	log.Info().Str("component", "chat").Msg("session unbound")
}

func (c *Client) resetViews() {
	c.Typing.Reset()
	c.Stream.Reset()
	c.Presence.Reset()
	c.Archive.Close()
}

// Login signs in and stores the session, which opens the connection.
func (c *Client) Login(ctx context.Context, email, password string) (model.Session, error) {
	sess, err := c.auth.Login(ctx, email, password)
	if err != nil {
		return model.Session{}, err
	}
	if err := c.store.Persist(ctx, sess); err != nil {
		return model.Session{}, err
	}
	return sess, nil
}

// Register creates an account and returns the server's confirmation text.
// It does not sign in.
func (c *Client) Register(ctx context.Context, username, email, password string) (string, error) {
	return c.auth.Register(ctx, username, email, password)
}

// Logout clears the stored session; every tab disconnects.
func (c *Client) Logout(ctx context.Context) error {
	return c.store.Clear(ctx)
}

// Session is this tab's current session.
func (c *Client) Session() (model.Session, bool) {
	return c.store.Current()
}

// OnSession follows logins and logouts of this tab, including those made
// in another tab.
func (c *Client) OnSession(fn session.Listener) (unsubscribe func()) {
	return c.store.Subscribe(fn)
}

func (c *Client) State() conn.State {
	return c.manager.State()
}

// LastError is the failure behind the latest connection state change.
func (c *Client) LastError() error {
	return c.manager.LastError()
}

func (c *Client) OnState(fn conn.StateListener) (unsubscribe func()) {
	return c.manager.OnState(fn)
}

// WaitConnected blocks until the live connection is up or ctx ends.
func (c *Client) WaitConnected(ctx context.Context) error {
	return c.manager.WaitFor(ctx, conn.Connected)
}

// Connections is the number of views holding the live connection.
func (c *Client) Connections() int {
	return c.manager.Refs()
}

// Send posts text and an optional attachment to the active channel.
func (c *Client) Send(ctx context.Context, text string, att *model.Attachment) error {
	return c.Stream.Send(ctx, text, att)
}

// SendFile encodes the file at path and sends it with text.
func (c *Client) SendFile(ctx context.Context, text, path string) error {
	att, err := c.Encoder.EncodePath(ctx, path)
	if err != nil {
		return err
	}
	return c.Stream.Send(ctx, text, &att)
}

// Close disconnects and stops following the session store. The stored
// session is left in place.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	unsub := c.unsub
	c.unsub = nil
	c.unbindLocked()
	cancel := c.cancel
	c.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	c.store.Close()
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
	c.Typing.Close()
}
