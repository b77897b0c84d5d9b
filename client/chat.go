package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mahaj/ichat/pkg/conn"
	"github.com/mahaj/ichat/pkg/metrics"
	"github.com/mahaj/ichat/pkg/model"
)

var (
	errQuit      = errors.New("quit")
	errLoggedOut = errors.New("logged out in another client")
)

func newChatCmd(flags *rootFlags) *cobra.Command {
	var email, password string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Join the group chat",
		Long: "Join the group chat. Lines are sent as messages; /file <path> [caption] sends a file, " +
			"/typing announces typing, /who lists who is online, /quit leaves.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, flags, true)
			if err != nil {
				return err
			}
			defer a.Close()

			if _, ok := a.client.Session(); !ok {
				if email == "" {
					return errNotLoggedIn
				}
				if password == "" {
					password = prompt("Password: ")
				}
				if _, err := a.client.Login(ctx, email, password); err != nil {
					return err
				}
			}
			return runChat(ctx, a, os.Stdin, os.Stdout)
		},
	}
	cmd.Flags().StringVarP(&email, "email", "e", "", "log in with this email when no session is stored")
	cmd.Flags().StringVarP(&password, "password", "p", "", "password for --email")
	return cmd
}

// printer serializes terminal output from the connection goroutines and the
// input loop.
type printer struct {
	mu  sync.Mutex
	out io.Writer
}

func (p *printer) Println(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, s)
}

func runChat(ctx context.Context, a *app, in io.Reader, out io.Writer) error {
	c := a.client
	p := &printer{out: out}
	sess, _ := c.Session()

	var (
		viewMu  sync.Mutex
		printed int
		typer   string
	)
	defer c.Stream.OnChange(func() {
		msgs := c.Stream.Messages()
		viewMu.Lock()
		defer viewMu.Unlock()
		if len(msgs) < printed {
			printed = 0
		}
		for _, m := range msgs[printed:] {
			p.Println(renderMessage(m))
		}
		printed = len(msgs)
	})()
	defer c.Typing.OnChange(func() {
		who, ok := c.Typing.Displayed()
		viewMu.Lock()
		defer viewMu.Unlock()
		if !ok {
			typer = ""
			return
		}
		if who != typer {
			typer = who
			p.Println(renderTyping(who))
		}
	})()

	ended := make(chan error, 1)
	end := func(err error) {
		select {
		case ended <- err:
		default:
		}
	}
	var lastStatus conn.Status
	defer c.OnState(func(s conn.State, err error) {
		viewMu.Lock()
		if status := s.Status(); status != lastStatus {
			lastStatus = status
			p.Println(renderStatus(sess.Identity(), status))
		}
		viewMu.Unlock()
		if err != nil && (conn.IsFatal(err) || errors.Is(err, conn.ErrRetriesExhausted)) {
			end(err)
		}
	})()
	defer c.OnSession(func(_ model.Session, ok bool) {
		if !ok {
			end(errLoggedOut)
		}
	})()

	p.Println(infoStyle.Render("Joined " + a.cfg.Channel + " as " + sess.Identity() + ". /quit to leave."))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case err := <-ended:
			return err
		case <-gctx.Done():
			return nil
		}
	})
	if a.cfg.MetricsAddr != "" {
		g.Go(func() error { return serveMetrics(gctx, a.cfg.MetricsAddr) })
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-gctx.Done():
				return
			}
		}
	}()
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return errQuit
				}
				if err := handleLine(gctx, a, p, line); err != nil {
					return err
				}
			}
		}
	})

	err := g.Wait()
	if errors.Is(err, errQuit) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// handleLine runs one line of input. Only /quit ends the loop; send
// failures are printed and the loop continues.
func handleLine(ctx context.Context, a *app, p *printer, line string) error {
	c := a.client
	cmd, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
	var err error
	switch cmd {
	case "":
		return nil
	case "/quit":
		return errQuit
	case "/who":
		p.Println(infoStyle.Render(fmt.Sprintf("Online (%d): %s", c.Presence.Len(), strings.Join(c.Presence.Usernames(), ", "))))
		return nil
	case "/typing":
		c.Typing.OnLocalEdit()
		return nil
	case "/file":
		path, caption, _ := strings.Cut(strings.TrimSpace(rest), " ")
		if path == "" {
			p.Println(errorStyle.Render("usage: /file <path> [caption]"))
			return nil
		}
		err = c.SendFile(ctx, caption, path)
	default:
		err = c.Send(ctx, line, nil)
	}
	if err != nil {
		log.Debug().Err(err).Str("component", "cli").Msg("send failed")
		p.Println(errorStyle.Render(describe(err)))
	}
	return nil
}

func serveMetrics(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           metrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Info().Str("component", "cli").Str("addr", addr).Msg("serving metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "metrics server")
	}
	return nil
}
