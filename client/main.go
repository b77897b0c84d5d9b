package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/mahaj/ichat/pkg/chat"
	"github.com/mahaj/ichat/pkg/config"
	"github.com/mahaj/ichat/pkg/logging"
	"github.com/mahaj/ichat/pkg/session"
)

type rootFlags struct {
	apiURL      string
	wsURL       string
	backend     string
	redisAddr   string
	logLevel    string
	logFormat   string
	metricsAddr string
}

// apply lays the command line over cfg. --redis on its own picks the redis
// session backend.
func (f *rootFlags) apply(cfg *config.Config) {
	set := func(v string, dst *string) {
		if v != "" {
			*dst = v
		}
	}
	set(f.apiURL, &cfg.APIURL)
	set(f.wsURL, &cfg.WSURL)
	set(f.redisAddr, &cfg.RedisAddr)
	if f.redisAddr != "" {
		cfg.SessionBackend = config.BackendRedis
	}
	set(f.backend, &cfg.SessionBackend)
	set(f.logLevel, &cfg.LogLevel)
	set(f.logFormat, &cfg.LogFormat)
	set(f.metricsAddr, &cfg.MetricsAddr)
}

// app is the per-invocation wiring shared by every command.
type app struct {
	cfg     config.Config
	backend session.Backend
	client  *chat.Client
	closers []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// newApp loads config and the stored session. With live set the client
// also opens the live connection for it.
func newApp(ctx context.Context, flags *rootFlags, live bool) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	flags.apply(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := logging.Init(os.Stderr, cfg.LogLevel, cfg.LogFormat); err != nil {
		return nil, err
	}

	a := &app{cfg: cfg}
	switch cfg.SessionBackend {
	case config.BackendRedis:
		rb := session.NewRedisBackend(cfg.RedisAddr, cfg.RedisPrefix)
		if err := rb.Ping(ctx); err != nil {
			_ = rb.Close()
			return nil, errors.Wrapf(err, "redis at %s", cfg.RedisAddr)
		}
		a.backend = rb
		a.closers = append(a.closers, func() { _ = rb.Close() })
	default:
		a.backend = session.NewMemoryBackend()
	}

	store := session.NewStore(a.backend)
	client, err := chat.New(cfg, store)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.client = client
	a.closers = append(a.closers, client.Close)
	if live {
		err = client.Start(ctx)
	} else {
		a.closers = append(a.closers, store.Close)
		err = store.Open(ctx)
	}
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:           "ichat",
		Short:         "Terminal client for the group chat",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&flags.apiURL, "api", "", "REST API base URL (overrides ICHAT_API_URL)")
	pf.StringVar(&flags.wsURL, "ws", "", "live channel URL (overrides ICHAT_WS_URL)")
	pf.StringVar(&flags.backend, "session-backend", "", "where the session is kept: memory or redis (redis when ICHAT_REDIS_ADDR or --redis is set)")
	pf.StringVar(&flags.redisAddr, "redis", "", "redis address; selects the redis session backend")
	pf.StringVar(&flags.logLevel, "log-level", "", "debug, info, warn or error")
	pf.StringVar(&flags.logFormat, "log-format", "", "console or json")
	pf.StringVar(&flags.metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")

	root.AddCommand(
		newLoginCmd(flags),
		newRegisterCmd(flags),
		newLogoutCmd(flags),
		newWhoamiCmd(flags),
		newChatCmd(flags),
		newHistoryCmd(flags),
	)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		log.Debug().Err(err).Msg("command failed")
		fmt.Fprintln(os.Stderr, errorStyle.Render(describe(err)))
		stop()
		os.Exit(1)
	}
}
