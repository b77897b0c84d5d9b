package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"

	"github.com/mahaj/ichat/pkg/chattest"
	"github.com/mahaj/ichat/pkg/logging"
)

// withCORS admits browser builds of the client served from origins. The
// terminal client sends no Origin header and is unaffected; an empty list
// leaves every response without CORS headers.
func withCORS(origins []string, next http.Handler) http.Handler {
	if len(origins) == 0 {
		return next
	}
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         600,
	}).Handler(next)
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// seedUsers reads "name:email:password" triples separated by commas.
func seedUsers(srv *chattest.Server, list string) {
	for _, entry := range splitList(list) {
		parts := strings.Split(entry, ":")
		if len(parts) != 3 {
			log.Warn().Str("component", "devserver").Str("entry", entry).Msg("skipping malformed user entry")
			continue
		}
		if srv.AddUser(parts[0], parts[1], parts[2]) {
			log.Info().Str("component", "devserver").Str("user", parts[0]).Msg("seeded user")
		}
	}
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func main() {
	_ = godotenv.Load()
	if err := logging.Init(os.Stderr, getenv("ICHAT_LOG_LEVEL", "info"), getenv("ICHAT_LOG_FORMAT", "console")); err != nil {
		log.Fatal().Err(err).Msg("bad log settings")
	}

	var opts []chattest.Option
	if key := os.Getenv("DEVSERVER_SIGNING_KEY"); key != "" {
		opts = append(opts, chattest.WithSigningKey([]byte(key)))
	}
	if ttl := os.Getenv("DEVSERVER_TOKEN_TTL"); ttl != "" {
		d, err := time.ParseDuration(ttl)
		if err != nil {
			log.Fatal().Err(err).Msg("bad DEVSERVER_TOKEN_TTL")
		}
		opts = append(opts, chattest.WithTokenTTL(d))
	}
	srv, err := chattest.New(opts...)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build server")
	}
	defer srv.Close()
	seedUsers(srv, getenv("DEVSERVER_USERS", "alice:alice@example.com:secret,bob:bob@example.com:secret"))

	addr := getenv("DEVSERVER_ADDR", ":8081")
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           withCORS(splitList(os.Getenv("DEVSERVER_ALLOWED_ORIGINS")), srv.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("component", "devserver").Str("addr", addr).Msg("dev chat server starting")
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("server stopped")
	}
}
