// verify_api walks a running chat server through the client contract:
// login, group history, archive list, then a live round trip.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mahaj/ichat/pkg/archive"
	"github.com/mahaj/ichat/pkg/auth"
	"github.com/mahaj/ichat/pkg/conn"
	"github.com/mahaj/ichat/pkg/logging"
	"github.com/mahaj/ichat/pkg/model"
	"github.com/mahaj/ichat/pkg/restapi"
	"github.com/mahaj/ichat/pkg/stream"
)

func main() {
	apiAddr := flag.String("api", "http://localhost:8081", "REST base URL")
	wsAddr := flag.String("ws", "ws://localhost:8081/ws", "live channel URL")
	email := flag.String("email", "alice@example.com", "account email")
	password := flag.String("password", "secret", "account password")
	flag.Parse()

	_ = logging.Init(os.Stderr, "info", logging.FormatConsole)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// 1. Login
	var token string
	rest, err := restapi.New(*apiAddr, restapi.WithToken(func() string { return token }))
	if err != nil {
		log.Fatal().Err(err).Msg("bad api url")
	}
	sess, err := auth.NewClient(rest).Login(ctx, *email, *password)
	if err != nil {
		log.Fatal().Err(err).Msg("login failed")
	}
	token = sess.Token
	log.Info().Str("user", sess.Identity()).Msg("logged in")

	// 2. Group history
	history, err := stream.RESTHistory{Client: rest}.History(ctx, model.GroupChannelID)
	if err != nil {
		log.Fatal().Err(err).Msg("group history failed")
	}
	log.Info().Int("messages", len(history)).Msg("group history")

	// 3. Archive
	list, err := archive.New(rest).List(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("archive list failed")
	}
	log.Info().Int("sessions", len(list)).Msg("archive")

	// 4. Live round trip
	mgr := conn.NewManager(conn.Config{URL: *wsAddr})
	h := mgr.NewHandle()
	defer h.Release()
	echoed := make(chan model.Message, 1)
	h.On(model.EventMessage, func(data json.RawMessage) {
		var m model.Message
		if json.Unmarshal(data, &m) == nil && m.From == sess.Identity() {
			select {
			case echoed <- m:
			default:
			}
		}
	})
	if err := h.Connect(ctx, sess); err != nil {
		log.Fatal().Err(err).Msg("connect failed")
	}
	if err := mgr.WaitFor(ctx, conn.Connected); err != nil {
		log.Fatal().Err(mgr.LastError()).Msg("live channel never came up")
	}
	err = h.Emit(ctx, model.EventMessage, model.OutgoingMessage{
		From:      sess.Identity(),
		Text:      "verify_api ping",
		ChannelID: model.GroupChannelID,
		Time:      time.Now(),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("send failed")
	}
	select {
	case m := <-echoed:
		log.Info().Str("id", m.ID).Msg("message confirmed by server")
	case <-ctx.Done():
		log.Fatal().Msg("no confirmation for the sent message")
	}
}
