// Package archive browses and deletes past conversations over REST. It
// never touches the live connection.
package archive

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/mahaj/ichat/pkg/model"
	"github.com/mahaj/ichat/pkg/restapi"
)

// ErrAborted is returned when the user declines a delete. Callers treat it
// as a no-op.
var ErrAborted = errors.New("delete not confirmed")

// EmptyPreview stands in for conversations whose last message was only a
// file.
const EmptyPreview = "Attachment sent"

// Confirmer asks the user to confirm deleting session.
type Confirmer func(session model.HistorySession) bool

// AlwaysConfirm confirms every delete, for non-interactive callers that
// already asked.
func AlwaysConfirm(model.HistorySession) bool { return true }

type Archive struct {
	rest *restapi.Client

	mu       sync.Mutex
	sessions []model.HistorySession
	selected string
	detail   []model.Message
}

func New(rest *restapi.Client) *Archive {
	return &Archive{rest: rest}
}

// List fetches the archived conversations, newest activity first. On
// failure the previous list is returned with the error.
func (a *Archive) List(ctx context.Context) ([]model.HistorySession, error) {
	raw, err := a.rest.DoRaw(ctx, "list history", http.MethodGet, a.rest.URL("api", "chat", "history"), nil)
	if err != nil {
		log.Warn().Err(err).Str("component", "archive").Msg("failed to list history")
		return a.Sessions(), err
	}
	list := restapi.DecodeList[model.HistorySession]("list history", raw)
	SortSessions(list)

	a.mu.Lock()
	a.sessions = list
	a.mu.Unlock()
	return a.Sessions(), nil
}

// SortSessions orders sessions by last activity, newest first. Ties keep
// their order; sessions without a usable timestamp go last.
func SortSessions(list []model.HistorySession) {
	sort.SliceStable(list, func(i, j int) bool {
		ti, tj := list[i].LastActivity, list[j].LastActivity
		if ti.IsZero() || tj.IsZero() {
			return !ti.IsZero() && tj.IsZero()
		}
		return ti.After(tj)
	})
}

// Open fetches the messages of session id and makes it the selected one.
// A failed open leaves the previous selection in place.
func (a *Archive) Open(ctx context.Context, id string) ([]model.Message, error) {
	op := "open history"
	raw, err := a.rest.DoRaw(ctx, op, http.MethodGet, a.rest.URL("api", "chat", "messages", id), nil)
	if err != nil {
		log.Warn().Err(err).Str("component", "archive").Str("session", id).Msg("failed to open history session")
		return nil, err
	}
	msgs := restapi.DecodeList[model.Message](op, raw)
	for i := range msgs {
		msgs[i].Origin = model.OriginConfirmed
		if msgs[i].ChannelID == "" {
			msgs[i].ChannelID = id
		}
	}

	a.mu.Lock()
	a.selected = id
	a.detail = msgs
	a.mu.Unlock()
	return a.Detail(), nil
}

// Delete removes session id after confirm approves it. A declined confirm
// returns ErrAborted without contacting the server.
func (a *Archive) Delete(ctx context.Context, id string, confirm Confirmer) error {
	session := a.lookup(id)
	if confirm == nil || !confirm(session) {
		return ErrAborted
	}
	if err := a.rest.Do(ctx, "delete history", http.MethodDelete, a.rest.URL("api", "chat", "history", id), nil, nil); err != nil {
		log.Warn().Err(err).Str("component", "archive").Str("session", id).Msg("failed to delete history session")
		return err
	}

	a.mu.Lock()
	for i, s := range a.sessions {
		if s.ID == id {
			a.sessions = append(a.sessions[:i:i], a.sessions[i+1:]...)
			break
		}
	}
	if a.selected == id {
		a.selected = ""
		a.detail = nil
	}
	a.mu.Unlock()
	log.Info().Str("component", "archive").Str("session", id).Msg("history session deleted")
	return nil
}

func (a *Archive) lookup(id string) model.HistorySession {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range a.sessions {
		if s.ID == id {
			return s
		}
	}
	return model.HistorySession{ID: id}
}

// Sessions returns the last fetched list.
func (a *Archive) Sessions() []model.HistorySession {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]model.HistorySession, len(a.sessions))
	copy(out, a.sessions)
	return out
}

// Selected is the id of the open session.
func (a *Archive) Selected() (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.selected, a.selected != ""
}

// Detail returns the messages of the open session.
func (a *Archive) Detail() []model.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]model.Message, len(a.detail))
	copy(out, a.detail)
	return out
}

// Close clears the selection.
func (a *Archive) Close() {
	a.mu.Lock()
	a.selected = ""
	a.detail = nil
	a.mu.Unlock()
}

func Preview(s model.HistorySession) string {
	if strings.TrimSpace(s.LastMessage) == "" {
		return EmptyPreview
	}
	return s.LastMessage
}
