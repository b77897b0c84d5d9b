package archive

import (
	"context"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mahaj/ichat/pkg/chattest"
	"github.com/mahaj/ichat/pkg/model"
	"github.com/mahaj/ichat/pkg/restapi"
)

func newArchive(t *testing.T, baseURL string) *Archive {
	t.Helper()
	rest, err := restapi.New(baseURL)
	require.NoError(t, err)
	return New(rest)
}

func at(s string) time.Time {
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return ts
}

func seed(srv *chattest.Server) {
	srv.SeedArchive(model.HistorySession{ID: "old", LastMessage: "bye", LastActivity: at("2024-01-01T10:00:00Z")},
		model.Message{ID: "m1", From: "alice", Text: "bye"})
	srv.SeedArchive(model.HistorySession{ID: "new", LastMessage: "", LastActivity: at("2024-03-01T10:00:00Z")},
		model.Message{ID: "m2", From: "bob", Text: ""})
	srv.SeedArchive(model.HistorySession{ID: "mid", LastMessage: "ok", LastActivity: at("2024-02-01T10:00:00Z")})
}

func TestListSortsNewestFirst(t *testing.T) {
	srv := chattest.Start(t)
	seed(srv)
	a := newArchive(t, srv.URL())

	list, err := a.List(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"new", "mid", "old"}, sessionIDs(list))
	require.Equal(t, EmptyPreview, Preview(list[0]))
	require.Equal(t, "ok", Preview(list[1]))
}

func TestListToleratesLegacyAndBadTimestamps(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"_id":"a","lastMessage":"x","lastTime":"not a time"},
			{"_id":"b","lastMessage":"x","lastTime":"2024-01-01T00:00:00Z"},
			{"_id":"c","lastMessage":"x","lastTime":"2024-05-01T00:00:00Z"},
			{"_id":"d","lastMessage":"x","lastTime":"2024-01-01T00:00:00Z"},
			{"_id":"e","lastMessage":"x"}
		]`))
	}))
	defer srv.Close()

	list, err := newArchive(t, srv.URL).List(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"c", "b", "d", "a", "e"}, sessionIDs(list))
}

func TestListNonArrayIsEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"message":"oops"}`))
	}))
	defer srv.Close()
	list, err := newArchive(t, srv.URL).List(context.Background())
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestListFailureKeepsPreviousList(t *testing.T) {
	srv := chattest.Start(t)
	seed(srv)
	a := newArchive(t, srv.URL())
	_, err := a.List(context.Background())
	require.NoError(t, err)

	srv.Close()
	list, err := a.List(context.Background())
	require.Error(t, err)
	require.True(t, restapi.IsNetwork(err))
	require.Len(t, list, 3)
}

func TestSortSessionsIsStableDescending(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	base := at("2024-01-01T00:00:00Z")
	for round := 0; round < 100; round++ {
		n := rng.Intn(12)
		list := make([]model.HistorySession, n)
		for i := range list {
			list[i] = model.HistorySession{ID: string(rune('a' + i))}
			if rng.Intn(5) > 0 {
				list[i].LastActivity = base.Add(time.Duration(rng.Intn(4)) * time.Hour)
			}
		}
		orig := append([]model.HistorySession(nil), list...)
		SortSessions(list)

		pos := map[string]int{}
		for i, s := range orig {
			pos[s.ID] = i
		}
		for i := 1; i < len(list); i++ {
			prev, cur := list[i-1], list[i]
			switch {
			case prev.LastActivity.IsZero():
				require.True(t, cur.LastActivity.IsZero())
				require.Less(t, pos[prev.ID], pos[cur.ID])
			case cur.LastActivity.IsZero():
			case prev.LastActivity.Equal(cur.LastActivity):
				require.Less(t, pos[prev.ID], pos[cur.ID], "ties keep server order")
			default:
				require.True(t, prev.LastActivity.After(cur.LastActivity))
			}
		}
	}
}

func TestOpenSelectsSession(t *testing.T) {
	srv := chattest.Start(t)
	seed(srv)
	a := newArchive(t, srv.URL())

	msgs, err := a.Open(context.Background(), "old")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "bye", msgs[0].Text)
	require.Equal(t, model.OriginConfirmed, msgs[0].Origin)
	id, ok := a.Selected()
	require.True(t, ok)
	require.Equal(t, "old", id)

	_, err = a.Open(context.Background(), "nope")
	require.Equal(t, http.StatusNotFound, restapi.StatusOf(err))
	id, _ = a.Selected()
	require.Equal(t, "old", id)
	require.Len(t, a.Detail(), 1)

	msgs, err = a.Open(context.Background(), "mid")
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestDeleteRequiresConfirmation(t *testing.T) {
	srv := chattest.Start(t)
	seed(srv)
	a := newArchive(t, srv.URL())
	_, err := a.List(context.Background())
	require.NoError(t, err)

	var asked model.HistorySession
	err = a.Delete(context.Background(), "mid", func(s model.HistorySession) bool {
		asked = s
		return false
	})
	require.ErrorIs(t, err, ErrAborted)
	require.Equal(t, "ok", asked.LastMessage)
	require.Empty(t, srv.Deleted())
	require.Len(t, a.Sessions(), 3)

	require.ErrorIs(t, a.Delete(context.Background(), "mid", nil), ErrAborted)
	require.Empty(t, srv.Deleted())
}

func TestDeleteRemovesAndClearsOpenDetail(t *testing.T) {
	srv := chattest.Start(t)
	seed(srv)
	a := newArchive(t, srv.URL())
	_, err := a.List(context.Background())
	require.NoError(t, err)
	_, err = a.Open(context.Background(), "old")
	require.NoError(t, err)

	require.NoError(t, a.Delete(context.Background(), "mid", AlwaysConfirm))
	require.Equal(t, []string{"new", "old"}, sessionIDs(a.Sessions()))
	_, ok := a.Selected()
	require.True(t, ok, "deleting another session keeps the open one")

	require.NoError(t, a.Delete(context.Background(), "old", AlwaysConfirm))
	require.Equal(t, []string{"new"}, sessionIDs(a.Sessions()))
	_, ok = a.Selected()
	require.False(t, ok)
	require.Empty(t, a.Detail())
	require.Equal(t, []string{"mid", "old"}, srv.Deleted())
}

func TestDeleteFailureLeavesStateUntouched(t *testing.T) {
	srv := chattest.Start(t)
	seed(srv)
	a := newArchive(t, srv.URL())
	_, err := a.List(context.Background())
	require.NoError(t, err)

	err = a.Delete(context.Background(), "ghost", AlwaysConfirm)
	require.Equal(t, http.StatusNotFound, restapi.StatusOf(err))
	require.Len(t, a.Sessions(), 3)
}

func sessionIDs(list []model.HistorySession) []string {
	out := make([]string, len(list))
	for i, s := range list {
		out[i] = s.ID
	}
	return out
}
