package stream

import (
	"context"
	"net/http"

	"github.com/mahaj/ichat/pkg/model"
	"github.com/mahaj/ichat/pkg/restapi"
)

// HistoryFetcher returns the stored messages of a channel in server order.
type HistoryFetcher interface {
	History(ctx context.Context, channelID string) ([]model.Message, error)
}

// RESTHistory reads history from the chat REST API. The group channel has
// its own endpoint; any other id is read as an archived session.
type RESTHistory struct {
	Client *restapi.Client
}

func (h RESTHistory) History(ctx context.Context, channelID string) ([]model.Message, error) {
	op, target := "group history", h.Client.URL("api", "chat", "group-history")
	if channelID != model.GroupChannelID {
		op, target = "session history", h.Client.URL("api", "chat", "messages", channelID)
	}
	raw, err := h.Client.DoRaw(ctx, op, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	return restapi.DecodeList[model.Message](op, raw), nil
}
