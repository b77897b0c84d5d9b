package model

import (
	"encoding/json"
	"time"
)

// HistorySession is one archived conversation as listed by the archive
// endpoint. LastActivity is zero when the server sent no usable timestamp.
type HistorySession struct {
	ID           string    `json:"id"`
	LastMessage  string    `json:"lastMessage"`
	LastActivity time.Time `json:"lastTime"`
}

func (h *HistorySession) UnmarshalJSON(b []byte) error {
	var w struct {
		ID          FlexID          `json:"id"`
		MongoID     FlexID          `json:"_id"`
		LastMessage string          `json:"lastMessage"`
		LastTime    json.RawMessage `json:"lastTime"`
	}
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	h.ID = firstNonEmpty(string(w.ID), string(w.MongoID))
	h.LastMessage = w.LastMessage
	h.LastActivity = LooseTime(w.LastTime)
	return nil
}
