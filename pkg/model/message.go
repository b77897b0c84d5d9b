package model

import (
	"encoding/json"
	"time"
)

// GroupChannelID is the channel id of the single live group channel.
const GroupChannelID = "GROUP_CHAT"

type Origin string

const (
	OriginConfirmed Origin = "confirmed"
	OriginRemote    Origin = "remote"
)

// Message is one entry of a channel view. ID is empty for sends the server
// has not confirmed yet.
type Message struct {
	ID         string      `json:"id,omitempty"`
	ChannelID  string      `json:"channelId"`
	From       string      `json:"from"`
	Text       string      `json:"text"`
	Attachment *Attachment `json:"-"`
	Time       time.Time   `json:"time"`

	Origin Origin `json:"-"`
	IsSelf bool   `json:"-"`
}

// wireMessage is the JSON shape sent on the live channel.
type wireMessage struct {
	ID        string    `json:"id,omitempty"`
	From      string    `json:"from"`
	Text      string    `json:"text"`
	ChannelID string    `json:"channelId"`
	File      string    `json:"attachment,omitempty"`
	FileName  string    `json:"filename,omitempty"`
	MimeType  string    `json:"mimeType,omitempty"`
	Time      time.Time `json:"time"`
}

// incomingMessage accepts both the documented field names and the Mongo
// style ones ("_id", "sessionId", "file", "fileName", "fileType",
// "createdAt") the backend emits. Timestamps are read loosely; one that
// cannot be parsed leaves Time zero instead of failing the message.
type incomingMessage struct {
	ID             FlexID          `json:"id"`
	MongoID        FlexID          `json:"_id"`
	ChannelID      string          `json:"channelId"`
	SessionID      string          `json:"sessionId"`
	From           string          `json:"from"`
	Text           string          `json:"text"`
	File           string          `json:"attachment"`
	LegacyFile     string          `json:"file"`
	FileName       string          `json:"filename"`
	LegacyFileName string          `json:"fileName"`
	MimeType       string          `json:"mimeType"`
	LegacyMimeType string          `json:"fileType"`
	Time           json.RawMessage `json:"time"`
	CreatedAt      json.RawMessage `json:"createdAt"`
}

func (m *Message) UnmarshalJSON(b []byte) error {
	var w incomingMessage
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*m = Message{
		ID:        firstNonEmpty(string(w.ID), string(w.MongoID)),
		ChannelID: firstNonEmpty(w.ChannelID, w.SessionID),
		From:      w.From,
		Text:      w.Text,
		Time:      LooseTime(w.Time),
	}
	if m.Time.IsZero() {
		m.Time = LooseTime(w.CreatedAt)
	}
	if payload := firstNonEmpty(w.File, w.LegacyFile); payload != "" {
		m.Attachment = &Attachment{
			Payload:  payload,
			Filename: firstNonEmpty(w.FileName, w.LegacyFileName),
			MimeType: firstNonEmpty(w.MimeType, w.LegacyMimeType),
		}
	}
	return nil
}

func (m Message) MarshalJSON() ([]byte, error) {
	w := wireMessage{
		ID:        m.ID,
		ChannelID: m.ChannelID,
		From:      m.From,
		Text:      m.Text,
		Time:      m.Time,
	}
	if m.Attachment != nil {
		w.File = m.Attachment.Payload
		w.FileName = m.Attachment.Filename
		w.MimeType = m.Attachment.MimeType
	}
	return json.Marshal(w)
}

// HasAttachment reports whether the message carries an encoded file.
func (m Message) HasAttachment() bool {
	return m.Attachment != nil && m.Attachment.Payload != ""
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
