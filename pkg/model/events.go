package model

import (
	"encoding/json"
	"time"
)

type EventName string

const (
	EventRegisterUser   EventName = "register-user"
	EventMessage        EventName = "message"
	EventTyping         EventName = "typing"
	EventStopTyping     EventName = "stop-typing"
	EventConnectedUsers EventName = "connected-users"
)

// Envelope is one frame on the live channel.
type Envelope struct {
	Event EventName       `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func NewEnvelope(event EventName, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Event: event, Data: json.RawMessage("{}")}, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Event: event, Data: b}, nil
}

type RegisterUser struct {
	Username string `json:"username"`
}

type Typing struct {
	Username string `json:"username"`
}

// StopTyping carries the sender when the server scopes the signal. Legacy
// servers send an empty object.
type StopTyping struct {
	Username string `json:"username,omitempty"`
}

// OutgoingMessage is the payload of an outbound "message" frame.
type OutgoingMessage struct {
	From       string
	Text       string
	ChannelID  string
	Attachment *Attachment
	Time       time.Time
}

func (o OutgoingMessage) MarshalJSON() ([]byte, error) {
	w := wireMessage{
		From:      o.From,
		Text:      o.Text,
		ChannelID: o.ChannelID,
		Time:      o.Time.UTC(),
	}
	if o.Attachment != nil {
		w.File = o.Attachment.Payload
		w.FileName = o.Attachment.Filename
		w.MimeType = o.Attachment.MimeType
	}
	return json.Marshal(w)
}
