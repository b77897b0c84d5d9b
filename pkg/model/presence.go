package model

import "encoding/json"

type PresenceEntry struct {
	ConnectionID string `json:"connectionId"`
	Username     string `json:"username"`
}

func (p *PresenceEntry) UnmarshalJSON(b []byte) error {
	var w struct {
		ConnectionID string `json:"connectionId"`
		SocketID     string `json:"socketId"`
		Username     string `json:"username"`
	}
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	p.ConnectionID = firstNonEmpty(w.ConnectionID, w.SocketID)
	p.Username = w.Username
	return nil
}
