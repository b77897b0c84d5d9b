package model

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

var looseLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// LooseTime reads a timestamp the way stored documents carry it: an RFC 3339
// or plain date string, Unix milliseconds, or a Mongo {"$date": ...} wrapper.
// Anything else yields the zero time.
func LooseTime(raw json.RawMessage) time.Time {
	raw = json.RawMessage(strings.TrimSpace(string(raw)))
	if len(raw) == 0 {
		return time.Time{}
	}
	switch raw[0] {
	case '"':
		var s string
		if json.Unmarshal(raw, &s) != nil {
			return time.Time{}
		}
		return looseTimeString(s)
	case '{':
		var w struct {
			Date json.RawMessage `json:"$date"`
			Long string          `json:"$numberLong"`
		}
		if json.Unmarshal(raw, &w) != nil {
			return time.Time{}
		}
		if w.Long != "" {
			return looseTimeString(w.Long)
		}
		return LooseTime(w.Date)
	default:
		var ms json.Number
		if json.Unmarshal(raw, &ms) != nil {
			return time.Time{}
		}
		return looseTimeString(ms.String())
	}
}

func looseTimeString(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC()
	}
	for _, layout := range looseLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
