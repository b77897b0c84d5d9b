package conn

import (
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Status is the three-valued indicator shown next to the user's name.
type Status string

const (
	StatusOnline     Status = "Online"
	StatusConnecting Status = "Connecting"
	StatusOffline    Status = "Offline"
)

func (s State) Status() Status {
	switch s {
	case Connected:
		return StatusOnline
	case Connecting, Reconnecting:
		return StatusConnecting
	}
	return StatusOffline
}

var (
	ErrNotConnected     = errors.New("live connection is not established")
	ErrNoSession        = errors.New("no session to connect with")
	ErrRetriesExhausted = errors.New("reconnect attempts exhausted")
	ErrSessionExpired   = errors.New("session credential expired")
)

// FatalError is a connection failure that retrying cannot fix, such as a
// rejected or expired credential. The manager stops reconnecting on it.
type FatalError struct {
	Status int
	Err    error
}

func (e *FatalError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fatal connection error (%d %s): %v", e.Status, http.StatusText(e.Status), e.Err)
	}
	return fmt.Sprintf("fatal connection error: %v", e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
