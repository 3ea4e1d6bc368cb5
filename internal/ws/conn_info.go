package ws

import (
	"time"

	"github.com/google/uuid"
)

// Connection kinds, used as the metrics and event label.
const (
	KindSession = "session"
	KindCall    = "call_window"
)

type ConnInfo struct {
	ConnID      string
	Kind        string
	UserID      string
	SessionID   string
	WindowID    string
	DeviceID    string
	IP          string
	RequestID   string
	TraceID     string
	ConnectedAt time.Time
}

func newConnID() string {
	return uuid.NewString()
}
