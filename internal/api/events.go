package api

import (
	"time"

	"polyarb/internal/events"
)

// DashboardEvent is the wire wrapper for everything pushed to dashboard
// clients. Type is either "snapshot" or one of the engine's emitter event
// names (order_filled, signal, roundComplete, rotate, ...).
type DashboardEvent struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// fromEmitter converts an engine event into its dashboard form.
func fromEmitter(ev events.Event) DashboardEvent {
	return DashboardEvent{
		Type:      ev.Name,
		Timestamp: ev.At,
		Data:      ev.Data,
	}
}
