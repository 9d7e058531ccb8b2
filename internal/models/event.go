package models

import "time"

// Event types recorded in the account transition log.
const (
	EventAcquired    = "acquired"
	EventReleased    = "released"
	EventCooldown    = "cooldown"
	EventQuarantined = "quarantined"
	EventReset       = "reset"
	EventProbe       = "probe"
)

// TransitionEvent is one append-only audit row describing an account
// state change or probe outcome.
type TransitionEvent struct {
	AccountID  string    `json:"accountId"`
	Event      string    `json:"event"`
	Outcome    string    `json:"outcome,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	FailCount  int       `json:"failCount"`
	OccurredAt time.Time `json:"occurredAt"`
}
