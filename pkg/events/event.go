package events

import (
	"net/netip"
	"time"

	"github.com/codelaboratoryltd/aaa/pkg/state"
	"github.com/shopspring/decimal"
)

// Kind is the type of an event.
type Kind string

const (
	SessionStarted  Kind = "SessionStarted"
	SessionStopped  Kind = "SessionStopped"
	BalanceCredited Kind = "BalanceCredited"
	ServiceExpired  Kind = "ServiceExpired"
	ServicePicked   Kind = "ServicePicked"
	ServiceStopped  Kind = "ServiceStopped"
)

// AllKinds lists every event kind.
var AllKinds = []Kind{SessionStarted, SessionStopped, BalanceCredited, ServiceExpired, ServicePicked, ServiceStopped}

// Event is a typed record on the bus. SubjectID is the subscriber ID.
type Event struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	SubjectID int64     `json:"subject_id"`
	Payload   any       `json:"payload,omitempty"`
}

// SessionPayload accompanies SessionStarted and SessionStopped.
type SessionPayload struct {
	LeaseID        int64      `json:"lease_id"`
	SessionUUID    string     `json:"session_uuid,omitempty"`
	RadiusUsername string     `json:"radius_username,omitempty"`
	IP             netip.Addr `json:"ip"`

	// Set on SessionStopped only.
	SnapshotID  string         `json:"snapshot_id,omitempty"`
	Counters    state.Counters `json:"counters"`
	Duration    time.Duration  `json:"duration,omitempty"`
	CloseReason string         `json:"close_reason,omitempty"`
}

// BalancePayload accompanies BalanceCredited.
type BalancePayload struct {
	Amount  decimal.Decimal `json:"amount"`
	Balance decimal.Decimal `json:"balance"`
	Comment string          `json:"comment,omitempty"`
}

// ServicePayload accompanies ServicePicked, ServiceExpired and ServiceStopped.
type ServicePayload struct {
	AssignmentID int64           `json:"assignment_id"`
	ProfileID    int64           `json:"profile_id"`
	Deadline     time.Time       `json:"deadline"`
	Cost         decimal.Decimal `json:"cost"`
	Renewed      bool            `json:"renewed,omitempty"`
}
