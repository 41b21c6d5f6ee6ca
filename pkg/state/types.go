package state

import (
	"net"
	"net/netip"
	"time"

	"github.com/shopspring/decimal"
)

// Subscriber is an access account. Rows are owned by the CRUD layer; the
// core only changes Balance and CurrentIP.
type Subscriber struct {
	ID        int64           `json:"id"`
	Username  string          `json:"username"`
	Balance   decimal.Decimal `json:"balance"`
	Active    bool            `json:"is_active"`
	DynamicIP bool            `json:"is_dynamic_ip"`
	CurrentIP netip.Addr      `json:"current_ip,omitempty"`

	// Attachment
	DeviceID  int64 `json:"device_id,omitempty"`
	PortID    int64 `json:"dev_port_id,omitempty"`
	GatewayID int64 `json:"gateway_id,omitempty"`

	// Membership
	GroupID int64 `json:"group_id,omitempty"`
	SiteID  int64 `json:"site_id,omitempty"`

	AutoRenew bool      `json:"auto_renew_service"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Device is an access switch or OLT that subscribers hang off.
type Device struct {
	ID    int64            `json:"id"`
	MAC   net.HardwareAddr `json:"mac"`
	Title string           `json:"title"`

	// UsesDevicePort is false for manager kinds that cannot report a
	// port; resolution then falls back to the device alone.
	UsesDevicePort bool `json:"uses_device_port"`
}

// DevicePort resolves (device, port number) to subscribers.
type DevicePort struct {
	ID       int64 `json:"id"`
	DeviceID int64 `json:"device_id"`
	Num      int   `json:"num"`
}

// CalcKind selects how deadline and cost of an assignment are computed.
type CalcKind string

const (
	CalcDefault CalcKind = "DEFAULT"
	CalcFixed   CalcKind = "FIXED"
	CalcPrivate CalcKind = "PRIVATE"
	CalcDaily   CalcKind = "DAILY"
)

// Valid reports whether k is a known calc kind.
func (k CalcKind) Valid() bool {
	switch k {
	case CalcDefault, CalcFixed, CalcPrivate, CalcDaily:
		return true
	}
	return false
}

// ServiceProfile is a tariff. Speeds are in Mbit/s.
type ServiceProfile struct {
	ID         int64           `json:"id"`
	Title      string          `json:"title"`
	SpeedIn    float64         `json:"speed_in"`
	SpeedOut   float64         `json:"speed_out"`
	SpeedBurst float64         `json:"speed_burst"`
	Cost       decimal.Decimal `json:"cost"`
	CalcKind   CalcKind        `json:"calc_kind"`
	AdminOnly  bool            `json:"is_admin"`
}

// Rates returns speed and burst rates in bits per second.
func (p *ServiceProfile) Rates() (inBPS, burstInBPS, outBPS, burstOutBPS uint64) {
	burst := p.SpeedBurst
	if burst < 1.0 {
		burst = 1.0
	}
	inBPS = uint64(p.SpeedIn * 1_000_000)
	outBPS = uint64(p.SpeedOut * 1_000_000)
	burstInBPS = uint64(p.SpeedIn * burst * 1_000_000)
	burstOutBPS = uint64(p.SpeedOut * burst * 1_000_000)
	return
}

// AssignmentState is the lifecycle state of a ServiceAssignment.
type AssignmentState string

const (
	AssignmentActive  AssignmentState = "ACTIVE"
	AssignmentExpired AssignmentState = "EXPIRED"
	AssignmentStopped AssignmentState = "STOPPED"
)

// ServiceAssignment puts a subscriber on a profile until Deadline.
type ServiceAssignment struct {
	ID           int64           `json:"id"`
	SubscriberID int64           `json:"subscriber_id"`
	ProfileID    int64           `json:"profile_id"`
	StartTime    time.Time       `json:"start_time"`
	Deadline     time.Time       `json:"deadline"`
	State        AssignmentState `json:"state"`
	Cost         decimal.Decimal `json:"cost"`
	EndedAt      time.Time       `json:"ended_at,omitempty"`
	Version      int64           `json:"version"`
}

// SessionState is the lifecycle state of a Lease.
type SessionState string

const (
	SessionNew    SessionState = "NEW"
	SessionActive SessionState = "ACTIVE"
	SessionClosed SessionState = "CLOSED"
)

// Counters are rolled-up session traffic counters.
type Counters struct {
	InputOctets   uint64 `json:"input_octets"`
	OutputOctets  uint64 `json:"output_octets"`
	InputPackets  uint64 `json:"input_packets"`
	OutputPackets uint64 `json:"output_packets"`
}

// Less reports whether any counter in c is below the same counter in o.
func (c Counters) Less(o Counters) bool {
	return c.InputOctets < o.InputOctets ||
		c.OutputOctets < o.OutputOctets ||
		c.InputPackets < o.InputPackets ||
		c.OutputPackets < o.OutputPackets
}

// Lease is one subscriber to IP binding with its session lifecycle.
type Lease struct {
	ID           int64            `json:"id"`
	SubscriberID int64            `json:"subscriber_id"`
	IP           netip.Addr       `json:"ip"`
	MAC          net.HardwareAddr `json:"mac,omitempty"`
	AssignedAt   time.Time        `json:"assigned_at"`
	LastSeen     time.Time        `json:"last_seen"`
	Dynamic      bool             `json:"dynamic"`
	State        SessionState     `json:"session_state"`
	SessionUUID  string           `json:"session_uuid,omitempty"`

	Counters
	SessionTime uint32 `json:"session_time"`

	ServiceVID     uint16    `json:"svid,omitempty"`
	CustomerVID    uint16    `json:"cvid,omitempty"`
	RadiusUsername string    `json:"radius_username,omitempty"`
	ClosedAt       time.Time `json:"closed_at,omitempty"`
	Version        int64     `json:"version"`
}

// Clone returns a deep copy.
func (l *Lease) Clone() *Lease {
	c := *l
	if l.MAC != nil {
		c.MAC = append(net.HardwareAddr(nil), l.MAC...)
	}
	return &c
}

// AccountingSnapshot is the archived, immutable copy of a closed session.
type AccountingSnapshot struct {
	ID             string           `json:"id"`
	LeaseID        int64            `json:"lease_id"`
	SubscriberID   int64            `json:"subscriber_id"`
	IP             netip.Addr       `json:"ip"`
	MAC            net.HardwareAddr `json:"mac,omitempty"`
	SessionUUID    string           `json:"session_uuid,omitempty"`
	RadiusUsername string           `json:"radius_username,omitempty"`

	Counters
	SessionTime uint32 `json:"session_time"`

	StartedAt   time.Time `json:"started_at"`
	StoppedAt   time.Time `json:"stopped_at"`
	EventTime   time.Time `json:"event_time"`
	CloseReason string    `json:"close_reason"`
}

// Duration returns the wall-clock length of the session.
func (s *AccountingSnapshot) Duration() time.Duration {
	return s.StoppedAt.Sub(s.StartedAt)
}

// StoreStats holds store statistics.
type StoreStats struct {
	Subscribers       int   `json:"subscribers"`
	ActiveLeases      int   `json:"active_leases"`
	ActiveAssignments int   `json:"active_assignments"`
	Snapshots         int   `json:"snapshots"`
	Commits           int64 `json:"commits"`
	Rollbacks         int64 `json:"rollbacks"`
}
