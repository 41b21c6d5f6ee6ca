package gormstore

import (
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/codelaboratoryltd/aaa/pkg/state"
	"github.com/shopspring/decimal"
)

// Rows of the CRUD-owned tables. The core reads them and only writes
// subscriber.balance, subscriber.current_ip and subscriber.version.

type subscriberRow struct {
	ID               int64           `gorm:"column:id;primaryKey"`
	Username         string          `gorm:"column:username;size:127;uniqueIndex"`
	Balance          decimal.Decimal `gorm:"column:balance;type:numeric(12,2);not null;default:0"`
	IsActive         bool            `gorm:"column:is_active;not null;default:true"`
	IsDynamicIP      bool            `gorm:"column:is_dynamic_ip;not null;default:false"`
	CurrentIP        *string         `gorm:"column:current_ip;size:45"`
	DeviceID         *int64          `gorm:"column:device_id;index"`
	DevPortID        *int64          `gorm:"column:dev_port_id;index"`
	GatewayID        *int64          `gorm:"column:gateway_id"`
	GroupID          *int64          `gorm:"column:group_id"`
	SiteID           *int64          `gorm:"column:site_id"`
	AutoRenewService bool            `gorm:"column:auto_renew_service;not null;default:false"`
	Version          int64           `gorm:"column:version;not null;default:1"`
	UpdatedAt        time.Time       `gorm:"column:updated_at"`
}

func (subscriberRow) TableName() string { return "subscriber" }

type deviceRow struct {
	ID             int64  `gorm:"column:id;primaryKey"`
	MAC            string `gorm:"column:mac;size:17;uniqueIndex"`
	Title          string `gorm:"column:title;size:127"`
	UsesDevicePort bool   `gorm:"column:uses_device_port;not null;default:true"`
}

func (deviceRow) TableName() string { return "device" }

type portRow struct {
	ID       int64 `gorm:"column:id;primaryKey"`
	DeviceID int64 `gorm:"column:device_id;uniqueIndex:device_port_num_uniq"`
	Num      int   `gorm:"column:num;uniqueIndex:device_port_num_uniq"`
}

func (portRow) TableName() string { return "device_port" }

type profileRow struct {
	ID         int64           `gorm:"column:id;primaryKey"`
	Title      string          `gorm:"column:title;size:128"`
	SpeedIn    float64         `gorm:"column:speed_in"`
	SpeedOut   float64         `gorm:"column:speed_out"`
	SpeedBurst float64         `gorm:"column:speed_burst;not null;default:1"`
	Cost       decimal.Decimal `gorm:"column:cost;type:numeric(12,2);not null;default:0"`
	CalcKind   string          `gorm:"column:calc_kind;size:16;not null"`
	IsAdmin    bool            `gorm:"column:is_admin;not null;default:false"`
}

func (profileRow) TableName() string { return "service_profile" }

// Core-owned tables.

type assignmentRow struct {
	ID           int64           `gorm:"column:id;primaryKey;autoIncrement"`
	SubscriberID int64           `gorm:"column:subscriber_id;not null;index"`
	ProfileID    int64           `gorm:"column:profile_id;not null"`
	StartTime    time.Time       `gorm:"column:start_time;not null"`
	Deadline     time.Time       `gorm:"column:deadline;not null;index"`
	State        string          `gorm:"column:state;size:8;not null"`
	Cost         decimal.Decimal `gorm:"column:cost;type:numeric(12,2);not null;default:0"`
	EndedAt      *time.Time      `gorm:"column:ended_at"`
	Version      int64           `gorm:"column:version;not null;default:1"`
}

func (assignmentRow) TableName() string { return "service_assignment" }

type leaseRow struct {
	ID             int64      `gorm:"column:id;primaryKey;autoIncrement"`
	SubscriberID   int64      `gorm:"column:subscriber_id;not null;index"`
	IP             string     `gorm:"column:ip;size:45;not null;index"`
	MAC            *string    `gorm:"column:mac;size:17;index"`
	AssignedAt     time.Time  `gorm:"column:assigned_at;not null"`
	LastSeen       time.Time  `gorm:"column:last_seen;not null"`
	Dynamic        bool       `gorm:"column:dynamic;not null;default:false"`
	SessionState   string     `gorm:"column:session_state;size:8;not null"`
	SessionUUID    *string    `gorm:"column:session_uuid;size:255;uniqueIndex"`
	InputOctets    int64      `gorm:"column:input_octets;not null;default:0"`
	OutputOctets   int64      `gorm:"column:output_octets;not null;default:0"`
	InputPackets   int64      `gorm:"column:input_packets;not null;default:0"`
	OutputPackets  int64      `gorm:"column:output_packets;not null;default:0"`
	SessionTime    int64      `gorm:"column:session_time;not null;default:0"`
	ServiceVID     int        `gorm:"column:svid;not null;default:0"`
	CustomerVID    int        `gorm:"column:cvid;not null;default:0"`
	RadiusUsername string     `gorm:"column:radius_username;size:127"`
	ClosedAt       *time.Time `gorm:"column:closed_at"`
	Version        int64      `gorm:"column:version;not null;default:1"`
}

func (leaseRow) TableName() string { return "lease" }

type snapshotRow struct {
	ID             string    `gorm:"column:id;primaryKey;size:36"`
	EventTime      time.Time `gorm:"column:event_time;primaryKey"`
	LeaseID        int64     `gorm:"column:lease_id;not null"`
	SubscriberID   int64     `gorm:"column:subscriber_id;not null;index"`
	IP             string    `gorm:"column:ip;size:45;not null"`
	MAC            *string   `gorm:"column:mac;size:17"`
	SessionUUID    *string   `gorm:"column:session_uuid;size:255"`
	RadiusUsername string    `gorm:"column:radius_username;size:127"`
	InputOctets    int64     `gorm:"column:input_octets;not null"`
	OutputOctets   int64     `gorm:"column:output_octets;not null"`
	InputPackets   int64     `gorm:"column:input_packets;not null"`
	OutputPackets  int64     `gorm:"column:output_packets;not null"`
	SessionTime    int64     `gorm:"column:session_time;not null"`
	StartedAt      time.Time `gorm:"column:started_at;not null"`
	StoppedAt      time.Time `gorm:"column:stopped_at;not null"`
	CloseReason    string    `gorm:"column:close_reason;size:32;not null"`
}

func (snapshotRow) TableName() string { return "accounting_snapshot" }

// --- conversions ---

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefInt64(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}

func optTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func formatMAC(mac net.HardwareAddr) *string {
	if len(mac) == 0 {
		return nil
	}
	s := strings.ToLower(mac.String())
	return &s
}

func parseMAC(s *string) net.HardwareAddr {
	if s == nil {
		return nil
	}
	mac, err := net.ParseMAC(*s)
	if err != nil {
		return nil
	}
	return mac
}

func parseAddr(s string) netip.Addr {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}
	}
	return addr
}

func (r *subscriberRow) toState() *state.Subscriber {
	sub := &state.Subscriber{
		ID:        r.ID,
		Username:  r.Username,
		Balance:   r.Balance,
		Active:    r.IsActive,
		DynamicIP: r.IsDynamicIP,
		DeviceID:  derefInt64(r.DeviceID),
		PortID:    derefInt64(r.DevPortID),
		GatewayID: derefInt64(r.GatewayID),
		GroupID:   derefInt64(r.GroupID),
		SiteID:    derefInt64(r.SiteID),
		AutoRenew: r.AutoRenewService,
		Version:   r.Version,
		UpdatedAt: r.UpdatedAt,
	}
	if r.CurrentIP != nil {
		sub.CurrentIP = parseAddr(*r.CurrentIP)
	}
	return sub
}

func (r *deviceRow) toState() *state.Device {
	mac, _ := net.ParseMAC(r.MAC)
	return &state.Device{ID: r.ID, MAC: mac, Title: r.Title, UsesDevicePort: r.UsesDevicePort}
}

func (r *profileRow) toState() *state.ServiceProfile {
	return &state.ServiceProfile{
		ID:         r.ID,
		Title:      r.Title,
		SpeedIn:    r.SpeedIn,
		SpeedOut:   r.SpeedOut,
		SpeedBurst: r.SpeedBurst,
		Cost:       r.Cost,
		CalcKind:   state.CalcKind(r.CalcKind),
		AdminOnly:  r.IsAdmin,
	}
}

func (r *assignmentRow) toState() *state.ServiceAssignment {
	return &state.ServiceAssignment{
		ID:           r.ID,
		SubscriberID: r.SubscriberID,
		ProfileID:    r.ProfileID,
		StartTime:    r.StartTime,
		Deadline:     r.Deadline,
		State:        state.AssignmentState(r.State),
		Cost:         r.Cost,
		EndedAt:      derefTime(r.EndedAt),
		Version:      r.Version,
	}
}

func assignmentFromState(a *state.ServiceAssignment) *assignmentRow {
	return &assignmentRow{
		ID:           a.ID,
		SubscriberID: a.SubscriberID,
		ProfileID:    a.ProfileID,
		StartTime:    a.StartTime,
		Deadline:     a.Deadline,
		State:        string(a.State),
		Cost:         a.Cost,
		EndedAt:      optTime(a.EndedAt),
		Version:      a.Version,
	}
}

func (r *leaseRow) toState() *state.Lease {
	return &state.Lease{
		ID:           r.ID,
		SubscriberID: r.SubscriberID,
		IP:           parseAddr(r.IP),
		MAC:          parseMAC(r.MAC),
		AssignedAt:   r.AssignedAt,
		LastSeen:     r.LastSeen,
		Dynamic:      r.Dynamic,
		State:        state.SessionState(r.SessionState),
		SessionUUID:  derefString(r.SessionUUID),
		Counters: state.Counters{
			InputOctets:   uint64(r.InputOctets),
			OutputOctets:  uint64(r.OutputOctets),
			InputPackets:  uint64(r.InputPackets),
			OutputPackets: uint64(r.OutputPackets),
		},
		SessionTime:    uint32(r.SessionTime),
		ServiceVID:     uint16(r.ServiceVID),
		CustomerVID:    uint16(r.CustomerVID),
		RadiusUsername: r.RadiusUsername,
		ClosedAt:       derefTime(r.ClosedAt),
		Version:        r.Version,
	}
}

func leaseFromState(l *state.Lease) *leaseRow {
	return &leaseRow{
		ID:             l.ID,
		SubscriberID:   l.SubscriberID,
		IP:             l.IP.String(),
		MAC:            formatMAC(l.MAC),
		AssignedAt:     l.AssignedAt,
		LastSeen:       l.LastSeen,
		Dynamic:        l.Dynamic,
		SessionState:   string(l.State),
		SessionUUID:    optString(l.SessionUUID),
		InputOctets:    int64(l.InputOctets),
		OutputOctets:   int64(l.OutputOctets),
		InputPackets:   int64(l.InputPackets),
		OutputPackets:  int64(l.OutputPackets),
		SessionTime:    int64(l.SessionTime),
		ServiceVID:     int(l.ServiceVID),
		CustomerVID:    int(l.CustomerVID),
		RadiusUsername: l.RadiusUsername,
		ClosedAt:       optTime(l.ClosedAt),
		Version:        l.Version,
	}
}

func (r *snapshotRow) toState() *state.AccountingSnapshot {
	return &state.AccountingSnapshot{
		ID:             r.ID,
		LeaseID:        r.LeaseID,
		SubscriberID:   r.SubscriberID,
		IP:             parseAddr(r.IP),
		MAC:            parseMAC(r.MAC),
		SessionUUID:    derefString(r.SessionUUID),
		RadiusUsername: r.RadiusUsername,
		Counters: state.Counters{
			InputOctets:   uint64(r.InputOctets),
			OutputOctets:  uint64(r.OutputOctets),
			InputPackets:  uint64(r.InputPackets),
			OutputPackets: uint64(r.OutputPackets),
		},
		SessionTime: uint32(r.SessionTime),
		StartedAt:   r.StartedAt,
		StoppedAt:   r.StoppedAt,
		EventTime:   r.EventTime,
		CloseReason: r.CloseReason,
	}
}

func snapshotFromState(s *state.AccountingSnapshot) *snapshotRow {
	return &snapshotRow{
		ID:             s.ID,
		EventTime:      s.EventTime,
		LeaseID:        s.LeaseID,
		SubscriberID:   s.SubscriberID,
		IP:             s.IP.String(),
		MAC:            formatMAC(s.MAC),
		SessionUUID:    optString(s.SessionUUID),
		RadiusUsername: s.RadiusUsername,
		InputOctets:    int64(s.InputOctets),
		OutputOctets:   int64(s.OutputOctets),
		InputPackets:   int64(s.InputPackets),
		OutputPackets:  int64(s.OutputPackets),
		SessionTime:    int64(s.SessionTime),
		StartedAt:      s.StartedAt,
		StoppedAt:      s.StoppedAt,
		CloseReason:    s.CloseReason,
	}
}
