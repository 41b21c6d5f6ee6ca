package state

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned by lookups that match no row.
	ErrNotFound = errors.New("not found")

	// ErrVersionMismatch is returned when an optimistic update lost a race.
	ErrVersionMismatch = errors.New("version mismatch")

	// ErrUniqueViolation is returned when a write would break a uniqueness
	// invariant (one active lease per subscriber, unique active IP, unique
	// session id, one active assignment per subscriber).
	ErrUniqueViolation = errors.New("unique constraint violation")
)

// Reader is the read side shared by the store and its transactions.
type Reader interface {
	Subscriber(ctx context.Context, id int64) (*Subscriber, error)
	SubscriberByUsername(ctx context.Context, username string) (*Subscriber, error)
	SubscribersByPort(ctx context.Context, portID int64) ([]*Subscriber, error)
	// ActiveSubscribersByDevice lists active subscribers attached to the device.
	ActiveSubscribersByDevice(ctx context.Context, deviceID int64) ([]*Subscriber, error)

	DeviceByMAC(ctx context.Context, mac net.HardwareAddr) (*Device, error)
	Port(ctx context.Context, deviceID int64, num int) (*DevicePort, error)
	Profile(ctx context.Context, id int64) (*ServiceProfile, error)

	ActiveAssignment(ctx context.Context, subscriberID int64) (*ServiceAssignment, error)
	DueAssignments(ctx context.Context, now time.Time) ([]*ServiceAssignment, error)

	ActiveLease(ctx context.Context, subscriberID int64) (*Lease, error)
	ActiveLeaseByIP(ctx context.Context, ip netip.Addr) (*Lease, error)
	ActiveLeaseBySession(ctx context.Context, sessionUUID string) (*Lease, error)
	ActiveDynamicLeasesByMAC(ctx context.Context, mac net.HardwareAddr) ([]*Lease, error)
	StaleLeases(ctx context.Context, dynamic bool, before time.Time) ([]*Lease, error)

	Snapshots(ctx context.Context, subscriberID int64) ([]*AccountingSnapshot, error)
}

// Tx is a unit of work serialized on one subscriber. Writes are discarded
// unless the function passed to WithTx returns nil.
type Tx interface {
	Reader

	InsertLease(ctx context.Context, l *Lease) error
	// UpdateLease writes l if the stored version equals l.Version and
	// bumps l.Version on success.
	UpdateLease(ctx context.Context, l *Lease) error
	InsertSnapshot(ctx context.Context, s *AccountingSnapshot) error

	InsertAssignment(ctx context.Context, a *ServiceAssignment) error
	UpdateAssignment(ctx context.Context, a *ServiceAssignment) error

	// AddBalance applies delta and returns the new balance.
	AddBalance(ctx context.Context, subscriberID int64, delta decimal.Decimal) (decimal.Decimal, error)
	AttachIP(ctx context.Context, subscriberID int64, ip netip.Addr) error
	FreeIP(ctx context.Context, subscriberID int64) error
}

// Store is the persistence boundary of the core.
type Store interface {
	Reader

	// WithTx runs fn in a transaction holding the per-subscriber lock.
	// The transaction is rolled back if fn fails or ctx is done.
	WithTx(ctx context.Context, subscriberID int64, fn func(tx Tx) error) error

	Close() error
}
