package state

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// MemoryStore is an in-process Store. Transactions stage their writes and
// commit them with an optimistic version check, like row versions in SQL.
type MemoryStore struct {
	logger *zap.Logger
	locks  *KeyedMutex

	mu sync.RWMutex

	// Primary storage
	subscribers map[int64]*Subscriber
	devices     map[int64]*Device
	ports       map[int64]*DevicePort
	profiles    map[int64]*ServiceProfile
	assignments map[int64]*ServiceAssignment
	leases      map[int64]*Lease
	snapshots   []*AccountingSnapshot

	// Indexes for fast lookup
	subscriberByName      map[string]int64     // username -> subscriber ID
	deviceByMAC           map[string]int64     // MAC -> device ID
	activeLeaseBySub      map[int64]int64      // subscriber ID -> active lease ID
	activeLeaseByIP       map[netip.Addr]int64 // IP -> active lease ID
	leaseBySession        map[string]int64     // session UUID -> lease ID
	activeAssignmentBySub map[int64]int64      // subscriber ID -> active assignment ID

	nextID int64
	stats  StoreStats
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	return &MemoryStore{
		logger:                logger,
		locks:                 NewKeyedMutex(),
		subscribers:           make(map[int64]*Subscriber),
		devices:               make(map[int64]*Device),
		ports:                 make(map[int64]*DevicePort),
		profiles:              make(map[int64]*ServiceProfile),
		assignments:           make(map[int64]*ServiceAssignment),
		leases:                make(map[int64]*Lease),
		subscriberByName:      make(map[string]int64),
		deviceByMAC:           make(map[string]int64),
		activeLeaseBySub:      make(map[int64]int64),
		activeLeaseByIP:       make(map[netip.Addr]int64),
		leaseBySession:        make(map[string]int64),
		activeAssignmentBySub: make(map[int64]int64),
	}
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error {
	return nil
}

// Stats returns store statistics.
func (s *MemoryStore) Stats() StoreStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := s.stats
	stats.Subscribers = len(s.subscribers)
	stats.ActiveLeases = len(s.activeLeaseBySub)
	stats.ActiveAssignments = len(s.activeAssignmentBySub)
	stats.Snapshots = len(s.snapshots)
	return stats
}

// WithTx runs fn under the subscriber lock. Writes are staged on the
// transaction and applied at commit, so no reader sees them before then.
func (s *MemoryStore) WithTx(ctx context.Context, subscriberID int64, fn func(tx Tx) error) (err error) {
	if err := s.locks.Lock(ctx, subscriberID); err != nil {
		return err
	}
	defer s.locks.Unlock(subscriberID)

	tx := newMemTx(s)
	err = fn(tx)
	if err == nil {
		// A deadline that fired during fn still aborts the unit of work.
		err = ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		if err = tx.commitLocked(); err != nil {
			s.logger.Debug("Transaction lost commit race",
				zap.Int64("subscriber_id", subscriberID),
				zap.Error(err),
			)
		}
	}
	if err != nil {
		s.stats.Rollbacks++
		return err
	}
	s.stats.Commits++
	return nil
}

// --- Seeding (CRUD-owned rows) ---

// PutSubscriber inserts or replaces a subscriber.
func (s *MemoryStore) PutSubscriber(sub *Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sub.ID == 0 {
		s.nextID++
		sub.ID = s.nextID
	}
	if existing, ok := s.subscribers[sub.ID]; ok {
		delete(s.subscriberByName, existing.Username)
	}
	stored := *sub
	stored.UpdatedAt = time.Now()
	s.subscribers[sub.ID] = &stored
	s.subscriberByName[sub.Username] = sub.ID
}

// PutDevice inserts or replaces a device.
func (s *MemoryStore) PutDevice(dev *Device) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if dev.ID == 0 {
		s.nextID++
		dev.ID = s.nextID
	}
	if existing, ok := s.devices[dev.ID]; ok {
		delete(s.deviceByMAC, existing.MAC.String())
	}
	stored := *dev
	s.devices[dev.ID] = &stored
	s.deviceByMAC[dev.MAC.String()] = dev.ID
}

// PutPort inserts or replaces a device port.
func (s *MemoryStore) PutPort(port *DevicePort) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if port.ID == 0 {
		s.nextID++
		port.ID = s.nextID
	}
	stored := *port
	s.ports[port.ID] = &stored
}

// PutProfile inserts or replaces a service profile.
func (s *MemoryStore) PutProfile(p *ServiceProfile) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ID == 0 {
		s.nextID++
		p.ID = s.nextID
	}
	stored := *p
	s.profiles[p.ID] = &stored
}

// Leases returns every lease row, closed ones included, ordered by ID.
func (s *MemoryStore) Leases() []*Lease {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Lease, 0, len(s.leases))
	for _, l := range s.leases {
		result = append(result, l.Clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// AllSnapshots returns every snapshot in insertion order.
func (s *MemoryStore) AllSnapshots() []*AccountingSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*AccountingSnapshot, 0, len(s.snapshots))
	for _, snap := range s.snapshots {
		c := *snap
		result = append(result, &c)
	}
	return result
}

// --- Reader ---
//
// Each read resolves against the committed rows, overlaid with the rows
// staged by tx when the read runs inside a transaction. tx may be nil.

func (s *MemoryStore) Subscriber(ctx context.Context, id int64) (*Subscriber, error) {
	return s.subscriber(ctx, nil, id)
}

func (s *MemoryStore) subscriber(ctx context.Context, tx *memTx, id int64) (*Subscriber, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := lookupRow(tx.stagedSubscribers(), s.subscribers, id)
	if !ok {
		return nil, fmt.Errorf("subscriber %d: %w", id, ErrNotFound)
	}
	c := *sub
	return &c, nil
}

func (s *MemoryStore) SubscriberByUsername(ctx context.Context, username string) (*Subscriber, error) {
	return s.subscriberByUsername(ctx, nil, username)
}

func (s *MemoryStore) subscriberByUsername(ctx context.Context, tx *memTx, username string) (*Subscriber, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.subscriberByName[username]
	if !ok {
		return nil, fmt.Errorf("subscriber %q: %w", username, ErrNotFound)
	}
	sub, _ := lookupRow(tx.stagedSubscribers(), s.subscribers, id)
	c := *sub
	return &c, nil
}

func (s *MemoryStore) SubscribersByPort(ctx context.Context, portID int64) ([]*Subscriber, error) {
	return s.filterSubscribers(ctx, nil, func(sub *Subscriber) bool { return sub.PortID == portID })
}

func (s *MemoryStore) ActiveSubscribersByDevice(ctx context.Context, deviceID int64) ([]*Subscriber, error) {
	return s.filterSubscribers(ctx, nil, activeOnDevice(deviceID))
}

func activeOnDevice(deviceID int64) func(*Subscriber) bool {
	return func(sub *Subscriber) bool { return sub.DeviceID == deviceID && sub.Active }
}

func (s *MemoryStore) filterSubscribers(ctx context.Context, tx *memTx, match func(*Subscriber) bool) ([]*Subscriber, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Subscriber
	for id := range s.subscribers {
		sub, _ := lookupRow(tx.stagedSubscribers(), s.subscribers, id)
		if match(sub) {
			c := *sub
			result = append(result, &c)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *MemoryStore) DeviceByMAC(ctx context.Context, mac net.HardwareAddr) (*Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.deviceByMAC[mac.String()]
	if !ok {
		return nil, fmt.Errorf("device %s: %w", mac, ErrNotFound)
	}
	c := *s.devices[id]
	return &c, nil
}

func (s *MemoryStore) Port(ctx context.Context, deviceID int64, num int) (*DevicePort, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.ports {
		if p.DeviceID == deviceID && p.Num == num {
			c := *p
			return &c, nil
		}
	}
	return nil, fmt.Errorf("port %d/%d: %w", deviceID, num, ErrNotFound)
}

func (s *MemoryStore) Profile(ctx context.Context, id int64) (*ServiceProfile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[id]
	if !ok {
		return nil, fmt.Errorf("profile %d: %w", id, ErrNotFound)
	}
	c := *p
	return &c, nil
}

func (s *MemoryStore) ActiveAssignment(ctx context.Context, subscriberID int64) (*ServiceAssignment, error) {
	return s.activeAssignment(ctx, nil, subscriberID)
}

func (s *MemoryStore) activeAssignment(ctx context.Context, tx *memTx, subscriberID int64) (*ServiceAssignment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	a := s.activeAssignmentLocked(tx, subscriberID, 0)
	if a == nil {
		return nil, fmt.Errorf("assignment for subscriber %d: %w", subscriberID, ErrNotFound)
	}
	c := *a
	return &c, nil
}

// activeAssignmentLocked returns the subscriber's active assignment other
// than exclude. Caller holds mu.
func (s *MemoryStore) activeAssignmentLocked(tx *memTx, subscriberID, exclude int64) *ServiceAssignment {
	id, ok := s.activeAssignmentBySub[subscriberID]
	return indexedRow(tx.stagedAssignments(), s.assignments, id, ok, func(a *ServiceAssignment) bool {
		return a.ID != exclude && a.State == AssignmentActive && a.SubscriberID == subscriberID
	})
}

func (s *MemoryStore) DueAssignments(ctx context.Context, now time.Time) ([]*ServiceAssignment, error) {
	return s.dueAssignments(ctx, nil, now)
}

func (s *MemoryStore) dueAssignments(ctx context.Context, tx *memTx, now time.Time) ([]*ServiceAssignment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	due := func(a *ServiceAssignment) bool {
		return a.State == AssignmentActive && !a.Deadline.After(now)
	}
	var result []*ServiceAssignment
	for _, a := range mergeRows(tx.stagedAssignments(), s.assignments, s.activeAssignmentBySub, due) {
		c := *a
		result = append(result, &c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *MemoryStore) ActiveLease(ctx context.Context, subscriberID int64) (*Lease, error) {
	return s.activeLease(ctx, nil, subscriberID)
}

func (s *MemoryStore) activeLease(ctx context.Context, tx *memTx, subscriberID int64) (*Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	l := s.activeLeaseBySubLocked(tx, subscriberID, 0)
	if l == nil {
		return nil, fmt.Errorf("active lease for subscriber %d: %w", subscriberID, ErrNotFound)
	}
	return l.Clone(), nil
}

func (s *MemoryStore) ActiveLeaseByIP(ctx context.Context, ip netip.Addr) (*Lease, error) {
	return s.activeLeaseForIP(ctx, nil, ip)
}

func (s *MemoryStore) activeLeaseForIP(ctx context.Context, tx *memTx, ip netip.Addr) (*Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	l := s.activeLeaseByIPLocked(tx, ip, 0)
	if l == nil {
		return nil, fmt.Errorf("active lease for %s: %w", ip, ErrNotFound)
	}
	return l.Clone(), nil
}

func (s *MemoryStore) ActiveLeaseBySession(ctx context.Context, sessionUUID string) (*Lease, error) {
	return s.activeLeaseBySession(ctx, nil, sessionUUID)
}

func (s *MemoryStore) activeLeaseBySession(ctx context.Context, tx *memTx, sessionUUID string) (*Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	l := s.leaseBySessionLocked(tx, sessionUUID, 0)
	if l == nil || l.State != SessionActive {
		return nil, fmt.Errorf("active lease for session %q: %w", sessionUUID, ErrNotFound)
	}
	return l.Clone(), nil
}

// The *Locked lease lookups return the matching lease other than exclude.
// Caller holds mu.

func (s *MemoryStore) activeLeaseBySubLocked(tx *memTx, subscriberID, exclude int64) *Lease {
	id, ok := s.activeLeaseBySub[subscriberID]
	return indexedRow(tx.stagedLeases(), s.leases, id, ok, func(l *Lease) bool {
		return l.ID != exclude && l.State == SessionActive && l.SubscriberID == subscriberID
	})
}

func (s *MemoryStore) activeLeaseByIPLocked(tx *memTx, ip netip.Addr, exclude int64) *Lease {
	id, ok := s.activeLeaseByIP[ip]
	return indexedRow(tx.stagedLeases(), s.leases, id, ok, func(l *Lease) bool {
		return l.ID != exclude && l.State == SessionActive && l.IP == ip
	})
}

func (s *MemoryStore) leaseBySessionLocked(tx *memTx, sessionUUID string, exclude int64) *Lease {
	id, ok := s.leaseBySession[sessionUUID]
	return indexedRow(tx.stagedLeases(), s.leases, id, ok, func(l *Lease) bool {
		return l.ID != exclude && l.SessionUUID == sessionUUID
	})
}

func (s *MemoryStore) ActiveDynamicLeasesByMAC(ctx context.Context, mac net.HardwareAddr) ([]*Lease, error) {
	return s.filterActiveLeases(ctx, nil, dynamicOnMAC(mac))
}

func (s *MemoryStore) StaleLeases(ctx context.Context, dynamic bool, before time.Time) ([]*Lease, error) {
	return s.filterActiveLeases(ctx, nil, staleSince(dynamic, before))
}

func dynamicOnMAC(mac net.HardwareAddr) func(*Lease) bool {
	return func(l *Lease) bool { return l.Dynamic && l.MAC.String() == mac.String() }
}

func staleSince(dynamic bool, before time.Time) func(*Lease) bool {
	return func(l *Lease) bool { return l.Dynamic == dynamic && l.LastSeen.Before(before) }
}

func (s *MemoryStore) filterActiveLeases(ctx context.Context, tx *memTx, match func(*Lease) bool) ([]*Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	active := func(l *Lease) bool { return l.State == SessionActive && match(l) }
	var result []*Lease
	for _, l := range mergeRows(tx.stagedLeases(), s.leases, s.activeLeaseBySub, active) {
		result = append(result, l.Clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *MemoryStore) Snapshots(ctx context.Context, subscriberID int64) ([]*AccountingSnapshot, error) {
	return s.subscriberSnapshots(ctx, nil, subscriberID)
}

func (s *MemoryStore) subscriberSnapshots(ctx context.Context, tx *memTx, subscriberID int64) ([]*AccountingSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.snapshots
	if tx != nil {
		all = append(all[:len(all):len(all)], tx.snapshots...)
	}
	var result []*AccountingSnapshot
	for _, snap := range all {
		if snap.SubscriberID == subscriberID {
			c := *snap
			result = append(result, &c)
		}
	}
	return result, nil
}

// lookupRow returns the staged row for id, else the committed one.
func lookupRow[T any](staged, committed map[int64]*T, id int64) (*T, bool) {
	if row, ok := staged[id]; ok {
		return row, true
	}
	row, ok := committed[id]
	return row, ok
}

// indexedRow resolves a unique lookup. The staged rows are scanned first;
// the committed row named by the index (id, ok) only counts if the
// transaction has not staged a newer copy of it.
func indexedRow[T any](staged, committed map[int64]*T, id int64, ok bool, match func(*T) bool) *T {
	for _, row := range staged {
		if match(row) {
			return row
		}
	}
	if !ok {
		return nil
	}
	if _, shadowed := staged[id]; shadowed {
		return nil
	}
	if row := committed[id]; match(row) {
		return row
	}
	return nil
}

// mergeRows returns the rows matching match among the committed rows named
// by index and the staged rows, staged copies taking precedence.
func mergeRows[T any](staged, committed map[int64]*T, index map[int64]int64, match func(*T) bool) []*T {
	var result []*T
	for _, id := range index {
		if _, shadowed := staged[id]; shadowed {
			continue
		}
		if row := committed[id]; match(row) {
			result = append(result, row)
		}
	}
	for _, row := range staged {
		if match(row) {
			result = append(result, row)
		}
	}
	return result
}

// --- Transactions ---

type memTx struct {
	s *MemoryStore

	leases      map[int64]*Lease
	assignments map[int64]*ServiceAssignment
	subscribers map[int64]*Subscriber
	snapshots   []*AccountingSnapshot

	// Version each staged row had when it was first read from the store.
	// Inserted rows have no entry.
	leaseBase      map[int64]int64
	assignmentBase map[int64]int64
	subscriberBase map[int64]int64
}

func newMemTx(s *MemoryStore) *memTx {
	return &memTx{
		s:              s,
		leases:         make(map[int64]*Lease),
		assignments:    make(map[int64]*ServiceAssignment),
		subscribers:    make(map[int64]*Subscriber),
		leaseBase:      make(map[int64]int64),
		assignmentBase: make(map[int64]int64),
		subscriberBase: make(map[int64]int64),
	}
}

func (tx *memTx) stagedLeases() map[int64]*Lease {
	if tx == nil {
		return nil
	}
	return tx.leases
}

func (tx *memTx) stagedAssignments() map[int64]*ServiceAssignment {
	if tx == nil {
		return nil
	}
	return tx.assignments
}

func (tx *memTx) stagedSubscribers() map[int64]*Subscriber {
	if tx == nil {
		return nil
	}
	return tx.subscribers
}

func (tx *memTx) Subscriber(ctx context.Context, id int64) (*Subscriber, error) {
	return tx.s.subscriber(ctx, tx, id)
}

func (tx *memTx) SubscriberByUsername(ctx context.Context, username string) (*Subscriber, error) {
	return tx.s.subscriberByUsername(ctx, tx, username)
}

func (tx *memTx) SubscribersByPort(ctx context.Context, portID int64) ([]*Subscriber, error) {
	return tx.s.filterSubscribers(ctx, tx, func(sub *Subscriber) bool { return sub.PortID == portID })
}

func (tx *memTx) ActiveSubscribersByDevice(ctx context.Context, deviceID int64) ([]*Subscriber, error) {
	return tx.s.filterSubscribers(ctx, tx, activeOnDevice(deviceID))
}

func (tx *memTx) DeviceByMAC(ctx context.Context, mac net.HardwareAddr) (*Device, error) {
	return tx.s.DeviceByMAC(ctx, mac)
}

func (tx *memTx) Port(ctx context.Context, deviceID int64, num int) (*DevicePort, error) {
	return tx.s.Port(ctx, deviceID, num)
}

func (tx *memTx) Profile(ctx context.Context, id int64) (*ServiceProfile, error) {
	return tx.s.Profile(ctx, id)
}

func (tx *memTx) ActiveAssignment(ctx context.Context, subscriberID int64) (*ServiceAssignment, error) {
	return tx.s.activeAssignment(ctx, tx, subscriberID)
}

func (tx *memTx) DueAssignments(ctx context.Context, now time.Time) ([]*ServiceAssignment, error) {
	return tx.s.dueAssignments(ctx, tx, now)
}

func (tx *memTx) ActiveLease(ctx context.Context, subscriberID int64) (*Lease, error) {
	return tx.s.activeLease(ctx, tx, subscriberID)
}

func (tx *memTx) ActiveLeaseByIP(ctx context.Context, ip netip.Addr) (*Lease, error) {
	return tx.s.activeLeaseForIP(ctx, tx, ip)
}

func (tx *memTx) ActiveLeaseBySession(ctx context.Context, sessionUUID string) (*Lease, error) {
	return tx.s.activeLeaseBySession(ctx, tx, sessionUUID)
}

func (tx *memTx) ActiveDynamicLeasesByMAC(ctx context.Context, mac net.HardwareAddr) ([]*Lease, error) {
	return tx.s.filterActiveLeases(ctx, tx, dynamicOnMAC(mac))
}

func (tx *memTx) StaleLeases(ctx context.Context, dynamic bool, before time.Time) ([]*Lease, error) {
	return tx.s.filterActiveLeases(ctx, tx, staleSince(dynamic, before))
}

func (tx *memTx) Snapshots(ctx context.Context, subscriberID int64) ([]*AccountingSnapshot, error) {
	return tx.s.subscriberSnapshots(ctx, tx, subscriberID)
}

// checkLease verifies l could be staged without breaking a uniqueness
// invariant. Caller holds mu; a nil tx checks the committed rows only.
func (s *MemoryStore) checkLease(tx *memTx, l *Lease) error {
	if l.State == SessionActive {
		if other := s.activeLeaseBySubLocked(tx, l.SubscriberID, l.ID); other != nil {
			return fmt.Errorf("subscriber %d already has active lease %d: %w", l.SubscriberID, other.ID, ErrUniqueViolation)
		}
		if other := s.activeLeaseByIPLocked(tx, l.IP, l.ID); other != nil {
			return fmt.Errorf("ip %s already held by active lease %d: %w", l.IP, other.ID, ErrUniqueViolation)
		}
	}
	if l.SessionUUID != "" {
		if other := s.leaseBySessionLocked(tx, l.SessionUUID, l.ID); other != nil {
			return fmt.Errorf("session %q already bound to lease %d: %w", l.SessionUUID, other.ID, ErrUniqueViolation)
		}
	}
	return nil
}

func (tx *memTx) InsertLease(ctx context.Context, l *Lease) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()

	candidate := l.Clone()
	candidate.ID = tx.s.nextID + 1
	candidate.Version = 1
	if err := tx.s.checkLease(tx, candidate); err != nil {
		return err
	}
	tx.s.nextID++
	tx.leases[candidate.ID] = candidate

	l.ID = candidate.ID
	l.Version = candidate.Version
	return nil
}

func (tx *memTx) UpdateLease(ctx context.Context, l *Lease) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()

	existing, ok := lookupRow(tx.leases, tx.s.leases, l.ID)
	if !ok {
		return fmt.Errorf("lease %d: %w", l.ID, ErrNotFound)
	}
	if existing.Version != l.Version {
		return fmt.Errorf("lease %d at version %d, have %d: %w", l.ID, existing.Version, l.Version, ErrVersionMismatch)
	}

	updated := l.Clone()
	updated.Version = existing.Version + 1
	if err := tx.s.checkLease(tx, updated); err != nil {
		return err
	}
	if _, staged := tx.leases[l.ID]; !staged {
		tx.leaseBase[l.ID] = existing.Version
	}
	tx.leases[l.ID] = updated

	l.Version = updated.Version
	return nil
}

func (tx *memTx) InsertSnapshot(ctx context.Context, snap *AccountingSnapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if snap.ID == "" {
		snap.ID = uuid.New().String()
	}
	stored := *snap
	tx.snapshots = append(tx.snapshots, &stored)
	return nil
}

func (tx *memTx) InsertAssignment(ctx context.Context, a *ServiceAssignment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()

	if a.State == AssignmentActive {
		if other := tx.s.activeAssignmentLocked(tx, a.SubscriberID, 0); other != nil {
			return fmt.Errorf("subscriber %d already has active assignment %d: %w", a.SubscriberID, other.ID, ErrUniqueViolation)
		}
	}

	tx.s.nextID++
	stored := *a
	stored.ID = tx.s.nextID
	stored.Version = 1
	tx.assignments[stored.ID] = &stored

	a.ID = stored.ID
	a.Version = stored.Version
	return nil
}

func (tx *memTx) UpdateAssignment(ctx context.Context, a *ServiceAssignment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()

	existing, ok := lookupRow(tx.assignments, tx.s.assignments, a.ID)
	if !ok {
		return fmt.Errorf("assignment %d: %w", a.ID, ErrNotFound)
	}
	if existing.Version != a.Version {
		return fmt.Errorf("assignment %d: %w", a.ID, ErrVersionMismatch)
	}
	if existing.State != AssignmentActive && existing.State != a.State {
		return fmt.Errorf("assignment %d is %s and immutable", a.ID, existing.State)
	}
	if a.State == AssignmentActive {
		if other := tx.s.activeAssignmentLocked(tx, a.SubscriberID, a.ID); other != nil {
			return fmt.Errorf("subscriber %d already has active assignment %d: %w", a.SubscriberID, other.ID, ErrUniqueViolation)
		}
	}

	updated := *a
	updated.Version = existing.Version + 1
	if _, staged := tx.assignments[a.ID]; !staged {
		tx.assignmentBase[a.ID] = existing.Version
	}
	tx.assignments[a.ID] = &updated

	a.Version = updated.Version
	return nil
}

// mutateSubscriber stages fn applied to a copy of the subscriber.
func (tx *memTx) mutateSubscriber(id int64, fn func(sub *Subscriber)) (*Subscriber, error) {
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()

	existing, ok := lookupRow(tx.subscribers, tx.s.subscribers, id)
	if !ok {
		return nil, fmt.Errorf("subscriber %d: %w", id, ErrNotFound)
	}
	updated := *existing
	fn(&updated)
	updated.Version++
	updated.UpdatedAt = time.Now()
	if _, staged := tx.subscribers[id]; !staged {
		tx.subscriberBase[id] = existing.Version
	}
	tx.subscribers[id] = &updated
	return &updated, nil
}

func (tx *memTx) AddBalance(ctx context.Context, subscriberID int64, delta decimal.Decimal) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	sub, err := tx.mutateSubscriber(subscriberID, func(sub *Subscriber) {
		sub.Balance = sub.Balance.Add(delta).Round(2)
	})
	if err != nil {
		return decimal.Zero, err
	}
	return sub.Balance, nil
}

func (tx *memTx) AttachIP(ctx context.Context, subscriberID int64, ip netip.Addr) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := tx.mutateSubscriber(subscriberID, func(sub *Subscriber) { sub.CurrentIP = ip })
	return err
}

func (tx *memTx) FreeIP(ctx context.Context, subscriberID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := tx.mutateSubscriber(subscriberID, func(sub *Subscriber) { sub.CurrentIP = netip.Addr{} })
	return err
}

// commitLocked applies the staged rows. It fails without applying anything
// if a row the transaction updated has moved on since it was read, or if a
// row committed meanwhile now holds one of the staged unique keys. Caller
// holds mu.
func (tx *memTx) commitLocked() error {
	s := tx.s
	for id, v := range tx.leaseBase {
		if cur := s.leases[id]; cur == nil || cur.Version != v {
			return fmt.Errorf("lease %d changed since read: %w", id, ErrVersionMismatch)
		}
	}
	for id, v := range tx.assignmentBase {
		if cur := s.assignments[id]; cur == nil || cur.Version != v {
			return fmt.Errorf("assignment %d changed since read: %w", id, ErrVersionMismatch)
		}
	}
	for id, v := range tx.subscriberBase {
		if cur := s.subscribers[id]; cur == nil || cur.Version != v {
			return fmt.Errorf("subscriber %d changed since read: %w", id, ErrVersionMismatch)
		}
	}

	// The staged rows were checked against each other as they were staged.
	// Re-checking them against the committed rows catches inserts by
	// transactions that committed in between.
	for _, l := range tx.leases {
		if err := s.checkLease(tx, l); err != nil {
			return err
		}
	}
	for _, a := range tx.assignments {
		if a.State != AssignmentActive {
			continue
		}
		if other := s.activeAssignmentLocked(tx, a.SubscriberID, a.ID); other != nil {
			return fmt.Errorf("subscriber %d already has active assignment %d: %w", a.SubscriberID, other.ID, ErrUniqueViolation)
		}
	}

	for id := range tx.leases {
		if old, ok := s.leases[id]; ok {
			s.unindexLease(old)
		}
	}
	for id, l := range tx.leases {
		s.leases[id] = l
		s.indexLease(l)
	}
	for id, a := range tx.assignments {
		if old, ok := s.assignments[id]; ok && old.State == AssignmentActive {
			delete(s.activeAssignmentBySub, old.SubscriberID)
		}
		s.assignments[id] = a
	}
	for _, a := range tx.assignments {
		if a.State == AssignmentActive {
			s.activeAssignmentBySub[a.SubscriberID] = a.ID
		}
	}
	for id, sub := range tx.subscribers {
		s.subscribers[id] = sub
	}
	s.snapshots = append(s.snapshots, tx.snapshots...)
	return nil
}

// Caller holds mu.
func (s *MemoryStore) indexLease(l *Lease) {
	if l.State == SessionActive {
		s.activeLeaseBySub[l.SubscriberID] = l.ID
		s.activeLeaseByIP[l.IP] = l.ID
	}
	if l.SessionUUID != "" {
		s.leaseBySession[l.SessionUUID] = l.ID
	}
}

// Caller holds mu.
func (s *MemoryStore) unindexLease(l *Lease) {
	if l.State == SessionActive {
		deleteIf(s.activeLeaseBySub, l.SubscriberID, l.ID)
		deleteIf(s.activeLeaseByIP, l.IP, l.ID)
	}
	if l.SessionUUID != "" {
		deleteIf(s.leaseBySession, l.SessionUUID, l.ID)
	}
}

func deleteIf[K comparable](m map[K]int64, key K, id int64) {
	if m[key] == id {
		delete(m, key)
	}
}
