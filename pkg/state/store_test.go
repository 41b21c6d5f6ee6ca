package state

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *MemoryStore {
	t.Helper()
	s := NewMemoryStore(zap.NewNop())
	s.PutSubscriber(&Subscriber{ID: 1, Username: "alice", Balance: decimal.NewFromInt(50), Active: true})
	s.PutSubscriber(&Subscriber{ID: 2, Username: "bob", Active: true})
	return s
}

func activeLease(sub int64, ip string) *Lease {
	now := time.Now()
	return &Lease{
		SubscriberID: sub,
		IP:           netip.MustParseAddr(ip),
		State:        SessionActive,
		AssignedAt:   now,
		LastSeen:     now,
	}
}

func TestMemoryStore_InsertAndLookupLease(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	l := activeLease(1, "10.0.0.7")
	l.SessionUUID = "S1"
	err := s.WithTx(ctx, 1, func(tx Tx) error { return tx.InsertLease(ctx, l) })
	if err != nil {
		t.Fatalf("InsertLease() error = %v", err)
	}
	if l.ID == 0 || l.Version != 1 {
		t.Fatalf("expected ID and version to be set, got id=%d version=%d", l.ID, l.Version)
	}

	got, err := s.ActiveLease(ctx, 1)
	if err != nil {
		t.Fatalf("ActiveLease() error = %v", err)
	}
	if got.IP.String() != "10.0.0.7" {
		t.Errorf("IP = %s, want 10.0.0.7", got.IP)
	}

	if _, err := s.ActiveLeaseByIP(ctx, netip.MustParseAddr("10.0.0.7")); err != nil {
		t.Errorf("ActiveLeaseByIP() error = %v", err)
	}
	if _, err := s.ActiveLeaseBySession(ctx, "S1"); err != nil {
		t.Errorf("ActiveLeaseBySession() error = %v", err)
	}
	if _, err := s.ActiveLease(ctx, 2); !errors.Is(err, ErrNotFound) {
		t.Errorf("ActiveLease(2) error = %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_UniqueActiveInvariants(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := activeLease(1, "10.0.0.7")
	first.SessionUUID = "S1"
	if err := s.WithTx(ctx, 1, func(tx Tx) error { return tx.InsertLease(ctx, first) }); err != nil {
		t.Fatalf("InsertLease() error = %v", err)
	}

	tests := []struct {
		name  string
		lease *Lease
	}{
		{"second active lease for subscriber", activeLease(1, "10.0.0.8")},
		{"active ip held by another subscriber", activeLease(2, "10.0.0.7")},
		{"duplicate session id", func() *Lease {
			l := activeLease(2, "10.0.0.9")
			l.SessionUUID = "S1"
			return l
		}()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.WithTx(ctx, tt.lease.SubscriberID, func(tx Tx) error { return tx.InsertLease(ctx, tt.lease) })
			if !errors.Is(err, ErrUniqueViolation) {
				t.Errorf("error = %v, want ErrUniqueViolation", err)
			}
		})
	}

	if got := s.Stats().ActiveLeases; got != 1 {
		t.Errorf("ActiveLeases = %d, want 1", got)
	}
}

func TestMemoryStore_UpdateLeaseVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	l := activeLease(1, "10.0.0.7")
	if err := s.WithTx(ctx, 1, func(tx Tx) error { return tx.InsertLease(ctx, l) }); err != nil {
		t.Fatalf("InsertLease() error = %v", err)
	}

	stale := l.Clone()
	l.InputOctets = 100
	if err := s.WithTx(ctx, 1, func(tx Tx) error { return tx.UpdateLease(ctx, l) }); err != nil {
		t.Fatalf("UpdateLease() error = %v", err)
	}
	if l.Version != 2 {
		t.Errorf("Version = %d, want 2", l.Version)
	}

	stale.InputOctets = 5
	err := s.WithTx(ctx, 1, func(tx Tx) error { return tx.UpdateLease(ctx, stale) })
	if !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("stale UpdateLease() error = %v, want ErrVersionMismatch", err)
	}

	got, _ := s.ActiveLease(ctx, 1)
	if got.InputOctets != 100 {
		t.Errorf("InputOctets = %d, want 100", got.InputOctets)
	}
}

func TestMemoryStore_CloseLeaseFreesIndexes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	l := activeLease(1, "10.0.0.7")
	l.SessionUUID = "S1"
	_ = s.WithTx(ctx, 1, func(tx Tx) error { return tx.InsertLease(ctx, l) })

	l.State = SessionClosed
	l.SessionUUID = ""
	if err := s.WithTx(ctx, 1, func(tx Tx) error { return tx.UpdateLease(ctx, l) }); err != nil {
		t.Fatalf("UpdateLease() error = %v", err)
	}

	next := activeLease(2, "10.0.0.7")
	next.SessionUUID = "S1"
	if err := s.WithTx(ctx, 2, func(tx Tx) error { return tx.InsertLease(ctx, next) }); err != nil {
		t.Fatalf("reusing ip and session after close: %v", err)
	}
}

func TestMemoryStore_RollbackOnError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithTx(ctx, 1, func(tx Tx) error {
		if err := tx.InsertLease(ctx, activeLease(1, "10.0.0.7")); err != nil {
			return err
		}
		if _, err := tx.AddBalance(ctx, 1, decimal.NewFromInt(-20)); err != nil {
			return err
		}
		if err := tx.AttachIP(ctx, 1, netip.MustParseAddr("10.0.0.7")); err != nil {
			return err
		}
		if err := tx.InsertSnapshot(ctx, &AccountingSnapshot{SubscriberID: 1}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithTx() error = %v, want boom", err)
	}

	if _, err := s.ActiveLease(ctx, 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("lease survived rollback: %v", err)
	}
	sub, _ := s.Subscriber(ctx, 1)
	if !sub.Balance.Equal(decimal.NewFromInt(50)) {
		t.Errorf("Balance = %s, want 50", sub.Balance)
	}
	if sub.CurrentIP.IsValid() {
		t.Errorf("CurrentIP = %s, want none", sub.CurrentIP)
	}
	if n := len(s.AllSnapshots()); n != 0 {
		t.Errorf("snapshots = %d, want 0", n)
	}
	if s.Stats().Rollbacks != 1 {
		t.Errorf("Rollbacks = %d, want 1", s.Stats().Rollbacks)
	}
}

func TestMemoryStore_RollbackOnDeadline(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := s.WithTx(ctx, 1, func(tx Tx) error {
		if err := tx.InsertLease(context.Background(), activeLease(1, "10.0.0.7")); err != nil {
			return err
		}
		<-ctx.Done()
		return nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("WithTx() error = %v, want DeadlineExceeded", err)
	}
	if _, err := s.ActiveLease(context.Background(), 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("half-applied write survived deadline: %v", err)
	}
}

func TestMemoryStore_Assignments(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	a := &ServiceAssignment{SubscriberID: 1, ProfileID: 9, StartTime: now.Add(-time.Hour), Deadline: now.Add(-time.Minute), State: AssignmentActive}
	if err := s.WithTx(ctx, 1, func(tx Tx) error { return tx.InsertAssignment(ctx, a) }); err != nil {
		t.Fatalf("InsertAssignment() error = %v", err)
	}

	dup := &ServiceAssignment{SubscriberID: 1, ProfileID: 9, StartTime: now, Deadline: now.Add(time.Hour), State: AssignmentActive}
	err := s.WithTx(ctx, 1, func(tx Tx) error { return tx.InsertAssignment(ctx, dup) })
	if !errors.Is(err, ErrUniqueViolation) {
		t.Fatalf("second active assignment error = %v, want ErrUniqueViolation", err)
	}

	due, _ := s.DueAssignments(ctx, now)
	if len(due) != 1 || due[0].ID != a.ID {
		t.Fatalf("DueAssignments() = %v, want [%d]", due, a.ID)
	}

	a.State = AssignmentExpired
	a.EndedAt = now
	if err := s.WithTx(ctx, 1, func(tx Tx) error { return tx.UpdateAssignment(ctx, a) }); err != nil {
		t.Fatalf("UpdateAssignment() error = %v", err)
	}
	if _, err := s.ActiveAssignment(ctx, 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("ActiveAssignment() error = %v, want ErrNotFound", err)
	}

	a.State = AssignmentActive
	if err := s.WithTx(ctx, 1, func(tx Tx) error { return tx.UpdateAssignment(ctx, a) }); err == nil {
		t.Error("expected terminal assignment to be immutable")
	}
}

func TestMemoryStore_ResolutionReads(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mac, _ := net.ParseMAC("00:11:22:33:44:55")

	dev := &Device{MAC: mac, UsesDevicePort: true}
	s.PutDevice(dev)
	port := &DevicePort{DeviceID: dev.ID, Num: 7}
	s.PutPort(port)
	s.PutSubscriber(&Subscriber{ID: 3, Username: "carol", DeviceID: dev.ID, PortID: port.ID, Active: true})
	s.PutSubscriber(&Subscriber{ID: 4, Username: "dave", DeviceID: dev.ID, Active: false})

	gotDev, err := s.DeviceByMAC(ctx, mac)
	if err != nil || gotDev.ID != dev.ID {
		t.Fatalf("DeviceByMAC() = %v, %v", gotDev, err)
	}
	gotPort, err := s.Port(ctx, dev.ID, 7)
	if err != nil || gotPort.ID != port.ID {
		t.Fatalf("Port() = %v, %v", gotPort, err)
	}
	subs, _ := s.SubscribersByPort(ctx, port.ID)
	if len(subs) != 1 || subs[0].Username != "carol" {
		t.Errorf("SubscribersByPort() = %v", subs)
	}
	active, _ := s.ActiveSubscribersByDevice(ctx, dev.ID)
	if len(active) != 1 || active[0].ID != 3 {
		t.Errorf("ActiveSubscribersByDevice() = %v", active)
	}
	if _, err := s.SubscriberByUsername(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
		t.Errorf("SubscriberByUsername() error = %v, want ErrNotFound", err)
	}
}

func TestKeyedMutex_Serializes(t *testing.T) {
	km := NewKeyedMutex()
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		inside  int
		maxSeen int
		mu      sync.Mutex
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := km.Lock(ctx, 42); err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			km.Unlock(42)
		}()
	}
	wg.Wait()

	if maxSeen != 1 {
		t.Errorf("max concurrent holders = %d, want 1", maxSeen)
	}
	if len(km.locks) != 0 {
		t.Errorf("lock table not drained: %d entries", len(km.locks))
	}
}

func TestKeyedMutex_LockHonoursContext(t *testing.T) {
	km := NewKeyedMutex()
	if err := km.Lock(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	defer km.Unlock(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := km.Lock(ctx, 1); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Lock() error = %v, want DeadlineExceeded", err)
	}
	if err := km.Lock(context.Background(), 2); err != nil {
		t.Errorf("independent key blocked: %v", err)
	}
	km.Unlock(2)
}

// evictHolder closes the active lease on ip and inserts sub's own lease
// there, the way the lease layer reassigns an address.
func evictHolder(ctx context.Context, tx Tx, sub int64, ip string) error {
	holder, err := tx.ActiveLeaseByIP(ctx, netip.MustParseAddr(ip))
	if err != nil {
		return err
	}
	holder.State = SessionClosed
	if err := tx.UpdateLease(ctx, holder); err != nil {
		return err
	}
	return tx.InsertLease(ctx, activeLease(sub, ip))
}

func activeOn(t *testing.T, s *MemoryStore, ip string) []*Lease {
	t.Helper()
	var result []*Lease
	for _, l := range s.Leases() {
		if l.State == SessionActive && l.IP == netip.MustParseAddr(ip) {
			result = append(result, l)
		}
	}
	return result
}

func TestMemoryStore_FailedTxDoesNotUndoCrossSubscriberEviction(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	held := activeLease(1, "10.0.0.7")
	if err := s.WithTx(ctx, 1, func(tx Tx) error { return tx.InsertLease(ctx, held) }); err != nil {
		t.Fatalf("InsertLease() error = %v", err)
	}

	staged := make(chan struct{})
	evicted := make(chan struct{})
	aborted := errors.New("aborted")
	var aErr error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		aErr = s.WithTx(ctx, 1, func(tx Tx) error {
			l := held.Clone()
			l.InputOctets = 500
			if err := tx.UpdateLease(ctx, l); err != nil {
				return err
			}
			close(staged)
			<-evicted
			return aborted
		})
	}()

	<-staged
	got, err := s.ActiveLease(ctx, 1)
	if err != nil {
		t.Fatalf("ActiveLease() error = %v", err)
	}
	if got.InputOctets != 0 || got.Version != 1 {
		t.Errorf("uncommitted write visible: octets=%d version=%d", got.InputOctets, got.Version)
	}

	if err := s.WithTx(ctx, 2, func(tx Tx) error { return evictHolder(ctx, tx, 2, "10.0.0.7") }); err != nil {
		t.Fatalf("eviction error = %v", err)
	}
	close(evicted)
	wg.Wait()
	if !errors.Is(aErr, aborted) {
		t.Fatalf("first tx error = %v, want aborted", aErr)
	}

	active := activeOn(t, s, "10.0.0.7")
	if len(active) != 1 || active[0].SubscriberID != 2 {
		t.Fatalf("active leases on 10.0.0.7 = %+v, want one for subscriber 2", active)
	}
	owner, err := s.ActiveLeaseByIP(ctx, netip.MustParseAddr("10.0.0.7"))
	if err != nil || owner.SubscriberID != 2 {
		t.Errorf("ActiveLeaseByIP() = %+v, %v, want subscriber 2", owner, err)
	}
	if _, err := s.ActiveLease(ctx, 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("evicted lease active again: %v", err)
	}
}

func TestMemoryStore_CommitLosesToConcurrentEviction(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	held := activeLease(1, "10.0.0.7")
	if err := s.WithTx(ctx, 1, func(tx Tx) error { return tx.InsertLease(ctx, held) }); err != nil {
		t.Fatalf("InsertLease() error = %v", err)
	}

	staged := make(chan struct{})
	evicted := make(chan struct{})
	var aErr error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		aErr = s.WithTx(ctx, 1, func(tx Tx) error {
			l := held.Clone()
			l.InputOctets = 500
			if err := tx.UpdateLease(ctx, l); err != nil {
				return err
			}
			close(staged)
			<-evicted
			return nil
		})
	}()

	<-staged
	if err := s.WithTx(ctx, 2, func(tx Tx) error { return evictHolder(ctx, tx, 2, "10.0.0.7") }); err != nil {
		t.Fatalf("eviction error = %v", err)
	}
	close(evicted)
	wg.Wait()

	if !errors.Is(aErr, ErrVersionMismatch) {
		t.Fatalf("stale commit error = %v, want ErrVersionMismatch", aErr)
	}
	if active := activeOn(t, s, "10.0.0.7"); len(active) != 1 || active[0].SubscriberID != 2 {
		t.Errorf("active leases on 10.0.0.7 = %+v, want one for subscriber 2", active)
	}
}

func TestMemoryStore_CommitRejectsKeyTakenMeanwhile(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	staged := make(chan struct{})
	taken := make(chan struct{})
	var aErr error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		aErr = s.WithTx(ctx, 1, func(tx Tx) error {
			if err := tx.InsertLease(ctx, activeLease(1, "10.0.0.9")); err != nil {
				return err
			}
			close(staged)
			<-taken
			return nil
		})
	}()

	<-staged
	if err := s.WithTx(ctx, 2, func(tx Tx) error { return tx.InsertLease(ctx, activeLease(2, "10.0.0.9")) }); err != nil {
		t.Fatalf("InsertLease() error = %v", err)
	}
	close(taken)
	wg.Wait()

	if !errors.Is(aErr, ErrUniqueViolation) {
		t.Fatalf("commit error = %v, want ErrUniqueViolation", aErr)
	}
	if active := activeOn(t, s, "10.0.0.9"); len(active) != 1 || active[0].SubscriberID != 2 {
		t.Errorf("active leases on 10.0.0.9 = %+v, want one for subscriber 2", active)
	}
}

func TestMemoryStore_TxReadsItsOwnWrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.WithTx(ctx, 1, func(tx Tx) error {
		l := activeLease(1, "10.0.0.7")
		l.SessionUUID = "S1"
		if err := tx.InsertLease(ctx, l); err != nil {
			return err
		}
		if _, err := tx.ActiveLeaseBySession(ctx, "S1"); err != nil {
			t.Errorf("tx ActiveLeaseBySession() error = %v", err)
		}
		if _, err := s.ActiveLeaseBySession(ctx, "S1"); !errors.Is(err, ErrNotFound) {
			t.Errorf("store sees staged lease: %v", err)
		}

		l.State = SessionClosed
		l.SessionUUID = ""
		if err := tx.UpdateLease(ctx, l); err != nil {
			return err
		}
		if _, err := tx.ActiveLease(ctx, 1); !errors.Is(err, ErrNotFound) {
			t.Errorf("tx ActiveLease() after close error = %v, want ErrNotFound", err)
		}
		return tx.InsertLease(ctx, func() *Lease {
			next := activeLease(1, "10.0.0.7")
			next.SessionUUID = "S1"
			return next
		}())
	})
	if err != nil {
		t.Fatalf("WithTx() error = %v", err)
	}

	got, err := s.ActiveLeaseBySession(ctx, "S1")
	if err != nil {
		t.Fatalf("ActiveLeaseBySession() error = %v", err)
	}
	if got.Version != 1 {
		t.Errorf("reopened lease version = %d, want 1", got.Version)
	}
	if n := len(s.Leases()); n != 2 {
		t.Errorf("lease rows = %d, want 2", n)
	}
}
