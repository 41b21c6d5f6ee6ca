// Package lease owns the authoritative subscriber to IP bindings and their
// session lifecycle.
package lease

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/netip"
	"time"

	"github.com/codelaboratoryltd/aaa/pkg/events"
	"github.com/codelaboratoryltd/aaa/pkg/state"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrConflict is returned when an operation lost the race for its rows
	// on every attempt.
	ErrConflict = errors.New("STORE_CONFLICT")

	// ErrNotFound is returned when no active lease matches.
	ErrNotFound = errors.New("lease not found")
)

// Close reasons recorded on snapshots.
const (
	ReasonStop       = "stop"
	ReasonRelease    = "release"
	ReasonExpiry     = "expiry"
	ReasonRebind     = "rebind"
	ReasonReassigned = "reassigned"
	ReasonSuperseded = "superseded"
	ReasonRestart    = "restart"
	ReasonStale      = "stale"
)

const maxRetries = 3

// Metrics is the subset of metrics the lease store reports.
type Metrics interface {
	RecordLeaseBind(dynamic bool)
	RecordLeaseClose(reason string)
	RecordStoreConflict(op string)
}

// BindRequest opens or refreshes the binding of a subscriber to an IP.
type BindRequest struct {
	SubscriberID int64
	IP           netip.Addr
	MAC          net.HardwareAddr
	Dynamic      bool
	ServiceVID   uint16
	CustomerVID  uint16

	SessionUUID    string
	RadiusUsername string

	// AttachIP also records IP as the subscriber's current IP.
	AttachIP bool
}

// RefreshRequest carries an accounting update for a session.
type RefreshRequest struct {
	SubscriberID   int64
	IP             netip.Addr
	SessionUUID    string
	RadiusUsername string
	Counters       state.Counters
	// SessionTime is Acct-Session-Time when HasSessionTime is set.
	SessionTime    uint32
	HasSessionTime bool
}

// Outcome says what Refresh did.
type Outcome string

const (
	OutcomeUpdated   Outcome = "updated"
	OutcomeCreated   Outcome = "created"
	OutcomeRestarted Outcome = "restarted"
	OutcomeStale     Outcome = "stale"
)

// RefreshResult is the result of Refresh.
type RefreshResult struct {
	Lease   *state.Lease
	Outcome Outcome
	// Closed is the lease closed by a restart.
	Closed *state.Lease
}

// CloseOptions tune Release and ReleaseBySession.
type CloseOptions struct {
	// Reason is recorded on the snapshot. Defaults to "release".
	Reason string
	// FreeIP clears the subscriber's current IP.
	FreeIP bool
	// Final counters from a Stop. Counters never go backwards: the larger of
	// the stored and final value is kept.
	Final          *state.Counters
	SessionTime    uint32
	HasSessionTime bool
}

// Store implements the lease operations on top of a state.Store.
type Store struct {
	store   state.Store
	bus     events.Publisher
	metrics Metrics
	logger  *zap.Logger

	now func() time.Time
}

// NewStore creates a lease store. bus and metrics may be nil.
func NewStore(store state.Store, bus events.Publisher, metrics Metrics, logger *zap.Logger) *Store {
	return &Store{
		store:   store,
		bus:     bus,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

// unit collects what a transaction attempt produced so it can be reported
// once the attempt commits.
type unit struct {
	events []events.Event
	opened []*state.Lease
	closed []string
}

func (u *unit) reset() {
	u.events = u.events[:0]
	u.opened = u.opened[:0]
	u.closed = u.closed[:0]
}

// withRetry runs fn in a transaction on subscriberID, retrying lost
// optimistic races. After maxRetries retries it returns ErrConflict.
func (s *Store) withRetry(ctx context.Context, op string, subscriberID int64, fn func(tx state.Tx, u *unit) error) error {
	u := &unit{}
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt)*5*time.Millisecond + time.Duration(rand.Int63n(int64(5*time.Millisecond)))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		err = s.store.WithTx(ctx, subscriberID, func(tx state.Tx) error {
			u.reset()
			return fn(tx, u)
		})
		if err == nil {
			s.report(u)
			return nil
		}
		if !errors.Is(err, state.ErrVersionMismatch) && !errors.Is(err, state.ErrUniqueViolation) {
			return err
		}
		s.logger.Debug("Lease transaction lost a race, retrying",
			zap.String("op", op),
			zap.Int64("subscriber_id", subscriberID),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}

	if s.metrics != nil {
		s.metrics.RecordStoreConflict(op)
	}
	s.logger.Warn("Lease operation conflicted",
		zap.String("op", op),
		zap.Int64("subscriber_id", subscriberID),
		zap.Error(err),
	)
	return fmt.Errorf("%s: %w: %v", op, ErrConflict, err)
}

func (s *Store) report(u *unit) {
	if s.metrics != nil {
		for _, l := range u.opened {
			s.metrics.RecordLeaseBind(l.Dynamic)
		}
		for _, reason := range u.closed {
			s.metrics.RecordLeaseClose(reason)
		}
	}
	if s.bus != nil {
		for _, e := range u.events {
			s.bus.Publish(e)
		}
	}
}

// Bind opens a lease for the subscriber on req.IP. An active lease of the
// same subscriber on the same IP is refreshed in place; one on another IP
// is closed first. An active lease of another subscriber on req.IP is
// closed as reassigned.
func (s *Store) Bind(ctx context.Context, req BindRequest) (*state.Lease, error) {
	if !req.IP.IsValid() {
		return nil, fmt.Errorf("bind: invalid ip")
	}

	var result *state.Lease
	err := s.withRetry(ctx, "bind", req.SubscriberID, func(tx state.Tx, u *unit) error {
		now := s.now()

		current, err := activeLease(ctx, tx, req.SubscriberID)
		if err != nil {
			return err
		}

		if current != nil && current.IP == req.IP && sameSession(current.SessionUUID, req.SessionUUID) {
			applyBind(current, req, now)
			if err := tx.UpdateLease(ctx, current); err != nil {
				return err
			}
			if req.AttachIP {
				if err := tx.AttachIP(ctx, req.SubscriberID, req.IP); err != nil {
					return err
				}
			}
			result = current
			return nil
		}

		if current != nil {
			reason := ReasonRebind
			if current.IP == req.IP {
				reason = ReasonSuperseded
			}
			if err := s.close(ctx, tx, u, current, reason, now); err != nil {
				return err
			}
		}

		if err := s.evictIP(ctx, tx, u, req.SubscriberID, req.IP, now); err != nil {
			return err
		}

		l := &state.Lease{
			SubscriberID: req.SubscriberID,
			IP:           req.IP,
			AssignedAt:   now,
			State:        state.SessionNew,
		}
		applyBind(l, req, now)
		if err := s.open(ctx, tx, u, l); err != nil {
			return err
		}
		if req.AttachIP {
			if err := tx.AttachIP(ctx, req.SubscriberID, req.IP); err != nil {
				return err
			}
		}
		result = l
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Refresh applies an accounting update. A session seen for the first time
// is opened. Counters that went backwards either mean the BRAS restarted
// the session (the old one is closed and a new one opened with the same
// session id) or that the update is a reordered stale interim, told apart
// by Acct-Session-Time.
func (s *Store) Refresh(ctx context.Context, req RefreshRequest) (*RefreshResult, error) {
	var result *RefreshResult
	err := s.withRetry(ctx, "refresh", req.SubscriberID, func(tx state.Tx, u *unit) error {
		now := s.now()
		result = nil

		current, err := s.sessionLease(ctx, tx, req.SubscriberID, req.SessionUUID)
		if err != nil {
			return err
		}

		if current == nil {
			l, err := s.openFromRefresh(ctx, tx, u, req, nil, now)
			if err != nil {
				return err
			}
			result = &RefreshResult{Lease: l, Outcome: OutcomeCreated}
			return nil
		}

		if req.Counters.Less(current.Counters) {
			if req.HasSessionTime && req.SessionTime < current.SessionTime {
				result = &RefreshResult{Lease: current, Outcome: OutcomeStale}
				return nil
			}

			closed := current.Clone()
			if err := s.close(ctx, tx, u, current, ReasonRestart, now); err != nil {
				return err
			}
			l, err := s.openFromRefresh(ctx, tx, u, req, closed, now)
			if err != nil {
				return err
			}
			result = &RefreshResult{Lease: l, Outcome: OutcomeRestarted, Closed: closed}
			return nil
		}

		current.Counters = req.Counters
		if req.HasSessionTime && req.SessionTime > current.SessionTime {
			current.SessionTime = req.SessionTime
		}
		if req.RadiusUsername != "" {
			current.RadiusUsername = req.RadiusUsername
		}
		if current.SessionUUID == "" {
			current.SessionUUID = req.SessionUUID
		}
		current.LastSeen = now
		if err := tx.UpdateLease(ctx, current); err != nil {
			return err
		}
		result = &RefreshResult{Lease: current, Outcome: OutcomeUpdated}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// sessionLease finds the active lease an accounting update belongs to: the
// one carrying the session id, or the subscriber's active lease when it has
// no session yet. A subscriber lease bound to a different session is closed
// as superseded and nil is returned.
func (s *Store) sessionLease(ctx context.Context, tx state.Tx, subscriberID int64, sessionUUID string) (*state.Lease, error) {
	if sessionUUID != "" {
		l, err := tx.ActiveLeaseBySession(ctx, sessionUUID)
		switch {
		case err == nil && l.SubscriberID == subscriberID:
			return l, nil
		case err == nil:
			return nil, fmt.Errorf("session %q belongs to subscriber %d", sessionUUID, l.SubscriberID)
		case !errors.Is(err, state.ErrNotFound):
			return nil, err
		}
	}

	l, err := activeLease(ctx, tx, subscriberID)
	if err != nil || l == nil {
		return nil, err
	}
	if sameSession(l.SessionUUID, sessionUUID) {
		return l, nil
	}
	return nil, nil
}

// openFromRefresh opens a lease for an accounting update. Binding details
// DHCP recorded are carried over from the subscriber's active lease, which
// is closed as superseded, or from prev.
func (s *Store) openFromRefresh(ctx context.Context, tx state.Tx, u *unit, req RefreshRequest, prev *state.Lease, now time.Time) (*state.Lease, error) {
	current, err := activeLease(ctx, tx, req.SubscriberID)
	if err != nil {
		return nil, err
	}
	template := current
	if template == nil {
		template = prev
	}

	l := &state.Lease{
		SubscriberID:   req.SubscriberID,
		IP:             req.IP,
		AssignedAt:     now,
		LastSeen:       now,
		State:          state.SessionNew,
		SessionUUID:    req.SessionUUID,
		RadiusUsername: req.RadiusUsername,
		Counters:       req.Counters,
	}
	if req.HasSessionTime {
		l.SessionTime = req.SessionTime
	}
	if template != nil {
		l.MAC = template.MAC
		l.Dynamic = template.Dynamic
		l.ServiceVID, l.CustomerVID = template.ServiceVID, template.CustomerVID
		if !l.IP.IsValid() {
			l.IP = template.IP
		}
		if l.RadiusUsername == "" {
			l.RadiusUsername = template.RadiusUsername
		}
	}
	if current != nil {
		if err := s.close(ctx, tx, u, current, ReasonSuperseded, now); err != nil {
			return nil, err
		}
	}
	if !l.IP.IsValid() {
		return nil, fmt.Errorf("session %q has no ip", req.SessionUUID)
	}
	if err := s.evictIP(ctx, tx, u, req.SubscriberID, l.IP, now); err != nil {
		return nil, err
	}
	if err := s.open(ctx, tx, u, l); err != nil {
		return nil, err
	}
	return l, nil
}

// Release closes the active lease holding ip.
func (s *Store) Release(ctx context.Context, ip netip.Addr, opts CloseOptions) (*state.Lease, error) {
	return s.release(ctx, "release", func(ctx context.Context, r state.Reader) (*state.Lease, error) {
		return r.ActiveLeaseByIP(ctx, ip)
	}, opts)
}

// ReleaseBySession closes the active lease of a session.
func (s *Store) ReleaseBySession(ctx context.Context, sessionUUID string, opts CloseOptions) (*state.Lease, error) {
	if sessionUUID == "" {
		return nil, ErrNotFound
	}
	return s.release(ctx, "release_by_session", func(ctx context.Context, r state.Reader) (*state.Lease, error) {
		return r.ActiveLeaseBySession(ctx, sessionUUID)
	}, opts)
}

// ReleaseLease closes l if it is still the same active lease.
func (s *Store) ReleaseLease(ctx context.Context, l *state.Lease, opts CloseOptions) (*state.Lease, error) {
	id := l.ID
	subscriberID := l.SubscriberID
	return s.release(ctx, "release_lease", func(ctx context.Context, r state.Reader) (*state.Lease, error) {
		got, err := r.ActiveLease(ctx, subscriberID)
		if err != nil {
			return nil, err
		}
		if got.ID != id {
			return nil, fmt.Errorf("lease %d: %w", id, state.ErrNotFound)
		}
		return got, nil
	}, opts)
}

func (s *Store) release(ctx context.Context, op string, find func(context.Context, state.Reader) (*state.Lease, error), opts CloseOptions) (*state.Lease, error) {
	if opts.Reason == "" {
		opts.Reason = ReasonRelease
	}

	var released *state.Lease
	// The lease may change hands between the lookup and the lock; look it
	// up again under the lock and start over if it moved.
	for attempt := 0; attempt <= maxRetries; attempt++ {
		l, err := find(ctx, s.store)
		if errors.Is(err, state.ErrNotFound) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, err
		}

		moved := false
		err = s.withRetry(ctx, op, l.SubscriberID, func(tx state.Tx, u *unit) error {
			released, moved = nil, false
			current, err := find(ctx, tx)
			if errors.Is(err, state.ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			if current.SubscriberID != l.SubscriberID {
				moved = true
				return nil
			}

			if opts.Final != nil {
				current.Counters = maxCounters(current.Counters, *opts.Final)
			}
			if opts.HasSessionTime && opts.SessionTime > current.SessionTime {
				current.SessionTime = opts.SessionTime
			}
			closed := current.Clone()
			if err := s.close(ctx, tx, u, current, opts.Reason, s.now()); err != nil {
				return err
			}
			if opts.FreeIP {
				if err := tx.FreeIP(ctx, current.SubscriberID); err != nil {
					return err
				}
			}
			closed.State = state.SessionClosed
			closed.ClosedAt = current.ClosedAt
			closed.Version = current.Version
			released = closed
			return nil
		})
		if err != nil {
			return nil, err
		}
		if moved {
			continue
		}
		if released == nil {
			return nil, ErrNotFound
		}
		return released, nil
	}
	return nil, fmt.Errorf("%s: %w", op, ErrConflict)
}

// GetActive returns the subscriber's active lease.
func (s *Store) GetActive(ctx context.Context, subscriberID int64) (*state.Lease, error) {
	l, err := s.store.ActiveLease(ctx, subscriberID)
	if errors.Is(err, state.ErrNotFound) {
		return nil, ErrNotFound
	}
	return l, err
}

// LookupByIP returns the active lease holding ip.
func (s *Store) LookupByIP(ctx context.Context, ip netip.Addr) (*state.Lease, error) {
	l, err := s.store.ActiveLeaseByIP(ctx, ip)
	if errors.Is(err, state.ErrNotFound) {
		return nil, ErrNotFound
	}
	return l, err
}

// LookupBySession returns the active lease of a session.
func (s *Store) LookupBySession(ctx context.Context, sessionUUID string) (*state.Lease, error) {
	l, err := s.store.ActiveLeaseBySession(ctx, sessionUUID)
	if errors.Is(err, state.ErrNotFound) {
		return nil, ErrNotFound
	}
	return l, err
}

// evictIP closes another subscriber's active lease on ip.
func (s *Store) evictIP(ctx context.Context, tx state.Tx, u *unit, subscriberID int64, ip netip.Addr, now time.Time) error {
	holder, err := tx.ActiveLeaseByIP(ctx, ip)
	if errors.Is(err, state.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if holder.SubscriberID == subscriberID {
		return nil
	}

	s.logger.Info("IP reassigned, closing previous holder",
		zap.String("ip", ip.String()),
		zap.Int64("from_subscriber_id", holder.SubscriberID),
		zap.Int64("to_subscriber_id", subscriberID),
	)
	return s.close(ctx, tx, u, holder, ReasonReassigned, now)
}

// open inserts l as ACTIVE.
func (s *Store) open(ctx context.Context, tx state.Tx, u *unit, l *state.Lease) error {
	l.State = state.SessionActive
	if err := tx.InsertLease(ctx, l); err != nil {
		return err
	}

	u.opened = append(u.opened, l)
	u.events = append(u.events, events.Event{
		Kind:      events.SessionStarted,
		SubjectID: l.SubscriberID,
		Payload: events.SessionPayload{
			LeaseID:        l.ID,
			SessionUUID:    l.SessionUUID,
			RadiusUsername: l.RadiusUsername,
			IP:             l.IP,
		},
	})
	return nil
}

// close moves l to CLOSED and archives it. The session id moves to the
// snapshot so it can be reused by a restarted session.
func (s *Store) close(ctx context.Context, tx state.Tx, u *unit, l *state.Lease, reason string, now time.Time) error {
	snap := &state.AccountingSnapshot{
		ID:             uuid.New().String(),
		LeaseID:        l.ID,
		SubscriberID:   l.SubscriberID,
		IP:             l.IP,
		MAC:            l.MAC,
		SessionUUID:    l.SessionUUID,
		RadiusUsername: l.RadiusUsername,
		Counters:       l.Counters,
		SessionTime:    l.SessionTime,
		StartedAt:      l.AssignedAt,
		StoppedAt:      now,
		EventTime:      now,
		CloseReason:    reason,
	}

	l.State = state.SessionClosed
	l.ClosedAt = now
	l.SessionUUID = ""
	if err := tx.UpdateLease(ctx, l); err != nil {
		return err
	}
	if err := tx.InsertSnapshot(ctx, snap); err != nil {
		return err
	}

	u.closed = append(u.closed, reason)
	u.events = append(u.events, events.Event{
		Kind:      events.SessionStopped,
		SubjectID: l.SubscriberID,
		Payload: events.SessionPayload{
			LeaseID:        l.ID,
			SessionUUID:    snap.SessionUUID,
			RadiusUsername: snap.RadiusUsername,
			IP:             snap.IP,
			SnapshotID:     snap.ID,
			Counters:       snap.Counters,
			Duration:       snap.Duration(),
			CloseReason:    reason,
		},
	})
	return nil
}

func activeLease(ctx context.Context, r state.Reader, subscriberID int64) (*state.Lease, error) {
	l, err := r.ActiveLease(ctx, subscriberID)
	if errors.Is(err, state.ErrNotFound) {
		return nil, nil
	}
	return l, err
}

func applyBind(l *state.Lease, req BindRequest, now time.Time) {
	if len(req.MAC) > 0 {
		l.MAC = req.MAC
	}
	l.Dynamic = l.Dynamic || req.Dynamic
	if req.ServiceVID != 0 || req.CustomerVID != 0 {
		l.ServiceVID, l.CustomerVID = req.ServiceVID, req.CustomerVID
	}
	if req.SessionUUID != "" {
		l.SessionUUID = req.SessionUUID
	}
	if req.RadiusUsername != "" {
		l.RadiusUsername = req.RadiusUsername
	}
	l.LastSeen = now
}

// sameSession reports whether a lease bound to have can take want: either
// side without a session id matches anything.
func sameSession(have, want string) bool {
	return have == "" || want == "" || have == want
}

func maxCounters(a, b state.Counters) state.Counters {
	return state.Counters{
		InputOctets:   max(a.InputOctets, b.InputOctets),
		OutputOctets:  max(a.OutputOctets, b.OutputOctets),
		InputPackets:  max(a.InputPackets, b.InputPackets),
		OutputPackets: max(a.OutputPackets, b.OutputPackets),
	}
}
