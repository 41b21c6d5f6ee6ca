// Package accounting applies RADIUS Accounting-Request Start, Interim-Update
// and Stop to the lease store.
package accounting

import (
	"context"
	"errors"
	"fmt"
	"net/netip"

	"github.com/codelaboratoryltd/aaa/pkg/identity"
	"github.com/codelaboratoryltd/aaa/pkg/lease"
	"github.com/codelaboratoryltd/aaa/pkg/state"
	"go.uber.org/zap"
)

// ErrMissingSessionID is returned for a request without Acct-Session-Id.
var ErrMissingSessionID = errors.New("missing Acct-Session-Id")

// ErrNoAddress is returned when a session cannot be given an IP.
var ErrNoAddress = errors.New("no framed ip for session")

// StatusType is Acct-Status-Type.
type StatusType uint32

const (
	StatusStart         StatusType = 1
	StatusStop          StatusType = 2
	StatusInterimUpdate StatusType = 3
	StatusAccountingOn  StatusType = 7
	StatusAccountingOff StatusType = 8
)

func (s StatusType) String() string {
	switch s {
	case StatusStart:
		return "Start"
	case StatusStop:
		return "Stop"
	case StatusInterimUpdate:
		return "Interim-Update"
	case StatusAccountingOn:
		return "Accounting-On"
	case StatusAccountingOff:
		return "Accounting-Off"
	}
	return fmt.Sprintf("Status(%d)", uint32(s))
}

// Outcome says what the accountant did with a request.
type Outcome string

const (
	OutcomeCreated   Outcome = "created"
	OutcomeUpdated   Outcome = "updated"
	OutcomeRestarted Outcome = "restarted"
	OutcomeStale     Outcome = "stale"
	OutcomeStopped   Outcome = "stopped"
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeUnknownSession is a Stop for a session that is not active.
	OutcomeUnknownSession Outcome = "unknown_session"
	OutcomeIgnored        Outcome = "ignored"
)

// Request is a decoded Accounting-Request.
type Request struct {
	Status    StatusType
	SessionID string
	Username  string
	FramedIP  netip.Addr

	// Hints identify the subscriber when the session is not known yet.
	Hints identity.Hints

	// Counters are already folded with their gigaword attributes.
	Counters       state.Counters
	SessionTime    uint32
	HasSessionTime bool
	// TerminateCause names the Acct-Terminate-Cause of a Stop, if sent.
	TerminateCause string
}

// FoldGigawords combines a 32-bit octet counter with its gigaword counter.
func FoldGigawords(octets, gigawords uint32) uint64 {
	return uint64(gigawords)<<32 | uint64(octets)
}

// Resolver finds the subscriber of a new session.
type Resolver interface {
	Resolve(ctx context.Context, h identity.Hints) (*identity.Identity, error)
}

// Leases is the part of the lease store the accountant drives.
type Leases interface {
	Bind(ctx context.Context, req lease.BindRequest) (*state.Lease, error)
	Refresh(ctx context.Context, req lease.RefreshRequest) (*lease.RefreshResult, error)
	ReleaseBySession(ctx context.Context, sessionUUID string, opts lease.CloseOptions) (*state.Lease, error)
	LookupBySession(ctx context.Context, sessionUUID string) (*state.Lease, error)
}

// DuplicateDetector remembers the last accounting record applied per
// session so exact re-deliveries can be answered without the store.
type DuplicateDetector interface {
	IsDuplicate(ctx context.Context, req *Request) (bool, error)
	Record(ctx context.Context, req *Request) error
}

// Metrics is the subset of metrics the accountant reports.
type Metrics interface {
	RecordAccounting(status, outcome string)
}

// Accountant applies accounting requests to leases.
type Accountant struct {
	resolver   Resolver
	leases     Leases
	duplicates DuplicateDetector
	metrics    Metrics
	logger     *zap.Logger
}

// Option configures an Accountant.
type Option func(*Accountant)

// WithDuplicateDetector short-circuits re-delivered requests.
func WithDuplicateDetector(d DuplicateDetector) Option {
	return func(a *Accountant) { a.duplicates = d }
}

// WithMetrics reports outcomes.
func WithMetrics(m Metrics) Option {
	return func(a *Accountant) { a.metrics = m }
}

// New creates an accountant.
func New(resolver Resolver, leases Leases, logger *zap.Logger, opts ...Option) *Accountant {
	a := &Accountant{
		resolver: resolver,
		leases:   leases,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Handle dispatches on the status type. A nil error means the request may
// be acknowledged; errors from the store mean it should not be.
func (a *Accountant) Handle(ctx context.Context, req *Request) (Outcome, error) {
	var (
		outcome Outcome
		err     error
	)
	switch req.Status {
	case StatusStart:
		outcome, err = a.Start(ctx, req)
	case StatusInterimUpdate:
		outcome, err = a.Interim(ctx, req)
	case StatusStop:
		outcome, err = a.Stop(ctx, req)
	default:
		a.logger.Debug("Accounting status ignored",
			zap.Stringer("status", req.Status),
			zap.String("session_id", req.SessionID),
		)
		outcome = OutcomeIgnored
	}

	if a.metrics != nil {
		result := string(outcome)
		if err != nil {
			result = "error"
		}
		a.metrics.RecordAccounting(req.Status.String(), result)
	}
	return outcome, err
}

// Start opens the session's lease. A Start for a session that is already
// active is a no-op.
func (a *Accountant) Start(ctx context.Context, req *Request) (Outcome, error) {
	if req.SessionID == "" {
		return "", ErrMissingSessionID
	}
	if a.duplicate(ctx, req) {
		return OutcomeDuplicate, nil
	}

	existing, err := a.leases.LookupBySession(ctx, req.SessionID)
	switch {
	case err == nil:
		a.logger.Debug("Duplicate accounting start",
			zap.String("session_id", req.SessionID),
			zap.Int64("lease_id", existing.ID),
		)
		a.record(ctx, req)
		return OutcomeDuplicate, nil
	case !errors.Is(err, lease.ErrNotFound):
		return "", err
	}

	id, err := a.resolve(ctx, req)
	if err != nil {
		return "", err
	}
	ip, err := sessionIP(req, id)
	if err != nil {
		return "", err
	}

	l, err := a.leases.Bind(ctx, lease.BindRequest{
		SubscriberID:   id.SubscriberID(),
		IP:             ip,
		SessionUUID:    req.SessionID,
		RadiusUsername: req.Username,
	})
	if err != nil {
		return "", fmt.Errorf("start %s: %w", req.SessionID, err)
	}

	a.record(ctx, req)
	a.logger.Info("Session started",
		zap.String("session_id", req.SessionID),
		zap.String("username", req.Username),
		zap.Int64("subscriber_id", l.SubscriberID),
		zap.String("ip", l.IP.String()),
	)
	return OutcomeCreated, nil
}

// Interim records counters. An Interim for an unknown session opens one.
func (a *Accountant) Interim(ctx context.Context, req *Request) (Outcome, error) {
	if req.SessionID == "" {
		return "", ErrMissingSessionID
	}
	if a.duplicate(ctx, req) {
		return OutcomeDuplicate, nil
	}

	var (
		subscriberID int64
		ip           = req.FramedIP
	)
	existing, err := a.leases.LookupBySession(ctx, req.SessionID)
	switch {
	case err == nil:
		subscriberID = existing.SubscriberID
		if !ip.IsValid() {
			ip = existing.IP
		}
	case errors.Is(err, lease.ErrNotFound):
		id, err := a.resolve(ctx, req)
		if err != nil {
			return "", err
		}
		if ip, err = sessionIP(req, id); err != nil {
			return "", err
		}
		subscriberID = id.SubscriberID()
		a.logger.Warn("Interim update without start",
			zap.String("session_id", req.SessionID),
			zap.Int64("subscriber_id", subscriberID),
		)
	default:
		return "", err
	}

	res, err := a.leases.Refresh(ctx, lease.RefreshRequest{
		SubscriberID:   subscriberID,
		IP:             ip,
		SessionUUID:    req.SessionID,
		RadiusUsername: req.Username,
		Counters:       req.Counters,
		SessionTime:    req.SessionTime,
		HasSessionTime: req.HasSessionTime,
	})
	if err != nil {
		return "", fmt.Errorf("interim %s: %w", req.SessionID, err)
	}

	switch res.Outcome {
	case lease.OutcomeStale:
		a.logger.Info("Stale interim update dropped",
			zap.String("session_id", req.SessionID),
			zap.Uint64("input_octets", req.Counters.InputOctets),
			zap.Uint64("stored_input_octets", res.Lease.InputOctets),
		)
		return OutcomeStale, nil
	case lease.OutcomeRestarted:
		a.logger.Info("Session counters went backwards, restarted",
			zap.String("session_id", req.SessionID),
			zap.Int64("closed_lease_id", res.Closed.ID),
			zap.Int64("lease_id", res.Lease.ID),
		)
	}

	a.record(ctx, req)
	switch res.Outcome {
	case lease.OutcomeCreated:
		return OutcomeCreated, nil
	case lease.OutcomeRestarted:
		return OutcomeRestarted, nil
	}
	return OutcomeUpdated, nil
}

// Stop closes the session with its final counters. A Stop for a session
// that is not active succeeds.
func (a *Accountant) Stop(ctx context.Context, req *Request) (Outcome, error) {
	if req.SessionID == "" {
		return "", ErrMissingSessionID
	}
	if a.duplicate(ctx, req) {
		return OutcomeDuplicate, nil
	}

	final := req.Counters
	l, err := a.leases.ReleaseBySession(ctx, req.SessionID, lease.CloseOptions{
		Reason:         lease.ReasonStop,
		Final:          &final,
		SessionTime:    req.SessionTime,
		HasSessionTime: req.HasSessionTime,
	})
	if errors.Is(err, lease.ErrNotFound) {
		a.logger.Info("Stop for unknown session",
			zap.String("session_id", req.SessionID),
			zap.String("username", req.Username),
		)
		a.record(ctx, req)
		return OutcomeUnknownSession, nil
	}
	if err != nil {
		return "", fmt.Errorf("stop %s: %w", req.SessionID, err)
	}

	a.record(ctx, req)
	a.logger.Info("Session stopped",
		zap.String("session_id", req.SessionID),
		zap.Int64("subscriber_id", l.SubscriberID),
		zap.Uint64("input_octets", l.InputOctets),
		zap.Uint64("output_octets", l.OutputOctets),
		zap.String("terminate_cause", req.TerminateCause),
	)
	return OutcomeStopped, nil
}

func (a *Accountant) resolve(ctx context.Context, req *Request) (*identity.Identity, error) {
	hints := req.Hints
	if hints.Username == "" {
		hints.Username = req.Username
	}
	id, err := a.resolver.Resolve(ctx, hints)
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", req.SessionID, err)
	}
	return id, nil
}

// duplicate consults the detector. Detector failures are logged and the
// request is applied.
func (a *Accountant) duplicate(ctx context.Context, req *Request) bool {
	if a.duplicates == nil {
		return false
	}
	dup, err := a.duplicates.IsDuplicate(ctx, req)
	if err != nil {
		a.logger.Warn("Duplicate check failed", zap.String("session_id", req.SessionID), zap.Error(err))
		return false
	}
	if dup {
		a.logger.Debug("Duplicate accounting request",
			zap.Stringer("status", req.Status),
			zap.String("session_id", req.SessionID),
		)
	}
	return dup
}

func (a *Accountant) record(ctx context.Context, req *Request) {
	if a.duplicates == nil {
		return
	}
	if err := a.duplicates.Record(ctx, req); err != nil {
		a.logger.Warn("Duplicate record failed", zap.String("session_id", req.SessionID), zap.Error(err))
	}
}

func sessionIP(req *Request, id *identity.Identity) (netip.Addr, error) {
	if req.FramedIP.IsValid() {
		return req.FramedIP, nil
	}
	if id.Subscriber.CurrentIP.IsValid() {
		return id.Subscriber.CurrentIP, nil
	}
	return netip.Addr{}, fmt.Errorf("session %s: %w", req.SessionID, ErrNoAddress)
}
