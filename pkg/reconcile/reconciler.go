// Package reconcile pushes verdict changes to live BRAS sessions.
package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/codelaboratoryltd/aaa/pkg/events"
	"github.com/codelaboratoryltd/aaa/pkg/lease"
	"github.com/codelaboratoryltd/aaa/pkg/policy"
	"github.com/codelaboratoryltd/aaa/pkg/radius"
	"github.com/codelaboratoryltd/aaa/pkg/state"
	"go.uber.org/zap"
)

// Action is what Reconcile did to the live session.
type Action string

const (
	ActionNone       Action = "none"
	ActionInet       Action = "inet"
	ActionGuest      Action = "guest"
	ActionDisconnect Action = "disconnect"
)

// Kinds are the events that can change a verdict.
var Kinds = []events.Kind{events.BalanceCredited, events.ServicePicked, events.ServiceStopped, events.ServiceExpired}

// Evaluator returns the access verdict for a subscriber.
type Evaluator interface {
	Evaluate(ctx context.Context, subscriberID int64) (*policy.Verdict, error)
}

// Leases finds a subscriber's active lease.
type Leases interface {
	GetActive(ctx context.Context, subscriberID int64) (*state.Lease, error)
}

// BRAS changes or ends live sessions.
type BRAS interface {
	PushInet(ctx context.Context, username string, rates radius.Rates) error
	PushGuest(ctx context.Context, username string) error
}

// Disconnecter ends a live session, retrying on timeout.
type Disconnecter interface {
	Disconnect(ctx context.Context, username string) error
}

// Reconciler re-evaluates subscribers on billing events and applies the
// result to their BRAS session.
type Reconciler struct {
	evaluator  Evaluator
	leases     Leases
	bras       BRAS
	disconnect Disconnecter
	timeout    time.Duration
	logger     *zap.Logger
}

// New creates a reconciler. timeout bounds one reconcile (default: 10s).
func New(evaluator Evaluator, leases Leases, bras BRAS, disconnect Disconnecter, timeout time.Duration, logger *zap.Logger) *Reconciler {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Reconciler{
		evaluator:  evaluator,
		leases:     leases,
		bras:       bras,
		disconnect: disconnect,
		timeout:    timeout,
		logger:     logger,
	}
}

// Attach subscribes the reconciler to bus.
func (r *Reconciler) Attach(bus *events.Bus) *events.Subscription {
	return bus.Subscribe("reconcile", Kinds, r.HandleEvent)
}

// HandleEvent is the bus handler.
func (r *Reconciler) HandleEvent(ctx context.Context, e events.Event) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	action, err := r.Reconcile(ctx, e.SubjectID)
	if err != nil {
		r.logger.Warn("Reconcile failed",
			zap.String("event", string(e.Kind)),
			zap.Int64("subscriber_id", e.SubjectID),
			zap.String("action", string(action)),
			zap.String("result", string(radius.KindOf(err))),
			zap.Error(err),
		)
		return
	}
	if action != ActionNone {
		r.logger.Info("Session reconciled",
			zap.String("event", string(e.Kind)),
			zap.Int64("subscriber_id", e.SubjectID),
			zap.String("action", string(action)),
		)
	}
}

// Reconcile applies the current verdict to the subscriber's live session.
// Subscribers without an active RADIUS session are left alone: their next
// Access-Request picks the verdict up.
func (r *Reconciler) Reconcile(ctx context.Context, subscriberID int64) (Action, error) {
	l, err := r.leases.GetActive(ctx, subscriberID)
	if errors.Is(err, lease.ErrNotFound) {
		return ActionNone, nil
	}
	if err != nil {
		return ActionNone, err
	}
	if l.RadiusUsername == "" {
		return ActionNone, nil
	}

	verdict, err := r.evaluator.Evaluate(ctx, subscriberID)
	if err != nil {
		return ActionNone, err
	}

	switch verdict.Mode {
	case policy.ModeInet:
		return ActionInet, r.bras.PushInet(ctx, l.RadiusUsername, radius.RatesFromProfile(verdict.Profile))
	case policy.ModeGuest:
		return ActionGuest, r.bras.PushGuest(ctx, l.RadiusUsername)
	default:
		return ActionDisconnect, r.disconnect.Disconnect(ctx, l.RadiusUsername)
	}
}
