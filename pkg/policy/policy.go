// Package policy decides what access a subscriber gets and manages the
// lifecycle of their service assignment.
package policy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/codelaboratoryltd/aaa/pkg/events"
	"github.com/codelaboratoryltd/aaa/pkg/state"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrSubscriberNotFound = errors.New("subscriber not found")
	ErrProfileNotFound    = errors.New("service profile not found")
	ErrNoAssignment       = errors.New("no active service assignment")
	ErrAlreadyAssigned    = errors.New("subscriber already has an active service")
	ErrInvalidAmount      = errors.New("invalid amount")
)

// Mode is the access verdict.
type Mode string

const (
	ModeInet  Mode = "INET"
	ModeGuest Mode = "GUEST"
	ModeDeny  Mode = "DENY"
)

// Reason explains a non-INET verdict.
type Reason string

const (
	ReasonDenyInactive        Reason = "DENY_INACTIVE"
	ReasonDenyNegativeBalance Reason = "DENY_NEGATIVE_BALANCE"
	ReasonNoService           Reason = "NO_SERVICE"
)

// Verdict is the outcome of Evaluate.
type Verdict struct {
	Mode       Mode                     `json:"mode"`
	Reason     Reason                   `json:"reason,omitempty"`
	Subscriber *state.Subscriber        `json:"subscriber"`
	Profile    *state.ServiceProfile    `json:"profile,omitempty"`
	Assignment *state.ServiceAssignment `json:"assignment,omitempty"`
	Remaining  time.Duration            `json:"remaining"`
}

// Config holds policy configuration.
type Config struct {
	// Location is the zone month-end deadlines are computed in.
	Location *time.Location
}

// Policy evaluates verdicts and mutates service assignments.
type Policy struct {
	store  state.Store
	bus    events.Publisher
	loc    *time.Location
	logger *zap.Logger

	now func() time.Time
}

// New creates a policy.
func New(store state.Store, bus events.Publisher, config Config, logger *zap.Logger) *Policy {
	loc := config.Location
	if loc == nil {
		loc = time.Local
	}
	return &Policy{
		store:  store,
		bus:    bus,
		loc:    loc,
		logger: logger,
		now:    time.Now,
	}
}

// Evaluate returns the access verdict for a subscriber. An assignment
// found past its deadline is expired (and possibly renewed) on the spot
// before the verdict is taken.
func (p *Policy) Evaluate(ctx context.Context, subscriberID int64) (*Verdict, error) {
	// Expiry can happen at most once per assignment, a renewal produces a
	// fresh one, so two passes always settle.
	for pass := 0; pass < 3; pass++ {
		sub, err := p.store.Subscriber(ctx, subscriberID)
		if errors.Is(err, state.ErrNotFound) {
			return nil, fmt.Errorf("%w: %d", ErrSubscriberNotFound, subscriberID)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load subscriber: %w", err)
		}

		if !sub.Active {
			return &Verdict{Mode: ModeDeny, Reason: ReasonDenyInactive, Subscriber: sub}, nil
		}

		a, err := p.store.ActiveAssignment(ctx, subscriberID)
		if errors.Is(err, state.ErrNotFound) {
			return &Verdict{Mode: ModeGuest, Reason: ReasonNoService, Subscriber: sub}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load assignment: %w", err)
		}

		now := p.now()
		if now.After(a.Deadline) {
			if _, err := p.expire(ctx, subscriberID, now); err != nil {
				return nil, err
			}
			continue
		}

		profile, err := p.store.Profile(ctx, a.ProfileID)
		if err != nil {
			return nil, fmt.Errorf("failed to load profile %d: %w", a.ProfileID, err)
		}

		v := &Verdict{
			Mode:       ModeInet,
			Subscriber: sub,
			Profile:    profile,
			Assignment: a,
			Remaining:  a.Deadline.Sub(now),
		}
		if sub.Balance.IsNegative() && profile.CalcKind != state.CalcPrivate {
			v.Mode = ModeGuest
			v.Reason = ReasonDenyNegativeBalance
		}
		return v, nil
	}
	return nil, fmt.Errorf("assignment for subscriber %d did not settle", subscriberID)
}

// Pick assigns profileID to the subscriber, debiting its cost. The balance
// may go negative. A stale assignment past its deadline is expired first.
func (p *Policy) Pick(ctx context.Context, subscriberID, profileID int64) (*state.ServiceAssignment, error) {
	var (
		assignment *state.ServiceAssignment
		pending    []events.Event
	)

	err := p.store.WithTx(ctx, subscriberID, func(tx state.Tx) error {
		pending = pending[:0]
		now := p.now()

		if _, err := tx.Subscriber(ctx, subscriberID); err != nil {
			if errors.Is(err, state.ErrNotFound) {
				return fmt.Errorf("%w: %d", ErrSubscriberNotFound, subscriberID)
			}
			return err
		}

		existing, err := tx.ActiveAssignment(ctx, subscriberID)
		switch {
		case errors.Is(err, state.ErrNotFound):
		case err != nil:
			return err
		case now.After(existing.Deadline):
			ev, err := p.closeAssignment(ctx, tx, existing, state.AssignmentExpired, now)
			if err != nil {
				return err
			}
			pending = append(pending, ev)
		default:
			return ErrAlreadyAssigned
		}

		profile, err := tx.Profile(ctx, profileID)
		if errors.Is(err, state.ErrNotFound) {
			return fmt.Errorf("%w: %d", ErrProfileNotFound, profileID)
		}
		if err != nil {
			return err
		}

		assignment, err = p.assign(ctx, tx, subscriberID, profile, now)
		if err != nil {
			return err
		}
		pending = append(pending, pickedEvent(assignment, false))
		return nil
	})
	if err != nil {
		return nil, err
	}

	p.publish(pending)
	p.logger.Info("Service picked",
		zap.Int64("subscriber_id", subscriberID),
		zap.Int64("profile_id", profileID),
		zap.Time("deadline", assignment.Deadline),
		zap.String("cost", assignment.Cost.StringFixed(costPrecision)),
	)
	return assignment, nil
}

// Stop ends the subscriber's active assignment as STOPPED. Nothing is
// refunded.
func (p *Policy) Stop(ctx context.Context, subscriberID int64) (*state.ServiceAssignment, error) {
	var (
		stopped *state.ServiceAssignment
		ev      events.Event
	)

	err := p.store.WithTx(ctx, subscriberID, func(tx state.Tx) error {
		a, err := tx.ActiveAssignment(ctx, subscriberID)
		if errors.Is(err, state.ErrNotFound) {
			return ErrNoAssignment
		}
		if err != nil {
			return err
		}
		ev, err = p.closeAssignment(ctx, tx, a, state.AssignmentStopped, p.now())
		stopped = a
		return err
	})
	if err != nil {
		return nil, err
	}

	p.publish([]events.Event{ev})
	p.logger.Info("Service stopped",
		zap.Int64("subscriber_id", subscriberID),
		zap.Int64("assignment_id", stopped.ID),
	)
	return stopped, nil
}

// Credit adds amount to the subscriber's balance and returns the new
// balance.
func (p *Policy) Credit(ctx context.Context, subscriberID int64, amount decimal.Decimal, comment string) (decimal.Decimal, error) {
	if amount.IsZero() {
		return decimal.Zero, ErrInvalidAmount
	}
	amount = amount.Round(costPrecision)

	var balance decimal.Decimal
	err := p.store.WithTx(ctx, subscriberID, func(tx state.Tx) error {
		var err error
		balance, err = tx.AddBalance(ctx, subscriberID, amount)
		if errors.Is(err, state.ErrNotFound) {
			return fmt.Errorf("%w: %d", ErrSubscriberNotFound, subscriberID)
		}
		return err
	})
	if err != nil {
		return decimal.Zero, err
	}

	p.publish([]events.Event{{
		Kind:      events.BalanceCredited,
		SubjectID: subscriberID,
		Payload:   events.BalancePayload{Amount: amount, Balance: balance, Comment: comment},
	}})
	p.logger.Info("Balance credited",
		zap.Int64("subscriber_id", subscriberID),
		zap.String("amount", amount.StringFixed(costPrecision)),
		zap.String("balance", balance.StringFixed(costPrecision)),
	)
	return balance, nil
}

// ExpireDue expires every assignment whose deadline has passed and returns
// the affected subscriber IDs.
func (p *Policy) ExpireDue(ctx context.Context) ([]int64, error) {
	due, err := p.store.DueAssignments(ctx, p.now())
	if err != nil {
		return nil, fmt.Errorf("failed to list due assignments: %w", err)
	}

	var (
		expired []int64
		errs    []error
	)
	for _, a := range due {
		ok, err := p.expire(ctx, a.SubscriberID, p.now())
		if err != nil {
			if ctx.Err() != nil {
				return expired, ctx.Err()
			}
			errs = append(errs, fmt.Errorf("subscriber %d: %w", a.SubscriberID, err))
			continue
		}
		if ok {
			expired = append(expired, a.SubscriberID)
		}
	}

	if len(expired) > 0 {
		p.logger.Info("Expired due services", zap.Int("count", len(expired)))
	}
	return expired, errors.Join(errs...)
}

// expire closes the subscriber's assignment if it is still due at now and
// renews it when the subscriber asked for that and can pay. It reports
// whether anything expired.
func (p *Policy) expire(ctx context.Context, subscriberID int64, now time.Time) (bool, error) {
	var pending []events.Event

	err := p.store.WithTx(ctx, subscriberID, func(tx state.Tx) error {
		pending = pending[:0]

		a, err := tx.ActiveAssignment(ctx, subscriberID)
		if errors.Is(err, state.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if a.Deadline.After(now) {
			return nil
		}

		ev, err := p.closeAssignment(ctx, tx, a, state.AssignmentExpired, now)
		if err != nil {
			return err
		}
		pending = append(pending, ev)

		renewed, err := p.renew(ctx, tx, a, now)
		if err != nil {
			return err
		}
		if renewed != nil {
			pending = append(pending, pickedEvent(renewed, true))
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to expire service: %w", err)
	}
	if len(pending) == 0 {
		return false, nil
	}

	p.publish(pending)
	p.logger.Info("Service expired",
		zap.Int64("subscriber_id", subscriberID),
		zap.Bool("renewed", len(pending) > 1),
	)
	return true, nil
}

// renew picks the expired assignment's profile again when the subscriber
// has auto-renew on and the balance covers the cost.
func (p *Policy) renew(ctx context.Context, tx state.Tx, expired *state.ServiceAssignment, now time.Time) (*state.ServiceAssignment, error) {
	sub, err := tx.Subscriber(ctx, expired.SubscriberID)
	if err != nil {
		return nil, err
	}
	if !sub.AutoRenew || !sub.Active {
		return nil, nil
	}

	profile, err := tx.Profile(ctx, expired.ProfileID)
	if errors.Is(err, state.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	cost := Prorate(profile.CalcKind, profile.Cost, now, now, p.loc)
	if sub.Balance.LessThan(cost) {
		p.logger.Debug("Auto-renew skipped, balance too low",
			zap.Int64("subscriber_id", sub.ID),
			zap.String("balance", sub.Balance.StringFixed(costPrecision)),
			zap.String("cost", cost.StringFixed(costPrecision)),
		)
		return nil, nil
	}
	return p.assign(ctx, tx, sub.ID, profile, now)
}

func (p *Policy) assign(ctx context.Context, tx state.Tx, subscriberID int64, profile *state.ServiceProfile, now time.Time) (*state.ServiceAssignment, error) {
	deadline := Deadline(profile.CalcKind, now, p.loc)
	if !deadline.After(now) {
		return nil, fmt.Errorf("profile %d yields deadline %s not after start", profile.ID, deadline)
	}
	cost := Prorate(profile.CalcKind, profile.Cost, now, now, p.loc)

	if _, err := tx.AddBalance(ctx, subscriberID, cost.Neg()); err != nil {
		return nil, fmt.Errorf("failed to debit balance: %w", err)
	}

	a := &state.ServiceAssignment{
		SubscriberID: subscriberID,
		ProfileID:    profile.ID,
		StartTime:    now,
		Deadline:     deadline,
		State:        state.AssignmentActive,
		Cost:         cost,
	}
	if err := tx.InsertAssignment(ctx, a); err != nil {
		if errors.Is(err, state.ErrUniqueViolation) {
			return nil, ErrAlreadyAssigned
		}
		return nil, fmt.Errorf("failed to insert assignment: %w", err)
	}
	return a, nil
}

func (p *Policy) closeAssignment(ctx context.Context, tx state.Tx, a *state.ServiceAssignment, to state.AssignmentState, now time.Time) (events.Event, error) {
	a.State = to
	a.EndedAt = now
	if err := tx.UpdateAssignment(ctx, a); err != nil {
		return events.Event{}, fmt.Errorf("failed to close assignment %d: %w", a.ID, err)
	}

	kind := events.ServiceExpired
	if to == state.AssignmentStopped {
		kind = events.ServiceStopped
	}
	return events.Event{
		Kind:      kind,
		SubjectID: a.SubscriberID,
		Payload: events.ServicePayload{
			AssignmentID: a.ID,
			ProfileID:    a.ProfileID,
			Deadline:     a.Deadline,
			Cost:         a.Cost,
		},
	}, nil
}

func pickedEvent(a *state.ServiceAssignment, renewed bool) events.Event {
	return events.Event{
		Kind:      events.ServicePicked,
		SubjectID: a.SubscriberID,
		Payload: events.ServicePayload{
			AssignmentID: a.ID,
			ProfileID:    a.ProfileID,
			Deadline:     a.Deadline,
			Cost:         a.Cost,
			Renewed:      renewed,
		},
	}
}

func (p *Policy) publish(evs []events.Event) {
	if p.bus == nil {
		return
	}
	for _, e := range evs {
		p.bus.Publish(e)
	}
}
