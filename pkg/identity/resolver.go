// Package identity resolves RADIUS and DHCP relay hints to a subscriber.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/codelaboratoryltd/aaa/pkg/state"
	"go.uber.org/zap"
)

// Reason tags a failed resolution.
type Reason string

const (
	ReasonSubscriberNotFound Reason = "SUBSCRIBER_NOT_FOUND"
	ReasonDeviceNotFound     Reason = "DEVICE_NOT_FOUND"
	ReasonPortNotFound       Reason = "PORT_NOT_FOUND"
	ReasonAmbiguous          Reason = "AMBIGUOUS"
)

var (
	ErrSubscriberNotFound = errors.New(string(ReasonSubscriberNotFound))
	ErrDeviceNotFound     = errors.New(string(ReasonDeviceNotFound))
	ErrPortNotFound       = errors.New(string(ReasonPortNotFound))
	ErrAmbiguous          = errors.New(string(ReasonAmbiguous))
)

// NotFoundError is returned when no single subscriber matches the hints.
type NotFoundError struct {
	Reason Reason
	Detail string
}

func (e *NotFoundError) Error() string {
	if e.Detail == "" {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
}

// Unwrap maps the reason onto its sentinel so errors.Is works.
func (e *NotFoundError) Unwrap() error {
	switch e.Reason {
	case ReasonDeviceNotFound:
		return ErrDeviceNotFound
	case ReasonPortNotFound:
		return ErrPortNotFound
	case ReasonAmbiguous:
		return ErrAmbiguous
	default:
		return ErrSubscriberNotFound
	}
}

func notFound(reason Reason, format string, args ...any) *NotFoundError {
	return &NotFoundError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// Hints are the identifying attributes of a request. Any subset may be set.
type Hints struct {
	Username string

	DeviceMAC net.HardwareAddr
	PortNum   int
	HasPort   bool

	// Opt-82 sub-options, either split or as the raw option 82 payload.
	AgentRemoteID  []byte
	AgentCircuitID []byte
	RelayAgentInfo []byte

	ClientMAC net.HardwareAddr
}

// Identity is a resolved subscriber with its attachment context.
type Identity struct {
	Subscriber *state.Subscriber
	DeviceID   int64
	PortID     int64
	// Source names the hint that matched.
	Source string
}

// SubscriberID returns the resolved subscriber ID.
func (i *Identity) SubscriberID() int64 { return i.Subscriber.ID }

// Username returns the resolved subscriber username.
func (i *Identity) Username() string { return i.Subscriber.Username }

// Resolver looks subscribers up from request hints.
type Resolver struct {
	store  state.Reader
	logger *zap.Logger
}

// NewResolver creates a resolver over store.
func NewResolver(store state.Reader, logger *zap.Logger) *Resolver {
	return &Resolver{store: store, logger: logger}
}

// Resolve tries, in order: username, device+port, Opt-82, client MAC seen
// on a dynamic lease. A hint that matches nobody falls through to the next
// one; AMBIGUOUS and store failures stop resolution.
func (r *Resolver) Resolve(ctx context.Context, h Hints) (*Identity, error) {
	var first *NotFoundError

	attempts := []struct {
		source  string
		present bool
		fn      func(context.Context, Hints) (*Identity, error)
	}{
		{"username", h.Username != "", r.byUsername},
		{"device_port", len(h.DeviceMAC) > 0, r.byDevicePort},
		{"opt82", len(h.AgentRemoteID) > 0 || len(h.AgentCircuitID) > 0 || len(h.RelayAgentInfo) > 0, r.byOpt82},
		{"client_mac", len(h.ClientMAC) > 0, r.byClientMAC},
	}

	for _, a := range attempts {
		if !a.present {
			continue
		}
		id, err := a.fn(ctx, h)
		if err == nil {
			id.Source = a.source
			r.logger.Debug("Subscriber resolved",
				zap.String("source", a.source),
				zap.Int64("subscriber_id", id.Subscriber.ID),
				zap.String("username", id.Subscriber.Username),
			)
			return id, nil
		}

		var nf *NotFoundError
		if !errors.As(err, &nf) || nf.Reason == ReasonAmbiguous {
			return nil, err
		}
		// Keep the most specific miss: a device or port miss says more
		// than a generic subscriber miss.
		if first == nil || (first.Reason == ReasonSubscriberNotFound && nf.Reason != ReasonSubscriberNotFound) {
			first = nf
		}
	}

	if first == nil {
		return nil, notFound(ReasonSubscriberNotFound, "no identifying attributes")
	}
	return nil, first
}

func (r *Resolver) byUsername(ctx context.Context, h Hints) (*Identity, error) {
	sub, err := r.store.SubscriberByUsername(ctx, h.Username)
	if errors.Is(err, state.ErrNotFound) {
		return nil, notFound(ReasonSubscriberNotFound, "username %q", h.Username)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up username: %w", err)
	}
	return &Identity{Subscriber: sub, DeviceID: sub.DeviceID, PortID: sub.PortID}, nil
}

func (r *Resolver) byDevicePort(ctx context.Context, h Hints) (*Identity, error) {
	return r.resolveCircuit(ctx, Circuit{DeviceMAC: h.DeviceMAC, Port: h.PortNum, HasPort: h.HasPort})
}

func (r *Resolver) byOpt82(ctx context.Context, h Hints) (*Identity, error) {
	remote, circuit := h.AgentRemoteID, h.AgentCircuitID
	if len(h.RelayAgentInfo) > 0 {
		var err error
		remote, circuit, err = ParseRelayAgentInfo(h.RelayAgentInfo)
		if err != nil {
			return nil, notFound(ReasonDeviceNotFound, "%v", err)
		}
	}

	c, ok := ParseCircuit(remote, circuit)
	if !ok {
		return nil, notFound(ReasonDeviceNotFound, "no device MAC in relay agent info")
	}
	return r.resolveCircuit(ctx, c)
}

// resolveCircuit maps (device MAC, port) onto one subscriber. Devices
// that cannot report ports, or circuits without a port, resolve to the
// single active subscriber on the device.
func (r *Resolver) resolveCircuit(ctx context.Context, c Circuit) (*Identity, error) {
	dev, err := r.store.DeviceByMAC(ctx, c.DeviceMAC)
	if errors.Is(err, state.ErrNotFound) {
		return nil, notFound(ReasonDeviceNotFound, "device %s", c.DeviceMAC)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up device: %w", err)
	}

	if !dev.UsesDevicePort || !c.HasPort {
		subs, err := r.store.ActiveSubscribersByDevice(ctx, dev.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to list device subscribers: %w", err)
		}
		sub, err := single(subs, "device %s", dev.MAC)
		if err != nil {
			return nil, err
		}
		return &Identity{Subscriber: sub, DeviceID: dev.ID, PortID: sub.PortID}, nil
	}

	port, err := r.store.Port(ctx, dev.ID, c.Port)
	if errors.Is(err, state.ErrNotFound) {
		return nil, notFound(ReasonPortNotFound, "device %s port %d", dev.MAC, c.Port)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up port: %w", err)
	}

	subs, err := r.store.SubscribersByPort(ctx, port.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list port subscribers: %w", err)
	}
	sub, err := single(subs, "device %s port %d", dev.MAC, c.Port)
	if err != nil {
		return nil, err
	}
	return &Identity{Subscriber: sub, DeviceID: dev.ID, PortID: port.ID}, nil
}

func (r *Resolver) byClientMAC(ctx context.Context, h Hints) (*Identity, error) {
	leases, err := r.store.ActiveDynamicLeasesByMAC(ctx, h.ClientMAC)
	if err != nil {
		return nil, fmt.Errorf("failed to look up leases by mac: %w", err)
	}

	ids := make(map[int64]struct{}, len(leases))
	for _, l := range leases {
		ids[l.SubscriberID] = struct{}{}
	}
	switch len(ids) {
	case 0:
		return nil, notFound(ReasonSubscriberNotFound, "client mac %s", h.ClientMAC)
	case 1:
	default:
		return nil, notFound(ReasonAmbiguous, "client mac %s on %d subscribers", h.ClientMAC, len(ids))
	}

	sub, err := r.store.Subscriber(ctx, leases[0].SubscriberID)
	if errors.Is(err, state.ErrNotFound) {
		return nil, notFound(ReasonSubscriberNotFound, "client mac %s", h.ClientMAC)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load subscriber: %w", err)
	}
	return &Identity{Subscriber: sub, DeviceID: sub.DeviceID, PortID: sub.PortID}, nil
}

func single(subs []*state.Subscriber, format string, args ...any) (*state.Subscriber, error) {
	switch len(subs) {
	case 0:
		return nil, notFound(ReasonSubscriberNotFound, format, args...)
	case 1:
		return subs[0], nil
	default:
		return nil, notFound(ReasonAmbiguous, "%s matches %d subscribers", fmt.Sprintf(format, args...), len(subs))
	}
}
