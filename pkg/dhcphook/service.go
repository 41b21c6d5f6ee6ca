// Package dhcphook applies DHCP server lease events to subscriber leases and
// serves them, with the admin API, over HTTP.
package dhcphook

//go:generate mockgen -destination=mock_coa_test.go -package=dhcphook . CoA

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/codelaboratoryltd/aaa/pkg/identity"
	"github.com/codelaboratoryltd/aaa/pkg/lease"
	"github.com/codelaboratoryltd/aaa/pkg/policy"
	"github.com/codelaboratoryltd/aaa/pkg/radius"
	"github.com/codelaboratoryltd/aaa/pkg/state"
	"go.uber.org/zap"
)

// Diagnostics returned to the DHCP server.
const (
	DiagNotDynamic      = "not dynamic"
	DiagAlreadyAttached = "already attached"
)

// Request is a lease event from the DHCP server.
type Request struct {
	ClientIP  string `json:"client_ip"`
	ClientMAC string `json:"client_mac"`
	SwitchMAC string `json:"switch_mac"`
	// SwitchPort is nil when the relay sent no circuit-id; port 0 is valid.
	SwitchPort *int `json:"switch_port,omitempty"`
}

// Resolver finds the subscriber behind a switch port.
type Resolver interface {
	Resolve(ctx context.Context, h identity.Hints) (*identity.Identity, error)
}

// Leases is the subset of the lease store the hook uses.
type Leases interface {
	Bind(ctx context.Context, req lease.BindRequest) (*state.Lease, error)
	GetActive(ctx context.Context, subscriberID int64) (*state.Lease, error)
	Release(ctx context.Context, ip netip.Addr, opts lease.CloseOptions) (*state.Lease, error)
}

// Evaluator returns the access verdict for a subscriber.
type Evaluator interface {
	Evaluate(ctx context.Context, subscriberID int64) (*policy.Verdict, error)
}

// CoA switches the service of a live BRAS session.
type CoA interface {
	PushInet(ctx context.Context, username string, rates radius.Rates) error
	PushGuest(ctx context.Context, username string) error
}

// Subscribers loads subscriber rows.
type Subscribers interface {
	Subscriber(ctx context.Context, id int64) (*state.Subscriber, error)
}

// Metrics is the subset of metrics the hook reports.
type Metrics interface {
	RecordDHCPHook(op, result string, latency time.Duration)
}

// Service implements commit, expiry and release.
type Service struct {
	resolver    Resolver
	leases      Leases
	evaluator   Evaluator
	coa         CoA
	subscribers Subscribers
	logger      *zap.Logger
	metrics     Metrics
}

// NewService creates the hook service. metrics may be nil.
func NewService(resolver Resolver, leases Leases, evaluator Evaluator, coa CoA, subscribers Subscribers, logger *zap.Logger, metrics Metrics) *Service {
	return &Service{
		resolver:    resolver,
		leases:      leases,
		evaluator:   evaluator,
		coa:         coa,
		subscribers: subscribers,
		logger:      logger,
		metrics:     metrics,
	}
}

// Commit binds req.ClientIP to the subscriber on the reporting switch port.
// It returns "" on success, otherwise a diagnostic for the DHCP log.
func (s *Service) Commit(ctx context.Context, req Request) string {
	start := time.Now()
	diag := s.commit(ctx, req)
	s.done("commit", req.ClientIP, diag, start)
	return diag
}

func (s *Service) commit(ctx context.Context, req Request) string {
	ip, err := parseIP(req.ClientIP)
	if err != nil {
		return err.Error()
	}
	hints, err := commitHints(req)
	if err != nil {
		return err.Error()
	}

	id, err := s.resolver.Resolve(ctx, hints)
	if err != nil {
		return err.Error()
	}
	sub := id.Subscriber
	if !sub.DynamicIP {
		return DiagNotDynamic
	}
	if sub.CurrentIP == ip {
		return DiagAlreadyAttached
	}

	previous, err := s.leases.GetActive(ctx, sub.ID)
	if err != nil && !errors.Is(err, lease.ErrNotFound) {
		return fmt.Sprintf("lease lookup: %v", err)
	}
	username := sub.Username
	if previous != nil && previous.RadiusUsername != "" {
		username = previous.RadiusUsername
	}

	mac, _ := net.ParseMAC(req.ClientMAC)
	if _, err := s.leases.Bind(ctx, lease.BindRequest{
		SubscriberID:   sub.ID,
		IP:             ip,
		MAC:            mac,
		Dynamic:        true,
		RadiusUsername: usernameIf(previous),
		AttachIP:       true,
	}); err != nil {
		return fmt.Sprintf("bind: %v", err)
	}

	s.logger.Info("DHCP lease committed",
		zap.String("username", sub.Username),
		zap.Int64("subscriber_id", sub.ID),
		zap.Stringer("ip", ip),
		zap.String("source", id.Source),
	)

	verdict, err := s.evaluator.Evaluate(ctx, sub.ID)
	if err != nil {
		return fmt.Sprintf("evaluate: %v", err)
	}
	if verdict.Mode != policy.ModeInet {
		return ""
	}
	if err := s.coa.PushInet(ctx, username, radius.RatesFromProfile(verdict.Profile)); err != nil {
		return fmt.Sprintf("coa inet: %s", radius.KindOf(err))
	}
	return ""
}

// Expiry releases the lease on ip and moves the session to guest.
func (s *Service) Expiry(ctx context.Context, clientIP string) string {
	start := time.Now()
	diag := s.release(ctx, clientIP, lease.ReasonExpiry)
	s.done("expiry", clientIP, diag, start)
	return diag
}

// Release is Expiry for an explicit DHCPRELEASE.
func (s *Service) Release(ctx context.Context, clientIP string) string {
	start := time.Now()
	diag := s.release(ctx, clientIP, lease.ReasonRelease)
	s.done("release", clientIP, diag, start)
	return diag
}

func (s *Service) release(ctx context.Context, clientIP, reason string) string {
	ip, err := parseIP(clientIP)
	if err != nil {
		return err.Error()
	}

	closed, err := s.leases.Release(ctx, ip, lease.CloseOptions{Reason: reason, FreeIP: true})
	if errors.Is(err, lease.ErrNotFound) {
		return fmt.Sprintf("no active lease for %s", ip)
	}
	if err != nil {
		return fmt.Sprintf("release: %v", err)
	}

	username := closed.RadiusUsername
	if username == "" {
		sub, err := s.subscribers.Subscriber(ctx, closed.SubscriberID)
		if err != nil {
			return fmt.Sprintf("subscriber %d: %v", closed.SubscriberID, err)
		}
		username = sub.Username
	}

	s.logger.Info("DHCP lease released",
		zap.String("username", username),
		zap.Int64("subscriber_id", closed.SubscriberID),
		zap.Stringer("ip", ip),
		zap.String("reason", reason),
	)

	if err := s.coa.PushGuest(ctx, username); err != nil {
		return fmt.Sprintf("coa guest: %s", radius.KindOf(err))
	}
	return ""
}

func (s *Service) done(op, ip, diag string, start time.Time) {
	result := "ok"
	if diag != "" {
		result = diagResult(diag)
		s.logger.Info("DHCP hook diagnostic",
			zap.String("op", op),
			zap.String("client_ip", ip),
			zap.String("message", diag),
		)
	}
	if s.metrics != nil {
		s.metrics.RecordDHCPHook(op, result, time.Since(start))
	}
}

// diagResult maps a diagnostic onto a low-cardinality metric label.
func diagResult(diag string) string {
	switch {
	case diag == DiagNotDynamic:
		return "not_dynamic"
	case diag == DiagAlreadyAttached:
		return "already_attached"
	case strings.HasPrefix(diag, "coa "):
		return "coa_failed"
	case strings.HasPrefix(diag, "no active lease"):
		return "no_lease"
	case strings.HasPrefix(diag, "invalid "):
		return "invalid"
	}
	for _, r := range []identity.Reason{identity.ReasonSubscriberNotFound, identity.ReasonDeviceNotFound, identity.ReasonPortNotFound, identity.ReasonAmbiguous} {
		if strings.HasPrefix(diag, string(r)) {
			return strings.ToLower(string(r))
		}
	}
	return "error"
}

func usernameIf(l *state.Lease) string {
	if l == nil {
		return ""
	}
	return l.RadiusUsername
}

func parseIP(s string) (netip.Addr, error) {
	ip, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil || !ip.Is4() {
		return netip.Addr{}, fmt.Errorf("invalid client_ip %q", s)
	}
	return ip, nil
}

// commitHints identifies the subscriber by switch and port, or by client
// MAC when the relay did not report a switch.
func commitHints(req Request) (identity.Hints, error) {
	if req.SwitchMAC == "" {
		mac, err := net.ParseMAC(req.ClientMAC)
		if err != nil {
			return identity.Hints{}, fmt.Errorf("invalid client_mac %q", req.ClientMAC)
		}
		return identity.Hints{ClientMAC: mac}, nil
	}
	mac, err := net.ParseMAC(req.SwitchMAC)
	if err != nil {
		return identity.Hints{}, fmt.Errorf("invalid switch_mac %q", req.SwitchMAC)
	}
	h := identity.Hints{DeviceMAC: mac}
	if req.SwitchPort != nil {
		h.PortNum = *req.SwitchPort
		h.HasPort = true
	}
	return h, nil
}
