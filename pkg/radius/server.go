package radius

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/codelaboratoryltd/aaa/pkg/accounting"
	"github.com/codelaboratoryltd/aaa/pkg/config"
	"github.com/codelaboratoryltd/aaa/pkg/identity"
	"github.com/codelaboratoryltd/aaa/pkg/policy"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"layeh.com/radius"
	"layeh.com/radius/rfc2866"
)

// ServerConfig holds the inbound RADIUS configuration.
type ServerConfig struct {
	AuthAddr string
	AcctAddr string
	Secret   string

	GuestPool     string
	GuestFallback bool
	PoolMap       *config.PoolMap

	// InterimInterval is Acct-Interim-Interval in seconds (default: 600).
	InterimInterval uint32
	// Workers bounds concurrent request processing (default: 32).
	Workers int
	// RequestTimeout is the per-request deadline (default: 5s).
	RequestTimeout time.Duration
	// StoreTimeout is the store budget inside a request (default: 2s).
	StoreTimeout time.Duration
}

// Resolver finds the subscriber of a request.
type Resolver interface {
	Resolve(ctx context.Context, h identity.Hints) (*identity.Identity, error)
}

// Evaluator returns the access verdict for a subscriber.
type Evaluator interface {
	Evaluate(ctx context.Context, subscriberID int64) (*policy.Verdict, error)
}

// Accountant applies accounting requests.
type Accountant interface {
	Handle(ctx context.Context, req *accounting.Request) (accounting.Outcome, error)
}

// ServerMetrics is the subset of metrics the server reports.
type ServerMetrics interface {
	RecordRADIUSRequest(typ, result string, latency time.Duration)
}

// Server answers Access-Request and Accounting-Request from the BRAS.
type Server struct {
	config     ServerConfig
	resolver   Resolver
	evaluator  Evaluator
	accountant Accountant
	logger     *zap.Logger
	metrics    ServerMetrics

	workers *semaphore.Weighted

	mu       sync.Mutex
	auth     *radius.PacketServer
	acct     *radius.PacketServer
	authConn net.PacketConn
	acctConn net.PacketConn
	wg       sync.WaitGroup
}

// NewServer creates a server. The secret is verified here so a bad one
// stops startup.
func NewServer(cfg ServerConfig, resolver Resolver, evaluator Evaluator, accountant Accountant, logger *zap.Logger, metrics ServerMetrics) (*Server, error) {
	if err := VerifySecret(cfg.Secret); err != nil {
		return nil, err
	}
	if cfg.GuestPool == "" {
		return nil, fmt.Errorf("%w: guest pool name required", config.ErrInvalid)
	}
	if cfg.InterimInterval == 0 {
		cfg.InterimInterval = 600
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 32
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	if cfg.StoreTimeout == 0 {
		cfg.StoreTimeout = 2 * time.Second
	}

	return &Server{
		config:     cfg,
		resolver:   resolver,
		evaluator:  evaluator,
		accountant: accountant,
		logger:     logger,
		metrics:    metrics,
		workers:    semaphore.NewWeighted(int64(cfg.Workers)),
	}, nil
}

// VerifySecret checks that secret is usable: non-empty, and a request
// signed with it verifies with it.
func VerifySecret(secret string) error {
	if secret == "" {
		return fmt.Errorf("%w: RADIUS secret is empty", config.ErrInvalid)
	}
	p := radius.New(radius.CodeAccountingRequest, []byte(secret))
	if err := rfc2866.AcctStatusType_Set(p, rfc2866.AcctStatusType_Value_AccountingOn); err != nil {
		return fmt.Errorf("%w: %v", config.ErrInvalid, err)
	}
	wire, err := p.Encode()
	if err != nil {
		return fmt.Errorf("%w: RADIUS secret: %v", config.ErrInvalid, err)
	}
	if !radius.IsAuthenticRequest(wire, []byte(secret)) {
		return fmt.Errorf("%w: RADIUS secret does not verify", config.ErrInvalid)
	}
	if _, err := radius.Parse(wire, []byte(secret)); err != nil {
		return fmt.Errorf("%w: RADIUS secret: %v", config.ErrInvalid, err)
	}
	return nil
}

// Start binds both listeners and serves them in the background.
func (s *Server) Start() error {
	authConn, err := net.ListenPacket("udp", s.config.AuthAddr)
	if err != nil {
		return fmt.Errorf("listen auth %s: %w", s.config.AuthAddr, err)
	}
	acctConn, err := net.ListenPacket("udp", s.config.AcctAddr)
	if err != nil {
		authConn.Close()
		return fmt.Errorf("listen acct %s: %w", s.config.AcctAddr, err)
	}

	secret := radius.StaticSecretSource([]byte(s.config.Secret))

	s.mu.Lock()
	s.authConn, s.acctConn = authConn, acctConn
	s.auth = &radius.PacketServer{
		Handler:      radius.HandlerFunc(s.pooled("auth", s.handleAuth)),
		SecretSource: secret,
	}
	s.acct = &radius.PacketServer{
		Handler:      radius.HandlerFunc(s.pooled("acct", s.handleAcct)),
		SecretSource: secret,
	}
	s.mu.Unlock()

	for _, srv := range []struct {
		name   string
		server *radius.PacketServer
		conn   net.PacketConn
	}{
		{"auth", s.auth, authConn},
		{"acct", s.acct, acctConn},
	} {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := srv.server.Serve(srv.conn); err != nil && !errors.Is(err, radius.ErrServerShutdown) {
				s.logger.Error("RADIUS listener stopped", zap.String("listener", srv.name), zap.Error(err))
			}
		}()
	}

	s.logger.Info("RADIUS server started",
		zap.String("auth", authConn.LocalAddr().String()),
		zap.String("acct", acctConn.LocalAddr().String()),
		zap.Int("workers", s.config.Workers),
		zap.Bool("guest_fallback", s.config.GuestFallback),
	)
	return nil
}

// AuthAddr returns the bound Access-Request address.
func (s *Server) AuthAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.authConn == nil {
		return nil
	}
	return s.authConn.LocalAddr()
}

// AcctAddr returns the bound Accounting-Request address.
func (s *Server) AcctAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.acctConn == nil {
		return nil
	}
	return s.acctConn.LocalAddr()
}

// Shutdown stops both listeners and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	auth, acct := s.auth, s.acct
	s.mu.Unlock()

	var errs []error
	for _, srv := range []*radius.PacketServer{auth, acct} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.wg.Wait()
	return errors.Join(errs...)
}

// pooled bounds concurrent handlers by the worker pool. A request that
// cannot get a worker before its deadline is dropped; the BRAS retransmits.
func (s *Server) pooled(typ string, h func(ctx context.Context, w radius.ResponseWriter, r *radius.Request)) func(radius.ResponseWriter, *radius.Request) {
	return func(w radius.ResponseWriter, r *radius.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.config.RequestTimeout)
		defer cancel()

		if err := s.workers.Acquire(ctx, 1); err != nil {
			s.logger.Warn("RADIUS request dropped, worker pool exhausted",
				zap.String("type", typ),
				zap.String("remote", r.RemoteAddr.String()),
			)
			s.record(typ, "dropped", 0)
			return
		}
		defer s.workers.Release(1)

		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("RADIUS handler panicked",
					zap.String("type", typ),
					zap.Any("panic", rec),
				)
			}
		}()
		h(ctx, w, r)
	}
}

func (s *Server) handleAuth(ctx context.Context, w radius.ResponseWriter, r *radius.Request) {
	start := time.Now()
	if r.Code != radius.CodeAccessRequest {
		s.logger.Debug("Unexpected packet on auth listener", zap.Stringer("code", r.Code))
		return
	}

	reply, result := s.authorize(ctx, r)
	if err := w.Write(reply); err != nil {
		s.logger.Warn("Failed to write RADIUS reply", zap.Error(err))
		result = "write_error"
	}
	s.record("auth", result, time.Since(start))
}

// authorize never fails: every outcome is an Accept or a Reject.
func (s *Server) authorize(ctx context.Context, r *radius.Request) (*radius.Packet, string) {
	hints := hintsFromPacket(r.Packet)
	storeCtx, cancel := context.WithTimeout(ctx, s.config.StoreTimeout)
	defer cancel()

	id, err := s.resolver.Resolve(storeCtx, hints)
	if err != nil {
		var nf *identity.NotFoundError
		if errors.As(err, &nf) {
			s.logger.Info("Access-Request for unknown subscriber",
				zap.String("username", hints.Username),
				zap.String("reason", string(nf.Reason)),
				zap.String("detail", nf.Detail),
			)
			if s.config.GuestFallback {
				return s.guest(r)
			}
			return s.reject(r, string(nf.Reason)), "reject"
		}
		return s.unavailable(r, hints.Username, err)
	}

	verdict, err := s.evaluator.Evaluate(storeCtx, id.SubscriberID())
	if err != nil {
		return s.unavailable(r, id.Username(), err)
	}

	switch verdict.Mode {
	case policy.ModeInet:
		pool := ""
		if svlan, cvlan, ok := parseNASPortVLANs(nasPortID(r.Packet)); ok {
			pool, _ = s.config.PoolMap.Lookup(svlan, cvlan)
		}
		rates := RatesFromProfile(verdict.Profile)
		reply, err := inetAccept(r, rates, s.config.InterimInterval, pool)
		if err != nil {
			return s.unavailable(r, id.Username(), err)
		}
		s.logger.Info("Access granted",
			zap.String("username", id.Username()),
			zap.Int64("subscriber_id", id.SubscriberID()),
			zap.String("service", InetService(rates)),
			zap.String("pool", pool),
		)
		return reply, "accept_inet"

	case policy.ModeGuest:
		s.logger.Info("Guest access granted",
			zap.String("username", id.Username()),
			zap.Int64("subscriber_id", id.SubscriberID()),
			zap.String("reason", string(verdict.Reason)),
		)
		return s.guest(r)

	default:
		s.logger.Info("Access denied",
			zap.String("username", id.Username()),
			zap.Int64("subscriber_id", id.SubscriberID()),
			zap.String("reason", string(verdict.Reason)),
		)
		if s.config.GuestFallback {
			return s.guest(r)
		}
		return s.reject(r, string(verdict.Reason)), "reject"
	}
}

func (s *Server) guest(r *radius.Request) (*radius.Packet, string) {
	reply, err := guestAccept(r, s.config.InterimInterval, s.config.GuestPool)
	if err != nil {
		return s.unavailable(r, "", err)
	}
	return reply, "accept_guest"
}

func (s *Server) unavailable(r *radius.Request, username string, err error) (*radius.Packet, string) {
	s.logger.Warn("Access-Request rejected, service unavailable",
		zap.String("username", username),
		zap.Error(err),
	)
	return s.reject(r, ReplyServiceUnavailable), "unavailable"
}

func (s *Server) handleAcct(ctx context.Context, w radius.ResponseWriter, r *radius.Request) {
	start := time.Now()
	if r.Code != radius.CodeAccountingRequest {
		s.logger.Debug("Unexpected packet on acct listener", zap.Stringer("code", r.Code))
		return
	}

	req := decodeAccounting(r.Packet)
	storeCtx, cancel := context.WithTimeout(ctx, s.config.StoreTimeout)
	defer cancel()

	outcome, err := s.accountant.Handle(storeCtx, req)
	result := string(outcome)
	if err != nil {
		if retryable(err) {
			// No reply: the BRAS retransmits.
			s.logger.Warn("Accounting request not applied, awaiting retransmit",
				zap.Stringer("status", req.Status),
				zap.String("session_id", req.SessionID),
				zap.Error(err),
			)
			s.record("acct", "retry", time.Since(start))
			return
		}
		s.logger.Warn("Accounting request discarded",
			zap.Stringer("status", req.Status),
			zap.String("session_id", req.SessionID),
			zap.String("username", req.Username),
			zap.Error(err),
		)
		result = "discarded"
	}

	if err := w.Write(r.Response(radius.CodeAccountingResponse)); err != nil {
		s.logger.Warn("Failed to write Accounting-Response", zap.Error(err))
	}
	s.record("acct", result, time.Since(start))
}

// retryable reports whether a failed accounting request may succeed when
// the BRAS sends it again.
func retryable(err error) bool {
	var nf *identity.NotFoundError
	switch {
	case errors.As(err, &nf),
		errors.Is(err, accounting.ErrMissingSessionID),
		errors.Is(err, accounting.ErrNoAddress):
		return false
	}
	return true
}

func (s *Server) record(typ, result string, latency time.Duration) {
	if s.metrics != nil {
		s.metrics.RecordRADIUSRequest(typ, result, latency)
	}
}
