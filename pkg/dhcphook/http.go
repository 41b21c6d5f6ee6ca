package dhcphook

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/codelaboratoryltd/aaa/pkg/lease"
	"github.com/codelaboratoryltd/aaa/pkg/policy"
	"github.com/codelaboratoryltd/aaa/pkg/radius"
	"github.com/codelaboratoryltd/aaa/pkg/state"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/net/netutil"
)

// HTTPConfig configures the hook and admin listener.
type HTTPConfig struct {
	Listen string
	// RequestTimeout bounds every request (default: 10s).
	RequestTimeout time.Duration
	// JWTSecret enables bearer auth when set. Admin routes answer 401;
	// hook routes still answer 200 and carry the refusal in the message.
	JWTSecret string
	// MaxConns caps concurrent connections (default: 256).
	MaxConns int
}

// Admin is the service API the CRUD layer calls.
type Admin interface {
	Evaluate(ctx context.Context, subscriberID int64) (*policy.Verdict, error)
	Credit(ctx context.Context, subscriberID int64, amount decimal.Decimal, comment string) (decimal.Decimal, error)
	Pick(ctx context.Context, subscriberID, profileID int64) (*state.ServiceAssignment, error)
	Stop(ctx context.Context, subscriberID int64) (*state.ServiceAssignment, error)
}

// ActiveLeases finds a subscriber's active lease.
type ActiveLeases interface {
	GetActive(ctx context.Context, subscriberID int64) (*state.Lease, error)
}

// Disconnecter ends a live BRAS session.
type Disconnecter interface {
	Disconnect(ctx context.Context, username string) error
}

// Server serves the DHCP hook and the admin API.
type Server struct {
	app    *fiber.App
	config HTTPConfig
	hook   *Service
	admin  Admin
	leases ActiveLeases
	bras   Disconnecter
	logger *zap.Logger
}

type messageResponse struct {
	Message *string `json:"message"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewServer builds the fiber app.
func NewServer(cfg HTTPConfig, hook *Service, admin Admin, leases ActiveLeases, bras Disconnecter, logger *zap.Logger) *Server {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 256
	}
	s := &Server{
		config: cfg,
		hook:   hook,
		admin:  admin,
		leases: leases,
		bras:   bras,
		logger: logger,
	}

	s.app = fiber.New(fiber.Config{
		AppName:               "aaa",
		DisableStartupMessage: true,
		ReadTimeout:           cfg.RequestTimeout,
		WriteTimeout:          cfg.RequestTimeout,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			var e *fiber.Error
			if errors.As(err, &e) {
				code = e.Code
			}
			return c.Status(code).JSON(errorResponse{Error: err.Error()})
		},
	})
	s.app.Use(s.deadline)

	dhcp := s.app.Group("/dhcp")
	if cfg.JWTSecret != "" {
		dhcp.Use(hookAuth(cfg.JWTSecret, logger))
	}
	dhcp.Post("/commit", s.handleCommit)
	dhcp.Post("/expiry", s.handleExpiry)
	dhcp.Post("/release", s.handleRelease)

	api := s.app.Group("/api/v1/subscribers/:id")
	if cfg.JWTSecret != "" {
		api.Use(BearerAuth(cfg.JWTSecret))
	}
	api.Get("/verdict", s.handleVerdict)
	api.Get("/lease", s.handleLease)
	api.Post("/credit", s.handleCredit)
	api.Post("/pick", s.handlePick)
	api.Post("/stop-service", s.handleStopService)
	api.Post("/disconnect", s.handleDisconnect)

	return s
}

// App exposes the fiber app for in-process testing.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen serves until Shutdown.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.config.Listen, err)
	}
	s.logger.Info("HTTP server started",
		zap.String("listen", ln.Addr().String()),
		zap.Int("max_conns", s.config.MaxConns),
	)
	return s.app.Listener(netutil.LimitListener(ln, s.config.MaxConns))
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) deadline(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), s.config.RequestTimeout)
	defer cancel()
	c.SetUserContext(ctx)
	return c.Next()
}

// The hook always answers 200; the message is the DHCP server's log line.
func reply(c *fiber.Ctx, diag string) error {
	if diag == "" {
		return c.JSON(messageResponse{})
	}
	return c.JSON(messageResponse{Message: &diag})
}

func (s *Server) handleCommit(c *fiber.Ctx) error {
	var req Request
	if err := c.BodyParser(&req); err != nil {
		return reply(c, "invalid body: "+err.Error())
	}
	return reply(c, s.hook.Commit(c.UserContext(), req))
}

func (s *Server) handleExpiry(c *fiber.Ctx) error {
	var req Request
	if err := c.BodyParser(&req); err != nil {
		return reply(c, "invalid body: "+err.Error())
	}
	return reply(c, s.hook.Expiry(c.UserContext(), req.ClientIP))
}

func (s *Server) handleRelease(c *fiber.Ctx) error {
	var req Request
	if err := c.BodyParser(&req); err != nil {
		return reply(c, "invalid body: "+err.Error())
	}
	return reply(c, s.hook.Release(c.UserContext(), req.ClientIP))
}

func subscriberID(c *fiber.Ctx) (int64, error) {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fiber.NewError(fiber.StatusBadRequest, "invalid subscriber id")
	}
	return id, nil
}

// adminError maps core errors to HTTP status codes.
func adminError(err error) error {
	switch {
	case errors.Is(err, policy.ErrSubscriberNotFound),
		errors.Is(err, policy.ErrProfileNotFound),
		errors.Is(err, policy.ErrNoAssignment),
		errors.Is(err, lease.ErrNotFound),
		errors.Is(err, state.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, policy.ErrAlreadyAssigned):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	case errors.Is(err, policy.ErrInvalidAmount):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, lease.ErrConflict), errors.Is(err, context.DeadlineExceeded):
		return fiber.NewError(fiber.StatusServiceUnavailable, err.Error())
	}
	return err
}

func (s *Server) handleVerdict(c *fiber.Ctx) error {
	id, err := subscriberID(c)
	if err != nil {
		return err
	}
	v, err := s.admin.Evaluate(c.UserContext(), id)
	if err != nil {
		return adminError(err)
	}
	return c.JSON(v)
}

func (s *Server) handleLease(c *fiber.Ctx) error {
	id, err := subscriberID(c)
	if err != nil {
		return err
	}
	l, err := s.leases.GetActive(c.UserContext(), id)
	if err != nil {
		return adminError(err)
	}
	return c.JSON(l)
}

type creditRequest struct {
	Amount  decimal.Decimal `json:"amount"`
	Comment string          `json:"comment"`
}

func (s *Server) handleCredit(c *fiber.Ctx) error {
	id, err := subscriberID(c)
	if err != nil {
		return err
	}
	var req creditRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	balance, err := s.admin.Credit(c.UserContext(), id, req.Amount, req.Comment)
	if err != nil {
		return adminError(err)
	}
	return c.JSON(fiber.Map{"balance": balance})
}

type pickRequest struct {
	ProfileID int64 `json:"profile_id"`
}

func (s *Server) handlePick(c *fiber.Ctx) error {
	id, err := subscriberID(c)
	if err != nil {
		return err
	}
	var req pickRequest
	if err := c.BodyParser(&req); err != nil || req.ProfileID <= 0 {
		return fiber.NewError(fiber.StatusBadRequest, "profile_id required")
	}
	a, err := s.admin.Pick(c.UserContext(), id, req.ProfileID)
	if err != nil {
		return adminError(err)
	}
	return c.Status(fiber.StatusCreated).JSON(a)
}

func (s *Server) handleStopService(c *fiber.Ctx) error {
	id, err := subscriberID(c)
	if err != nil {
		return err
	}
	a, err := s.admin.Stop(c.UserContext(), id)
	if err != nil {
		return adminError(err)
	}
	return c.JSON(a)
}

type disconnectResponse struct {
	Username string `json:"username"`
	Result   string `json:"result"`
}

func (s *Server) handleDisconnect(c *fiber.Ctx) error {
	id, err := subscriberID(c)
	if err != nil {
		return err
	}
	l, err := s.leases.GetActive(c.UserContext(), id)
	if err != nil {
		return adminError(err)
	}
	if l.RadiusUsername == "" {
		return fiber.NewError(fiber.StatusConflict, "lease has no RADIUS session")
	}

	result := "OK"
	if err := s.bras.Disconnect(c.UserContext(), l.RadiusUsername); err != nil {
		result = string(radius.KindOf(err))
	}
	return c.JSON(disconnectResponse{Username: l.RadiusUsername, Result: result})
}

// Claims are the API token claims.
type Claims struct {
	jwt.RegisteredClaims
}

// IssueToken mints an HS256 API token for subject.
func IssueToken(secret, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    "aaa",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// BearerAuth rejects requests without a valid HS256 bearer token.
func BearerAuth(secret string) fiber.Handler {
	key := []byte(secret)
	return func(c *fiber.Ctx) error {
		claims, err := verifyBearer(key, c.Get(fiber.HeaderAuthorization))
		if err != nil {
			return fiber.NewError(fiber.StatusUnauthorized, err.Error())
		}
		c.Locals("subject", claims.Subject)
		return c.Next()
	}
}

// hookAuth checks the token like BearerAuth but answers a refusal with the
// usual 200 hook reply, so dhcpd logs it instead of failing the script.
func hookAuth(secret string, logger *zap.Logger) fiber.Handler {
	key := []byte(secret)
	return func(c *fiber.Ctx) error {
		claims, err := verifyBearer(key, c.Get(fiber.HeaderAuthorization))
		if err != nil {
			logger.Warn("Hook request refused",
				zap.String("path", c.Path()),
				zap.String("remote", c.IP()),
				zap.Error(err),
			)
			return reply(c, "unauthorized: "+err.Error())
		}
		c.Locals("subject", claims.Subject)
		return c.Next()
	}
}

func verifyBearer(key []byte, header string) (*Claims, error) {
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return nil, errors.New("missing bearer token")
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		return key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !parsed.Valid {
		return nil, errors.New("invalid or expired token")
	}
	return parsed.Claims.(*Claims), nil
}
