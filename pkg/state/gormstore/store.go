// Package gormstore implements state.Store on a SQL database through gorm.
// Postgres is the production dialect; sqlite serves standalone deployments
// and tests.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/codelaboratoryltd/aaa/pkg/state"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Dialect identifies the SQL backend.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// Config holds database connection settings.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectRetries  int
	RetryDelay      time.Duration
}

// Store is a state.Store over gorm.
type Store struct {
	reader
	dialect Dialect
	logger  *zap.Logger

	// In-process serialization for dialects without advisory locks.
	locks *state.KeyedMutex
}

var _ state.Store = (*Store)(nil)

// Open connects to the database named by cfg.DSN. Accepted forms are
// postgres://..., postgresql://... and sqlite://<path> (sqlite://:memory:).
func Open(cfg Config, logger *zap.Logger) (*Store, error) {
	dialector, dialect, err := dialectorFor(cfg.DSN)
	if err != nil {
		return nil, err
	}

	retries := cfg.ConnectRetries
	if retries <= 0 {
		retries = 1
	}
	delay := cfg.RetryDelay
	if delay == 0 {
		delay = 2 * time.Second
	}

	var db *gorm.DB
	for attempt := 1; attempt <= retries; attempt++ {
		db, err = gorm.Open(dialector, &gorm.Config{
			Logger: gormlogger.Default.LogMode(gormlogger.Silent),
			NowFunc: func() time.Time {
				return time.Now().UTC()
			},
			TranslateError:                           true,
			DisableForeignKeyConstraintWhenMigrating: true,
		})
		if err == nil {
			break
		}
		logger.Warn("Database connection failed, retrying",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", retries),
			zap.Error(err),
		)
		if attempt < retries {
			time.Sleep(delay)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database after %d attempts: %w", retries, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}
	switch dialect {
	case DialectSQLite:
		// A single connection keeps an in-memory database alive and
		// serializes writers.
		sqlDB.SetMaxOpenConns(1)
	default:
		maxOpen := cfg.MaxOpenConns
		if maxOpen == 0 {
			maxOpen = 50
		}
		maxIdle := cfg.MaxIdleConns
		if maxIdle == 0 {
			maxIdle = 10
		}
		lifetime := cfg.ConnMaxLifetime
		if lifetime == 0 {
			lifetime = time.Hour
		}
		sqlDB.SetMaxOpenConns(maxOpen)
		sqlDB.SetMaxIdleConns(maxIdle)
		sqlDB.SetConnMaxLifetime(lifetime)
	}

	logger.Info("Database connected", zap.String("dialect", string(dialect)))
	return New(db, dialect, logger), nil
}

// New wraps an existing gorm handle.
func New(db *gorm.DB, dialect Dialect, logger *zap.Logger) *Store {
	return &Store{
		reader:  reader{db: db},
		dialect: dialect,
		logger:  logger,
		locks:   state.NewKeyedMutex(),
	}
}

func dialectorFor(dsn string) (gorm.Dialector, Dialect, error) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return postgres.Open(dsn), DialectPostgres, nil
	case strings.HasPrefix(dsn, "sqlite://"):
		path := strings.TrimPrefix(dsn, "sqlite://")
		if path == "" {
			return nil, "", fmt.Errorf("sqlite DSN has no path")
		}
		return sqlite.Open(path), DialectSQLite, nil
	default:
		return nil, "", fmt.Errorf("unsupported database URL %q", dsn)
	}
}

// Dialect returns the backend dialect.
func (s *Store) Dialect() Dialect {
	return s.dialect
}

// DB exposes the gorm handle for maintenance commands.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// WithTx runs fn in a database transaction serialized on subscriberID.
func (s *Store) WithTx(ctx context.Context, subscriberID int64, fn func(tx state.Tx) error) error {
	if s.dialect != DialectPostgres {
		if err := s.locks.Lock(ctx, subscriberID); err != nil {
			return err
		}
		defer s.locks.Unlock(subscriberID)
	}

	return s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		if s.dialect == DialectPostgres {
			if err := db.Exec("SELECT pg_advisory_xact_lock(?)", subscriberID).Error; err != nil {
				return fmt.Errorf("failed to lock subscriber %d: %w", subscriberID, err)
			}
		}
		if err := fn(&tx{reader: reader{db: db}}); err != nil {
			return err
		}
		return ctx.Err()
	})
}

// --- Reader ---

type reader struct {
	db *gorm.DB
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf(format+": %w", append(args, state.ErrNotFound)...)
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

func (r reader) Subscriber(ctx context.Context, id int64) (*state.Subscriber, error) {
	var row subscriberRow
	if err := r.db.WithContext(ctx).First(&row, id).Error; err != nil {
		return nil, notFound(err, "subscriber %d", id)
	}
	return row.toState(), nil
}

func (r reader) SubscriberByUsername(ctx context.Context, username string) (*state.Subscriber, error) {
	var row subscriberRow
	if err := r.db.WithContext(ctx).Where("username = ?", username).First(&row).Error; err != nil {
		return nil, notFound(err, "subscriber %q", username)
	}
	return row.toState(), nil
}

func (r reader) SubscribersByPort(ctx context.Context, portID int64) ([]*state.Subscriber, error) {
	var rows []subscriberRow
	if err := r.db.WithContext(ctx).Where("dev_port_id = ?", portID).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("subscribers on port %d: %w", portID, err)
	}
	return subscribersToState(rows), nil
}

func (r reader) ActiveSubscribersByDevice(ctx context.Context, deviceID int64) ([]*state.Subscriber, error) {
	var rows []subscriberRow
	err := r.db.WithContext(ctx).
		Where("device_id = ? AND is_active = ?", deviceID, true).
		Order("id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("subscribers on device %d: %w", deviceID, err)
	}
	return subscribersToState(rows), nil
}

func subscribersToState(rows []subscriberRow) []*state.Subscriber {
	result := make([]*state.Subscriber, 0, len(rows))
	for i := range rows {
		result = append(result, rows[i].toState())
	}
	return result
}

func (r reader) DeviceByMAC(ctx context.Context, mac net.HardwareAddr) (*state.Device, error) {
	var row deviceRow
	if err := r.db.WithContext(ctx).Where("mac = ?", strings.ToLower(mac.String())).First(&row).Error; err != nil {
		return nil, notFound(err, "device %s", mac)
	}
	return row.toState(), nil
}

func (r reader) Port(ctx context.Context, deviceID int64, num int) (*state.DevicePort, error) {
	var row portRow
	if err := r.db.WithContext(ctx).Where("device_id = ? AND num = ?", deviceID, num).First(&row).Error; err != nil {
		return nil, notFound(err, "port %d/%d", deviceID, num)
	}
	return &state.DevicePort{ID: row.ID, DeviceID: row.DeviceID, Num: row.Num}, nil
}

func (r reader) Profile(ctx context.Context, id int64) (*state.ServiceProfile, error) {
	var row profileRow
	if err := r.db.WithContext(ctx).First(&row, id).Error; err != nil {
		return nil, notFound(err, "profile %d", id)
	}
	return row.toState(), nil
}

func (r reader) ActiveAssignment(ctx context.Context, subscriberID int64) (*state.ServiceAssignment, error) {
	var row assignmentRow
	err := r.db.WithContext(ctx).
		Where("subscriber_id = ? AND state = ?", subscriberID, string(state.AssignmentActive)).
		First(&row).Error
	if err != nil {
		return nil, notFound(err, "assignment for subscriber %d", subscriberID)
	}
	return row.toState(), nil
}

func (r reader) DueAssignments(ctx context.Context, now time.Time) ([]*state.ServiceAssignment, error) {
	var rows []assignmentRow
	err := r.db.WithContext(ctx).
		Where("state = ? AND deadline <= ?", string(state.AssignmentActive), now).
		Order("id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("due assignments: %w", err)
	}
	result := make([]*state.ServiceAssignment, 0, len(rows))
	for i := range rows {
		result = append(result, rows[i].toState())
	}
	return result, nil
}

func (r reader) activeLease(ctx context.Context, query string, args ...any) (*state.Lease, error) {
	var row leaseRow
	err := r.db.WithContext(ctx).
		Where("session_state = ?", string(state.SessionActive)).
		Where(query, args...).
		First(&row).Error
	if err != nil {
		return nil, err
	}
	return row.toState(), nil
}

func (r reader) ActiveLease(ctx context.Context, subscriberID int64) (*state.Lease, error) {
	l, err := r.activeLease(ctx, "subscriber_id = ?", subscriberID)
	if err != nil {
		return nil, notFound(err, "active lease for subscriber %d", subscriberID)
	}
	return l, nil
}

func (r reader) ActiveLeaseByIP(ctx context.Context, ip netip.Addr) (*state.Lease, error) {
	l, err := r.activeLease(ctx, "ip = ?", ip.String())
	if err != nil {
		return nil, notFound(err, "active lease for %s", ip)
	}
	return l, nil
}

func (r reader) ActiveLeaseBySession(ctx context.Context, sessionUUID string) (*state.Lease, error) {
	l, err := r.activeLease(ctx, "session_uuid = ?", sessionUUID)
	if err != nil {
		return nil, notFound(err, "active lease for session %q", sessionUUID)
	}
	return l, nil
}

func (r reader) listActiveLeases(ctx context.Context, query string, args ...any) ([]*state.Lease, error) {
	var rows []leaseRow
	err := r.db.WithContext(ctx).
		Where("session_state = ?", string(state.SessionActive)).
		Where(query, args...).
		Order("id").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	result := make([]*state.Lease, 0, len(rows))
	for i := range rows {
		result = append(result, rows[i].toState())
	}
	return result, nil
}

func (r reader) ActiveDynamicLeasesByMAC(ctx context.Context, mac net.HardwareAddr) ([]*state.Lease, error) {
	leases, err := r.listActiveLeases(ctx, "dynamic = ? AND mac = ?", true, strings.ToLower(mac.String()))
	if err != nil {
		return nil, fmt.Errorf("dynamic leases for %s: %w", mac, err)
	}
	return leases, nil
}

func (r reader) StaleLeases(ctx context.Context, dynamic bool, before time.Time) ([]*state.Lease, error) {
	leases, err := r.listActiveLeases(ctx, "dynamic = ? AND last_seen < ?", dynamic, before)
	if err != nil {
		return nil, fmt.Errorf("stale leases: %w", err)
	}
	return leases, nil
}

func (r reader) Snapshots(ctx context.Context, subscriberID int64) ([]*state.AccountingSnapshot, error) {
	var rows []snapshotRow
	err := r.db.WithContext(ctx).
		Where("subscriber_id = ?", subscriberID).
		Order("event_time").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("snapshots for subscriber %d: %w", subscriberID, err)
	}
	result := make([]*state.AccountingSnapshot, 0, len(rows))
	for i := range rows {
		result = append(result, rows[i].toState())
	}
	return result, nil
}

// --- Tx ---

type tx struct {
	reader
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key value") || strings.Contains(msg, "UNIQUE constraint failed")
}

func writeErr(err error, format string, args ...any) error {
	if isUniqueViolation(err) {
		return fmt.Errorf(format+": %w", append(args, state.ErrUniqueViolation)...)
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

func (t *tx) InsertLease(ctx context.Context, l *state.Lease) error {
	row := leaseFromState(l)
	row.ID = 0
	row.Version = 1
	if err := t.db.WithContext(ctx).Create(row).Error; err != nil {
		return writeErr(err, "insert lease for subscriber %d", l.SubscriberID)
	}
	l.ID = row.ID
	l.Version = row.Version
	return nil
}

func (t *tx) UpdateLease(ctx context.Context, l *state.Lease) error {
	row := leaseFromState(l)
	row.Version = l.Version + 1

	res := t.db.WithContext(ctx).
		Model(&leaseRow{}).
		Where("id = ? AND version = ?", l.ID, l.Version).
		Select("*").
		Omit("id").
		Updates(row)
	if res.Error != nil {
		return writeErr(res.Error, "update lease %d", l.ID)
	}
	if res.RowsAffected == 0 {
		var count int64
		if err := t.db.WithContext(ctx).Model(&leaseRow{}).Where("id = ?", l.ID).Count(&count).Error; err != nil {
			return writeErr(err, "check lease %d", l.ID)
		}
		if count == 0 {
			return fmt.Errorf("lease %d: %w", l.ID, state.ErrNotFound)
		}
		return fmt.Errorf("lease %d: %w", l.ID, state.ErrVersionMismatch)
	}
	l.Version = row.Version
	return nil
}

func (t *tx) InsertSnapshot(ctx context.Context, snap *state.AccountingSnapshot) error {
	if snap.ID == "" {
		return fmt.Errorf("snapshot without id")
	}
	if err := t.db.WithContext(ctx).Create(snapshotFromState(snap)).Error; err != nil {
		return writeErr(err, "insert snapshot for lease %d", snap.LeaseID)
	}
	return nil
}

func (t *tx) InsertAssignment(ctx context.Context, a *state.ServiceAssignment) error {
	row := assignmentFromState(a)
	row.ID = 0
	row.Version = 1
	if err := t.db.WithContext(ctx).Create(row).Error; err != nil {
		return writeErr(err, "insert assignment for subscriber %d", a.SubscriberID)
	}
	a.ID = row.ID
	a.Version = row.Version
	return nil
}

func (t *tx) UpdateAssignment(ctx context.Context, a *state.ServiceAssignment) error {
	row := assignmentFromState(a)
	row.Version = a.Version + 1

	res := t.db.WithContext(ctx).
		Model(&assignmentRow{}).
		Where("id = ? AND version = ? AND state = ?", a.ID, a.Version, string(state.AssignmentActive)).
		Select("*").
		Omit("id").
		Updates(row)
	if res.Error != nil {
		return writeErr(res.Error, "update assignment %d", a.ID)
	}
	if res.RowsAffected == 0 {
		var existing assignmentRow
		if err := t.db.WithContext(ctx).First(&existing, a.ID).Error; err != nil {
			return notFound(err, "assignment %d", a.ID)
		}
		if existing.State != string(state.AssignmentActive) {
			return fmt.Errorf("assignment %d is %s and immutable", a.ID, existing.State)
		}
		return fmt.Errorf("assignment %d: %w", a.ID, state.ErrVersionMismatch)
	}
	a.Version = row.Version
	return nil
}

func (t *tx) updateSubscriber(ctx context.Context, id int64, values map[string]any) error {
	values["version"] = gorm.Expr("version + 1")
	values["updated_at"] = time.Now().UTC()
	res := t.db.WithContext(ctx).Model(&subscriberRow{}).Where("id = ?", id).Updates(values)
	if res.Error != nil {
		return fmt.Errorf("update subscriber %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("subscriber %d: %w", id, state.ErrNotFound)
	}
	return nil
}

func (t *tx) AddBalance(ctx context.Context, subscriberID int64, delta decimal.Decimal) (decimal.Decimal, error) {
	err := t.updateSubscriber(ctx, subscriberID, map[string]any{
		"balance": gorm.Expr("balance + ?", delta.Round(2)),
	})
	if err != nil {
		return decimal.Zero, err
	}
	sub, err := t.Subscriber(ctx, subscriberID)
	if err != nil {
		return decimal.Zero, err
	}
	return sub.Balance.Round(2), nil
}

func (t *tx) AttachIP(ctx context.Context, subscriberID int64, ip netip.Addr) error {
	return t.updateSubscriber(ctx, subscriberID, map[string]any{"current_ip": ip.String()})
}

func (t *tx) FreeIP(ctx context.Context, subscriberID int64) error {
	return t.updateSubscriber(ctx, subscriberID, map[string]any{"current_ip": nil})
}
