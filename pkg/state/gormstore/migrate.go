package gormstore

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Partial unique indexes behind the lease and assignment invariants. Both
// postgres and sqlite accept this syntax.
var partialIndexes = []string{
	`CREATE UNIQUE INDEX IF NOT EXISTS lease_active_subscriber_uniq ON lease (subscriber_id) WHERE session_state = 'ACTIVE'`,
	`CREATE UNIQUE INDEX IF NOT EXISTS lease_active_ip_uniq ON lease (ip) WHERE session_state = 'ACTIVE'`,
	`CREATE UNIQUE INDEX IF NOT EXISTS service_assignment_active_uniq ON service_assignment (subscriber_id) WHERE state = 'ACTIVE'`,
}

const snapshotParentDDL = `CREATE TABLE IF NOT EXISTS accounting_snapshot (
	id varchar(36) NOT NULL,
	event_time timestamptz NOT NULL,
	lease_id bigint NOT NULL,
	subscriber_id bigint NOT NULL,
	ip varchar(45) NOT NULL,
	mac varchar(17),
	session_uuid varchar(255),
	radius_username varchar(127),
	input_octets bigint NOT NULL DEFAULT 0,
	output_octets bigint NOT NULL DEFAULT 0,
	input_packets bigint NOT NULL DEFAULT 0,
	output_packets bigint NOT NULL DEFAULT 0,
	session_time bigint NOT NULL DEFAULT 0,
	started_at timestamptz NOT NULL,
	stopped_at timestamptz NOT NULL,
	close_reason varchar(32) NOT NULL,
	PRIMARY KEY (id, event_time)
) PARTITION BY RANGE (event_time)`

// Migrate creates the tables owned by the core: lease, service_assignment
// and accounting_snapshot. On postgres the snapshot table is range
// partitioned by event_time.
func (s *Store) Migrate(ctx context.Context) error {
	db := s.db.WithContext(ctx)

	if err := db.AutoMigrate(&leaseRow{}, &assignmentRow{}); err != nil {
		return fmt.Errorf("failed to migrate core tables: %w", err)
	}

	if s.dialect == DialectPostgres {
		if err := db.Exec(snapshotParentDDL).Error; err != nil {
			return fmt.Errorf("failed to create accounting_snapshot: %w", err)
		}
		if err := db.Exec(`CREATE INDEX IF NOT EXISTS accounting_snapshot_subscriber_idx ON accounting_snapshot (subscriber_id)`).Error; err != nil {
			return fmt.Errorf("failed to index accounting_snapshot: %w", err)
		}
	} else if err := db.AutoMigrate(&snapshotRow{}); err != nil {
		return fmt.Errorf("failed to migrate accounting_snapshot: %w", err)
	}

	for _, ddl := range partialIndexes {
		if err := db.Exec(ddl).Error; err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	s.logger.Info("Core tables migrated", zap.String("dialect", string(s.dialect)))
	return nil
}

// Bootstrap creates the CRUD-owned tables for standalone sqlite
// deployments and tests. Production schemas are owned by the CRUD layer.
func (s *Store) Bootstrap(ctx context.Context) error {
	if s.dialect == DialectPostgres {
		return fmt.Errorf("bootstrap is only supported on sqlite")
	}
	if err := s.db.WithContext(ctx).AutoMigrate(&subscriberRow{}, &deviceRow{}, &portRow{}, &profileRow{}); err != nil {
		return fmt.Errorf("failed to bootstrap subscriber tables: %w", err)
	}
	return s.Migrate(ctx)
}
