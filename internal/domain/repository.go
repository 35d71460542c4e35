// Package domain defines the core types and interfaces for Kestrel.
package domain

import (
	"context"
	"time"
)

// RuleRepository persists pricing rules and answers active-rule
// lookups. Insert methods persist a batch in input order and return
// fresh copies populated with store-assigned ids and timestamps; the
// inputs are never mutated. Split-rule inserts cover the parent rows
// and their instructions in a single transaction: a failure anywhere
// rolls back the whole batch.
//
// Any storage failure surfaces as *DatabaseCommunicationError naming
// the logical table.
type RuleRepository interface {
	InsertSplitRules(ctx context.Context, rules []*SplitRule) ([]*SplitRule, error)
	InsertIsoRevenueRules(ctx context.Context, rules []*IsoRevenueRule) ([]*IsoRevenueRule, error)
	InsertHashRevenueRules(ctx context.Context, rules []*HashRevenueRule) ([]*HashRevenueRule, error)

	// FindActive*Rules return rules whose scope matches any set field
	// of the selector and whose [createdAt, deletedAt) window contains
	// activeAt, most recent first.
	FindActiveSplitRules(ctx context.Context, sel TargetSelector, activeAt time.Time) ([]*SplitRule, error)
	FindActiveIsoRevenueRules(ctx context.Context, sel TargetSelector, activeAt time.Time) ([]*IsoRevenueRule, error)
	FindActiveHashRevenueRules(ctx context.Context, sel TargetSelector, activeAt time.Time) ([]*HashRevenueRule, error)

	// SoftDelete*Rule closes a rule's validity window at deletedAt.
	// Rules are never updated in place; superseding a rule set means
	// soft-deleting the old rules and inserting new ones.
	SoftDeleteSplitRule(ctx context.Context, id string, deletedAt time.Time) error
	SoftDeleteIsoRevenueRule(ctx context.Context, id string, deletedAt time.Time) error
	SoftDeleteHashRevenueRule(ctx context.Context, id string, deletedAt time.Time) error

	Ping(ctx context.Context) error
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
