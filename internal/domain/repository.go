// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"
)

// Repository is the persistence port shared by the API handlers and the
// scoring pipeline. Every method scopes its reads and writes to tenantID
// and must never surface another tenant's rows. RecentTransactions is
// the one exception: a cross-tenant scan used to rehydrate the sliding
// windows at startup.
type Repository interface {
	// Transactions
	SaveTransaction(ctx context.Context, tenantID string, tx *Transaction) error
	GetTransaction(ctx context.Context, tenantID string, txID string) (*Transaction, error)
	RecentTransactions(ctx context.Context, since time.Time) ([]*Transaction, error)

	// Customer and account reference data
	SaveCustomer(ctx context.Context, tenantID string, c *Customer) error
	GetCustomer(ctx context.Context, tenantID string, customerID string) (*Customer, error)
	SaveAccount(ctx context.Context, tenantID string, a *Account) error
	GetAccount(ctx context.Context, tenantID string, accountID string) (*Account, error)

	// Scoring rule catalogue
	SaveRule(ctx context.Context, tenantID string, rule *ScoringRule) error
	GetRule(ctx context.Context, tenantID string, ruleID string) (*ScoringRule, error)
	ListRules(ctx context.Context, tenantID string) ([]*ScoringRule, error)

	// Persisted scoring output
	SaveScoreEvent(ctx context.Context, tenantID string, ev *ScoreEvent) error
	GetScoreEvent(ctx context.Context, tenantID string, txID string) (*ScoreEvent, error)
	SaveFeatureVector(ctx context.Context, tenantID string, txID string, fv FeatureVector) error
	GetFeatureVector(ctx context.Context, tenantID string, txID string) (FeatureVector, error)

	// Health and lifecycle
	Ping(ctx context.Context) error
	Close() error
}

// RepositoryConfig selects and tunes the storage backend.
type RepositoryConfig struct {
	// Driver picks the backend: "sqlite" for embedded single-node
	// deployments, "postgres" for shared ones.
	Driver string

	// SQLitePath is the database file location for the sqlite driver.
	SQLitePath string

	// Postgres connection parameters, ignored unless Driver is
	// "postgres". Empty credentials are left out of the DSN.
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Pool limits applied to the opened handle. Zero values keep the
	// database/sql defaults.
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
