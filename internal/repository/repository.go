// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveTransaction stores a transaction with tenant isolation. Saving
// the same transaction ID again is a no-op so at-least-once redelivery
// never fails here.
func (r *SQLRepository) SaveTransaction(ctx context.Context, tenantID string, tx *domain.Transaction) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	metadata, _ := json.Marshal(tx.Metadata)

	query := `
		INSERT INTO transactions (
			id, tenant_id, account_id, amount, currency,
			counterparty_country, timestamp, created_at, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		tx.ID, tenantID, tx.AccountID,
		tx.Amount, tx.Currency, tx.CounterpartyCountry,
		tx.Timestamp, time.Now().UTC(), string(metadata),
	)
	return err
}

// GetTransaction retrieves a transaction by ID with tenant isolation.
func (r *SQLRepository) GetTransaction(ctx context.Context, tenantID string, txID string) (*domain.Transaction, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, account_id, amount, currency,
			   counterparty_country, timestamp, metadata
		FROM transactions
		WHERE tenant_id = ? AND id = ?
	`

	var tx domain.Transaction
	var metadata string

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, txID).Scan(
		&tx.ID, &tx.TenantID, &tx.AccountID,
		&tx.Amount, &tx.Currency, &tx.CounterpartyCountry,
		&tx.Timestamp, &metadata,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if metadata != "" {
		json.Unmarshal([]byte(metadata), &tx.Metadata)
	}

	return &tx, nil
}

// RecentTransactions retrieves every transaction since the given time,
// across all tenants, oldest first. This is the window rehydration
// query and the single deliberate exception to tenant scoping.
func (r *SQLRepository) RecentTransactions(ctx context.Context, since time.Time) ([]*domain.Transaction, error) {
	query := `
		SELECT id, tenant_id, account_id, amount, currency,
			   counterparty_country, timestamp, metadata
		FROM transactions
		WHERE timestamp >= ?
		ORDER BY timestamp ASC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transactions []*domain.Transaction
	for rows.Next() {
		var tx domain.Transaction
		var metadata string

		if err := rows.Scan(
			&tx.ID, &tx.TenantID, &tx.AccountID,
			&tx.Amount, &tx.Currency, &tx.CounterpartyCountry,
			&tx.Timestamp, &metadata,
		); err != nil {
			return nil, err
		}

		if metadata != "" {
			json.Unmarshal([]byte(metadata), &tx.Metadata)
		}

		transactions = append(transactions, &tx)
	}

	return transactions, rows.Err()
}

// SaveCustomer upserts a customer record with tenant isolation.
func (r *SQLRepository) SaveCustomer(ctx context.Context, tenantID string, c *domain.Customer) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	pep := 0
	if c.PEP {
		pep = 1
	}

	query := `
		INSERT INTO customers (
			id, tenant_id, full_name, date_of_birth, kyc_level, pep, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id) DO UPDATE SET
			full_name = excluded.full_name,
			date_of_birth = excluded.date_of_birth,
			kyc_level = excluded.kyc_level,
			pep = excluded.pep,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		c.ID, tenantID, c.FullName, c.DateOfBirth,
		string(c.KYCLevel), pep, c.UpdatedAt,
	)
	return err
}

// GetCustomer retrieves a customer by ID with tenant isolation.
func (r *SQLRepository) GetCustomer(ctx context.Context, tenantID string, customerID string) (*domain.Customer, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, full_name, date_of_birth, kyc_level, pep, updated_at
		FROM customers
		WHERE tenant_id = ? AND id = ?
	`

	var c domain.Customer
	var pep int

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, customerID).Scan(
		&c.ID, &c.TenantID, &c.FullName, &c.DateOfBirth,
		&c.KYCLevel, &pep, &c.UpdatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	c.PEP = pep == 1
	return &c, nil
}

// SaveAccount upserts an account record with tenant isolation.
func (r *SQLRepository) SaveAccount(ctx context.Context, tenantID string, a *domain.Account) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO accounts (
			id, tenant_id, customer_id, country, type, opened_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id) DO UPDATE SET
			customer_id = excluded.customer_id,
			country = excluded.country,
			type = excluded.type,
			opened_at = excluded.opened_at,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		a.ID, tenantID, a.CustomerID, a.Country,
		string(a.Type), a.OpenedAt, a.UpdatedAt,
	)
	return err
}

// GetAccount retrieves an account by ID with tenant isolation.
func (r *SQLRepository) GetAccount(ctx context.Context, tenantID string, accountID string) (*domain.Account, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, customer_id, country, type, opened_at, updated_at
		FROM accounts
		WHERE tenant_id = ? AND id = ?
	`

	var a domain.Account

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, accountID).Scan(
		&a.ID, &a.TenantID, &a.CustomerID, &a.Country,
		&a.Type, &a.OpenedAt, &a.UpdatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return &a, nil
}

// SaveRule upserts a scoring rule with tenant isolation.
func (r *SQLRepository) SaveRule(ctx context.Context, tenantID string, rule *domain.ScoringRule) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	enabled := 0
	if rule.Enabled {
		enabled = 1
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO rule_configs (
			id, tenant_id, name, description, category, expression, weight, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			category = excluded.category,
			expression = excluded.expression,
			weight = excluded.weight,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, tenantID, rule.Name, rule.Description,
		rule.Category, rule.Expression, rule.Weight, enabled,
		now, now,
	)
	return err
}

// GetRule retrieves a scoring rule with tenant isolation.
func (r *SQLRepository) GetRule(ctx context.Context, tenantID string, ruleID string) (*domain.ScoringRule, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, name, description, category, expression, weight, enabled
		FROM rule_configs
		WHERE tenant_id = ? AND id = ?
	`

	var rule domain.ScoringRule
	var enabled int

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, ruleID).Scan(
		&rule.ID, &rule.TenantID, &rule.Name, &rule.Description,
		&rule.Category, &rule.Expression, &rule.Weight, &enabled,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rule.Enabled = enabled == 1
	return &rule, nil
}

// ListRules retrieves all scoring rules for a tenant, disabled ones
// included, in stable ID order.
func (r *SQLRepository) ListRules(ctx context.Context, tenantID string) ([]*domain.ScoringRule, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, name, description, category, expression, weight, enabled
		FROM rule_configs
		WHERE tenant_id = ?
		ORDER BY id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*domain.ScoringRule
	for rows.Next() {
		var rule domain.ScoringRule
		var enabled int

		if err := rows.Scan(
			&rule.ID, &rule.TenantID, &rule.Name, &rule.Description,
			&rule.Category, &rule.Expression, &rule.Weight, &enabled,
		); err != nil {
			return nil, err
		}

		rule.Enabled = enabled == 1
		rules = append(rules, &rule)
	}

	return rules, rows.Err()
}

// SaveScoreEvent stores a score event with tenant isolation. Events
// are append-only; rescoring a redelivered transaction adds a new row
// and reads return the latest.
func (r *SQLRepository) SaveScoreEvent(ctx context.Context, tenantID string, ev *domain.ScoreEvent) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	attribution, _ := json.Marshal(ev.Attribution)
	triggered, _ := json.Marshal(ev.TriggeredRules)
	metadata, _ := json.Marshal(ev.Metadata)

	degraded := 0
	if ev.Degraded {
		degraded = 1
	}

	query := `
		INSERT INTO score_events (
			id, tenant_id, tx_id, account_id, score, category, confidence,
			model_score, rule_score, attribution, triggered_rules,
			degraded, scored_at, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		ev.ID, tenantID, ev.TxID, ev.AccountID,
		ev.Score, string(ev.Category), ev.Confidence,
		ev.ModelScore, ev.RuleScore,
		string(attribution), string(triggered),
		degraded, ev.ScoredAt, string(metadata),
	)
	return err
}

// GetScoreEvent retrieves the latest score event for a transaction
// with tenant isolation.
func (r *SQLRepository) GetScoreEvent(ctx context.Context, tenantID string, txID string) (*domain.ScoreEvent, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, tx_id, account_id, score, category, confidence,
			   model_score, rule_score, attribution, triggered_rules,
			   degraded, scored_at, metadata
		FROM score_events
		WHERE tenant_id = ? AND tx_id = ?
		ORDER BY scored_at DESC
		LIMIT 1
	`

	var ev domain.ScoreEvent
	var attribution, triggered, metadata string
	var degraded int

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, txID).Scan(
		&ev.ID, &ev.TenantID, &ev.TxID, &ev.AccountID,
		&ev.Score, &ev.Category, &ev.Confidence,
		&ev.ModelScore, &ev.RuleScore,
		&attribution, &triggered,
		&degraded, &ev.ScoredAt, &metadata,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	ev.Degraded = degraded == 1
	json.Unmarshal([]byte(attribution), &ev.Attribution)
	json.Unmarshal([]byte(triggered), &ev.TriggeredRules)
	json.Unmarshal([]byte(metadata), &ev.Metadata)

	return &ev, nil
}

// SaveFeatureVector upserts the computed features for a transaction
// with tenant isolation.
func (r *SQLRepository) SaveFeatureVector(ctx context.Context, tenantID string, txID string, fv domain.FeatureVector) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	features, err := json.Marshal(fv)
	if err != nil {
		return fmt.Errorf("failed to marshal features: %w", err)
	}

	query := `
		INSERT INTO feature_vectors (tenant_id, tx_id, features, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(tenant_id, tx_id) DO UPDATE SET
			features = excluded.features,
			created_at = excluded.created_at
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		tenantID, txID, string(features), time.Now().UTC(),
	)
	return err
}

// GetFeatureVector retrieves the computed features for a transaction
// with tenant isolation.
func (r *SQLRepository) GetFeatureVector(ctx context.Context, tenantID string, txID string) (domain.FeatureVector, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT features
		FROM feature_vectors
		WHERE tenant_id = ? AND tx_id = ?
	`

	var features string
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, txID).Scan(&features)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var fv domain.FeatureVector
	if err := json.Unmarshal([]byte(features), &fv); err != nil {
		return nil, fmt.Errorf("failed to parse features: %w", err)
	}

	return fv, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
