package repository

// Schema definitions for the Kestrel database.
// Compatible with both SQLite and PostgreSQL.

const schemaTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    account_id TEXT NOT NULL,
    amount REAL NOT NULL,
    currency TEXT NOT NULL,
    counterparty_country TEXT NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    created_at TIMESTAMP NOT NULL,
    metadata TEXT
);

CREATE INDEX IF NOT EXISTS idx_transactions_tenant ON transactions(tenant_id);
CREATE INDEX IF NOT EXISTS idx_transactions_account ON transactions(tenant_id, account_id);
CREATE INDEX IF NOT EXISTS idx_transactions_timestamp ON transactions(timestamp);
`

const schemaCustomers = `
CREATE TABLE IF NOT EXISTS customers (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    full_name TEXT NOT NULL,
    date_of_birth TEXT,
    kyc_level TEXT NOT NULL,
    pep INTEGER NOT NULL DEFAULT 0,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_customers_tenant ON customers(tenant_id);
`

const schemaAccounts = `
CREATE TABLE IF NOT EXISTS accounts (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    customer_id TEXT NOT NULL,
    country TEXT NOT NULL,
    type TEXT NOT NULL,
    opened_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_accounts_tenant ON accounts(tenant_id);
CREATE INDEX IF NOT EXISTS idx_accounts_customer ON accounts(tenant_id, customer_id);
`

const schemaRuleConfigs = `
CREATE TABLE IF NOT EXISTS rule_configs (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    category TEXT NOT NULL,
    expression TEXT NOT NULL,
    weight REAL NOT NULL DEFAULT 0.1,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_rule_configs_tenant ON rule_configs(tenant_id);
CREATE INDEX IF NOT EXISTS idx_rule_configs_enabled ON rule_configs(tenant_id, enabled);
`

const schemaScoreEvents = `
CREATE TABLE IF NOT EXISTS score_events (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    tx_id TEXT NOT NULL,
    account_id TEXT NOT NULL,
    score REAL NOT NULL,
    category TEXT NOT NULL,
    confidence REAL NOT NULL,
    model_score REAL NOT NULL,
    rule_score REAL NOT NULL,
    attribution TEXT NOT NULL,
    triggered_rules TEXT NOT NULL,
    degraded INTEGER NOT NULL DEFAULT 0,
    scored_at TIMESTAMP NOT NULL,
    metadata TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_score_events_tenant ON score_events(tenant_id);
CREATE INDEX IF NOT EXISTS idx_score_events_tx ON score_events(tenant_id, tx_id);
CREATE INDEX IF NOT EXISTS idx_score_events_category ON score_events(tenant_id, category);
CREATE INDEX IF NOT EXISTS idx_score_events_scored_at ON score_events(tenant_id, scored_at);
`

const schemaFeatureVectors = `
CREATE TABLE IF NOT EXISTS feature_vectors (
    tenant_id TEXT NOT NULL,
    tx_id TEXT NOT NULL,
    features TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, tx_id)
);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaTransactions,
		schemaCustomers,
		schemaAccounts,
		schemaRuleConfigs,
		schemaScoreEvents,
		schemaFeatureVectors,
	}
}
