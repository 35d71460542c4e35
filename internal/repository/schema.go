package repository

// Schema definitions for the Kestrel rule store.
// Compatible with both SQLite and PostgreSQL. Column names are part of
// the storage contract consumed by downstream reporting.

const schemaSplitRules = `
CREATE TABLE IF NOT EXISTS split_rules (
    id TEXT PRIMARY KEY,
    iso_id TEXT,
    merchant_id TEXT,
    pricing_group_id TEXT,
    matching_rule TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    deleted_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_split_rules_iso ON split_rules(iso_id, created_at);
CREATE INDEX IF NOT EXISTS idx_split_rules_merchant ON split_rules(merchant_id, created_at);
CREATE INDEX IF NOT EXISTS idx_split_rules_pricing_group ON split_rules(pricing_group_id, created_at);
`

const schemaSplitInstructions = `
CREATE TABLE IF NOT EXISTS split_instructions (
    id TEXT PRIMARY KEY,
    split_rule_id TEXT NOT NULL REFERENCES split_rules(id),
    merchant_id TEXT NOT NULL,
    percentage BIGINT NOT NULL CHECK (percentage > 0),
    created_at TIMESTAMP NOT NULL,
    deleted_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_split_instructions_rule ON split_instructions(split_rule_id);
`

const schemaIsoRevenueRules = `
CREATE TABLE IF NOT EXISTS iso_revenue_rules (
    id TEXT PRIMARY KEY,
    iso_id TEXT,
    merchant_id TEXT,
    pricing_group_id TEXT,
    percentage BIGINT,
    use_split_values INTEGER NOT NULL DEFAULT 0,
    flat BIGINT,
    matching_rule TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    deleted_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_iso_revenue_rules_iso ON iso_revenue_rules(iso_id, created_at);
CREATE INDEX IF NOT EXISTS idx_iso_revenue_rules_merchant ON iso_revenue_rules(merchant_id, created_at);
CREATE INDEX IF NOT EXISTS idx_iso_revenue_rules_pricing_group ON iso_revenue_rules(pricing_group_id, created_at);
`

const schemaHashRevenueRules = `
CREATE TABLE IF NOT EXISTS hash_revenue_rules (
    id TEXT PRIMARY KEY,
    iso_id TEXT,
    merchant_id TEXT,
    pricing_group_id TEXT,
    percentage BIGINT,
    flat BIGINT,
    matching_rule TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    deleted_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_hash_revenue_rules_iso ON hash_revenue_rules(iso_id, created_at);
CREATE INDEX IF NOT EXISTS idx_hash_revenue_rules_merchant ON hash_revenue_rules(merchant_id, created_at);
CREATE INDEX IF NOT EXISTS idx_hash_revenue_rules_pricing_group ON hash_revenue_rules(pricing_group_id, created_at);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaSplitRules,
		schemaSplitInstructions,
		schemaIsoRevenueRules,
		schemaHashRevenueRules,
	}
}
