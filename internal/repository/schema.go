package repository

// Schema definitions for the Sentinel database.
// Compatible with both SQLite and PostgreSQL.

const schemaCustomers = `
CREATE TABLE IF NOT EXISTS customers (
    customer_id BIGINT PRIMARY KEY,
    risk_level INTEGER NOT NULL,
    avg_txn_amount DOUBLE PRECISION NOT NULL,
    signup_date TEXT,
    updated_at TIMESTAMP NOT NULL
);
`

const schemaDevices = `
CREATE TABLE IF NOT EXISTS devices (
    device_id BIGINT PRIMARY KEY,
    customer_id BIGINT,
    ip_prefix TEXT NOT NULL DEFAULT '',
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_devices_customer ON devices(customer_id);
`

// schemaAssessments is the audit log. payload holds the full assessment as
// JSON; the other columns exist for lookups and reporting.
const schemaAssessments = `
CREATE TABLE IF NOT EXISTS assessments (
    id TEXT PRIMARY KEY,
    transaction_id TEXT NOT NULL,
    customer_id BIGINT NOT NULL,
    risk_score DOUBLE PRECISION NOT NULL,
    is_high_risk BOOLEAN NOT NULL,
    action TEXT NOT NULL,
    bundle_version TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    payload TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_assessments_tx ON assessments(transaction_id);
CREATE INDEX IF NOT EXISTS idx_assessments_customer ON assessments(customer_id, created_at);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaCustomers,
		schemaDevices,
		schemaAssessments,
	}
}
