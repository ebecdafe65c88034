// Package repository provides SQL persistence for reference tables and the
// assessment audit log, on SQLite or PostgreSQL.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/sentinel/internal/domain"
)

var _ domain.Repository = (*SQLRepository)(nil)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration and applies the schema.
func New(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	db, err := open(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{db: db, driver: cfg.Driver}
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

// UpsertCustomer inserts or replaces a customer record.
func (r *SQLRepository) UpsertCustomer(ctx context.Context, c *domain.CustomerRecord) error {
	if c == nil || c.ID == 0 {
		return fmt.Errorf("%w: customer_id is required", domain.ErrInvalidInput)
	}

	var signup sql.NullString
	if c.SignupDate.Known() {
		signup = sql.NullString{String: c.SignupDate.String(), Valid: true}
	}

	query := `
		INSERT INTO customers (customer_id, risk_level, avg_txn_amount, signup_date, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(customer_id) DO UPDATE SET
			risk_level = excluded.risk_level,
			avg_txn_amount = excluded.avg_txn_amount,
			signup_date = excluded.signup_date,
			updated_at = excluded.updated_at
	`
	_, err := r.db.ExecContext(ctx, r.rebind(query),
		c.ID, c.RiskLevel, c.AvgTxnAmount, signup, time.Now().UTC(),
	)
	return err
}

// UpsertDevice inserts or replaces a device record.
func (r *SQLRepository) UpsertDevice(ctx context.Context, d *domain.DeviceRecord) error {
	if d == nil || d.ID == 0 {
		return fmt.Errorf("%w: device_id is required", domain.ErrInvalidInput)
	}

	var owner sql.NullInt64
	if d.CustomerID != nil {
		owner = sql.NullInt64{Int64: *d.CustomerID, Valid: true}
	}

	query := `
		INSERT INTO devices (device_id, customer_id, ip_prefix, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			customer_id = excluded.customer_id,
			ip_prefix = excluded.ip_prefix,
			updated_at = excluded.updated_at
	`
	_, err := r.db.ExecContext(ctx, r.rebind(query), d.ID, owner, d.IPPrefix, time.Now().UTC())
	return err
}

// ListCustomers returns every customer ordered by ID.
func (r *SQLRepository) ListCustomers(ctx context.Context) ([]domain.CustomerRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT customer_id, risk_level, avg_txn_amount, signup_date
		FROM customers
		ORDER BY customer_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var customers []domain.CustomerRecord
	for rows.Next() {
		var c domain.CustomerRecord
		var signup sql.NullString
		if err := rows.Scan(&c.ID, &c.RiskLevel, &c.AvgTxnAmount, &signup); err != nil {
			return nil, err
		}
		if signup.Valid {
			if c.SignupDate, err = domain.ParseDate(signup.String); err != nil {
				return nil, fmt.Errorf("customer %d: %w", c.ID, err)
			}
		}
		customers = append(customers, c)
	}
	return customers, rows.Err()
}

// ListDevices returns every device ordered by ID.
func (r *SQLRepository) ListDevices(ctx context.Context) ([]domain.DeviceRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT device_id, customer_id, ip_prefix
		FROM devices
		ORDER BY device_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []domain.DeviceRecord
	for rows.Next() {
		var d domain.DeviceRecord
		var owner sql.NullInt64
		if err := rows.Scan(&d.ID, &owner, &d.IPPrefix); err != nil {
			return nil, err
		}
		if owner.Valid {
			id := owner.Int64
			d.CustomerID = &id
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// SaveAssessment appends an assessment to the audit log.
func (r *SQLRepository) SaveAssessment(ctx context.Context, a *domain.Assessment) error {
	if a == nil || a.ID == "" {
		return fmt.Errorf("%w: assessment id is required", domain.ErrInvalidInput)
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to encode assessment: %w", err)
	}

	query := `
		INSERT INTO assessments (
			id, transaction_id, customer_id, risk_score, is_high_risk,
			action, bundle_version, created_at, payload
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = r.db.ExecContext(ctx, r.rebind(query),
		a.ID, a.TransactionID, a.CustomerID, a.Score, a.HighRisk,
		a.Action, a.BundleVersion, a.CreatedAt.UTC(), string(payload),
	)
	return err
}

// GetAssessment reads an assessment from the audit log.
func (r *SQLRepository) GetAssessment(ctx context.Context, id string) (*domain.Assessment, error) {
	var payload string
	err := r.db.QueryRowContext(ctx, r.rebind(`SELECT payload FROM assessments WHERE id = ?`), id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: assessment %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	var a domain.Assessment
	if err := json.Unmarshal([]byte(payload), &a); err != nil {
		return nil, fmt.Errorf("failed to decode assessment %s: %w", id, err)
	}
	return &a, nil
}

// CountAssessmentsByCustomer counts a customer's assessments created at or after since.
func (r *SQLRepository) CountAssessmentsByCustomer(ctx context.Context, customerID int64, since time.Time) (int64, error) {
	query := `SELECT COUNT(*) FROM assessments WHERE customer_id = ? AND created_at >= ?`

	var count int64
	if err := r.db.QueryRowContext(ctx, r.rebind(query), customerID, since.UTC()).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count assessments: %w", err)
	}
	return count, nil
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
	if r.driver != driverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			n++
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}
