// Package reference provides the in-memory customer and device snapshot used
// to enrich transactions at scoring time.
package reference

import (
	"context"
	"fmt"

	"github.com/opensource-finance/sentinel/internal/domain"
)

// Store is an immutable index of customer and device records keyed by
// identifier. It is safe for concurrent use.
type Store struct {
	customers map[int64]domain.CustomerRecord
	devices   map[int64]domain.DeviceRecord
}

// NewStore builds a Store from snapshot rows. A later row with the same
// identifier replaces an earlier one.
func NewStore(customers []domain.CustomerRecord, devices []domain.DeviceRecord) *Store {
	s := &Store{
		customers: make(map[int64]domain.CustomerRecord, len(customers)),
		devices:   make(map[int64]domain.DeviceRecord, len(devices)),
	}
	for _, c := range customers {
		s.customers[c.ID] = c
	}
	for _, d := range devices {
		if d.CustomerID != nil {
			owner := *d.CustomerID
			d.CustomerID = &owner
		}
		s.devices[d.ID] = d
	}
	return s
}

// LookupCustomer returns the customer record for id.
func (s *Store) LookupCustomer(id int64) (domain.CustomerRecord, bool) {
	c, ok := s.customers[id]
	return c, ok
}

// LookupDevice returns the device record for id.
func (s *Store) LookupDevice(id int64) (domain.DeviceRecord, bool) {
	d, ok := s.devices[id]
	return d, ok
}

// Stats returns the number of customers and devices held.
func (s *Store) Stats() (customers, devices int) {
	return len(s.customers), len(s.devices)
}

// Validate checks the rows a Store is built from.
func Validate(customers []domain.CustomerRecord, devices []domain.DeviceRecord) error {
	for _, c := range customers {
		if c.RiskLevel < 1 || c.RiskLevel > 5 {
			return fmt.Errorf("%w: customer %d risk_level %d outside 1-5", domain.ErrInvalidInput, c.ID, c.RiskLevel)
		}
		if c.AvgTxnAmount < 0 {
			return fmt.Errorf("%w: customer %d avg_txn_amount %v", domain.ErrInvalidInput, c.ID, c.AvgTxnAmount)
		}
	}
	for _, d := range devices {
		if d.ID == 0 && d.IPPrefix == "" {
			return fmt.Errorf("%w: empty device row", domain.ErrInvalidInput)
		}
	}
	return nil
}

// Snapshot loads reference rows from the repository.
type Snapshot interface {
	ListCustomers(ctx context.Context) ([]domain.CustomerRecord, error)
	ListDevices(ctx context.Context) ([]domain.DeviceRecord, error)
}

// Load builds a Store from a repository snapshot.
func Load(ctx context.Context, src Snapshot) (*Store, error) {
	customers, err := src.ListCustomers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list customers: %w", err)
	}
	devices, err := src.ListDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	if err := Validate(customers, devices); err != nil {
		return nil, err
	}
	return NewStore(customers, devices), nil
}

// Writer persists reference rows.
type Writer interface {
	UpsertCustomer(ctx context.Context, c *domain.CustomerRecord) error
	UpsertDevice(ctx context.Context, d *domain.DeviceRecord) error
}

// Seed validates rows and upserts them into dst. It stops at the first failure
// and reports how many rows of each kind were written.
func Seed(ctx context.Context, dst Writer, customers []domain.CustomerRecord, devices []domain.DeviceRecord) (nCustomers, nDevices int, err error) {
	if err := Validate(customers, devices); err != nil {
		return 0, 0, err
	}
	for i := range customers {
		if err := dst.UpsertCustomer(ctx, &customers[i]); err != nil {
			return nCustomers, nDevices, fmt.Errorf("customer %d: %w", customers[i].ID, err)
		}
		nCustomers++
	}
	for i := range devices {
		if err := dst.UpsertDevice(ctx, &devices[i]); err != nil {
			return nCustomers, nDevices, fmt.Errorf("device %d: %w", devices[i].ID, err)
		}
		nDevices++
	}
	return nCustomers, nDevices, nil
}
