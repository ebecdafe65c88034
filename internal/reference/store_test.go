package reference

import (
	"context"
	"errors"
	"testing"

	"github.com/opensource-finance/sentinel/internal/domain"
)

func ownedBy(id int64) *int64 { return &id }

func TestStoreLookup(t *testing.T) {
	store := NewStore(
		[]domain.CustomerRecord{
			{ID: 1, RiskLevel: 2, AvgTxnAmount: 500, SignupDate: domain.NewDate(2023, 1, 5)},
			{ID: 2, RiskLevel: 4, AvgTxnAmount: 2500},
		},
		[]domain.DeviceRecord{
			{ID: 10, CustomerID: ownedBy(1), IPPrefix: "192.168"},
			{ID: 11, IPPrefix: "10.0"},
		},
	)

	t.Run("known customer", func(t *testing.T) {
		c, ok := store.LookupCustomer(1)
		if !ok {
			t.Fatal("expected customer 1")
		}
		if c.RiskLevel != 2 || c.AvgTxnAmount != 500 {
			t.Errorf("unexpected record: %+v", c)
		}
	})

	t.Run("unknown customer is not an error", func(t *testing.T) {
		if _, ok := store.LookupCustomer(99); ok {
			t.Error("expected customer 99 to be absent")
		}
	})

	t.Run("unassigned device", func(t *testing.T) {
		d, ok := store.LookupDevice(11)
		if !ok {
			t.Fatal("expected device 11")
		}
		if d.CustomerID != nil {
			t.Errorf("expected nil owner, got %d", *d.CustomerID)
		}
	})

	t.Run("stats", func(t *testing.T) {
		c, d := store.Stats()
		if c != 2 || d != 2 {
			t.Errorf("expected 2/2, got %d/%d", c, d)
		}
	})
}

func TestStoreIsIsolatedFromInput(t *testing.T) {
	owner := int64(1)
	devices := []domain.DeviceRecord{{ID: 10, CustomerID: &owner}}
	store := NewStore(nil, devices)

	owner = 2
	d, _ := store.LookupDevice(10)
	if *d.CustomerID != 1 {
		t.Errorf("store owner changed with caller's variable: %d", *d.CustomerID)
	}
}

func TestValidate(t *testing.T) {
	if err := Validate([]domain.CustomerRecord{{ID: 1, RiskLevel: 6}}, nil); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for risk level 6, got %v", err)
	}
	if err := Validate([]domain.CustomerRecord{{ID: 1, RiskLevel: 3, AvgTxnAmount: 10}}, nil); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

type fakeSnapshot struct {
	customers []domain.CustomerRecord
	devices   []domain.DeviceRecord
	err       error
}

func (f *fakeSnapshot) ListCustomers(ctx context.Context) ([]domain.CustomerRecord, error) {
	return f.customers, f.err
}

func (f *fakeSnapshot) ListDevices(ctx context.Context) ([]domain.DeviceRecord, error) {
	return f.devices, nil
}

func TestLoad(t *testing.T) {
	src := &fakeSnapshot{
		customers: []domain.CustomerRecord{{ID: 7, RiskLevel: 1, AvgTxnAmount: 100}},
		devices:   []domain.DeviceRecord{{ID: 70, CustomerID: ownedBy(7), IPPrefix: "172.16"}},
	}
	store, err := Load(context.Background(), src)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if _, ok := store.LookupDevice(70); !ok {
		t.Error("expected device 70")
	}

	src.err = errors.New("db down")
	if _, err := Load(context.Background(), src); err == nil {
		t.Error("expected error when the snapshot fails")
	}
}

type memoryWriter struct {
	customers []domain.CustomerRecord
	devices   []domain.DeviceRecord
	failOn    int64
}

func (w *memoryWriter) UpsertCustomer(_ context.Context, c *domain.CustomerRecord) error {
	if c.ID == w.failOn {
		return errors.New("write failed")
	}
	w.customers = append(w.customers, *c)
	return nil
}

func (w *memoryWriter) UpsertDevice(_ context.Context, d *domain.DeviceRecord) error {
	w.devices = append(w.devices, *d)
	return nil
}

func (w *memoryWriter) ListCustomers(context.Context) ([]domain.CustomerRecord, error) {
	return w.customers, nil
}

func (w *memoryWriter) ListDevices(context.Context) ([]domain.DeviceRecord, error) {
	return w.devices, nil
}

func TestSeed(t *testing.T) {
	customers := []domain.CustomerRecord{
		{ID: 1, RiskLevel: 2, AvgTxnAmount: 500},
		{ID: 2, RiskLevel: 5, AvgTxnAmount: 80},
	}
	devices := []domain.DeviceRecord{{ID: 10, CustomerID: ownedBy(1), IPPrefix: "192.168"}}

	t.Run("round trip through Load", func(t *testing.T) {
		w := &memoryWriter{}
		nc, nd, err := Seed(context.Background(), w, customers, devices)
		if err != nil {
			t.Fatalf("Seed: %v", err)
		}
		if nc != 2 || nd != 1 {
			t.Errorf("expected 2 customers and 1 device, got %d and %d", nc, nd)
		}
		store, err := Load(context.Background(), w)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if _, ok := store.LookupDevice(10); !ok {
			t.Error("expected device 10 after seeding")
		}
	})

	t.Run("invalid rows write nothing", func(t *testing.T) {
		w := &memoryWriter{}
		bad := []domain.CustomerRecord{{ID: 3, RiskLevel: 9}}
		if _, _, err := Seed(context.Background(), w, bad, nil); !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
		if len(w.customers) != 0 {
			t.Error("expected no writes")
		}
	})

	t.Run("stops at the first failure", func(t *testing.T) {
		w := &memoryWriter{failOn: 2}
		nc, nd, err := Seed(context.Background(), w, customers, devices)
		if err == nil {
			t.Fatal("expected an error")
		}
		if nc != 1 || nd != 0 {
			t.Errorf("expected 1 customer written, got %d customers %d devices", nc, nd)
		}
	})
}
