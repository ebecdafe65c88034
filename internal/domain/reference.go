package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// CustomerRecord is a customer snapshot row.
type CustomerRecord struct {
	ID           int64   `json:"customer_id"`
	RiskLevel    int     `json:"risk_level"`
	AvgTxnAmount float64 `json:"avg_txn_amount"`
	SignupDate   Date    `json:"signup_date"`
}

// DeviceRecord is a device snapshot row. CustomerID is nil for unassigned devices.
type DeviceRecord struct {
	ID         int64  `json:"device_id"`
	CustomerID *int64 `json:"customer_id"`
	IPPrefix   string `json:"ip_prefix"`
}

// ReferenceStore is a read-only view of customer and device records.
// A missing record is a valid state and is reported with ok == false.
type ReferenceStore interface {
	LookupCustomer(id int64) (CustomerRecord, bool)
	LookupDevice(id int64) (DeviceRecord, bool)
}

// Date is a calendar date. The zero value means unknown.
type Date struct {
	time.Time
}

// DateLayout is the wire format of a Date.
const DateLayout = "2006-01-02"

// NewDate returns the date at UTC midnight.
func NewDate(year int, month time.Month, day int) Date {
	return Date{time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// ParseDate accepts "2006-01-02" and RFC 3339 timestamps. An empty string is the unknown date.
func ParseDate(s string) (Date, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Date{}, nil
	}
	if t, err := time.Parse(DateLayout, s); err == nil {
		return Date{t}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		y, m, d := t.Date()
		return NewDate(y, m, d), nil
	}
	if t, err := time.Parse("2006-01-02 15:04:05", s); err == nil {
		y, m, d := t.Date()
		return NewDate(y, m, d), nil
	}
	return Date{}, fmt.Errorf("%w: invalid date %q", ErrInvalidInput, s)
}

// Known reports whether the date is set.
func (d Date) Known() bool {
	return !d.IsZero()
}

// String returns the date in DateLayout, or "" when unknown.
func (d Date) String() string {
	if !d.Known() {
		return ""
	}
	return d.Format(DateLayout)
}

// MarshalJSON implements json.Marshaler.
func (d Date) MarshalJSON() ([]byte, error) {
	if !d.Known() {
		return []byte("null"), nil
	}
	return json.Marshal(d.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Date) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*d = Date{}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
