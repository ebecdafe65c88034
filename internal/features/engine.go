// Package features turns a transaction and its reference records into the
// ordered numeric vector consumed by the scaler, the models and the explainer.
package features

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/shopspring/decimal"

	"github.com/opensource-finance/sentinel/internal/domain"
)

// Engine constants. These are part of how the models were trained and are not configurable.
const (
	defaultAvgAmount    = 1000.0
	defaultRiskLevel    = 3
	defaultChannelRisk  = 1
	unknownIPBucket     = 5
	highAmountMultiple  = 5.0
	newCustomerDays     = 30
	oddHourMorningEnd   = 5
	oddHourEveningStart = 23
	ipBuckets           = 10
	minAverageForRatio  = 1.0
)

var channelRisk = map[string]float64{
	"ussd":   3,
	"mobile": 2,
	"agent":  2,
	"web":    1,
	"atm":    1,
}

var (
	errNotNumeric  = errors.New("not a number")
	errNotPositive = errors.New("must be positive")
	errBadTime     = errors.New("unrecognised timestamp format")
)

// HistoryCounter supplies the historical transaction count for a customer.
type HistoryCounter interface {
	Count(ctx context.Context, customerID int64) (int64, error)
}

// HistoryRecorder is implemented by counters that must be told about
// each completed assessment. Engineering only reads the count.
type HistoryRecorder interface {
	Record(ctx context.Context, customerID int64) error
}

// StaticCounter returns the same count for every customer.
type StaticCounter int64

// Count implements HistoryCounter.
func (c StaticCounter) Count(context.Context, int64) (int64, error) {
	return int64(c), nil
}

// Options holds the engine policies.
type Options struct {
	// UnknownTenure decides is_new_customer when the signup date is unknown.
	UnknownTenure domain.TenurePolicy

	// History supplies historical_txn_count. Defaults to the placeholder count.
	History HistoryCounter
}

// Engine computes feature vectors. It holds no mutable state and is safe for concurrent use.
type Engine struct {
	order         []string
	positions     []int
	refs          domain.ReferenceStore
	history       HistoryCounter
	unknownTenure domain.TenurePolicy
}

// Result is an engineered vector together with what defaults were applied.
type Result struct {
	Vector []float64

	// DefaultsApplied lists the reference entities that were not found.
	DefaultsApplied []string
}

// NewEngine builds an engine that emits vectors in the given feature order.
func NewEngine(order []string, refs domain.ReferenceStore, opts Options) (*Engine, error) {
	positions, err := resolveOrder(order)
	if err != nil {
		return nil, err
	}
	if refs == nil {
		return nil, fmt.Errorf("%w: reference store is required", domain.ErrInvalidInput)
	}
	if opts.History == nil {
		opts.History = StaticCounter(domain.PlaceholderHistoryCount)
	}
	if opts.UnknownTenure == "" {
		opts.UnknownTenure = domain.TenureNotNew
	}
	o := make([]string, len(order))
	copy(o, order)
	return &Engine{
		order:         o,
		positions:     positions,
		refs:          refs,
		history:       opts.History,
		unknownTenure: opts.UnknownTenure,
	}, nil
}

// RecordHistory adds a completed assessment to the history counter when it
// keeps live counts. Call it only after the assessment succeeded.
func (e *Engine) RecordHistory(ctx context.Context, customerID int64) error {
	r, ok := e.history.(HistoryRecorder)
	if !ok {
		return nil
	}
	return r.Record(ctx, customerID)
}

// Order returns the feature names in vector order.
func (e *Engine) Order() []string {
	o := make([]string, len(e.order))
	copy(o, e.order)
	return o
}

// Dim returns the vector length.
func (e *Engine) Dim() int {
	return len(e.order)
}

// SafeDefault returns the mid-range vector used when a transaction cannot be engineered.
func (e *Engine) SafeDefault() []float64 {
	v := make([]float64, len(e.order))
	for i, name := range e.order {
		v[i] = safeDefaults[name]
	}
	return v
}

// Engineer computes the feature vector for tx. Unknown customers and devices
// are replaced by defaults; malformed amount or timestamp fields fail with a
// *domain.FeatureError.
func (e *Engine) Engineer(ctx context.Context, tx *domain.Transaction) (*Result, error) {
	amount, err := ParseAmount(tx.Amount)
	if err != nil {
		return nil, err
	}
	ts, err := ParseTimestamp(tx.Timestamp)
	if err != nil {
		return nil, err
	}

	res := &Result{}

	avgAmount := defaultAvgAmount
	riskLevel := float64(defaultRiskLevel)
	var signup domain.Date
	customer, ok := e.refs.LookupCustomer(tx.CustomerID)
	if ok {
		avgAmount = customer.AvgTxnAmount
		riskLevel = float64(customer.RiskLevel)
		signup = customer.SignupDate
	} else {
		res.DefaultsApplied = append(res.DefaultsApplied, domain.EntityCustomer)
	}

	mismatch := 1.0
	ipRisk := float64(unknownIPBucket)
	device, ok := e.refs.LookupDevice(tx.DeviceID)
	if ok {
		if device.CustomerID != nil && *device.CustomerID == tx.CustomerID {
			mismatch = 0
		}
		if device.IPPrefix != "" {
			ipRisk = float64(IPBucket(device.IPPrefix))
		}
	} else {
		res.DefaultsApplied = append(res.DefaultsApplied, domain.EntityDevice)
	}

	count, err := e.history.Count(ctx, tx.CustomerID)
	if err != nil {
		slog.Warn("historical count unavailable, using placeholder",
			"customer_id", tx.CustomerID,
			"error", err,
		)
		count = domain.PlaceholderHistoryCount
	}

	hour := ts.Hour()
	dow := DayOfWeek(ts)

	var values [len(catalog)]float64
	values[0] = amount
	values[1] = riskLevel
	values[2] = mismatch
	values[3] = indicator(amount > highAmountMultiple*avgAmount)
	values[4] = indicator(IsOddHour(hour))
	values[5] = ChannelWeight(tx.Channel)
	values[6] = e.newCustomer(ts, signup)
	values[7] = float64(count)
	values[8] = math.Sin(2 * math.Pi * float64(hour) / 24)
	values[9] = math.Cos(2 * math.Pi * float64(hour) / 24)
	values[10] = math.Sin(2 * math.Pi * float64(dow) / 7)
	values[11] = math.Cos(2 * math.Pi * float64(dow) / 7)
	values[12] = ipRisk
	values[13] = amount / math.Max(avgAmount, minAverageForRatio)
	values[14] = math.Log1p(amount)

	res.Vector = make([]float64, len(e.positions))
	for i, p := range e.positions {
		res.Vector[i] = values[p]
	}
	return res, nil
}

func (e *Engine) newCustomer(ts time.Time, signup domain.Date) float64 {
	if !signup.Known() {
		return indicator(e.unknownTenure == domain.TenureNew)
	}
	return indicator(TenureDays(ts, signup) < newCustomerDays)
}

// ParseAmount parses a positive decimal amount.
func ParseAmount(a domain.Amount) (float64, error) {
	raw := strings.TrimSpace(string(a))
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return 0, &domain.FeatureError{Field: "amount", Value: raw, Err: errNotNumeric}
	}
	if d.Sign() <= 0 {
		return 0, &domain.FeatureError{Field: "amount", Value: raw, Err: errNotPositive}
	}
	f, _ := d.Float64()
	if math.IsInf(f, 0) {
		return 0, &domain.FeatureError{Field: "amount", Value: raw, Err: errNotNumeric}
	}
	// Tiny positive decimals underflow to zero.
	if f <= 0 {
		return 0, &domain.FeatureError{Field: "amount", Value: raw, Err: errNotPositive}
	}
	return f, nil
}

var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

// ParseTimestamp parses an ISO-8601 timestamp. Timestamps without an offset are UTC.
// The returned time keeps the offset it was written with, so Hour is the local hour.
func ParseTimestamp(s string) (time.Time, error) {
	raw := strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		}
	}
	return time.Time{}, &domain.FeatureError{Field: "timestamp", Value: raw, Err: errBadTime}
}

// IsOddHour reports whether hour falls in 00:00-05:59 or 23:00-23:59.
func IsOddHour(hour int) bool {
	return hour <= oddHourMorningEnd || hour >= oddHourEveningStart
}

// ChannelWeight returns the risk weight of a channel, case-insensitively.
func ChannelWeight(channel string) float64 {
	if w, ok := channelRisk[strings.ToLower(strings.TrimSpace(channel))]; ok {
		return w
	}
	return defaultChannelRisk
}

// DayOfWeek numbers days Monday=0 through Sunday=6.
func DayOfWeek(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}

// TenureDays returns whole days elapsed from signup to ts, rounded down.
func TenureDays(ts time.Time, signup domain.Date) int {
	d := ts.Sub(signup.Time)
	days := int(d / (24 * time.Hour))
	if d < 0 && d%(24*time.Hour) != 0 {
		days--
	}
	return days
}

// IPBucket hashes an IP prefix into one of ten buckets. xxhash is unseeded,
// so buckets are stable across processes and hosts.
func IPBucket(prefix string) int {
	return int(xxhash.Sum64String(prefix) % ipBuckets)
}

func indicator(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
