package features

import (
	"fmt"

	"github.com/opensource-finance/sentinel/internal/domain"
)

// Feature names. A bundle's feature order is a list of these names.
const (
	Amount            = "amount"
	CustomerRiskLevel = "customer_risk_level"
	DeviceMismatch    = "device_mismatch"
	HighAmount        = "high_amount"
	OddHour           = "odd_hour"
	ChannelRisk       = "channel_risk"
	IsNewCustomer     = "is_new_customer"
	HistoricalCount   = "historical_txn_count"
	HourSin           = "hour_sin"
	HourCos           = "hour_cos"
	DowSin            = "dow_sin"
	DowCos            = "dow_cos"
	IPRisk            = "ip_risk"
	AmountToAvgRatio  = "amount_to_avg_ratio"
	AmountLog         = "amount_log"
)

// catalog lists every feature the engine computes, in the default vector order.
var catalog = [...]string{
	Amount,
	CustomerRiskLevel,
	DeviceMismatch,
	HighAmount,
	OddHour,
	ChannelRisk,
	IsNewCustomer,
	HistoricalCount,
	HourSin,
	HourCos,
	DowSin,
	DowCos,
	IPRisk,
	AmountToAvgRatio,
	AmountLog,
}

// safeDefaults holds mid-range values used when a transaction cannot be engineered.
var safeDefaults = map[string]float64{
	Amount:            1000.0,
	CustomerRiskLevel: 2,
	DeviceMismatch:    0,
	HighAmount:        0,
	OddHour:           0,
	ChannelRisk:       1,
	IsNewCustomer:     0,
	HistoricalCount:   domain.PlaceholderHistoryCount,
	HourSin:           0,
	HourCos:           1,
	DowSin:            0,
	DowCos:            1,
	IPRisk:            5,
	AmountToAvgRatio:  1,
	AmountLog:         6.9,
}

var catalogIndex = func() map[string]int {
	m := make(map[string]int, len(catalog))
	for i, name := range catalog {
		m[name] = i
	}
	return m
}()

// DefaultOrder returns the default feature order.
func DefaultOrder() []string {
	order := make([]string, len(catalog))
	copy(order, catalog[:])
	return order
}

// Known reports whether name is a feature the engine can compute.
func Known(name string) bool {
	_, ok := catalogIndex[name]
	return ok
}

// resolveOrder maps feature names to catalog positions.
func resolveOrder(order []string) ([]int, error) {
	if len(order) == 0 {
		return nil, fmt.Errorf("%w: empty feature order", domain.ErrInvalidArtifact)
	}
	seen := make(map[string]bool, len(order))
	positions := make([]int, len(order))
	for i, name := range order {
		idx, ok := catalogIndex[name]
		if !ok {
			return nil, fmt.Errorf("%w: unknown feature %q at index %d", domain.ErrInvalidArtifact, name, i)
		}
		if seen[name] {
			return nil, fmt.Errorf("%w: duplicate feature %q", domain.ErrInvalidArtifact, name)
		}
		seen[name] = true
		positions[i] = idx
	}
	return positions, nil
}
