package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Decision is one row of the upstream strategy feed: the latest call on a
// single asset. Read-only source data, never reconciled itself.
type Decision struct {
	EventType   string
	StrategyID  int64
	AssetIDType string
	AssetID     string
	DataDate    time.Time
	DecisionTS  *time.Time
	Factor      *decimal.Decimal
	Decision    int64 // +1 long, -1 short
	TargetWgt   *decimal.Decimal
}

// DecisionFromRow parses an upstream strategy event row. Exchange-suffixed
// tickers are trimmed to the bare symbol.
func DecisionFromRow(row []any) (Decision, error) {
	if len(row) != 9 {
		return Decision{}, fmt.Errorf("strategy row has %d values, want 9", len(row))
	}
	var (
		d   Decision
		err error
	)
	if d.EventType, err = parseString(row[0]); err != nil {
		return Decision{}, fmt.Errorf("strategy event_type: %w", err)
	}
	if d.StrategyID, err = parseInt(row[1]); err != nil {
		return Decision{}, fmt.Errorf("strategy strategy_id: %w", err)
	}
	if d.AssetIDType, err = parseString(row[2]); err != nil {
		return Decision{}, fmt.Errorf("strategy asset_id_type: %w", err)
	}
	if d.AssetID, err = parseString(row[3]); err != nil {
		return Decision{}, fmt.Errorf("strategy asset_id: %w", err)
	}
	if d.AssetIDType == "TICKER" {
		d.AssetID, _, _ = strings.Cut(d.AssetID, ".")
	}
	if d.DataDate, err = parseTime(row[4]); err != nil {
		return Decision{}, fmt.Errorf("strategy datadate: %w", err)
	}
	if row[5] != nil {
		ts, err := parseTime(row[5])
		if err != nil {
			return Decision{}, fmt.Errorf("strategy decision_ts: %w", err)
		}
		d.DecisionTS = &ts
	}
	if row[6] != nil {
		f, err := parseDecimal(row[6])
		if err != nil {
			return Decision{}, fmt.Errorf("strategy factor: %w", err)
		}
		d.Factor = &f
	}
	if row[7] != nil {
		if d.Decision, err = parseInt(row[7]); err != nil {
			return Decision{}, fmt.Errorf("strategy decision: %w", err)
		}
	}
	if row[8] != nil {
		w, err := parseDecimal(row[8])
		if err != nil {
			return Decision{}, fmt.Errorf("strategy target_wgt: %w", err)
		}
		d.TargetWgt = &w
	}
	return d, nil
}

// StrategyDelivery is the upstream delivery metadata the orders loader
// polls to detect fresh decisions.
type StrategyDelivery struct {
	StrategyID int64
	DeliveryID int64
	DataDate   time.Time
}

// Book holds the latest quoted prices per asset.
type Book struct {
	Asks map[string]decimal.Decimal
	Bids map[string]decimal.Decimal
}

// OrderParams is one concrete instruction for the broker.
type OrderParams struct {
	Symbol   string
	Quantity decimal.Decimal
	Side     string // "buy" or "sell"
}

// ClosedOrder reports a position the broker flattened.
type ClosedOrder struct {
	Symbol   string
	Side     int64 // +1 the closed position was long, -1 short
	Quantity decimal.Decimal
	Notional decimal.Decimal
}

// DeliveryMeta is the per-cycle metadata row.
type DeliveryMeta struct {
	DeliveryID       int64
	LastReadDelivery int64
	RowCreation      time.Time
	Runtime          time.Duration
	Summary          string // JSON {kind: {event type: count}}
}
