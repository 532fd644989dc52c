package loader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"paperengine/internal/application/port"
	"paperengine/internal/domain/model"
)

// MonitorConfig drives one portfolio monitor instance. The portfolio
// parameters must match the orders loader watching the same account, so
// both resolve the same portfolio id.
type MonitorConfig struct {
	StrategyID    int64
	PortfolioType string
	RebalFreq     string
	WgtMethod     string
	Adjust        bool

	DryRun        bool
	Notifications bool
	MinSleep      time.Duration
	MaxSleep      time.Duration
}

// MonitorDeps wires the monitor loader's collaborators.
type MonitorDeps struct {
	Store     port.Store
	Broker    port.Broker
	Publisher port.Publisher
	Catalog   model.Catalog
	Config    MonitorConfig
	Now       func() time.Time
}

// Monitor periodically snapshots the brokerage account into the position
// and portfolio entity families. It never trades; the broker is read-only
// here.
type Monitor struct {
	deps MonitorDeps
}

func NewMonitor(deps MonitorDeps) *Monitor {
	if deps.Catalog == nil {
		deps.Catalog = model.MonitorCatalog()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Monitor{deps: deps}
}

// Run polls until the context is cancelled or a cycle fails.
func (l *Monitor) Run(ctx context.Context) error {
	return Poll(ctx, l.deps.Config.MinSleep, l.deps.Config.MaxSleep, l.RunOnce)
}

// RunOnce takes one account snapshot and reconciles it.
func (l *Monitor) RunOnce(ctx context.Context) error {
	cfg := l.deps.Config
	start := l.deps.Now()

	portfolioID, ok, err := l.deps.Store.PortfolioIDByHash(ctx, l.portfolioHash())
	if err != nil {
		return fmt.Errorf("portfolio id: %w", err)
	}
	if !ok {
		log.Info().Msg("portfolio not provisioned yet")
		return nil
	}

	equity, err := l.deps.Broker.AccountCapital(ctx)
	if err != nil {
		return fmt.Errorf("account capital: %w", err)
	}
	positionRows, longNotional, shortNotional, err := l.snapshotPositions(ctx, portfolioID, start)
	if err != nil {
		return err
	}

	rtn, cumRtn, err := l.returns(ctx, portfolioID, equity)
	if err != nil {
		return err
	}

	portfolioRow := []any{
		portfolioID,
		start,
		longNotional,
		shortNotional,
		longNotional.Add(shortNotional),
		weightOf(longNotional, equity),
		weightOf(shortNotional, equity),
		rtn,
		cumRtn,
	}
	controlRow := []any{portfolioID, start, equity}

	deliveryID, err := l.deps.Store.NextDeliveryID(ctx)
	if err != nil {
		return fmt.Errorf("next delivery id: %w", err)
	}

	delivery := make(Delivery, 5)
	for kind, rows := range map[model.Kind][][]any{
		model.KindPortfolio:        {portfolioRow},
		model.KindPortfolioLatest:  {portfolioRow},
		model.KindPortfolioControl: {controlRow},
		model.KindPosition:         positionRows,
		model.KindPositionLatest:   positionRows,
	} {
		events, err := processEntity(ctx, l.deps.Store, l.deps.Catalog[kind], deliveryID, rows)
		if err != nil {
			return fmt.Errorf("delivery %d: %w", deliveryID, err)
		}
		delivery[kind] = events
	}

	if !cfg.DryRun {
		meta := model.DeliveryMeta{
			DeliveryID:  deliveryID,
			RowCreation: l.deps.Now(),
			Runtime:     l.deps.Now().Sub(start),
			Summary:     summarize(delivery),
		}
		if err := persistDelivery(ctx, l.deps.Store, l.deps.Catalog, delivery, meta); err != nil {
			return err
		}
		if cfg.Notifications {
			publishDelivery(ctx, l.deps.Publisher, delivery)
		}
	}

	logDelivery(deliveryID, delivery, start)
	return nil
}

// snapshotPositions marks every open position against the current book.
// Longs mark at the bid, shorts at the ask, the price each side would
// realize on liquidation. Weights are against gross exposure.
func (l *Monitor) snapshotPositions(ctx context.Context, portfolioID int64, ts time.Time) (rows [][]any, longNotional, shortNotional decimal.Decimal, err error) {
	positions, err := l.deps.Broker.Positions(ctx)
	if err != nil {
		return nil, decimal.Zero, decimal.Zero, fmt.Errorf("broker positions: %w", err)
	}
	if len(positions) == 0 {
		return nil, decimal.Zero, decimal.Zero, nil
	}

	symbols := make([]string, 0, len(positions))
	for symbol := range positions {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	book, err := l.deps.Broker.LatestBook(ctx, symbols)
	if err != nil {
		return nil, decimal.Zero, decimal.Zero, fmt.Errorf("latest book: %w", err)
	}

	type marked struct {
		symbol   string
		side     int64
		quantity decimal.Decimal
		notional decimal.Decimal
	}
	var (
		snapshot []marked
		gross    decimal.Decimal
	)
	for _, symbol := range symbols {
		qty := positions[symbol]
		if qty.IsZero() {
			continue
		}
		var (
			side  int64 = 1
			price       = book.Bids[symbol]
		)
		if qty.Sign() < 0 {
			side = -1
			price = book.Asks[symbol]
		}
		if price.Sign() <= 0 {
			log.Warn().Str("symbol", symbol).Msg("no quote for held position")
			continue
		}
		notional := qty.Mul(price)
		if side > 0 {
			longNotional = longNotional.Add(notional)
		} else {
			shortNotional = shortNotional.Add(notional)
		}
		gross = gross.Add(notional.Abs())
		snapshot = append(snapshot, marked{symbol, side, qty, notional})
	}

	for _, m := range snapshot {
		rows = append(rows, []any{
			portfolioID,
			m.side,
			"TICKER",
			m.symbol,
			ts,
			weightOf(m.notional, gross),
			m.quantity,
			m.notional,
		})
	}
	return rows, longNotional, shortNotional, nil
}

// returns derives the period and cumulative return from the previous
// snapshot. The first snapshot of a portfolio has no baseline and reports
// zero for both.
func (l *Monitor) returns(ctx context.Context, portfolioID int64, equity decimal.Decimal) (rtn, cumRtn decimal.Decimal, err error) {
	controlSchema := l.deps.Catalog[model.KindPortfolioControl]
	rows, err := l.deps.Store.LoadState(ctx, controlSchema, [][]any{{portfolioID}})
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("load %s: %w", controlSchema.Kind, err)
	}
	if len(rows) == 0 {
		return decimal.Zero, decimal.Zero, nil
	}
	control, err := controlSchema.FromPersisted(rows[0])
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("parse %s: %w", controlSchema.Kind, err)
	}
	lastEquity, ok := control.Value("last_equity").(decimal.Decimal)
	if !ok || lastEquity.Sign() <= 0 {
		return decimal.Zero, decimal.Zero, nil
	}
	rtn = equity.Sub(lastEquity).DivRound(lastEquity, 12)

	latestSchema := l.deps.Catalog[model.KindPortfolioLatest]
	latestRows, err := l.deps.Store.LoadState(ctx, latestSchema, [][]any{{portfolioID}})
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("load %s: %w", latestSchema.Kind, err)
	}
	cumRtn = rtn
	if len(latestRows) > 0 {
		latest, err := latestSchema.FromPersisted(latestRows[0])
		if err != nil {
			return decimal.Zero, decimal.Zero, fmt.Errorf("parse %s: %w", latestSchema.Kind, err)
		}
		if prevCum, ok := latest.Value("cum_rtn").(decimal.Decimal); ok {
			one := decimal.NewFromInt(1)
			cumRtn = one.Add(prevCum).Mul(one.Add(rtn)).Sub(one)
		}
	}
	return rtn, cumRtn, nil
}

func (l *Monitor) portfolioHash() string {
	cfg := l.deps.Config
	sum := sha256.Sum256([]byte(
		strconv.FormatInt(cfg.StrategyID, 10) +
			strings.ToUpper(cfg.PortfolioType) +
			strings.ToUpper(cfg.RebalFreq) +
			strconv.FormatBool(cfg.Adjust) +
			strings.ToUpper(cfg.WgtMethod),
	))
	return hex.EncodeToString(sum[:])
}

func weightOf(notional, base decimal.Decimal) decimal.Decimal {
	if base.Sign() <= 0 {
		return decimal.Zero
	}
	return notional.DivRound(base, 12)
}
