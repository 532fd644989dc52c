package loader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"paperengine/internal/application/port"
	"paperengine/internal/domain/model"
	"paperengine/internal/domain/service"
)

// OrdersConfig drives one orders loader instance.
type OrdersConfig struct {
	PortfolioType string
	RebalFreq     string
	WgtMethod     string // service.WeightEqual or service.WeightUpstream
	AccountID     string

	// Adjust rebalances even when the upstream delivery was already read.
	Adjust bool

	// ShortFraction of account capital funds the short book; the rest
	// funds the long book.
	ShortFraction decimal.Decimal

	WholeShares         bool
	MinOrderNotional    decimal.Decimal
	MaxTurnoverDistance decimal.Decimal // zero disables turnover blending

	// MarketGate restricts cycles to [MarketOpen, MarketClose] UTC
	// offsets from midnight, both bounds inclusive; the window may wrap.
	MarketGate  bool
	MarketOpen  time.Duration
	MarketClose time.Duration

	DryRun        bool
	Notifications bool
	MinSleep      time.Duration
	MaxSleep      time.Duration
}

// OrdersDeps wires the orders loader's collaborators.
type OrdersDeps struct {
	Source    port.DecisionSource
	Store     port.Store
	Broker    port.Broker
	Publisher port.Publisher
	Catalog   model.Catalog
	Config    OrdersConfig
	Alpha     service.AlphaPolicy
	Now       func() time.Time
}

// Orders polls the strategy decision feed, sizes and submits rebalancing
// orders, and reconciles the orders entity family against the store.
type Orders struct {
	deps OrdersDeps
}

func NewOrders(deps OrdersDeps) *Orders {
	if deps.Catalog == nil {
		deps.Catalog = model.OrdersCatalog()
	}
	if deps.Alpha == nil {
		deps.Alpha = service.BisectionAlpha
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Orders{deps: deps}
}

// Run polls until the context is cancelled or a cycle fails.
func (l *Orders) Run(ctx context.Context) error {
	return Poll(ctx, l.deps.Config.MinSleep, l.deps.Config.MaxSleep, l.RunOnce)
}

type pendingDecision struct {
	PortfolioID   int64
	StrategyID    int64
	DeliveryID    int64
	DataDate      time.Time
	PortfolioHash string
}

// RunOnce executes one delivery cycle. Errors before the store
// transaction leave no side effects; errors inside it roll back and stop
// the polling loop.
func (l *Orders) RunOnce(ctx context.Context) error {
	cfg := l.deps.Config
	start := l.deps.Now()

	if cfg.MarketGate && !marketOpen(cfg.MarketOpen, cfg.MarketClose, start) {
		log.Info().Msg("market is not open")
		return nil
	}

	pending, err := l.checkNewDecisions(ctx)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		log.Info().Msg("no new decisions")
		return nil
	}

	upstream := pending[0].DeliveryID
	for _, p := range pending[1:] {
		if p.DeliveryID != upstream {
			log.Warn().Msg("pending decisions span more than one upstream delivery, skipping cycle")
			return nil
		}
	}

	var ordersRows, controlRows, configRows [][]any
	for _, p := range pending {
		rows, err := l.rebalance(ctx, p)
		if err != nil {
			return fmt.Errorf("rebalance portfolio %d: %w", p.PortfolioID, err)
		}
		ordersRows = append(ordersRows, rows...)
		controlRows = append(controlRows, []any{p.PortfolioID, p.DeliveryID, p.DataDate, l.deps.Now()})
		configRows = append(configRows, []any{
			p.PortfolioID,
			p.StrategyID,
			strings.ToUpper(cfg.PortfolioType),
			strings.ToUpper(cfg.RebalFreq),
			strconv.FormatBool(cfg.Adjust),
			strings.ToUpper(cfg.WgtMethod),
			p.PortfolioHash,
			cfg.AccountID,
		})
	}

	deliveryID, err := l.deps.Store.NextDeliveryID(ctx)
	if err != nil {
		return fmt.Errorf("next delivery id: %w", err)
	}

	delivery := make(Delivery, 4)
	for kind, rows := range map[model.Kind][][]any{
		model.KindOrders:        ordersRows,
		model.KindOrdersLatest:  ordersRows,
		model.KindOrdersControl: controlRows,
		model.KindOrdersConfig:  configRows,
	} {
		events, err := processEntity(ctx, l.deps.Store, l.deps.Catalog[kind], deliveryID, rows)
		if err != nil {
			return fmt.Errorf("delivery %d: %w", deliveryID, err)
		}
		delivery[kind] = events
	}

	if !cfg.DryRun {
		meta := model.DeliveryMeta{
			DeliveryID:       deliveryID,
			LastReadDelivery: upstream,
			RowCreation:      l.deps.Now(),
			Runtime:          l.deps.Now().Sub(start),
			Summary:          summarize(delivery),
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

// checkNewDecisions compares the upstream strategy deliveries against
// each portfolio's control row and keeps the ones not yet acted upon.
func (l *Orders) checkNewDecisions(ctx context.Context) ([]pendingDecision, error) {
	deliveries, err := l.deps.Source.LatestDeliveries(ctx)
	if err != nil {
		return nil, fmt.Errorf("latest strategy deliveries: %w", err)
	}

	controlSchema := l.deps.Catalog[model.KindOrdersControl]
	var pending []pendingDecision
	for _, d := range deliveries {
		hash := l.portfolioHash(d.StrategyID)
		portfolioID, ok, err := l.deps.Store.PortfolioIDByHash(ctx, hash)
		if err != nil {
			return nil, fmt.Errorf("portfolio id for %s: %w", hash, err)
		}
		if !ok {
			if portfolioID, err = l.deps.Store.NextPortfolioID(ctx); err != nil {
				return nil, fmt.Errorf("next portfolio id: %w", err)
			}
		}

		p := pendingDecision{
			PortfolioID:   portfolioID,
			StrategyID:    d.StrategyID,
			DeliveryID:    d.DeliveryID,
			DataDate:      d.DataDate,
			PortfolioHash: hash,
		}

		rows, err := l.deps.Store.LoadState(ctx, controlSchema, [][]any{{portfolioID}})
		if err != nil {
			return nil, fmt.Errorf("load control state: %w", err)
		}
		if len(rows) == 0 {
			pending = append(pending, p)
			continue
		}
		control, err := controlSchema.FromPersisted(rows[0])
		if err != nil {
			return nil, fmt.Errorf("parse control state: %w", err)
		}
		lastRead, _ := control.Value("last_read_delivery_id").(int64)
		if l.deps.Config.Adjust || lastRead < d.DeliveryID {
			pending = append(pending, p)
		}
	}
	return pending, nil
}

// rebalance turns one portfolio's fresh decisions into submitted orders
// and the audit rows to reconcile.
func (l *Orders) rebalance(ctx context.Context, p pendingDecision) ([][]any, error) {
	cfg := l.deps.Config

	decisions, err := l.deps.Source.LatestDecisions(ctx, p.StrategyID, p.DeliveryID)
	if err != nil {
		return nil, fmt.Errorf("latest decisions: %w", err)
	}

	assetIDs := make([]string, 0, len(decisions))
	for _, d := range decisions {
		assetIDs = append(assetIDs, d.AssetID)
	}
	tradable, err := l.deps.Broker.CheckTradable(ctx, assetIDs)
	if err != nil {
		return nil, fmt.Errorf("check tradable: %w", err)
	}
	decisions = filterDecisions(decisions, tradable)

	positions, err := l.deps.Broker.Positions(ctx)
	if err != nil {
		return nil, fmt.Errorf("broker positions: %w", err)
	}

	var rows [][]any

	// decisions withdrawn upstream wind their positions down first
	var open []model.Decision
	for _, d := range decisions {
		if d.EventType == string(model.EventRemove) {
			rows = append(rows, l.closePosition(ctx, p.PortfolioID, d, positions)...)
			continue
		}
		open = append(open, d)
	}

	longs := make([]model.Decision, 0, len(open))
	longAssets := make(map[string]struct{}, len(open))
	for _, d := range open {
		if d.Decision >= 0 {
			longs = append(longs, d)
			longAssets[d.AssetID] = struct{}{}
		}
	}
	var shortCandidates []model.Decision
	seenShorts := make(map[string]struct{})
	for _, d := range open {
		if d.Decision >= 0 {
			continue
		}
		if _, ok := longAssets[d.AssetID]; ok {
			continue
		}
		if _, ok := seenShorts[d.AssetID]; ok {
			continue
		}
		seenShorts[d.AssetID] = struct{}{}
		shortCandidates = append(shortCandidates, d)
	}
	shorts, err := l.filterShortable(ctx, shortCandidates)
	if err != nil {
		return nil, err
	}

	capital, err := l.deps.Broker.AccountCapital(ctx)
	if err != nil {
		return nil, fmt.Errorf("account capital: %w", err)
	}
	shortCapital := capital.Mul(cfg.ShortFraction)
	longCapital := capital.Sub(shortCapital)

	longRows, longOrders, err := l.sizeBucket(ctx, p, longs, longCapital, positions, true)
	if err != nil {
		return nil, err
	}
	shortRows, shortOrders, err := l.sizeBucket(ctx, p, shorts, shortCapital, positions, false)
	if err != nil {
		return nil, err
	}
	rows = append(rows, longRows...)
	rows = append(rows, shortRows...)

	// closing orders free capital before opening orders consume it
	closing, opening := partitionOrders(append(longOrders, shortOrders...))
	l.submitOrders(ctx, closing)
	l.submitOrders(ctx, opening)

	return rows, nil
}

// sizeBucket resolves target weights for one capital bucket and sizes it.
// The long bucket additionally applies turnover-limited blending against
// the previously persisted weights, and carries the signal-drought
// fallbacks: hold the previous allocation verbatim, or failing that,
// equal-weight whatever the broker currently holds.
func (l *Orders) sizeBucket(ctx context.Context, p pendingDecision, decisions []model.Decision, capital decimal.Decimal, positions map[string]decimal.Decimal, long bool) ([][]any, []service.Order, error) {
	cfg := l.deps.Config
	if capital.Sign() <= 0 {
		return nil, nil, nil
	}

	var weights map[string]decimal.Decimal
	if len(decisions) > 0 {
		var err error
		if weights, err = service.TargetWeights(cfg.WgtMethod, decisions); err != nil {
			return nil, nil, err
		}
		if long && cfg.MaxTurnoverDistance.Sign() > 0 {
			prev, err := l.previousWeights(ctx, p.PortfolioID)
			if err != nil {
				return nil, nil, err
			}
			if len(prev) > 0 {
				prevU, freshU := service.UnionWeights(prev, weights)
				alpha := l.deps.Alpha(prevU, freshU, cfg.MaxTurnoverDistance)
				weights = service.Blend(prevU, freshU, alpha)
				decisions = unionDecisions(decisions, weights)
			}
		}
	} else if long {
		prev, err := l.previousWeights(ctx, p.PortfolioID)
		if err != nil {
			return nil, nil, err
		}
		switch {
		case len(prev) > 0:
			weights = prev
			decisions = syntheticDecisions(p.StrategyID, prev)
		case len(positions) > 0:
			held := make([]string, 0, len(positions))
			for asset := range positions {
				held = append(held, asset)
			}
			weights = service.EqualFallback(held)
			decisions = syntheticDecisions(p.StrategyID, weights)
		default:
			return nil, nil, nil
		}
	} else {
		return nil, nil, nil
	}

	book, err := l.deps.Broker.LatestBook(ctx, assetsOf(decisions))
	if err != nil {
		return nil, nil, fmt.Errorf("latest book: %w", err)
	}

	reb := service.Rebalancer{
		Capital:          capital,
		WholeShares:      cfg.WholeShares,
		MinOrderNotional: cfg.MinOrderNotional,
	}
	alloc := reb.Allocate(decisions, weights, book)
	orders := reb.Orders(alloc, positions)
	return service.OrderRecords(p.PortfolioID, l.deps.Now(), orders), orders, nil
}

// previousWeights reads the long-book target weights persisted for this
// portfolio in the latest view.
func (l *Orders) previousWeights(ctx context.Context, portfolioID int64) (map[string]decimal.Decimal, error) {
	schema := l.deps.Catalog[model.KindOrdersLatest]
	rows, err := l.deps.Store.LoadFullState(ctx, schema)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", schema.Kind, err)
	}

	weights := make(map[string]decimal.Decimal)
	for _, row := range rows {
		rec, err := schema.FromPersisted(row)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", schema.Kind, err)
		}
		if id, _ := rec.Value("portfolio_id").(int64); id != portfolioID {
			continue
		}
		if side, _ := rec.Value("side").(int64); side < 0 {
			continue
		}
		wgt, ok := rec.Value("target_wgt").(decimal.Decimal)
		if !ok {
			continue
		}
		asset, _ := rec.Value("asset_id").(string)
		weights[asset] = wgt
	}
	return weights, nil
}

// closePosition flattens one withdrawn asset at the broker and returns
// its audit row. Broker errors are logged per order and do not abort the
// batch.
func (l *Orders) closePosition(ctx context.Context, portfolioID int64, d model.Decision, positions map[string]decimal.Decimal) [][]any {
	if _, held := positions[d.AssetID]; !held {
		return nil
	}
	if l.deps.Config.DryRun {
		return nil
	}
	closed, err := l.deps.Broker.ClosePosition(ctx, d.AssetID)
	if err != nil {
		log.Warn().Err(err).Str("asset", d.AssetID).Msg("close position failed")
		return nil
	}
	sign := decimal.NewFromInt(closed.Side)
	return [][]any{{
		portfolioID,
		closed.Side,
		d.AssetIDType,
		closed.Symbol,
		l.deps.Now(),
		decimal.Zero,
		decimal.Zero,
		closed.Quantity.Mul(sign),
		closed.Notional.Mul(sign),
	}}
}

func (l *Orders) filterShortable(ctx context.Context, shorts []model.Decision) ([]model.Decision, error) {
	if len(shorts) == 0 {
		return nil, nil
	}
	shortable, err := l.deps.Broker.CheckShortable(ctx, assetsOf(shorts))
	if err != nil {
		return nil, fmt.Errorf("check shortable: %w", err)
	}
	return filterDecisions(shorts, shortable), nil
}

func (l *Orders) submitOrders(ctx context.Context, orders []service.Order) {
	if l.deps.Config.DryRun {
		return
	}
	for _, o := range orders {
		if err := l.deps.Broker.SubmitOrder(ctx, o.Params); err != nil {
			log.Warn().Err(err).
				Str("symbol", o.Params.Symbol).
				Str("side", o.Params.Side).
				Str("quantity", o.Params.Quantity.String()).
				Msg("order did not go through")
		}
	}
}

// portfolioHash fingerprints the portfolio configuration so the same
// strategy run with different parameters maps to a distinct portfolio.
func (l *Orders) portfolioHash(strategyID int64) string {
	cfg := l.deps.Config
	sum := sha256.Sum256([]byte(
		strconv.FormatInt(strategyID, 10) +
			strings.ToUpper(cfg.PortfolioType) +
			strings.ToUpper(cfg.RebalFreq) +
			strconv.FormatBool(cfg.Adjust) +
			strings.ToUpper(cfg.WgtMethod),
	))
	return hex.EncodeToString(sum[:])
}

func marketOpen(open, close time.Duration, now time.Time) bool {
	now = now.UTC()
	tod := time.Duration(now.Hour())*time.Hour +
		time.Duration(now.Minute())*time.Minute +
		time.Duration(now.Second())*time.Second
	if open <= close {
		return open <= tod && tod <= close
	}
	return open <= tod || tod <= close
}

func partitionOrders(orders []service.Order) (closing, opening []service.Order) {
	for _, o := range orders {
		if o.Closing {
			closing = append(closing, o)
		} else {
			opening = append(opening, o)
		}
	}
	return closing, opening
}

func filterDecisions(decisions []model.Decision, allowed []string) []model.Decision {
	set := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		set[a] = struct{}{}
	}
	out := decisions[:0]
	for _, d := range decisions {
		if _, ok := set[d.AssetID]; ok {
			out = append(out, d)
		}
	}
	return out
}

func assetsOf(decisions []model.Decision) []string {
	out := make([]string, 0, len(decisions))
	for _, d := range decisions {
		out = append(out, d.AssetID)
	}
	return out
}

// unionDecisions extends the decision list with synthetic long entries
// for assets present only in the blended weight vector, so wound-down
// weights still get sized to zero instead of being forgotten.
func unionDecisions(decisions []model.Decision, weights map[string]decimal.Decimal) []model.Decision {
	present := make(map[string]struct{}, len(decisions))
	for _, d := range decisions {
		present[d.AssetID] = struct{}{}
	}
	var strategyID int64
	if len(decisions) > 0 {
		strategyID = decisions[0].StrategyID
	}
	for asset := range weights {
		if _, ok := present[asset]; ok {
			continue
		}
		decisions = append(decisions, model.Decision{
			StrategyID:  strategyID,
			AssetIDType: "TICKER",
			AssetID:     asset,
			Decision:    1,
		})
	}
	return decisions
}

func syntheticDecisions(strategyID int64, weights map[string]decimal.Decimal) []model.Decision {
	out := make([]model.Decision, 0, len(weights))
	for asset := range weights {
		out = append(out, model.Decision{
			StrategyID:  strategyID,
			AssetIDType: "TICKER",
			AssetID:     asset,
			Decision:    1,
		})
	}
	return out
}
