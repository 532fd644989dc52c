package loader

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"paperengine/internal/application/port"
	"paperengine/internal/domain/model"
	"paperengine/internal/domain/service"
)

// fakeStore keeps every table in memory and records the upsert batches it
// receives, so tests can assert on statement shapes as well as state.
type fakeStore struct {
	tables     map[string][][]any
	logs       map[string][][]any
	deliveries []model.DeliveryMeta

	nextDelivery int64
	nextEvent    map[string]int64
	nextPortf    int64
	portfolioIDs map[string]int64

	upsertBatches map[string][]int // rows per Upsert call, in call order
	deleteCalls   map[string][][]any
	beginCount    int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tables:        make(map[string][][]any),
		logs:          make(map[string][][]any),
		nextEvent:     make(map[string]int64),
		portfolioIDs:  make(map[string]int64),
		upsertBatches: make(map[string][]int),
		deleteCalls:   make(map[string][][]any),
	}
}

func (s *fakeStore) Ping(context.Context) error { return nil }
func (s *fakeStore) Close() error               { return nil }

func (s *fakeStore) NextDeliveryID(context.Context) (int64, error) {
	s.nextDelivery++
	return s.nextDelivery, nil
}

func (s *fakeStore) NextEventIDs(_ context.Context, schema *model.Schema, n int) ([]int64, error) {
	ids := make([]int64, n)
	for i := range ids {
		s.nextEvent[schema.Table]++
		ids[i] = s.nextEvent[schema.Table]
	}
	return ids, nil
}

func (s *fakeStore) PortfolioIDByHash(_ context.Context, hash string) (int64, bool, error) {
	if id, ok := s.portfolioIDs[hash]; ok {
		return id, true, nil
	}
	// the config entity is the system of record for the mapping
	for _, row := range s.tables["orders_config"] {
		if row[6] == hash {
			return row[0].(int64), true, nil
		}
	}
	return 0, false, nil
}

func (s *fakeStore) NextPortfolioID(context.Context) (int64, error) {
	s.nextPortf++
	return s.nextPortf, nil
}

func rowKey(schema *model.Schema, vals []any) string {
	key := ""
	for _, idx := range schema.KeyIdx {
		key += fmt.Sprint(vals[idx]) + "\x1f"
	}
	return key
}

func keyOf(schema *model.Schema, key []any) string {
	out := ""
	for _, v := range key {
		out += fmt.Sprint(v) + "\x1f"
	}
	_ = schema
	return out
}

func (s *fakeStore) LoadState(_ context.Context, schema *model.Schema, keys [][]any) ([][]any, error) {
	want := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		want[keyOf(schema, k)] = struct{}{}
	}
	var out [][]any
	for _, row := range s.tables[schema.Table] {
		if _, ok := want[rowKey(schema, row)]; ok {
			out = append(out, row)
		}
	}
	return out, nil
}

func (s *fakeStore) LoadFullState(_ context.Context, schema *model.Schema) ([][]any, error) {
	return s.tables[schema.Table], nil
}

func (s *fakeStore) Begin(context.Context) (port.Tx, error) {
	s.beginCount++
	return &fakeTx{store: s}, nil
}

type fakeTx struct {
	store *fakeStore
}

func (t *fakeTx) Upsert(_ context.Context, schema *model.Schema, rows [][]any) error {
	t.store.upsertBatches[schema.Table] = append(t.store.upsertBatches[schema.Table], len(rows))
	for _, row := range rows {
		key := rowKey(schema, row)
		replaced := false
		for i, existing := range t.store.tables[schema.Table] {
			if rowKey(schema, existing) == key {
				t.store.tables[schema.Table][i] = row
				replaced = true
				break
			}
		}
		if !replaced {
			t.store.tables[schema.Table] = append(t.store.tables[schema.Table], row)
		}
	}
	return nil
}

func (t *fakeTx) AppendLog(_ context.Context, schema *model.Schema, rows [][]any) error {
	t.store.logs[schema.LogTable] = append(t.store.logs[schema.LogTable], rows...)
	return nil
}

func (t *fakeTx) Delete(_ context.Context, schema *model.Schema, keys [][]any) error {
	t.store.deleteCalls[schema.Table] = append(t.store.deleteCalls[schema.Table], keys...)
	for _, k := range keys {
		key := keyOf(schema, k)
		kept := t.store.tables[schema.Table][:0]
		for _, row := range t.store.tables[schema.Table] {
			if rowKey(schema, row) != key {
				kept = append(kept, row)
			}
		}
		t.store.tables[schema.Table] = kept
	}
	return nil
}

func (t *fakeTx) PersistDelivery(_ context.Context, meta model.DeliveryMeta) error {
	t.store.deliveries = append(t.store.deliveries, meta)
	return nil
}

func (t *fakeTx) Commit() error   { return nil }
func (t *fakeTx) Rollback() error { return nil }

type fakeSource struct {
	deliveries []model.StrategyDelivery
	decisions  map[int64][]model.Decision // keyed by delivery id
}

func (s *fakeSource) LatestDeliveries(context.Context) ([]model.StrategyDelivery, error) {
	return s.deliveries, nil
}

func (s *fakeSource) LatestDecisions(_ context.Context, _, deliveryID int64) ([]model.Decision, error) {
	return s.decisions[deliveryID], nil
}

func (s *fakeSource) Close() error { return nil }

type fakeBroker struct {
	capital   decimal.Decimal
	book      model.Book
	positions map[string]decimal.Decimal
	submitted []model.OrderParams
	closed    []string
}

func (b *fakeBroker) AccountCapital(context.Context) (decimal.Decimal, error) {
	return b.capital, nil
}

func (b *fakeBroker) CheckTradable(_ context.Context, assetIDs []string) ([]string, error) {
	return assetIDs, nil
}

func (b *fakeBroker) CheckShortable(_ context.Context, assetIDs []string) ([]string, error) {
	return assetIDs, nil
}

func (b *fakeBroker) LatestBook(context.Context, []string) (model.Book, error) {
	return b.book, nil
}

func (b *fakeBroker) Positions(context.Context) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(b.positions))
	for k, v := range b.positions {
		out[k] = v
	}
	return out, nil
}

func (b *fakeBroker) SubmitOrder(_ context.Context, order model.OrderParams) error {
	b.submitted = append(b.submitted, order)
	return nil
}

func (b *fakeBroker) ClosePosition(_ context.Context, symbol string) (model.ClosedOrder, error) {
	b.closed = append(b.closed, symbol)
	qty := b.positions[symbol]
	delete(b.positions, symbol)
	return model.ClosedOrder{Symbol: symbol, Side: 1, Quantity: qty.Abs(), Notional: qty.Abs()}, nil
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func testClock() func() time.Time {
	t := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func newOrdersLoader(store *fakeStore, source *fakeSource, broker *fakeBroker, cfg OrdersConfig) *Orders {
	return NewOrders(OrdersDeps{
		Source: source,
		Store:  store,
		Broker: broker,
		Config: cfg,
		Now:    testClock(),
	})
}

func baseOrdersConfig() OrdersConfig {
	return OrdersConfig{
		PortfolioType: "paper",
		RebalFreq:     "daily",
		WgtMethod:     service.WeightEqual,
		AccountID:     "acct",
		WholeShares:   true,
	}
}

func TestOrdersRunOnceCreatesThenRemoves(t *testing.T) {
	dataDate := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	source := &fakeSource{
		deliveries: []model.StrategyDelivery{{StrategyID: 1, DeliveryID: 101, DataDate: dataDate}},
		decisions: map[int64][]model.Decision{
			101: {
				{EventType: "CREATE", StrategyID: 1, AssetIDType: "TICKER", AssetID: "AAPL", DataDate: dataDate, Decision: 1},
				{EventType: "CREATE", StrategyID: 1, AssetIDType: "TICKER", AssetID: "MSFT", DataDate: dataDate, Decision: 1},
			},
			102: {
				{EventType: "CREATE", StrategyID: 1, AssetIDType: "TICKER", AssetID: "AAPL", DataDate: dataDate.AddDate(0, 0, 1), Decision: 1},
			},
		},
	}
	broker := &fakeBroker{
		capital: dec("1000"),
		book: model.Book{
			Asks: map[string]decimal.Decimal{"AAPL": dec("10"), "MSFT": dec("20")},
			Bids: map[string]decimal.Decimal{"AAPL": dec("9"), "MSFT": dec("19")},
		},
	}
	store := newFakeStore()
	ldr := newOrdersLoader(store, source, broker, baseOrdersConfig())

	ctx := context.Background()
	if err := ldr.RunOnce(ctx); err != nil {
		t.Fatalf("first cycle failed: %v", err)
	}

	if len(store.tables["orders_latest"]) != 2 {
		t.Fatalf("latest view has %d rows after first cycle, want 2", len(store.tables["orders_latest"]))
	}
	if len(broker.submitted) != 2 {
		t.Fatalf("submitted %d orders, want 2", len(broker.submitted))
	}
	if len(store.tables["orders_control"]) != 1 || len(store.tables["orders_config"]) != 1 {
		t.Fatal("control/config rows missing")
	}
	if len(store.deliveries) != 1 || store.deliveries[0].LastReadDelivery != 101 {
		t.Fatalf("delivery metadata = %+v", store.deliveries)
	}

	// same upstream delivery again: nothing is pending, nothing changes
	before := store.nextDelivery
	if err := ldr.RunOnce(ctx); err != nil {
		t.Fatalf("repeat cycle failed: %v", err)
	}
	if store.nextDelivery != before {
		t.Error("already-read upstream delivery was processed again")
	}

	// new upstream delivery drops MSFT: its latest row is removed
	source.deliveries = []model.StrategyDelivery{{StrategyID: 1, DeliveryID: 102, DataDate: dataDate.AddDate(0, 0, 1)}}
	if err := ldr.RunOnce(ctx); err != nil {
		t.Fatalf("second cycle failed: %v", err)
	}

	if len(store.tables["orders_latest"]) != 1 {
		t.Fatalf("latest view has %d rows after removal, want 1", len(store.tables["orders_latest"]))
	}
	if store.tables["orders_latest"][0][3] != "AAPL" {
		t.Errorf("surviving latest row is %v", store.tables["orders_latest"][0][3])
	}
	if len(store.deleteCalls["orders_latest"]) != 1 {
		t.Errorf("delete called %d times on latest view, want 1", len(store.deleteCalls["orders_latest"]))
	}

	// both cycles resolved the same portfolio id through the config hash
	if len(store.tables["orders_config"]) != 1 {
		t.Errorf("config has %d rows, want 1 (same portfolio)", len(store.tables["orders_config"]))
	}

	// the audit trail keeps both cycles
	if len(store.tables["orders"]) != 3 {
		t.Errorf("audit trail has %d rows, want 3", len(store.tables["orders"]))
	}
}

func TestOrdersDryRunSkipsEverythingExternal(t *testing.T) {
	dataDate := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	source := &fakeSource{
		deliveries: []model.StrategyDelivery{{StrategyID: 1, DeliveryID: 7, DataDate: dataDate}},
		decisions: map[int64][]model.Decision{
			7: {{EventType: "CREATE", StrategyID: 1, AssetIDType: "TICKER", AssetID: "AAPL", DataDate: dataDate, Decision: 1}},
		},
	}
	broker := &fakeBroker{
		capital: dec("1000"),
		book:    model.Book{Asks: map[string]decimal.Decimal{"AAPL": dec("10")}, Bids: map[string]decimal.Decimal{}},
	}
	store := newFakeStore()

	cfg := baseOrdersConfig()
	cfg.DryRun = true
	ldr := newOrdersLoader(store, source, broker, cfg)

	if err := ldr.RunOnce(context.Background()); err != nil {
		t.Fatalf("dry run failed: %v", err)
	}
	if len(broker.submitted) != 0 {
		t.Errorf("dry run submitted %d orders", len(broker.submitted))
	}
	if store.beginCount != 0 {
		t.Error("dry run opened a transaction")
	}
	if len(store.tables["orders"]) != 0 {
		t.Error("dry run persisted rows")
	}
}

func TestOrdersMixedUpstreamDeliveriesSkipCycle(t *testing.T) {
	dataDate := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	source := &fakeSource{
		deliveries: []model.StrategyDelivery{
			{StrategyID: 1, DeliveryID: 7, DataDate: dataDate},
			{StrategyID: 2, DeliveryID: 8, DataDate: dataDate},
		},
	}
	store := newFakeStore()
	ldr := newOrdersLoader(store, source, &fakeBroker{capital: dec("1000")}, baseOrdersConfig())

	if err := ldr.RunOnce(context.Background()); err != nil {
		t.Fatalf("cycle errored instead of skipping: %v", err)
	}
	if store.nextDelivery != 0 {
		t.Error("mixed upstream deliveries were processed")
	}
}

func TestUpsertEventsCollisionFallback(t *testing.T) {
	schema := model.OrdersCatalog()[model.KindOrdersLatest]
	ts := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

	row := func(asset, qty string) []any {
		return []any{int64(1), int64(1), "TICKER", asset, ts, "0.5", "0.5", qty, "100"}
	}
	mkEvent := func(t *testing.T, raw []any) *model.EventLog {
		t.Helper()
		rec, err := schema.FromUpstream(raw)
		if err != nil {
			t.Fatalf("FromUpstream failed: %v", err)
		}
		return &model.EventLog{Type: model.EventCreate, Curr: rec}
	}

	store := newFakeStore()
	tx := &fakeTx{store: store}
	ctx := context.Background()

	// distinct keys: one multi-row statement
	distinct := []*model.EventLog{mkEvent(t, row("AAPL", "1")), mkEvent(t, row("MSFT", "2"))}
	if err := upsertEvents(ctx, tx, schema, distinct); err != nil {
		t.Fatalf("upsertEvents failed: %v", err)
	}
	if got := store.upsertBatches[schema.Table]; len(got) != 1 || got[0] != 2 {
		t.Errorf("distinct batch shape = %v, want [2]", got)
	}

	// repeated key: one statement per row, in order, last write wins
	store = newFakeStore()
	tx = &fakeTx{store: store}
	repeated := []*model.EventLog{mkEvent(t, row("AAPL", "1")), mkEvent(t, row("AAPL", "3"))}
	if err := upsertEvents(ctx, tx, schema, repeated); err != nil {
		t.Fatalf("upsertEvents failed: %v", err)
	}
	if got := store.upsertBatches[schema.Table]; len(got) != 2 || got[0] != 1 || got[1] != 1 {
		t.Errorf("collision batch shape = %v, want [1 1]", got)
	}
	rows := store.tables[schema.Table]
	if len(rows) != 1 {
		t.Fatalf("table has %d rows, want 1", len(rows))
	}
	if qty := rows[0][7].(decimal.Decimal); !qty.Equal(dec("3")) {
		t.Errorf("final quantity = %s, want 3 (second write)", qty)
	}
}

func TestMonitorRunOnceSnapshots(t *testing.T) {
	store := newFakeStore()
	broker := &fakeBroker{
		capital: dec("10000"),
		book: model.Book{
			Asks: map[string]decimal.Decimal{"AAPL": dec("11"), "MSFT": dec("21")},
			Bids: map[string]decimal.Decimal{"AAPL": dec("10"), "MSFT": dec("20")},
		},
		positions: map[string]decimal.Decimal{"AAPL": dec("100"), "MSFT": dec("-10")},
	}

	ldr := NewMonitor(MonitorDeps{
		Store:  store,
		Broker: broker,
		Config: MonitorConfig{StrategyID: 1, PortfolioType: "paper", RebalFreq: "daily", WgtMethod: "equal"},
		Now:    testClock(),
	})
	store.portfolioIDs[ldr.portfolioHash()] = 3

	ctx := context.Background()
	if err := ldr.RunOnce(ctx); err != nil {
		t.Fatalf("monitor cycle failed: %v", err)
	}

	if len(store.tables["position_latest"]) != 2 {
		t.Fatalf("position snapshot has %d rows, want 2", len(store.tables["position_latest"]))
	}
	if len(store.tables["portfolio_latest"]) != 1 {
		t.Fatal("portfolio snapshot missing")
	}

	row := store.tables["portfolio_latest"][0]
	// long 100*10=1000, short -10*21=-210
	if long := row[2].(decimal.Decimal); !long.Equal(dec("1000")) {
		t.Errorf("long notional = %s, want 1000", long)
	}
	if short := row[3].(decimal.Decimal); !short.Equal(dec("-210")) {
		t.Errorf("short notional = %s, want -210", short)
	}
	// first snapshot has no baseline
	if rtn := row[7].(decimal.Decimal); !rtn.IsZero() {
		t.Errorf("first snapshot rtn = %s, want 0", rtn)
	}

	// second snapshot: equity grew 1 percent over the recorded baseline
	broker.capital = dec("10100")
	if err := ldr.RunOnce(ctx); err != nil {
		t.Fatalf("second monitor cycle failed: %v", err)
	}
	row = store.tables["portfolio_latest"][0]
	if rtn := row[7].(decimal.Decimal); !rtn.Equal(dec("0.01")) {
		t.Errorf("rtn = %s, want 0.01", rtn)
	}
	if cum := row[8].(decimal.Decimal); !cum.Equal(dec("0.01")) {
		t.Errorf("cum_rtn = %s, want 0.01", cum)
	}
}

func TestMarketOpenWraparound(t *testing.T) {
	at := func(h, m int) time.Time {
		return time.Date(2026, 3, 2, h, m, 0, 0, time.UTC)
	}
	open, close := 14*time.Hour+30*time.Minute, 21*time.Hour

	if !marketOpen(open, close, at(15, 0)) {
		t.Error("inside plain window reported closed")
	}
	if marketOpen(open, close, at(9, 0)) {
		t.Error("outside plain window reported open")
	}

	// both bounds are inclusive
	if !marketOpen(open, close, at(14, 30)) || !marketOpen(open, close, at(21, 0)) {
		t.Error("window bound reported closed")
	}
	if marketOpen(open, close, at(21, 1)) {
		t.Error("past close reported open")
	}

	// overnight window wraps midnight
	open, close = 22*time.Hour, 2*time.Hour
	if !marketOpen(open, close, at(23, 0)) || !marketOpen(open, close, at(1, 0)) {
		t.Error("inside wrapped window reported closed")
	}
	if marketOpen(open, close, at(12, 0)) {
		t.Error("outside wrapped window reported open")
	}
}

func TestPollStopsOnCycleError(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	err := Poll(context.Background(), 0, 0, func(context.Context) error {
		calls++
		if calls == 2 {
			return boom
		}
		return nil
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if calls != 2 {
		t.Errorf("fn called %d times, want 2", calls)
	}
}

func TestPollHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Poll(ctx, time.Hour, time.Hour, func(context.Context) error {
		calls++
		cancel()
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("fn called %d times, want 1", calls)
	}
}
