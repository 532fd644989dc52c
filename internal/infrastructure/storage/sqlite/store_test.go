package sqlite

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"paperengine/internal/domain/model"
)

func openTestStore(t *testing.T, path string) *Store {
	t.Helper()
	store, err := New(path, "orders", model.OrdersCatalog())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
		os.Remove(path)
	})
	return store
}

func TestSequencesAdvance(t *testing.T) {
	store := openTestStore(t, "test_seq.db")
	ctx := context.Background()
	schema := model.OrdersCatalog()[model.KindOrders]

	first, err := store.NextEventIDs(ctx, schema, 3)
	if err != nil {
		t.Fatalf("NextEventIDs failed: %v", err)
	}
	second, err := store.NextEventIDs(ctx, schema, 2)
	if err != nil {
		t.Fatalf("NextEventIDs failed: %v", err)
	}
	if len(first) != 3 || first[0] != 1 || first[2] != 3 {
		t.Errorf("first block = %v", first)
	}
	if len(second) != 2 || second[0] != 4 {
		t.Errorf("second block = %v, want to start at 4", second)
	}

	d1, _ := store.NextDeliveryID(ctx)
	d2, _ := store.NextDeliveryID(ctx)
	if d1 != 1 || d2 != 2 {
		t.Errorf("delivery ids = %d, %d", d1, d2)
	}
}

func TestUpsertLoadRoundtrip(t *testing.T) {
	store := openTestStore(t, "test_roundtrip.db")
	ctx := context.Background()
	schema := model.OrdersCatalog()[model.KindOrdersLatest]
	ts := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

	rec, err := schema.FromUpstream([]any{int64(1), int64(1), "TICKER", "AAPL", ts, "0.5", "0.5", "10", "100"})
	if err != nil {
		t.Fatalf("FromUpstream failed: %v", err)
	}
	rec.SetIDs(7, 2)

	tx, err := store.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if err := tx.Upsert(ctx, schema, [][]any{rec.Tuple()}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	rows, err := store.LoadFullState(ctx, schema)
	if err != nil {
		t.Fatalf("LoadFullState failed: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rows))
	}
	back, err := schema.FromPersisted(rows[0])
	if err != nil {
		t.Fatalf("FromPersisted failed: %v", err)
	}
	if back.Hash() != rec.Hash() {
		t.Errorf("hash changed across persistence:\n  before %s\n  after  %s", rec.Hash(), back.Hash())
	}
	if back.EventID() != 7 || back.DeliveryID() != 2 {
		t.Errorf("ids = %d/%d, want 7/2", back.EventID(), back.DeliveryID())
	}
	if got := back.Value("order_ts").(time.Time); !got.Equal(ts) {
		t.Errorf("order_ts = %v, want %v", got, ts)
	}
}

func TestUpsertReplacesOnKeyConflict(t *testing.T) {
	store := openTestStore(t, "test_conflict.db")
	ctx := context.Background()
	schema := model.OrdersCatalog()[model.KindOrdersLatest]
	ts := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

	write := func(qty string) {
		rec, err := schema.FromUpstream([]any{int64(1), int64(1), "TICKER", "AAPL", ts, "0.5", "0.5", qty, "100"})
		if err != nil {
			t.Fatalf("FromUpstream failed: %v", err)
		}
		tx, err := store.Begin(ctx)
		if err != nil {
			t.Fatalf("Begin failed: %v", err)
		}
		if err := tx.Upsert(ctx, schema, [][]any{rec.Tuple()}); err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatalf("Commit failed: %v", err)
		}
	}
	write("10")
	write("12")

	rows, err := store.LoadState(ctx, schema, [][]any{{int64(1), "AAPL"}})
	if err != nil {
		t.Fatalf("LoadState failed: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rows))
	}
	back, err := schema.FromPersisted(rows[0])
	if err != nil {
		t.Fatalf("FromPersisted failed: %v", err)
	}
	if qty := back.Value("quantity").(decimal.Decimal); !qty.Equal(decimal.NewFromInt(12)) {
		t.Errorf("quantity = %s, want 12", qty)
	}
}

func TestDeleteByKey(t *testing.T) {
	store := openTestStore(t, "test_delete.db")
	ctx := context.Background()
	schema := model.OrdersCatalog()[model.KindOrdersLatest]
	ts := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

	tx, _ := store.Begin(ctx)
	for _, asset := range []string{"AAPL", "MSFT"} {
		rec, err := schema.FromUpstream([]any{int64(1), int64(1), "TICKER", asset, ts, nil, nil, "1", "10"})
		if err != nil {
			t.Fatalf("FromUpstream failed: %v", err)
		}
		if err := tx.Upsert(ctx, schema, [][]any{rec.Tuple()}); err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
	}
	if err := tx.Delete(ctx, schema, [][]any{{int64(1), "MSFT"}}); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	rows, err := store.LoadFullState(ctx, schema)
	if err != nil {
		t.Fatalf("LoadFullState failed: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d rows after delete, want 1", len(rows))
	}
}

func TestPortfolioIDByHash(t *testing.T) {
	store := openTestStore(t, "test_hash.db")
	ctx := context.Background()
	schema := model.OrdersCatalog()[model.KindOrdersConfig]

	if _, ok, err := store.PortfolioIDByHash(ctx, "deadbeef"); err != nil || ok {
		t.Fatalf("unknown hash: ok=%v err=%v", ok, err)
	}

	rec, err := schema.FromUpstream([]any{int64(5), int64(1), "PAPER", "DAILY", "false", "EQUAL", "deadbeef", "acct"})
	if err != nil {
		t.Fatalf("FromUpstream failed: %v", err)
	}
	tx, _ := store.Begin(ctx)
	if err := tx.Upsert(ctx, schema, [][]any{rec.Tuple()}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	id, ok, err := store.PortfolioIDByHash(ctx, "deadbeef")
	if err != nil || !ok {
		t.Fatalf("known hash: ok=%v err=%v", ok, err)
	}
	if id != 5 {
		t.Errorf("portfolio id = %d, want 5", id)
	}
}

func TestPersistDelivery(t *testing.T) {
	store := openTestStore(t, "test_delivery.db")
	ctx := context.Background()

	tx, _ := store.Begin(ctx)
	meta := model.DeliveryMeta{
		DeliveryID:       1,
		LastReadDelivery: 99,
		RowCreation:      time.Now().UTC(),
		Runtime:          1500 * time.Millisecond,
		Summary:          `{"orders":{"CREATE":2}}`,
	}
	if err := tx.PersistDelivery(ctx, meta); err != nil {
		t.Fatalf("PersistDelivery failed: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	var runtime int64
	var summary string
	err := store.db.QueryRow("SELECT runtime_ms, summary FROM delivery_orders WHERE delivery_id = 1").
		Scan(&runtime, &summary)
	if err != nil {
		t.Fatalf("read delivery row failed: %v", err)
	}
	if runtime != 1500 || summary != meta.Summary {
		t.Errorf("delivery row = %d %q", runtime, summary)
	}
}
