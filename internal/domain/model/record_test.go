package model

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func testSchema(t *testing.T) *Schema {
	t.Helper()
	s := &Schema{
		Kind:     Kind("widget"),
		Table:    "widget",
		LogTable: "widget_event_log",
		Fields: []Field{
			{Name: "portfolio_id", Type: FieldInt},
			{Name: "asset_id", Type: FieldString},
			{Name: "ts", Type: FieldTime},
			{Name: "quantity", Type: FieldDecimal, Optional: true},
			{Name: "notional", Type: FieldDecimal, Optional: true},
		},
		KeyIdx: []int{0, 1},
	}
	if err := s.validate(); err != nil {
		t.Fatalf("test schema invalid: %v", err)
	}
	return s
}

func TestHashStableAcrossConstruction(t *testing.T) {
	s := testSchema(t)
	ts := time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)

	upstream, err := s.FromUpstream([]any{int64(7), "AAPL", ts, decimal.NewFromFloat(1.5), decimal.NewFromInt(300)})
	if err != nil {
		t.Fatalf("FromUpstream failed: %v", err)
	}

	// same content, loosely typed, trailing zeros, shifted zone
	loc := time.FixedZone("X", -5*3600)
	persisted, err := s.FromPersisted([]any{"7", []byte("AAPL"), ts.In(loc), "1.500", "300.00", "ignored-hash", int64(42), int64(9)})
	if err != nil {
		t.Fatalf("FromPersisted failed: %v", err)
	}

	if upstream.Hash() != persisted.Hash() {
		t.Errorf("hashes differ:\n  upstream:  %s\n  persisted: %s", upstream.Hash(), persisted.Hash())
	}
	if upstream.KeyID() != persisted.KeyID() {
		t.Errorf("key ids differ: %q vs %q", upstream.KeyID(), persisted.KeyID())
	}
	if persisted.EventID() != 42 || persisted.DeliveryID() != 9 {
		t.Errorf("ids not carried: event=%d delivery=%d", persisted.EventID(), persisted.DeliveryID())
	}
}

func TestHashIgnoresIdentifiers(t *testing.T) {
	s := testSchema(t)
	ts := time.Now().UTC()

	a, err := s.FromUpstream([]any{int64(1), "MSFT", ts, "10", "100"})
	if err != nil {
		t.Fatalf("FromUpstream failed: %v", err)
	}
	b, err := s.FromUpstream([]any{int64(1), "MSFT", ts, "10", "100"})
	if err != nil {
		t.Fatalf("FromUpstream failed: %v", err)
	}
	b.SetIDs(99, 12)

	if a.Hash() != b.Hash() {
		t.Error("assigning ids changed the hash")
	}
}

func TestFromUpstreamNullHandling(t *testing.T) {
	s := testSchema(t)
	ts := time.Now().UTC()

	rec, err := s.FromUpstream([]any{int64(1), "MSFT", ts, nil, nil})
	if err != nil {
		t.Fatalf("optional nulls rejected: %v", err)
	}
	if rec.Value("quantity") != nil {
		t.Error("null quantity not nil")
	}

	if _, err := s.FromUpstream([]any{nil, "MSFT", ts, "1", "1"}); err == nil {
		t.Error("null required field accepted")
	}
	if _, err := s.FromUpstream([]any{int64(1), "MSFT", ts, "1"}); err == nil {
		t.Error("short row accepted")
	}
}

func TestTombstoneKeyOnly(t *testing.T) {
	s := testSchema(t)

	tomb, err := s.Tombstone(5, 2, []any{int64(7), "AAPL"})
	if err != nil {
		t.Fatalf("Tombstone failed: %v", err)
	}
	if tomb.Value("asset_id") != "AAPL" || tomb.Value("portfolio_id") != int64(7) {
		t.Error("tombstone key fields wrong")
	}
	if tomb.Value("quantity") != nil {
		t.Error("tombstone carries non-key value")
	}
	if tomb.EventID() != 5 || tomb.DeliveryID() != 2 {
		t.Errorf("tombstone ids wrong: %d/%d", tomb.EventID(), tomb.DeliveryID())
	}
}

func TestCanonDecimal(t *testing.T) {
	cases := []struct{ in, want string }{
		{"1.50", "1.5"},
		{"1.500000", "1.5"},
		{"100", "100"},
		{"0.000", "0"},
		{"-0.0", "0"},
		{"-2.30", "-2.3"},
	}
	for _, c := range cases {
		d, err := decimal.NewFromString(c.in)
		if err != nil {
			t.Fatalf("bad case %q: %v", c.in, err)
		}
		if got := canonDecimal(d); got != c.want {
			t.Errorf("canonDecimal(%s) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestCatalogsValid(t *testing.T) {
	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("catalog construction panicked: %v", r)
		}
	}()
	if got := len(OrdersCatalog()); got != 4 {
		t.Errorf("orders catalog has %d kinds, want 4", got)
	}
	if got := len(MonitorCatalog()); got != 5 {
		t.Errorf("monitor catalog has %d kinds, want 5", got)
	}
}
