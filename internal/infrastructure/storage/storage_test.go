package storage

import (
	"strings"
	"testing"

	"paperengine/internal/domain/model"
)

func builderSchema() *model.Schema {
	return &model.Schema{
		Kind:     model.Kind("holding"),
		Table:    "holding",
		LogTable: "holding_event_log",
		Fields: []model.Field{
			{Name: "portfolio_id", Type: model.FieldInt},
			{Name: "asset_id", Type: model.FieldString},
			{Name: "quantity", Type: model.FieldDecimal, Optional: true},
		},
		KeyIdx: []int{0, 1},
	}
}

func TestBuildLoadState(t *testing.T) {
	got := BuildLoadState(builderSchema(), Dollar, 2)
	want := "SELECT portfolio_id, asset_id, quantity, hash, event_id, delivery_id FROM holding" +
		" WHERE (portfolio_id, asset_id) IN (($1, $2), ($3, $4))"
	if got != want {
		t.Errorf("BuildLoadState:\n  got  %s\n  want %s", got, want)
	}
}

func TestBuildUpsert(t *testing.T) {
	got := BuildUpsert(builderSchema(), Question, 2)
	want := "INSERT INTO holding (portfolio_id, asset_id, quantity, hash, event_id, delivery_id)" +
		" VALUES (?, ?, ?, ?, ?, ?), (?, ?, ?, ?, ?, ?)" +
		" ON CONFLICT (portfolio_id, asset_id) DO UPDATE SET" +
		" quantity = excluded.quantity, hash = excluded.hash," +
		" event_id = excluded.event_id, delivery_id = excluded.delivery_id"
	if got != want {
		t.Errorf("BuildUpsert:\n  got  %s\n  want %s", got, want)
	}
}

func TestBuildInsertLogWidth(t *testing.T) {
	s := builderSchema()
	got := BuildInsertLog(s, Dollar, 1)
	// event_type + 2*(3 fields + hash/event_id/delivery_id) + mask
	if want := 1 + 2*6 + 1; strings.Count(got, "$") != want {
		t.Errorf("log insert binds %d values, want %d:\n%s", strings.Count(got, "$"), want, got)
	}
	if !strings.Contains(got, "curr_quantity") || !strings.Contains(got, "prev_quantity") {
		t.Errorf("log insert missing prefixed columns:\n%s", got)
	}
}

func TestBuildDelete(t *testing.T) {
	got := BuildDelete(builderSchema(), Dollar, 1)
	want := "DELETE FROM holding WHERE (portfolio_id, asset_id) IN (($1, $2))"
	if got != want {
		t.Errorf("BuildDelete:\n  got  %s\n  want %s", got, want)
	}
}

func TestFlatten(t *testing.T) {
	args := Flatten([][]any{{1, "a"}, {2, "b"}})
	if len(args) != 4 || args[0] != 1 || args[3] != "b" {
		t.Errorf("Flatten = %v", args)
	}
	if Flatten(nil) != nil {
		t.Error("Flatten(nil) not nil")
	}
}
