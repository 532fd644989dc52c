package loader

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"paperengine/internal/application/port"
	"paperengine/internal/domain/model"
	"paperengine/internal/domain/service"
)

// Delivery collects the reconciliation outcome of one polling cycle,
// keyed by entity kind. Built fresh each cycle, discarded after commit or
// rollback; nothing survives a failed cycle.
type Delivery map[model.Kind]service.Events

// processEntity diffs one entity kind's freshly observed rows against its
// persisted prior state. For LoadFull kinds the whole table is the prior
// state; otherwise only the keys present in this delivery are loaded.
func processEntity(ctx context.Context, store port.Store, schema *model.Schema, deliveryID int64, rows [][]any) (service.Events, error) {
	var (
		prevRows [][]any
		err      error
	)
	if schema.LoadFull {
		prevRows, err = store.LoadFullState(ctx, schema)
	} else {
		var keys [][]any
		if keys, err = schema.KeysOf(rows); err != nil {
			return service.Events{}, err
		}
		if len(keys) > 0 {
			prevRows, err = store.LoadState(ctx, schema, keys)
		}
	}
	if err != nil {
		return service.Events{}, fmt.Errorf("load %s state: %w", schema.Kind, err)
	}

	prev := make(map[model.KeyID]*model.Record, len(prevRows))
	for _, row := range prevRows {
		rec, err := schema.FromPersisted(row)
		if err != nil {
			return service.Events{}, fmt.Errorf("parse persisted %s: %w", schema.Kind, err)
		}
		prev[rec.KeyID()] = rec
	}

	curr := make([]*model.Record, 0, len(rows))
	for _, row := range rows {
		rec, err := schema.FromUpstream(row)
		if err != nil {
			return service.Events{}, fmt.Errorf("parse upstream %s: %w", schema.Kind, err)
		}
		curr = append(curr, rec)
	}

	reserve := func(n int) ([]int64, error) {
		if n == 0 {
			return nil, nil
		}
		return store.NextEventIDs(ctx, schema, n)
	}
	return service.Reconcile(schema, deliveryID, curr, prev, reserve)
}

// persistDelivery applies every entity kind's events plus the delivery
// metadata row in a single transaction.
func persistDelivery(ctx context.Context, store port.Store, catalog model.Catalog, delivery Delivery, meta model.DeliveryMeta) error {
	tx, err := store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin delivery %d: %w", meta.DeliveryID, err)
	}

	for _, kind := range sortedKinds(delivery) {
		if err := persistEntity(ctx, tx, catalog[kind], delivery[kind]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("persist %s: %w", kind, err)
		}
	}
	if err := tx.PersistDelivery(ctx, meta); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("persist delivery %d metadata: %w", meta.DeliveryID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delivery %d: %w", meta.DeliveryID, err)
	}
	return nil
}

func persistEntity(ctx context.Context, tx port.Tx, schema *model.Schema, events service.Events) error {
	if err := appendLogs(ctx, tx, schema, events.Create); err != nil {
		return err
	}
	if err := upsertEvents(ctx, tx, schema, events.Create); err != nil {
		return err
	}

	if err := appendLogs(ctx, tx, schema, events.Amend); err != nil {
		return err
	}
	if err := upsertEvents(ctx, tx, schema, events.Amend); err != nil {
		return err
	}

	if err := appendLogs(ctx, tx, schema, events.Remove); err != nil {
		return err
	}
	if len(events.Remove) > 0 {
		keys := make([][]any, len(events.Remove))
		for i, e := range events.Remove {
			keys[i] = e.Curr.KeyTuple()
		}
		if err := tx.Delete(ctx, schema, keys); err != nil {
			return err
		}
	}
	return nil
}

func appendLogs(ctx context.Context, tx port.Tx, schema *model.Schema, events []*model.EventLog) error {
	if len(events) == 0 {
		return nil
	}
	rows := make([][]any, len(events))
	for i, e := range events {
		rows[i] = e.Record()
	}
	return tx.AppendLog(ctx, schema, rows)
}

// upsertEvents issues one multi-row upsert when every key in the batch is
// distinct. A single "insert ... on conflict" statement cannot touch the
// same conflict key twice, so repeated keys fall back to one statement per
// row, in original order.
func upsertEvents(ctx context.Context, tx port.Tx, schema *model.Schema, events []*model.EventLog) error {
	if len(events) == 0 {
		return nil
	}

	seen := make(map[model.KeyID]struct{}, len(events))
	distinct := true
	for _, e := range events {
		if _, dup := seen[e.Curr.KeyID()]; dup {
			distinct = false
			break
		}
		seen[e.Curr.KeyID()] = struct{}{}
	}

	if distinct {
		rows := make([][]any, len(events))
		for i, e := range events {
			rows[i] = e.Curr.Tuple()
		}
		return tx.Upsert(ctx, schema, rows)
	}
	for _, e := range events {
		if err := tx.Upsert(ctx, schema, [][]any{e.Curr.Tuple()}); err != nil {
			return err
		}
	}
	return nil
}

// summarize renders the nested {kind: {event type: count}} summary.
func summarize(delivery Delivery) string {
	summary := make(map[model.Kind]map[model.EventType]int)
	for kind, events := range delivery {
		if counts := events.Count(); len(counts) > 0 {
			summary[kind] = counts
		}
	}
	b, _ := json.Marshal(summary)
	return string(b)
}

// publishDelivery pushes every event to the notification channel, best
// effort, after the transaction has committed.
func publishDelivery(ctx context.Context, pub port.Publisher, delivery Delivery) {
	if pub == nil {
		return
	}
	for _, kind := range sortedKinds(delivery) {
		events := delivery[kind]
		for _, batch := range [][]*model.EventLog{events.Create, events.Amend, events.Remove} {
			for _, e := range batch {
				if err := pub.Publish(ctx, e.Topic(), e.Message()); err != nil {
					log.Warn().Err(err).Str("topic", e.Topic()).Msg("publish failed")
				}
			}
		}
	}
}

func sortedKinds(delivery Delivery) []model.Kind {
	kinds := make([]model.Kind, 0, len(delivery))
	for kind := range delivery {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

func logDelivery(deliveryID int64, delivery Delivery, start time.Time) {
	for _, kind := range sortedKinds(delivery) {
		events := delivery[kind]
		log.Info().
			Int64("delivery", deliveryID).
			Str("entity", string(kind)).
			Int("create", len(events.Create)).
			Int("amend", len(events.Amend)).
			Int("remove", len(events.Remove)).
			Msg("entity processed")
	}
	log.Info().
		Int64("delivery", deliveryID).
		Dur("runtime", time.Since(start)).
		Msg("delivery processed")
}
