package service

import (
	"fmt"
	"sort"

	"paperengine/internal/domain/model"
)

// Events is the outcome of reconciling one entity kind for one delivery.
type Events struct {
	Create []*model.EventLog
	Amend  []*model.EventLog
	Remove []*model.EventLog
}

// Count returns per-event-type counts, omitting empty buckets.
func (e Events) Count() map[model.EventType]int {
	res := make(map[model.EventType]int, 3)
	if len(e.Create) > 0 {
		res[model.EventCreate] = len(e.Create)
	}
	if len(e.Amend) > 0 {
		res[model.EventAmend] = len(e.Amend)
	}
	if len(e.Remove) > 0 {
		res[model.EventRemove] = len(e.Remove)
	}
	return res
}

// ReserveEventIDs hands out a block of n event ids from the entity kind's
// sequence. Blocks are reserved eagerly but consumed on demand; unused ids
// are accepted as gaps, never reused.
type ReserveEventIDs func(n int) ([]int64, error)

// Reconcile diffs this cycle's observed records against the persisted
// prior state of one entity kind and produces the minimal CREATE/AMEND/
// REMOVE event set.
//
// The baseline map is owned by this function: prev is copied, mutated as
// events are emitted, and discarded. A key appearing twice in curr with
// different content therefore yields two chained AMENDs, the second one
// against the first's just-emitted state. Repeats with identical content
// emit nothing. Keys present in the baseline but absent from curr are
// removed by key-set difference, regardless of value.
func Reconcile(
	schema *model.Schema,
	deliveryID int64,
	curr []*model.Record,
	prev map[model.KeyID]*model.Record,
	reserve ReserveEventIDs,
) (Events, error) {
	var events Events

	baseline := make(map[model.KeyID]*model.Record, len(prev)+len(curr))
	for k, v := range prev {
		baseline[k] = v
	}

	ids, err := reserve(len(curr))
	if err != nil {
		return Events{}, fmt.Errorf("reserve event ids: %w", err)
	}
	next := cursor(ids)

	seen := make(map[model.KeyID]struct{}, len(curr))
	for _, item := range curr {
		key := item.KeyID()
		seen[key] = struct{}{}

		base, ok := baseline[key]
		if ok && item.Hash() == base.Hash() {
			continue
		}

		item.SetIDs(next(), deliveryID)
		if ok {
			events.Amend = append(events.Amend, &model.EventLog{Type: model.EventAmend, Curr: item, Prev: base})
		} else {
			events.Create = append(events.Create, &model.EventLog{Type: model.EventCreate, Curr: item})
		}
		baseline[key] = item
	}

	removed := make([]model.KeyID, 0)
	for key := range baseline {
		if _, ok := seen[key]; !ok {
			removed = append(removed, key)
		}
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i] < removed[j] })

	ids, err = reserve(len(removed))
	if err != nil {
		return Events{}, fmt.Errorf("reserve event ids: %w", err)
	}
	next = cursor(ids)

	for _, key := range removed {
		base := baseline[key]
		tombstone, err := schema.Tombstone(next(), deliveryID, base.KeyTuple())
		if err != nil {
			return Events{}, fmt.Errorf("tombstone %s: %w", schema.Kind, err)
		}
		events.Remove = append(events.Remove, &model.EventLog{Type: model.EventRemove, Curr: tombstone, Prev: base})
	}

	return events, nil
}

func cursor(ids []int64) func() int64 {
	i := 0
	return func() int64 {
		id := ids[i]
		i++
		return id
	}
}
