package model

import (
	"strings"
)

// EventLog wraps one state transition of one entity kind.
type EventLog struct {
	Type EventType
	Curr *Record
	Prev *Record // nil for CREATE
}

// Mask is the per-field change bitstring: one bit per value field, "1"
// where curr and prev differ. All ones for CREATE/REMOVE/RECREATE, all
// zeros for POINTLESS_AMEND.
func (e *EventLog) Mask() string {
	n := len(e.Curr.schema.Fields)
	switch {
	case e.Type == EventPointlessAmend:
		return strings.Repeat("0", n)
	case e.Prev == nil || e.Type != EventAmend:
		return strings.Repeat("1", n)
	}

	curr := e.Curr.FieldStrings()
	prev := e.Prev.FieldStrings()
	var b strings.Builder
	b.Grow(n)
	for i := range curr {
		if curr[i] != prev[i] {
			b.WriteByte('1')
		} else {
			b.WriteByte('0')
		}
	}
	return b.String()
}

// Record returns the append-only log row: event type, current tuple,
// previous tuple (all nulls when absent) and the mask.
func (e *EventLog) Record() []any {
	curr := e.Curr.Tuple()
	prev := make([]any, len(curr))
	if e.Prev != nil {
		prev = e.Prev.Tuple()
	}

	row := make([]any, 0, 2*len(curr)+2)
	row = append(row, string(e.Type))
	row = append(row, curr...)
	row = append(row, prev...)
	return append(row, e.Mask())
}

// Topic is the hierarchical routing key for external notification:
// <kind>.<event type>.<key part>...
func (e *EventLog) Topic() string {
	parts := make([]string, 0, 2+len(e.Curr.schema.KeyIdx))
	parts = append(parts, string(e.Curr.schema.Kind), string(e.Type))
	for _, idx := range e.Curr.schema.KeyIdx {
		parts = append(parts, canonValue(e.Curr.vals[idx]))
	}
	return strings.Join(parts, ".")
}

// Message is the structured notification payload. CREATE and REMOVE carry
// one state; AMEND carries both, fields double-prefixed curr_/prev_.
func (e *EventLog) Message() map[string]any {
	msg := map[string]any{
		"v":          1,
		"event_type": string(e.Type),
	}

	switch e.Type {
	case EventCreate:
		e.fill(msg, "", e.Curr, false)
	case EventAmend:
		e.fill(msg, "curr_", e.Curr, false)
		e.fill(msg, "prev_", e.Prev, false)
	case EventRemove:
		e.fill(msg, "", e.Curr, true)
	}
	return msg
}

func (e *EventLog) fill(msg map[string]any, prefix string, r *Record, keyOnly bool) {
	if keyOnly {
		for _, idx := range r.schema.KeyIdx {
			msg[prefix+r.schema.Fields[idx].Name] = r.vals[idx]
		}
	} else {
		for i, f := range r.schema.Fields {
			msg[prefix+f.Name] = r.vals[i]
		}
		msg[prefix+"hash"] = r.Hash()
	}
	msg[prefix+"event_id"] = r.eventID
	msg[prefix+"delivery_id"] = r.deliveryID
}
