package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// KeyID is the comparable form of a record's natural key, used as map key
// during reconciliation.
type KeyID string

// Record is one observed row of one entity kind. Value fields identify and
// describe the row; the event/delivery identifiers are assigned lazily at
// diff time and never participate in equality.
type Record struct {
	schema *Schema
	vals   []any // normalized, one per schema field

	eventID    int64
	deliveryID int64
}

// FromUpstream parses a loosely typed upstream row. Absent optional fields
// become NULL; anything else malformed is an error.
func (s *Schema) FromUpstream(row []any) (*Record, error) {
	if len(row) != len(s.Fields) {
		return nil, fmt.Errorf("%s: upstream row has %d values, want %d", s.Kind, len(row), len(s.Fields))
	}
	vals := make([]any, len(s.Fields))
	for i, f := range s.Fields {
		if row[i] == nil {
			if !f.Optional {
				return nil, fmt.Errorf("%s: field %s is null", s.Kind, f.Name)
			}
			continue
		}
		v, err := parseValue(f.Type, row[i])
		if err != nil {
			return nil, fmt.Errorf("%s: field %s: %w", s.Kind, f.Name, err)
		}
		vals[i] = v
	}
	return &Record{schema: s, vals: vals}, nil
}

// FromPersisted parses a row read back from the store: value fields,
// fingerprint, event id, delivery id. The stored fingerprint is discarded;
// it is recomputed on demand, never trusted, which guards against silent
// corruption of the persisted row.
func (s *Schema) FromPersisted(row []any) (*Record, error) {
	if len(row) != len(s.Fields)+3 {
		return nil, fmt.Errorf("%s: persisted row has %d values, want %d", s.Kind, len(row), len(s.Fields)+3)
	}
	rec, err := s.FromUpstream(row[:len(s.Fields)])
	if err != nil {
		return nil, err
	}
	_ = row[len(s.Fields)] // hash, recomputed
	if v := row[len(s.Fields)+1]; v != nil {
		if rec.eventID, err = parseInt(v); err != nil {
			return nil, fmt.Errorf("%s: event_id: %w", s.Kind, err)
		}
	}
	if v := row[len(s.Fields)+2]; v != nil {
		if rec.deliveryID, err = parseInt(v); err != nil {
			return nil, fmt.Errorf("%s: delivery_id: %w", s.Kind, err)
		}
	}
	return rec, nil
}

// Tombstone builds a record carrying only key fields, used as the current
// side of a REMOVE event.
func (s *Schema) Tombstone(eventID, deliveryID int64, key []any) (*Record, error) {
	if len(key) != len(s.KeyIdx) {
		return nil, fmt.Errorf("%s: key has %d values, want %d", s.Kind, len(key), len(s.KeyIdx))
	}
	vals := make([]any, len(s.Fields))
	for i, idx := range s.KeyIdx {
		v, err := parseValue(s.Fields[idx].Type, key[i])
		if err != nil {
			return nil, fmt.Errorf("%s: key field %s: %w", s.Kind, s.Fields[idx].Name, err)
		}
		vals[idx] = v
	}
	return &Record{schema: s, vals: vals, eventID: eventID, deliveryID: deliveryID}, nil
}

// KeysOf projects raw upstream rows to their key tuples without a full
// parse, to scope the prior-state query to the keys in this delivery.
func (s *Schema) KeysOf(rows [][]any) ([][]any, error) {
	keys := make([][]any, 0, len(rows))
	for _, row := range rows {
		if len(row) != len(s.Fields) {
			return nil, fmt.Errorf("%s: upstream row has %d values, want %d", s.Kind, len(row), len(s.Fields))
		}
		key := make([]any, len(s.KeyIdx))
		for i, idx := range s.KeyIdx {
			v, err := parseValue(s.Fields[idx].Type, row[idx])
			if err != nil {
				return nil, fmt.Errorf("%s: key field %s: %w", s.Kind, s.Fields[idx].Name, err)
			}
			key[i] = v
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func (r *Record) Schema() *Schema { return r.schema }

// KeyTuple returns the typed key values in key order.
func (r *Record) KeyTuple() []any {
	key := make([]any, len(r.schema.KeyIdx))
	for i, idx := range r.schema.KeyIdx {
		key[i] = r.vals[idx]
	}
	return key
}

// KeyID returns the comparable key form.
func (r *Record) KeyID() KeyID {
	parts := make([]string, len(r.schema.KeyIdx))
	for i, idx := range r.schema.KeyIdx {
		parts[i] = canonValue(r.vals[idx])
	}
	return KeyID(strings.Join(parts, "\x1f"))
}

// FieldStrings returns the canonical string per value field; the input to
// both the fingerprint and the change mask.
func (r *Record) FieldStrings() []string {
	out := make([]string, len(r.vals))
	for i, v := range r.vals {
		out[i] = canonValue(v)
	}
	return out
}

// Hash is the content fingerprint: sha256 over the value fields only.
func (r *Record) Hash() string {
	sum := sha256.Sum256([]byte(strings.Join(r.FieldStrings(), ", ")))
	return hex.EncodeToString(sum[:])
}

// Tuple returns the full persisted row: value fields, fingerprint,
// event id, delivery id.
func (r *Record) Tuple() []any {
	out := make([]any, 0, len(r.vals)+3)
	out = append(out, r.vals...)
	return append(out, r.Hash(), r.eventID, r.deliveryID)
}

// Value returns one named value field, nil when unset.
func (r *Record) Value(name string) any {
	for i, f := range r.schema.Fields {
		if f.Name == name {
			return r.vals[i]
		}
	}
	return nil
}

func (r *Record) EventID() int64    { return r.eventID }
func (r *Record) DeliveryID() int64 { return r.deliveryID }

// SetIDs assigns the persistence identifiers at diff time.
func (r *Record) SetIDs(eventID, deliveryID int64) {
	r.eventID = eventID
	r.deliveryID = deliveryID
}
