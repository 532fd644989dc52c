package model

import "fmt"

// Kind identifies one reconciled table family.
type Kind string

const (
	KindOrders        Kind = "orders"
	KindOrdersLatest  Kind = "orders_latest"
	KindOrdersControl Kind = "orders_control"
	KindOrdersConfig  Kind = "orders_config"

	KindPortfolio        Kind = "portfolio"
	KindPortfolioLatest  Kind = "portfolio_latest"
	KindPortfolioControl Kind = "portfolio_control"
	KindPosition         Kind = "position"
	KindPositionLatest   Kind = "position_latest"
)

// FieldType is the wire type of one value field.
type FieldType int

const (
	FieldInt FieldType = iota
	FieldString
	FieldTime
	FieldDecimal
)

// Field describes one value column of an entity kind.
type Field struct {
	Name     string
	Type     FieldType
	Optional bool // absent upstream values become NULL
}

// Schema is the data contract of one entity kind: its table names, its
// ordered value fields and which of them form the natural key. One generic
// record/diff/persistence engine consumes these instead of one handwritten
// type per kind.
type Schema struct {
	Kind     Kind
	Table    string
	LogTable string
	Fields   []Field
	KeyIdx   []int // indexes into Fields, key order

	// LoadFull marks kinds holding one row per logical subject regardless
	// of delivery history. Membership itself can change between cycles, so
	// prior state is always the whole table, never a key subset.
	LoadFull bool
}

// Columns returns the persisted row columns: value fields plus the
// fingerprint and persistence identifiers.
func (s *Schema) Columns() []string {
	cols := make([]string, 0, len(s.Fields)+3)
	for _, f := range s.Fields {
		cols = append(cols, f.Name)
	}
	return append(cols, "hash", "event_id", "delivery_id")
}

// KeyColumns returns the natural key column names in key order.
func (s *Schema) KeyColumns() []string {
	cols := make([]string, len(s.KeyIdx))
	for i, idx := range s.KeyIdx {
		cols[i] = s.Fields[idx].Name
	}
	return cols
}

// LogColumns returns the append-only event log row columns: event type,
// current tuple, previous tuple and the change mask.
func (s *Schema) LogColumns() []string {
	cols := make([]string, 0, 2*(len(s.Fields)+3)+2)
	cols = append(cols, "event_type")
	for _, c := range s.Columns() {
		cols = append(cols, "curr_"+c)
	}
	for _, c := range s.Columns() {
		cols = append(cols, "prev_"+c)
	}
	return append(cols, "mask")
}

func (s *Schema) validate() error {
	if len(s.Fields) == 0 {
		return fmt.Errorf("schema %s: no fields", s.Kind)
	}
	if len(s.KeyIdx) == 0 {
		return fmt.Errorf("schema %s: no key", s.Kind)
	}
	for _, idx := range s.KeyIdx {
		if idx < 0 || idx >= len(s.Fields) {
			return fmt.Errorf("schema %s: key index %d out of range", s.Kind, idx)
		}
		if s.Fields[idx].Optional {
			return fmt.Errorf("schema %s: key field %s cannot be optional", s.Kind, s.Fields[idx].Name)
		}
	}
	return nil
}
