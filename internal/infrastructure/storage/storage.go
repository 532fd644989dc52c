// Package storage holds the SQL shared by the relational store
// implementations. Statements are generated from the entity schemas and
// parameterized over the driver's bind marker style, so postgres and
// sqlite run the same shapes.
package storage

import (
	"database/sql"
	"strconv"
	"strings"

	"paperengine/internal/domain/model"
)

// Placeholder renders the bind marker for the 1-based position i.
type Placeholder func(i int) string

func Dollar(i int) string { return "$" + strconv.Itoa(i) }

func Question(int) string { return "?" }

// BuildLoadState selects persisted rows whose natural key is in the given
// set, using row-value IN so composite keys bind in one statement.
func BuildLoadState(schema *model.Schema, ph Placeholder, nkeys int) string {
	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(strings.Join(schema.Columns(), ", "))
	b.WriteString(" FROM ")
	b.WriteString(schema.Table)
	b.WriteString(" WHERE (")
	b.WriteString(strings.Join(schema.KeyColumns(), ", "))
	b.WriteString(") IN (")
	writeTuples(&b, ph, nkeys, len(schema.KeyIdx), 0)
	b.WriteString(")")
	return b.String()
}

func BuildLoadFull(schema *model.Schema) string {
	return "SELECT " + strings.Join(schema.Columns(), ", ") + " FROM " + schema.Table
}

// BuildUpsert inserts nrows rows, replacing the non-key columns on key
// conflict. A batch must not repeat a key; callers split such batches
// into single-row statements.
func BuildUpsert(schema *model.Schema, ph Placeholder, nrows int) string {
	cols := schema.Columns()
	keys := make(map[string]struct{}, len(schema.KeyIdx))
	for _, k := range schema.KeyColumns() {
		keys[k] = struct{}{}
	}

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(schema.Table)
	b.WriteString(" (")
	b.WriteString(strings.Join(cols, ", "))
	b.WriteString(") VALUES ")
	writeTuples(&b, ph, nrows, len(cols), 0)
	b.WriteString(" ON CONFLICT (")
	b.WriteString(strings.Join(schema.KeyColumns(), ", "))
	b.WriteString(") DO UPDATE SET ")
	first := true
	for _, c := range cols {
		if _, isKey := keys[c]; isKey {
			continue
		}
		if !first {
			b.WriteString(", ")
		}
		first = false
		b.WriteString(c)
		b.WriteString(" = excluded.")
		b.WriteString(c)
	}
	return b.String()
}

func BuildInsertLog(schema *model.Schema, ph Placeholder, nrows int) string {
	cols := schema.LogColumns()
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(schema.LogTable)
	b.WriteString(" (")
	b.WriteString(strings.Join(cols, ", "))
	b.WriteString(") VALUES ")
	writeTuples(&b, ph, nrows, len(cols), 0)
	return b.String()
}

func BuildDelete(schema *model.Schema, ph Placeholder, nkeys int) string {
	var b strings.Builder
	b.WriteString("DELETE FROM ")
	b.WriteString(schema.Table)
	b.WriteString(" WHERE (")
	b.WriteString(strings.Join(schema.KeyColumns(), ", "))
	b.WriteString(") IN (")
	writeTuples(&b, ph, nkeys, len(schema.KeyIdx), 0)
	b.WriteString(")")
	return b.String()
}

func writeTuples(b *strings.Builder, ph Placeholder, ntuples, width, offset int) {
	n := offset
	for t := 0; t < ntuples; t++ {
		if t > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for c := 0; c < width; c++ {
			if c > 0 {
				b.WriteString(", ")
			}
			n++
			b.WriteString(ph(n))
		}
		b.WriteString(")")
	}
}

// Flatten concatenates row tuples into one bind argument slice.
func Flatten(rows [][]any) []any {
	if len(rows) == 0 {
		return nil
	}
	args := make([]any, 0, len(rows)*len(rows[0]))
	for _, row := range rows {
		args = append(args, row...)
	}
	return args
}

// ScanAll drains rows into generic value tuples, leaving type
// interpretation to the schema parsers.
func ScanAll(rows *sql.Rows, ncols int) ([][]any, error) {
	defer rows.Close()

	var out [][]any
	for rows.Next() {
		vals := make([]any, ncols)
		ptrs := make([]any, ncols)
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		out = append(out, vals)
	}
	return out, rows.Err()
}
