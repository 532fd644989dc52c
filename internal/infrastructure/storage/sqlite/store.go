package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"paperengine/internal/application/port"
	"paperengine/internal/domain/model"
	"paperengine/internal/infrastructure/storage"
)

const timeLayout = "2006-01-02 15:04:05.999999"

// Store is the sqlite store of record, for single-host and development
// runs. Same contract as the postgres store; sequences live in a plain
// table since sqlite has none.
type Store struct {
	db      *sql.DB
	loader  string
	catalog model.Catalog
}

func New(path, loader string, catalog model.Catalog) (*Store, error) {
	// ensure directory exists
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		_ = os.MkdirAll(dir, 0o755)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, loader: loader, catalog: catalog}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) migrate(ctx context.Context) error {
	var ddl strings.Builder
	for _, schema := range s.catalog {
		writeEntityDDL(&ddl, schema)
	}
	fmt.Fprintf(&ddl, `
CREATE TABLE IF NOT EXISTS delivery_%s (
  delivery_id INTEGER PRIMARY KEY,
  last_read_delivery_id INTEGER,
  row_creation TEXT NOT NULL,
  runtime_ms INTEGER NOT NULL,
  summary TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS sequences (
  name TEXT PRIMARY KEY,
  value INTEGER NOT NULL
);
`, s.loader)

	_, err := s.db.ExecContext(ctx, ddl.String())
	return err
}

func writeEntityDDL(b *strings.Builder, schema *model.Schema) {
	fmt.Fprintf(b, "CREATE TABLE IF NOT EXISTS %s (\n", schema.Table)
	for _, f := range schema.Fields {
		null := " NOT NULL"
		if f.Optional {
			null = ""
		}
		fmt.Fprintf(b, "  %s %s%s,\n", f.Name, columnType(f.Type), null)
	}
	b.WriteString("  hash TEXT NOT NULL,\n  event_id INTEGER NOT NULL,\n  delivery_id INTEGER NOT NULL,\n")
	fmt.Fprintf(b, "  PRIMARY KEY (%s)\n);\n", strings.Join(schema.KeyColumns(), ", "))

	fmt.Fprintf(b, "CREATE TABLE IF NOT EXISTS %s (\n  id INTEGER PRIMARY KEY AUTOINCREMENT,\n  event_type TEXT NOT NULL,\n", schema.LogTable)
	for _, prefix := range []string{"curr_", "prev_"} {
		for _, f := range schema.Fields {
			fmt.Fprintf(b, "  %s%s %s,\n", prefix, f.Name, columnType(f.Type))
		}
		fmt.Fprintf(b, "  %[1]shash TEXT,\n  %[1]sevent_id INTEGER,\n  %[1]sdelivery_id INTEGER,\n", prefix)
	}
	b.WriteString("  mask TEXT NOT NULL\n);\n")
}

func columnType(t model.FieldType) string {
	switch t {
	case model.FieldInt:
		return "INTEGER"
	default:
		// times and decimals persist as canonical text
		return "TEXT"
	}
}

// nextN advances a named sequence by n and returns the reserved block.
func (s *Store) nextN(ctx context.Context, name string, n int) ([]int64, error) {
	if _, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO sequences (name, value) VALUES (?, 0)", name); err != nil {
		return nil, err
	}
	var last int64
	err := s.db.QueryRowContext(ctx,
		"UPDATE sequences SET value = value + ? WHERE name = ? RETURNING value", n, name).Scan(&last)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, n)
	for i := range ids {
		ids[i] = last - int64(n) + int64(i) + 1
	}
	return ids, nil
}

func (s *Store) NextDeliveryID(ctx context.Context) (int64, error) {
	ids, err := s.nextN(ctx, "delivery_id_"+s.loader, 1)
	if err != nil {
		return 0, err
	}
	return ids[0], nil
}

func (s *Store) NextEventIDs(ctx context.Context, schema *model.Schema, n int) ([]int64, error) {
	return s.nextN(ctx, "event_id_"+schema.Table, n)
}

func (s *Store) PortfolioIDByHash(ctx context.Context, hash string) (int64, bool, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		"SELECT portfolio_id FROM orders_config WHERE portfolio_hash = ? ORDER BY portfolio_id LIMIT 1", hash).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

func (s *Store) NextPortfolioID(ctx context.Context) (int64, error) {
	ids, err := s.nextN(ctx, "portfolio_id", 1)
	if err != nil {
		return 0, err
	}
	return ids[0], nil
}

func (s *Store) LoadState(ctx context.Context, schema *model.Schema, keys [][]any) ([][]any, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		storage.BuildLoadState(schema, storage.Question, len(keys)),
		bind(storage.Flatten(keys))...)
	if err != nil {
		return nil, err
	}
	return storage.ScanAll(rows, len(schema.Columns()))
}

func (s *Store) LoadFullState(ctx context.Context, schema *model.Schema) ([][]any, error) {
	rows, err := s.db.QueryContext(ctx, storage.BuildLoadFull(schema))
	if err != nil {
		return nil, err
	}
	return storage.ScanAll(rows, len(schema.Columns()))
}

func (s *Store) Begin(ctx context.Context) (port.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &storeTx{tx: tx, loader: s.loader}, nil
}

type storeTx struct {
	tx     *sql.Tx
	loader string
}

func (t *storeTx) Upsert(ctx context.Context, schema *model.Schema, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}
	_, err := t.tx.ExecContext(ctx,
		storage.BuildUpsert(schema, storage.Question, len(rows)),
		bind(storage.Flatten(rows))...)
	return err
}

func (t *storeTx) AppendLog(ctx context.Context, schema *model.Schema, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}
	_, err := t.tx.ExecContext(ctx,
		storage.BuildInsertLog(schema, storage.Question, len(rows)),
		bind(storage.Flatten(rows))...)
	return err
}

func (t *storeTx) Delete(ctx context.Context, schema *model.Schema, keys [][]any) error {
	if len(keys) == 0 {
		return nil
	}
	_, err := t.tx.ExecContext(ctx,
		storage.BuildDelete(schema, storage.Question, len(keys)),
		bind(storage.Flatten(keys))...)
	return err
}

func (t *storeTx) PersistDelivery(ctx context.Context, meta model.DeliveryMeta) error {
	_, err := t.tx.ExecContext(ctx, fmt.Sprintf(`
INSERT INTO delivery_%s (delivery_id, last_read_delivery_id, row_creation, runtime_ms, summary)
VALUES (?, ?, ?, ?, ?)`, t.loader),
		meta.DeliveryID, meta.LastReadDelivery,
		meta.RowCreation.UTC().Format(timeLayout),
		meta.Runtime.Milliseconds(), meta.Summary)
	return err
}

func (t *storeTx) Commit() error   { return t.tx.Commit() }
func (t *storeTx) Rollback() error { return t.tx.Rollback() }

// bind converts values sqlite has no native type for into their canonical
// text forms, so hashing over persisted rows stays stable.
func bind(args []any) []any {
	for i, a := range args {
		switch v := a.(type) {
		case time.Time:
			args[i] = v.UTC().Format(timeLayout)
		case decimal.Decimal:
			args[i] = v.String()
		}
	}
	return args
}

var _ port.Store = (*Store)(nil)
