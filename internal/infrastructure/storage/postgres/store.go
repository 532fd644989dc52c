package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"

	"paperengine/internal/application/port"
	"paperengine/internal/domain/model"
	"paperengine/internal/infrastructure/storage"
)

// Store is the postgres store of record for one loader. Identifier
// sequences live in the database, so restarts and parallel loaders of
// different entity families never collide.
type Store struct {
	db      *sql.DB
	loader  string // delivery table and sequence namespace
	catalog model.Catalog
}

func New(dsn, loader string, catalog model.Catalog) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

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
CREATE TABLE IF NOT EXISTS delivery_%[1]s (
  delivery_id BIGINT PRIMARY KEY,
  last_read_delivery_id BIGINT,
  row_creation TIMESTAMP NOT NULL,
  runtime_ms BIGINT NOT NULL,
  summary TEXT NOT NULL
);
CREATE SEQUENCE IF NOT EXISTS delivery_id_%[1]s_seq;
CREATE SEQUENCE IF NOT EXISTS portfolio_id_seq;
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
	b.WriteString("  hash TEXT NOT NULL,\n  event_id BIGINT NOT NULL,\n  delivery_id BIGINT NOT NULL,\n")
	fmt.Fprintf(b, "  PRIMARY KEY (%s)\n);\n", strings.Join(schema.KeyColumns(), ", "))

	fmt.Fprintf(b, "CREATE TABLE IF NOT EXISTS %s (\n  id BIGSERIAL PRIMARY KEY,\n  event_type TEXT NOT NULL,\n", schema.LogTable)
	for _, prefix := range []string{"curr_", "prev_"} {
		for _, f := range schema.Fields {
			fmt.Fprintf(b, "  %s%s %s,\n", prefix, f.Name, columnType(f.Type))
		}
		fmt.Fprintf(b, "  %[1]shash TEXT,\n  %[1]sevent_id BIGINT,\n  %[1]sdelivery_id BIGINT,\n", prefix)
	}
	b.WriteString("  mask TEXT NOT NULL\n);\n")

	fmt.Fprintf(b, "CREATE SEQUENCE IF NOT EXISTS event_id_%s_seq;\n", schema.Table)
}

func columnType(t model.FieldType) string {
	switch t {
	case model.FieldInt:
		return "BIGINT"
	case model.FieldString:
		return "TEXT"
	case model.FieldTime:
		return "TIMESTAMP"
	default:
		return "NUMERIC"
	}
}

func (s *Store) NextDeliveryID(ctx context.Context) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT NEXTVAL('delivery_id_%s_seq')", s.loader)).Scan(&id)
	return id, err
}

// NextEventIDs reserves a block of n ids from the entity's sequence. Ids
// reserved for rows that turn out unchanged become gaps, which is fine:
// event ids order events, they do not count them.
func (s *Store) NextEventIDs(ctx context.Context, schema *model.Schema, n int) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT NEXTVAL('event_id_%s_seq') FROM GENERATE_SERIES(1, $1)", schema.Table), n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]int64, 0, n)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) PortfolioIDByHash(ctx context.Context, hash string) (int64, bool, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		"SELECT portfolio_id FROM orders_config WHERE portfolio_hash = $1 ORDER BY portfolio_id LIMIT 1", hash).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

func (s *Store) NextPortfolioID(ctx context.Context) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, "SELECT NEXTVAL('portfolio_id_seq')").Scan(&id)
	return id, err
}

func (s *Store) LoadState(ctx context.Context, schema *model.Schema, keys [][]any) ([][]any, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		storage.BuildLoadState(schema, storage.Dollar, len(keys)),
		storage.Flatten(keys)...)
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
		storage.BuildUpsert(schema, storage.Dollar, len(rows)),
		storage.Flatten(rows)...)
	return err
}

func (t *storeTx) AppendLog(ctx context.Context, schema *model.Schema, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}
	_, err := t.tx.ExecContext(ctx,
		storage.BuildInsertLog(schema, storage.Dollar, len(rows)),
		storage.Flatten(rows)...)
	return err
}

func (t *storeTx) Delete(ctx context.Context, schema *model.Schema, keys [][]any) error {
	if len(keys) == 0 {
		return nil
	}
	_, err := t.tx.ExecContext(ctx,
		storage.BuildDelete(schema, storage.Dollar, len(keys)),
		storage.Flatten(keys)...)
	return err
}

func (t *storeTx) PersistDelivery(ctx context.Context, meta model.DeliveryMeta) error {
	_, err := t.tx.ExecContext(ctx, fmt.Sprintf(`
INSERT INTO delivery_%s (delivery_id, last_read_delivery_id, row_creation, runtime_ms, summary)
VALUES ($1, $2, $3, $4, $5)`, t.loader),
		meta.DeliveryID, meta.LastReadDelivery, meta.RowCreation.UTC(), meta.Runtime.Milliseconds(), meta.Summary)
	return err
}

func (t *storeTx) Commit() error   { return t.tx.Commit() }
func (t *storeTx) Rollback() error { return t.tx.Rollback() }

var _ port.Store = (*Store)(nil)
