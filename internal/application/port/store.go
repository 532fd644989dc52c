package port

import (
	"context"

	"paperengine/internal/domain/model"
)

// Store is the relational store of record. One loader process owns its
// identifier sequences exclusively; concurrent writers to the same entity
// kinds are out of scope.
type Store interface {
	Ping(ctx context.Context) error

	NextDeliveryID(ctx context.Context) (int64, error)
	// NextEventIDs reserves a block of n event ids for one entity kind.
	// Reserved but unused ids become gaps.
	NextEventIDs(ctx context.Context, schema *model.Schema, n int) ([]int64, error)

	PortfolioIDByHash(ctx context.Context, hash string) (int64, bool, error)
	NextPortfolioID(ctx context.Context) (int64, error)

	// LoadState fetches persisted rows for the given key tuples.
	LoadState(ctx context.Context, schema *model.Schema, keys [][]any) ([][]any, error)
	// LoadFullState fetches the whole table, for kinds whose membership
	// itself can change between deliveries.
	LoadFullState(ctx context.Context, schema *model.Schema) ([][]any, error)

	Begin(ctx context.Context) (Tx, error)
	Close() error
}

// Tx applies one delivery atomically.
type Tx interface {
	Upsert(ctx context.Context, schema *model.Schema, rows [][]any) error
	AppendLog(ctx context.Context, schema *model.Schema, rows [][]any) error
	Delete(ctx context.Context, schema *model.Schema, keys [][]any) error
	PersistDelivery(ctx context.Context, meta model.DeliveryMeta) error
	Commit() error
	Rollback() error
}

// DecisionSource is the upstream strategy feed.
type DecisionSource interface {
	LatestDeliveries(ctx context.Context) ([]model.StrategyDelivery, error)
	LatestDecisions(ctx context.Context, strategyID, deliveryID int64) ([]model.Decision, error)
	Close() error
}
