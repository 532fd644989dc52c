package port

import (
	"context"

	"github.com/shopspring/decimal"

	"paperengine/internal/domain/model"
)

// Broker is the trading venue boundary. All quantities and monetary values
// are exact decimals; signed position quantities are negative for shorts.
type Broker interface {
	AccountCapital(ctx context.Context) (decimal.Decimal, error)
	CheckTradable(ctx context.Context, assetIDs []string) ([]string, error)
	CheckShortable(ctx context.Context, assetIDs []string) ([]string, error)
	LatestBook(ctx context.Context, assetIDs []string) (model.Book, error)
	Positions(ctx context.Context) (map[string]decimal.Decimal, error)
	SubmitOrder(ctx context.Context, order model.OrderParams) error
	ClosePosition(ctx context.Context, symbol string) (model.ClosedOrder, error)
}
