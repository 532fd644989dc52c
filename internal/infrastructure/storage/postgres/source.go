package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"paperengine/internal/application/port"
	"paperengine/internal/domain/model"
	"paperengine/internal/infrastructure/retry"
	"paperengine/internal/infrastructure/storage"
)

// Source reads the upstream strategy decision feed. The feed database
// sits on another host and drops out occasionally, so every query rides
// a bounded retry.
type Source struct {
	db       *sql.DB
	attempts int
	delay    time.Duration
}

func NewSource(dsn string, attempts int, delay time.Duration) (*Source, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	return &Source{db: db, attempts: attempts, delay: delay}, nil
}

func (s *Source) Close() error { return s.db.Close() }

// LatestDeliveries reports the newest delivery per strategy.
func (s *Source) LatestDeliveries(ctx context.Context) ([]model.StrategyDelivery, error) {
	var out []model.StrategyDelivery
	err := retry.Do(ctx, s.attempts, s.delay, func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx, `
SELECT DISTINCT ON (strategy_id) strategy_id, delivery_id, datadate
FROM strategy_latest
ORDER BY strategy_id, delivery_id DESC`)
		if err != nil {
			return err
		}
		defer rows.Close()

		out = out[:0]
		for rows.Next() {
			var d model.StrategyDelivery
			if err := rows.Scan(&d.StrategyID, &d.DeliveryID, &d.DataDate); err != nil {
				return err
			}
			out = append(out, d)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("latest strategy deliveries: %w", err)
	}
	return out, nil
}

// LatestDecisions reads one strategy's decision events for one delivery
// from the feed's event log. Withdrawn decisions arrive as removal events
// whose values live on the prev side, hence the coalescing.
func (s *Source) LatestDecisions(ctx context.Context, strategyID, deliveryID int64) ([]model.Decision, error) {
	var raw [][]any
	err := retry.Do(ctx, s.attempts, s.delay, func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx, `
SELECT event_type,
       COALESCE(curr_strategy_id, prev_strategy_id),
       COALESCE(curr_asset_id_type, prev_asset_id_type),
       COALESCE(curr_asset_id, prev_asset_id),
       COALESCE(curr_datadate, prev_datadate),
       COALESCE(curr_decision_ts, prev_decision_ts),
       COALESCE(curr_factor, prev_factor),
       COALESCE(curr_decision, prev_decision),
       COALESCE(curr_target_wgt, prev_target_wgt)
FROM strategy_latest_event_log
WHERE COALESCE(curr_strategy_id, prev_strategy_id) = $1
  AND COALESCE(curr_delivery_id, prev_delivery_id) = $2
ORDER BY COALESCE(curr_event_id, prev_event_id)`, strategyID, deliveryID)
		if err != nil {
			return err
		}
		raw, err = storage.ScanAll(rows, 9)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("latest decisions for strategy %d: %w", strategyID, err)
	}

	decisions := make([]model.Decision, 0, len(raw))
	for _, row := range raw {
		d, err := model.DecisionFromRow(row)
		if err != nil {
			return nil, err
		}
		decisions = append(decisions, d)
	}
	return decisions, nil
}

var _ port.DecisionSource = (*Source)(nil)
