package model

// Catalog is the closed registry of entity kinds one loader reconciles.
// Built once at startup; lookups after that are by construction exhaustive.
type Catalog map[Kind]*Schema

func newCatalog(schemas ...*Schema) Catalog {
	c := make(Catalog, len(schemas))
	for _, s := range schemas {
		if err := s.validate(); err != nil {
			panic(err)
		}
		c[s.Kind] = s
	}
	return c
}

// OrdersCatalog covers the orders loader: the order audit trail, its
// per-asset latest view and the per-portfolio control/config rows.
func OrdersCatalog() Catalog {
	return newCatalog(
		&Schema{
			Kind:     KindOrders,
			Table:    "orders",
			LogTable: "orders_event_log",
			Fields: []Field{
				{Name: "portfolio_id", Type: FieldInt},
				{Name: "side", Type: FieldInt},
				{Name: "asset_id_type", Type: FieldString},
				{Name: "asset_id", Type: FieldString},
				{Name: "order_ts", Type: FieldTime},
				{Name: "target_wgt", Type: FieldDecimal, Optional: true},
				{Name: "real_wgt", Type: FieldDecimal, Optional: true},
				{Name: "quantity", Type: FieldDecimal, Optional: true},
				{Name: "notional", Type: FieldDecimal, Optional: true},
			},
			KeyIdx: []int{0, 3, 4},
		},
		&Schema{
			Kind:     KindOrdersLatest,
			Table:    "orders_latest",
			LogTable: "orders_latest_event_log",
			Fields: []Field{
				{Name: "portfolio_id", Type: FieldInt},
				{Name: "side", Type: FieldInt},
				{Name: "asset_id_type", Type: FieldString},
				{Name: "asset_id", Type: FieldString},
				{Name: "order_ts", Type: FieldTime},
				{Name: "target_wgt", Type: FieldDecimal, Optional: true},
				{Name: "real_wgt", Type: FieldDecimal, Optional: true},
				{Name: "quantity", Type: FieldDecimal, Optional: true},
				{Name: "notional", Type: FieldDecimal, Optional: true},
			},
			KeyIdx:   []int{0, 3},
			LoadFull: true,
		},
		&Schema{
			Kind:     KindOrdersControl,
			Table:    "orders_control",
			LogTable: "orders_control_event_log",
			Fields: []Field{
				{Name: "portfolio_id", Type: FieldInt},
				{Name: "last_read_delivery_id", Type: FieldInt, Optional: true},
				{Name: "last_decision_datadate", Type: FieldTime, Optional: true},
				{Name: "last_rebal_ts", Type: FieldTime, Optional: true},
			},
			KeyIdx: []int{0},
		},
		&Schema{
			Kind:     KindOrdersConfig,
			Table:    "orders_config",
			LogTable: "orders_config_event_log",
			Fields: []Field{
				{Name: "portfolio_id", Type: FieldInt},
				{Name: "strategy_id", Type: FieldInt},
				{Name: "portfolio_type", Type: FieldString},
				{Name: "rebal_freq", Type: FieldString},
				{Name: "adjust", Type: FieldString},
				{Name: "wgt_method", Type: FieldString},
				{Name: "portfolio_hash", Type: FieldString},
				{Name: "account_id", Type: FieldString},
			},
			KeyIdx: []int{0},
		},
	)
}

// MonitorCatalog covers the portfolio monitor loader: broker-observed
// positions, portfolio-level aggregates and the monitor control row.
func MonitorCatalog() Catalog {
	positionFields := []Field{
		{Name: "portfolio_id", Type: FieldInt},
		{Name: "side", Type: FieldInt},
		{Name: "asset_id_type", Type: FieldString},
		{Name: "asset_id", Type: FieldString},
		{Name: "position_ts", Type: FieldTime},
		{Name: "wgt", Type: FieldDecimal, Optional: true},
		{Name: "quantity", Type: FieldDecimal, Optional: true},
		{Name: "notional", Type: FieldDecimal, Optional: true},
	}
	portfolioFields := []Field{
		{Name: "portfolio_id", Type: FieldInt},
		{Name: "portfolio_ts", Type: FieldTime},
		{Name: "long_notional", Type: FieldDecimal, Optional: true},
		{Name: "short_notional", Type: FieldDecimal, Optional: true},
		{Name: "notional", Type: FieldDecimal, Optional: true},
		{Name: "long_wgt", Type: FieldDecimal, Optional: true},
		{Name: "short_wgt", Type: FieldDecimal, Optional: true},
		{Name: "rtn", Type: FieldDecimal, Optional: true},
		{Name: "cum_rtn", Type: FieldDecimal, Optional: true},
	}

	return newCatalog(
		&Schema{
			Kind:     KindPortfolio,
			Table:    "portfolio",
			LogTable: "portfolio_event_log",
			Fields:   portfolioFields,
			KeyIdx:   []int{0, 1},
		},
		&Schema{
			Kind:     KindPortfolioLatest,
			Table:    "portfolio_latest",
			LogTable: "portfolio_latest_event_log",
			Fields:   portfolioFields,
			KeyIdx:   []int{0},
			LoadFull: true,
		},
		&Schema{
			Kind:     KindPortfolioControl,
			Table:    "portfolio_control",
			LogTable: "portfolio_control_event_log",
			Fields: []Field{
				{Name: "portfolio_id", Type: FieldInt},
				{Name: "last_snapshot_ts", Type: FieldTime, Optional: true},
				{Name: "last_equity", Type: FieldDecimal, Optional: true},
			},
			KeyIdx: []int{0},
		},
		&Schema{
			Kind:     KindPosition,
			Table:    "position",
			LogTable: "position_event_log",
			Fields:   positionFields,
			KeyIdx:   []int{0, 3, 4},
		},
		&Schema{
			Kind:     KindPositionLatest,
			Table:    "position_latest",
			LogTable: "position_latest_event_log",
			Fields:   positionFields,
			KeyIdx:   []int{0, 3},
			LoadFull: true,
		},
	)
}
