package alpaca

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"paperengine/internal/application/port"
	"paperengine/internal/domain/model"
)

// Client talks to an Alpaca-compatible paper trading API. Monetary fields
// come back as JSON strings and are parsed straight into decimals.
type Client struct {
	apiKey    string
	apiSecret string
	baseURL   string
	dataURL   string
	http      *http.Client
}

func NewClient(apiKey, apiSecret, baseURL, dataURL string) *Client {
	return &Client{
		apiKey:    apiKey,
		apiSecret: apiSecret,
		baseURL:   strings.TrimRight(baseURL, "/"),
		dataURL:   strings.TrimRight(dataURL, "/"),
		http:      &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, base, path string, query url.Values, body, out any) error {
	u := base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return err
	}
	req.Header.Set("APCA-API-KEY-ID", c.apiKey)
	req.Header.Set("APCA-API-SECRET-KEY", c.apiSecret)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if out == nil {
		return nil
	}
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	return dec.Decode(out)
}

func (c *Client) AccountCapital(ctx context.Context) (decimal.Decimal, error) {
	var account struct {
		Equity string `json:"equity"`
	}
	if err := c.do(ctx, http.MethodGet, c.baseURL, "/v2/account", nil, nil, &account); err != nil {
		return decimal.Zero, fmt.Errorf("get account: %w", err)
	}
	equity, err := decimal.NewFromString(account.Equity)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse equity %q: %w", account.Equity, err)
	}
	return equity, nil
}

type asset struct {
	Symbol    string `json:"symbol"`
	Tradable  bool   `json:"tradable"`
	Shortable bool   `json:"shortable"`
}

func (c *Client) CheckTradable(ctx context.Context, assetIDs []string) ([]string, error) {
	return c.filterAssets(ctx, assetIDs, func(a asset) bool { return a.Tradable })
}

func (c *Client) CheckShortable(ctx context.Context, assetIDs []string) ([]string, error) {
	return c.filterAssets(ctx, assetIDs, func(a asset) bool { return a.Tradable && a.Shortable })
}

func (c *Client) filterAssets(ctx context.Context, assetIDs []string, keep func(asset) bool) ([]string, error) {
	out := make([]string, 0, len(assetIDs))
	for _, symbol := range assetIDs {
		var a asset
		err := c.do(ctx, http.MethodGet, c.baseURL, "/v2/assets/"+url.PathEscape(symbol), nil, nil, &a)
		if err != nil {
			// unknown symbols are simply not tradable here
			if strings.Contains(err.Error(), "status 404") {
				continue
			}
			return nil, fmt.Errorf("get asset %s: %w", symbol, err)
		}
		if keep(a) {
			out = append(out, symbol)
		}
	}
	return out, nil
}

func (c *Client) LatestBook(ctx context.Context, assetIDs []string) (model.Book, error) {
	book := model.Book{
		Asks: make(map[string]decimal.Decimal, len(assetIDs)),
		Bids: make(map[string]decimal.Decimal, len(assetIDs)),
	}
	if len(assetIDs) == 0 {
		return book, nil
	}

	query := url.Values{"symbols": {strings.Join(assetIDs, ",")}}
	var payload struct {
		Quotes map[string]struct {
			AskPrice json.Number `json:"ap"`
			BidPrice json.Number `json:"bp"`
		} `json:"quotes"`
	}
	if err := c.do(ctx, http.MethodGet, c.dataURL, "/v2/stocks/quotes/latest", query, nil, &payload); err != nil {
		return model.Book{}, fmt.Errorf("latest quotes: %w", err)
	}

	for symbol, q := range payload.Quotes {
		ask, err := decimal.NewFromString(q.AskPrice.String())
		if err != nil {
			return model.Book{}, fmt.Errorf("parse ask for %s: %w", symbol, err)
		}
		bid, err := decimal.NewFromString(q.BidPrice.String())
		if err != nil {
			return model.Book{}, fmt.Errorf("parse bid for %s: %w", symbol, err)
		}
		book.Asks[symbol] = ask
		book.Bids[symbol] = bid
	}
	return book, nil
}

func (c *Client) Positions(ctx context.Context) (map[string]decimal.Decimal, error) {
	var raw []struct {
		Symbol string `json:"symbol"`
		Qty    string `json:"qty"`
	}
	if err := c.do(ctx, http.MethodGet, c.baseURL, "/v2/positions", nil, nil, &raw); err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}

	positions := make(map[string]decimal.Decimal, len(raw))
	for _, p := range raw {
		qty, err := decimal.NewFromString(p.Qty)
		if err != nil {
			return nil, fmt.Errorf("parse qty for %s: %w", p.Symbol, err)
		}
		positions[p.Symbol] = qty
	}
	return positions, nil
}

func (c *Client) SubmitOrder(ctx context.Context, order model.OrderParams) error {
	body := map[string]string{
		"symbol":        order.Symbol,
		"qty":           order.Quantity.String(),
		"side":          order.Side,
		"type":          "market",
		"time_in_force": "day",
	}
	if err := c.do(ctx, http.MethodPost, c.baseURL, "/v2/orders", nil, body, nil); err != nil {
		return fmt.Errorf("submit %s %s: %w", order.Side, order.Symbol, err)
	}
	return nil
}

func (c *Client) ClosePosition(ctx context.Context, symbol string) (model.ClosedOrder, error) {
	var order struct {
		Symbol         string `json:"symbol"`
		Qty            string `json:"qty"`
		Side           string `json:"side"`
		FilledAvgPrice string `json:"filled_avg_price"`
	}
	err := c.do(ctx, http.MethodDelete, c.baseURL, "/v2/positions/"+url.PathEscape(symbol), nil, nil, &order)
	if err != nil {
		return model.ClosedOrder{}, fmt.Errorf("close %s: %w", symbol, err)
	}

	qty, err := decimal.NewFromString(order.Qty)
	if err != nil {
		return model.ClosedOrder{}, fmt.Errorf("parse closed qty for %s: %w", symbol, err)
	}
	price := decimal.Zero
	if order.FilledAvgPrice != "" {
		if price, err = decimal.NewFromString(order.FilledAvgPrice); err != nil {
			return model.ClosedOrder{}, fmt.Errorf("parse fill price for %s: %w", symbol, err)
		}
	}

	// closing a long sells, closing a short buys
	side := int64(1)
	if order.Side == "buy" {
		side = -1
	}
	return model.ClosedOrder{
		Symbol:   order.Symbol,
		Side:     side,
		Quantity: qty,
		Notional: qty.Mul(price),
	}, nil
}

var _ port.Broker = (*Client)(nil)
