package alpaca

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// TradeUpdate is one order lifecycle event from the broker's stream.
type TradeUpdate struct {
	Event string `json:"event"` // fill, partial_fill, canceled, rejected, ...
	Order struct {
		Symbol         string `json:"symbol"`
		Side           string `json:"side"`
		Qty            string `json:"qty"`
		FilledQty      string `json:"filled_qty"`
		FilledAvgPrice string `json:"filled_avg_price"`
	} `json:"order"`
}

// Stream follows the broker's trade-updates websocket. It observes fills
// for the audit log; order state never feeds back into sizing.
type Stream struct {
	url       string
	apiKey    string
	apiSecret string
}

func NewStream(url, apiKey, apiSecret string) *Stream {
	return &Stream{url: url, apiKey: apiKey, apiSecret: apiSecret}
}

type streamMsg struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// Run dials the stream and invokes onUpdate per trade update, reconnecting
// with backoff until the context is cancelled.
func (s *Stream) Run(ctx context.Context, onUpdate func(TradeUpdate)) {
	backoff := 500 * time.Millisecond
	maxBackoff := 10 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		conn, _, err := websocket.DefaultDialer.DialContext(cctx, s.url, nil)
		cancel()
		if err != nil {
			log.Error().Err(err).Str("url", s.url).Msg("trade stream dial failed")
			time.Sleep(backoff)
			backoff = minDur(backoff*2, maxBackoff)
			continue
		}

		if err := s.handshake(conn); err != nil {
			log.Error().Err(err).Msg("trade stream handshake failed")
			_ = conn.Close()
			time.Sleep(backoff)
			backoff = minDur(backoff*2, maxBackoff)
			continue
		}

		backoff = 500 * time.Millisecond
		log.Info().Msg("trade stream connected")

		err = readLoop(ctx, conn, func(b []byte) {
			var msg streamMsg
			if e := json.Unmarshal(b, &msg); e != nil {
				log.Error().Err(e).Msg("trade stream unmarshal failed")
				return
			}
			if msg.Stream != "trade_updates" {
				return
			}
			var update TradeUpdate
			if e := json.Unmarshal(msg.Data, &update); e != nil {
				log.Error().Err(e).Msg("trade update unmarshal failed")
				return
			}
			onUpdate(update)
		})

		_ = conn.Close()

		if ctx.Err() != nil {
			return
		}
		log.Warn().Err(err).Msg("trade stream disconnected, reconnecting")
		time.Sleep(backoff)
		backoff = minDur(backoff*2, maxBackoff)
	}
}

func (s *Stream) handshake(conn *websocket.Conn) error {
	auth := map[string]any{
		"action": "auth",
		"key":    s.apiKey,
		"secret": s.apiSecret,
	}
	if err := conn.WriteJSON(auth); err != nil {
		return err
	}
	listen := map[string]any{
		"action": "listen",
		"data":   map[string]any{"streams": []string{"trade_updates"}},
	}
	return conn.WriteJSON(listen)
}

func readLoop(ctx context.Context, conn *websocket.Conn, onMsg func([]byte)) error {
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	pingTicker := time.NewTicker(25 * time.Second)
	defer pingTicker.Stop()

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		for {
			_, b, err := conn.ReadMessage()
			if err != nil {
				errCh <- err
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			onMsg(b)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			return err
		case <-pingTicker.C:
			_ = conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(5*time.Second))
		}
	}
}

func minDur(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
