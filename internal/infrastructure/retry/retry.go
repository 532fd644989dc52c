package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// Do runs fn up to attempts times, sleeping delay between tries. It
// returns the last error when every attempt fails, or early when the
// context is cancelled. Transient source outages ride out a brief
// disconnect this way instead of killing the polling loop.
func Do(ctx context.Context, attempts int, delay time.Duration, fn func(context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 1; i <= attempts; i++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if i == attempts {
			break
		}
		log.Warn().Err(err).Int("attempt", i).Msg("retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("after %d attempts: %w", attempts, err)
}
