package loader

import (
	"context"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"
)

// Poll runs fn until it fails or ctx is cancelled, sleeping a pseudo
// random duration in [minSleep, maxSleep] between cycles. The jitter
// spreads load when several loader instances share one store. A cycle
// error stops the loop: the orchestrator never retries a cycle on its own,
// since order submission is not covered by the store transaction.
func Poll(ctx context.Context, minSleep, maxSleep time.Duration, fn func(context.Context) error) error {
	if maxSleep < minSleep {
		maxSleep = minSleep
	}
	log.Info().
		Dur("min_sleep", minSleep).
		Dur("max_sleep", maxSleep).
		Msg("running as a service")

	for {
		if err := fn(ctx); err != nil {
			return err
		}

		sleep := minSleep
		if span := maxSleep - minSleep; span > 0 {
			sleep += time.Duration(rand.Int63n(int64(span) + 1))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}
