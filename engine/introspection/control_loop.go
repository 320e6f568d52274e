package introspection

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sethvargo/go-retry"

	"github.com/crystal-sds/metrics-relay/pkg/config"
	"github.com/crystal-sds/metrics-relay/pkg/logger"
)

// definitionsHashKey is the well-known name of the Redis hash holding the
// metric-definition table maintained by the controller.
const definitionsHashKey = "metrics"

// HashStore is the single key-value store operation the control cycle needs.
type HashStore interface {
	HGetAll(ctx context.Context, key string) (map[string]string, error)
}

// ControlLoop periodically refreshes a locally-cached metric-definition table
// from the key-value store. The cached table is replaced wholesale on each
// successful fetch; readers observe either the previous or the new table,
// never a partial mix.
type ControlLoop struct {
	store      HashStore
	interval   time.Duration
	maxRetries int
	clock      clock.Clock
	defs       atomic.Pointer[map[string]string]
}

func NewControlLoop(store HashStore, cfg *config.RelayConfig, clk clock.Clock) *ControlLoop {
	l := &ControlLoop{
		store:      store,
		interval:   cfg.ControlInterval,
		maxRetries: cfg.ControlMaxRetries,
		clock:      clk,
	}
	empty := map[string]string{}
	l.defs.Store(&empty)
	return l
}

// Run fetches the definition table immediately and then once per interval
// until ctx is cancelled. A fetch failure (after the optional retry budget)
// terminates the loop; the last successfully fetched table remains readable.
func (l *ControlLoop) Run(ctx context.Context) {
	log := logger.FromContext(ctx).With("component", "control_loop")
	if err := l.refresh(ctx); err != nil {
		log.Error("metric definition fetch failed, control loop terminating", "error", err)
		return
	}
	ticker := l.clock.Ticker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("control loop stopped", "reason", ctx.Err())
			return
		case <-ticker.C:
			if err := l.refresh(ctx); err != nil {
				log.Error("metric definition fetch failed, control loop terminating", "error", err)
				return
			}
		}
	}
}

func (l *ControlLoop) refresh(ctx context.Context) error {
	if l.maxRetries <= 0 {
		// Original behavior: a single failed fetch is fatal to the loop.
		return l.fetch(ctx)
	}
	backoff := retry.WithMaxRetries(uint64(l.maxRetries), retry.NewExponential(100*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := l.fetch(ctx); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
}

func (l *ControlLoop) fetch(ctx context.Context) error {
	defs, err := l.store.HGetAll(ctx, definitionsHashKey)
	if err != nil {
		return err
	}
	l.defs.Store(&defs)
	return nil
}

// Definitions returns a copy of the last successfully fetched table. Empty
// before the first completed fetch.
func (l *ControlLoop) Definitions() map[string]string {
	current := *l.defs.Load()
	copied := make(map[string]string, len(current))
	for name, value := range current {
		copied[name] = value
	}
	return copied
}
