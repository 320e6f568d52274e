package introspection

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/crystal-sds/metrics-relay/engine/infra/broker"
	"github.com/crystal-sds/metrics-relay/pkg/config"
	"github.com/crystal-sds/metrics-relay/pkg/logger"
)

// PublishLoop drains the metric store on a fixed interval and emits one
// envelope per routing key to the broker's topic exchange. The envelope's
// single top-level key is the sender identity (bind ip:port), mapping to the
// metric values for that routing key.
type PublishLoop struct {
	store    *MetricStore
	dialer   broker.Dialer
	interval time.Duration
	exchange string
	sender   string
	clock    clock.Clock
}

func NewPublishLoop(store *MetricStore, dialer broker.Dialer, cfg *config.RelayConfig, clk clock.Clock) *PublishLoop {
	return &PublishLoop{
		store:    store,
		dialer:   dialer,
		interval: cfg.PublishInterval,
		exchange: cfg.Exchange,
		sender:   cfg.SenderIdentity(),
		clock:    clk,
	}
}

// Run flushes once per interval until ctx is cancelled. The first flush fires
// one interval after start. A dial or publish failure terminates the loop.
func (l *PublishLoop) Run(ctx context.Context) {
	log := logger.FromContext(ctx).With("component", "publish_loop")
	ticker := l.clock.Ticker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("publish loop stopped", "reason", ctx.Err())
			return
		case <-ticker.C:
			if err := l.flush(ctx); err != nil {
				log.Error("metrics flush failed, publish loop terminating", "error", err)
				return
			}
		}
	}
}

// flush dials a fresh broker connection, drains the store, and publishes the
// stateless snapshot followed by the stateful one. Per-tick dialing matches
// the original relay; pooling would be an efficiency change, not a behavior
// change.
func (l *PublishLoop) flush(ctx context.Context) error {
	pub, err := l.dialer.Dial(ctx)
	if err != nil {
		return err
	}
	defer pub.Close()

	stateless, stateful := l.store.Drain()
	if err := l.publishSnapshot(ctx, pub, stateless); err != nil {
		return err
	}
	return l.publishSnapshot(ctx, pub, stateful)
}

func (l *PublishLoop) publishSnapshot(ctx context.Context, pub broker.Publisher, snapshot Snapshot) error {
	for routingKey, metrics := range snapshot {
		body, err := json.Marshal(map[string]map[string]int64{l.sender: metrics})
		if err != nil {
			return fmt.Errorf("encoding envelope for routing key %q: %w", routingKey, err)
		}
		if err := pub.Publish(ctx, l.exchange, routingKey, body); err != nil {
			return err
		}
	}
	return nil
}
