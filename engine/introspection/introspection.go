package introspection

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/crystal-sds/metrics-relay/engine/infra/broker"
	"github.com/crystal-sds/metrics-relay/engine/infra/kvstore"
	"github.com/crystal-sds/metrics-relay/pkg/config"
	"github.com/crystal-sds/metrics-relay/pkg/logger"
)

var (
	ErrEmptyRoutingKey = errors.New("routing key must not be empty")
	ErrEmptyMetricKey  = errors.New("metric key must not be empty")
)

// Control is the introspection facade. It owns the metric store and both
// background cycles and exposes the recording and definition-lookup API used
// by the rest of the host process.
type Control struct {
	store   *MetricStore
	control *ControlLoop
	publish *PublishLoop
	started sync.Once
}

// NewControl wires the facade from its collaborators. Loops do not run until
// Start is called.
func NewControl(store HashStore, dialer broker.Dialer, cfg *config.RelayConfig, clk clock.Clock) *Control {
	metricStore := NewMetricStore()
	return &Control{
		store:   metricStore,
		control: NewControlLoop(store, cfg, clk),
		publish: NewPublishLoop(metricStore, dialer, cfg, clk),
	}
}

// Start launches both background cycles exactly once. They run until ctx is
// cancelled or their first unrecoverable error.
func (c *Control) Start(ctx context.Context) {
	c.started.Do(func() {
		go c.control.Run(ctx)
		go c.publish.Run(ctx)
	})
}

// PublishStatefulMetric adds delta to the cumulative counter for the routing
// key and metric key. Published totals are never reset.
func (c *Control) PublishStatefulMetric(routingKey, metricKey string, delta int64) error {
	if err := validateKeys(routingKey, metricKey); err != nil {
		return err
	}
	c.store.RecordStateful(routingKey, metricKey, delta)
	return nil
}

// PublishStatelessMetric adds delta to the between-flush counter for the
// routing key and metric key. Published values reset after each flush.
func (c *Control) PublishStatelessMetric(routingKey, metricKey string, delta int64) error {
	if err := validateKeys(routingKey, metricKey); err != nil {
		return err
	}
	c.store.RecordStateless(routingKey, metricKey, delta)
	return nil
}

// GetMetrics returns a copy of the last-known metric-definition table.
func (c *Control) GetMetrics() map[string]string {
	return c.control.Definitions()
}

func validateKeys(routingKey, metricKey string) error {
	if routingKey == "" {
		return ErrEmptyRoutingKey
	}
	if metricKey == "" {
		return ErrEmptyMetricKey
	}
	return nil
}

var (
	instance     *Control
	instanceErr  error
	instanceOnce sync.Once
)

// Instance returns the process-wide introspection control, creating it and
// starting both background cycles on first call. Collaborators are built from
// the configuration attached to ctx. Subsequent calls return the cached
// instance without re-running initialization. A first-call failure is sticky
// and reported to every caller.
func Instance(ctx context.Context) (*Control, error) {
	log := logger.FromContext(ctx)
	instanceOnce.Do(func() {
		log.Info("creating singleton instance of introspection control")
		cfg := config.FromContext(ctx)
		kv, err := kvstore.New(ctx, &cfg.Redis)
		if err != nil {
			instanceErr = fmt.Errorf("initializing introspection control: %w", err)
			return
		}
		dialer, err := broker.NewAMQPDialer(&cfg.Rabbit)
		if err != nil {
			kv.Close()
			instanceErr = fmt.Errorf("initializing introspection control: %w", err)
			return
		}
		ctl := NewControl(kv, dialer, &cfg.Relay, clock.New())
		ctl.Start(ctx)
		instance = ctl
	})
	return instance, instanceErr
}
