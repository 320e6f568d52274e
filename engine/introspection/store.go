package introspection

import "sync"

// Snapshot maps routing key to metric key to accumulated value.
type Snapshot map[string]map[string]int64

// MetricStore holds the two accumulation tables shared between recording
// callers and the publish cycle. Stateful counters keep their all-time
// cumulative totals across flushes; stateless counters accumulate between
// flushes and are reset when drained. All access is guarded by one mutex so
// a delta recorded concurrently with a drain lands fully in the pre-drain
// snapshot or fully in the next cycle, never both and never neither.
type MetricStore struct {
	mu        sync.Mutex
	stateful  Snapshot
	stateless Snapshot
}

func NewMetricStore() *MetricStore {
	return &MetricStore{
		stateful:  make(Snapshot),
		stateless: make(Snapshot),
	}
}

// RecordStateful adds delta to the cumulative counter for the routing-key /
// metric-key pair, creating it at zero when absent. Never blocks on I/O.
func (s *MetricStore) RecordStateful(routingKey, metricKey string, delta int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record(s.stateful, routingKey, metricKey, delta)
}

// RecordStateless adds delta to the between-flush counter for the
// routing-key / metric-key pair, creating it at zero when absent.
func (s *MetricStore) RecordStateless(routingKey, metricKey string, delta int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record(s.stateless, routingKey, metricKey, delta)
}

func record(table Snapshot, routingKey, metricKey string, delta int64) {
	bucket, ok := table[routingKey]
	if !ok {
		bucket = make(map[string]int64)
		table[routingKey] = bucket
	}
	bucket[metricKey] += delta
}

// Drain atomically extracts both tables for publishing. The stateful table is
// copied as-is and left untouched. Stateless entries with a nonzero value are
// copied into the snapshot and reset to zero in place; entries that settled
// at zero are dropped from both the snapshot and the live table, and a
// routing-key bucket left empty is pruned. A routing key whose stateless
// metrics were all zero this cycle is therefore absent from the returned
// snapshot and nothing gets published for it.
func (s *MetricStore) Drain() (stateless, stateful Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stateful = make(Snapshot, len(s.stateful))
	for routingKey, bucket := range s.stateful {
		copied := make(map[string]int64, len(bucket))
		for metricKey, value := range bucket {
			copied[metricKey] = value
		}
		stateful[routingKey] = copied
	}

	stateless = make(Snapshot, len(s.stateless))
	for routingKey, bucket := range s.stateless {
		copied := make(map[string]int64, len(bucket))
		for metricKey, value := range bucket {
			if value == 0 {
				delete(bucket, metricKey)
				continue
			}
			copied[metricKey] = value
			bucket[metricKey] = 0
		}
		if len(copied) > 0 {
			stateless[routingKey] = copied
		}
		if len(bucket) == 0 {
			delete(s.stateless, routingKey)
		}
	}
	return stateless, stateful
}
