package metrics

import (
	"fmt"
	"sort"
	"strings"
	"time"

	dto "github.com/prometheus/client_model/go"
)

// Snapshot is a consistent point-in-time read of every counter and gauge.
// Keys are the metric name followed by its sorted label pairs.
type Snapshot struct {
	At     time.Time
	Values map[string]float64
}

// Key builds the canonical lookup key for a metric and label set.
func Key(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	pairs := make([]string, 0, len(labels))
	for k, v := range labels {
		pairs = append(pairs, fmt.Sprintf("%s=%q", k, v))
	}
	sort.Strings(pairs)
	return name + "{" + strings.Join(pairs, ",") + "}"
}

// Value returns the sample for a metric, zero when absent.
func (s Snapshot) Value(name string, labels map[string]string) float64 {
	return s.Values[Key(name, labels)]
}

// Sum totals every sample of a metric across all label combinations.
func (s Snapshot) Sum(name string) float64 {
	total := 0.0
	for key, v := range s.Values {
		if key == name || strings.HasPrefix(key, name+"{") {
			total += v
		}
	}
	return total
}

// Snapshot gathers the registry. Gathering reads each metric atomically
// through the prometheus client, so no torn values are possible and
// producers are never serialized behind the read.
func (m *Metrics) Snapshot() (Snapshot, error) {
	families, err := m.reg.Gather()
	if err != nil {
		return Snapshot{}, fmt.Errorf("gather metrics: %w", err)
	}
	snap := Snapshot{At: time.Now(), Values: make(map[string]float64)}
	for _, fam := range families {
		for _, sample := range fam.GetMetric() {
			labels := make(map[string]string, len(sample.GetLabel()))
			for _, pair := range sample.GetLabel() {
				labels[pair.GetName()] = pair.GetValue()
			}
			var value float64
			switch fam.GetType() {
			case dto.MetricType_COUNTER:
				value = sample.GetCounter().GetValue()
			case dto.MetricType_GAUGE:
				value = sample.GetGauge().GetValue()
			default:
				continue
			}
			snap.Values[Key(fam.GetName(), labels)] = value
		}
	}
	return snap, nil
}
