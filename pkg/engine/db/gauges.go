package db

import (
	"github.com/burrowops/burrow/pkg/keyspace"
	"github.com/burrowops/burrow/pkg/kv"
)

// Gauge metric names maintained transactionally alongside state
// transitions. Values are atomic counters keyed by (metric, labels).
const (
	GaugeWorkflowSleeping = "workflow_sleeping"
	GaugeWorkflowActive   = "workflow_active"
	GaugeWorkflowDead     = "workflow_dead"
	GaugeWorkflowComplete = "workflow_complete"
	GaugeSignalPending    = "signal_pending"
)

func gaugeKey(metric string, labels ...string) []byte {
	tup := make(keyspace.Tuple, 0, 1+len(labels))
	tup = append(tup, metric)
	for _, l := range labels {
		tup = append(tup, l)
	}
	return gaugeSub().Pack(tup)
}

func incGauge(tx *kv.Tx, metric string, labels ...string) error {
	return tx.AddInt64(gaugeKey(metric, labels...), 1)
}

func decGauge(tx *kv.Tx, metric string, labels ...string) error {
	return tx.AddInt64(gaugeKey(metric, labels...), -1)
}

// moveGauge shifts one unit between two gauges of the same label set,
// keeping the total stable across a state transition.
func moveGauge(tx *kv.Tx, fromMetric, toMetric string, labels ...string) error {
	if err := decGauge(tx, fromMetric, labels...); err != nil {
		return err
	}
	return incGauge(tx, toMetric, labels...)
}
