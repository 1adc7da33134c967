package metrics

import (
	"github.com/burrowops/burrow/pkg/engine/db"
)

// EmitGauge maps one engine gauge sample onto its Prometheus collector.
// Wire it as the worker's gauge sink so the elected publisher's samples
// land on the metrics endpoint.
func EmitGauge(v db.GaugeValue) {
	label := func(i int) string {
		if i < len(v.Labels) {
			return v.Labels[i]
		}
		return ""
	}

	switch v.Metric {
	case db.GaugeWorkflowSleeping:
		WorkflowsSleeping.WithLabelValues(label(0)).Set(float64(v.Value))
	case db.GaugeWorkflowActive:
		WorkflowsActive.WithLabelValues(label(0)).Set(float64(v.Value))
	case db.GaugeWorkflowComplete:
		WorkflowsComplete.WithLabelValues(label(0)).Set(float64(v.Value))
	case db.GaugeWorkflowDead:
		WorkflowsDead.WithLabelValues(label(0), label(1)).Set(float64(v.Value))
	case db.GaugeSignalPending:
		SignalsPending.WithLabelValues(label(0)).Set(float64(v.Value))
	}
}
