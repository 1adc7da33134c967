package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/burrowops/burrow/pkg/engine/db"
)

func TestEmitGauge(t *testing.T) {
	EmitGauge(db.GaugeValue{Metric: db.GaugeWorkflowSleeping, Labels: []string{"echo"}, Value: 3})
	EmitGauge(db.GaugeValue{Metric: db.GaugeWorkflowDead, Labels: []string{"echo", "boom"}, Value: 1})
	EmitGauge(db.GaugeValue{Metric: db.GaugeSignalPending, Labels: []string{"go"}, Value: 7})

	assert.Equal(t, float64(3), testutil.ToFloat64(WorkflowsSleeping.WithLabelValues("echo")))
	assert.Equal(t, float64(1), testutil.ToFloat64(WorkflowsDead.WithLabelValues("echo", "boom")))
	assert.Equal(t, float64(7), testutil.ToFloat64(SignalsPending.WithLabelValues("go")))
}

func TestEmitGaugeMissingLabelsSafe(t *testing.T) {
	// A dead gauge sample without its error label must not panic.
	EmitGauge(db.GaugeValue{Metric: db.GaugeWorkflowDead, Labels: []string{"echo"}, Value: 1})
	assert.Equal(t, float64(1), testutil.ToFloat64(WorkflowsDead.WithLabelValues("echo", "")))
}
