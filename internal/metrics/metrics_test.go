package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRegisterAndIncrement(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ConnectedInterfaces.Set(3)
	if got := testutil.ToFloat64(m.ConnectedInterfaces); got != 3 {
		t.Fatalf("expected gauge value 3, got %v", got)
	}

	m.PrimarySwitches.Inc()
	m.PrimarySwitches.Inc()
	if got := testutil.ToFloat64(m.PrimarySwitches); got != 2 {
		t.Fatalf("expected counter value 2, got %v", got)
	}

	m.ChunkOutcomes.WithLabelValues("ACCEPTED").Inc()
	if got := testutil.ToFloat64(m.ChunkOutcomes.WithLabelValues("ACCEPTED")); got != 1 {
		t.Fatalf("expected labeled counter value 1, got %v", got)
	}
}
