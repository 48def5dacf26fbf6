package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterDefaultIsIdempotent(t *testing.T) {
	RegisterDefault()
	RegisterDefault()
	OptimizationRuns.WithLabelValues("ok").Inc()
	if got := testutil.ToFloat64(OptimizationRuns.WithLabelValues("ok")); got < 1 {
		t.Fatalf("counter not incremented: %v", got)
	}
	n, err := testutil.GatherAndCount(Registry, "optimization_runs_total")
	if err != nil || n == 0 {
		t.Fatalf("gather: n=%d err=%v", n, err)
	}
}
