package monitoring

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObservationsTotal_LabelsAreIndependent(t *testing.T) {
	accepted := ObservationsTotal.WithLabelValues("metrics-test", ResultAccepted)
	rejected := ObservationsTotal.WithLabelValues("metrics-test", ResultRejected)

	before := testutil.ToFloat64(accepted)
	accepted.Inc()
	accepted.Inc()

	if got := testutil.ToFloat64(accepted) - before; got != 2 {
		t.Errorf("accepted delta = %v, want 2", got)
	}
	if got := testutil.ToFloat64(rejected); got != 0 {
		t.Errorf("rejected = %v, want 0", got)
	}
}

func TestQueueDepth_Set(t *testing.T) {
	g := QueueDepth.WithLabelValues("metrics-test")
	g.Set(7)
	if got := testutil.ToFloat64(g); got != 7 {
		t.Errorf("queue depth = %v, want 7", got)
	}
}
