package livepatch

import (
	"fmt"
	"io"
	"time"

	"github.com/VictoriaMetrics/metrics"

	"github.com/fengyoulin/livepatch/fault"
)

var (
	metricSet = metrics.NewSet()

	patchesCreated  = metricSet.NewCounter("livepatch_patches_created_total")
	patchesApplied  = metricSet.NewCounter("livepatch_patches_applied_total")
	patchesRestored = metricSet.NewCounter("livepatch_patches_restored_total")
	barrierDuration = metricSet.NewSummary("livepatch_barrier_duration_seconds")
)

func countFailure(err error) {
	metricSet.GetOrCreateCounter(fmt.Sprintf(`livepatch_patch_failures_total{kind=%q}`, fault.KindOf(err))).Inc()
}

func countBarrier(mode BarrierMode, start time.Time) {
	metricSet.GetOrCreateCounter(fmt.Sprintf(`livepatch_barrier_acquired_total{mode=%q}`, mode)).Inc()
	barrierDuration.UpdateDuration(start)
}

// WriteMetrics writes the engine metrics in Prometheus text format.
func WriteMetrics(w io.Writer) {
	metricSet.WritePrometheus(w)
}
