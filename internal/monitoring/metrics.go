package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Observation results used as the "result" label of ObservationsTotal.
const (
	ResultAccepted     = "accepted"
	ResultRejected     = "rejected"
	ResultDropped      = "dropped"
	ResultApplied      = "applied"
	ResultTFFailed     = "tf_failed"
	ResultUpdateFailed = "update_failed"
	ResultDiscarded    = "discarded"
)

// ApplyBuckets covers single-observation update latency, from small scans
// to dense 3-D clouds.
var ApplyBuckets = []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1}

var (
	// ObservationsTotal counts observations by mapper and outcome.
	ObservationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mapping",
		Name:      "observations_total",
		Help:      "Observations seen by a mapper, by outcome.",
	}, []string{"mapper", "result"})

	// QueueDepth tracks the current ingestion queue length per mapper.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "mapping",
		Name:      "queue_depth",
		Help:      "Observations waiting in the ingestion queue.",
	}, []string{"mapper"})

	// ApplySeconds measures the time spent folding one observation into a map.
	ApplySeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "mapping",
		Name:      "apply_seconds",
		Help:      "Time spent applying one observation.",
		Buckets:   ApplyBuckets,
	}, []string{"mapper"})

	// PublishTotal counts snapshot deliveries by mapper, publisher and result.
	PublishTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mapping",
		Name:      "publish_total",
		Help:      "Snapshot deliveries to map publishers.",
	}, []string{"mapper", "publisher", "result"})

	// SaveTotal counts saveMap calls by mapper and result (ok, error).
	SaveTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mapping",
		Name:      "save_total",
		Help:      "Map persistence requests.",
	}, []string{"mapper", "result"})
)
