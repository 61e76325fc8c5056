package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ingest"

// Metrics are the pipeline's Prometheus collectors. A nil Registerer leaves them unregistered.
type Metrics struct {
	RecordsRead       prometheus.Counter
	RecordsAccepted   prometheus.Counter
	RecordsFiltered   *prometheus.CounterVec
	RecordsMalformed  *prometheus.CounterVec
	LateUnits         prometheus.Counter
	BatchesFlushed    prometheus.Counter
	BytesWritten      prometheus.Counter
	FlushFailures     prometheus.Counter
	PollFailures      *prometheus.CounterVec
	CheckpointCommits prometheus.Counter
	CheckpointSeq     prometheus.Gauge
	CycleDuration     prometheus.Histogram
	SinkDropped       prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer, instance string) *Metrics {
	f := promauto.With(reg)
	labels := prometheus.Labels{"instance": instance}
	return &Metrics{
		RecordsRead: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "records_read_total", ConstLabels: labels,
			Help: "Records and malformed lines consumed from the source.",
		}),
		RecordsAccepted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "records_accepted_total", ConstLabels: labels,
			Help: "Records admitted into output batches.",
		}),
		RecordsFiltered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "records_filtered_total", ConstLabels: labels,
			Help: "Records dropped by freshness or predicate filters.",
		}, []string{"reason"}),
		RecordsMalformed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "records_malformed_total", ConstLabels: labels,
			Help: "Lines or units routed to the bad records location.",
		}, []string{"reason"}),
		LateUnits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "late_units_total", ConstLabels: labels,
			Help: "Source units read after landing behind the read position.",
		}),
		BatchesFlushed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "batches_flushed_total", ConstLabels: labels,
			Help: "Output files published.",
		}),
		BytesWritten: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "output_bytes_total", ConstLabels: labels,
			Help: "Bytes published to the output location.",
		}),
		FlushFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "flush_failures_total", ConstLabels: labels,
			Help: "Failed flush attempts.",
		}),
		PollFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "poll_failures_total", ConstLabels: labels,
			Help: "Failed polls by error class.",
		}, []string{"class"}),
		CheckpointCommits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "checkpoint_commits_total", ConstLabels: labels,
			Help: "Durable checkpoint advances.",
		}),
		CheckpointSeq: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "checkpoint_next_seq", ConstLabels: labels,
			Help: "Sequence number of the next output file.",
		}),
		CycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "cycle_duration_seconds", ConstLabels: labels,
			Help:    "Duration of micro-batch cycles.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		SinkDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "bad_records_dropped_total", ConstLabels: labels,
			Help: "Malformed entries the bad records sink could not persist.",
		}),
	}
}
