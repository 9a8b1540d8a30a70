package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	chunksReceived   *prometheus.CounterVec
	chunkBytes       prometheus.Counter
	merges           *prometheus.CounterVec
	mergeDuration    prometheus.Histogram
	mergedBytes      prometheus.Counter
	transcodes       *prometheus.CounterVec
	transcodeSeconds prometheus.Histogram
	sessionsExpired  prometheus.Counter
	activeSessions   prometheus.GaugeFunc
}

// New registers every uploader metric on a private registry. activeSessions
// is sampled on scrape.
func New(activeSessions func() float64) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	if activeSessions == nil {
		activeSessions = func() float64 { return 0 }
	}

	return &Metrics{
		registry: reg,
		chunksReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "uploader_chunks_total",
			Help: "Chunk requests by result",
		}, []string{"result"}),
		chunkBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "uploader_chunk_bytes_total",
			Help: "Bytes of chunk payload stored",
		}),
		merges: f.NewCounterVec(prometheus.CounterOpts{
			Name: "uploader_merges_total",
			Help: "Completed merges by result",
		}, []string{"result"}),
		mergeDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "uploader_merge_duration_seconds",
			Help:    "Time taken to concatenate chunks",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
		mergedBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "uploader_merged_bytes_total",
			Help: "Bytes written to merged artifacts",
		}),
		transcodes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "uploader_transcodes_total",
			Help: "Post-processing conversions by result",
		}, []string{"result"}),
		transcodeSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "uploader_transcode_duration_seconds",
			Help:    "Time taken to convert merged artifacts",
			Buckets: prometheus.LinearBuckets(10, 10, 10),
		}),
		sessionsExpired: f.NewCounter(prometheus.CounterOpts{
			Name: "uploader_sessions_expired_total",
			Help: "Upload sessions discarded after inactivity",
		}),
		activeSessions: f.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "uploader_active_sessions",
			Help: "Upload sessions currently receiving chunks",
		}, activeSessions),
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ChunkStored counts one chunk request. result is "stored", "duplicate" or
// an error class.
func (m *Metrics) ChunkStored(result string, size int64) {
	if m == nil {
		return
	}
	m.chunksReceived.WithLabelValues(result).Inc()
	if size > 0 {
		m.chunkBytes.Add(float64(size))
	}
}

func (m *Metrics) MergeFinished(err error, size int64, took time.Duration) {
	if m == nil {
		return
	}
	if err != nil {
		m.merges.WithLabelValues("error").Inc()
		return
	}
	m.merges.WithLabelValues("ok").Inc()
	m.mergedBytes.Add(float64(size))
	m.mergeDuration.Observe(took.Seconds())
}

func (m *Metrics) TranscodeFinished(err error, took time.Duration) {
	if m == nil {
		return
	}
	if err != nil {
		m.transcodes.WithLabelValues("error").Inc()
		return
	}
	m.transcodes.WithLabelValues("ok").Inc()
	m.transcodeSeconds.Observe(took.Seconds())
}

func (m *Metrics) SessionsExpired(n int) {
	if m == nil || n == 0 {
		return
	}
	m.sessionsExpired.Add(float64(n))
}
