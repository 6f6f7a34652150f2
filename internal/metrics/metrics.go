package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pipeline-wide collectors. Registration is process-global which matches the
// one-pipeline-per-process deployment model.
var (
	VideoFramesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "livepush",
		Name:      "video_frames_dropped_total",
		Help:      "H.264 frames removed from the video queue by GOP dropping.",
	})

	VideoMillisDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "livepush",
		Name:      "video_millis_dropped_total",
		Help:      "Milliseconds of video removed from the queue by GOP dropping.",
	})

	AudioPacketsDiscarded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "livepush",
		Name:      "audio_packets_discarded_total",
		Help:      "PCM packets discarded to rebalance A/V sync after video drops.",
	})

	MessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "livepush",
		Name:      "messages_sent_total",
		Help:      "RTMP media messages written to the ingest endpoint.",
	}, []string{"type"})

	BytesSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "livepush",
		Name:      "bytes_sent_total",
		Help:      "Media payload bytes written to the ingest endpoint.",
	})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "livepush",
		Name:      "queue_depth",
		Help:      "Current number of packets held per queue.",
	}, []string{"queue"})
)

// Handler exposes the default registry for the optional -metrics-addr
// listener in cmd/livepush.
func Handler() http.Handler { return promhttp.Handler() }
