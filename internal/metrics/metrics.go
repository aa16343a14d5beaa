// Package metrics exposes the node's Prometheus counters and histograms,
// registered once per process and served over the Control Surface HTTP
// façade's /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HeartbeatsSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meshblob_heartbeats_sent_total",
		Help: "Total UDP heartbeat datagrams sent.",
	})
	HeartbeatsReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meshblob_heartbeats_received_total",
		Help: "Total UDP heartbeat datagrams received.",
	})

	BlocksPlaced = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meshblob_blocks_placed_total",
		Help: "Total blocks successfully placed (original or replica).",
	})
	BytesPlaced = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meshblob_bytes_placed_total",
		Help: "Total block bytes successfully placed.",
	})

	UploadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meshblob_uploads_total",
		Help: "Total upload attempts by outcome.",
	}, []string{"outcome"})
	DownloadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meshblob_downloads_total",
		Help: "Total download attempts by outcome.",
	}, []string{"outcome"})

	UploadDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "meshblob_upload_duration_seconds",
		Help:    "Latency of whole-file uploads.",
		Buckets: prometheus.DefBuckets,
	})
	DownloadDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "meshblob_download_duration_seconds",
		Help:    "Latency of whole-file downloads.",
		Buckets: prometheus.DefBuckets,
	})

	PeersOnline = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "meshblob_peers_online",
		Help: "Current count of peers marked online by the failure detector.",
	})
)

// Register adds every collector to the default registry. Call once from
// main; tests that build an Engine/Membership directly never call this.
func Register() {
	prometheus.MustRegister(
		HeartbeatsSent, HeartbeatsReceived,
		BlocksPlaced, BytesPlaced,
		UploadsTotal, DownloadsTotal,
		UploadDuration, DownloadDuration,
		PeersOnline,
	)
}

// Timer starts a Prometheus timer that records into h on ObserveDuration.
func Timer(h prometheus.Histogram) *prometheus.Timer {
	return prometheus.NewTimer(h)
}
