package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	ActivePeerCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "peerbeam_active_peer_count",
		Help: "Number of currently connected peers",
	})

	TransferThroughput = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "peerbeam_transfer_throughput_bytes_total",
		Help: "Total bytes transferred over data channels",
	})

	FilesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "peerbeam_files_received_total",
		Help: "Number of files fully reassembled",
	})

	NegotiationFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "peerbeam_negotiation_failures_total",
		Help: "Number of failed or timed out connection negotiations",
	})

	CloudChunkRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "peerbeam_cloud_chunk_retries_total",
		Help: "Number of retried cloud chunk uploads",
	})

	SealFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "peerbeam_seal_failures_total",
		Help: "Number of failed cache encryption or decryption operations",
	})
)

func Register() {
	prometheus.MustRegister(
		ActivePeerCount,
		TransferThroughput,
		FilesReceived,
		NegotiationFailures,
		CloudChunkRetries,
		SealFailures,
	)
}
