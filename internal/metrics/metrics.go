// Package metrics declares the prometheus collectors exported by
// bidcosgwd, extending the two gauges ccu.go registered
// (hm_LastContact, hm_PacketsDecoded) to the new queue/cache/AES/radio
// components (spec §11).
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// LastContact is kept from the teacher's ccu.go: last device
	// contact as a UNIX timestamp, per device address.
	LastContact = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "bidcosgw",
			Name:      "last_contact_seconds",
			Help:      "Last device contact as UNIX timestamps, i.e. seconds since the epoch",
		},
		[]string{"address", "name"})

	// PacketsDecoded is kept from the teacher's ccu.go, generalized
	// from "hm.Device event type" to "BidCoS command".
	PacketsDecoded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bidcosgw",
			Name:      "packets_decoded_total",
			Help:      "number of BidCoS packets successfully decoded",
		},
		[]string{"interface", "cmd"})

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "bidcosgw",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "number of pending steps in a peer's transmit queue",
		},
		[]string{"address"})

	QueueRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bidcosgw",
			Subsystem: "queue",
			Name:      "retries_total",
			Help:      "number of retransmits issued by the queue retry machine",
		},
		[]string{"address"})

	QueueFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bidcosgw",
			Subsystem: "queue",
			Name:      "failures_total",
			Help:      "number of queues that exhausted all retries and marked their peer unreachable",
		},
		[]string{"address"})

	PacketCacheSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "bidcosgw",
			Subsystem: "packetcache",
			Name:      "entries",
			Help:      "number of entries currently held by the duplicate-packet dedup cache",
		})

	PacketCacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bidcosgw",
			Subsystem: "packetcache",
			Name:      "lookups_total",
			Help:      "duplicate-packet cache lookups, partitioned by whether the packet was a duplicate",
		},
		[]string{"result"}) // "duplicate" or "fresh"

	AESFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bidcosgw",
			Subsystem: "aes",
			Name:      "handshake_failures_total",
			Help:      "AES challenge/response handshakes that failed signature verification",
		},
		[]string{"peer"})

	InterfaceRSSI = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "bidcosgw",
			Subsystem: "radio",
			Name:      "rssi_dbm",
			Help:      "RSSI, in dBm, of received BidCoS frames per physical interface",
			Buckets:   []float64{-100, -95, -90, -85, -80, -75, -70, -65, -60, -55, -50},
		},
		[]string{"interface"})

	DutyCycleLimitHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bidcosgw",
			Subsystem: "radio",
			Name:      "duty_cycle_limit_hits_total",
			Help:      "number of times a transport reported its 1%% transmit duty-cycle limit (CUL/COC LOVF)",
		},
		[]string{"interface"})
)

func init() {
	prometheus.MustRegister(
		LastContact,
		PacketsDecoded,
		QueueDepth,
		QueueRetries,
		QueueFailures,
		PacketCacheSize,
		PacketCacheHits,
		AESFailures,
		InterfaceRSSI,
		DutyCycleLimitHits,
	)
}
