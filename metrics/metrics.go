// Package metrics exposes the gateway's Prometheus instrumentation:
// SDO transaction outcomes, bus queue depth, and spot-value cycle
// latency. Package-level promauto-registered vectors plus a dedicated
// HTTP exposer.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SdoTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cangateway_sdo_timeouts_total",
		Help: "Total SDO requests that exceeded their deadline without a response.",
	})
	SdoAborts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cangateway_sdo_aborts_total",
		Help: "Total SDO abort responses received, by abort class.",
	}, []string{"class"})
	SdoRoundTrips = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cangateway_sdo_round_trips_total",
		Help: "Total completed SDO request/response round trips.",
	})
	TxQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cangateway_tx_queue_depth",
		Help: "Current number of frames queued for transmit.",
	})
	RxFramesObserved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cangateway_rx_frames_observed_total",
		Help: "Total inbound frames seen by the SDO client's observer hook.",
	})
	SpotValueCycleSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cangateway_spot_value_cycle_seconds",
		Help:    "Wall-clock duration of one full spot-value polling cycle.",
		Buckets: prometheus.DefBuckets,
	})
	DevicesKnown = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cangateway_devices_known",
		Help: "Current number of devices in the persisted device directory.",
	})
	FirmwarePagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cangateway_firmware_pages_sent_total",
		Help: "Total firmware pages successfully acknowledged by a bootloader.",
	})
	ClientLockRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cangateway_client_lock_rejections_total",
		Help: "Total commands rejected because another client already holds the node's lock.",
	})
)

// Serve starts the /metrics HTTP endpoint on addr using a dedicated
// mux, never the default one.
func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		_ = srv.ListenAndServe()
	}()
	return srv
}
