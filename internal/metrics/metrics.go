package metrics

import (
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/canble-bridge/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus counters
var (
	BusRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bus_rx_frames_total",
		Help: "Total CAN frames received from the bus handle.",
	})
	BusTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bus_tx_frames_total",
		Help: "Total CAN frames transmitted on the bus handle.",
	})
	FilteredFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bus_filtered_frames_total",
		Help: "Frames delivered by the handle but rejected by the software filter backstop.",
	})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "malformed_frames_total",
		Help: "Total frames whose payload was too short to decode as telemetry.",
	})
	TelemetryMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_messages_total",
		Help: "Total telemetry messages decoded and fanned out.",
	})
	DeliveryDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "delivery_dropped_total",
		Help: "Values dropped because a subscriber queue was full.",
	})
	DeliveryFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "delivery_failed_total",
		Help: "Subscriber notify calls that returned an error.",
	})
	Notifications = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ble_notifications_total",
		Help: "Property-change notifications emitted to the wireless stack.",
	})
	Subscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "registry_subscribers",
		Help: "Current number of registered subscribers across all registries.",
	})
	FanoutSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "registry_fanout",
		Help: "Number of subscribers targeted by the most recent fan-out.",
	})
	NotifyingCharacteristics = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ble_notifying_characteristics",
		Help: "Characteristics currently in the notifying state.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrBusRead          = "bus_read"
	ErrBusWrite         = "bus_write"
	ErrDelivery         = "delivery"
	ErrDeliveryOverflow = "delivery_overflow"
	ErrEmit             = "ble_emit"
	ErrBLERegister      = "ble_register"
)

// StartHTTP serves Prometheus metrics at /metrics and readiness at /ready.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	log := logging.Component("metrics")
	go func() {
		log.Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for easy logging (avoid Prometheus scraping in-process)
var (
	localRx         uint64
	localTx         uint64
	localFiltered   uint64
	localMalformed  uint64
	localMessages   uint64
	localDropped    uint64
	localFailed     uint64
	localNotifies   uint64
	localErrors     uint64
	localSubs       int64
	localFanout     uint64
	localNotifyChrs int64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	BusRx           uint64
	BusTx           uint64
	Filtered        uint64
	Malformed       uint64
	Messages        uint64
	DeliveryDropped uint64
	DeliveryFailed  uint64
	Notifications   uint64
	Errors          uint64 // sum across error labels
	Subscribers     int64
	Fanout          uint64
	Notifying       int64
}

func Snap() Snapshot {
	return Snapshot{
		BusRx:           atomic.LoadUint64(&localRx),
		BusTx:           atomic.LoadUint64(&localTx),
		Filtered:        atomic.LoadUint64(&localFiltered),
		Malformed:       atomic.LoadUint64(&localMalformed),
		Messages:        atomic.LoadUint64(&localMessages),
		DeliveryDropped: atomic.LoadUint64(&localDropped),
		DeliveryFailed:  atomic.LoadUint64(&localFailed),
		Notifications:   atomic.LoadUint64(&localNotifies),
		Errors:          atomic.LoadUint64(&localErrors),
		Subscribers:     atomic.LoadInt64(&localSubs),
		Fanout:          atomic.LoadUint64(&localFanout),
		Notifying:       atomic.LoadInt64(&localNotifyChrs),
	}
}

// Wrapper helpers to keep call sites simple.
func IncBusRx() {
	BusRxFrames.Inc()
	atomic.AddUint64(&localRx, 1)
}

func IncBusTx() {
	BusTxFrames.Inc()
	atomic.AddUint64(&localTx, 1)
}

func IncFiltered() {
	FilteredFrames.Inc()
	atomic.AddUint64(&localFiltered, 1)
}

func IncMalformed() {
	MalformedFrames.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

func IncMessages() {
	TelemetryMessages.Inc()
	atomic.AddUint64(&localMessages, 1)
}

func IncDeliveryDrop() {
	DeliveryDropped.Inc()
	atomic.AddUint64(&localDropped, 1)
}

func IncDeliveryFailed() {
	DeliveryFailed.Inc()
	atomic.AddUint64(&localFailed, 1)
}

func IncNotifications() {
	Notifications.Inc()
	atomic.AddUint64(&localNotifies, 1)
}

// AddSubscribers adjusts the subscriber gauge by delta (registries report their own changes).
func AddSubscribers(delta int) {
	Subscribers.Add(float64(delta))
	atomic.AddInt64(&localSubs, int64(delta))
}

func SetFanout(n int) {
	FanoutSize.Set(float64(n))
	atomic.StoreUint64(&localFanout, uint64(n))
}

// AddNotifying adjusts the notifying characteristics gauge by delta.
func AddNotifying(delta int) {
	NotifyingCharacteristics.Add(float64(delta))
	atomic.AddInt64(&localNotifyChrs, int64(delta))
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register error label series so the first error does not create a new series.
	for _, lbl := range []string{
		ErrBusRead, ErrBusWrite, ErrDelivery, ErrDeliveryOverflow, ErrEmit, ErrBLERegister,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // if not set yet, treat as ready so metrics endpoint doesn't flap
		return true
	}
	return fn()
}
