package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-stalk-gateway/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus counters
var (
	LinkRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "link_rx_frames_total",
		Help: "Total CAN frames accepted into the link receive queue.",
	})
	LinkTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "link_tx_frames_total",
		Help: "Total CAN frames confirmed transmitted by the controller.",
	})
	LinkTxTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "link_tx_timeouts_total",
		Help: "Total in-flight frames aborted after the transmit timeout.",
	})
	LinkBusEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "link_bus_events_total",
		Help: "Controller conditions reported by the bus (overrun, bus_error, bus_off).",
	}, []string{"kind"})
	LinkReinits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "link_reinit_total",
		Help: "Total link re-initialisations after bus-off.",
	})
	IsoTPRxPackets = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "isotp_rx_packets_total",
		Help: "Reassembled packets handed to the application, by channel.",
	}, []string{"channel"})
	IsoTPTxPackets = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "isotp_tx_packets_total",
		Help: "Packets accepted for transmission, by channel.",
	}, []string{"channel"})
	IsoTPTxFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "isotp_tx_failures_total",
		Help: "Segmented transmissions abandoned after retries, by severity.",
	}, []string{"channel", "severity"})
	IsoTPProtocolEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "isotp_protocol_events_total",
		Help: "Recoverable protocol events (sequence_error, rx_overflow, fc_wait, retry).",
	}, []string{"event"})
	TapRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tap_rx_frames_total",
		Help: "Total CAN frames injected by tap clients.",
	})
	TapTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tap_tx_frames_total",
		Help: "Total CAN frames mirrored to tap clients.",
	})
	HubDroppedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_dropped_frames_total",
		Help: "Total CAN frames dropped by hub due to slow clients.",
	})
	HubKickedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_kicked_clients_total",
		Help: "Total clients disconnected due to backpressure kick policy.",
	})
	HubRejectedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_rejected_clients_total",
		Help: "Total client connection attempts rejected (e.g., max-clients).",
	})
	HubActiveClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_active_clients",
		Help: "Current number of active connected clients.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "malformed_frames_total",
		Help: "Total rejected malformed frames (protocol violations, invalid length, truncated).",
	})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrTCPRead         = "tcp_read"
	ErrTCPWrite        = "tcp_write"
	ErrHandshake       = "handshake"
	ErrSerialWrite     = "serial_write"
	ErrSerialRead      = "serial_read"
	ErrSerialCommand   = "serial_command"
	ErrSocketCANWrite  = "socketcan_write"
	ErrSocketCANRead   = "socketcan_read"
	ErrLinkTxFull      = "link_tx_full"
	ErrLinkTxStart     = "link_tx_start"
	ErrTapInjectFull   = "tap_inject_full"
	ErrTapInject       = "tap_inject"
	ErrTapListen       = "tap_listen"
	ErrControllerBusy  = "controller_busy"
	ErrChannelTransmit = "channel_transmit"
)

// Protocol event labels
const (
	EventSequenceError = "sequence_error"
	EventRxOverflow    = "rx_overflow"
	EventFlowWait      = "fc_wait"
	EventRetry         = "retry"
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

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for easy logging (avoid Prometheus scraping in-process)
var (
	localLinkRx       uint64
	localLinkTx       uint64
	localTxTimeouts   uint64
	localOverruns     uint64
	localBusErrors    uint64
	localBusOff       uint64
	localReinits      uint64
	localPktRx        uint64
	localPktTx        uint64
	localTxFailMajor  uint64
	localTxFailMinor  uint64
	localSeqErrors    uint64
	localRxOverflow   uint64
	localTapRx        uint64
	localTapTx        uint64
	localHubDrop      uint64
	localHubKick      uint64
	localHubReject    uint64
	localHubClients   uint64
	localErrors       uint64
	localMalformed    uint64
	localFlowWaits    uint64
	localRetries      uint64
	localOtherProtoEv uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	LinkRx      uint64
	LinkTx      uint64
	TxTimeouts  uint64
	Overruns    uint64
	BusErrors   uint64
	BusOff      uint64
	Reinits     uint64
	PacketsRx   uint64
	PacketsTx   uint64
	TxFailMajor uint64
	TxFailMinor uint64
	SeqErrors   uint64
	RxOverflow  uint64
	FlowWaits   uint64
	Retries     uint64
	TapRx       uint64
	TapTx       uint64
	HubDrops    uint64
	HubKicks    uint64
	HubRejects  uint64
	HubClients  uint64
	Errors      uint64 // sum across error labels
	Malformed   uint64
}

func Snap() Snapshot {
	return Snapshot{
		LinkRx:      atomic.LoadUint64(&localLinkRx),
		LinkTx:      atomic.LoadUint64(&localLinkTx),
		TxTimeouts:  atomic.LoadUint64(&localTxTimeouts),
		Overruns:    atomic.LoadUint64(&localOverruns),
		BusErrors:   atomic.LoadUint64(&localBusErrors),
		BusOff:      atomic.LoadUint64(&localBusOff),
		Reinits:     atomic.LoadUint64(&localReinits),
		PacketsRx:   atomic.LoadUint64(&localPktRx),
		PacketsTx:   atomic.LoadUint64(&localPktTx),
		TxFailMajor: atomic.LoadUint64(&localTxFailMajor),
		TxFailMinor: atomic.LoadUint64(&localTxFailMinor),
		SeqErrors:   atomic.LoadUint64(&localSeqErrors),
		RxOverflow:  atomic.LoadUint64(&localRxOverflow),
		FlowWaits:   atomic.LoadUint64(&localFlowWaits),
		Retries:     atomic.LoadUint64(&localRetries),
		TapRx:       atomic.LoadUint64(&localTapRx),
		TapTx:       atomic.LoadUint64(&localTapTx),
		HubDrops:    atomic.LoadUint64(&localHubDrop),
		HubKicks:    atomic.LoadUint64(&localHubKick),
		HubRejects:  atomic.LoadUint64(&localHubReject),
		HubClients:  atomic.LoadUint64(&localHubClients),
		Errors:      atomic.LoadUint64(&localErrors),
		Malformed:   atomic.LoadUint64(&localMalformed),
	}
}

// Wrapper helpers to keep call sites simple.
func IncLinkRx() {
	LinkRxFrames.Inc()
	atomic.AddUint64(&localLinkRx, 1)
}

func IncLinkTx() {
	LinkTxFrames.Inc()
	atomic.AddUint64(&localLinkTx, 1)
}

func IncLinkTxTimeout() {
	LinkTxTimeouts.Inc()
	atomic.AddUint64(&localTxTimeouts, 1)
}

func IncLinkOverrun() {
	LinkBusEvents.WithLabelValues("overrun").Inc()
	atomic.AddUint64(&localOverruns, 1)
}

func IncLinkBusError() {
	LinkBusEvents.WithLabelValues("bus_error").Inc()
	atomic.AddUint64(&localBusErrors, 1)
}

func IncLinkBusOff() {
	LinkBusEvents.WithLabelValues("bus_off").Inc()
	atomic.AddUint64(&localBusOff, 1)
}

func IncLinkReinit() {
	LinkReinits.Inc()
	atomic.AddUint64(&localReinits, 1)
}

// IncPacketRx counts a reassembled packet delivered on channel.
func IncPacketRx(channel string) {
	IsoTPRxPackets.WithLabelValues(channel).Inc()
	atomic.AddUint64(&localPktRx, 1)
}

func IncPacketTx(channel string) {
	IsoTPTxPackets.WithLabelValues(channel).Inc()
	atomic.AddUint64(&localPktTx, 1)
}

// IncTxFailure counts an abandoned transmission; minor means the peer
// misbehaved mid-transfer rather than never answering.
func IncTxFailure(channel string, minor bool) {
	if minor {
		IsoTPTxFailures.WithLabelValues(channel, "minor").Inc()
		atomic.AddUint64(&localTxFailMinor, 1)
		return
	}
	IsoTPTxFailures.WithLabelValues(channel, "major").Inc()
	atomic.AddUint64(&localTxFailMajor, 1)
}

func IncProtocolEvent(event string) {
	IsoTPProtocolEvents.WithLabelValues(event).Inc()
	switch event {
	case EventSequenceError:
		atomic.AddUint64(&localSeqErrors, 1)
	case EventRxOverflow:
		atomic.AddUint64(&localRxOverflow, 1)
	case EventFlowWait:
		atomic.AddUint64(&localFlowWaits, 1)
	case EventRetry:
		atomic.AddUint64(&localRetries, 1)
	default:
		atomic.AddUint64(&localOtherProtoEv, 1)
	}
}

func IncTapRx() {
	TapRxFrames.Inc()
	atomic.AddUint64(&localTapRx, 1)
}

func AddTapTx(n int) {
	TapTxFrames.Add(float64(n))
	atomic.AddUint64(&localTapTx, uint64(n))
}

func IncHubDrop() {
	HubDroppedFrames.Inc()
	atomic.AddUint64(&localHubDrop, 1)
}

func IncHubKick() {
	HubKickedClients.Inc()
	atomic.AddUint64(&localHubKick, 1)
}

func IncHubReject() {
	HubRejectedClients.Inc()
	atomic.AddUint64(&localHubReject, 1)
}

func SetHubClients(n int) {
	HubActiveClients.Set(float64(n))
	atomic.StoreUint64(&localHubClients, uint64(n))
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

func IncMalformed() {
	MalformedFrames.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register common error label series so first error does not log a registration latency.
	for _, lbl := range []string{
		ErrTCPRead, ErrTCPWrite, ErrHandshake,
		ErrSerialWrite, ErrSerialRead, ErrSerialCommand,
		ErrSocketCANWrite, ErrSocketCANRead,
		ErrLinkTxFull, ErrLinkTxStart, ErrTapInjectFull, ErrTapInject, ErrTapListen,
		ErrControllerBusy, ErrChannelTransmit,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
	for _, ev := range []string{EventSequenceError, EventRxOverflow, EventFlowWait, EventRetry} {
		IsoTPProtocolEvents.WithLabelValues(ev).Add(0)
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
