package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shubchev/libav-node/internal/logging"
)

// Prometheus counters and gauges
var (
	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "av_commands_total",
		Help: "Total commands read from the transport, by command kind.",
	}, []string{"cmd"})
	NacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "av_nacks_total",
		Help: "Total Nack responses, by reason.",
	}, []string{"reason"})
	SessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "av_sessions_started_total",
		Help: "Total service sessions started.",
	})
	SessionsEnded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "av_sessions_ended_total",
		Help: "Total service sessions ended, by reason.",
	}, []string{"reason"})
	CodecOpens = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "av_codec_opens_total",
		Help: "Total encoder/decoder open attempts, by kind and outcome.",
	}, []string{"kind", "outcome"})
	CodecErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "av_codec_errors_total",
		Help: "Total codec processing errors, by kind.",
	}, []string{"kind"})
	BytesEncoded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "av_bytes_encoded_total",
		Help: "Total raw YUV frame bytes submitted to the encoder.",
	})
	BytesDecoded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "av_bytes_decoded_total",
		Help: "Total compressed packet bytes submitted to the decoder.",
	})
	PacketBacklogBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "av_packet_backlog_bytes",
		Help: "Current size of the session's packetData buffer.",
	})
	FrameBacklogDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "av_frame_backlog_depth",
		Help: "Current number of decoded frames queued for GetFrame.",
	})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "av_errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "av_build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})

	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrTransportRead  = "transport_read"
	ErrTransportWrite = "transport_write"
	ErrTransportOpen  = "transport_open"
	ErrCodecOpen      = "codec_open"
	ErrCodecProcess   = "codec_process"
)

// Nack reason label constants.
const (
	NackShortRead     = "short_read"
	NackWrongState    = "wrong_state"
	NackIndexRange    = "index_range"
	NackUnknownCmd    = "unknown_cmd"
	NackCodecOpen     = "codec_open"
	NackCodecProcess  = "codec_process"
	NackNoBacklog     = "no_backlog"
	NackBadGeometry   = "bad_geometry"
	NackBadBitrate    = "bad_bitrate"
	NackBulkReadShort = "bulk_read_short"
)

// StartHTTP serves Prometheus metrics at /metrics on a dedicated mux.
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

// Local mirrored counters for cheap periodic logging without scraping Prometheus.
var (
	localCommands      uint64
	localNacks         uint64
	localBytesEncoded  uint64
	localBytesDecoded  uint64
	localCodecErrors   uint64
	localErrors        uint64
	localPacketBacklog uint64
	localFrameBacklog  uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	Commands      uint64
	Nacks         uint64
	BytesEncoded  uint64
	BytesDecoded  uint64
	CodecErrors   uint64
	Errors        uint64
	PacketBacklog uint64
	FrameBacklog  uint64
}

func Snap() Snapshot {
	return Snapshot{
		Commands:      atomic.LoadUint64(&localCommands),
		Nacks:         atomic.LoadUint64(&localNacks),
		BytesEncoded:  atomic.LoadUint64(&localBytesEncoded),
		BytesDecoded:  atomic.LoadUint64(&localBytesDecoded),
		CodecErrors:   atomic.LoadUint64(&localCodecErrors),
		Errors:        atomic.LoadUint64(&localErrors),
		PacketBacklog: atomic.LoadUint64(&localPacketBacklog),
		FrameBacklog:  atomic.LoadUint64(&localFrameBacklog),
	}
}

// IncCommand records a successfully read command of the given kind.
func IncCommand(cmd string) {
	CommandsTotal.WithLabelValues(cmd).Inc()
	atomic.AddUint64(&localCommands, 1)
}

// IncNack records a Nack response and its reason.
func IncNack(reason string) {
	NacksTotal.WithLabelValues(reason).Inc()
	atomic.AddUint64(&localNacks, 1)
}

// IncSessionStarted records a new session beginning.
func IncSessionStarted() { SessionsStarted.Inc() }

// IncSessionEnded records a session ending, labeled by reason
// ("stop_command", "idle_timeout", "transport_closed", "context_cancelled").
func IncSessionEnded(reason string) { SessionsEnded.WithLabelValues(reason).Inc() }

// IncCodecOpen records an open attempt, labeled by kind ("encoder"/"decoder")
// and outcome ("ok"/"fail").
func IncCodecOpen(kind, outcome string) { CodecOpens.WithLabelValues(kind, outcome).Inc() }

// IncCodecError records a codec processing failure, labeled by kind.
func IncCodecError(kind string) {
	CodecErrors.WithLabelValues(kind).Inc()
	atomic.AddUint64(&localCodecErrors, 1)
}

// AddBytesEncoded adds to the raw-frame-bytes-submitted counter.
func AddBytesEncoded(n int) {
	BytesEncoded.Add(float64(n))
	atomic.AddUint64(&localBytesEncoded, uint64(n))
}

// AddBytesDecoded adds to the compressed-bytes-submitted counter.
func AddBytesDecoded(n int) {
	BytesDecoded.Add(float64(n))
	atomic.AddUint64(&localBytesDecoded, uint64(n))
}

// SetPacketBacklog records the current packetData buffer size.
func SetPacketBacklog(n int) {
	PacketBacklogBytes.Set(float64(n))
	atomic.StoreUint64(&localPacketBacklog, uint64(n))
}

// SetFrameBacklog records the current frameBacklog depth.
func SetFrameBacklog(n int) {
	FrameBacklogDepth.Set(float64(n))
	atomic.StoreUint64(&localFrameBacklog, uint64(n))
}

// IncError increments a subsystem error counter.
func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// InitBuildInfo sets the build info gauge and pre-registers stable label series
// so the first occurrence of each doesn't pay Prometheus registration latency.
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	for _, lbl := range []string{ErrTransportRead, ErrTransportWrite, ErrTransportOpen, ErrCodecOpen, ErrCodecProcess} {
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
	if fn == nil {
		return true
	}
	return fn()
}

// Ready is a concise alias used at call sites.
func Ready() bool { return IsReady() }
