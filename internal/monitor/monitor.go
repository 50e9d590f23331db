// Package monitor is the ambient status and metrics surface: it exposes a
// Prometheus /metrics endpoint and a /ws feed that pushes each stream
// controller's periodic metrics snapshot to connected dashboard clients.
// It observes the core subsystem; nothing in the transport path blocks on
// it. Adapted from the teacher's http.ServeMux route wiring and its
// WebSocket signaling-client bookkeeping, repurposed from WebRTC
// signaling into a one-way metrics push.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/miragekit/mirage/internal/qualityprobe"
	"github.com/miragekit/mirage/internal/reassembler"
	"github.com/miragekit/mirage/internal/streamctl"
)

// Config tunes the monitor's HTTP server.
type Config struct {
	ListenAddr string
	Logger     *log.Logger
}

// DefaultConfig returns the monitor defaults: :9090, default logger.
func DefaultConfig() Config {
	return Config{ListenAddr: ":9090"}
}

// Monitor owns an HTTP+WebSocket status surface for all active streams.
type Monitor struct {
	cfg Config
	log *log.Logger
	srv *http.Server

	decodedFPS    *prometheus.GaugeVec
	receivedFPS   *prometheus.GaugeVec
	droppedTotal  *prometheus.GaugeVec
	queueDepth    *prometheus.GaugeVec
	stableBitrate *prometheus.GaugeVec
	discardTotal  *prometheus.GaugeVec

	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

// snapshot is the JSON document pushed to each connected /ws client.
type snapshot struct {
	StreamID      uint16  `json:"streamID"`
	DecodedFPS    float64 `json:"decodedFPS"`
	ReceivedFPS   float64 `json:"receivedFPS"`
	DroppedFrames int64   `json:"droppedFrames"`
	SentAtNs      int64   `json:"sentAtNs"`
}

// New constructs a Monitor and registers its routes. Call Run to start
// serving.
func New(cfg Config) *Monitor {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "monitor: ", log.LstdFlags)
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultConfig().ListenAddr
	}

	registry := prometheus.NewRegistry()
	m := &Monitor{
		cfg:     cfg,
		log:     logger,
		clients: make(map[*wsClient]struct{}),

		decodedFPS: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mirage", Name: "decoded_fps", Help: "Frames decoded per second, per stream.",
		}, []string{"stream_id"}),
		receivedFPS: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mirage", Name: "received_fps", Help: "Frames received per second, per stream.",
		}, []string{"stream_id"}),
		droppedTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mirage", Name: "dropped_frames_total", Help: "Cumulative frames dropped (reassembler timeouts + decode queue backpressure), per stream.",
		}, []string{"stream_id"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mirage", Name: "decode_queue_depth", Help: "Current decode queue length, per stream.",
		}, []string{"stream_id"}),
		stableBitrate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mirage", Name: "quality_probe_stable_bitrate_bps", Help: "Last quality probe's maxStableBitrateBps, per stream.",
		}, []string{"stream_id"}),
		discardTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mirage", Name: "reassembler_discarded_total", Help: "Cumulative reassembler packet discards, by reason and stream.",
		}, []string{"stream_id", "reason"}),
	}
	registry.MustRegister(m.decodedFPS, m.receivedFPS, m.droppedTotal, m.queueDepth, m.stableBitrate, m.discardTotal)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/ws", m.handleWebSocket)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	m.srv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return m
}

// Run starts serving until the listener fails or Shutdown is called.
func (m *Monitor) Run() error {
	m.log.Printf("listening on %s", m.cfg.ListenAddr)
	err := m.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server and drops all WebSocket
// clients.
func (m *Monitor) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	for c := range m.clients {
		c.close()
	}
	m.clients = make(map[*wsClient]struct{})
	m.mu.Unlock()
	return m.srv.Shutdown(ctx)
}

// PublishMetrics records a stream controller's periodic metrics snapshot:
// it updates the Prometheus gauges and broadcasts the snapshot to every
// connected /ws client.
func (m *Monitor) PublishMetrics(streamID uint16, metrics streamctl.Metrics) {
	label := streamIDLabel(streamID)
	m.decodedFPS.WithLabelValues(label).Set(metrics.DecodedFPS)
	m.receivedFPS.WithLabelValues(label).Set(metrics.ReceivedFPS)
	m.droppedTotal.WithLabelValues(label).Set(float64(metrics.DroppedFrames))

	data, err := json.Marshal(snapshot{
		StreamID:      streamID,
		DecodedFPS:    metrics.DecodedFPS,
		ReceivedFPS:   metrics.ReceivedFPS,
		DroppedFrames: metrics.DroppedFrames,
		SentAtNs:      time.Now().UnixNano(),
	})
	if err != nil {
		return
	}
	m.broadcast(data)
}

// PublishQueueDepth records the decode queue's current length.
func (m *Monitor) PublishQueueDepth(streamID uint16, depth int) {
	m.queueDepth.WithLabelValues(streamIDLabel(streamID)).Set(float64(depth))
}

// PublishProbeResult records the most recent quality probe's
// maxStableBitrateBps for a stream.
func (m *Monitor) PublishProbeResult(streamID uint16, result qualityprobe.Result) {
	m.stableBitrate.WithLabelValues(streamIDLabel(streamID)).Set(result.MaxStableBitrateBps)
}

// PublishReassemblerStats records the reassembler's discard counters by
// reason, for dashboards diagnosing loss patterns.
func (m *Monitor) PublishReassemblerStats(streamID uint16, stats reassembler.Stats) {
	label := streamIDLabel(streamID)
	m.discardTotal.WithLabelValues(label, "epoch").Set(float64(stats.DiscardedEpoch))
	m.discardTotal.WithLabelValues(label, "token").Set(float64(stats.DiscardedToken))
	m.discardTotal.WithLabelValues(label, "awaiting_keyframe").Set(float64(stats.DiscardedAwaitingKeyframe))
	m.discardTotal.WithLabelValues(label, "crc").Set(float64(stats.DiscardedCRC))
	m.discardTotal.WithLabelValues(label, "old").Set(float64(stats.DiscardedOld))
}

func streamIDLabel(streamID uint16) string {
	return fmt.Sprintf("%d", streamID)
}
