package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	registry           *prometheus.Registry
	registryOnce       sync.Once
	defaultMetricsPath = "/metrics"
	metricsEnabled     = true

	// Turn latency metrics
	TurnTTFB           prometheus.Histogram
	TurnEndToEnd       prometheus.Histogram
	TurnStreamDuration prometheus.Histogram
	TurnFeltLatency    prometheus.Histogram

	// Transport metrics
	TransportRTT        *prometheus.HistogramVec
	OutboundAudioBytes  prometheus.Counter
	InboundMediaFrames  prometheus.Counter
	MalformedEvents     *prometheus.CounterVec
	ResponsesCancelled  prometheus.Counter
	ActiveCalls         prometheus.Gauge
	TurnsStarted        prometheus.Counter

	// Tool dispatch metrics
	ToolCallsTotal *prometheus.CounterVec
	ToolLatency    *prometheus.HistogramVec
	CacheHits      *prometheus.CounterVec
	CacheMisses    *prometheus.CounterVec

	// Mixer metrics
	MixerStarts        *prometheus.CounterVec
	MixerSilenceFrames prometheus.Counter
	MixerProcessExits  *prometheus.CounterVec

	// Observability sink metrics
	SinkPublishedEvents *prometheus.CounterVec
)

// Init initializes all metrics and registers them with Prometheus
func Init(logger *logrus.Logger) {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()

		TurnTTFB = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "voicebridge_turn_ttfb_seconds",
				Help:    "Time from end of caller speech to first reply audio fragment from the inference peer",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
			},
		)

		TurnEndToEnd = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "voicebridge_turn_end_to_end_seconds",
				Help:    "Time from end of caller speech to first fragment forwarded to the telephony transport",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
			},
		)

		TurnStreamDuration = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "voicebridge_turn_stream_duration_seconds",
				Help:    "Span of reply audio delivery from first to last fragment",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~100s
			},
		)

		TurnFeltLatency = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "voicebridge_turn_felt_latency_seconds",
				Help:    "Caller-perceived delay from end of speech to reply audio reaching the telephony edge",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
			},
		)

		TransportRTT = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "voicebridge_socket_rtt_seconds",
				Help:    "Ping/pong round trip time per socket",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
			},
			[]string{"socket"},
		)

		OutboundAudioBytes = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "voicebridge_outbound_audio_bytes_total",
				Help: "Total mixed audio bytes forwarded to the telephony transport",
			},
		)

		InboundMediaFrames = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "voicebridge_inbound_media_frames_total",
				Help: "Total inbound media frames received from the telephony transport",
			},
		)

		MalformedEvents = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicebridge_malformed_events_total",
				Help: "Total malformed events dropped, by source socket",
			},
			[]string{"source"},
		)

		ResponsesCancelled = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "voicebridge_responses_cancelled_total",
				Help: "Total peer replies that completed with a cancellation status",
			},
		)

		ActiveCalls = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "voicebridge_active_calls",
				Help: "Number of live call sessions",
			},
		)

		TurnsStarted = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "voicebridge_turns_started_total",
				Help: "Total conversation turns opened by speech-stopped events",
			},
		)

		ToolCallsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicebridge_tool_calls_total",
				Help: "Total tool invocations dispatched, by tool and outcome",
			},
			[]string{"tool", "status"},
		)

		ToolLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "voicebridge_tool_latency_seconds",
				Help:    "Latency of tool execution including collaborator calls",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
			},
			[]string{"tool"},
		)

		CacheHits = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicebridge_cache_hits_total",
				Help: "Total memoization cache hits, by cache",
			},
			[]string{"cache"},
		)

		CacheMisses = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicebridge_cache_misses_total",
				Help: "Total memoization cache misses, by cache",
			},
			[]string{"cache"},
		)

		MixerStarts = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicebridge_mixer_starts_total",
				Help: "Total mixer pipeline start attempts, by outcome",
			},
			[]string{"status"},
		)

		MixerSilenceFrames = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "voicebridge_mixer_silence_frames_total",
				Help: "Total silence frames pushed while the AI was not speaking",
			},
		)

		MixerProcessExits = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicebridge_mixer_process_exits_total",
				Help: "Total mixer subprocess exits, by kind",
			},
			[]string{"kind"},
		)

		SinkPublishedEvents = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicebridge_sink_published_events_total",
				Help: "Total call events published to the observability sink, by status",
			},
			[]string{"status"},
		)

		registry.MustRegister(
			TurnTTFB,
			TurnEndToEnd,
			TurnStreamDuration,
			TurnFeltLatency,

			TransportRTT,
			OutboundAudioBytes,
			InboundMediaFrames,
			MalformedEvents,
			ResponsesCancelled,
			ActiveCalls,
			TurnsStarted,

			ToolCallsTotal,
			ToolLatency,
			CacheHits,
			CacheMisses,

			MixerStarts,
			MixerSilenceFrames,
			MixerProcessExits,

			SinkPublishedEvents,
		)

		logger.Info("Prometheus metrics initialized")
	})
}

// GetRegistry returns the prometheus registry
func GetRegistry() *prometheus.Registry {
	return registry
}

// SetMetricsPath sets the HTTP path for metrics endpoint
func SetMetricsPath(path string) {
	defaultMetricsPath = path
}

// EnableMetrics enables or disables metrics collection
func EnableMetrics(enabled bool) {
	metricsEnabled = enabled
}

// IsMetricsEnabled returns whether metrics are enabled
func IsMetricsEnabled() bool {
	return metricsEnabled
}

// RegisterHandler registers the metrics HTTP handler
func RegisterHandler(mux *http.ServeMux) {
	if metricsEnabled {
		handler := promhttp.HandlerFor(
			registry,
			promhttp.HandlerOpts{
				EnableOpenMetrics: true,
				Registry:          registry,
			},
		)
		mux.Handle(defaultMetricsPath, handler)
	}
}

// StartMetrics initializes the metrics service
func StartMetrics(logger *logrus.Logger, enabled bool) {
	if !enabled {
		EnableMetrics(false)
		logger.Info("Metrics collection is disabled")
		return
	}

	Init(logger)
	EnableMetrics(true)
	logger.WithField("metrics_path", defaultMetricsPath).Info("Metrics endpoint initialized")
}

// ObserveTTFB records time-to-first-byte for a turn
func ObserveTTFB(d time.Duration) {
	if metricsEnabled && TurnTTFB != nil {
		TurnTTFB.Observe(d.Seconds())
	}
}

// ObserveEndToEnd records end-to-end reply latency for a turn
func ObserveEndToEnd(d time.Duration) {
	if metricsEnabled && TurnEndToEnd != nil {
		TurnEndToEnd.Observe(d.Seconds())
	}
}

// ObserveStreamDuration records the reply audio delivery span for a turn
func ObserveStreamDuration(d time.Duration) {
	if metricsEnabled && TurnStreamDuration != nil {
		TurnStreamDuration.Observe(d.Seconds())
	}
}

// ObserveFeltLatency records the caller-perceived reply delay for a turn
func ObserveFeltLatency(d time.Duration) {
	if metricsEnabled && TurnFeltLatency != nil {
		TurnFeltLatency.Observe(d.Seconds())
	}
}

// ObserveSocketRTT records a ping/pong round trip for one socket
func ObserveSocketRTT(socket string, d time.Duration) {
	if metricsEnabled && TransportRTT != nil {
		TransportRTT.WithLabelValues(socket).Observe(d.Seconds())
	}
}

// RecordOutboundAudio records mixed audio bytes forwarded to the transport
func RecordOutboundAudio(bytes int) {
	if metricsEnabled && OutboundAudioBytes != nil {
		OutboundAudioBytes.Add(float64(bytes))
	}
}

// RecordInboundMediaFrame counts one inbound media frame
func RecordInboundMediaFrame() {
	if metricsEnabled && InboundMediaFrames != nil {
		InboundMediaFrames.Inc()
	}
}

// RecordMalformedEvent counts one dropped malformed event
func RecordMalformedEvent(source string) {
	if metricsEnabled && MalformedEvents != nil {
		MalformedEvents.WithLabelValues(source).Inc()
	}
}

// RecordResponseCancelled counts one cancelled peer reply
func RecordResponseCancelled() {
	if metricsEnabled && ResponsesCancelled != nil {
		ResponsesCancelled.Inc()
	}
}

// RecordTurnStarted counts one opened conversation turn
func RecordTurnStarted() {
	if metricsEnabled && TurnsStarted != nil {
		TurnsStarted.Inc()
	}
}

// RecordToolCall records a tool invocation outcome
func RecordToolCall(tool, status string) {
	if metricsEnabled && ToolCallsTotal != nil {
		ToolCallsTotal.WithLabelValues(tool, status).Inc()
	}
}

// ObserveToolLatency returns a timer function recording tool execution latency
func ObserveToolLatency(tool string) func() {
	if !metricsEnabled || ToolLatency == nil {
		return func() {}
	}

	start := time.Now()
	return func() {
		ToolLatency.WithLabelValues(tool).Observe(time.Since(start).Seconds())
	}
}

// RecordCacheHit counts one memoization hit
func RecordCacheHit(cache string) {
	if metricsEnabled && CacheHits != nil {
		CacheHits.WithLabelValues(cache).Inc()
	}
}

// RecordCacheMiss counts one memoization miss
func RecordCacheMiss(cache string) {
	if metricsEnabled && CacheMisses != nil {
		CacheMisses.WithLabelValues(cache).Inc()
	}
}

// RecordMixerStart records a mixer pipeline start attempt
func RecordMixerStart(status string) {
	if metricsEnabled && MixerStarts != nil {
		MixerStarts.WithLabelValues(status).Inc()
	}
}

// RecordMixerSilenceFrame counts one silence frame pushed to the mixer
func RecordMixerSilenceFrame() {
	if metricsEnabled && MixerSilenceFrames != nil {
		MixerSilenceFrames.Inc()
	}
}

// RecordMixerExit records a mixer subprocess exit
func RecordMixerExit(kind string) {
	if metricsEnabled && MixerProcessExits != nil {
		MixerProcessExits.WithLabelValues(kind).Inc()
	}
}

// RecordSinkPublish records an observability sink publish attempt
func RecordSinkPublish(status string) {
	if metricsEnabled && SinkPublishedEvents != nil {
		SinkPublishedEvents.WithLabelValues(status).Inc()
	}
}

// StartCallTimer increments the active call gauge and returns a stop function
func StartCallTimer() func() {
	if !metricsEnabled || ActiveCalls == nil {
		return func() {}
	}

	ActiveCalls.Inc()
	return func() {
		if ActiveCalls != nil {
			ActiveCalls.Dec()
		}
	}
}
