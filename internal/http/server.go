// Package http hosts the service's HTTP surface: the webhook receiver that
// feeds playback telemetry into the adaptive pipeline, Prometheus metrics,
// health endpoints and the small read-only dashboard API.
package http

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mdabushayem62/plex-playlists/internal/core"
)

// MaxWebhookBytes caps webhook request bodies; Plex payloads are small.
const MaxWebhookBytes = 1 << 20

// Metrics implements core.Metrics on Prometheus collectors.
type Metrics struct {
	EventsTotal        *prometheus.CounterVec
	DroppedEventsTotal prometheus.Counter
	SkipsTotal         prometheus.Counter
	PatternsTotal      *prometheus.CounterVec
	AdaptationsTotal   prometheus.Counter
	RemovalsTotal      prometheus.Counter
	RefillsTotal       prometheus.Counter
	DiscoveryTotal     *prometheus.CounterVec
	ActiveSessions     prometheus.Gauge
	CacheEntries       prometheus.Gauge
}

// NewMetrics builds the collectors and registers them on the default
// registry. Call once per process; tests use newMetrics to avoid the global
// registry.
func NewMetrics() *Metrics {
	metrics := newMetrics()

	prometheus.MustRegister(
		metrics.EventsTotal,
		metrics.DroppedEventsTotal,
		metrics.SkipsTotal,
		metrics.PatternsTotal,
		metrics.AdaptationsTotal,
		metrics.RemovalsTotal,
		metrics.RefillsTotal,
		metrics.DiscoveryTotal,
		metrics.ActiveSessions,
		metrics.CacheEntries,
	)

	return metrics
}

func newMetrics() *Metrics {
	return &Metrics{
		EventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plexadaptive_events_total",
				Help: "Total number of telemetry events processed",
			},
			[]string{"kind"},
		),
		DroppedEventsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "plexadaptive_dropped_events_total",
				Help: "Total number of telemetry events dropped before processing",
			},
		),
		SkipsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "plexadaptive_skips_total",
				Help: "Total number of skips recorded",
			},
		),
		PatternsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plexadaptive_patterns_total",
				Help: "Total number of skip patterns detected",
			},
			[]string{"type"},
		),
		AdaptationsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "plexadaptive_adaptations_total",
				Help: "Total number of completed queue adaptations",
			},
		),
		RemovalsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "plexadaptive_removals_total",
				Help: "Total number of queue items removed",
			},
		),
		RefillsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "plexadaptive_refills_total",
				Help: "Total number of tracks appended by refills",
			},
		),
		DiscoveryTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plexadaptive_discovery_total",
				Help: "Queue discovery attempts by outcome",
			},
			[]string{"outcome"},
		),
		ActiveSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "plexadaptive_active_sessions",
				Help: "Number of tracked device sessions",
			},
		),
		CacheEntries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "plexadaptive_queue_cache_entries",
				Help: "Number of cached queue discoveries",
			},
		),
	}
}

func (m *Metrics) RecordEvent(kind string) { m.EventsTotal.WithLabelValues(kind).Inc() }

func (m *Metrics) RecordDroppedEvent() { m.DroppedEventsTotal.Inc() }

func (m *Metrics) RecordSkip() { m.SkipsTotal.Inc() }

func (m *Metrics) RecordPattern(actionType string) {
	m.PatternsTotal.WithLabelValues(actionType).Inc()
}

func (m *Metrics) RecordAdaptation() { m.AdaptationsTotal.Inc() }

func (m *Metrics) RecordRemovals(n int) { m.RemovalsTotal.Add(float64(n)) }

func (m *Metrics) RecordRefills(n int) { m.RefillsTotal.Add(float64(n)) }

func (m *Metrics) RecordDiscovery(o string) {
	m.DiscoveryTotal.WithLabelValues(o).Inc()
}

func (m *Metrics) SetActiveSessions(n int) { m.ActiveSessions.Set(float64(n)) }

func (m *Metrics) SetCacheEntries(n int) { m.CacheEntries.Set(float64(n)) }

type Server struct {
	config    *core.ServerConfig
	logger    *zap.Logger
	server    *http.Server
	processor *core.WebhookProcessor
	tracker   *core.QueueTracker
	sessions  *core.SessionManager
	store     core.Store
}

func NewServer(config *core.ServerConfig, logger *zap.Logger,
	processor *core.WebhookProcessor, tracker *core.QueueTracker,
	sessions *core.SessionManager, store core.Store) *Server {

	s := &Server{
		config:    config,
		logger:    logger,
		processor: processor,
		tracker:   tracker,
		sessions:  sessions,
		store:     store,
	}

	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok","service":"plexadaptive"}`)) //nolint:errcheck
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready","service":"plexadaptive"}`)) //nolint:errcheck
	})

	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("POST /webhook", s.handleWebhook)
	mux.HandleFunc("GET /api/v1/discovery/failures", s.handleDiscoveryFailures)
	mux.HandleFunc("GET /api/v1/discovery/stats", s.handleDiscoveryStats)
	mux.HandleFunc("GET /api/v1/sessions/{device}/history", s.handleSessionHistory)

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.Host, config.Port),
		Handler:      mux,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}

	return s
}

func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting HTTP server",
		zap.String("addr", s.server.Addr))

	go func() {
		<-ctx.Done()
		s.logger.Info("Shutting down HTTP server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Failed to shutdown HTTP server gracefully", zap.Error(err))
		}
	}()

	if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server failed: %w", err)
	}

	return nil
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// webhookPayload is the Plex webhook JSON shape, reduced to the fields the
// pipeline consumes.
type webhookPayload struct {
	Event  string `json:"event"`
	Player struct {
		UUID  string `json:"uuid"`
		Title string `json:"title"`
	} `json:"Player"`
	Metadata struct {
		RatingKey        string `json:"ratingKey"`
		Title            string `json:"title"`
		GrandparentTitle string `json:"grandparentTitle"`
		ParentTitle      string `json:"parentTitle"`
		Duration         int64  `json:"duration"`
		ViewOffset       int64  `json:"viewOffset"`
	} `json:"Metadata"`
}

var eventKinds = map[string]core.EventKind{
	"media.play":     core.EventPlay,
	"media.stop":     core.EventStop,
	"media.scrobble": core.EventScrobble,
	"media.pause":    core.EventPause,
	"media.resume":   core.EventResume,
	"media.rate":     core.EventRate,
}

// handleWebhook accepts both the multipart form Plex sends (JSON in the
// "payload" field) and a plain JSON body. Malformed payloads get a 400;
// everything accepted returns 200 regardless of downstream outcome.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := s.webhookBody(r)
	if err != nil {
		s.logger.Warn("Rejecting malformed webhook request", zap.Error(err))
		http.Error(w, "bad payload", http.StatusBadRequest)
		return
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		s.logger.Warn("Rejecting undecodable webhook payload", zap.Error(err))
		http.Error(w, "bad payload", http.StatusBadRequest)
		return
	}

	kind, ok := eventKinds[payload.Event]
	if !ok {
		// library.new and friends are expected noise
		s.logger.Debug("Ignoring webhook event",
			zap.String("event", payload.Event))
		w.WriteHeader(http.StatusOK)
		return
	}

	ev := &core.TelemetryEvent{
		Kind:     kind,
		DeviceID: payload.Player.UUID,
		Track: core.TelemetryTrack{
			ID:         payload.Metadata.RatingKey,
			Title:      payload.Metadata.Title,
			Artist:     payload.Metadata.GrandparentTitle,
			Album:      payload.Metadata.ParentTitle,
			DurationMs: payload.Metadata.Duration,
			OffsetMs:   payload.Metadata.ViewOffset,
		},
		Timestamp: time.Now(),
	}

	s.processor.Process(r.Context(), ev)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) webhookBody(r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(nil, r.Body, MaxWebhookBytes)

	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "multipart/") {
		if err := r.ParseMultipartForm(MaxWebhookBytes); err != nil {
			return nil, fmt.Errorf("failed to parse multipart form: %w", err)
		}
		payload := r.FormValue("payload")
		if payload == "" {
			return nil, fmt.Errorf("multipart form without payload field")
		}
		return []byte(payload), nil
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}
	return body, nil
}

func (s *Server) handleDiscoveryFailures(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.logger, map[string]any{
		"failures": s.tracker.RecentFailures(),
	})
}

func (s *Server) handleDiscoveryStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.logger, s.tracker.Stats())
}

func (s *Server) handleSessionHistory(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("device")

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	skips, actions, err := s.store.SessionHistory(r.Context(), deviceID, limit)
	if err != nil {
		s.logger.Error("Failed to load session history",
			zap.String("deviceID", deviceID), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	response := map[string]any{
		"device_id": deviceID,
		"skips":     skips,
		"actions":   actions,
	}
	if snapshot := s.sessions.SessionSnapshot(deviceID); snapshot != nil {
		response["queue_id"] = snapshot.QueueID
		response["current_track_id"] = snapshot.CurrentTrackID
		response["last_seen_at"] = snapshot.LastSeenAt
	}
	writeJSON(w, s.logger, response)
}

func writeJSON(w http.ResponseWriter, logger *zap.Logger, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Failed to encode response", zap.Error(err))
	}
}
