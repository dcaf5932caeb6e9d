package core

import (
	"context"

	"go.uber.org/zap"
)

// EventGate rate-limits inbound telemetry per device.
type EventGate interface {
	CheckEvent(deviceID string) bool
}

// WebhookProcessor is the thin dispatcher from inbound telemetry event kinds
// to session manager calls. It is the subsystem's only entry point; the
// webhook receiver that feeds it lives outside this package.
type WebhookProcessor struct {
	sessions *SessionManager
	gate     EventGate
	logger   *zap.Logger
	metrics  Metrics
}

func NewWebhookProcessor(sessions *SessionManager, gate EventGate,
	logger *zap.Logger, metrics Metrics) *WebhookProcessor {
	if metrics == nil {
		metrics = NopMetrics{}
	}
	return &WebhookProcessor{
		sessions: sessions,
		gate:     gate,
		logger:   logger,
		metrics:  metrics,
	}
}

// Process validates and routes one telemetry event. A missing device identity
// is a contract violation: logged as an error, event dropped. Unknown kinds
// and rate-limited devices are dropped quietly. Nothing here ever raises.
func (p *WebhookProcessor) Process(ctx context.Context, ev *TelemetryEvent) {
	if ev == nil {
		return
	}
	if ev.DeviceID == "" {
		p.logger.Error("Telemetry event without device identity dropped",
			zap.String("kind", string(ev.Kind)),
			zap.String("trackID", ev.Track.ID))
		p.metrics.RecordDroppedEvent()
		return
	}

	if p.gate != nil && !p.gate.CheckEvent(ev.DeviceID) {
		p.logger.Warn("Telemetry flood from device, dropping event",
			zap.String("deviceID", ev.DeviceID))
		p.metrics.RecordDroppedEvent()
		return
	}

	p.metrics.RecordEvent(string(ev.Kind))

	switch ev.Kind {
	case EventPlay:
		p.sessions.HandlePlay(ctx, ev)
	case EventStop:
		p.sessions.HandleStop(ctx, ev)
	case EventScrobble:
		p.sessions.HandleScrobble(ctx, ev)
	case EventPause, EventResume, EventRate:
		p.sessions.HandleAuxiliary(ctx, ev)
	default:
		p.logger.Debug("Ignoring unknown telemetry kind",
			zap.String("kind", string(ev.Kind)))
	}
}
