package core

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SessionManager converts raw playback telemetry into per-device session
// state, infers skips, and triggers pattern evaluation and queue adaptation.
//
// Concurrency contract: every mutation of one device's session runs under
// that device's mutex, so telemetry for a single device is linearized while
// different devices proceed independently.
type SessionManager struct {
	config   *AdaptiveConfig
	store    Store
	metadata MetadataProvider
	tracker  *QueueTracker
	queues   *QueueManager
	analyzer *Analyzer
	logger   *zap.Logger
	metrics  Metrics

	mutex    sync.Mutex
	sessions map[string]*Session
	locks    map[string]*sync.Mutex
	// storedWindowMins is the analysis window last read from the durable
	// settings; trimming keeps at least this much so a dashboard-raised
	// window is not defeated by an earlier, narrower trim.
	storedWindowMins int
}

func NewSessionManager(config *AdaptiveConfig, store Store, metadata MetadataProvider,
	tracker *QueueTracker, queues *QueueManager, logger *zap.Logger, metrics Metrics) *SessionManager {
	if metrics == nil {
		metrics = NopMetrics{}
	}
	return &SessionManager{
		config:   config,
		store:    store,
		metadata: metadata,
		tracker:  tracker,
		queues:   queues,
		analyzer: NewAnalyzer(),
		logger:   logger,
		metrics:  metrics,
		sessions: make(map[string]*Session),
		locks:    make(map[string]*sync.Mutex),
	}
}

// deviceLock returns the mutex linearizing all handling for one device.
// Locks are never deleted; the map is bounded by the number of devices seen.
func (m *SessionManager) deviceLock(deviceID string) *sync.Mutex {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	lock, ok := m.locks[deviceID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[deviceID] = lock
	}
	return lock
}

// withSession runs fn on the device's session under its lock and persists the
// mutated state afterwards.
func (m *SessionManager) withSession(ctx context.Context, deviceID string, fn func(*Session)) {
	lock := m.deviceLock(deviceID)
	lock.Lock()
	defer lock.Unlock()

	session := m.loadSession(ctx, deviceID)
	fn(session)
	session.LastSeenAt = time.Now()

	id, err := m.store.SaveSession(ctx, session)
	if err != nil {
		m.logger.Warn("Failed to persist session",
			zap.String("deviceID", deviceID), zap.Error(err))
		return
	}
	session.StoreID = id
}

func (m *SessionManager) loadSession(ctx context.Context, deviceID string) *Session {
	m.mutex.Lock()
	session, ok := m.sessions[deviceID]
	m.mutex.Unlock()
	if ok {
		return session
	}

	session, err := m.store.SessionByDevice(ctx, deviceID)
	if err != nil {
		m.logger.Warn("Session load failed, starting fresh",
			zap.String("deviceID", deviceID), zap.Error(err))
		session = nil
	}
	if session == nil {
		session = &Session{DeviceID: deviceID}
		m.logger.Debug("Created session", zap.String("deviceID", deviceID))
	}

	m.mutex.Lock()
	m.sessions[deviceID] = session
	m.mutex.Unlock()
	return session
}

func eventTime(ev *TelemetryEvent) time.Time {
	if ev.Timestamp.IsZero() {
		return time.Now()
	}
	return ev.Timestamp
}

// HandlePlay transitions the session to Playing. A track still mid-playback
// is first closed out: players that never send an explicit stop would
// otherwise leak abandoned tracks without a skip record.
func (m *SessionManager) HandlePlay(ctx context.Context, ev *TelemetryEvent) {
	now := eventTime(ev)
	m.withSession(ctx, ev.DeviceID, func(session *Session) {
		m.closeOutCurrent(ctx, session, now)

		session.CurrentTrackID = ev.Track.ID
		session.CurrentTitle = ev.Track.Title
		session.CurrentArtist = ev.Track.Artist

		durationMs := ev.Track.DurationMs
		if durationMs == 0 {
			fetched, err := m.metadata.TrackDuration(ctx, ev.Track.ID)
			if err != nil {
				m.logger.Debug("Duration lookup failed",
					zap.String("trackID", ev.Track.ID), zap.Error(err))
			} else {
				durationMs = fetched
			}
		}
		session.CurrentDurationMs = durationMs
		session.PlaybackStartedAt = now

		m.logger.Debug("Track playing",
			zap.String("deviceID", session.DeviceID),
			zap.String("trackID", ev.Track.ID),
			zap.Int64("durationMs", durationMs))
	})
}

// HandleStop transitions the session to Idle, inferring a skip when the
// reported offset falls short of the completion threshold.
func (m *SessionManager) HandleStop(ctx context.Context, ev *TelemetryEvent) {
	now := eventTime(ev)
	m.withSession(ctx, ev.DeviceID, func(session *Session) {
		if session.Playing() {
			if session.CurrentDurationMs > 0 {
				fraction := float64(ev.Track.OffsetMs) / float64(session.CurrentDurationMs)
				if fraction < m.config.CompletionThreshold {
					m.recordSkip(ctx, session, ev.Track.OffsetMs, fraction, now)
				}
			} else {
				m.logger.Debug("Stop without known duration, skip inference unavailable",
					zap.String("deviceID", session.DeviceID),
					zap.String("trackID", session.CurrentTrackID))
			}
		}
		clearCurrent(session)
	})
}

// HandleScrobble records a natural completion. Bookkeeping only: the current
// track pointer is left alone.
func (m *SessionManager) HandleScrobble(ctx context.Context, ev *TelemetryEvent) {
	now := eventTime(ev)
	m.withSession(ctx, ev.DeviceID, func(session *Session) {
		trackID := ev.Track.ID
		if trackID == "" {
			trackID = session.CurrentTrackID
		}
		completion := CompletionEvent{
			TrackID:   trackID,
			Title:     session.CurrentTitle,
			Genres:    m.trackGenres(ctx, trackID),
			Artists:   artistList(session.CurrentArtist),
			Timestamp: now,
		}
		session.Completions = append(session.Completions, completion)
		m.trimHistory(session, now)

		if m.ensureStored(ctx, session) {
			if err := m.store.AppendCompletion(ctx, session.StoreID, completion); err != nil {
				m.logger.Warn("Failed to persist completion event", zap.Error(err))
			}
		}
	})
}

// HandleAuxiliary covers pause/resume/rate: recorded for completeness (the
// session row's last-seen advances) but never triggers skip inference or
// pattern evaluation.
func (m *SessionManager) HandleAuxiliary(ctx context.Context, ev *TelemetryEvent) {
	m.withSession(ctx, ev.DeviceID, func(session *Session) {
		m.logger.Debug("Auxiliary playback event",
			zap.String("deviceID", session.DeviceID),
			zap.String("kind", string(ev.Kind)))
	})
}

// closeOutCurrent evaluates a still-live track when a new one starts: if the
// elapsed wall-clock share of its duration is below the completion threshold
// the track was abandoned and a skip is synthesized.
func (m *SessionManager) closeOutCurrent(ctx context.Context, session *Session, now time.Time) {
	if !session.Playing() {
		return
	}
	if session.CurrentDurationMs <= 0 {
		m.logger.Debug("Previous track has no duration, cannot infer abandonment",
			zap.String("deviceID", session.DeviceID),
			zap.String("trackID", session.CurrentTrackID))
		return
	}

	elapsedMs := now.Sub(session.PlaybackStartedAt).Milliseconds()
	fraction := float64(elapsedMs) / float64(session.CurrentDurationMs)
	if fraction < m.config.CompletionThreshold {
		m.recordSkip(ctx, session, elapsedMs, fraction, now)
	}
}

func clearCurrent(session *Session) {
	session.CurrentTrackID = ""
	session.CurrentTitle = ""
	session.CurrentArtist = ""
	session.CurrentDurationMs = 0
	session.PlaybackStartedAt = time.Time{}
}

// recordSkip appends and persists a skip event for the session's current
// track, then runs the adaptation cycle.
func (m *SessionManager) recordSkip(ctx context.Context, session *Session, listenedMs int64, fraction float64, now time.Time) {
	skip := SkipEvent{
		TrackID:           session.CurrentTrackID,
		Title:             session.CurrentTitle,
		Genres:            m.trackGenres(ctx, session.CurrentTrackID),
		Artists:           artistList(session.CurrentArtist),
		ListenedMs:        listenedMs,
		CompletionPercent: fraction,
		Timestamp:         now,
	}
	session.Skips = append(session.Skips, skip)
	m.trimHistory(session, now)
	m.metrics.RecordSkip()

	m.logger.Info("Skip inferred",
		zap.String("deviceID", session.DeviceID),
		zap.String("trackID", skip.TrackID),
		zap.Float64("completion", fraction))

	if m.ensureStored(ctx, session) {
		if err := m.store.AppendSkip(ctx, session.StoreID, skip); err != nil {
			m.logger.Warn("Failed to persist skip event", zap.Error(err))
		}
	}

	m.evaluateAdaptation(ctx, session, now)
}

// trackGenres resolves enriched genre tags, degrading to an empty list on any
// provider failure so skip inference is never blocked on metadata.
func (m *SessionManager) trackGenres(ctx context.Context, trackID string) []string {
	if trackID == "" {
		return nil
	}
	genres, err := m.metadata.TrackGenres(ctx, trackID, true)
	if err != nil {
		m.logger.Debug("Genre lookup failed, using empty tags",
			zap.String("trackID", trackID), zap.Error(err))
		return nil
	}
	return genres
}

func artistList(artist string) []string {
	artist = strings.TrimSpace(artist)
	if artist == "" {
		return nil
	}
	return []string{artist}
}

// trimHistory bounds the in-memory histories to the analysis window plus a
// margin; only the trailing window is ever read. The window is the wider of
// the configured default and the last stored value.
func (m *SessionManager) trimHistory(session *Session, now time.Time) {
	keep := time.Duration(m.analysisWindowMins()+m.config.HistoryMarginMins) * time.Minute
	cutoff := now.Add(-keep)

	session.Skips = trimSkips(session.Skips, cutoff)
	session.Completions = trimCompletions(session.Completions, cutoff)
}

func (m *SessionManager) noteAnalysisWindow(minutes int) {
	m.mutex.Lock()
	if minutes > 0 {
		m.storedWindowMins = minutes
	}
	m.mutex.Unlock()
}

func (m *SessionManager) analysisWindowMins() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.storedWindowMins > m.config.WindowMinutes {
		return m.storedWindowMins
	}
	return m.config.WindowMinutes
}

func trimSkips(events []SkipEvent, cutoff time.Time) []SkipEvent {
	idx := 0
	for idx < len(events) && !events[idx].Timestamp.After(cutoff) {
		idx++
	}
	return events[idx:]
}

func trimCompletions(events []CompletionEvent, cutoff time.Time) []CompletionEvent {
	idx := 0
	for idx < len(events) && !events[idx].Timestamp.After(cutoff) {
		idx++
	}
	return events[idx:]
}

func (m *SessionManager) ensureStored(ctx context.Context, session *Session) bool {
	if session.StoreID != 0 {
		return true
	}
	id, err := m.store.SaveSession(ctx, session)
	if err != nil {
		m.logger.Warn("Failed to persist session before event append",
			zap.String("deviceID", session.DeviceID), zap.Error(err))
		return false
	}
	session.StoreID = id
	return true
}

// evaluateAdaptation runs detection and, when permitted, dispatches the
// resulting actions to the queue manager. Detection always runs so patterns
// stay observable; the cooldown, disabled flag and missing queue/session ids
// each silently end the cycle. These are routine conditions, not faults.
func (m *SessionManager) evaluateAdaptation(ctx context.Context, session *Session, now time.Time) {
	settings, err := m.store.AdaptiveSettings(ctx)
	if err != nil {
		m.logger.Debug("Settings read failed, using configured defaults", zap.Error(err))
		settings = m.config.FallbackSettings()
	}
	m.noteAnalysisWindow(settings.WindowMinutes)

	actions := m.analyzer.Detect(session.Skips, now, settings)
	if len(actions) == 0 {
		return
	}
	for _, action := range actions {
		m.metrics.RecordPattern(string(action.Type))
		m.logger.Info("Aversion pattern detected",
			zap.String("deviceID", session.DeviceID),
			zap.String("type", string(action.Type)),
			zap.String("reason", action.Reason))
	}

	if !settings.Enabled {
		m.logger.Debug("Adaptive queue disabled, not dispatching",
			zap.String("deviceID", session.DeviceID))
		return
	}

	cooldown := time.Duration(settings.CooldownSecs) * time.Second
	if !session.LastAdaptationAt.IsZero() && now.Sub(session.LastAdaptationAt) < cooldown {
		m.logger.Debug("Adaptation cooldown active",
			zap.String("deviceID", session.DeviceID),
			zap.Duration("since", now.Sub(session.LastAdaptationAt)))
		return
	}

	if session.QueueID == 0 {
		queueID, playlistID, found := m.tracker.FindQueue(ctx, session.DeviceID, session.CurrentTrackID)
		if found {
			session.QueueID = queueID
			session.PlaylistID = playlistID
		}
	}
	if session.QueueID == 0 {
		m.logger.Debug("No queue id resolved, skipping adaptation",
			zap.String("deviceID", session.DeviceID))
		return
	}
	if !m.ensureStored(ctx, session) {
		return
	}

	err = m.queues.AdaptQueue(ctx, session.StoreID, session.QueueID, actions)
	if errors.Is(err, ErrQueueGone) {
		m.logger.Info("Queue vanished during adaptation, clearing cached id",
			zap.String("deviceID", session.DeviceID),
			zap.Int64("queueID", session.QueueID))
		session.QueueID = 0
		session.PlaylistID = 0
		m.tracker.ClearCache(session.DeviceID)
		return
	}
	if err != nil {
		m.logger.Warn("Adaptation dispatch failed",
			zap.String("deviceID", session.DeviceID), zap.Error(err))
		return
	}

	session.LastAdaptationAt = now
	m.metrics.RecordAdaptation()
}

// PurgeIdleSessions drops in-process session state for devices inactive past
// the idle timeout. Durable rows survive; the session reloads on next event.
// LastSeenAt is written under the device lock, so each candidate is checked
// under that lock (device lock before map mutex, the order the handlers use).
func (m *SessionManager) PurgeIdleSessions() int {
	idle := time.Duration(m.config.SessionIdleMins) * time.Minute
	cutoff := time.Now().Add(-idle)

	m.mutex.Lock()
	deviceIDs := make([]string, 0, len(m.sessions))
	for deviceID := range m.sessions {
		deviceIDs = append(deviceIDs, deviceID)
	}
	m.mutex.Unlock()

	purged := 0
	for _, deviceID := range deviceIDs {
		lock := m.deviceLock(deviceID)
		lock.Lock()
		m.mutex.Lock()
		if session, ok := m.sessions[deviceID]; ok && session.LastSeenAt.Before(cutoff) {
			delete(m.sessions, deviceID)
			purged++
		}
		m.mutex.Unlock()
		lock.Unlock()
	}

	if purged > 0 {
		m.logger.Debug("Purged idle sessions", zap.Int("purged", purged))
	}
	return purged
}

// ActiveSessionCount reports the in-process session cache size.
func (m *SessionManager) ActiveSessionCount() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return len(m.sessions)
}

// SessionSnapshot returns a copy of a device's live session for dashboards;
// nil when the device has no in-process state.
func (m *SessionManager) SessionSnapshot(deviceID string) *Session {
	lock := m.deviceLock(deviceID)
	lock.Lock()
	defer lock.Unlock()

	m.mutex.Lock()
	session, ok := m.sessions[deviceID]
	m.mutex.Unlock()
	if !ok {
		return nil
	}
	copied := *session
	copied.Skips = append([]SkipEvent(nil), session.Skips...)
	copied.Completions = append([]CompletionEvent(nil), session.Completions...)
	return &copied
}
