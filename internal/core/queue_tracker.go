package core

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// QueueTracker resolves which remote play queue belongs to a device. The
// telemetry source never provides this link, so resolution runs through three
// tiers: a TTL cache, correlation against the server's live session list, and
// a bounded brute-force probe over the queue id space as last resort.
type QueueTracker struct {
	api       QueueAPI
	playlists PlaylistIndex
	config    *QueueConfig
	logger    *zap.Logger
	metrics   Metrics

	mutex      sync.Mutex
	cache      map[string]*QueueCacheEntry
	failures   []DiscoveryFailure
	failureCap int
}

// QueueCacheEntry maps a device to its discovered queue. Expires after the
// configured TTL; eviction is lazy on read plus the explicit Sweep.
type QueueCacheEntry struct {
	QueueID      int64     `json:"queue_id"`
	PlaylistID   int64     `json:"playlist_id"`
	DiscoveredAt time.Time `json:"discovered_at"`
	LastUsedAt   time.Time `json:"last_used_at"`
}

// DiscoveryFailure is an observability record of one exhausted search.
// Kept in a bounded ring; not authoritative state.
type DiscoveryFailure struct {
	DeviceID         string    `json:"device_id"`
	TrackID          string    `json:"track_id"`
	AttemptedAt      time.Time `json:"attempted_at"`
	ReferenceQueueID int64     `json:"reference_queue_id"`
	SearchRange      int       `json:"search_range"`
	Reason           string    `json:"reason"`
}

// TrackerStats is the read-only cache/failure summary for dashboards.
type TrackerStats struct {
	CacheEntries int `json:"cache_entries"`
	Failures     int `json:"failures"`
	TTLMinutes   int `json:"ttl_minutes"`
}

func NewQueueTracker(api QueueAPI, playlists PlaylistIndex, config *QueueConfig,
	logger *zap.Logger, metrics Metrics) *QueueTracker {
	if metrics == nil {
		metrics = NopMetrics{}
	}
	return &QueueTracker{
		api:        api,
		playlists:  playlists,
		config:     config,
		logger:     logger,
		metrics:    metrics,
		cache:      make(map[string]*QueueCacheEntry),
		failureCap: config.FailureLogSize,
	}
}

func (t *QueueTracker) ttl() time.Duration {
	return time.Duration(t.config.CacheTTLMins) * time.Minute
}

// FindQueue returns the remote queue id believed to contain trackID for the
// given device, along with its playlist linkage. The boolean is false when
// every tier was exhausted.
func (t *QueueTracker) FindQueue(ctx context.Context, deviceID, trackID string) (queueID, playlistID int64, found bool) {
	if entry, ok := t.cachedEntry(deviceID); ok {
		t.metrics.RecordDiscovery("cache")
		return entry.QueueID, entry.PlaylistID, true
	}

	queueID, playlistID, found = t.correlateSession(ctx, deviceID)
	if found {
		t.logger.Debug("Queue discovered via session correlation",
			zap.String("deviceID", deviceID),
			zap.Int64("queueID", queueID))
		t.metrics.RecordDiscovery("correlation")
		t.storeEntry(deviceID, queueID, playlistID)
		return queueID, playlistID, true
	}

	queueID, playlistID, found = t.bruteForceSearch(ctx, deviceID, trackID)
	if found {
		t.logger.Info("Queue discovered via brute-force probe",
			zap.String("deviceID", deviceID),
			zap.Int64("queueID", queueID))
		t.metrics.RecordDiscovery("bruteforce")
		t.storeEntry(deviceID, queueID, playlistID)
		return queueID, playlistID, true
	}

	t.metrics.RecordDiscovery("failed")
	return 0, 0, false
}

// cachedEntry returns an unexpired entry, purging it when aged past the TTL.
func (t *QueueTracker) cachedEntry(deviceID string) (*QueueCacheEntry, bool) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	entry, ok := t.cache[deviceID]
	if !ok {
		return nil, false
	}
	if time.Since(entry.DiscoveredAt) >= t.ttl() {
		delete(t.cache, deviceID)
		return nil, false
	}
	entry.LastUsedAt = time.Now()
	return entry, true
}

func (t *QueueTracker) storeEntry(deviceID string, queueID, playlistID int64) {
	now := time.Now()
	t.mutex.Lock()
	t.cache[deviceID] = &QueueCacheEntry{
		QueueID:      queueID,
		PlaylistID:   playlistID,
		DiscoveredAt: now,
		LastUsedAt:   now,
	}
	t.mutex.Unlock()
}

// correlateSession matches the device against the server's active session
// list, reverse-looks-up the playlist containing that session's current
// track, and searches known queues for a matching playlist linkage with a
// narrow probe fallback. Cheap because a recently active session's queue id
// sits close to the highest known id.
func (t *QueueTracker) correlateSession(ctx context.Context, deviceID string) (int64, int64, bool) {
	sessions, err := t.api.ActiveSessions(ctx)
	if err != nil {
		t.logger.Warn("Active session query failed", zap.Error(err))
		return 0, 0, false
	}

	var sessionTrackID string
	for _, s := range sessions {
		if s.PlayerID == deviceID {
			sessionTrackID = s.TrackID
			break
		}
	}
	if sessionTrackID == "" {
		t.logger.Debug("No active session for device", zap.String("deviceID", deviceID))
		return 0, 0, false
	}

	playlistID, err := t.playlists.FindPlaylistContaining(ctx, sessionTrackID)
	if err != nil || playlistID == 0 {
		t.logger.Debug("Session track not in any known playlist",
			zap.String("trackID", sessionTrackID),
			zap.Error(err))
		return 0, 0, false
	}

	known, highest := t.knownQueues(ctx)
	for _, q := range known {
		if q.PlaylistID == playlistID {
			return q.ID, playlistID, true
		}
	}

	if qid, ok := t.probeRange(ctx, highest, t.config.NarrowProbeWidth, playlistID, ""); ok {
		return qid, playlistID, true
	}
	return 0, 0, false
}

// bruteForceSearch probes the wide range around the highest known queue id,
// accepting a playlist linkage match or, weaker, mere presence of the target
// track among a queue's items. Intentionally expensive and bounded.
func (t *QueueTracker) bruteForceSearch(ctx context.Context, deviceID, trackID string) (int64, int64, bool) {
	playlistID, err := t.playlists.FindPlaylistContaining(ctx, trackID)
	if err != nil || playlistID == 0 {
		t.recordFailure(deviceID, trackID, 0, 0, "track not in any known playlist")
		return 0, 0, false
	}

	_, highest := t.knownQueues(ctx)
	if highest == 0 {
		t.recordFailure(deviceID, trackID, 0, 0, "no known queues to anchor search")
		return 0, 0, false
	}

	if qid, ok := t.probeRange(ctx, highest, t.config.WideProbeWidth, playlistID, trackID); ok {
		return qid, playlistID, true
	}

	t.recordFailure(deviceID, trackID, highest, t.config.WideProbeWidth, "search range exhausted")
	return 0, 0, false
}

// knownQueues lists the server's known queues and the highest id among them.
func (t *QueueTracker) knownQueues(ctx context.Context) ([]QueueSummary, int64) {
	queues, err := t.api.ListQueues(ctx)
	if err != nil {
		t.logger.Warn("Known queue listing failed", zap.Error(err))
		return nil, 0
	}
	var highest int64
	for _, q := range queues {
		if q.ID > highest {
			highest = q.ID
		}
	}
	return queues, highest
}

// probeRange walks outward from the anchor (+1, -1, +2, -2, ...) up to width
// ids in each direction, accepting a queue whose playlist linkage matches or,
// when trackID is non-empty, one whose items contain the track.
func (t *QueueTracker) probeRange(ctx context.Context, anchor int64, width int,
	playlistID int64, trackID string) (int64, bool) {
	if anchor == 0 {
		return 0, false
	}

	for offset := 1; offset <= width; offset++ {
		for _, candidate := range []int64{anchor + int64(offset), anchor - int64(offset)} {
			if candidate <= 0 {
				continue
			}
			queue, err := t.api.GetQueue(ctx, candidate)
			if err != nil {
				continue
			}
			if queue.PlaylistID == playlistID {
				return candidate, true
			}
			if trackID != "" && queueContains(queue, trackID) {
				t.logger.Debug("Accepting queue on track-presence match",
					zap.Int64("queueID", candidate),
					zap.String("trackID", trackID))
				return candidate, true
			}
		}
	}
	return 0, false
}

func queueContains(queue *Queue, trackID string) bool {
	for _, item := range queue.Items {
		if item.TrackID == trackID {
			return true
		}
	}
	return false
}

func (t *QueueTracker) recordFailure(deviceID, trackID string, anchor int64, searchRange int, reason string) {
	t.logger.Info("Queue discovery failed",
		zap.String("deviceID", deviceID),
		zap.String("trackID", trackID),
		zap.Int64("anchor", anchor),
		zap.Int("searchRange", searchRange),
		zap.String("reason", reason))

	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.failures = append(t.failures, DiscoveryFailure{
		DeviceID:         deviceID,
		TrackID:          trackID,
		AttemptedAt:      time.Now(),
		ReferenceQueueID: anchor,
		SearchRange:      searchRange,
		Reason:           reason,
	})
	if len(t.failures) > t.failureCap {
		t.failures = t.failures[len(t.failures)-t.failureCap:]
	}
}

// SetCache installs a cache entry directly (operator override and tests).
func (t *QueueTracker) SetCache(deviceID string, queueID, playlistID int64) {
	t.storeEntry(deviceID, queueID, playlistID)
}

// ClearCache drops the entry for one device.
func (t *QueueTracker) ClearCache(deviceID string) {
	t.mutex.Lock()
	delete(t.cache, deviceID)
	t.mutex.Unlock()
}

// Sweep removes every entry older than the TTL. Called opportunistically by
// the maintenance loop.
func (t *QueueTracker) Sweep() int {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	removed := 0
	for device, entry := range t.cache {
		if time.Since(entry.DiscoveredAt) >= t.ttl() {
			delete(t.cache, device)
			removed++
		}
	}
	if removed > 0 {
		t.logger.Debug("Swept expired queue cache entries", zap.Int("removed", removed))
	}
	return removed
}

// Stats returns the cache/failure summary.
func (t *QueueTracker) Stats() TrackerStats {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return TrackerStats{
		CacheEntries: len(t.cache),
		Failures:     len(t.failures),
		TTLMinutes:   t.config.CacheTTLMins,
	}
}

// RecentFailures returns a copy of the failure ring, most recent last.
func (t *QueueTracker) RecentFailures() []DiscoveryFailure {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	out := make([]DiscoveryFailure, len(t.failures))
	copy(out, t.failures)
	return out
}
