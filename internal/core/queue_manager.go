package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mdabushayem62/plex-playlists/pkg/fuzzy"
)

// QueueManager applies adaptive actions to a specific remote play queue,
// bounded by the safety caps in QueueConfig. It owns no persistent state
// beyond the audit records it appends to the store.
type QueueManager struct {
	api        QueueAPI
	metadata   MetadataProvider
	store      Store
	recent     RecentGuard
	config     *QueueConfig
	normalizer *fuzzy.Normalizer
	logger     *zap.Logger
	metrics    Metrics
}

func NewQueueManager(api QueueAPI, metadata MetadataProvider, store Store,
	recent RecentGuard, config *QueueConfig, logger *zap.Logger, metrics Metrics) *QueueManager {
	if metrics == nil {
		metrics = NopMetrics{}
	}
	return &QueueManager{
		api:        api,
		metadata:   metadata,
		store:      store,
		recent:     recent,
		config:     config,
		normalizer: fuzzy.NewNormalizer(),
		logger:     logger,
		metrics:    metrics,
	}
}

func (m *QueueManager) apiDelay() {
	time.Sleep(time.Duration(m.config.APIDelayMs) * time.Millisecond)
}

// AdaptQueue executes a batch of actions against the queue. Item-level
// failures are logged and skipped; the only batch-aborting condition is the
// queue no longer existing, reported as ErrQueueGone so the caller can drop
// its cached queue id. Everything else returns nil.
func (m *QueueManager) AdaptQueue(ctx context.Context, sessionID, queueID int64, actions []AdaptiveAction) error {
	queue, err := m.api.GetQueue(ctx, queueID)
	if err != nil {
		if errors.Is(err, ErrQueueNotFound) {
			m.logger.Info("Queue destroyed before adaptation, aborting batch",
				zap.Int64("queueID", queueID))
			return ErrQueueGone
		}
		m.logger.Warn("Queue fetch failed, skipping adaptation cycle",
			zap.Int64("queueID", queueID), zap.Error(err))
		return nil
	}

	totalRemovals := 0
	for _, action := range actions {
		switch action.Type {
		case ActionRemoveGenre, ActionRemoveArtist:
			removed := m.executeRemoval(ctx, queue, action)
			totalRemovals += removed
			m.logAction(ctx, sessionID, action, removed)
			m.metrics.RecordRemovals(removed)
		case ActionRefillSimilar:
			added, err := m.executeRefill(ctx, queueID, action.SeedTrackIDs)
			if err != nil {
				return err
			}
			m.logAction(ctx, sessionID, action, added)
			m.metrics.RecordRefills(added)
		default:
			m.logger.Error("Unknown adaptive action type",
				zap.String("type", string(action.Type)))
		}
	}

	queue, err = m.api.GetQueue(ctx, queueID)
	if err != nil {
		if errors.Is(err, ErrQueueNotFound) {
			m.logger.Info("Queue destroyed after actions, aborting batch",
				zap.Int64("queueID", queueID))
			return ErrQueueGone
		}
		m.logger.Warn("Queue re-fetch failed, skipping refill check",
			zap.Int64("queueID", queueID), zap.Error(err))
		return nil
	}

	if reason, should := m.shouldRefill(queue, totalRemovals); should {
		implicit := AdaptiveAction{Type: ActionRefillSimilar, Reason: reason}
		added, err := m.executeRefill(ctx, queueID, nil)
		if err != nil {
			return err
		}
		m.logAction(ctx, sessionID, implicit, added)
		m.metrics.RecordRefills(added)
	}

	return nil
}

func (m *QueueManager) shouldRefill(queue *Queue, totalRemovals int) (string, bool) {
	if queue.TotalCount < m.config.MinQueueSize {
		return fmt.Sprintf("queue size %d below minimum %d",
			queue.TotalCount, m.config.MinQueueSize), true
	}
	if totalRemovals >= m.config.AutoRefillThreshold {
		return fmt.Sprintf("%d removals reached auto-refill threshold %d",
			totalRemovals, m.config.AutoRefillThreshold), true
	}
	return "", false
}

// executeRemoval removes queue items matching the action's genre or artist
// targets, capped at MaxRemovals per action, one remote call at a time with
// the fixed inter-call delay. Returns the number actually removed.
func (m *QueueManager) executeRemoval(ctx context.Context, queue *Queue, action AdaptiveAction) int {
	matches := m.matchItems(ctx, queue, action)
	if len(matches) == 0 {
		m.logger.Debug("No queue items match removal action",
			zap.String("type", string(action.Type)),
			zap.String("reason", action.Reason))
		return 0
	}

	if len(matches) > m.config.MaxRemovals {
		m.logger.Info("Capping removal batch",
			zap.Int("matched", len(matches)),
			zap.Int("cap", m.config.MaxRemovals))
		matches = matches[:m.config.MaxRemovals]
	}

	removed := 0
	for i, item := range matches {
		if i > 0 {
			m.apiDelay()
		}
		if err := m.api.RemoveItem(ctx, queue.ID, item.ItemID); err != nil {
			m.logger.Warn("Queue item removal failed, continuing batch",
				zap.Int64("itemID", item.ItemID),
				zap.String("trackID", item.TrackID),
				zap.Error(err))
			continue
		}
		m.recent.Suppress(item.TrackID)
		removed++
	}

	m.logger.Info("Removal action executed",
		zap.String("type", string(action.Type)),
		zap.Int("matched", len(matches)),
		zap.Int("removed", removed),
		zap.String("reason", action.Reason))
	return removed
}

func (m *QueueManager) matchItems(ctx context.Context, queue *Queue, action AdaptiveAction) []QueueItem {
	var matches []QueueItem
	switch action.Type {
	case ActionRemoveGenre:
		for _, item := range queue.Items {
			// stale genre data is acceptable here: removal is conservative
			// and a refresh round-trip per item would defeat the rate limits
			tags, err := m.metadata.TrackGenres(ctx, item.TrackID, true)
			if err != nil {
				m.logger.Debug("Genre lookup failed for queue item",
					zap.String("trackID", item.TrackID), zap.Error(err))
				continue
			}
			for _, tag := range tags {
				if m.normalizer.GenreMatchesAny(tag, action.Genres) {
					matches = append(matches, item)
					break
				}
			}
		}
	case ActionRemoveArtist:
		for _, item := range queue.Items {
			if m.normalizer.ArtistMatchesAny(item.Artist, action.Artists) {
				matches = append(matches, item)
			}
		}
	case ActionRefillSimilar:
		// not a removal; handled by executeRefill
	}
	return matches
}

// executeRefill appends sonically similar tracks to the end of the queue.
// Seeds default to the first items currently queued. Collects up to twice the
// target before appending, which absorbs queue-membership drift between the
// similarity fetches and the actual appends. Only a vanished queue is an
// error (ErrQueueGone).
func (m *QueueManager) executeRefill(ctx context.Context, queueID int64, seeds []string) (int, error) {
	queue, err := m.api.GetQueue(ctx, queueID)
	if err != nil {
		if errors.Is(err, ErrQueueNotFound) {
			return 0, ErrQueueGone
		}
		m.logger.Warn("Queue fetch for refill failed", zap.Error(err))
		return 0, nil
	}

	if len(seeds) == 0 {
		for i, item := range queue.Items {
			if i >= m.config.SeedLimit {
				break
			}
			seeds = append(seeds, item.TrackID)
		}
	}
	if len(seeds) == 0 {
		m.logger.Info("No seeds available for refill, skipping",
			zap.Int64("queueID", queueID))
		return 0, nil
	}
	if len(seeds) > m.config.SeedLimit {
		seeds = seeds[:m.config.SeedLimit]
	}

	inQueue := make(map[string]struct{}, len(queue.Items))
	for _, item := range queue.Items {
		inQueue[item.TrackID] = struct{}{}
	}

	headroom := 2 * m.config.RefillTarget
	var candidates []string
	collected := make(map[string]struct{})

	for _, seed := range seeds {
		if len(candidates) >= headroom {
			break
		}
		similar, err := m.api.SimilarTracks(ctx, seed, m.config.SimilarPerSeed, m.config.MaxSimilarDistance)
		if err != nil {
			m.logger.Warn("Similarity fetch failed, continuing with next seed",
				zap.String("seed", seed), zap.Error(err))
			continue
		}
		for _, track := range similar {
			if _, ok := inQueue[track.ID]; ok {
				continue
			}
			if _, ok := collected[track.ID]; ok {
				continue
			}
			if m.recent.Suppressed(track.ID) {
				m.logger.Debug("Skipping recently removed track in refill",
					zap.String("trackID", track.ID))
				continue
			}
			collected[track.ID] = struct{}{}
			candidates = append(candidates, track.ID)
			if len(candidates) >= headroom {
				break
			}
		}
	}

	if len(candidates) == 0 {
		m.logger.Info("No similar tracks found for refill",
			zap.Int64("queueID", queueID),
			zap.Int("seeds", len(seeds)))
		return 0, nil
	}

	appended := 0
	for _, trackID := range candidates {
		if appended >= m.config.RefillTarget {
			break
		}
		if appended > 0 {
			m.apiDelay()
		}
		if err := m.api.AppendItem(ctx, queueID, trackID, false); err != nil {
			m.logger.Warn("Queue append failed, continuing with next candidate",
				zap.String("trackID", trackID), zap.Error(err))
			continue
		}
		appended++
	}

	m.logger.Info("Refill executed",
		zap.Int64("queueID", queueID),
		zap.Int("candidates", len(candidates)),
		zap.Int("appended", appended))
	return appended, nil
}

// logAction appends the immutable audit record for one executed action.
// Audit write failure never fails the batch; this subsystem favors
// availability over perfect audit completeness.
func (m *QueueManager) logAction(ctx context.Context, sessionID int64, action AdaptiveAction, affected int) {
	payload, err := json.Marshal(struct {
		Genres  []string `json:"genres,omitempty"`
		Artists []string `json:"artists,omitempty"`
		Seeds   []string `json:"seeds,omitempty"`
	}{action.Genres, action.Artists, action.SeedTrackIDs})
	if err != nil {
		payload = []byte("{}")
	}

	rec := ActionRecord{
		SessionID:      sessionID,
		Type:           action.Type,
		Payload:        string(payload),
		Reason:         action.Reason,
		TracksAffected: affected,
		Timestamp:      time.Now(),
	}
	if err := m.store.AppendAction(ctx, rec); err != nil {
		m.logger.Warn("Failed to append action audit record",
			zap.String("type", string(action.Type)),
			zap.Error(err))
	}
}
