// Package metadata layers a bounded TTL cache over the remote track-metadata
// provider. Genre enrichment is read on every skip and on every queue item
// considered for removal, so hitting the server each time is not an option.
package metadata

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/mdabushayem62/plex-playlists/internal/core"
)

type genreEntry struct {
	tags      []string
	fetchedAt time.Time
}

// GenreCache implements core.MetadataProvider. Duration lookups pass straight
// through; genre lookups are served from an LRU with per-entry age. Reads
// with allowStale set accept entries past the TTL, which queue-removal
// matching uses to avoid a refresh round-trip per item.
type GenreCache struct {
	provider core.MetadataProvider
	ttl      time.Duration
	logger   *zap.Logger

	mutex  sync.Mutex
	genres *lru.Cache[string, genreEntry]
}

func NewGenreCache(provider core.MetadataProvider, capacity int, ttl time.Duration, logger *zap.Logger) *GenreCache {
	cache, _ := lru.New[string, genreEntry](capacity)
	return &GenreCache{
		provider: provider,
		ttl:      ttl,
		logger:   logger,
		genres:   cache,
	}
}

func (c *GenreCache) TrackDuration(ctx context.Context, trackID string) (int64, error) {
	return c.provider.TrackDuration(ctx, trackID)
}

func (c *GenreCache) TrackGenres(ctx context.Context, trackID string, allowStale bool) ([]string, error) {
	c.mutex.Lock()
	entry, ok := c.genres.Get(trackID)
	c.mutex.Unlock()

	if ok {
		fresh := time.Since(entry.fetchedAt) < c.ttl
		if fresh || allowStale {
			if !fresh {
				c.logger.Debug("Serving stale genre tags",
					zap.String("trackID", trackID),
					zap.Duration("age", time.Since(entry.fetchedAt)))
			}
			return entry.tags, nil
		}
	}

	tags, err := c.provider.TrackGenres(ctx, trackID, allowStale)
	if err != nil {
		// a stale entry beats an error even on a strict read
		if ok {
			return entry.tags, nil
		}
		return nil, err
	}

	c.mutex.Lock()
	c.genres.Add(trackID, genreEntry{tags: tags, fetchedAt: time.Now()})
	c.mutex.Unlock()
	return tags, nil
}

// Len reports the number of cached genre entries.
func (c *GenreCache) Len() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.genres.Len()
}
