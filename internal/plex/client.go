// Package plex provides the Plex Media Server HTTP integration: play queue
// reads and mutations, live session listing, track metadata and sonic
// similarity lookups.
package plex

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/mdabushayem62/plex-playlists/internal/core"
)

const (
	// DefaultTimeout bounds every request when the config does not set one
	DefaultTimeout = 15 * time.Second
	// MaxResponseBytes caps response bodies read into memory
	MaxResponseBytes = 8 << 20
	// ClientIdentifier identifies this service to the server
	ClientIdentifier = "plexadaptive"
)

// Client talks to one Plex Media Server with a static token. It implements
// core.QueueAPI and the raw core.MetadataProvider; the TTL genre cache wraps
// the latter.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *zap.Logger
}

func NewClient(config *core.PlexConfig, logger *zap.Logger) *Client {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: config.URL,
		token:   config.Token,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// mediaContainer is the envelope every Plex JSON response uses. Only the
// fields this subsystem reads are mapped.
type mediaContainer struct {
	MediaContainer struct {
		PlayQueueID         int64      `json:"playQueueID"`
		PlayQueueTotalCount int        `json:"playQueueTotalCount"`
		PlayQueuePlaylistID int64      `json:"playQueuePlaylistID"`
		Metadata            []metadata `json:"Metadata"`
	} `json:"MediaContainer"`
}

type metadata struct {
	RatingKey        string  `json:"ratingKey"`
	PlayQueueItemID  int64   `json:"playQueueItemID"`
	PlayQueueID      int64   `json:"playQueueID"`
	PlaylistID       int64   `json:"playQueuePlaylistID"`
	Title            string  `json:"title"`
	GrandparentTitle string  `json:"grandparentTitle"`
	ParentTitle      string  `json:"parentTitle"`
	Duration         int64   `json:"duration"`
	Genre            []tag   `json:"Genre"`
	Player           *player `json:"Player"`
}

type tag struct {
	Tag string `json:"tag"`
}

type player struct {
	MachineIdentifier string `json:"machineIdentifier"`
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values) (*mediaContainer, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Plex-Token", c.token)
	req.Header.Set("X-Plex-Client-Identifier", ClientIdentifier)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%s: %w", path, core.ErrQueueNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s returned status %d", path, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response from %s: %w", path, err)
	}
	if len(body) == 0 {
		return &mediaContainer{}, nil
	}

	var container mediaContainer
	if err := json.Unmarshal(body, &container); err != nil {
		return nil, fmt.Errorf("failed to decode response from %s: %w", path, err)
	}
	return &container, nil
}

// GetQueue fetches a play queue snapshot. Wraps core.ErrQueueNotFound when
// the id no longer resolves.
func (c *Client) GetQueue(ctx context.Context, queueID int64) (*core.Queue, error) {
	container, err := c.do(ctx, http.MethodGet,
		fmt.Sprintf("/playQueues/%d", queueID), nil)
	if err != nil {
		return nil, err
	}

	mc := container.MediaContainer
	queue := &core.Queue{
		ID:         mc.PlayQueueID,
		TotalCount: mc.PlayQueueTotalCount,
		PlaylistID: mc.PlayQueuePlaylistID,
		Items:      make([]core.QueueItem, 0, len(mc.Metadata)),
	}
	if queue.ID == 0 {
		queue.ID = queueID
	}
	for _, item := range mc.Metadata {
		queue.Items = append(queue.Items, core.QueueItem{
			ItemID:  item.PlayQueueItemID,
			TrackID: item.RatingKey,
			Title:   item.Title,
			Artist:  item.GrandparentTitle,
		})
	}
	if queue.TotalCount == 0 {
		queue.TotalCount = len(queue.Items)
	}
	return queue, nil
}

// RemoveItem deletes one item from a play queue.
func (c *Client) RemoveItem(ctx context.Context, queueID, itemID int64) error {
	_, err := c.do(ctx, http.MethodDelete,
		fmt.Sprintf("/playQueues/%d/items/%d", queueID, itemID), nil)
	return err
}

// AppendItem adds a track to a play queue, at the front when atFront is set.
func (c *Client) AppendItem(ctx context.Context, queueID int64, trackID string, atFront bool) error {
	query := url.Values{}
	query.Set("uri", fmt.Sprintf("server://library/metadata/%s", trackID))
	if atFront {
		query.Set("next", "1")
	}
	_, err := c.do(ctx, http.MethodPut,
		fmt.Sprintf("/playQueues/%d", queueID), query)
	return err
}

// ListQueues enumerates the server's known play queues with their playlist
// linkage. Used by queue discovery to correlate before probing.
func (c *Client) ListQueues(ctx context.Context) ([]core.QueueSummary, error) {
	container, err := c.do(ctx, http.MethodGet, "/playQueues", nil)
	if err != nil {
		return nil, err
	}

	summaries := make([]core.QueueSummary, 0, len(container.MediaContainer.Metadata))
	for _, item := range container.MediaContainer.Metadata {
		id := item.PlayQueueID
		if id == 0 {
			continue
		}
		summaries = append(summaries, core.QueueSummary{
			ID:         id,
			PlaylistID: item.PlaylistID,
		})
	}
	return summaries, nil
}

// ActiveSessions lists the server's live playback sessions as player/track
// pairs.
func (c *Client) ActiveSessions(ctx context.Context) ([]core.ActiveSession, error) {
	container, err := c.do(ctx, http.MethodGet, "/status/sessions", nil)
	if err != nil {
		return nil, err
	}

	sessions := make([]core.ActiveSession, 0, len(container.MediaContainer.Metadata))
	for _, item := range container.MediaContainer.Metadata {
		if item.Player == nil {
			continue
		}
		sessions = append(sessions, core.ActiveSession{
			PlayerID: item.Player.MachineIdentifier,
			TrackID:  item.RatingKey,
		})
	}
	return sessions, nil
}

// SimilarTracks asks the server for sonically similar tracks via its nearest
// endpoint, bounded by count and maximum sonic distance.
func (c *Client) SimilarTracks(ctx context.Context, trackID string, count int, maxDistance float64) ([]core.Track, error) {
	query := url.Values{}
	query.Set("limit", strconv.Itoa(count))
	query.Set("maxDistance", strconv.FormatFloat(maxDistance, 'f', -1, 64))

	container, err := c.do(ctx, http.MethodGet,
		fmt.Sprintf("/library/metadata/%s/nearest", url.PathEscape(trackID)), query)
	if err != nil {
		return nil, err
	}

	tracks := make([]core.Track, 0, len(container.MediaContainer.Metadata))
	for _, item := range container.MediaContainer.Metadata {
		tracks = append(tracks, metadataToTrack(item))
	}
	c.logger.Debug("Fetched similar tracks",
		zap.String("seedTrackID", trackID),
		zap.Int("count", len(tracks)))
	return tracks, nil
}

// TrackDuration implements the raw core.MetadataProvider duration lookup.
func (c *Client) TrackDuration(ctx context.Context, trackID string) (int64, error) {
	item, err := c.trackMetadata(ctx, trackID)
	if err != nil {
		return 0, err
	}
	return item.Duration, nil
}

// TrackGenres implements the raw core.MetadataProvider genre lookup. The
// allowStale flag only matters to the caching layer above.
func (c *Client) TrackGenres(ctx context.Context, trackID string, _ bool) ([]string, error) {
	item, err := c.trackMetadata(ctx, trackID)
	if err != nil {
		return nil, err
	}
	genres := make([]string, 0, len(item.Genre))
	for _, g := range item.Genre {
		if g.Tag != "" {
			genres = append(genres, g.Tag)
		}
	}
	return genres, nil
}

func (c *Client) trackMetadata(ctx context.Context, trackID string) (*metadata, error) {
	container, err := c.do(ctx, http.MethodGet,
		fmt.Sprintf("/library/metadata/%s", url.PathEscape(trackID)), nil)
	if err != nil {
		return nil, err
	}
	if len(container.MediaContainer.Metadata) == 0 {
		return nil, fmt.Errorf("no metadata for track %s", trackID)
	}
	return &container.MediaContainer.Metadata[0], nil
}

func metadataToTrack(item metadata) core.Track {
	genres := make([]string, 0, len(item.Genre))
	for _, g := range item.Genre {
		if g.Tag != "" {
			genres = append(genres, g.Tag)
		}
	}
	return core.Track{
		ID:       item.RatingKey,
		Title:    item.Title,
		Artist:   item.GrandparentTitle,
		Album:    item.ParentTitle,
		Genres:   genres,
		Duration: time.Duration(item.Duration) * time.Millisecond,
	}
}
