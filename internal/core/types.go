package core

import (
	"context"
	"errors"
	"time"
)

// ErrQueueNotFound is returned by QueueAPI implementations when the remote
// play queue no longer exists. It is the only remote failure that aborts an
// adaptation batch.
var ErrQueueNotFound = errors.New("play queue not found")

// ErrQueueGone is returned by the queue manager when the target queue vanished
// mid-batch. Callers clear the session's cached queue id on it.
var ErrQueueGone = errors.New("play queue gone")

type EventKind string

const (
	// EventPlay signals a track started playing on a device
	EventPlay EventKind = "play"
	// EventStop signals playback stopped with a reported offset
	EventStop EventKind = "stop"
	// EventScrobble signals a track reached natural completion
	EventScrobble EventKind = "scrobble"
	// EventPause signals playback paused; recorded only, never infers a skip
	EventPause EventKind = "pause"
	// EventResume signals playback resumed; recorded only
	EventResume EventKind = "resume"
	// EventRate signals the user rated the current item; recorded only
	EventRate EventKind = "rate"
)

// TelemetryTrack is the track portion of an inbound telemetry event. Duration
// and offset are zero when the player did not report them.
type TelemetryTrack struct {
	ID         string
	Title      string
	Artist     string
	Album      string
	DurationMs int64
	OffsetMs   int64
}

// TelemetryEvent is one discrete playback signal from a device.
type TelemetryEvent struct {
	Kind      EventKind
	DeviceID  string
	Track     TelemetryTrack
	Timestamp time.Time
}

// SkipEvent records a track abandoned before the completion threshold.
// Immutable once appended to a session.
type SkipEvent struct {
	TrackID           string
	Title             string
	Genres            []string
	Artists           []string
	ListenedMs        int64
	CompletionPercent float64
	Timestamp         time.Time
}

// CompletionEvent records a track that played through.
type CompletionEvent struct {
	TrackID   string
	Title     string
	Genres    []string
	Artists   []string
	Timestamp time.Time
}

// Session is this subsystem's per-device model of recent playback activity.
// All mutation happens under the session manager's per-device lock.
type Session struct {
	DeviceID string
	// StoreID is the durable row id; zero until first persisted.
	StoreID int64
	// QueueID is the resolved remote play queue id; zero when unknown.
	QueueID    int64
	PlaylistID int64

	CurrentTrackID    string
	CurrentTitle      string
	CurrentArtist     string
	CurrentDurationMs int64
	PlaybackStartedAt time.Time

	Skips       []SkipEvent
	Completions []CompletionEvent

	LastAdaptationAt time.Time
	LastSeenAt       time.Time
}

// Playing reports whether the session has a live current track.
func (s *Session) Playing() bool {
	return s.CurrentTrackID != "" && !s.PlaybackStartedAt.IsZero()
}

type ActionType string

const (
	// ActionRemoveGenre removes queue items matching an averted genre
	ActionRemoveGenre ActionType = "remove_genre"
	// ActionRemoveArtist removes queue items matching an averted artist
	ActionRemoveArtist ActionType = "remove_artist"
	// ActionRefillSimilar appends sonically similar tracks to the queue
	ActionRefillSimilar ActionType = "refill_similar"
)

// AdaptiveAction is a closed tagged union: exactly one of Genres, Artists or
// SeedTrackIDs is meaningful depending on Type. The queue manager matches
// Type exhaustively.
type AdaptiveAction struct {
	Type         ActionType
	Genres       []string
	Artists      []string
	SeedTrackIDs []string
	Reason       string
}

// ActionRecord is the immutable audit entry for one executed action.
// TracksAffected is the actual count, not the requested one.
type ActionRecord struct {
	SessionID      int64
	Type           ActionType
	Payload        string
	Reason         string
	TracksAffected int
	Timestamp      time.Time
}

// AdaptiveSettings are the tunables read from the durable store before each
// adaptation cycle so dashboard edits apply without a restart.
type AdaptiveSettings struct {
	Enabled       bool
	WindowMinutes int
	MinSkipCount  int
	Sensitivity   int
	CooldownSecs  int
}

// QueueItem is one entry of a remote play queue.
type QueueItem struct {
	ItemID  int64
	TrackID string
	Title   string
	Artist  string
}

// Queue is a snapshot of a remote play queue. PlaylistID is the queue's
// playlist linkage, zero when the queue was not generated from a playlist.
type Queue struct {
	ID         int64
	Items      []QueueItem
	TotalCount int
	PlaylistID int64
}

// QueueSummary is the id/linkage pair returned by ListQueues.
type QueueSummary struct {
	ID         int64
	PlaylistID int64
}

// ActiveSession is one entry of the remote server's live session list.
type ActiveSession struct {
	PlayerID string
	TrackID  string
}

type Track struct {
	ID       string
	Title    string
	Artist   string
	Album    string
	Genres   []string
	Duration time.Duration
}

// QueueAPI is the remote media server's play queue surface. Implementations
// must wrap ErrQueueNotFound when the queue id no longer resolves.
type QueueAPI interface {
	GetQueue(ctx context.Context, queueID int64) (*Queue, error)
	RemoveItem(ctx context.Context, queueID, itemID int64) error
	AppendItem(ctx context.Context, queueID int64, trackID string, atFront bool) error
	ListQueues(ctx context.Context) ([]QueueSummary, error)
	ActiveSessions(ctx context.Context) ([]ActiveSession, error)
	SimilarTracks(ctx context.Context, trackID string, count int, maxDistance float64) ([]Track, error)
}

// MetadataProvider resolves track durations and enriched genre tags.
// TrackGenres with allowStale set may serve expired cache entries.
type MetadataProvider interface {
	TrackDuration(ctx context.Context, trackID string) (int64, error)
	TrackGenres(ctx context.Context, trackID string, allowStale bool) ([]string, error)
}

// PlaylistIndex is the local reverse lookup from a track to the playlist that
// contains it. Returns zero when the track is in no known playlist.
type PlaylistIndex interface {
	FindPlaylistContaining(ctx context.Context, trackID string) (int64, error)
}

// SkipRecord is a dashboard-facing skip history row.
type SkipRecord struct {
	TrackID           string    `json:"track_id"`
	Title             string    `json:"title"`
	Genres            []string  `json:"genres"`
	Artists           []string  `json:"artists"`
	CompletionPercent float64   `json:"completion_percent"`
	Timestamp         time.Time `json:"timestamp"`
}

// ActionAudit is a dashboard-facing adaptive action history row.
type ActionAudit struct {
	Type           ActionType `json:"type"`
	Reason         string     `json:"reason"`
	TracksAffected int        `json:"tracks_affected"`
	Timestamp      time.Time  `json:"timestamp"`
}

// Store is the durable persistence surface: session CRUD keyed by device id,
// append-only event tables and configuration reads.
type Store interface {
	SessionByDevice(ctx context.Context, deviceID string) (*Session, error)
	SaveSession(ctx context.Context, session *Session) (int64, error)
	AppendSkip(ctx context.Context, sessionID int64, ev SkipEvent) error
	AppendCompletion(ctx context.Context, sessionID int64, ev CompletionEvent) error
	AppendAction(ctx context.Context, rec ActionRecord) error
	AdaptiveSettings(ctx context.Context) (AdaptiveSettings, error)
	SessionHistory(ctx context.Context, deviceID string, limit int) ([]SkipRecord, []ActionAudit, error)
}

// RecentGuard remembers track ids the queue manager recently removed so a
// refill pass cannot immediately reintroduce them.
type RecentGuard interface {
	Suppress(trackID string)
	Suppressed(trackID string) bool
}

// Metrics is the observability hook implemented by the HTTP server.
type Metrics interface {
	RecordEvent(kind string)
	RecordDroppedEvent()
	RecordSkip()
	RecordPattern(actionType string)
	RecordAdaptation()
	RecordRemovals(count int)
	RecordRefills(count int)
	RecordDiscovery(outcome string)
}

// NopMetrics satisfies Metrics without side effects; used in tests and before
// the HTTP server is wired.
type NopMetrics struct{}

func (NopMetrics) RecordEvent(string)     {}
func (NopMetrics) RecordDroppedEvent()    {}
func (NopMetrics) RecordSkip()            {}
func (NopMetrics) RecordPattern(string)   {}
func (NopMetrics) RecordAdaptation()      {}
func (NopMetrics) RecordRemovals(int)     {}
func (NopMetrics) RecordRefills(int)      {}
func (NopMetrics) RecordDiscovery(string) {}
