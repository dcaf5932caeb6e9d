package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/mdabushayem62/plex-playlists/internal/core"
)

// Store is the sqlite-backed durable layer: sessions keyed by device id,
// append-only skip/completion/action tables, the settings table read before
// each adaptation cycle, and the local playlist index used by queue
// discovery. Implements core.Store and core.PlaylistIndex.
type Store struct {
	db       *sql.DB
	defaults core.AdaptiveSettings
	logger   *zap.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	device_id TEXT NOT NULL UNIQUE,
	queue_id INTEGER NOT NULL DEFAULT 0,
	playlist_id INTEGER NOT NULL DEFAULT 0,
	current_track_id TEXT NOT NULL DEFAULT '',
	current_title TEXT NOT NULL DEFAULT '',
	current_artist TEXT NOT NULL DEFAULT '',
	current_duration_ms INTEGER NOT NULL DEFAULT 0,
	playback_started_at TIMESTAMP,
	last_adaptation_at TIMESTAMP,
	last_seen_at TIMESTAMP
);
CREATE TABLE IF NOT EXISTS skip_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id INTEGER NOT NULL REFERENCES sessions(id),
	track_id TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	genres TEXT NOT NULL DEFAULT '[]',
	artists TEXT NOT NULL DEFAULT '[]',
	listened_ms INTEGER NOT NULL DEFAULT 0,
	completion_percent REAL NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS completion_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id INTEGER NOT NULL REFERENCES sessions(id),
	track_id TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	genres TEXT NOT NULL DEFAULT '[]',
	artists TEXT NOT NULL DEFAULT '[]',
	created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS adaptive_actions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id INTEGER NOT NULL REFERENCES sessions(id),
	action_type TEXT NOT NULL,
	payload TEXT NOT NULL DEFAULT '{}',
	reason TEXT NOT NULL DEFAULT '',
	tracks_affected INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS playlists (
	id INTEGER PRIMARY KEY,
	title TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS playlist_tracks (
	playlist_id INTEGER NOT NULL REFERENCES playlists(id),
	track_id TEXT NOT NULL,
	position INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (playlist_id, track_id)
);
CREATE INDEX IF NOT EXISTS idx_skip_events_session ON skip_events(session_id, created_at);
CREATE INDEX IF NOT EXISTS idx_actions_session ON adaptive_actions(session_id, created_at);
CREATE INDEX IF NOT EXISTS idx_playlist_tracks_track ON playlist_tracks(track_id);
`

// New opens (creating if needed) the sqlite database at path and applies the
// schema. The defaults seed AdaptiveSettings reads for keys the settings
// table does not hold.
func New(path string, defaults core.AdaptiveSettings, logger *zap.Logger) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	logger.Info("Database ready", zap.String("path", path))
	return &Store{db: db, defaults: defaults, logger: logger}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func fromNullTime(t sql.NullTime) time.Time {
	if !t.Valid {
		return time.Time{}
	}
	return t.Time
}

// SessionByDevice returns the persisted session for a device, nil when the
// device has never been seen. Skip and completion histories are not stored
// per row and restart empty; they refill from live telemetry, while the
// durable event tables serve the history API.
func (s *Store) SessionByDevice(ctx context.Context, deviceID string) (*core.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, queue_id, playlist_id, current_track_id, current_title,
		       current_artist, current_duration_ms, playback_started_at,
		       last_adaptation_at, last_seen_at
		FROM sessions WHERE device_id = ?`, deviceID)

	session := &core.Session{DeviceID: deviceID}
	var startedAt, adaptedAt, seenAt sql.NullTime
	err := row.Scan(&session.StoreID, &session.QueueID, &session.PlaylistID,
		&session.CurrentTrackID, &session.CurrentTitle, &session.CurrentArtist,
		&session.CurrentDurationMs, &startedAt, &adaptedAt, &seenAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	session.PlaybackStartedAt = fromNullTime(startedAt)
	session.LastAdaptationAt = fromNullTime(adaptedAt)
	session.LastSeenAt = fromNullTime(seenAt)
	return session, nil
}

// SaveSession upserts the session row keyed by device id and returns its id.
func (s *Store) SaveSession(ctx context.Context, session *core.Session) (int64, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (device_id, queue_id, playlist_id, current_track_id,
		                      current_title, current_artist, current_duration_ms,
		                      playback_started_at, last_adaptation_at, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			queue_id = excluded.queue_id,
			playlist_id = excluded.playlist_id,
			current_track_id = excluded.current_track_id,
			current_title = excluded.current_title,
			current_artist = excluded.current_artist,
			current_duration_ms = excluded.current_duration_ms,
			playback_started_at = excluded.playback_started_at,
			last_adaptation_at = excluded.last_adaptation_at,
			last_seen_at = excluded.last_seen_at`,
		session.DeviceID, session.QueueID, session.PlaylistID, session.CurrentTrackID,
		session.CurrentTitle, session.CurrentArtist, session.CurrentDurationMs,
		nullTime(session.PlaybackStartedAt), nullTime(session.LastAdaptationAt),
		nullTime(session.LastSeenAt))
	if err != nil {
		return 0, fmt.Errorf("failed to upsert session: %w", err)
	}

	var id int64
	err = s.db.QueryRowContext(ctx,
		`SELECT id FROM sessions WHERE device_id = ?`, session.DeviceID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to read session id: %w", err)
	}
	return id, nil
}

func marshalList(values []string) string {
	if values == nil {
		values = []string{}
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func unmarshalList(data string) []string {
	var values []string
	if err := json.Unmarshal([]byte(data), &values); err != nil {
		return nil
	}
	return values
}

func (s *Store) AppendSkip(ctx context.Context, sessionID int64, ev core.SkipEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO skip_events (session_id, track_id, title, genres, artists,
		                         listened_ms, completion_percent, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, ev.TrackID, ev.Title, marshalList(ev.Genres), marshalList(ev.Artists),
		ev.ListenedMs, ev.CompletionPercent, ev.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to append skip event: %w", err)
	}
	return nil
}

func (s *Store) AppendCompletion(ctx context.Context, sessionID int64, ev core.CompletionEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO completion_events (session_id, track_id, title, genres, artists, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sessionID, ev.TrackID, ev.Title, marshalList(ev.Genres), marshalList(ev.Artists),
		ev.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to append completion event: %w", err)
	}
	return nil
}

func (s *Store) AppendAction(ctx context.Context, rec core.ActionRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO adaptive_actions (session_id, action_type, payload, reason,
		                              tracks_affected, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.SessionID, string(rec.Type), rec.Payload, rec.Reason,
		rec.TracksAffected, rec.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to append action record: %w", err)
	}
	return nil
}

// AdaptiveSettings reads the tunables, falling back to the configured
// defaults for keys the settings table does not hold. Read before every
// adaptation cycle so dashboard edits apply without a restart.
func (s *Store) AdaptiveSettings(ctx context.Context) (core.AdaptiveSettings, error) {
	settings := s.defaults

	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return settings, fmt.Errorf("failed to read settings: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return settings, fmt.Errorf("failed to scan setting: %w", err)
		}
		switch key {
		case "adaptive_enabled":
			settings.Enabled = value == "true" || value == "1"
		case "skip_window_minutes":
			if n, err := strconv.Atoi(value); err == nil && n > 0 {
				settings.WindowMinutes = n
			}
		case "min_skip_count":
			if n, err := strconv.Atoi(value); err == nil && n > 0 {
				settings.MinSkipCount = n
			}
		case "sensitivity":
			if n, err := strconv.Atoi(value); err == nil && n >= 1 && n <= 10 {
				settings.Sensitivity = n
			}
		case "cooldown_seconds":
			if n, err := strconv.Atoi(value); err == nil && n >= 0 {
				settings.CooldownSecs = n
			}
		}
	}
	return settings, rows.Err()
}

// SetSetting writes one settings key (dashboard CRUD and tests).
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("failed to write setting: %w", err)
	}
	return nil
}

// SessionHistory returns a device's recent skips and executed actions,
// newest first, for the dashboard.
func (s *Store) SessionHistory(ctx context.Context, deviceID string, limit int) ([]core.SkipRecord, []core.ActionAudit, error) {
	var sessionID int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM sessions WHERE device_id = ?`, deviceID).Scan(&sessionID)
	if err == sql.ErrNoRows {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to resolve session: %w", err)
	}

	skips, err := s.recentSkips(ctx, sessionID, limit)
	if err != nil {
		return nil, nil, err
	}
	actions, err := s.recentActions(ctx, sessionID, limit)
	if err != nil {
		return nil, nil, err
	}
	return skips, actions, nil
}

func (s *Store) recentSkips(ctx context.Context, sessionID int64, limit int) ([]core.SkipRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT track_id, title, genres, artists, completion_percent, created_at
		FROM skip_events WHERE session_id = ?
		ORDER BY created_at DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read skip history: %w", err)
	}
	defer rows.Close()

	var skips []core.SkipRecord
	for rows.Next() {
		var rec core.SkipRecord
		var genres, artists string
		if err := rows.Scan(&rec.TrackID, &rec.Title, &genres, &artists,
			&rec.CompletionPercent, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan skip row: %w", err)
		}
		rec.Genres = unmarshalList(genres)
		rec.Artists = unmarshalList(artists)
		skips = append(skips, rec)
	}
	return skips, rows.Err()
}

func (s *Store) recentActions(ctx context.Context, sessionID int64, limit int) ([]core.ActionAudit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT action_type, reason, tracks_affected, created_at
		FROM adaptive_actions WHERE session_id = ?
		ORDER BY created_at DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read action history: %w", err)
	}
	defer rows.Close()

	var actions []core.ActionAudit
	for rows.Next() {
		var rec core.ActionAudit
		var actionType string
		if err := rows.Scan(&actionType, &rec.Reason, &rec.TracksAffected,
			&rec.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan action row: %w", err)
		}
		rec.Type = core.ActionType(actionType)
		actions = append(actions, rec)
	}
	return actions, rows.Err()
}

// FindPlaylistContaining implements core.PlaylistIndex: the reverse lookup
// from a track to a locally-known playlist. When several playlists hold the
// track the most recently generated (highest id) wins.
func (s *Store) FindPlaylistContaining(ctx context.Context, trackID string) (int64, error) {
	var playlistID int64
	err := s.db.QueryRowContext(ctx, `
		SELECT playlist_id FROM playlist_tracks WHERE track_id = ?
		ORDER BY playlist_id DESC LIMIT 1`, trackID).Scan(&playlistID)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to query playlist index: %w", err)
	}
	return playlistID, nil
}

// ReplacePlaylist rewrites one playlist's membership in the index. Called by
// the batch playlist generators when they publish a new playlist version.
func (s *Store) ReplacePlaylist(ctx context.Context, playlistID int64, title string, trackIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin playlist update: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO playlists (id, title) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET title = excluded.title`, playlistID, title); err != nil {
		return fmt.Errorf("failed to upsert playlist: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM playlist_tracks WHERE playlist_id = ?`, playlistID); err != nil {
		return fmt.Errorf("failed to clear playlist tracks: %w", err)
	}
	for i, trackID := range trackIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO playlist_tracks (playlist_id, track_id, position)
			VALUES (?, ?, ?)`, playlistID, trackID, i); err != nil {
			return fmt.Errorf("failed to insert playlist track: %w", err)
		}
	}

	return tx.Commit()
}
