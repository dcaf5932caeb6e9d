package core

import (
	"context"
	"sync"
)

// fakeQueueAPI is an in-memory QueueAPI. Queues are keyed by id; every remote
// call is counted so tests can assert how often the remote API was hit.
type fakeQueueAPI struct {
	mu       sync.Mutex
	queues   map[int64]*Queue
	sessions []ActiveSession
	similar  map[string][]Track

	getCalls     int
	removeCalls  int
	appendCalls  int
	listCalls    int
	sessionCalls int

	removeErr error
	appendErr error
}

func newFakeQueueAPI() *fakeQueueAPI {
	return &fakeQueueAPI{
		queues:  make(map[int64]*Queue),
		similar: make(map[string][]Track),
	}
}

func (f *fakeQueueAPI) GetQueue(_ context.Context, queueID int64) (*Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	queue, ok := f.queues[queueID]
	if !ok {
		return nil, ErrQueueNotFound
	}
	snapshot := *queue
	snapshot.Items = append([]QueueItem(nil), queue.Items...)
	snapshot.TotalCount = len(queue.Items)
	return &snapshot, nil
}

func (f *fakeQueueAPI) RemoveItem(_ context.Context, queueID, itemID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeCalls++
	if f.removeErr != nil {
		return f.removeErr
	}
	queue, ok := f.queues[queueID]
	if !ok {
		return ErrQueueNotFound
	}
	for i, item := range queue.Items {
		if item.ItemID == itemID {
			queue.Items = append(queue.Items[:i], queue.Items[i+1:]...)
			return nil
		}
	}
	return nil
}

func (f *fakeQueueAPI) AppendItem(_ context.Context, queueID int64, trackID string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appendCalls++
	if f.appendErr != nil {
		return f.appendErr
	}
	queue, ok := f.queues[queueID]
	if !ok {
		return ErrQueueNotFound
	}
	queue.Items = append(queue.Items, QueueItem{
		ItemID:  int64(1000 + len(queue.Items)),
		TrackID: trackID,
	})
	return nil
}

func (f *fakeQueueAPI) ListQueues(_ context.Context) ([]QueueSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	var out []QueueSummary
	for id, q := range f.queues {
		out = append(out, QueueSummary{ID: id, PlaylistID: q.PlaylistID})
	}
	return out, nil
}

func (f *fakeQueueAPI) ActiveSessions(_ context.Context) ([]ActiveSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessionCalls++
	return append([]ActiveSession(nil), f.sessions...), nil
}

func (f *fakeQueueAPI) SimilarTracks(_ context.Context, trackID string, count int, _ float64) ([]Track, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tracks := f.similar[trackID]
	if len(tracks) > count {
		tracks = tracks[:count]
	}
	return append([]Track(nil), tracks...), nil
}

func (f *fakeQueueAPI) queueLen(queueID int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if queue, ok := f.queues[queueID]; ok {
		return len(queue.Items)
	}
	return 0
}

// fakeMetadata serves canned genre tags and durations.
type fakeMetadata struct {
	mu        sync.Mutex
	genres    map[string][]string
	durations map[string]int64
}

func newFakeMetadata() *fakeMetadata {
	return &fakeMetadata{
		genres:    make(map[string][]string),
		durations: make(map[string]int64),
	}
}

func (f *fakeMetadata) TrackDuration(_ context.Context, trackID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.durations[trackID], nil
}

func (f *fakeMetadata) TrackGenres(_ context.Context, trackID string, _ bool) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.genres[trackID], nil
}

// fakeStore keeps everything in memory and counts appends.
type fakeStore struct {
	mu          sync.Mutex
	sessions    map[string]*Session
	nextID      int64
	skips       []SkipEvent
	completions []CompletionEvent
	actions     []ActionRecord
	settings    AdaptiveSettings
	settingsErr error
}

func newFakeStore(settings AdaptiveSettings) *fakeStore {
	return &fakeStore{
		sessions: make(map[string]*Session),
		nextID:   1,
		settings: settings,
	}
}

func (f *fakeStore) SessionByDevice(_ context.Context, deviceID string) (*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[deviceID]; ok {
		copied := *s
		return &copied, nil
	}
	return nil, nil
}

func (f *fakeStore) SaveSession(_ context.Context, session *Session) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	existing, ok := f.sessions[session.DeviceID]
	id := f.nextID
	if ok {
		id = existing.StoreID
	} else {
		f.nextID++
	}
	copied := *session
	copied.StoreID = id
	f.sessions[session.DeviceID] = &copied
	return id, nil
}

func (f *fakeStore) AppendSkip(_ context.Context, _ int64, ev SkipEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.skips = append(f.skips, ev)
	return nil
}

func (f *fakeStore) AppendCompletion(_ context.Context, _ int64, ev CompletionEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completions = append(f.completions, ev)
	return nil
}

func (f *fakeStore) AppendAction(_ context.Context, rec ActionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, rec)
	return nil
}

func (f *fakeStore) AdaptiveSettings(_ context.Context) (AdaptiveSettings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.settingsErr != nil {
		return AdaptiveSettings{}, f.settingsErr
	}
	return f.settings, nil
}

func (f *fakeStore) SessionHistory(_ context.Context, _ string, _ int) ([]SkipRecord, []ActionAudit, error) {
	return nil, nil, nil
}

func (f *fakeStore) actionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.actions)
}

// fakePlaylists is a static track-to-playlist index.
type fakePlaylists struct {
	byTrack map[string]int64
}

func (f *fakePlaylists) FindPlaylistContaining(_ context.Context, trackID string) (int64, error) {
	return f.byTrack[trackID], nil
}

// fakeGuard is a map-backed RecentGuard.
type fakeGuard struct {
	mu         sync.Mutex
	suppressed map[string]struct{}
}

func newFakeGuard() *fakeGuard {
	return &fakeGuard{suppressed: make(map[string]struct{})}
}

func (g *fakeGuard) Suppress(trackID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.suppressed[trackID] = struct{}{}
}

func (g *fakeGuard) Suppressed(trackID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.suppressed[trackID]
	return ok
}

// countingMetrics records every hook invocation.
type countingMetrics struct {
	mu        sync.Mutex
	events    map[string]int
	dropped   int
	skips     int
	patterns  map[string]int
	adapted   int
	removals  int
	refills   int
	discovery map[string]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{
		events:    make(map[string]int),
		patterns:  make(map[string]int),
		discovery: make(map[string]int),
	}
}

func (c *countingMetrics) RecordEvent(kind string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events[kind]++
}

func (c *countingMetrics) RecordDroppedEvent() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropped++
}

func (c *countingMetrics) RecordSkip() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.skips++
}

func (c *countingMetrics) RecordPattern(actionType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.patterns[actionType]++
}

func (c *countingMetrics) RecordAdaptation() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.adapted++
}

func (c *countingMetrics) RecordRemovals(count int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removals += count
}

func (c *countingMetrics) RecordRefills(count int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refills += count
}

func (c *countingMetrics) RecordDiscovery(outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.discovery[outcome]++
}

func (c *countingMetrics) discoveryCount(outcome string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.discovery[outcome]
}

// testQueueConfig returns queue tunables with delays disabled for tests.
func testQueueConfig() *QueueConfig {
	cfg := DefaultConfig().Queue
	cfg.APIDelayMs = 0
	return &cfg
}

func testAdaptiveConfig() *AdaptiveConfig {
	cfg := DefaultConfig().Adaptive
	return &cfg
}
