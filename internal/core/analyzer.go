package core

import (
	"fmt"
	"math"
	"time"

	"github.com/mdabushayem62/plex-playlists/pkg/fuzzy"
)

// Analyzer detects taste-aversion patterns in a session's recent skip events.
// It is pure: no state beyond the normalizer, no I/O, deterministic output.
// Determinism matters because the output directly drives destructive remote
// queue mutation and must stay auditable.
type Analyzer struct {
	normalizer *fuzzy.Normalizer
}

func NewAnalyzer() *Analyzer {
	return &Analyzer{normalizer: fuzzy.NewNormalizer()}
}

// DetectionThreshold computes the tally a genre or artist must reach to count
// as an aversion. Higher sensitivity lowers the threshold. Never below 1.
func DetectionThreshold(minSkipCount, sensitivity int) int {
	if sensitivity < 1 {
		sensitivity = 1
	}
	if sensitivity > 10 {
		sensitivity = 10
	}

	multiplier := 2.0 - float64(sensitivity-1)*1.5/9.0
	threshold := int(math.Round(float64(minSkipCount) * multiplier))
	if threshold < 1 {
		threshold = 1
	}
	return threshold
}

// Detect evaluates the skip history against the trailing window and returns
// zero, one or two actions: at most one remove_genre and one remove_artist.
// Genre and artist detections are independent and can co-occur.
func (a *Analyzer) Detect(skips []SkipEvent, now time.Time, settings AdaptiveSettings) []AdaptiveAction {
	window := time.Duration(settings.WindowMinutes) * time.Minute
	cutoff := now.Add(-window)

	var recent []SkipEvent
	for _, ev := range skips {
		if ev.Timestamp.After(cutoff) {
			recent = append(recent, ev)
		}
	}

	if len(recent) < settings.MinSkipCount {
		return nil
	}

	threshold := DetectionThreshold(settings.MinSkipCount, settings.Sensitivity)

	genres := newTally()
	artists := newTally()
	for _, ev := range recent {
		// one skip contributes to every genre tag the track carries
		for _, g := range ev.Genres {
			genres.add(a.normalizer.NormalizeGenre(g), g)
		}
		for _, name := range ev.Artists {
			artists.add(a.normalizer.NormalizeArtist(name), name)
		}
	}

	var actions []AdaptiveAction

	if key, display, count, ok := genres.best(threshold); ok {
		actions = append(actions, AdaptiveAction{
			Type:   ActionRemoveGenre,
			Genres: []string{key},
			Reason: fmt.Sprintf("genre %q skipped %d times in the last %d minutes",
				display, count, settings.WindowMinutes),
		})
	}

	if key, display, count, ok := artists.best(threshold); ok {
		actions = append(actions, AdaptiveAction{
			Type:    ActionRemoveArtist,
			Artists: []string{key},
			Reason: fmt.Sprintf("artist %q skipped %d times in the last %d minutes",
				display, count, settings.WindowMinutes),
		})
	}

	return actions
}

// tally counts skips per normalized key while preserving encounter order so
// ties break deterministically in favor of the key seen first.
type tally struct {
	counts  map[string]int
	display map[string]string
	order   []string
}

func newTally() *tally {
	return &tally{
		counts:  make(map[string]int),
		display: make(map[string]string),
	}
}

func (t *tally) add(key, raw string) {
	if key == "" {
		return
	}
	if _, seen := t.counts[key]; !seen {
		t.order = append(t.order, key)
		t.display[key] = raw
	}
	t.counts[key]++
}

func (t *tally) best(threshold int) (key, display string, count int, ok bool) {
	for _, k := range t.order {
		if t.counts[k] >= threshold && t.counts[k] > count {
			key = k
			count = t.counts[k]
		}
	}
	if count == 0 {
		return "", "", 0, false
	}
	return key, t.display[key], count, true
}
