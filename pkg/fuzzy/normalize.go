// Package fuzzy provides unicode-folding normalization for matching genre
// tags and artist names coming from different metadata sources.
package fuzzy

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

var (
	punctRegex      = regexp.MustCompile(`[^\p{L}\p{N}\s&]+`)
	whitespaceRegex = regexp.MustCompile(`\s+`)
)

type Normalizer struct{}

func NewNormalizer() *Normalizer {
	return &Normalizer{}
}

// NormalizeGenre folds a genre tag for case- and diacritic-insensitive
// comparison ("Synthwave", "synth-wave" and "Synthwavé" all collide).
func (n *Normalizer) NormalizeGenre(genre string) string {
	return n.basicNormalize(genre)
}

// NormalizeArtist folds an artist name, collapsing the common join variants
// so "A and B" matches "A & B".
func (n *Normalizer) NormalizeArtist(artist string) string {
	artist = n.basicNormalize(artist)
	artist = strings.ReplaceAll(artist, " and ", " & ")
	return artist
}

func (n *Normalizer) basicNormalize(text string) string {
	text = norm.NFKD.String(text)

	var result strings.Builder
	for _, r := range text {
		if !unicode.IsMark(r) {
			result.WriteRune(r)
		}
	}
	text = result.String()

	text = punctRegex.ReplaceAllString(text, " ")
	text = whitespaceRegex.ReplaceAllString(text, " ")

	text = strings.ToLower(text)
	text = strings.TrimSpace(text)

	return text
}

// GenreMatchesAny reports whether tag, after folding, equals any of targets.
// Targets must already be normalized.
func (n *Normalizer) GenreMatchesAny(tag string, targets []string) bool {
	folded := n.NormalizeGenre(tag)
	for _, t := range targets {
		if folded == t {
			return true
		}
	}
	return false
}

// ArtistMatchesAny reports whether name, after folding, equals any of targets.
// Targets must already be normalized.
func (n *Normalizer) ArtistMatchesAny(name string, targets []string) bool {
	folded := n.NormalizeArtist(name)
	for _, t := range targets {
		if folded == t {
			return true
		}
	}
	return false
}

// NormalizeGenres folds a whole tag list.
func (n *Normalizer) NormalizeGenres(genres []string) []string {
	out := make([]string, 0, len(genres))
	for _, g := range genres {
		out = append(out, n.NormalizeGenre(g))
	}
	return out
}

// NormalizeArtists folds a whole artist list.
func (n *Normalizer) NormalizeArtists(artists []string) []string {
	out := make([]string, 0, len(artists))
	for _, a := range artists {
		out = append(out, n.NormalizeArtist(a))
	}
	return out
}
