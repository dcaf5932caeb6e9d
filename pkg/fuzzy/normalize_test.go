package fuzzy

import "testing"

func TestNormalizeGenre(t *testing.T) {
	n := NewNormalizer()

	tests := []struct {
		in   string
		want string
	}{
		{"Synthwave", "synthwave"},
		{"synth-wave", "synth wave"},
		{"Synthwavé", "synthwave"},
		{"  Drum & Bass  ", "drum & bass"},
		{"HIP//HOP", "hip hop"},
		{"Électro", "electro"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := n.NormalizeGenre(tt.in); got != tt.want {
			t.Errorf("NormalizeGenre(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeArtist_JoinVariants(t *testing.T) {
	n := NewNormalizer()

	if got := n.NormalizeArtist("Simon and Garfunkel"); got != "simon & garfunkel" {
		t.Errorf("got %q", got)
	}
	if got := n.NormalizeArtist("Simon & Garfunkel"); got != "simon & garfunkel" {
		t.Errorf("got %q", got)
	}
}

func TestGenreMatchesAny(t *testing.T) {
	n := NewNormalizer()
	targets := n.NormalizeGenres([]string{"Metal", "Hard Rock"})

	if !n.GenreMatchesAny("METAL", targets) {
		t.Error("case variant did not match")
	}
	if !n.GenreMatchesAny("hard-rock", targets) {
		t.Error("punctuation variant did not match")
	}
	if n.GenreMatchesAny("metalcore", targets) {
		t.Error("substring matched; comparison must be exact after folding")
	}
}

func TestArtistMatchesAny(t *testing.T) {
	n := NewNormalizer()
	targets := n.NormalizeArtists([]string{"Simon & Garfunkel"})

	if !n.ArtistMatchesAny("simon and garfunkel", targets) {
		t.Error("join variant did not match")
	}
	if n.ArtistMatchesAny("Simon", targets) {
		t.Error("partial name matched")
	}
}
