package model

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestDocumentKeyCompare(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"c/a", "c/b", -1},
		{"c/b", "c/a", 1},
		{"c/a", "c/a", 0},
		{"c/a", "c/a/sub/x", -1},
		{"c/__id2__", "c/__id10__", -1},
		{"c/__id1__", "c/__id01__", 1}, // same number, different spelling
		{"c/__id01__", "c/__id2__", -1},
		{"c/__id99__", "c/a", -1},
		{"c/a", "c/__id-5__", 1},
		{"c/__idx__", "c/a", -1}, // not numeric, compared as a string
	}
	for _, tt := range tests {
		t.Run(tt.a+" vs "+tt.b, func(t *testing.T) {
			got := MustDocumentKey(tt.a).Compare(MustDocumentKey(tt.b))
			if got != tt.want {
				t.Errorf("Compare() = %d, want %d", got, tt.want)
			}
			rp := MustParseResourcePath(tt.a).Compare(MustParseResourcePath(tt.b))
			if rp != tt.want {
				t.Errorf("ResourcePath.Compare() = %d, want %d", rp, tt.want)
			}
		})
	}
}

func TestNewDocumentKeyRejectsOddPaths(t *testing.T) {
	for _, p := range []string{"", "rooms", "rooms/a/messages"} {
		if _, err := ParseDocumentKey(p); err == nil {
			t.Errorf("ParseDocumentKey(%q) succeeded, want error", p)
		}
	}
	k, err := DocumentKeyFromName("projects/p/databases/(default)/documents/rooms/a")
	if err != nil {
		t.Fatalf("DocumentKeyFromName() failed: %v", err)
	}
	if k.String() != "rooms/a" || k.CollectionGroup() != "rooms" || k.ID() != "a" {
		t.Errorf("unexpected key %v", k)
	}
}

func TestParseFieldPath(t *testing.T) {
	tests := []struct {
		in        string
		segments  []string
		canonical string
	}{
		{"a", []string{"a"}, "a"},
		{"a.b.c", []string{"a", "b", "c"}, "a.b.c"},
		{"`a.b`.c", []string{"a.b", "c"}, "`a.b`.c"},
		{"`x\\`y`", []string{"x`y"}, "`x\\`y`"},
		{"__name__", []string{"__name__"}, "__name__"},
		{"`1a`", []string{"1a"}, "`1a`"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			fp, err := ParseFieldPath(tt.in)
			if err != nil {
				t.Fatalf("ParseFieldPath() failed: %v", err)
			}
			if diff := cmp.Diff(tt.segments, fp.Segments()); diff != "" {
				t.Errorf("segments mismatch (-want +got):\n%s", diff)
			}
			if got := fp.CanonicalString(); got != tt.canonical {
				t.Errorf("CanonicalString() = %q, want %q", got, tt.canonical)
			}
		})
	}
	for _, bad := range []string{"", "a..b", ".a", "a.", "`open"} {
		if _, err := ParseFieldPath(bad); err == nil {
			t.Errorf("ParseFieldPath(%q) succeeded, want error", bad)
		}
	}
	if !KeyFieldPath().IsKeyField() {
		t.Error("KeyFieldPath() should be the key field")
	}
}
