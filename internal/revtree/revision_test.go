package revtree

import (
	"errors"
	"testing"
)

func TestParseRevisionRoundTrip(t *testing.T) {
	tests := []struct {
		raw   string
		gen   int
		token string
	}{
		{"1-a", 1, "a"},
		{"42-deadbeef", 42, "deadbeef"},
		{"3-x-y", 3, "x-y"},
	}
	for _, tc := range tests {
		rev, err := ParseRevision(tc.raw)
		if err != nil {
			t.Fatalf("ParseRevision(%q): unexpected error: %v", tc.raw, err)
		}
		if rev.Gen != tc.gen || rev.Token != tc.token {
			t.Fatalf("ParseRevision(%q) = %+v", tc.raw, rev)
		}
		if rev.String() != tc.raw {
			t.Fatalf("String() = %q, want %q", rev.String(), tc.raw)
		}
	}
}

func TestParseRevisionRejectsMalformedInput(t *testing.T) {
	for _, raw := range []string{"", "1", "-a", "0-a", "-1-a", "x-a", "1-"} {
		if _, err := ParseRevision(raw); !errors.Is(err, ErrInvalidRevision) {
			t.Fatalf("ParseRevision(%q): expected ErrInvalidRevision, got %v", raw, err)
		}
	}
}

func TestRevisionLessOrdersByGenThenToken(t *testing.T) {
	tests := []struct {
		a, b Revision
		less bool
	}{
		{Revision{1, "z"}, Revision{2, "a"}, true},
		{Revision{2, "a"}, Revision{1, "z"}, false},
		{Revision{2, "6"}, Revision{2, "e"}, true},
		{Revision{2, "e"}, Revision{2, "6"}, false},
		{Revision{2, "e"}, Revision{2, "e"}, false},
	}
	for _, tc := range tests {
		if got := tc.a.Less(tc.b); got != tc.less {
			t.Fatalf("%v.Less(%v) = %t, want %t", tc.a, tc.b, got, tc.less)
		}
	}
}
