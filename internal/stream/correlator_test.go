package stream

import (
	"strings"
	"testing"
)

func TestCorrelatorEventualConsistency(t *testing.T) {
	c := NewCorrelator()

	// First fragment arrives with only the reused envelope id: resolution
	// falls back to a synthesized id.
	early := c.Resolve(0, "chatcmpl-abc", "chatcmpl-abc")
	if !strings.HasSuffix(early, "_0") {
		t.Fatalf("early id = %q, want synthesized with index suffix", early)
	}

	// A later fragment supplies the real id.
	if got := c.Resolve(0, "call_real", ""); got != "call_real" {
		t.Fatalf("Resolve with real id = %q, want call_real", got)
	}

	// Every subsequent fragment for index 0 resolves to the real id,
	// regardless of what id it carries.
	if got := c.Resolve(0, "", ""); got != "call_real" {
		t.Fatalf("Resolve after real id = %q, want call_real", got)
	}
	if got := c.Resolve(0, "chatcmpl-abc", "chatcmpl-abc"); got != "call_real" {
		t.Fatalf("Resolve with envelope id after real id = %q, want call_real", got)
	}
}

func TestCorrelatorIndependentIndexes(t *testing.T) {
	c := NewCorrelator()
	c.Resolve(0, "call_a", "")
	c.Resolve(1, "call_b", "")

	if got := c.Resolve(0, "", ""); got != "call_a" {
		t.Fatalf("index 0 = %q, want call_a", got)
	}
	if got := c.Resolve(1, "", ""); got != "call_b" {
		t.Fatalf("index 1 = %q, want call_b", got)
	}
	if _, ok := c.Known(2); ok {
		t.Fatal("Known(2) = true, want false")
	}
}

func TestCorrelatorSynthesizedFallback(t *testing.T) {
	c := NewCorrelator()
	if got := c.Resolve(3, "", "chatcmpl-xyz"); got != "chatcmpl-xyz_3" {
		t.Fatalf("fallback id = %q, want chatcmpl-xyz_3", got)
	}
	// No id anywhere still yields something stable-looking.
	if got := c.Resolve(4, "", ""); got == "" || !strings.HasSuffix(got, "_4") {
		t.Fatalf("last-resort id = %q, want non-empty with index suffix", got)
	}
}

func TestLooksLikeEnvelopeID(t *testing.T) {
	cases := []struct {
		id   string
		want bool
	}{
		{"chatcmpl-123", true},
		{"call_abc", false},
		{"", false},
		{"tc_chatcmpl", false},
	}
	for _, tc := range cases {
		if got := LooksLikeEnvelopeID(tc.id); got != tc.want {
			t.Fatalf("LooksLikeEnvelopeID(%q) = %v, want %v", tc.id, got, tc.want)
		}
	}
}
