package stream

import (
	"fmt"
	"strings"
	"time"
)

// envelopeIDPrefix marks ids minted by the chat-completion envelope itself.
// Upstream reuses the envelope id for tool fragments that never got a real
// tool id, so ids with this prefix are not trusted as tool identities.
const envelopeIDPrefix = "chatcmpl-"

// LooksLikeEnvelopeID reports whether id appears to be a reused envelope id
// rather than a stable per-tool id. Kept as a single named predicate so the
// heuristic can be replaced if upstream ever adds an explicit discriminator.
func LooksLikeEnvelopeID(id string) bool {
	return strings.HasPrefix(id, envelopeIDPrefix)
}

// Correlator resolves the stable UI-facing id for positional tool-call
// fragments within one streamed turn. Fragments carry a real id at most once
// (usually the first); later fragments for the same index resolve through the
// recorded mapping. Scope is one turn; allocate a fresh Correlator per turn.
type Correlator struct {
	byIndex    map[int]string
	isEnvelope func(string) bool
}

func NewCorrelator() *Correlator {
	return &Correlator{
		byIndex:    make(map[int]string),
		isEnvelope: LooksLikeEnvelopeID,
	}
}

// Resolve returns the UI id for a fragment at index carrying eventID (may be
// empty or an untrusted envelope id). fallbackID seeds the synthesized id
// when no real id has been seen yet; synthesized ids are not retroactively
// corrected once a real id arrives.
func (c *Correlator) Resolve(index int, eventID, fallbackID string) string {
	if eventID != "" && !c.isEnvelope(eventID) {
		c.byIndex[index] = eventID
		return eventID
	}
	if id, ok := c.byIndex[index]; ok {
		return id
	}
	base := fallbackID
	if base == "" {
		base = eventID
	}
	if base == "" {
		base = fmt.Sprintf("tool-%d", time.Now().UnixMilli())
	}
	return fmt.Sprintf("%s_%d", base, index)
}

// Known returns the recorded real id for index, if any.
func (c *Correlator) Known(index int) (string, bool) {
	id, ok := c.byIndex[index]
	return id, ok
}
