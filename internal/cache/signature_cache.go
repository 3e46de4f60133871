// Package cache provides the small in-memory correlation caches used to
// repair multi-turn tool-calling requests: thought signatures issued by the
// upstream and tool-name mappings, both scoped to a session/model pair.
package cache

import (
	"sync"
	"time"
)

const (
	// EntryTTL is how long a cached value stays valid.
	EntryTTL = 30 * time.Minute

	// CleanupInterval controls how often stale entries are purged.
	CleanupInterval = 10 * time.Minute

	// MaxSignatureEntries bounds each signature kind.
	MaxSignatureEntries = 256
)

// signatureEntry holds one cached signature with its write timestamp.
type signatureEntry struct {
	signature string
	ts        time.Time
}

// SignatureCache stores the most recently observed thought signatures per
// (sessionID, model) key. Reasoning signatures and tool-call signatures are
// tracked independently because the upstream validates them separately.
// Writes are last-write-wins; entries expire after EntryTTL.
type SignatureCache struct {
	mu          sync.Mutex
	reasoning   map[string]signatureEntry
	tool        map[string]signatureEntry
	lastCleanup time.Time
	now         func() time.Time
}

// NewSignatureCache creates an empty signature cache.
func NewSignatureCache() *SignatureCache {
	return &SignatureCache{
		reasoning: make(map[string]signatureEntry),
		tool:      make(map[string]signatureEntry),
		now:       time.Now,
	}
}

func cacheKey(sessionID, model string) string {
	return sessionID + "::" + model
}

// SetReasoning records the reasoning signature for a session/model pair.
// Empty signatures are ignored.
func (c *SignatureCache) SetReasoning(sessionID, model, signature string) {
	c.set(sessionID, model, signature, false)
}

// SetTool records the tool-call signature for a session/model pair.
func (c *SignatureCache) SetTool(sessionID, model, signature string) {
	c.set(sessionID, model, signature, true)
}

// Reasoning returns the cached reasoning signature or "".
func (c *SignatureCache) Reasoning(sessionID, model string) string {
	return c.get(sessionID, model, false)
}

// Tool returns the cached tool-call signature or "".
func (c *SignatureCache) Tool(sessionID, model string) string {
	return c.get(sessionID, model, true)
}

// Clear drops every cached signature.
func (c *SignatureCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reasoning = make(map[string]signatureEntry)
	c.tool = make(map[string]signatureEntry)
}

func (c *SignatureCache) set(sessionID, model, signature string, tool bool) {
	if signature == "" {
		return
	}
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maybeCleanupLocked(now)
	m := c.reasoning
	if tool {
		m = c.tool
	}
	m[cacheKey(sessionID, model)] = signatureEntry{signature: signature, ts: now}
	pruneOldest(m, MaxSignatureEntries)
}

func (c *SignatureCache) get(sessionID, model string, tool bool) string {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maybeCleanupLocked(now)
	m := c.reasoning
	if tool {
		m = c.tool
	}
	key := cacheKey(sessionID, model)
	entry, ok := m[key]
	if !ok {
		return ""
	}
	if now.Sub(entry.ts) > EntryTTL {
		delete(m, key)
		return ""
	}
	return entry.signature
}

func (c *SignatureCache) maybeCleanupLocked(now time.Time) {
	if now.Sub(c.lastCleanup) < CleanupInterval {
		return
	}
	c.lastCleanup = now
	for _, m := range []map[string]signatureEntry{c.reasoning, c.tool} {
		for key, entry := range m {
			if now.Sub(entry.ts) > EntryTTL {
				delete(m, key)
			}
		}
	}
}

// pruneOldest evicts entries with the oldest timestamps until the map fits
// within limit. The maps stay small, a linear scan per overflow is fine.
func pruneOldest(m map[string]signatureEntry, limit int) {
	for len(m) > limit {
		var oldestKey string
		var oldestTS time.Time
		first := true
		for key, entry := range m {
			if first || entry.ts.Before(oldestTS) {
				oldestKey = key
				oldestTS = entry.ts
				first = false
			}
		}
		delete(m, oldestKey)
	}
}
