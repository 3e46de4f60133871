package cache

import (
	"sync"
	"time"
)

// MaxToolNameEntries bounds the tool-name mapping cache.
const MaxToolNameEntries = 512

// ToolNameCache remembers which original tool name produced a sanitized
// declaration name, so function calls coming back from the upstream can be
// surfaced to the client under the name it registered. Keys are scoped by
// session, model and sanitized name.
type ToolNameCache struct {
	mu          sync.Mutex
	entries     map[string]signatureEntry
	lastCleanup time.Time
	now         func() time.Time
}

// NewToolNameCache creates an empty tool-name cache.
func NewToolNameCache() *ToolNameCache {
	return &ToolNameCache{
		entries: make(map[string]signatureEntry),
		now:     time.Now,
	}
}

func toolNameKey(sessionID, model, safeName string) string {
	return sessionID + "::" + model + "::" + safeName
}

// Set records the sanitized→original name mapping. Identity mappings and
// empty names are not stored.
func (c *ToolNameCache) Set(sessionID, model, safeName, originalName string) {
	if safeName == "" || originalName == "" || safeName == originalName {
		return
	}
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maybeCleanupLocked(now)
	c.entries[toolNameKey(sessionID, model, safeName)] = signatureEntry{signature: originalName, ts: now}
	pruneOldest(c.entries, MaxToolNameEntries)
}

// Get returns the original tool name for a sanitized one, or "".
func (c *ToolNameCache) Get(sessionID, model, safeName string) string {
	if safeName == "" {
		return ""
	}
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maybeCleanupLocked(now)
	key := toolNameKey(sessionID, model, safeName)
	entry, ok := c.entries[key]
	if !ok {
		return ""
	}
	if now.Sub(entry.ts) > EntryTTL {
		delete(c.entries, key)
		return ""
	}
	return entry.signature
}

// Clear drops every cached mapping.
func (c *ToolNameCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]signatureEntry)
}

func (c *ToolNameCache) maybeCleanupLocked(now time.Time) {
	if now.Sub(c.lastCleanup) < CleanupInterval {
		return
	}
	c.lastCleanup = now
	for key, entry := range c.entries {
		if now.Sub(entry.ts) > EntryTTL {
			delete(c.entries, key)
		}
	}
}
