package services

import (
	"sync"
	"time"

	"postflow/internal/automation"
)

// automationCache holds the parsed enabled automations for a TTL.
type automationCache struct {
	mu       sync.RWMutex
	items    []*automation.Automation
	cachedAt time.Time
	ttl      time.Duration
	valid    bool
	now      func() time.Time
}

func newAutomationCache(ttl time.Duration) *automationCache {
	return &automationCache{ttl: ttl, now: time.Now}
}

// get returns nil, false when the cache is empty or expired.
func (c *automationCache) get() ([]*automation.Automation, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.valid {
		return nil, false
	}
	if c.ttl > 0 && c.now().Sub(c.cachedAt) > c.ttl {
		return nil, false
	}
	out := make([]*automation.Automation, len(c.items))
	copy(out, c.items)
	return out, true
}

func (c *automationCache) set(items []*automation.Automation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ttl < 0 {
		return
	}
	c.items = make([]*automation.Automation, len(items))
	copy(c.items, items)
	c.cachedAt = c.now()
	c.valid = true
}

func (c *automationCache) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.valid = false
	c.items = nil
}
