package metrics

import "sync"

var drops struct {
	mu      sync.Mutex
	byScope map[string]uint64
}

// IncRateLimitDrop counts one rejected request. An empty scope is "global".
func IncRateLimitDrop(scope string) {
	if scope == "" {
		scope = "global"
	}
	drops.mu.Lock()
	if drops.byScope == nil {
		drops.byScope = make(map[string]uint64)
	}
	drops.byScope[scope]++
	drops.mu.Unlock()
}

// RateLimitDrops returns rejected request counts keyed by limiter scope.
func RateLimitDrops() map[string]uint64 {
	drops.mu.Lock()
	defer drops.mu.Unlock()
	out := make(map[string]uint64, len(drops.byScope))
	for k, v := range drops.byScope {
		out[k] = v
	}
	return out
}
