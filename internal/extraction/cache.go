package extraction

import (
	"fmt"
	"sync"

	"github.com/cliniscribe/notegen-backend/internal/apperr"
	"github.com/cliniscribe/notegen-backend/internal/domain"
)

// ContextCache holds accepted section results for one job so later sections
// can read their dependencies. Write-once per section id; dependents only
// read entries after the writer accepted them, so a successful Get always
// sees a complete result.
type ContextCache struct {
	mu      sync.RWMutex
	results map[string]domain.SectionResult
}

func NewContextCache() *ContextCache {
	return &ContextCache{results: make(map[string]domain.SectionResult)}
}

func (c *ContextCache) Put(sectionID string, result domain.SectionResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.results[sectionID]; exists {
		return fmt.Errorf("%w: section %q written twice to context cache", apperr.ErrInternal, sectionID)
	}
	c.results[sectionID] = result
	return nil
}

func (c *ContextCache) Get(sectionID string) (domain.SectionResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.results[sectionID]
	return r, ok
}

// Dependencies returns the cached results for the given ids, in the given
// order, skipping any that are missing.
func (c *ContextCache) Dependencies(ids []string) []domain.SectionResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]domain.SectionResult, 0, len(ids))
	for _, id := range ids {
		if r, ok := c.results[id]; ok {
			out = append(out, r)
		}
	}
	return out
}
