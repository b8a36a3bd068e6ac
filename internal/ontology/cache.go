package ontology

import (
	"context"
	"strings"
	"sync"

	"github.com/cliniscribe/notegen-backend/internal/domain"
)

// JobCache memoizes resolutions for the lifetime of one extraction job, so a
// term appearing in many sections hits the graph once. Negative results are
// cached too. Safe for concurrent section workers.
type JobCache struct {
	inner Resolver

	mu       sync.Mutex
	terms    map[string][]domain.ConceptMapping
	ancestry map[string][]Ancestor
}

func NewJobCache(inner Resolver) *JobCache {
	return &JobCache{
		inner:    inner,
		terms:    make(map[string][]domain.ConceptMapping),
		ancestry: make(map[string][]Ancestor),
	}
}

func (c *JobCache) Resolve(ctx context.Context, candidates []domain.TermCandidate, language string) ([]domain.ConceptMapping, error) {
	lang := normalizeLanguage(language)

	var misses []domain.TermCandidate
	c.mu.Lock()
	for _, cand := range candidates {
		if _, ok := c.terms[cacheKey(cand, lang)]; !ok {
			misses = append(misses, cand)
		}
	}
	c.mu.Unlock()

	if len(misses) > 0 {
		resolved, err := c.inner.Resolve(ctx, misses, language)
		if err != nil {
			return nil, err
		}
		byTerm := make(map[string][]domain.ConceptMapping, len(misses))
		for _, m := range resolved {
			key := termKey(m.OriginalTerm, lang)
			byTerm[key] = append(byTerm[key], m)
		}
		c.mu.Lock()
		for _, cand := range misses {
			key := cacheKey(cand, lang)
			c.terms[key] = byTerm[termKey(cand.Surface, lang)]
		}
		c.mu.Unlock()
	}

	var out []domain.ConceptMapping
	c.mu.Lock()
	for _, cand := range candidates {
		out = append(out, c.terms[cacheKey(cand, lang)]...)
	}
	c.mu.Unlock()
	return out, nil
}

func (c *JobCache) Hierarchy(ctx context.Context, conceptID string) ([]Ancestor, error) {
	c.mu.Lock()
	cached, ok := c.ancestry[conceptID]
	c.mu.Unlock()
	if ok {
		return cached, nil
	}

	ancestors, err := c.inner.Hierarchy(ctx, conceptID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.ancestry[conceptID] = ancestors
	c.mu.Unlock()
	return ancestors, nil
}

func (c *JobCache) Ping(ctx context.Context) error {
	return c.inner.Ping(ctx)
}

func cacheKey(cand domain.TermCandidate, lang string) string {
	term := cand.Normalized
	if term == "" {
		term = cand.Surface
	}
	return termKey(term, lang)
}

func termKey(term, lang string) string {
	return lang + "|" + strings.ToLower(strings.TrimSpace(term))
}
