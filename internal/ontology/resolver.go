package ontology

import (
	"context"
	"fmt"
	"strings"

	"github.com/cliniscribe/notegen-backend/internal/apperr"
	"github.com/cliniscribe/notegen-backend/internal/domain"
	"github.com/cliniscribe/notegen-backend/internal/platform/logger"
)

// Match-tier confidences. Exact lexical matches are trusted outright;
// contains matches lose a little, more when the language filter could not be
// applied; per-word semantic matches are weakest.
const (
	confidenceExact           = 1.0
	confidenceContains        = 0.9
	confidenceContainsGeneric = 0.8
	confidenceSemantic        = 0.7
)

const DefaultMaxConceptsPerTerm = 5

// Ancestor is one step up the concept hierarchy.
type Ancestor struct {
	ConceptID     string `json:"concept_id"`
	PreferredTerm string `json:"preferred_term"`
}

// Resolver maps medical term candidates to clinical concepts.
type Resolver interface {
	Resolve(ctx context.Context, candidates []domain.TermCandidate, language string) ([]domain.ConceptMapping, error)
	Hierarchy(ctx context.Context, conceptID string) ([]Ancestor, error)
	Ping(ctx context.Context) error
}

// RowReader is the slice of the graph client the resolver needs; satisfied
// by *neo4jdb.Client.
type RowReader interface {
	ReadRows(ctx context.Context, cypher string, params map[string]any) ([]map[string]any, error)
}

type snomedResolver struct {
	db         RowReader
	log        *logger.Logger
	maxPerTerm int
}

func NewSNOMEDResolver(log *logger.Logger, db RowReader, maxPerTerm int) (Resolver, error) {
	if log == nil {
		return nil, fmt.Errorf("ontology: logger required")
	}
	if db == nil {
		return nil, fmt.Errorf("ontology: neo4j client required")
	}
	if maxPerTerm <= 0 {
		maxPerTerm = DefaultMaxConceptsPerTerm
	}
	return &snomedResolver{
		db:         db,
		log:        log.With("service", "SNOMEDResolver"),
		maxPerTerm: maxPerTerm,
	}, nil
}

// Resolve walks each candidate through the match tiers: exact, then
// language-filtered contains, then per-word semantic. A term that misses
// every tier simply yields no mapping; graph failures on individual terms
// are logged and skipped so one flaky lookup does not sink the job. Concept
// ids are unique across the returned set: a concept matched by several terms
// keeps only its first mapping.
func (r *snomedResolver) Resolve(ctx context.Context, candidates []domain.TermCandidate, language string) ([]domain.ConceptMapping, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	lang := normalizeLanguage(language)
	out := make([]domain.ConceptMapping, 0, len(candidates))
	seen := make(map[string]bool, len(candidates))
	failures := 0
	for _, cand := range candidates {
		term := strings.ToLower(strings.TrimSpace(cand.Normalized))
		if term == "" {
			term = strings.ToLower(strings.TrimSpace(cand.Surface))
		}
		if term == "" {
			continue
		}

		mappings, err := r.resolveTerm(ctx, cand, term, lang)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: ontology lookup interrupted: %v", apperr.ErrCancelled, ctx.Err())
			}
			failures++
			r.log.Warn("SNOMED lookup failed for term", "term_len", len(term), "error", err)
			continue
		}
		for _, m := range mappings {
			if seen[m.ConceptID] {
				continue
			}
			seen[m.ConceptID] = true
			out = append(out, m)
		}
	}

	if failures == len(candidates) && failures > 0 {
		return nil, fmt.Errorf("%w: ontology graph rejected all %d lookups", apperr.ErrDependencyUnavailable, failures)
	}
	return out, nil
}

func (r *snomedResolver) resolveTerm(ctx context.Context, cand domain.TermCandidate, term, lang string) ([]domain.ConceptMapping, error) {
	rows, err := r.db.ReadRows(ctx, exactMatchQuery, map[string]any{"term": term})
	if err != nil {
		return nil, err
	}
	if len(rows) > 0 {
		return r.rowsToMappings(rows, cand, confidenceExact), nil
	}

	containsQuery, containsConfidence := containsForLanguage(lang)
	rows, err = r.db.ReadRows(ctx, containsQuery, map[string]any{"term": term, "limit": r.maxPerTerm})
	if err != nil {
		return nil, err
	}
	if len(rows) > 0 {
		return r.rowsToMappings(rows, cand, containsConfidence), nil
	}

	rows, err = r.db.ReadRows(ctx, semanticMatchQuery, map[string]any{"term": term, "limit": r.maxPerTerm})
	if err != nil {
		return nil, err
	}
	return r.rowsToMappings(rows, cand, confidenceSemantic), nil
}

func (r *snomedResolver) rowsToMappings(rows []map[string]any, cand domain.TermCandidate, confidence float64) []domain.ConceptMapping {
	out := make([]domain.ConceptMapping, 0, len(rows))
	for _, row := range rows {
		conceptID := stringField(row, "conceptId")
		preferred := stringField(row, "preferredTerm")
		if conceptID == "" || preferred == "" {
			continue
		}
		out = append(out, domain.ConceptMapping{
			OriginalTerm:  cand.Surface,
			ConceptID:     conceptID,
			PreferredTerm: preferred,
			Language:      stringField(row, "languageCode"),
			Confidence:    confidence,
		})
		if len(out) >= r.maxPerTerm {
			break
		}
	}
	return out
}

func (r *snomedResolver) Hierarchy(ctx context.Context, conceptID string) ([]Ancestor, error) {
	conceptID = strings.TrimSpace(conceptID)
	if conceptID == "" {
		return nil, apperr.Invalid("concept id required")
	}
	rows, err := r.db.ReadRows(ctx, hierarchyQuery, map[string]any{
		"conceptId": conceptID,
		"limit":     r.maxPerTerm * 2,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: hierarchy lookup: %v", apperr.ErrDependencyUnavailable, err)
	}
	out := make([]Ancestor, 0, len(rows))
	for _, row := range rows {
		id := stringField(row, "conceptId")
		if id == "" {
			continue
		}
		out = append(out, Ancestor{ConceptID: id, PreferredTerm: stringField(row, "preferredTerm")})
	}
	return out, nil
}

func (r *snomedResolver) Ping(ctx context.Context) error {
	rows, err := r.db.ReadRows(ctx, connectionTestQuery, nil)
	if err != nil {
		return err
	}
	if len(rows) != 1 {
		return fmt.Errorf("ontology: connection test returned %d rows", len(rows))
	}
	return nil
}

func containsForLanguage(lang string) (string, float64) {
	switch lang {
	case "fr":
		return containsMatchFrenchQuery, confidenceContains
	case "en":
		return containsMatchEnglishQuery, confidenceContains
	default:
		return containsMatchGenericQuery, confidenceContainsGeneric
	}
}

func normalizeLanguage(language string) string {
	lang := strings.ToLower(strings.TrimSpace(language))
	if idx := strings.IndexAny(lang, "-_"); idx > 0 {
		lang = lang[:idx]
	}
	return lang
}

func stringField(row map[string]any, key string) string {
	v, ok := row[key]
	if !ok || v == nil {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return strings.TrimSpace(fmt.Sprintf("%v", v))
	}
	return strings.TrimSpace(s)
}

// disabledResolver stands in when no graph is configured. Every call reports
// the dependency as unavailable; the orchestrator degrades to empty mappings.
type disabledResolver struct {
	log *logger.Logger
}

func NewDisabledResolver(log *logger.Logger) Resolver {
	return &disabledResolver{log: log.With("service", "SNOMEDResolver")}
}

func (d *disabledResolver) Resolve(ctx context.Context, candidates []domain.TermCandidate, language string) ([]domain.ConceptMapping, error) {
	return nil, fmt.Errorf("%w: no ontology graph configured", apperr.ErrDependencyUnavailable)
}

func (d *disabledResolver) Hierarchy(ctx context.Context, conceptID string) ([]Ancestor, error) {
	return nil, fmt.Errorf("%w: no ontology graph configured", apperr.ErrDependencyUnavailable)
}

func (d *disabledResolver) Ping(ctx context.Context) error {
	return fmt.Errorf("%w: no ontology graph configured", apperr.ErrDependencyUnavailable)
}
