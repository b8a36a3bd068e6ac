package ontology

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/cliniscribe/notegen-backend/internal/apperr"
	"github.com/cliniscribe/notegen-backend/internal/domain"
	"github.com/cliniscribe/notegen-backend/internal/platform/logger"
)

type fakeGraph struct {
	calls []string
	rows  func(cypher string, params map[string]any) ([]map[string]any, error)
}

func (f *fakeGraph) ReadRows(ctx context.Context, cypher string, params map[string]any) ([]map[string]any, error) {
	f.calls = append(f.calls, tierOf(cypher))
	return f.rows(cypher, params)
}

func tierOf(cypher string) string {
	switch {
	case strings.Contains(cypher, "toLower(d.term) = $term"):
		return "exact"
	case strings.Contains(cypher, "split($term, ' ')"):
		return "semantic"
	case strings.Contains(cypher, "CONTAINS $term"):
		return "contains"
	case strings.Contains(cypher, "ISA"):
		return "hierarchy"
	default:
		return "other"
	}
}

func row(id, term, lang string) map[string]any {
	return map[string]any{"conceptId": id, "preferredTerm": term, "languageCode": lang}
}

func newTestResolver(t *testing.T, g RowReader, maxPerTerm int) Resolver {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	r, err := NewSNOMEDResolver(log, g, maxPerTerm)
	if err != nil {
		t.Fatalf("NewSNOMEDResolver: %v", err)
	}
	return r
}

func TestResolveExactMatchWinsAndStopsTiering(t *testing.T) {
	g := &fakeGraph{rows: func(cypher string, params map[string]any) ([]map[string]any, error) {
		if tierOf(cypher) == "exact" {
			return []map[string]any{row("22298006", "Myocardial infarction", "en")}, nil
		}
		t.Fatalf("unexpected tier queried after exact hit: %s", tierOf(cypher))
		return nil, nil
	}}
	r := newTestResolver(t, g, 5)

	got, err := r.Resolve(context.Background(), []domain.TermCandidate{
		{Surface: "Myocardial Infarction", Normalized: "myocardial infarction"},
	}, "en")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 mapping, got %d", len(got))
	}
	if got[0].Confidence != 1.0 {
		t.Errorf("exact match confidence = %v, want 1.0", got[0].Confidence)
	}
	if got[0].OriginalTerm != "Myocardial Infarction" {
		t.Errorf("OriginalTerm = %q, want surface form", got[0].OriginalTerm)
	}
	if got[0].ConceptID != "22298006" {
		t.Errorf("ConceptID = %q", got[0].ConceptID)
	}
}

func TestResolveFallsThroughToContainsThenSemantic(t *testing.T) {
	g := &fakeGraph{rows: func(cypher string, params map[string]any) ([]map[string]any, error) {
		switch tierOf(cypher) {
		case "exact", "contains":
			return nil, nil
		case "semantic":
			return []map[string]any{row("38341003", "Hypertensive disorder", "en")}, nil
		}
		return nil, nil
	}}
	r := newTestResolver(t, g, 5)

	got, err := r.Resolve(context.Background(), []domain.TermCandidate{
		{Surface: "high blood pressure", Normalized: "high blood pressure"},
	}, "en")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(got) != 1 || got[0].Confidence != 0.7 {
		t.Fatalf("semantic tier mapping = %+v", got)
	}
	want := []string{"exact", "contains", "semantic"}
	if len(g.calls) != len(want) {
		t.Fatalf("tier order = %v, want %v", g.calls, want)
	}
	for i := range want {
		if g.calls[i] != want[i] {
			t.Fatalf("tier order = %v, want %v", g.calls, want)
		}
	}
}

func TestResolveGenericLanguageLowersContainsConfidence(t *testing.T) {
	g := &fakeGraph{rows: func(cypher string, params map[string]any) ([]map[string]any, error) {
		switch tierOf(cypher) {
		case "contains":
			return []map[string]any{row("386661006", "Fever", "en")}, nil
		default:
			return nil, nil
		}
	}}
	r := newTestResolver(t, g, 5)

	got, err := r.Resolve(context.Background(), []domain.TermCandidate{
		{Surface: "fiebre", Normalized: "fiebre"},
	}, "es")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(got) != 1 || got[0].Confidence != 0.8 {
		t.Fatalf("generic contains mapping = %+v, want confidence 0.8", got)
	}
}

func TestResolveCapsResultsPerTerm(t *testing.T) {
	g := &fakeGraph{rows: func(cypher string, params map[string]any) ([]map[string]any, error) {
		if tierOf(cypher) != "contains" {
			return nil, nil
		}
		var rows []map[string]any
		for i := 0; i < 10; i++ {
			rows = append(rows, row(fmt.Sprintf("c-%d", i), "term", "en"))
		}
		return rows, nil
	}}
	r := newTestResolver(t, g, 3)

	got, err := r.Resolve(context.Background(), []domain.TermCandidate{
		{Surface: "pain", Normalized: "pain"},
	}, "en")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d mappings, want capped at 3", len(got))
	}
}

func TestResolveDeduplicatesConceptIDs(t *testing.T) {
	g := &fakeGraph{rows: func(cypher string, params map[string]any) ([]map[string]any, error) {
		if tierOf(cypher) != "exact" {
			return nil, nil
		}
		switch params["term"] {
		case "heart attack":
			return []map[string]any{row("22298006", "Myocardial infarction", "en")}, nil
		case "myocardial infarction":
			return []map[string]any{
				row("22298006", "Myocardial infarction", "en"),
				row("401303003", "Acute STEMI", "en"),
			}, nil
		}
		return nil, nil
	}}
	r := newTestResolver(t, g, 5)

	got, err := r.Resolve(context.Background(), []domain.TermCandidate{
		{Surface: "heart attack", Normalized: "heart attack"},
		{Surface: "myocardial infarction", Normalized: "myocardial infarction"},
	}, "en")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("mappings = %+v, want 2 unique concepts", got)
	}
	if got[0].ConceptID != "22298006" || got[0].OriginalTerm != "heart attack" {
		t.Fatalf("first mapping = %+v, want the first term's entry kept", got[0])
	}
	if got[1].ConceptID != "401303003" {
		t.Fatalf("second mapping = %+v", got[1])
	}
}

func TestResolvePartialFailureSkipsTerm(t *testing.T) {
	g := &fakeGraph{rows: func(cypher string, params map[string]any) ([]map[string]any, error) {
		term, _ := params["term"].(string)
		if term == "bad" {
			return nil, errors.New("graph hiccup")
		}
		if tierOf(cypher) == "exact" {
			return []map[string]any{row("271737000", "Anemia", "en")}, nil
		}
		return nil, nil
	}}
	r := newTestResolver(t, g, 5)

	got, err := r.Resolve(context.Background(), []domain.TermCandidate{
		{Surface: "bad", Normalized: "bad"},
		{Surface: "anemia", Normalized: "anemia"},
	}, "en")
	if err != nil {
		t.Fatalf("partial failure should not error: %v", err)
	}
	if len(got) != 1 || got[0].ConceptID != "271737000" {
		t.Fatalf("mappings = %+v", got)
	}
}

func TestResolveAllFailuresReportsDependencyUnavailable(t *testing.T) {
	g := &fakeGraph{rows: func(cypher string, params map[string]any) ([]map[string]any, error) {
		return nil, errors.New("connection refused")
	}}
	r := newTestResolver(t, g, 5)

	_, err := r.Resolve(context.Background(), []domain.TermCandidate{
		{Surface: "a", Normalized: "a"},
		{Surface: "b", Normalized: "b"},
	}, "en")
	if !errors.Is(err, apperr.ErrDependencyUnavailable) {
		t.Fatalf("err = %v, want ErrDependencyUnavailable", err)
	}
}

func TestHierarchyRequiresConceptID(t *testing.T) {
	r := newTestResolver(t, &fakeGraph{rows: func(string, map[string]any) ([]map[string]any, error) { return nil, nil }}, 5)
	if _, err := r.Hierarchy(context.Background(), "  "); !errors.Is(err, apperr.ErrInvalidRequest) {
		t.Fatalf("err = %v, want ErrInvalidRequest", err)
	}
}
