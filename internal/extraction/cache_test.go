package extraction

import (
	"errors"
	"testing"

	"github.com/cliniscribe/notegen-backend/internal/apperr"
	"github.com/cliniscribe/notegen-backend/internal/domain"
)

func TestContextCacheWriteOnce(t *testing.T) {
	c := NewContextCache()
	if err := c.Put("s1", domain.SectionResult{SectionID: "s1", Content: "first"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	err := c.Put("s1", domain.SectionResult{SectionID: "s1", Content: "second"})
	if !errors.Is(err, apperr.ErrInternal) {
		t.Fatalf("second Put err = %v, want ErrInternal", err)
	}
	got, ok := c.Get("s1")
	if !ok || got.Content != "first" {
		t.Fatalf("Get = %+v, %v", got, ok)
	}
}

func TestContextCacheDependenciesKeepOrderSkipMissing(t *testing.T) {
	c := NewContextCache()
	if err := c.Put("b", domain.SectionResult{SectionID: "b"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := c.Put("a", domain.SectionResult{SectionID: "a"}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got := c.Dependencies([]string{"a", "missing", "b"})
	if len(got) != 2 || got[0].SectionID != "a" || got[1].SectionID != "b" {
		t.Fatalf("Dependencies = %+v", got)
	}
}
