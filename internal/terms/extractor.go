package terms

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/cliniscribe/notegen-backend/internal/apperr"
	"github.com/cliniscribe/notegen-backend/internal/domain"
	"github.com/cliniscribe/notegen-backend/internal/platform/logger"
	"github.com/cliniscribe/notegen-backend/internal/transcript"
)

// JSONCompleter is the deterministic LLM mode the extractor runs on.
type JSONCompleter interface {
	CompleteJSON(ctx context.Context, system, user, schemaName string, schema map[string]any) (map[string]any, error)
}

// Extractor finds candidate medical terms in a normalized transcript, with
// verified line/char occurrences.
type Extractor interface {
	Extract(ctx context.Context, lines []domain.LineRecord, language string) ([]domain.TermCandidate, error)
}

type extractor struct {
	log          *logger.Logger
	llm          JSONCompleter
	windowTokens int
	strideTokens int
}

// DefaultWindowTokens bounds one extraction prompt; transcripts beyond it are
// windowed with the chunker's stride and merged by normalized term.
const DefaultWindowTokens = 6000

func NewExtractor(log *logger.Logger, llm JSONCompleter, windowTokens, strideTokens int) (Extractor, error) {
	if log == nil {
		return nil, fmt.Errorf("terms: logger required")
	}
	if llm == nil {
		return nil, fmt.Errorf("terms: llm client required")
	}
	if windowTokens <= 0 {
		windowTokens = DefaultWindowTokens
	}
	if strideTokens <= 0 || strideTokens > windowTokens {
		strideTokens = windowTokens * 3 / 4
	}
	return &extractor{
		log:          log.With("service", "TermExtractor"),
		llm:          llm,
		windowTokens: windowTokens,
		strideTokens: strideTokens,
	}, nil
}

const extractionSystemPrompt = `You are a clinical terminology extraction engine. ` +
	`Given a numbered medical encounter transcript, list every medical term: symptoms, ` +
	`diagnoses, medications, procedures, anatomical references, and clinical findings. ` +
	`For each term report the exact surface form as written, a lowercase normalized form, ` +
	`and every occurrence as the line number with character offsets (0-based, half-open) ` +
	`within that line's text, excluding the line-number prefix. ` +
	`Only report occurrences you can verify verbatim. Output JSON only.`

var extractionSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"terms": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"surface":    map[string]any{"type": "string"},
					"normalized": map[string]any{"type": "string"},
					"occurrences": map[string]any{
						"type": "array",
						"items": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"line_no":    map[string]any{"type": "integer"},
								"char_start": map[string]any{"type": "integer"},
								"char_end":   map[string]any{"type": "integer"},
							},
							"required":             []string{"line_no", "char_start", "char_end"},
							"additionalProperties": false,
						},
					},
				},
				"required":             []string{"surface", "normalized", "occurrences"},
				"additionalProperties": false,
			},
		},
	},
	"required":             []string{"terms"},
	"additionalProperties": false,
}

type rawTerm struct {
	Surface     string `json:"surface"`
	Normalized  string `json:"normalized"`
	Occurrences []struct {
		LineNo    int `json:"line_no"`
		CharStart int `json:"char_start"`
		CharEnd   int `json:"char_end"`
	} `json:"occurrences"`
}

func (e *extractor) Extract(ctx context.Context, lines []domain.LineRecord, language string) ([]domain.TermCandidate, error) {
	if len(lines) == 0 {
		return nil, nil
	}

	byLine := make(map[int]domain.LineRecord, len(lines))
	for _, ln := range lines {
		byLine[ln.LineNo] = ln
	}

	merged := make(map[string]*domain.TermCandidate)
	var order []string
	for _, window := range e.windows(lines) {
		raw, err := e.extractWindow(ctx, window, language)
		if err != nil {
			return nil, err
		}
		for _, rt := range raw {
			cand := e.verify(rt, byLine)
			if cand == nil {
				continue
			}
			key := cand.Normalized
			if existing, ok := merged[key]; ok {
				existing.Occurrences = mergeOccurrences(existing.Occurrences, cand.Occurrences)
			} else {
				merged[key] = cand
				order = append(order, key)
			}
		}
	}

	out := make([]domain.TermCandidate, 0, len(order))
	for _, key := range order {
		out = append(out, *merged[key])
	}
	return out, nil
}

// windows slices the transcript into line runs whose numbered text fits the
// window budget, advancing by the stride so windows overlap like chunks do.
func (e *extractor) windows(lines []domain.LineRecord) [][]domain.LineRecord {
	total := 0
	for _, ln := range lines {
		total += transcript.EstimateTokens(ln.Text) + 2
	}
	if total <= e.windowTokens {
		return [][]domain.LineRecord{lines}
	}

	var out [][]domain.LineRecord
	start := 0
	for start < len(lines) {
		budget := 0
		end := start
		for end < len(lines) {
			cost := transcript.EstimateTokens(lines[end].Text) + 2
			if budget+cost > e.windowTokens && end > start {
				break
			}
			budget += cost
			end++
		}
		out = append(out, lines[start:end])
		if end >= len(lines) {
			break
		}

		strideBudget := 0
		next := start
		for next < end {
			strideBudget += transcript.EstimateTokens(lines[next].Text) + 2
			next++
			if strideBudget >= e.strideTokens {
				break
			}
		}
		if next <= start {
			next = start + 1
		}
		start = next
	}
	return out
}

func (e *extractor) extractWindow(ctx context.Context, lines []domain.LineRecord, language string) ([]rawTerm, error) {
	var b strings.Builder
	for _, ln := range lines {
		fmt.Fprintf(&b, "%d: %s\n", ln.LineNo, ln.Text)
	}
	user := fmt.Sprintf("Transcript language: %s\n\n%s", language, b.String())

	obj, err := e.llm.CompleteJSON(ctx, extractionSystemPrompt, user, "medical_term_extraction", extractionSchema)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: term extraction interrupted: %v", apperr.ErrCancelled, ctx.Err())
		}
		return nil, fmt.Errorf("%w: term extraction call: %v", apperr.ErrDependencyUnavailable, err)
	}

	encoded, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("%w: re-encode extraction output: %v", apperr.ErrLLMInvalidOutput, err)
	}
	var parsed struct {
		Terms []rawTerm `json:"terms"`
	}
	if err := json.Unmarshal(encoded, &parsed); err != nil {
		return nil, fmt.Errorf("%w: extraction output shape: %v", apperr.ErrLLMInvalidOutput, err)
	}
	return parsed.Terms, nil
}

// verify checks each claimed occurrence against the transcript and drops the
// ones that do not resolve. If every claimed occurrence is bogus the term is
// re-located by scanning; a term with no verifiable occurrence is dropped.
func (e *extractor) verify(rt rawTerm, byLine map[int]domain.LineRecord) *domain.TermCandidate {
	surface := strings.TrimSpace(rt.Surface)
	if surface == "" {
		return nil
	}
	normalized := strings.ToLower(strings.TrimSpace(rt.Normalized))
	if normalized == "" {
		normalized = strings.ToLower(surface)
	}

	var verified []domain.TermOccurrence
	for _, occ := range rt.Occurrences {
		ln, ok := byLine[occ.LineNo]
		if !ok {
			continue
		}
		runes := []rune(ln.Text)
		if occ.CharStart < 0 || occ.CharEnd <= occ.CharStart || occ.CharEnd > len(runes) {
			continue
		}
		got := string(runes[occ.CharStart:occ.CharEnd])
		if !foldEqual(got, surface) {
			continue
		}
		verified = append(verified, domain.TermOccurrence{
			LineNo: occ.LineNo, CharStart: occ.CharStart, CharEnd: occ.CharEnd,
		})
	}

	if len(verified) == 0 {
		verified = locate(surface, byLine)
	}
	if len(verified) == 0 {
		return nil
	}
	sortOccurrences(verified)
	return &domain.TermCandidate{Surface: surface, Normalized: normalized, Occurrences: verified}
}

// locate scans every line for the surface form, case-insensitively under NFC.
func locate(surface string, byLine map[int]domain.LineRecord) []domain.TermOccurrence {
	needle := strings.ToLower(norm.NFC.String(surface))
	needleRunes := []rune(needle)
	if len(needleRunes) == 0 {
		return nil
	}

	var out []domain.TermOccurrence
	for lineNo, ln := range byLine {
		hay := []rune(strings.ToLower(norm.NFC.String(ln.Text)))
		for i := 0; i+len(needleRunes) <= len(hay); i++ {
			if string(hay[i:i+len(needleRunes)]) == needle {
				out = append(out, domain.TermOccurrence{
					LineNo: lineNo, CharStart: i, CharEnd: i + len(needleRunes),
				})
			}
		}
	}
	sortOccurrences(out)
	return out
}

func foldEqual(a, b string) bool {
	return strings.EqualFold(norm.NFC.String(a), norm.NFC.String(b))
}

func mergeOccurrences(a, b []domain.TermOccurrence) []domain.TermOccurrence {
	seen := make(map[domain.TermOccurrence]bool, len(a))
	out := make([]domain.TermOccurrence, 0, len(a)+len(b))
	for _, occ := range a {
		if !seen[occ] {
			seen[occ] = true
			out = append(out, occ)
		}
	}
	for _, occ := range b {
		if !seen[occ] {
			seen[occ] = true
			out = append(out, occ)
		}
	}
	sortOccurrences(out)
	return out
}

func sortOccurrences(occs []domain.TermOccurrence) {
	sort.Slice(occs, func(i, j int) bool {
		if occs[i].LineNo != occs[j].LineNo {
			return occs[i].LineNo < occs[j].LineNo
		}
		return occs[i].CharStart < occs[j].CharStart
	})
}
