package transcript

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/cliniscribe/notegen-backend/internal/apperr"
	"github.com/cliniscribe/notegen-backend/internal/domain"
)

var (
	numberedPrefixRe = regexp.MustCompile(`^\s*(\d+)\s*[:|]\s*`)
	speakerPrefixRe  = regexp.MustCompile(`^(Doctor|Patient|Dr\.|Pt\.|Docteur|Médecin|Clinician|Nurse)[:\s]`)
)

// MaxTranscriptBytes is the default ingest ceiling; overridable per call.
const MaxTranscriptBytes = 2 << 20

// Normalize converts raw speaker-annotated text into indexed line records.
// Byte offsets refer to the UTF-8 encoding of the input and stay stable for
// the conversation. If the input carries explicit "N:" / "N|" prefixes the
// numbers are authoritative and must be strictly increasing.
func Normalize(raw string, languageHint string, maxBytes int) ([]domain.LineRecord, string, error) {
	if maxBytes <= 0 {
		maxBytes = MaxTranscriptBytes
	}
	if strings.TrimSpace(raw) == "" {
		return nil, "", apperr.Transcript("empty transcript")
	}
	if len(raw) > maxBytes {
		return nil, "", apperr.Transcript("transcript exceeds %d bytes (got %d)", maxBytes, len(raw))
	}

	// Canonical newline form. Offsets are computed against the canonical
	// text, which is what the conversation stores for citation checks.
	canonical := strings.ReplaceAll(strings.ReplaceAll(raw, "\r\n", "\n"), "\r", "\n")

	lang := strings.TrimSpace(strings.ToLower(languageHint))
	if lang == "" {
		lang = DetectLanguage(canonical)
	}

	rawLines := strings.Split(canonical, "\n")
	records := make([]domain.LineRecord, 0, len(rawLines))

	offset := 0
	prevNo := 0
	numbered := numberedPrefixRe.MatchString(firstNonEmpty(rawLines))

	for i, rl := range rawLines {
		byteStart := offset
		byteEnd := offset + len(rl)
		offset = byteEnd + 1 // the newline

		text := strings.TrimRight(rl, " \t")
		lineNo := i + 1
		if numbered {
			m := numberedPrefixRe.FindStringSubmatch(text)
			if m == nil {
				if strings.TrimSpace(text) == "" {
					// Blank separator inside a numbered transcript keeps
					// positional numbering only when it stays increasing.
					continue
				}
				return nil, "", apperr.Transcript("line %d missing numeric prefix in numbered transcript", i+1)
			}
			n, err := strconv.Atoi(m[1])
			if err != nil || n <= prevNo {
				return nil, "", apperr.Transcript("numeric line prefixes must be strictly increasing (line %d)", i+1)
			}
			lineNo = n
			text = text[len(m[0]):]
		}
		prevNo = lineNo

		speaker := ""
		if m := speakerPrefixRe.FindStringSubmatch(text); m != nil {
			speaker = strings.TrimSuffix(m[1], ".")
		}

		records = append(records, domain.LineRecord{
			LineNo:    lineNo,
			Speaker:   speaker,
			Text:      text,
			ByteStart: byteStart,
			ByteEnd:   byteEnd,
		})
	}

	if len(records) == 0 {
		return nil, "", apperr.Transcript("no usable lines")
	}
	return records, lang, nil
}

// Reassemble joins line texts with the canonical newline. For inputs without
// trailing whitespace or explicit numbering, Reassemble(Normalize(t)) == t.
func Reassemble(lines []domain.LineRecord) string {
	parts := make([]string, len(lines))
	for i, l := range lines {
		parts[i] = l.Text
	}
	return strings.Join(parts, "\n")
}

func firstNonEmpty(lines []string) string {
	for _, l := range lines {
		if strings.TrimSpace(l) != "" {
			return l
		}
	}
	return ""
}
