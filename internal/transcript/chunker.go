package transcript

import (
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"

	"github.com/cliniscribe/notegen-backend/internal/domain"
)

var chunkIDNamespace = uuid.MustParse("7c9e6b34-1f52-4a8d-9e0b-3d2a41c5f6e7")

// EstimateTokens approximates the embedding tokenizer at ~4 runes per token.
func EstimateTokens(text string) int {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0
	}
	return int(math.Ceil(float64(len([]rune(text))) / 4.0))
}

// Chunk groups line records into overlapping windows. The walk is greedy and
// never splits a line; with RespectSpeakerBoundaries set, a boundary is
// preferred at a speaker turn once the window holds MinLines. Overlap is
// drawn from the tail of the previous chunk. Every line lands in at least
// one chunk.
func Chunk(conversationID string, lines []domain.LineRecord, policy domain.ChunkPolicy) []domain.Chunk {
	if len(lines) == 0 {
		return nil
	}
	if policy.TargetTokens <= 0 {
		policy.TargetTokens = 1500
	}
	if policy.OverlapTokens < 0 {
		policy.OverlapTokens = 0
	}
	if policy.OverlapTokens >= policy.TargetTokens {
		policy.OverlapTokens = policy.TargetTokens / 4
	}

	var chunks []domain.Chunk
	start := 0
	for start < len(lines) {
		end := start
		tokens := 0
		lastTurn := -1
		for end < len(lines) {
			lineTokens := EstimateTokens(lines[end].Text)
			if tokens > 0 && tokens+lineTokens > policy.TargetTokens {
				break
			}
			if end > start && speakerTurn(lines[end-1], lines[end]) {
				lastTurn = end
			}
			tokens += lineTokens
			end++
		}
		if end == start {
			end = start + 1 // single line larger than the target still gets its own chunk
		}
		if policy.RespectSpeakerBoundaries && lastTurn > start && end < len(lines) {
			span := lastTurn - start
			if policy.MinLines <= 0 || span >= policy.MinLines {
				end = lastTurn
			}
		}
		if policy.MaxLines > 0 && end-start > policy.MaxLines {
			end = start + policy.MaxLines
		}

		chunks = append(chunks, buildChunk(conversationID, lines[start:end]))
		if end >= len(lines) {
			break
		}
		start = overlapStart(lines, start, end, policy.OverlapTokens)
	}
	return chunks
}

// overlapStart walks back from the chunk end until the requested overlap
// token budget is covered, never re-starting at or before the previous start.
func overlapStart(lines []domain.LineRecord, prevStart, end, overlapTokens int) int {
	if overlapTokens <= 0 {
		return end
	}
	tokens := 0
	i := end
	for i > prevStart+1 {
		tokens += EstimateTokens(lines[i-1].Text)
		if tokens >= overlapTokens {
			return i - 1
		}
		i--
	}
	return prevStart + 1
}

func speakerTurn(prev, cur domain.LineRecord) bool {
	return cur.Speaker != "" && cur.Speaker != prev.Speaker
}

func buildChunk(conversationID string, span []domain.LineRecord) domain.Chunk {
	var b strings.Builder
	for i, l := range span {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%d: %s", l.LineNo, l.Text)
	}
	text := b.String()
	id := uuid.NewSHA1(chunkIDNamespace, []byte(fmt.Sprintf("%s|%d|%d|%s", conversationID, span[0].LineNo, span[len(span)-1].LineNo, text)))
	return domain.Chunk{
		ChunkID:        id.String(),
		ConversationID: conversationID,
		FirstLine:      span[0].LineNo,
		LastLine:       span[len(span)-1].LineNo,
		Text:           text,
	}
}
