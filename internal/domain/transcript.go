package domain

// LineRecord is one line of the normalized transcript. Byte offsets refer to
// the UTF-8 encoding of the original input and stay stable for the lifetime
// of the conversation.
type LineRecord struct {
	LineNo    int    `json:"line_no"`
	Speaker   string `json:"speaker,omitempty"`
	Text      string `json:"text"`
	ByteStart int    `json:"byte_start"`
	ByteEnd   int    `json:"byte_end"`
}

// Chunk is a contiguous window over the transcript, annotated with the line
// span it covers. ChunkID is a stable hash of (conversation, span, text) so
// re-ingesting the same transcript is idempotent at the index.
type Chunk struct {
	ChunkID        string    `json:"chunk_id"`
	ConversationID string    `json:"conversation_id"`
	FirstLine      int       `json:"first_line"`
	LastLine       int       `json:"last_line"`
	Text           string    `json:"text"`
	Embedding      []float32 `json:"-"`
}

// ChunkPolicy controls the greedy chunk walk. Token counts are approximate
// (rune/4 heuristic, consistent with the embedding tokenizer).
type ChunkPolicy struct {
	TargetTokens            int  `yaml:"target_tokens" json:"target_tokens"`
	OverlapTokens           int  `yaml:"overlap_tokens" json:"overlap_tokens"`
	RespectSpeakerBoundaries bool `yaml:"respect_speaker_boundaries" json:"respect_speaker_boundaries"`
	MinLines                int  `yaml:"min_lines" json:"min_lines"`
	MaxLines                int  `yaml:"max_lines" json:"max_lines"`
}

func DefaultChunkPolicy() ChunkPolicy {
	return ChunkPolicy{
		TargetTokens:  1500,
		OverlapTokens: 150,
	}
}

// TermOccurrence locates one surface occurrence of a term inside a line.
// Char offsets are rune-based half-open [start, end).
type TermOccurrence struct {
	LineNo    int `json:"line_no"`
	CharStart int `json:"char_start"`
	CharEnd   int `json:"char_end"`
}

// TermCandidate is a deduplicated medical term found in the transcript.
type TermCandidate struct {
	Surface     string           `json:"surface"`
	Normalized  string           `json:"normalized"`
	Occurrences []TermOccurrence `json:"occurrences"`
}

// ConceptMapping links a transcript term to an ontology concept.
type ConceptMapping struct {
	OriginalTerm  string  `json:"original_term"`
	ConceptID     string  `json:"concept_id"`
	PreferredTerm string  `json:"preferred_term"`
	Language      string  `json:"language"`
	Confidence    float64 `json:"confidence"`
}
