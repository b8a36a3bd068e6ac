package app

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cliniscribe/notegen-backend/internal/domain"
	"github.com/cliniscribe/notegen-backend/internal/extraction"
	"github.com/cliniscribe/notegen-backend/internal/platform/envutil"
	"github.com/cliniscribe/notegen-backend/internal/platform/logger"
	"github.com/cliniscribe/notegen-backend/internal/platform/openai"
	"github.com/cliniscribe/notegen-backend/internal/platform/qdrant"
)

// Config is the full runtime configuration, assembled from the environment.
// Every tunable has a default; only the external endpoints are mandatory.
type Config struct {
	LogMode        string
	Port           string
	AllowedOrigins []string

	OpenAI openai.Config
	Qdrant qdrant.Config

	// Outbound publication. Empty CallbackURL selects the in-process channel
	// sink (results are logged, not delivered).
	CallbackURL        string
	CallbackTimeout    time.Duration
	CallbackMaxRetries int

	MaxConceptsPerTerm int
	TermWindowTokens   int
	TermStrideTokens   int

	Extraction extraction.Config

	ShutdownGrace time.Duration
}

func Load(log *logger.Logger) (Config, error) {
	cfg := Config{
		LogMode: envutil.Str("LOG_MODE", "development"),
		Port:    envutil.Str("PORT", "8080"),

		OpenAI: openai.Config{
			BaseURL:     envutil.Str("OPENAI_BASE_URL", "https://api.openai.com"),
			APIKey:      envutil.Str("OPENAI_API_KEY", ""),
			Model:       envutil.Str("OPENAI_MODEL", "gpt-4o"),
			EmbedModel:  envutil.Str("OPENAI_EMBED_MODEL", "text-embedding-3-small"),
			Timeout:     envutil.Duration("OPENAI_TIMEOUT_SECONDS", 20*time.Second),
			MaxRetries:  envutil.Int("OPENAI_MAX_RETRIES", 2),
			ComposeTemp: envutil.Float("OPENAI_COMPOSE_TEMPERATURE", 0.2),
		},

		Qdrant: qdrant.Config{
			URL:             envutil.Str("QDRANT_URL", ""),
			Collection:      envutil.Str("QDRANT_COLLECTION", "notegen_chunks"),
			NamespacePrefix: envutil.Str("QDRANT_NAMESPACE_PREFIX", "conv"),
			VectorDim:       envutil.Int("QDRANT_VECTOR_DIM", 1536),
		},

		CallbackURL:        envutil.Str("SECTION_CALLBACK_URL", ""),
		CallbackTimeout:    envutil.Duration("CALLBACK_TIMEOUT_SECONDS", 10*time.Second),
		CallbackMaxRetries: envutil.Int("CALLBACK_MAX_RETRIES", 3),

		MaxConceptsPerTerm: envutil.Int("SNOMED_MAX_CONCEPTS_PER_TERM", 5),
		TermWindowTokens:   envutil.Int("TERM_WINDOW_TOKENS", 0),
		TermStrideTokens:   envutil.Int("TERM_STRIDE_TOKENS", 0),

		Extraction: extraction.Config{
			CJob:            envutil.Int("JOB_CONCURRENCY", 4),
			CGlobal:         envutil.Int("GLOBAL_CONCURRENCY", 16),
			RMax:            envutil.Int("SECTION_MAX_RETRIES", 3),
			TopK:            envutil.Int("RETRIEVAL_TOP_K", 5),
			SectionTimeout:  envutil.Duration("SECTION_TIMEOUT_SECONDS", 30*time.Second),
			JobTimeout:      envutil.Duration("JOB_TIMEOUT_SECONDS", 20*time.Minute),
			AcceptThreshold: envutil.Float("ACCEPT_THRESHOLD", 0.6),
			ApplyThreshold:  envutil.Float("APPLY_THRESHOLD", 0.7),
			ChunkPolicy:     loadChunkPolicy(log),
			MaxTranscript:   envutil.Int("MAX_TRANSCRIPT_BYTES", 0),
		},

		ShutdownGrace: envutil.Duration("SHUTDOWN_GRACE_SECONDS", 10*time.Second),
	}

	if origins := envutil.Str("ALLOWED_ORIGINS", ""); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
			}
		}
	}

	if strings.TrimSpace(cfg.OpenAI.APIKey) == "" {
		return Config{}, fmt.Errorf("config: OPENAI_API_KEY is required")
	}
	if strings.TrimSpace(cfg.Qdrant.URL) == "" {
		return Config{}, fmt.Errorf("config: QDRANT_URL is required")
	}
	return cfg, nil
}

// loadChunkPolicy reads CHUNK_POLICY_FILE when set, otherwise assembles the
// policy from individual env vars.
func loadChunkPolicy(log *logger.Logger) domain.ChunkPolicy {
	policy := domain.ChunkPolicy{
		TargetTokens:             envutil.Int("CHUNK_TARGET_TOKENS", 1500),
		OverlapTokens:            envutil.Int("CHUNK_OVERLAP_TOKENS", 150),
		RespectSpeakerBoundaries: envutil.Bool("CHUNK_RESPECT_SPEAKERS", false),
		MinLines:                 envutil.Int("CHUNK_MIN_LINES", 0),
		MaxLines:                 envutil.Int("CHUNK_MAX_LINES", 0),
	}

	path := envutil.Str("CHUNK_POLICY_FILE", "")
	if path == "" {
		return policy
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		log.Warn("Chunk policy file unreadable, using env defaults", "path", path, "error", err)
		return policy
	}
	var fromFile domain.ChunkPolicy
	if err := yaml.Unmarshal(raw, &fromFile); err != nil {
		log.Warn("Chunk policy file invalid, using env defaults", "path", path, "error", err)
		return policy
	}
	if fromFile.TargetTokens > 0 {
		policy = fromFile
	}
	return policy
}
