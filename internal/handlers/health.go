package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cliniscribe/notegen-backend/internal/platform/logger"
)

// Pinger is implemented by the vector index and the ontology resolver.
type Pinger interface {
	Ping(ctx context.Context) error
}

// LLMProber is the slice of the LLM client the health probe uses.
type LLMProber interface {
	CompleteText(ctx context.Context, system, user string) (string, error)
	Model() string
}

const probeBudget = 2 * time.Second

type DependencyHealth struct {
	Status    string `json:"status"`
	LatencyMS int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

type HealthHandler struct {
	log      *logger.Logger
	vector   Pinger
	ontology Pinger
	llm      LLMProber
}

func NewHealthHandler(log *logger.Logger, vector, ontology Pinger, llm LLMProber) *HealthHandler {
	return &HealthHandler{
		log:      log.With("service", "HealthHandler"),
		vector:   vector,
		ontology: ontology,
		llm:      llm,
	}
}

// GET /health
func (h *HealthHandler) Health(c *gin.Context) {
	ctx := c.Request.Context()

	deps := map[string]DependencyHealth{
		"vector_index": probe(ctx, h.vector.Ping),
		"ontology":     probe(ctx, h.ontology.Ping),
		"llm": probe(ctx, func(pctx context.Context) error {
			_, err := h.llm.CompleteText(pctx, "You are a health probe.", "Reply with the single word: ok")
			return err
		}),
	}

	status := http.StatusOK
	overall := "ok"
	for name, d := range deps {
		if d.Status != "ok" {
			status = http.StatusServiceUnavailable
			overall = "degraded"
			h.log.Warn("Dependency probe failed", "dependency", name, "error", d.Error)
		}
	}
	c.JSON(status, gin.H{
		"status":       overall,
		"model":        h.llm.Model(),
		"dependencies": deps,
	})
}

func probe(ctx context.Context, fn func(context.Context) error) DependencyHealth {
	pctx, cancel := context.WithTimeout(ctx, probeBudget)
	defer cancel()

	started := time.Now()
	err := fn(pctx)
	out := DependencyHealth{
		Status:    "ok",
		LatencyMS: time.Since(started).Milliseconds(),
	}
	if err != nil {
		out.Status = "unavailable"
		out.Error = err.Error()
	}
	return out
}

// Healthcheck is the bare liveness endpoint.
func Healthcheck(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}
