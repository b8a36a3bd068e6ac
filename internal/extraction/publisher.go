package extraction

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cliniscribe/notegen-backend/internal/apperr"
	"github.com/cliniscribe/notegen-backend/internal/domain"
	"github.com/cliniscribe/notegen-backend/internal/pkg/ctxutil"
	"github.com/cliniscribe/notegen-backend/internal/pkg/httpx"
	"github.com/cliniscribe/notegen-backend/internal/platform/logger"
)

// Sink receives each section payload as it reaches a terminal state. The
// orchestrator guarantees at-most-once invocation per section id; the sink
// is responsible for at-least-once delivery to its destination.
type Sink interface {
	Publish(ctx context.Context, jobID string, payload domain.SectionPayload) error
}

// ---------- HTTP callback sink ----------

type httpSink struct {
	log        *logger.Logger
	url        string
	httpClient *http.Client
	maxRetries int
}

// NewHTTPSink posts each payload to the gateway callback URL with retries.
// The idempotency key is the section id, letting the gateway dedupe.
func NewHTTPSink(log *logger.Logger, callbackURL string, timeout time.Duration, maxRetries int) (Sink, error) {
	if log == nil {
		return nil, fmt.Errorf("publisher: logger required")
	}
	callbackURL = strings.TrimSpace(callbackURL)
	if callbackURL == "" {
		return nil, fmt.Errorf("publisher: callback url required")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &httpSink{
		log:        log.With("service", "ResultPublisher"),
		url:        callbackURL,
		httpClient: &http.Client{Timeout: timeout},
		maxRetries: maxRetries,
	}, nil
}

type sinkHTTPError struct {
	StatusCode int
	Body       string
}

func (e *sinkHTTPError) Error() string {
	return fmt.Sprintf("callback http %d: %s", e.StatusCode, e.Body)
}

func (e *sinkHTTPError) HTTPStatusCode() int {
	if e == nil {
		return 0
	}
	return e.StatusCode
}

func (s *httpSink) Publish(ctx context.Context, jobID string, payload domain.SectionPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: encode section payload: %v", apperr.ErrInternal, err)
	}

	backoff := 1 * time.Second
	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: publish interrupted: %v", apperr.ErrCancelled, ctx.Err())
		}

		resp, err := s.postOnce(ctx, jobID, payload.SectionID, body)
		if err == nil {
			return nil
		}
		lastErr = err

		if !httpx.IsRetryableError(err) || attempt == s.maxRetries {
			break
		}
		sleepFor := httpx.JitterSleep(httpx.RetryAfterDuration(resp, backoff, 10*time.Second))
		s.log.Warn("Section delivery retrying",
			"job_id", jobID,
			"section_id", payload.SectionID,
			"attempt", attempt+1,
			"sleep", sleepFor.String(),
			"error", err.Error(),
		)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: publish interrupted: %v", apperr.ErrCancelled, ctx.Err())
		case <-time.After(sleepFor):
		}
		backoff *= 2
	}
	return fmt.Errorf("%w: deliver section %s: %v", apperr.ErrDeliveryFailure, payload.SectionID, lastErr)
}

func (s *httpSink) postOnce(ctx context.Context, jobID, sectionID string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctxutil.Default(ctx), http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", sectionID)
	req.Header.Set("X-Job-ID", jobID)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp, &sinkHTTPError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	return resp, nil
}

// ---------- channel sink ----------

// PublishedSection pairs a payload with its job for channel consumers.
type PublishedSection struct {
	JobID   string
	Payload domain.SectionPayload
}

// ChannelSink delivers payloads to an in-process channel; used by tests and
// by deployments that stream results out of the same process.
type ChannelSink struct {
	C chan PublishedSection
}

func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChannelSink{C: make(chan PublishedSection, buffer)}
}

func (s *ChannelSink) Publish(ctx context.Context, jobID string, payload domain.SectionPayload) error {
	select {
	case s.C <- PublishedSection{JobID: jobID, Payload: payload}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: publish interrupted: %v", apperr.ErrCancelled, ctx.Err())
	}
}
