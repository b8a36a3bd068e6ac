package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/cliniscribe/notegen-backend/internal/apperr"
	"github.com/cliniscribe/notegen-backend/internal/domain"
	"github.com/cliniscribe/notegen-backend/internal/platform/logger"
	"github.com/cliniscribe/notegen-backend/internal/preferences"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return log
}

type fakeService struct {
	job domain.Job
	err error
	got domain.ProcessEncounterRequest
}

func (f *fakeService) ProcessEncounter(ctx context.Context, req domain.ProcessEncounterRequest) (domain.Job, error) {
	f.got = req
	return f.job, f.err
}

type fakeDirectory struct {
	job domain.Job
	err error
}

func (f *fakeDirectory) Cancel(jobID string) (domain.Job, error) { return f.job, f.err }
func (f *fakeDirectory) Status(jobID string) (domain.Job, error) { return f.job, f.err }

func extractionRouter(t *testing.T, svc EncounterService, dir JobDirectory) *gin.Engine {
	t.Helper()
	h := NewExtractionHandler(testLogger(t), svc, dir)
	r := gin.New()
	r.POST("/internal/encounters/process", h.ProcessEncounter)
	r.POST("/internal/templates/validate", h.ValidateTemplates)
	r.GET("/internal/jobs/:id", h.JobStatus)
	r.POST("/internal/jobs/:id/cancel", h.CancelJob)
	return r
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestProcessEncounterAccepted(t *testing.T) {
	svc := &fakeService{job: domain.Job{JobID: "j1", ConversationID: "c1", Status: domain.JobPending}}
	r := extractionRouter(t, svc, &fakeDirectory{})

	w := doJSON(t, r, http.MethodPost, "/internal/encounters/process", domain.ProcessEncounterRequest{
		ConversationID:    "c1",
		TranscriptionText: "Doctor: Hello.",
		Templates: []domain.TemplateRequest{{
			TemplateID: "soap",
			Sections:   []domain.TemplateSectionRequest{{SectionID: "s", Type: "subjective"}},
		}},
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}
	if svc.got.ConversationID != "c1" {
		t.Fatalf("service saw %+v", svc.got)
	}
	var resp struct {
		Job domain.Job `json:"job"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Job.JobID != "j1" {
		t.Fatalf("job = %+v", resp.Job)
	}
}

func TestProcessEncounterErrorMapping(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"invalid request", apperr.Invalid("bad templates"), http.StatusBadRequest, "invalid_request"},
		{"invalid transcript", apperr.Transcript("empty"), http.StatusUnprocessableEntity, "invalid_transcript"},
		{"dependency down", apperr.ErrDependencyUnavailable, http.StatusServiceUnavailable, "dependency_unavailable"},
		{"internal", errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := extractionRouter(t, &fakeService{err: tc.err}, &fakeDirectory{})
			w := doJSON(t, r, http.MethodPost, "/internal/encounters/process", domain.ProcessEncounterRequest{
				ConversationID:    "c1",
				TranscriptionText: "Doctor: Hello.",
			})
			if w.Code != tc.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tc.wantStatus)
			}
			var env ErrorEnvelope
			if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if env.Error.Code != tc.wantCode {
				t.Fatalf("code = %q, want %q", env.Error.Code, tc.wantCode)
			}
		})
	}
}

func TestProcessEncounterRejectsMalformedJSON(t *testing.T) {
	r := extractionRouter(t, &fakeService{}, &fakeDirectory{})
	req := httptest.NewRequest(http.MethodPost, "/internal/encounters/process", bytes.NewBufferString("{nope"))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestJobStatusAndCancel(t *testing.T) {
	dir := &fakeDirectory{job: domain.Job{JobID: "j1", Status: domain.JobRunning}}
	r := extractionRouter(t, &fakeService{}, dir)

	w := doJSON(t, r, http.MethodGet, "/internal/jobs/j1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	w = doJSON(t, r, http.MethodPost, "/internal/jobs/j1/cancel", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("cancel status = %d", w.Code)
	}

	dir.err = apperr.Invalid("unknown job %q", "nope")
	w = doJSON(t, r, http.MethodGet, "/internal/jobs/nope", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown job status = %d", w.Code)
	}
}

func TestValidateTemplates(t *testing.T) {
	r := extractionRouter(t, &fakeService{}, &fakeDirectory{})

	w := doJSON(t, r, http.MethodPost, "/internal/templates/validate", gin.H{
		"templates": []domain.TemplateRequest{{
			TemplateID: "soap",
			Sections: []domain.TemplateSectionRequest{
				{SectionID: "s", Type: "subjective"},
				{SectionID: "a", Type: "assessment", DependsOn: []string{"s"}},
			},
		}},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}

	w = doJSON(t, r, http.MethodPost, "/internal/templates/validate", gin.H{
		"templates": []domain.TemplateRequest{{
			TemplateID: "soap",
			Sections: []domain.TemplateSectionRequest{
				{SectionID: "a", Type: "plan", DependsOn: []string{"b"}},
				{SectionID: "b", Type: "objective", DependsOn: []string{"a"}},
			},
		}},
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("cycle status = %d body = %s", w.Code, w.Body.String())
	}
}

func TestDoctorPreferencesRoundTrip(t *testing.T) {
	store := preferences.NewMemoryStore()
	h := NewPreferencesHandler(testLogger(t), store)
	r := gin.New()
	r.GET("/internal/doctors/:id/preferences", h.GetDoctorPreferences)
	r.PUT("/internal/doctors/:id/preferences", h.PutDoctorPreferences)

	w := doJSON(t, r, http.MethodPut, "/internal/doctors/dr-1/preferences", gin.H{
		"terms": map[string]string{"Hypertension": "HTN"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("put status = %d body = %s", w.Code, w.Body.String())
	}

	w = doJSON(t, r, http.MethodGet, "/internal/doctors/dr-1/preferences", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	var resp struct {
		Preferences domain.DoctorPreferences `json:"preferences"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	entry, ok := resp.Preferences.Terms["Hypertension"]
	if !ok || entry.Preferred != "HTN" {
		t.Fatalf("preferences = %+v", resp.Preferences)
	}

	w = doJSON(t, r, http.MethodPut, "/internal/doctors/dr-1/preferences", gin.H{"terms": map[string]string{}})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("empty terms status = %d", w.Code)
	}
}

type fakePinger struct{ err error }

func (f fakePinger) Ping(ctx context.Context) error { return f.err }

type fakeLLMProber struct{ err error }

func (f fakeLLMProber) CompleteText(ctx context.Context, system, user string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "ok", nil
}

func (f fakeLLMProber) Model() string { return "probe-model" }

func TestHealthReportsPerDependency(t *testing.T) {
	h := NewHealthHandler(testLogger(t), fakePinger{}, fakePinger{}, fakeLLMProber{})
	r := gin.New()
	r.GET("/health", h.Health)

	w := doJSON(t, r, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}
	var resp struct {
		Status       string                      `json:"status"`
		Dependencies map[string]DependencyHealth `json:"dependencies"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "ok" || len(resp.Dependencies) != 3 {
		t.Fatalf("resp = %+v", resp)
	}

	h = NewHealthHandler(testLogger(t), fakePinger{}, fakePinger{err: errors.New("neo4j down")}, fakeLLMProber{})
	r = gin.New()
	r.GET("/health", h.Health)
	w = doJSON(t, r, http.MethodGet, "/health", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("degraded status = %d", w.Code)
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Dependencies["ontology"].Status != "unavailable" {
		t.Fatalf("ontology = %+v", resp.Dependencies["ontology"])
	}
}
