package handlers

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/goingest/internal/errors"
	"github.com/3leaps/goingest/pkg/decrypt"
	"github.com/3leaps/goingest/pkg/discovery"
	"github.com/3leaps/goingest/pkg/ingest"
	"github.com/3leaps/goingest/pkg/jobregistry"
)

// DefaultRunWait is how long a run trigger waits before answering 202.
const DefaultRunWait = 2 * time.Second

// MaxCallbackBytes caps a decrypt callback body.
const MaxCallbackBytes = 96 << 20

// CallbackReceiver consumes decrypt service callbacks.
type CallbackReceiver interface {
	OnDecryptCallback(ctx context.Context, requestID string, plaintext []byte) error
	OnDecryptFailure(ctx context.Context, requestID, reason string) error
}

// Runner starts ingest runs.
type Runner interface {
	RunWithOptions(ctx context.Context, agency string, opts ingest.RunOptions) (*ingest.JobResult, error)
}

// RequestSource lists decrypt requests.
type RequestSource interface {
	List(ctx context.Context, f decrypt.ListFilter) ([]decrypt.Request, error)
	Stats(ctx context.Context, now time.Time) (decrypt.Stats, error)
}

// APIConfig wires the pipeline into the /api/v1 routes. Nil components
// leave their routes answering 503.
type APIConfig struct {
	Callbacks CallbackReceiver
	Runner    Runner
	Jobs      *jobregistry.Store
	Requests  RequestSource

	// CallbackToken, when set, must be presented as a bearer token on
	// decrypt callbacks.
	CallbackToken string

	// RunWait bounds how long a trigger blocks for the run to finish.
	// Default: DefaultRunWait.
	RunWait time.Duration

	// BaseContext parents triggered runs, which outlive the request.
	// Default: context.Background().
	BaseContext context.Context

	Logger *zap.Logger
	NewID  func() string
}

// API serves the pipeline endpoints.
type API struct {
	cfg APIConfig
}

// NewAPI applies defaults to cfg.
func NewAPI(cfg APIConfig) *API {
	if cfg.RunWait <= 0 {
		cfg.RunWait = DefaultRunWait
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return &API{cfg: cfg}
}

// Routes mounts the API on r.
func (a *API) Routes(r chi.Router) {
	r.Post("/callbacks/decrypt", a.DecryptCallback)
	r.Post("/agencies/{agency}/runs", a.TriggerRun)
	r.Get("/jobs", a.ListJobs)
	r.Get("/jobs/{jobID}", a.GetJob)
	r.Get("/decrypt/requests", a.ListRequests)
}

// CallbackRequest is the decrypt service callback body.
type CallbackRequest struct {
	RequestID string `json:"requestId"`
	Plaintext string `json:"plaintext"`
	Status    string `json:"status,omitempty"`
	Error     string `json:"error,omitempty"`
}

// CallbackResponse acknowledges a callback.
type CallbackResponse struct {
	RequestID string `json:"requestId"`
	Accepted  bool   `json:"accepted"`
}

// DecryptCallback handles POST /api/v1/callbacks/decrypt.
//
// Unknown and duplicate request IDs are acknowledged; only store failures
// are reported as 5xx.
func (a *API) DecryptCallback(w http.ResponseWriter, r *http.Request) {
	if a.cfg.Callbacks == nil {
		respondWithError(w, r, apperrors.NewServiceUnavailable("decrypt callbacks are not configured"))
		return
	}
	if a.cfg.CallbackToken != "" && !bearerMatches(r, a.cfg.CallbackToken) {
		respondWithError(w, r, apperrors.NewUnauthorized("invalid callback token"))
		return
	}

	var body CallbackRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, MaxCallbackBytes))
	if err := dec.Decode(&body); err != nil {
		respondWithError(w, r, apperrors.NewBadRequest("invalid callback body", err))
		return
	}
	body.RequestID = strings.TrimSpace(body.RequestID)
	if body.RequestID == "" {
		respondWithError(w, r, apperrors.NewBadRequest("requestId is required", nil).
			WithDetails(map[string]any{"field": "requestId"}))
		return
	}

	// The resume must finish even if the caller hangs up.
	ctx := context.WithoutCancel(r.Context())
	log := a.cfg.Logger.With(zap.String("request_id", body.RequestID),
		zap.String("http_request_id", apperrors.RequestIDFromContext(r.Context())))

	if strings.EqualFold(body.Status, "failed") {
		if err := a.cfg.Callbacks.OnDecryptFailure(ctx, body.RequestID, body.Error); err != nil {
			log.Error("Failed to record decrypt failure", zap.Error(err))
			respondWithError(w, r, apperrors.WrapInternal(r.Context(), err, "failed to record decrypt failure"))
			return
		}
		apperrors.WriteJSON(w, http.StatusOK, CallbackResponse{RequestID: body.RequestID, Accepted: true})
		return
	}

	plaintext, err := base64.StdEncoding.DecodeString(body.Plaintext)
	if err != nil {
		respondWithError(w, r, apperrors.NewBadRequest("plaintext must be base64", err).
			WithDetails(map[string]any{"field": "plaintext"}))
		return
	}
	if err := a.cfg.Callbacks.OnDecryptCallback(ctx, body.RequestID, plaintext); err != nil {
		log.Error("Failed to process decrypt callback", zap.Error(err))
		respondWithError(w, r, apperrors.WrapInternal(r.Context(), err, "failed to process decrypt callback"))
		return
	}
	log.Info("Accepted decrypt callback", zap.Int("bytes", len(plaintext)))
	apperrors.WriteJSON(w, http.StatusOK, CallbackResponse{RequestID: body.RequestID, Accepted: true})
}

// RunAccepted answers a trigger whose run is still going.
type RunAccepted struct {
	JobID  string `json:"job_id"`
	Agency string `json:"agency"`
	State  string `json:"state"`
}

type runOutcome struct {
	res *ingest.JobResult
	err error
}

// TriggerRun handles POST /api/v1/agencies/{agency}/runs. It returns the
// finished result when the run completes within RunWait, else 202 with the
// job ID to poll.
func (a *API) TriggerRun(w http.ResponseWriter, r *http.Request) {
	if a.cfg.Runner == nil {
		respondWithError(w, r, apperrors.NewServiceUnavailable("ingest runs are not configured"))
		return
	}
	agency := strings.ToUpper(chi.URLParam(r, "agency"))
	jobID := a.cfg.NewID()

	done := make(chan runOutcome, 1)
	go func() {
		res, err := a.cfg.Runner.RunWithOptions(a.cfg.BaseContext, agency, ingest.RunOptions{JobID: jobID, Trigger: "http"})
		done <- runOutcome{res: res, err: err}
	}()

	timer := time.NewTimer(a.cfg.RunWait)
	defer timer.Stop()
	select {
	case out := <-done:
		if out.err != nil {
			respondWithError(w, r, runError(out.err, agency))
			return
		}
		apperrors.WriteJSON(w, http.StatusOK, out.res)
	case <-timer.C:
		apperrors.WriteJSON(w, http.StatusAccepted, RunAccepted{JobID: jobID, Agency: agency, State: string(jobregistry.JobStateRunning)})
	}
}

func runError(err error, agency string) error {
	details := map[string]any{"agency": agency}
	var de *discovery.DiscoveryError
	switch {
	case errors.Is(err, ingest.ErrRunInProgress):
		return apperrors.NewConflict(err.Error(), err).WithDetails(details)
	case errors.Is(err, discovery.ErrUnknownAgency):
		return apperrors.NewNotFound("agency is not configured").WithDetails(details)
	case errors.As(err, &de):
		return apperrors.NewExternalServiceError(de.Error()).WithDetails(details)
	}
	return err
}

// ListJobs handles GET /api/v1/jobs?agency=&state=&kind=&limit=.
func (a *API) ListJobs(w http.ResponseWriter, r *http.Request) {
	if a.cfg.Jobs == nil {
		respondWithError(w, r, apperrors.NewServiceUnavailable("job registry is not configured"))
		return
	}
	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	records, err := a.cfg.Jobs.List(jobregistry.ListFilter{
		Agency: strings.ToUpper(q.Get("agency")),
		Kind:   jobregistry.JobKind(q.Get("kind")),
		State:  jobregistry.JobState(q.Get("state")),
		Limit:  limit,
	})
	if err != nil {
		respondWithError(w, r, apperrors.WrapInternal(r.Context(), err, "failed to list jobs"))
		return
	}
	if records == nil {
		records = []jobregistry.JobRecord{}
	}
	apperrors.WriteJSON(w, http.StatusOK, map[string]any{"jobs": records})
}

// GetJob handles GET /api/v1/jobs/{jobID}.
func (a *API) GetJob(w http.ResponseWriter, r *http.Request) {
	if a.cfg.Jobs == nil {
		respondWithError(w, r, apperrors.NewServiceUnavailable("job registry is not configured"))
		return
	}
	jobID := chi.URLParam(r, "jobID")
	if jobID == ".." || strings.ContainsAny(jobID, `/\`) {
		respondWithError(w, r, apperrors.NewBadRequest("invalid job id", nil))
		return
	}
	rec, err := a.cfg.Jobs.Get(jobID)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			respondWithError(w, r, apperrors.NewNotFound("job not found").WithDetails(map[string]any{"job_id": jobID}))
			return
		}
		respondWithError(w, r, apperrors.WrapInternal(r.Context(), err, "failed to read job"))
		return
	}
	apperrors.WriteJSON(w, http.StatusOK, rec)
}

// RequestsResponse is the body of GET /api/v1/decrypt/requests.
type RequestsResponse struct {
	Stats    decrypt.Stats     `json:"stats"`
	Requests []decrypt.Request `json:"requests"`
}

// ListRequests handles GET /api/v1/decrypt/requests?status=&agency=&limit=.
func (a *API) ListRequests(w http.ResponseWriter, r *http.Request) {
	if a.cfg.Requests == nil {
		respondWithError(w, r, apperrors.NewServiceUnavailable("decrypt requests are not configured"))
		return
	}
	q := r.URL.Query()
	status := decrypt.Status(q.Get("status"))
	if status != "" && !status.Valid() {
		respondWithError(w, r, apperrors.NewBadRequest("invalid status", nil).
			WithDetails(map[string]any{"field": "status", "value": string(status)}))
		return
	}
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	stats, err := a.cfg.Requests.Stats(r.Context(), time.Now())
	if err != nil {
		respondWithError(w, r, apperrors.WrapInternal(r.Context(), err, "failed to read request stats"))
		return
	}
	reqs, err := a.cfg.Requests.List(r.Context(), decrypt.ListFilter{
		Agency: strings.ToUpper(q.Get("agency")),
		Status: status,
		Limit:  limit,
	})
	if err != nil {
		respondWithError(w, r, apperrors.WrapInternal(r.Context(), err, "failed to list decrypt requests"))
		return
	}
	if reqs == nil {
		reqs = []decrypt.Request{}
	}
	apperrors.WriteJSON(w, http.StatusOK, RequestsResponse{Stats: stats, Requests: reqs})
}

func parseLimit(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, apperrors.NewBadRequest("limit must be a non-negative integer", err).
			WithDetails(map[string]any{"field": "limit", "value": s})
	}
	return n, nil
}

func bearerMatches(r *http.Request, token string) bool {
	got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(token)) == 1
}
