package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"log/slog"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/veranemoloko/media-downloader/internal/domain"
	errpkg "github.com/veranemoloko/media-downloader/internal/errors"
	"github.com/veranemoloko/media-downloader/internal/validation"
)

// JobServiceI defines the queue operations exposed over HTTP.
type JobServiceI interface {
	Submit(ctx context.Context, req domain.Request) (domain.Job, error)
	Cancel(ctx context.Context, id uuid.UUID) error
	CancelAll(ctx context.Context) (int, error)
	PurgeTerminal(ctx context.Context) (int, error)
	Remove(ctx context.Context, id uuid.UUID) error
	Jobs(ctx context.Context) ([]domain.Job, error)
	Job(ctx context.Context, id uuid.UUID) (domain.Job, error)
	Logs(ctx context.Context) ([]string, error)
	Stats(ctx context.Context) (domain.Stats, error)
}

// HistoryReader lists recent completed downloads.
type HistoryReader interface {
	List(ctx context.Context) ([]domain.HistoryEntry, error)
}

// ReachabilityFunc reports whether the network is usable. Submissions are
// refused while it returns false.
type ReachabilityFunc func(ctx context.Context) bool

// DirLookup returns the last used output directory, or "".
type DirLookup func() string

// HandlerOptions holds the collaborators consulted on submit.
type HandlerOptions struct {
	Reachable        ReachabilityFunc
	LastOutputDir    DirLookup
	DefaultOutputDir string
}

// JobHandler handles HTTP requests for download jobs.
type JobHandler struct {
	jobs    JobServiceI
	history HistoryReader
	opts    HandlerOptions
	logger  *slog.Logger
}

// NewJobHandler creates a new JobHandler.
func NewJobHandler(jobs JobServiceI, history HistoryReader, opts HandlerOptions, logger *slog.Logger) *JobHandler {
	return &JobHandler{
		jobs:    jobs,
		history: history,
		opts:    opts,
		logger:  logger,
	}
}

// Submit handles POST /jobs.
func (h *JobHandler) Submit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req domain.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Error("failed to decode request", "error", err)
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	req = req.WithDefaults()
	if req.OutputDir == "" {
		req.OutputDir = h.outputDir()
	}

	if err := validation.ValidateRequest(req); err != nil {
		h.logger.Warn("validation failed", "error", err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if h.opts.Reachable != nil && !h.opts.Reachable(ctx) {
		h.logger.Warn("submission refused, network unreachable", "url", req.URL)
		writeError(w, http.StatusServiceUnavailable, "network unreachable")
		return
	}

	job, err := h.jobs.Submit(ctx, req)
	if err != nil {
		h.writeServiceError(w, "failed to submit job", uuid.Nil, err)
		return
	}

	h.logger.Info("job submitted", "job_id", job.ID, "status", job.Status)
	writeJSON(w, http.StatusCreated, domain.NewJobResponse(job))
}

func (h *JobHandler) outputDir() string {
	if h.opts.LastOutputDir != nil {
		if dir := h.opts.LastOutputDir(); dir != "" {
			return dir
		}
	}
	return h.opts.DefaultOutputDir
}

// List handles GET /jobs.
func (h *JobHandler) List(w http.ResponseWriter, r *http.Request) {
	status := domain.JobStatus(r.URL.Query().Get("status"))
	if status != "" && !status.IsKnown() {
		writeError(w, http.StatusBadRequest, "invalid status")
		return
	}

	jobs, err := h.jobs.Jobs(r.Context())
	if err != nil {
		h.writeServiceError(w, "failed to list jobs", uuid.Nil, err)
		return
	}

	resp := make([]domain.JobResponse, 0, len(jobs))
	for _, job := range jobs {
		if status != "" && job.Status != status {
			continue
		}
		resp = append(resp, domain.NewJobResponse(job))
	}
	writeJSON(w, http.StatusOK, resp)
}

// Get handles GET /jobs/{jobID}.
func (h *JobHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}

	job, err := h.jobs.Job(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, "failed to get job", id, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.NewJobResponse(job))
}

// Cancel handles POST /jobs/{jobID}/cancel.
func (h *JobHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}

	if err := h.jobs.Cancel(r.Context(), id); err != nil {
		h.writeServiceError(w, "failed to cancel job", id, err)
		return
	}

	job, err := h.jobs.Job(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, "failed to get job", id, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.NewJobResponse(job))
}

// Remove handles DELETE /jobs/{jobID}.
func (h *JobHandler) Remove(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}

	if err := h.jobs.Remove(r.Context(), id); err != nil {
		h.writeServiceError(w, "failed to remove job", id, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CancelAll handles POST /jobs/cancel-all.
func (h *JobHandler) CancelAll(w http.ResponseWriter, r *http.Request) {
	n, err := h.jobs.CancelAll(r.Context())
	if err != nil {
		h.writeServiceError(w, "failed to cancel jobs", uuid.Nil, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cancelled": n})
}

// Purge handles POST /jobs/purge.
func (h *JobHandler) Purge(w http.ResponseWriter, r *http.Request) {
	n, err := h.jobs.PurgeTerminal(r.Context())
	if err != nil {
		h.writeServiceError(w, "failed to purge jobs", uuid.Nil, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

// Logs handles GET /logs. The optional tail query limits the response to
// the newest lines.
func (h *JobHandler) Logs(w http.ResponseWriter, r *http.Request) {
	tail := 0
	if s := r.URL.Query().Get("tail"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid tail")
			return
		}
		tail = n
	}

	lines, err := h.jobs.Logs(r.Context())
	if err != nil {
		h.writeServiceError(w, "failed to read logs", uuid.Nil, err)
		return
	}
	if tail > 0 && tail < len(lines) {
		lines = lines[len(lines)-tail:]
	}
	writeJSON(w, http.StatusOK, map[string][]string{"lines": lines})
}

// History handles GET /history.
func (h *JobHandler) History(w http.ResponseWriter, r *http.Request) {
	entries, err := h.history.List(r.Context())
	if err != nil {
		h.writeServiceError(w, "failed to read history", uuid.Nil, err)
		return
	}
	if entries == nil {
		entries = []domain.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// Stats handles GET /stats.
func (h *JobHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.jobs.Stats(r.Context())
	if err != nil {
		h.writeServiceError(w, "failed to read stats", uuid.Nil, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func jobID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job ID")
		return uuid.Nil, false
	}
	return id, true
}

func (h *JobHandler) writeServiceError(w http.ResponseWriter, msg string, id uuid.UUID, err error) {
	switch {
	case errors.Is(err, errpkg.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, errpkg.ErrJobNotTerminal):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, errpkg.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		h.logger.Warn(msg, "job_id", id, "error", err)
		writeError(w, http.StatusServiceUnavailable, "request cancelled")
	default:
		h.logger.Error(msg, "job_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}
