package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"fleetdiag/internal/domain"
	"fleetdiag/internal/metrics"
	"fleetdiag/internal/usecase"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// JobHandler serves the job and schedule endpoints.
type JobHandler struct {
	jobs             *usecase.JobService
	schedules        *usecase.ScheduleService
	defaultBatchSize int
	logger           *slog.Logger
	validate         *validator.Validate
	tracer           trace.Tracer
}

// NewJobHandler creates a JobHandler and initializes the validator with the
// custom cron tag.
func NewJobHandler(jobs *usecase.JobService, schedules *usecase.ScheduleService, defaultBatchSize int, logger *slog.Logger) *JobHandler {
	validate := validator.New()

	_ = validate.RegisterValidation("cron", func(fl validator.FieldLevel) bool {
		parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
		_, err := parser.Parse(fl.Field().String())
		return err == nil
	})

	return &JobHandler{
		jobs:             jobs,
		schedules:        schedules,
		defaultBatchSize: defaultBatchSize,
		logger:           logger.With("component", "job-handler"),
		validate:         validate,
		tracer:           otel.Tracer("fleetdiag-api"),
	}
}

// instrumentedResponseWriter captures the status code for metrics and spans.
type instrumentedResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *instrumentedResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// RegisterRoutes registers the job and schedule routes on mux.
func (h *JobHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("/jobs/", h.instrument("/jobs", http.HandlerFunc(h.handleJobs)))
	mux.Handle("/schedules/", h.instrument("/schedules", http.HandlerFunc(h.handleSchedules)))
}

// instrument wraps a handler with a request span and the request counter.
func (h *JobHandler) instrument(base string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := base + "/"
		if rest := strings.TrimPrefix(r.URL.Path, path); rest != "" {
			path = base + "/{id}"
		}

		ctx, span := h.tracer.Start(r.Context(), "HTTP "+r.Method+" "+path, trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.Path),
		))
		defer span.End()

		r = r.WithContext(ctx)
		iw := &instrumentedResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(iw, r)

		metrics.HttpRequestsTotal.WithLabelValues(path, r.Method, strconv.Itoa(iw.statusCode)).Inc()

		span.SetAttributes(attribute.Int("http.status_code", iw.statusCode))
		if iw.statusCode >= 500 {
			span.SetStatus(codes.Error, "Server Error")
		}
	})
}

// handleJobs dispatches requests under /jobs/.
// e.g. /jobs/{id}/stop -> ["jobs", "{id}", "stop"]
func (h *JobHandler) handleJobs(w http.ResponseWriter, r *http.Request) {
	pathParts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(pathParts) < 1 || pathParts[0] != "jobs" {
		http.NotFound(w, r)
		return
	}

	var jobID, action string
	if len(pathParts) > 1 {
		jobID = pathParts[1]
	}
	if len(pathParts) > 2 {
		action = pathParts[2]
	}

	switch r.Method {
	case http.MethodGet:
		switch {
		case jobID != "" && action == "history":
			h.handleGetHistory(w, r, jobID)
		case jobID != "" && action == "":
			h.handleGetJob(w, r, jobID)
		default:
			http.NotFound(w, r)
		}
	case http.MethodPost:
		switch {
		case jobID == "" && action == "":
			h.handleCreateJob(w, r)
		case jobID != "" && action == "stop":
			h.handleStopJob(w, r, jobID)
		default:
			http.NotFound(w, r)
		}
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleCreateJob starts a new run (POST /jobs/).
func (h *JobHandler) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "handler.CreateJob")
	defer span.End()

	var req CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		span.SetStatus(codes.Error, "Failed to decode request body")
		span.RecordError(err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.validate.Struct(req); err != nil {
		span.SetStatus(codes.Error, "Validation failed")
		span.RecordError(err)
		h.writeValidationErrors(w, err)
		return
	}

	job, err := h.jobs.Submit(ctx, req.ToDomainJob(h.defaultBatchSize))
	if err != nil {
		span.SetStatus(codes.Error, "Failed to submit job")
		span.RecordError(err)
		h.logger.Error("error submitting job", "error", err)
		switch {
		case errors.Is(err, domain.ErrDeviceNotFound),
			errors.Is(err, domain.ErrNoDevices),
			errors.Is(err, domain.ErrNoCommands),
			errors.Is(err, domain.ErrDuplicateDevice),
			errors.Is(err, domain.ErrNegativeBatchSize),
			errors.Is(err, domain.ErrNegativeRate):
			http.Error(w, err.Error(), http.StatusBadRequest)
		default:
			http.Error(w, "Internal server error", http.StatusInternalServerError)
		}
		return
	}
	span.SetAttributes(attribute.String("job.id", job.ID))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(CreateJobResponse{
		JobID:        job.ID,
		Status:       "started",
		TotalDevices: len(job.DeviceIDs),
		BatchSize:    job.EffectiveBatchSize(),
		TotalBatches: job.TotalBatches(),
	})
}

// handleGetJob returns the live progress snapshot (GET /jobs/{id}).
func (h *JobHandler) handleGetJob(w http.ResponseWriter, r *http.Request, jobID string) {
	ctx, span := h.tracer.Start(r.Context(), "handler.GetJob")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", jobID))

	snap, err := h.jobs.Snapshot(ctx, jobID)
	if err != nil {
		span.SetStatus(codes.Error, "Failed to snapshot job")
		span.RecordError(err)
		h.logger.Warn("error snapshotting job", "job_id", jobID, "error", err)
		if errors.Is(err, domain.ErrJobNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
		} else {
			http.Error(w, "Internal server error", http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ToSnapshotResponse(snap))
}

// handleStopJob sets the cancellation flag (POST /jobs/{id}/stop).
func (h *JobHandler) handleStopJob(w http.ResponseWriter, r *http.Request, jobID string) {
	ctx, span := h.tracer.Start(r.Context(), "handler.StopJob")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", jobID))

	if err := h.jobs.Stop(ctx, jobID); err != nil {
		span.SetStatus(codes.Error, "Failed to stop job")
		span.RecordError(err)
		h.logger.Warn("error stopping job", "job_id", jobID, "error", err)
		if errors.Is(err, domain.ErrJobNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
		} else {
			http.Error(w, "Internal server error", http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(StopJobResponse{JobID: jobID, StopRequested: true})
}

// handleGetHistory lists persisted device results (GET /jobs/{id}/history).
func (h *JobHandler) handleGetHistory(w http.ResponseWriter, r *http.Request, jobID string) {
	ctx, span := h.tracer.Start(r.Context(), "handler.GetJobHistory")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", jobID))

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("pageSize"))
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}
	span.SetAttributes(attribute.Int("page", page), attribute.Int("page_size", pageSize))

	results, err := h.jobs.History(ctx, jobID, page, pageSize)
	if err != nil {
		span.SetStatus(codes.Error, "Failed to list job history")
		span.RecordError(err)
		h.logger.Error("error listing job history", "job_id", jobID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(results)
}

// handleSchedules dispatches requests under /schedules/.
func (h *JobHandler) handleSchedules(w http.ResponseWriter, r *http.Request) {
	pathParts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(pathParts) < 1 || pathParts[0] != "schedules" {
		http.NotFound(w, r)
		return
	}

	var scheduleID string
	if len(pathParts) > 1 {
		scheduleID = pathParts[1]
	}

	switch r.Method {
	case http.MethodGet:
		h.handleListSchedules(w, r)
	case http.MethodPost, http.MethodPut:
		h.handleSaveSchedule(w, r)
	case http.MethodDelete:
		if scheduleID == "" {
			http.Error(w, "Schedule id is required for deletion", http.StatusBadRequest)
			return
		}
		h.handleDeleteSchedule(w, r, scheduleID)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *JobHandler) handleSaveSchedule(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "handler.SaveSchedule")
	defer span.End()

	var req SaveScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		span.SetStatus(codes.Error, "Failed to decode request body")
		span.RecordError(err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.validate.Struct(req); err != nil {
		span.SetStatus(codes.Error, "Validation failed")
		span.RecordError(err)
		h.writeValidationErrors(w, err)
		return
	}

	schedule := req.ToDomainSchedule()
	if err := h.schedules.Save(ctx, schedule); err != nil {
		span.SetStatus(codes.Error, "Failed to save schedule")
		span.RecordError(err)
		h.logger.Error("error saving schedule", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	span.SetAttributes(attribute.String("schedule.id", schedule.ID))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(schedule)
}

func (h *JobHandler) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "handler.ListSchedules")
	defer span.End()

	schedules, err := h.schedules.List(ctx)
	if err != nil {
		span.SetStatus(codes.Error, "Failed to list schedules")
		span.RecordError(err)
		h.logger.Error("error listing schedules", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(schedules)
}

func (h *JobHandler) handleDeleteSchedule(w http.ResponseWriter, r *http.Request, id string) {
	ctx, span := h.tracer.Start(r.Context(), "handler.DeleteSchedule")
	defer span.End()
	span.SetAttributes(attribute.String("schedule.id", id))

	if err := h.schedules.Delete(ctx, id); err != nil {
		span.SetStatus(codes.Error, "Failed to delete schedule")
		span.RecordError(err)
		h.logger.Error("error deleting schedule", "schedule_id", id, "error", err)
		http.Error(w, "Internal server error or schedule not found", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *JobHandler) writeValidationErrors(w http.ResponseWriter, err error) {
	var validationErrors []string
	var fieldErrors validator.ValidationErrors
	if errors.As(err, &fieldErrors) {
		for _, fieldErr := range fieldErrors {
			validationErrors = append(validationErrors,
				"Field '"+fieldErr.Field()+"' failed on the '"+fieldErr.Tag()+"' tag.",
			)
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error":   "Validation failed",
		"details": validationErrors,
	})
}
