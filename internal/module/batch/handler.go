package batch

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/uniedit/batchgen/internal/module/credits"
	apperrors "github.com/uniedit/batchgen/internal/utils/errors"
	"github.com/uniedit/batchgen/internal/utils/middleware"
)

const streamKeepAlive = 15 * time.Second

// Handler handles HTTP requests for batch jobs.
type Handler struct {
	service *Service
}

// NewHandler creates a new batch handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes registers the batch routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	jobs := r.Group("/batch/jobs")
	{
		jobs.POST("", h.CreateJob)
		jobs.GET("", h.ListJobs)
		jobs.GET("/:id", h.GetJob)
		jobs.DELETE("/:id", h.DeleteJob)
		jobs.POST("/:id/start", h.StartJob)
		jobs.POST("/:id/cancel", h.CancelJob)
		jobs.GET("/:id/items", h.ListItems)
		jobs.GET("/:id/events", h.StreamEvents)
	}
}

// CreateJob creates a pending job.
func (h *Handler) CreateJob(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	var req CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.Validation("invalid request body"))
		return
	}

	job, err := h.service.CreateJob(c.Request.Context(), userID, &CreateJobInput{
		Name:     req.Name,
		ModelKey: req.ModelID,
		Prompts:  req.Prompts,
		Settings: req.Settings,
	})
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toJobResponse(job, nil))
}

// StartJob starts a pending job.
func (h *Handler) StartJob(c *gin.Context) {
	userID, jobID, ok := jobParams(c)
	if !ok {
		return
	}

	job, err := h.service.StartJob(c.Request.Context(), userID, jobID)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, toJobResponse(job, nil))
}

// GetJob returns a job with its item summary.
func (h *Handler) GetJob(c *gin.Context) {
	userID, jobID, ok := jobParams(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	job, err := h.service.GetJob(ctx, userID, jobID)
	if err != nil {
		handleError(c, err)
		return
	}
	items, err := h.service.ListItems(ctx, userID, jobID)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, toJobResponse(job, items))
}

// ListJobs lists the caller's jobs.
func (h *Handler) ListJobs(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	var q ListJobsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, apperrors.Validation("invalid query parameters"))
		return
	}

	jobs, total, err := h.service.ListJobs(c.Request.Context(), userID, JobStatus(q.Status), q.Limit, q.Offset)
	if err != nil {
		handleError(c, err)
		return
	}

	out := make([]*JobResponse, len(jobs))
	for i, job := range jobs {
		out[i] = toJobResponse(job, nil)
	}
	limit := q.Limit
	if limit <= 0 || limit > maxPageSize {
		limit = defaultPageSize
	}
	c.JSON(http.StatusOK, ListJobsResponse{Jobs: out, Total: total, Limit: limit, Offset: q.Offset})
}

// CancelJob requests cancellation.
func (h *Handler) CancelJob(c *gin.Context) {
	userID, jobID, ok := jobParams(c)
	if !ok {
		return
	}

	job, err := h.service.CancelJob(c.Request.Context(), userID, jobID)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, toJobResponse(job, nil))
}

// DeleteJob deletes a terminal job.
func (h *Handler) DeleteJob(c *gin.Context) {
	userID, jobID, ok := jobParams(c)
	if !ok {
		return
	}

	if err := h.service.DeleteJob(c.Request.Context(), userID, jobID); err != nil {
		handleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListItems returns a job's items in sequence order.
func (h *Handler) ListItems(c *gin.Context) {
	userID, jobID, ok := jobParams(c)
	if !ok {
		return
	}

	items, err := h.service.ListItems(c.Request.Context(), userID, jobID)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, ListItemsResponse{Items: items})
}

// StreamEvents streams progress snapshots as server-sent events until the
// job reaches a terminal status or the client goes away.
func (h *Handler) StreamEvents(c *gin.Context) {
	userID, jobID, ok := jobParams(c)
	if !ok {
		return
	}

	job, err := h.service.GetJob(c.Request.Context(), userID, jobID)
	if err != nil {
		handleError(c, err)
		return
	}

	updates, unsubscribe := h.service.Progress().Subscribe(jobID)
	defer unsubscribe()

	current := progressOf(job)
	c.SSEvent("progress", current)
	c.Writer.Flush()
	if current.Status.IsTerminal() {
		return
	}

	keepAlive := time.NewTicker(streamKeepAlive)
	defer keepAlive.Stop()

	done := c.Request.Context().Done()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-done:
			return false
		case <-keepAlive.C:
			c.SSEvent("ping", time.Now().Unix())
			return true
		case ev, open := <-updates:
			if !open {
				return false
			}
			if ev.settled() < current.settled() {
				return true
			}
			current = ev
			c.SSEvent("progress", ev)
			return !ev.Status.IsTerminal()
		}
	})
}

func requireUser(c *gin.Context) (uuid.UUID, bool) {
	userID := middleware.GetUserID(c)
	if userID == uuid.Nil {
		respondError(c, apperrors.Unauthorized("unauthorized"))
		return uuid.Nil, false
	}
	return userID, true
}

func jobParams(c *gin.Context) (uuid.UUID, uuid.UUID, bool) {
	userID, ok := requireUser(c)
	if !ok {
		return uuid.Nil, uuid.Nil, false
	}
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, apperrors.NotFound("batch job"))
		return uuid.Nil, uuid.Nil, false
	}
	return userID, jobID, true
}

func handleError(c *gin.Context, err error) {
	var validation *ValidationError
	var state *InvalidStateError
	switch {
	case errors.As(err, &validation):
		appErr := apperrors.Validation(validation.Error())
		if validation.Field != "" {
			appErr = appErr.WithDetails(map[string]any{"field": validation.Field})
		}
		respondError(c, appErr)
	case errors.As(err, &state):
		respondError(c, apperrors.InvalidState(state.Error()).WithDetails(map[string]any{
			"status": state.From,
		}))
	case errors.Is(err, ErrJobNotFound):
		respondError(c, apperrors.NotFound("batch job"))
	case errors.Is(err, credits.ErrInsufficientCredits):
		respondError(c, apperrors.InsufficientCredits(""))
	default:
		respondError(c, apperrors.From(err))
	}
}

func respondError(c *gin.Context, err *apperrors.AppError) {
	c.JSON(err.StatusCode, err.ToResponse())
}
