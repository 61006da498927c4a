package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/EternisAI/silo-dispatch/internal/api/http/dto"
	"github.com/EternisAI/silo-dispatch/internal/console"
	"github.com/EternisAI/silo-dispatch/internal/jobs"
	"github.com/gin-gonic/gin"
)

type JobsHandler struct {
	scheduler *jobs.Scheduler
	console   *console.Store
}

func NewJobsHandler(scheduler *jobs.Scheduler, consoleStore *console.Store) *JobsHandler {
	return &JobsHandler{
		scheduler: scheduler,
		console:   consoleStore,
	}
}

// ListJobs returns active and scheduled jobs; ?all=true adds finished ones.
func (h *JobsHandler) ListJobs(c *gin.Context) {
	all, _ := strconv.ParseBool(c.DefaultQuery("all", "false"))
	list := h.scheduler.List(all)
	c.JSON(http.StatusOK, dto.JobsResponse{
		Jobs:  jobResponses(list),
		Count: len(list),
	})
}

func (h *JobsHandler) ScheduleJob(c *gin.Context) {
	var req dto.ScheduleJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job, err := h.scheduler.Schedule(c.Request.Context(), jobs.ScheduleRequest{
		PipelineName:         req.PipelineName,
		PipelineCounter:      req.PipelineCounter,
		StageName:            req.StageName,
		StageCounter:         req.StageCounter,
		JobName:              req.JobName,
		Resources:            req.Resources,
		Environment:          req.Environment,
		ElasticProfileID:     req.ElasticProfileID,
		Commands:             req.Commands,
		EnvironmentVariables: req.EnvironmentVariables,
	})
	switch {
	case err == nil:
		c.JSON(http.StatusCreated, jobResponse(*job))
	case errors.Is(err, jobs.ErrInvalidJob):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, jobs.ErrJobAlreadyScheduled):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		slog.Error("Failed to schedule job", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to schedule job"})
	}
}

func (h *JobsHandler) CancelJob(c *gin.Context) {
	buildID, ok := buildIDParam(c)
	if !ok {
		return
	}

	job, err := h.scheduler.Cancel(c.Request.Context(), buildID)
	switch {
	case err == nil:
		slog.Info("Job cancelled by admin", "build_id", buildID, "by", c.GetString("username"))
		c.JSON(http.StatusOK, jobResponse(*job))
	case errors.Is(err, jobs.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, jobs.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		slog.Error("Failed to cancel job", "build_id", buildID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to cancel job"})
	}
}

// Console returns the build's console from line ?from= onwards.
func (h *JobsHandler) Console(c *gin.Context) {
	buildID, ok := buildIDParam(c)
	if !ok {
		return
	}
	from, err := strconv.ParseInt(c.DefaultQuery("from", "0"), 10, 64)
	if err != nil || from < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "from must be a non-negative integer"})
		return
	}

	if _, err := h.scheduler.Get(buildID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, dto.ConsoleResponse{
		BuildID: buildID,
		From:    from,
		NextSeq: h.console.NextSeq(buildID),
		Lines:   h.console.Lines(buildID, from),
	})
}

func buildIDParam(c *gin.Context) (int64, bool) {
	buildID, err := strconv.ParseInt(c.Param("build_id"), 10, 64)
	if err != nil || buildID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid build id"})
		return 0, false
	}
	return buildID, true
}

func jobResponses(list []jobs.Job) []dto.JobResponse {
	responses := make([]dto.JobResponse, len(list))
	for i, j := range list {
		responses[i] = jobResponse(j)
	}
	return responses
}

func jobResponse(j jobs.Job) dto.JobResponse {
	resp := dto.JobResponse{
		BuildID:          j.ID.BuildID,
		BuildLocator:     j.ID.BuildLocator(),
		PipelineName:     j.ID.PipelineName,
		PipelineCounter:  j.ID.PipelineCounter,
		StageName:        j.ID.StageName,
		StageCounter:     j.ID.StageCounter,
		JobName:          j.ID.JobName,
		State:            string(j.State),
		Result:           string(j.Result),
		AgentUUID:        j.AgentUUID,
		Resources:        j.Resources,
		Environment:      j.Environment,
		ElasticProfileID: j.ElasticProfileID,
		ScheduledAt:      j.ScheduledAt,
		UpdatedAt:        j.UpdatedAt,
	}
	if !j.AssignedAt.IsZero() {
		assigned := j.AssignedAt
		resp.AssignedAt = &assigned
	}
	return resp
}
