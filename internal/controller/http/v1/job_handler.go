package v1

import (
	"clipqueue/internal/domain/entity"
	"clipqueue/internal/domain/usecase"
	"context"
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
)

type JobUseCase interface {
	GetJob(ctx context.Context, jobID string) (*usecase.JobView, error)
	ProcessorStatus(ctx context.Context) (*entity.ProcessorStatus, error)
}

type BatchUseCase interface {
	GetBatchStatus(ctx context.Context, batchID string) (*entity.BatchView, error)
}

type JobHandler struct {
	Jobs    JobUseCase
	Batches BatchUseCase
}

func NewJobHandler(jobs JobUseCase, batches BatchUseCase) *JobHandler {
	return &JobHandler{Jobs: jobs, Batches: batches}
}

// Register mounts the read-only routes on r.
func (h *JobHandler) Register(r gin.IRouter) {
	v1Group := r.Group("/api/v1")
	{
		v1Group.GET("/jobs/:job_id", h.GetJob)
		v1Group.GET("/batches/:batch_id", h.GetBatch)
		v1Group.GET("/processor/status", h.GetProcessorStatus)
	}
}

func (h *JobHandler) GetJob(c *gin.Context) {
	jobID := c.Param("job_id")
	job, err := h.Jobs.GetJob(c.Request.Context(), jobID)
	if errors.Is(err, entity.ErrJobNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	if err != nil {
		log.Printf("get job %s: %v", jobID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load job"})
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *JobHandler) GetBatch(c *gin.Context) {
	batchID := c.Param("batch_id")
	batch, err := h.Batches.GetBatchStatus(c.Request.Context(), batchID)
	if errors.Is(err, entity.ErrBatchNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "batch not found"})
		return
	}
	if err != nil {
		log.Printf("get batch %s: %v", batchID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load batch"})
		return
	}
	c.JSON(http.StatusOK, batch)
}

func (h *JobHandler) GetProcessorStatus(c *gin.Context) {
	status, err := h.Jobs.ProcessorStatus(c.Request.Context())
	if err != nil {
		log.Printf("processor status: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load processor status"})
		return
	}
	c.JSON(http.StatusOK, status)
}

func Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
