package handlers

import (
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/leadgrid/leadgrid/internal/common"
	"github.com/leadgrid/leadgrid/internal/job"
	"github.com/leadgrid/leadgrid/internal/table"
)

func (h *Handler) CreateJob(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req job.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	j, err := h.JobSvc.Create(c.Request.Context(), uid, req)
	if err != nil {
		switch {
		case errors.Is(err, job.ErrInvalidPayload):
			common.Fail(c, http.StatusBadRequest, 10002, "invalid job payload")
		case errors.Is(err, job.ErrAdmissionDenied):
			common.Fail(c, http.StatusTooManyRequests, 42901, "too many active jobs")
		case errors.Is(err, table.ErrTableBusy):
			common.Fail(c, http.StatusConflict, 40901, "table is already being processed")
		case errors.Is(err, gorm.ErrRecordNotFound):
			common.Fail(c, http.StatusNotFound, 40401, "table not found")
		default:
			log.Printf("[CreateJob] failed uid=%d table=%s err=%v", uid, req.TableID, err)
			common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		}
		return
	}

	common.OK(c, gin.H{"job_id": j.ID})
}

func (h *Handler) GetJob(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	jobID := c.Param("job_id")
	if jobID == "" {
		common.Fail(c, http.StatusBadRequest, 10003, "job_id required")
		return
	}

	j, err := h.JobSvc.GetInfo(c.Request.Context(), uid, jobID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// hide existence
			common.Fail(c, http.StatusNotFound, 40402, "job not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	processed, total, pct := j.Progress()
	common.OK(c, gin.H{
		"job": gin.H{
			"id":       j.ID,
			"type":     j.Type,
			"table_id": j.TableID,
			"status":   j.Status,
			"progress": gin.H{
				"processed":  processed,
				"failed":     j.Failed,
				"total":      total,
				"percentage": pct,
			},
			"last_error":   j.LastError,
			"created_at":   j.CreatedAt,
			"started_at":   j.StartedAt,
			"completed_at": j.CompletedAt,
		},
	})
}

func (h *Handler) CancelJob(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	jobID := c.Param("job_id")
	if jobID == "" {
		common.Fail(c, http.StatusBadRequest, 10003, "job_id required")
		return
	}

	cancelled, err := h.JobSvc.Cancel(c.Request.Context(), uid, jobID)
	if err != nil {
		log.Printf("[CancelJob] failed uid=%d job=%s err=%v", uid, jobID, err)
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	if cancelled {
		h.Hub.Publish(c.Request.Context(), uid, job.Event{
			Type:   job.EventCancelled,
			JobID:  jobID,
			UserID: uid,
		})
	}
	common.OK(c, gin.H{"cancelled": cancelled})
}
