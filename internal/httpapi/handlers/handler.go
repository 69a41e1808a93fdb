package handlers

import (
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/leadgrid/leadgrid/internal/common"
	"github.com/leadgrid/leadgrid/internal/config"
	"github.com/leadgrid/leadgrid/internal/httpapi/middleware"
	"github.com/leadgrid/leadgrid/internal/job"
	"github.com/leadgrid/leadgrid/internal/notify"
	"github.com/leadgrid/leadgrid/internal/table"
)

type Handler struct {
	DB     *gorm.DB
	Cfg    config.Config
	JobSvc *job.Service
	Tables *table.Repo
	Hub    *notify.Hub
}

func NewHandler(db *gorm.DB, cfg config.Config, jobSvc *job.Service, tables *table.Repo, hub *notify.Hub) *Handler {
	return &Handler{DB: db, Cfg: cfg, JobSvc: jobSvc, Tables: tables, Hub: hub}
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

func userIDFromContext(c *gin.Context) (uint64, bool) {
	v, ok := c.Get(middleware.UserIDKey)
	if !ok {
		return 0, false
	}
	id, ok := v.(uint64)
	return id, ok
}
