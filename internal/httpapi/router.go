package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/leadgrid/leadgrid/internal/common"
	"github.com/leadgrid/leadgrid/internal/config"
	"github.com/leadgrid/leadgrid/internal/httpapi/handlers"
	"github.com/leadgrid/leadgrid/internal/httpapi/middleware"
	"github.com/leadgrid/leadgrid/internal/job"
	"github.com/leadgrid/leadgrid/internal/notify"
	"github.com/leadgrid/leadgrid/internal/table"
)

func NewRouter(db *gorm.DB, cfg config.Config, jobSvc *job.Service, tables *table.Repo, hub *notify.Hub) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery())

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.Use(middleware.RequestID())

	h := handlers.NewHandler(db, cfg, jobSvc, tables, hub)

	r.GET("/ping", h.Ping)

	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(cfg.JWTSecret))

	authGroup.POST("/tables", h.CreateTable)
	authGroup.GET("/tables/:table_id", h.GetTable)

	authGroup.POST("/jobs", h.CreateJob)
	authGroup.GET("/jobs/:job_id", h.GetJob)
	authGroup.POST("/jobs/:job_id/cancel", h.CancelJob)

	// live progress channel
	authGroup.GET("/ws", h.Notifications)

	return r
}
