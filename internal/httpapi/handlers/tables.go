package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/leadgrid/leadgrid/internal/common"
	"github.com/leadgrid/leadgrid/internal/table"
)

type createTableReq struct {
	Name string `json:"name" binding:"required"`
}

func (h *Handler) CreateTable(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req createTableReq
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Name) == "" {
		common.Fail(c, http.StatusBadRequest, 10001, "name required")
		return
	}

	id, err := common.NewULID()
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	t := &table.Table{ID: id, UserID: uid, Name: req.Name}
	if err := h.Tables.Create(c.Request.Context(), t); err != nil {
		common.Fail(c, http.StatusInternalServerError, 50002, "failed to create table")
		return
	}

	common.OK(c, gin.H{"table_id": t.ID})
}

func (h *Handler) GetTable(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	t, err := h.Tables.GetByID(c.Request.Context(), c.Param("table_id"))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40403, "table not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	if t.UserID != uid {
		common.Fail(c, http.StatusNotFound, 40403, "table not found")
		return
	}

	common.OK(c, gin.H{"table": t})
}
