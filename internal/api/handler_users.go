package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"attendance-sync-backend/internal/apperr"
	"attendance-sync-backend/internal/orchestrator"
)

// ListDeviceUsers handles GET /api/devices/:id/users.
func (h *Handler) ListDeviceUsers(c *gin.Context) {
	users, err := h.engine.ListDeviceUsers(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, users)
}

type enrollee struct {
	EmployeeRef string `json:"employee_ref" binding:"required,max=64"`
	Name        string `json:"name" binding:"max=24"`
	BadgeID     string `json:"badge_id" binding:"max=64"`
}

type enrollRequest struct {
	Employees []enrollee `json:"employees" binding:"required,min=1,max=500,dive"`
}

// EnrollEmployees handles POST /api/devices/:id/users.
func (h *Handler) EnrollEmployees(c *gin.Context) {
	var req enrollRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	enrollees := make([]orchestrator.Enrollee, 0, len(req.Employees))
	for _, e := range req.Employees {
		enrollees = append(enrollees, orchestrator.Enrollee{
			EmployeeRef: strings.TrimSpace(e.EmployeeRef),
			Name:        strings.TrimSpace(e.Name),
			BadgeID:     strings.TrimSpace(e.BadgeID),
		})
	}

	id := c.Param("id")
	report, err := h.engine.EnrollEmployees(c.Request.Context(), id, enrollees)
	h.purge(id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// RemoveUser handles DELETE /api/devices/:id/users/:uid.
func (h *Handler) RemoveUser(c *gin.Context) {
	uid, err := strconv.Atoi(c.Param("uid"))
	if err != nil || uid <= 0 {
		h.fail(c, apperr.Invalid("uid", "must be a positive integer"))
		return
	}

	id := c.Param("id")
	if err := h.engine.RemoveUser(c.Request.Context(), id, uid); err != nil {
		h.fail(c, err)
		return
	}
	h.purge(id)
	c.Status(http.StatusNoContent)
}

type removeUsersRequest struct {
	UserIDs []string `json:"user_ids" binding:"required,min=1,max=500,dive,required,max=24"`
}

// RemoveUsers handles POST /api/devices/:id/users/remove.
func (h *Handler) RemoveUsers(c *gin.Context) {
	var req removeUsersRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	id := c.Param("id")
	report, err := h.engine.RemoveUsersByUserID(c.Request.Context(), id, req.UserIDs)
	h.purge(id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}
