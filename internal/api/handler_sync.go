package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type scheduleRequest struct {
	SchedulerDuration string `json:"scheduler_duration" binding:"required,hhmm"`
}

// PutSchedule handles PUT /api/devices/:id/schedule.
func (h *Handler) PutSchedule(c *gin.Context) {
	var req scheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	d, err := h.engine.SetSchedule(c.Request.Context(), c.Param("id"), req.SchedulerDuration)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.present(d))
}

// DeleteSchedule handles DELETE /api/devices/:id/schedule.
func (h *Handler) DeleteSchedule(c *gin.Context) {
	d, err := h.engine.ClearSchedule(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.present(d))
}

// PutLive handles PUT /api/devices/:id/live.
func (h *Handler) PutLive(c *gin.Context) {
	d, err := h.engine.StartLive(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.present(d))
}

// DeleteLive handles DELETE /api/devices/:id/live.
func (h *Handler) DeleteLive(c *gin.Context) {
	d, err := h.engine.StopLive(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.present(d))
}

// TestConnectivity handles POST /api/devices/:id/test.
func (h *Handler) TestConnectivity(c *gin.Context) {
	if err := h.engine.TestConnectivity(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reachable": true})
}

// Fetch handles POST /api/devices/:id/fetch.
func (h *Handler) Fetch(c *gin.Context) {
	report, err := h.engine.RunCycle(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// SyncClock handles POST /api/devices/:id/clock.
func (h *Handler) SyncClock(c *gin.Context) {
	at, err := h.engine.SyncClock(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"device_time": at.Format("2006-01-02 15:04:05")})
}
