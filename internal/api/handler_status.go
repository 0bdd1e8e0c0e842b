package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"attendance-sync-backend/internal/model"
	"attendance-sync-backend/internal/store"
)

// deviceStatusResponse is the flattened acquisition state of a device.
type deviceStatusResponse struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"`
	Variant           string     `json:"variant"`
	IsActive          bool       `json:"is_active"`
	Mode              model.Mode `json:"mode"`
	Worker            model.Mode `json:"worker"`
	SchedulerDuration string     `json:"scheduler_duration,omitempty"`
	LastFetchDate     string     `json:"last_fetch_date,omitempty"`
	LastFetchTime     string     `json:"last_fetch_time,omitempty"`
	Mappings          int        `json:"mappings"`
}

// GetDeviceStatus handles GET /api/devices/:id/status. Worker differs from
// Mode while a worker is being armed or after it gave up on the device.
func GetDeviceStatus(s store.Store, engine Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		d, err := s.GetDevice(ctx, c.Param("id"))
		if err != nil {
			c.AbortWithStatusJSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}

		mappings, err := s.ListMappings(ctx, d.ID)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve mappings"})
			return
		}

		c.JSON(http.StatusOK, deviceStatusResponse{
			ID:                d.ID,
			Name:              d.Name,
			Variant:           string(d.Variant),
			IsActive:          d.IsActive,
			Mode:              d.Mode(),
			Worker:            engine.Mode(d.ID),
			SchedulerDuration: d.SchedulerDuration,
			LastFetchDate:     d.LastFetchDate,
			LastFetchTime:     d.LastFetchTime,
			Mappings:          len(mappings),
		})
	}
}
