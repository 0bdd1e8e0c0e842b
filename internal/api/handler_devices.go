package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"attendance-sync-backend/internal/model"
	"attendance-sync-backend/internal/orchestrator"
	"attendance-sync-backend/internal/store"
)

// deviceResponse adds the running worker to the stored device.
type deviceResponse struct {
	model.Device
	Mode   model.Mode `json:"mode"`
	Worker model.Mode `json:"worker"`
}

func (h *Handler) present(d model.Device) deviceResponse {
	return deviceResponse{Device: d, Mode: d.Mode(), Worker: h.engine.Mode(d.ID)}
}

type listDevicesQuery struct {
	Variant string `form:"variant" binding:"omitempty,oneof=local_protocol cloud_api"`
	Active  *bool  `form:"active"`
	Search  string `form:"search" binding:"max=64"`
}

// ListDevices handles GET /api/devices.
func (h *Handler) ListDevices(c *gin.Context) {
	var q listDevicesQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		badRequest(c, err)
		return
	}

	devices, err := h.store.ListDevices(c.Request.Context(), store.DeviceFilter{
		Variant: model.Variant(q.Variant),
		Active:  q.Active,
		Search:  q.Search,
	})
	if err != nil {
		h.fail(c, err)
		return
	}

	out := make([]deviceResponse, 0, len(devices))
	for _, d := range devices {
		out = append(out, h.present(d))
	}
	c.JSON(http.StatusOK, out)
}

// GetDevice handles GET /api/devices/:id.
func (h *Handler) GetDevice(c *gin.Context) {
	d, err := h.store.GetDevice(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.present(d))
}

type createDeviceRequest struct {
	Name      string `json:"name" binding:"required,max=128"`
	Variant   string `json:"variant" binding:"required,oneof=local_protocol cloud_api"`
	MachineIP string `json:"machine_ip" binding:"required_if=Variant local_protocol,max=64"`
	Port      int    `json:"port" binding:"required_if=Variant local_protocol,max=65535"`
	APIURL    string `json:"api_url" binding:"required_if=Variant cloud_api,max=512"`
	APIKey    string `json:"api_key" binding:"required_if=Variant cloud_api,max=256"`
	APISecret string `json:"api_secret" binding:"required_if=Variant cloud_api,max=256"`
}

// CreateDevice handles POST /api/devices.
func (h *Handler) CreateDevice(c *gin.Context) {
	var req createDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	d, err := h.engine.RegisterDevice(c.Request.Context(), orchestrator.DeviceInput{
		Name:      req.Name,
		Variant:   model.Variant(req.Variant),
		MachineIP: req.MachineIP,
		Port:      req.Port,
		APIURL:    req.APIURL,
		APIKey:    req.APIKey,
		APISecret: req.APISecret,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, h.present(d))
}

type updateDeviceRequest struct {
	Name      *string `json:"name" binding:"omitempty,min=1,max=128"`
	MachineIP *string `json:"machine_ip" binding:"omitempty,min=1,max=64"`
	Port      *int    `json:"port" binding:"omitempty,min=1,max=65535"`
	APIURL    *string `json:"api_url" binding:"omitempty,url,max=512"`
	APIKey    *string `json:"api_key" binding:"omitempty,min=1,max=256"`
	APISecret *string `json:"api_secret" binding:"omitempty,min=1,max=256"`
}

// UpdateDevice handles PATCH /api/devices/:id.
func (h *Handler) UpdateDevice(c *gin.Context) {
	var req updateDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	d, err := h.engine.UpdateDevice(c.Request.Context(), c.Param("id"), store.DeviceUpdate{
		Name:      req.Name,
		MachineIP: req.MachineIP,
		Port:      req.Port,
		APIURL:    req.APIURL,
		APIKey:    req.APIKey,
		APISecret: req.APISecret,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.present(d))
}

// DeleteDevice handles DELETE /api/devices/:id.
func (h *Handler) DeleteDevice(c *gin.Context) {
	id := c.Param("id")
	if err := h.engine.DeleteDevice(c.Request.Context(), id); err != nil {
		h.fail(c, err)
		return
	}
	h.purge(id)
	c.Status(http.StatusNoContent)
}

// ArchiveDevice handles POST /api/devices/:id/archive.
func (h *Handler) ArchiveDevice(c *gin.Context) {
	h.setActive(c, false)
}

// UnarchiveDevice handles POST /api/devices/:id/unarchive.
func (h *Handler) UnarchiveDevice(c *gin.Context) {
	h.setActive(c, true)
}

func (h *Handler) setActive(c *gin.Context, active bool) {
	d, err := h.engine.SetActive(c.Request.Context(), c.Param("id"), active)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.present(d))
}

// ListMappings handles GET /api/devices/:id/mappings.
func (h *Handler) ListMappings(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	if _, err := h.store.GetDevice(ctx, id); err != nil {
		h.fail(c, err)
		return
	}
	mappings, err := h.store.ListMappings(ctx, id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, mappings)
}
