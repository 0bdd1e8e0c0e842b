package api

import (
	"context"
	"log/slog"
	"time"

	"github.com/SherClockHolmes/webpush-go"

	"attendance-sync-backend/internal/model"
	"attendance-sync-backend/internal/mw"
	"attendance-sync-backend/internal/orchestrator"
	"attendance-sync-backend/internal/store"
)

// Engine is the part of the orchestrator the handlers drive.
type Engine interface {
	Mode(id string) model.Mode

	RegisterDevice(ctx context.Context, in orchestrator.DeviceInput) (model.Device, error)
	UpdateDevice(ctx context.Context, id string, upd store.DeviceUpdate) (model.Device, error)
	DeleteDevice(ctx context.Context, id string) error
	SetActive(ctx context.Context, id string, active bool) (model.Device, error)

	SetSchedule(ctx context.Context, id, duration string) (model.Device, error)
	ClearSchedule(ctx context.Context, id string) (model.Device, error)
	StartLive(ctx context.Context, id string) (model.Device, error)
	StopLive(ctx context.Context, id string) (model.Device, error)

	TestConnectivity(ctx context.Context, id string) error
	RunCycle(ctx context.Context, id string) (orchestrator.CycleReport, error)
	SyncClock(ctx context.Context, id string) (time.Time, error)

	ListDeviceUsers(ctx context.Context, id string) ([]orchestrator.DeviceUser, error)
	EnrollEmployees(ctx context.Context, id string, enrollees []orchestrator.Enrollee) (orchestrator.EnrollReport, error)
	RemoveUser(ctx context.Context, id string, uid int) error
	RemoveUsersByUserID(ctx context.Context, id string, userIDs []string) (orchestrator.RemoveReport, error)
}

// Handler holds shared dependencies for API handlers.
type Handler struct {
	store   store.Store
	engine  Engine
	webpush *webpush.Options
	cache   *mw.DeviceCache
	log     *slog.Logger
}

// NewHandler creates a new API handler. responses caches per-device reads
// and may be nil.
func NewHandler(s store.Store, engine Engine, webpushOptions *webpush.Options, responses *mw.DeviceCache, log *slog.Logger) *Handler {
	return &Handler{
		store:   s,
		engine:  engine,
		webpush: webpushOptions,
		cache:   responses,
		log:     log,
	}
}

// purge drops the cached reads of a device after a write to it.
func (h *Handler) purge(deviceID string) {
	h.cache.Purge(deviceID)
}
