package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"attendance-sync-backend/internal/apperr"
	"attendance-sync-backend/internal/model"
)

// Store defines the device registry: devices, their acquisition mode and
// watermark, cloud tokens and employee mappings.
type Store interface {
	DB() *gorm.DB

	GetDevice(ctx context.Context, id string) (model.Device, error)
	ListDevices(ctx context.Context, filter DeviceFilter) ([]model.Device, error)
	ListActiveDevices(ctx context.Context) ([]model.Device, error)
	ListScheduledDevices(ctx context.Context) ([]model.Device, error)
	CreateDevice(ctx context.Context, d *model.Device) error
	UpdateDevice(ctx context.Context, id string, upd DeviceUpdate) (model.Device, error)
	SetMode(ctx context.Context, id string, mode model.Mode, duration string) (model.Device, error)
	AdvanceWatermark(ctx context.Context, id string, wm model.Watermark) error
	SetActive(ctx context.Context, id string, active bool) (model.Device, error)
	DeleteDevice(ctx context.Context, id string) error
	ResetLiveFlags(ctx context.Context) (int64, error)
	SetToken(ctx context.Context, id, token string, expires *time.Time) error

	CreateMapping(ctx context.Context, m *model.EmployeeMapping) error
	ListMappings(ctx context.Context, deviceID string) ([]model.EmployeeMapping, error)
	FindMappingByUserID(ctx context.Context, deviceID, userID string) (model.EmployeeMapping, error)
	FindMappingByBadge(ctx context.Context, deviceID, badge string) (model.EmployeeMapping, error)
	FindMappingByEmployee(ctx context.Context, deviceID, employeeRef string) (model.EmployeeMapping, error)
	DeleteMappingByUID(ctx context.Context, deviceID string, uid int) error
	DeleteMappingsByUserID(ctx context.Context, deviceID string, userIDs []string) (int64, error)
}

// DeviceFilter narrows ListDevices. Zero values match everything.
type DeviceFilter struct {
	Variant model.Variant
	Active  *bool
	Search  string
}

// DeviceUpdate carries editable device fields. Nil fields are left unchanged.
type DeviceUpdate struct {
	Name      *string
	MachineIP *string
	Port      *int
	APIURL    *string
	APIKey    *string
	APISecret *string
}

// gormStore implements the Store interface using GORM.
type gormStore struct {
	db    *gorm.DB
	locks *keyedMutex
}

// NewGormStore creates a new GORM-backed store.
func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db: db, locks: newKeyedMutex()}
}

func (s *gormStore) DB() *gorm.DB { return s.db }

func (s *gormStore) GetDevice(ctx context.Context, id string) (model.Device, error) {
	var d model.Device
	if err := s.db.WithContext(ctx).First(&d, "id = ?", id).Error; err != nil {
		return model.Device{}, fmt.Errorf("get device %s: %w", id, translate(err))
	}
	return d, nil
}

func (s *gormStore) ListDevices(ctx context.Context, filter DeviceFilter) ([]model.Device, error) {
	q := s.db.WithContext(ctx).Model(&model.Device{})
	if filter.Variant != "" {
		q = q.Where("variant = ?", filter.Variant)
	}
	if filter.Active != nil {
		q = q.Where("is_active = ?", *filter.Active)
	}
	if search := strings.TrimSpace(filter.Search); search != "" {
		like := "%" + strings.ToLower(search) + "%"
		q = q.Where("LOWER(name) LIKE ? OR machine_ip LIKE ?", like, like)
	}

	var devices []model.Device
	if err := q.Order("created_at DESC").Find(&devices).Error; err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	return devices, nil
}

func (s *gormStore) ListActiveDevices(ctx context.Context) ([]model.Device, error) {
	active := true
	return s.ListDevices(ctx, DeviceFilter{Active: &active})
}

// ListScheduledDevices returns active devices whose scheduler flag is set.
func (s *gormStore) ListScheduledDevices(ctx context.Context) ([]model.Device, error) {
	var devices []model.Device
	err := s.db.WithContext(ctx).
		Where("is_active = ? AND is_scheduler = ?", true, true).
		Find(&devices).Error
	if err != nil {
		return nil, fmt.Errorf("list scheduled devices: %w", err)
	}
	return devices, nil
}

func (s *gormStore) CreateDevice(ctx context.Context, d *model.Device) error {
	if err := s.db.WithContext(ctx).Create(d).Error; err != nil {
		return fmt.Errorf("create device: %w", translate(err))
	}
	return nil
}

func (s *gormStore) UpdateDevice(ctx context.Context, id string, upd DeviceUpdate) (model.Device, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	var out model.Device
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&out, "id = ?", id).Error; err != nil {
			return translate(err)
		}

		changes := map[string]any{}
		if upd.Name != nil {
			changes["name"] = *upd.Name
		}
		if upd.MachineIP != nil {
			changes["machine_ip"] = *upd.MachineIP
		}
		if upd.Port != nil {
			changes["port"] = *upd.Port
		}
		if upd.APIURL != nil {
			changes["api_url"] = *upd.APIURL
		}
		if upd.APIKey != nil {
			changes["api_key"] = *upd.APIKey
		}
		if upd.APISecret != nil {
			changes["api_secret"] = *upd.APISecret
		}
		// New credentials invalidate the cached token.
		if upd.APIKey != nil || upd.APISecret != nil || upd.APIURL != nil {
			changes["api_token"] = ""
			changes["api_token_expires"] = nil
		}
		if len(changes) == 0 {
			return nil
		}
		if err := tx.Model(&out).Updates(changes).Error; err != nil {
			return err
		}
		return tx.First(&out, "id = ?", id).Error
	})
	if err != nil {
		return model.Device{}, fmt.Errorf("update device %s: %w", id, err)
	}
	return out, nil
}

// SetMode atomically switches the device's acquisition mode. Entering one
// mode clears the other flag; ModeIdle clears both.
func (s *gormStore) SetMode(ctx context.Context, id string, mode model.Mode, duration string) (model.Device, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	var out model.Device
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&out, "id = ?", id).Error; err != nil {
			return translate(err)
		}
		if !out.IsActive && mode != model.ModeIdle {
			return apperr.Invalid("device", "device %s is archived", id)
		}

		changes := map[string]any{}
		switch mode {
		case model.ModeIdle:
			changes["is_scheduler"] = false
			changes["is_live"] = false
		case model.ModeScheduled:
			changes["is_scheduler"] = true
			changes["is_live"] = false
			changes["scheduler_duration"] = duration
		case model.ModeLiveCapture:
			changes["is_scheduler"] = false
			changes["is_live"] = true
		default:
			return apperr.Invalid("mode", "unknown mode %q", mode)
		}

		if err := tx.Model(&out).Updates(changes).Error; err != nil {
			return err
		}
		return tx.First(&out, "id = ?", id).Error
	})
	if err != nil {
		return model.Device{}, fmt.Errorf("set mode %s on device %s: %w", mode, id, err)
	}
	return out, nil
}

// AdvanceWatermark stores wm if it is not earlier than the stored watermark.
// An equal watermark is a no-op.
func (s *gormStore) AdvanceWatermark(ctx context.Context, id string, wm model.Watermark) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var d model.Device
		if err := tx.Select("id", "last_fetch_date", "last_fetch_time").First(&d, "id = ?", id).Error; err != nil {
			return fmt.Errorf("advance watermark on device %s: %w", id, translate(err))
		}

		current := d.Watermark()
		if wm.Before(current) {
			return fmt.Errorf("advance watermark on device %s from %s to %s: %w", id, current, wm, ErrWatermarkRegression)
		}
		if wm == current {
			return nil
		}

		return tx.Model(&model.Device{}).Where("id = ?", id).Updates(map[string]any{
			"last_fetch_date": wm.Date,
			"last_fetch_time": wm.Time,
		}).Error
	})
}

// SetActive archives or restores a device. Archiving forces it idle.
func (s *gormStore) SetActive(ctx context.Context, id string, active bool) (model.Device, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	var out model.Device
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&out, "id = ?", id).Error; err != nil {
			return translate(err)
		}
		changes := map[string]any{"is_active": active}
		if !active {
			changes["is_scheduler"] = false
			changes["is_live"] = false
		}
		if err := tx.Model(&out).Updates(changes).Error; err != nil {
			return err
		}
		return tx.First(&out, "id = ?", id).Error
	})
	if err != nil {
		return model.Device{}, fmt.Errorf("set active=%t on device %s: %w", active, id, err)
	}
	return out, nil
}

// DeleteDevice removes the device and its mappings. When it was the last
// device of its variant, mappings left behind by earlier deletes of that
// variant are purged as well.
func (s *gormStore) DeleteDevice(ctx context.Context, id string) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var d model.Device
		if err := tx.First(&d, "id = ?", id).Error; err != nil {
			return fmt.Errorf("delete device %s: %w", id, translate(err))
		}
		if err := tx.Where("device_id = ?", id).Delete(&model.EmployeeMapping{}).Error; err != nil {
			return fmt.Errorf("delete mappings of device %s: %w", id, err)
		}
		if err := tx.Exec("DELETE FROM subscription_device_mapping WHERE device_id = ?", id).Error; err != nil {
			return fmt.Errorf("delete subscriptions of device %s: %w", id, err)
		}
		if err := tx.Delete(&model.Device{}, "id = ?", id).Error; err != nil {
			return fmt.Errorf("delete device %s: %w", id, err)
		}

		var remaining int64
		if err := tx.Model(&model.Device{}).Where("variant = ?", d.Variant).Count(&remaining).Error; err != nil {
			return err
		}
		if remaining == 0 {
			orphans := tx.Model(&model.Device{}).Select("id")
			if err := tx.Where("device_id NOT IN (?)", orphans).Delete(&model.EmployeeMapping{}).Error; err != nil {
				return fmt.Errorf("purge orphan mappings: %w", err)
			}
		}
		return nil
	})
}

// ResetLiveFlags clears is_live on every device. Run once at startup: no live
// worker survives a restart.
func (s *gormStore) ResetLiveFlags(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Model(&model.Device{}).
		Where("is_live = ?", true).
		Update("is_live", false)
	if res.Error != nil {
		return 0, fmt.Errorf("reset live flags: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *gormStore) SetToken(ctx context.Context, id, token string, expires *time.Time) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	res := s.db.WithContext(ctx).Model(&model.Device{}).Where("id = ?", id).Updates(map[string]any{
		"api_token":         token,
		"api_token_expires": expires,
	})
	if res.Error != nil {
		return fmt.Errorf("set token on device %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("set token on device %s: %w", id, apperr.ErrNotFound)
	}
	return nil
}
