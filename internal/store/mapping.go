package store

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"attendance-sync-backend/internal/model"
)

// CreateMapping inserts a mapping after checking the per-device uniqueness
// rules. The unique indexes back the check up under concurrent writers.
func (s *gormStore) CreateMapping(ctx context.Context, m *model.EmployeeMapping) error {
	unlock := s.locks.Lock(m.DeviceID)
	defer unlock()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var conflicts int64
		err := tx.Model(&model.EmployeeMapping{}).
			Where("device_id = ? AND (uid = ? OR user_id = ? OR employee_ref = ?)", m.DeviceID, m.UID, m.UserID, m.EmployeeRef).
			Count(&conflicts).Error
		if err != nil {
			return fmt.Errorf("check mapping uniqueness: %w", err)
		}
		if conflicts > 0 {
			return fmt.Errorf("map employee %s to uid %d on device %s: %w", m.EmployeeRef, m.UID, m.DeviceID, ErrDuplicate)
		}
		if err := tx.Create(m).Error; err != nil {
			return fmt.Errorf("create mapping: %w", translate(err))
		}
		return nil
	})
}

func (s *gormStore) ListMappings(ctx context.Context, deviceID string) ([]model.EmployeeMapping, error) {
	var mappings []model.EmployeeMapping
	if err := s.db.WithContext(ctx).Where("device_id = ?", deviceID).Order("uid").Find(&mappings).Error; err != nil {
		return nil, fmt.Errorf("list mappings of device %s: %w", deviceID, err)
	}
	return mappings, nil
}

func (s *gormStore) FindMappingByUserID(ctx context.Context, deviceID, userID string) (model.EmployeeMapping, error) {
	var m model.EmployeeMapping
	err := s.db.WithContext(ctx).Where("device_id = ? AND user_id = ?", deviceID, userID).First(&m).Error
	if err != nil {
		return model.EmployeeMapping{}, translate(err)
	}
	return m, nil
}

func (s *gormStore) FindMappingByBadge(ctx context.Context, deviceID, badge string) (model.EmployeeMapping, error) {
	var m model.EmployeeMapping
	err := s.db.WithContext(ctx).Where("device_id = ? AND badge_id = ?", deviceID, badge).First(&m).Error
	if err != nil {
		return model.EmployeeMapping{}, translate(err)
	}
	return m, nil
}

func (s *gormStore) FindMappingByEmployee(ctx context.Context, deviceID, employeeRef string) (model.EmployeeMapping, error) {
	var m model.EmployeeMapping
	err := s.db.WithContext(ctx).Where("device_id = ? AND employee_ref = ?", deviceID, employeeRef).First(&m).Error
	if err != nil {
		return model.EmployeeMapping{}, translate(err)
	}
	return m, nil
}

func (s *gormStore) DeleteMappingByUID(ctx context.Context, deviceID string, uid int) error {
	unlock := s.locks.Lock(deviceID)
	defer unlock()

	if err := s.db.WithContext(ctx).Where("device_id = ? AND uid = ?", deviceID, uid).Delete(&model.EmployeeMapping{}).Error; err != nil {
		return fmt.Errorf("delete mapping uid %d on device %s: %w", uid, deviceID, err)
	}
	return nil
}

func (s *gormStore) DeleteMappingsByUserID(ctx context.Context, deviceID string, userIDs []string) (int64, error) {
	if len(userIDs) == 0 {
		return 0, nil
	}
	unlock := s.locks.Lock(deviceID)
	defer unlock()

	res := s.db.WithContext(ctx).Where("device_id = ? AND user_id IN ?", deviceID, userIDs).Delete(&model.EmployeeMapping{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete mappings on device %s: %w", deviceID, res.Error)
	}
	return res.RowsAffected, nil
}
