package model

import "time"

// EmployeeMapping links a device-local identity to an employee in the ledger.
// LocalProtocol devices identify users by slot (UID) and UserID; CloudApi
// devices by BadgeID.
type EmployeeMapping struct {
	ID          int64     `gorm:"primaryKey" json:"id"`
	DeviceID    string    `gorm:"size:36;not null;uniqueIndex:idx_mapping_device_uid;uniqueIndex:idx_mapping_device_user;uniqueIndex:idx_mapping_device_employee" json:"device_id"`
	UID         int       `gorm:"not null;uniqueIndex:idx_mapping_device_uid" json:"uid"`
	UserID      string    `gorm:"size:24;not null;uniqueIndex:idx_mapping_device_user" json:"user_id"`
	BadgeID     string    `gorm:"size:64;index" json:"badge_id,omitempty"`
	EmployeeRef string    `gorm:"size:64;not null;uniqueIndex:idx_mapping_device_employee" json:"employee_ref"`
	DisplayName string    `gorm:"size:128" json:"display_name,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
