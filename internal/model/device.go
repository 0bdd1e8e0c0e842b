package model

import "time"

// Variant tags how a device is reached.
type Variant string

const (
	VariantLocalProtocol Variant = "local_protocol"
	VariantCloudAPI      Variant = "cloud_api"
)

// Valid reports whether v is a known variant.
func (v Variant) Valid() bool {
	return v == VariantLocalProtocol || v == VariantCloudAPI
}

// Mode is the acquisition mode derived from the is_scheduler/is_live flags.
type Mode string

const (
	ModeIdle        Mode = "idle"
	ModeScheduled   Mode = "scheduled"
	ModeLiveCapture Mode = "live"
)

// Device is a registered biometric terminal or cloud tenant.
type Device struct {
	ID      string  `gorm:"primaryKey;size:36" json:"id"`
	Name    string  `gorm:"size:128;not null" json:"name"`
	Variant Variant `gorm:"size:32;not null;index" json:"variant"`

	// LocalProtocol endpoint.
	MachineIP string `gorm:"size:64" json:"machine_ip,omitempty"`
	Port      int    `json:"port,omitempty"`

	// CloudApi endpoint and credentials.
	APIURL          string     `gorm:"size:512" json:"api_url,omitempty"`
	APIKey          string     `gorm:"size:256" json:"-"`
	APISecret       string     `gorm:"size:256" json:"-"`
	APIToken        string     `gorm:"size:512" json:"-"`
	APITokenExpires *time.Time `json:"-"`

	IsActive          bool   `gorm:"not null;default:true;index" json:"is_active"`
	IsScheduler       bool   `gorm:"not null;default:false" json:"is_scheduler"`
	IsLive            bool   `gorm:"not null;default:false" json:"is_live"`
	SchedulerDuration string `gorm:"size:5" json:"scheduler_duration,omitempty"`

	LastFetchDate string `gorm:"size:10" json:"last_fetch_date,omitempty"`
	LastFetchTime string `gorm:"size:8" json:"last_fetch_time,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Mappings []EmployeeMapping `gorm:"foreignKey:DeviceID;constraint:OnDelete:CASCADE" json:"-"`
}

// Mode returns the current acquisition mode.
func (d Device) Mode() Mode {
	switch {
	case d.IsLive:
		return ModeLiveCapture
	case d.IsScheduler:
		return ModeScheduled
	default:
		return ModeIdle
	}
}

// Watermark returns the stored high-water mark, zero when never fetched.
func (d Device) Watermark() Watermark {
	return Watermark{Date: d.LastFetchDate, Time: d.LastFetchTime}
}
