package model

import "time"

// RawPunch is a punch as reported by a device, before any mapping.
type RawPunch struct {
	DeviceID string
	Variant  Variant
	UID      int
	// UserID is the external user id on LocalProtocol devices and the badge
	// (workno) on CloudApi devices.
	UserID    string
	Code      int
	Status    int
	Timestamp time.Time
}

// Direction is the canonical punch direction.
type Direction string

const (
	ClockIn  Direction = "clock_in"
	ClockOut Direction = "clock_out"
)

// PunchEvent is a punch resolved to an employee, ready for the ledger.
type PunchEvent struct {
	DeviceID    string
	EmployeeRef string
	OccurredAt  time.Time
	Direction   Direction
}
