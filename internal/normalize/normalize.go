// Package normalize turns device punches into ledger events.
package normalize

import (
	"context"
	"fmt"
	"time"

	"attendance-sync-backend/internal/model"
)

// Lookup resolves the device-local identity of a punch to an employee
// reference, or returns apperr.ErrUnmapped.
type Lookup interface {
	Resolve(ctx context.Context, p model.RawPunch) (string, error)
}

// Direction maps a variant's punch code to a direction. Codes outside the
// clock-in sets are clock-outs, including unknown ones.
func Direction(variant model.Variant, code int) model.Direction {
	switch variant {
	case model.VariantLocalProtocol:
		switch code {
		case 0, 3, 4:
			return model.ClockIn
		}
	case model.VariantCloudAPI:
		switch code {
		case 0, 128:
			return model.ClockIn
		}
	}
	return model.ClockOut
}

// Normalize resolves raw and expresses its instant in loc. Terminal clocks
// carry wall time with no zone, which is read as wall time in loc; cloud
// instants are converted.
func Normalize(ctx context.Context, raw model.RawPunch, lookup Lookup, loc *time.Location) (model.PunchEvent, error) {
	ref, err := lookup.Resolve(ctx, raw)
	if err != nil {
		return model.PunchEvent{}, fmt.Errorf("resolve %s user %q on device %s: %w", raw.Variant, raw.UserID, raw.DeviceID, err)
	}

	return model.PunchEvent{
		DeviceID:    raw.DeviceID,
		EmployeeRef: ref,
		OccurredAt:  At(raw, loc),
		Direction:   Direction(raw.Variant, raw.Code),
	}, nil
}

// At returns the instant of raw in loc without resolving its identity.
func At(raw model.RawPunch, loc *time.Location) time.Time {
	if raw.Variant == model.VariantCloudAPI {
		return raw.Timestamp.In(loc)
	}
	t := raw.Timestamp
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, loc)
}
