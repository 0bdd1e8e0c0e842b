package model

import (
	"fmt"
	"time"
)

const (
	WatermarkDateLayout = "2006-01-02"
	WatermarkTimeLayout = "15:04:05"
)

// Watermark is the (date, time) of the last punch processed for a device,
// expressed as wall clock in the deployment timezone.
type Watermark struct {
	Date string
	Time string
}

// WatermarkAt builds a watermark from t's wall clock.
func WatermarkAt(t time.Time) Watermark {
	return Watermark{Date: t.Format(WatermarkDateLayout), Time: t.Format(WatermarkTimeLayout)}
}

func (w Watermark) IsZero() bool { return w.Date == "" }

// Before reports whether w is strictly earlier than o. A zero watermark is
// earlier than any set one.
func (w Watermark) Before(o Watermark) bool {
	if w.Date != o.Date {
		return w.Date < o.Date
	}
	return w.Time < o.Time
}

// Admits reports whether a punch at t passes the fetch filter: its date is
// not before the watermark date and its clock time is strictly after the
// watermark time. The time check applies on later dates too, so a next-day
// punch earlier in the day than the watermark is not admitted.
func (w Watermark) Admits(t time.Time) bool {
	if w.IsZero() {
		return true
	}
	return t.Format(WatermarkDateLayout) >= w.Date && t.Format(WatermarkTimeLayout) > w.Time
}

// In converts the watermark to an instant in loc.
func (w Watermark) In(loc *time.Location) (time.Time, error) {
	if w.IsZero() {
		return time.Time{}, nil
	}
	timePart := w.Time
	if timePart == "" {
		timePart = "00:00:00"
	}
	t, err := time.ParseInLocation(WatermarkDateLayout+" "+WatermarkTimeLayout, w.Date+" "+timePart, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse watermark %q %q: %w", w.Date, w.Time, err)
	}
	return t, nil
}

func (w Watermark) String() string {
	if w.IsZero() {
		return "none"
	}
	return w.Date + " " + w.Time
}
