// Package ledger delivers clock-in and clock-out requests to the attendance
// ledger and resolves external badges through the employee directory.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"attendance-sync-backend/config"
	"attendance-sync-backend/internal/model"
)

// Request is one punch as the ledger expects it.
type Request struct {
	EmployeeRef string    `json:"employee_ref"`
	Date        string    `json:"date"`
	Time        string    `json:"time"`
	Timestamp   time.Time `json:"timestamp"`
	DeviceID    string    `json:"device_id,omitempty"`
}

// RequestFor builds the ledger request of an event.
func RequestFor(ev model.PunchEvent) Request {
	return Request{
		EmployeeRef: ev.EmployeeRef,
		Date:        ev.OccurredAt.Format(model.WatermarkDateLayout),
		Time:        ev.OccurredAt.Format(model.WatermarkTimeLayout),
		Timestamp:   ev.OccurredAt,
		DeviceID:    ev.DeviceID,
	}
}

// Ledger records attendance.
type Ledger interface {
	ClockIn(ctx context.Context, req Request) error
	ClockOut(ctx context.Context, req Request) error
}

// Directory resolves an external id (a cloud badge) to an employee reference.
// Unknown ids are apperr.ErrNotFound.
type Directory interface {
	ResolveEmployee(ctx context.Context, externalID string) (string, error)
}

// New builds the ledger selected by cfg.Transport. The returned close
// function releases broker resources.
func New(cfg config.LedgerConfig, log *slog.Logger) (Ledger, func() error, error) {
	switch cfg.Transport {
	case "http":
		if cfg.URL == "" {
			return nil, nil, fmt.Errorf("ledger.url is required for the http transport")
		}
		return NewHTTPLedger(cfg.URL, cfg.RequestTimeout), func() error { return nil }, nil
	case "amqp":
		if cfg.AMQPURL == "" {
			return nil, nil, fmt.Errorf("ledger.amqp_url is required for the amqp transport")
		}
		l, err := NewAMQPLedger(cfg.AMQPURL, cfg.Exchange, cfg.RequestTimeout, log)
		if err != nil {
			return nil, nil, err
		}
		return l, l.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown ledger transport %q", cfg.Transport)
	}
}
