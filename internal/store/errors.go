package store

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"attendance-sync-backend/internal/apperr"
)

var (
	// ErrWatermarkRegression is returned when a caller tries to move a
	// watermark backwards.
	ErrWatermarkRegression = errors.New("watermark would move backwards")

	// ErrDuplicate is returned when a mapping collides with an existing one
	// on (device, uid), (device, user_id) or (device, employee).
	ErrDuplicate = errors.New("mapping already exists")
)

const pgUniqueViolation = "23505"

// translate maps driver errors onto the registry's error set.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.ErrNotFound
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicate
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return ErrDuplicate
	}
	return err
}
