// Package storetest opens isolated in-memory SQLite registries for tests.
package storetest

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"attendance-sync-backend/internal/db"
	"attendance-sync-backend/internal/model"
)

// NewDB returns a migrated in-memory database private to the calling test.
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	gormDB, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	sqlDB, err := gormDB.DB()
	require.NoError(t, err)
	// One connection keeps the shared-cache database alive and serializes writers.
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, db.Migrate(gormDB))
	return gormDB
}

// LocalDevice inserts an active LocalProtocol device.
func LocalDevice(t testing.TB, gormDB *gorm.DB, mutate ...func(*model.Device)) model.Device {
	t.Helper()
	d := model.Device{
		ID:        uuid.NewString(),
		Name:      "Front gate",
		Variant:   model.VariantLocalProtocol,
		MachineIP: "127.0.0.1",
		Port:      4370,
		IsActive:  true,
	}
	for _, m := range mutate {
		m(&d)
	}
	require.NoError(t, gormDB.Create(&d).Error)
	return d
}

// CloudDevice inserts an active CloudApi device.
func CloudDevice(t testing.TB, gormDB *gorm.DB, apiURL string, mutate ...func(*model.Device)) model.Device {
	t.Helper()
	d := model.Device{
		ID:        uuid.NewString(),
		Name:      "HQ cloud",
		Variant:   model.VariantCloudAPI,
		APIURL:    apiURL,
		APIKey:    "key",
		APISecret: "secret",
		IsActive:  true,
	}
	for _, m := range mutate {
		m(&d)
	}
	require.NoError(t, gormDB.Create(&d).Error)
	return d
}
