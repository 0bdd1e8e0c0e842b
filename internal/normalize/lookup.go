package normalize

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"

	"attendance-sync-backend/internal/apperr"
	"attendance-sync-backend/internal/model"
)

// MappingReader is the part of the registry the lookup needs.
type MappingReader interface {
	FindMappingByUserID(ctx context.Context, deviceID, userID string) (model.EmployeeMapping, error)
	FindMappingByBadge(ctx context.Context, deviceID, badge string) (model.EmployeeMapping, error)
}

// Directory resolves an external badge to an employee reference. It returns
// apperr.ErrNotFound for unknown badges.
type Directory interface {
	ResolveEmployee(ctx context.Context, externalID string) (string, error)
}

// StoreLookup resolves identities through the registry's mappings, falling
// back to the directory for cloud badges. Hits are cached per device.
type StoreLookup struct {
	mappings  MappingReader
	directory Directory
	cache     *cache.Cache
}

// NewStoreLookup creates a lookup. directory may be nil.
func NewStoreLookup(mappings MappingReader, directory Directory, ttl time.Duration) *StoreLookup {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &StoreLookup{
		mappings:  mappings,
		directory: directory,
		cache:     cache.New(ttl, 2*ttl),
	}
}

func cacheKey(p model.RawPunch) string {
	return p.DeviceID + "|" + string(p.Variant) + "|" + p.UserID
}

func (l *StoreLookup) Resolve(ctx context.Context, p model.RawPunch) (string, error) {
	key := cacheKey(p)
	if ref, found := l.cache.Get(key); found {
		return ref.(string), nil
	}

	ref, err := l.resolve(ctx, p)
	if err != nil {
		return "", err
	}
	l.cache.SetDefault(key, ref)
	return ref, nil
}

func (l *StoreLookup) resolve(ctx context.Context, p model.RawPunch) (string, error) {
	if p.UserID == "" {
		return "", apperr.ErrUnmapped
	}

	switch p.Variant {
	case model.VariantLocalProtocol:
		m, err := l.mappings.FindMappingByUserID(ctx, p.DeviceID, p.UserID)
		if errors.Is(err, apperr.ErrNotFound) {
			return "", apperr.ErrUnmapped
		}
		if err != nil {
			return "", err
		}
		return m.EmployeeRef, nil

	case model.VariantCloudAPI:
		m, err := l.mappings.FindMappingByBadge(ctx, p.DeviceID, p.UserID)
		if err == nil {
			return m.EmployeeRef, nil
		}
		if !errors.Is(err, apperr.ErrNotFound) {
			return "", err
		}
		if l.directory == nil {
			return "", apperr.ErrUnmapped
		}
		ref, err := l.directory.ResolveEmployee(ctx, p.UserID)
		if errors.Is(err, apperr.ErrNotFound) {
			return "", apperr.ErrUnmapped
		}
		if err != nil {
			return "", fmt.Errorf("directory: %w", err)
		}
		return ref, nil
	}
	return "", apperr.ErrUnmapped
}

// Invalidate drops every cached identity of a device. Called after its
// mappings change.
func (l *StoreLookup) Invalidate(deviceID string) {
	prefix := deviceID + "|"
	for key := range l.cache.Items() {
		if strings.HasPrefix(key, prefix) {
			l.cache.Delete(key)
		}
	}
}
