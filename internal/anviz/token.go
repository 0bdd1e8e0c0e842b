package anviz

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"attendance-sync-backend/internal/metrics"
	"attendance-sync-backend/internal/model"
)

// TokenStore persists a tenant's token on its device row.
type TokenStore interface {
	SetToken(ctx context.Context, id, token string, expires *time.Time) error
}

// TokenManager caches one token per cloud device. Tokens are only replaced
// when the API rejects them; the stored expiry is informational.
type TokenManager struct {
	client *Client
	store  TokenStore
	log    *slog.Logger

	group  singleflight.Group
	mu     sync.RWMutex
	tokens map[string]string
}

func NewTokenManager(client *Client, store TokenStore, log *slog.Logger) *TokenManager {
	return &TokenManager{
		client: client,
		store:  store,
		log:    log,
		tokens: make(map[string]string),
	}
}

// Token returns the cached token, falling back to the one stored on the
// device and acquiring a new one only when neither exists.
func (m *TokenManager) Token(ctx context.Context, dev model.Device) (string, error) {
	m.mu.RLock()
	tok, ok := m.tokens[dev.ID]
	m.mu.RUnlock()
	if ok {
		return tok, nil
	}
	if dev.APIToken != "" {
		m.mu.Lock()
		m.tokens[dev.ID] = dev.APIToken
		m.mu.Unlock()
		return dev.APIToken, nil
	}
	return m.Refresh(ctx, dev)
}

// Refresh acquires and persists a new token. Concurrent refreshes for the
// same device share one request.
func (m *TokenManager) Refresh(ctx context.Context, dev model.Device) (string, error) {
	v, err, shared := m.group.Do(dev.ID, func() (any, error) {
		resp, err := m.client.RequestToken(ctx, dev.APIURL, dev.APIKey, dev.APISecret)
		if err != nil {
			metrics.TokenRefreshes.WithLabelValues("error").Inc()
			return "", fmt.Errorf("refresh token for device %s: %w", dev.ID, err)
		}
		metrics.TokenRefreshes.WithLabelValues("ok").Inc()

		if err := m.store.SetToken(ctx, dev.ID, resp.Token, resp.ExpiresAt()); err != nil {
			m.log.Warn("failed to persist cloud api token", "device_id", dev.ID, "error", err)
		}
		m.mu.Lock()
		m.tokens[dev.ID] = resp.Token
		m.mu.Unlock()
		return resp.Token, nil
	})
	if err != nil {
		return "", err
	}
	if shared {
		m.log.Debug("joined in-flight token refresh", "device_id", dev.ID)
	}
	return v.(string), nil
}

// Forget drops the cached token, e.g. after the credentials changed.
func (m *TokenManager) Forget(deviceID string) {
	m.mu.Lock()
	delete(m.tokens, deviceID)
	m.mu.Unlock()
}

// Source binds the manager to one device for Client.FetchRecords.
func (m *TokenManager) Source(dev model.Device) TokenSource {
	return deviceTokens{m: m, dev: dev}
}

type deviceTokens struct {
	m   *TokenManager
	dev model.Device
}

func (d deviceTokens) Token(ctx context.Context) (string, error)   { return d.m.Token(ctx, d.dev) }
func (d deviceTokens) Refresh(ctx context.Context) (string, error) { return d.m.Refresh(ctx, d.dev) }
