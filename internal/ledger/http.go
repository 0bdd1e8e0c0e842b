package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"attendance-sync-backend/internal/apperr"
)

// HTTPLedger posts requests to {base}/clock-in and {base}/clock-out.
type HTTPLedger struct {
	base   string
	client *http.Client
}

func NewHTTPLedger(base string, timeout time.Duration) *HTTPLedger {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPLedger{base: strings.TrimRight(base, "/"), client: &http.Client{Timeout: timeout}}
}

func (l *HTTPLedger) ClockIn(ctx context.Context, req Request) error {
	return l.post(ctx, "/clock-in", req)
}

func (l *HTTPLedger) ClockOut(ctx context.Context, req Request) error {
	return l.post(ctx, "/clock-out", req)
}

func (l *HTTPLedger) post(ctx context.Context, path string, body Request) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal ledger request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.base+path, bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return fmt.Errorf("ledger %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("ledger %s: received status code %d: %s", path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

// HTTPDirectory resolves badges with GET {base}/employees/resolve.
type HTTPDirectory struct {
	base   string
	client *http.Client
}

func NewHTTPDirectory(base string, timeout time.Duration) *HTTPDirectory {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPDirectory{base: strings.TrimRight(base, "/"), client: &http.Client{Timeout: timeout}}
}

func (d *HTTPDirectory) ResolveEmployee(ctx context.Context, externalID string) (string, error) {
	u := d.base + "/employees/resolve?" + url.Values{"external_id": {externalID}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("directory lookup: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return "", fmt.Errorf("employee with external id %q: %w", externalID, apperr.ErrNotFound)
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("directory lookup: received status code %d", resp.StatusCode)
	}

	var out struct {
		EmployeeRef string `json:"employee_ref"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode directory response: %w", err)
	}
	if out.EmployeeRef == "" {
		return "", fmt.Errorf("employee with external id %q: %w", externalID, apperr.ErrNotFound)
	}
	return out.EmployeeRef, nil
}
