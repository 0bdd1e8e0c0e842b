package device

import (
	"context"
	"log/slog"
	"time"

	"attendance-sync-backend/internal/anviz"
	"attendance-sync-backend/internal/model"
)

type cloudClient struct {
	dev    model.Device
	api    *anviz.Client
	tokens *anviz.TokenManager
	loc    *time.Location
	now    func() time.Time
	log    *slog.Logger
}

// Connect opens nothing: the cloud API is stateless HTTP.
func (c *cloudClient) Connect(context.Context) (Session, error) {
	return &cloudSession{cloudClient: c}, nil
}

type cloudSession struct {
	*cloudClient
}

// window returns the query bounds: from the watermark (wall clock in the
// deployment timezone) or from today's UTC midnight, to now.
func (s *cloudSession) window(since model.Watermark) (time.Time, time.Time, error) {
	end := s.now().UTC()
	if since.IsZero() {
		return time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, time.UTC), end, nil
	}
	begin, err := since.In(s.loc)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return begin.UTC(), end, nil
}

func (s *cloudSession) FetchEvents(ctx context.Context, since model.Watermark) ([]model.RawPunch, error) {
	begin, end, err := s.window(since)
	if err != nil {
		return nil, err
	}
	records, err := s.api.FetchRecords(ctx, s.dev.APIURL, s.tokens.Source(s.dev), begin, end)
	if err != nil {
		return nil, err
	}

	out := make([]model.RawPunch, 0, len(records))
	for _, r := range records {
		ts, err := anviz.ParseTime(r.CheckTime)
		if err != nil {
			s.log.Warn("skipping cloud record with unreadable checktime", "device_id", s.dev.ID, "checktime", r.CheckTime, "error", err)
			continue
		}
		out = append(out, model.RawPunch{
			DeviceID:  s.dev.ID,
			Variant:   model.VariantCloudAPI,
			UserID:    string(r.Employee.Workno),
			Code:      r.CheckType,
			Timestamp: ts,
		})
	}
	return out, nil
}

// TestConnectivity performs a token round-trip. The token obtained is thrown
// away: the device keeps the one it has until the tenant expires it.
func (s *cloudSession) TestConnectivity(ctx context.Context) error {
	_, err := s.api.RequestToken(ctx, s.dev.APIURL, s.dev.APIKey, s.dev.APISecret)
	return err
}

func (s *cloudSession) Close() error { return nil }
