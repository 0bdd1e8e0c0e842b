package anviz

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"attendance-sync-backend/internal/apperr"
)

// Options configures the HTTP side of the client.
type Options struct {
	Timeout        time.Duration
	PerPage        int
	RequestsPerSec float64
	HTTPProxy      string
}

// Client posts envelopes to tenant endpoints. One Client serves every cloud
// device; requests are paced by a shared limiter.
type Client struct {
	http    *http.Client
	limiter *rate.Limiter
	perPage int
	log     *slog.Logger
	now     func() time.Time
}

// NewClient creates a client. An invalid proxy URL is logged and ignored.
func NewClient(opts Options, log *slog.Logger) *Client {
	var transport http.RoundTripper = http.DefaultTransport
	if opts.HTTPProxy != "" {
		proxyURL, err := url.Parse(opts.HTTPProxy)
		if err != nil {
			log.Warn("invalid cloud api proxy; requests will not use a proxy", "proxy", opts.HTTPProxy, "error", err)
		} else {
			transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
		}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.PerPage <= 0 {
		opts.PerPage = 100
	}
	limit := rate.Inf
	if opts.RequestsPerSec > 0 {
		limit = rate.Limit(opts.RequestsPerSec)
	}

	return &Client{
		http:    &http.Client{Transport: transport, Timeout: opts.Timeout},
		limiter: rate.NewLimiter(limit, 1),
		perPage: opts.PerPage,
		log:     log,
		now:     time.Now,
	}
}

// TokenSource hands out the current token for one tenant and replaces it
// when the API reports it expired.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// RequestToken exchanges the tenant's key and secret for a token.
func (c *Client) RequestToken(ctx context.Context, endpoint, key, secret string) (TokenResponse, error) {
	req := Request{
		Header:  newHeader("authorize.token", "token", c.now()),
		Payload: tokenPayload{APIKey: key, APISecret: secret},
	}
	resp, err := c.post(ctx, endpoint, req)
	if err != nil {
		return TokenResponse{}, err
	}
	if exc, ok := resp.Exception(); ok {
		return TokenResponse{}, &apperr.AuthError{Reason: exc.Type + ": " + exc.Message}
	}

	var tok TokenResponse
	if err := json.Unmarshal(resp.Payload, &tok); err != nil {
		return TokenResponse{}, fmt.Errorf("decode token payload: %w", err)
	}
	if tok.Token == "" {
		return TokenResponse{}, &apperr.AuthError{Reason: "token response carried no token"}
	}
	return tok, nil
}

// FetchRecords reads every punch between begin and end, oldest first. A
// TOKEN_EXPIRES reply refreshes the token once and retries the same page; a
// second expiry for that page is an AuthError.
func (c *Client) FetchRecords(ctx context.Context, endpoint string, tokens TokenSource, begin, end time.Time) ([]Record, error) {
	token, err := tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	var all []Record
	pageCount := 1
	for page := 1; page <= pageCount; page++ {
		var (
			rp        RecordPage
			refreshed bool
		)
		for {
			resp, err := c.post(ctx, endpoint, c.recordRequest(token, begin, end, page))
			if err != nil {
				return nil, fmt.Errorf("fetch page %d: %w", page, err)
			}
			if resp.TokenExpired() {
				if refreshed {
					return nil, &apperr.AuthError{Reason: "token still expired after refresh"}
				}
				refreshed = true
				if token, err = tokens.Refresh(ctx); err != nil {
					return nil, err
				}
				continue
			}
			if exc, ok := resp.Exception(); ok {
				return nil, fmt.Errorf("fetch page %d: anviz exception %s: %s", page, exc.Type, exc.Message)
			}
			if err := json.Unmarshal(resp.Payload, &rp); err != nil {
				return nil, fmt.Errorf("decode page %d: %w", page, err)
			}
			break
		}

		if page == 1 {
			pageCount = rp.PageCount
		}
		all = append(all, rp.List...)
		c.log.Debug("fetched cloud record page", "page", page, "pages", pageCount, "records", len(all))
	}
	return all, nil
}

func (c *Client) recordRequest(token string, begin, end time.Time, page int) Request {
	return Request{
		Header:    newHeader("attendance.record", "getrecord", c.now()),
		Authorize: &Authorize{Type: "token", Token: token},
		Payload: recordQuery{
			BeginTime: begin.UTC().Format(TimeLayout),
			EndTime:   end.UTC().Format(TimeLayout),
			Order:     "asc",
			Page:      strconv.Itoa(page),
			PerPage:   strconv.Itoa(c.perPage),
		},
	}
}

// post sends one envelope. Transport failures and non-2xx statuses are
// ConnectionErrors.
func (c *Client) post(ctx context.Context, endpoint string, body Request) (Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return Response{}, err
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return Response{}, fmt.Errorf("failed to marshal request payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(jsonBody))
	if err != nil {
		return Response{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	op := body.Header.NameSpace + "/" + body.Header.NameAction
	resp, err := c.http.Do(req)
	if err != nil {
		return Response{}, apperr.Connection(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Response{}, apperr.Connection(op, fmt.Errorf("received status code %d", resp.StatusCode))
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, apperr.Connection(op, fmt.Errorf("failed to read response body: %w", err))
	}
	var out Response
	if err := json.Unmarshal(raw, &out); err != nil {
		return Response{}, fmt.Errorf("failed to unmarshal %s response: %w", op, err)
	}
	return out, nil
}
