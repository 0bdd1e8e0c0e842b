// Package device hides the two terminal variants behind one session API.
package device

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"attendance-sync-backend/config"
	"attendance-sync-backend/internal/anviz"
	"attendance-sync-backend/internal/apperr"
	"attendance-sync-backend/internal/model"
	"attendance-sync-backend/internal/zkproto"
)

// Client opens sessions with one device. Callers must Close every session
// they get, on every path.
type Client interface {
	Connect(ctx context.Context) (Session, error)
}

// Session is an open conversation with a device.
type Session interface {
	// FetchEvents returns the punches the device reports. since bounds the
	// query where the variant supports it; callers still filter.
	FetchEvents(ctx context.Context, since model.Watermark) ([]model.RawPunch, error)
	TestConnectivity(ctx context.Context) error
	Close() error
}

// User is a row of a terminal's user table.
type User struct {
	UID       int    `json:"uid"`
	UserID    string `json:"user_id"`
	Name      string `json:"name"`
	Privilege int    `json:"privilege"`
	Card      uint32 `json:"card,omitempty"`
}

// Template identifies one enrolled fingerprint.
type Template struct {
	UID      int `json:"uid"`
	FingerID int `json:"finger_id"`
}

// UserTable is implemented by sessions that can edit the terminal's users.
type UserTable interface {
	EnableDevice(ctx context.Context) error
	DisableDevice(ctx context.Context) error
	ListUsers(ctx context.Context) ([]User, error)
	ListTemplates(ctx context.Context) ([]Template, error)
	EnrollUser(ctx context.Context, uid int, userID, name string) error
	RemoveUser(ctx context.Context, uid int) error
	RemoveUserByUserID(ctx context.Context, userID string) (bool, error)
	RefreshData(ctx context.Context) error
	SetTime(ctx context.Context, t time.Time) error
	// Signal plays a voice prompt.
	Signal(ctx context.Context, voice int) error
}

// LiveCapturer is implemented by sessions that push punches as they happen.
type LiveCapturer interface {
	Capture(ctx context.Context, fn func(model.RawPunch) error) error
}

// Options holds what the factory needs from the configuration.
type Options struct {
	ConnectTimeout time.Duration
	FetchTimeout   time.Duration
	Location       *time.Location

	Password  int
	OmitPing  bool
	KeepAlive time.Duration
	Encoding  string
	// LivePoll bounds each wait for a realtime event.
	LivePoll time.Duration
}

// OptionsFromConfig maps the sync and local_protocol sections.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		ConnectTimeout: cfg.Sync.ConnectTimeout,
		FetchTimeout:   cfg.Sync.FetchTimeout,
		Location:       cfg.Sync.Location,
		Password:       cfg.LocalProtocol.Password,
		OmitPing:       cfg.LocalProtocol.OmitPing,
		KeepAlive:      time.Duration(cfg.LocalProtocol.KeepAliveSeconds) * time.Second,
		Encoding:       cfg.LocalProtocol.Encoding,
		LivePoll:       time.Second,
	}
}

// Factory builds the client matching a device's variant.
type Factory struct {
	opts   Options
	codec  zkproto.TextCodec
	cloud  *anviz.Client
	tokens *anviz.TokenManager
	log    *slog.Logger
	now    func() time.Time
}

func NewFactory(opts Options, cloud *anviz.Client, tokens *anviz.TokenManager, log *slog.Logger) (*Factory, error) {
	codec, err := zkproto.NewTextCodec(opts.Encoding)
	if err != nil {
		return nil, err
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 60 * time.Second
	}
	if opts.LivePoll <= 0 {
		opts.LivePoll = time.Second
	}
	return &Factory{opts: opts, codec: codec, cloud: cloud, tokens: tokens, log: log, now: time.Now}, nil
}

// New returns the client for dev.
func (f *Factory) New(dev model.Device) (Client, error) {
	switch dev.Variant {
	case model.VariantLocalProtocol:
		if dev.MachineIP == "" || dev.Port <= 0 {
			return nil, apperr.Invalid("machine_ip", "device %s has no address", dev.ID)
		}
		return &localClient{dev: dev, opts: f.opts, codec: f.codec, log: f.log}, nil
	case model.VariantCloudAPI:
		if dev.APIURL == "" {
			return nil, apperr.Invalid("api_url", "device %s has no api url", dev.ID)
		}
		if f.cloud == nil || f.tokens == nil {
			return nil, fmt.Errorf("cloud api client is not configured")
		}
		return &cloudClient{dev: dev, api: f.cloud, tokens: f.tokens, loc: f.opts.Location, now: f.now, log: f.log}, nil
	default:
		return nil, apperr.Invalid("variant", "unknown device variant %q", dev.Variant)
	}
}

// ConnectTimeout is the bound applied to connects and connectivity tests.
func (f *Factory) ConnectTimeout() time.Duration { return f.opts.ConnectTimeout }

// FetchTimeout is the bound applied to a bulk fetch.
func (f *Factory) FetchTimeout() time.Duration { return f.opts.FetchTimeout }
