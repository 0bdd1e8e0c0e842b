package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"time"

	"attendance-sync-backend/internal/apperr"
	"attendance-sync-backend/internal/model"
	"attendance-sync-backend/internal/zkproto"
)

type localClient struct {
	dev   model.Device
	opts  Options
	codec zkproto.TextCodec
	log   *slog.Logger
}

func (c *localClient) address() string {
	return net.JoinHostPort(c.dev.MachineIP, strconv.Itoa(c.dev.Port))
}

func (c *localClient) Connect(ctx context.Context) (Session, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	conn, err := zkproto.Dial(ctx, zkproto.Options{
		Address:   c.address(),
		Timeout:   c.opts.ConnectTimeout,
		Password:  c.opts.Password,
		OmitPing:  c.opts.OmitPing,
		KeepAlive: c.opts.KeepAlive,
		Codec:     c.codec,
		Location:  c.opts.Location,
	})
	if err != nil {
		return nil, classify("connect "+c.address(), err)
	}
	c.log.Debug("device session opened", "device_id", c.dev.ID, "session", conn.String())
	return &localSession{dev: c.dev, conn: conn, opts: c.opts}, nil
}

// classify maps protocol and socket failures onto the error taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var respErr *zkproto.ResponseError
	if errors.As(err, &respErr) {
		if respErr.Code == zkproto.CmdAckUnauth {
			return &apperr.AuthError{Reason: fmt.Sprintf("%s: terminal rejected the comm key", op)}
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, zkproto.ErrNotConnected) || errors.Is(err, zkproto.ErrBadFrame) ||
		errors.Is(err, context.DeadlineExceeded) {
		return apperr.Connection(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

type localSession struct {
	dev  model.Device
	conn *zkproto.Conn
	opts Options
}

func (s *localSession) toRaw(a zkproto.Attendance) model.RawPunch {
	return model.RawPunch{
		DeviceID:  s.dev.ID,
		Variant:   model.VariantLocalProtocol,
		UID:       a.UID,
		UserID:    a.UserID,
		Code:      a.Punch,
		Status:    a.Status,
		Timestamp: a.Timestamp,
	}
}

// FetchEvents drains the onboard log. The terminal cannot filter by time, so
// since is ignored here.
func (s *localSession) FetchEvents(ctx context.Context, _ model.Watermark) ([]model.RawPunch, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.FetchTimeout)
	defer cancel()

	logs, err := s.conn.GetAttendance(ctx)
	if err != nil {
		return nil, classify("read attendance", err)
	}
	out := make([]model.RawPunch, 0, len(logs))
	for _, a := range logs {
		out = append(out, s.toRaw(a))
	}
	return out, nil
}

func (s *localSession) TestConnectivity(ctx context.Context) error {
	return s.Signal(ctx, zkproto.VoiceThankYou)
}

func (s *localSession) Signal(ctx context.Context, voice int) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
	defer cancel()
	return classify("test voice", s.conn.TestVoice(ctx, voice))
}

func (s *localSession) Close() error {
	return s.conn.Close()
}

func (s *localSession) EnableDevice(ctx context.Context) error {
	return classify("enable device", s.conn.EnableDevice(ctx))
}

func (s *localSession) DisableDevice(ctx context.Context) error {
	return classify("disable device", s.conn.DisableDevice(ctx))
}

func (s *localSession) ListUsers(ctx context.Context) ([]User, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.FetchTimeout)
	defer cancel()

	users, err := s.conn.GetUsers(ctx)
	if err != nil {
		return nil, classify("read users", err)
	}
	out := make([]User, 0, len(users))
	for _, u := range users {
		out = append(out, User{UID: u.UID, UserID: u.UserID, Name: u.Name, Privilege: u.Privilege, Card: u.Card})
	}
	return out, nil
}

func (s *localSession) ListTemplates(ctx context.Context) ([]Template, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.FetchTimeout)
	defer cancel()

	tpls, err := s.conn.GetTemplates(ctx)
	if err != nil {
		return nil, classify("read templates", err)
	}
	out := make([]Template, 0, len(tpls))
	for _, t := range tpls {
		out = append(out, Template{UID: t.UID, FingerID: t.FingerID})
	}
	return out, nil
}

// EnrollUser writes a plain user (no password, no card) into slot uid.
func (s *localSession) EnrollUser(ctx context.Context, uid int, userID, name string) error {
	err := s.conn.SetUser(ctx, zkproto.User{
		UID:       uid,
		UserID:    userID,
		Name:      name,
		Privilege: zkproto.PrivilegeUser,
		GroupID:   "0",
	})
	return classify("enroll user "+userID, err)
}

func (s *localSession) RemoveUser(ctx context.Context, uid int) error {
	return classify("remove user", s.conn.DeleteUser(ctx, uid))
}

func (s *localSession) RemoveUserByUserID(ctx context.Context, userID string) (bool, error) {
	found, err := s.conn.DeleteUserByUserID(ctx, userID)
	return found, classify("remove user "+userID, err)
}

func (s *localSession) RefreshData(ctx context.Context) error {
	return classify("refresh data", s.conn.RefreshData(ctx))
}

func (s *localSession) SetTime(ctx context.Context, t time.Time) error {
	return classify("set time", s.conn.SetTime(ctx, t))
}

// Capture streams realtime punches until ctx is done or the session drops.
func (s *localSession) Capture(ctx context.Context, fn func(model.RawPunch) error) error {
	err := s.conn.LiveCapture(ctx, s.opts.LivePoll, func(a zkproto.Attendance) error {
		return fn(s.toRaw(a))
	})
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return classify("live capture", err)
}
