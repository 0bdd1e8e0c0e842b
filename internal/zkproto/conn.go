package zkproto

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"
)

// ErrNotConnected is returned by commands issued after Close.
var ErrNotConnected = errors.New("zkproto: not connected")

// ResponseError is a terminal answering a command with a non-success code.
type ResponseError struct {
	Command uint16
	Code    uint16
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("zkproto: command %d answered with %d", e.Command, e.Code)
}

// Options configures a terminal session.
type Options struct {
	Address   string
	Timeout   time.Duration
	Password  int
	OmitPing  bool
	KeepAlive time.Duration
	Codec     TextCodec
	// Location is the terminal clock's zone. Defaults to UTC.
	Location *time.Location
}

// Sizes holds the counters reported by CmdGetFreeSizes.
type Sizes struct {
	Users   int
	Fingers int
	Records int
}

// Conn is an authenticated TCP session with one terminal. Commands are
// serialized; a Conn is safe for use by one caller at a time per command.
type Conn struct {
	mu   sync.Mutex
	conn net.Conn
	opts Options

	sessionID      uint16
	replyID        uint16
	userPacketSize int
	enabled        bool
	closed         bool
}

type response struct {
	header Header
	data   []byte
}

func (r response) ok() bool {
	switch r.header.Command {
	case CmdAckOK, CmdPrepareData, CmdData:
		return true
	}
	return false
}

// Dial opens the TCP connection and performs the CmdConnect/CmdAuth handshake.
func Dial(ctx context.Context, opts Options) (*Conn, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}

	dialer := &net.Dialer{Timeout: opts.Timeout, KeepAlive: opts.KeepAlive}
	if !opts.OmitPing {
		ping, err := dialer.DialContext(ctx, "tcp", opts.Address)
		if err != nil {
			return nil, fmt.Errorf("can't reach device %s: %w", opts.Address, err)
		}
		ping.Close()
	}

	nc, err := dialer.DialContext(ctx, "tcp", opts.Address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", opts.Address, err)
	}

	c := &Conn{
		conn:           nc,
		opts:           opts,
		replyID:        ushrtMax - 1,
		userPacketSize: 28,
		enabled:        true,
	}
	if err := c.handshake(ctx); err != nil {
		nc.Close()
		return nil, err
	}
	return c, nil
}

func (c *Conn) handshake(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	resp, err := c.exchange(ctx, CmdConnect, nil)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	c.sessionID = resp.header.SessionID

	if resp.header.Command == CmdAckUnauth {
		key := MakeCommKey(c.opts.Password, c.sessionID, 50)
		resp, err = c.exchange(ctx, CmdAuth, key)
		if err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}
	if !resp.ok() {
		return fmt.Errorf("connect: %w", &ResponseError{Command: CmdConnect, Code: resp.header.Command})
	}
	return nil
}

// Close sends CmdExit and closes the socket. Safe to call twice.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.Timeout)
	defer cancel()
	_, exitErr := c.exchange(ctx, CmdExit, nil)
	closeErr := c.conn.Close()
	if exitErr != nil && !errors.Is(exitErr, io.EOF) {
		return exitErr
	}
	return closeErr
}

// SessionID returns the id assigned by the terminal.
func (c *Conn) SessionID() uint16 { return c.sessionID }

// setDeadline bounds the next I/O by the context deadline or the session
// timeout, whichever is earlier.
func (c *Conn) setDeadline(ctx context.Context, d time.Duration) error {
	deadline := time.Now().Add(d)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	return c.conn.SetDeadline(deadline)
}

// send frames and writes one command. The checksum covers the header with
// the current reply id; the packet carries the next one.
func (c *Conn) send(ctx context.Context, cmd uint16, data []byte, replyID uint16) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.setDeadline(ctx, c.opts.Timeout); err != nil {
		return err
	}

	packet := EncodePacket(Header{Command: cmd, SessionID: c.sessionID, ReplyID: replyID}, data)
	checksum := binary.LittleEndian.Uint16(packet[2:])
	next := nextReplyID(replyID)
	packet = EncodePacket(Header{Command: cmd, SessionID: c.sessionID, ReplyID: next}, data)
	binary.LittleEndian.PutUint16(packet[2:], checksum)

	_, err := c.conn.Write(Frame(packet))
	return err
}

func (c *Conn) recv(ctx context.Context) (response, error) {
	if err := c.setDeadline(ctx, c.opts.Timeout); err != nil {
		return response{}, err
	}
	h, data, err := ReadFrame(c.conn)
	if err != nil {
		return response{}, err
	}
	return response{header: h, data: data}, nil
}

// exchange sends one command and reads its reply. Callers hold c.mu.
func (c *Conn) exchange(ctx context.Context, cmd uint16, data []byte) (response, error) {
	if c.closed && cmd != CmdExit {
		return response{}, ErrNotConnected
	}
	if err := c.send(ctx, cmd, data, c.replyID); err != nil {
		return response{}, err
	}
	resp, err := c.recv(ctx)
	if err != nil {
		return response{}, err
	}
	c.replyID = resp.header.ReplyID
	return resp, nil
}

// command runs a simple command that must be acknowledged.
func (c *Conn) command(ctx context.Context, cmd uint16, data []byte) (response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.commandLocked(ctx, cmd, data)
}

func (c *Conn) commandLocked(ctx context.Context, cmd uint16, data []byte) (response, error) {
	resp, err := c.exchange(ctx, cmd, data)
	if err != nil {
		return response{}, err
	}
	if !resp.ok() {
		return resp, &ResponseError{Command: cmd, Code: resp.header.Command}
	}
	return resp, nil
}

// EnableDevice resumes onboard processing (keypad, sensor).
func (c *Conn) EnableDevice(ctx context.Context) error {
	if _, err := c.command(ctx, CmdEnableDevice, nil); err != nil {
		return err
	}
	c.enabled = true
	return nil
}

// DisableDevice pauses onboard processing while the user table is written.
func (c *Conn) DisableDevice(ctx context.Context) error {
	if _, err := c.command(ctx, CmdDisableDevice, nil); err != nil {
		return err
	}
	c.enabled = false
	return nil
}

func (c *Conn) RefreshData(ctx context.Context) error {
	_, err := c.command(ctx, CmdRefreshData, nil)
	return err
}

// TestVoice plays a stored voice prompt.
func (c *Conn) TestVoice(ctx context.Context, index int) error {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, uint32(index))
	_, err := c.command(ctx, CmdTestVoice, data)
	return err
}

// SetTime sets the terminal clock to t's wall clock.
func (c *Conn) SetTime(ctx context.Context, t time.Time) error {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, EncodeTime(t.In(c.opts.Location)))
	_, err := c.command(ctx, CmdSetTime, data)
	return err
}

// ReadSizes returns the user, fingerprint and record counters.
func (c *Conn) ReadSizes(ctx context.Context) (Sizes, error) {
	resp, err := c.command(ctx, CmdGetFreeSizes, nil)
	if err != nil {
		return Sizes{}, err
	}
	if len(resp.data) < 80 {
		return Sizes{}, fmt.Errorf("zkproto: short free-sizes reply (%d bytes)", len(resp.data))
	}
	field := func(i int) int { return int(int32(binary.LittleEndian.Uint32(resp.data[i*4:]))) }
	return Sizes{Users: field(4), Fingers: field(6), Records: field(8)}, nil
}

// GetUsers reads the user table.
func (c *Conn) GetUsers(ctx context.Context) ([]User, error) {
	sizes, err := c.ReadSizes(ctx)
	if err != nil {
		return nil, err
	}
	if sizes.Users == 0 {
		return nil, nil
	}
	data, err := c.readWithBuffer(ctx, CmdUserTempRRQ, FctUser, 0)
	if err != nil {
		return nil, fmt.Errorf("read users: %w", err)
	}
	users, packetSize, err := ParseUsers(data, sizes.Users, c.opts.Codec)
	if err != nil {
		return nil, err
	}
	if packetSize > 0 {
		c.mu.Lock()
		c.userPacketSize = packetSize
		c.mu.Unlock()
	}
	return users, nil
}

// GetTemplates reads every enrolled fingerprint template.
func (c *Conn) GetTemplates(ctx context.Context) ([]Template, error) {
	sizes, err := c.ReadSizes(ctx)
	if err != nil {
		return nil, err
	}
	if sizes.Fingers == 0 {
		return nil, nil
	}
	data, err := c.readWithBuffer(ctx, CmdDBRRQ, FctFingerTmp, 0)
	if err != nil {
		return nil, fmt.Errorf("read templates: %w", err)
	}
	return ParseTemplates(data)
}

// GetAttendance drains the onboard attendance log.
func (c *Conn) GetAttendance(ctx context.Context) ([]Attendance, error) {
	sizes, err := c.ReadSizes(ctx)
	if err != nil {
		return nil, err
	}
	if sizes.Records == 0 {
		return nil, nil
	}
	users, err := c.GetUsers(ctx)
	if err != nil {
		return nil, err
	}
	data, err := c.readWithBuffer(ctx, CmdAttLogRRQ, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("read attendance: %w", err)
	}
	return ParseAttendance(data, sizes.Records, users, c.opts.Codec, c.opts.Location)
}

// SetUser creates or overwrites the user in slot u.UID and refreshes the
// terminal's data.
func (c *Conn) SetUser(ctx context.Context, u User) error {
	c.mu.Lock()
	packetSize := c.userPacketSize
	c.mu.Unlock()

	data, err := EncodeUser(u, packetSize, c.opts.Codec)
	if err != nil {
		return err
	}
	if _, err := c.command(ctx, CmdUserWRQ, data); err != nil {
		return fmt.Errorf("set user %d: %w", u.UID, err)
	}
	return c.RefreshData(ctx)
}

// DeleteUser removes the user in slot uid and refreshes the terminal's data.
func (c *Conn) DeleteUser(ctx context.Context, uid int) error {
	data := make([]byte, 2)
	binary.LittleEndian.PutUint16(data, uint16(int16(uid)))
	if _, err := c.command(ctx, CmdDeleteUser, data); err != nil {
		return fmt.Errorf("delete user %d: %w", uid, err)
	}
	return c.RefreshData(ctx)
}

// DeleteUserByUserID looks the slot up by user id. It reports false when
// no such user exists.
func (c *Conn) DeleteUserByUserID(ctx context.Context, userID string) (bool, error) {
	users, err := c.GetUsers(ctx)
	if err != nil {
		return false, err
	}
	for _, u := range users {
		if u.UserID == userID {
			return true, c.DeleteUser(ctx, u.UID)
		}
	}
	return false, nil
}

// FreeData releases the terminal-side buffer after a bulk read.
func (c *Conn) FreeData(ctx context.Context) error {
	_, err := c.command(ctx, CmdFreeData, nil)
	return err
}

// readWithBuffer runs the buffered bulk read protocol for cmd.
func (c *Conn) readWithBuffer(ctx context.Context, cmd uint16, fct, ext int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	req := make([]byte, 11)
	req[0] = 1
	binary.LittleEndian.PutUint16(req[1:], cmd)
	binary.LittleEndian.PutUint32(req[3:], uint32(int32(fct)))
	binary.LittleEndian.PutUint32(req[7:], uint32(int32(ext)))

	resp, err := c.commandLocked(ctx, CmdPrepareBuffer, req)
	if err != nil {
		return nil, err
	}
	if resp.header.Command == CmdData {
		return resp.data, nil
	}
	if len(resp.data) < 5 {
		return nil, fmt.Errorf("zkproto: short prepare-buffer reply (%d bytes)", len(resp.data))
	}

	size := int(binary.LittleEndian.Uint32(resp.data[1:5]))
	out := make([]byte, 0, size)
	for start := 0; start < size; {
		n := min(maxChunk, size-start)
		chunk, err := c.readChunk(ctx, start, n)
		if err != nil {
			return nil, fmt.Errorf("read chunk at %d: %w", start, err)
		}
		out = append(out, chunk...)
		start += n
	}

	if _, err := c.commandLocked(ctx, CmdFreeData, nil); err != nil {
		return nil, err
	}
	return out, nil
}

// readChunk requests size bytes at start. The terminal answers either with
// one CmdData packet, or with CmdPrepareData followed by CmdData packets and
// a closing CmdAckOK.
func (c *Conn) readChunk(ctx context.Context, start, size int) ([]byte, error) {
	req := make([]byte, 8)
	binary.LittleEndian.PutUint32(req[0:], uint32(int32(start)))
	binary.LittleEndian.PutUint32(req[4:], uint32(int32(size)))

	resp, err := c.commandLocked(ctx, CmdReadBuffer, req)
	if err != nil {
		return nil, err
	}

	switch resp.header.Command {
	case CmdData:
		return resp.data, nil
	case CmdPrepareData:
		if len(resp.data) < 4 {
			return nil, fmt.Errorf("zkproto: short prepare-data reply")
		}
		want := int(binary.LittleEndian.Uint32(resp.data[:4]))
		out := make([]byte, 0, want)
		for len(out) < want {
			pkt, err := c.recv(ctx)
			if err != nil {
				return nil, err
			}
			if pkt.header.Command != CmdData {
				return nil, &ResponseError{Command: CmdReadBuffer, Code: pkt.header.Command}
			}
			out = append(out, pkt.data...)
		}
		ack, err := c.recv(ctx)
		if err != nil {
			return nil, err
		}
		if ack.header.Command != CmdAckOK {
			return nil, &ResponseError{Command: CmdReadBuffer, Code: ack.header.Command}
		}
		return out[:want], nil
	default:
		return nil, &ResponseError{Command: CmdReadBuffer, Code: resp.header.Command}
	}
}

// LiveCapture registers for realtime attendance events and calls fn for each
// one until ctx is done, fn fails or the connection drops. poll bounds each
// socket wait so cancellation is noticed promptly.
func (c *Conn) LiveCapture(ctx context.Context, poll time.Duration, fn func(Attendance) error) error {
	users, err := c.GetUsers(ctx)
	if err != nil {
		return err
	}
	if _, err := c.command(ctx, CmdCancelCapture, nil); err != nil {
		return err
	}
	if _, err := c.command(ctx, CmdStartVerify, nil); err != nil {
		return err
	}
	if !c.enabled {
		if err := c.EnableDevice(ctx); err != nil {
			return err
		}
	}
	if err := c.regEvent(ctx, EFAttLog); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	defer func() {
		teardown, cancel := context.WithTimeout(context.Background(), c.opts.Timeout)
		defer cancel()
		data := make([]byte, 4)
		_, _ = c.exchange(teardown, CmdRegEvent, data)
	}()

	if poll <= 0 {
		poll = time.Second
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		h, data, err := c.readEvent(poll)
		if err != nil {
			if errors.Is(err, errIdle) {
				continue
			}
			return err
		}

		if err := c.ackOK(ctx); err != nil {
			return err
		}
		if h.Command != CmdRegEvent || len(data) == 0 {
			continue
		}
		for _, att := range ParseLiveEvents(data, users, c.opts.Codec, c.opts.Location) {
			if err := fn(att); err != nil {
				return err
			}
		}
	}
}

var errIdle = errors.New("zkproto: no event")

// readEvent waits up to poll for the start of a frame. A wait that ends
// before any byte arrives is errIdle; once a frame has started the full
// session timeout applies to the rest of it.
func (c *Conn) readEvent(poll time.Duration) (Header, []byte, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(poll)); err != nil {
		return Header{}, nil, err
	}
	var top [topSize]byte
	n, err := io.ReadFull(c.conn, top[:])
	if err != nil {
		var ne net.Error
		if n == 0 && errors.As(err, &ne) && ne.Timeout() {
			return Header{}, nil, errIdle
		}
		return Header{}, nil, err
	}
	if err := c.conn.SetReadDeadline(time.Now().Add(c.opts.Timeout)); err != nil {
		return Header{}, nil, err
	}
	return readFrameBody(c.conn, top)
}

func (c *Conn) ackOK(ctx context.Context) error {
	return c.send(ctx, CmdAckOK, nil, ushrtMax-1)
}

func (c *Conn) regEvent(ctx context.Context, flags uint32) error {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, flags)
	_, err := c.command(ctx, CmdRegEvent, data)
	return err
}

// String identifies the session in logs.
func (c *Conn) String() string {
	return c.opts.Address + "#" + strconv.Itoa(int(c.sessionID))
}
