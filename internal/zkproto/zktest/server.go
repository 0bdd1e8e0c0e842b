// Package zktest runs an in-process terminal that speaks enough of the
// protocol for session, bulk-read, user-table and realtime tests.
package zktest

import (
	"bytes"
	"encoding/binary"
	"net"
	"sync"
	"testing"
	"time"

	"attendance-sync-backend/internal/zkproto"
)

const sessionID uint16 = 0x1234

// Server is a fake terminal listening on 127.0.0.1.
type Server struct {
	ln    net.Listener
	codec zkproto.TextCodec

	mu             sync.Mutex
	users          []zkproto.User
	userPacketSize int
	templates      []zkproto.Template
	attendance     []zkproto.Attendance
	password       *int
	chunked        bool
	commands       []uint16
	voices         []int
	clock          uint32
	enabled        bool
	events         chan []byte
	conns          map[net.Conn]struct{}
	wg             sync.WaitGroup
}

// NewServer starts a terminal and stops it when the test ends.
func NewServer(t testing.TB) *Server {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	codec, _ := zkproto.NewTextCodec("utf-8")
	s := &Server{
		ln:             ln,
		codec:          codec,
		userPacketSize: 72,
		enabled:        true,
		events:         make(chan []byte, 16),
		conns:          make(map[net.Conn]struct{}),
	}
	s.wg.Add(1)
	go s.serve()
	t.Cleanup(s.Close)
	return s
}

// Addr is the host:port to dial.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Close stops accepting and drops every open session.
func (s *Server) Close() {
	s.ln.Close()
	s.DropConnections()
	s.wg.Wait()
}

// DropConnections closes every open session, as a terminal reboot would.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.Close()
	}
}

// RequirePassword makes CmdConnect answer CmdAckUnauth until CmdAuth
// presents the comm key for password.
func (s *Server) RequirePassword(password int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.password = &password
}

// UseChunkedReads makes bulk reads go through CmdReadBuffer.
func (s *Server) UseChunkedReads() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunked = true
}

// UseCompactUsers switches the user table to 28-byte records.
func (s *Server) UseCompactUsers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userPacketSize = 28
}

func (s *Server) AddUser(u zkproto.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users = append(s.users, u)
}

func (s *Server) AddTemplate(tpl zkproto.Template) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates = append(s.templates, tpl)
}

func (s *Server) AddAttendance(a ...zkproto.Attendance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attendance = append(s.attendance, a...)
}

// Users returns a copy of the user table.
func (s *Server) Users() []zkproto.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]zkproto.User(nil), s.users...)
}

// Commands returns every command code received, in order.
func (s *Server) Commands() []uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint16(nil), s.commands...)
}

// Voices returns the voice prompt indexes played.
func (s *Server) Voices() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.voices...)
}

// Clock returns the last encoded time set with CmdSetTime.
func (s *Server) Clock() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clock
}

func (s *Server) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// PushEvent queues a realtime event payload for registered sessions.
func (s *Server) PushEvent(payload []byte) {
	s.events <- payload
}

// LiveEvent builds a 32-byte realtime attendance payload.
func LiveEvent(userID string, status, punch int, t time.Time) []byte {
	buf := make([]byte, 32)
	copy(buf[0:24], userID)
	buf[24] = byte(status)
	buf[25] = byte(punch)
	buf[26] = byte(t.Year() - 2000)
	buf[27] = byte(t.Month())
	buf[28] = byte(t.Day())
	buf[29] = byte(t.Hour())
	buf[30] = byte(t.Minute())
	buf[31] = byte(t.Second())
	return buf
}

// AttendanceRecord encodes a 40-byte attendance log record.
func AttendanceRecord(a zkproto.Attendance) []byte {
	buf := make([]byte, 40)
	binary.LittleEndian.PutUint16(buf[0:], uint16(a.UID))
	copy(buf[2:26], a.UserID)
	buf[26] = byte(a.Status)
	binary.LittleEndian.PutUint32(buf[27:], zkproto.EncodeTime(a.Timestamp))
	buf[31] = byte(a.Punch)
	return buf
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		c, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns[c] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(c)
		}()
	}
}

type session struct {
	conn    net.Conn
	writeMu sync.Mutex
	pending []byte
	authed  bool
	stop    chan struct{}
	once    sync.Once
}

func (ss *session) reply(cmd, replyID uint16, data []byte) error {
	ss.writeMu.Lock()
	defer ss.writeMu.Unlock()
	pkt := zkproto.EncodePacket(zkproto.Header{Command: cmd, SessionID: sessionID, ReplyID: replyID}, data)
	_, err := ss.conn.Write(zkproto.Frame(pkt))
	return err
}

func (ss *session) halt() {
	ss.once.Do(func() { close(ss.stop) })
}

func (s *Server) handle(c net.Conn) {
	ss := &session{conn: c, stop: make(chan struct{})}
	defer func() {
		ss.halt()
		c.Close()
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
	}()

	for {
		h, data, err := zkproto.ReadFrame(c)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.commands = append(s.commands, h.Command)
		s.mu.Unlock()

		if h.Command == zkproto.CmdAckOK {
			continue
		}
		if err := s.dispatch(ss, h, data); err != nil {
			return
		}
		if h.Command == zkproto.CmdExit {
			return
		}
	}
}

func (s *Server) dispatch(ss *session, h zkproto.Header, data []byte) error {
	ok := func(payload []byte) error { return ss.reply(zkproto.CmdAckOK, h.ReplyID, payload) }

	switch h.Command {
	case zkproto.CmdConnect:
		s.mu.Lock()
		needAuth := s.password != nil
		s.mu.Unlock()
		if needAuth {
			return ss.reply(zkproto.CmdAckUnauth, h.ReplyID, nil)
		}
		ss.authed = true
		return ok(nil)

	case zkproto.CmdAuth:
		s.mu.Lock()
		want := zkproto.MakeCommKey(*s.password, sessionID, 50)
		s.mu.Unlock()
		if !bytes.Equal(want, data) {
			return ss.reply(zkproto.CmdAckUnauth, h.ReplyID, nil)
		}
		ss.authed = true
		return ok(nil)
	}

	if !ss.authed {
		return ss.reply(zkproto.CmdAckUnauth, h.ReplyID, nil)
	}

	switch h.Command {
	case zkproto.CmdEnableDevice, zkproto.CmdDisableDevice:
		s.mu.Lock()
		s.enabled = h.Command == zkproto.CmdEnableDevice
		s.mu.Unlock()
		return ok(nil)

	case zkproto.CmdTestVoice:
		s.mu.Lock()
		s.voices = append(s.voices, int(binary.LittleEndian.Uint32(data)))
		s.mu.Unlock()
		return ok(nil)

	case zkproto.CmdSetTime:
		s.mu.Lock()
		s.clock = binary.LittleEndian.Uint32(data)
		s.mu.Unlock()
		return ok(nil)

	case zkproto.CmdGetFreeSizes:
		s.mu.Lock()
		sizes := make([]byte, 80)
		binary.LittleEndian.PutUint32(sizes[4*4:], uint32(len(s.users)))
		binary.LittleEndian.PutUint32(sizes[6*4:], uint32(len(s.templates)))
		binary.LittleEndian.PutUint32(sizes[8*4:], uint32(len(s.attendance)))
		s.mu.Unlock()
		return ok(sizes)

	case zkproto.CmdPrepareBuffer:
		buf := s.buffer(binary.LittleEndian.Uint16(data[1:3]))
		s.mu.Lock()
		chunked := s.chunked
		s.mu.Unlock()
		if !chunked {
			return ss.reply(zkproto.CmdData, h.ReplyID, buf)
		}
		ss.pending = buf
		info := make([]byte, 5)
		binary.LittleEndian.PutUint32(info[1:], uint32(len(buf)))
		return ok(info)

	case zkproto.CmdReadBuffer:
		start := int(binary.LittleEndian.Uint32(data[0:]))
		size := int(binary.LittleEndian.Uint32(data[4:]))
		part := ss.pending[start : start+size]
		sz := make([]byte, 4)
		binary.LittleEndian.PutUint32(sz, uint32(size))
		if err := ss.reply(zkproto.CmdPrepareData, h.ReplyID, sz); err != nil {
			return err
		}
		half := len(part) / 2
		if err := ss.reply(zkproto.CmdData, h.ReplyID, part[:half]); err != nil {
			return err
		}
		if err := ss.reply(zkproto.CmdData, h.ReplyID, part[half:]); err != nil {
			return err
		}
		return ok(nil)

	case zkproto.CmdFreeData:
		ss.pending = nil
		return ok(nil)

	case zkproto.CmdUserWRQ:
		s.mu.Lock()
		packet := make([]byte, 4+len(data))
		binary.LittleEndian.PutUint32(packet, uint32(len(data)))
		copy(packet[4:], data)
		parsed, _, err := zkproto.ParseUsers(packet, 1, s.codec)
		if err == nil && len(parsed) == 1 {
			s.upsertUser(parsed[0])
		}
		s.mu.Unlock()
		return ok(nil)

	case zkproto.CmdDeleteUser:
		uid := int(int16(binary.LittleEndian.Uint16(data)))
		s.mu.Lock()
		kept := s.users[:0]
		for _, u := range s.users {
			if u.UID != uid {
				kept = append(kept, u)
			}
		}
		s.users = kept
		s.mu.Unlock()
		return ok(nil)

	case zkproto.CmdRegEvent:
		flags := binary.LittleEndian.Uint32(data)
		if err := ok(nil); err != nil {
			return err
		}
		if flags&zkproto.EFAttLog != 0 {
			go s.pushEvents(ss)
		} else {
			ss.halt()
		}
		return nil

	default:
		return ok(nil)
	}
}

func (s *Server) pushEvents(ss *session) {
	for {
		select {
		case <-ss.stop:
			return
		case payload := <-s.events:
			if err := ss.reply(zkproto.CmdRegEvent, 0, payload); err != nil {
				return
			}
		}
	}
}

// upsertUser replaces the user in the same slot. Callers hold s.mu.
func (s *Server) upsertUser(u zkproto.User) {
	for i := range s.users {
		if s.users[i].UID == u.UID {
			s.users[i] = u
			return
		}
	}
	s.users = append(s.users, u)
}

func (s *Server) buffer(cmd uint16) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	var body []byte
	switch cmd {
	case zkproto.CmdUserTempRRQ:
		for _, u := range s.users {
			rec, _ := zkproto.EncodeUser(u, s.userPacketSize, s.codec)
			body = append(body, rec...)
		}
	case zkproto.CmdAttLogRRQ:
		for _, a := range s.attendance {
			body = append(body, AttendanceRecord(a)...)
		}
	case zkproto.CmdDBRRQ:
		for _, tpl := range s.templates {
			rec := make([]byte, 6, 6+len(tpl.Data))
			binary.LittleEndian.PutUint16(rec[0:], uint16(6+len(tpl.Data)))
			binary.LittleEndian.PutUint16(rec[2:], uint16(tpl.UID))
			rec[4] = byte(int8(tpl.FingerID))
			rec[5] = byte(int8(tpl.Valid))
			body = append(body, append(rec, tpl.Data...)...)
		}
	}

	out := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(out, uint32(len(body)))
	copy(out[4:], body)
	return out
}
