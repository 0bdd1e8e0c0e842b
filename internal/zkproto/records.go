package zkproto

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/htmlindex"
)

// Attendance is one punch from the onboard log or a realtime event.
type Attendance struct {
	UID       int
	UserID    string
	Timestamp time.Time
	Status    int
	Punch     int
}

// User is one row of the terminal's user table.
type User struct {
	UID       int
	Privilege int
	Password  string
	Name      string
	Card      uint32
	GroupID   string
	UserID    string
}

// Template is an enrolled fingerprint template.
type Template struct {
	UID      int
	FingerID int
	Valid    int
	Data     []byte
}

// TextCodec converts between the terminal's byte strings and Go strings.
type TextCodec struct {
	enc encoding.Encoding
}

// NewTextCodec resolves an encoding by its WHATWG label ("utf-8",
// "windows-1252", "gbk", ...).
func NewTextCodec(name string) (TextCodec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "windows-1252", "cp1252":
		return TextCodec{enc: charmap.Windows1252}, nil
	case "", "utf-8", "utf8":
		name = "utf-8"
	}
	enc, err := htmlindex.Get(name)
	if err != nil {
		return TextCodec{}, fmt.Errorf("unknown text encoding %q: %w", name, err)
	}
	return TextCodec{enc: enc}, nil
}

// Decode reads a NUL-padded field.
func (c TextCodec) Decode(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	if len(b) == 0 {
		return ""
	}
	if c.enc == nil {
		return strings.TrimSpace(string(b))
	}
	out, err := c.enc.NewDecoder().Bytes(b)
	if err != nil {
		return strings.TrimSpace(string(b))
	}
	return strings.TrimSpace(string(out))
}

// Encode writes s, dropping characters the encoding cannot represent.
func (c TextCodec) Encode(s string) []byte {
	if c.enc == nil {
		return []byte(s)
	}
	out, err := encoding.ReplaceUnsupported(c.enc.NewEncoder()).Bytes([]byte(s))
	if err != nil {
		return []byte(s)
	}
	return out
}

// putField copies src into a fixed-width NUL-padded field.
func putField(dst, src []byte) {
	n := copy(dst, src)
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
}

func totalSize(data []byte) (int, []byte, error) {
	if len(data) < 4 {
		return 0, nil, fmt.Errorf("zkproto: buffer too short (%d bytes)", len(data))
	}
	return int(binary.LittleEndian.Uint32(data[:4])), data[4:], nil
}

// ParseUsers decodes a CmdUserTempRRQ buffer holding count users. It returns
// the detected record size (28 or 72), needed later to write users back.
func ParseUsers(data []byte, count int, codec TextCodec) ([]User, int, error) {
	if count <= 0 || len(data) <= 4 {
		return nil, 0, nil
	}
	total, body, err := totalSize(data)
	if err != nil {
		return nil, 0, err
	}
	packetSize := total / count

	var users []User
	if packetSize == 28 {
		for len(body) >= 28 {
			r := body[:28]
			u := User{
				UID:       int(binary.LittleEndian.Uint16(r[0:])),
				Privilege: int(r[2]),
				Password:  codec.Decode(r[3:8]),
				Name:      codec.Decode(r[8:16]),
				Card:      binary.LittleEndian.Uint32(r[16:]),
				GroupID:   strconv.Itoa(int(r[21])),
				UserID:    strconv.FormatUint(uint64(binary.LittleEndian.Uint32(r[24:])), 10),
			}
			if u.Name == "" {
				u.Name = "NN-" + u.UserID
			}
			users = append(users, u)
			body = body[28:]
		}
		return users, packetSize, nil
	}

	packetSize = 72
	for len(body) >= 72 {
		r := body[:72]
		u := User{
			UID:       int(binary.LittleEndian.Uint16(r[0:])),
			Privilege: int(r[2]),
			Password:  codec.Decode(r[3:11]),
			Name:      codec.Decode(r[11:35]),
			Card:      binary.LittleEndian.Uint32(r[35:]),
			GroupID:   codec.Decode(r[40:47]),
			UserID:    codec.Decode(r[48:72]),
		}
		if u.Name == "" {
			u.Name = "NN-" + u.UserID
		}
		users = append(users, u)
		body = body[72:]
	}
	return users, packetSize, nil
}

// EncodeUser builds the CmdUserWRQ payload for u in the given record size.
func EncodeUser(u User, packetSize int, codec TextCodec) ([]byte, error) {
	privilege := u.Privilege
	if privilege != PrivilegeUser && privilege != PrivilegeAdmin {
		privilege = PrivilegeUser
	}
	userID := u.UserID
	if userID == "" {
		userID = strconv.Itoa(u.UID)
	}

	if packetSize == 28 {
		numericID, err := strconv.ParseUint(userID, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("zkproto: user id %q must be numeric on 28-byte terminals", userID)
		}
		group := 0
		if u.GroupID != "" {
			if group, err = strconv.Atoi(u.GroupID); err != nil {
				return nil, fmt.Errorf("zkproto: group id %q must be numeric on 28-byte terminals", u.GroupID)
			}
		}
		buf := make([]byte, 28)
		binary.LittleEndian.PutUint16(buf[0:], uint16(u.UID))
		buf[2] = byte(privilege)
		putField(buf[3:8], codec.Encode(u.Password))
		putField(buf[8:16], codec.Encode(u.Name))
		binary.LittleEndian.PutUint32(buf[16:], u.Card)
		buf[21] = byte(group)
		binary.LittleEndian.PutUint32(buf[24:], uint32(numericID))
		return buf, nil
	}

	buf := make([]byte, 72)
	binary.LittleEndian.PutUint16(buf[0:], uint16(u.UID))
	buf[2] = byte(privilege)
	putField(buf[3:11], codec.Encode(u.Password))
	putField(buf[11:35], codec.Encode(u.Name))
	binary.LittleEndian.PutUint32(buf[35:], u.Card)
	putField(buf[40:47], []byte(u.GroupID))
	putField(buf[48:72], []byte(userID))
	return buf, nil
}

// ParseAttendance decodes a CmdAttLogRRQ buffer holding records punches.
// users resolves between uid and user id for the compact record formats.
func ParseAttendance(data []byte, records int, users []User, codec TextCodec, loc *time.Location) ([]Attendance, error) {
	if records <= 0 || len(data) < 4 {
		return nil, nil
	}
	total, body, err := totalSize(data)
	if err != nil {
		return nil, err
	}
	recordSize := total / records

	byUID := make(map[int]User, len(users))
	byUserID := make(map[string]User, len(users))
	for _, u := range users {
		byUID[u.UID] = u
		byUserID[u.UserID] = u
	}

	var out []Attendance
	switch {
	case recordSize == 8:
		for len(body) >= 8 {
			r := body[:8]
			uid := int(binary.LittleEndian.Uint16(r[0:]))
			userID := strconv.Itoa(uid)
			if u, ok := byUID[uid]; ok {
				userID = u.UserID
			}
			out = append(out, Attendance{
				UID:       uid,
				UserID:    userID,
				Status:    int(r[2]),
				Timestamp: decodeTimeBytes(r[3:7], loc),
				Punch:     int(r[7]),
			})
			body = body[8:]
		}
	case recordSize == 16:
		for len(body) >= 16 {
			r := body[:16]
			userID := strconv.FormatUint(uint64(binary.LittleEndian.Uint32(r[0:])), 10)
			uid, _ := strconv.Atoi(userID)
			if u, ok := byUserID[userID]; ok {
				uid = u.UID
			} else if u, ok := byUID[uid]; ok {
				userID = u.UserID
			}
			out = append(out, Attendance{
				UID:       uid,
				UserID:    userID,
				Timestamp: decodeTimeBytes(r[4:8], loc),
				Status:    int(r[8]),
				Punch:     int(r[9]),
			})
			body = body[16:]
		}
	case recordSize >= 40:
		for len(body) >= 40 {
			r := body[:40]
			out = append(out, Attendance{
				UID:       int(binary.LittleEndian.Uint16(r[0:])),
				UserID:    codec.Decode(r[2:26]),
				Status:    int(r[26]),
				Timestamp: decodeTimeBytes(r[27:31], loc),
				Punch:     int(r[31]),
			})
			if len(body) < recordSize {
				break
			}
			body = body[recordSize:]
		}
	default:
		return nil, fmt.Errorf("zkproto: unsupported attendance record size %d", recordSize)
	}
	return out, nil
}

// ParseTemplates decodes a CmdDBRRQ/FctFingerTmp buffer.
func ParseTemplates(data []byte) ([]Template, error) {
	if len(data) < 4 {
		return nil, nil
	}
	total, body, err := totalSize(data)
	if err != nil {
		return nil, err
	}

	var out []Template
	for total > 0 {
		if len(body) < 6 {
			return out, fmt.Errorf("zkproto: truncated template header")
		}
		size := int(binary.LittleEndian.Uint16(body[0:]))
		if size < 6 || size > len(body) {
			return out, fmt.Errorf("zkproto: bad template size %d", size)
		}
		out = append(out, Template{
			UID:      int(binary.LittleEndian.Uint16(body[2:])),
			FingerID: int(int8(body[4])),
			Valid:    int(int8(body[5])),
			Data:     append([]byte(nil), body[6:size]...),
		})
		body = body[size:]
		total -= size
	}
	return out, nil
}

// ParseLiveEvents decodes the payload of a CmdRegEvent packet. Event
// layouts are told apart by the remaining payload length.
func ParseLiveEvents(data []byte, users []User, codec TextCodec, loc *time.Location) []Attendance {
	byUserID := make(map[string]User, len(users))
	for _, u := range users {
		byUserID[u.UserID] = u
	}

	var out []Attendance
	for len(data) >= 10 {
		var (
			userID        string
			status, punch int
			timehex       []byte
			consumed      int
		)
		switch n := len(data); {
		case n == 10:
			userID = strconv.Itoa(int(binary.LittleEndian.Uint16(data[0:])))
			status, punch, timehex, consumed = int(data[2]), int(data[3]), data[4:10], 10
		case n == 12:
			userID = strconv.FormatUint(uint64(binary.LittleEndian.Uint32(data[0:])), 10)
			status, punch, timehex, consumed = int(data[4]), int(data[5]), data[6:12], 12
		case n == 14:
			userID = strconv.Itoa(int(binary.LittleEndian.Uint16(data[0:])))
			status, punch, timehex, consumed = int(data[2]), int(data[3]), data[4:10], 14
		case n == 32:
			userID = codec.Decode(data[0:24])
			status, punch, timehex, consumed = int(data[24]), int(data[25]), data[26:32], 32
		case n == 36:
			userID = codec.Decode(data[0:24])
			status, punch, timehex, consumed = int(data[24]), int(data[25]), data[26:32], 36
		case n >= 52:
			userID = codec.Decode(data[0:24])
			status, punch, timehex, consumed = int(data[24]), int(data[25]), data[26:32], 52
		default:
			return out
		}
		data = data[consumed:]

		uid, _ := strconv.Atoi(userID)
		if u, ok := byUserID[userID]; ok {
			uid = u.UID
		}
		out = append(out, Attendance{
			UID:       uid,
			UserID:    userID,
			Status:    status,
			Punch:     punch,
			Timestamp: DecodeTimeHex(timehex, loc),
		})
	}
	return out
}
