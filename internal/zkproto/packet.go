package zkproto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrBadFrame is returned when a frame does not start with the TCP magic.
var ErrBadFrame = errors.New("zkproto: invalid tcp frame")

// Header is the fixed 8-byte command header inside every frame.
type Header struct {
	Command   uint16
	Checksum  uint16
	SessionID uint16
	ReplyID   uint16
}

// Checksum computes the ones-complement sum the terminals expect over a
// header+payload buffer.
func Checksum(p []byte) uint16 {
	var sum int
	for len(p) > 1 {
		sum += int(binary.LittleEndian.Uint16(p))
		p = p[2:]
		if sum > ushrtMax {
			sum -= ushrtMax
		}
	}
	if len(p) == 1 {
		sum += int(p[0])
	}
	for sum > ushrtMax {
		sum -= ushrtMax
	}
	sum = ^sum
	for sum < 0 {
		sum += ushrtMax
	}
	return uint16(sum)
}

// EncodePacket serializes h and data, computing the checksum over h with a
// zero checksum field. h.Checksum is ignored.
func EncodePacket(h Header, data []byte) []byte {
	buf := make([]byte, headerSize+len(data))
	binary.LittleEndian.PutUint16(buf[0:], h.Command)
	binary.LittleEndian.PutUint16(buf[4:], h.SessionID)
	binary.LittleEndian.PutUint16(buf[6:], h.ReplyID)
	copy(buf[headerSize:], data)
	binary.LittleEndian.PutUint16(buf[2:], Checksum(buf))
	return buf
}

// Frame prefixes a packet with the 8-byte TCP top.
func Frame(packet []byte) []byte {
	buf := make([]byte, topSize+len(packet))
	binary.LittleEndian.PutUint16(buf[0:], machinePrepareData1)
	binary.LittleEndian.PutUint16(buf[2:], machinePrepareData2)
	binary.LittleEndian.PutUint32(buf[4:], uint32(len(packet)))
	copy(buf[topSize:], packet)
	return buf
}

// ReadFrame reads one framed packet from r.
func ReadFrame(r io.Reader) (Header, []byte, error) {
	var top [topSize]byte
	if _, err := io.ReadFull(r, top[:]); err != nil {
		return Header{}, nil, err
	}
	return readFrameBody(r, top)
}

func readFrameBody(r io.Reader, top [topSize]byte) (Header, []byte, error) {
	if binary.LittleEndian.Uint16(top[0:]) != machinePrepareData1 ||
		binary.LittleEndian.Uint16(top[2:]) != machinePrepareData2 {
		return Header{}, nil, ErrBadFrame
	}
	length := binary.LittleEndian.Uint32(top[4:])
	if length < headerSize {
		return Header{}, nil, fmt.Errorf("%w: length %d", ErrBadFrame, length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Header{}, nil, err
	}
	h := Header{
		Command:   binary.LittleEndian.Uint16(body[0:]),
		Checksum:  binary.LittleEndian.Uint16(body[2:]),
		SessionID: binary.LittleEndian.Uint16(body[4:]),
		ReplyID:   binary.LittleEndian.Uint16(body[6:]),
	}
	return h, body[headerSize:], nil
}

// nextReplyID advances a reply counter, wrapping below USHRT_MAX.
func nextReplyID(id uint16) uint16 {
	n := int(id) + 1
	if n >= ushrtMax {
		n -= ushrtMax
	}
	return uint16(n)
}
