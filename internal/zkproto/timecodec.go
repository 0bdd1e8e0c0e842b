package zkproto

import (
	"encoding/binary"
	"time"
)

// EncodeTime packs a wall-clock time into the terminals' 32-bit format.
func EncodeTime(t time.Time) uint32 {
	d := ((t.Year()%100)*12*31+(int(t.Month())-1)*31+t.Day()-1)*(24*60*60) +
		(t.Hour()*60+t.Minute())*60 + t.Second()
	return uint32(d)
}

// DecodeTime unpacks the 32-bit format as wall clock in loc.
func DecodeTime(v uint32, loc *time.Location) time.Time {
	t := v
	second := t % 60
	t /= 60
	minute := t % 60
	t /= 60
	hour := t % 24
	t /= 24
	day := t%31 + 1
	t /= 31
	month := t%12 + 1
	t /= 12
	year := t + 2000
	return time.Date(int(year), time.Month(month), int(day), int(hour), int(minute), int(second), 0, loc)
}

// DecodeTimeHex unpacks the 6-byte (year-2000, month, day, hour, minute,
// second) form carried by realtime events.
func DecodeTimeHex(b []byte, loc *time.Location) time.Time {
	if len(b) < 6 {
		return time.Time{}
	}
	return time.Date(int(b[0])+2000, time.Month(b[1]), int(b[2]), int(b[3]), int(b[4]), int(b[5]), 0, loc)
}

func decodeTimeBytes(b []byte, loc *time.Location) time.Time {
	return DecodeTime(binary.LittleEndian.Uint32(b), loc)
}
