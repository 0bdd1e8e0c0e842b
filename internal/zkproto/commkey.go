package zkproto

import "encoding/binary"

// MakeCommKey derives the CmdAuth payload from the numeric device password
// and the session id assigned by CmdConnect.
func MakeCommKey(key int, sessionID uint16, ticks byte) []byte {
	var k uint32
	for i := 0; i < 32; i++ {
		if uint32(key)&(1<<i) != 0 {
			k = k<<1 | 1
		} else {
			k <<= 1
		}
	}
	k += uint32(sessionID)

	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], k)
	b[0] ^= 'Z'
	b[1] ^= 'K'
	b[2] ^= 'S'
	b[3] ^= 'O'

	// swap the two 16-bit halves
	b = [4]byte{b[2], b[3], b[0], b[1]}

	return []byte{b[0] ^ ticks, b[1] ^ ticks, ticks, b[3] ^ ticks}
}
