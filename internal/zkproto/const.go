// Package zkproto speaks the binary TCP protocol of ZKTeco-style biometric
// terminals: framing, session handshake, buffered bulk reads, user table
// writes and realtime attendance events.
package zkproto

// Command and reply codes.
const (
	CmdConnect       uint16 = 1000
	CmdExit          uint16 = 1001
	CmdEnableDevice  uint16 = 1002
	CmdDisableDevice uint16 = 1003
	CmdAckOK         uint16 = 2000
	CmdAckError      uint16 = 2001
	CmdAckData       uint16 = 2002
	CmdAckUnauth     uint16 = 2005
	CmdAuth          uint16 = 1102
	CmdPrepareData   uint16 = 1500
	CmdData          uint16 = 1501
	CmdFreeData      uint16 = 1502
	CmdPrepareBuffer uint16 = 1503
	CmdReadBuffer    uint16 = 1504

	CmdDBRRQ         uint16 = 7
	CmdUserWRQ       uint16 = 8
	CmdUserTempRRQ   uint16 = 9
	CmdAttLogRRQ     uint16 = 13
	CmdDeleteUser    uint16 = 18
	CmdGetFreeSizes  uint16 = 50
	CmdStartVerify   uint16 = 60
	CmdCancelCapture uint16 = 62
	CmdSetTime       uint16 = 202
	CmdRegEvent      uint16 = 500
	CmdRefreshData   uint16 = 1013
	CmdTestVoice     uint16 = 1017
)

// Function codes for buffered reads.
const (
	FctFingerTmp = 2
	FctUser      = 5
)

// Event flags for CmdRegEvent.
const EFAttLog uint32 = 1

const (
	machinePrepareData1 uint16 = 0x5050
	machinePrepareData2 uint16 = 0x7D82

	ushrtMax = 65535

	topSize    = 8
	headerSize = 8

	// maxChunk is the largest slice requested per CmdReadBuffer over TCP.
	maxChunk = 0xFFC0
)

// Privilege levels for user records.
const (
	PrivilegeUser  = 0
	PrivilegeAdmin = 14
)

// Voice prompt indexes used by this service.
const (
	VoiceThankYou     = 0
	VoiceVerifyFinger = 14
)
