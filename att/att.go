package att

import (
	"encoding/binary"

	"github.com/mansionlabs/trouble"
)

// DefaultMTU defines the default MTU of ATT protocol. [Vol 3, Part F, 3.2.8]
const DefaultMTU = 23

// MaxMTU is the maximum ATT_MTU this host accepts: the L2CAP payload
// budget of the transport (251) minus the 4-byte L2CAP header.
const MaxMTU = 251 - 4

// ATT protocol opcodes. [Vol 3, Part F, 3.4]
const (
	OpError          = 0x01
	OpMTUReq         = 0x02
	OpMTURsp         = 0x03
	OpFindInfoReq    = 0x04
	OpFindInfoRsp    = 0x05
	OpFindByTypeReq  = 0x06
	OpFindByTypeRsp  = 0x07
	OpReadByTypeReq  = 0x08
	OpReadByTypeRsp  = 0x09
	OpReadReq        = 0x0a
	OpReadRsp        = 0x0b
	OpReadBlobReq    = 0x0c
	OpReadBlobRsp    = 0x0d
	OpReadMultiReq   = 0x0e
	OpReadMultiRsp   = 0x0f
	OpReadByGroupReq = 0x10
	OpReadByGroupRsp = 0x11
	OpWriteReq       = 0x12
	OpWriteRsp       = 0x13
	OpWriteCmd       = 0x52
	OpPrepWriteReq   = 0x16
	OpPrepWriteRsp   = 0x17
	OpExecWriteReq   = 0x18
	OpExecWriteRsp   = 0x19
	OpHandleNotify   = 0x1b
	OpHandleInd      = 0x1d
	OpHandleCnf      = 0x1e
	OpSignedWriteCmd = 0xd2
)

// ErrorRsp marshals an Error Response for the request opcode op on
// handle h. [Vol 3, Part F, 3.4.1.1]
func ErrorRsp(op byte, h uint16, s trouble.AttError) []byte {
	return []byte{OpError, op, byte(h), byte(h >> 8), byte(s)}
}

// Notification marshals a Handle Value Notification for handle h.
// [Vol 3, Part F, 3.4.7.1]
func Notification(h uint16, value []byte) []byte {
	b := make([]byte, 3+len(value))
	b[0] = OpHandleNotify
	binary.LittleEndian.PutUint16(b[1:], h)
	copy(b[3:], value)
	return b
}
