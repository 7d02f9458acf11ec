package hci

import "encoding/binary"

// HCI packet types. [Vol 2, Part E, 5.4]
const (
	pktTypeCommand = 0x01
	pktTypeACLData = 0x02
	pktTypeSCOData = 0x03
	pktTypeEvent   = 0x04
)

// HCI event codes handled by this host.
const (
	evtDisconnectionComplete = 0x05
	evtCommandComplete       = 0x0E
	evtCommandStatus         = 0x0F
	evtNumCompletedPkts      = 0x13
	evtLEMeta                = 0x3E
)

// LE meta subevent codes.
const (
	leConnectionComplete = 0x01
	leAdvertisingReport  = 0x02
	leConnectionUpdate   = 0x03
)

// Event accessors follow the packet layouts directly; the byte slice is
// the event parameter block, without the event header.

type commandComplete []byte

func (e commandComplete) numHCICommandPkts() uint8 { return e[0] }
func (e commandComplete) commandOpcode() uint16    { return binary.LittleEndian.Uint16(e[1:]) }
func (e commandComplete) returnParams() []byte     { return e[3:] }

type commandStatus []byte

func (e commandStatus) status() uint8         { return e[0] }
func (e commandStatus) commandOpcode() uint16 { return binary.LittleEndian.Uint16(e[2:]) }

type disconnectionComplete []byte

func (e disconnectionComplete) status() uint8            { return e[0] }
func (e disconnectionComplete) connectionHandle() uint16 { return binary.LittleEndian.Uint16(e[1:]) }
func (e disconnectionComplete) reason() uint8            { return e[3] }

// connectionComplete is the LE Connection Complete subevent.
// [Vol 2, Part E, 7.7.65.1]
type connectionComplete []byte

func (e connectionComplete) status() uint8            { return e[0] }
func (e connectionComplete) connectionHandle() uint16 { return binary.LittleEndian.Uint16(e[1:]) }
func (e connectionComplete) role() uint8              { return e[3] }
func (e connectionComplete) peerAddressType() uint8   { return e[4] }
func (e connectionComplete) peerAddress() [6]byte {
	var a [6]byte
	copy(a[:], e[5:11])
	return a
}
func (e connectionComplete) connInterval() uint16 { return binary.LittleEndian.Uint16(e[11:]) }

// aclData is an HCI ACL Data packet without the packet type byte.
// [Vol 2, Part E, 5.4.2]
type aclData []byte

func (a aclData) handle() uint16 { return uint16(a[0]) | uint16(a[1]&0x0f)<<8 }
func (a aclData) pbf() int       { return int(a[1]>>4) & 0x3 }
func (a aclData) dlen() int      { return int(binary.LittleEndian.Uint16(a[2:])) }
func (a aclData) data() []byte   { return a[4:] }

// ACL packet boundary flags.
const (
	pbfHostToControllerStart = 0x0
	pbfContinuing            = 0x1
	pbfControllerToHostStart = 0x2
)
