package hci

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
)

// A Command is an HCI command: opcode plus little-endian marshaled
// parameters. [Vol 2, Part E, 5.4.1]
type Command interface {
	OpCode() uint16
	Marshal() ([]byte, error)
}

func opCode(ogf, ocf int) uint16 { return uint16(ogf<<10 | ocf) }

func marshal(op uint16, param interface{}) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, 3))
	buf.Write([]byte{byte(op), byte(op >> 8), 0})
	if param != nil {
		if err := binary.Write(buf, binary.LittleEndian, param); err != nil {
			return nil, errors.Wrap(err, "can't marshal cmd param")
		}
	}
	b := buf.Bytes()
	if len(b)-3 > 255 {
		return nil, errors.New("cmd param too long")
	}
	b[2] = byte(len(b) - 3)
	return b, nil
}

// Reset implements Reset (0x03|0x0003) [Vol 2, Part E, 7.3.2]
type Reset struct{}

func (c Reset) OpCode() uint16           { return opCode(0x03, 0x0003) }
func (c Reset) Marshal() ([]byte, error) { return marshal(c.OpCode(), nil) }

// Disconnect implements Disconnect (0x01|0x0006) [Vol 2, Part E, 7.1.6]
type Disconnect struct {
	ConnectionHandle uint16
	Reason           uint8
}

func (c Disconnect) OpCode() uint16           { return opCode(0x01, 0x0006) }
func (c Disconnect) Marshal() ([]byte, error) { return marshal(c.OpCode(), c) }

// LESetRandomAddress implements LE Set Random Address (0x08|0x0005) [Vol 2, Part E, 7.8.4]
type LESetRandomAddress struct {
	RandomAddress [6]byte
}

func (c LESetRandomAddress) OpCode() uint16           { return opCode(0x08, 0x0005) }
func (c LESetRandomAddress) Marshal() ([]byte, error) { return marshal(c.OpCode(), c) }

// LESetAdvertisingParameters implements LE Set Advertising Parameters (0x08|0x0006) [Vol 2, Part E, 7.8.5]
type LESetAdvertisingParameters struct {
	AdvertisingIntervalMin  uint16
	AdvertisingIntervalMax  uint16
	AdvertisingType         uint8
	OwnAddressType          uint8
	DirectAddressType       uint8
	DirectAddress           [6]byte
	AdvertisingChannelMap   uint8
	AdvertisingFilterPolicy uint8
}

func (c LESetAdvertisingParameters) OpCode() uint16           { return opCode(0x08, 0x0006) }
func (c LESetAdvertisingParameters) Marshal() ([]byte, error) { return marshal(c.OpCode(), c) }

// LESetAdvertisingData implements LE Set Advertising Data (0x08|0x0008) [Vol 2, Part E, 7.8.7]
type LESetAdvertisingData struct {
	AdvertisingDataLength uint8
	AdvertisingData       [31]byte
}

func (c LESetAdvertisingData) OpCode() uint16           { return opCode(0x08, 0x0008) }
func (c LESetAdvertisingData) Marshal() ([]byte, error) { return marshal(c.OpCode(), c) }

// LESetScanResponseData implements LE Set Scan Response Data (0x08|0x0009) [Vol 2, Part E, 7.8.8]
type LESetScanResponseData struct {
	ScanResponseDataLength uint8
	ScanResponseData       [31]byte
}

func (c LESetScanResponseData) OpCode() uint16           { return opCode(0x08, 0x0009) }
func (c LESetScanResponseData) Marshal() ([]byte, error) { return marshal(c.OpCode(), c) }

// LESetAdvertiseEnable implements LE Set Advertising Enable (0x08|0x000A) [Vol 2, Part E, 7.8.9]
type LESetAdvertiseEnable struct {
	AdvertisingEnable uint8
}

func (c LESetAdvertiseEnable) OpCode() uint16           { return opCode(0x08, 0x000A) }
func (c LESetAdvertiseEnable) Marshal() ([]byte, error) { return marshal(c.OpCode(), c) }
