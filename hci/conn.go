package hci

import (
	"encoding/binary"
	"io"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/mansionlabs/trouble"
)

// L2CAP channel IDs on LE-U. [Vol 3, Part A, 2.1]
const (
	cidLEAtt    = 0x0004
	cidLESignal = 0x0005
	cidLESMP    = 0x0006
)

// L2CAP signaling codes handled here. [Vol 3, Part A, 4]
const (
	sigCommandReject    = 0x01
	sigConnParamUpdate  = 0x12
	sigConnParamUpdRsp  = 0x13
)

// aclBufLen is the LE ACL data packet payload this host hands to the
// controller per fragment. 27 is the minimum every LE controller
// supports. [Vol 6, Part B, 2.4]
const aclBufLen = 27

// A Conn is the L2CAP connection to the connected central, LE-U
// logical transport only. Read and Write carry whole ATT PDUs; the
// L2CAP framing and ACL fragmentation stay inside.
type Conn struct {
	hci    *HCI
	handle uint16
	peer   trouble.Addr

	// ATT_MTU agreed for the connection; Write rejects larger PDUs.
	// [Vol 3, Part A, 3.2.8]
	muMTU sync.Mutex
	txMTU int

	chInPkt chan aclData
	chInPDU chan []byte

	closed    chan struct{}
	closeOnce sync.Once
}

func newConn(h *HCI, handle uint16, peer trouble.Addr) *Conn {
	c := &Conn{
		hci:     h,
		handle:  handle,
		peer:    peer,
		txMTU:   DefaultATTMTU,
		chInPkt: make(chan aclData, 16),
		chInPDU: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
	go func() {
		for {
			if err := c.recombine(); err != nil {
				if err != io.EOF {
					log.Errorf("hci: recombine failed: %s", err)
				}
				close(c.chInPDU)
				return
			}
		}
	}()
	return c
}

// Handle returns the connection handle assigned by the controller.
func (c *Conn) Handle() uint16 { return c.handle }

// RemoteAddr returns the central's device address.
func (c *Conn) RemoteAddr() trouble.Addr { return c.peer }

// IsConnected reports whether the link is still up. It flips to false
// when the controller reports Disconnection Complete.
func (c *Conn) IsConnected() bool {
	select {
	case <-c.closed:
		return false
	default:
		return true
	}
}

// Disconnected returns a channel closed when the link drops.
func (c *Conn) Disconnected() <-chan struct{} { return c.closed }

// SetTxMTU records the ATT_MTU agreed during MTU exchange.
func (c *Conn) SetTxMTU(mtu int) {
	c.muMTU.Lock()
	c.txMTU = mtu
	c.muMTU.Unlock()
}

// TxMTU returns the ATT_MTU agreed for the connection.
func (c *Conn) TxMTU() int {
	c.muMTU.Lock()
	defer c.muMTU.Unlock()
	return c.txMTU
}

// Read copies the next re-assembled ATT PDU into b. It returns io.EOF
// once the link has dropped and the in-flight PDUs are drained.
func (c *Conn) Read(b []byte) (int, error) {
	p, ok := <-c.chInPDU
	if !ok {
		return 0, io.EOF
	}
	if len(p) > len(b) {
		return 0, io.ErrShortBuffer
	}
	copy(b, p)
	return len(p), nil
}

// Write sends an ATT PDU to the central as a B-frame on the ATT
// channel. [Vol 3, Part A, 3.1]
func (c *Conn) Write(b []byte) (int, error) {
	if len(b) > c.TxMTU() {
		return 0, io.ErrShortWrite
	}
	if !c.IsConnected() {
		return 0, io.ErrClosedPipe
	}
	pdu := make([]byte, 4+len(b))
	binary.LittleEndian.PutUint16(pdu[0:2], uint16(len(b)))
	binary.LittleEndian.PutUint16(pdu[2:4], cidLEAtt)
	copy(pdu[4:], b)
	if err := c.writePDU(pdu); err != nil {
		return 0, err
	}
	return len(b), nil
}

// writePDU breaks an L2CAP PDU into ACL fragments no larger than the
// controller buffer. [Vol 3, Part A, 7.2.1]
func (c *Conn) writePDU(pdu []byte) error {
	flags := uint16(pbfHostToControllerStart << 4)

	// All fragments of a PDU go out back to back; interleaving
	// fragments of different PDUs on one link is not allowed.
	c.hci.muACL.Lock()
	defer c.hci.muACL.Unlock()

	for len(pdu) > 0 {
		flen := len(pdu)
		if flen > aclBufLen {
			flen = aclBufLen
		}
		pkt := make([]byte, 5+flen)
		pkt[0] = pktTypeACLData
		binary.LittleEndian.PutUint16(pkt[1:3], c.handle|flags<<8)
		binary.LittleEndian.PutUint16(pkt[3:5], uint16(flen))
		copy(pkt[5:], pdu[:flen])
		if _, err := c.hci.ctrl.Write(pkt); err != nil {
			return err
		}
		flags = pbfContinuing << 4
		pdu = pdu[flen:]
	}
	return nil
}

// recombine reassembles ACL fragments into one L2CAP PDU and routes it
// by channel. [Vol 3, Part A, 7.2.2]
func (c *Conn) recombine() error {
	var pkt aclData
	select {
	case pkt = <-c.chInPkt:
	case <-c.closed:
		return io.EOF
	}
	p := append([]byte(nil), pkt.data()...)
	if len(p) < 4 {
		log.Errorf("hci: short l2cap frame: [ % X ]", p)
		return nil
	}
	dlen := int(binary.LittleEndian.Uint16(p[0:2]))
	for len(p) < 4+dlen {
		select {
		case pkt = <-c.chInPkt:
		case <-c.closed:
			return io.ErrUnexpectedEOF
		}
		if pkt.pbf()&pbfContinuing == 0 {
			return io.ErrUnexpectedEOF
		}
		p = append(p, pkt.data()...)
	}
	cid := binary.LittleEndian.Uint16(p[2:4])
	switch cid {
	case cidLEAtt:
		c.chInPDU <- p[4 : 4+dlen]
	case cidLESignal:
		c.handleSignal(p[4 : 4+dlen])
	case cidLESMP:
		// Security Manager is out of scope; ignore.
	default:
		log.Errorf("hci: unrecognized CID 0x%04X: [ % X ]", cid, p)
	}
	return nil
}

// handleSignal answers the mandatory signaling channel: connection
// parameter updates are accepted, everything else is rejected.
// [Vol 3, Part A, 4.20]
func (c *Conn) handleSignal(s []byte) {
	if len(s) < 4 {
		return
	}
	code, id := s[0], s[1]
	var rsp []byte
	switch code {
	case sigConnParamUpdate:
		rsp = []byte{sigConnParamUpdRsp, id, 2, 0, 0, 0} // result: accepted
	default:
		rsp = []byte{sigCommandReject, id, 2, 0, 0, 0} // reason: not understood
	}
	pdu := make([]byte, 4+len(rsp))
	binary.LittleEndian.PutUint16(pdu[0:2], uint16(len(rsp)))
	binary.LittleEndian.PutUint16(pdu[2:4], cidLESignal)
	copy(pdu[4:], rsp)
	if err := c.writePDU(pdu); err != nil {
		log.Errorf("hci: can't answer signal 0x%02X: %s", code, err)
	}
}

// close marks the link down, on Disconnection Complete or host death.
// Only the closed channel is touched; chInPkt stays open so a sender
// parked in handleACL can never hit a closed channel.
func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
}

// Close asks the controller to drop the link.
func (c *Conn) Close() error {
	if !c.IsConnected() {
		return nil
	}
	_, err := c.hci.send(Disconnect{
		ConnectionHandle: c.handle,
		Reason:           0x13, // remote user terminated connection
	})
	return err
}
