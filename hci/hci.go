package hci

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/mansionlabs/trouble"
)

// DefaultATTMTU is the ATT_MTU every LE link starts with.
// [Vol 3, Part G, 5.2.1]
const DefaultATTMTU = 23

// chCmdBufSize bounds outstanding command responses; this host issues
// commands one at a time, so one slot suffices.
const chCmdBufSize = 1

// ErrClosed is returned by Accept after Close or a fatal transport
// error ends the event loop.
var ErrClosed = errors.New("hci: closed")

// HCI is the host side of the host-controller interface: it serializes
// commands, demuxes events and ACL data coming back, and hands
// accepted connections to the caller. A peripheral-only host; it never
// initiates connections and it tracks at most one.
type HCI struct {
	ctrl trouble.Controller
	addr trouble.Addr

	muSend   sync.Mutex
	chCmdRsp chan []byte

	// sentOp is the opcode whose response send is waiting on; the
	// event loop drops responses echoing any other opcode.
	muCmd  sync.Mutex
	sentOp uint16

	// muACL serializes ACL fragments of one PDU; see Conn.writePDU.
	muACL sync.Mutex

	muConn sync.Mutex
	conn   *Conn
	chConn chan *Conn

	// onDisconnect runs on the event loop when a link drops, before
	// the Conn is marked closed.
	onDisconnect func()

	done chan struct{}
	once sync.Once
	err  error
}

// NewHCI returns a host bound to the given controller transport. addr
// is the static random address the device will advertise and connect
// under.
func NewHCI(ctrl trouble.Controller, addr trouble.Addr) *HCI {
	return &HCI{
		ctrl:     ctrl,
		addr:     addr,
		chCmdRsp: make(chan []byte, chCmdBufSize),
		chConn:   make(chan *Conn, 1),
		done:     make(chan struct{}),
	}
}

// Addr returns the device address the host was configured with.
func (h *HCI) Addr() trouble.Addr { return h.addr }

// SetDisconnectHandler registers a hook run whenever a connection
// drops, on the event loop before Accept can hand out a new one.
func (h *HCI) SetDisconnectHandler(f func()) { h.onDisconnect = f }

// Init resets the controller and programs the static random address.
// Run must already be consuming events.
func (h *HCI) Init() error {
	if err := h.Send(Reset{}); err != nil {
		return errors.Wrap(err, "can't reset controller")
	}
	if err := h.Send(LESetRandomAddress{RandomAddress: h.addr.LittleEndian()}); err != nil {
		return errors.Wrap(err, "can't set random address")
	}
	return nil
}

// Send issues a command and checks the status byte of its Command
// Complete return parameters.
func (h *HCI) Send(c Command) error {
	rsp, err := h.send(c)
	if err != nil {
		return err
	}
	if len(rsp) > 0 && rsp[0] != 0x00 {
		return errors.Errorf("hci: cmd 0x%04X failed with status 0x%02X", c.OpCode(), rsp[0])
	}
	return nil
}

// send writes a command to the controller and blocks for its Command
// Complete return parameters. Commands go out strictly one at a time.
func (h *HCI) send(c Command) ([]byte, error) {
	b, err := c.Marshal()
	if err != nil {
		return nil, errors.Wrap(err, "can't marshal cmd")
	}

	h.muSend.Lock()
	defer h.muSend.Unlock()

	// A command that timed out may have left its late response behind.
	select {
	case <-h.chCmdRsp:
	default:
	}
	h.setSentOp(c.OpCode())
	defer h.setSentOp(0)

	if _, err := h.ctrl.Write(append([]byte{pktTypeCommand}, b...)); err != nil {
		return nil, errors.Wrap(err, "can't send cmd")
	}
	select {
	case rsp := <-h.chCmdRsp:
		return rsp, nil
	case <-h.done:
		return nil, h.Err()
	case <-time.After(10 * time.Second):
		return nil, errors.Errorf("hci: no response to cmd 0x%04X", c.OpCode())
	}
}

func (h *HCI) setSentOp(op uint16) {
	h.muCmd.Lock()
	h.sentOp = op
	h.muCmd.Unlock()
}

func (h *HCI) awaitedOp() uint16 {
	h.muCmd.Lock()
	defer h.muCmd.Unlock()
	return h.sentOp
}

// Run is the transport loop: it reads HCI packets off the controller
// one at a time and dispatches them. It returns when ctx ends, Close
// is called, or the transport read fails; a read failure is fatal and
// poisons every pending and future operation.
func (h *HCI) Run(ctx context.Context) error {
	go func() {
		select {
		case <-ctx.Done():
			h.kill(ctx.Err())
		case <-h.done:
		}
	}()

	b := make([]byte, 512)
	for {
		n, err := h.ctrl.Read(b)
		if err != nil {
			select {
			case <-h.done:
				return h.Err()
			default:
			}
			h.kill(errors.Wrap(err, "can't read hci packet"))
			return h.Err()
		}
		p := make([]byte, n)
		copy(p, b[:n])
		h.dispatch(p)
	}
}

func (h *HCI) dispatch(p []byte) {
	if len(p) < 1 {
		return
	}
	switch p[0] {
	case pktTypeEvent:
		h.handleEvent(p[1:])
	case pktTypeACLData:
		h.handleACL(p[1:])
	default:
		log.Errorf("hci: unsupported packet type 0x%02X: [ % X ]", p[0], p)
	}
}

func (h *HCI) handleEvent(e []byte) {
	if len(e) < 2 {
		log.Errorf("hci: short event: [ % X ]", e)
		return
	}
	code, plen := e[0], int(e[1])
	if len(e) < 2+plen {
		log.Errorf("hci: truncated event 0x%02X: [ % X ]", code, e)
		return
	}
	p := e[2 : 2+plen]
	switch code {
	case evtCommandComplete:
		cc := commandComplete(p)
		if cc.commandOpcode() != h.awaitedOp() {
			log.Errorf("hci: dropped command complete for cmd 0x%04X", cc.commandOpcode())
			return
		}
		h.chCmdRsp <- cc.returnParams()
	case evtCommandStatus:
		cs := commandStatus(p)
		if cs.commandOpcode() != h.awaitedOp() {
			log.Errorf("hci: dropped command status for cmd 0x%04X", cs.commandOpcode())
			return
		}
		h.chCmdRsp <- []byte{cs.status()}
	case evtDisconnectionComplete:
		h.handleDisconnection(disconnectionComplete(p))
	case evtNumCompletedPkts:
		// Flow control is not tracked; writes block on the transport.
	case evtLEMeta:
		h.handleLEMeta(p)
	default:
		log.Debugf("hci: ignored event 0x%02X", code)
	}
}

func (h *HCI) handleLEMeta(p []byte) {
	if len(p) < 1 {
		return
	}
	switch p[0] {
	case leConnectionComplete:
		h.handleConnection(connectionComplete(p[1:]))
	case leConnectionUpdate:
		// Parameters are the controller's business.
	default:
		log.Debugf("hci: ignored le meta subevent 0x%02X", p[0])
	}
}

func (h *HCI) handleConnection(e connectionComplete) {
	if e.status() != 0x00 {
		log.Errorf("hci: connection failed with status 0x%02X", e.status())
		return
	}
	peer := trouble.Addr{}
	le := e.peerAddress()
	for i := 0; i < 6; i++ {
		peer[i] = le[5-i]
	}

	h.muConn.Lock()
	defer h.muConn.Unlock()
	if h.conn != nil {
		// A second link while one is up should not happen with
		// advertising stopped; drop it.
		log.Errorf("hci: unexpected connection 0x%04X from %s", e.connectionHandle(), peer)
		handle := e.connectionHandle()
		// Issued off the event loop; send blocks for the Command
		// Complete this loop delivers.
		go h.Send(Disconnect{ConnectionHandle: handle, Reason: 0x13})
		return
	}
	c := newConn(h, e.connectionHandle(), peer)
	h.conn = c
	log.Infof("hci: connected to %s, handle 0x%04X", peer, c.handle)
	select {
	case h.chConn <- c:
	default:
		log.Errorf("hci: connection 0x%04X dropped, accept queue full", c.handle)
		h.conn = nil
		c.close()
	}
}

func (h *HCI) handleDisconnection(e disconnectionComplete) {
	h.muConn.Lock()
	c := h.conn
	h.conn = nil
	h.muConn.Unlock()
	if c == nil || c.handle != e.connectionHandle() {
		log.Errorf("hci: disconnection for unknown handle 0x%04X", e.connectionHandle())
		return
	}
	log.Infof("hci: disconnected from %s, reason 0x%02X", c.peer, e.reason())
	if h.onDisconnect != nil {
		h.onDisconnect()
	}
	c.close()
}

func (h *HCI) handleACL(p []byte) {
	a := aclData(p)
	if len(p) < 4 || len(p) < 4+a.dlen() {
		log.Errorf("hci: truncated acl packet: [ % X ]", p)
		return
	}
	h.muConn.Lock()
	c := h.conn
	h.muConn.Unlock()
	if c == nil || c.handle != a.handle() {
		log.Errorf("hci: acl data for unknown handle 0x%04X", a.handle())
		return
	}
	select {
	case c.chInPkt <- a:
	case <-c.closed:
	}
}

// Accept blocks until a central connects, then returns the connection.
func (h *HCI) Accept(ctx context.Context) (*Conn, error) {
	select {
	case c := <-h.chConn:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.done:
		return nil, h.Err()
	}
}

// Connection returns the current connection, or nil.
func (h *HCI) Connection() *Conn {
	h.muConn.Lock()
	defer h.muConn.Unlock()
	return h.conn
}

// SetAdvertisement programs advertising parameters, the advertising
// data and the scan response data. Advertising must be disabled.
func (h *HCI) SetAdvertisement(ad, sr []byte) error {
	if len(ad) > 31 || len(sr) > 31 {
		return errors.New("hci: advertising data exceeds 31 bytes")
	}
	if err := h.Send(LESetAdvertisingParameters{
		AdvertisingIntervalMin: 0x0100, // 160 ms
		AdvertisingIntervalMax: 0x0100,
		AdvertisingType:        0x00, // ADV_IND
		OwnAddressType:         0x01, // random
		AdvertisingChannelMap:  0x07, // all three channels
	}); err != nil {
		return errors.Wrap(err, "can't set adv params")
	}
	adp := LESetAdvertisingData{AdvertisingDataLength: uint8(len(ad))}
	copy(adp.AdvertisingData[:], ad)
	if err := h.Send(adp); err != nil {
		return errors.Wrap(err, "can't set adv data")
	}
	srp := LESetScanResponseData{ScanResponseDataLength: uint8(len(sr))}
	copy(srp.ScanResponseData[:], sr)
	if err := h.Send(srp); err != nil {
		return errors.Wrap(err, "can't set scan response data")
	}
	return nil
}

// Advertise starts undirected connectable advertising.
func (h *HCI) Advertise() error {
	return errors.Wrap(h.Send(LESetAdvertiseEnable{AdvertisingEnable: 1}), "can't enable advertising")
}

// StopAdvertising stops advertising. The controller stops on its own
// when a connection is made; calling this afterwards is harmless.
func (h *HCI) StopAdvertising() error {
	return errors.Wrap(h.Send(LESetAdvertiseEnable{AdvertisingEnable: 0}), "can't disable advertising")
}

// Err returns the error that ended the host, if any.
func (h *HCI) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

func (h *HCI) kill(err error) {
	h.once.Do(func() {
		h.err = err
		close(h.done)
		h.muConn.Lock()
		if h.conn != nil {
			h.conn.close()
			h.conn = nil
		}
		h.muConn.Unlock()
	})
}

// Close ends the event loop and closes the controller transport.
func (h *HCI) Close() error {
	h.kill(ErrClosed)
	return h.ctrl.Close()
}

// uint16LE is a helper for tests and tools assembling raw packets.
func uint16LE(v uint16) []byte {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, v)
	return b
}
