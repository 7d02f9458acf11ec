// Package gatt serves the attribute table over a connection's ATT
// channel and surfaces application-visible reads and writes as an
// event stream.
package gatt

import (
	"context"
	"encoding/binary"
	"io"

	"github.com/mgutz/logxi/v1"
	"github.com/pkg/errors"

	"github.com/mansionlabs/trouble"
	"github.com/mansionlabs/trouble/att"
	"github.com/mansionlabs/trouble/uuid"
)

var logger = log.New("gatt")

// ErrNotSubscribed is returned by Notify when the central has not
// enabled notifications on the characteristic's CCCD.
var ErrNotSubscribed = errors.New("gatt: central not subscribed")

// A Conn is what the server needs from a connection: whole ATT PDUs in
// and out, the agreed MTU, and liveness.
type Conn interface {
	io.ReadWriter
	SetTxMTU(mtu int)
	TxMTU() int
	IsConnected() bool
}

// An EventType tells reads and writes apart on the event stream.
type EventType int

// Event types.
const (
	EventRead EventType = iota
	EventWrite
)

func (t EventType) String() string {
	if t == EventRead {
		return "read"
	}
	return "write"
}

// An Event is one application-visible attribute access: a read or
// write of a characteristic value. Accesses to declarations,
// descriptors and discovery requests are handled inside the server and
// never surface.
type Event struct {
	Type   EventType
	Handle uint16
	Data   []byte // written value, nil for reads
}

// A Server runs ATT sessions against one attribute table and publishes
// characteristic value accesses. Sessions run one connection at a
// time.
type Server struct {
	tbl *att.Table
	evc chan Event
}

// NewServer returns a server for the given attribute table.
func NewServer(tbl *att.Table) *Server {
	return &Server{
		tbl: tbl,
		evc: make(chan Event, 16),
	}
}

// Table returns the attribute table the server serves.
func (s *Server) Table() *att.Table { return s.tbl }

// Next blocks for the next attribute access event.
func (s *Server) Next(ctx context.Context) (Event, error) {
	select {
	case e := <-s.evc:
		return e, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

func (s *Server) emit(e Event) {
	select {
	case s.evc <- e:
	default:
		logger.Warn("event dropped, queue full", "type", e.Type.String(), "handle", e.Handle)
	}
}

// Notify sends a handle value notification for the characteristic
// value at handle h. It fails with ErrNotSubscribed when the CCCD has
// notifications off; that is the normal idle state, not a link fault.
func (s *Server) Notify(c Conn, h uint16, value []byte) error {
	if !s.tbl.Subscribed(h) {
		return ErrNotSubscribed
	}
	n := att.Notification(h, value)
	if len(n) > c.TxMTU() {
		n = n[:c.TxMTU()]
	}
	if _, err := c.Write(n); err != nil {
		return errors.Wrap(err, "can't send notification")
	}
	return nil
}

// Serve answers ATT requests on the connection until it drops. A
// malformed or unserviceable request gets an error response; only a
// dead link ends the session. Subscriptions are connection state and
// are cleared on return.
func (s *Server) Serve(c Conn) error {
	defer s.tbl.ClearSubscriptions()
	buf := make([]byte, att.MaxMTU)
	for {
		n, err := c.Read(buf)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "can't read request")
		}
		req := buf[:n]
		if len(req) == 0 {
			continue
		}
		rsp := s.handle(c, req)
		if rsp == nil {
			continue // commands get no response
		}
		if _, err := c.Write(rsp); err != nil {
			return errors.Wrap(err, "can't write response")
		}
	}
}

func (s *Server) handle(c Conn, req []byte) []byte {
	op := req[0]
	switch op {
	case att.OpMTUReq:
		return s.exchangeMTU(c, req)
	case att.OpFindInfoReq:
		return s.findInfo(c, req)
	case att.OpReadByTypeReq:
		return s.readByType(c, req)
	case att.OpReadReq:
		return s.read(c, req)
	case att.OpReadByGroupReq:
		return s.readByGroup(c, req)
	case att.OpWriteReq:
		return s.write(c, req, true)
	case att.OpWriteCmd:
		return s.write(c, req, false)
	default:
		logger.Debug("unsupported request", "op", op)
		return att.ErrorRsp(op, 0, trouble.ErrReqNotSupp)
	}
}

// exchangeMTU agrees on min(client, server) capped by the transport
// buffer. [Vol 3, Part F, 3.4.2]
func (s *Server) exchangeMTU(c Conn, req []byte) []byte {
	if len(req) != 3 {
		return att.ErrorRsp(req[0], 0, trouble.ErrInvalidPDU)
	}
	mtu := int(binary.LittleEndian.Uint16(req[1:3]))
	if mtu < att.DefaultMTU {
		mtu = att.DefaultMTU
	}
	if mtu > att.MaxMTU {
		mtu = att.MaxMTU
	}
	c.SetTxMTU(mtu)
	logger.Debug("mtu exchanged", "mtu", mtu)
	rsp := make([]byte, 3)
	rsp[0] = att.OpMTURsp
	binary.LittleEndian.PutUint16(rsp[1:3], uint16(att.MaxMTU))
	return rsp
}

func (s *Server) findInfo(c Conn, req []byte) []byte {
	if len(req) != 5 {
		return att.ErrorRsp(req[0], 0, trouble.ErrInvalidPDU)
	}
	start := binary.LittleEndian.Uint16(req[1:3])
	end := binary.LittleEndian.Uint16(req[3:5])
	if start == 0 || start > end {
		return att.ErrorRsp(req[0], start, trouble.ErrInvalidHandle)
	}
	rsp, ec := s.tbl.FindInfo(start, end, c.TxMTU())
	if ec != trouble.ErrSuccess {
		return att.ErrorRsp(req[0], start, ec)
	}
	return rsp
}

func (s *Server) readByType(c Conn, req []byte) []byte {
	if len(req) != 7 && len(req) != 21 {
		return att.ErrorRsp(req[0], 0, trouble.ErrInvalidPDU)
	}
	start := binary.LittleEndian.Uint16(req[1:3])
	end := binary.LittleEndian.Uint16(req[3:5])
	if start == 0 || start > end {
		return att.ErrorRsp(req[0], start, trouble.ErrInvalidHandle)
	}
	rsp, ec := s.tbl.ReadByType(start, end, uuid.UUID(req[5:]), c.TxMTU())
	if ec != trouble.ErrSuccess {
		return att.ErrorRsp(req[0], start, ec)
	}
	return rsp
}

func (s *Server) readByGroup(c Conn, req []byte) []byte {
	if len(req) != 7 && len(req) != 21 {
		return att.ErrorRsp(req[0], 0, trouble.ErrInvalidPDU)
	}
	start := binary.LittleEndian.Uint16(req[1:3])
	end := binary.LittleEndian.Uint16(req[3:5])
	if start == 0 || start > end {
		return att.ErrorRsp(req[0], start, trouble.ErrInvalidHandle)
	}
	rsp, ec := s.tbl.ReadByGroup(start, end, uuid.UUID(req[5:]), c.TxMTU())
	if ec != trouble.ErrSuccess {
		return att.ErrorRsp(req[0], start, ec)
	}
	return rsp
}

func (s *Server) read(c Conn, req []byte) []byte {
	if len(req) != 3 {
		return att.ErrorRsp(req[0], 0, trouble.ErrInvalidPDU)
	}
	h := binary.LittleEndian.Uint16(req[1:3])
	v, ec := s.tbl.Read(h, c.TxMTU())
	if ec != trouble.ErrSuccess {
		logger.Debug("read refused", "handle", h, "err", ec.Error())
		return att.ErrorRsp(req[0], h, ec)
	}
	if s.tbl.IsCharacteristicValue(h) {
		s.emit(Event{Type: EventRead, Handle: h})
	}
	return append([]byte{att.OpReadRsp}, v...)
}

func (s *Server) write(c Conn, req []byte, withRsp bool) []byte {
	if len(req) < 3 {
		if !withRsp {
			return nil
		}
		return att.ErrorRsp(req[0], 0, trouble.ErrInvalidPDU)
	}
	h := binary.LittleEndian.Uint16(req[1:3])
	data := req[3:]
	ec := s.tbl.Write(h, data)
	if ec != trouble.ErrSuccess {
		logger.Debug("write refused", "handle", h, "err", ec.Error())
		if !withRsp {
			return nil
		}
		return att.ErrorRsp(req[0], h, ec)
	}
	if s.tbl.IsCharacteristicValue(h) {
		s.emit(Event{Type: EventWrite, Handle: h, Data: append([]byte(nil), data...)})
	}
	if !withRsp {
		return nil
	}
	return []byte{att.OpWriteRsp}
}
