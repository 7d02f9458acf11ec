package gatt

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"testing"
	"time"

	"github.com/mansionlabs/trouble"
	"github.com/mansionlabs/trouble/att"
	"github.com/mansionlabs/trouble/uuid"
)

// fakeConn feeds scripted ATT requests to Serve and collects what the
// server sends back. Closing in ends the session like a link drop.
type fakeConn struct {
	in  chan []byte
	out chan []byte
	mtu int
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:  make(chan []byte, 8),
		out: make(chan []byte, 8),
		mtu: att.DefaultMTU,
	}
}

func (c *fakeConn) Read(b []byte) (int, error) {
	p, ok := <-c.in
	if !ok {
		return 0, io.EOF
	}
	copy(b, p)
	return len(p), nil
}

func (c *fakeConn) Write(b []byte) (int, error) {
	c.out <- append([]byte(nil), b...)
	return len(b), nil
}

func (c *fakeConn) SetTxMTU(mtu int)  { c.mtu = mtu }
func (c *fakeConn) TxMTU() int        { return c.mtu }
func (c *fakeConn) IsConnected() bool { return true }

func (c *fakeConn) rsp(t *testing.T) []byte {
	t.Helper()
	select {
	case p := <-c.out:
		return p
	case <-time.After(time.Second):
		t.Fatal("no response")
		return nil
	}
}

func newTestServer(t *testing.T) (srv *Server, battery, vendor uint16) {
	t.Helper()
	tbl := att.NewTable(32)
	bas, err := tbl.AddService(uuid.UUID16(0x180F))
	if err != nil {
		t.Fatalf("AddService: %v", err)
	}
	battery, err = bas.AddCharacteristic(uuid.UUID16(0x2A19), att.CharRead|att.CharNotify, []byte{0x64})
	if err != nil {
		t.Fatalf("AddCharacteristic: %v", err)
	}
	svc, err := tbl.AddService(uuid.Name("michaels mansion"))
	if err != nil {
		t.Fatalf("AddService: %v", err)
	}
	vendor, err = svc.AddCharacteristic(uuid.Name("michaels mansion"), att.CharRead|att.CharWriteNR, []byte{0x00})
	if err != nil {
		t.Fatalf("AddCharacteristic: %v", err)
	}
	return NewServer(tbl), battery, vendor
}

func serve(t *testing.T, srv *Server, c *fakeConn) chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- srv.Serve(c) }()
	return done
}

func readReq(h uint16) []byte {
	return []byte{att.OpReadReq, byte(h), byte(h >> 8)}
}

func writeCmd(h uint16, v ...byte) []byte {
	return append([]byte{att.OpWriteCmd, byte(h), byte(h >> 8)}, v...)
}

func TestServeRead(t *testing.T) {
	srv, battery, _ := newTestServer(t)
	c := newFakeConn()
	done := serve(t, srv, c)

	c.in <- readReq(battery)
	rsp := c.rsp(t)
	if !bytes.Equal(rsp, []byte{att.OpReadRsp, 0x64}) {
		t.Errorf("read response: got % x", rsp)
	}

	e, err := srv.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if e.Type != EventRead || e.Handle != battery {
		t.Errorf("event: got %+v", e)
	}

	close(c.in)
	if err := <-done; err != nil {
		t.Errorf("Serve: %v", err)
	}
}

func TestServeWrite(t *testing.T) {
	srv, _, vendor := newTestServer(t)
	c := newFakeConn()
	done := serve(t, srv, c)

	// Write Command: no response, but an event with the payload.
	c.in <- writeCmd(vendor, 0x2A)
	e, err := srv.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if e.Type != EventWrite || e.Handle != vendor || !bytes.Equal(e.Data, []byte{0x2A}) {
		t.Errorf("event: got %+v", e)
	}
	if v, _ := srv.Table().Value(vendor); !bytes.Equal(v, []byte{0x2A}) {
		t.Errorf("value after write: got % x", v)
	}

	// Write Request: same effect plus a Write Response.
	c.in <- []byte{att.OpWriteReq, byte(vendor), byte(vendor >> 8), 0x2B}
	if rsp := c.rsp(t); !bytes.Equal(rsp, []byte{att.OpWriteRsp}) {
		t.Errorf("write response: got % x", rsp)
	}
	if _, err := srv.Next(context.Background()); err != nil {
		t.Fatalf("Next: %v", err)
	}

	close(c.in)
	<-done
}

func TestServeErrorResponses(t *testing.T) {
	srv, battery, _ := newTestServer(t)
	c := newFakeConn()
	done := serve(t, srv, c)

	cases := []struct {
		req  []byte
		want []byte
	}{
		{ // read of a handle outside the table
			req:  readReq(0x77),
			want: att.ErrorRsp(att.OpReadReq, 0x77, trouble.ErrAttrNotFound),
		},
		{ // write to a read-only value
			req:  []byte{att.OpWriteReq, byte(battery), byte(battery >> 8), 0x01},
			want: att.ErrorRsp(att.OpWriteReq, battery, trouble.ErrWriteNotPerm),
		},
		{ // unsupported opcode
			req:  []byte{att.OpPrepWriteReq, 0, 0},
			want: att.ErrorRsp(att.OpPrepWriteReq, 0, trouble.ErrReqNotSupp),
		},
		{ // malformed read
			req:  []byte{att.OpReadReq, 0x01},
			want: att.ErrorRsp(att.OpReadReq, 0, trouble.ErrInvalidPDU),
		},
	}

	for _, tt := range cases {
		c.in <- tt.req
		if rsp := c.rsp(t); !bytes.Equal(rsp, tt.want) {
			t.Errorf("request % x: got % x want % x", tt.req, rsp, tt.want)
		}
	}

	// The session survived all of it.
	c.in <- readReq(battery)
	if rsp := c.rsp(t); rsp[0] != att.OpReadRsp {
		t.Errorf("session dead after errors: got % x", rsp)
	}

	close(c.in)
	<-done
}

func TestServeMTUExchange(t *testing.T) {
	srv, _, _ := newTestServer(t)
	c := newFakeConn()
	done := serve(t, srv, c)

	req := make([]byte, 3)
	req[0] = att.OpMTUReq
	binary.LittleEndian.PutUint16(req[1:], 185)
	c.in <- req

	rsp := c.rsp(t)
	if rsp[0] != att.OpMTURsp {
		t.Fatalf("response: got % x", rsp)
	}
	if got := binary.LittleEndian.Uint16(rsp[1:]); int(got) != att.MaxMTU {
		t.Errorf("server MTU: got %d want %d", got, att.MaxMTU)
	}
	if c.TxMTU() != 185 {
		t.Errorf("agreed MTU: got %d want 185", c.TxMTU())
	}

	close(c.in)
	<-done
}

func TestServeDiscovery(t *testing.T) {
	srv, _, _ := newTestServer(t)
	c := newFakeConn()
	done := serve(t, srv, c)

	req := []byte{att.OpReadByGroupReq, 0x01, 0x00, 0xFF, 0xFF}
	req = append(req, att.PrimaryServiceUUID...)
	c.in <- req
	rsp := c.rsp(t)
	if rsp[0] != att.OpReadByGroupRsp {
		t.Fatalf("discovery response: got % x", rsp)
	}
	if h := binary.LittleEndian.Uint16(rsp[2:4]); h != 1 {
		t.Errorf("first service handle: got %d want 1", h)
	}

	// Invalid range: start of zero.
	req = []byte{att.OpReadByGroupReq, 0x00, 0x00, 0xFF, 0xFF}
	req = append(req, att.PrimaryServiceUUID...)
	c.in <- req
	if rsp := c.rsp(t); !bytes.Equal(rsp, att.ErrorRsp(att.OpReadByGroupReq, 0, trouble.ErrInvalidHandle)) {
		t.Errorf("zero start handle: got % x", rsp)
	}

	close(c.in)
	<-done
}

func TestNotify(t *testing.T) {
	srv, battery, vendor := newTestServer(t)
	c := newFakeConn()
	done := serve(t, srv, c)

	if err := srv.Notify(c, battery, []byte{0x01}); err != ErrNotSubscribed {
		t.Errorf("Notify before subscribe: got %v want ErrNotSubscribed", err)
	}
	if err := srv.Notify(c, vendor, []byte{0x01}); err != ErrNotSubscribed {
		t.Errorf("Notify without CCCD: got %v want ErrNotSubscribed", err)
	}

	// Subscribe via the CCCD right after the battery value.
	c.in <- []byte{att.OpWriteReq, byte(battery + 1), byte((battery + 1) >> 8), 0x01, 0x00}
	if rsp := c.rsp(t); !bytes.Equal(rsp, []byte{att.OpWriteRsp}) {
		t.Fatalf("CCCD write response: got % x", rsp)
	}

	if err := srv.Notify(c, battery, []byte{0x01}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	n := c.rsp(t)
	want := att.Notification(battery, []byte{0x01})
	if !bytes.Equal(n, want) {
		t.Errorf("notification: got % x want % x", n, want)
	}

	// Subscriptions are connection state: gone when the session ends.
	close(c.in)
	<-done
	if srv.Table().Subscribed(battery) {
		t.Error("subscription survived the session")
	}
}
