// Package peripheral assembles a complete BLE peripheral: it builds
// the attribute table, programs advertising, accepts one central at a
// time and pushes a periodic battery level notification while
// connected.
package peripheral

import (
	"context"
	"time"

	"github.com/mgutz/logxi/v1"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/mansionlabs/trouble"
	"github.com/mansionlabs/trouble/adv"
	"github.com/mansionlabs/trouble/att"
	"github.com/mansionlabs/trouble/gatt"
	"github.com/mansionlabs/trouble/hci"
	"github.com/mansionlabs/trouble/uuid"
)

var logger = log.New("adv")

// Resource budgets of the device.
const (
	MaxConnections = 1
	MaxAttributes  = 32
)

// Assigned 16-bit UUIDs used by the device schema.
var (
	gapServiceUUID     = uuid.UUID16(0x1800)
	gattServiceUUID    = uuid.UUID16(0x1801)
	batteryServiceUUID = uuid.UUID16(0x180F)

	deviceNameUUID   = uuid.UUID16(0x2A00)
	appearanceUUID   = uuid.UUID16(0x2A01)
	batteryLevelUUID = uuid.UUID16(0x2A19)
)

// mansionServiceUUID identifies the vendor service; the characteristic
// under it shares the UUID.
var mansionServiceUUID = uuid.Name("michaels mansion")

// Config carries the tunables of the peripheral. The zero value works;
// New fills the defaults in.
type Config struct {
	// Name is the advertised local name. Defaults to "Trouble".
	Name string

	// DeviceName is the GAP device name characteristic value.
	// Defaults to "Pico W Bluetooth".
	DeviceName string

	// Addr is the static random device address. Defaults to
	// ff:9f:1a:05:e4:ff.
	Addr trouble.Addr

	// Interval is the battery notification period. Defaults to 2s.
	Interval time.Duration

	// OnRead and OnWrite, when set, run for every application-visible
	// access of the vendor characteristic.
	OnRead  func(value byte)
	OnWrite func(value byte)
}

var zeroAddr trouble.Addr

func (c *Config) setDefaults() {
	if c.Name == "" {
		c.Name = "Trouble"
	}
	if c.DeviceName == "" {
		c.DeviceName = "Pico W Bluetooth"
	}
	if c.Addr == zeroAddr {
		c.Addr = trouble.RandomAddr([6]byte{0xff, 0x9f, 0x1a, 0x05, 0xe4, 0xff})
	}
	if c.Interval == 0 {
		c.Interval = 2 * time.Second
	}
}

// A Peripheral is the assembled device. Run drives it until the
// context ends or the transport fails.
type Peripheral struct {
	cfg Config
	hci *hci.HCI
	srv *gatt.Server

	batteryHandle uint16
	mansionHandle uint16
}

// New builds the attribute table, encodes the advertising payload and
// binds the device to the controller. It fails if the schema exceeds
// the attribute budget or the payload exceeds the advertising budget.
func New(ctrl trouble.Controller, cfg Config) (*Peripheral, error) {
	cfg.setDefaults()

	tbl := att.NewTable(MaxAttributes)
	p := &Peripheral{
		cfg: cfg,
		srv: gatt.NewServer(tbl),
	}
	if err := p.buildSchema(tbl); err != nil {
		return nil, errors.Wrap(err, "can't build attribute table")
	}

	p.hci = hci.NewHCI(ctrl, cfg.Addr)
	p.hci.SetDisconnectHandler(tbl.ClearSubscriptions)
	return p, nil
}

func (p *Peripheral) buildSchema(tbl *att.Table) error {
	gap, err := tbl.AddService(gapServiceUUID)
	if err != nil {
		return err
	}
	if _, err := gap.AddCharacteristic(deviceNameUUID, att.CharRead, []byte(p.cfg.DeviceName)); err != nil {
		return err
	}
	// Appearance: generic power device.
	if _, err := gap.AddCharacteristic(appearanceUUID, att.CharRead, []byte{0x80, 0x07}); err != nil {
		return err
	}

	// An empty GATT service; centrals expect to find one.
	if _, err := tbl.AddService(gattServiceUUID); err != nil {
		return err
	}

	bas, err := tbl.AddService(batteryServiceUUID)
	if err != nil {
		return err
	}
	p.batteryHandle, err = bas.AddCharacteristic(batteryLevelUUID, att.CharRead|att.CharNotify, []byte{0x00})
	if err != nil {
		return err
	}

	mansion, err := tbl.AddService(mansionServiceUUID)
	if err != nil {
		return err
	}
	p.mansionHandle, err = mansion.AddCharacteristic(mansionServiceUUID, att.CharRead|att.CharWriteNR, []byte{0x00})
	return err
}

// advPacket encodes the advertising payload: flags, the battery
// service and the local name. The 31-byte budget is binding; a payload
// that does not fit is a configuration fault, never truncated.
func (p *Peripheral) advPacket() (*adv.Packet, error) {
	pkt, err := adv.NewPacket(
		adv.Flags(adv.FlagGeneralDiscoverable|adv.FlagLEOnly),
		adv.AllUUID(batteryServiceUUID),
		adv.CompleteName(p.cfg.Name),
	)
	return pkt, errors.Wrap(err, "can't encode advertising data")
}

// Addr returns the device address.
func (p *Peripheral) Addr() trouble.Addr { return p.cfg.Addr }

// Server returns the GATT server, mainly for tests and tooling.
func (p *Peripheral) Server() *gatt.Server { return p.srv }

// BatteryHandle returns the battery level value handle.
func (p *Peripheral) BatteryHandle() uint16 { return p.batteryHandle }

// MansionHandle returns the vendor characteristic value handle.
func (p *Peripheral) MansionHandle() uint16 { return p.mansionHandle }

// Run brings the controller up and drives the device: the transport
// loop, the attribute access dispatcher and the connection manager run
// as one group; any of them failing stops the rest.
func (p *Peripheral) Run(ctx context.Context) error {
	pkt, err := p.advPacket()
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.hci.Run(ctx) })
	g.Go(func() error { return p.dispatch(ctx) })
	g.Go(func() error {
		// Init blocks on command responses, so the transport loop
		// must already be up.
		if err := p.hci.Init(); err != nil {
			return err
		}
		if err := p.hci.SetAdvertisement(pkt.Bytes(), nil); err != nil {
			return err
		}
		return p.advertiseLoop(ctx)
	})
	return g.Wait()
}

// dispatch consumes attribute access events. Vendor characteristic
// accesses reach the application hooks; anything else is just logged.
func (p *Peripheral) dispatch(ctx context.Context) error {
	for {
		e, err := p.srv.Next(ctx)
		if err != nil {
			return err
		}
		switch e.Handle {
		case p.mansionHandle:
			p.dispatchMansion(e)
		case p.batteryHandle:
			logger.Debug("battery level accessed", "type", e.Type.String())
		default:
			// A handle the dispatcher does not track is not a
			// protocol fault; the table already validated it.
			logger.Warn("unhandled attribute access", "type", e.Type.String(), "handle", e.Handle)
		}
	}
}

func (p *Peripheral) dispatchMansion(e gatt.Event) {
	switch e.Type {
	case gatt.EventRead:
		v, err := p.srv.Table().Value(e.Handle)
		if err != nil {
			logger.Warn("read event for missing value", "handle", e.Handle, "err", err.Error())
			return
		}
		logger.Info("value read", "value", v[0])
		if p.cfg.OnRead != nil {
			p.cfg.OnRead(v[0])
		}
	case gatt.EventWrite:
		if len(e.Data) != 1 {
			logger.Warn("write event with unexpected length", "len", len(e.Data))
			return
		}
		logger.Info("value written", "value", e.Data[0])
		if p.cfg.OnWrite != nil {
			p.cfg.OnWrite(e.Data[0])
		}
	}
}

// advertiseLoop is the connection lifecycle: advertise, serve one
// central, advertise again. It returns when ctx ends or the host dies.
func (p *Peripheral) advertiseLoop(ctx context.Context) error {
	for {
		if err := p.hci.Advertise(); err != nil {
			return err
		}
		logger.Info("advertising", "name", p.cfg.Name, "addr", p.cfg.Addr.String())

		c, err := p.hci.Accept(ctx)
		if err != nil {
			p.hci.StopAdvertising()
			return err
		}
		// The controller stops advertising on its own when the
		// connection is made.
		logger.Info("connected", "peer", c.RemoteAddr().String())

		p.serveConn(ctx, c)
		logger.Info("disconnected", "peer", c.RemoteAddr().String())

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// serveConn runs the ATT session and the notification ticker until the
// link drops or ctx ends.
func (p *Peripheral) serveConn(ctx context.Context, c *hci.Conn) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := p.srv.Serve(c); err != nil {
			logger.Warn("att session ended", "err", err.Error())
		}
	}()

	tick := time.NewTicker(p.cfg.Interval)
	defer tick.Stop()
	var counter byte
	for {
		select {
		case <-tick.C:
			counter++ // wraps at 255
			if err := p.notifyBattery(c, counter); err != nil {
				if err == gatt.ErrNotSubscribed {
					logger.Debug("battery notification skipped, not subscribed")
					continue
				}
				logger.Warn("battery notification failed", "err", err.Error())
			}
		case <-c.Disconnected():
			<-done
			return
		case <-ctx.Done():
			c.Close()
			<-done
			return
		}
	}
}

func (p *Peripheral) notifyBattery(c *hci.Conn, level byte) error {
	if err := p.srv.Table().SetValue(p.batteryHandle, []byte{level}); err != nil {
		return err
	}
	return p.srv.Notify(c, p.batteryHandle, []byte{level})
}
