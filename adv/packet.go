package adv

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/mansionlabs/trouble/uuid"
)

// ErrNotFit is returned when a field does not fit in the remaining
// space of the packet. The field is not appended; the packet keeps the
// fields appended so far.
var ErrNotFit = errors.New("data not fit")

// A Field appends a single AD structure to a packet.
type Field func(p *Packet) error

// A Packet accumulates AD structures up to the 31-byte EIR budget.
// Refer to Supplement to Bluetooth Core Specification | CSSv6, Part A.
type Packet struct {
	b []byte
}

// NewPacket returns a packet with the specified fields. It fails with
// ErrNotFit if the fields exceed the EIR budget; a caller that would
// rather truncate than fail must append fields one by one.
func NewPacket(fields ...Field) (*Packet, error) {
	p := &Packet{b: make([]byte, 0, MaxEIRPacketLength)}
	for _, f := range fields {
		if err := p.Append(f); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Append appends a field to the packet, or returns ErrNotFit.
func (p *Packet) Append(f Field) error {
	return f(p)
}

// Bytes returns the bytes of the packet.
func (p *Packet) Bytes() []byte { return p.b }

// Len returns the length of the packet.
func (p *Packet) Len() int { return len(p.b) }

// append appends a field of type typ. A field consists of length, type
// and data; the length byte covers the type byte and the data.
func (p *Packet) append(typ byte, b []byte) error {
	if len(p.b)+1+1+len(b) > MaxEIRPacketLength {
		return ErrNotFit
	}
	p.b = append(p.b, byte(len(b)+1))
	p.b = append(p.b, typ)
	p.b = append(p.b, b...)
	return nil
}

// Flags is a flags field.
func Flags(f byte) Field {
	return func(p *Packet) error { return p.append(typeFlags, []byte{f}) }
}

// AllUUID is a complete service UUID list field.
func AllUUID(u uuid.UUID) Field {
	return func(p *Packet) error {
		switch u.Len() {
		case 2:
			return p.append(typeAllUUID16, u)
		case 4:
			return p.append(typeAllUUID32, u)
		}
		return p.append(typeAllUUID128, u)
	}
}

// SomeUUID is an incomplete service UUID list field.
func SomeUUID(u uuid.UUID) Field {
	return func(p *Packet) error {
		switch u.Len() {
		case 2:
			return p.append(typeSomeUUID16, u)
		case 4:
			return p.append(typeSomeUUID32, u)
		}
		return p.append(typeSomeUUID128, u)
	}
}

// CompleteName is a complete local name field.
func CompleteName(n string) Field {
	return func(p *Packet) error { return p.append(typeCompleteName, []byte(n)) }
}

// ShortName is a shortened local name field.
func ShortName(n string) Field {
	return func(p *Packet) error { return p.append(typeShortName, []byte(n)) }
}

// TxPower is a tx power level field.
func TxPower(pwr int8) Field {
	return func(p *Packet) error { return p.append(typeTxPower, []byte{byte(pwr)}) }
}

// Appearance is an appearance field.
func Appearance(a uint16) Field {
	return func(p *Packet) error {
		b := make([]byte, 2)
		binary.LittleEndian.PutUint16(b, a)
		return p.append(typeAppearance, b)
	}
}

// ManufacturerData is a manufacturer specific data field.
func ManufacturerData(id uint16, b []byte) Field {
	return func(p *Packet) error {
		d := append([]byte{uint8(id), uint8(id >> 8)}, b...)
		return p.append(typeManufacturerData, d)
	}
}

// Field returns the data of the first field of type typ (excluding the
// initial length and type byte). It returns nil if the field is absent.
func (p *Packet) Field(typ byte) []byte {
	b := p.b
	for len(b) > 0 {
		if len(b) < 2 {
			return nil
		}
		l, t := b[0], b[1]
		// A zero length byte can't even cover its own type byte;
		// nothing valid follows.
		if l == 0 {
			return nil
		}
		if len(b) < int(1+l) {
			return nil
		}
		if t == typ {
			return b[2 : 1+l]
		}
		b = b[1+l:]
	}
	return nil
}

// LocalName returns the complete or shortened local name, if any.
func (p *Packet) LocalName() string {
	if b := p.Field(typeCompleteName); b != nil {
		return string(b)
	}
	return string(p.Field(typeShortName))
}

// Flags returns the flags field, if present.
func (p *Packet) Flags() (byte, bool) {
	b := p.Field(typeFlags)
	if len(b) < 1 {
		return 0, false
	}
	return b[0], true
}

// UUIDs returns the service UUIDs advertised in the packet.
func (p *Packet) UUIDs() []uuid.UUID {
	var u []uuid.UUID
	for _, f := range []struct {
		typ byte
		w   int
	}{
		{typeSomeUUID16, 2},
		{typeAllUUID16, 2},
		{typeSomeUUID32, 4},
		{typeAllUUID32, 4},
		{typeSomeUUID128, 16},
		{typeAllUUID128, 16},
	} {
		if b := p.Field(f.typ); b != nil {
			u = uuidList(u, b, f.w)
		}
	}
	return u
}

// Parse wraps raw advertising data for field access.
func Parse(b []byte) *Packet { return &Packet{b: b} }

func uuidList(u []uuid.UUID, d []byte, w int) []uuid.UUID {
	for len(d) >= w {
		u = append(u, uuid.UUID(d[:w]))
		d = d[w:]
	}
	return u
}
