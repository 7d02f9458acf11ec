package att

import (
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"

	"github.com/mansionlabs/trouble"
	"github.com/mansionlabs/trouble/uuid"
)

// Characteristic property flags. [Vol 3, Part G, 3.3.1.1]
const (
	CharBroadcast Property = 0x01 // may be broadcasted
	CharRead      Property = 0x02 // may be read
	CharWriteNR   Property = 0x04 // may be written to, with no reply
	CharWrite     Property = 0x08 // may be written to, with a reply
	CharNotify    Property = 0x10 // supports notifications
	CharIndicate  Property = 0x20 // supports indications
)

// A Property is a characteristic property bitmask.
type Property byte

// GATT attribute type UUIDs.
var (
	PrimaryServiceUUID             = uuid.UUID16(0x2800)
	CharacteristicUUID             = uuid.UUID16(0x2803)
	ClientCharacteristicConfigUUID = uuid.UUID16(0x2902)
)

// ErrTableFull is returned when adding an attribute would exceed the
// table's fixed capacity. The schema is malformed; the caller must not
// bring the device up.
var ErrTableFull = errors.New("attribute table full")

// ErrNotFound is returned for value access on a handle the table does
// not contain.
var ErrNotFound = errors.New("attribute not found")

type attrKind int

const (
	kindService attrKind = iota
	kindCharacteristic
	kindCharacteristicValue
	kindCCCD
)

// attr is a single attribute. Handles are assigned sequentially at
// declaration time and never change. The value buffer length is fixed
// by the schema; writes of a different length are rejected.
type attr struct {
	h     uint16
	endh  uint16 // group end, service and characteristic declarations only
	typ   uuid.UUID
	kind  attrKind
	props Property
	cccdh uint16 // characteristic values only; 0 if not notifiable

	mu sync.Mutex
	v  []byte
}

// value returns a copy of the attribute value.
func (a *attr) value() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]byte(nil), a.v...)
}

func (a *attr) setValue(b []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	copy(a.v, b)
}

// A Table is the GATT attribute database: an ordered, fixed-capacity
// range of attributes starting at handle 1. The shape is immutable once
// the services are declared; only values change afterwards, under a
// per-value lock.
type Table struct {
	attrs []*attr
	base  uint16
	limit int
}

// NewTable returns an empty table with the given attribute capacity.
func NewTable(limit int) *Table {
	return &Table{base: 1, limit: limit} // ble attrs start at 1
}

// Len returns the number of attributes in the table.
func (t *Table) Len() int { return len(t.attrs) }

func (t *Table) add(a *attr) error {
	if len(t.attrs) >= t.limit {
		return errors.Wrapf(ErrTableFull, "handle %d exceeds capacity %d", t.next(), t.limit)
	}
	a.h = t.next()
	t.attrs = append(t.attrs, a)
	return nil
}

// next returns the handle the next attribute will get.
func (t *Table) next() uint16 { return t.base + uint16(len(t.attrs)) }

// at returns the attribute with handle h.
func (t *Table) at(h uint16) (*attr, bool) {
	if h < t.base || int(h) >= int(t.base)+len(t.attrs) {
		return nil, false
	}
	return t.attrs[h-t.base], true
}

// A Service is a primary service being declared. Characteristics must
// be added before the next service is declared.
type Service struct {
	t    *Table
	decl *attr
	uuid uuid.UUID
}

// AddService declares a primary service. It fails only when the table
// capacity is exceeded.
func (t *Table) AddService(u uuid.UUID) (*Service, error) {
	a := &attr{
		typ:  PrimaryServiceUUID,
		kind: kindService,
		v:    append([]byte(nil), u...),
	}
	if err := t.add(a); err != nil {
		return nil, err
	}
	a.endh = a.h
	return &Service{t: t, decl: a, uuid: u}, nil
}

// UUID returns the service's UUID.
func (s *Service) UUID() uuid.UUID { return s.uuid }

// AddCharacteristic declares a characteristic with the given properties
// and initial value, and returns the stable handle of its value
// attribute. The value length is fixed by the initial value. A CCCD is
// appended when the characteristic is notifiable or indicatable.
func (s *Service) AddCharacteristic(u uuid.UUID, props Property, value []byte) (uint16, error) {
	vh := s.t.next() + 1

	// Characteristic declaration: properties, value handle, UUID.
	decl := &attr{
		typ:  CharacteristicUUID,
		kind: kindCharacteristic,
		v:    append([]byte{byte(props), byte(vh), byte(vh >> 8)}, u...),
	}
	if err := s.t.add(decl); err != nil {
		return 0, err
	}

	va := &attr{
		typ:   u,
		kind:  kindCharacteristicValue,
		props: props,
		v:     append([]byte(nil), value...),
	}
	if err := s.t.add(va); err != nil {
		return 0, err
	}

	if props&(CharNotify|CharIndicate) != 0 {
		cccd := &attr{
			typ:   ClientCharacteristicConfigUUID,
			kind:  kindCCCD,
			props: CharRead | CharWrite | CharWriteNR,
			v:     make([]byte, 2),
		}
		if err := s.t.add(cccd); err != nil {
			return 0, err
		}
		va.cccdh = cccd.h
	}

	decl.endh = s.t.next() - 1
	s.decl.endh = s.t.next() - 1
	return va.h, nil
}

// Value returns a copy of the value at handle h.
func (t *Table) Value(h uint16) ([]byte, error) {
	a, ok := t.at(h)
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "handle 0x%04X", h)
	}
	return a.value(), nil
}

// SetValue overwrites the value at handle h in place. The new value
// must have the schema-declared length.
func (t *Table) SetValue(h uint16, b []byte) error {
	a, ok := t.at(h)
	if !ok {
		return errors.Wrapf(ErrNotFound, "handle 0x%04X", h)
	}
	if len(b) != len(a.v) {
		return errors.Wrapf(trouble.ErrInvalAttrValueLen, "handle 0x%04X", h)
	}
	a.setValue(b)
	return nil
}

// IsCharacteristicValue reports whether h is a characteristic value
// attribute, the only kind whose reads and writes are application
// visible.
func (t *Table) IsCharacteristicValue(h uint16) bool {
	a, ok := t.at(h)
	return ok && a.kind == kindCharacteristicValue
}

// Subscribed reports whether notifications are enabled on the value
// handle h via its CCCD.
func (t *Table) Subscribed(h uint16) bool {
	a, ok := t.at(h)
	if !ok || a.cccdh == 0 {
		return false
	}
	cccd, ok := t.at(a.cccdh)
	if !ok {
		return false
	}
	return binary.LittleEndian.Uint16(cccd.value())&0x0001 != 0
}

// ClearSubscriptions zeroes every CCCD. Called when the connection the
// subscriptions belong to goes away.
func (t *Table) ClearSubscriptions() {
	for _, a := range t.attrs {
		if a.kind == kindCCCD {
			a.setValue(make([]byte, 2))
		}
	}
}

// Read serves an ATT read of handle h. It returns at most mtu-1 bytes
// of value. [Vol 3, Part F, 3.4.4.3]
func (t *Table) Read(h uint16, mtu int) ([]byte, trouble.AttError) {
	a, ok := t.at(h)
	if !ok {
		return nil, trouble.ErrAttrNotFound
	}
	switch a.kind {
	case kindCharacteristicValue:
		if a.props&CharRead == 0 {
			return nil, trouble.ErrReadNotPerm
		}
	case kindCCCD:
		// readable
	default:
		// Declarations are readable by definition.
	}
	v := a.value()
	if len(v) > mtu-1 {
		v = v[:mtu-1]
	}
	return v, trouble.ErrSuccess
}

// Write serves an ATT write of handle h. [Vol 3, Part F, 3.4.5.1]
func (t *Table) Write(h uint16, data []byte) trouble.AttError {
	a, ok := t.at(h)
	if !ok {
		return trouble.ErrAttrNotFound
	}
	switch a.kind {
	case kindCharacteristicValue:
		if a.props&(CharWrite|CharWriteNR) == 0 {
			return trouble.ErrWriteNotPerm
		}
		if len(data) != len(a.v) {
			return trouble.ErrInvalAttrValueLen
		}
	case kindCCCD:
		if len(data) != 2 {
			return trouble.ErrInvalAttrValueLen
		}
	default:
		return trouble.ErrWriteNotPerm
	}
	a.setValue(data)
	return trouble.ErrSuccess
}
