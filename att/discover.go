package att

import (
	"encoding/binary"

	"github.com/mansionlabs/trouble"
	"github.com/mansionlabs/trouble/uuid"
)

// ReadByGroup builds a Read By Group Type Response for primary services
// in [start, end]. Entries keep a uniform size; a change of UUID width
// ends the response and the central re-requests from there.
// [Vol 3, Part G, 4.4.1]
func (t *Table) ReadByGroup(start, end uint16, typ uuid.UUID, mtu int) ([]byte, trouble.AttError) {
	if !typ.Equal(PrimaryServiceUUID) {
		return nil, trouble.ErrUnsuppGrpType
	}
	rsp := []byte{OpReadByGroupRsp, 0}
	for _, a := range t.attrs {
		if a.kind != kindService || a.h < start || a.h > end {
			continue
		}
		v := a.value()
		length := 4 + len(v)
		if rsp[1] == 0 {
			rsp[1] = byte(length)
		} else if rsp[1] != byte(length) {
			break
		}
		if len(rsp)+length > mtu {
			break
		}
		var e [4]byte
		binary.LittleEndian.PutUint16(e[0:], a.h)
		binary.LittleEndian.PutUint16(e[2:], a.endh)
		rsp = append(rsp, e[:]...)
		rsp = append(rsp, v...)
	}
	if len(rsp) == 2 {
		return nil, trouble.ErrAttrNotFound
	}
	return rsp, trouble.ErrSuccess
}

// ReadByType builds a Read By Type Response for attributes of type typ
// in [start, end]. With type 0x2803 this is characteristic discovery;
// other types serve reads such as the GAP device name by UUID.
// [Vol 3, Part G, 4.6.1]
func (t *Table) ReadByType(start, end uint16, typ uuid.UUID, mtu int) ([]byte, trouble.AttError) {
	rsp := []byte{OpReadByTypeRsp, 0}
	for _, a := range t.attrs {
		if a.h < start || a.h > end || !a.typ.Equal(typ) {
			continue
		}
		v := a.value()
		length := 2 + len(v)
		if rsp[1] == 0 {
			rsp[1] = byte(length)
		} else if rsp[1] != byte(length) {
			break
		}
		if len(rsp)+length > mtu {
			break
		}
		var e [2]byte
		binary.LittleEndian.PutUint16(e[0:], a.h)
		rsp = append(rsp, e[:]...)
		rsp = append(rsp, v...)
	}
	if len(rsp) == 2 {
		return nil, trouble.ErrAttrNotFound
	}
	return rsp, trouble.ErrSuccess
}

// FindInfo builds a Find Information Response listing the attribute
// types in [start, end]. Format 1 packs 16-bit types, format 2 128-bit
// types; a change of width ends the response. [Vol 3, Part F, 3.4.3.1]
func (t *Table) FindInfo(start, end uint16, mtu int) ([]byte, trouble.AttError) {
	rsp := []byte{OpFindInfoRsp, 0}
	for _, a := range t.attrs {
		if a.h < start || a.h > end {
			continue
		}
		format := byte(1)
		if a.typ.Len() == 16 {
			format = 2
		}
		if rsp[1] == 0 {
			rsp[1] = format
		} else if rsp[1] != format {
			break
		}
		length := 2 + a.typ.Len()
		if len(rsp)+length > mtu {
			break
		}
		var e [2]byte
		binary.LittleEndian.PutUint16(e[0:], a.h)
		rsp = append(rsp, e[:]...)
		rsp = append(rsp, a.typ...)
	}
	if len(rsp) == 2 {
		return nil, trouble.ErrAttrNotFound
	}
	return rsp, trouble.ErrSuccess
}
