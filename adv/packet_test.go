package adv

import (
	"fmt"
	"testing"

	"github.com/mansionlabs/trouble/uuid"
)

func TestPacketEncoding(t *testing.T) {
	cases := []struct {
		fields []Field
		want   string
	}{
		{
			fields: []Field{Flags(FlagGeneralDiscoverable | FlagLEOnly)},
			want:   "020106",
		},
		{
			fields: []Field{
				Flags(FlagGeneralDiscoverable | FlagLEOnly),
				AllUUID(uuid.UUID16(0x180F)),
				CompleteName("Trouble"),
			},
			want: "02010603030f18080954726f75626c65",
		},
		{
			fields: []Field{TxPower(-4)},
			want:   "020afc",
		},
		{
			fields: []Field{ManufacturerData(0x004C, []byte{0x01, 0x02})},
			want:   "05ff4c000102",
		},
	}

	for _, tt := range cases {
		p, err := NewPacket(tt.fields...)
		if err != nil {
			t.Errorf("NewPacket: %v", err)
			continue
		}
		if got := fmt.Sprintf("%x", p.Bytes()); got != tt.want {
			t.Errorf("NewPacket: got %q want %q", got, tt.want)
		}
	}
}

func TestPacketBudget(t *testing.T) {
	// Flags (3) + 128-bit UUID (18) + name: 10 bytes of headroom, the
	// 2-byte field header leaves room for 8 name bytes.
	fields := func(name string) []Field {
		return []Field{
			Flags(FlagGeneralDiscoverable | FlagLEOnly),
			AllUUID(uuid.Name("michaels mansion")),
			CompleteName(name),
		}
	}

	p, err := NewPacket(fields("12345678")...)
	if err != nil {
		t.Fatalf("NewPacket at exactly 31 bytes: %v", err)
	}
	if p.Len() != MaxEIRPacketLength {
		t.Errorf("Len: got %d want %d", p.Len(), MaxEIRPacketLength)
	}

	if _, err := NewPacket(fields("123456789")...); err != ErrNotFit {
		t.Errorf("NewPacket over budget: got %v want ErrNotFit", err)
	}
}

func TestPacketBudgetKeepsEarlierFields(t *testing.T) {
	p, _ := NewPacket(Flags(FlagGeneralDiscoverable))
	if err := p.Append(CompleteName("a name that is clearly longer than the eir budget")); err != ErrNotFit {
		t.Fatalf("Append over budget: got %v want ErrNotFit", err)
	}
	// The failed field must not have been partially appended.
	if got, want := fmt.Sprintf("%x", p.Bytes()), "020102"; got != want {
		t.Errorf("packet after failed append: got %q want %q", got, want)
	}
}

func TestParse(t *testing.T) {
	p, err := NewPacket(
		Flags(FlagGeneralDiscoverable|FlagLEOnly),
		AllUUID(uuid.UUID16(0x180F)),
		CompleteName("Trouble"),
	)
	if err != nil {
		t.Fatalf("NewPacket: %v", err)
	}

	q := Parse(p.Bytes())
	if got := q.LocalName(); got != "Trouble" {
		t.Errorf("LocalName: got %q want %q", got, "Trouble")
	}
	f, ok := q.Flags()
	if !ok || f != FlagGeneralDiscoverable|FlagLEOnly {
		t.Errorf("Flags: got %02x, %v", f, ok)
	}
	uu := q.UUIDs()
	if len(uu) != 1 || !uu[0].Equal(uuid.UUID16(0x180F)) {
		t.Errorf("UUIDs: got %v", uu)
	}
}

func TestParseZeroLengthField(t *testing.T) {
	// A zero length byte ends the structure chain; accessors return
	// empty instead of panicking.
	cases := [][]byte{
		{0x00},
		{0x00, 0x09},
		{0x00, 0x09, 'n', 'a', 'm', 'e'},
		{0x02, 0x01, 0x06, 0x00, 0x09},
	}
	for _, raw := range cases {
		p := Parse(raw)
		if got := p.LocalName(); got != "" {
			t.Errorf("LocalName(% x): got %q want empty", raw, got)
		}
		if uu := p.UUIDs(); len(uu) != 0 {
			t.Errorf("UUIDs(% x): got %v want none", raw, uu)
		}
	}
}

func TestParseIgnoresUnknownFields(t *testing.T) {
	// A field of an unhandled type followed by a name.
	raw := []byte{0x02, 0x0A, 0x00, 0x05, 0x09, 'n', 'a', 'm', 'e'}
	if got := Parse(raw).LocalName(); got != "name" {
		t.Errorf("LocalName: got %q want %q", got, "name")
	}
}
