package uuid

import (
	"bytes"
	"testing"
)

func TestUUID16(t *testing.T) {
	if want, got := UUID([]byte{0x00, 0x18}), UUID16(0x1800); !got.Equal(want) {
		t.Errorf("UUID16(0x1800): got %x want %x", got, want)
	}
}

func TestParse(t *testing.T) {
	cases := []struct {
		s    string
		want UUID
		err  bool
	}{
		{s: "1800", want: UUID{0x00, 0x18}},
		{s: "180F", want: UUID{0x0F, 0x18}},
		{s: "ABABABABABABABABABABABABABABABAB", want: bytes.Repeat([]byte{0xAB}, 16)},
		{s: "123456", err: true},
		{s: "xyz0", err: true},
	}

	for _, tt := range cases {
		got, err := Parse(tt.s)
		if tt.err {
			if err == nil {
				t.Errorf("Parse(%q): expected error, got %x", tt.s, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("Parse(%q): %v", tt.s, err)
			continue
		}
		if !got.Equal(tt.want) {
			t.Errorf("Parse(%q): got %x want %x", tt.s, got, tt.want)
		}
	}
}

func TestName(t *testing.T) {
	u := Name("michaels mansion")
	if u.Len() != 16 {
		t.Fatalf("Name length: got %d want 16", u.Len())
	}
	// Little-endian storage: last byte of the name comes first.
	if u[0] != 'n' || u[15] != 'm' {
		t.Errorf("Name byte order: got %x", []byte(u))
	}
	if got, want := u.String(), "6D69636861656C73206D616E73696F6E"; got != want {
		t.Errorf("Name.String: got %q want %q", got, want)
	}
}

func TestNamePanicsOnBadLength(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Name(\"short\"): expected panic")
		}
	}()
	Name("short")
}

func TestString(t *testing.T) {
	if got, want := UUID16(0x180F).String(), "180F"; got != want {
		t.Errorf("UUID16(0x180F).String: got %q want %q", got, want)
	}
}

func TestReverse(t *testing.T) {
	cases := []struct {
		fwd  []byte
		back []byte
	}{
		{fwd: []byte{0, 1}, back: []byte{1, 0}},
		{fwd: []byte{0, 1, 2}, back: []byte{2, 1, 0}},
		{
			fwd:  []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15},
			back: []byte{15, 14, 13, 12, 11, 10, 9, 8, 7, 6, 5, 4, 3, 2, 1, 0},
		},
	}

	for _, tt := range cases {
		if got := Reverse(tt.fwd); !bytes.Equal(got, tt.back) {
			t.Errorf("Reverse(%x): got %x want %x", tt.fwd, got, tt.back)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	for _, s := range []string{"1800", "34DA3AD1-7110-41A1-B1EF-4430F509CDE7"} {
		u := MustParse(s)
		again := MustParse(u.String())
		if !u.Equal(again) {
			t.Errorf("round trip %q: got %s", s, again)
		}
	}
}
