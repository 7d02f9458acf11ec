package trouble

import (
	"fmt"

	"github.com/pkg/errors"
)

// An Addr is a 48-bit Bluetooth device address, most significant byte
// first (the order addresses are written, not the HCI wire order).
type Addr [6]byte

// RandomAddr returns a static random address built from b. The two most
// significant bits of a static random address must be set. [Vol 6, Part B, 1.3.2.1]
func RandomAddr(b [6]byte) Addr {
	b[0] |= 0xC0
	return Addr(b)
}

// LittleEndian returns the address in HCI wire order (least significant
// byte first).
func (a Addr) LittleEndian() [6]byte {
	return [6]byte{a[5], a[4], a[3], a[2], a[1], a[0]}
}

// ParseAddr parses a colon-separated address such as
// "ff:9f:1a:05:e4:ff", most significant byte first.
func ParseAddr(s string) (Addr, error) {
	var a Addr
	n, err := fmt.Sscanf(s, "%02x:%02x:%02x:%02x:%02x:%02x",
		&a[0], &a[1], &a[2], &a[3], &a[4], &a[5])
	if err != nil || n != 6 {
		return Addr{}, errors.Errorf("can't parse address %q", s)
	}
	return a, nil
}

func (a Addr) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", a[0], a[1], a[2], a[3], a[4], a[5])
}
