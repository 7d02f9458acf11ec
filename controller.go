package trouble

import "io"

// A Controller is the transport to the BLE radio. It carries raw HCI
// packets in both directions and is the host's only interface to
// hardware; everything above it is portable. Read must return exactly
// one HCI packet per call.
type Controller interface {
	io.ReadWriteCloser
}
