//go:build linux
// +build linux

// Package skt opens a raw HCI user-channel socket to a local Bluetooth
// controller. While the socket is held the kernel stack stays off the
// device; the host in package hci owns it completely.
package skt

import (
	"sync"
	"syscall"
	"unsafe"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"golang.org/x/sys/unix"
)

func ioR(t, nr, size uintptr) uintptr {
	return (2 << 30) | (t << 8) | nr | (size << 16)
}

func ioW(t, nr, size uintptr) uintptr {
	return (1 << 30) | (t << 8) | nr | (size << 16)
}

func ioctl(fd, op, arg uintptr) error {
	if _, _, ep := unix.Syscall(unix.SYS_IOCTL, fd, op, arg); ep != 0 {
		return syscall.Errno(ep)
	}
	return nil
}

const (
	ioctlSize     = 4
	hciMaxDevices = 16
	typHCI        = 72 // 'H'
)

var (
	hciUpDevice      = ioW(typHCI, 201, ioctlSize) // HCIDEVUP
	hciDownDevice    = ioW(typHCI, 202, ioctlSize) // HCIDEVDOWN
	hciResetDevice   = ioW(typHCI, 203, ioctlSize) // HCIDEVRESET
	hciGetDeviceList = ioR(typHCI, 210, ioctlSize) // HCIGETDEVLIST
	hciGetDeviceInfo = ioR(typHCI, 211, ioctlSize) // HCIGETDEVINFO
)

type devRequest struct {
	id  uint16
	opt uint32
}

type devListRequest struct {
	devNum     uint16
	devRequest [hciMaxDevices]devRequest
}

type devInfo struct {
	id         uint16
	name       [8]byte
	bdaddr     [6]byte
	flags      uint32
	devType    uint8
	features   [8]uint8
	pktType    uint32
	linkPolicy uint32
	linkMode   uint32
	aclMTU     uint16
	aclPkts    uint16
	scoMTU     uint16
	scoPkts    uint16

	stats devStats
}

type devStats struct {
	errRx  uint32
	errTx  uint32
	cmdTx  uint32
	evtRx  uint32
	aclTx  uint32
	aclRx  uint32
	scoTx  uint32
	scoRx  uint32
	byteRx uint32
	byteTx uint32
}

// Socket is a raw HCI user-channel socket. Reads return one whole HCI
// packet per call; writes send one.
type Socket struct {
	fd   int
	name string
	rmu  sync.Mutex
	wmu  sync.Mutex
}

// New opens the HCI device with index n on the user channel. With
// n == -1 it opens the first device that can be claimed.
func New(n int) (*Socket, error) {
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_RAW, unix.BTPROTO_HCI)
	if err != nil {
		return nil, errors.Wrap(err, "can't create hci socket")
	}
	if n != -1 {
		s, err := open(fd, n)
		if err != nil {
			unix.Close(fd)
		}
		return s, err
	}

	req := devListRequest{devNum: hciMaxDevices}
	if err := ioctl(uintptr(fd), hciGetDeviceList, uintptr(unsafe.Pointer(&req))); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "can't list hci devices")
	}
	for i := 0; i < int(req.devNum); i++ {
		s, err := open(fd, i)
		if err == nil {
			return s, nil
		}
	}
	unix.Close(fd)
	return nil, errors.New("no usable hci device")
}

func open(fd, n int) (*Socket, error) {
	i := devInfo{id: uint16(n)}
	if err := ioctl(uintptr(fd), hciGetDeviceInfo, uintptr(unsafe.Pointer(&i))); err != nil {
		return nil, errors.Wrapf(err, "can't query hci%d", n)
	}
	name := string(i.name[:])

	// Cycle the device through up and down so the user channel bind
	// finds it idle.
	if err := ioctl(uintptr(fd), hciUpDevice, uintptr(n)); err != nil {
		if err != unix.EALREADY {
			return nil, errors.Wrapf(err, "can't bring up %s", name)
		}
		if err := ioctl(uintptr(fd), hciResetDevice, uintptr(n)); err != nil {
			return nil, errors.Wrapf(err, "can't reset %s", name)
		}
	}
	if err := ioctl(uintptr(fd), hciDownDevice, uintptr(n)); err != nil {
		return nil, errors.Wrapf(err, "can't bring down %s", name)
	}

	sa := unix.SockaddrHCI{Dev: uint16(n), Channel: unix.HCI_CHANNEL_USER}
	if err := unix.Bind(fd, &sa); err != nil {
		return nil, errors.Wrapf(err, "can't bind %s to user channel", name)
	}
	log.Infof("skt: %s opened on user channel", name)
	return &Socket{fd: fd, name: name}, nil
}

// Name returns the kernel device name, e.g. "hci0".
func (s *Socket) Name() string { return s.name }

func (s *Socket) Read(b []byte) (int, error) {
	s.rmu.Lock()
	defer s.rmu.Unlock()
	n, err := unix.Read(s.fd, b)
	return n, errors.Wrap(err, "can't read hci socket")
}

func (s *Socket) Write(b []byte) (int, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	n, err := unix.Write(s.fd, b)
	return n, errors.Wrap(err, "can't write hci socket")
}

func (s *Socket) Close() error {
	return errors.Wrap(unix.Close(s.fd), "can't close hci socket")
}
