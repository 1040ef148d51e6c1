//go:build linux

// Package socketcanfd is a CAN FD driver reaching the full 64-byte MTU
// cyphalcan.MTUFD requires, which github.com/brutella/can (classic-only)
// cannot. It opens a raw AF_CAN/SOCK_RAW socket directly via
// golang.org/x/sys/unix, enables CAN_RAW_FD_FRAMES, and marshals frames in
// the kernel's struct canfd_frame layout, the same raw-syscall style the
// retrieval pack's notnil/canbus driver uses for classic frames
// (pkg/can/socketcan instead wraps github.com/brutella/can).
package socketcanfd

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/oklabs/cyphalcan"
	"github.com/oklabs/cyphalcan/pkg/can"
)

func init() {
	can.RegisterInterface("socketcanfd", NewBus)
}

// canfdFrameSize is sizeof(struct canfd_frame): 4-byte ID, len, flags, two
// reserved bytes, 64 bytes of data.
const canfdFrameSize = 4 + 1 + 1 + 1 + 1 + 64

// sockaddrCAN mirrors struct sockaddr_can for AF_CAN, used directly with
// unix.Bind since the x/sys/unix package does not expose a typed
// SockaddrCAN of its own.
type sockaddrCAN struct {
	Family  uint16
	pad     uint16
	Ifindex int32
	addr    [8]byte
}

type Bus struct {
	fd       int
	listener can.FrameListener
	stop     chan struct{}
	done     chan struct{}
}

// NewBus opens a CAN FD-capable SocketCAN interface by name, e.g. "can0" or
// "vcan0". It is only available on linux.
func NewBus(ifaceName string) (can.Bus, error) {
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("socketcanfd: socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FD_FRAMES, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("socketcanfd: enable FD frames: %w", err)
	}

	idx, err := interfaceIndex(fd, ifaceName)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}

	sa := sockaddrCAN{Family: unix.AF_CAN, Ifindex: int32(idx)}
	if err := bindRaw(fd, &sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("socketcanfd: bind %q: %w", ifaceName, err)
	}

	return &Bus{fd: fd, stop: make(chan struct{}), done: make(chan struct{})}, nil
}

func interfaceIndex(fd int, name string) (int, error) {
	var ifr struct {
		name  [unix.IFNAMSIZ]byte
		index int32
	}
	copy(ifr.name[:], name)
	ret, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), unix.SIOCGIFINDEX, uintptr(unsafe.Pointer(&ifr)))
	if ret != 0 {
		return 0, fmt.Errorf("socketcanfd: ioctl SIOCGIFINDEX %q: %w", name, errno)
	}
	return int(ifr.index), nil
}

func bindRaw(fd int, sa *sockaddrCAN) error {
	_, _, errno := unix.Syscall(unix.SYS_BIND, uintptr(fd), uintptr(unsafe.Pointer(sa)), unsafe.Sizeof(*sa))
	if errno != 0 {
		return errno
	}
	return nil
}

func (b *Bus) Connect(...any) error {
	return nil
}

func (b *Bus) Disconnect() error {
	select {
	case <-b.stop:
	default:
		close(b.stop)
	}
	err := unix.Close(b.fd)
	<-b.done
	return err
}

// Send marshals frame into the kernel's struct canfd_frame layout and
// writes it. The EFF (extended frame format) bit is always set since
// cyphalcan.Frame.ID is always a 29-bit identifier.
func (b *Bus) Send(frame cyphalcan.Frame) error {
	if len(frame.Payload) > cyphalcan.MTUFD {
		return fmt.Errorf("socketcanfd: frame payload of %d bytes exceeds FD MTU %d", len(frame.Payload), cyphalcan.MTUFD)
	}
	buf := make([]byte, canfdFrameSize)
	putUint32LE(buf[0:4], frame.ID|unix.CAN_EFF_FLAG)
	buf[4] = byte(len(frame.Payload))
	copy(buf[8:], frame.Payload)
	_, err := unix.Write(b.fd, buf)
	if err != nil {
		return fmt.Errorf("socketcanfd: write: %w", err)
	}
	return nil
}

func (b *Bus) Subscribe(listener can.FrameListener) error {
	b.listener = listener
	go b.receiveLoop()
	return nil
}

func (b *Bus) receiveLoop() {
	defer close(b.done)
	buf := make([]byte, canfdFrameSize)
	for {
		select {
		case <-b.stop:
			return
		default:
		}
		n, err := unix.Read(b.fd, buf)
		if err != nil {
			if errors.Is(err, unix.EBADF) || errors.Is(err, unix.EINVAL) {
				return
			}
			continue
		}
		if n < 8 {
			continue
		}
		frame, err := parseCANFDFrame(buf[:n])
		if err != nil || b.listener == nil {
			continue
		}
		b.listener.Handle(frame)
	}
}

func parseCANFDFrame(buf []byte) (cyphalcan.Frame, error) {
	if len(buf) < 8 {
		return cyphalcan.Frame{}, errors.New("socketcanfd: short frame")
	}
	id := getUint32LE(buf[0:4]) &^ unix.CAN_EFF_FLAG
	length := int(buf[4])
	if length > 64 || len(buf) < 8+length {
		return cyphalcan.Frame{}, errors.New("socketcanfd: invalid length field")
	}
	payload := append([]byte(nil), buf[8:8+length]...)
	return cyphalcan.Frame{ID: id, Payload: payload}, nil
}

func putUint32LE(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func getUint32LE(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
