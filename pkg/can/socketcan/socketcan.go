// Package socketcan wraps github.com/brutella/can as a can.Bus. Its wire
// frame is classic CAN only (up to 8 payload bytes): Send rejects any
// cyphalcan.Frame whose Payload is longer than that, since brutella/can has
// no CAN FD support to translate it onto. Use pkg/can/socketcanfd for FD.
package socketcan

import (
	"fmt"

	sockcan "github.com/brutella/can"

	"github.com/oklabs/cyphalcan"
	"github.com/oklabs/cyphalcan/pkg/can"
)

func init() {
	can.RegisterInterface("socketcan", NewBus)
}

type Bus struct {
	bus      *sockcan.Bus
	listener can.FrameListener
}

// NewBus opens a classic SocketCAN interface by name, e.g. "can0".
func NewBus(name string) (can.Bus, error) {
	bus, err := sockcan.NewBusForInterfaceWithName(name)
	if err != nil {
		return nil, fmt.Errorf("socketcan: open %q: %w", name, err)
	}
	return &Bus{bus: bus}, nil
}

func (b *Bus) Connect(...any) error {
	go b.bus.ConnectAndPublish()
	return nil
}

func (b *Bus) Disconnect() error {
	return b.bus.Disconnect()
}

func (b *Bus) Send(frame cyphalcan.Frame) error {
	if len(frame.Payload) > cyphalcan.MTUClassic {
		return fmt.Errorf("socketcan: frame payload of %d bytes exceeds classic MTU %d, use socketcanfd", len(frame.Payload), cyphalcan.MTUClassic)
	}
	var data [8]byte
	copy(data[:], frame.Payload)
	return b.bus.Publish(sockcan.Frame{
		ID:     frame.ID,
		Length: uint8(len(frame.Payload)),
		Flags:  0,
		Data:   data,
	})
}

func (b *Bus) Subscribe(listener can.FrameListener) error {
	b.listener = listener
	b.bus.Subscribe(b)
	return nil
}

// Handle implements brutella/can's receive callback interface.
func (b *Bus) Handle(frame sockcan.Frame) {
	if b.listener == nil {
		return
	}
	payload := append([]byte(nil), frame.Data[:frame.Length]...)
	b.listener.Handle(cyphalcan.Frame{ID: frame.ID, Payload: payload})
}
