// Package can defines the driver contract transports implement against:
// a Bus sends and receives cyphalcan.Frame values, and knows nothing about
// transfers, subscriptions, or reassembly. spec.md §6 calls this an
// "external collaborator" the core library never imports — only the
// cmd/cyphalcat example and the concrete drivers under this tree depend on
// it, never the root cyphalcan package.
package can

import (
	"fmt"

	"github.com/oklabs/cyphalcan"
)

// FrameListener receives frames handed to it by a Bus's receive loop.
type FrameListener interface {
	Handle(frame cyphalcan.Frame)
}

// Bus is a CAN or CAN FD interface capable of sending and receiving
// cyphalcan.Frame values. Implementations are free to run their own
// receive goroutine internally (as pkg/can/socketcan and pkg/can/virtual
// do) since the driver boundary, unlike the core library, is exactly where
// such activity belongs.
type Bus interface {
	Connect(...any) error
	Disconnect() error
	Send(frame cyphalcan.Frame) error
	Subscribe(listener FrameListener) error
}

// NewInterfaceFunc constructs a Bus for a named channel (e.g. "can0", or a
// TCP address for pkg/can/virtual).
type NewInterfaceFunc func(channel string) (Bus, error)

var interfaceRegistry = make(map[string]NewInterfaceFunc)

// RegisterInterface registers a Bus constructor under interfaceType.
// Drivers call this from an init() function so importing a driver package
// for its side effect is enough to make it available to NewBus.
func RegisterInterface(interfaceType string, newInterface NewInterfaceFunc) {
	interfaceRegistry[interfaceType] = newInterface
}

// NewBus constructs a Bus for the named interface type and channel.
// Currently registered by this module's own drivers: "socketcan",
// "socketcanfd", "virtual".
func NewBus(interfaceType, channel string) (Bus, error) {
	create, ok := interfaceRegistry[interfaceType]
	if !ok {
		return nil, fmt.Errorf("can: unsupported interface type %q", interfaceType)
	}
	return create(channel)
}
