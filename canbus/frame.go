// Package canbus owns the CAN controller: it exposes a bounded,
// deadline-aware send/receive abstraction and a production SocketCAN
// backend. Nothing above this package talks to hardware directly.
package canbus

import "fmt"

// NodeId addresses a device on the bus. 0 means "no device".
type NodeId uint8

// BaudRate is one of the bitrates the bus can be configured for.
type BaudRate int

const (
	Baud125k BaudRate = 125000
	Baud250k BaudRate = 250000
	Baud500k BaudRate = 500000
)

func (b BaudRate) String() string {
	switch b {
	case Baud125k:
		return "125k"
	case Baud250k:
		return "250k"
	case Baud500k:
		return "500k"
	default:
		return fmt.Sprintf("%dbps", int(b))
	}
}

// Frame is a standard 11-bit CAN 2.0A frame.
type Frame struct {
	ID   uint32
	Len  uint8
	Data [8]byte
}

func NewFrame(id uint32, data []byte) Frame {
	var f Frame
	f.ID = id
	f.Len = uint8(len(data))
	if f.Len > 8 {
		f.Len = 8
	}
	copy(f.Data[:], data[:f.Len])
	return f
}

// Filter describes an accept-list for inbound frames. An empty Filter
// accepts everything.
type Filter struct {
	IDs []uint32
}

func (f Filter) Accepts(id uint32) bool {
	if len(f.IDs) == 0 {
		return true
	}
	for _, want := range f.IDs {
		if want == id {
			return true
		}
	}
	return false
}

// Config reconfigures the bus. QueuedBus.Configure refuses a new Config
// while its in-flight flag (see QueuedBus.SetInFlight) is set.
type Config struct {
	Baud   BaudRate
	TXPin  string
	RXPin  string
	Filter Filter
}
