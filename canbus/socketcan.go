package canbus

import (
	"context"
	"fmt"
	"sync"

	"github.com/brutella/can"
)

// SocketcanTransport bridges the abstract Transport interface to a
// real Linux SocketCAN interface via brutella/can, the way the
// teacher's socketcan.go wraps the same library for its Bus type.
type SocketcanTransport struct {
	bus  *can.Bus
	name string

	mu      sync.Mutex
	inbox   chan can.Frame
	started bool
}

func NewSocketcanTransport(ifaceName string) (*SocketcanTransport, error) {
	bus, err := can.NewBusForInterfaceWithName(ifaceName)
	if err != nil {
		return nil, fmt.Errorf("canbus: open %s: %w", ifaceName, err)
	}
	t := &SocketcanTransport{
		bus:   bus,
		name:  ifaceName,
		inbox: make(chan can.Frame, defaultQueueDepth),
	}
	bus.Subscribe(t)
	return t, nil
}

// Handle implements brutella/can's frame handler interface.
func (t *SocketcanTransport) Handle(frame can.Frame) {
	select {
	case t.inbox <- frame:
	default:
	}
}

func (t *SocketcanTransport) Configure(cfg Config) error {
	// Bitrate and pin selection are fixed by the SocketCAN interface
	// bring-up (ip link set ... type can bitrate ...), which is
	// external to this process. Filter is not applied: every frame on
	// the interface is delivered to Recv.
	return nil
}

func (t *SocketcanTransport) Send(f Frame) error {
	return t.bus.Publish(can.Frame{ID: f.ID, Length: f.Len, Data: f.Data})
}

func (t *SocketcanTransport) Recv(ctx context.Context) (Frame, error) {
	t.mu.Lock()
	if !t.started {
		t.started = true
		go t.bus.ConnectAndPublish()
	}
	t.mu.Unlock()

	select {
	case f := <-t.inbox:
		return Frame{ID: f.ID, Len: f.Length, Data: f.Data}, nil
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (t *SocketcanTransport) Close() error {
	return t.bus.Disconnect()
}
