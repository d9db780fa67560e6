package canbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewFrameTruncatesOverlongData(t *testing.T) {
	f := NewFrame(0x123, []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10})
	assert.Equal(t, uint8(8), f.Len)
	assert.Equal(t, [8]byte{1, 2, 3, 4, 5, 6, 7, 8}, f.Data)
}

func TestFilterAcceptsEverythingWhenEmpty(t *testing.T) {
	var f Filter
	assert.True(t, f.Accepts(0x123))
}

func TestFilterRestrictsToListedIds(t *testing.T) {
	f := Filter{IDs: []uint32{0x100, 0x200}}
	assert.True(t, f.Accepts(0x100))
	assert.False(t, f.Accepts(0x300))
}

func TestQueuedBusTransmitReceiveRoundTrip(t *testing.T) {
	loop := NewLoopbackBus()
	bus := NewQueuedBus(loop, 4)
	defer bus.Close()

	assert.NoError(t, bus.Transmit(NewFrame(0x10, []byte{1}), 0))
	assert.Eventually(t, func() bool {
		f, ok := loop.LastSent()
		return ok && f.ID == 0x10
	}, time.Second, 5*time.Millisecond)

	loop.Inject(NewFrame(0x20, []byte{2}))
	f, ok := bus.Receive(time.Second)
	assert.True(t, ok)
	assert.Equal(t, uint32(0x20), f.ID)
}

func TestQueuedBusReceiveTimesOutWhenEmpty(t *testing.T) {
	loop := NewLoopbackBus()
	bus := NewQueuedBus(loop, 4)
	defer bus.Close()

	_, ok := bus.Receive(20 * time.Millisecond)
	assert.False(t, ok)
}

func TestQueuedBusConfigureRejectedInFlight(t *testing.T) {
	loop := NewLoopbackBus()
	bus := NewQueuedBus(loop, 4)
	defer bus.Close()

	bus.SetInFlight(true)
	err := bus.Configure(Config{Baud: Baud500k})
	assert.Error(t, err)

	bus.SetInFlight(false)
	assert.NoError(t, bus.Configure(Config{Baud: Baud500k}))
}

func TestTxQueueDepthReflectsPendingFrames(t *testing.T) {
	// A transport whose Send blocks lets frames accumulate in the TX
	// queue so TxQueueDepth has something to observe.
	block := make(chan struct{})
	transport := &blockingTransport{block: block}
	bus := NewQueuedBus(transport, 4)
	defer func() {
		close(block)
		bus.Close()
	}()

	assert.NoError(t, bus.Transmit(NewFrame(0x1, []byte{1}), 0))
	assert.NoError(t, bus.Transmit(NewFrame(0x2, []byte{2}), 0))
	assert.Eventually(t, func() bool { return bus.TxQueueDepth() >= 1 }, time.Second, 5*time.Millisecond)
}

type blockingTransport struct {
	block chan struct{}
}

func (b *blockingTransport) Configure(Config) error { return nil }
func (b *blockingTransport) Send(Frame) error       { <-b.block; return nil }
func (b *blockingTransport) Recv(ctx context.Context) (Frame, error) {
	<-ctx.Done()
	return Frame{}, ctx.Err()
}
func (b *blockingTransport) Close() error { return nil }
