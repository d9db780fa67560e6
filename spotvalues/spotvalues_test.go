package spotvalues

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/canbridge/cangateway/canbus"
	"github.com/canbridge/cangateway/device"
	"github.com/canbridge/cangateway/sdo"
	"github.com/canbridge/cangateway/sdocodec"
)

// fakeBus answers queued expedited reads in FIFO order.
type fakeBus struct {
	queue []canbus.Frame
}

func (b *fakeBus) Transmit(_ canbus.Frame, _ time.Duration) error { return nil }

func (b *fakeBus) Receive(_ time.Duration) (canbus.Frame, bool) {
	if len(b.queue) == 0 {
		return canbus.Frame{}, false
	}
	f := b.queue[0]
	b.queue = b.queue[1:]
	return f, true
}

func (b *fakeBus) pushExpedited(node uint8, index uint16, sub uint8, val byte) {
	var d [8]byte
	d[0] = 0x43
	d[1] = byte(index)
	d[2] = byte(index >> 8)
	d[3] = sub
	d[4] = val
	b.queue = append(b.queue, canbus.NewFrame(sdocodec.CobResponse(node), d[:]))
}

func newConn(bus *fakeBus) *device.Connection {
	return device.NewConnection(sdo.NewClient(bus))
}

func TestReloadResetsCursorAndCount(t *testing.T) {
	m := NewManager()
	m.Reload([]struct {
		Index uint16
		Sub   uint8
	}{{0x2100, 0}, {0x2100, 1}, {0x2100, 2}}, 100)
	assert.Equal(t, 3, m.Count())
	assert.Equal(t, 0, m.cursor)
}

func TestOneShotTakesPriorityOverCycle(t *testing.T) {
	bus := &fakeBus{}
	bus.pushExpedited(0, 0x5000, 0, 77)
	conn := newConn(bus)

	m := NewManager()
	m.Reload([]struct {
		Index uint16
		Sub   uint8
	}{{0x2100, 0}}, 1)

	var gotClient string
	var gotValue Value
	m.OnOne(func(clientId string, v Value) { gotClient = clientId; gotValue = v })

	m.RequestOneShot("client-1", 0x5000, 0)
	m.ProcessTick(conn, true, 10, 50*time.Millisecond)

	assert.Equal(t, "client-1", gotClient)
	assert.Equal(t, byte(77), gotValue.Payload[0])
	assert.Equal(t, 0, m.cursor, "the cyclic cursor must not move while a one-shot is pending")
}

func TestProcessTickIgnoredWhenNotIdle(t *testing.T) {
	bus := &fakeBus{}
	conn := newConn(bus)
	m := NewManager()
	m.Reload([]struct {
		Index uint16
		Sub   uint8
	}{{0x2100, 0}}, 1)

	m.ProcessTick(conn, false, 100, 50*time.Millisecond)
	assert.Equal(t, 0, m.cursor)
	assert.Empty(t, m.Latest())
}

func TestCycleAdvancesAndBatchesOnWrap(t *testing.T) {
	bus := &fakeBus{}
	bus.pushExpedited(0, 0x2100, 0, 1)
	bus.pushExpedited(0, 0x2100, 1, 2)
	conn := newConn(bus)

	m := NewManager()
	m.Reload([]struct {
		Index uint16
		Sub   uint8
	}{{0x2100, 0}, {0x2100, 1}}, 1)

	var batch []Value
	m.OnBatch(func(_ string, values []Value) { batch = values })

	m.ProcessTick(conn, true, 10, 50*time.Millisecond)
	assert.Equal(t, 1, m.cursor)
	assert.Nil(t, batch, "a batch only fires once the cursor wraps")

	time.Sleep(2 * time.Millisecond) // clear device.MinReadIntervalUs between reads
	m.ProcessTick(conn, true, 20, 50*time.Millisecond)
	assert.Equal(t, 0, m.cursor)
	assert.Len(t, batch, 2)
	assert.Equal(t, byte(1), batch[0].Payload[0])
	assert.Equal(t, byte(2), batch[1].Payload[0])
}

func TestCyclePausedWhenPeriodNotElapsed(t *testing.T) {
	bus := &fakeBus{}
	conn := newConn(bus)
	m := NewManager()
	m.Reload([]struct {
		Index uint16
		Sub   uint8
	}{{0x2100, 0}}, 1000)
	m.lastCycleMs = 100

	m.ProcessTick(conn, true, 150, 50*time.Millisecond)
	assert.Equal(t, 0, m.cursor, "the cycle must not advance before its period elapses")
}

func TestLatestReturnsConfiguredOrderOnly(t *testing.T) {
	m := NewManager()
	m.Reload([]struct {
		Index uint16
		Sub   uint8
	}{{0x2100, 0}, {0x2100, 1}}, 100)
	m.latest[paramId{0x2100, 1}] = Value{Index: 0x2100, Sub: 1, Payload: []byte{9}}

	out := m.Latest()
	assert.Len(t, out, 1, "only params with a cached reading are returned")
	assert.Equal(t, uint8(1), out[0].Sub)
}
