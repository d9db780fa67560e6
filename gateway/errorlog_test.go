package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/canbridge/cangateway/canbus"
	"github.com/canbridge/cangateway/sdo"
	"github.com/canbridge/cangateway/sdocodec"
)

// errorLogBus answers ErrorNum/ErrorTime reads for subindices present
// in entries; any other subindex aborts UnknownIndex.
type errorLogBus struct {
	entries  map[uint8]ErrorLogEntry
	lastNode uint8
	lastIdx  uint16
	lastSub  uint8
}

func (b *errorLogBus) Transmit(f canbus.Frame, _ time.Duration) error {
	b.lastNode = uint8(f.ID & 0x7F)
	b.lastIdx = uint16(f.Data[1]) | uint16(f.Data[2])<<8
	b.lastSub = f.Data[3]
	return nil
}

func (b *errorLogBus) Receive(_ time.Duration) (canbus.Frame, bool) {
	e, ok := b.entries[b.lastSub]
	if !ok {
		var d [8]byte
		d[0] = 0x80
		d[1], d[2], d[3] = byte(b.lastIdx), byte(b.lastIdx>>8), b.lastSub
		d[4], d[5], d[6], d[7] = 0, 0, 2, 6
		return canbus.NewFrame(sdocodec.CobResponse(b.lastNode), d[:]), true
	}
	var d [8]byte
	d[0] = 0x43
	d[1], d[2], d[3] = byte(b.lastIdx), byte(b.lastIdx>>8), b.lastSub
	if b.lastIdx == sdocodec.IndexErrorNum {
		d[4], d[5], d[6], d[7] = byte(e.Code), byte(e.Code>>8), byte(e.Code>>16), byte(e.Code>>24)
	} else {
		d[4], d[5], d[6], d[7] = byte(e.TimestampMs), byte(e.TimestampMs>>8), byte(e.TimestampMs>>16), byte(e.TimestampMs>>24)
	}
	return canbus.NewFrame(sdocodec.CobResponse(b.lastNode), d[:]), true
}

func TestListErrorsWalksUntilUnknownIndex(t *testing.T) {
	bus := &errorLogBus{entries: map[uint8]ErrorLogEntry{
		1: {Code: 0x1001, TimestampMs: 1000},
		2: {Code: 0x1002, TimestampMs: 2000},
	}}
	client := sdo.NewClient(bus)

	entries, err := ListErrors(client, 9, 50*time.Millisecond)
	assert.NoError(t, err)
	assert.Len(t, entries, 2)
	assert.EqualValues(t, 0x1001, entries[0].Code)
	assert.EqualValues(t, 1000, entries[0].TimestampMs)
	assert.EqualValues(t, 0x1002, entries[1].Code)
}

func TestListErrorsEmptyLog(t *testing.T) {
	bus := &errorLogBus{entries: map[uint8]ErrorLogEntry{}}
	client := sdo.NewClient(bus)

	entries, err := ListErrors(client, 9, 50*time.Millisecond)
	assert.NoError(t, err)
	assert.Empty(t, entries)
}
