package gateway

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/canbridge/cangateway/canbus"
	"github.com/canbridge/cangateway/sdocodec"
	"github.com/canbridge/cangateway/storage"
)

func newTestGateway(t *testing.T) (*Gateway, *canbus.LoopbackBus) {
	t.Helper()
	loop := canbus.NewLoopbackBus()
	bus := canbus.NewQueuedBus(loop, 64)
	store, err := storage.Open(filepath.Join(t.TempDir(), "devices.json"))
	assert.NoError(t, err)
	return New(bus, store), loop
}

func pushSerialResponse(loop *canbus.LoopbackBus, node uint8, sub uint8, val uint32) {
	var d [8]byte
	d[0] = 0x43
	d[1] = byte(sdocodec.IndexSerial)
	d[2] = byte(sdocodec.IndexSerial >> 8)
	d[3] = sub
	d[4], d[5], d[6], d[7] = byte(val), byte(val>>8), byte(val>>16), byte(val>>24)
	loop.Inject(canbus.NewFrame(sdocodec.CobResponse(node), d[:]))
}

func waitForEvent(t *testing.T, g *Gateway, name string, timeout time.Duration) Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case e := <-g.Events():
			if e.Event == name {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event %q", name)
		}
	}
}

func TestConnectScenarioEmitsConnectedEvent(t *testing.T) {
	g, loop := newTestGateway(t)
	go g.Run(2 * time.Millisecond)
	defer g.Stop()

	go func() {
		time.Sleep(5 * time.Millisecond)
		pushSerialResponse(loop, 5, 0, 0x11111111)
		pushSerialResponse(loop, 5, 1, 0x22222222)
		pushSerialResponse(loop, 5, 2, 0x33333333)
		pushSerialResponse(loop, 5, 3, 0x44444444)
	}()

	payload, _ := json.Marshal(connectPayload{NodeId: 5})
	g.Submit(Command{Action: "connect", RequestId: "req-1", ClientId: "client-a", Payload: payload})

	e := waitForEvent(t, g, "connected", time.Second)
	assert.Equal(t, "req-1", e.RequestId)
	m, ok := e.Payload.(map[string]any)
	assert.True(t, ok)
	assert.EqualValues(t, 5, m["nodeId"])
}

func TestClientLockScenario(t *testing.T) {
	g, loop := newTestGateway(t)
	go g.Run(2 * time.Millisecond)
	defer g.Stop()

	go func() {
		time.Sleep(5 * time.Millisecond)
		pushSerialResponse(loop, 5, 0, 1)
		pushSerialResponse(loop, 5, 1, 2)
		pushSerialResponse(loop, 5, 2, 3)
		pushSerialResponse(loop, 5, 3, 4)
	}()

	payloadA, _ := json.Marshal(connectPayload{NodeId: 5})
	g.Submit(Command{Action: "connect", RequestId: "a-connect", ClientId: "client-a", Payload: payloadA})
	waitForEvent(t, g, "connected", time.Second)

	setValB, _ := json.Marshal(setValuePayload{ParamId: 1, Value: 1})
	g.Submit(Command{Action: "setValue", RequestId: "b-set", ClientId: "client-b", Payload: setValB})
	e := waitForEvent(t, g, "error", time.Second)
	assert.Equal(t, "b-set", e.RequestId)
	errPayload, ok := e.Payload.(ErrorPayload)
	assert.True(t, ok)
	assert.Equal(t, "Locked", errPayload.Kind)
}

func TestSendCanPassthrough(t *testing.T) {
	g, loop := newTestGateway(t)
	go g.Run(2 * time.Millisecond)
	defer g.Stop()

	payload, _ := json.Marshal(sendCanPayload{CanId: 0x123, Data: []byte{1, 2, 3}})
	g.Submit(Command{Action: "sendCan", RequestId: "r1", Payload: payload})

	assert.Eventually(t, func() bool {
		f, ok := loop.LastSent()
		return ok && f.ID == 0x123
	}, time.Second, 5*time.Millisecond)
}

func TestUnknownCommandEmitsParseError(t *testing.T) {
	g, _ := newTestGateway(t)
	go g.Run(2 * time.Millisecond)
	defer g.Stop()

	g.Submit(Command{Action: "bogus", RequestId: "r2"})
	e := waitForEvent(t, g, "error", time.Second)
	assert.Equal(t, "r2", e.RequestId)
	errPayload, ok := e.Payload.(ErrorPayload)
	assert.True(t, ok)
	assert.Equal(t, "Parse", errPayload.Kind)
}
