package gateway

import (
	"encoding/json"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/canbridge/cangateway/canbus"
	"github.com/canbridge/cangateway/device"
	"github.com/canbridge/cangateway/discovery"
	"github.com/canbridge/cangateway/firmware"
	"github.com/canbridge/cangateway/gwerrors"
	"github.com/canbridge/cangateway/interval"
	"github.com/canbridge/cangateway/metrics"
	"github.com/canbridge/cangateway/sdo"
	"github.com/canbridge/cangateway/sdocodec"
	"github.com/canbridge/cangateway/spotvalues"
	"github.com/canbridge/cangateway/storage"
)

// DefaultCommandAckTimeout is the default per-request SDO deadline
// used by command handlers that need one.
const DefaultCommandAckTimeout = 200 * time.Millisecond

// MaxCommandsPerTick bounds how many queued commands the loop drains
// in a single pass.
const MaxCommandsPerTick = 16

// Gateway composes every subsystem as a named field: one value owns
// the bus, the SDO client, the connection, discovery, the interval
// manager, spot values, firmware, locks and the event sink.
type Gateway struct {
	Bus    *canbus.QueuedBus
	Client *sdo.Client

	Conn      *device.Connection
	Discovery *discovery.Discovery
	Intervals *interval.Manager
	Spot      *spotvalues.Manager
	Firmware  *firmware.Driver
	Locks     *LockManager
	Store     *storage.Store

	commands chan Command
	events   chan Event

	pendingConnectReqId string
	lastSpotCycleAt     time.Time
	running             bool
}

// New wires every subsystem together and installs the cross-cutting
// observer hooks (Discovery's passive heartbeat piggy-backing on the
// SDO client).
func New(bus *canbus.QueuedBus, store *storage.Store) *Gateway {
	client := sdo.NewClient(bus)
	conn := device.NewConnection(client)
	disc := discovery.New(client, store)
	client.SetObserver(disc.ObserveFrame)

	g := &Gateway{
		Bus:       bus,
		Client:    client,
		Conn:      conn,
		Discovery: disc,
		Intervals: interval.NewManager(),
		Spot:      spotvalues.NewManager(),
		Firmware:  firmware.NewDriver(bus),
		Locks:     NewLockManager(),
		Store:     store,
		commands:  make(chan Command, 64),
		events:    make(chan Event, 256),
	}

	conn.OnReady(func(nodeId uint8, serial [4]uint32) {
		g.emit(Event{Event: "connected", RequestId: g.pendingConnectReqId, Payload: map[string]any{
			"nodeId": nodeId,
			"serial": discovery.FormatSerial(serial),
		}})
	})
	conn.OnError(func(err *gwerrors.Error) {
		g.emit(Event{Event: "error", Payload: errorPayload(err)})
	})
	conn.OnProgress(func(got int, total uint32) {
		g.emit(Event{Event: "jsonProgress", Payload: map[string]any{"bytes": got, "total": total}})
	})
	conn.OnSchemaReady(func(clientId string, parsed map[string]any) {
		g.emit(Event{Event: "paramSchemaData", RequestId: clientId, Payload: parsed})
	})
	disc.OnDiscovered(func(dev discovery.Device) {
		g.emit(Event{Event: "deviceDiscovered", Payload: map[string]any{
			"serial": dev.Serial,
			"nodeId": dev.NodeId,
		}})
	})
	g.Spot.OnBatch(func(_ string, values []spotvalues.Value) {
		now := time.Now()
		if !g.lastSpotCycleAt.IsZero() {
			metrics.SpotValueCycleSeconds.Observe(now.Sub(g.lastSpotCycleAt).Seconds())
		}
		g.lastSpotCycleAt = now
		g.emit(Event{Event: "spotValues", Payload: spotValuesPayload(values)})
	})
	g.Spot.OnOne(func(clientId string, v spotvalues.Value) {
		g.emit(Event{Event: "paramValue", RequestId: clientId, Payload: valuePayload(v)})
	})

	return g
}

// Events returns the outbound event channel external transports read
// from; it is the only thing outside the gateway task may touch.
func (g *Gateway) Events() <-chan Event { return g.events }

// Submit enqueues a client command; called by the transport task.
// Degrades to a dropped-with-busy-event submission if the queue is
// saturated, mirroring bus TX-full degradation.
func (g *Gateway) Submit(cmd Command) {
	select {
	case g.commands <- cmd:
	default:
		g.emit(Event{Event: "error", RequestId: cmd.RequestId, Payload: ErrorPayload{
			Kind: string(gwerrors.Busy), Message: "command queue full",
		}})
	}
}

func (g *Gateway) emit(e Event) {
	select {
	case g.events <- e:
	default:
		log.Warn("gateway: event queue full, dropping event")
	}
}

func errorPayload(err *gwerrors.Error) ErrorPayload {
	return ErrorPayload{Kind: string(err.Kind), Abort: string(err.Abort), Message: err.Message}
}

func spotValuesPayload(values []spotvalues.Value) map[string]any {
	out := map[string]any{"timestamp": time.Now().UnixMilli()}
	values2 := map[string]any{}
	for _, v := range values {
		values2[strconv.FormatUint(uint64(paramKey(v.Index, v.Sub)), 10)] = decodeQ27_5(v.Payload)
	}
	out["values"] = values2
	return out
}

func valuePayload(v spotvalues.Value) map[string]any {
	return map[string]any{
		"paramId": paramKey(v.Index, v.Sub),
		"value":   decodeQ27_5(v.Payload),
	}
}

func paramKey(index uint16, sub uint8) uint16 {
	// The 16-bit paramId is derived from the object dictionary index
	// directly; the param-UID-base offset added in dispatch.go
	// (handleStartSpotValues, handleSetValue) is shifted out of the
	// uint16 here.
	return index<<8 | uint16(sub)
}

// decodeQ27_5 converts the wire's signed Q27.5 fixed-point (scale 32)
// into the float64 core representation.
func decodeQ27_5(payload []byte) float64 {
	var padded [4]byte
	copy(padded[:], payload)
	raw := int32(padded[0]) | int32(padded[1])<<8 | int32(padded[2])<<16 | int32(padded[3])<<24
	return float64(raw) / 32.0
}

func encodeQ27_5(v float64) []byte {
	raw := int32(v * 32.0)
	return []byte{byte(raw), byte(raw >> 8), byte(raw >> 16), byte(raw >> 24)}
}

func decodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return gwerrors.New(gwerrors.Parse, "malformed payload: %v", err)
	}
	return nil
}

// Run drives the cooperative gateway loop. It blocks the calling
// goroutine; callers run it on its own goroutine.
func (g *Gateway) Run(tickIdle time.Duration) {
	g.running = true
	for g.running {
		g.drainCommands()
		g.Conn.Process()
		idle := g.Conn.State == device.Idle
		g.Discovery.ProcessTick(idle)
		now := time.Now().UnixMilli()
		g.Intervals.SendDue(g.Bus, now)
		g.Intervals.SendCanIOIfDue(g.Bus, now)
		g.Spot.ProcessTick(g.Conn, idle, now, DefaultCommandAckTimeout)
		g.drainBootloaderFrames()
		metrics.DevicesKnown.Set(float64(len(g.Store.All())))
		metrics.TxQueueDepth.Set(float64(g.Bus.TxQueueDepth()))
		time.Sleep(tickIdle)
	}
}

func (g *Gateway) Stop() { g.running = false }

func (g *Gateway) drainCommands() {
	for i := 0; i < MaxCommandsPerTick; i++ {
		select {
		case cmd := <-g.commands:
			g.dispatch(cmd)
		default:
			return
		}
	}
}

// drainBootloaderFrames feeds any inbound frame from the bootloader's
// response cob-id to the firmware driver. Frames intended for the SDO
// client are already consumed inside sdo.Client.roundTrip; this only
// sees frames observed while the connection is idle.
func (g *Gateway) drainBootloaderFrames() {
	if g.Firmware.Stage() == firmware.Idle || g.Firmware.Stage() == firmware.Done || g.Firmware.Stage() == firmware.Failed {
		return
	}
	for {
		f, ok := g.Bus.Receive(0)
		if !ok {
			return
		}
		if f.ID == firmware.CobBootloaderResponse && f.Len > 0 {
			g.Firmware.OnResponse(f.Data[0])
		}
	}
}
