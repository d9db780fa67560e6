// dispatch implements the command handlers for the client-facing bus.
// Each handler is non-blocking or short-blocking, bounded by an SDO
// deadline.
package gateway

import (
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/canbridge/cangateway/canbus"
	"github.com/canbridge/cangateway/device"
	"github.com/canbridge/cangateway/gwerrors"
	"github.com/canbridge/cangateway/interval"
	"github.com/canbridge/cangateway/metrics"
	"github.com/canbridge/cangateway/sdo"
	"github.com/canbridge/cangateway/sdocodec"
	"github.com/canbridge/cangateway/storage"
)

func readFirmwareImage(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func (g *Gateway) dispatch(cmd Command) {
	var err error
	switch cmd.Action {
	case "startScan":
		err = g.handleStartScan(cmd)
	case "stopScan":
		g.Discovery.StopContinuous()
	case "connect":
		err = g.handleConnect(cmd)
	case "setNodeId":
		err = g.handleSetNodeId(cmd)
	case "startSpotValues":
		err = g.handleStartSpotValues(cmd)
	case "stopSpotValues":
		g.Spot.Reload(nil, 0)
	case "sendCan":
		err = g.handleSendCan(cmd)
	case "startCanInterval":
		err = g.handleStartCanInterval(cmd)
	case "stopCanInterval":
		err = g.handleStopCanInterval(cmd)
	case "startCanIoInterval":
		err = g.handleStartCanIoInterval(cmd)
	case "updateCanIoFlags":
		err = g.handleUpdateCanIoFlags(cmd)
	case "getParamSchema":
		err = g.handleGetParamSchema(cmd)
	case "getParamValues":
		err = g.handleGetParamValues(cmd)
	case "setValue":
		err = g.handleSetValue(cmd)
	case "saveToFlash", "loadFromFlash", "loadDefaults":
		err = g.handleLifecycleCommand(cmd)
	case "start":
		err = g.handleStart(cmd)
	case "stop":
		err = g.handleStopMode(cmd)
	case "reset":
		g.Conn.Reset()
	case "listErrors":
		err = g.handleListErrors(cmd)
	case "getCanMappings":
		err = g.handleGetCanMappings(cmd)
	case "addCanMapping":
		err = g.handleAddCanMapping(cmd)
	case "removeCanMapping":
		err = g.handleRemoveCanMapping(cmd)
	case "clearCanMap":
		err = g.handleClearCanMap(cmd)
	case "renameDevice":
		err = g.handleRenameDevice(cmd)
	case "deleteDevice":
		err = g.handleDeleteDevice(cmd)
	case "firmwareUpload":
		err = g.handleFirmwareUpload(cmd)
	case "disconnectClient":
		g.Locks.ReleaseClient(cmd.ClientId)
	default:
		err = gwerrors.New(gwerrors.Parse, "unknown action %q", cmd.Action)
	}

	if err != nil {
		var gerr *gwerrors.Error
		if ge, ok := err.(*gwerrors.Error); ok {
			gerr = ge
		} else if ab, ok := err.(*sdo.AbortError); ok {
			gerr = gwerrors.NewAbort(gwerrors.AbortClass(ab.Class), "%v", err)
		} else if err == sdo.ErrTimeout {
			gerr = gwerrors.New(gwerrors.Timeout, "%v", err)
		} else if err == canbus.ErrBusy {
			gerr = gwerrors.New(gwerrors.Busy, "%v", err)
		} else {
			gerr = gwerrors.New(gwerrors.Fatal, "%v", err)
		}
		g.emit(Event{Event: "error", RequestId: cmd.RequestId, Payload: errorPayload(gerr)})
	}
}

// requireLock rejects mutating commands from a client that doesn't
// hold nodeId.
func (g *Gateway) requireLock(nodeId uint8, cmd Command) error {
	if g.Locks.IsLocked(nodeId) && !g.Locks.Owns(nodeId, cmd.ClientId) {
		metrics.ClientLockRejections.Inc()
		return gwerrors.New(gwerrors.Locked, "node %d is held by another client", nodeId)
	}
	return nil
}

func (g *Gateway) handleStartScan(cmd Command) error {
	var p startScanPayload
	if err := decodePayload(cmd.Payload, &p); err != nil {
		return err
	}
	if g.Conn.State != device.Idle {
		return gwerrors.New(gwerrors.BadState, "connection busy, cannot scan")
	}
	g.Bus.ClearRXUntilQuiet(20 * time.Millisecond)
	g.Discovery.StartContinuous(p.Start, p.End)
	g.emit(Event{Event: "scanProgress", RequestId: cmd.RequestId, Payload: map[string]any{"started": true}})
	return nil
}

func (g *Gateway) handleConnect(cmd Command) error {
	var p connectPayload
	if err := decodePayload(cmd.Payload, &p); err != nil {
		return err
	}
	if err := g.requireLock(p.NodeId, cmd); err != nil {
		return err
	}
	if !g.Locks.TryAcquire(p.NodeId, cmd.ClientId) {
		metrics.ClientLockRejections.Inc()
		return gwerrors.New(gwerrors.Locked, "node %d is held by another client", p.NodeId)
	}
	g.pendingConnectReqId = cmd.RequestId
	return g.Conn.StartSerialAcquisition(p.NodeId)
}

func (g *Gateway) handleSetNodeId(cmd Command) error {
	var p setNodeIdPayload
	if err := decodePayload(cmd.Payload, &p); err != nil {
		return err
	}
	if err := g.requireLock(g.Conn.NodeId, cmd); err != nil {
		return err
	}
	return g.Conn.WriteParam(sdocodec.IndexCommands, 0, []byte{p.Id}, DefaultCommandAckTimeout)
}

func (g *Gateway) handleStartSpotValues(cmd Command) error {
	var p startSpotValuesPayload
	if err := decodePayload(cmd.Payload, &p); err != nil {
		return err
	}
	params := make([]struct {
		Index uint16
		Sub   uint8
	}, 0, len(p.ParamIds))
	for _, pid := range p.ParamIds {
		params = append(params, struct {
			Index uint16
			Sub   uint8
		}{Index: sdocodec.IndexParamUIDBase + (pid >> 8), Sub: uint8(pid)})
	}
	g.Spot.Reload(params, p.Interval)
	return nil
}

func (g *Gateway) handleSendCan(cmd Command) error {
	var p sendCanPayload
	if err := decodePayload(cmd.Payload, &p); err != nil {
		return err
	}
	frame := canbus.NewFrame(p.CanId, p.Data)
	if err := g.Bus.Transmit(frame, 0); err != nil {
		return gwerrors.New(gwerrors.Busy, "tx queue full")
	}
	return nil
}

func (g *Gateway) handleStartCanInterval(cmd Command) error {
	var p startCanIntervalPayload
	if err := decodePayload(cmd.Payload, &p); err != nil {
		return err
	}
	g.Intervals.Start(p.IntervalId, p.CanId, p.Data, uint8(len(p.Data)), p.IntervalMs)
	return nil
}

func (g *Gateway) handleStopCanInterval(cmd Command) error {
	var p stopCanIntervalPayload
	if err := decodePayload(cmd.Payload, &p); err != nil {
		return err
	}
	g.Intervals.Stop(p.IntervalId)
	return nil
}

func (g *Gateway) handleStartCanIoInterval(cmd Command) error {
	var p startCanIoIntervalPayload
	if err := decodePayload(cmd.Payload, &p); err != nil {
		return err
	}
	g.Intervals.StartCanIO(p.CanId, interval.CanIOFlags{
		Pot: p.Pot, Pot2: p.Pot2, CanIO: p.CanIO,
		CruiseSpeed: p.CruiseSpeed, RegenPreset: p.RegenPreset,
	}, p.PeriodMs, p.UseCRC)
	return nil
}

func (g *Gateway) handleUpdateCanIoFlags(cmd Command) error {
	var p updateCanIoFlagsPayload
	if err := decodePayload(cmd.Payload, &p); err != nil {
		return err
	}
	g.Intervals.UpdateCanIOFlags(interval.CanIOFlags{
		Pot: p.Pot, Pot2: p.Pot2, CanIO: p.CanIO,
		CruiseSpeed: p.CruiseSpeed, RegenPreset: p.RegenPreset,
	})
	return nil
}

func (g *Gateway) handleGetParamSchema(cmd Command) error {
	var p getParamSchemaPayload
	if err := decodePayload(cmd.Payload, &p); err != nil {
		return err
	}
	if err := g.requireLock(p.NodeId, cmd); err != nil {
		return err
	}
	return g.Conn.StartJsonDownload(cmd.ClientId)
}

// handleGetParamValues returns the latest cached reading for every
// param in the active spot-values subscription. The payload's nodeId
// is not consulted: the gateway drives exactly one device connection
// at a time.
func (g *Gateway) handleGetParamValues(cmd Command) error {
	for _, v := range g.Spot.Latest() {
		g.emit(Event{Event: "paramValue", RequestId: cmd.RequestId, Payload: valuePayload(v)})
	}
	return nil
}

func (g *Gateway) handleSetValue(cmd Command) error {
	var p setValuePayload
	if err := decodePayload(cmd.Payload, &p); err != nil {
		return err
	}
	if err := g.requireLock(g.Conn.NodeId, cmd); err != nil {
		return err
	}
	index := sdocodec.IndexParamUIDBase + (p.ParamId >> 8)
	sub := uint8(p.ParamId)
	err := g.Conn.WriteParam(index, sub, encodeQ27_5(p.Value), DefaultCommandAckTimeout)
	result := "Ok"
	if err != nil {
		if ge, ok := err.(*gwerrors.Error); ok {
			result = string(ge.Abort)
			if result == "" {
				result = string(ge.Kind)
			}
		} else if ab, ok := err.(*sdo.AbortError); ok {
			result = ab.Class
		} else if err == sdo.ErrTimeout {
			result = string(gwerrors.Timeout)
		} else {
			result = "Generic"
		}
	}
	g.emit(Event{Event: "valueSet", RequestId: cmd.RequestId, Payload: map[string]any{
		"result": result, "paramId": p.ParamId, "value": p.Value,
	}})
	return nil
}

// handleLifecycleCommand covers saveToFlash/loadFromFlash/loadDefaults:
// a single expedited write to the commands index, differing only by
// the command byte sent.
func (g *Gateway) handleLifecycleCommand(cmd Command) error {
	var code byte
	switch cmd.Action {
	case "saveToFlash":
		code = 's'
	case "loadFromFlash":
		code = 'l'
	case "loadDefaults":
		code = 'd'
	}
	if err := g.requireLock(g.Conn.NodeId, cmd); err != nil {
		return err
	}
	return g.Conn.WriteParam(sdocodec.IndexCommands, 0, []byte{code}, DefaultCommandAckTimeout)
}

func (g *Gateway) handleStart(cmd Command) error {
	var p startModePayload
	if err := decodePayload(cmd.Payload, &p); err != nil {
		return err
	}
	if err := g.requireLock(g.Conn.NodeId, cmd); err != nil {
		return err
	}
	var mode byte
	if len(p.Mode) > 0 {
		mode = p.Mode[0]
	}
	return g.Conn.WriteParam(sdocodec.IndexCommands, 1, []byte{mode}, DefaultCommandAckTimeout)
}

func (g *Gateway) handleStopMode(cmd Command) error {
	if err := g.requireLock(g.Conn.NodeId, cmd); err != nil {
		return err
	}
	return g.Conn.WriteParam(sdocodec.IndexCommands, 1, []byte{0}, DefaultCommandAckTimeout)
}

func (g *Gateway) handleListErrors(cmd Command) error {
	entries, err := ListErrors(g.Client, g.Conn.NodeId, DefaultCommandAckTimeout)
	if err != nil {
		return err
	}
	g.emit(Event{Event: "errorList", RequestId: cmd.RequestId, Payload: entries})
	return nil
}

func (g *Gateway) handleGetCanMappings(cmd Command) error {
	tx, err := GetCanMappings(g.Client, g.Conn.NodeId, false, DefaultCommandAckTimeout)
	if err != nil {
		return err
	}
	rx, err := GetCanMappings(g.Client, g.Conn.NodeId, true, DefaultCommandAckTimeout)
	if err != nil {
		return err
	}
	g.emit(Event{Event: "canMappings", RequestId: cmd.RequestId, Payload: map[string]any{"tx": tx, "rx": rx}})
	return nil
}

func (g *Gateway) handleAddCanMapping(cmd Command) error {
	var p addCanMappingPayload
	if err := decodePayload(cmd.Payload, &p); err != nil {
		return err
	}
	return AddCanMapping(g.Client, g.Conn.NodeId, p.IsRx, CanMapping{
		CanId: p.CanId, Index: p.Index, Subindex: p.Subindex, Length: p.Length,
	}, DefaultCommandAckTimeout)
}

func (g *Gateway) handleRemoveCanMapping(cmd Command) error {
	var p removeCanMappingPayload
	if err := decodePayload(cmd.Payload, &p); err != nil {
		return err
	}
	return RemoveCanMapping(g.Client, g.Conn.NodeId, p.IsRx, p.Index, p.Subindex, DefaultCommandAckTimeout)
}

func (g *Gateway) handleClearCanMap(cmd Command) error {
	var p clearCanMapPayload
	if err := decodePayload(cmd.Payload, &p); err != nil {
		return err
	}
	return ClearCanMap(g.Client, g.Conn.NodeId, p.IsRx, DefaultCommandAckTimeout)
}

func (g *Gateway) handleRenameDevice(cmd Command) error {
	var p renameDevicePayload
	if err := decodePayload(cmd.Payload, &p); err != nil {
		return err
	}
	return g.Store.Rename(storage.Serial(p.Serial), p.Name)
}

func (g *Gateway) handleDeleteDevice(cmd Command) error {
	var p deleteDevicePayload
	if err := decodePayload(cmd.Payload, &p); err != nil {
		return err
	}
	return g.Store.Delete(storage.Serial(p.Serial))
}

func (g *Gateway) handleFirmwareUpload(cmd Command) error {
	var p firmwareUploadPayload
	if err := decodePayload(cmd.Payload, &p); err != nil {
		return err
	}
	image, err := readFirmwareImage(p.Path)
	if err != nil {
		return gwerrors.New(gwerrors.IO, "read firmware image: %v", err)
	}
	if err := g.requireLock(g.Conn.NodeId, cmd); err != nil {
		return err
	}
	g.Firmware.OnProgress(func(done, total int) {
		metrics.FirmwarePagesSent.Inc()
		g.emit(Event{Event: "jsonProgress", Payload: map[string]any{"bytes": done, "total": total}})
	})
	g.Firmware.OnDone(func() {
		g.emit(Event{Event: "firmwareComplete", RequestId: cmd.RequestId})
	})
	g.Firmware.OnError(func(err *gwerrors.Error) {
		g.emit(Event{Event: "error", RequestId: cmd.RequestId, Payload: errorPayload(err)})
	})
	if err := g.Firmware.Start(g.Conn.NodeId, image); err != nil {
		return err
	}
	log.WithField("node", g.Conn.NodeId).Info("gateway: firmware update started")
	return nil
}
