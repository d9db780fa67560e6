// Package discovery implements the device discovery engine: a one-shot
// bus sweep, a cooperative continuous sweep driven by process ticks,
// and passive heartbeat tracking piggy-backed on whatever SDO traffic
// the bus owner is already observing.
package discovery

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/canbridge/cangateway/canbus"
	"github.com/canbridge/cangateway/gwerrors"
	"github.com/canbridge/cangateway/sdo"
	"github.com/canbridge/cangateway/sdocodec"
	"github.com/canbridge/cangateway/storage"
)

// ScanProbeTimeout and ScanThrottle are the per-probe and per-tick
// pacing of the continuous sweep.
const (
	ScanProbeTimeout     = 100 * time.Millisecond
	ScanThrottle         = 50 * time.Millisecond
	HeartbeatThrottle    = 1 * time.Second
)

// Device is a discovered device, returned by ScanOnce and emitted by
// the continuous sweep's deviceDiscovered event.
type Device struct {
	Serial storage.Serial
	NodeId uint8
	SeenAt time.Time
}

// Discovery owns the scan cursor, the persisted device directory and
// the passive-heartbeat throttle map.
type Discovery struct {
	client *sdo.Client
	store  *storage.Store

	scanActive   bool
	cursorNode   uint8
	cursorEnd    uint8
	cursorPart   int
	lastProbe    time.Time
	partialSerial [4]uint32

	heartbeatSeen map[uint8]time.Time

	onDiscovered func(Device)
}

func New(client *sdo.Client, store *storage.Store) *Discovery {
	return &Discovery{client: client, store: store, heartbeatSeen: map[uint8]time.Time{}}
}

func (d *Discovery) OnDiscovered(f func(Device)) { d.onDiscovered = f }

// FormatSerial renders the 4 serial words as colon-joined hex,
// e.g. "00000005:32315110:34303539:34303539".
func FormatSerial(parts [4]uint32) storage.Serial {
	return storage.Serial(fmt.Sprintf("%08x:%08x:%08x:%08x", parts[0], parts[1], parts[2], parts[3]))
}

func (d *Discovery) readSerialPart(node uint8, part int, deadline time.Duration) (uint32, error) {
	buf, err := d.client.ReadExpedited(node, sdocodec.IndexSerial, uint8(part), deadline)
	if err != nil {
		return 0, err
	}
	if len(buf) < 4 {
		return 0, gwerrors.New(gwerrors.Parse, "short serial part response")
	}
	var v uint32
	for i := 0; i < 4; i++ {
		v |= uint32(buf[i]) << (8 * i)
	}
	return v, nil
}

// ScanOnce performs the blocking one-shot sweep across [start, end].
// Not cancelable. It does not check the connection state and does not
// change or restore any connection's node id: Discovery does not own
// the active connection.
func (d *Discovery) ScanOnce(start, end uint8) []Device {
	if start > end {
		return nil
	}
	var found []Device
	for node := start; ; node++ {
		var parts [4]uint32
		ok := true
		for part := 0; part < 4; part++ {
			v, err := d.readSerialPart(node, part, ScanProbeTimeout)
			if err != nil {
				ok = false
				break
			}
			parts[part] = v
		}
		if ok {
			serial := FormatSerial(parts)
			now := time.Now()
			_ = d.store.AddOrUpdate(serial, node, now.UnixMilli())
			dev := Device{Serial: serial, NodeId: node, SeenAt: now}
			found = append(found, dev)
			if d.onDiscovered != nil {
				d.onDiscovered(dev)
			}
		}
		if node == end {
			break
		}
	}
	return found
}

// StartContinuous arms the cooperative sweep, resetting the cursor. It
// does not touch the bus filter; before calling this the gateway drains
// pending RX frames but does not reconfigure the filter.
func (d *Discovery) StartContinuous(start, end uint8) {
	d.scanActive = true
	d.cursorNode = start
	d.cursorEnd = end
	d.cursorPart = 0
	d.lastProbe = time.Time{}
}

func (d *Discovery) StopContinuous() {
	d.scanActive = false
}

func (d *Discovery) Active() bool { return d.scanActive }

// ProcessTick advances the continuous sweep by at most one serial-part
// probe, gated by ScanThrottle. idle reports whether the connection is
// currently free to use the bus.
func (d *Discovery) ProcessTick(idle bool) {
	if !d.scanActive || !idle {
		return
	}
	if time.Since(d.lastProbe) < ScanThrottle {
		return
	}
	d.lastProbe = time.Now()

	v, err := d.readSerialPart(d.cursorNode, d.cursorPart, ScanProbeTimeout)
	if err != nil {
		d.advanceNode()
		return
	}
	d.partialSerial[d.cursorPart] = v
	d.cursorPart++
	if d.cursorPart == 4 {
		serial := FormatSerial(d.partialSerial)
		now := time.Now()
		_ = d.store.AddOrUpdate(serial, d.cursorNode, now.UnixMilli())
		dev := Device{Serial: serial, NodeId: d.cursorNode, SeenAt: now}
		if d.onDiscovered != nil {
			d.onDiscovered(dev)
		}
		d.advanceNode()
	}
}

// advanceNode moves the sweep to the next node; once the cursor reaches
// the end of the range it wraps to node 1, not to the range's start.
func (d *Discovery) advanceNode() {
	d.cursorPart = 0
	if d.cursorNode >= d.cursorEnd {
		d.cursorNode = 1
	} else {
		d.cursorNode++
	}
}

// ObserveFrame feeds passive heartbeat tracking: any RX frame from
// 0x580|nodeId updates last_seen for the matching device, throttled to
// at most once per HeartbeatThrottle per node. It is wired as the
// sdo.Client Observer so it sees every frame the bus owner already
// reads without a second consumer racing for them.
func (d *Discovery) ObserveFrame(f canbus.Frame) {
	if !sdocodec.IsResponseCob(f.ID) {
		return
	}
	node := uint8(f.ID & 0x7F)
	now := time.Now()
	if last, ok := d.heartbeatSeen[node]; ok && now.Sub(last) < HeartbeatThrottle {
		return
	}
	d.heartbeatSeen[node] = now

	for serial, rec := range d.store.All() {
		if rec.NodeId == node {
			if err := d.store.AddOrUpdate(serial, node, now.UnixMilli()); err != nil {
				log.WithError(err).Debug("discovery: heartbeat persist failed")
			}
			break
		}
	}
}
