// Package firmware drives the bootloader firmware update protocol: a
// reactive page-transfer state machine exchanging single-letter
// control bytes with the device's bootloader over a dedicated pair of
// CAN IDs, independent of the SDO client.
package firmware

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/canbridge/cangateway/canbus"
	"github.com/canbridge/cangateway/gwerrors"
	"github.com/canbridge/cangateway/internal/crc32ieee"
)

// Bootloader CAN IDs.
const (
	CobBootloaderRequest  uint32 = 0x7DD
	CobBootloaderResponse uint32 = 0x7DE
)

const (
	PageSize      = 1024
	FramePayload  = 8
	FramesPerPage = PageSize / FramePayload
	padByte       = 0xFF
)

// maxPageRetries bounds how many times a single page may be rejected
// with 'E' before the update fails outright: a page CRC mismatch
// retransmits the same page, it does not abort on the first rejection.
const maxPageRetries = 3

// Stage names the firmware update's reactive state machine.
type Stage int

const (
	Idle Stage = iota
	SendMagic
	SendSize
	SendPage
	CheckCRC
	Done
	Failed
)

func (s Stage) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case SendMagic:
		return "SEND_MAGIC"
	case SendSize:
		return "SEND_SIZE"
	case SendPage:
		return "SEND_PAGE"
	case CheckCRC:
		return "CHECK_CRC"
	case Done:
		return "DONE"
	case Failed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

const (
	respStart    byte = 'S' // bootloader ready for the magic/size handshake
	respPageAck  byte = 'P' // frame accepted, send next; after the CRC: page accepted
	respCrcOK    byte = 'C' // bootloader requests the page CRC
	respErr      byte = 'E' // page CRC mismatch, resend the current page
	respDone     byte = 'D' // image complete
)

// Bus is the minimal transport the driver needs; distinct from
// sdo.Client's Bus since the bootloader protocol is not SDO-framed.
type Bus interface {
	Transmit(f canbus.Frame, deadline time.Duration) error
}

// Driver runs one firmware update at a time against a single node.
type Driver struct {
	bus Bus

	stage       Stage
	nodeId      uint8
	image       []byte
	pageIndex   int
	frameIndex  int
	crc         crc32ieee.Running
	retries     int
	startedAt   time.Time

	onProgress func(pagesDone, pagesTotal int)
	onDone     func()
	onError    func(err *gwerrors.Error)
}

func NewDriver(bus Bus) *Driver { return &Driver{bus: bus} }

func (d *Driver) OnProgress(f func(pagesDone, pagesTotal int)) { d.onProgress = f }
func (d *Driver) OnDone(f func())                              { d.onDone = f }
func (d *Driver) OnError(f func(err *gwerrors.Error))           { d.onError = f }

func (d *Driver) Stage() Stage { return d.stage }

func (d *Driver) pageCount() int {
	return (len(d.image) + PageSize - 1) / PageSize
}

// Start begins an update: pads the image to a whole number of pages
// with 0xFF and arms the handshake stage.
func (d *Driver) Start(nodeId uint8, image []byte) error {
	if d.stage != Idle && d.stage != Done && d.stage != Failed {
		return gwerrors.New(gwerrors.BadState, "firmware update already in progress")
	}
	padded := make([]byte, len(image))
	copy(padded, image)
	if rem := len(padded) % PageSize; rem != 0 {
		pad := make([]byte, PageSize-rem)
		for i := range pad {
			pad[i] = padByte
		}
		padded = append(padded, pad...)
	}
	d.nodeId = nodeId
	d.image = padded
	d.pageIndex = 0
	d.frameIndex = 0
	d.retries = 0
	d.startedAt = time.Now()
	d.stage = SendMagic
	d.sendMagic()
	return nil
}

// sendMagic transmits the reset/magic frame that kicks off the
// handshake; the one proactive step in an otherwise purely reactive
// protocol, needed to prompt an already-quiescent bootloader.
func (d *Driver) sendMagic() {
	var payload [8]byte
	payload[0] = 'M'
	d.transmit(payload[:])
}

// OnResponse handles one inbound bootloader response byte.
func (d *Driver) OnResponse(b byte) {
	switch b {
	case respStart:
		if d.stage == SendMagic {
			d.sendSize()
		}
	case respPageAck:
		switch d.stage {
		case SendSize, SendPage:
			d.sendNextFrame()
		case CheckCRC:
			d.advancePage()
		}
	case respCrcOK:
		if d.stage == CheckCRC {
			d.sendPageCRC()
		}
	case respErr:
		d.retryPage()
	case respDone:
		d.stage = Done
		if d.onDone != nil {
			d.onDone()
		}
	default:
		log.WithField("byte", b).Debug("firmware: unrecognized bootloader response")
	}
}

func (d *Driver) sendSize() {
	d.stage = SendSize
	var payload [8]byte
	payload[0] = 'Z'
	size := uint32(len(d.image))
	payload[1] = byte(size)
	payload[2] = byte(size >> 8)
	payload[3] = byte(size >> 16)
	payload[4] = byte(size >> 24)
	d.transmit(payload[:])
}

// sendNextFrame transmits the current page's next 8-byte frame,
// resetting the running CRC at the start of each page. Once the
// page's 128th frame is sent, the driver moves to CheckCRC and waits:
// the CRC itself is only transmitted when the bootloader asks for it
// with 'C'.
func (d *Driver) sendNextFrame() {
	if d.frameIndex == 0 {
		d.crc.Reset()
		d.stage = SendPage
	}
	start := d.pageIndex*PageSize + d.frameIndex*FramePayload
	chunk := d.image[start : start+FramePayload]
	d.crc.Write(chunk)
	d.transmit(chunk)
	d.frameIndex++

	if d.frameIndex == FramesPerPage {
		d.stage = CheckCRC
	}
}

func (d *Driver) sendPageCRC() {
	var payload [8]byte
	payload[0] = 'X'
	sum := d.crc.Sum()
	payload[1] = byte(sum)
	payload[2] = byte(sum >> 8)
	payload[3] = byte(sum >> 16)
	payload[4] = byte(sum >> 24)
	d.transmit(payload[:])
}

// retryPage rewinds the page cursor and resends it from frame zero,
// without advancing pageIndex. The resent page runs the same
// CheckCRC/'C'/'P' cycle as any other page and is accepted on 'P'.
func (d *Driver) retryPage() {
	d.retries++
	if d.retries > maxPageRetries {
		d.fail(gwerrors.New(gwerrors.Abort, "bootloader rejected page %d after %d retries", d.pageIndex, d.retries))
		return
	}
	d.frameIndex = 0
	d.stage = SendPage
	d.sendNextFrame()
}

func (d *Driver) advancePage() {
	d.pageIndex++
	d.frameIndex = 0
	d.retries = 0
	total := d.pageCount()
	if d.onProgress != nil {
		d.onProgress(d.pageIndex, total)
	}
	if d.pageIndex >= total {
		// all pages sent; wait for the bootloader's final 'D'.
		return
	}
	d.sendNextFrame()
}

func (d *Driver) transmit(payload []byte) {
	frame := canbus.NewFrame(CobBootloaderRequest, payload)
	if err := d.bus.Transmit(frame, 0); err != nil {
		log.WithError(err).Warn("firmware: transmit failed")
	}
}

func (d *Driver) fail(err *gwerrors.Error) {
	log.WithError(err).WithField("node", d.nodeId).Warn("firmware: update failed")
	d.stage = Failed
	if d.onError != nil {
		d.onError(err)
	}
}
