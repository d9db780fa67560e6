// Package sdo drives single-device SDO client transactions: it
// composes the pure sdocodec frame builders with a bus and a deadline
// to produce the requestAndWait/writeAndWait primitives every higher
// state machine (Device Connection, Discovery, the error log reader,
// CAN mapping reader) is built from.
//
// Blocking-loop style simplified to expedited+segmented only (no
// block transfer), built around sdocodec's pure codec rather than a
// monolithic per-transfer state machine.
package sdo

import (
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/canbridge/cangateway/canbus"
	"github.com/canbridge/cangateway/metrics"
	"github.com/canbridge/cangateway/sdocodec"
)

// ErrTimeout is returned when no matching response arrived before the
// deadline.
var ErrTimeout = errors.New("sdo: timeout")

// AbortError wraps a received SDO abort, classified into a coarse
// recoverability bucket.
type AbortError struct {
	Code  uint32
	Class string // "OutOfRange" | "UnknownIndex" | "Generic"
}

func (e *AbortError) Error() string {
	return "sdo: abort " + e.Class
}

func newAbortError(code uint32) *AbortError {
	return &AbortError{Code: code, Class: sdocodec.DecodeAbortClass(code)}
}

// Bus is the minimal surface sdo.Client needs; canbus.QueuedBus
// satisfies it.
type Bus interface {
	Transmit(f canbus.Frame, deadline time.Duration) error
	Receive(deadline time.Duration) (canbus.Frame, bool)
}

// Observer is invoked for every frame seen while a transaction is
// waiting, matching or not — this is how Discovery's passive heartbeat
// tracking piggybacks on the single bus reader without a second
// consumer racing for the same frames.
type Observer func(canbus.Frame)

// pollInterval bounds each individual bus.Receive call so the caller
// never blocks for more than this long before re-checking the overall
// transaction deadline.
const pollInterval = 10 * time.Millisecond

// Client owns no state of its own beyond the bus and an optional
// observer: one instance is reused for every transaction, since the
// gateway never has two SDO transactions in flight at once.
type Client struct {
	bus      Bus
	observer Observer
}

func NewClient(bus Bus) *Client {
	return &Client{bus: bus}
}

func (c *Client) SetObserver(obs Observer) { c.observer = obs }

// RequestAndWait performs an SDO upload-initiate (read) and waits for
// the matching response.
func (c *Client) RequestAndWait(node uint8, index uint16, sub uint8, deadline time.Duration) (sdocodec.Response, error) {
	req := sdocodec.BuildInitiateUpload(index, sub)
	return c.roundTrip(node, index, sub, req[:], deadline, sdocodec.KindUploadInitiate)
}

// WriteAndWait performs an expedited SDO download (write) and waits
// for the confirmation or abort.
func (c *Client) WriteAndWait(node uint8, index uint16, sub uint8, payload []byte, deadline time.Duration) error {
	req := sdocodec.BuildExpeditedDownload(index, sub, payload)
	_, err := c.roundTrip(node, index, sub, req[:], deadline, sdocodec.KindDownloadConfirm)
	return err
}

// RequestSegmentAndWait requests the next upload segment with the
// given toggle bit and waits for a matching segment or abort.
func (c *Client) RequestSegmentAndWait(node uint8, toggle uint8, deadline time.Duration) (sdocodec.Response, error) {
	req := sdocodec.BuildSegmentRequest(toggle)
	return c.roundTrip(node, 0, 0, req[:], deadline, sdocodec.KindSegment)
}

func (c *Client) roundTrip(node uint8, index uint16, sub uint8, frameData []byte, deadline time.Duration, want sdocodec.ResponseKind) (sdocodec.Response, error) {
	var d [8]byte
	copy(d[:], frameData)
	frame := canbus.NewFrame(sdocodec.CobRequest(node), d[:])
	if err := c.bus.Transmit(frame, 0); err != nil {
		return sdocodec.Response{}, err
	}

	deadlineAt := time.Now().Add(deadline)
	for time.Now().Before(deadlineAt) {
		remaining := time.Until(deadlineAt)
		wait := pollInterval
		if remaining < wait {
			wait = remaining
		}
		f, ok := c.bus.Receive(wait)
		if !ok {
			continue
		}
		metrics.RxFramesObserved.Inc()
		if c.observer != nil {
			c.observer(f)
		}
		if f.ID != sdocodec.CobResponse(node) || !sdocodec.IsResponseCob(f.ID) {
			continue
		}
		resp := sdocodec.Classify(f.Data)
		if resp.Kind == sdocodec.KindAbort {
			ae := newAbortError(resp.AbortCode)
			metrics.SdoAborts.WithLabelValues(ae.Class).Inc()
			return sdocodec.Response{}, ae
		}
		if resp.Kind != want {
			// A response for a different request — drop it but keep
			// the clock ticking.
			log.WithFields(log.Fields{"node": node, "want": want, "got": resp.Kind}).
				Debug("sdo: dropping mismatched response")
			continue
		}
		if want == sdocodec.KindUploadInitiate || want == sdocodec.KindDownloadConfirm {
			if resp.Index != index || resp.Sub != sub {
				continue
			}
		}
		metrics.SdoRoundTrips.Inc()
		return resp, nil
	}
	metrics.SdoTimeouts.Inc()
	return sdocodec.Response{}, ErrTimeout
}

// ReadExpedited reads a value expected to fit in an expedited upload
// and returns the raw bytes actually present.
func (c *Client) ReadExpedited(node uint8, index uint16, sub uint8, deadline time.Duration) ([]byte, error) {
	resp, err := c.RequestAndWait(node, index, sub, deadline)
	if err != nil {
		return nil, err
	}
	if !resp.Expedited {
		return nil, errors.New("sdo: expected expedited response")
	}
	return append([]byte(nil), resp.ExpeditedBuf[:resp.ExpeditedN]...), nil
}
