package canbus

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// ErrBusy is returned by Transmit when the TX queue is saturated: at
// once for a zero deadline, otherwise once the deadline passes. Receive
// reports a missing frame through its bool result, not an error.
var ErrBusy = errors.New("canbus: busy")

// ErrClosed indicates the bus has been shut down.
var ErrClosed = errors.New("canbus: closed")

// Transport is the minimum a concrete driver must provide. Production
// code talks to a real controller (see socketcan.go); tests use a
// LoopbackBus.
type Transport interface {
	Configure(Config) error
	Send(Frame) error
	// Recv blocks until a frame is available or ctx is done.
	Recv(ctx context.Context) (Frame, error)
	Close() error
}

const defaultQueueDepth = 32

// QueuedBus wraps a Transport in bounded TX/RX queues so the gateway
// task never blocks the bus owner loop for longer than a single tick:
// a single mutex-guarded owner, with pump goroutines draining the
// transport into channels the gateway polls with a deadline.
type QueuedBus struct {
	mu        sync.Mutex
	transport Transport
	tx        chan Frame
	rx        chan Frame
	closed    chan struct{}
	closeOnce sync.Once
	cfg       Config
	inFlight  bool // set through SetInFlight; Configure refuses while true
}

func NewQueuedBus(t Transport, depth int) *QueuedBus {
	if depth <= 0 {
		depth = defaultQueueDepth
	}
	qb := &QueuedBus{
		transport: t,
		tx:        make(chan Frame, depth),
		rx:        make(chan Frame, depth),
		closed:    make(chan struct{}),
	}
	go qb.pumpRX()
	go qb.pumpTX()
	return qb
}

func (qb *QueuedBus) pumpRX() {
	for {
		f, err := qb.transport.Recv(context.Background())
		if err != nil {
			select {
			case <-qb.closed:
				return
			default:
			}
			log.WithError(err).Warn("canbus: recv error, retrying")
			time.Sleep(10 * time.Millisecond)
			continue
		}
		select {
		case qb.rx <- f:
		default:
			log.Warn("canbus: rx queue full, dropping frame")
		}
	}
}

func (qb *QueuedBus) pumpTX() {
	for {
		select {
		case f := <-qb.tx:
			if err := qb.transport.Send(f); err != nil {
				log.WithError(err).Warn("canbus: send error")
			}
		case <-qb.closed:
			return
		}
	}
}

// Transmit enqueues a frame. A zero deadline makes this non-blocking:
// it returns ErrBusy immediately if the TX queue is saturated.
func (qb *QueuedBus) Transmit(frame Frame, deadline time.Duration) error {
	if deadline <= 0 {
		select {
		case qb.tx <- frame:
			return nil
		default:
			return ErrBusy
		}
	}
	timer := time.NewTimer(deadline)
	defer timer.Stop()
	select {
	case qb.tx <- frame:
		return nil
	case <-timer.C:
		return ErrBusy
	case <-qb.closed:
		return ErrClosed
	}
}

// Receive waits up to deadline for the next inbound frame. A zero
// deadline polls non-blocking.
func (qb *QueuedBus) Receive(deadline time.Duration) (Frame, bool) {
	if deadline <= 0 {
		select {
		case f := <-qb.rx:
			return f, true
		default:
			return Frame{}, false
		}
	}
	timer := time.NewTimer(deadline)
	defer timer.Stop()
	select {
	case f := <-qb.rx:
		return f, true
	case <-timer.C:
		return Frame{}, false
	}
}

// TxQueueDepth reports how many frames are currently queued for
// transmit, for instrumentation.
func (qb *QueuedBus) TxQueueDepth() int { return len(qb.tx) }

// FlushTX drops any frames still queued for transmit.
func (qb *QueuedBus) FlushTX() {
	for {
		select {
		case <-qb.tx:
		default:
			return
		}
	}
}

// ClearRXUntilQuiet drains the RX queue until no frame arrives for
// `quiet`, used before a discovery sweep reinitializes bus filters.
func (qb *QueuedBus) ClearRXUntilQuiet(quiet time.Duration) {
	for {
		select {
		case <-qb.rx:
		case <-time.After(quiet):
			return
		}
	}
}

// Configure reconfigures the underlying transport. It returns an error
// without reconfiguring while the in-flight flag set by SetInFlight is
// true.
func (qb *QueuedBus) Configure(cfg Config) error {
	qb.mu.Lock()
	defer qb.mu.Unlock()
	if qb.inFlight {
		return errors.New("canbus: cannot reconfigure with an SDO transaction in flight")
	}
	if err := qb.transport.Configure(cfg); err != nil {
		return err
	}
	qb.cfg = cfg
	return nil
}

func (qb *QueuedBus) SetInFlight(v bool) {
	qb.mu.Lock()
	qb.inFlight = v
	qb.mu.Unlock()
}

func (qb *QueuedBus) Close() error {
	var err error
	qb.closeOnce.Do(func() {
		close(qb.closed)
		err = qb.transport.Close()
	})
	return err
}
