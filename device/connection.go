// Package device owns the active device connection: a non-blocking
// state machine for acquiring a device's serial number and
// downloading its parameter schema over a multi-segment SDO transfer
// with toggle-bit framing.
package device

import (
	"encoding/json"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/canbridge/cangateway/gwerrors"
	"github.com/canbridge/cangateway/internal/fifo"
	"github.com/canbridge/cangateway/sdo"
	"github.com/canbridge/cangateway/sdocodec"
)

// State names the Device Connection's non-blocking state machine.
type State int

const (
	Idle State = iota
	SerialAcquiring
	JsonDownloading
	Error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case SerialAcquiring:
		return "SERIAL_ACQUIRING"
	case JsonDownloading:
		return "JSON_DOWNLOADING"
	case Error:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

const (
	GlobalTimeout     = 5 * time.Second
	SegmentTimeout    = 100 * time.Millisecond
	SerialAcqTimeout  = 5 * time.Second
	MinReadIntervalUs = 500 * time.Microsecond
)

// SchemaStage is a tagged sum in place of a boolean flag around a
// growing buffer: {Idle, Downloading, Ready}.
type SchemaStage int

const (
	SchemaIdle SchemaStage = iota
	SchemaDownloading
	SchemaReady
)

// Schema is the lock-guarded schema buffer: the gateway task is the
// sole writer (append-only during a download); readers (the event
// emitter, possibly called from the transport task) take an immutable
// snapshot under the same lock.
type Schema struct {
	mu        sync.Mutex
	stage     SchemaStage
	buf       *fifo.Fifo
	total     uint32 // 0 if unknown
	got       int
	parsed    map[string]any
	parsedRaw []byte
}

func newSchema() *Schema {
	return &Schema{buf: fifo.New(4096)}
}

// Snapshot returns the current stage plus bytes received and total
// hint, safe to call concurrently with appends.
func (s *Schema) Snapshot() (stage SchemaStage, got int, total uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stage, s.got, s.total
}

func (s *Schema) Parsed() (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stage != SchemaReady {
		return nil, false
	}
	return s.parsed, true
}

func (s *Schema) beginDownload(total uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stage = SchemaDownloading
	s.buf.Reset()
	s.buf.Grow(int(total))
	s.total = total
	s.got = 0
}

func (s *Schema) appendChunk(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf.Grow(len(data))
	s.buf.Write(data)
	s.got += len(data)
}

// finish parses the accumulated bytes as JSON. The schema is parsed
// iff the terminal segment was observed; otherwise the parsed cache
// remains empty.
func (s *Schema) finish() error {
	s.mu.Lock()
	raw := s.buf.ReadAll()
	s.mu.Unlock()

	var parsed map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.parsed = parsed
	s.parsedRaw = raw
	s.stage = SchemaReady
	s.mu.Unlock()
	return nil
}

// Clear truncates the buffer and resets the total-size hint.
func (s *Schema) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf.Reset()
	s.total = 0
	s.got = 0
	s.parsed = nil
	s.parsedRaw = nil
	s.stage = SchemaIdle
}

// Connection is the active device's connection state, owned
// exclusively by the gateway task.
type Connection struct {
	client *sdo.Client

	State  State
	NodeId uint8
	Serial [4]uint32

	Schema *Schema

	schemaRequestClientId string
	lastRead              time.Time

	stateStartedAt time.Time
	retries        int
	serialCursor   int
	toggle         uint8
	initiated      bool

	onReady       func(nodeId uint8, serial [4]uint32)
	onError       func(err *gwerrors.Error)
	onProgress    func(got int, total uint32)
	onSchemaReady func(clientId string, parsed map[string]any)
}

func NewConnection(client *sdo.Client) *Connection {
	return &Connection{client: client, Schema: newSchema(), State: Idle}
}

func (c *Connection) OnReady(f func(nodeId uint8, serial [4]uint32))             { c.onReady = f }
func (c *Connection) OnError(f func(err *gwerrors.Error))                        { c.onError = f }
func (c *Connection) OnProgress(f func(got int, total uint32))                   { c.onProgress = f }
func (c *Connection) OnSchemaReady(f func(clientId string, parsed map[string]any)) { c.onSchemaReady = f }

// StartSerialAcquisition begins re-acquiring a device's serial number:
// IDLE --startSerialAcquisition--> SERIAL_ACQUIRING.
func (c *Connection) StartSerialAcquisition(nodeId uint8) error {
	if c.State != Idle {
		return gwerrors.New(gwerrors.BadState, "connection busy in state %s", c.State)
	}
	c.NodeId = nodeId
	c.serialCursor = 0
	c.retries = 0
	c.stateStartedAt = time.Now()
	c.State = SerialAcquiring
	return nil
}

// StartJsonDownload begins the schema download:
// IDLE --startJsonDownload--> JSON_DOWNLOADING.
func (c *Connection) StartJsonDownload(clientId string) error {
	if c.State != Idle {
		return gwerrors.New(gwerrors.BadState, "connection busy in state %s", c.State)
	}
	c.schemaRequestClientId = clientId
	c.toggle = 0
	c.retries = 0
	c.stateStartedAt = time.Now()
	c.State = JsonDownloading
	c.Schema.beginDownload(0)
	return nil
}

// SchemaRequestClientId reports which client's request should receive
// the eventual paramSchemaData event.
func (c *Connection) SchemaRequestClientId() string { return c.schemaRequestClientId }

// Process advances the state machine by one step. Called once per
// gateway tick; each step may block for at most SegmentTimeout.
func (c *Connection) Process() {
	switch c.State {
	case SerialAcquiring:
		c.stepSerial()
	case JsonDownloading:
		c.stepJson()
	}
}

func (c *Connection) stepSerial() {
	if time.Since(c.stateStartedAt) > SerialAcqTimeout {
		c.fail(gwerrors.New(gwerrors.Timeout, "serial acquisition timed out"))
		return
	}
	resp, err := c.client.RequestAndWait(c.NodeId, sdocodec.IndexSerial, uint8(c.serialCursor), SegmentTimeout)
	if err != nil {
		if ab, ok := err.(*sdo.AbortError); ok {
			c.fail(gwerrors.NewAbort(gwerrors.AbortClass(ab.Class), "serial part %d aborted", c.serialCursor))
			return
		}
		// per-request timeout: retry, bounded by the global budget checked above.
		c.retries++
		return
	}
	if !resp.Expedited || resp.ExpeditedN < 4 {
		c.fail(gwerrors.New(gwerrors.Parse, "malformed serial response"))
		return
	}
	c.Serial[c.serialCursor] = leUint32(resp.ExpeditedBuf[:])
	c.serialCursor++
	if c.serialCursor == 4 {
		c.State = Idle
		if c.onReady != nil {
			c.onReady(c.NodeId, c.Serial)
		}
	}
}

func leUint32(b []byte) uint32 {
	var v uint32
	for i := 0; i < 4 && i < len(b); i++ {
		v |= uint32(b[i]) << (8 * i)
	}
	return v
}

func (c *Connection) stepJson() {
	if time.Since(c.stateStartedAt) > GlobalTimeout {
		c.fail(gwerrors.New(gwerrors.Timeout, "json download timed out"))
		return
	}

	if !c.initiated {
		resp, err := c.client.RequestAndWait(c.NodeId, sdocodec.IndexStrings, 0, SegmentTimeout)
		if err != nil {
			if ab, ok := err.(*sdo.AbortError); ok {
				c.fail(gwerrors.NewAbort(gwerrors.AbortClass(ab.Class), "schema initiate aborted"))
				return
			}
			return // retry next tick
		}
		total := resp.TotalSize
		c.Schema.beginDownload(total)
		c.initiated = true
		if c.onProgress != nil {
			c.onProgress(0, total)
		}
		return
	}

	resp, err := c.client.RequestSegmentAndWait(c.NodeId, c.toggle, SegmentTimeout)
	if err != nil {
		if ab, ok := err.(*sdo.AbortError); ok {
			c.fail(gwerrors.NewAbort(gwerrors.AbortClass(ab.Class), "schema segment aborted"))
			return
		}
		return // retry this segment next tick
	}
	c.Schema.appendChunk(resp.Payload)
	if c.onProgress != nil {
		_, got, total := c.Schema.Snapshot()
		c.onProgress(got, total)
	}
	c.toggle ^= 1
	if resp.Last {
		if err := c.Schema.finish(); err != nil {
			c.fail(gwerrors.New(gwerrors.Parse, "schema parse failed: %v", err))
			return
		}
		c.initiated = false
		c.State = Idle
		if c.onSchemaReady != nil {
			parsed, _ := c.Schema.Parsed()
			c.onSchemaReady(c.schemaRequestClientId, parsed)
		}
	}
}

func (c *Connection) fail(err *gwerrors.Error) {
	log.WithError(err).WithField("node", c.NodeId).Warn("device: connection failed")
	c.State = Error
	c.initiated = false
	if c.onError != nil {
		c.onError(err)
	}
}

// Reset clears an ERROR state back to IDLE so the operator can retry.
func (c *Connection) Reset() {
	c.State = Idle
	c.initiated = false
}

// ReadParam rate-limits parameter reads to MinReadIntervalUs.
func (c *Connection) ReadParam(index uint16, sub uint8, deadline time.Duration) ([]byte, error) {
	if time.Since(c.lastRead) < MinReadIntervalUs {
		return nil, gwerrors.New(gwerrors.Busy, "rate limited")
	}
	c.lastRead = time.Now()
	return c.client.ReadExpedited(c.NodeId, index, sub, deadline)
}

// WriteParam writes a value by expedited download.
func (c *Connection) WriteParam(index uint16, sub uint8, payload []byte, deadline time.Duration) error {
	return c.client.WriteAndWait(c.NodeId, index, sub, payload, deadline)
}
