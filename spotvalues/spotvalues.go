// Package spotvalues implements the Spot Values Manager: a configurable
// list of parameter ids polled on a fixed cycle, plus an ad-hoc
// one-shot read path that does not disturb the cycle. The gateway's
// getParamValues answers from the cached latest values, not this path.
package spotvalues

import (
	"time"

	"github.com/canbridge/cangateway/device"
)

// Value is a single parameter's last-known reading.
type Value struct {
	Index   uint16
	Sub     uint8
	Payload []byte
	At      time.Time
	Stale   bool
}

type request struct {
	clientId string
	index    uint16
	sub      uint8
}

// Manager owns the cyclic parameter id list, the pending one-shot
// request FIFO, and the latest-value cache.
type Manager struct {
	paramIds    []paramId
	periodMs    int64
	lastCycleMs int64
	cursor      int

	requests []request
	latest   map[paramId]Value

	onBatch func(clientId string, values []Value)
	onOne   func(clientId string, value Value)
}

type paramId struct {
	Index uint16
	Sub   uint8
}

func NewManager() *Manager {
	return &Manager{latest: map[paramId]Value{}}
}

func (m *Manager) OnBatch(f func(clientId string, values []Value)) { m.onBatch = f }
func (m *Manager) OnOne(f func(clientId string, value Value))      { m.onOne = f }

// Reload replaces the cyclic parameter list and resets the cursor.
func (m *Manager) Reload(params []struct {
	Index uint16
	Sub   uint8
}, periodMs int64) {
	ids := make([]paramId, 0, len(params))
	for _, p := range params {
		ids = append(ids, paramId{Index: p.Index, Sub: p.Sub})
	}
	m.paramIds = ids
	m.periodMs = periodMs
	m.cursor = 0
}

func (m *Manager) Count() int { return len(m.paramIds) }

// RequestOneShot enqueues a single ad-hoc read that does not disturb
// the cyclic cursor, answered out of band via OnOne.
func (m *Manager) RequestOneShot(clientId string, index uint16, sub uint8) {
	m.requests = append(m.requests, request{clientId: clientId, index: index, sub: sub})
}

// ProcessTick drains one pending one-shot request (if any), else
// advances the cyclic poll by one parameter when idle and the cycle
// period has elapsed. Ad-hoc reads take priority over the next cyclic
// slot.
func (m *Manager) ProcessTick(conn *device.Connection, idle bool, nowMs int64, deadline time.Duration) {
	if !idle {
		return
	}
	if len(m.requests) > 0 {
		req := m.requests[0]
		m.requests = m.requests[1:]
		payload, err := conn.ReadParam(req.index, req.sub, deadline)
		if err != nil {
			return
		}
		v := Value{Index: req.index, Sub: req.sub, Payload: payload, At: time.Now()}
		m.latest[paramId{req.index, req.sub}] = v
		if m.onOne != nil {
			m.onOne(req.clientId, v)
		}
		return
	}

	if len(m.paramIds) == 0 || m.periodMs == 0 {
		return
	}
	if nowMs-m.lastCycleMs < m.periodMs {
		return
	}

	id := m.paramIds[m.cursor]
	payload, err := conn.ReadParam(id.Index, id.Sub, deadline)
	if err == nil {
		m.latest[id] = Value{Index: id.Index, Sub: id.Sub, Payload: payload, At: time.Now()}
	}
	m.cursor++
	if m.cursor >= len(m.paramIds) {
		m.cursor = 0
		m.lastCycleMs = nowMs
		if m.onBatch != nil {
			m.onBatch("", m.Latest())
		}
	}
}

// Latest returns a snapshot of every parameter's last-known value, in
// configured order.
func (m *Manager) Latest() []Value {
	out := make([]Value, 0, len(m.paramIds))
	for _, id := range m.paramIds {
		if v, ok := m.latest[id]; ok {
			out = append(out, v)
		}
	}
	return out
}
