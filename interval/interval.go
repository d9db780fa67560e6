// Package interval implements the Interval Manager: a list of named
// periodic frames plus the single specialized CAN-IO frame with its
// rolling counter and optional CRC.
package interval

import (
	"time"

	"github.com/canbridge/cangateway/canbus"
	"github.com/canbridge/cangateway/internal/crc32ieee"
)

// Frame is a named periodic frame, inserted or replaced by id.
type Frame struct {
	Id         string
	CanId      uint32
	Data       [8]byte
	Length     uint8
	PeriodMs   int64
	lastSendMs int64
	sent       bool
}

// Manager owns the named periodic frames and the CAN-IO frame.
type Manager struct {
	frames map[string]*Frame
	io     *canIO
}

func NewManager() *Manager {
	return &Manager{frames: map[string]*Frame{}}
}

// Start inserts or replaces the named frame; calling it twice with the
// same id leaves a single entry holding the later call's values.
func (m *Manager) Start(id string, canId uint32, data []byte, length uint8, periodMs int64) {
	f := &Frame{Id: id, CanId: canId, Length: length, PeriodMs: periodMs}
	n := int(length)
	if n > 8 {
		n = 8
	}
	copy(f.Data[:n], data)
	m.frames[id] = f
}

func (m *Manager) Stop(id string) {
	delete(m.frames, id)
}

func (m *Manager) ClearAll() {
	m.frames = map[string]*Frame{}
}

func (m *Manager) Has(id string) bool {
	_, ok := m.frames[id]
	return ok
}

func (m *Manager) Count() int { return len(m.frames) }

// SendDue transmits every frame whose period has elapsed; a newly
// started frame is due on the first call. Missed windows are not
// compensated.
func (m *Manager) SendDue(bus Transmitter, nowMs int64) {
	for _, f := range m.frames {
		if !f.sent || nowMs-f.lastSendMs >= f.PeriodMs {
			frame := canbus.NewFrame(f.CanId, f.Data[:f.Length])
			_ = bus.Transmit(frame, 0)
			f.lastSendMs = nowMs
			f.sent = true
		}
	}
}

// Transmitter is the minimal bus surface the interval manager needs.
type Transmitter interface {
	Transmit(f canbus.Frame, deadline time.Duration) error
}

// --- CAN-IO ---

// CanIOFlags is the mutable tuple update_can_io_flags replaces
// atomically.
type CanIOFlags struct {
	Pot          uint16 // 12-bit
	Pot2         uint16 // 12-bit
	CanIO        uint8  // 6-bit
	CruiseSpeed  uint16 // 14-bit
	RegenPreset  uint8  // 8-bit
}

type canIO struct {
	active     bool
	canId      uint32
	flags      CanIOFlags
	useCRC     bool
	periodMs   int64
	lastSendMs int64
	counter    uint8 // 2-bit rolling counter, wraps {0,1,2,3}
}

// StartCanIO activates the CAN-IO periodic frame. The counter starts
// at 1 so a replayed final frame from a previous session never
// matches.
func (m *Manager) StartCanIO(canId uint32, flags CanIOFlags, periodMs int64, useCRC bool) {
	m.io = &canIO{
		active:   true,
		canId:    canId,
		flags:    flags,
		useCRC:   useCRC,
		periodMs: periodMs,
		counter:  1,
	}
}

func (m *Manager) StopCanIO() {
	m.io = nil
}

func (m *Manager) CanIOActive() bool { return m.io != nil && m.io.active }

// UpdateCanIOFlags atomically replaces the current tuple; ignored if
// CAN-IO is not active.
func (m *Manager) UpdateCanIOFlags(flags CanIOFlags) {
	if m.io == nil {
		return
	}
	m.io.flags = flags
}

// SendCanIOIfDue transmits the CAN-IO frame when its period has
// elapsed, incrementing the rolling counter modulo 4 per send.
func (m *Manager) SendCanIOIfDue(bus Transmitter, nowMs int64) {
	if m.io == nil || !m.io.active {
		return
	}
	if nowMs-m.io.lastSendMs < m.io.periodMs {
		return
	}
	data := buildCanIOFrame(m.io.flags, m.io.counter, m.io.useCRC)
	frame := canbus.NewFrame(m.io.canId, data[:])
	_ = bus.Transmit(frame, 0)
	m.io.lastSendMs = nowMs
	m.io.counter = (m.io.counter + 1) % 4
}

// buildCanIOFrame packs the CAN-IO bit-fields:
//
//	bits 0..11  : pot (12 bit)
//	bits 12..23 : pot2 (12 bit)
//	bits 24..29 : canio (6 bit)
//	bits 30..31 : rolling counter (2 bit)
//	bits 32..45 : cruisespeed (14 bit)
//	bits 46..53 : regenpreset (8 bit)
//	bits 54..63 : CRC-32 (10 bits of it) if use_crc, else zero
func buildCanIOFrame(f CanIOFlags, counter uint8, useCRC bool) [8]byte {
	pot := uint64(f.Pot) & 0xFFF
	pot2 := uint64(f.Pot2) & 0xFFF
	canio := uint64(f.CanIO) & 0x3F
	cnt := uint64(counter) & 0x3
	cruise := uint64(f.CruiseSpeed) & 0x3FFF
	regen := uint64(f.RegenPreset) & 0xFF

	var packed uint64
	packed |= pot << 0
	packed |= pot2 << 12
	packed |= canio << 24
	packed |= cnt << 30
	packed |= cruise << 32
	packed |= regen << 46

	var d [8]byte
	for i := 0; i < 8; i++ {
		d[i] = byte(packed >> (8 * i))
	}

	if useCRC {
		sum := crc32ieee.Sum(d[:7])
		marker := uint64(sum) & 0x3FF // low 10 bits used as the integrity marker
		d[6] |= byte(marker<<6) & 0xC0
		d[7] = byte(marker >> 2)
	}
	return d
}

// ParseCanIOFrame is the reverse of buildCanIOFrame, used by tests to
// assert the round-trip property and by any consumer that needs to
// validate a CAN-IO frame's integrity marker.
func ParseCanIOFrame(d [8]byte) (f CanIOFlags, counter uint8, crcOK bool, hasCRC bool) {
	var packed uint64
	for i := 0; i < 8; i++ {
		packed |= uint64(d[i]) << (8 * i)
	}
	f.Pot = uint16(packed >> 0 & 0xFFF)
	f.Pot2 = uint16(packed >> 12 & 0xFFF)
	f.CanIO = uint8(packed >> 24 & 0x3F)
	counter = uint8(packed >> 30 & 0x3)
	f.CruiseSpeed = uint16(packed >> 32 & 0x3FFF)
	f.RegenPreset = uint8(packed >> 46 & 0xFF)

	marker := uint64(d[6])>>6&0x3 | uint64(d[7])<<2
	hasCRC = marker != 0
	if hasCRC {
		var zeroed [8]byte
		copy(zeroed[:], d[:])
		zeroed[6] &= 0x3F
		zeroed[7] = 0
		sum := crc32ieee.Sum(zeroed[:7])
		crcOK = (uint64(sum) & 0x3FF) == marker
	}
	return f, counter, crcOK, hasCRC
}
