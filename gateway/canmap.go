// CAN mapping read/write (getCanMappings / addCanMapping /
// removeCanMapping / clearCanMap): a bounded (≤MaxMapSlots) table of
// {canId, index, subindex, length} entries exposed over the device's
// object dictionary starting at the map-read base index. No arbitrary
// PDO mapping.
package gateway

import (
	"encoding/binary"
	"time"

	"github.com/canbridge/cangateway/gwerrors"
	"github.com/canbridge/cangateway/sdo"
	"github.com/canbridge/cangateway/sdocodec"
)

// MaxMapSlots bounds the CAN mapping table per direction.
const MaxMapSlots = 64

// CanMapping is one entry of the mapping table.
type CanMapping struct {
	Slot     uint8  `json:"slot"`
	CanId    uint32 `json:"canId"`
	Index    uint16 `json:"index"`
	Subindex uint8  `json:"subindex"`
	Length   uint8  `json:"length"`
}

// slotIndex maps a (direction, slot) pair onto the object dictionary:
// tx slots occupy the low half of the table (map-read base + slot), rx
// slots the high half (map-read base + MaxMapSlots + slot), each
// direction separately scanned by addCanMapping/getCanMappings.
func slotIndex(isRx bool, slot uint8) uint16 {
	if isRx {
		return sdocodec.IndexMapReadBase + MaxMapSlots + uint16(slot)
	}
	return sdocodec.IndexMapReadBase + uint16(slot)
}

// A mapping entry does not fit in one expedited transfer (canId alone
// is 4 bytes), so each slot occupies two subindices: sub 0 carries the
// little-endian canId, sub 1 carries {index(2) subindex(1) length(1)}.
const (
	mapSubCanId = 0
	mapSubRest  = 1
)

// GetCanMappings reads every populated slot for a direction, stopping
// at the first UnknownIndex abort or MaxMapSlots.
func GetCanMappings(client *sdo.Client, node uint8, isRx bool, deadline time.Duration) ([]CanMapping, error) {
	var out []CanMapping
	for slot := uint8(0); slot < MaxMapSlots; slot++ {
		canIdBuf, err := client.ReadExpedited(node, slotIndex(isRx, slot), mapSubCanId, deadline)
		if err != nil {
			if ab, ok := err.(*sdo.AbortError); ok && ab.Class == "UnknownIndex" {
				break
			}
			return out, err
		}
		if len(canIdBuf) < 4 {
			continue
		}
		restBuf, err := client.ReadExpedited(node, slotIndex(isRx, slot), mapSubRest, deadline)
		if err != nil {
			return out, err
		}
		if len(restBuf) < 4 {
			continue
		}
		out = append(out, decodeMapping(slot, canIdBuf, restBuf))
	}
	return out, nil
}

// AddCanMapping writes a new mapping to the next free slot found by
// linear scan.
func AddCanMapping(client *sdo.Client, node uint8, isRx bool, m CanMapping, deadline time.Duration) error {
	existing, err := GetCanMappings(client, node, isRx, deadline)
	if err != nil {
		return err
	}
	used := make(map[uint8]bool, len(existing))
	for _, e := range existing {
		used[e.Slot] = true
	}
	var slot uint8
	found := false
	for s := uint8(0); s < MaxMapSlots; s++ {
		if !used[s] {
			slot = s
			found = true
			break
		}
	}
	if !found {
		return gwerrors.New(gwerrors.BadState, "can mapping table full")
	}
	return writeMapping(client, node, isRx, slot, m, deadline)
}

// RemoveCanMapping clears the slot matching (index, subindex) for the
// given direction, if present.
func RemoveCanMapping(client *sdo.Client, node uint8, isRx bool, index uint16, subindex uint8, deadline time.Duration) error {
	existing, err := GetCanMappings(client, node, isRx, deadline)
	if err != nil {
		return err
	}
	for _, e := range existing {
		if e.Index == index && e.Subindex == subindex {
			return clearSlot(client, node, isRx, e.Slot, deadline)
		}
	}
	return nil
}

// ClearCanMap clears every populated slot for the given direction.
func ClearCanMap(client *sdo.Client, node uint8, isRx bool, deadline time.Duration) error {
	existing, err := GetCanMappings(client, node, isRx, deadline)
	if err != nil {
		return err
	}
	for _, e := range existing {
		if err := clearSlot(client, node, isRx, e.Slot, deadline); err != nil {
			return err
		}
	}
	return nil
}

func writeMapping(client *sdo.Client, node uint8, isRx bool, slot uint8, m CanMapping, deadline time.Duration) error {
	canIdPayload := make([]byte, 4)
	binary.LittleEndian.PutUint32(canIdPayload, m.CanId)
	if err := client.WriteAndWait(node, slotIndex(isRx, slot), mapSubCanId, canIdPayload, deadline); err != nil {
		return err
	}
	rest := make([]byte, 4)
	binary.LittleEndian.PutUint16(rest[0:2], m.Index)
	rest[2] = m.Subindex
	rest[3] = m.Length
	return client.WriteAndWait(node, slotIndex(isRx, slot), mapSubRest, rest, deadline)
}

func clearSlot(client *sdo.Client, node uint8, isRx bool, slot uint8, deadline time.Duration) error {
	zero := make([]byte, 4)
	if err := client.WriteAndWait(node, slotIndex(isRx, slot), mapSubCanId, zero, deadline); err != nil {
		return err
	}
	return client.WriteAndWait(node, slotIndex(isRx, slot), mapSubRest, zero, deadline)
}

func decodeMapping(slot uint8, canIdBuf, restBuf []byte) CanMapping {
	var canId, rest [4]byte
	copy(canId[:], canIdBuf)
	copy(rest[:], restBuf)
	return CanMapping{
		Slot:     slot,
		CanId:    binary.LittleEndian.Uint32(canId[:]),
		Index:    binary.LittleEndian.Uint16(rest[0:2]),
		Subindex: rest[2],
		Length:   rest[3],
	}
}
