// Error log retrieval (listErrors): a bounded walk across the
// error-num/error-time index pair's subindices, built over a typed
// expedited read, until the device signals UnknownIndex.
package gateway

import (
	"encoding/binary"
	"time"

	"github.com/canbridge/cangateway/sdo"
	"github.com/canbridge/cangateway/sdocodec"
)

// MaxErrorEntries bounds the walk so a misbehaving device can't stall
// the gateway task indefinitely.
const MaxErrorEntries = 64

// ErrorLogEntry is one device error-log record.
type ErrorLogEntry struct {
	Code        uint32 `json:"code"`
	TimestampMs uint32 `json:"timestampMs"`
}

// ListErrors walks error-num/error-time pairs starting at subindex 1
// until an UnknownIndex abort or MaxErrorEntries is reached. Blocks the
// gateway task for a bounded span (at most two SDO deadlines per entry,
// 2*MaxErrorEntries in all), since it issues no multi-tick segmented
// transfer.
func ListErrors(client *sdo.Client, node uint8, deadline time.Duration) ([]ErrorLogEntry, error) {
	var out []ErrorLogEntry
	for sub := uint8(1); sub <= MaxErrorEntries; sub++ {
		codeBuf, err := client.ReadExpedited(node, sdocodec.IndexErrorNum, sub, deadline)
		if err != nil {
			if ab, ok := err.(*sdo.AbortError); ok && ab.Class == "UnknownIndex" {
				break
			}
			return out, err
		}
		timeBuf, err := client.ReadExpedited(node, sdocodec.IndexErrorTime, sub, deadline)
		if err != nil {
			return out, err
		}
		out = append(out, ErrorLogEntry{
			Code:        leUint32(codeBuf),
			TimestampMs: leUint32(timeBuf),
		})
	}
	return out, nil
}

func leUint32(b []byte) uint32 {
	var padded [4]byte
	copy(padded[:], b)
	return binary.LittleEndian.Uint32(padded[:])
}
