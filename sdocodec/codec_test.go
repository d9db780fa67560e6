package sdocodec

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCobArithmetic(t *testing.T) {
	assert.EqualValues(t, 0x605, CobRequest(5))
	assert.EqualValues(t, 0x585, CobResponse(5))
	assert.True(t, IsResponseCob(0x580))
	assert.True(t, IsResponseCob(0x5FF))
	assert.False(t, IsResponseCob(0x57F))
	assert.False(t, IsResponseCob(0x600))
}

func TestBuildInitiateUpload(t *testing.T) {
	d := BuildInitiateUpload(0x5000, 3)
	assert.Equal(t, byte(0x40), d[0])
	assert.EqualValues(t, 0x5000, uint16(d[1])|uint16(d[2])<<8)
	assert.Equal(t, byte(3), d[3])
}

func TestBuildExpeditedDownload(t *testing.T) {
	d := BuildExpeditedDownload(0x2100, 1, []byte{1, 2, 3, 4})
	assert.Equal(t, byte(0x23), d[0]) // e=1,s=1, n=4 -> size bits (4-4)=0
	assert.Equal(t, []byte{1, 2, 3, 4}, d[4:8])

	// fewer than 4 bytes sets the size-indicated length bits.
	d2 := BuildExpeditedDownload(0x2100, 1, []byte{7, 8})
	assert.Equal(t, byte(0x2B), d2[0]) // n=2 -> size bits (4-2)=2 << 2 = 8 (0x08); 0x20|0x03|0x08=0x2B
	assert.Equal(t, []byte{7, 8, 0, 0}, d2[4:8])
}

func TestBuildSegmentRequest(t *testing.T) {
	d0 := BuildSegmentRequest(0)
	assert.Equal(t, byte(0x60), d0[0])
	d1 := BuildSegmentRequest(1)
	assert.Equal(t, byte(0x70), d1[0])
}

func TestBuildAbort(t *testing.T) {
	d := BuildAbort(0x2100, 2, AbortRange)
	assert.Equal(t, byte(0x80), d[0])
	assert.Equal(t, byte(2), d[3])
	code := uint32(d[4]) | uint32(d[5])<<8 | uint32(d[6])<<16 | uint32(d[7])<<24
	assert.Equal(t, AbortRange, code)
}

func TestClassifyAbort(t *testing.T) {
	d := BuildAbort(0x5000, 1, AbortInvalidIndex)
	resp := Classify(d)
	assert.Equal(t, KindAbort, resp.Kind)
	assert.EqualValues(t, 0x5000, resp.Index)
	assert.Equal(t, AbortInvalidIndex, resp.AbortCode)
}

func TestClassifyDownloadConfirm(t *testing.T) {
	var d [8]byte
	d[0] = 0x20
	d[1], d[2] = 0x00, 0x21
	d[3] = 5
	resp := Classify(d)
	assert.Equal(t, KindDownloadConfirm, resp.Kind)
	assert.EqualValues(t, 0x2100, resp.Index)
	assert.Equal(t, uint8(5), resp.Sub)
}

func TestClassifyUploadInitiateExpedited(t *testing.T) {
	var d [8]byte
	d[0] = 0x43 // e=1,s=1, n=4
	d[1], d[2] = 0x00, 0x50
	d[3] = 0
	d[4], d[5], d[6], d[7] = 1, 2, 3, 4
	resp := Classify(d)
	assert.Equal(t, KindUploadInitiate, resp.Kind)
	assert.True(t, resp.Expedited)
	assert.True(t, resp.SizeKnown)
	assert.Equal(t, 4, resp.ExpeditedN)
	assert.Equal(t, [4]byte{1, 2, 3, 4}, resp.ExpeditedBuf)
}

func TestClassifyUploadInitiateSegmented(t *testing.T) {
	var d [8]byte
	d[0] = 0x41 // e=0,s=1 -> segmented, size known
	d[1], d[2] = 0x00, 0x50
	d[4], d[5], d[6], d[7] = 100, 0, 0, 0
	resp := Classify(d)
	assert.Equal(t, KindUploadInitiate, resp.Kind)
	assert.False(t, resp.Expedited)
	assert.True(t, resp.SizeKnown)
	assert.EqualValues(t, 100, resp.TotalSize)
}

func TestClassifySegmentMiddle(t *testing.T) {
	// toggle=0, not last, n=7 -> command byte 0x00
	var d [8]byte
	d[0] = 0x00
	for i := 1; i < 8; i++ {
		d[i] = byte(i)
	}
	resp := Classify(d)
	assert.Equal(t, KindSegment, resp.Kind)
	assert.EqualValues(t, 0, resp.Toggle)
	assert.False(t, resp.Last)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7}, resp.Payload)
}

func TestClassifySegmentLastWithToggle(t *testing.T) {
	// toggle=1, last=1, n = 7 - 3 = 4 bytes valid
	var d [8]byte
	d[0] = 0x10 | (3 << 1) | 0x01
	d[1], d[2], d[3], d[4] = 9, 8, 7, 6
	resp := Classify(d)
	assert.Equal(t, KindSegment, resp.Kind)
	assert.EqualValues(t, 1, resp.Toggle)
	assert.True(t, resp.Last)
	assert.Equal(t, []byte{9, 8, 7, 6}, resp.Payload)
}

func TestClassifyUnknown(t *testing.T) {
	var d [8]byte
	d[0] = 0xFF
	resp := Classify(d)
	assert.Equal(t, KindUnknown, resp.Kind)
}

func TestDecodeAbortClass(t *testing.T) {
	assert.Equal(t, "OutOfRange", DecodeAbortClass(AbortRange))
	assert.Equal(t, "UnknownIndex", DecodeAbortClass(AbortInvalidIndex))
	assert.Equal(t, "Generic", DecodeAbortClass(AbortGeneral))
	assert.Equal(t, "Generic", DecodeAbortClass(0xDEADBEEF))
}
