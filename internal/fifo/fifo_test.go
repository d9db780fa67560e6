package fifo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWriteReadRoundTrip(t *testing.T) {
	f := New(8)
	n := f.Write([]byte("hello"))
	assert.Equal(t, 5, n)
	assert.Equal(t, 5, f.Occupied())

	out := f.ReadAll()
	assert.Equal(t, []byte("hello"), out)
	assert.Equal(t, 0, f.Occupied())
}

func TestWriteStopsAtCapacity(t *testing.T) {
	f := New(4)
	n := f.Write([]byte("abcdef"))
	assert.Equal(t, 4, n, "a size-4 fifo holds 4 bytes regardless of how much overflow is offered")
}

func TestGrowPreservesBufferedContent(t *testing.T) {
	f := New(2)
	f.Write([]byte("ab"))
	f.Grow(10)
	f.Write([]byte("cdefgh"))
	assert.Equal(t, []byte("abcdefgh"), f.ReadAll())
}

func TestResetClearsState(t *testing.T) {
	f := New(8)
	f.Write([]byte("abc"))
	f.Reset()
	assert.Equal(t, 0, f.Occupied())
	assert.Equal(t, 8, f.Space())
}

func TestWrapAroundAfterPartialRead(t *testing.T) {
	f := New(4)
	f.Write([]byte("abcd"))
	buf := make([]byte, 2)
	f.Read(buf, 2)
	assert.Equal(t, []byte("ab"), buf)
	f.Write([]byte("ef"))
	assert.Equal(t, []byte("cdef"), f.ReadAll())
}
