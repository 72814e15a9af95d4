package p4

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDataRepresentation(t *testing.T) {
	assert.Equal(t, LittleEndian, DataRepresentation("amd64"))
	assert.Equal(t, LittleEndian, DataRepresentation("arm64"))
	assert.Equal(t, BigEndian, DataRepresentation("s390x"))
	assert.Equal(t, LittleEndian, DataRepresentation("unknown"))
}

func TestByteOrderCodec(t *testing.T) {
	var codec ByteOrderCodec

	t.Run("int32", func(t *testing.T) {
		payload := binary.BigEndian.AppendUint32(nil, 0xdeadbeef)
		payload = binary.BigEndian.AppendUint32(payload, 7)

		out, err := codec.Convert(payload, DataInt32, BigEndian, LittleEndian)
		require.NoError(t, err)
		assert.Equal(t, uint32(0xdeadbeef), binary.LittleEndian.Uint32(out[0:]))
		assert.Equal(t, uint32(7), binary.LittleEndian.Uint32(out[4:]))
	})

	t.Run("float64 round trip", func(t *testing.T) {
		orig := binary.LittleEndian.AppendUint64(nil, 0x0102030405060708)
		payload := append([]byte{}, orig...)

		out, err := codec.Convert(payload, DataFloat64, LittleEndian, BigEndian)
		require.NoError(t, err)
		out, err = codec.Convert(out, DataFloat64, BigEndian, LittleEndian)
		require.NoError(t, err)
		assert.Equal(t, orig, out)
	})

	t.Run("same representation", func(t *testing.T) {
		payload := []byte{1, 2, 3}
		out, err := codec.Convert(payload, DataInt16, LittleEndian, LittleEndian)
		require.NoError(t, err)
		assert.Equal(t, payload, out)
	})

	t.Run("raw", func(t *testing.T) {
		out, err := codec.Convert([]byte{1, 2, 3}, DataRaw, LittleEndian, BigEndian)
		require.NoError(t, err)
		assert.Equal(t, []byte{1, 2, 3}, out)
	})

	t.Run("misaligned", func(t *testing.T) {
		_, err := codec.Convert([]byte{1, 2, 3}, DataInt16, LittleEndian, BigEndian)
		assert.Error(t, err)
	})
}

func TestAllocator(t *testing.T) {
	buf, err := alloc(HeapAllocator{}, 12)
	require.NoError(t, err)
	assert.Len(t, buf, 12)

	_, err = alloc(HeapAllocator{Max: 8}, 12)
	assert.ErrorIs(t, err, ErrAllocation)

	_, err = alloc(AllocatorFunc(func(int) ([]byte, error) {
		return nil, errors.New("out of segments")
	}), 1)
	assert.ErrorIs(t, err, ErrAllocation)

	_, err = alloc(AllocatorFunc(func(size int) ([]byte, error) {
		return make([]byte, size-1), nil
	}), 4)
	assert.ErrorIs(t, err, ErrAllocation)
}
