package tlv_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kirale/kibra/internal/thread"
	"github.com/kirale/kibra/internal/tlv"
)

func TestRoundTrip(t *testing.T) {
	in := []tlv.TLV{
		tlv.BuildU8(thread.TypeStatus, 0),
		tlv.Build(thread.TypeTargetEID, make([]byte, 16)),
		tlv.BuildU32(thread.TypeTimeout, 600),
	}
	encoded := tlv.Encode(in...)

	out, err := tlv.Parse(encoded)
	require.NoError(t, err)
	require.Len(t, out, 3)
	for i := range in {
		assert.Equal(t, in[i].Type, out[i].Type)
		assert.Equal(t, in[i].Value, out[i].Value)
	}
}

func TestTruncatedHeader(t *testing.T) {
	_, err := tlv.Parse([]byte{0x01})
	assert.ErrorIs(t, err, tlv.ErrTruncatedHeader)
}

func TestTruncatedValue(t *testing.T) {
	_, err := tlv.Parse([]byte{0x01, 0x10, 0x00})
	assert.ErrorIs(t, err, tlv.ErrTruncatedValue)
}

func TestExtendedLengthRejected(t *testing.T) {
	_, err := tlv.Parse([]byte{0x01, 0xFF, 0x00, 0x01})
	assert.ErrorIs(t, err, tlv.ErrExtendedLength)
}

func TestFindValue(t *testing.T) {
	encoded := tlv.Encode(tlv.BuildU8(thread.TypeStatus, 4))
	v, err := tlv.FindValue(mustParse(t, encoded), thread.TypeStatus)
	require.NoError(t, err)
	assert.Equal(t, []byte{4}, v)

	_, err = tlv.FindValue(mustParse(t, encoded), thread.TypeTargetEID)
	assert.ErrorIs(t, err, tlv.ErrNotFound)
}

func mustParse(t *testing.T, data []byte) []tlv.TLV {
	t.Helper()
	out, err := tlv.Parse(data)
	require.NoError(t, err)
	return out
}
