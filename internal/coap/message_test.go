package coap_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kirale/kibra/internal/coap"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	in := coap.Message{
		Type:      coap.TypeConfirmable,
		Code:      coap.CodePOST,
		MessageID: 0xbeef,
		Token:     []byte{0x01, 0x02, 0x03, 0x04},
		Path:      "n/dr",
		Payload:   []byte{0xaa, 0xbb, 0xcc},
	}

	out, err := coap.Decode(in.Encode())
	require.NoError(t, err)
	assert.Equal(t, in.Type, out.Type)
	assert.Equal(t, in.Code, out.Code)
	assert.Equal(t, in.MessageID, out.MessageID)
	assert.Equal(t, in.Token, out.Token)
	assert.Equal(t, in.Path, out.Path)
	assert.Equal(t, in.Payload, out.Payload)
}

func TestEncodeDecodeMultiSegmentPath(t *testing.T) {
	in := coap.Message{Type: coap.TypeNonConfirmable, Code: coap.CodePOST, Path: "a/sq"}
	out, err := coap.Decode(in.Encode())
	require.NoError(t, err)
	assert.Equal(t, "a/sq", out.Path)
}

func TestEncodeDecodeNoPayload(t *testing.T) {
	in := coap.Message{Type: coap.TypeAcknowledgement, Code: coap.CodeChanged, MessageID: 7}
	out, err := coap.Decode(in.Encode())
	require.NoError(t, err)
	assert.Empty(t, out.Payload)
	assert.Empty(t, out.Path)
}

func TestDecodeTruncated(t *testing.T) {
	_, err := coap.Decode([]byte{0x01, 0x02})
	assert.ErrorIs(t, err, coap.ErrTruncated)
}

func TestDecodeBadVersion(t *testing.T) {
	msg := []byte{0x00, 0x02, 0x00, 0x01}
	_, err := coap.Decode(msg)
	assert.ErrorIs(t, err, coap.ErrBadVersion)
}

func TestDecodeBadTokenLength(t *testing.T) {
	msg := []byte{0x4F, 0x02, 0x00, 0x01}
	_, err := coap.Decode(msg)
	assert.ErrorIs(t, err, coap.ErrBadTokenLen)
}

func TestEncodeLongPathSegmentUsesExtendedLength(t *testing.T) {
	longSegment := make([]byte, 300)
	for i := range longSegment {
		longSegment[i] = 'a'
	}
	in := coap.Message{Type: coap.TypeConfirmable, Code: coap.CodePOST, Path: string(longSegment)}
	out, err := coap.Decode(in.Encode())
	require.NoError(t, err)
	assert.Equal(t, string(longSegment), out.Path)
}
