package wire

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// reverseCodec is a reversible body transform so tests notice a skipped decode.
type reverseCodec struct{}

func (reverseCodec) Encode(src []byte) ([]byte, error) { return reversed(src), nil }
func (reverseCodec) Decode(src []byte) ([]byte, error) { return reversed(src), nil }

func reversed(b []byte) []byte {
	out := make([]byte, len(b))
	for i := range b {
		out[len(b)-1-i] = b[i]
	}
	return out
}

type failingCodec struct{}

func (failingCodec) Encode(src []byte) ([]byte, error) { return nil, errors.New("boom") }
func (failingCodec) Decode(src []byte) ([]byte, error) { return nil, errors.New("boom") }

func TestEncodePacketLayout(t *testing.T) {
	out, err := EncodePacket([]byte("x"), 7, []byte("hi"), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0, 7, 1, 'x', 'h', 'i'}, out)
}

func TestPacketRoundTrip(t *testing.T) {
	for _, c := range []Codec{nil, reverseCodec{}} {
		out, err := EncodePacket([]byte("chat.room"), 0xDEADBEEFCAFE, []byte("payload"), c)
		require.NoError(t, err)

		id, err := PacketID(out)
		require.NoError(t, err)
		assert.Equal(t, uint64(0xDEADBEEFCAFE), id)

		channel, payload, err := DecodeBody(out, c)
		require.NoError(t, err)
		assert.Equal(t, "chat.room", channel)
		assert.Equal(t, []byte("payload"), payload)
	}
}

func TestPacketIDIsNotCompressed(t *testing.T) {
	out, err := EncodePacket([]byte("x"), 42, []byte("hi"), reverseCodec{})
	require.NoError(t, err)
	id, err := PacketID(out)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), id)
}

func TestEncodePacketChannelNameTooLong(t *testing.T) {
	_, err := EncodePacket([]byte(strings.Repeat("a", 256)), 1, nil, nil)
	require.ErrorIs(t, err, ErrChannelNameTooLong)

	_, err = EncodePacket([]byte(strings.Repeat("a", 255)), 1, nil, nil)
	require.NoError(t, err)
}

func TestEncodePacketTooLarge(t *testing.T) {
	_, err := EncodePacket([]byte("x"), 1, make([]byte, MaxFrameSize), nil)
	require.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestEncodePacketCodecError(t *testing.T) {
	_, err := EncodePacket([]byte("x"), 1, nil, failingCodec{})
	require.Error(t, err)
}

func TestDecodeMalformed(t *testing.T) {
	_, err := PacketID([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrMalformedPacket)

	// id only, no channel length byte
	_, _, err = DecodeBody(make([]byte, IDSize), nil)
	require.ErrorIs(t, err, ErrMalformedPacket)

	// channel length exceeds remaining body
	bad := append(make([]byte, IDSize), 10, 'a')
	_, _, err = DecodeBody(bad, nil)
	require.ErrorIs(t, err, ErrMalformedPacket)

	_, _, err = DecodeBody(append(make([]byte, IDSize), 0), failingCodec{})
	require.ErrorIs(t, err, ErrMalformedPacket)
}

func TestByteString(t *testing.T) {
	b, err := AppendByteString([]byte{9}, []byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, []byte{9, 3, 'a', 'b', 'c'}, b)

	s, rest, err := ReadByteString(append(b[1:], 'z'))
	require.NoError(t, err)
	assert.Equal(t, "abc", string(s))
	assert.Equal(t, []byte("z"), rest)

	_, err = AppendByteString(nil, bytes.Repeat([]byte{1}, 256))
	require.Error(t, err)
}
