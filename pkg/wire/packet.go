// Package wire holds the zephyrbus framing and packet envelope.
//
// A frame is [u16 length][payload]. The payload of every frame is a packet:
//
//	[8 bytes: packet id, big-endian]
//	[compressed body]
//
// where body = [u8 channel-name length][channel name][payload bytes].
// The id stays outside the compressed body so duplicates can be dropped
// without decompressing.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// IDSize is the length of the packet id header.
const IDSize = 8

// MaxChannelNameLength is the longest encoded channel name.
const MaxChannelNameLength = 0xFF

var (
	ErrMessageTooLarge    = errors.New("wire: message too large")
	ErrChannelNameTooLong = errors.New("wire: channel name too long")
	ErrMalformedPacket    = errors.New("wire: malformed packet")
)

// Codec transforms packet bodies. compress.Compressor satisfies it.
type Codec interface {
	Encode(src []byte) ([]byte, error)
	Decode(src []byte) ([]byte, error)
}

// EncodePacket builds a frame payload for channel/id/payload. A nil codec leaves the body as is.
func EncodePacket(channel []byte, id uint64, payload []byte, c Codec) ([]byte, error) {
	if len(channel) > MaxChannelNameLength {
		return nil, fmt.Errorf("%w: %d bytes", ErrChannelNameTooLong, len(channel))
	}
	body := make([]byte, 0, 1+len(channel)+len(payload))
	body = append(body, byte(len(channel)))
	body = append(body, channel...)
	body = append(body, payload...)

	if c != nil {
		var err error
		if body, err = c.Encode(body); err != nil {
			return nil, fmt.Errorf("wire: compress body: %w", err)
		}
	}

	out := make([]byte, IDSize, IDSize+len(body))
	binary.BigEndian.PutUint64(out, id)
	out = append(out, body...)
	if len(out) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(out))
	}
	return out, nil
}

// PacketID reads the id header of an encoded packet.
func PacketID(packet []byte) (uint64, error) {
	if len(packet) < IDSize {
		return 0, fmt.Errorf("%w: %d byte packet", ErrMalformedPacket, len(packet))
	}
	return binary.BigEndian.Uint64(packet), nil
}

// DecodeBody decompresses the body of an encoded packet and splits it into channel and payload.
func DecodeBody(packet []byte, c Codec) (channel string, payload []byte, err error) {
	if len(packet) < IDSize {
		return "", nil, fmt.Errorf("%w: %d byte packet", ErrMalformedPacket, len(packet))
	}
	body := packet[IDSize:]
	if c != nil {
		if body, err = c.Decode(body); err != nil {
			return "", nil, fmt.Errorf("%w: decompress: %v", ErrMalformedPacket, err)
		}
	}
	name, rest, err := ReadByteString(body)
	if err != nil {
		return "", nil, err
	}
	return string(name), rest, nil
}

// AppendByteString appends s prefixed with its one-byte length.
func AppendByteString(dst, s []byte) ([]byte, error) {
	if len(s) > 0xFF {
		return dst, fmt.Errorf("%w: byte string of %d bytes", ErrMessageTooLarge, len(s))
	}
	dst = append(dst, byte(len(s)))
	return append(dst, s...), nil
}

// ReadByteString reads a string written by AppendByteString and returns the remaining bytes.
func ReadByteString(b []byte) (s, rest []byte, err error) {
	if len(b) < 1 {
		return nil, nil, fmt.Errorf("%w: missing length byte", ErrMalformedPacket)
	}
	n := int(b[0])
	if len(b)-1 < n {
		return nil, nil, fmt.Errorf("%w: byte string wants %d bytes, have %d", ErrMalformedPacket, n, len(b)-1)
	}
	return b[1 : 1+n], b[1+n:], nil
}
