package mesh

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
)

// Codec converts application values to payloads and back.
type Codec[T any] interface {
	Encode(v T) ([]byte, error)
	Decode(b []byte) (T, error)
}

// Typed is a Channel carrying values of T.
type Typed[T any] struct {
	ch    *Channel
	codec Codec[T]
}

func NewTyped[T any](ch *Channel, codec Codec[T]) *Typed[T] {
	return &Typed[T]{ch: ch, codec: codec}
}

func (t *Typed[T]) Name() string { return t.ch.Name() }

func (t *Typed[T]) Publish(v T) error {
	b, err := t.codec.Encode(v)
	if err != nil {
		return fmt.Errorf("mesh: encode %s: %w", t.ch.name, err)
	}
	return t.ch.Publish(b)
}

// Subscribe calls fn with every value that decodes. Others are logged and dropped.
func (t *Typed[T]) Subscribe(fn func(T)) {
	t.ch.Subscribe(func(b []byte) {
		v, err := t.codec.Decode(b)
		if err != nil {
			t.ch.m.log.Warn("dropping undecodable message", zap.String("channel", t.ch.name), zap.Error(err))
			return
		}
		fn(v)
	})
}

// JSONCodec encodes values with encoding/json.
type JSONCodec[T any] struct{}

func (JSONCodec[T]) Encode(v T) ([]byte, error) { return json.Marshal(v) }

func (JSONCodec[T]) Decode(b []byte) (T, error) {
	var v T
	err := json.Unmarshal(b, &v)
	return v, err
}

// ProtoCodec encodes protobuf messages. New returns an empty message to decode into.
type ProtoCodec[T proto.Message] struct {
	New func() T
}

func (ProtoCodec[T]) Encode(v T) ([]byte, error) { return proto.Marshal(v) }

func (c ProtoCodec[T]) Decode(b []byte) (T, error) {
	v := c.New()
	if err := proto.Unmarshal(b, v); err != nil {
		var zero T
		return zero, err
	}
	return v, nil
}
