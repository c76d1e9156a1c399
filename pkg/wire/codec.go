package wire

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/hashicorp/go-msgpack/v2/codec"
)

var (
	ErrEncode = errors.New("wire: could not encode value")
	ErrDecode = errors.New("wire: could not decode value")
	ErrFrame  = errors.New("wire: malformed frame")
)

// handle is configured once, it is safe for concurrent use afterward.
var handle = newHandle()

func newHandle() *codec.MsgpackHandle {
	h := &codec.MsgpackHandle{
		WriteExt: true,
	}
	// Sorted map keys: equal values, equal bytes.
	h.Canonical = true
	h.RawToString = true
	h.MapType = reflect.TypeOf(map[string]any(nil))
	return h
}

// Marshal encodes v with the canonical msgpack handle.
func Marshal(v any) ([]byte, error) {
	var buf []byte
	if err := codec.NewEncoderBytes(&buf, handle).Encode(v); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncode, err)
	}
	return buf, nil
}

// Unmarshal decodes buf into v, which must be a pointer.
func Unmarshal(buf []byte, v any) error {
	if err := codec.NewDecoderBytes(buf, handle).Decode(v); err != nil {
		return fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return nil
}
