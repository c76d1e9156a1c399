package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// MaxFrameSize bounds what ReadDelimited accepts from a peer.
const MaxFrameSize = 4 << 20

const (
	frameFieldOrigin    protowire.Number = 1
	frameFieldNamespace protowire.Number = 2
	frameFieldKey       protowire.Number = 3
	frameFieldSeq       protowire.Number = 4
	frameFieldData      protowire.Number = 5
)

// Frame is a topic message as it travels between gossip members. It is
// encoded with the protobuf wire format so other implementations can read
// it with a one-message schema.
type Frame struct {
	Origin    string
	Namespace string
	Key       string
	Seq       uint64
	Data      []byte
}

// Marshal appends the protobuf encoding of the frame to a new buffer.
func (f *Frame) Marshal() []byte {
	buf := make([]byte, 0, len(f.Data)+len(f.Origin)+len(f.Namespace)+len(f.Key)+16)
	buf = protowire.AppendTag(buf, frameFieldOrigin, protowire.BytesType)
	buf = protowire.AppendString(buf, f.Origin)
	buf = protowire.AppendTag(buf, frameFieldNamespace, protowire.BytesType)
	buf = protowire.AppendString(buf, f.Namespace)
	buf = protowire.AppendTag(buf, frameFieldKey, protowire.BytesType)
	buf = protowire.AppendString(buf, f.Key)
	buf = protowire.AppendTag(buf, frameFieldSeq, protowire.VarintType)
	buf = protowire.AppendVarint(buf, f.Seq)
	buf = protowire.AppendTag(buf, frameFieldData, protowire.BytesType)
	buf = protowire.AppendBytes(buf, f.Data)
	return buf
}

// UnmarshalFrame decodes a frame, unknown fields are skipped.
func UnmarshalFrame(buf []byte) (*Frame, error) {
	f := &Frame{}
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return nil, fmt.Errorf("%w: %w", ErrFrame, protowire.ParseError(n))
		}
		buf = buf[n:]

		switch {
		case typ == protowire.BytesType && num != frameFieldSeq:
			val, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return nil, fmt.Errorf("%w: %w", ErrFrame, protowire.ParseError(n))
			}
			switch num {
			case frameFieldOrigin:
				f.Origin = string(val)
			case frameFieldNamespace:
				f.Namespace = string(val)
			case frameFieldKey:
				f.Key = string(val)
			case frameFieldData:
				f.Data = append([]byte(nil), val...)
			}
			buf = buf[n:]
		case typ == protowire.VarintType && num == frameFieldSeq:
			val, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return nil, fmt.Errorf("%w: %w", ErrFrame, protowire.ParseError(n))
			}
			f.Seq = val
			buf = buf[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return nil, fmt.Errorf("%w: %w", ErrFrame, protowire.ParseError(n))
			}
			buf = buf[n:]
		}
	}
	return f, nil
}

// AppendDelimited appends msg prefixed by its varint length.
func AppendDelimited(buf, msg []byte) []byte {
	buf = protowire.AppendVarint(buf, uint64(len(msg)))
	return append(buf, msg...)
}

// ReadDelimited reads one varint length-prefixed message from r. The
// prefix is read byte by byte so nothing past the message is consumed.
func ReadDelimited(r io.Reader) ([]byte, error) {
	prefix := make([]byte, binary.MaxVarintLen64)
	n := 0
	for n < len(prefix) {
		m, err := r.Read(prefix[n : n+1])
		if err != nil {
			return nil, err
		}
		if m == 0 {
			continue
		}
		n++
		if prefix[n-1] < 0x80 {
			break
		}
	}

	size, prefixSize := protowire.ConsumeVarint(prefix[:n])
	if err := protowire.ParseError(prefixSize); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFrame, err)
	}
	if size > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit", ErrFrame, size)
	}

	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
