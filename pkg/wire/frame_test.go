package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestFrame_RoundTrip(t *testing.T) {
	f := &Frame{
		Origin:    "node1",
		Namespace: "ALL",
		Key:       "chat",
		Seq:       1234,
		Data:      []byte("payload"),
	}

	decoded, err := UnmarshalFrame(f.Marshal())
	require.NoError(t, err)
	require.Equal(t, f, decoded)
}

func TestFrame_SkipsUnknownFields(t *testing.T) {
	f := &Frame{Namespace: "SERVER", Key: "s1", Seq: 3}
	buf := f.Marshal()
	buf = protowire.AppendTag(buf, 42, protowire.VarintType)
	buf = protowire.AppendVarint(buf, 99)
	buf = protowire.AppendTag(buf, 43, protowire.BytesType)
	buf = protowire.AppendString(buf, "ignored")

	decoded, err := UnmarshalFrame(buf)
	require.NoError(t, err)
	require.Equal(t, "SERVER", decoded.Namespace)
	require.Equal(t, uint64(3), decoded.Seq)
}

func TestFrame_Malformed(t *testing.T) {
	_, err := UnmarshalFrame([]byte{0x0a, 0x10, 'a'})
	require.ErrorIs(t, err, ErrFrame)
}

func TestDelimited(t *testing.T) {
	var buf []byte
	buf = AppendDelimited(buf, []byte("first"))
	buf = AppendDelimited(buf, bytes.Repeat([]byte{'x'}, 300))

	r := bytes.NewReader(buf)
	first, err := ReadDelimited(r)
	require.NoError(t, err)
	require.Equal(t, []byte("first"), first)

	second, err := ReadDelimited(r)
	require.NoError(t, err)
	require.Len(t, second, 300)

	_, err = ReadDelimited(r)
	require.Error(t, err)
}
