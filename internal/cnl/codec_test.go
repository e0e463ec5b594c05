package cnl

import (
	"bytes"
	"io"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kstaniek/go-stalk-gateway/internal/can"
)

func mkFrame(id uint16, n int) can.Frame {
	f := can.Frame{ID: id & can.CAN_SFF_MASK, Len: uint8(max(0, min(n, 8)))}
	for i := range f.Len {
		f.Data[i] = byte(rand.IntN(256))
	}
	return f
}

func TestRoundTrip(t *testing.T) {
	codec := Codec{}
	in := []can.Frame{mkFrame(0x641, 8), mkFrame(0x2C1, 6), mkFrame(0x7FF, 0)}
	in[0].Tag = can.Tag{Channel: 2, Kind: can.TagSingle}

	wire := codec.Encode(in)
	require.Len(t, wire, 13+11+5)
	require.Equal(t, []byte{0, 0, 0x06, 0x41, 8}, wire[:5])

	var out []can.Frame
	n, err := codec.DecodeN(bytes.NewReader(wire), 0, func(f can.Frame) { out = append(out, f) })
	require.ErrorIs(t, err, io.EOF)
	require.Equal(t, len(in), n)
	in[0].Tag = can.Tag{}
	require.Equal(t, in, out)
}

func TestEncodeToMatchesEncode(t *testing.T) {
	codec := Codec{}
	frames := []can.Frame{mkFrame(0x10, 8), mkFrame(0x11, 3)}
	var buf bytes.Buffer
	n, err := codec.EncodeTo(&buf, frames)
	require.NoError(t, err)
	require.Equal(t, buf.Len(), n)
	require.Equal(t, codec.Encode(frames), buf.Bytes())
	require.Nil(t, codec.Encode(nil))
}

func TestDecodeErrors(t *testing.T) {
	codec := Codec{}

	_, err := codec.Decode(bytes.NewReader([]byte{0, 0, 0, 1, 0x89}))
	require.ErrorIs(t, err, ErrInvalidLength)

	_, err = codec.Decode(bytes.NewReader([]byte{0, 0, 0, 2, 5, 1, 2, 3}))
	require.ErrorIs(t, err, ErrTruncatedFrame)

	_, err = codec.Decode(bytes.NewReader([]byte{0, 0}))
	require.ErrorIs(t, err, ErrTruncatedFrame)

	_, err = codec.Decode(bytes.NewReader(nil))
	require.ErrorIs(t, err, io.EOF)
}

func TestDecodeSkipsUnsupportedIDs(t *testing.T) {
	codec := Codec{}
	var wire bytes.Buffer
	wire.Write([]byte{0x80, 0x01, 0x23, 0x45, 2, 0xAA, 0xBB}) // extended
	wire.Write([]byte{0, 0, 0x08, 0x00, 1, 0xCC})             // > 11 bit
	wire.Write(codec.Encode([]can.Frame{can.New(0x241, 0x01, 0x3E)}))

	_, err := codec.Decode(bytes.NewReader(wire.Bytes()))
	require.ErrorIs(t, err, ErrUnsupportedID)

	var out []can.Frame
	n, err := codec.DecodeN(bytes.NewReader(wire.Bytes()), 0, func(f can.Frame) { out = append(out, f) })
	require.ErrorIs(t, err, io.EOF)
	require.Equal(t, 1, n)
	require.Equal(t, can.New(0x241, 0x01, 0x3E), out[0])
}

func TestDecodeNStopsAtMax(t *testing.T) {
	codec := Codec{}
	wire := codec.Encode([]can.Frame{mkFrame(1, 1), mkFrame(2, 2), mkFrame(3, 3)})
	n, err := codec.DecodeN(bytes.NewReader(wire), 2, func(can.Frame) {})
	require.NoError(t, err)
	require.Equal(t, 2, n)
}
