package isotp

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kstaniek/go-stalk-gateway/internal/can"
)

func TestEncodeWireBytes(t *testing.T) {
	tag := can.Tag{Channel: 2, Kind: can.TagFirst}
	payload := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9}

	ff := EncodeFirst(0x641, tag, 0x123, payload)
	require.Equal(t, uint16(0x641), ff.ID)
	require.Equal(t, uint8(8), ff.Len)
	require.Equal(t, [8]byte{0x11, 0x23, 1, 2, 3, 4, 5, 6}, ff.Data)
	require.Equal(t, tag, ff.Tag)

	sf := EncodeSingle(0x6C1, can.Tag{}, []byte{0xAA, 0xBB})
	require.Equal(t, uint8(8), sf.Len)
	require.Equal(t, [8]byte{0x02, 0xAA, 0xBB}, sf.Data)

	cf := EncodeConsecutive(0x6C1, can.Tag{}, 17, []byte{9, 8, 7})
	require.Equal(t, [8]byte{0x21, 9, 8, 7}, cf.Data)

	fc := EncodeFlowControl(0x241, can.Tag{}, FlowCTS, 1, 0)
	require.Equal(t, [8]byte{0x30, 0x01, 0x00}, fc.Data)
	require.Equal(t, uint8(8), fc.Len)
}

func TestDecode(t *testing.T) {
	fr := can.New(0x241, 0x1F, 0xFF, 1, 2, 3, 4, 5, 6)
	p, err := Decode(&fr)
	require.NoError(t, err)
	require.Equal(t, PCIFirst, p.Type)
	require.Equal(t, 4095, p.Length)
	require.Equal(t, []byte{1, 2, 3, 4, 5, 6}, p.Data)

	fr = can.New(0x241, 0x2A, 0x55)
	p, err = Decode(&fr)
	require.NoError(t, err)
	require.Equal(t, PCIConsecutive, p.Type)
	require.Equal(t, uint8(0xA), p.Seq)

	fr = can.New(0x241, 0x31, 0x08, 0xF3)
	p, err = Decode(&fr)
	require.NoError(t, err)
	require.Equal(t, FlowWait, p.Status)
	require.Equal(t, uint8(8), p.BlockSize)
	require.Equal(t, uint8(0xF3), p.SepTime)

	fr = can.New(0x241, 0x30, 0x00)
	_, err = Decode(&fr)
	require.ErrorIs(t, err, ErrShortFrame)

	fr = can.New(0x241, 0x40)
	_, err = Decode(&fr)
	require.ErrorIs(t, err, ErrUnknownPCI)
}

func TestSeparationTime(t *testing.T) {
	tests := []struct {
		st   uint8
		want int
	}{
		{0x00, 0}, {0x14, 20}, {0x7F, 127},
		{0x80, 127}, {0xF0, 127},
		{0xF1, 1}, {0xF9, 1},
		{0xFA, 127}, {0xFF, 127},
	}
	for _, tc := range tests {
		require.Equal(t, tc.want, SeparationTime(tc.st), "st=0x%02X", tc.st)
	}
}

func FuzzDecode(f *testing.F) {
	f.Add([]byte{0x10, 0x14, 1, 2, 3, 4, 5, 6})
	f.Add([]byte{0x30})
	f.Add([]byte{0x05, 1, 2, 3, 4, 5})
	f.Fuzz(func(t *testing.T, b []byte) {
		fr := can.New(0x123, b...)
		p, err := Decode(&fr)
		if err != nil {
			return
		}
		if len(p.Data) > int(fr.Len) {
			t.Fatalf("data longer than frame: %d > %d", len(p.Data), fr.Len)
		}
	})
}
