package isotp

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kstaniek/go-stalk-gateway/internal/can"
	"github.com/kstaniek/go-stalk-gateway/internal/logging"
)

func TestRuntimeAddRemove(t *testing.T) {
	rt := NewRuntime(logging.Discard())
	w := &wire{}

	unconnected := NewChannel(w, WithLogger(logging.Discard()))
	require.ErrorIs(t, rt.Add(unconnected), ErrNotConnected)

	diag := NewChannel(w, WithName("diags"), WithLogger(logging.Discard()))
	require.NoError(t, diag.Connect(2, 0x641, 0x241, make([]byte, 64), DirBoth))
	disp := NewChannel(w, WithName("display"), WithLogger(logging.Discard()))
	require.NoError(t, disp.Connect(1, 0x6C1, 0x2C1, make([]byte, 128), DirTX))
	require.NoError(t, rt.Add(diag))
	require.NoError(t, rt.Add(disp))

	dupID := NewChannel(w, WithLogger(logging.Discard()))
	require.NoError(t, dupID.Connect(2, 0x646, 0x246, make([]byte, 8), DirBoth))
	require.ErrorIs(t, rt.Add(dupID), ErrDuplicateChannel)

	dupRx := NewChannel(w, WithLogger(logging.Discard()))
	require.NoError(t, dupRx.Connect(3, 0x646, 0x241, make([]byte, 8), DirBoth))
	require.ErrorIs(t, rt.Add(dupRx), ErrDuplicateChannel)

	chs := rt.Channels()
	require.Len(t, chs, 2)
	require.Equal(t, "display", chs[0].Name())
	require.Equal(t, "diags", chs[1].Name())

	got, ok := rt.Channel(2)
	require.True(t, ok)
	require.Same(t, diag, got)

	require.NoError(t, rt.Remove(2))
	require.ErrorIs(t, rt.Remove(2), ErrUnknownChannel)
	_, ok = rt.Channel(2)
	require.False(t, ok)
	fr := can.New(0x241, 0x01, 0xAA)
	require.False(t, rt.ProcessPkt(&fr), "removed channel no longer receives")

	// The receive identifier is free again.
	require.NoError(t, rt.Add(dupRx))
}

func TestRuntimeRoutesFramesAndTags(t *testing.T) {
	rt := NewRuntime(logging.Discard())
	w := &wire{}
	a := NewChannel(w, WithName("a"), WithTiming(Timing{NBs: 50, TLA: 50, TLB: 5, MaxRetries: 6}), WithLogger(logging.Discard()))
	require.NoError(t, a.Connect(1, 0x641, 0x241, make([]byte, 64), DirBoth))
	b := NewChannel(w, WithName("b"), WithTiming(fastTiming), WithLogger(logging.Discard()))
	require.NoError(t, b.Connect(2, 0x646, 0x246, make([]byte, 64), DirBoth))
	require.NoError(t, rt.Add(a))
	require.NoError(t, rt.Add(b))

	fr := can.New(0x246, 0x02, 0x10, 0x20)
	require.True(t, rt.ProcessPkt(&fr))
	require.True(t, b.HasCompletedPacket())
	require.False(t, a.HasCompletedPacket())

	other := can.New(0x7DF, 0x02, 0x01, 0x00)
	require.False(t, rt.ProcessPkt(&other))

	out := rt.Tick()
	require.Len(t, out, 1)
	require.Same(t, b, out[0].Channel)
	require.Equal(t, ResultPacketWaiting, out[0].Result)

	// Consecutive frame acknowledgements reach the owning channel.
	require.NoError(t, a.Transmit(payload(27)))
	fc := can.New(0x241, 0x30, 0x00, 0x00)
	rt.ProcessPkt(&fc)
	w.take()
	rt.Tick()
	cf := w.take()
	require.Len(t, cf, 1)
	rt.Tick()
	require.Empty(t, w.out)
	rt.ReportSuccess(can.Tag{Channel: 2, Kind: can.TagConsecutive})
	rt.Tick()
	require.Empty(t, w.out, "tag for another channel must not release the CF")
	rt.ReportSuccess(can.Tag{})
	rt.ReportFailure(can.Tag{Channel: 9, Kind: can.TagFirst})
	rt.ReportSuccess(cf[0].Tag)
	rt.Tick()
	require.Len(t, w.take(), 1)
}

func TestRuntimeReportsTransmitFailure(t *testing.T) {
	rt := NewRuntime(logging.Discard())
	w := &wire{}
	ch := NewChannel(w, WithTiming(Timing{NBs: 1, TLA: 1, TLB: 1, MaxRetries: 2}), WithLogger(logging.Discard()))
	require.NoError(t, ch.Connect(4, 0x700, 0x708, make([]byte, 32), DirTX))
	require.NoError(t, rt.Add(ch))
	require.NoError(t, ch.Transmit(payload(16)))

	var failures []Result
	for i := 0; i < 20; i++ {
		for _, o := range rt.Tick() {
			failures = append(failures, o.Result)
		}
	}
	require.Equal(t, []Result{ResultTxErrorMajor}, failures)
	require.Equal(t, 2, w.count(PCIFirst))
}

func TestExhaustedRetriesReportMinorWhenFlagged(t *testing.T) {
	// With the minor flag set on the attempt, running out of retries is
	// reported as a minor failure instead of a major one.
	w := &wire{}
	ch := NewChannel(w, WithTiming(Timing{NBs: 2, TLA: 2, TLB: 1, MaxRetries: 1}), WithLogger(logging.Discard()))
	require.NoError(t, ch.Connect(5, 0x710, 0x718, make([]byte, 32), DirBoth))
	require.NoError(t, ch.Transmit(payload(16)))
	ch.minorError = true

	var res []Result
	for i := 0; i < 10; i++ {
		if r := ch.Tick(); r != ResultIdle {
			res = append(res, r)
		}
	}
	require.Equal(t, []Result{ResultTxErrorMinor}, res)
}
