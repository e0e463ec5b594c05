package link

import (
	"errors"
	"sync"
	"testing"

	"github.com/kstaniek/go-stalk-gateway/internal/can"
)

// fakeCtrl records transmitted frames; completion is driven by the test.
type fakeCtrl struct {
	mu       sync.Mutex
	sent     []can.Frame
	aborts   int
	abortOK  bool
	failNext error
}

func (c *fakeCtrl) Transmit(fr can.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failNext != nil {
		err := c.failNext
		c.failNext = nil
		return err
	}
	c.sent = append(c.sent, fr)
	return nil
}

func (c *fakeCtrl) Abort() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.aborts++
	return c.abortOK
}

func (c *fakeCtrl) count() int { c.mu.Lock(); defer c.mu.Unlock(); return len(c.sent) }

func newLink(t *testing.T, cfg Config) (*Link, *fakeCtrl) {
	t.Helper()
	ctrl := &fakeCtrl{abortOK: true}
	l := New(ctrl)
	if err := l.Init(cfg); err != nil {
		t.Fatalf("init: %v", err)
	}
	return l, ctrl
}

func TestNotInitialized(t *testing.T) {
	l := New(&fakeCtrl{})
	if err := l.Send(can.New(0x100, 1)); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("send: expected ErrNotInitialized got %v", err)
	}
	if _, err := l.Poll(); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("poll: expected ErrNotInitialized got %v", err)
	}
	if err := l.Reinit(); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("reinit: expected ErrNotInitialized got %v", err)
	}
}

func TestInitRejectsBadConfig(t *testing.T) {
	l := New(&fakeCtrl{})
	cfg := DefaultConfig()
	cfg.TxTimeout = 0
	if err := l.Init(cfg); err == nil {
		t.Fatal("expected error for zero timeout")
	}
	cfg = DefaultConfig()
	cfg.TxQueue = 0
	if err := l.Init(cfg); err == nil {
		t.Fatal("expected error for zero tx queue")
	}
}

func TestSendStartsImmediatelyWhenIdle(t *testing.T) {
	l, ctrl := newLink(t, DefaultConfig())
	if err := l.Send(can.New(0x6C1, 1, 2)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if ctrl.count() != 1 {
		t.Fatalf("expected immediate transmit, got %d", ctrl.count())
	}
	// Second frame waits for completion of the first.
	if err := l.Send(can.New(0x6C1, 3)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if ctrl.count() != 1 {
		t.Fatalf("expected one frame in flight, got %d", ctrl.count())
	}
	l.TxDone()
	l.Tick()
	if ctrl.count() != 2 {
		t.Fatalf("expected second transmit after completion, got %d", ctrl.count())
	}
}

func TestSendRejectsInvalidFrame(t *testing.T) {
	l, _ := newLink(t, DefaultConfig())
	if err := l.Send(can.Frame{ID: 0x100}); !errors.Is(err, ErrInvalidFrame) {
		t.Fatalf("expected ErrInvalidFrame got %v", err)
	}
	if err := l.Send(can.New(0x900, 1)); !errors.Is(err, can.ErrInvalidID) {
		t.Fatalf("expected wrapped ErrInvalidID got %v", err)
	}
}

func TestSendBufferFull(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TxQueue = 2
	l, _ := newLink(t, cfg)
	// First frame goes straight to the controller, freeing its slot.
	for i := 0; i < 3; i++ {
		if err := l.Send(can.New(0x100, byte(i))); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	if err := l.Send(can.New(0x100, 9)); !errors.Is(err, ErrBufferFull) {
		t.Fatalf("expected ErrBufferFull got %v", err)
	}
}

func TestTagEchoAfterCompletion(t *testing.T) {
	l, _ := newLink(t, DefaultConfig())
	tag := can.Tag{Channel: 2, Kind: can.TagConsecutive}
	fr := can.New(0x641, 0x21, 1)
	fr.Tag = tag
	if err := l.Send(fr); err != nil {
		t.Fatalf("send: %v", err)
	}
	ev, _ := l.Poll()
	if ev.Kind != EventIdle || !ev.Completed.IsZero() {
		t.Fatalf("tag echoed before completion: %+v", ev)
	}
	l.TxDone()
	l.Tick()
	ev, _ = l.Poll()
	if ev.Kind != EventIdle || ev.Completed != tag {
		t.Fatalf("expected echoed tag %+v got %+v", tag, ev)
	}
	ev, _ = l.Poll()
	if !ev.Completed.IsZero() {
		t.Fatalf("tag echoed twice: %+v", ev)
	}
}

func TestEchoRidesOnReceivedFrame(t *testing.T) {
	l, _ := newLink(t, DefaultConfig())
	fr := can.New(0x641, 0x30, 0, 0)
	fr.Tag = can.Tag{Channel: 2, Kind: can.TagFlowControl}
	_ = l.Send(fr)
	l.TxDone()
	l.Tick()
	l.FrameArrived(can.New(0x241, 0x02, 0x10, 0x01))
	ev, _ := l.Poll()
	if ev.Kind != EventFrame || ev.Frame.ID != 0x241 {
		t.Fatalf("expected frame event got %+v", ev)
	}
	if ev.Completed != fr.Tag {
		t.Fatalf("expected echoed tag on frame event, got %+v", ev.Completed)
	}
	if !ev.Frame.Tag.IsZero() {
		t.Fatalf("received frame must not carry a tag")
	}
}

func TestTxTimeoutReportsFailedTagAndPurges(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TxTimeout = 5
	l, ctrl := newLink(t, cfg)
	tag := can.Tag{Channel: 1, Kind: can.TagFirst}
	fr := can.New(0x6C1, 0x10, 0x20)
	fr.Tag = tag
	_ = l.Send(fr)
	_ = l.Send(can.New(0x6C1, 1))
	_ = l.Send(can.New(0x6C1, 2))
	for i := 0; i <= cfg.TxTimeout; i++ {
		l.Tick()
	}
	if ctrl.aborts != 0 {
		t.Fatalf("aborted too early")
	}
	l.Tick()
	if ctrl.aborts != 1 {
		t.Fatalf("expected abort after timeout, got %d", ctrl.aborts)
	}
	ev, _ := l.Poll()
	if ev.Kind != EventTxTimeout || ev.Failed != tag {
		t.Fatalf("expected tx timeout with tag, got %+v", ev)
	}
	// Reported once.
	if ev, _ = l.Poll(); ev.Kind == EventTxTimeout {
		t.Fatalf("tx timeout reported twice")
	}
	// Queue purged, nothing else goes out.
	l.Tick()
	if ctrl.count() != 1 {
		t.Fatalf("expected purged queue, controller saw %d frames", ctrl.count())
	}
	if !l.Quiescent() {
		t.Fatalf("expected quiescent link after purge")
	}
}

func TestTxTimeoutWithoutPurgeContinues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TxTimeout = 1
	cfg.PurgeOnTimeout = false
	l, ctrl := newLink(t, cfg)
	_ = l.Send(can.New(0x6C1, 1))
	_ = l.Send(can.New(0x6C1, 2))
	for i := 0; i < 3; i++ {
		l.Tick()
	}
	if ctrl.count() != 2 {
		t.Fatalf("expected the queued frame to go out after timeout, got %d", ctrl.count())
	}
}

func TestAbortIgnoredRetriesEachTick(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TxTimeout = 1
	l, ctrl := newLink(t, cfg)
	ctrl.abortOK = false
	_ = l.Send(can.New(0x6C1, 1))
	for i := 0; i < 5; i++ {
		l.Tick()
	}
	if ctrl.aborts < 2 {
		t.Fatalf("expected repeated abort attempts, got %d", ctrl.aborts)
	}
	if ev, _ := l.Poll(); ev.Kind == EventTxTimeout {
		t.Fatalf("timeout reported although abort never took effect")
	}
}

func taggedFrame(id uint16, ch uint16) can.Frame {
	fr := can.New(id, 0x21, 0x01)
	fr.Tag = can.Tag{Channel: ch, Kind: can.TagConsecutive}
	return fr
}

func TestReinitKeepsUnabortedFrameInFlight(t *testing.T) {
	l, ctrl := newLink(t, DefaultConfig())
	ctrl.abortOK = false
	old := taggedFrame(0x641, 1)
	if err := l.Send(old); err != nil {
		t.Fatalf("send: %v", err)
	}
	l.BusOff()
	if err := l.Reinit(); err != nil {
		t.Fatalf("reinit: %v", err)
	}
	if l.IsBusOff() {
		t.Fatalf("bus-off still latched after reinit")
	}
	next := taggedFrame(0x6C1, 2)
	if err := l.Send(next); err != nil {
		t.Fatalf("send after reinit: %v", err)
	}
	if ctrl.count() != 1 {
		t.Fatalf("second frame handed over while the first is still being written: %d", ctrl.count())
	}

	// The stale write finishes: its own tag completes, then the next frame starts.
	l.TxDone()
	l.Tick()
	if ctrl.count() != 2 {
		t.Fatalf("queued frame not started after completion, sent=%d", ctrl.count())
	}
	ev, _ := l.Poll()
	if ev.Completed != old.Tag {
		t.Fatalf("completion credited to %+v, want %+v", ev.Completed, old.Tag)
	}
	l.TxDone()
	l.Tick()
	ev, _ = l.Poll()
	if ev.Completed != next.Tag {
		t.Fatalf("second completion = %+v, want %+v", ev.Completed, next.Tag)
	}
}

func TestReinitRetriesAbortOnTick(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PurgeOnTimeout = false
	l, ctrl := newLink(t, cfg)
	ctrl.abortOK = false
	old := taggedFrame(0x641, 1)
	_ = l.Send(old)
	l.BusOff()
	_ = l.Reinit()
	_ = l.Send(taggedFrame(0x6C1, 2))

	ctrl.mu.Lock()
	ctrl.abortOK = true
	ctrl.mu.Unlock()
	l.Tick()
	if ctrl.count() != 2 {
		t.Fatalf("expected the queued frame after the abort took effect, sent=%d", ctrl.count())
	}
	ev, _ := l.Poll()
	if ev.Kind != EventTxTimeout || ev.Failed != old.Tag {
		t.Fatalf("expected the aborted frame reported as failed, got %+v", ev)
	}
}

func TestTransmitErrorSurfacesAsTimeout(t *testing.T) {
	l, ctrl := newLink(t, DefaultConfig())
	ctrl.failNext = errors.New("write failed")
	fr := can.New(0x641, 0x02, 0x10, 0x01)
	fr.Tag = can.Tag{Channel: 2, Kind: can.TagSingle}
	_ = l.Send(fr)
	ev, _ := l.Poll()
	if ev.Kind != EventTxTimeout || ev.Failed != fr.Tag {
		t.Fatalf("expected failed tag, got %+v", ev)
	}
}

func TestPollPriority(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TxTimeout = 1
	l, _ := newLink(t, cfg)
	_ = l.Send(can.New(0x100, 1))
	for i := 0; i < 3; i++ {
		l.Tick()
	}
	l.FrameArrived(can.New(0x200, 1))
	l.BusOff()
	l.BusError()
	l.Overrun()

	want := []EventKind{EventOverrun, EventBusError, EventBusOff, EventBusOff}
	for i, k := range want {
		ev, err := l.Poll()
		if err != nil {
			t.Fatalf("poll: %v", err)
		}
		if ev.Kind != k {
			t.Fatalf("poll %d: expected %v got %v", i, k, ev.Kind)
		}
	}
	if !l.IsBusOff() {
		t.Fatal("bus-off must latch")
	}
	if err := l.Reinit(); err != nil {
		t.Fatalf("reinit: %v", err)
	}
	// Reinit drops the pending timeout and the queued frame.
	ev, _ := l.Poll()
	if ev.Kind != EventIdle {
		t.Fatalf("expected idle after reinit got %v", ev.Kind)
	}
}

func TestPollTimeoutBeforeFrame(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TxTimeout = 1
	l, _ := newLink(t, cfg)
	_ = l.Send(can.New(0x100, 1))
	for i := 0; i < 3; i++ {
		l.Tick()
	}
	l.FrameArrived(can.New(0x200, 1))
	if ev, _ := l.Poll(); ev.Kind != EventTxTimeout {
		t.Fatalf("expected timeout first got %v", ev.Kind)
	}
	if ev, _ := l.Poll(); ev.Kind != EventFrame {
		t.Fatalf("expected frame second got %v", ev.Kind)
	}
}

func TestOverrunOnFullRx(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RxQueue = 2
	l, _ := newLink(t, cfg)
	for i := 0; i < 3; i++ {
		l.FrameArrived(can.New(0x241, byte(i)))
	}
	ev, _ := l.Poll()
	if ev.Kind != EventOverrun {
		t.Fatalf("expected overrun got %v", ev.Kind)
	}
	for i := 0; i < 2; i++ {
		ev, _ = l.Poll()
		if ev.Kind != EventFrame || ev.Frame.Data[0] != byte(i) {
			t.Fatalf("frame %d: got %+v", i, ev)
		}
	}
	if ev, _ = l.Poll(); ev.Kind != EventIdle {
		t.Fatalf("expected idle got %v", ev.Kind)
	}
}

func TestFlush(t *testing.T) {
	l, ctrl := newLink(t, DefaultConfig())
	_ = l.Send(can.New(0x100, 1))
	_ = l.Send(can.New(0x100, 2))
	l.FrameArrived(can.New(0x200, 1))
	l.Flush(FlushBoth)
	if ev, _ := l.Poll(); ev.Kind != EventIdle {
		t.Fatalf("expected idle after flush got %v", ev.Kind)
	}
	l.TxDone()
	l.Tick()
	if ctrl.count() != 1 {
		t.Fatalf("flushed frame was transmitted")
	}
}

// TestConcurrentSource feeds frames from another goroutine; run with -race.
func TestConcurrentSource(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RxQueue = 8
	l, _ := newLink(t, cfg)
	const total = 2000
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < total; i++ {
			l.FrameArrived(can.New(0x241, byte(i)))
			if i%50 == 0 {
				l.BusError()
			}
		}
	}()
	got := 0
	for {
		ev, _ := l.Poll()
		if ev.Kind == EventFrame {
			got++
		}
		select {
		case <-done:
			for {
				ev, _ := l.Poll()
				if ev.Kind == EventIdle {
					if got == 0 {
						t.Fatal("no frames received")
					}
					return
				}
				if ev.Kind == EventFrame {
					got++
				}
			}
		default:
		}
	}
}
