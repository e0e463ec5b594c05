package main

import (
	"context"
	"errors"
	"io"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kstaniek/go-stalk-gateway/internal/can"
	"github.com/kstaniek/go-stalk-gateway/internal/link"
	"github.com/kstaniek/go-stalk-gateway/internal/logging"
	"github.com/kstaniek/go-stalk-gateway/internal/serial"
	"github.com/kstaniek/go-stalk-gateway/internal/socketcan"
)

// fakeSerialPort replays reads, then behaves like an idle port with a read
// timeout. Writes are recorded.
type fakeSerialPort struct {
	mu     sync.Mutex
	reads  [][]byte
	writes [][]byte
}

func (f *fakeSerialPort) Read(p []byte) (int, error) {
	f.mu.Lock()
	if len(f.reads) > 0 {
		n := copy(p, f.reads[0])
		f.reads = f.reads[1:]
		f.mu.Unlock()
		return n, nil
	}
	f.mu.Unlock()
	time.Sleep(2 * time.Millisecond)
	return 0, io.EOF
}

func (f *fakeSerialPort) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, slices.Clone(p))
	return len(p), nil
}

func (f *fakeSerialPort) Close() error { return nil }

func (f *fakeSerialPort) written() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.writes))
	for i, w := range f.writes {
		out[i] = string(w)
	}
	return out
}

func testConfig(backend string) *appConfig {
	c := validConfig()
	c.backend = backend
	c.statusInterval = 0
	return c
}

func startLink(t *testing.T, ctx context.Context, be backend) (*link.Link, *sync.WaitGroup) {
	t.Helper()
	lk := link.New(be).WithLogger(logging.Discard())
	require.NoError(t, lk.Init(link.DefaultConfig()))
	var wg sync.WaitGroup
	be.start(ctx, lk, &wg)
	return lk, &wg
}

// collect polls lk until every kind in want has been seen.
func collect(t *testing.T, lk *link.Link, want ...link.EventKind) map[link.EventKind]link.Event {
	t.Helper()
	seen := map[link.EventKind]link.Event{}
	require.Eventually(t, func() bool {
		for {
			ev, err := lk.Poll()
			if err != nil || ev.Kind == link.EventIdle {
				break
			}
			seen[ev.Kind] = ev
		}
		for _, k := range want {
			if _, ok := seen[k]; !ok {
				return false
			}
		}
		return true
	}, 2*time.Second, 2*time.Millisecond)
	return seen
}

func TestSerialBackendSetupAndReplies(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	port := &fakeSerialPort{reads: [][]byte{[]byte("t2C12AABB\rz\r\aF88\r")}}
	openSerialPort = func(string, int, time.Duration) (serial.Port, error) { return port, nil }
	defer func() { openSerialPort = serial.Open }()

	be, err := initSerialBackend(ctx, testConfig("serial"), logging.Discard())
	require.NoError(t, err)
	require.Equal(t, []string{"C\r", "S6\r", "O\r"}, port.written())

	lk, wg := startLink(t, ctx, be)
	seen := collect(t, lk, link.EventFrame, link.EventOverrun, link.EventBusError)
	require.Equal(t, can.New(0x2C1, 0xAA, 0xBB), seen[link.EventFrame].Frame)

	fr := can.New(0x6C1, 0x02, 0x10, 0x01)
	require.NoError(t, lk.Send(fr))
	require.Eventually(t, func() bool { return len(port.written()) == 4 }, time.Second, time.Millisecond)
	require.Equal(t, string(serial.Codec{}.Encode(fr)), port.written()[3])

	require.NoError(t, be.reset())
	require.Equal(t, []string{"C\r", "S6\r", "O\r"}, port.written()[4:])

	cancel()
	be.shutdown()
	wg.Wait()
}

func TestSerialAckCompletesTransmission(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	port := &fakeSerialPort{}
	openSerialPort = func(string, int, time.Duration) (serial.Port, error) { return port, nil }
	defer func() { openSerialPort = serial.Open }()

	be, err := initSerialBackend(ctx, testConfig("serial"), logging.Discard())
	require.NoError(t, err)
	lk, wg := startLink(t, ctx, be)

	require.NoError(t, lk.Send(can.New(0x641, 0x01)))
	require.Eventually(t, func() bool { return len(port.written()) == 4 }, time.Second, time.Millisecond)
	lk.Tick()
	require.False(t, lk.Quiescent(), "write alone does not complete an SLCAN transmission")

	port.mu.Lock()
	port.reads = append(port.reads, []byte("z\r"))
	port.mu.Unlock()
	require.Eventually(t, func() bool { lk.Tick(); return lk.Quiescent() }, time.Second, time.Millisecond)

	cancel()
	be.shutdown()
	wg.Wait()
}

func TestSerialOpenRetries(t *testing.T) {
	openRetryDelay = time.Millisecond
	defer func() { openRetryDelay = 500 * time.Millisecond }()
	var calls int
	openSerialPort = func(string, int, time.Duration) (serial.Port, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("no such device")
		}
		return &fakeSerialPort{}, nil
	}
	defer func() { openSerialPort = serial.Open }()

	cfg := testConfig("serial")
	cfg.openAttempts = 3
	be, err := initSerialBackend(context.Background(), cfg, logging.Discard())
	require.NoError(t, err)
	require.Equal(t, 3, calls)
	be.shutdown()

	calls = -10
	_, err = initSerialBackend(context.Background(), cfg, logging.Discard())
	require.ErrorContains(t, err, "no such device")
}

// fakeErrPort always fails reads to exercise the backoff.
type fakeErrPort struct{}

func (fakeErrPort) Read([]byte) (int, error)    { return 0, io.ErrNoProgress }
func (fakeErrPort) Write(p []byte) (int, error) { return len(p), nil }
func (fakeErrPort) Close() error                { return nil }

func TestSerialBackendBackoffProgression(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	openSerialPort = func(string, int, time.Duration) (serial.Port, error) { return fakeErrPort{}, nil }
	defer func() { openSerialPort = serial.Open }()

	var mu sync.Mutex
	var seen []time.Duration
	sleepFn = func(d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		if len(seen) < 6 {
			seen = append(seen, d)
			if len(seen) == 6 {
				cancel()
			}
		}
	}
	defer func() { sleepFn = time.Sleep }()

	be, err := initSerialBackend(ctx, testConfig("serial"), logging.Discard())
	require.NoError(t, err)
	_, wg := startLink(t, ctx, be)
	wg.Wait()
	be.shutdown()

	require.Equal(t, []time.Duration{
		rxBackoffMin, 2 * rxBackoffMin, 4 * rxBackoffMin, 8 * rxBackoffMin, 16 * rxBackoffMin, rxBackoffMax,
	}, seen)
}

type devRead struct {
	fr   can.Frame
	cond socketcan.Condition
	err  error
}

// fakeDev serves scripted reads and blocks when none are queued.
type fakeDev struct {
	reads  chan devRead
	mu     sync.Mutex
	writes []can.Frame
	closed chan struct{}
	once   sync.Once
}

func newFakeDev() *fakeDev {
	return &fakeDev{reads: make(chan devRead, 16), closed: make(chan struct{})}
}

func (d *fakeDev) ReadFrame(fr *can.Frame) (socketcan.Condition, error) {
	select {
	case r := <-d.reads:
		*fr = r.fr
		return r.cond, r.err
	case <-d.closed:
		return socketcan.CondNone, errors.New("closed")
	}
}

func (d *fakeDev) WriteFrame(fr can.Frame) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writes = append(d.writes, fr)
	return nil
}

func (d *fakeDev) Close() error { d.once.Do(func() { close(d.closed) }); return nil }

func TestSocketCANBackendConditions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dev := newFakeDev()
	openSocketCANDevice = func(string) (socketcan.Dev, error) { return dev, nil }
	defer func() { openSocketCANDevice = func(iface string) (socketcan.Dev, error) { return socketcan.Open(iface) } }()

	be, err := initSocketCANBackend(ctx, testConfig("socketcan"), logging.Discard())
	require.NoError(t, err)
	lk, wg := startLink(t, ctx, be)

	dev.reads <- devRead{err: socketcan.ErrExtendedID}
	dev.reads <- devRead{fr: can.New(0x2C1, 0x01, 0x7E)}
	dev.reads <- devRead{cond: socketcan.CondBusError}
	dev.reads <- devRead{cond: socketcan.CondOverrun}
	dev.reads <- devRead{cond: socketcan.CondRestarted}
	seen := collect(t, lk, link.EventFrame, link.EventBusError, link.EventOverrun)
	require.Equal(t, can.New(0x2C1, 0x01, 0x7E), seen[link.EventFrame].Frame)

	require.NoError(t, lk.Send(can.New(0x641, 0x01, 0x3E)))
	require.Eventually(t, func() bool { lk.Tick(); return lk.Quiescent() }, time.Second, time.Millisecond)
	dev.mu.Lock()
	require.Equal(t, []can.Frame{can.New(0x641, 0x01, 0x3E)}, dev.writes)
	dev.mu.Unlock()

	dev.reads <- devRead{cond: socketcan.CondBusOff}
	require.Eventually(t, lk.IsBusOff, time.Second, time.Millisecond)
	require.NoError(t, be.reset())

	cancel()
	be.shutdown()
	wg.Wait()
}

func TestSocketCANUnsupportedIsNotRetried(t *testing.T) {
	var calls int
	openSocketCANDevice = func(string) (socketcan.Dev, error) { calls++; return nil, socketcan.ErrUnsupported }
	defer func() { openSocketCANDevice = func(iface string) (socketcan.Dev, error) { return socketcan.Open(iface) } }()

	cfg := testConfig("socketcan")
	cfg.openAttempts = 5
	_, err := initSocketCANBackend(context.Background(), cfg, logging.Discard())
	require.ErrorIs(t, err, socketcan.ErrUnsupported)
	require.Equal(t, 1, calls)
}

func TestVirtualBackendInject(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	be, err := initBackend(ctx, testConfig("virtual"), logging.Discard())
	require.NoError(t, err)
	vb := be.(*virtualBackend)
	lk, wg := startLink(t, ctx, be)

	require.NoError(t, vb.inject(can.New(0x241, 0x02, 0x3E, 0x00)))
	require.ErrorIs(t, vb.inject(can.Frame{ID: 0x241}), can.ErrInvalidLen)
	seen := collect(t, lk, link.EventFrame)
	require.Equal(t, can.New(0x241, 0x02, 0x3E, 0x00), seen[link.EventFrame].Frame)

	require.NoError(t, lk.Send(can.New(0x641, 0x01)))
	require.Eventually(t, func() bool { lk.Tick(); return lk.Quiescent() }, time.Second, time.Millisecond)

	be.shutdown()
	wg.Wait()
}

func TestUnknownBackend(t *testing.T) {
	_, err := initBackend(context.Background(), testConfig("carrier-pigeon"), logging.Discard())
	require.Error(t, err)
}
