package dfu

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/kabili207/wavephoenix-go/transport"
	"github.com/kabili207/wavephoenix-go/transport/fake"
)

var dataAttr = transport.Attribute{
	Service:        transport.ShortUUID(0x5750),
	Characteristic: transport.ShortUUID(0x5753),
}

type recorder struct {
	calls []string
}

func (r *recorder) begin(context.Context) error {
	r.calls = append(r.calls, "begin")
	return nil
}

func (r *recorder) finish(context.Context) error {
	r.calls = append(r.calls, "finish")
	return nil
}

func newSession(t *testing.T) (*Session, *fake.Peripheral, *recorder) {
	t.Helper()
	p := fake.New(transport.ShortUUID(0x5750))
	if err := p.Connect(context.Background(), time.Second); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	r := &recorder{}
	s := &Session{
		Transport: p,
		Data:      dataAttr,
		Begin:     r.begin,
		Finish:    r.finish,
		Counters:  &Counters{},
		sleepFn:   func(context.Context, time.Duration) {},
	}
	return s, p, r
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i)
	}
	return b
}

func TestWriteChunksInOrder(t *testing.T) {
	s, p, r := newSession(t)
	data := pattern(1000)

	if err := s.Write(context.Background(), data, Options{}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	writes := p.WritesTo(dataAttr)
	if len(writes) != 16 {
		t.Fatalf("writes = %d, want 16", len(writes))
	}
	var got []byte
	for i, w := range writes {
		want := 64
		if i == 15 {
			want = 40
		}
		if len(w.Data) != want {
			t.Errorf("chunk %d len = %d, want %d", i, len(w.Data), want)
		}
		if w.Mode != transport.WithoutResponse {
			t.Errorf("chunk %d mode = %v, want %v", i, w.Mode, transport.WithoutResponse)
		}
		got = append(got, w.Data...)
	}
	if string(got) != string(data) {
		t.Error("reassembled chunks differ from input")
	}
	if len(r.calls) != 2 || r.calls[0] != "begin" || r.calls[1] != "finish" {
		t.Errorf("calls = %v, want [begin finish]", r.calls)
	}

	snap := s.Counters.Snapshot()
	if snap.Chunks != 16 || snap.Bytes != 1000 || snap.Completed != 1 {
		t.Errorf("counters = %+v", snap)
	}
}

func TestWriteProgress(t *testing.T) {
	s, _, _ := newSession(t)

	var got []float64
	opts := Options{Progress: func(p float64) { got = append(got, p) }}
	if err := s.Write(context.Background(), pattern(130), opts); err != nil {
		t.Fatalf("Write: %v", err)
	}

	want := []float64{0, 64.0 / 130 * 100, 128.0 / 130 * 100}
	if len(got) != len(want) {
		t.Fatalf("progress calls = %v, want %v", got, want)
	}
	for i := range want {
		if math.Abs(got[i]-want[i]) > 1e-9 {
			t.Errorf("progress[%d] = %v, want %v", i, got[i], want[i])
		}
		if i > 0 && got[i] <= got[i-1] {
			t.Errorf("progress not increasing at %d: %v", i, got)
		}
	}
}

func TestWriteReliable(t *testing.T) {
	s, p, _ := newSession(t)
	slept := 0
	s.sleepFn = func(context.Context, time.Duration) { slept++ }

	if err := s.Write(context.Background(), pattern(200), Options{Reliable: true, ChunkSize: 100}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	writes := p.WritesTo(dataAttr)
	if len(writes) != 2 {
		t.Fatalf("writes = %d, want 2", len(writes))
	}
	for i, w := range writes {
		if w.Mode != transport.WithResponse {
			t.Errorf("chunk %d mode = %v, want %v", i, w.Mode, transport.WithResponse)
		}
	}
	if slept != 0 {
		t.Errorf("slept %d times, want 0 for reliable writes", slept)
	}
	if got := s.Counters.AckedWrites.Load(); got != 2 {
		t.Errorf("AckedWrites = %d, want 2", got)
	}
}

func TestWriteUnreliableWaits(t *testing.T) {
	s, _, _ := newSession(t)
	var waits []time.Duration
	s.sleepFn = func(_ context.Context, d time.Duration) { waits = append(waits, d) }

	if err := s.Write(context.Background(), pattern(150), Options{}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if len(waits) != 3 {
		t.Fatalf("waits = %d, want 3", len(waits))
	}
	for _, d := range waits {
		if d != DefaultWait {
			t.Errorf("wait = %v, want %v", d, DefaultWait)
		}
	}
}

func TestWriteCancelMidTransfer(t *testing.T) {
	s, p, r := newSession(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const k = 3
	n := 0
	p.OnWrite(func(w fake.Write) error {
		n++
		if n == k {
			cancel()
		}
		return nil
	})

	err := s.Write(ctx, pattern(1000), Options{})
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want it to wrap context.Canceled", err)
	}
	if got := len(p.WritesTo(dataAttr)); got != k {
		t.Errorf("writes = %d, want %d", got, k)
	}
	for _, c := range r.calls {
		if c == "finish" {
			t.Error("finish called after cancellation")
		}
	}
	if got := s.Counters.Cancelled.Load(); got != 1 {
		t.Errorf("Cancelled = %d, want 1", got)
	}
}

func TestWriteCancelBeforeBegin(t *testing.T) {
	s, p, r := newSession(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Write(ctx, pattern(100), Options{})
	if !IsCancelled(err) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
	if len(r.calls) != 0 {
		t.Errorf("calls = %v, want none", r.calls)
	}
	if got := len(p.Writes()); got != 0 {
		t.Errorf("writes = %d, want 0", got)
	}
}

func TestWriteCancelCause(t *testing.T) {
	s, _, _ := newSession(t)
	cause := errors.New("operator abort")
	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(cause)

	err := s.Write(ctx, pattern(10), Options{})
	if !errors.Is(err, cause) {
		t.Errorf("err = %v, want it to wrap %v", err, cause)
	}
}

func TestWriteErrors(t *testing.T) {
	boom := errors.New("boom")

	t.Run("begin", func(t *testing.T) {
		s, p, _ := newSession(t)
		s.Begin = func(context.Context) error { return boom }
		if err := s.Write(context.Background(), pattern(10), Options{}); !errors.Is(err, boom) {
			t.Errorf("err = %v, want %v", err, boom)
		}
		if got := len(p.Writes()); got != 0 {
			t.Errorf("writes = %d, want 0", got)
		}
	})

	t.Run("chunk", func(t *testing.T) {
		s, p, r := newSession(t)
		p.OnWrite(func(fake.Write) error { return boom })
		if err := s.Write(context.Background(), pattern(100), Options{}); !errors.Is(err, boom) {
			t.Errorf("err = %v, want %v", err, boom)
		}
		if len(r.calls) != 1 {
			t.Errorf("calls = %v, want [begin]", r.calls)
		}
		if got := s.Counters.Failed.Load(); got != 1 {
			t.Errorf("Failed = %d, want 1", got)
		}
	})

	t.Run("disconnected", func(t *testing.T) {
		s, p, _ := newSession(t)
		p.Drop()
		err := s.Write(context.Background(), pattern(100), Options{})
		if !errors.Is(err, transport.ErrNotConnected) {
			t.Errorf("err = %v, want ErrNotConnected", err)
		}
	})

	t.Run("finish", func(t *testing.T) {
		s, _, _ := newSession(t)
		s.Finish = func(context.Context) error { return boom }
		if err := s.Write(context.Background(), pattern(10), Options{}); !errors.Is(err, boom) {
			t.Errorf("err = %v, want %v", err, boom)
		}
	})
}

func TestCountersReset(t *testing.T) {
	var c Counters
	c.Chunks.Add(5)
	c.Bytes.Add(300)
	c.Reset()
	if snap := c.Snapshot(); snap != (CountersSnapshot{}) {
		t.Errorf("Snapshot() after Reset = %+v, want zero", snap)
	}
}
