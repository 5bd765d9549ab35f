package transport

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestShortUUID(t *testing.T) {
	got := ShortUUID(0x5750).String()
	if got != "00005750-0000-1000-8000-00805f9b34fb" {
		t.Errorf("ShortUUID(0x5750) = %s", got)
	}
}

func TestIsTimeout(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{ErrTimeout, true},
		{fmt.Errorf("connecting: %w", ErrTimeout), true},
		{context.DeadlineExceeded, true},
		{ErrNotConnected, false},
		{errors.New("boom"), false},
		{nil, false},
	}
	for _, tt := range tests {
		if got := IsTimeout(tt.err); got != tt.want {
			t.Errorf("IsTimeout(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestHandlers_FireAll(t *testing.T) {
	var h Handlers
	calls := 0
	h.Add(func() { calls++ })
	id := h.Add(func() { calls += 10 })
	h.Add(func() { calls += 100 })

	h.Fire()
	if calls != 111 {
		t.Errorf("calls = %d, want 111", calls)
	}

	h.Remove(id)
	h.Fire()
	if calls != 212 {
		t.Errorf("calls = %d, want 212 after removal", calls)
	}
	if h.Len() != 2 {
		t.Errorf("Len() = %d, want 2", h.Len())
	}
}

func TestHandlers_RemoveDuringFire(t *testing.T) {
	var h Handlers
	var id HandlerID
	fired := 0
	id = h.Add(func() {
		fired++
		h.Remove(id)
	})

	h.Fire()
	h.Fire()
	if fired != 1 {
		t.Errorf("fired = %d, want 1", fired)
	}
}

func TestWriteMode_String(t *testing.T) {
	if WithResponse.String() != "with-response" || WithoutResponse.String() != "without-response" {
		t.Error("WriteMode.String() mismatch")
	}
}
