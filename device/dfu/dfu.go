// Package dfu implements the chunked firmware transfer shared by every
// protocol client: a begin command, sequential chunk writes with progress
// reporting, and a finish command.
//
// Cancellation is cooperative. The context is checked before the begin
// command, before every chunk and before the finish command; a cancelled
// transfer never sends the finish command and returns an error matching
// ErrCancelled.
package dfu

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kabili207/wavephoenix-go/transport"
)

const (
	// DefaultChunkSize is the number of bytes written per chunk.
	DefaultChunkSize = 64
	// DefaultWait is the pause after each unacknowledged write.
	DefaultWait = 10 * time.Millisecond
)

// ErrCancelled is returned when the transfer context is cancelled. It wraps
// the context's cause.
var ErrCancelled = errors.New("transfer cancelled")

// ProgressFunc receives the completed percentage, computed as the offset of
// the chunk just written over the total size. It never reports 100 itself.
type ProgressFunc func(percent float64)

// Options control a single transfer.
type Options struct {
	// Reliable uses acknowledged writes for every chunk.
	Reliable bool
	// ChunkSize defaults to 64.
	ChunkSize int
	// Wait is the pacing delay after unacknowledged writes. Defaults to 10ms.
	Wait time.Duration
	// Progress is optional.
	Progress ProgressFunc
}

func (o Options) withDefaults() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.Wait <= 0 {
		o.Wait = DefaultWait
	}
	return o
}

// Session binds a transfer to its data characteristic and the commands that
// bracket it.
type Session struct {
	Transport transport.Transport
	Data      transport.Attribute
	Begin     func(ctx context.Context) error
	Finish    func(ctx context.Context) error

	// Counters is optional.
	Counters *Counters
	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// sleepFn allows overriding the pacing delay for testing.
	sleepFn func(ctx context.Context, d time.Duration)
}

// Write transfers data.
func (s *Session) Write(ctx context.Context, data []byte, opts Options) error {
	opts = opts.withDefaults()
	log := s.logger()
	counters := s.Counters
	if counters == nil {
		counters = &Counters{}
	}
	counters.Transfers.Add(1)

	if err := checkCancelled(ctx); err != nil {
		counters.Cancelled.Add(1)
		return err
	}

	if err := s.Begin(ctx); err != nil {
		counters.Failed.Add(1)
		return fmt.Errorf("beginning transfer: %w", err)
	}
	log.Debug("transfer started", "bytes", len(data), "chunk_size", opts.ChunkSize, "reliable", opts.Reliable)

	mode := transport.WithoutResponse
	if opts.Reliable {
		mode = transport.WithResponse
	}

	total := len(data)
	for start := 0; start < total; start += opts.ChunkSize {
		if err := checkCancelled(ctx); err != nil {
			counters.Cancelled.Add(1)
			log.Info("transfer cancelled", "offset", start, "bytes", total)
			return err
		}

		end := min(start+opts.ChunkSize, total)
		if err := s.Transport.WriteValue(ctx, s.Data, data[start:end], mode); err != nil {
			if cerr := checkCancelled(ctx); cerr != nil {
				counters.Cancelled.Add(1)
				return cerr
			}
			counters.Failed.Add(1)
			return fmt.Errorf("writing chunk at offset %d: %w", start, err)
		}
		counters.Chunks.Add(1)
		counters.Bytes.Add(uint64(end - start))
		if opts.Reliable {
			counters.AckedWrites.Add(1)
		} else {
			s.sleep(ctx, opts.Wait)
		}

		if opts.Progress != nil {
			opts.Progress(float64(start) / float64(total) * 100)
		}
	}

	if err := checkCancelled(ctx); err != nil {
		counters.Cancelled.Add(1)
		log.Info("transfer cancelled before finish", "bytes", total)
		return err
	}

	if err := s.Finish(ctx); err != nil {
		counters.Failed.Add(1)
		return fmt.Errorf("finishing transfer: %w", err)
	}
	counters.Completed.Add(1)
	log.Debug("transfer finished", "bytes", total)
	return nil
}

func (s *Session) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default().WithGroup("dfu")
}

func (s *Session) sleep(ctx context.Context, d time.Duration) {
	if s.sleepFn != nil {
		s.sleepFn(ctx, d)
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func checkCancelled(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrCancelled, context.Cause(ctx))
}

// IsCancelled reports whether err is a transfer cancellation.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}
