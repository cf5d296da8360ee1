// Package settlement hands fills to downstream consumers without ever
// blocking the routing path.
package settlement

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/hyperroute/pkg/app/core/order"
)

// Sink accepts fills fire-and-forget.
type Sink interface {
	Record(f order.Fill)
}

// Writer persists or publishes a batch of fills.
type Writer interface {
	WriteFills(ctx context.Context, fills []order.Fill) error
}

// Nop discards every fill.
type Nop struct{}

func (Nop) Record(order.Fill) {}

type Config struct {
	Buffer        int           // queued fills before Record starts dropping
	BatchSize     int           // fills per writer call
	FlushInterval time.Duration // max time a fill waits for a full batch
	MaxRetries    int
	RetryBackoff  time.Duration // doubled on each retry
	WriteTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		Buffer:        65_536,
		BatchSize:     256,
		FlushInterval: 20 * time.Millisecond,
		MaxRetries:    3,
		RetryBackoff:  50 * time.Millisecond,
		WriteTimeout:  2 * time.Second,
	}
}

// Async buffers fills in a bounded queue and fans each batch out to every
// writer. A full queue drops the fill and counts it.
type Async struct {
	cfg     Config
	writers []Writer
	queue   chan order.Fill

	dropped atomic.Uint64
	written atomic.Uint64
	failed  atomic.Uint64

	Logger *zap.SugaredLogger
}

func NewAsync(cfg Config, writers ...Writer) *Async {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultConfig().FlushInterval
	}
	return &Async{
		cfg:     cfg,
		writers: writers,
		queue:   make(chan order.Fill, cfg.Buffer),
		Logger:  zap.NewNop().Sugar(),
	}
}

func (a *Async) Record(f order.Fill) {
	select {
	case a.queue <- f:
	default:
		a.dropped.Add(1)
	}
}

// SetWriters replaces the writer set. It must be called before Run.
func (a *Async) SetWriters(writers ...Writer) { a.writers = writers }

// Dropped counts fills refused because the queue was full.
func (a *Async) Dropped() uint64 { return a.dropped.Load() }

// Written counts fills delivered to every writer.
func (a *Async) Written() uint64 { return a.written.Load() }

// Failed counts fills at least one writer gave up on.
func (a *Async) Failed() uint64 { return a.failed.Load() }

// Run drains the queue until ctx ends, then flushes what is left.
func (a *Async) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]order.Fill, 0, a.cfg.BatchSize)
	for {
		select {
		case <-ctx.Done():
			a.drain(context.WithoutCancel(ctx), batch)
			a.Logger.Infow("settlement_stopped",
				"written", a.written.Load(),
				"failed", a.failed.Load(),
				"dropped", a.dropped.Load(),
			)
			return nil

		case f := <-a.queue:
			batch = append(batch, f)
			if len(batch) >= a.cfg.BatchSize {
				a.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			a.flush(ctx, batch)
			batch = batch[:0]
		}
	}
}

// drain flushes everything still queued at shutdown.
func (a *Async) drain(ctx context.Context, batch []order.Fill) {
	for {
		select {
		case f := <-a.queue:
			batch = append(batch, f)
			if len(batch) >= a.cfg.BatchSize {
				a.flush(ctx, batch)
				batch = batch[:0]
			}
		default:
			a.flush(ctx, batch)
			return
		}
	}
}

func (a *Async) flush(ctx context.Context, batch []order.Fill) {
	if len(batch) == 0 {
		return
	}
	out := append([]order.Fill(nil), batch...)

	var g errgroup.Group
	for _, w := range a.writers {
		g.Go(func() error {
			if err := a.write(ctx, w, out); err != nil {
				a.Logger.Errorw("settlement_write_failed",
					"writer", fmt.Sprintf("%T", w),
					"fills", len(out),
					"err", err,
				)
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		a.failed.Add(uint64(len(out)))
		return
	}
	a.written.Add(uint64(len(out)))
}

func (a *Async) write(ctx context.Context, w Writer, fills []order.Fill) error {
	backoff := a.cfg.RetryBackoff
	for attempt := 0; ; attempt++ {
		wctx, cancel := ctx, context.CancelFunc(func() {})
		if a.cfg.WriteTimeout > 0 {
			wctx, cancel = context.WithTimeout(ctx, a.cfg.WriteTimeout)
		}
		err := w.WriteFills(wctx, fills)
		cancel()
		if err == nil {
			return nil
		}
		if attempt >= a.cfg.MaxRetries {
			return fmt.Errorf("after %d attempts: %w", attempt+1, err)
		}
		a.Logger.Warnw("settlement_write_retry", "writer", fmt.Sprintf("%T", w), "attempt", attempt+1, "err", err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}
}
