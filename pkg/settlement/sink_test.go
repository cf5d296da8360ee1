package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/uhyunpark/hyperroute/pkg/app/core/order"
)

type memWriter struct {
	mu       sync.Mutex
	fills    []order.Fill
	calls    int
	failures int // calls to fail before succeeding
}

func (w *memWriter) WriteFills(_ context.Context, fills []order.Fill) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	if w.failures > 0 {
		w.failures--
		return errors.New("broker unavailable")
	}
	w.fills = append(w.fills, fills...)
	return nil
}

func (w *memWriter) snapshot() ([]order.Fill, int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]order.Fill(nil), w.fills...), w.calls
}

func fill(i int) order.Fill {
	return order.Fill{
		ID: fmt.Sprintf("ETH-USDC-%d", i), OrderID: "o", Pair: "ETH-USDC",
		Price: 1, Amount: 1, Side: order.Buy, Source: order.Orderbook,
		Timestamp: time.Unix(1_700_000_000, 0).UTC(),
	}
}

func testConfig() Config {
	return Config{
		Buffer:        64,
		BatchSize:     8,
		FlushInterval: time.Millisecond,
		MaxRetries:    2,
		RetryBackoff:  time.Millisecond,
		WriteTimeout:  time.Second,
	}
}

func runAsync(t *testing.T, a *Async) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	return func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run() = %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("Run did not stop")
		}
	}
}

func TestAsyncFansOutInOrder(t *testing.T) {
	w1, w2 := &memWriter{}, &memWriter{}
	a := NewAsync(testConfig(), w1, w2)
	stop := runAsync(t, a)

	for i := 0; i < 20; i++ {
		a.Record(fill(i))
	}
	stop()

	for _, w := range []*memWriter{w1, w2} {
		got, _ := w.snapshot()
		if len(got) != 20 {
			t.Fatalf("writer got %d fills, want 20", len(got))
		}
		for i, f := range got {
			if f.ID != fill(i).ID {
				t.Errorf("fill %d = %s, out of order", i, f.ID)
			}
		}
	}
	if a.Written() != 20 || a.Dropped() != 0 {
		t.Errorf("written %d dropped %d", a.Written(), a.Dropped())
	}
}

func TestAsyncRetries(t *testing.T) {
	w := &memWriter{failures: 2}
	a := NewAsync(testConfig(), w)
	a.Record(fill(0))
	stop := runAsync(t, a)
	stop()

	got, calls := w.snapshot()
	if len(got) != 1 || calls != 3 {
		t.Errorf("fills %d calls %d, want 1 fill after 3 calls", len(got), calls)
	}
	if a.Failed() != 0 {
		t.Errorf("failed = %d", a.Failed())
	}
}

func TestAsyncGivesUp(t *testing.T) {
	w := &memWriter{failures: 100}
	cfg := testConfig()
	cfg.MaxRetries = 1
	a := NewAsync(cfg, w)
	a.Record(fill(0))
	stop := runAsync(t, a)
	stop()

	if _, calls := w.snapshot(); calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
	if a.Failed() != 1 {
		t.Errorf("failed = %d, want 1", a.Failed())
	}
}

func TestFailedCountsFills(t *testing.T) {
	w := &memWriter{failures: 100}
	cfg := testConfig()
	cfg.MaxRetries = 0
	a := NewAsync(cfg, w)
	for i := 0; i < 3; i++ {
		a.Record(fill(i))
	}
	stop := runAsync(t, a)
	stop()

	if a.Failed() != 3 || a.Written() != 0 {
		t.Errorf("failed %d written %d, want 3/0", a.Failed(), a.Written())
	}
}

func TestRecordNeverBlocks(t *testing.T) {
	cfg := testConfig()
	cfg.Buffer = 4
	a := NewAsync(cfg, &memWriter{})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			a.Record(fill(i))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Record blocked without a consumer")
	}
	if a.Dropped() != 6 {
		t.Errorf("dropped = %d, want 6", a.Dropped())
	}
}

func TestFillMessages(t *testing.T) {
	f := fill(3)
	f.Source = order.AMM
	f.Settlement = &order.Settlement{TxRef: "0xabc", Block: 7, Cost: 0.5}

	msgs, err := fillMessages([]order.Fill{f})
	if err != nil {
		t.Fatal(err)
	}
	if string(msgs[0].Key) != "ETH-USDC" {
		t.Errorf("key = %q", msgs[0].Key)
	}
	var back order.Fill
	if err := json.Unmarshal(msgs[0].Value, &back); err != nil {
		t.Fatal(err)
	}
	if back.Source != order.AMM || back.Settlement == nil || back.Settlement.Block != 7 || back.Side != order.Buy {
		t.Errorf("decoded %+v", back)
	}
}
