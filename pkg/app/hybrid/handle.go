package hybrid

import (
	"context"
	"sync"

	"github.com/uhyunpark/hyperroute/pkg/app/core/order"
	"github.com/uhyunpark/hyperroute/pkg/app/core/router"
)

// OrderHandle tracks one admitted order. It resolves once routing reaches
// a terminal outcome or the order rests on the book.
type OrderHandle struct {
	id   string
	pair string
	done chan struct{}

	mu        sync.Mutex
	status    order.Status
	filled    float64
	remaining float64
	fills     []order.Fill
	result    *router.Result
	err       error

	cancel          context.CancelFunc
	cancelRequested bool
}

func newHandle(o *order.Order) *OrderHandle {
	return &OrderHandle{
		id:        o.ID,
		pair:      o.Pair,
		done:      make(chan struct{}),
		status:    order.Pending,
		remaining: o.Remaining,
	}
}

func (h *OrderHandle) ID() string   { return h.id }
func (h *OrderHandle) Pair() string { return h.pair }

// Done is closed when the handle resolves.
func (h *OrderHandle) Done() <-chan struct{} { return h.done }

// Wait blocks until the handle resolves or ctx ends.
func (h *OrderHandle) Wait(ctx context.Context) (*router.Result, error) {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.result, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the final result once resolved; ok is false before that.
func (h *OrderHandle) Result() (res *router.Result, err error, ok bool) {
	select {
	case <-h.done:
	default:
		return nil, nil, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result, h.err, true
}

// Status is the latest known status, including intermediate partial fills.
func (h *OrderHandle) Status() order.Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Progress returns the filled and remaining amounts seen so far.
func (h *OrderHandle) Progress() (filled, remaining float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.filled, h.remaining
}

// Fills returns a copy of the fills recorded so far.
func (h *OrderHandle) Fills() []order.Fill {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]order.Fill(nil), h.fills...)
}

func (h *OrderHandle) progress(f order.Fill, o *order.Order) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fills = append(h.fills, f)
	h.status = o.Status
	h.filled = o.Filled
	h.remaining = o.Remaining
}

// start arms cancellation for a routing run. If a cancel already arrived the
// returned ctx is done.
func (h *OrderHandle) start(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cancel = cancel
	if h.cancelRequested {
		cancel()
	}
	return ctx, cancel
}

// requestCancel cancels an in-flight routing run, or marks the handle so the
// next run starts cancelled.
func (h *OrderHandle) requestCancel() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.done:
		return false
	default:
	}
	h.cancelRequested = true
	if h.cancel != nil {
		h.cancel()
	}
	return true
}

func (h *OrderHandle) resolve(res *router.Result, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.done:
		return
	default:
	}
	h.result, h.err = res, err
	if res != nil {
		h.status = res.Status
		h.filled = res.TotalFilled
		h.remaining = res.Remaining
	} else {
		h.status = order.Rejected
	}
	h.cancel = nil
	close(h.done)
}
