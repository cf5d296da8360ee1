package hybrid

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperroute/pkg/app/core/market"
	"github.com/uhyunpark/hyperroute/pkg/app/core/mempool"
	"github.com/uhyunpark/hyperroute/pkg/app/core/order"
	"github.com/uhyunpark/hyperroute/pkg/app/core/router"
	"github.com/uhyunpark/hyperroute/pkg/memory"
	"github.com/uhyunpark/hyperroute/pkg/util"
)

type Router interface {
	RouteNotify(ctx context.Context, o *order.Order, notify router.NotifyFunc) (*router.Result, error)
}

type Book interface {
	Cancel(id string) bool
}

type Markets interface {
	GetMarket(pair string) (*market.Market, error)
}

// Results receives every terminal outcome, including rejections after
// admission and cancellations of queued orders.
type Results interface {
	RecordResult(o order.Order, res *router.Result)
}

type Config struct {
	Shards          int
	LaneConcurrency int64 // pairs routed concurrently per shard
	TickInterval    time.Duration
	MaxAttempts     int // shard failures tolerated per order before rejection
	ArenaSize       int
	RecentHandles   int // resolved handles kept for lookup

	Mempool mempool.Config
	Sizer   mempool.SizerConfig
}

func DefaultConfig() Config {
	return Config{
		Shards:          4,
		LaneConcurrency: 8,
		TickInterval:    10 * time.Millisecond,
		MaxAttempts:     3,
		ArenaSize:       4096,
		RecentHandles:   10_000,
		Mempool:         mempool.DefaultConfig(),
		Sizer:           mempool.DefaultSizerConfig(),
	}
}

type pairOwner struct {
	shard *shard
	n     int // in-flight tasks for the pair
}

// App is the admission layer: it queues orders by priority, drains them in
// adaptive batches and routes each pair on exactly one shard lane at a time.
type App struct {
	router  Router
	book    Book
	markets Markets

	cfg    Config
	pool   *mempool.Mempool
	sizer  *mempool.Sizer
	shards []*shard
	arena  *memory.Arena[order.Order]
	clock  util.Clock
	wake   chan struct{}

	mu      sync.Mutex
	handles map[string]*OrderHandle
	owners  map[string]*pairOwner
	recent  *lru.Cache[string, *OrderHandle]

	Metrics *Metrics
	Results Results
	Logger  *zap.SugaredLogger
}

func NewApp(r Router, book Book, markets Markets, cfg Config, clock util.Clock) (*App, error) {
	if cfg.Shards <= 0 {
		return nil, fmt.Errorf("shards must be positive, got %d", cfg.Shards)
	}
	if cfg.LaneConcurrency <= 0 {
		cfg.LaneConcurrency = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.RecentHandles <= 0 {
		cfg.RecentHandles = 1
	}
	recent, err := lru.New[string, *OrderHandle](cfg.RecentHandles)
	if err != nil {
		return nil, fmt.Errorf("recent handles: %w", err)
	}
	if clock == nil {
		clock = util.RealClock{}
	}

	a := &App{
		router:  r,
		book:    book,
		markets: markets,
		cfg:     cfg,
		pool:    mempool.NewMempool(cfg.Mempool),
		sizer:   mempool.NewSizer(cfg.Sizer),
		arena: memory.NewArena(cfg.ArenaSize,
			func() *order.Order { return new(order.Order) },
			(*order.Order).Reset),
		clock:   clock,
		wake:    make(chan struct{}, 1),
		handles: make(map[string]*OrderHandle),
		owners:  make(map[string]*pairOwner),
		recent:  recent,
		Metrics: NewMetrics(),
		Logger:  zap.NewNop().Sugar(),
	}
	a.shards = make([]*shard, cfg.Shards)
	for i := range a.shards {
		a.shards[i] = newShard(i, a, cfg.LaneConcurrency)
	}
	a.Metrics.batchTarget.Set(float64(a.sizer.Size()))
	return a, nil
}

// SubmitOrder validates req and queues a copy of it under a fresh id.
// Validation failures are returned without queuing anything.
func (a *App) SubmitOrder(req order.Order) (*OrderHandle, error) {
	if req.Owner != "" && !common.IsHexAddress(req.Owner) {
		return nil, a.rejectAdmission(&order.ValidationError{Field: "owner", Reason: "is not a hex address"})
	}
	mkt, err := a.markets.GetMarket(req.Pair)
	if err != nil {
		return nil, a.rejectAdmission(err)
	}

	now := a.clock.Now()
	o := a.arena.Get()
	*o = req
	o.ID = uuid.NewString()
	o.Remaining = o.Amount
	o.Filled = 0
	o.Status = order.Pending
	o.SubmittedAt = now
	o.Seq = 0
	if o.Owner != "" {
		// EIP-55 checksummed
		o.Owner = common.HexToAddress(o.Owner).Hex()
	}
	if err := mkt.ValidateOrder(o); err != nil {
		a.arena.Put(o)
		return nil, a.rejectAdmission(err)
	}

	h := newHandle(o)
	a.mu.Lock()
	a.handles[o.ID] = h
	a.mu.Unlock()

	if _, err := a.pool.Push(o, now); err != nil {
		a.mu.Lock()
		delete(a.handles, o.ID)
		a.mu.Unlock()
		a.arena.Put(o)
		return nil, a.rejectAdmission(err)
	}
	a.Metrics.admitted.Inc()
	a.Logger.Debugw("order_admitted",
		"id", h.ID(),
		"pair", req.Pair,
		"side", req.Side.String(),
		"priority", req.Priority.String(),
		"amount", req.Amount,
	)

	if a.pool.UrgentReady() {
		a.signal()
	}
	return h, nil
}

func (a *App) rejectAdmission(err error) error {
	a.Metrics.rejected.WithLabelValues(rejectReason(err)).Inc()
	a.Logger.Debugw("order_rejected", "err", err)
	return err
}

// CancelOrder cancels a queued, routing or resting order. It reports false
// when the id is unknown or already terminal.
func (a *App) CancelOrder(id string) bool {
	if e, ok := a.pool.Remove(id); ok {
		o := e.Order
		o.Status = order.Cancelled
		res := &router.Result{
			OrderID:     o.ID,
			TotalFilled: o.Filled,
			Remaining:   o.Remaining,
			Status:      order.Cancelled,
			Condition:   context.Canceled,
		}
		a.resolve(o, res, nil)
		a.Logger.Infow("order_cancelled", "id", id, "stage", "queued")
		return true
	}

	a.mu.Lock()
	h := a.handles[id]
	a.mu.Unlock()
	if h != nil && h.requestCancel() {
		a.Logger.Infow("order_cancelled", "id", id, "stage", "routing")
		return true
	}

	if a.book.Cancel(id) {
		a.Logger.Infow("order_cancelled", "id", id, "stage", "resting")
		return true
	}
	return false
}

// Lookup returns the handle for a live or recently resolved order.
func (a *App) Lookup(id string) (*OrderHandle, bool) {
	a.mu.Lock()
	h, ok := a.handles[id]
	a.mu.Unlock()
	if ok {
		return h, true
	}
	return a.recent.Get(id)
}

// Depths returns queued orders per tier, Urgent first.
func (a *App) Depths() [order.NumPriorities]int { return a.pool.Depths() }

// InFlight returns the number of dispatched orders not yet resolved.
func (a *App) InFlight() int {
	var n int64
	for _, s := range a.shards {
		n += s.load.Load()
	}
	return int(n)
}

// BatchSize is the sizer's current target.
func (a *App) BatchSize() int { return a.sizer.Size() }

// Run drives the scheduler until ctx ends, then waits for in-flight routing
// to finish. Work still queued stays in the mempool.
func (a *App) Run(ctx context.Context) error {
	a.Logger.Infow("admission_started",
		"shards", len(a.shards),
		"tick", a.cfg.TickInterval,
		"batch", a.sizer.Size(),
	)
	next := a.clock.After(a.cfg.TickInterval)
	for {
		select {
		case <-ctx.Done():
			for _, s := range a.shards {
				s.wait()
			}
			a.Logger.Infow("admission_stopped", "queued", a.pool.Len())
			return nil
		case <-a.wake:
			a.dispatch(ctx, a.pool.SelectTier(order.Urgent, a.sizer.Size()))
		case <-next:
			a.tick(ctx)
			next = a.clock.After(a.cfg.TickInterval)
		}
	}
}

func (a *App) signal() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

func (a *App) tick(ctx context.Context) {
	if n := a.pool.PromoteAged(a.clock.Now()); n > 0 {
		a.Logger.Debugw("orders_promoted", "count", n)
	}
	a.dispatch(ctx, a.pool.SelectBatch(a.sizer.Size()))
	a.Metrics.setDepths(a.pool.Depths())
}

func (a *App) dispatch(ctx context.Context, entries []*mempool.Entry) {
	if len(entries) == 0 {
		return
	}
	b := &batch{size: len(entries), start: a.clock.Now()}
	b.pending.Store(int64(len(entries)))
	a.Metrics.batchSize.Observe(float64(len(entries)))

	for _, e := range entries {
		a.pickShard(e.Order.Pair).enqueue(ctx, &task{entry: e, batch: b})
	}
}

// pickShard keeps every in-flight order of a pair on one shard: a pinned
// shard from market config wins, then the shard already serving the pair,
// then the least-loaded shard.
func (a *App) pickShard(pair string) *shard {
	a.mu.Lock()
	defer a.mu.Unlock()

	if own := a.owners[pair]; own != nil {
		own.n++
		return own.shard
	}

	var s *shard
	if mkt, err := a.markets.GetMarket(pair); err == nil && mkt.Shard >= 0 {
		s = a.shards[mkt.Shard%len(a.shards)]
	} else {
		s = a.shards[0]
		for _, c := range a.shards[1:] {
			if c.load.Load() < s.load.Load() {
				s = c
			}
		}
	}
	a.owners[pair] = &pairOwner{shard: s, n: 1}
	return s
}

func (a *App) release(pair string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if own := a.owners[pair]; own != nil {
		if own.n--; own.n <= 0 {
			delete(a.owners, pair)
		}
	}
}

// process routes one dispatched order. In-flight routing is not cut short by
// scheduler shutdown, only by CancelOrder.
func (a *App) process(ctx context.Context, t *task) {
	o := t.entry.Order

	a.mu.Lock()
	h := a.handles[o.ID]
	a.mu.Unlock()
	if h == nil {
		a.complete(t, nil, fmt.Errorf("order %s: %w", o.ID, order.ErrOrderNotFound))
		return
	}

	runCtx, cancel := h.start(context.WithoutCancel(ctx))
	defer cancel()

	start := time.Now()
	res, err := a.router.RouteNotify(runCtx, o, func(f order.Fill, o *order.Order) {
		a.Metrics.observeFill(f)
		h.progress(f, o)
	})
	a.Metrics.routeLatency.Observe(time.Since(start).Seconds())

	a.complete(t, res, err)
}

func (a *App) complete(t *task, res *router.Result, err error) {
	pair := t.entry.Order.Pair
	a.resolve(t.entry.Order, res, err)
	a.release(pair)
	a.finishTask(t.batch)
}

// resolve publishes the terminal outcome and recycles the order.
func (a *App) resolve(o *order.Order, res *router.Result, err error) {
	status := order.Rejected
	if res != nil {
		status = res.Status
	}
	if err != nil {
		a.Metrics.rejected.WithLabelValues(rejectReason(err)).Inc()
	}
	a.Metrics.routed.WithLabelValues(status.String()).Inc()

	if a.Results != nil {
		a.Results.RecordResult(*o, res)
	}

	a.mu.Lock()
	h := a.handles[o.ID]
	delete(a.handles, o.ID)
	a.mu.Unlock()
	if h != nil {
		h.resolve(res, err)
		a.recent.Add(h.ID(), h)
	}

	switch {
	case err == nil && res != nil:
		a.Logger.Infow("order_routed",
			"id", o.ID,
			"pair", o.Pair,
			"status", status.String(),
			"filled", res.TotalFilled,
			"avg_price", res.AveragePrice,
			"book_chunks", res.BookChunks,
			"amm_chunks", res.AMMChunks,
			"iterations", res.Iterations,
			"rested", res.Rested,
			"condition", res.Condition,
		)
	case order.IsRejection(err):
		a.Logger.Infow("order_rejected", "id", o.ID, "pair", o.Pair, "err", err)
	default:
		a.Logger.Errorw("order_failed", "id", o.ID, "pair", o.Pair, "status", status.String(), "err", err)
	}
	a.arena.Put(o)
}

func (a *App) finishTask(b *batch) {
	if b == nil || b.pending.Add(-1) != 0 {
		return
	}
	size := a.sizer.Observe(b.size, a.clock.Now().Sub(b.start))
	a.Metrics.batchTarget.Set(float64(size))
}

// requeue returns a failed shard's work to the head of the mempool. failed is
// the task that was running when the shard failed and may be nil when the
// lane was only interrupted; its attempt counter grows and it is rejected
// once MaxAttempts is reached.
func (a *App) requeue(s *shard, failed *task, pending []*task, cause error) {
	var back []*mempool.Entry
	released := len(pending)

	if failed != nil {
		released++
		failed.entry.Attempts++
		if failed.entry.Attempts >= a.cfg.MaxAttempts {
			o := failed.entry.Order
			err := fmt.Errorf("order %s after %d attempts: %w: %v", o.ID, failed.entry.Attempts, order.ErrExecutionFailed, cause)
			res := &router.Result{
				OrderID:     o.ID,
				TotalFilled: o.Filled,
				Remaining:   o.Remaining,
				Status:      order.Rejected,
				Condition:   err,
			}
			a.complete(failed, res, err)
		} else {
			back = append(back, failed.entry)
			a.release(failed.entry.Order.Pair)
			a.finishTask(failed.batch)
		}
	}
	for _, t := range pending {
		back = append(back, t.entry)
		a.release(t.entry.Order.Pair)
		a.finishTask(t.batch)
	}
	s.load.Add(-int64(released))

	a.pool.PushFront(back...)
	if len(back) > 0 {
		a.Metrics.requeued(s.id, len(back))
	}
	if cause != nil {
		a.Logger.Errorw("shard_failed",
			"shard", s.id,
			"requeued", len(back),
			"err", cause,
		)
	}
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, order.ErrUnknownPair):
		return "unknown_pair"
	case errors.Is(err, order.ErrValidation):
		return "validation"
	case errors.Is(err, order.ErrMarketPaused):
		return "market_paused"
	case errors.Is(err, order.ErrFOKUnfillable):
		return "fok_unfillable"
	case errors.Is(err, order.ErrExecutionFailed):
		return "execution_failed"
	default:
		return "other"
	}
}
