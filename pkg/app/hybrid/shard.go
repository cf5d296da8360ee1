package hybrid

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/uhyunpark/hyperroute/pkg/app/core/mempool"
)

// task is one dispatched entry and the batch it belongs to.
type task struct {
	entry *mempool.Entry
	batch *batch
}

// batch tracks completion of a dispatched batch for the sizer.
type batch struct {
	size    int
	start   time.Time
	pending atomic.Int64
}

// lane serialises all work for one pair on a shard (actor-per-pair).
type lane struct {
	pair    string
	queue   []*task
	running bool
}

// shard owns routing capacity for the pairs assigned to it. Each pair gets
// a lane goroutine; the semaphore bounds how many lanes route at once.
type shard struct {
	id  int
	app *App
	sem *semaphore.Weighted

	mu    sync.Mutex
	lanes map[string]*lane

	load atomic.Int64 // queued + running tasks
	wg   sync.WaitGroup
}

func newShard(id int, app *App, concurrency int64) *shard {
	return &shard{
		id:    id,
		app:   app,
		sem:   semaphore.NewWeighted(concurrency),
		lanes: make(map[string]*lane),
	}
}

func (s *shard) enqueue(ctx context.Context, t *task) {
	pair := t.entry.Order.Pair
	s.load.Add(1)

	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.lanes[pair]
	if l == nil {
		l = &lane{pair: pair}
		s.lanes[pair] = l
	}
	l.queue = append(l.queue, t)
	if !l.running {
		l.running = true
		s.wg.Add(1)
		go s.runLane(ctx, l)
	}
}

// next pops the lane head, or retires the lane when it is empty.
func (s *shard) next(l *lane) (*task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(l.queue) == 0 {
		l.running = false
		delete(s.lanes, l.pair)
		return nil, false
	}
	t := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return t, true
}

// drain retires the lane and hands back everything still queued on it.
func (s *shard) drain(l *lane) []*task {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending := l.queue
	l.queue = nil
	l.running = false
	delete(s.lanes, l.pair)
	return pending
}

func (s *shard) runLane(ctx context.Context, l *lane) {
	defer s.wg.Done()
	for {
		t, ok := s.next(l)
		if !ok {
			return
		}
		if err := s.sem.Acquire(ctx, 1); err != nil {
			// shutting down: park the work back in the queue untouched
			s.app.requeue(s, nil, append([]*task{t}, s.drain(l)...), nil)
			return
		}
		cause := s.run(ctx, t)
		s.sem.Release(1)

		if cause != nil {
			s.app.requeue(s, t, s.drain(l), cause)
			return
		}
		s.load.Add(-1)
	}
}

// run routes one task and converts a panic into a supervised failure.
func (s *shard) run(ctx context.Context, t *task) (cause error) {
	defer func() {
		if r := recover(); r != nil {
			cause = fmt.Errorf("shard %d panic: %v", s.id, r)
			s.app.Logger.Errorw("shard_task_panic",
				"shard", s.id,
				"order", t.entry.Order.ID,
				"pair", t.entry.Order.Pair,
				"attempt", t.entry.Attempts+1,
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()
	s.app.process(ctx, t)
	return nil
}

func (s *shard) wait() { s.wg.Wait() }
