package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperroute/pkg/app/core/order"
	"github.com/uhyunpark/hyperroute/pkg/app/core/router"
)

// ResultRecord is the persisted terminal outcome of one order.
type ResultRecord struct {
	Order        order.Order
	Status       order.Status
	TotalFilled  float64
	AveragePrice float64
	Remaining    float64
	Iterations   int
	BookChunks   int
	AMMChunks    int
	Rested       bool
	Condition    string
	Elapsed      time.Duration
}

type PebbleStore struct {
	db *pebble.DB

	Logger *zap.SugaredLogger
}

func NewPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &PebbleStore{db: db, Logger: zap.NewNop().Sugar()}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

// WriteFills stores a batch of fills atomically, under both the pair stream
// and the taker order index.
func (s *PebbleStore) WriteFills(_ context.Context, fills []order.Fill) error {
	b := s.db.NewBatch()
	defer b.Close()

	for _, f := range fills {
		data, err := json.Marshal(f)
		if err != nil {
			return fmt.Errorf("failed to marshal fill %s: %w", f.ID, err)
		}
		if err := b.Set(fillKey(f.Pair, f.Timestamp, f.ID), data, nil); err != nil {
			return fmt.Errorf("failed to stage fill: %w", err)
		}
		if err := b.Set(orderFillKey(f.OrderID, f.Chunk, f.ID), data, nil); err != nil {
			return fmt.Errorf("failed to stage fill index: %w", err)
		}
	}
	if err := b.Commit(pebble.NoSync); err != nil {
		return fmt.Errorf("failed to commit fills: %w", err)
	}
	return nil
}

// LoadFills returns every fill of an order in chunk order.
func (s *PebbleStore) LoadFills(orderID string) ([]order.Fill, error) {
	prefix := orderFillPrefix(orderID)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open iterator: %w", err)
	}
	defer iter.Close()

	var fills []order.Fill
	for iter.First(); iter.Valid(); iter.Next() {
		var f order.Fill
		if err := json.Unmarshal(iter.Value(), &f); err != nil {
			return nil, fmt.Errorf("failed to unmarshal fill: %w", err)
		}
		fills = append(fills, f)
	}
	return fills, iter.Error()
}

// LoadRecentFills returns up to limit fills of a pair, newest first.
func (s *PebbleStore) LoadRecentFills(pair string, limit int) ([]order.Fill, error) {
	prefix := fillPrefix(pair)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open iterator: %w", err)
	}
	defer iter.Close()

	var fills []order.Fill
	for iter.Last(); iter.Valid() && len(fills) < limit; iter.Prev() {
		var f order.Fill
		if err := json.Unmarshal(iter.Value(), &f); err != nil {
			continue // skip invalid entries
		}
		fills = append(fills, f)
	}
	return fills, iter.Error()
}

// SaveResult persists the terminal outcome of o. res may be nil for orders
// rejected after admission.
func (s *PebbleStore) SaveResult(o order.Order, res *router.Result) error {
	rec := ResultRecord{Order: o, Status: o.Status, TotalFilled: o.Filled, Remaining: o.Remaining}
	if res != nil {
		rec.Status = res.Status
		rec.TotalFilled = res.TotalFilled
		rec.AveragePrice = res.AveragePrice
		rec.Remaining = res.Remaining
		rec.Iterations = res.Iterations
		rec.BookChunks = res.BookChunks
		rec.AMMChunks = res.AMMChunks
		rec.Rested = res.Rested
		rec.Elapsed = res.Elapsed
		if res.Condition != nil {
			rec.Condition = res.Condition.Error()
		}
	} else {
		rec.Status = order.Rejected
	}

	val, err := encodeGob(rec)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	if err := s.db.Set(resultKey(o.ID), val, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save result: %w", err)
	}
	return nil
}

// RecordResult is SaveResult for callers that cannot act on the error.
func (s *PebbleStore) RecordResult(o order.Order, res *router.Result) {
	if err := s.SaveResult(o, res); err != nil {
		s.Logger.Errorw("result_save_failed", "id", o.ID, "err", err)
	}
}

// LoadResult returns the stored outcome of an order.
func (s *PebbleStore) LoadResult(orderID string) (ResultRecord, bool, error) {
	val, closer, err := s.db.Get(resultKey(orderID))
	if errors.Is(err, pebble.ErrNotFound) {
		return ResultRecord{}, false, nil
	}
	if err != nil {
		return ResultRecord{}, false, fmt.Errorf("failed to get result: %w", err)
	}
	defer closer.Close()

	var rec ResultRecord
	if err := decodeGob(val, &rec); err != nil {
		return ResultRecord{}, false, fmt.Errorf("decode result: %w", err)
	}
	return rec, true, nil
}
