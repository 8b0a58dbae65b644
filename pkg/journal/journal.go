// Package journal persists engine events to a luxfi/database store so trade
// history and the last pool and order states survive restarts.
package journal

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/luxfi/database"
	"github.com/luxfi/liquidity/pkg/lx"
	"github.com/luxfi/log"
)

// Key layout
var (
	tradePrefix  = []byte("trade/")
	poolPrefix   = []byte("pool/")
	orderPrefix  = []byte("order/")
	lastSequence = []byte("meta/last_sequence")
)

// Journal is an lx.EventPublisher writing one batch per event
type Journal struct {
	db     database.Database
	logger log.Logger

	mu  sync.Mutex
	seq uint64
}

// New creates a journal on db, resuming from its last recorded sequence
func New(db database.Database, logger log.Logger) *Journal {
	if logger == nil {
		logger = log.Root().New("module", "journal")
	}
	j := &Journal{db: db, logger: logger}
	seq, err := j.LastSequence()
	if err != nil {
		logger.Warn("journal sequence unreadable, starting from zero", "error", err)
	}
	j.seq = seq
	return j
}

func tradeKey(resource string, id uint64) []byte {
	key := make([]byte, 0, len(tradePrefix)+len(resource)+9)
	key = append(key, tradePrefix...)
	key = append(key, resource...)
	key = append(key, '/')
	return binary.BigEndian.AppendUint64(key, id)
}

func resourcePrefix(resource string) []byte {
	key := append([]byte{}, tradePrefix...)
	key = append(key, resource...)
	return append(key, '/')
}

func poolKey(id string) []byte {
	return append(append([]byte{}, poolPrefix...), id...)
}

func orderKey(id uint64) []byte {
	return append(append([]byte{}, orderPrefix...), strconv.FormatUint(id, 10)...)
}

// Publish records ev
func (j *Journal) Publish(_ context.Context, ev lx.Event) error {
	var (
		key   []byte
		value interface{}
	)
	switch {
	case ev.Trade != nil:
		key, value = tradeKey(ev.Resource(), ev.Trade.ID), ev.Trade
	case ev.Order != nil:
		key, value = orderKey(ev.Order.OrderID), ev.Order
	case ev.Pool != nil:
		key, value = poolKey(ev.Pool.ID), ev.Pool
	default:
		return nil
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", ev.Type, err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	batch := j.db.NewBatch()
	defer batch.Reset()

	if err := batch.Put(key, data); err != nil {
		return err
	}
	// events can arrive out of order; the marker only moves forward
	if ev.Sequence > j.seq {
		seq := make([]byte, 8)
		binary.BigEndian.PutUint64(seq, ev.Sequence)
		if err := batch.Put(lastSequence, seq); err != nil {
			return err
		}
	}
	if err := batch.Write(); err != nil {
		return fmt.Errorf("journal %s event %d: %w", ev.Type, ev.Sequence, err)
	}
	if ev.Sequence > j.seq {
		j.seq = ev.Sequence
	}
	return nil
}

// Trades returns up to limit of the most recent trades of a market or pool,
// oldest first. limit <= 0 returns all of them.
func (j *Journal) Trades(resource string, limit int) ([]lx.Trade, error) {
	it := j.db.NewIteratorWithPrefix(resourcePrefix(resource))
	defer it.Release()

	var trades []lx.Trade
	for it.Next() {
		var tr lx.Trade
		if err := json.Unmarshal(it.Value(), &tr); err != nil {
			return nil, fmt.Errorf("decode trade %x: %w", it.Key(), err)
		}
		trades = append(trades, tr)
		if limit > 0 && len(trades) > limit {
			trades = trades[1:]
		}
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	if trades == nil {
		trades = []lx.Trade{}
	}
	return trades, nil
}

func (j *Journal) get(key []byte, v interface{}) error {
	data, err := j.db.Get(key)
	if errors.Is(err, database.ErrNotFound) {
		return lx.ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// PoolSnapshot returns the last recorded state of a pool
func (j *Journal) PoolSnapshot(id string) (lx.PoolInfo, error) {
	var info lx.PoolInfo
	err := j.get(poolKey(id), &info)
	return info, err
}

// Order returns the last recorded update of an order
func (j *Journal) Order(id uint64) (lx.OrderUpdate, error) {
	var u lx.OrderUpdate
	err := j.get(orderKey(id), &u)
	return u, err
}

// LastSequence returns the sequence of the newest journaled event, 0 if none
func (j *Journal) LastSequence() (uint64, error) {
	data, err := j.db.Get(lastSequence)
	if errors.Is(err, database.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(data) != 8 {
		return 0, fmt.Errorf("corrupt sequence record of %d bytes", len(data))
	}
	return binary.BigEndian.Uint64(data), nil
}

// Close closes the underlying database
func (j *Journal) Close() error {
	return j.db.Close()
}
