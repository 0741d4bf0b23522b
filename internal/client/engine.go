package client

import (
	"sync"
	"time"

	"twsflow/internal/ib"
	"twsflow/logger"
)

// DefaultDupDetectionTimeout is the window within which a repeated size on
// the same side of the book is treated as a duplicate feed artifact.
const DefaultDupDetectionTimeout = 2 * time.Second

// EngineSettings controls the aggregation behavior of the market data
// engine. The zero value disables duplicate filtering and trade synthesis.
type EngineSettings struct {
	// UseDupFilter suppresses size updates that repeat the current size
	// within DupDetectionTimeout.
	UseDupFilter        bool
	DupDetectionTimeout time.Duration
	// TradeGeneration selects which inbound ticks synthesize trades.
	TradeGeneration ib.TradeGeneration
	// IgnoreSizeInPriceTicks drops the size bundled inside price ticks so
	// sizes only ever come from dedicated size ticks.
	IgnoreSizeInPriceTicks bool
}

// DefaultEngineSettings mirrors the behavior a freshly configured terminal
// exhibits: duplicates filtered, trades inferred from every source.
func DefaultEngineSettings() EngineSettings {
	return EngineSettings{
		UseDupFilter:           true,
		DupDetectionTimeout:    DefaultDupDetectionTimeout,
		TradeGeneration:        ib.GenerateLastSizePrice | ib.GenerateLastSize | ib.GenerateVolume,
		IgnoreSizeInPriceTicks: true,
	}
}

// MarketDataSnapshot is the aggregated state of one market data
// subscription.
type MarketDataSnapshot struct {
	RequestID int
	Contract  *ib.Contract

	Bid      float64
	Ask      float64
	Last     float64
	BidSize  int
	AskSize  int
	LastSize int

	High   float64
	Low    float64
	Open   float64
	Close  float64
	Volume int

	// SyntheticVolume accumulates the sizes of trades the engine has seen
	// or inferred. It trails the exchange-reported Volume and drives trade
	// inference from volume ticks.
	SyntheticVolume int

	BidImpliedVol   float64
	BidDelta        float64
	AskImpliedVol   float64
	AskDelta        float64
	LastImpliedVol  float64
	LastDelta       float64
	ModelImpliedVol float64
	ModelDelta      float64
	ModelPrice      float64
	PVDividend      float64

	BidTime  time.Time
	AskTime  time.Time
	LastTime time.Time
	// LastTimestamp is the exchange-reported time of the last trade.
	LastTimestamp time.Time

	BidDuplicates  int
	AskDuplicates  int
	LastDuplicates int
}

// Engine aggregates raw ticks into per-subscription snapshots, filters
// duplicate sizes and infers trades the feed does not report explicitly.
type Engine struct {
	mu    sync.RWMutex
	cfg   EngineSettings
	snaps map[int]*MarketDataSnapshot
	emit  func(Event)
	now   func() time.Time
}

// NewEngine builds an engine publishing through emit. A nil emit discards
// notifications.
func NewEngine(cfg EngineSettings, emit func(Event)) *Engine {
	if cfg.DupDetectionTimeout <= 0 {
		cfg.DupDetectionTimeout = DefaultDupDetectionTimeout
	}
	if emit == nil {
		emit = func(Event) {}
	}
	return &Engine{
		cfg:   cfg,
		snaps: make(map[int]*MarketDataSnapshot),
		emit:  emit,
		now:   time.Now,
	}
}

// Subscribe registers a snapshot for the request id. An existing snapshot
// for the same id is replaced.
func (e *Engine) Subscribe(id int, contract *ib.Contract) {
	e.mu.Lock()
	e.snaps[id] = &MarketDataSnapshot{RequestID: id, Contract: contract}
	e.mu.Unlock()
}

// Unsubscribe drops the snapshot for the request id.
func (e *Engine) Unsubscribe(id int) {
	e.mu.Lock()
	delete(e.snaps, id)
	e.mu.Unlock()
}

// Snapshot returns a copy of the snapshot for the request id.
func (e *Engine) Snapshot(id int) (MarketDataSnapshot, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.snaps[id]
	if !ok {
		return MarketDataSnapshot{}, false
	}
	return *s, true
}

// Subscriptions returns the active request ids and their contracts.
func (e *Engine) Subscriptions() map[int]*ib.Contract {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[int]*ib.Contract, len(e.snaps))
	for id, s := range e.snaps {
		out[id] = s.Contract
	}
	return out
}

func (e *Engine) lookup(id int) *MarketDataSnapshot {
	s, ok := e.snaps[id]
	if !ok {
		e.emit(ErrorEvent{RequestID: id, Error: ib.ErrUnknownHistoricalRequest})
		return nil
	}
	return s
}

// HandleTickPrice applies a price tick to the snapshot for id.
func (e *Engine) HandleTickPrice(id int, tt ib.TickType, price float64, size int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.lookup(id)
	if s == nil {
		return
	}
	logger.IncrementTicksProcessed()

	// A sizeless price tick is noise on anything but index/cash contracts.
	if size == 0 && !tickableWithoutSize(s.Contract) {
		return
	}

	now := e.now()
	trade := false
	switch tt {
	case ib.TickBid:
		s.Bid = price
		if !e.cfg.IgnoreSizeInPriceTicks {
			s.BidSize = size
		}
		s.BidTime = now
	case ib.TickAsk:
		s.Ask = price
		if !e.cfg.IgnoreSizeInPriceTicks {
			s.AskSize = size
		}
		s.AskTime = now
	case ib.TickLast:
		if e.cfg.TradeGeneration&ib.GenerateLastSizePrice == 0 {
			return
		}
		s.Last = price
		if !e.cfg.IgnoreSizeInPriceTicks {
			e.applyTrade(s, size, now)
			trade = true
		}
		s.LastTime = now
	case ib.TickHigh:
		s.High = price
	case ib.TickLow:
		s.Low = price
	case ib.TickOpen:
		s.Open = price
	case ib.TickClose:
		s.Close = price
	default:
		return
	}

	e.emit(MarketDataEvent{RequestID: id, Type: tt, Trade: trade, Snapshot: *s})
}

// HandleTickSize applies a size tick to the snapshot for id. Zero sizes
// carry no information and are dropped outright.
func (e *Engine) HandleTickSize(id int, tt ib.TickType, size int) {
	if size == 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.lookup(id)
	if s == nil {
		return
	}
	logger.IncrementTicksProcessed()

	now := e.now()
	trade := false
	switch tt {
	case ib.TickBidSize:
		if e.isDup(size, s.BidSize, s.BidTime, now) {
			s.BidDuplicates++
			return
		}
		s.BidSize = size
		s.BidTime = now
	case ib.TickAskSize:
		if e.isDup(size, s.AskSize, s.AskTime, now) {
			s.AskDuplicates++
			return
		}
		s.AskSize = size
		s.AskTime = now
	case ib.TickLastSize:
		if e.isDup(size, s.LastSize, s.LastTime, now) {
			s.LastDuplicates++
			return
		}
		if e.cfg.TradeGeneration&ib.GenerateLastSize != 0 {
			e.applyTrade(s, size, now)
			trade = true
		} else {
			s.LastSize = size
			s.LastTime = now
		}
	case ib.TickVolume:
		if e.cfg.TradeGeneration&ib.GenerateVolume != 0 && size > s.SyntheticVolume {
			s.LastSize = size - s.SyntheticVolume
			s.SyntheticVolume = size
			s.LastTime = now
			trade = true
		}
		s.Volume = size
	default:
		return
	}

	e.emit(MarketDataEvent{RequestID: id, Type: tt, Trade: trade, Snapshot: *s})
}

// HandleTickOption applies an option computation tick to the snapshot.
func (e *Engine) HandleTickOption(id int, tt ib.TickType, impliedVol, delta, modelPrice, pvDividend float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.lookup(id)
	if s == nil {
		return
	}

	switch tt {
	case ib.TickBidOption:
		s.BidImpliedVol, s.BidDelta = impliedVol, delta
	case ib.TickAskOption:
		s.AskImpliedVol, s.AskDelta = impliedVol, delta
	case ib.TickLastOption:
		s.LastImpliedVol, s.LastDelta = impliedVol, delta
	case ib.TickModelOption:
		s.ModelImpliedVol, s.ModelDelta = impliedVol, delta
		s.ModelPrice, s.PVDividend = modelPrice, pvDividend
	default:
		return
	}

	e.emit(MarketDataEvent{RequestID: id, Type: tt, Snapshot: *s})
}

// HandleTickGeneric applies a generic tick. Only the last trade timestamp
// mutates the snapshot; everything else passes through untouched.
func (e *Engine) HandleTickGeneric(id int, tt ib.TickType, value float64) {
	if tt != ib.TickLastTimestamp {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.lookup(id)
	if s == nil {
		return
	}
	s.LastTimestamp = time.Unix(int64(value), 0)
	e.emit(MarketDataEvent{RequestID: id, Type: tt, Snapshot: *s})
}

func (e *Engine) applyTrade(s *MarketDataSnapshot, size int, now time.Time) {
	s.LastSize = size
	s.SyntheticVolume += size
	s.LastTime = now
}

func (e *Engine) isDup(size, current int, stamp, now time.Time) bool {
	return e.cfg.UseDupFilter && size == current && !stamp.IsZero() &&
		now.Sub(stamp) < e.cfg.DupDetectionTimeout
}

// Index and cash instruments legitimately tick without size.
func tickableWithoutSize(c *ib.Contract) bool {
	return c != nil && (c.SecType == ib.SecTypeIndex || c.SecType == ib.SecTypeCash)
}
