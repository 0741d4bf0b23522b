package client

import (
	"testing"
	"time"

	"twsflow/internal/ib"
)

func newTestEngine(cfg EngineSettings) (*Engine, *[]Event) {
	events := &[]Event{}
	e := NewEngine(cfg, func(ev Event) { *events = append(*events, ev) })
	return e, events
}

func stockContract() *ib.Contract {
	return &ib.Contract{Symbol: "AAPL", SecType: ib.SecTypeStock, Exchange: "SMART", Currency: "USD"}
}

func TestPriceTickUpdatesSnapshot(t *testing.T) {
	e, events := newTestEngine(DefaultEngineSettings())
	e.Subscribe(1, stockContract())

	e.HandleTickPrice(1, ib.TickBid, 137.25, 300)
	e.HandleTickPrice(1, ib.TickAsk, 137.27, 200)

	snap, ok := e.Snapshot(1)
	if !ok {
		t.Fatal("snapshot missing")
	}
	if snap.Bid != 137.25 || snap.Ask != 137.27 {
		t.Errorf("bid/ask = %v/%v, want 137.25/137.27", snap.Bid, snap.Ask)
	}
	// Sizes in price ticks are ignored under the default settings.
	if snap.BidSize != 0 || snap.AskSize != 0 {
		t.Errorf("sizes from price ticks should be ignored, got %d/%d", snap.BidSize, snap.AskSize)
	}
	if len(*events) != 2 {
		t.Fatalf("got %d events, want 2", len(*events))
	}
}

func TestPriceTickSizeHonoredWhenNotIgnored(t *testing.T) {
	cfg := DefaultEngineSettings()
	cfg.IgnoreSizeInPriceTicks = false
	e, _ := newTestEngine(cfg)
	e.Subscribe(1, stockContract())

	e.HandleTickPrice(1, ib.TickBid, 50, 700)
	snap, _ := e.Snapshot(1)
	if snap.BidSize != 700 {
		t.Errorf("BidSize = %d, want 700", snap.BidSize)
	}
}

func TestZeroSizeLastIgnoredForStocks(t *testing.T) {
	e, events := newTestEngine(DefaultEngineSettings())
	e.Subscribe(1, stockContract())

	e.HandleTickPrice(1, ib.TickLast, 100.5, 0)
	snap, _ := e.Snapshot(1)
	if snap.Last != 0 {
		t.Errorf("zero-size last should be dropped for stocks, got %v", snap.Last)
	}
	if len(*events) != 0 {
		t.Errorf("got %d events, want 0", len(*events))
	}

	// Cash instruments tick without size.
	e.Subscribe(2, &ib.Contract{Symbol: "EUR", SecType: ib.SecTypeCash, Currency: "USD", Exchange: "IDEALPRO"})
	e.HandleTickPrice(2, ib.TickLast, 1.0842, 0)
	snap, _ = e.Snapshot(2)
	if snap.Last != 1.0842 {
		t.Errorf("cash last = %v, want 1.0842", snap.Last)
	}
}

func TestLastPriceSuppressedWithoutGenerationBit(t *testing.T) {
	cfg := DefaultEngineSettings()
	cfg.TradeGeneration = ib.GenerateVolume
	e, events := newTestEngine(cfg)
	e.Subscribe(1, stockContract())

	e.HandleTickPrice(1, ib.TickLast, 100.5, 10)

	// Without the bit the whole update is dropped, not just the trade.
	snap, _ := e.Snapshot(1)
	if snap.Last != 0 {
		t.Errorf("Last = %v, want 0 (update suppressed entirely)", snap.Last)
	}
	if !snap.LastTime.IsZero() {
		t.Error("LastTime set on a suppressed update")
	}
	if len(*events) != 0 {
		t.Errorf("got %d events, want 0", len(*events))
	}
}

func TestZeroSizePriceTickDroppedForStocks(t *testing.T) {
	e, events := newTestEngine(DefaultEngineSettings())
	e.Subscribe(1, stockContract())

	e.HandleTickPrice(1, ib.TickBid, 99.5, 0)
	e.HandleTickPrice(1, ib.TickAsk, 99.7, 0)

	snap, _ := e.Snapshot(1)
	if snap.Bid != 0 || snap.Ask != 0 {
		t.Errorf("bid/ask = %v/%v, want 0/0 (zero-size price ticks dropped for stocks)", snap.Bid, snap.Ask)
	}
	if len(*events) != 0 {
		t.Errorf("got %d events, want 0", len(*events))
	}

	// Index contracts quote without size.
	e.Subscribe(2, &ib.Contract{Symbol: "SPX", SecType: ib.SecTypeIndex, Exchange: "CBOE", Currency: "USD"})
	e.HandleTickPrice(2, ib.TickBid, 4500.25, 0)
	snap, _ = e.Snapshot(2)
	if snap.Bid != 4500.25 {
		t.Errorf("index bid = %v, want 4500.25", snap.Bid)
	}
}

func TestZeroSizeTickDropped(t *testing.T) {
	e, events := newTestEngine(DefaultEngineSettings())
	e.Subscribe(1, stockContract())

	e.HandleTickSize(1, ib.TickBidSize, 0)

	snap, _ := e.Snapshot(1)
	if snap.BidSize != 0 || !snap.BidTime.IsZero() {
		t.Errorf("zero size tick mutated the snapshot: %+v", snap)
	}
	if len(*events) != 0 {
		t.Errorf("got %d events, want 0", len(*events))
	}
}

func TestDuplicateSizeSuppressed(t *testing.T) {
	now := time.Now()
	cfg := DefaultEngineSettings()
	e, events := newTestEngine(cfg)
	e.now = func() time.Time { return now }
	e.Subscribe(1, stockContract())

	e.HandleTickSize(1, ib.TickBidSize, 400)
	e.HandleTickSize(1, ib.TickBidSize, 400) // same size, inside window

	snap, _ := e.Snapshot(1)
	if snap.BidDuplicates != 1 {
		t.Errorf("BidDuplicates = %d, want 1", snap.BidDuplicates)
	}
	if len(*events) != 1 {
		t.Errorf("got %d events, want 1 (duplicate suppressed)", len(*events))
	}

	// Outside the window the same size is a legitimate update again.
	now = now.Add(cfg.DupDetectionTimeout + time.Millisecond)
	e.HandleTickSize(1, ib.TickBidSize, 400)
	snap, _ = e.Snapshot(1)
	if snap.BidDuplicates != 1 {
		t.Errorf("BidDuplicates = %d, want 1 after window elapsed", snap.BidDuplicates)
	}
	if len(*events) != 2 {
		t.Errorf("got %d events, want 2", len(*events))
	}
}

func TestDupFilterDisabled(t *testing.T) {
	cfg := DefaultEngineSettings()
	cfg.UseDupFilter = false
	e, events := newTestEngine(cfg)
	e.Subscribe(1, stockContract())

	e.HandleTickSize(1, ib.TickAskSize, 250)
	e.HandleTickSize(1, ib.TickAskSize, 250)
	snap, _ := e.Snapshot(1)
	if snap.AskDuplicates != 0 {
		t.Errorf("AskDuplicates = %d, want 0 with filter off", snap.AskDuplicates)
	}
	if len(*events) != 2 {
		t.Errorf("got %d events, want 2", len(*events))
	}
}

func TestSyntheticTradeInferenceFromVolume(t *testing.T) {
	cfg := DefaultEngineSettings()
	cfg.UseDupFilter = false
	e, events := newTestEngine(cfg)
	e.Subscribe(1, stockContract())

	// Two reported trades bring synthetic volume to 500.
	e.HandleTickSize(1, ib.TickLastSize, 200)
	e.HandleTickSize(1, ib.TickLastSize, 300)
	snap, _ := e.Snapshot(1)
	if snap.SyntheticVolume != 500 {
		t.Fatalf("SyntheticVolume = %d, want 500", snap.SyntheticVolume)
	}

	// Reported volume runs ahead: the gap becomes an inferred trade.
	e.HandleTickSize(1, ib.TickVolume, 620)
	snap, _ = e.Snapshot(1)
	if snap.LastSize != 120 {
		t.Errorf("inferred trade size = %d, want 120", snap.LastSize)
	}
	if snap.SyntheticVolume != 620 {
		t.Errorf("SyntheticVolume = %d, want 620", snap.SyntheticVolume)
	}
	if snap.Volume != 620 {
		t.Errorf("Volume = %d, want 620", snap.Volume)
	}
	last := (*events)[len(*events)-1].(MarketDataEvent)
	if !last.Trade {
		t.Error("volume gap should be flagged as a trade")
	}

	// Volume at or below synthetic never infers a trade.
	e.HandleTickSize(1, ib.TickVolume, 620)
	snap, _ = e.Snapshot(1)
	if snap.LastSize != 120 || snap.SyntheticVolume != 620 {
		t.Errorf("no inference expected, got last=%d synthetic=%d", snap.LastSize, snap.SyntheticVolume)
	}
}

func TestLastSizeGeneratesTrade(t *testing.T) {
	e, events := newTestEngine(DefaultEngineSettings())
	e.Subscribe(1, stockContract())

	e.HandleTickSize(1, ib.TickLastSize, 150)
	snap, _ := e.Snapshot(1)
	if snap.LastSize != 150 || snap.SyntheticVolume != 150 {
		t.Errorf("last/synthetic = %d/%d, want 150/150", snap.LastSize, snap.SyntheticVolume)
	}
	ev := (*events)[0].(MarketDataEvent)
	if !ev.Trade {
		t.Error("last size tick should be flagged as a trade")
	}
}

func TestOptionComputationSides(t *testing.T) {
	e, _ := newTestEngine(DefaultEngineSettings())
	e.Subscribe(9, &ib.Contract{Symbol: "AAPL", SecType: ib.SecTypeOption, Exchange: "CBOE", Currency: "USD"})

	e.HandleTickOption(9, ib.TickBidOption, 0.31, 0.55, 0, 0)
	e.HandleTickOption(9, ib.TickModelOption, 0.33, 0.57, 4.25, 0.12)

	snap, _ := e.Snapshot(9)
	if snap.BidImpliedVol != 0.31 || snap.BidDelta != 0.55 {
		t.Errorf("bid greeks = %v/%v", snap.BidImpliedVol, snap.BidDelta)
	}
	if snap.ModelPrice != 4.25 || snap.PVDividend != 0.12 {
		t.Errorf("model price/dividend = %v/%v", snap.ModelPrice, snap.PVDividend)
	}
}

func TestGenericTickOnlyTimestampMutates(t *testing.T) {
	e, events := newTestEngine(DefaultEngineSettings())
	e.Subscribe(1, stockContract())

	e.HandleTickGeneric(1, ib.TickShortable, 3)
	if len(*events) != 0 {
		t.Fatalf("shortable tick should not notify, got %d events", len(*events))
	}

	e.HandleTickGeneric(1, ib.TickLastTimestamp, 1136073600)
	snap, _ := e.Snapshot(1)
	if snap.LastTimestamp.Unix() != 1136073600 {
		t.Errorf("LastTimestamp = %v", snap.LastTimestamp)
	}
	if len(*events) != 1 {
		t.Errorf("got %d events, want 1", len(*events))
	}
}

func TestUnknownRequestIDIsolated(t *testing.T) {
	e, events := newTestEngine(DefaultEngineSettings())
	e.Subscribe(1, stockContract())

	e.HandleTickPrice(77, ib.TickBid, 10, 1)

	if len(*events) != 1 {
		t.Fatalf("got %d events, want 1 error", len(*events))
	}
	ev, ok := (*events)[0].(ErrorEvent)
	if !ok {
		t.Fatalf("expected ErrorEvent, got %T", (*events)[0])
	}
	if ev.RequestID != 77 || ev.Error.DropDead {
		t.Errorf("unknown id should raise a non-fatal error for id 77, got %+v", ev)
	}

	// The known subscription is untouched.
	snap, _ := e.Snapshot(1)
	if snap.Bid != 0 {
		t.Errorf("known snapshot mutated: bid=%v", snap.Bid)
	}
}

func TestUnsubscribeDropsSnapshot(t *testing.T) {
	e, _ := newTestEngine(DefaultEngineSettings())
	e.Subscribe(1, stockContract())
	e.Unsubscribe(1)
	if _, ok := e.Snapshot(1); ok {
		t.Fatal("snapshot survived unsubscribe")
	}
}
