package client

import (
	"bytes"
	"testing"
	"time"

	"twsflow/internal/ib"
	"twsflow/internal/wire"
)

func encodePayload(build func(enc *wire.Encoder)) []byte {
	var buf bytes.Buffer
	enc := wire.NewEncoder(&buf)
	build(enc)
	return buf.Bytes()
}

// nextEvent pulls one event off the channel or fails the test.
func nextEvent(t *testing.T, c *Client) Event {
	t.Helper()
	select {
	case ev := <-c.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
		return nil
	}
}

func replayClient() *Client {
	c := NewReplay(DefaultEngineSettings(), 64)
	c.ApplyHandshake(34, "20260830 10:00:00 GMT")
	return c
}

func TestDispatchTickPriceUpdatesSnapshot(t *testing.T) {
	c := replayClient()
	c.RegisterSubscription(1, &ib.Contract{Symbol: "AAPL", SecType: ib.SecTypeStock, Exchange: "SMART", Currency: "USD"})

	err := c.DispatchPayload(encodePayload(func(enc *wire.Encoder) {
		enc.Incoming(wire.InTickPrice)
		enc.Int(3) // message version
		enc.Int(1)
		enc.Int(int(ib.TickLast))
		enc.Float(101.5)
		enc.Int(200)
		enc.Int(1)
	}))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	tp, ok := nextEvent(t, c).(TickPriceEvent)
	if !ok || tp.Price != 101.5 || tp.Size != 200 || tp.CanAutoExecute != 1 {
		t.Fatalf("unexpected tick price event: %+v", tp)
	}

	// The bundled size stays out of the snapshot under the default
	// settings; sizes come only from dedicated size ticks.
	snap, _ := c.Engine().Snapshot(1)
	if snap.Last != 101.5 || snap.LastSize != 0 || snap.SyntheticVolume != 0 {
		t.Fatalf("unexpected snapshot: last=%v size=%d synthetic=%d", snap.Last, snap.LastSize, snap.SyntheticVolume)
	}

	if _, ok := nextEvent(t, c).(MarketDataEvent); !ok {
		t.Fatal("expected a market data event")
	}
	select {
	case ev := <-c.Events():
		t.Fatalf("unexpected extra event %T; size ticks must not be fabricated", ev)
	default:
	}
}

func TestDispatchTickPriceBidSizeNotRoutedAsSizeTick(t *testing.T) {
	c := replayClient()
	c.RegisterSubscription(1, &ib.Contract{Symbol: "AAPL", SecType: ib.SecTypeStock, Exchange: "SMART", Currency: "USD"})

	err := c.DispatchPayload(encodePayload(func(enc *wire.Encoder) {
		enc.Incoming(wire.InTickPrice)
		enc.Int(3)
		enc.Int(1)
		enc.Int(int(ib.TickBid))
		enc.Float(99.5)
		enc.Int(10)
		enc.Int(1)
	}))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	snap, _ := c.Engine().Snapshot(1)
	if snap.Bid != 99.5 {
		t.Fatalf("bid = %v, want 99.5", snap.Bid)
	}
	if snap.BidSize != 0 {
		t.Fatalf("BidSize = %d, want 0 (size in price ticks ignored)", snap.BidSize)
	}
}

func TestDispatchErrorMessageUsesCatalog(t *testing.T) {
	c := replayClient()

	c.DispatchPayload(encodePayload(func(enc *wire.Encoder) {
		enc.Incoming(wire.InErrorMessage)
		enc.Int(2)
		enc.Int(5)
		enc.Int(ib.ErrMaxTickersReached.Code)
		enc.String("server says no")
	}))

	ev, ok := nextEvent(t, c).(ErrorEvent)
	if !ok {
		t.Fatal("expected an error event")
	}
	if ev.RequestID != 5 || ev.Error.Code != ib.ErrMaxTickersReached.Code {
		t.Fatalf("unexpected error event: %+v", ev)
	}
	if ev.Error.Message != "server says no" {
		t.Fatalf("server message not preserved: %q", ev.Error.Message)
	}
	if ev.Error.DropDead {
		t.Fatal("non-fatal code marked fatal")
	}
}

func TestDispatchErrorMessageFatalCode(t *testing.T) {
	c := replayClient()

	c.DispatchPayload(encodePayload(func(enc *wire.Encoder) {
		enc.Incoming(wire.InErrorMessage)
		enc.Int(2)
		enc.Int(-1)
		enc.Int(ib.ErrConnectionDropped.Code)
		enc.String("socket port has been reset")
	}))

	ev := nextEvent(t, c).(ErrorEvent)
	if !ev.Error.DropDead {
		t.Fatal("socket reset must be fatal")
	}
}

func TestDispatchUnknownMessageCode(t *testing.T) {
	c := replayClient()

	c.DispatchPayload(encodePayload(func(enc *wire.Encoder) {
		enc.Int(999)
	}))

	ev, ok := nextEvent(t, c).(ErrorEvent)
	if !ok || ev.Error.Code != ib.ErrUnknownID.Code {
		t.Fatalf("expected unknown-id error, got %+v", ev)
	}
}

func TestDispatchTickOptionNormalization(t *testing.T) {
	c := replayClient()
	c.RegisterSubscription(9, &ib.Contract{Symbol: "AAPL", SecType: ib.SecTypeOption, Exchange: "SMART", Currency: "USD"})

	c.DispatchPayload(encodePayload(func(enc *wire.Encoder) {
		enc.Incoming(wire.InTickOptionComputation)
		enc.Int(1)
		enc.Int(9)
		enc.Int(int(ib.TickBidOption))
		enc.Float(-1) // not computable
		enc.Float(1.5)
	}))

	ev := nextEvent(t, c).(TickOptionComputationEvent)
	if ev.ImpliedVol != ib.UnsetFloat {
		t.Fatalf("negative implied vol not normalized: %v", ev.ImpliedVol)
	}
	if ev.Delta != ib.UnsetFloat {
		t.Fatalf("out-of-range delta not normalized: %v", ev.Delta)
	}
}

func TestDispatchOrderStatusAllFields(t *testing.T) {
	c := replayClient()

	c.DispatchPayload(encodePayload(func(enc *wire.Encoder) {
		enc.Incoming(wire.InOrderStatus)
		enc.Int(6)
		enc.Int(12)
		enc.String("Filled")
		enc.Int(100)
		enc.Int(0)
		enc.Float(99.5)
		enc.Int(777)
		enc.Int(0)
		enc.Float(99.5)
		enc.Int(2)
		enc.String("")
	}))

	ev := nextEvent(t, c).(OrderStatusEvent)
	if ev.OrderID != 12 || ev.Status != "Filled" || ev.Filled != 100 || ev.PermID != 777 || ev.ClientID != 2 {
		t.Fatalf("unexpected order status: %+v", ev)
	}
}

func TestDispatchNextValidID(t *testing.T) {
	c := replayClient()

	c.DispatchPayload(encodePayload(func(enc *wire.Encoder) {
		enc.Incoming(wire.InNextValidID)
		enc.Int(1)
		enc.Int(43)
	}))

	ev := nextEvent(t, c).(NextValidIDEvent)
	if ev.OrderID != 43 {
		t.Fatalf("order id = %d, want 43", ev.OrderID)
	}
	if c.NextValidID() != 43 {
		t.Fatalf("client did not store next valid id: %d", c.NextValidID())
	}
}

func TestDispatchHistoricalDataRows(t *testing.T) {
	c := replayClient()

	c.DispatchPayload(encodePayload(func(enc *wire.Encoder) {
		enc.Incoming(wire.InHistoricalData)
		enc.Int(2)
		enc.Int(3)
		enc.String("20260801  09:30:00")
		enc.String("20260829  16:00:00")
		enc.Int(2)
		for _, px := range []float64{100, 101} {
			enc.String("20260829")
			enc.Float(px)
			enc.Float(px + 1)
			enc.Float(px - 1)
			enc.Float(px + 0.5)
			enc.Int(1000)
			enc.Float(px)
			enc.String("false")
		}
	}))

	first := nextEvent(t, c).(HistoricalDataEvent)
	if first.State != ib.HistoricalStarting || first.RecordTotal != 2 {
		t.Fatalf("unexpected starting event: %+v", first)
	}
	for i := 0; i < 2; i++ {
		row := nextEvent(t, c).(HistoricalDataEvent)
		if row.State != ib.HistoricalDownloading || row.RecordNumber != i {
			t.Fatalf("unexpected row %d: %+v", i, row)
		}
	}
	last := nextEvent(t, c).(HistoricalDataEvent)
	if last.State != ib.HistoricalFinished {
		t.Fatalf("unexpected final event: %+v", last)
	}
}

func TestDispatchCurrentTime(t *testing.T) {
	c := replayClient()
	now := time.Now().Unix()

	c.DispatchPayload(encodePayload(func(enc *wire.Encoder) {
		enc.Incoming(wire.InCurrentTime)
		enc.Int(1)
		enc.Int64(now)
	}))

	ev := nextEvent(t, c).(CurrentTimeEvent)
	if ev.Time.Unix() != now {
		t.Fatalf("time = %v, want unix %d", ev.Time, now)
	}
}

func TestDispatchTickStringLastTimestamp(t *testing.T) {
	c := replayClient()
	c.RegisterSubscription(1, &ib.Contract{Symbol: "AAPL", SecType: ib.SecTypeStock, Exchange: "SMART", Currency: "USD"})
	stamp := time.Now().Unix()

	c.DispatchPayload(encodePayload(func(enc *wire.Encoder) {
		enc.Incoming(wire.InTickString)
		enc.Int(1)
		enc.Int(1)
		enc.Int(int(ib.TickLastTimestamp))
		enc.Int64(stamp)
	}))

	if _, ok := nextEvent(t, c).(TickStringEvent); !ok {
		t.Fatal("expected a tick string event")
	}
	snap, _ := c.Engine().Snapshot(1)
	if snap.LastTimestamp.Unix() != stamp {
		t.Fatalf("last timestamp = %v, want unix %d", snap.LastTimestamp, stamp)
	}
}

func TestDispatchTruncatedMessageFails(t *testing.T) {
	c := replayClient()
	c.RegisterSubscription(1, &ib.Contract{Symbol: "AAPL", SecType: ib.SecTypeStock, Exchange: "SMART", Currency: "USD"})

	payload := encodePayload(func(enc *wire.Encoder) {
		enc.Incoming(wire.InTickPrice)
		enc.Int(3)
		enc.Int(1)
	})
	if err := c.DispatchPayload(payload); err == nil {
		t.Fatal("expected an error for a truncated message")
	}
}
