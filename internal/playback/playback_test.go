package playback

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"twsflow/internal/client"
	"twsflow/internal/ib"
	"twsflow/internal/wire"
)

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

func fields(tokens ...string) []byte {
	var buf bytes.Buffer
	enc := wire.NewEncoder(&buf)
	for _, t := range tokens {
		enc.String(t)
	}
	return buf.Bytes()
}

func marketDataRequest(t *testing.T, tickerID int, symbol string) []byte {
	t.Helper()
	var buf bytes.Buffer
	enc := wire.NewEncoder(&buf)
	enc.Outgoing(wire.OutRequestMarketData)
	enc.Int(5)
	enc.Int(tickerID)
	enc.String(symbol)
	enc.String(string(ib.SecTypeStock))
	enc.String("") // expiry
	enc.Float(0)
	enc.String("") // right
	enc.String("") // multiplier
	enc.String("SMART")
	enc.String("") // primary exchange
	enc.String("USD")
	enc.String("") // local symbol
	enc.String("") // generic tick list
	if err := enc.Err(); err != nil {
		t.Fatalf("encode request: %v", err)
	}
	return buf.Bytes()
}

func recordSession(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	rec := NewRecorder(nopCloser{&buf})

	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	must(rec.RecordSend(fields("32")))
	must(rec.RecordReceive(fields("34", "20260830 10:00:00 GMT")))
	must(rec.RecordSend(fields("5")))
	must(rec.RecordSend(marketDataRequest(t, 1, "AAPL")))
	must(rec.RecordReceive(fields("1", "3", "1", "4", "101.5", "200", "1")))
	must(rec.RecordReceive(fields("2", "1", "1", "5", "200")))
	must(rec.RecordReceive(fields("2", "1", "1", "0", "500")))
	must(rec.Close())
	return &buf
}

func TestReplayRebuildsSession(t *testing.T) {
	log := recordSession(t)

	p := NewPlayer(client.DefaultEngineSettings(), 64, FullSpeed)
	if err := p.Run(context.Background(), log); err != nil {
		t.Fatalf("replay: %v", err)
	}

	c := p.Client()
	if got := c.ServerVersion(); got != 34 {
		t.Fatalf("server version = %d, want 34", got)
	}
	if got := c.ServerTime(); got != "20260830 10:00:00 GMT" {
		t.Fatalf("server time = %q", got)
	}

	subs := c.Engine().Subscriptions()
	contract, ok := subs[1]
	if !ok {
		t.Fatal("replay did not register the market data subscription")
	}
	if contract.Symbol != "AAPL" || contract.Exchange != "SMART" {
		t.Fatalf("subscription contract = %+v", contract)
	}

	snap, ok := c.Engine().Snapshot(1)
	if !ok {
		t.Fatal("no snapshot for replayed ticker")
	}
	if snap.Last != 101.5 {
		t.Fatalf("last price = %v, want 101.5", snap.Last)
	}
	if snap.LastSize != 200 {
		t.Fatalf("last size = %d, want 200", snap.LastSize)
	}
	if snap.BidSize != 500 {
		t.Fatalf("bid size = %d, want 500", snap.BidSize)
	}
}

func TestReplayCancelRemovesSubscription(t *testing.T) {
	var buf bytes.Buffer
	rec := NewRecorder(nopCloser{&buf})
	rec.RecordSend(fields("32"))
	rec.RecordReceive(fields("34", "20260830 10:00:00 GMT"))
	rec.RecordSend(fields("5"))
	rec.RecordSend(marketDataRequest(t, 7, "MSFT"))

	var cancel bytes.Buffer
	enc := wire.NewEncoder(&cancel)
	enc.Outgoing(wire.OutCancelMarketData)
	enc.Int(1)
	enc.Int(7)
	rec.RecordSend(cancel.Bytes())
	rec.Close()

	p := NewPlayer(client.DefaultEngineSettings(), 64, FullSpeed)
	if err := p.Run(context.Background(), &buf); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if subs := p.Client().Engine().Subscriptions(); len(subs) != 0 {
		t.Fatalf("subscriptions after cancel = %v, want none", subs)
	}
}

func TestReplayNormalSpeedHonorsTimestamps(t *testing.T) {
	var buf bytes.Buffer
	rec := NewRecorder(nopCloser{&buf})
	base := time.Now()
	step := 0
	rec.now = func() time.Time {
		step++
		return base.Add(time.Duration(step) * 40 * time.Millisecond)
	}
	rec.RecordSend(fields("32"))
	rec.RecordReceive(fields("34", "20260830 10:00:00 GMT"))
	rec.RecordSend(fields("5"))
	rec.RecordReceive(fields("2", "1", "1", "0", "500"))
	rec.RecordReceive(fields("2", "1", "1", "0", "600"))
	rec.Close()

	p := NewPlayer(client.DefaultEngineSettings(), 64, Normal)
	start := time.Now()
	if err := p.Run(context.Background(), &buf); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Fatalf("normal speed replay finished in %v, expected pacing delays", elapsed)
	}
}

func TestReaderRejectsCorruptDirection(t *testing.T) {
	r := NewReader(bytes.NewReader([]byte{1, 2, 3, 4, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}))
	if _, err := r.Next(); err == nil {
		t.Fatal("expected an error for a corrupt direction word")
	}
}

func TestReaderEOFOnEmptyLog(t *testing.T) {
	r := NewReader(bytes.NewReader(nil))
	if _, err := r.Next(); err != io.EOF {
		t.Fatalf("err = %v, want io.EOF", err)
	}
}

func TestParseSpeed(t *testing.T) {
	if s, err := ParseSpeed("full"); err != nil || s != FullSpeed {
		t.Fatalf("ParseSpeed(full) = %v, %v", s, err)
	}
	if s, err := ParseSpeed(""); err != nil || s != Normal {
		t.Fatalf("ParseSpeed() = %v, %v", s, err)
	}
	if _, err := ParseSpeed("warp"); err == nil {
		t.Fatal("expected an error for an unknown speed")
	}
}
