package archive

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	appconfig "twsflow/config"
	"twsflow/internal/client"
	"twsflow/internal/ib"
	"twsflow/logger"
)

func testArchiver() *Archiver {
	return &Archiver{
		cfg: &appconfig.Config{
			Twsflow: appconfig.TwsflowConfig{Name: "test", Version: "0.0.1"},
			Archive: appconfig.ArchiveConfig{Compression: "snappy"},
		},
		log:       logger.GetLogger(),
		buffer:    make(map[string][]tickParquetRecord),
		maxBuffer: 2,
		jobCh:     make(chan tickBatch, 4),
		ctx:       context.Background(),
	}
}

func marketDataEvent(symbol string, last float64) client.MarketDataEvent {
	return client.MarketDataEvent{
		RequestID: 1,
		Type:      ib.TickLast,
		Trade:     true,
		Snapshot: client.MarketDataSnapshot{
			Contract: &ib.Contract{Symbol: symbol, SecType: ib.SecTypeStock, Exchange: "SMART", Currency: "USD"},
			Last:     last,
			LastSize: 100,
		},
	}
}

func TestAddRecordFlushesFullBuffer(t *testing.T) {
	a := testArchiver()

	a.addRecord(marketDataEvent("AAPL", 101))
	select {
	case b := <-a.jobCh:
		t.Fatalf("premature flush: %+v", b)
	default:
	}

	a.addRecord(marketDataEvent("AAPL", 102))
	select {
	case b := <-a.jobCh:
		if b.Symbol != "AAPL" || b.RecordCount != 2 || b.Reason != "max_buffer" {
			t.Fatalf("unexpected batch: %+v", b)
		}
	case <-time.After(time.Second):
		t.Fatal("full buffer did not enqueue a batch")
	}
}

func TestFlushBuffersDrainsEverySymbol(t *testing.T) {
	a := testArchiver()
	a.addRecord(marketDataEvent("AAPL", 101))
	a.addRecord(marketDataEvent("MSFT", 300))

	a.flushBuffers("shutdown")

	got := map[string]int{}
	for i := 0; i < 2; i++ {
		select {
		case b := <-a.jobCh:
			got[b.Symbol] = b.RecordCount
		case <-time.After(time.Second):
			t.Fatalf("missing batch, have %v", got)
		}
	}
	if got["AAPL"] != 1 || got["MSFT"] != 1 {
		t.Fatalf("unexpected batches: %v", got)
	}
}

func TestCreateParquet(t *testing.T) {
	a := testArchiver()
	batch := tickBatch{
		Symbol: "AAPL",
		Entries: []tickParquetRecord{
			{Symbol: "AAPL", SecType: "STK", Last: 101.5, LastSize: 100, Timestamp: time.Now().UnixMilli()},
		},
		Timestamp:   time.Now().UTC(),
		RecordCount: 1,
	}

	data, size, err := a.createParquet(batch)
	if err != nil {
		t.Fatalf("createParquet: %v", err)
	}
	if size == 0 || int64(len(data)) != size {
		t.Fatalf("size = %d, len = %d", size, len(data))
	}
	if !bytes.HasPrefix(data, []byte("PAR1")) {
		t.Fatal("output is not a parquet file")
	}
}

func TestGenerateS3KeyPartitions(t *testing.T) {
	a := testArchiver()
	ts := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	key := a.generateS3Key(tickBatch{Symbol: "AAPL", Timestamp: ts})
	if !strings.HasPrefix(key, "ticks/symbol=AAPL/date=2026-08-30/") {
		t.Fatalf("unexpected key layout: %s", key)
	}
	if !strings.HasSuffix(key, "_ticks.parquet") {
		t.Fatalf("unexpected key suffix: %s", key)
	}
}
