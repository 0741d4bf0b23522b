// Package archive persists aggregated market data ticks to S3 as partitioned
// Parquet files, one table partitioned by symbol and date.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	appconfig "twsflow/config"
	"twsflow/internal/client"
	"twsflow/internal/metadata"
	"twsflow/logger"
)

type tickParquetRecord struct {
	Symbol    string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	SecType   string  `parquet:"name=sec_type, type=BYTE_ARRAY, convertedtype=UTF8"`
	Exchange  string  `parquet:"name=exchange, type=BYTE_ARRAY, convertedtype=UTF8"`
	Currency  string  `parquet:"name=currency, type=BYTE_ARRAY, convertedtype=UTF8"`
	TickType  int32   `parquet:"name=tick_type, type=INT32"`
	Trade     bool    `parquet:"name=trade, type=BOOLEAN"`
	Bid       float64 `parquet:"name=bid, type=DOUBLE"`
	Ask       float64 `parquet:"name=ask, type=DOUBLE"`
	Last      float64 `parquet:"name=last, type=DOUBLE"`
	BidSize   int64   `parquet:"name=bid_size, type=INT64"`
	AskSize   int64   `parquet:"name=ask_size, type=INT64"`
	LastSize  int64   `parquet:"name=last_size, type=INT64"`
	Volume    int64   `parquet:"name=volume, type=INT64"`
	Timestamp int64   `parquet:"name=timestamp, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
}

type tickBatch struct {
	Symbol      string
	Entries     []tickParquetRecord
	Timestamp   time.Time
	Reason      string
	RecordCount int
}

type memFile struct {
	buffer *bytes.Buffer
}

func newMemFile() *memFile {
	return &memFile{buffer: &bytes.Buffer{}}
}

func (m *memFile) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memFile) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *memFile) Seek(int64, int) (int64, error)            { return int64(m.buffer.Len()), nil }
func (m *memFile) Read([]byte) (int, error)                  { return 0, fmt.Errorf("read not supported") }
func (m *memFile) Write(b []byte) (int, error)               { return m.buffer.Write(b) }
func (m *memFile) Close() error                              { return nil }
func (m *memFile) Bytes() []byte                             { return m.buffer.Bytes() }

// Archiver buffers market data events per symbol and uploads them as Parquet
// batches when a buffer fills or the flush interval fires.
type Archiver struct {
	cfg      *appconfig.Config
	events   <-chan client.Event
	s3Client *s3.Client
	metaGen  *metadata.Generator

	ctx    context.Context
	cancel context.CancelFunc
	wg     *sync.WaitGroup

	log *logger.Log

	mu          sync.Mutex
	buffer      map[string][]tickParquetRecord
	flushTicker *time.Ticker
	maxBuffer   int

	jobCh   chan tickBatch
	running bool
}

// New configures an Archiver draining events. Only MarketDataEvents are
// archived; everything else on the channel is ignored.
func New(cfg *appconfig.Config, events <-chan client.Event) (*Archiver, error) {
	if !cfg.Storage.S3.Enabled {
		return nil, fmt.Errorf("s3 storage disabled")
	}
	if events == nil {
		return nil, fmt.Errorf("nil event channel provided")
	}

	ctx := context.Background()
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Storage.S3.Region)}
	if cfg.Storage.S3.AccessKeyID != "" && cfg.Storage.S3.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.Storage.S3.AccessKeyID,
				cfg.Storage.S3.SecretAccessKey,
				"",
			),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Storage.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.S3.Endpoint)
		}
		o.UsePathStyle = cfg.Storage.S3.PathStyle
	})

	metaDir, err := os.MkdirTemp("", "tick-metadata")
	if err != nil {
		return nil, fmt.Errorf("create metadata dir: %w", err)
	}
	meta := metadata.NewGenerator(metaDir, cfg.Twsflow.Name+"_ticks")

	maxBuffer := cfg.Archive.BatchSize
	if maxBuffer <= 0 {
		maxBuffer = 500
	}

	jobCapacity := maxBuffer * 2
	if jobCapacity < 128 {
		jobCapacity = 128
	}

	return &Archiver{
		cfg:       cfg,
		events:    events,
		s3Client:  s3Client,
		metaGen:   meta,
		wg:        &sync.WaitGroup{},
		log:       logger.GetLogger(),
		buffer:    make(map[string][]tickParquetRecord),
		maxBuffer: maxBuffer,
		jobCh:     make(chan tickBatch, jobCapacity),
	}, nil
}

// Start launches the ingestion, flush and upload workers.
func (a *Archiver) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("archiver already running")
	}
	a.running = true
	a.ctx, a.cancel = context.WithCancel(ctx)
	a.buffer = make(map[string][]tickParquetRecord)
	a.flushTicker = time.NewTicker(a.cfg.Archive.FlushInterval)
	a.mu.Unlock()

	a.log.WithComponent("archiver").WithFields(logger.Fields{
		"flush_interval": a.cfg.Archive.FlushInterval,
		"max_buffer":     a.maxBuffer,
	}).Info("starting tick archiver")

	a.wg.Add(1)
	go a.ingest()

	a.wg.Add(1)
	go a.flushLoop()

	a.wg.Add(1)
	go a.uploadWorker()

	return nil
}

// Stop flushes pending buffers and waits for all workers to finish.
func (a *Archiver) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	cancel := a.cancel
	ticker := a.flushTicker
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ticker != nil {
		ticker.Stop()
	}

	a.flushBuffers("shutdown")
	close(a.jobCh)
	a.wg.Wait()
	a.log.WithComponent("archiver").Info("tick archiver stopped")
}

func (a *Archiver) ingest() {
	defer a.wg.Done()
	for {
		select {
		case <-a.ctx.Done():
			return
		case ev, ok := <-a.events:
			if !ok {
				a.flushBuffers("channel_closed")
				return
			}
			md, ok := ev.(client.MarketDataEvent)
			if !ok || md.Snapshot.Contract == nil {
				continue
			}
			a.addRecord(md)
		}
	}
}

func (a *Archiver) flushLoop() {
	defer a.wg.Done()
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-a.flushTicker.C:
			a.flushBuffers("interval")
		}
	}
}

func (a *Archiver) uploadWorker() {
	defer a.wg.Done()
	for batch := range a.jobCh {
		a.processBatch(batch)
	}
}

func (a *Archiver) addRecord(md client.MarketDataEvent) {
	s := md.Snapshot
	rec := tickParquetRecord{
		Symbol:    s.Contract.Symbol,
		SecType:   string(s.Contract.SecType),
		Exchange:  s.Contract.Exchange,
		Currency:  s.Contract.Currency,
		TickType:  int32(md.Type),
		Trade:     md.Trade,
		Bid:       s.Bid,
		Ask:       s.Ask,
		Last:      s.Last,
		BidSize:   int64(s.BidSize),
		AskSize:   int64(s.AskSize),
		LastSize:  int64(s.LastSize),
		Volume:    int64(s.Volume),
		Timestamp: time.Now().UTC().UnixMilli(),
	}

	key := strings.ToUpper(rec.Symbol)
	var flushEntries []tickParquetRecord
	a.mu.Lock()
	a.buffer[key] = append(a.buffer[key], rec)
	if len(a.buffer[key]) >= a.maxBuffer {
		flushEntries = a.buffer[key]
		delete(a.buffer, key)
	}
	a.mu.Unlock()

	if len(flushEntries) > 0 {
		a.enqueueBatch(key, flushEntries, "max_buffer")
	}
}

func (a *Archiver) flushBuffers(reason string) {
	a.mu.Lock()
	buffers := a.buffer
	a.buffer = make(map[string][]tickParquetRecord)
	a.mu.Unlock()

	for key, entries := range buffers {
		if len(entries) == 0 {
			continue
		}
		a.enqueueBatch(key, entries, reason)
	}
}

func (a *Archiver) enqueueBatch(symbol string, entries []tickParquetRecord, reason string) {
	batch := tickBatch{
		Symbol:      symbol,
		Entries:     entries,
		Timestamp:   time.Now().UTC(),
		Reason:      reason,
		RecordCount: len(entries),
	}
	select {
	case a.jobCh <- batch:
	case <-a.ctx.Done():
	}
}

func (a *Archiver) processBatch(batch tickBatch) {
	entryLog := a.log.WithComponent("archiver").WithFields(logger.Fields{
		"symbol":       batch.Symbol,
		"record_count": batch.RecordCount,
		"reason":       batch.Reason,
	})

	if batch.RecordCount == 0 {
		entryLog.Debug("tick batch empty, skipping")
		return
	}

	key := a.generateS3Key(batch)
	data, size, err := a.createParquet(batch)
	if err != nil {
		entryLog.WithError(err).Error("failed to create tick parquet")
		return
	}

	if err := a.uploadToS3(key, data); err != nil {
		entryLog.WithError(err).WithFields(logger.Fields{"key": key}).Error("failed to upload tick parquet")
		return
	}
	logger.IncrementS3Write(size)

	df := metadata.DataFile{
		Path:        fmt.Sprintf("s3://%s/%s", a.cfg.Storage.S3.Bucket, key),
		FileSize:    size,
		RecordCount: int64(batch.RecordCount),
		Partition: map[string]any{
			"symbol": batch.Symbol,
			"date":   batch.Timestamp.UTC().Format("2006-01-02"),
		},
		Timestamp: batch.Timestamp,
	}
	if a.metaGen != nil {
		if err := a.metaGen.AddFile(df); err != nil {
			entryLog.WithError(err).Warn("failed to update tick metadata")
		}
	}

	entryLog.WithFields(logger.Fields{
		"s3_key":    key,
		"file_size": size,
	}).Info("tick batch uploaded")
}

func (a *Archiver) createParquet(batch tickBatch) ([]byte, int64, error) {
	mem := newMemFile()
	pw, err := writer.NewParquetWriter(mem, new(tickParquetRecord), 1)
	if err != nil {
		return nil, 0, fmt.Errorf("new parquet writer: %w", err)
	}

	switch strings.ToLower(a.cfg.Archive.Compression) {
	case "snappy":
		pw.CompressionType = parquet.CompressionCodec_SNAPPY
	case "gzip":
		pw.CompressionType = parquet.CompressionCodec_GZIP
	default:
		pw.CompressionType = parquet.CompressionCodec_UNCOMPRESSED
	}

	for _, rec := range batch.Entries {
		if err := pw.Write(rec); err != nil {
			pw.WriteStop()
			return nil, 0, fmt.Errorf("write parquet record: %w", err)
		}
	}

	if err := pw.WriteStop(); err != nil {
		return nil, 0, fmt.Errorf("finalize parquet: %w", err)
	}

	data := mem.Bytes()
	return data, int64(len(data)), nil
}

func (a *Archiver) generateS3Key(batch tickBatch) string {
	datePart := batch.Timestamp.UTC().Format("2006-01-02")
	filename := fmt.Sprintf("%s_%s_ticks.parquet",
		time.Now().UTC().Format("20060102150405"),
		uuid.NewString(),
	)
	key := filepath.Join(
		"ticks",
		fmt.Sprintf("symbol=%s", batch.Symbol),
		fmt.Sprintf("date=%s", datePart),
		filename,
	)
	return filepath.ToSlash(key)
}

func (a *Archiver) uploadToS3(key string, data []byte) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(a.cfg.Storage.S3.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type":    "parquet",
			"compression":     a.cfg.Archive.Compression,
			"twsflow-version": a.cfg.Twsflow.Version,
		},
	}

	ctx, cancel := context.WithTimeout(a.ctx, 2*time.Minute)
	defer cancel()
	_, err := a.s3Client.PutObject(ctx, input)
	if err != nil {
		return fmt.Errorf("upload tick parquet: %w", err)
	}
	return nil
}
