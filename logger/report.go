package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	errorsClient   int64
	errorsServer   int64
	warnsClient    int64
	warnsServer    int64
	messagesSent   int64
	messagesRecv   int64
	bytesSent      int64
	bytesRecv      int64
	ticksProcessed int64
	eventsDropped  int64
	s3Writes       int64
	channels       sync.Map // map[string]*channelStat
)

func recordWarn(component string) {
	if strings.Contains(component, "server") {
		atomic.AddInt64(&warnsServer, 1)
	} else {
		atomic.AddInt64(&warnsClient, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "server") {
		atomic.AddInt64(&errorsServer, 1)
	} else {
		atomic.AddInt64(&errorsClient, 1)
	}
}

// IncrementMessageSent counts one outbound API message of the given size.
func IncrementMessageSent(size int) {
	atomic.AddInt64(&messagesSent, 1)
	atomic.AddInt64(&bytesSent, int64(size))
}

// IncrementMessageReceived counts one inbound API message of the given size.
func IncrementMessageReceived(size int) {
	atomic.AddInt64(&messagesRecv, 1)
	atomic.AddInt64(&bytesRecv, int64(size))
}

// IncrementTicksProcessed counts market data ticks the engine has applied.
func IncrementTicksProcessed() {
	atomic.AddInt64(&ticksProcessed, 1)
}

// IncrementEventsDropped counts notifications lost to a full event channel.
func IncrementEventsDropped() {
	atomic.AddInt64(&eventsDropped, 1)
}

// IncrementS3Write counts one archive upload of the given size.
func IncrementS3Write(size int64) {
	atomic.AddInt64(&s3Writes, 1)
	recordChannel("s3_archive_write", int(size))
}

func RecordChannelMessage(name string, size int) {
	recordChannel(name, size)
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

func startReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

// StartReport begins periodic logging of runtime and traffic statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	startReport(ctx, log, interval)
}

func logReport(ctx context.Context, log *Log) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		name := k.(string)
		cs := v.(*channelStat)
		channelData[name] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	fields := Fields{
		"errors_client":   atomic.LoadInt64(&errorsClient),
		"errors_server":   atomic.LoadInt64(&errorsServer),
		"warns_client":    atomic.LoadInt64(&warnsClient),
		"warns_server":    atomic.LoadInt64(&warnsServer),
		"messages_sent":   atomic.LoadInt64(&messagesSent),
		"messages_recv":   atomic.LoadInt64(&messagesRecv),
		"bytes_sent":      atomic.LoadInt64(&bytesSent),
		"bytes_recv":      atomic.LoadInt64(&bytesRecv),
		"ticks_processed": atomic.LoadInt64(&ticksProcessed),
		"events_dropped":  atomic.LoadInt64(&eventsDropped),
		"s3_writes":       atomic.LoadInt64(&s3Writes),
		"goroutines":      runtime.NumGoroutine(),
		"heap_mb":         int64(memStats.HeapAlloc) / 1024 / 1024,
		"channels":        channelData,
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	var data []cwtypes.MetricDatum
	data = append(data,
		cwtypes.MetricDatum{MetricName: aws.String("MessagesSent"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["messages_sent"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("MessagesReceived"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["messages_recv"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("BytesSent"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(fields["bytes_sent"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("BytesReceived"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(fields["bytes_recv"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("TicksProcessed"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["ticks_processed"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("EventsDropped"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["events_dropped"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsClient"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_client"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsServer"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_server"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("WarnsClient"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_client"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("WarnsServer"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_server"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("S3Writes"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["s3_writes"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Goroutines"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(runtime.NumGoroutine()))},
		cwtypes.MetricDatum{MetricName: aws.String("HeapMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memStats.HeapAlloc) / 1024 / 1024)},
	)

	for name, stats := range channelData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}
