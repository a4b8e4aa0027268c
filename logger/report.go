package logger

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"
)

type feedStat struct {
	frames    int64
	bytes     int64
	publishes int64
	reconnect int64
	warns     int64
	errors    int64
}

var feeds sync.Map // map[string]*feedStat

func feed(exchange string) *feedStat {
	v, _ := feeds.LoadOrStore(exchange, &feedStat{})
	return v.(*feedStat)
}

func recordWarn(exchange string) {
	atomic.AddInt64(&feed(exchange).warns, 1)
}

func recordError(exchange string) {
	atomic.AddInt64(&feed(exchange).errors, 1)
}

// RecordFrame counts one inbound websocket frame for the exchange.
func RecordFrame(exchange string, size int) {
	fs := feed(exchange)
	atomic.AddInt64(&fs.frames, 1)
	atomic.AddInt64(&fs.bytes, int64(size))
}

// RecordPublish counts one mid price written to the cache.
func RecordPublish(exchange string) {
	atomic.AddInt64(&feed(exchange).publishes, 1)
}

// RecordReconnect counts one reconnect cycle.
func RecordReconnect(exchange string) {
	atomic.AddInt64(&feed(exchange).reconnect, 1)
}

// FeedCounters returns the current counters for one exchange.
func FeedCounters(exchange string) map[string]int64 {
	v, ok := feeds.Load(exchange)
	if !ok {
		return nil
	}
	fs := v.(*feedStat)
	return map[string]int64{
		"frames":     atomic.LoadInt64(&fs.frames),
		"bytes":      atomic.LoadInt64(&fs.bytes),
		"publishes":  atomic.LoadInt64(&fs.publishes),
		"reconnects": atomic.LoadInt64(&fs.reconnect),
		"warns":      atomic.LoadInt64(&fs.warns),
		"errors":     atomic.LoadInt64(&fs.errors),
	}
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
				logReport(log)
			}
		}
	}()
}

// StartReport begins periodic logging of host statistics and per-exchange
// feed counters until ctx is cancelled.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	startReport(ctx, log, interval)
}

func logReport(log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	diskStats, _ := disk.Usage("/")
	netStats, _ := gnet.IOCounters(false)

	feedData := map[string]map[string]int64{}
	feeds.Range(func(k, _ any) bool {
		name := k.(string)
		feedData[name] = FeedCounters(name)
		return true
	})

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}

	var memoryMB, diskMB int64
	if memStats != nil {
		memoryMB = int64(memStats.Used) / 1024 / 1024
	}
	if diskStats != nil {
		diskMB = int64(diskStats.Used) / 1024 / 1024
	}

	var bytesSent, bytesRecv uint64
	if len(netStats) > 0 {
		bytesSent = netStats[0].BytesSent
		bytesRecv = netStats[0].BytesRecv
	}

	log.WithComponent("report").WithFields(Fields{
		"goroutines":     runtime.NumGoroutine(),
		"cpu_percent":    cpuPct,
		"memory_mb":      memoryMB,
		"disk_mb":        diskMB,
		"net_bytes_sent": int64(bytesSent),
		"net_bytes_recv": int64(bytesRecv),
		"feeds":          feedData,
	}).Info("runtime report")
}
