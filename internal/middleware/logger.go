package middleware

import (
	"sync"
	"time"

	"github.com/SkynetNext/sockdispatch/internal/config"
	"github.com/SkynetNext/sockdispatch/pkg/xlog"
	"github.com/rs/zerolog"
)

// VerdictLog is one audit record: what the dispatcher decided for a
// connection or first datagram.
type VerdictLog struct {
	Timestamp  time.Time
	Protocol   string
	Source     string
	Local      string
	Verdict    string
	Target     uint64 // cookie of the destination socket, REDIRECT only
	DurationNs int64  // time spent dispatching
}

// AuditLogger writes verdict records in batches. Log never blocks: records
// are dropped when the buffer is full.
type AuditLogger struct {
	logChan       chan *VerdictLog
	batchSize     int
	flushInterval time.Duration
	sink          zerolog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// NewAuditLogger starts a logger writing to sink.
func NewAuditLogger(cfg config.AuditConfig, sink zerolog.Logger) *AuditLogger {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 4096
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}

	l := &AuditLogger{
		logChan:       make(chan *VerdictLog, cfg.BufferSize),
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		sink:          sink.With().Str("log", "verdict").Logger(),
		stopCh:        make(chan struct{}),
		done:          make(chan struct{}),
	}
	go l.startConsumer()
	return l
}

// Log queues entry. A nil logger discards it.
func (l *AuditLogger) Log(entry *VerdictLog) {
	if l == nil {
		return
	}

	select {
	case l.logChan <- entry:
	default:
		// Buffer full, drop log to prevent blocking main flow
		AuditDroppedTotal.Inc()
	}
}

// Close flushes queued records and stops the consumer.
func (l *AuditLogger) Close() {
	if l == nil {
		return
	}
	l.stopOnce.Do(func() { close(l.stopCh) })
	<-l.done
}

func (l *AuditLogger) startConsumer() {
	defer close(l.done)

	batch := make([]*VerdictLog, 0, l.batchSize)
	ticker := time.NewTicker(l.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case entry := <-l.logChan:
			batch = append(batch, entry)
			if len(batch) >= l.batchSize {
				l.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				l.flush(batch)
				batch = batch[:0]
			}
		case <-l.stopCh:
			for {
				select {
				case entry := <-l.logChan:
					batch = append(batch, entry)
				default:
					l.flush(batch)
					return
				}
			}
		}
	}
}

func (l *AuditLogger) flush(logs []*VerdictLog) {
	for _, entry := range logs {
		ev := l.sink.Log().
			Time("ts", entry.Timestamp).
			Str("protocol", entry.Protocol).
			Str("source", entry.Source).
			Str("local", entry.Local).
			Str("verdict", entry.Verdict).
			Int64("duration_ns", entry.DurationNs)
		if entry.Target != 0 {
			ev = ev.Uint64("target", entry.Target)
		}
		ev.Send()
	}
	if len(logs) > 0 {
		xlog.Debugf("Flushed %d verdict records", len(logs))
	}
}
