// Package logcapture collects application log records emitted while a
// request is being handled. The buffer travels in the request context.
package logcapture

import (
	"context"
	"sync"

	"github.com/apitally/apitally-go/internal/counter"
	"github.com/apitally/apitally-go/internal/model"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// MaxRecords caps the records kept per request.
const MaxRecords = 1000

type ctxKey struct{}

// Buffer holds captured records for one request.
type Buffer struct {
	mu      sync.Mutex
	records []model.LogRecord
	done    bool
}

// Start attaches a fresh buffer to ctx.
func Start(ctx context.Context) (context.Context, *Buffer) {
	buf := &Buffer{}
	return context.WithValue(ctx, ctxKey{}, buf), buf
}

// FromContext returns the buffer attached to ctx, or nil.
func FromContext(ctx context.Context) *Buffer {
	buf, _ := ctx.Value(ctxKey{}).(*Buffer)
	return buf
}

// Add stores rec unless the buffer is full or already drained.
func (b *Buffer) Add(rec model.LogRecord) {
	if b == nil {
		return
	}
	rec.Message = counter.TruncateMessage(rec.Message)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done || len(b.records) >= MaxRecords {
		return
	}
	b.records = append(b.records, rec)
}

// Drain returns the captured records and stops further capture.
func (b *Buffer) Drain() []model.LogRecord {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.done = true
	records := b.records
	b.records = nil
	return records
}

// Logger returns base teed into the buffer of ctx. Without a buffer base is
// returned unchanged.
func Logger(ctx context.Context, base *zap.Logger) *zap.Logger {
	buf := FromContext(ctx)
	if buf == nil {
		return base
	}
	return base.WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
		return zapcore.NewTee(c, NewCore(buf, c))
	}))
}

// NewCore returns a zapcore.Core writing entries at or above enab into buf.
func NewCore(buf *Buffer, enab zapcore.LevelEnabler) zapcore.Core {
	return &core{LevelEnabler: enab, buf: buf}
}

type core struct {
	zapcore.LevelEnabler
	buf *Buffer
}

func (c *core) With([]zapcore.Field) zapcore.Core { return c }

func (c *core) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *core) Write(ent zapcore.Entry, _ []zapcore.Field) error {
	c.buf.Add(model.LogRecord{
		Timestamp: model.UnixSeconds(ent.Time),
		Logger:    ent.LoggerName,
		Level:     ent.Level.CapitalString(),
		Message:   ent.Message,
	})
	return nil
}

func (c *core) Sync() error { return nil }
