// Package requestlog records redacted request/response exchanges into
// gzip batch files awaiting delivery to the hub.
package requestlog

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apitally/apitally-go/internal/config"
	"github.com/apitally/apitally-go/internal/model"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultMaxBodySize      = 50_000
	DefaultMaxFileSize      = 1_000_000
	DefaultMaxFiles         = 50
	DefaultMaxPending       = 100
	DefaultMaintainInterval = time.Second
)

// Callbacks lets the embedding application mask bodies and exclude
// exchanges. A nil body returned from a mask hook is replaced by a marker.
type Callbacks interface {
	MaskRequestBody(req *model.LogRequest) []byte
	MaskResponseBody(req *model.LogRequest, resp *model.LogResponse) []byte
	ShouldExclude(req *model.LogRequest, resp *model.LogResponse) bool
}

// Options configure a Logger. Zero values take the defaults above.
type Options struct {
	Config           config.RequestLogging
	Callbacks        Callbacks
	Dir              string
	MaxBodySize      int
	MaxFileSize      int64
	MaxFiles         int
	MaxPending       int
	MaintainInterval time.Duration
	Logger           *zap.Logger
	Now              func() time.Time
}

type callbacksHolder struct {
	cb Callbacks
}

// Logger queues log items in memory and batches them into files.
type Logger struct {
	opts     Options
	logger   *zap.Logger
	filter   filter
	redactor *redactor

	callbacks atomic.Pointer[callbacksHolder]
	enabled   atomic.Bool
	suspended atomic.Int64

	pendingMu sync.Mutex
	pending   []*model.LogItem

	fileMu  sync.Mutex
	current *BatchFile
	ready   []*BatchFile
}

// New builds a Logger. The logger starts enabled only if opts.Config.Enabled.
func New(opts Options) (*Logger, error) {
	if opts.Dir == "" {
		opts.Dir = filepath.Join(os.TempDir(), "apitally-logs")
	}
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = DefaultMaxBodySize
	}
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = DefaultMaxFileSize
	}
	if opts.MaxFiles <= 0 {
		opts.MaxFiles = DefaultMaxFiles
	}
	if opts.MaxPending <= 0 {
		opts.MaxPending = DefaultMaxPending
	}
	if opts.MaintainInterval <= 0 {
		opts.MaintainInterval = DefaultMaintainInterval
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	f, err := newFilter(opts.Config.ExcludePaths)
	if err != nil {
		return nil, err
	}
	r, err := newRedactor(opts.Config, opts.MaxBodySize)
	if err != nil {
		return nil, err
	}

	l := &Logger{
		opts:     opts,
		logger:   opts.Logger,
		filter:   f,
		redactor: r,
	}
	l.enabled.Store(opts.Config.Enabled)
	l.SetCallbacks(opts.Callbacks)
	return l, nil
}

// Config returns the request logging settings.
func (l *Logger) Config() config.RequestLogging { return l.opts.Config }

// SetCallbacks replaces the masking callbacks. Items already pending are
// redacted with whatever is installed at flush time.
func (l *Logger) SetCallbacks(cb Callbacks) {
	l.callbacks.Store(&callbacksHolder{cb: cb})
}

func (l *Logger) currentCallbacks() Callbacks {
	return l.callbacks.Load().cb
}

// Enabled reports whether new items are accepted, ignoring suspension.
func (l *Logger) Enabled() bool { return l.enabled.Load() }

// Suspended reports whether logging is paused at the current time.
func (l *Logger) Suspended() bool {
	until := l.suspended.Load()
	return until != 0 && l.opts.Now().UnixNano() < until
}

// SuspendUntil pauses logging until t.
func (l *Logger) SuspendUntil(t time.Time) {
	l.suspended.Store(t.UnixNano())
}

// Append queues an item. It never blocks on I/O and silently drops items
// that are excluded, or when the logger is disabled or suspended.
func (l *Logger) Append(item *model.LogItem) {
	if item == nil || !l.enabled.Load() || l.Suspended() {
		return
	}
	if l.filter.excluded(&item.Request) {
		return
	}
	if cb := l.currentCallbacks(); cb != nil && cb.ShouldExclude(&item.Request, &item.Response) {
		return
	}
	if item.UUID == "" {
		item.UUID = uuid.NewString()
	}

	l.pendingMu.Lock()
	l.pending = append(l.pending, item)
	if len(l.pending) > l.opts.MaxPending {
		l.pending[0] = nil
		l.pending = l.pending[1:]
	}
	l.pendingMu.Unlock()
}

func (l *Logger) takePending() []*model.LogItem {
	l.pendingMu.Lock()
	defer l.pendingMu.Unlock()
	items := l.pending
	l.pending = nil
	return items
}

// Flush redacts and writes all pending items to the open batch file.
func (l *Logger) Flush() error {
	if !l.enabled.Load() {
		return nil
	}

	l.fileMu.Lock()
	defer l.fileMu.Unlock()

	items := l.takePending()
	if len(items) == 0 {
		return nil
	}
	if l.current == nil {
		file, err := createBatchFile(l.opts.Dir)
		if err != nil {
			l.logger.Warn("dropping log items, batch file unavailable", zap.Error(err), zap.Int("items", len(items)))
			return err
		}
		l.current = file
	}

	cb := l.currentCallbacks()
	for _, item := range items {
		l.redactor.apply(item, cb)
		line, err := json.Marshal(item)
		if err != nil {
			l.logger.Debug("skipping unserializable log item", zap.Error(err))
			continue
		}
		if err := l.current.writeLine(line); err != nil {
			l.discardCurrentLocked(err)
			return err
		}
	}
	if err := l.current.flush(); err != nil {
		l.discardCurrentLocked(err)
		return err
	}
	return nil
}

// discardCurrentLocked deletes an open batch file whose stream failed, so
// the next flush starts a fresh one. Callers hold fileMu.
func (l *Logger) discardCurrentLocked(cause error) {
	l.logger.Warn("dropping batch file after write failure", zap.Error(cause), zap.String("file", l.current.Path()))
	if err := l.current.Delete(); err != nil {
		l.logger.Warn("failed to delete batch file", zap.Error(err), zap.String("file", l.current.Path()))
	}
	l.current = nil
}

// Rotate closes the open batch file and queues it for delivery.
func (l *Logger) Rotate() {
	l.fileMu.Lock()
	defer l.fileMu.Unlock()
	l.rotateLocked()
}

func (l *Logger) rotateLocked() {
	if l.current == nil {
		return
	}
	if err := l.current.close(); err != nil {
		l.logger.Warn("failed to close batch file", zap.Error(err), zap.String("file", l.current.Path()))
	}
	l.ready = append(l.ready, l.current)
	l.current = nil
}

// Maintain flushes, rotates oversized files, evicts files past the
// retention cap and clears an expired suspension.
func (l *Logger) Maintain() {
	_ = l.Flush()

	l.fileMu.Lock()
	if l.current != nil && l.current.Size() > l.opts.MaxFileSize {
		l.rotateLocked()
	}
	for len(l.ready) > l.opts.MaxFiles {
		oldest := l.ready[0]
		l.ready = l.ready[1:]
		if err := oldest.Delete(); err != nil {
			l.logger.Warn("failed to delete evicted batch file", zap.Error(err), zap.String("file", oldest.Path()))
		}
	}
	l.fileMu.Unlock()

	if until := l.suspended.Load(); until != 0 && l.opts.Now().UnixNano() >= until {
		l.suspended.CompareAndSwap(until, 0)
	}
}

// NextFile dequeues the oldest ready file, or nil.
func (l *Logger) NextFile() *BatchFile {
	l.fileMu.Lock()
	defer l.fileMu.Unlock()
	if len(l.ready) == 0 {
		return nil
	}
	file := l.ready[0]
	l.ready = l.ready[1:]
	return file
}

// RetryFileLater puts a dequeued file back at the front of the queue.
func (l *Logger) RetryFileLater(file *BatchFile) {
	l.fileMu.Lock()
	defer l.fileMu.Unlock()
	l.ready = append([]*BatchFile{file}, l.ready...)
}

// ReadyFiles returns the number of files awaiting delivery.
func (l *Logger) ReadyFiles() int {
	l.fileMu.Lock()
	defer l.fileMu.Unlock()
	return len(l.ready)
}

// PendingItems returns the number of items not yet flushed.
func (l *Logger) PendingItems() int {
	l.pendingMu.Lock()
	defer l.pendingMu.Unlock()
	return len(l.pending)
}

// Clear drops pending items and deletes every batch file.
func (l *Logger) Clear() {
	l.takePending()

	l.fileMu.Lock()
	defer l.fileMu.Unlock()
	l.rotateLocked()
	for _, file := range l.ready {
		if err := file.Delete(); err != nil {
			l.logger.Warn("failed to delete batch file", zap.Error(err), zap.String("file", file.Path()))
		}
	}
	l.ready = nil
}

// Close disables the logger permanently and removes all state.
func (l *Logger) Close() {
	l.enabled.Store(false)
	l.Clear()
}

// Run calls Maintain on every tick until ctx is done.
func (l *Logger) Run(ctx context.Context) error {
	if !l.enabled.Load() {
		return nil
	}
	ticker := time.NewTicker(l.opts.MaintainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !l.enabled.Load() {
				return nil
			}
			l.Maintain()
		}
	}
}
