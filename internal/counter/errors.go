package counter

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/apitally/apitally-go/internal/model"
)

type errorEntry[T any] struct {
	detail T
	count  atomic.Int64
}

type errorGeneration[T any] struct {
	entries sync.Map // dedup key -> *errorEntry[T]
}

// dedupCounter keeps the first-seen detail and an occurrence count per key.
type dedupCounter[T any] struct {
	mu      sync.RWMutex
	current *errorGeneration[T]
}

func newDedupCounter[T any]() *dedupCounter[T] {
	return &dedupCounter[T]{current: &errorGeneration[T]{}}
}

func (c *dedupCounter[T]) record(key string, detail T) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	value, ok := c.current.entries.Load(key)
	if !ok {
		value, _ = c.current.entries.LoadOrStore(key, &errorEntry[T]{detail: detail})
	}
	value.(*errorEntry[T]).count.Add(1)
}

func (c *dedupCounter[T]) drain(emit func(detail T, count int64)) {
	c.mu.Lock()
	old := c.current
	c.current = &errorGeneration[T]{}
	c.mu.Unlock()

	old.entries.Range(func(_, v any) bool {
		entry := v.(*errorEntry[T])
		emit(entry.detail, entry.count.Load())
		return true
	})
}

// ServerErrorCounter deduplicates unhandled server errors.
type ServerErrorCounter struct {
	counter *dedupCounter[model.ServerErrors]
}

func NewServerErrorCounter() *ServerErrorCounter {
	return &ServerErrorCounter{counter: newDedupCounter[model.ServerErrors]()}
}

// Record counts one server error. Message and stacktrace are truncated before
// hashing so errors cut to the same prefix share one record.
func (c *ServerErrorCounter) Record(consumer, method, path, errType, message, stacktrace string) {
	detail := model.ServerErrors{
		Consumer:  consumer,
		Method:    strings.ToUpper(method),
		Path:      path,
		Type:      errType,
		Message:   TruncateMessage(message),
		Traceback: TruncateStacktrace(stacktrace),
	}
	key := dedupKey(detail.Consumer, detail.Method, detail.Path, detail.Type, detail.Message, detail.Traceback)
	c.counter.record(key, detail)
}

// Drain returns one record per distinct error since the previous Drain.
func (c *ServerErrorCounter) Drain() []model.ServerErrors {
	out := make([]model.ServerErrors, 0)
	c.counter.drain(func(detail model.ServerErrors, count int64) {
		detail.ErrorCount = count
		out = append(out, detail)
	})
	return out
}

// ValidationErrorCounter deduplicates request validation errors.
type ValidationErrorCounter struct {
	counter *dedupCounter[validationDetail]
}

type validationDetail struct {
	consumer string
	method   string
	path     string
	loc      string
	message  string
	errType  string
}

func NewValidationErrorCounter() *ValidationErrorCounter {
	return &ValidationErrorCounter{counter: newDedupCounter[validationDetail]()}
}

// Record counts one validation error. loc is a dot-separated location path.
func (c *ValidationErrorCounter) Record(consumer, method, path, loc, message, errType string) {
	detail := validationDetail{
		consumer: consumer,
		method:   strings.ToUpper(method),
		path:     path,
		loc:      loc,
		message:  strings.TrimSpace(message),
		errType:  errType,
	}
	key := dedupKey(detail.consumer, detail.method, detail.path, detail.loc, detail.message, detail.errType)
	c.counter.record(key, detail)
}

// Drain returns one record per distinct error since the previous Drain.
func (c *ValidationErrorCounter) Drain() []model.ValidationErrors {
	out := make([]model.ValidationErrors, 0)
	c.counter.drain(func(detail validationDetail, count int64) {
		loc := []string{}
		if detail.loc != "" {
			loc = strings.Split(detail.loc, ".")
		}
		out = append(out, model.ValidationErrors{
			Consumer:   detail.consumer,
			Method:     detail.method,
			Path:       detail.path,
			Loc:        loc,
			Message:    detail.message,
			Type:       detail.errType,
			ErrorCount: count,
		})
	})
	return out
}
