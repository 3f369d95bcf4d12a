package counter

import (
	"strings"
	"sync"

	"github.com/apitally/apitally-go/internal/model"
)

// MetricKey buckets request metrics. Consumer is empty when absent.
type MetricKey struct {
	Consumer   string
	Method     string
	Path       string
	StatusCode int
}

type requestMetric struct {
	mu              sync.Mutex
	count           int64
	requestSizeSum  int64
	responseSizeSum int64
	responseTimes   map[int64]int64
	requestSizes    map[int64]int64
	responseSizes   map[int64]int64
}

type requestGeneration struct {
	metrics sync.Map // MetricKey -> *requestMetric
}

// RequestCounter aggregates per-key request counts, size sums and histograms.
//
// Writers share mu in read mode and only contend per key; Drain takes it in
// write mode for the O(1) generation swap, so every Record lands in exactly
// one generation.
type RequestCounter struct {
	mu      sync.RWMutex
	current *requestGeneration
}

func NewRequestCounter() *RequestCounter {
	return &RequestCounter{current: &requestGeneration{}}
}

// Record counts one request. Negative sizes are treated as unknown.
func (c *RequestCounter) Record(consumer, method, path string, statusCode int, durationMs float64, requestSize, responseSize int64) {
	key := MetricKey{
		Consumer:   consumer,
		Method:     strings.ToUpper(method),
		Path:       path,
		StatusCode: statusCode,
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	value, ok := c.current.metrics.Load(key)
	if !ok {
		value, _ = c.current.metrics.LoadOrStore(key, &requestMetric{
			responseTimes: make(map[int64]int64),
			requestSizes:  make(map[int64]int64),
			responseSizes: make(map[int64]int64),
		})
	}
	m := value.(*requestMetric)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.count++
	m.responseTimes[responseTimeBucket(durationMs)]++
	if requestSize >= 0 {
		m.requestSizeSum += requestSize
		m.requestSizes[sizeBucket(requestSize)]++
	}
	if responseSize >= 0 {
		m.responseSizeSum += responseSize
		m.responseSizes[sizeBucket(responseSize)]++
	}
}

// Drain returns all aggregates recorded since the previous Drain and resets.
func (c *RequestCounter) Drain() []model.Requests {
	c.mu.Lock()
	old := c.current
	c.current = &requestGeneration{}
	c.mu.Unlock()

	out := make([]model.Requests, 0)
	old.metrics.Range(func(k, v any) bool {
		key := k.(MetricKey)
		m := v.(*requestMetric)
		out = append(out, model.Requests{
			Consumer:        key.Consumer,
			Method:          key.Method,
			Path:            key.Path,
			StatusCode:      key.StatusCode,
			RequestCount:    m.count,
			RequestSizeSum:  m.requestSizeSum,
			ResponseSizeSum: m.responseSizeSum,
			ResponseTimes:   m.responseTimes,
			RequestSizes:    m.requestSizes,
			ResponseSizes:   m.responseSizes,
		})
		return true
	})
	return out
}

// responseTimeBucket floors milliseconds to the nearest 10.
func responseTimeBucket(durationMs float64) int64 {
	if durationMs < 0 {
		durationMs = 0
	}
	return int64(durationMs/10) * 10
}

// sizeBucket floors bytes to whole kilobytes (1000 bytes).
func sizeBucket(size int64) int64 {
	return size / 1000
}
