package model

import (
	"time"

	"github.com/google/uuid"
)

// Requests is the drained aggregate for one (consumer, method, path, status) key.
type Requests struct {
	Consumer        string          `json:"consumer,omitempty"`
	Method          string          `json:"method"`
	Path            string          `json:"path"`
	StatusCode      int             `json:"status_code"`
	RequestCount    int64           `json:"request_count"`
	RequestSizeSum  int64           `json:"request_size_sum"`
	ResponseSizeSum int64           `json:"response_size_sum"`
	ResponseTimes   map[int64]int64 `json:"response_times"`
	RequestSizes    map[int64]int64 `json:"request_sizes"`
	ResponseSizes   map[int64]int64 `json:"response_sizes"`
}

// ServerErrors is one deduplicated server error with its occurrence count.
type ServerErrors struct {
	Consumer   string `json:"consumer,omitempty"`
	Method     string `json:"method"`
	Path       string `json:"path"`
	Type       string `json:"type"`
	Message    string `json:"msg"`
	Traceback  string `json:"traceback"`
	ErrorCount int64  `json:"error_count"`
}

// ValidationErrors is one deduplicated validation error with its occurrence count.
type ValidationErrors struct {
	Consumer   string   `json:"consumer,omitempty"`
	Method     string   `json:"method"`
	Path       string   `json:"path"`
	Loc        []string `json:"loc"`
	Message    string   `json:"msg"`
	Type       string   `json:"type"`
	ErrorCount int64    `json:"error_count"`
}

// Consumer identifies an API caller. Empty Name or Group means unset.
type Consumer struct {
	Identifier string `json:"identifier"`
	Name       string `json:"name,omitempty"`
	Group      string `json:"group,omitempty"`
}

// ResourceUsage is a process CPU and memory sample.
type ResourceUsage struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemoryRSS  int64   `json:"memory_rss"`
}

// SyncPayload is the body of one POST /sync call.
type SyncPayload struct {
	Timestamp        float64            `json:"timestamp"`
	InstanceUUID     uuid.UUID          `json:"instance_uuid"`
	MessageUUID      uuid.UUID          `json:"message_uuid"`
	Requests         []Requests         `json:"requests"`
	ValidationErrors []ValidationErrors `json:"validation_errors"`
	ServerErrors     []ServerErrors     `json:"server_errors"`
	Consumers        []Consumer         `json:"consumers"`
	Resources        *ResourceUsage     `json:"resources,omitempty"`

	createdAt time.Time
}

// NewSyncPayload stamps a payload with a fresh message id and creation time.
func NewSyncPayload(instanceUUID uuid.UUID, createdAt time.Time) *SyncPayload {
	return &SyncPayload{
		Timestamp:        UnixSeconds(createdAt),
		InstanceUUID:     instanceUUID,
		MessageUUID:      uuid.New(),
		Requests:         []Requests{},
		ValidationErrors: []ValidationErrors{},
		ServerErrors:     []ServerErrors{},
		Consumers:        []Consumer{},
		createdAt:        createdAt,
	}
}

// Age reports how long ago the payload was created.
func (p *SyncPayload) Age(now time.Time) time.Duration {
	return now.Sub(p.createdAt)
}

// PathItem is one route exposed by the monitored application.
type PathItem struct {
	Method string `json:"method"`
	Path   string `json:"path"`
}

// StartupPayload is the body of POST /startup.
type StartupPayload struct {
	InstanceUUID uuid.UUID         `json:"instance_uuid"`
	MessageUUID  uuid.UUID         `json:"message_uuid"`
	Paths        []PathItem        `json:"paths"`
	Versions     map[string]string `json:"versions"`
	Client       string            `json:"client"`
}

// UnixSeconds converts t to fractional seconds since the epoch.
func UnixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
