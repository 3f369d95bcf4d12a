package syncer

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/apitally/apitally-go/internal/config"
	"github.com/apitally/apitally-go/internal/consumer"
	"github.com/apitally/apitally-go/internal/counter"
	"github.com/apitally/apitally-go/internal/hub"
	"github.com/apitally/apitally-go/internal/model"
	"github.com/apitally/apitally-go/internal/requestlog"
	"github.com/google/uuid"
)

type fakeHub struct {
	mu sync.Mutex

	startupStatus hub.Status
	syncStatuses  []hub.Status
	logStatuses   []hub.Status

	startups []*model.StartupPayload
	syncs    []*model.SyncPayload
	logs     []uuid.UUID
	logBytes []int
}

func (f *fakeHub) SendStartup(_ context.Context, p *model.StartupPayload) hub.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startups = append(f.startups, p)
	return f.startupStatus
}

func (f *fakeHub) SendSync(_ context.Context, p *model.SyncPayload) hub.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncs = append(f.syncs, p)
	if len(f.syncStatuses) == 0 {
		return hub.StatusOK
	}
	status := f.syncStatuses[0]
	f.syncStatuses = f.syncStatuses[1:]
	return status
}

func (f *fakeHub) SendLog(_ context.Context, id uuid.UUID, open func() (io.ReadCloser, error)) hub.Status {
	r, err := open()
	if err != nil {
		return hub.StatusValidationError
	}
	b, _ := io.ReadAll(r)
	r.Close()

	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, id)
	f.logBytes = append(f.logBytes, len(b))
	if len(f.logStatuses) == 0 {
		return hub.StatusOK
	}
	status := f.logStatuses[0]
	f.logStatuses = f.logStatuses[1:]
	return status
}

func (f *fakeHub) syncCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.syncs)
}

type fixture struct {
	hub       *fakeHub
	requests  *counter.RequestCounter
	consumers *consumer.Registry
	logger    *requestlog.Logger
	now       time.Time
	client    *Client
}

func newFixture(t *testing.T, withLogger bool, tweak func(*Options)) *fixture {
	t.Helper()
	f := &fixture{
		hub:       &fakeHub{},
		requests:  counter.NewRequestCounter(),
		consumers: consumer.NewRegistry(),
		now:       time.Unix(1700000000, 0),
	}
	opts := Options{
		InstanceUUID:     uuid.New(),
		Hub:              f.hub,
		Requests:         f.requests,
		ValidationErrors: counter.NewValidationErrorCounter(),
		ServerErrors:     counter.NewServerErrorCounter(),
		Consumers:        f.consumers,
		ItemDelay:        func() time.Duration { return 0 },
		Now:              func() time.Time { return f.now },
	}
	if withLogger {
		l, err := requestlog.New(requestlog.Options{
			Config: config.RequestLogging{Enabled: true, IncludeQueryParams: true},
			Dir:    t.TempDir(),
			Now:    func() time.Time { return f.now },
		})
		if err != nil {
			t.Fatalf("new request logger: %v", err)
		}
		t.Cleanup(l.Close)
		f.logger = l
		opts.RequestLogger = l
	}
	if tweak != nil {
		tweak(&opts)
	}
	f.client = New(opts)
	return f
}

func (f *fixture) writeLogFile(t *testing.T) {
	t.Helper()
	f.logger.Append(&model.LogItem{
		Request:  model.LogRequest{Method: "GET", Path: "/items", URL: "https://api.example.com/items"},
		Response: model.LogResponse{StatusCode: 200, ResponseTime: 0.01},
	})
	if err := f.logger.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	f.logger.Rotate()
}

func TestTickSendsDrainedPayload(t *testing.T) {
	f := newFixture(t, false, nil)
	f.requests.Record("", "get", "/items", 200, 12, -1, 100)
	f.consumers.Upsert(consumer.New("c1", "Consumer 1", ""))

	f.client.Tick(context.Background())

	if len(f.hub.syncs) != 1 {
		t.Fatalf("expected 1 sync, got %d", len(f.hub.syncs))
	}
	p := f.hub.syncs[0]
	if len(p.Requests) != 1 || p.Requests[0].Method != "GET" || len(p.Consumers) != 1 {
		t.Fatalf("unexpected payload: %+v", p)
	}
	if p.ValidationErrors == nil || p.ServerErrors == nil {
		t.Fatal("expected empty arrays rather than nil")
	}

	f.client.Tick(context.Background())
	if len(f.hub.syncs) != 2 || len(f.hub.syncs[1].Requests) != 0 {
		t.Fatal("expected second payload to be empty")
	}
	if f.client.QueuedPayloads() != 0 {
		t.Fatal("expected empty queue")
	}
}

func TestStartupDataLifecycle(t *testing.T) {
	cases := []struct {
		status      hub.Status
		wantPending bool
	}{
		{status: hub.StatusOK, wantPending: false},
		{status: hub.StatusValidationError, wantPending: false},
		{status: hub.StatusRetryableError, wantPending: true},
	}
	for _, tc := range cases {
		t.Run(tc.status.String(), func(t *testing.T) {
			f := newFixture(t, false, nil)
			f.hub.startupStatus = tc.status
			f.client.SetStartupData([]model.PathItem{{Method: "GET", Path: "/items"}}, map[string]string{"go": "1.25"}, "go:chi")

			f.client.Tick(context.Background())
			f.client.Tick(context.Background())

			if got := f.client.StartupPending(); got != tc.wantPending {
				t.Fatalf("expected pending=%v, got %v", tc.wantPending, got)
			}
			wantCalls := 1
			if tc.wantPending {
				wantCalls = 2
			}
			if len(f.hub.startups) != wantCalls {
				t.Fatalf("expected %d startup calls, got %d", wantCalls, len(f.hub.startups))
			}
			if f.hub.startups[0].Client != "go:chi" || f.hub.startups[0].Paths[0].Path != "/items" {
				t.Fatalf("unexpected startup payload: %+v", f.hub.startups[0])
			}
		})
	}
}

func TestRetryableSyncIsRequeuedInOrder(t *testing.T) {
	f := newFixture(t, false, nil)
	f.hub.syncStatuses = []hub.Status{hub.StatusRetryableError}

	f.client.Tick(context.Background())
	if f.client.QueuedPayloads() != 1 {
		t.Fatalf("expected 1 queued payload, got %d", f.client.QueuedPayloads())
	}
	first := f.hub.syncs[0]

	f.now = f.now.Add(10 * time.Second)
	f.client.Tick(context.Background())
	if len(f.hub.syncs) != 3 {
		t.Fatalf("expected 3 sync calls, got %d", len(f.hub.syncs))
	}
	if f.hub.syncs[1] != first {
		t.Fatal("expected requeued payload to be sent first")
	}
	if f.client.QueuedPayloads() != 0 {
		t.Fatal("expected empty queue")
	}
}

func TestStalePayloadIsDiscarded(t *testing.T) {
	f := newFixture(t, false, nil)
	f.hub.syncStatuses = []hub.Status{hub.StatusRetryableError}
	f.client.Tick(context.Background())

	f.now = f.now.Add(2 * time.Hour)
	f.client.Tick(context.Background())

	if len(f.hub.syncs) != 2 {
		t.Fatalf("expected stale payload to be skipped, got %d calls", len(f.hub.syncs))
	}
	if f.hub.syncs[1] == f.hub.syncs[0] {
		t.Fatal("expected fresh payload on second tick")
	}
}

func TestValidationErrorDropsPayloadOnly(t *testing.T) {
	f := newFixture(t, false, nil)
	f.hub.syncStatuses = []hub.Status{hub.StatusValidationError}

	f.client.Tick(context.Background())
	f.client.Tick(context.Background())

	if !f.client.Enabled() || f.client.QueuedPayloads() != 0 || len(f.hub.syncs) != 2 {
		t.Fatalf("expected payload dropped and schedule unaffected (calls=%d)", len(f.hub.syncs))
	}
}

func TestInvalidClientIDDisablesEverything(t *testing.T) {
	disabled := 0
	f := newFixture(t, true, func(o *Options) {
		o.OnDisable = func() { disabled++ }
	})
	f.hub.syncStatuses = []hub.Status{hub.StatusInvalidClientID}
	f.writeLogFile(t)

	f.client.Tick(context.Background())
	f.client.Tick(context.Background())

	if f.client.Enabled() {
		t.Fatal("expected client to be disabled")
	}
	if disabled != 1 {
		t.Fatalf("expected OnDisable once, got %d", disabled)
	}
	if len(f.hub.syncs) != 1 || len(f.hub.logs) != 0 {
		t.Fatalf("expected no further hub calls, got %d syncs and %d logs", len(f.hub.syncs), len(f.hub.logs))
	}
	if f.logger.Enabled() || f.logger.ReadyFiles() != 0 {
		t.Fatal("expected request logger closed")
	}
}

func TestLogFilesAreShippedAndDeleted(t *testing.T) {
	f := newFixture(t, true, nil)
	f.writeLogFile(t)
	f.writeLogFile(t)

	f.client.Tick(context.Background())

	if len(f.hub.logs) != 2 || f.hub.logBytes[0] == 0 {
		t.Fatalf("expected 2 non-empty log uploads, got %v", f.hub.logBytes)
	}
	if f.logger.ReadyFiles() != 0 {
		t.Fatal("expected shipped files to be removed")
	}
}

func TestLogShippingCapsFilesPerTick(t *testing.T) {
	f := newFixture(t, true, func(o *Options) { o.MaxFilesPerTick = 3 })
	for i := 0; i < 5; i++ {
		f.writeLogFile(t)
	}

	f.client.Tick(context.Background())
	if len(f.hub.logs) != 3 || f.logger.ReadyFiles() != 2 {
		t.Fatalf("expected 3 uploads and 2 remaining, got %d and %d", len(f.hub.logs), f.logger.ReadyFiles())
	}
}

func TestLogShippingRetryableKeepsFile(t *testing.T) {
	f := newFixture(t, true, nil)
	f.hub.logStatuses = []hub.Status{hub.StatusRetryableError}
	f.writeLogFile(t)
	f.writeLogFile(t)

	f.client.Tick(context.Background())
	if len(f.hub.logs) != 1 || f.logger.ReadyFiles() != 2 {
		t.Fatalf("expected one attempt and both files kept, got %d and %d", len(f.hub.logs), f.logger.ReadyFiles())
	}

	f.client.Tick(context.Background())
	if f.hub.logs[1] != f.hub.logs[0] {
		t.Fatal("expected retried file to be sent first")
	}
	if f.logger.ReadyFiles() != 0 {
		t.Fatal("expected files shipped on second tick")
	}
}

func TestLogShippingQuotaSuspendsLogger(t *testing.T) {
	f := newFixture(t, true, nil)
	f.hub.logStatuses = []hub.Status{hub.StatusPaymentRequired}
	f.writeLogFile(t)
	f.writeLogFile(t)

	f.client.Tick(context.Background())

	if len(f.hub.logs) != 1 {
		t.Fatalf("expected a single attempt, got %d", len(f.hub.logs))
	}
	if f.logger.ReadyFiles() != 0 || !f.logger.Suspended() {
		t.Fatal("expected logger cleared and suspended")
	}
	f.now = f.now.Add(DefaultQuotaCooldown + time.Second)
	if f.logger.Suspended() {
		t.Fatal("expected suspension to expire after cooldown")
	}
}

func TestStartAndShutdown(t *testing.T) {
	f := newFixture(t, true, func(o *Options) {
		o.InitialInterval = 5 * time.Millisecond
		o.InitialPeriod = 30 * time.Millisecond
		o.Interval = time.Hour
		o.Now = time.Now
	})

	f.client.Start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for f.hub.syncCount() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if f.hub.syncCount() < 3 {
		t.Fatalf("expected warm-up ticks, got %d", f.hub.syncCount())
	}

	time.Sleep(60 * time.Millisecond)
	settled := f.hub.syncCount()
	time.Sleep(60 * time.Millisecond)
	if got := f.hub.syncCount(); got != settled {
		t.Fatalf("expected steady interval to take over, ticks went %d -> %d", settled, got)
	}

	f.logger.Append(&model.LogItem{
		Request:  model.LogRequest{Method: "GET", Path: "/final", URL: "https://api.example.com/final"},
		Response: model.LogResponse{StatusCode: 200},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.client.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if got := f.hub.syncCount(); got != settled+1 {
		t.Fatalf("expected one final sync, got %d -> %d", settled, got)
	}
	f.hub.mu.Lock()
	logs := len(f.hub.logs)
	f.hub.mu.Unlock()
	if logs != 1 {
		t.Fatalf("expected pending log item shipped on shutdown, got %d uploads", logs)
	}

	time.Sleep(20 * time.Millisecond)
	if got := f.hub.syncCount(); got != settled+1 {
		t.Fatal("expected no ticks after shutdown")
	}
}

func TestShutdownWithoutStartIsNoop(t *testing.T) {
	f := newFixture(t, false, nil)
	if err := f.client.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if len(f.hub.syncs) != 0 {
		t.Fatal("expected no sync without start")
	}
}
