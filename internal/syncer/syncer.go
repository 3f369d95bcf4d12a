// Package syncer runs the background schedule that drains the aggregators
// and ships their contents to the hub.
package syncer

import (
	"context"
	"io"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apitally/apitally-go/internal/hub"
	"github.com/apitally/apitally-go/internal/model"
	"github.com/apitally/apitally-go/internal/requestlog"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultInitialInterval = 10 * time.Second
	DefaultInterval        = 60 * time.Second
	DefaultInitialPeriod   = time.Hour
	DefaultMaxPayloadAge   = time.Hour
	DefaultQuotaCooldown   = time.Hour
	DefaultMaxFilesPerTick = 10
)

// Hub is the transport used by the sync client.
type Hub interface {
	SendStartup(ctx context.Context, payload *model.StartupPayload) hub.Status
	SendSync(ctx context.Context, payload *model.SyncPayload) hub.Status
	SendLog(ctx context.Context, fileUUID uuid.UUID, open func() (io.ReadCloser, error)) hub.Status
}

type RequestSource interface {
	Drain() []model.Requests
}

type ValidationErrorSource interface {
	Drain() []model.ValidationErrors
}

type ServerErrorSource interface {
	Drain() []model.ServerErrors
}

type ConsumerSource interface {
	Drain() []model.Consumer
}

type ResourceSource interface {
	Sample(ctx context.Context) *model.ResourceUsage
}

// Options wire the sync client. Zero durations take the defaults above.
type Options struct {
	InstanceUUID uuid.UUID
	Hub          Hub

	Requests         RequestSource
	ValidationErrors ValidationErrorSource
	ServerErrors     ServerErrorSource
	Consumers        ConsumerSource
	Resources        ResourceSource
	RequestLogger    *requestlog.Logger

	InitialInterval time.Duration
	Interval        time.Duration
	InitialPeriod   time.Duration
	MaxPayloadAge   time.Duration
	QuotaCooldown   time.Duration
	MaxFilesPerTick int

	// ItemDelay returns the pause between consecutive items sent in one
	// tick. Defaults to a random 100-500ms.
	ItemDelay func() time.Duration
	// OnDisable is called once when the hub reports an invalid client id.
	OnDisable func()

	Logger *zap.Logger
	Now    func() time.Time
}

func randomItemDelay() time.Duration {
	return 100*time.Millisecond + rand.N(400*time.Millisecond)
}

// Client owns the sync schedule and the payload queue.
type Client struct {
	opts   Options
	logger *zap.Logger

	enabled atomic.Bool
	started atomic.Bool

	startupMu   sync.Mutex
	startup     *model.StartupPayload
	startupSent bool

	tickMu sync.Mutex
	queue  []*model.SyncPayload

	startOnce    sync.Once
	shutdownOnce sync.Once
	stopLoop     context.CancelFunc
	abandon      context.CancelFunc
	workCtx      context.Context
	group        *errgroup.Group
}

func New(opts Options) *Client {
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = DefaultInitialInterval
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.InitialPeriod <= 0 {
		opts.InitialPeriod = DefaultInitialPeriod
	}
	if opts.MaxPayloadAge <= 0 {
		opts.MaxPayloadAge = DefaultMaxPayloadAge
	}
	if opts.QuotaCooldown <= 0 {
		opts.QuotaCooldown = DefaultQuotaCooldown
	}
	if opts.MaxFilesPerTick <= 0 {
		opts.MaxFilesPerTick = DefaultMaxFilesPerTick
	}
	if opts.ItemDelay == nil {
		opts.ItemDelay = randomItemDelay
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	c := &Client{opts: opts, logger: opts.Logger}
	c.enabled.Store(true)
	return c
}

// Enabled is false once the hub has rejected the client id.
func (c *Client) Enabled() bool { return c.enabled.Load() }

// QueuedPayloads returns the number of sync payloads awaiting delivery.
func (c *Client) QueuedPayloads() int {
	c.tickMu.Lock()
	defer c.tickMu.Unlock()
	return len(c.queue)
}

// SetStartupData replaces the startup payload; it is sent on the next tick.
func (c *Client) SetStartupData(paths []model.PathItem, versions map[string]string, client string) {
	if paths == nil {
		paths = []model.PathItem{}
	}
	if versions == nil {
		versions = map[string]string{}
	}
	c.startupMu.Lock()
	defer c.startupMu.Unlock()
	c.startup = &model.StartupPayload{
		InstanceUUID: c.opts.InstanceUUID,
		MessageUUID:  uuid.New(),
		Paths:        paths,
		Versions:     versions,
		Client:       client,
	}
	c.startupSent = false
}

// StartupPending reports whether startup data still awaits acknowledgement.
func (c *Client) StartupPending() bool {
	c.startupMu.Lock()
	defer c.startupMu.Unlock()
	return c.startup != nil && !c.startupSent
}

// Start launches the sync loop and request log maintenance. Ticks keep
// running after ctx is cancelled until Shutdown returns.
func (c *Client) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		loopCtx, stopLoop := context.WithCancel(ctx)
		workCtx, abandon := context.WithCancel(context.WithoutCancel(ctx))
		c.stopLoop, c.abandon, c.workCtx = stopLoop, abandon, workCtx

		group, groupCtx := errgroup.WithContext(loopCtx)
		c.group = group
		c.started.Store(true)

		group.Go(func() error {
			return c.run(groupCtx, workCtx)
		})
		if rl := c.opts.RequestLogger; rl != nil {
			group.Go(func() error {
				return rl.Run(groupCtx)
			})
		}
	})
}

func (c *Client) run(loopCtx, workCtx context.Context) error {
	c.Tick(workCtx)

	ticker := time.NewTicker(c.opts.InitialInterval)
	defer ticker.Stop()
	warmup := time.NewTimer(c.opts.InitialPeriod)
	defer warmup.Stop()

	for {
		select {
		case <-loopCtx.Done():
			return nil
		case <-warmup.C:
			ticker.Reset(c.opts.Interval)
		case <-ticker.C:
			if loopCtx.Err() != nil || !c.enabled.Load() {
				return nil
			}
			c.Tick(workCtx)
		}
	}
}

// Tick performs one sync cycle: startup data, sync payloads, log files.
func (c *Client) Tick(ctx context.Context) {
	c.tickMu.Lock()
	defer c.tickMu.Unlock()

	if !c.enabled.Load() {
		return
	}
	c.sendStartupData(ctx)
	if !c.enabled.Load() {
		return
	}
	c.sendSyncData(ctx)
	if !c.enabled.Load() {
		return
	}
	c.sendLogData(ctx)
}

func (c *Client) sendStartupData(ctx context.Context) {
	c.startupMu.Lock()
	payload, sent := c.startup, c.startupSent
	c.startupMu.Unlock()
	if payload == nil || sent {
		return
	}

	status := c.opts.Hub.SendStartup(ctx, payload)

	c.startupMu.Lock()
	defer c.startupMu.Unlock()
	if c.startup != payload {
		return
	}
	switch status {
	case hub.StatusOK:
		c.startupSent = true
		c.startup = nil
	case hub.StatusValidationError:
		c.startup = nil
	case hub.StatusInvalidClientID:
		c.disableLocked()
	}
}

func (c *Client) collect(ctx context.Context) *model.SyncPayload {
	payload := model.NewSyncPayload(c.opts.InstanceUUID, c.opts.Now())
	if c.opts.Requests != nil {
		if v := c.opts.Requests.Drain(); v != nil {
			payload.Requests = v
		}
	}
	if c.opts.ValidationErrors != nil {
		if v := c.opts.ValidationErrors.Drain(); v != nil {
			payload.ValidationErrors = v
		}
	}
	if c.opts.ServerErrors != nil {
		if v := c.opts.ServerErrors.Drain(); v != nil {
			payload.ServerErrors = v
		}
	}
	if c.opts.Consumers != nil {
		if v := c.opts.Consumers.Drain(); v != nil {
			payload.Consumers = v
		}
	}
	if c.opts.Resources != nil {
		payload.Resources = c.opts.Resources.Sample(ctx)
	}
	return payload
}

func (c *Client) sendSyncData(ctx context.Context) {
	c.queue = append(c.queue, c.collect(ctx))

	sent := 0
	for len(c.queue) > 0 {
		payload := c.queue[0]
		c.queue = c.queue[1:]

		if age := payload.Age(c.opts.Now()); age > c.opts.MaxPayloadAge {
			c.logger.Debug("discarding stale sync payload",
				zap.String("message_uuid", payload.MessageUUID.String()),
				zap.Duration("age", age))
			continue
		}
		if sent > 0 && !c.pause(ctx) {
			c.queue = append([]*model.SyncPayload{payload}, c.queue...)
			return
		}

		switch c.opts.Hub.SendSync(ctx, payload) {
		case hub.StatusRetryableError:
			c.queue = append([]*model.SyncPayload{payload}, c.queue...)
			return
		case hub.StatusInvalidClientID:
			c.disableLocked()
			return
		}
		sent++
	}
}

func (c *Client) sendLogData(ctx context.Context) {
	rl := c.opts.RequestLogger
	if rl == nil {
		return
	}
	rl.Rotate()

	for i := 0; i < c.opts.MaxFilesPerTick; i++ {
		file := rl.NextFile()
		if file == nil {
			return
		}
		if i > 0 && !c.pause(ctx) {
			rl.RetryFileLater(file)
			return
		}

		switch c.opts.Hub.SendLog(ctx, file.UUID(), file.Open) {
		case hub.StatusPaymentRequired:
			c.deleteFile(file)
			rl.Clear()
			rl.SuspendUntil(c.opts.Now().Add(c.opts.QuotaCooldown))
			c.logger.Warn("request logging suspended, quota exceeded", zap.Duration("cooldown", c.opts.QuotaCooldown))
			return
		case hub.StatusRetryableError:
			rl.RetryFileLater(file)
			return
		case hub.StatusInvalidClientID:
			c.deleteFile(file)
			c.disableLocked()
			return
		default:
			c.deleteFile(file)
		}
	}
}

func (c *Client) deleteFile(file *requestlog.BatchFile) {
	if err := file.Delete(); err != nil {
		c.logger.Warn("failed to delete batch file", zap.Error(err), zap.String("file", file.Path()))
	}
}

func (c *Client) pause(ctx context.Context) bool {
	delay := c.opts.ItemDelay()
	if delay <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// disableLocked stops everything after the hub rejected the client id.
// Callers hold tickMu.
func (c *Client) disableLocked() {
	if !c.enabled.CompareAndSwap(true, false) {
		return
	}
	c.logger.Error("disabling sync, hub rejected client id")
	if c.stopLoop != nil {
		c.stopLoop()
	}
	if rl := c.opts.RequestLogger; rl != nil {
		rl.Close()
	}
	c.queue = nil
	if c.opts.OnDisable != nil {
		c.opts.OnDisable()
	}
}

// Shutdown stops the schedule, waits for a running tick, performs a final
// tick and returns. Work still running when ctx expires is abandoned.
func (c *Client) Shutdown(ctx context.Context) error {
	var err error
	c.shutdownOnce.Do(func() {
		if !c.started.Load() {
			return
		}
		c.stopLoop()

		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = c.group.Wait()
			if rl := c.opts.RequestLogger; rl != nil {
				_ = rl.Flush()
			}
			c.Tick(c.workCtx)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			c.logger.Warn("sync shutdown timed out, abandoning in-flight work")
			err = ctx.Err()
		}
		c.abandon()
	})
	return err
}
