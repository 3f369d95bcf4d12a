// Package hub implements the HTTP protocol towards the Apitally hub.
package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/apitally/apitally-go/internal/model"
	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const DefaultTimeout = 10 * time.Second

// RetryPolicy controls retries of a single hub call.
type RetryPolicy struct {
	MaxTries            uint
	InitialInterval     time.Duration
	Multiplier          float64
	MaxInterval         time.Duration
	RandomizationFactor float64
}

// DefaultRetryPolicy makes 3 attempts, waiting 1s then 2s, capped at 4s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxTries:            3,
		InitialInterval:     time.Second,
		Multiplier:          2,
		MaxInterval:         4 * time.Second,
		RandomizationFactor: 0,
	}
}

func (p RetryPolicy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.Multiplier = p.Multiplier
	b.MaxInterval = p.MaxInterval
	b.RandomizationFactor = p.RandomizationFactor
	return b
}

// Options configure a Client.
type Options struct {
	BaseURL    string
	ClientID   string
	Env        string
	HTTPClient *http.Client
	Timeout    time.Duration
	Retry      RetryPolicy
	Logger     *zap.Logger
	Registerer prometheus.Registerer
}

// Client sends startup, sync and log data to the hub.
type Client struct {
	baseURL  string
	clientID string
	env      string
	http     *http.Client
	timeout  time.Duration
	retry    RetryPolicy
	logger   *zap.Logger
	metrics  *metrics
}

func New(opts Options) *Client {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Retry.MaxTries == 0 {
		opts.Retry = DefaultRetryPolicy()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Client{
		baseURL:  strings.TrimRight(opts.BaseURL, "/"),
		clientID: opts.ClientID,
		env:      opts.Env,
		http:     opts.HTTPClient,
		timeout:  opts.Timeout,
		retry:    opts.Retry,
		logger:   opts.Logger,
		metrics:  newMetrics(opts.Registerer),
	}
}

// URL builds the endpoint URL for this client id and environment.
func (c *Client) URL(endpoint string, query url.Values) string {
	u := fmt.Sprintf("%s/v2/%s/%s/%s", c.baseURL, url.PathEscape(c.clientID), url.PathEscape(c.env), endpoint)
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// SendStartup posts the startup payload.
func (c *Client) SendStartup(ctx context.Context, payload *model.StartupPayload) Status {
	return c.postJSON(ctx, "startup", payload)
}

// SendSync posts one sync payload.
func (c *Client) SendSync(ctx context.Context, payload *model.SyncPayload) Status {
	return c.postJSON(ctx, "sync", payload)
}

// SendLog streams one gzip batch file. open is called once per attempt.
func (c *Client) SendLog(ctx context.Context, fileUUID uuid.UUID, open func() (io.ReadCloser, error)) Status {
	target := c.URL("log", url.Values{"uuid": []string{fileUUID.String()}})
	return c.send(ctx, "log", func(ctx context.Context) (*http.Request, error) {
		body, err := open()
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("%w: open batch file: %v", ErrValidation, err))
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, body)
		if err != nil {
			body.Close()
			return nil, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/octet-stream")
		return req, nil
	})
}

func (c *Client) postJSON(ctx context.Context, endpoint string, payload any) Status {
	body, err := json.Marshal(payload)
	if err != nil {
		c.logger.Error("failed to encode hub payload", zap.String("endpoint", endpoint), zap.Error(err))
		return StatusValidationError
	}
	target := c.URL(endpoint, nil)
	return c.send(ctx, endpoint, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
}

func (c *Client) send(ctx context.Context, endpoint string, build func(context.Context) (*http.Request, error)) Status {
	start := time.Now()
	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		return struct{}{}, c.attempt(ctx, endpoint, build)
	},
		backoff.WithBackOff(c.retry.backOff()),
		backoff.WithMaxTries(c.retry.MaxTries),
		backoff.WithNotify(func(err error, wait time.Duration) {
			c.logger.Debug("retrying hub request",
				zap.String("endpoint", endpoint),
				zap.Int("attempt", attempt),
				zap.Duration("wait", wait),
				zap.Error(err))
		}),
	)

	status := statusFromError(err)
	c.metrics.requestTotal.WithLabelValues(endpoint, status.String()).Inc()
	c.metrics.requestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())

	switch status {
	case StatusOK:
	case StatusInvalidClientID:
		c.logger.Error("invalid Apitally client id", zap.String("client_id", c.clientID))
	case StatusValidationError:
		c.logger.Error("hub rejected payload", zap.String("endpoint", endpoint), zap.Error(err))
	case StatusPaymentRequired:
		c.logger.Warn("hub quota exceeded", zap.String("endpoint", endpoint))
	default:
		c.logger.Warn("hub request failed", zap.String("endpoint", endpoint), zap.Int("attempts", attempt), zap.Error(err))
	}
	return status
}

func (c *Client) attempt(ctx context.Context, endpoint string, build func(context.Context) (*http.Request, error)) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := build(ctx)
	if err != nil {
		return err
	}
	c.logger.Debug("sending hub request", zap.String("endpoint", endpoint), zap.String("url", req.URL.String()))

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRetryable, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	switch code := resp.StatusCode; {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusPaymentRequired:
		return backoff.Permanent(ErrPaymentRequired)
	case code == http.StatusNotFound:
		return backoff.Permanent(ErrInvalidClientID)
	case code == http.StatusUnprocessableEntity:
		return backoff.Permanent(fmt.Errorf("%w: %s", ErrValidation, strings.TrimSpace(string(body))))
	default:
		return fmt.Errorf("%w: status %d", ErrRetryable, code)
	}
}
