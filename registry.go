package apitally

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrIdentityMismatch is returned when a Registry already holds a client for
// a different client id or environment.
var ErrIdentityMismatch = errors.New("apitally: client already initialized with a different identity")

// Registry holds at most one Client per process for code paths that cannot
// have one injected.
type Registry struct {
	mu     sync.Mutex
	client *Client
}

// Get returns the registered client, creating it from cfg on first use.
// A later call with another client id or environment fails.
func (r *Registry) Get(cfg Config, opts ...Option) (*Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.client != nil {
		existing := r.client.cfg
		if existing.ClientID != cfg.ClientID || existing.Env != cfg.Env {
			return nil, fmt.Errorf("%w: have %s/%s, got %s/%s",
				ErrIdentityMismatch, existing.ClientID, existing.Env, cfg.ClientID, cfg.Env)
		}
		return r.client, nil
	}

	client, err := New(cfg, opts...)
	if err != nil {
		return nil, err
	}
	r.client = client
	return client, nil
}

// Current returns the registered client, or nil.
func (r *Registry) Current() *Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.client
}

// Reset shuts down and forgets the registered client.
func (r *Registry) Reset(ctx context.Context) error {
	r.mu.Lock()
	client := r.client
	r.client = nil
	r.mu.Unlock()

	if client == nil {
		return nil
	}
	return client.Shutdown(ctx)
}
