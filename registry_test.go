package apitally

import (
	"context"
	"errors"
	"testing"
)

func TestRegistryIdentityCheck(t *testing.T) {
	var reg Registry
	t.Cleanup(func() { _ = reg.Reset(context.Background()) })

	cfg := testConfig("http://127.0.0.1:0")
	opts := []Option{WithLockDir(t.TempDir()), WithBatchDir(t.TempDir())}

	first, err := reg.Get(cfg, opts...)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	again, err := reg.Get(cfg, opts...)
	if err != nil || again != first {
		t.Fatalf("expected the same client, got %p (%v)", again, err)
	}

	other := cfg
	other.Env = "prod"
	if _, err := reg.Get(other, opts...); !errors.Is(err, ErrIdentityMismatch) {
		t.Fatalf("expected ErrIdentityMismatch, got %v", err)
	}

	if err := reg.Reset(context.Background()); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if reg.Current() != nil {
		t.Fatal("expected empty registry after reset")
	}
	if _, err := reg.Get(other, opts...); err != nil {
		t.Fatalf("get after reset: %v", err)
	}
}
