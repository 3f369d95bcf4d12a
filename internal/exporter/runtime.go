package exporter

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// runtime is a diagnostics server shared by all exporter instances bound to
// the same address.
type runtime struct {
	logger *zap.Logger
	server *http.Server

	refs atomic.Int64

	startOnce sync.Once
	startErr  error

	shutdownOnce sync.Once
	shutdownErr  error
}

var (
	runtimesMu sync.Mutex
	runtimes   = make(map[string]*runtime)
)

func acquireRuntime(addr string, handler http.Handler, logger *zap.Logger) *runtime {
	runtimesMu.Lock()
	defer runtimesMu.Unlock()

	rt, ok := runtimes[addr]
	if !ok {
		rt = &runtime{
			logger: logger,
			server: &http.Server{
				Addr:              addr,
				Handler:           handler,
				ReadHeaderTimeout: 5 * time.Second,
			},
		}
		runtimes[addr] = rt
	}
	rt.refs.Add(1)
	return rt
}

func (r *runtime) start() error {
	r.startOnce.Do(func() {
		ln, err := net.Listen("tcp", r.server.Addr)
		if err != nil {
			r.startErr = err
			return
		}
		go func() {
			if err := r.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				r.logger.Error("diagnostics server failed", zap.Error(err), zap.String("addr", r.server.Addr))
			}
		}()
	})
	return r.startErr
}

func (r *runtime) release(ctx context.Context) error {
	if r.refs.Add(-1) > 0 {
		return nil
	}

	r.shutdownOnce.Do(func() {
		r.shutdownErr = r.server.Shutdown(ctx)
		runtimesMu.Lock()
		delete(runtimes, r.server.Addr)
		runtimesMu.Unlock()
	})

	return r.shutdownErr
}
