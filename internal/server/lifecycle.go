package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"
)

// lifecycleState names the phases of gateway shutdown (§5): a running
// gateway drains in-flight requests before its dependencies close.
type lifecycleState int32

const (
	stateRunning lifecycleState = iota
	stateDraining
	stateClosing
	stateClosed
)

// DrainGrace is the time the HTTP listener gives in-flight requests to
// finish once shutdown begins, per §5.
const DrainGrace = 25 * time.Second

// Lifecycle coordinates graceful shutdown across the HTTP listener and
// the gateway's background dependencies (bus subscription, store
// client, janitor), closing them in a fixed order only after the
// listener has drained.
type Lifecycle struct {
	state   atomic.Int32
	srv     *http.Server
	logger  *slog.Logger
	closers []namedCloser
}

type namedCloser struct {
	name  string
	close func() error
}

// NewLifecycle wraps srv. Dependencies to close after draining are
// registered with AddCloser, in the order they should be closed.
func NewLifecycle(srv *http.Server, logger *slog.Logger) *Lifecycle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lifecycle{srv: srv, logger: logger}
}

// AddCloser registers a dependency to close during Shutdown, in
// registration order, after the listener has drained.
func (l *Lifecycle) AddCloser(name string, close func() error) {
	l.closers = append(l.closers, namedCloser{name: name, close: close})
}

// State reports the current lifecycle phase.
func (l *Lifecycle) State() lifecycleState {
	return lifecycleState(l.state.Load())
}

// Shutdown drains the HTTP listener for up to DrainGrace, then closes
// every registered dependency in order. Only the first call has any
// effect; later calls return immediately.
func (l *Lifecycle) Shutdown(ctx context.Context) {
	if !l.state.CompareAndSwap(int32(stateRunning), int32(stateDraining)) {
		return
	}
	l.logger.Info("lifecycle: draining")

	drainCtx, cancel := context.WithTimeout(ctx, DrainGrace)
	defer cancel()
	if err := l.srv.Shutdown(drainCtx); err != nil {
		l.logger.Warn("lifecycle: listener did not drain within grace period", "error", err)
	}

	l.state.Store(int32(stateClosing))
	l.logger.Info("lifecycle: closing dependencies")
	for _, c := range l.closers {
		if err := c.close(); err != nil {
			l.logger.Error("lifecycle: closing dependency failed", "name", c.name, "error", err)
			continue
		}
		l.logger.Info("lifecycle: closed dependency", "name", c.name)
	}

	l.state.Store(int32(stateClosed))
	l.logger.Info("lifecycle: closed")
}
