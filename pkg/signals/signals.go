package signals

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// Handler cancels a context on SIGINT or SIGTERM and runs a reload callback
// on SIGHUP.
type Handler struct {
	cancel       context.CancelFunc
	shutdownOnce sync.Once
	reload       func()
	stopped      chan struct{}
}

// WithShutdown returns a context that is cancelled on the first SIGINT or
// SIGTERM, or when Trigger is called. reload may be nil.
func WithShutdown(parent context.Context, reload func()) (context.Context, *Handler) {
	ctx, cancel := context.WithCancel(parent)
	h := &Handler{cancel: cancel, reload: reload, stopped: make(chan struct{})}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	go func() {
		defer close(h.stopped)
		defer signal.Stop(sigCh)
		for {
			select {
			case sig := <-sigCh:
				h.handle(sig)
			case <-ctx.Done():
				slog.Debug("Signal handler context done, stopping listener.")
				return
			}
		}
	}()
	return ctx, h
}

func (h *Handler) handle(sig os.Signal) {
	if sig == syscall.SIGHUP {
		if h.reload == nil {
			slog.Debug("Ignoring SIGHUP, nothing to reload")
			return
		}
		slog.Info("Received SIGHUP, reloading")
		h.reload()
		return
	}
	slog.Info("Received signal, initiating shutdown...", "signal", sig)
	h.Trigger()
}

// Stopped is closed once the listener has unregistered from signal delivery.
func (h *Handler) Stopped() <-chan struct{} {
	return h.stopped
}

// Trigger cancels the context. Only the first call has an effect.
func (h *Handler) Trigger() {
	h.shutdownOnce.Do(func() {
		slog.Info("Triggering application shutdown...")
		if h.cancel != nil {
			h.cancel()
		}
	})
}
