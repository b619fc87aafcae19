package signals

import (
	"context"
	"sync/atomic"
	"syscall"
	"testing"
	"time"
)

func TestHandlerReloadAndShutdown(t *testing.T) {
	var reloads atomic.Int32
	ctx, h := WithShutdown(context.Background(), func() { reloads.Add(1) })

	h.handle(syscall.SIGHUP)
	if reloads.Load() != 1 {
		t.Fatalf("reloads = %d, want 1", reloads.Load())
	}
	if ctx.Err() != nil {
		t.Fatal("SIGHUP must not cancel the context")
	}

	h.handle(syscall.SIGTERM)
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("SIGTERM did not cancel the context")
	}
	h.Trigger()
}

func TestHandlerFollowsParent(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	ctx, h := WithShutdown(parent, nil)
	h.handle(syscall.SIGHUP)
	cancel()
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context not cancelled with its parent")
	}
}

func TestTriggerStopsListener(t *testing.T) {
	_, h := WithShutdown(context.Background(), nil)
	select {
	case <-h.Stopped():
		t.Fatal("listener stopped before Trigger")
	default:
	}
	h.Trigger()
	select {
	case <-h.Stopped():
	case <-time.After(time.Second):
		t.Fatal("listener still running after Trigger")
	}
}
