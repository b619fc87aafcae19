package pac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robertkrimen/otto"

	"github.com/yolkispalkis/proxyscout/pkg/common"
	"github.com/yolkispalkis/proxyscout/pkg/dnsutil"
)

const (
	DefaultExecutionTimeout = 5 * time.Second
	entryPoint              = "FindProxyForURL"
)

// EngineOptions configures an Engine. Zero values select the defaults.
type EngineOptions struct {
	Resolver      dnsutil.Resolver
	LookupTimeout time.Duration
	Timeout       time.Duration
	LocalIP       func() string
}

// Engine evaluates PAC scripts with the otto JavaScript runtime. It is safe
// for concurrent use; each call borrows a runtime from the snapshot's pool.
type Engine struct {
	host    *HostFunctions
	timeout time.Duration
}

type runtime struct {
	vm    *otto.Otto
	state *callState
}

type interrupted struct{ cause error }

func NewEngine(opts EngineOptions) *Engine {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultExecutionTimeout
	}
	return &Engine{
		host: &HostFunctions{
			Resolver:      opts.Resolver,
			LookupTimeout: opts.LookupTimeout,
			LocalIP:       opts.LocalIP,
		},
		timeout: timeout,
	}
}

func (e *Engine) newRuntime(script *Snapshot) (*runtime, error) {
	vm := otto.New()
	state := &callState{}
	if err := registerBuiltins(vm, e.host, state); err != nil {
		return nil, err
	}
	compiled, err := script.compile(vm)
	if err != nil {
		return nil, fmt.Errorf("failed to compile PAC script: %w", err)
	}
	if _, err := vm.Run(compiled); err != nil {
		return nil, fmt.Errorf("failed to load PAC script into JS VM: %w", err)
	}
	return &runtime{vm: vm, state: state}, nil
}

func (e *Engine) acquire(script *Snapshot) (*runtime, error) {
	if rt, ok := script.runtimes.Get().(*runtime); ok && rt != nil {
		return rt, nil
	}
	return e.newRuntime(script)
}

// Evaluate calls FindProxyForURL(url, host) and returns its result string.
// Failures are wrapped in common.ErrScriptEvaluation.
func (e *Engine) Evaluate(ctx context.Context, script *Snapshot, url, host string, now time.Time) (string, error) {
	if script == nil {
		return "", fmt.Errorf("%w: no script loaded", common.ErrScriptEvaluation)
	}
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %w", common.ErrScriptEvaluation, err)
	}

	rt, err := e.acquire(script)
	if err != nil {
		return "", fmt.Errorf("%w: %w", common.ErrScriptEvaluation, err)
	}
	rt.state.ctx, rt.state.now = ctx, now

	result, reusable, err := e.run(ctx, rt, url, host)
	rt.state.ctx = nil
	if reusable {
		script.runtimes.Put(rt)
	}
	if err != nil {
		return "", fmt.Errorf("%w: %w", common.ErrScriptEvaluation, err)
	}
	slog.Debug("PAC evaluation finished", "url", url, "host", host, "result", result)
	return result, nil
}

// run executes the entry point under the engine timeout. A runtime that was
// interrupted mid-execution is not reusable.
func (e *Engine) run(ctx context.Context, rt *runtime, url, host string) (result string, reusable bool, err error) {
	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	interrupt := make(chan func(), 1)
	rt.vm.Interrupt = interrupt
	halt := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-runCtx.Done():
			cause := runCtx.Err()
			select {
			case interrupt <- func() { panic(interrupted{cause: cause}) }:
			case <-halt:
			}
		case <-halt:
		}
	}()

	defer func() {
		if caught := recover(); caught != nil {
			reusable = false
			result = ""
			var intr interrupted
			if ok := asInterrupted(caught, &intr); ok {
				if errors.Is(intr.cause, context.DeadlineExceeded) {
					err = fmt.Errorf("pac script execution timed out after %s", e.timeout)
				} else {
					err = fmt.Errorf("pac script execution cancelled: %w", intr.cause)
				}
				slog.Warn("PAC script execution interrupted", "url", url, "error", err)
				return
			}
			err = fmt.Errorf("panic during PAC script execution: %v", caught)
		}
	}()
	defer func() {
		close(halt)
		wg.Wait()
		select {
		case <-interrupt:
		default:
		}
		rt.vm.Interrupt = nil
	}()

	fn, getErr := rt.vm.Get(entryPoint)
	if getErr != nil || !fn.IsFunction() {
		return "", true, fmt.Errorf("function '%s' not found in PAC script", entryPoint)
	}
	value, callErr := fn.Call(otto.UndefinedValue(), url, host)
	if callErr != nil {
		return "", true, fmt.Errorf("failed to execute %s: %w", entryPoint, callErr)
	}
	if value.IsUndefined() || value.IsNull() {
		return "", true, nil
	}
	resStr, convErr := value.ToString()
	if convErr != nil {
		return "", true, fmt.Errorf("failed to convert PAC result to string: %w", convErr)
	}
	return resStr, true, nil
}

func asInterrupted(v interface{}, out *interrupted) bool {
	intr, ok := v.(interrupted)
	if ok {
		*out = intr
	}
	return ok
}

// ProbeEngine checks once that the script runtime can load and run a
// trivial PAC script.
func ProbeEngine() error {
	probe := NewSnapshot("probe.pac", `function FindProxyForURL(url, host) { return isPlainHostName(host) ? "DIRECT" : "PROXY probe:1"; }`, time.Time{})
	result, err := NewEngine(EngineOptions{Timeout: time.Second}).Evaluate(context.Background(), probe, "http://localhost/", "localhost", time.Now())
	if err != nil {
		return fmt.Errorf("script engine probe failed: %w", err)
	}
	if result != "DIRECT" {
		return fmt.Errorf("script engine probe returned unexpected result %q", result)
	}
	return nil
}
