package pac

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robertkrimen/otto"
)

// callState carries per-evaluation inputs to the built-ins of one runtime.
type callState struct {
	ctx context.Context
	now time.Time
}

func (s *callState) context() context.Context {
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}

func argString(call otto.FunctionCall, i int) string {
	v := call.Argument(i)
	if v.IsUndefined() || v.IsNull() {
		return ""
	}
	s, _ := v.ToString()
	return s
}

func allArgs(call otto.FunctionCall) []string {
	out := make([]string, 0, len(call.ArgumentList))
	for i := range call.ArgumentList {
		out = append(out, argString(call, i))
	}
	return out
}

func toValue(call otto.FunctionCall, v interface{}) otto.Value {
	val, err := call.Otto.ToValue(v)
	if err != nil {
		return otto.UndefinedValue()
	}
	return val
}

func registerBuiltins(vm *otto.Otto, host *HostFunctions, state *callState) error {
	helpers := map[string]func(otto.FunctionCall) otto.Value{
		"isPlainHostName": func(call otto.FunctionCall) otto.Value {
			return toValue(call, IsPlainHostName(argString(call, 0)))
		},
		"dnsDomainIs": func(call otto.FunctionCall) otto.Value {
			return toValue(call, DNSDomainIs(argString(call, 0), argString(call, 1)))
		},
		"localHostOrDomainIs": func(call otto.FunctionCall) otto.Value {
			return toValue(call, LocalHostOrDomainIs(argString(call, 0), argString(call, 1)))
		},
		"dnsDomainLevels": func(call otto.FunctionCall) otto.Value {
			return toValue(call, DNSDomainLevels(argString(call, 0)))
		},
		"shExpMatch": func(call otto.FunctionCall) otto.Value {
			return toValue(call, ShExpMatch(argString(call, 0), argString(call, 1)))
		},
		"isInNet": func(call otto.FunctionCall) otto.Value {
			return toValue(call, host.IsInNet(state.context(), argString(call, 0), argString(call, 1), argString(call, 2)))
		},
		"isResolvable": func(call otto.FunctionCall) otto.Value {
			return toValue(call, host.IsResolvable(state.context(), argString(call, 0)))
		},
		"dnsResolve": func(call otto.FunctionCall) otto.Value {
			return toValue(call, host.DNSResolve(state.context(), argString(call, 0)))
		},
		"myIpAddress": func(call otto.FunctionCall) otto.Value {
			return toValue(call, host.MyIPAddress())
		},
		"weekdayRange": func(call otto.FunctionCall) otto.Value {
			return toValue(call, WeekdayRange(state.now, allArgs(call)))
		},
		"dateRange": func(call otto.FunctionCall) otto.Value {
			return toValue(call, DateRange(state.now, allArgs(call)))
		},
		"timeRange": func(call otto.FunctionCall) otto.Value {
			return toValue(call, TimeRange(state.now, allArgs(call)))
		},
		"alert": func(call otto.FunctionCall) otto.Value {
			slog.Warn("[PAC Alert]", "message", argString(call, 0))
			return otto.UndefinedValue()
		},

		// IPv6-aware extensions; only IPv4 results are produced.
		"dnsResolveEx": func(call otto.FunctionCall) otto.Value {
			return toValue(call, host.DNSResolveEx(state.context(), argString(call, 0)))
		},
		"isResolvableEx": func(call otto.FunctionCall) otto.Value {
			return toValue(call, host.IsResolvable(state.context(), argString(call, 0)))
		},
		"myIpAddressEx": func(call otto.FunctionCall) otto.Value {
			return toValue(call, host.MyIPAddress())
		},
		"isInNetEx": func(call otto.FunctionCall) otto.Value {
			return toValue(call, host.IsInNetEx(state.context(), argString(call, 0), argString(call, 1)))
		},
		"sortIpAddressList": func(call otto.FunctionCall) otto.Value {
			return toValue(call, SortIPAddressList(argString(call, 0)))
		},
	}

	for name, fn := range helpers {
		if err := vm.Set(name, fn); err != nil {
			return fmt.Errorf("failed to set PAC helper '%s': %w", name, err)
		}
	}
	return nil
}
