package pac

import (
	"context"
	"sync"
	"time"

	"github.com/robertkrimen/otto"
)

// ValidityState tracks whether a script (or a selector built on one) is usable.
type ValidityState int

const (
	StateUninitialized ValidityState = iota
	StateValid
	StateInvalid
)

func (s ValidityState) String() string {
	switch s {
	case StateValid:
		return "VALID"
	case StateInvalid:
		return "INVALID"
	default:
		return "UNINITIALIZED"
	}
}

// Evaluator runs FindProxyForURL from a script snapshot. now is the time seen
// by the date and time built-ins.
type Evaluator interface {
	Evaluate(ctx context.Context, script *Snapshot, url, host string, now time.Time) (string, error)
}

// Snapshot is an immutable copy of a script's text. Compiled programs and
// pooled runtimes hang off the snapshot, so a refresh that swaps the snapshot
// drops them together.
type Snapshot struct {
	URL       string
	Text      string
	FetchedAt time.Time

	compileOnce sync.Once
	compiled    *otto.Script
	compileErr  error
	runtimes    sync.Pool
}

func NewSnapshot(sourceURL, text string, fetchedAt time.Time) *Snapshot {
	return &Snapshot{URL: sourceURL, Text: text, FetchedAt: fetchedAt}
}

func (s *Snapshot) compile(vm *otto.Otto) (*otto.Script, error) {
	s.compileOnce.Do(func() {
		s.compiled, s.compileErr = vm.Compile(s.URL, s.Text)
	})
	return s.compiled, s.compileErr
}
