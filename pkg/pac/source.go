package pac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robertkrimen/otto/parser"
	"golang.org/x/sync/singleflight"

	"github.com/yolkispalkis/proxyscout/pkg/common"
	"github.com/yolkispalkis/proxyscout/pkg/fetch"
)

// ErrInvalidScript marks a reachable source whose body is not a usable PAC script.
var ErrInvalidScript = errors.New("invalid PAC script")

// Source fetches a PAC script from a URL, validates it and caches it. The
// cached text is swapped atomically; readers see either the old or the new
// snapshot. Fetching happens on first use and on Refresh only.
type Source struct {
	url     string
	fetcher fetch.Fetcher
	now     func() time.Time

	current atomic.Pointer[Snapshot]
	group   singleflight.Group

	mu        sync.RWMutex
	state     ValidityState
	lastFetch time.Time
	lastErr   error
}

// NewSource creates a Source for sourceURL. now may be nil to use time.Now.
func NewSource(sourceURL string, fetcher fetch.Fetcher, now func() time.Time) *Source {
	if now == nil {
		now = time.Now
	}
	return &Source{url: sourceURL, fetcher: fetcher, now: now}
}

func (s *Source) URL() string { return s.url }

func (s *Source) State() ValidityState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// LastFetch is the time of the last fetch attempt, successful or not.
func (s *Source) LastFetch() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastFetch
}

// Err returns the error of the last failed fetch, or nil.
func (s *Source) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// IsValid fetches the script if it has not been fetched yet and reports
// whether the cached content is usable.
func (s *Source) IsValid(ctx context.Context) bool {
	s.ensureLoaded(ctx)
	return s.State() == StateValid
}

// Content returns the cached script text, fetching it on first use.
func (s *Source) Content(ctx context.Context) (string, error) {
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return "", err
	}
	return snap.Text, nil
}

// Snapshot returns the cached script, fetching it on first use. After a
// failed refresh the previous snapshot is still returned.
func (s *Source) Snapshot(ctx context.Context) (*Snapshot, error) {
	s.ensureLoaded(ctx)
	if snap := s.current.Load(); snap != nil {
		return snap, nil
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: %s: no content", common.ErrScriptFetch, s.url)
}

// Refresh re-fetches the script and replaces the cached content on success.
// Concurrent calls share one fetch.
func (s *Source) Refresh(ctx context.Context) bool {
	return s.load(ctx, true)
}

func (s *Source) ensureLoaded(ctx context.Context) {
	if s.State() == StateUninitialized {
		s.load(ctx, false)
	}
}

func (s *Source) load(ctx context.Context, force bool) bool {
	v, _, _ := s.group.Do("fetch", func() (interface{}, error) {
		if state := s.State(); !force && state != StateUninitialized {
			return state == StateValid, nil
		}
		return s.fetchAndValidate(ctx), nil
	})
	ok, _ := v.(bool)
	return ok
}

func (s *Source) fetchAndValidate(ctx context.Context) bool {
	fetchedAt := s.now()
	slog.Debug("Fetching PAC script", "url", s.url)

	resp, err := s.fetcher.Get(ctx, s.url)
	if err != nil {
		s.fail(fetchedAt, fmt.Errorf("%w: %s: %w", common.ErrScriptFetch, s.url, err))
		return false
	}
	if resp.StatusCode != http.StatusOK {
		s.fail(fetchedAt, fmt.Errorf("%w: %s: unexpected status %d", common.ErrScriptFetch, s.url, resp.StatusCode))
		return false
	}
	text := string(resp.Body)
	if err := ValidateScript(text); err != nil {
		s.fail(fetchedAt, fmt.Errorf("%w: %s: %w", common.ErrScriptFetch, s.url, err))
		return false
	}

	s.current.Store(NewSnapshot(s.url, text, fetchedAt))
	s.mu.Lock()
	s.state = StateValid
	s.lastFetch = fetchedAt
	s.lastErr = nil
	s.mu.Unlock()
	slog.Info("PAC script loaded", "url", s.url, "size", len(text))
	return true
}

func (s *Source) fail(at time.Time, err error) {
	s.mu.Lock()
	s.state = StateInvalid
	s.lastFetch = at
	s.lastErr = err
	s.mu.Unlock()
	slog.Error("PAC script unavailable", "url", s.url, "error", err)
}

// ValidateScript checks that text is non-empty, mentions FindProxyForURL and
// parses as JavaScript.
func ValidateScript(text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("%w: empty body", ErrInvalidScript)
	}
	if !strings.Contains(text, entryPoint) {
		return fmt.Errorf("%w: no %s function", ErrInvalidScript, entryPoint)
	}
	if _, err := parser.ParseFile(nil, "", text, 0); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidScript, err)
	}
	return nil
}
