package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"sync/atomic"

	"github.com/coder/quartz"
	fileatomic "github.com/natefinch/atomic"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"golang.org/x/xerrors"

	"worksync/internal/agent/remote"
)

// Fetcher downloads the current policy document.
type Fetcher interface {
	FetchPolicy(ctx context.Context, token string) (*remote.PolicyDocument, error)
}

// Engine is the config sync engine. Readers call Current on every cycle;
// only the engine writes.
type Engine struct {
	fetcher   Fetcher
	cachePath string
	clock     quartz.Clock
	log       *zap.Logger

	active atomic.Pointer[Policy]

	// mu serializes fetch-and-apply so two checks never race on the version
	// comparison or the cache file.
	mu      sync.Mutex
	limiter *rate.Limiter
	company remote.Company

	onApply func(Policy)
}

type Option func(*Engine)

func WithClock(c quartz.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// OnApply registers a hook that runs after every accepted policy.
func OnApply(fn func(Policy)) Option {
	return func(e *Engine) { e.onApply = fn }
}

func NewEngine(fetcher Fetcher, cachePath string, log *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		fetcher:   fetcher,
		cachePath: cachePath,
		clock:     quartz.NewReal(),
		log:       log,
	}
	for _, opt := range opts {
		opt(e)
	}
	def := Default()
	e.active.Store(&def)
	e.limiter = rate.NewLimiter(rate.Every(def.ConfigSyncInterval()), 1)
	return e
}

// Current returns the active policy.
func (e *Engine) Current() Policy {
	return *e.active.Load()
}

// Company is the tenant named by the last fetched document.
func (e *Engine) Company() remote.Company {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.company
}

// Load installs the cached policy, if any. A missing cache is not an error.
func (e *Engine) Load() error {
	data, err := os.ReadFile(e.cachePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return xerrors.Errorf("read policy cache: %w", err)
	}
	p := Default()
	if err := json.Unmarshal(data, &p); err != nil {
		return xerrors.Errorf("decode policy cache: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if p.ConfigVersion > e.active.Load().ConfigVersion {
		e.publishLocked(p)
	}
	return nil
}

// CheckForUpdates fetches the policy unless the active policy's own sync
// interval has not elapsed since the last check. It reports whether a newer
// version was applied.
func (e *Engine) CheckForUpdates(ctx context.Context, token string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.limiter.AllowN(e.clock.Now("policy", "limit"), 1) {
		return false, nil
	}
	return e.refreshLocked(ctx, token)
}

// ForceRefresh fetches regardless of the rate limit.
func (e *Engine) ForceRefresh(ctx context.Context, token string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	_ = e.limiter.AllowN(e.clock.Now("policy", "limit"), 1)
	return e.refreshLocked(ctx, token)
}

// Apply installs p if its version is newer than the active one.
func (e *Engine) Apply(p Policy) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.applyLocked(p)
}

func (e *Engine) refreshLocked(ctx context.Context, token string) (bool, error) {
	doc, err := e.fetcher.FetchPolicy(ctx, token)
	if err != nil {
		// Last known good stays in force whatever the failure.
		return false, xerrors.Errorf("fetch policy: %w", err)
	}
	// Fields the server leaves out keep their defaults.
	p := Default()
	if err := json.Unmarshal(doc.Config, &p); err != nil {
		return false, xerrors.Errorf("decode policy: %w", err)
	}
	e.company = doc.Company
	return e.applyLocked(p)
}

func (e *Engine) applyLocked(p Policy) (bool, error) {
	cur := e.active.Load()
	if p.ConfigVersion <= cur.ConfigVersion {
		return false, nil
	}
	e.publishLocked(p)
	e.log.Info("policy updated",
		zap.Int64("from_version", cur.ConfigVersion),
		zap.Int64("to_version", p.ConfigVersion),
		zap.Bool("screenshots_enabled", p.ScreenshotsEnabled))

	if err := e.persist(p); err != nil {
		// The new policy is live; only the offline copy is stale.
		return true, xerrors.Errorf("persist policy cache: %w", err)
	}
	return true, nil
}

func (e *Engine) publishLocked(p Policy) {
	next := p
	e.active.Store(&next)
	e.limiter.SetLimitAt(e.clock.Now("policy", "limit"), rate.Every(next.ConfigSyncInterval()))
	if e.onApply != nil {
		e.onApply(next)
	}
}

func (e *Engine) persist(p Policy) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	return fileatomic.WriteFile(e.cachePath, bytes.NewReader(data))
}

// Run polls until ctx is done. Each wait is the active policy's sync
// interval, so a new interval takes effect after the next check.
func (e *Engine) Run(ctx context.Context, token func() string) {
	for {
		if _, err := e.CheckForUpdates(ctx, token()); err != nil {
			e.log.Debug("policy check failed", zap.Error(err))
		}

		t := e.clock.NewTimer(e.Current().ConfigSyncInterval(), "policy", "poll")
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}
