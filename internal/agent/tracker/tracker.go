// Package tracker samples the foreground window and idle time every second
// and turns each minute into activity records and session time.
package tracker

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/coder/quartz"
	"go.uber.org/zap"

	"worksync/internal/agent/localstore"
	"worksync/internal/agent/policy"
	"worksync/internal/agent/probe"
	"worksync/internal/agent/session"
)

const (
	SampleInterval = time.Second
	FlushInterval  = time.Minute

	// UnknownApp names windows whose owning process could not be resolved.
	UnknownApp = "unknown"
)

type Prober interface {
	ActiveWindow(ctx context.Context) (probe.Window, error)
	IdleTime(ctx context.Context) (time.Duration, error)
}

type Store interface {
	AppendActivity(ctx context.Context, sessionID uint, recs []localstore.ActivityRecord) error
	AddSessionTime(ctx context.Context, id uint, active, idle int64) error
}

type PolicySource interface {
	Current() policy.Policy
}

type Session interface {
	Active() bool
	LocalID() uint
}

type appKey struct{ app, title string }

type siteKey struct{ domain, url string }

type minute struct {
	samples int64
	active  int64
	apps    map[appKey]int64
	sites   map[siteKey]int64
}

func newMinute() *minute {
	return &minute{apps: map[appKey]int64{}, sites: map[siteKey]int64{}}
}

type Tracker struct {
	prober Prober
	store  Store
	policy PolicySource
	clock  quartz.Clock
	log    *zap.Logger

	mu      sync.Mutex
	current *minute
	probeOK bool
}

type Option func(*Tracker)

func WithClock(c quartz.Clock) Option {
	return func(t *Tracker) { t.clock = c }
}

func New(p Prober, s Store, ps PolicySource, log *zap.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		prober:  p,
		store:   s,
		policy:  ps,
		clock:   quartz.NewReal(),
		log:     log,
		current: newMinute(),
		probeOK: true,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) Run(ctx context.Context, h *session.Handle) error {
	return t.loop(ctx, h)
}

func (t *Tracker) loop(ctx context.Context, h Session) error {
	sample := t.clock.TickerFunc(ctx, SampleInterval, func() error {
		t.Sample(ctx, h)
		return nil
	}, "tracker", "sample")
	flush := t.clock.TickerFunc(ctx, FlushInterval, func() error {
		if err := t.Flush(ctx, h); err != nil {
			t.log.Warn("flush activity", zap.Error(err))
		}
		return nil
	}, "tracker", "flush")

	_ = sample.Wait()
	_ = flush.Wait()

	// Keep the partial minute; the final upload picks it up.
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := t.Flush(fctx, h); err != nil {
		t.log.Warn("flush partial minute", zap.Error(err))
	}
	return nil
}

// Sample takes one reading. Idle seconds are those where input has been
// absent for at least the policy's idle threshold.
func (t *Tracker) Sample(ctx context.Context, h Session) {
	if !h.Active() {
		return
	}
	p := t.policy.Current()

	idle := false
	d, err := t.prober.IdleTime(ctx)
	if err == nil {
		idle = d >= p.IdleThreshold()
	}
	t.noteProbe(err)

	var w probe.Window
	if !idle && (p.TrackApplications || p.TrackWebsites) {
		w, err = t.prober.ActiveWindow(ctx)
		t.noteProbe(err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	m := t.current
	m.samples++
	if idle {
		return
	}
	m.active++
	if w.App == "" && w.Title == "" {
		return
	}
	if p.TrackApplications {
		app := w.App
		if app == "" {
			app = UnknownApp
		}
		m.apps[appKey{app: app, title: w.Title}]++
	}
	if p.TrackWebsites && IsBrowser(w.App) {
		if domain, u, ok := DomainFromTitle(w.Title); ok {
			m.sites[siteKey{domain: domain, url: u}]++
		}
	}
}

// Flush writes the accumulated minute to the store and starts a new one.
func (t *Tracker) Flush(ctx context.Context, h Session) error {
	t.mu.Lock()
	m := t.current
	t.current = newMinute()
	t.mu.Unlock()

	if m.samples == 0 {
		return nil
	}
	at := t.clock.Now("tracker", "flush")
	p := t.policy.Current()

	minuteType := localstore.MinuteIdle
	if m.active > 0 {
		minuteType = localstore.MinuteActive
	}
	recs := []localstore.ActivityRecord{localstore.ActivityLog(minuteType, m.active, m.samples, at)}
	if p.TrackApplications {
		for _, k := range sortedKeys(m.apps, func(a, b appKey) int {
			return cmp.Or(cmp.Compare(a.app, b.app), cmp.Compare(a.title, b.title))
		}) {
			recs = append(recs, localstore.ApplicationUsage(k.app, k.title, m.apps[k], at))
		}
	}
	if p.TrackWebsites {
		for _, k := range sortedKeys(m.sites, func(a, b siteKey) int {
			return cmp.Or(cmp.Compare(a.domain, b.domain), cmp.Compare(a.url, b.url))
		}) {
			recs = append(recs, localstore.WebsiteUsage(k.domain, k.url, m.sites[k], at))
		}
	}

	return errors.Join(
		t.store.AppendActivity(ctx, h.LocalID(), recs),
		t.store.AddSessionTime(ctx, h.LocalID(), m.active, m.samples-m.active),
	)
}

// noteProbe logs probe failures once per outage.
func (t *Tracker) noteProbe(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case err != nil && t.probeOK:
		t.probeOK = false
		t.log.Warn("desktop probe failed", zap.Error(err))
	case err == nil && !t.probeOK:
		t.probeOK = true
		t.log.Info("desktop probe recovered")
	}
}

func sortedKeys[K comparable](m map[K]int64, cmpFn func(a, b K) int) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, cmpFn)
	return keys
}
