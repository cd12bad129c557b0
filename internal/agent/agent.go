// Package agent wires the desktop agent together: login, crash recovery,
// policy sync and the work session with its workers.
package agent

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"worksync/internal/agent/capture"
	"worksync/internal/agent/localstore"
	"worksync/internal/agent/metrics"
	"worksync/internal/agent/policy"
	"worksync/internal/agent/probe"
	"worksync/internal/agent/remote"
	"worksync/internal/agent/session"
	"worksync/internal/agent/tracker"
	"worksync/internal/agent/uploader"
	"worksync/internal/config"
)

// ErrTerminated is returned by Run when the server ended the session.
var ErrTerminated = xerrors.New("work session ended by the server")

const (
	stopTimeout  = 45 * time.Second
	retainClosed = 30 * 24 * time.Hour
)

type Agent struct {
	cfg        *config.Agent
	log        *zap.Logger
	clock      quartz.Clock
	capturer   capture.Capturer
	prober     tracker.Prober
	prompter   Prompter
	registerer prometheus.Registerer
	timeouts   remote.Timeouts
	ready      chan *session.Manager
}

type Option func(*Agent)

func WithClock(c quartz.Clock) Option {
	return func(a *Agent) { a.clock = c }
}

func WithCapturer(c capture.Capturer) Option {
	return func(a *Agent) { a.capturer = c }
}

func WithProber(p tracker.Prober) Option {
	return func(a *Agent) { a.prober = p }
}

func WithPrompter(p Prompter) Option {
	return func(a *Agent) { a.prompter = p }
}

func WithRegisterer(r prometheus.Registerer) Option {
	return func(a *Agent) { a.registerer = r }
}

func WithRemoteTimeouts(t remote.Timeouts) Option {
	return func(a *Agent) { a.timeouts = t }
}

func New(cfg *config.Agent, log *zap.Logger, opts ...Option) *Agent {
	a := &Agent{
		cfg:      cfg,
		log:      log,
		clock:    quartz.NewReal(),
		capturer: capture.ScreenCapturer{},
		prober:   probe.System{},
		prompter: LinePrompter{In: os.Stdin, Out: os.Stdout},
		timeouts: remote.DefaultTimeouts,
		ready:    make(chan *session.Manager, 1),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Ready yields the session manager once a session is running.
func (a *Agent) Ready() <-chan *session.Manager { return a.ready }

// Run logs in, recovers or starts a session and tracks until ctx is done,
// then stops the session. It returns ErrTerminated if the server ends the
// session first.
func (a *Agent) Run(ctx context.Context) error {
	if err := os.MkdirAll(a.cfg.DataDir, 0o700); err != nil {
		return xerrors.Errorf("create data dir: %w", err)
	}
	store, err := localstore.Open(ctx, a.cfg.DBPath(), a.log.Named("store"))
	if err != nil {
		return err
	}
	defer store.Close()
	if n, err := store.Cleanup(ctx, a.clock.Now().Add(-retainClosed)); err != nil {
		a.log.Warn("cleanup old sessions", zap.Error(err))
	} else if n > 0 {
		a.log.Info("removed old sessions", zap.Int64("count", n))
	}

	m, err := metrics.New(a.registerer)
	if err != nil {
		return err
	}
	client := remote.New(a.cfg.ServerURL, a.cfg.CompanyKey, a.log.Named("remote"), remote.WithTimeouts(a.timeouts))

	engine := policy.NewEngine(client, a.cfg.PolicyCachePath(), a.log.Named("policy"),
		policy.WithClock(a.clock),
		policy.OnApply(func(p policy.Policy) { m.SetPolicyVersion(p.ConfigVersion) }))
	if err := engine.Load(); err != nil {
		a.log.Warn("ignoring policy cache", zap.Error(err))
	}

	ident, err := a.login(ctx, client, store)
	if err != nil {
		return err
	}
	if _, err := engine.ForceRefresh(ctx, ident.Token); err != nil {
		a.log.Warn("policy refresh failed; using last known policy",
			zap.Int64("version", engine.Current().ConfigVersion), zap.Error(err))
	}

	up := uploader.New(client, store, engine, a.log.Named("uploader"),
		uploader.WithClock(a.clock), uploader.WithMetrics(m))
	tr := tracker.New(a.prober, store, engine, a.log.Named("tracker"), tracker.WithClock(a.clock))
	sched := capture.NewScheduler(a.capturer, store, up, engine, a.cfg.ScreenshotDir(), a.log.Named("capture"),
		capture.WithClock(a.clock), capture.WithMetrics(m))
	mgr := session.NewManager(client, store, a.log.Named("session"),
		session.WithClock(a.clock),
		session.WithWorkers(tr, up, sched),
		session.WithFlusher(session.FlusherFunc(func(ctx context.Context, h *session.Handle) error {
			return up.Flush(ctx, h)
		})),
		session.WithHealthInterval(a.cfg.HealthInterval))

	bgCtx, cancelBg := context.WithCancel(ctx)
	var bg errgroup.Group
	bg.Go(func() error {
		mgr.Run(bgCtx)
		return nil
	})
	bg.Go(func() error {
		engine.Run(bgCtx, func() string { return ident.Token })
		return nil
	})
	defer func() {
		cancelBg()
		_ = bg.Wait()
		mgr.Wait()
	}()

	creds := session.Credentials{EmployeeID: ident.EmployeeID, CompanyID: ident.CompanyID, Token: ident.Token}
	h, err := a.begin(ctx, mgr, creds)
	if err != nil {
		return err
	}
	m.SetSessionActive(true)
	a.ready <- mgr

	for {
		select {
		case <-ctx.Done():
			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
			defer cancel()
			err := mgr.Stop(stopCtx, h)
			m.SetSessionActive(false)
			return err
		case ev := <-mgr.Events():
			if ev.Kind != session.EventTerminated {
				continue
			}
			m.SetSessionActive(false)
			a.log.Warn("session ended by server", zap.String("reason", ev.Reason))
			return ErrTerminated
		}
	}
}

// begin resumes or discards an interrupted session, then makes sure one is
// running.
func (a *Agent) begin(ctx context.Context, mgr *session.Manager, creds session.Credentials) (*session.Handle, error) {
	ws, err := mgr.Recoverable(ctx)
	if err != nil {
		return nil, err
	}
	if ws != nil {
		resume, err := a.shouldResume(ws, creds)
		if err != nil {
			return nil, err
		}
		if resume {
			return mgr.Resume(ctx, ws, creds.Token)
		}
		if err := mgr.Discard(ctx, ws); err != nil {
			return nil, err
		}
	}

	eb := backoff.NewExponentialBackOff()
	eb.MaxElapsedTime = 0
	eb.MaxInterval = time.Minute
	return backoff.RetryNotifyWithData(func() (*session.Handle, error) {
		h, err := mgr.Start(ctx, creds)
		if err != nil && !remote.IsNetwork(err) {
			return nil, backoff.Permanent(err)
		}
		return h, err
	}, backoff.WithContext(eb, ctx), func(err error, next time.Duration) {
		a.log.Warn("start session failed; retrying", zap.Duration("in", next), zap.Error(err))
	})
}

func (a *Agent) shouldResume(ws *localstore.WorkSession, creds session.Credentials) (bool, error) {
	if ws.EmployeeID != creds.EmployeeID {
		a.log.Info("interrupted session belongs to another employee; discarding", zap.Uint("session_id", ws.ID))
		return false, nil
	}
	switch a.cfg.Recovery {
	case config.RecoveryResume:
		return true, nil
	case config.RecoveryDiscard:
		return false, nil
	default:
		return a.prompter.ResumeInterrupted(ws)
	}
}

// login reuses the stored token while the server still accepts it and logs
// in with the configured credentials otherwise.
func (a *Agent) login(ctx context.Context, client *remote.Client, store *localstore.Store) (*localstore.Identity, error) {
	stored, err := store.Identity(ctx)
	if err != nil && !errors.Is(err, localstore.ErrNotFound) {
		return nil, err
	}
	if stored != nil {
		ok, err := client.LoginCheck(ctx, stored.EmployeeID, stored.Token)
		switch {
		case err == nil && ok:
			a.log.Info("reusing stored login", zap.String("email", stored.Email))
			return stored, nil
		case err != nil && a.cfg.Email == "":
			// Offline and nothing better to try.
			a.log.Warn("could not verify stored login; using it anyway", zap.Error(err))
			return stored, nil
		}
	}
	if a.cfg.Email == "" || a.cfg.Password == "" {
		return nil, xerrors.New("no valid stored login and AGENT_EMAIL/AGENT_PASSWORD not set")
	}

	req := remote.LoginRequest{Email: a.cfg.Email, Password: a.cfg.Password, DeviceInfo: deviceInfo()}
	eb := backoff.NewExponentialBackOff()
	eb.MaxElapsedTime = 0
	eb.MaxInterval = time.Minute
	login, err := backoff.RetryNotifyWithData(func() (*remote.Login, error) {
		l, err := client.Login(ctx, req)
		if err != nil && !remote.IsNetwork(err) {
			return nil, backoff.Permanent(err)
		}
		return l, err
	}, backoff.WithContext(eb, ctx), func(err error, next time.Duration) {
		a.log.Warn("login failed; retrying", zap.Duration("in", next), zap.Error(err))
	})
	if err != nil {
		return nil, xerrors.Errorf("login: %w", err)
	}

	ident := localstore.Identity{
		EmployeeID: login.ID,
		CompanyID:  login.CompanyID,
		Name:       login.Name,
		Email:      login.Email,
		Token:      login.ActiveToken,
		UpdatedAt:  a.clock.Now(),
	}
	if err := store.SaveIdentity(ctx, ident); err != nil {
		return nil, xerrors.Errorf("save login: %w", err)
	}
	a.log.Info("logged in", zap.String("email", login.Email), zap.Int64("employee_id", login.ID))
	return &ident, nil
}
