// Package session owns the work-session state machine: start, stop, remote
// health polling, and recovery of a session left open by a crash.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/quartz"
	"go.uber.org/zap"
	"golang.org/x/xerrors"

	"worksync/internal/agent/localstore"
	"worksync/internal/agent/remote"
)

var (
	ErrSessionActive   = xerrors.New("a work session is already running")
	ErrRecoveryPending = xerrors.New("an interrupted session must be resumed or discarded first")
	ErrNoRecovery      = xerrors.New("no interrupted session to recover")
)

type State int

const (
	StateNoSession State = iota
	StateStarting
	StateActive
	StateStopping
	StateClosed
	StateCrashedOpen
)

func (s State) String() string {
	switch s {
	case StateNoSession:
		return "no_session"
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateStopping:
		return "stopping"
	case StateClosed:
		return "closed"
	case StateCrashedOpen:
		return "crashed_open"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type Remote interface {
	CreateSession(ctx context.Context, employeeID int64, token string) (int64, error)
	StopSession(ctx context.Context, sessionID, employeeID int64, token string) error
	CheckSessionActive(ctx context.Context, sessionID, employeeID int64, token string) (remote.SessionStatus, error)
}

type Store interface {
	StartSession(ctx context.Context, ws *localstore.WorkSession) error
	OpenSession(ctx context.Context) (*localstore.WorkSession, error)
	CloseSession(ctx context.Context, id uint, end time.Time, reason localstore.CloseReason, totals bool) (bool, error)
}

// Worker is a background producer bound to one session. Run returns when ctx
// is cancelled.
type Worker interface {
	Run(ctx context.Context, h *Handle) error
}

type WorkerFunc func(ctx context.Context, h *Handle) error

func (f WorkerFunc) Run(ctx context.Context, h *Handle) error { return f(ctx, h) }

// Flusher performs the best-effort final drain on stop.
type Flusher interface {
	Flush(ctx context.Context, h *Handle) error
}

type FlusherFunc func(ctx context.Context, h *Handle) error

func (f FlusherFunc) Flush(ctx context.Context, h *Handle) error { return f(ctx, h) }

type Credentials struct {
	EmployeeID int64
	CompanyID  int64
	Token      string
}

type EventKind int

const (
	EventStarted EventKind = iota
	EventResumed
	EventStopped
	EventTerminated
)

func (k EventKind) String() string {
	switch k {
	case EventStarted:
		return "started"
	case EventResumed:
		return "resumed"
	case EventStopped:
		return "stopped"
	case EventTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event tells the session owner about a transition it did not necessarily
// initiate.
type Event struct {
	Kind      EventKind
	SessionID uint
	RemoteID  int64
	Reason    string
	Err       error
}

type workerReport struct {
	h   *Handle
	err error
}

const (
	defaultHealthInterval    = 10 * time.Second
	defaultFinalFlushTimeout = 15 * time.Second
)

type Manager struct {
	remote  Remote
	store   Store
	workers []Worker
	flusher Flusher
	clock   quartz.Clock
	log     *zap.Logger

	healthInterval    time.Duration
	finalFlushTimeout time.Duration

	mu        sync.Mutex
	state     State
	current   *Handle
	recovered *localstore.WorkSession

	inbox  chan workerReport
	events chan Event
}

type Option func(*Manager)

func WithClock(c quartz.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

func WithWorkers(workers ...Worker) Option {
	return func(m *Manager) { m.workers = append(m.workers, workers...) }
}

func WithFlusher(f Flusher) Option {
	return func(m *Manager) { m.flusher = f }
}

// WithHealthInterval sets the remote health poll period. Zero disables
// polling.
func WithHealthInterval(d time.Duration) Option {
	return func(m *Manager) { m.healthInterval = d }
}

func WithFinalFlushTimeout(d time.Duration) Option {
	return func(m *Manager) { m.finalFlushTimeout = d }
}

func NewManager(r Remote, s Store, log *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		remote:            r,
		store:             s,
		clock:             quartz.NewReal(),
		log:               log,
		healthInterval:    defaultHealthInterval,
		finalFlushTimeout: defaultFinalFlushTimeout,
		inbox:             make(chan workerReport, 8),
		events:            make(chan Event, 16),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Current returns the running session handle, or nil.
func (m *Manager) Current() *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateActive {
		return nil
	}
	return m.current
}

func (m *Manager) Events() <-chan Event { return m.events }

// Start opens a session remotely, records it locally and only then spawns
// the workers. A failure leaves local state untouched.
func (m *Manager) Start(ctx context.Context, creds Credentials) (*Handle, error) {
	m.mu.Lock()
	prev := m.state
	switch prev {
	case StateNoSession, StateClosed:
	case StateCrashedOpen:
		m.mu.Unlock()
		return nil, ErrRecoveryPending
	default:
		m.mu.Unlock()
		return nil, ErrSessionActive
	}
	m.state = StateStarting
	m.mu.Unlock()

	remoteID, err := m.remote.CreateSession(ctx, creds.EmployeeID, creds.Token)
	if err != nil {
		m.setState(prev)
		return nil, xerrors.Errorf("create remote session: %w", err)
	}

	ws := &localstore.WorkSession{
		RemoteID:   remoteID,
		EmployeeID: creds.EmployeeID,
		CompanyID:  creds.CompanyID,
		StartTime:  m.clock.Now(),
	}
	if err := m.store.StartSession(ctx, ws); err != nil {
		m.log.Error("remote session created but not recorded locally",
			zap.Int64("remote_id", remoteID), zap.Error(err))
		m.setState(prev)
		return nil, xerrors.Errorf("record session: %w", err)
	}

	h := m.newHandle(ws, creds.Token)
	m.mu.Lock()
	m.current = h
	m.state = StateActive
	m.spawnLocked(h)
	m.emitLocked(Event{Kind: EventStarted, SessionID: h.localID, RemoteID: h.remoteID})
	m.mu.Unlock()

	m.log.Info("work session started", zap.Uint("session_id", h.localID), zap.Int64("remote_id", remoteID))
	return h, nil
}

// Stop ends h. Workers are halted before anything else, then a bounded final
// flush runs and the server is told. Whatever the server says, the session
// is no longer running afterwards. Stopping a session that is not running
// is a no-op.
func (m *Manager) Stop(ctx context.Context, h *Handle) error {
	m.mu.Lock()
	if h == nil || m.current != h || m.state != StateActive {
		m.mu.Unlock()
		return nil
	}
	m.state = StateStopping
	h.deactivate()
	m.mu.Unlock()

	if err := h.wait(); err != nil {
		m.log.Warn("session worker exited with error", zap.Error(err))
	}
	m.finalFlush(ctx, h)

	err := m.remote.StopSession(ctx, h.remoteID, h.employeeID, h.token)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = StateClosed

	switch {
	case err == nil:
	case remote.IsRemoteState(err):
		// The server already forgot the session; it is as closed as it gets.
		m.log.Info("remote session already gone", zap.Int64("remote_id", h.remoteID))
	default:
		m.log.Warn("remote stop failed; session stopped locally", zap.Error(err))
		m.emitLocked(Event{Kind: EventStopped, SessionID: h.localID, RemoteID: h.remoteID, Err: err})
		return xerrors.Errorf("stop remote session: %w", err)
	}

	if _, cerr := m.store.CloseSession(context.WithoutCancel(ctx), h.localID, m.clock.Now(), localstore.ClosedByStop, true); cerr != nil {
		return xerrors.Errorf("close local session: %w", cerr)
	}
	m.emitLocked(Event{Kind: EventStopped, SessionID: h.localID, RemoteID: h.remoteID})
	m.log.Info("work session stopped", zap.Uint("session_id", h.localID))
	return nil
}

// CheckHealth asks the server whether h is still open. A closed, unknown or
// unauthorized session is closed locally without calling stop. Network
// failures are ignored until the next poll.
func (m *Manager) CheckHealth(ctx context.Context, h *Handle) {
	if !h.Active() {
		return
	}
	status, err := m.remote.CheckSessionActive(ctx, h.remoteID, h.employeeID, h.token)
	switch {
	case err == nil && status.Active:
	case err == nil:
		reason := status.Reason
		if reason == "" {
			reason = status.Message
		}
		if reason == "" {
			reason = "session ended remotely"
		}
		m.terminate(ctx, h, reason, nil)
	case remote.IsRemoteState(err):
		m.terminate(ctx, h, "session not found on server", err)
	case remote.IsAuth(err):
		m.terminate(ctx, h, "authentication rejected", err)
	default:
		m.log.Debug("health check failed", zap.Uint("session_id", h.localID), zap.Error(err))
	}
}

// Run applies worker reports until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-m.inbox:
			m.handleReport(ctx, r)
		}
	}
}

// Wait blocks until the workers of the last session have exited.
func (m *Manager) Wait() {
	m.mu.Lock()
	h := m.current
	m.mu.Unlock()
	if h != nil {
		_ = h.wait()
	}
}

// Recoverable looks for a session a previous process left open. When one
// exists the manager waits for Resume or Discard before allowing Start.
func (m *Manager) Recoverable(ctx context.Context) (*localstore.WorkSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case StateCrashedOpen:
		return m.recovered, nil
	case StateNoSession:
	default:
		return nil, nil
	}

	ws, err := m.store.OpenSession(ctx)
	if errors.Is(err, localstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, xerrors.Errorf("look for open session: %w", err)
	}
	m.state = StateCrashedOpen
	m.recovered = ws
	return ws, nil
}

// Resume re-attaches to the interrupted session. The server is not
// contacted; activity keeps accumulating under the same ids.
func (m *Manager) Resume(_ context.Context, ws *localstore.WorkSession, token string) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkRecoveryLocked(ws); err != nil {
		return nil, err
	}

	h := m.newHandle(ws, token)
	m.current = h
	m.recovered = nil
	m.state = StateActive
	m.spawnLocked(h)
	m.emitLocked(Event{Kind: EventResumed, SessionID: h.localID, RemoteID: h.remoteID})
	m.log.Info("work session resumed", zap.Uint("session_id", h.localID))
	return h, nil
}

// Discard closes the interrupted session locally. The remote session is left
// for the server to time out.
func (m *Manager) Discard(ctx context.Context, ws *localstore.WorkSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkRecoveryLocked(ws); err != nil {
		return err
	}
	if _, err := m.store.CloseSession(ctx, ws.ID, m.clock.Now(), localstore.ClosedByDiscard, false); err != nil {
		return xerrors.Errorf("discard session: %w", err)
	}
	m.recovered = nil
	m.state = StateClosed
	m.log.Info("interrupted session discarded", zap.Uint("session_id", ws.ID))
	return nil
}

func (m *Manager) checkRecoveryLocked(ws *localstore.WorkSession) error {
	if m.state != StateCrashedOpen || m.recovered == nil || ws == nil || ws.ID != m.recovered.ID {
		return ErrNoRecovery
	}
	return nil
}

func (m *Manager) handleReport(ctx context.Context, r workerReport) {
	switch {
	case remote.IsAuth(r.err):
		m.terminate(ctx, r.h, "authentication rejected", r.err)
	case remote.IsRemoteState(r.err):
		m.terminate(ctx, r.h, "session not found on server", r.err)
	default:
		m.log.Debug("worker report ignored", zap.Error(r.err))
	}
}

// terminate closes h locally after the server ended it. It loses to a stop
// that is already in progress.
func (m *Manager) terminate(ctx context.Context, h *Handle, reason string, cause error) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != h || m.state != StateActive {
		return false
	}
	m.state = StateClosed
	h.deactivate()

	if _, err := m.store.CloseSession(context.WithoutCancel(ctx), h.localID, m.clock.Now(), localstore.ClosedByRemote, false); err != nil {
		m.log.Error("close terminated session", zap.Uint("session_id", h.localID), zap.Error(err))
	}
	m.emitLocked(Event{Kind: EventTerminated, SessionID: h.localID, RemoteID: h.remoteID, Reason: reason, Err: cause})
	m.log.Warn("work session terminated remotely", zap.Uint("session_id", h.localID), zap.String("reason", reason))
	return true
}

func (m *Manager) newHandle(ws *localstore.WorkSession, token string) *Handle {
	h := &Handle{
		localID:    ws.ID,
		remoteID:   ws.RemoteID,
		employeeID: ws.EmployeeID,
		companyID:  ws.CompanyID,
		token:      token,
		startedAt:  ws.StartTime,
	}
	h.report = m.enqueue
	return h
}

func (m *Manager) spawnLocked(h *Handle) {
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.active.Store(true)

	for _, w := range m.workers {
		h.group.Go(func() error { return w.Run(ctx, h) })
	}
	if m.healthInterval > 0 {
		h.group.Go(func() error { return m.healthLoop(ctx, h) })
	}
}

func (m *Manager) healthLoop(ctx context.Context, h *Handle) error {
	tkr := m.clock.TickerFunc(ctx, m.healthInterval, func() error {
		m.CheckHealth(ctx, h)
		return nil
	}, "session", "health")
	if err := tkr.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (m *Manager) finalFlush(ctx context.Context, h *Handle) {
	if m.flusher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.finalFlushTimeout)
	defer cancel()
	if err := m.flusher.Flush(ctx, h); err != nil {
		m.log.Warn("final flush incomplete", zap.Uint("session_id", h.localID), zap.Error(err))
	}
}

func (m *Manager) enqueue(h *Handle, err error) {
	select {
	case m.inbox <- workerReport{h: h, err: err}:
	default:
		m.log.Warn("session inbox full; dropping worker report", zap.Error(err))
	}
}

func (m *Manager) emitLocked(ev Event) {
	select {
	case m.events <- ev:
	default:
		m.log.Warn("event channel full; dropping event", zap.Stringer("kind", ev.Kind))
	}
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
}
