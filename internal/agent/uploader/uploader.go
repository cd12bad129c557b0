// Package uploader drains locally stored activity and screenshots to the
// server. Rows are deleted only after the server accepted them.
package uploader

import (
	"context"
	"encoding/base64"
	"errors"
	"io/fs"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/xerrors"

	"worksync/internal/agent/localstore"
	"worksync/internal/agent/metrics"
	"worksync/internal/agent/policy"
	"worksync/internal/agent/remote"
	"worksync/internal/agent/session"
)

// ScreenshotBatchSize bounds the screenshots sent per pass.
const ScreenshotBatchSize = 5

var batchNamespace = uuid.MustParse("6f1c7a52-3d9e-4b8a-9a51-2f0d8c4e7b13")

type Remote interface {
	UploadActivity(ctx context.Context, batch remote.ActivityBatch) error
	UploadScreenshot(ctx context.Context, upload remote.ScreenshotUpload) error
}

type Store interface {
	Session(ctx context.Context, id uint) (*localstore.WorkSession, error)
	PendingActivitySessions(ctx context.Context) ([]uint, error)
	PendingActivity(ctx context.Context, sessionID uint) ([]localstore.ActivityRecord, error)
	DeleteActivity(ctx context.Context, ids []uint) (int64, error)
	PendingScreenshots(ctx context.Context, limit int) ([]localstore.ScreenshotRecord, error)
	CompleteScreenshot(ctx context.Context, rec localstore.ScreenshotRecord) (bool, error)
	PendingCounts(ctx context.Context) (activity, screenshots int64, err error)
}

// Session is the part of a work session the uploader needs.
type Session interface {
	Active() bool
	LocalID() uint
	Token() string
	Report(err error)
}

type PolicySource interface {
	Current() policy.Policy
}

type Uploader struct {
	remote   Remote
	store    Store
	policy   PolicySource
	clock    quartz.Clock
	log      *zap.Logger
	metrics  *metrics.Metrics
	inflight sync.Mutex
}

type Option func(*Uploader)

func WithClock(c quartz.Clock) Option {
	return func(u *Uploader) { u.clock = c }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(u *Uploader) { u.metrics = m }
}

func New(r Remote, s Store, p PolicySource, log *zap.Logger, opts ...Option) *Uploader {
	u := &Uploader{
		remote: r,
		store:  s,
		policy: p,
		clock:  quartz.NewReal(),
		log:    log,
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Run syncs on the live policy's sync interval until ctx ends.
func (u *Uploader) Run(ctx context.Context, h *session.Handle) error {
	return u.loop(ctx, h)
}

func (u *Uploader) loop(ctx context.Context, h Session) error {
	timer := u.clock.NewTimer(u.policy.Current().SyncInterval(), "uploader", "cycle")
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
		if err := u.Sync(ctx, h); err != nil {
			u.log.Debug("sync pass incomplete", zap.Error(err))
		}
		timer.Reset(u.policy.Current().SyncInterval(), "uploader", "cycle")
	}
}

// Sync runs one upload pass for the active session. A pass already in
// flight makes this call a no-op.
func (u *Uploader) Sync(ctx context.Context, h Session) error {
	if !h.Active() {
		return nil
	}
	if !u.inflight.TryLock() {
		return nil
	}
	defer u.inflight.Unlock()
	return u.pass(ctx, h, false)
}

// Flush drains everything it can regardless of the session's active flag.
// It waits for an in-flight pass instead of skipping.
func (u *Uploader) Flush(ctx context.Context, h Session) error {
	u.inflight.Lock()
	defer u.inflight.Unlock()
	return u.pass(ctx, h, true)
}

func (u *Uploader) pass(ctx context.Context, h Session, drain bool) error {
	defer u.updatePending(ctx)
	sessions := map[uint]*localstore.WorkSession{}

	actErr := u.syncActivity(ctx, h, sessions)
	if actErr != nil && !remote.IsRemoteState(actErr) {
		return actErr
	}
	for {
		n, err := u.syncScreenshots(ctx, h, sessions)
		if err != nil {
			return errors.Join(actErr, err)
		}
		if !drain || n < ScreenshotBatchSize || ctx.Err() != nil {
			break
		}
	}
	return actErr
}

func (u *Uploader) syncActivity(ctx context.Context, h Session, sessions map[uint]*localstore.WorkSession) error {
	ids, err := u.store.PendingActivitySessions(ctx)
	if err != nil {
		return xerrors.Errorf("list pending activity: %w", err)
	}
	// Current session first.
	if i := slices.Index(ids, h.LocalID()); i > 0 {
		ids = append(append([]uint{ids[i]}, ids[:i]...), ids[i+1:]...)
	}

	var firstErr error
	for _, sid := range ids {
		err := u.syncSessionActivity(ctx, h, sid, sessions)
		if err == nil {
			continue
		}
		switch {
		case remote.IsNetwork(err):
			return err
		case remote.IsAuth(err):
			h.Report(err)
			return err
		case remote.IsRemoteState(err):
			h.Report(err)
			u.log.Warn("server does not know the current session; activity kept", zap.Uint("session_id", sid), zap.Error(err))
		default:
			u.log.Warn("activity upload failed", zap.Uint("session_id", sid), zap.Error(err))
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (u *Uploader) syncSessionActivity(ctx context.Context, h Session, sid uint, sessions map[uint]*localstore.WorkSession) error {
	recs, err := u.store.PendingActivity(ctx, sid)
	if err != nil {
		return xerrors.Errorf("read pending activity: %w", err)
	}
	if len(recs) == 0 {
		return nil
	}
	ws, err := u.session(ctx, sid, sessions)
	if err != nil {
		return err
	}

	batch, ids := BuildBatch(ws, h.Token(), recs)
	err = u.remote.UploadActivity(ctx, batch)
	switch {
	case err == nil:
		if _, derr := u.store.DeleteActivity(ctx, ids); derr != nil {
			return xerrors.Errorf("delete uploaded activity: %w", derr)
		}
		u.metrics.RecordUpload(metrics.KindActivity, metrics.ResultSuccess, len(ids))
		u.log.Debug("activity uploaded", zap.Uint("session_id", sid), zap.Int("records", len(ids)), zap.String("batch_id", batch.BatchID))
		return nil
	case remote.IsValidation(err), remote.IsRemoteState(err) && sid != h.LocalID():
		// Poison batch, or a past session the server no longer knows:
		// retrying would fail forever.
		if _, derr := u.store.DeleteActivity(ctx, ids); derr != nil {
			return xerrors.Errorf("drop rejected activity: %w", derr)
		}
		u.metrics.RecordUpload(metrics.KindActivity, metrics.ResultDropped, len(ids))
		u.log.Warn("activity rejected by server; dropped", zap.Uint("session_id", sid), zap.Int("records", len(ids)), zap.Error(err))
		return nil
	case remote.IsNetwork(err):
		u.metrics.RecordUpload(metrics.KindActivity, metrics.ResultRetry, 0)
		return err
	default:
		u.metrics.RecordUpload(metrics.KindActivity, metrics.ResultFailed, 0)
		return err
	}
}

func (u *Uploader) syncScreenshots(ctx context.Context, h Session, sessions map[uint]*localstore.WorkSession) (int, error) {
	recs, err := u.store.PendingScreenshots(ctx, ScreenshotBatchSize)
	if err != nil {
		return 0, xerrors.Errorf("list pending screenshots: %w", err)
	}
	for _, rec := range recs {
		err := u.uploadScreenshot(ctx, h, rec, sessions)
		switch {
		case err == nil:
		case remote.IsAuth(err):
			h.Report(err)
			return 0, err
		case remote.IsRemoteState(err):
			h.Report(err)
			return 0, err
		default:
			return 0, err
		}
	}
	return len(recs), nil
}

func (u *Uploader) uploadScreenshot(ctx context.Context, h Session, rec localstore.ScreenshotRecord, sessions map[uint]*localstore.WorkSession) error {
	data, err := os.ReadFile(rec.FilePath)
	if errors.Is(err, fs.ErrNotExist) {
		u.log.Warn("screenshot file missing; dropping", zap.String("path", rec.FilePath))
		u.metrics.RecordUpload(metrics.KindScreenshot, metrics.ResultDropped, 1)
		return u.complete(ctx, rec)
	}
	if err != nil {
		return xerrors.Errorf("read screenshot: %w", err)
	}
	ws, err := u.session(ctx, rec.SessionID, sessions)
	if err != nil {
		return err
	}

	err = u.remote.UploadScreenshot(ctx, remote.ScreenshotUpload{
		EmployeeID:    ws.EmployeeID,
		WorkSessionID: ws.RemoteID,
		ActiveToken:   h.Token(),
		Photo:         base64.StdEncoding.EncodeToString(data),
		CaptureTime:   rec.CaptureTime,
	})
	switch {
	case err == nil:
		u.metrics.RecordUpload(metrics.KindScreenshot, metrics.ResultSuccess, 1)
		return u.complete(ctx, rec)
	case remote.IsValidation(err), remote.IsRemoteState(err) && rec.SessionID != h.LocalID():
		u.log.Warn("screenshot rejected by server; dropped", zap.Uint("id", rec.ID), zap.Uint("session_id", rec.SessionID), zap.Error(err))
		u.metrics.RecordUpload(metrics.KindScreenshot, metrics.ResultDropped, 1)
		return u.complete(ctx, rec)
	case remote.IsNetwork(err):
		u.metrics.RecordUpload(metrics.KindScreenshot, metrics.ResultRetry, 0)
		return err
	default:
		u.metrics.RecordUpload(metrics.KindScreenshot, metrics.ResultFailed, 0)
		return err
	}
}

func (u *Uploader) complete(ctx context.Context, rec localstore.ScreenshotRecord) error {
	if _, err := u.store.CompleteScreenshot(ctx, rec); err != nil {
		// The row is flagged; the file is swept on the next open.
		u.log.Warn("complete screenshot", zap.Uint("id", rec.ID), zap.Error(err))
	}
	return nil
}

func (u *Uploader) session(ctx context.Context, id uint, cache map[uint]*localstore.WorkSession) (*localstore.WorkSession, error) {
	if ws, ok := cache[id]; ok {
		return ws, nil
	}
	ws, err := u.store.Session(ctx, id)
	if err != nil {
		return nil, xerrors.Errorf("load session %d: %w", id, err)
	}
	cache[id] = ws
	return ws, nil
}

func (u *Uploader) updatePending(ctx context.Context) {
	if u.metrics == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	act, shots, err := u.store.PendingCounts(ctx)
	if err != nil {
		return
	}
	u.metrics.SetPending(metrics.KindActivity, act)
	u.metrics.SetPending(metrics.KindScreenshot, shots)
}

// BuildBatch groups recs into one request and returns the row ids it covers.
// The batch id is derived from those ids so a retry of the same rows carries
// the same id.
func BuildBatch(ws *localstore.WorkSession, token string, recs []localstore.ActivityRecord) (remote.ActivityBatch, []uint) {
	batch := remote.ActivityBatch{
		EmployeeID:    ws.EmployeeID,
		WorkSessionID: ws.RemoteID,
		ActiveToken:   token,
		Applications:  []remote.ApplicationEntry{},
		Websites:      []remote.WebsiteEntry{},
		Activities:    []remote.ActivityEntry{},
	}
	ids := make([]uint, 0, len(recs))
	for _, r := range recs {
		ids = append(ids, r.ID)
		switch r.Kind {
		case localstore.KindApplication:
			batch.Applications = append(batch.Applications, remote.ApplicationEntry{
				AppName:       r.AppName,
				WindowTitle:   r.WindowTitle,
				ActiveSeconds: r.ActiveSeconds,
				CreatedAt:     r.CreatedAt,
			})
		case localstore.KindWebsite:
			batch.Websites = append(batch.Websites, remote.WebsiteEntry{
				Domain:        r.Domain,
				URL:           r.URL,
				ActiveSeconds: r.ActiveSeconds,
				CreatedAt:     r.CreatedAt,
			})
		case localstore.KindActivity:
			batch.Activities = append(batch.Activities, remote.ActivityEntry{
				MinuteType:      string(r.MinuteType),
				ActiveSeconds:   r.ActiveSeconds,
				DurationSeconds: r.DurationSeconds,
				CreatedAt:       r.CreatedAt,
			})
		}
	}
	batch.BatchID = batchID(ws.RemoteID, ids)
	return batch, ids
}

func batchID(remoteSession int64, ids []uint) string {
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	var b strings.Builder
	b.WriteString(strconv.FormatInt(remoteSession, 10))
	for _, id := range sorted {
		b.WriteByte(':')
		b.WriteString(strconv.FormatUint(uint64(id), 10))
	}
	return uuid.NewSHA1(batchNamespace, []byte(b.String())).String()
}
