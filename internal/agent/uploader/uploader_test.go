package uploader

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	prom_testutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"worksync/internal/agent/localstore"
	"worksync/internal/agent/metrics"
	"worksync/internal/agent/policy"
	"worksync/internal/agent/remote"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testTimeout = 10 * time.Second

type fakeSession struct {
	id     uint
	token  string
	active atomic.Bool

	mu      sync.Mutex
	reports []error
}

func newFakeSession(id uint) *fakeSession {
	s := &fakeSession{id: id, token: "tok-1"}
	s.active.Store(true)
	return s
}

func (s *fakeSession) Active() bool  { return s.active.Load() }
func (s *fakeSession) LocalID() uint { return s.id }
func (s *fakeSession) Token() string { return s.token }
func (s *fakeSession) Report(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, err)
}

func (s *fakeSession) reported() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.reports...)
}

type fakeRemote struct {
	mu          sync.Mutex
	activityErr error
	shotErr     error
	// errFor overrides the result for one remote session id.
	errFor  map[int64]error
	batches []remote.ActivityBatch
	shots   []remote.ScreenshotUpload
	gate    chan struct{}
	entered chan struct{}
}

func (f *fakeRemote) UploadActivity(ctx context.Context, batch remote.ActivityBatch) error {
	f.mu.Lock()
	gate, entered := f.gate, f.entered
	f.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, batch)
	if err, ok := f.errFor[batch.WorkSessionID]; ok {
		return err
	}
	return f.activityErr
}

func (f *fakeRemote) UploadScreenshot(_ context.Context, upload remote.ScreenshotUpload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shots = append(f.shots, upload)
	if err, ok := f.errFor[upload.WorkSessionID]; ok {
		return err
	}
	return f.shotErr
}

func (f *fakeRemote) sent() ([]remote.ActivityBatch, []remote.ScreenshotUpload) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]remote.ActivityBatch(nil), f.batches...), append([]remote.ScreenshotUpload(nil), f.shots...)
}

type staticPolicy struct{ p policy.Policy }

func (s staticPolicy) Current() policy.Policy { return s.p }

func setupTestStore(t *testing.T) *localstore.Store {
	t.Helper()
	s, err := localstore.Open(context.Background(), ":memory:", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func startSession(t *testing.T, s *localstore.Store, remoteID int64) *localstore.WorkSession {
	t.Helper()
	ws := &localstore.WorkSession{RemoteID: remoteID, EmployeeID: 41, CompanyID: 7, StartTime: time.Now()}
	require.NoError(t, s.StartSession(context.Background(), ws))
	return ws
}

func seedActivity(t *testing.T, s *localstore.Store, sessionID uint) {
	t.Helper()
	at := time.Date(2026, 3, 2, 9, 1, 0, 0, time.UTC)
	require.NoError(t, s.AppendActivity(context.Background(), sessionID, []localstore.ActivityRecord{
		localstore.ApplicationUsage("code", "main.go", 40, at),
		localstore.WebsiteUsage("github.com", "https://github.com/", 20, at),
		localstore.ActivityLog(localstore.MinuteActive, 55, 60, at),
	}))
}

func pendingActivity(t *testing.T, s *localstore.Store) int64 {
	t.Helper()
	n, _, err := s.PendingCounts(context.Background())
	require.NoError(t, err)
	return n
}

func newTestUploader(t *testing.T, fr *fakeRemote, s *localstore.Store, opts ...Option) *Uploader {
	t.Helper()
	return New(fr, s, staticPolicy{p: policy.Default()}, zap.NewNop(), opts...)
}

func TestSync_UploadsOneBatchAndDeletesRows(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := setupTestStore(t)
	ws := startSession(t, store, 501)
	seedActivity(t, store, ws.ID)

	fr := &fakeRemote{}
	m, err := metrics.New(prometheus.NewRegistry())
	require.NoError(t, err)
	u := newTestUploader(t, fr, store, WithMetrics(m))

	require.NoError(t, u.Sync(ctx, newFakeSession(ws.ID)))

	batches, _ := fr.sent()
	require.Len(t, batches, 1)
	b := batches[0]
	assert.Equal(t, int64(501), b.WorkSessionID)
	assert.Equal(t, int64(41), b.EmployeeID)
	assert.Equal(t, "tok-1", b.ActiveToken)
	assert.NotEmpty(t, b.BatchID)
	require.Len(t, b.Applications, 1)
	require.Len(t, b.Websites, 1)
	require.Len(t, b.Activities, 1)
	assert.Equal(t, "code", b.Applications[0].AppName)
	assert.Equal(t, "github.com", b.Websites[0].Domain)
	assert.Equal(t, "active", b.Activities[0].MinuteType)

	assert.Zero(t, pendingActivity(t, store))
}

func TestSync_FailedBatchLeavesRows(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := setupTestStore(t)
	ws := startSession(t, store, 501)
	seedActivity(t, store, ws.ID)

	fr := &fakeRemote{activityErr: &remote.Error{Kind: remote.KindNetwork, Op: "upload activity", Status: 502}}
	u := newTestUploader(t, fr, store)
	s := newFakeSession(ws.ID)

	err := u.Sync(ctx, s)
	require.Error(t, err)
	assert.True(t, remote.IsNetwork(err))
	assert.Equal(t, int64(3), pendingActivity(t, store))
	assert.Empty(t, s.reported())

	// The retry carries the same batch id.
	fr.mu.Lock()
	fr.activityErr = nil
	fr.mu.Unlock()
	require.NoError(t, u.Sync(ctx, s))
	batches, _ := fr.sent()
	require.Len(t, batches, 2)
	assert.Equal(t, batches[0].BatchID, batches[1].BatchID)
	assert.Zero(t, pendingActivity(t, store))
}

func TestSync_ValidationDropsBatch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := setupTestStore(t)
	ws := startSession(t, store, 501)
	seedActivity(t, store, ws.ID)

	fr := &fakeRemote{activityErr: &remote.Error{Kind: remote.KindValidation, Op: "upload activity", Status: 422}}
	u := newTestUploader(t, fr, store)

	require.NoError(t, u.Sync(ctx, newFakeSession(ws.ID)))
	assert.Zero(t, pendingActivity(t, store))
}

func TestSync_AuthFailureReportsAndKeepsRows(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := setupTestStore(t)
	ws := startSession(t, store, 501)
	seedActivity(t, store, ws.ID)

	fr := &fakeRemote{activityErr: &remote.Error{Kind: remote.KindAuth, Op: "upload activity", Status: 401}}
	u := newTestUploader(t, fr, store)
	s := newFakeSession(ws.ID)

	err := u.Sync(ctx, s)
	require.Error(t, err)
	assert.Equal(t, int64(3), pendingActivity(t, store))
	reports := s.reported()
	require.Len(t, reports, 1)
	assert.True(t, remote.IsAuth(reports[0]))
}

func TestSync_OlderSessionUsesItsOwnRemoteID(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := setupTestStore(t)

	old := &localstore.WorkSession{RemoteID: 400, EmployeeID: 99, CompanyID: 7, StartTime: time.Now().Add(-2 * time.Hour)}
	require.NoError(t, store.StartSession(ctx, old))
	seedActivity(t, store, old.ID)
	cur := startSession(t, store, 501)
	seedActivity(t, store, cur.ID)

	fr := &fakeRemote{}
	u := newTestUploader(t, fr, store)
	require.NoError(t, u.Sync(ctx, newFakeSession(cur.ID)))

	batches, _ := fr.sent()
	require.Len(t, batches, 2)
	assert.Equal(t, int64(501), batches[0].WorkSessionID, "current session goes first")
	assert.Equal(t, int64(400), batches[1].WorkSessionID)
	assert.NotEqual(t, batches[0].BatchID, batches[1].BatchID)
}

func TestSync_UnknownOlderSessionIsDropped(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := setupTestStore(t)

	old := &localstore.WorkSession{RemoteID: 9999, EmployeeID: 99, CompanyID: 7, StartTime: time.Now().Add(-2 * time.Hour)}
	require.NoError(t, store.StartSession(ctx, old))
	seedActivity(t, store, old.ID)
	addScreenshot(t, store, old.ID, t.TempDir(), "old.png", time.Now())
	cur := startSession(t, store, 501)
	seedActivity(t, store, cur.ID)

	gone := &remote.Error{Kind: remote.KindRemoteState, Op: "upload activity", Status: 404}
	fr := &fakeRemote{errFor: map[int64]error{9999: gone}}
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)
	u := newTestUploader(t, fr, store, WithMetrics(m))
	s := newFakeSession(cur.ID)

	for range 3 {
		require.NoError(t, u.Sync(ctx, s))
	}

	batches, shots := fr.sent()
	require.Len(t, batches, 2, "the unknown session is tried once")
	assert.Len(t, shots, 1)
	pendingAct, pendingShots, err := store.PendingCounts(ctx)
	require.NoError(t, err)
	assert.Zero(t, pendingAct)
	assert.Zero(t, pendingShots)
	assert.Empty(t, s.reported(), "an older session never ends the current one")

	_, err = store.CloseSession(ctx, old.ID, time.Now(), localstore.ClosedByDiscard, false)
	require.NoError(t, err)
	n, err := store.Cleanup(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(1))
}

func TestSync_UnknownCurrentSessionReportsAndKeepsRows(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := setupTestStore(t)
	ws := startSession(t, store, 501)
	seedActivity(t, store, ws.ID)

	fr := &fakeRemote{activityErr: &remote.Error{Kind: remote.KindRemoteState, Op: "upload activity", Status: 404}}
	u := newTestUploader(t, fr, store)
	s := newFakeSession(ws.ID)

	require.Error(t, u.Sync(ctx, s))
	assert.Equal(t, int64(3), pendingActivity(t, store))
	reports := s.reported()
	require.Len(t, reports, 1)
	assert.True(t, remote.IsRemoteState(reports[0]))
}

func TestSync_InactiveSessionIsNoop(t *testing.T) {
	t.Parallel()
	store := setupTestStore(t)
	ws := startSession(t, store, 501)
	seedActivity(t, store, ws.ID)

	fr := &fakeRemote{}
	u := newTestUploader(t, fr, store)
	s := newFakeSession(ws.ID)
	s.active.Store(false)

	require.NoError(t, u.Sync(context.Background(), s))
	batches, _ := fr.sent()
	assert.Empty(t, batches)

	// Flush ignores the flag.
	require.NoError(t, u.Flush(context.Background(), s))
	batches, _ = fr.sent()
	assert.Len(t, batches, 1)
}

func TestSync_SingleFlight(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	store := setupTestStore(t)
	ws := startSession(t, store, 501)
	seedActivity(t, store, ws.ID)

	fr := &fakeRemote{gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	u := newTestUploader(t, fr, store)
	s := newFakeSession(ws.ID)

	done := make(chan error, 1)
	go func() { done <- u.Sync(ctx, s) }()
	<-fr.entered

	require.NoError(t, u.Sync(ctx, s))
	close(fr.gate)
	require.NoError(t, <-done)

	batches, _ := fr.sent()
	assert.Len(t, batches, 1)
	assert.Zero(t, pendingActivity(t, store))
}

func addScreenshot(t *testing.T, s *localstore.Store, sessionID uint, dir, name string, at time.Time) *localstore.ScreenshotRecord {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("png:"+name), 0o600))
	rec := &localstore.ScreenshotRecord{SessionID: sessionID, FilePath: path, CaptureTime: at}
	require.NoError(t, s.AddScreenshot(context.Background(), rec))
	return rec
}

func TestScreenshots_UploadRemovesRowAndFile(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := setupTestStore(t)
	ws := startSession(t, store, 501)
	dir := t.TempDir()
	at := time.Date(2026, 3, 2, 9, 0, 12, 0, time.UTC)
	rec := addScreenshot(t, store, ws.ID, dir, "a.png", at)

	fr := &fakeRemote{}
	u := newTestUploader(t, fr, store)
	require.NoError(t, u.Sync(ctx, newFakeSession(ws.ID)))

	_, shots := fr.sent()
	require.Len(t, shots, 1)
	photo, err := base64.StdEncoding.DecodeString(shots[0].Photo)
	require.NoError(t, err)
	assert.Equal(t, "png:a.png", string(photo))
	assert.Equal(t, int64(501), shots[0].WorkSessionID)
	assert.True(t, shots[0].CaptureTime.Equal(at))

	assert.NoFileExists(t, rec.FilePath)
	_, pendingShots, err := store.PendingCounts(ctx)
	require.NoError(t, err)
	assert.Zero(t, pendingShots)
}

func TestScreenshots_MissingFileIsDropped(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := setupTestStore(t)
	ws := startSession(t, store, 501)
	rec := addScreenshot(t, store, ws.ID, t.TempDir(), "gone.png", time.Now())
	require.NoError(t, os.Remove(rec.FilePath))

	fr := &fakeRemote{}
	u := newTestUploader(t, fr, store)
	require.NoError(t, u.Sync(ctx, newFakeSession(ws.ID)))

	_, shots := fr.sent()
	assert.Empty(t, shots)
	_, pendingShots, err := store.PendingCounts(ctx)
	require.NoError(t, err)
	assert.Zero(t, pendingShots)
}

func TestScreenshots_NetworkFailureKeepsFiles(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := setupTestStore(t)
	ws := startSession(t, store, 501)
	rec := addScreenshot(t, store, ws.ID, t.TempDir(), "a.png", time.Now())

	fr := &fakeRemote{shotErr: &remote.Error{Kind: remote.KindNetwork, Op: "upload screenshot"}}
	u := newTestUploader(t, fr, store)
	require.Error(t, u.Sync(ctx, newFakeSession(ws.ID)))

	assert.FileExists(t, rec.FilePath)
	_, pendingShots, err := store.PendingCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pendingShots)
}

func TestScreenshots_BatchSizeAndFlushDrain(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := setupTestStore(t)
	ws := startSession(t, store, 501)
	dir := t.TempDir()
	base := time.Now()
	for i := range 7 {
		addScreenshot(t, store, ws.ID, dir, "s"+string(rune('a'+i))+".png", base.Add(time.Duration(i)*time.Second))
	}

	fr := &fakeRemote{}
	u := newTestUploader(t, fr, store)
	s := newFakeSession(ws.ID)

	require.NoError(t, u.Sync(ctx, s))
	_, shots := fr.sent()
	assert.Len(t, shots, ScreenshotBatchSize)

	require.NoError(t, u.Flush(ctx, s))
	_, shots = fr.sent()
	assert.Len(t, shots, 7)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestBuildBatch_IDIgnoresRowOrder(t *testing.T) {
	t.Parallel()
	ws := &localstore.WorkSession{RemoteID: 501, EmployeeID: 41}
	at := time.Now()
	a := localstore.ApplicationUsage("code", "x", 1, at)
	a.ID = 3
	b := localstore.ActivityLog(localstore.MinuteIdle, 0, 60, at)
	b.ID = 9

	b1, ids1 := BuildBatch(ws, "t", []localstore.ActivityRecord{a, b})
	b2, _ := BuildBatch(ws, "t", []localstore.ActivityRecord{b, a})
	assert.Equal(t, b1.BatchID, b2.BatchID)
	assert.Equal(t, []uint{3, 9}, ids1)
	assert.Equal(t, 2, b1.Len())

	other := &localstore.WorkSession{RemoteID: 502, EmployeeID: 41}
	b3, _ := BuildBatch(other, "t", []localstore.ActivityRecord{a, b})
	assert.NotEqual(t, b1.BatchID, b3.BatchID)
}

func TestLoop_SyncsOnPolicyInterval(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	mClock := quartz.NewMock(t)
	newTrap := mClock.Trap().NewTimer("uploader", "cycle")
	defer newTrap.Close()
	resetTrap := mClock.Trap().TimerReset("uploader", "cycle")
	defer resetTrap.Close()

	store := setupTestStore(t)
	ws := startSession(t, store, 501)
	seedActivity(t, store, ws.ID)

	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)
	fr := &fakeRemote{}
	p := policy.Default()
	p.SyncIntervalSeconds = 45
	u := New(fr, store, staticPolicy{p: p}, zap.NewNop(), WithClock(mClock), WithMetrics(m))

	loopCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- u.loop(loopCtx, newFakeSession(ws.ID)) }()

	call := newTrap.MustWait(ctx)
	assert.Equal(t, 45*time.Second, call.Duration)
	call.MustRelease(ctx)

	mClock.Advance(45 * time.Second).MustWait(ctx)
	resetTrap.MustWait(ctx).MustRelease(ctx)

	batches, _ := fr.sent()
	assert.Len(t, batches, 1)
	series, err := prom_testutil.GatherAndCount(reg, "worksync_agent_uploads_total")
	require.NoError(t, err)
	assert.Equal(t, 1, series)

	stop()
	require.NoError(t, <-done)
}
