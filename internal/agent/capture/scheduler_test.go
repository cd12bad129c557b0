package capture

import (
	"context"
	"image"
	"image/color"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"golang.org/x/xerrors"

	"worksync/internal/agent/localstore"
	"worksync/internal/agent/policy"
	"worksync/internal/agent/remote"
	"worksync/internal/agent/uploader"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testTimeout = 10 * time.Second

type fakeCapturer struct {
	calls atomic.Int32
	err   error
}

func (f *fakeCapturer) Capture() (image.Image, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.Set(1, 1, color.RGBA{R: 255, A: 255})
	return img, nil
}

type fakeSession struct {
	id     uint
	active atomic.Bool
}

func (s *fakeSession) Active() bool  { return s.active.Load() }
func (s *fakeSession) LocalID() uint { return s.id }
func (s *fakeSession) Token() string { return "tok-1" }
func (s *fakeSession) Report(error)  {}

type fakeRemote struct {
	mu    sync.Mutex
	shots []remote.ScreenshotUpload
}

func (f *fakeRemote) UploadActivity(context.Context, remote.ActivityBatch) error { return nil }

func (f *fakeRemote) UploadScreenshot(_ context.Context, up remote.ScreenshotUpload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shots = append(f.shots, up)
	return nil
}

func (f *fakeRemote) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.shots)
}

type staticPolicy struct{ p policy.Policy }

func (s staticPolicy) Current() policy.Policy { return s.p }

// nopSyncer leaves captures pending.
type nopSyncer struct{}

func (nopSyncer) Sync(context.Context, uploader.Session) error { return nil }

func setupTestStore(t *testing.T) *localstore.Store {
	t.Helper()
	s, err := localstore.Open(context.Background(), ":memory:", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func activeSession(t *testing.T, s *localstore.Store) *fakeSession {
	t.Helper()
	ws := &localstore.WorkSession{RemoteID: 501, EmployeeID: 41, CompanyID: 7, StartTime: time.Now()}
	require.NoError(t, s.StartSession(context.Background(), ws))
	fs := &fakeSession{id: ws.ID}
	fs.active.Store(true)
	return fs
}

func fixedOffsets(offs ...time.Duration) OffsetFunc {
	return func(time.Duration) []time.Duration { return offs }
}

func TestScheduler_TwoCapturesUploadedLeaveNothingBehind(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	mClock := quartz.NewMock(t)
	cycleTrap := mClock.Trap().NewTimer("screenshot", "cycle")
	defer cycleTrap.Close()

	store := setupTestStore(t)
	sess := activeSession(t, store)
	dir := t.TempDir()

	p := policy.Default()
	p.ScreenshotIntervalSeconds = 60
	fr := &fakeRemote{}
	up := uploader.New(fr, store, staticPolicy{p: p}, zap.NewNop())
	capt := &fakeCapturer{}
	s := NewScheduler(capt, store, up, staticPolicy{p: p}, dir, zap.NewNop(),
		WithClock(mClock), WithOffsets(fixedOffsets(12*time.Second, 47*time.Second)))

	loopCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- s.loop(loopCtx, sess) }()

	call := cycleTrap.MustWait(ctx)
	assert.Equal(t, 60*time.Second, call.Duration)
	call.MustRelease(ctx)

	mClock.Advance(12 * time.Second).MustWait(ctx)
	assert.Equal(t, int32(1), capt.calls.Load())
	assert.Equal(t, 1, fr.count())

	mClock.Advance(35 * time.Second).MustWait(ctx)
	assert.Equal(t, int32(2), capt.calls.Load())
	assert.Equal(t, 2, fr.count())

	_, pending, err := store.PendingCounts(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	stop()
	require.NoError(t, <-done)
}

func TestScheduler_DisabledTakesNothingForFiveMinutes(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	mClock := quartz.NewMock(t)
	cycleTrap := mClock.Trap().NewTimer("screenshot", "cycle")
	defer cycleTrap.Close()

	store := setupTestStore(t)
	sess := activeSession(t, store)
	p := policy.Default()
	p.ScreenshotsEnabled = false
	capt := &fakeCapturer{}
	s := NewScheduler(capt, store, nopSyncer{}, staticPolicy{p: p}, t.TempDir(), zap.NewNop(), WithClock(mClock))

	loopCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- s.loop(loopCtx, sess) }()

	for range 5 {
		call := cycleTrap.MustWait(ctx)
		assert.Equal(t, DisabledRecheck, call.Duration)
		call.MustRelease(ctx)
		mClock.Advance(DisabledRecheck).MustWait(ctx)
	}
	cycleTrap.MustWait(ctx).MustRelease(ctx)

	stop()
	require.NoError(t, <-done)
	assert.Zero(t, capt.calls.Load())
}

func TestScheduler_InactiveSessionSkipsCapture(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	mClock := quartz.NewMock(t)
	cycleTrap := mClock.Trap().NewTimer("screenshot", "cycle")
	defer cycleTrap.Close()

	store := setupTestStore(t)
	sess := activeSession(t, store)
	capt := &fakeCapturer{}
	s := NewScheduler(capt, store, nopSyncer{}, staticPolicy{p: policy.Default()}, t.TempDir(), zap.NewNop(),
		WithClock(mClock), WithOffsets(fixedOffsets(15*time.Second, 20*time.Second)))

	loopCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- s.loop(loopCtx, sess) }()
	cycleTrap.MustWait(ctx).MustRelease(ctx)

	// The session ended but the loop has not noticed yet: a timer that
	// fires now must not capture.
	sess.active.Store(false)
	mClock.Advance(15 * time.Second).MustWait(ctx)
	assert.Zero(t, capt.calls.Load())

	stop()
	require.NoError(t, <-done)
}

func TestScheduler_CaptureFailureIsSkipped(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := setupTestStore(t)
	sess := activeSession(t, store)
	dir := t.TempDir()
	capt := &fakeCapturer{err: xerrors.New("no display")}
	s := NewScheduler(capt, store, nopSyncer{}, staticPolicy{p: policy.Default()}, dir, zap.NewNop())

	s.captureOnce(ctx, sess)

	_, pending, err := store.PendingCounts(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestScheduler_CaptureStoresPendingPNG(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := setupTestStore(t)
	sess := activeSession(t, store)
	dir := t.TempDir()
	s := NewScheduler(&fakeCapturer{}, store, nopSyncer{}, staticPolicy{p: policy.Default()}, dir, zap.NewNop())

	s.captureOnce(ctx, sess)

	recs, err := store.PendingScreenshots(ctx, 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, sess.id, recs[0].SessionID)
	data, err := os.ReadFile(recs[0].FilePath)
	require.NoError(t, err)
	assert.Equal(t, "\x89PNG", string(data[:4]))
}

func TestRandomOffsets(t *testing.T) {
	t.Parallel()
	for _, interval := range []time.Duration{30 * time.Second, 5 * time.Minute, time.Hour} {
		for range 50 {
			offs := RandomOffsets(interval)
			require.Len(t, offs, CapturesPerCycle)
			assert.LessOrEqual(t, offs[0], offs[1])
			for _, o := range offs {
				assert.GreaterOrEqual(t, o, MinOffset)
				assert.Less(t, o, interval)
			}
		}
	}
}
