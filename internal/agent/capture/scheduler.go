// Package capture takes screenshots at randomized moments while a session
// is active and hands them to the uploader.
package capture

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	fileatomic "github.com/natefinch/atomic"
	"go.uber.org/zap"
	"golang.org/x/xerrors"

	"worksync/internal/agent/localstore"
	"worksync/internal/agent/metrics"
	"worksync/internal/agent/policy"
	"worksync/internal/agent/session"
	"worksync/internal/agent/uploader"
)

const (
	// CapturesPerCycle is how many screenshots each cycle takes.
	CapturesPerCycle = 2
	// MinInterval is the floor applied to the policy's screenshot interval.
	MinInterval = 30 * time.Second
	// MinOffset keeps captures away from the start of a cycle.
	MinOffset = 10 * time.Second
	// DisabledRecheck is how often a disabled policy is re-read.
	DisabledRecheck = 60 * time.Second
)

type Capturer interface {
	Capture() (image.Image, error)
}

type Store interface {
	AddScreenshot(ctx context.Context, rec *localstore.ScreenshotRecord) error
}

type Syncer interface {
	Sync(ctx context.Context, h uploader.Session) error
}

type PolicySource interface {
	Current() policy.Policy
}

// OffsetFunc picks the capture moments within one cycle.
type OffsetFunc func(interval time.Duration) []time.Duration

type Scheduler struct {
	capturer Capturer
	store    Store
	syncer   Syncer
	policy   PolicySource
	dir      string
	clock    quartz.Clock
	log      *zap.Logger
	metrics  *metrics.Metrics
	offsets  OffsetFunc
}

type Option func(*Scheduler)

func WithClock(c quartz.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

func WithOffsets(f OffsetFunc) Option {
	return func(s *Scheduler) { s.offsets = f }
}

func NewScheduler(c Capturer, st Store, sy Syncer, p PolicySource, dir string, log *zap.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		capturer: c,
		store:    st,
		syncer:   sy,
		policy:   p,
		dir:      dir,
		clock:    quartz.NewReal(),
		log:      log,
		offsets:  RandomOffsets,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Scheduler) Run(ctx context.Context, h *session.Handle) error {
	return s.loop(ctx, h)
}

func (s *Scheduler) loop(ctx context.Context, h uploader.Session) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		s.log.Error("create screenshot dir", zap.String("dir", s.dir), zap.Error(err))
	}

	var (
		wg     sync.WaitGroup
		shots  []*quartz.Timer
		cancel = func() {
			for _, t := range shots {
				if t.Stop() {
					wg.Done()
				}
			}
			shots = shots[:0]
		}
	)
	defer wg.Wait()
	defer cancel()

	for {
		wait := DisabledRecheck
		if p := s.policy.Current(); p.ScreenshotsEnabled {
			wait = max(MinInterval, p.ScreenshotInterval())
			cancel()
			for _, off := range s.offsets(wait) {
				wg.Add(1)
				shots = append(shots, s.clock.AfterFunc(off, func() {
					defer wg.Done()
					s.captureOnce(ctx, h)
				}, "screenshot", "capture"))
			}
		}

		cycle := s.clock.NewTimer(wait, "screenshot", "cycle")
		select {
		case <-ctx.Done():
			cycle.Stop()
			return nil
		case <-cycle.C:
		}
	}
}

// captureOnce is the body of each one-shot timer. It does nothing once the
// session is no longer active.
func (s *Scheduler) captureOnce(ctx context.Context, h uploader.Session) {
	if !h.Active() || ctx.Err() != nil {
		return
	}
	rec, err := s.capture(ctx, h)
	s.metrics.RecordCapture(err)
	if err != nil {
		s.log.Warn("screenshot capture failed", zap.Error(err))
		return
	}
	s.log.Debug("screenshot captured", zap.String("path", rec.FilePath))

	if err := s.syncer.Sync(ctx, h); err != nil {
		s.log.Debug("opportunistic upload incomplete", zap.Error(err))
	}
}

func (s *Scheduler) capture(ctx context.Context, h uploader.Session) (*localstore.ScreenshotRecord, error) {
	at := s.clock.Now("screenshot", "capture")
	img, err := s.capturer.Capture()
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, xerrors.Errorf("encode png: %w", err)
	}
	path := filepath.Join(s.dir, "screenshot_"+uuid.NewString()+".png")
	if err := fileatomic.WriteFile(path, &buf); err != nil {
		return nil, xerrors.Errorf("write %s: %w", path, err)
	}

	rec := &localstore.ScreenshotRecord{SessionID: h.LocalID(), FilePath: path, CaptureTime: at}
	if err := s.store.AddScreenshot(ctx, rec); err != nil {
		_ = os.Remove(path)
		return nil, xerrors.Errorf("record screenshot: %w", err)
	}
	return rec, nil
}

// RandomOffsets returns CapturesPerCycle sorted offsets uniform in
// [MinOffset, interval).
func RandomOffsets(interval time.Duration) []time.Duration {
	span := interval - MinOffset
	out := make([]time.Duration, CapturesPerCycle)
	for i := range out {
		out[i] = MinOffset
		if span > 0 {
			out[i] += rand.N(span)
		}
	}
	slices.Sort(out)
	return out
}
