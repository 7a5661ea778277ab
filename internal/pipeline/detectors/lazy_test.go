package detectors

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"viewfinder/internal/pipeline"
)

type fakeBackend struct {
	results []pipeline.DetectionResult
	cfg     pipeline.DetectorConfig
	closed  atomic.Bool
	entered chan struct{}
	release chan struct{}
	seen    image.Rectangle
}

func (b *fakeBackend) Infer(ctx context.Context, img image.Image) ([]pipeline.DetectionResult, error) {
	b.seen = img.Bounds()
	if b.entered != nil {
		b.entered <- struct{}{}
		<-b.release
	}
	if b.closed.Load() {
		return nil, errors.New("infer on closed backend")
	}
	out := make([]pipeline.DetectionResult, len(b.results))
	copy(out, b.results)
	return out, nil
}

func (b *fakeBackend) Close() error {
	b.closed.Store(true)
	return nil
}

type fakeFactory struct {
	mu       sync.Mutex
	results  []pipeline.DetectionResult
	backends []*fakeBackend
	err      error
	blocking bool
	entered  chan struct{}
	release  chan struct{}
}

func (f *fakeFactory) build(ctx context.Context, cfg pipeline.DetectorConfig) (Backend, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	b := &fakeBackend{results: f.results, cfg: cfg}
	if f.blocking {
		b.entered, b.release = f.entered, f.release
	}
	f.backends = append(f.backends, b)
	return b, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.backends)
}

func threeDetections() []pipeline.DetectionResult {
	return []pipeline.DetectionResult{
		{Box: pipeline.Box{Left: 10, Top: 10, Right: 50, Bottom: 60}, Categories: []pipeline.Category{{Index: 0, Label: "person", Score: 0.91}}},
		{Box: pipeline.Box{Left: 5, Top: 5, Right: 20, Bottom: 20}, Categories: []pipeline.Category{{Index: 15, Label: "bird", Score: 0.67}}},
		{Box: pipeline.Box{Left: 70, Top: 30, Right: 90, Bottom: 80}, Categories: []pipeline.Category{{Index: 23, Label: "bear", Score: 0.55}}},
	}
}

func newTestLazy(t *testing.T, f *fakeFactory, threshold float32) *Lazy {
	t.Helper()
	cfg := pipeline.DefaultDetectorConfig()
	cfg.Threshold = threshold
	d, err := NewLazy(f.build, cfg, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	return d
}

func TestLazyBuildsOnFirstDetect(t *testing.T) {
	f := &fakeFactory{results: threeDetections()}
	d := newTestLazy(t, f, 0.5)

	assert.False(t, d.Warm())
	assert.Equal(t, 0, f.count())

	_, err := d.Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 100, 100)), 0)
	require.NoError(t, err)
	assert.True(t, d.Warm())
	assert.Equal(t, 1, f.count())

	_, err = d.Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 100, 100)), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, f.count())
}

func TestLazyFiltersAndOrders(t *testing.T) {
	f := &fakeFactory{results: threeDetections()}
	d := newTestLazy(t, f, 0.6)

	dets, err := d.Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 100, 100)), 0)
	require.NoError(t, err)
	require.Len(t, dets.Results, 2)
	assert.Equal(t, 0, dets.Results[0].Categories[0].Index)
	assert.Equal(t, 15, dets.Results[1].Categories[0].Index)
	assert.Equal(t, 100, dets.ImageWidth)
	assert.Equal(t, 100, dets.ImageHeight)
}

func TestLazyStableTieBreak(t *testing.T) {
	f := &fakeFactory{results: []pipeline.DetectionResult{
		{Categories: []pipeline.Category{{Index: 1, Score: 0.7}}},
		{Categories: []pipeline.Category{{Index: 2, Score: 0.9}}},
		{Categories: []pipeline.Category{{Index: 3, Score: 0.7}}},
	}}
	d := newTestLazy(t, f, 0.1)

	dets, err := d.Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 10, 10)), 0)
	require.NoError(t, err)
	require.Len(t, dets.Results, 3)
	assert.Equal(t, []int{2, 1, 3}, []int{
		dets.Results[0].Categories[0].Index,
		dets.Results[1].Categories[0].Index,
		dets.Results[2].Categories[0].Index,
	})
}

func TestLazyMaxResults(t *testing.T) {
	f := &fakeFactory{results: threeDetections()}
	d := newTestLazy(t, f, 0.1)
	require.NoError(t, d.SetMaxResults(1))

	dets, err := d.Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 10, 10)), 0)
	require.NoError(t, err)
	require.Len(t, dets.Results, 1)
	assert.Equal(t, float32(0.91), dets.Results[0].TopScore())
}

func TestLazySetThresholdIdempotent(t *testing.T) {
	f := &fakeFactory{results: threeDetections()}
	d := newTestLazy(t, f, 0.5)
	buf := image.NewRGBA(image.Rect(0, 0, 100, 100))

	first, err := d.Detect(context.Background(), buf, 0)
	require.NoError(t, err)
	assert.Len(t, first.Results, 3)

	require.NoError(t, d.SetThreshold(0.6))
	assert.False(t, d.Warm())
	a, err := d.Detect(context.Background(), buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, f.count())

	require.NoError(t, d.SetThreshold(0.6))
	assert.True(t, d.Warm(), "same threshold must not invalidate")
	b, err := d.Detect(context.Background(), buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, f.count())
	assert.Equal(t, a.Results, b.Results)
}

func TestLazyRejectsInvalidConfig(t *testing.T) {
	f := &fakeFactory{results: threeDetections()}
	d := newTestLazy(t, f, 0.5)
	_, err := d.Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 10, 10)), 0)
	require.NoError(t, err)

	for _, bad := range []float32{-0.1, 1.5} {
		err := d.SetThreshold(bad)
		assert.ErrorIs(t, err, pipeline.ErrInvalidConfig)
	}
	assert.ErrorIs(t, d.SetModelVariant("yolo"), pipeline.ErrInvalidConfig)
	assert.ErrorIs(t, d.SetDelegate("tpu"), pipeline.ErrInvalidConfig)
	assert.ErrorIs(t, d.SetNumThreads(0), pipeline.ErrInvalidConfig)

	assert.Equal(t, float32(0.5), d.Config().Threshold)
	assert.True(t, d.Warm(), "rejected changes must not invalidate")
}

func TestLazyModelChangeInvalidates(t *testing.T) {
	f := &fakeFactory{results: threeDetections()}
	d := newTestLazy(t, f, 0.5)

	var changes []pipeline.DetectorConfig
	d.OnConfigChange(func(c pipeline.DetectorConfig) { changes = append(changes, c) })

	_, err := d.Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 10, 10)), 0)
	require.NoError(t, err)
	require.NoError(t, d.SetModelVariant(pipeline.ModelEfficientDetLite2))
	assert.True(t, f.backends[0].closed.Load())

	_, err = d.Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 10, 10)), 0)
	require.NoError(t, err)
	require.Equal(t, 2, f.count())
	assert.Equal(t, pipeline.ModelEfficientDetLite2, f.backends[1].cfg.Model)
	require.Len(t, changes, 1)
	assert.Equal(t, pipeline.ModelEfficientDetLite2, changes[0].Model)
}

func TestLazyConfigChangeWaitsForInflightDetect(t *testing.T) {
	f := &fakeFactory{
		results:  threeDetections(),
		blocking: true,
		entered:  make(chan struct{}),
		release:  make(chan struct{}),
	}
	d := newTestLazy(t, f, 0.5)

	detectDone := make(chan error, 1)
	go func() {
		_, err := d.Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 10, 10)), 0)
		detectDone <- err
	}()
	<-f.entered

	setDone := make(chan struct{})
	go func() {
		assert.NoError(t, d.SetThreshold(0.9))
		close(setDone)
	}()

	select {
	case <-setDone:
		t.Fatal("config change completed while a detect was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(f.release)
	require.NoError(t, <-detectDone)
	<-setDone
	assert.True(t, f.backends[0].closed.Load())
	assert.Equal(t, float32(0.9), d.Config().Threshold)
}

func TestLazyRotation(t *testing.T) {
	f := &fakeFactory{}
	d := newTestLazy(t, f, 0.5)

	dets, err := d.Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 40, 30)), 90)
	require.NoError(t, err)
	assert.Equal(t, 30, dets.ImageWidth)
	assert.Equal(t, 40, dets.ImageHeight)
	assert.Equal(t, image.Rect(0, 0, 30, 40), f.backends[0].seen)

	_, err = d.Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 40, 30)), 45)
	assert.Error(t, err)
}

func TestLazyBuildFailure(t *testing.T) {
	f := &fakeFactory{err: errors.New("model missing")}
	d := newTestLazy(t, f, 0.5)

	_, err := d.Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 10, 10)), 0)
	assert.ErrorContains(t, err, "model missing")
	assert.False(t, d.Warm())
}

func TestLazyClose(t *testing.T) {
	f := &fakeFactory{results: threeDetections()}
	d := newTestLazy(t, f, 0.5)
	_, err := d.Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 10, 10)), 0)
	require.NoError(t, err)

	require.NoError(t, d.Close())
	assert.True(t, f.backends[0].closed.Load())
	_, err = d.Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 10, 10)), 0)
	assert.ErrorIs(t, err, ErrClosed)
}

type lostBackend struct{ lost atomic.Bool }

func (b *lostBackend) Infer(ctx context.Context, img image.Image) ([]pipeline.DetectionResult, error) {
	if b.lost.Load() {
		return nil, fmt.Errorf("connection reset: %w", ErrBackendLost)
	}
	return threeDetections(), nil
}

func (b *lostBackend) Close() error { return nil }

func TestLazyRebuildsLostBackend(t *testing.T) {
	var built []*lostBackend
	factory := func(ctx context.Context, cfg pipeline.DetectorConfig) (Backend, error) {
		b := &lostBackend{}
		built = append(built, b)
		return b, nil
	}
	d, err := NewLazy(factory, pipeline.DefaultDetectorConfig(), zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	buf := image.NewRGBA(image.Rect(0, 0, 10, 10))

	_, err = d.Detect(context.Background(), buf, 0)
	require.NoError(t, err)

	built[0].lost.Store(true)
	_, err = d.Detect(context.Background(), buf, 0)
	assert.ErrorIs(t, err, ErrBackendLost)
	assert.False(t, d.Warm())

	dets, err := d.Detect(context.Background(), buf, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, dets.Results)
	assert.Equal(t, uint64(2), d.Builds())
	assert.Len(t, built, 2)
}
