package pipeline

import (
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type stubDetector struct {
	mu          sync.Mutex
	results     []DetectionResult
	err         error
	calls       int
	rotations   []int
	block       chan struct{} // When set, Detect waits for it to close
	entered     chan struct{}
	beforeCheck func()
}

func (d *stubDetector) Detect(ctx context.Context, buf *image.RGBA, rotation int) (*Detections, error) {
	if d.beforeCheck != nil {
		d.beforeCheck()
	}
	if d.entered != nil {
		d.entered <- struct{}{}
	}
	if d.block != nil {
		<-d.block
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	d.rotations = append(d.rotations, rotation)
	if d.err != nil {
		return nil, d.err
	}
	return &Detections{
		Results:       d.results,
		ImageWidth:    buf.Rect.Dx(),
		ImageHeight:   buf.Rect.Dy(),
		InferenceTime: time.Millisecond,
	}, nil
}

func (d *stubDetector) Invalidate() {}

func (d *stubDetector) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type stubCompositor struct{}

func (stubCompositor) Compose(results []DetectionResult, sh, sw, th, tw int) []OverlayPrimitive {
	out := make([]OverlayPrimitive, 0, len(results))
	for _, r := range results {
		out = append(out, OverlayPrimitive{Box: r.Box, Score: r.TopScore()})
	}
	return out
}

type stubTarget struct {
	mu          sync.Mutex
	overlays    []*Overlay
	invalidates int
	w, h        int
}

func (t *stubTarget) SetPrimitives(o *Overlay) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.overlays = append(t.overlays, o)
}

func (t *stubTarget) Invalidate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.invalidates++
}

func (t *stubTarget) Size() (int, int) { return t.w, t.h }

func (t *stubTarget) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.overlays)
}

type stubGate struct{ open atomic.Bool }

func (g *stubGate) AllowDelivery() bool { return g.open.Load() }

type frameSource struct {
	released atomic.Int64
}

func (s *frameSource) frame(rotation int) *Frame {
	return NewFrame(make([]byte, 4*4*3), 4, 3, PixelFormatRGBA8888, rotation, time.Now(), func() {
		s.released.Add(1)
	})
}

func startPipeline(t *testing.T, p *AnalysisPipeline) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

// submit retries until the worker is idle and accepts a frame
func submit(t *testing.T, p *AnalysisPipeline, next func() *Frame) {
	t.Helper()
	require.Eventually(t, func() bool { return p.Submit(next()) }, time.Second, time.Millisecond)
}

func oneResult() []DetectionResult {
	return []DetectionResult{{
		Box:        Box{Left: 1, Top: 1, Right: 2, Bottom: 2},
		Categories: []Category{{Index: 3, Label: "cat", Score: 0.8}},
	}}
}

func TestPipelineDeliversToTarget(t *testing.T) {
	det := &stubDetector{results: oneResult()}
	target := &stubTarget{w: 8, h: 6}
	p := NewAnalysisPipeline(det, stubCompositor{}, WithLogger(zaptest.NewLogger(t).Sugar()))
	p.AttachTarget(target)
	startPipeline(t, p)

	src := &frameSource{}
	submit(t, p, func() *Frame { return src.frame(90) })

	require.Eventually(t, func() bool { return target.count() == 1 }, time.Second, time.Millisecond)
	target.mu.Lock()
	o := target.overlays[0]
	assert.Len(t, o.Primitives, 1)
	assert.Equal(t, 8, o.TargetWidth)
	assert.Equal(t, 6, o.TargetHeight)
	assert.Equal(t, 1, target.invalidates)
	target.mu.Unlock()

	det.mu.Lock()
	assert.Equal(t, []int{90}, det.rotations)
	det.mu.Unlock()
}

func TestPipelineReleasesBeforeDetect(t *testing.T) {
	src := &frameSource{}
	var releasedAtDetect int64 = -1
	det := &stubDetector{results: oneResult()}
	det.beforeCheck = func() { atomic.StoreInt64(&releasedAtDetect, src.released.Load()) }

	target := &stubTarget{}
	p := NewAnalysisPipeline(det, stubCompositor{})
	p.AttachTarget(target)
	startPipeline(t, p)

	submit(t, p, func() *Frame { return src.frame(0) })
	require.Eventually(t, func() bool { return target.count() == 1 }, time.Second, time.Millisecond)

	// Every frame handed to Submit, accepted or not, is released exactly once
	assert.Equal(t, int64(p.Stats().FramesSubmitted), src.released.Load())
	assert.Equal(t, src.released.Load(), atomic.LoadInt64(&releasedAtDetect))
}

func TestPipelineSkipsDetectionWithoutTarget(t *testing.T) {
	det := &stubDetector{results: oneResult()}
	p := NewAnalysisPipeline(det, stubCompositor{})
	startPipeline(t, p)

	src := &frameSource{}
	submit(t, p, func() *Frame { return src.frame(0) })

	require.Eventually(t, func() bool { return p.Stats().SkippedNoTarget == 1 }, time.Second, time.Millisecond)
	assert.Zero(t, det.callCount())
	assert.Equal(t, int64(p.Stats().FramesSubmitted), src.released.Load())
}

func TestPipelineDropsFramesWhileBusy(t *testing.T) {
	det := &stubDetector{
		results: oneResult(),
		block:   make(chan struct{}),
		entered: make(chan struct{}, 1),
	}
	target := &stubTarget{}
	p := NewAnalysisPipeline(det, stubCompositor{})
	p.AttachTarget(target)
	startPipeline(t, p)

	src := &frameSource{}
	submit(t, p, func() *Frame { return src.frame(0) })
	<-det.entered

	busy := src.frame(0)
	assert.False(t, p.Submit(busy))
	before := src.released.Load()
	busy.Release()
	assert.Equal(t, before, src.released.Load(), "dropped frame already released")

	close(det.block)
	require.Eventually(t, func() bool { return target.count() == 1 }, time.Second, time.Millisecond)
	assert.GreaterOrEqual(t, p.Stats().FramesDroppedBusy, uint64(1))
}

func TestPipelineDiscardsResultsAfterDetach(t *testing.T) {
	det := &stubDetector{
		results: oneResult(),
		block:   make(chan struct{}),
		entered: make(chan struct{}, 1),
	}
	target := &stubTarget{}
	p := NewAnalysisPipeline(det, stubCompositor{})
	p.AttachTarget(target)
	startPipeline(t, p)

	src := &frameSource{}
	submit(t, p, func() *Frame { return src.frame(0) })
	<-det.entered

	p.DetachTarget(target)
	close(det.block)

	require.Eventually(t, func() bool { return p.Stats().DiscardedStale == 1 }, time.Second, time.Millisecond)
	assert.Zero(t, target.count())
}

func TestPipelineGateBlocksDelivery(t *testing.T) {
	det := &stubDetector{results: oneResult()}
	target := &stubTarget{}
	gate := &stubGate{}
	p := NewAnalysisPipeline(det, stubCompositor{}, WithGate(gate))
	p.AttachTarget(target)
	startPipeline(t, p)

	src := &frameSource{}
	submit(t, p, func() *Frame { return src.frame(0) })
	require.Eventually(t, func() bool { return p.Stats().DiscardedStale == 1 }, time.Second, time.Millisecond)
	assert.Zero(t, target.count())

	gate.open.Store(true)
	submit(t, p, func() *Frame { return src.frame(0) })
	require.Eventually(t, func() bool { return target.count() == 1 }, time.Second, time.Millisecond)
}

func TestPipelineReportsDetectorErrorsAndContinues(t *testing.T) {
	det := &stubDetector{err: errors.New("tensor shape")}
	target := &stubTarget{}
	p := NewAnalysisPipeline(det, stubCompositor{})
	p.AttachTarget(target)
	startPipeline(t, p)

	src := &frameSource{}
	submit(t, p, func() *Frame { return src.frame(0) })

	select {
	case err := <-p.Errors():
		assert.ErrorContains(t, err, "tensor shape")
	case <-time.After(time.Second):
		t.Fatal("no error reported")
	}

	det.mu.Lock()
	det.err = nil
	det.results = oneResult()
	det.mu.Unlock()

	submit(t, p, func() *Frame { return src.frame(0) })
	require.Eventually(t, func() bool { return target.count() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, uint64(1), p.Stats().DetectErrors)
}

func TestPipelineReportsFormatErrors(t *testing.T) {
	det := &stubDetector{}
	p := NewAnalysisPipeline(det, stubCompositor{})
	p.AttachTarget(&stubTarget{})
	startPipeline(t, p)

	released := atomic.Bool{}
	submit(t, p, func() *Frame {
		return NewFrame([]byte{1}, 4, 4, PixelFormatRGBA8888, 0, time.Now(), func() { released.Store(true) })
	})

	select {
	case err := <-p.Errors():
		assert.ErrorIs(t, err, ErrFormatMismatch)
	case <-time.After(time.Second):
		t.Fatal("no error reported")
	}
	assert.True(t, released.Load())
	assert.Zero(t, det.callCount())
}

func TestPipelineClearOverlay(t *testing.T) {
	p := NewAnalysisPipeline(&stubDetector{}, stubCompositor{})
	p.ClearOverlay()

	target := &stubTarget{}
	p.AttachTarget(target)
	p.ClearOverlay()
	require.Equal(t, 1, target.count())
	assert.Empty(t, target.overlays[0].Primitives)
}

func TestPipelineDropsResultsOverlappingClear(t *testing.T) {
	det := &stubDetector{
		results: oneResult(),
		block:   make(chan struct{}),
		entered: make(chan struct{}, 1),
	}
	target := &stubTarget{}
	p := NewAnalysisPipeline(det, stubCompositor{})
	p.AttachTarget(target)
	startPipeline(t, p)

	src := &frameSource{}
	submit(t, p, func() *Frame { return src.frame(0) })
	<-det.entered

	// Settings changed while the detect was running
	p.ClearOverlay()
	close(det.block)

	require.Eventually(t, func() bool { return p.Stats().DiscardedStale == 1 }, time.Second, time.Millisecond)
	require.Equal(t, 1, target.count())
	assert.Empty(t, target.overlays[0].Primitives)

	submit(t, p, func() *Frame { return src.frame(0) })
	require.Eventually(t, func() bool { return target.count() == 2 }, time.Second, time.Millisecond)
	assert.Len(t, target.overlays[1].Primitives, 1)
}

func TestPipelineRunTwice(t *testing.T) {
	p := NewAnalysisPipeline(&stubDetector{}, stubCompositor{})
	startPipeline(t, p)
	require.Eventually(t, func() bool { return p.running.Load() }, time.Second, time.Millisecond)
	assert.ErrorIs(t, p.Run(context.Background()), ErrAlreadyRunning)
}
