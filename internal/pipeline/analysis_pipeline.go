package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// ErrAlreadyRunning is returned when Run is called on a running pipeline
var ErrAlreadyRunning = errors.New("analysis pipeline already running")

// AnalysisPipeline moves one analysis frame at a time from the camera source
// through the detector to the render target on a single worker goroutine.
// Frames that arrive while the worker is busy are dropped, never queued.
type AnalysisPipeline struct {
	detector   Detector
	compositor Compositor
	gate       DeliveryGate
	logger     *zap.SugaredLogger
	fps        *FPSMeter

	frames  chan *Frame // Unbuffered: a send succeeds only when the worker is idle
	errs    chan error
	running atomic.Bool

	// Owned by the worker goroutine
	buffer FrameBuffer

	targetMu sync.Mutex
	target   RenderTarget
	clears   atomic.Uint64 // Bumped under targetMu by ClearOverlay

	submitted      atomic.Uint64
	analyzed       atomic.Uint64
	droppedBusy    atomic.Uint64
	skippedNoTgt   atomic.Uint64
	discardedStale atomic.Uint64
	detectErrors   atomic.Uint64
	formatErrors   atomic.Uint64
	reallocations  atomic.Uint64
	lastInference  atomic.Int64
}

// Option configures an AnalysisPipeline
type Option func(*AnalysisPipeline)

// WithGate blocks delivery while gate disallows it
func WithGate(gate DeliveryGate) Option {
	return func(p *AnalysisPipeline) { p.gate = gate }
}

// WithLogger sets the pipeline logger
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(p *AnalysisPipeline) { p.logger = logger }
}

// WithClock sets the clock used for frame rate measurement
func WithClock(clk clock.Clock) Option {
	return func(p *AnalysisPipeline) { p.fps = NewFPSMeter(clk, DefaultFPSWindow) }
}

// WithErrorBuffer sizes the error channel
func WithErrorBuffer(n int) Option {
	return func(p *AnalysisPipeline) { p.errs = make(chan error, n) }
}

// NewAnalysisPipeline creates a pipeline. Call Run to start the worker.
func NewAnalysisPipeline(detector Detector, compositor Compositor, opts ...Option) *AnalysisPipeline {
	p := &AnalysisPipeline{
		detector:   detector,
		compositor: compositor,
		logger:     zap.NewNop().Sugar(),
		frames:     make(chan *Frame),
		errs:       make(chan error, 16),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.fps == nil {
		p.fps = NewFPSMeter(clock.New(), DefaultFPSWindow)
	}
	return p
}

// Run is the worker loop. It returns when ctx is cancelled.
func (p *AnalysisPipeline) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer p.running.Store(false)

	p.logger.Info("analysis worker started")
	defer p.logger.Info("analysis worker stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f := <-p.frames:
			p.analyze(ctx, f)
		}
	}
}

// Submit hands a frame to the worker if it is idle. Otherwise the frame is
// released and false is returned.
func (p *AnalysisPipeline) Submit(f *Frame) bool {
	if f == nil {
		return false
	}
	p.submitted.Add(1)
	select {
	case p.frames <- f:
		return true
	default:
		p.droppedBusy.Add(1)
		f.Release()
		return false
	}
}

// Errors returns the channel transient frame and detector failures are
// reported on. Reports are dropped when nobody drains it.
func (p *AnalysisPipeline) Errors() <-chan error {
	return p.errs
}

// AttachTarget sets the render target results are delivered to
func (p *AnalysisPipeline) AttachTarget(t RenderTarget) {
	p.targetMu.Lock()
	p.target = t
	p.targetMu.Unlock()
	p.logger.Debug("render target attached")
}

// DetachTarget removes t if it is the current target. In-flight results
// are discarded once this returns.
func (p *AnalysisPipeline) DetachTarget(t RenderTarget) {
	p.targetMu.Lock()
	if p.target == t {
		p.target = nil
	}
	p.targetMu.Unlock()
	p.logger.Debug("render target detached")
}

// HasTarget reports whether a render target is attached
func (p *AnalysisPipeline) HasTarget() bool {
	p.targetMu.Lock()
	defer p.targetMu.Unlock()
	return p.target != nil
}

// ClearOverlay delivers an empty overlay to the current target. Results of
// detects that started before the clear are discarded.
func (p *AnalysisPipeline) ClearOverlay() {
	p.targetMu.Lock()
	defer p.targetMu.Unlock()
	p.clears.Add(1)
	if p.target == nil {
		return
	}
	w, h := p.target.Size()
	p.target.SetPrimitives(&Overlay{
		Timestamp:    time.Now(),
		TargetWidth:  w,
		TargetHeight: h,
		Primitives:   []OverlayPrimitive{},
	})
	p.target.Invalidate()
}

// Stats returns a snapshot of the pipeline counters
func (p *AnalysisPipeline) Stats() Stats {
	return Stats{
		FramesSubmitted:   p.submitted.Load(),
		FramesAnalyzed:    p.analyzed.Load(),
		FramesDroppedBusy: p.droppedBusy.Load(),
		SkippedNoTarget:   p.skippedNoTgt.Load(),
		DiscardedStale:    p.discardedStale.Load(),
		DetectErrors:      p.detectErrors.Load(),
		FormatErrors:      p.formatErrors.Load(),
		Reallocations:     p.reallocations.Load(),
		LastInference:     time.Duration(p.lastInference.Load()),
		FPS:               p.fps.FPS(),
	}
}

// analyze runs on the worker goroutine only
func (p *AnalysisPipeline) analyze(ctx context.Context, f *Frame) {
	seq, rotation, ts := f.Seq, f.RotationDegrees, f.Timestamp
	p.fps.Tick()

	err := p.copyFrame(f)
	f.Release()
	if err != nil {
		p.formatErrors.Add(1)
		p.report(fmt.Errorf("frame %d: %w", seq, err))
		return
	}

	if !p.HasTarget() {
		p.skippedNoTgt.Add(1)
		return
	}

	epoch := p.clears.Load()
	dets, err := p.detector.Detect(ctx, p.buffer.Image(), rotation)
	if err != nil {
		p.detectErrors.Add(1)
		p.report(fmt.Errorf("detect frame %d: %w", seq, err))
		return
	}
	p.analyzed.Add(1)
	p.lastInference.Store(int64(dets.InferenceTime))

	p.deliver(seq, ts, epoch, dets)
}

func (p *AnalysisPipeline) copyFrame(f *Frame) error {
	realloc, err := p.buffer.Ensure(f.Width, f.Height)
	if err != nil {
		return err
	}
	if realloc {
		p.reallocations.Add(1)
		p.logger.Infow("frame buffer allocated", "width", f.Width, "height", f.Height)
	}
	return p.buffer.CopyFrom(f)
}

// deliver checks target liveness and the session gate right before handing
// results over, so results computed for a torn-down view are dropped. So are
// results from a detect that overlapped a ClearOverlay.
func (p *AnalysisPipeline) deliver(seq uint64, ts time.Time, epoch uint64, dets *Detections) {
	p.targetMu.Lock()
	defer p.targetMu.Unlock()

	if p.target == nil || p.clears.Load() != epoch || (p.gate != nil && !p.gate.AllowDelivery()) {
		p.discardedStale.Add(1)
		return
	}

	tw, th := p.target.Size()
	if tw <= 0 || th <= 0 {
		tw, th = dets.ImageWidth, dets.ImageHeight
	}
	primitives := p.compositor.Compose(dets.Results, dets.ImageHeight, dets.ImageWidth, th, tw)

	p.target.SetPrimitives(&Overlay{
		Seq:           seq,
		Timestamp:     ts,
		SourceWidth:   dets.ImageWidth,
		SourceHeight:  dets.ImageHeight,
		TargetWidth:   tw,
		TargetHeight:  th,
		InferenceTime: dets.InferenceTime,
		Primitives:    primitives,
	})
	p.target.Invalidate()
}

func (p *AnalysisPipeline) report(err error) {
	p.logger.Warnw("frame skipped", "error", err)
	select {
	case p.errs <- err:
	default:
	}
}
