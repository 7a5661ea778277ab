package capture

import (
	"context"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"viewfinder/internal/overlay"
	"viewfinder/internal/pipeline"
	"viewfinder/internal/pipeline/detectors"
)

// PreviewSink is the surface preview frames are drawn on
type PreviewSink interface {
	PublishPreview(img image.Image, ts time.Time)
}

// BindRequest describes the use cases bound to a new session
type BindRequest struct {
	Lens           LensFacing
	AspectRatio    AspectRatio
	TargetRotation int
	Analysis       pipeline.FrameSink
	Preview        PreviewSink
}

// Session is one bound camera. State callbacks for a session are delivered
// in order on a single goroutine at a time.
type Session interface {
	Lens() LensFacing
	// Observe delivers the current state and every later one until cancel is called
	Observe(fn func(StateEvent)) (cancel func())
	SetTargetRotation(degrees int)
	TakePicture(ctx context.Context) (Still, error)
}

// Provider is the camera subsystem
type Provider interface {
	HasLens(lens LensFacing) bool
	Bind(ctx context.Context, req BindRequest) (Session, error)
	UnbindAll() error
}

// ControllerConfig wires a controller
type ControllerConfig struct {
	Provider Provider
	Analysis pipeline.FrameSink
	Preview  PreviewSink
	Capture  *OneShot
	Observer *Observer
	Display  overlay.Display
	Rotation int
	Logger   *zap.SugaredLogger
}

// Controller reacts to camera session state and decides which stages may
// run. While running it never forces a state: State only changes on session
// callbacks. Close is the one exception, see there.
type Controller struct {
	provider Provider
	analysis pipeline.FrameSink
	preview  PreviewSink
	oneshot  *OneShot
	observer *Observer
	logger   *zap.SugaredLogger

	// mu serializes bind, rebind and session commands
	mu        sync.Mutex
	started   bool
	closed    bool
	lens      LensFacing
	rotation  int
	display   overlay.Display
	ratio     AspectRatio
	session   Session
	cancelObs func()

	generation atomic.Uint64
	state      atomic.Int32
	curRot     atomic.Int32 // Mirrors rotation for lock-free readers
	rebinding  atomic.Bool
	lastErr    atomic.Pointer[SessionError]
}

// NewController creates an unstarted controller
func NewController(cfg ControllerConfig) (*Controller, error) {
	if cfg.Provider == nil {
		return nil, fmt.Errorf("camera provider cannot be nil")
	}
	rotation, err := detectors.NormalizeRotation(cfg.Rotation)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	observer := cfg.Observer
	if observer == nil {
		observer = NewObserver(nil, logger)
	}
	c := &Controller{
		provider: cfg.Provider,
		analysis: cfg.Analysis,
		preview:  cfg.Preview,
		oneshot:  cfg.Capture,
		observer: observer,
		logger:   logger,
		rotation: rotation,
		display:  cfg.Display,
	}
	c.state.Store(int32(StateClosed))
	c.curRot.Store(int32(rotation))
	return c, nil
}

// Start selects a lens, back first, and binds. ErrNoCamera is fatal.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	switch {
	case c.provider.HasLens(LensBack):
		c.lens = LensBack
	case c.provider.HasLens(LensFront):
		c.lens = LensFront
	default:
		return ErrNoCamera
	}
	c.started = true
	return c.bindLocked(ctx)
}

// Rebind unbinds everything and binds again with the current settings
func (c *Controller) Rebind(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkLocked(); err != nil {
		return err
	}
	return c.bindLocked(ctx)
}

// SwitchLens flips between back and front cameras and rebinds
func (c *Controller) SwitchLens(ctx context.Context) (LensFacing, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkLocked(); err != nil {
		return c.lens, err
	}
	next := c.lens.Opposite()
	if !c.provider.HasLens(next) {
		return c.lens, fmt.Errorf("%w: %s", ErrLensUnavailable, next)
	}
	prev := c.lens
	c.lens = next
	if err := c.bindLocked(ctx); err != nil {
		c.lens = prev
		return prev, err
	}
	return next, nil
}

// CanSwitchLens reports whether both lenses exist
func (c *Controller) CanSwitchLens() bool {
	return c.provider.HasLens(LensBack) && c.provider.HasLens(LensFront)
}

// SetTargetRotation updates the output rotation of the active session
// without rebinding
func (c *Controller) SetTargetRotation(degrees int) error {
	rotation, err := detectors.NormalizeRotation(degrees)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.rotation = rotation
	c.curRot.Store(int32(rotation))
	if c.session != nil {
		c.session.SetTargetRotation(rotation)
	}
	return nil
}

// OnDisplayChanged records new display metrics and rebinds so the stream
// aspect ratio follows the display
func (c *Controller) OnDisplayChanged(ctx context.Context, d overlay.Display) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.display = d
	if !c.started {
		return nil
	}
	if err := c.checkLocked(); err != nil {
		return err
	}
	return c.bindLocked(ctx)
}

// bindLocked fully unbinds the previous session, detaches its observation,
// binds a new one and observes it
func (c *Controller) bindLocked(ctx context.Context) error {
	c.rebinding.Store(true)
	defer c.rebinding.Store(false)

	c.ratio = AspectRatioOf(c.display.Width, c.display.Height)
	c.logger.Debugw("binding use cases", "display_width", c.display.Width,
		"display_height", c.display.Height, "aspect_ratio", c.ratio, "rotation", c.rotation, "lens", c.lens)

	if err := c.provider.UnbindAll(); err != nil {
		c.logger.Warnw("unbind failed", "error", err)
	}
	c.detachLocked()
	gen := c.generation.Add(1)

	session, err := c.provider.Bind(ctx, BindRequest{
		Lens:           c.lens,
		AspectRatio:    c.ratio,
		TargetRotation: c.rotation,
		Analysis:       c.analysis,
		Preview:        c.preview,
	})
	if err != nil {
		c.logger.Errorw("use case binding failed", "error", err)
		return fmt.Errorf("bind %s camera: %w", c.lens, err)
	}

	c.session = session
	c.cancelObs = session.Observe(func(ev StateEvent) {
		c.handleEvent(gen, ev)
	})
	return nil
}

func (c *Controller) detachLocked() {
	if c.cancelObs != nil {
		c.cancelObs()
		c.cancelObs = nil
	}
	c.session = nil
}

// handleEvent runs on the session's callback goroutine
func (c *Controller) handleEvent(gen uint64, ev StateEvent) {
	if gen != c.generation.Load() {
		c.logger.Debugw("dropping stale session callback", "state", ev.State)
		return
	}
	c.state.Store(int32(ev.State))
	if ev.Err != nil {
		c.lastErr.Store(ev.Err)
	}
	c.observer.OnStateEvent(ev)
}

func (c *Controller) checkLocked() error {
	if c.closed {
		return ErrClosed
	}
	if !c.started {
		return ErrNotStarted
	}
	return nil
}

// State returns the last state reported by the active session
func (c *Controller) State() SessionState {
	return SessionState(c.state.Load())
}

// LastError returns the most recent classified session error, or nil
func (c *Controller) LastError() *SessionError {
	return c.lastErr.Load()
}

// AllowDelivery implements pipeline.DeliveryGate. Results are only
// delivered while the session is Open and not mid-rebind.
func (c *Controller) AllowDelivery() bool {
	return !c.rebinding.Load() && c.State() == StateOpen
}

// Status is a snapshot of the controller settings
type Status struct {
	State         SessionState `json:"state"`
	Lens          LensFacing   `json:"lens"`
	CanSwitchLens bool         `json:"can_switch_lens"`
	Rotation      int          `json:"rotation"`
	AspectRatio   AspectRatio  `json:"aspect_ratio"`
	LastError     string       `json:"last_error,omitempty"`
}

// Status returns the current settings and state
func (c *Controller) Status() Status {
	c.mu.Lock()
	s := Status{
		Lens:        c.lens,
		Rotation:    c.rotation,
		AspectRatio: c.ratio,
	}
	c.mu.Unlock()

	s.State = c.State()
	s.CanSwitchLens = c.CanSwitchLens()
	if e := c.LastError(); e != nil {
		s.LastError = e.Code.String()
	}
	return s
}

// Rotation returns the target rotation. It never blocks, so frame
// callbacks may use it.
func (c *Controller) Rotation() int {
	return int(c.curRot.Load())
}

// TakePicture runs a one-shot capture. Requests outside Open are rejected;
// resubmitting is up to the caller.
func (c *Controller) TakePicture(ctx context.Context) (*Result, error) {
	if c.oneshot == nil {
		return nil, fmt.Errorf("capture is not configured")
	}
	if c.State() != StateOpen || c.rebinding.Load() {
		return nil, fmt.Errorf("%w: state %s", ErrSessionNotOpen, c.State())
	}

	c.mu.Lock()
	session, lens := c.session, c.lens
	c.mu.Unlock()
	if session == nil {
		return nil, ErrSessionNotOpen
	}

	still, err := session.TakePicture(ctx)
	if err != nil {
		c.observer.OnCaptureFailed(err, lens, time.Now())
		return nil, err
	}

	res, err := c.oneshot.Process(ctx, still)
	if err != nil {
		c.observer.OnCaptureFailed(err, lens, still.Timestamp)
		return nil, err
	}
	c.observer.OnCaptureSaved(res)
	return res, nil
}

// Close unbinds all use cases and stops observing. Callbacks from the
// unbound session are stale by then, so Close records Closed itself; no
// later callback can change it.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.generation.Add(1)

	var err error
	err = multierr.Append(err, c.provider.UnbindAll())
	c.detachLocked()
	c.state.Store(int32(StateClosed))
	return err
}

var _ pipeline.DeliveryGate = (*Controller)(nil)
