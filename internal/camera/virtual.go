package camera

import (
	"bytes"
	"context"
	"fmt"
	"image/jpeg"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"viewfinder/internal/capture"
)

// VirtualConfig configures the synthetic camera
type VirtualConfig struct {
	Lenses        []capture.LensFacing
	FPS           int
	LongSide      int // Analysis stream long side in pixels
	StillLongSide int // One-shot capture long side in pixels
	OpenDelay     time.Duration
	JPEGQuality   int
	Scene         Scene
	Clock         clock.Clock
}

// DefaultVirtualConfig returns a two-lens 15 fps camera
func DefaultVirtualConfig() VirtualConfig {
	return VirtualConfig{
		Lenses:        []capture.LensFacing{capture.LensBack, capture.LensFront},
		FPS:           15,
		LongSide:      640,
		StillLongSide: 1280,
		OpenDelay:     50 * time.Millisecond,
		JPEGQuality:   90,
	}
}

// VirtualProvider is a camera subsystem backed by a rendered scene. Only one
// session may be bound at a time.
type VirtualProvider struct {
	cfg    VirtualConfig
	clock  clock.Clock
	logger *zap.SugaredLogger

	mu      sync.Mutex
	lenses  map[capture.LensFacing]bool
	session *virtualSession
}

// NewVirtualProvider creates a synthetic camera subsystem
func NewVirtualProvider(cfg VirtualConfig, logger *zap.SugaredLogger) *VirtualProvider {
	def := DefaultVirtualConfig()
	if cfg.FPS <= 0 {
		cfg.FPS = def.FPS
	}
	if cfg.LongSide <= 0 {
		cfg.LongSide = def.LongSide
	}
	if cfg.StillLongSide <= 0 {
		cfg.StillLongSide = def.StillLongSide
	}
	if cfg.JPEGQuality <= 0 {
		cfg.JPEGQuality = def.JPEGQuality
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	lenses := make(map[capture.LensFacing]bool)
	for _, l := range cfg.Lenses {
		lenses[l] = true
	}
	return &VirtualProvider{cfg: cfg, clock: clk, logger: logger, lenses: lenses}
}

// HasLens implements capture.Provider
func (p *VirtualProvider) HasLens(lens capture.LensFacing) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lenses[lens]
}

// Bind implements capture.Provider. The session opens asynchronously.
func (p *VirtualProvider) Bind(ctx context.Context, req capture.BindRequest) (capture.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.lenses[req.Lens] {
		return nil, capture.NewSessionError(capture.ErrorStreamConfig, fmt.Errorf("no %s lens", req.Lens))
	}
	if p.session != nil {
		return nil, capture.NewSessionError(capture.ErrorMaxCamerasInUse, fmt.Errorf("%s camera already bound", p.session.lens))
	}

	w, h := req.AspectRatio.Resolution(p.cfg.LongSide)
	s := &virtualSession{
		baseSession: newBaseSession(req, p.logger.With("lens", req.Lens)),
		provider:    p,
		width:       w,
		height:      h,
		started:     p.clock.Now(),
		faults:      make(chan *capture.SessionError, 1),
	}
	p.session = s
	go s.run()

	p.logger.Infow("camera bound", "lens", req.Lens, "width", w, "height", h, "aspect_ratio", req.AspectRatio)
	return s, nil
}

// UnbindAll implements capture.Provider. The bound session goes through
// Closing and Closed before this returns.
func (p *VirtualProvider) UnbindAll() error {
	p.mu.Lock()
	s := p.session
	p.session = nil
	p.mu.Unlock()

	if s == nil {
		return nil
	}
	s.shutdown()
	p.logger.Infow("camera unbound", "lens", s.lens)
	return nil
}

// InjectError simulates a classified failure on the bound session
func (p *VirtualProvider) InjectError(code capture.ErrorCode) error {
	p.mu.Lock()
	s := p.session
	p.mu.Unlock()
	if s == nil {
		return fmt.Errorf("no camera bound")
	}
	select {
	case s.faults <- capture.NewSessionError(code, nil):
		return nil
	default:
		return fmt.Errorf("a fault is already pending")
	}
}

// Session returns the bound session, or nil
func (p *VirtualProvider) Session() capture.Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session == nil {
		return nil
	}
	return p.session
}

type virtualSession struct {
	*baseSession
	provider *VirtualProvider
	width    int
	height   int
	started  time.Time
	faults   chan *capture.SessionError
}

func (s *virtualSession) run() {
	defer close(s.done)
	clk := s.provider.clock

	if !s.open() {
		return
	}

	ticker := clk.Ticker(time.Second / time.Duration(s.provider.cfg.FPS))
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case fault := <-s.faults:
			if !s.fail(fault) {
				return
			}
		case <-ticker.C:
			now := clk.Now()
			img := s.provider.cfg.Scene.Render(s.width, s.height, now.Sub(s.started))
			s.emit(img, now)
		}
	}
}

// open walks Opening to Open, returning false if stopped first
func (s *virtualSession) open() bool {
	if !s.transition(capture.StateOpening, nil) {
		return false
	}
	if d := s.provider.cfg.OpenDelay; d > 0 {
		select {
		case <-s.stop:
			return false
		case <-s.provider.clock.After(d):
		}
	}
	return s.transition(capture.StateOpen, nil)
}

// fail reports err with the state the subsystem would be in. Recoverable
// errors reopen the session; the others end it. Returns false when the
// capture loop should exit.
func (s *virtualSession) fail(err *capture.SessionError) bool {
	s.logger.Warnw("simulated camera error", "code", err.Code)
	switch err.Code {
	case capture.ErrorStreamConfig:
		return s.transition(capture.StateOpen, err)
	case capture.ErrorCameraInUse, capture.ErrorMaxCamerasInUse, capture.ErrorOtherRecoverable:
		return s.transition(capture.StatePendingOpen, err) && s.open()
	case capture.ErrorCameraDisabled, capture.ErrorCameraFatal:
		s.transition(capture.StateClosing, err)
		s.transition(capture.StateClosed, nil)
		return false
	default:
		s.transition(capture.StateClosed, err)
		return false
	}
}

// TakePicture implements capture.Session
func (s *virtualSession) TakePicture(ctx context.Context) (capture.Still, error) {
	if err := ctx.Err(); err != nil {
		return capture.Still{}, err
	}
	if st := s.state(); st != capture.StateOpen {
		return capture.Still{}, fmt.Errorf("%w: state %s", capture.ErrSessionNotOpen, st)
	}

	now := s.provider.clock.Now()
	w, h := s.req.AspectRatio.Resolution(s.provider.cfg.StillLongSide)
	img := s.provider.cfg.Scene.Render(w, h, now.Sub(s.started))

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: s.provider.cfg.JPEGQuality}); err != nil {
		return capture.Still{}, capture.NewSessionError(capture.ErrorOtherRecoverable, err)
	}
	return capture.Still{
		JPEG:            buf.Bytes(),
		RotationDegrees: s.targetRotation(),
		Lens:            s.lens,
		Timestamp:       now,
	}, nil
}

var (
	_ capture.Provider = (*VirtualProvider)(nil)
	_ capture.Session  = (*virtualSession)(nil)
)
