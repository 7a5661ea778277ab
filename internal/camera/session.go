// Package camera implements camera subsystems that bind analysis and
// preview use cases and report session state through ordered callbacks.
package camera

import (
	"image"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"viewfinder/internal/capture"
	"viewfinder/internal/pipeline"
	"viewfinder/internal/pipeline/detectors"
)

// stateFeed delivers state callbacks in order, one delivery at a time.
// A new observer immediately receives the current state.
type stateFeed struct {
	lens capture.LensFacing

	deliver   sync.Mutex
	mu        sync.Mutex
	current   capture.StateEvent
	nextID    int
	observers map[int]func(capture.StateEvent)
}

func newStateFeed(lens capture.LensFacing) *stateFeed {
	return &stateFeed{
		lens:      lens,
		current:   capture.StateEvent{State: capture.StatePendingOpen, Lens: lens, Timestamp: time.Now()},
		observers: make(map[int]func(capture.StateEvent)),
	}
}

// Observe implements capture.Session
func (f *stateFeed) Observe(fn func(capture.StateEvent)) func() {
	f.deliver.Lock()
	defer f.deliver.Unlock()

	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.observers[id] = fn
	ev := f.current
	f.mu.Unlock()

	fn(ev)

	return func() {
		f.mu.Lock()
		delete(f.observers, id)
		f.mu.Unlock()
	}
}

func (f *stateFeed) set(state capture.SessionState, err *capture.SessionError) {
	f.deliver.Lock()
	defer f.deliver.Unlock()

	ev := capture.StateEvent{State: state, Err: err, Lens: f.lens, Timestamp: time.Now()}
	f.mu.Lock()
	f.current = ev
	fns := make([]func(capture.StateEvent), 0, len(f.observers))
	for _, fn := range f.observers {
		fns = append(fns, fn)
	}
	f.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

func (f *stateFeed) state() capture.SessionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current.State
}

// baseSession carries what every session shares: state, target rotation,
// and handing frames to the bound use cases
type baseSession struct {
	*stateFeed
	req    capture.BindRequest
	logger *zap.SugaredLogger

	rotation atomic.Int32
	seq      atomic.Uint64
	pool     sync.Pool

	produced atomic.Uint64
	released atomic.Uint64

	// life orders run loop transitions against unbinding
	life     sync.Mutex
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newBaseSession(req capture.BindRequest, logger *zap.SugaredLogger) *baseSession {
	s := &baseSession{
		stateFeed: newStateFeed(req.Lens),
		req:       req,
		logger:    logger,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	rot, err := detectors.NormalizeRotation(req.TargetRotation)
	if err == nil {
		s.rotation.Store(int32(rot))
	}
	return s
}

// Lens implements capture.Session
func (s *baseSession) Lens() capture.LensFacing { return s.lens }

// SetTargetRotation implements capture.Session. Invalid values are ignored.
func (s *baseSession) SetTargetRotation(degrees int) {
	rot, err := detectors.NormalizeRotation(degrees)
	if err != nil {
		s.logger.Warnw("ignoring target rotation", "degrees", degrees)
		return
	}
	s.rotation.Store(int32(rot))
}

func (s *baseSession) targetRotation() int {
	return int(s.rotation.Load())
}

// emit hands one captured image to the preview surface and the analysis
// stream. Nothing is emitted unless the session is Open.
func (s *baseSession) emit(img *image.RGBA, ts time.Time) {
	if s.state() != capture.StateOpen {
		return
	}
	if s.req.Preview != nil {
		s.req.Preview.PublishPreview(img, ts)
	}
	if s.req.Analysis == nil {
		return
	}

	buf := s.buffer(len(img.Pix))
	copy(buf, img.Pix)
	w, h := img.Rect.Dx(), img.Rect.Dy()
	f := pipeline.NewFrame(buf, w, h, pipeline.PixelFormatRGBA8888, s.targetRotation(), ts, func() {
		s.released.Add(1)
		s.pool.Put(&buf)
	})
	f.Stride = img.Stride
	f.Seq = s.seq.Add(1)
	s.produced.Add(1)
	// A busy pipeline releases the frame itself
	s.req.Analysis.Submit(f)
}

func (s *baseSession) buffer(n int) []byte {
	if v, ok := s.pool.Get().(*[]byte); ok && cap(*v) >= n {
		return (*v)[:n]
	}
	return make([]byte, n)
}

// Outstanding returns frames handed to analysis and not yet released
func (s *baseSession) Outstanding() uint64 {
	return s.produced.Load() - s.released.Load()
}

// transition sets a state from the capture loop unless unbinding has begun
func (s *baseSession) transition(state capture.SessionState, err *capture.SessionError) bool {
	s.life.Lock()
	defer s.life.Unlock()
	if s.stopped() {
		return false
	}
	s.set(state, err)
	return true
}

// shutdown stops the capture loop, reporting Closing then Closed
func (s *baseSession) shutdown() {
	s.life.Lock()
	first := false
	s.stopOnce.Do(func() {
		close(s.stop)
		first = true
	})
	if first && s.state() != capture.StateClosed {
		s.set(capture.StateClosing, nil)
	}
	s.life.Unlock()

	<-s.done
	if s.state() != capture.StateClosed {
		s.set(capture.StateClosed, nil)
	}
}

func (s *baseSession) stopped() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}
