package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"sync"
	"time"
)

// fakeProvider records the order of subsystem calls
type fakeProvider struct {
	mu       sync.Mutex
	lenses   map[LensFacing]bool
	ops      []string
	sessions []*fakeSession
	bindErr  error
	requests []BindRequest
	// leaky sessions keep delivering callbacks after cancel
	leaky bool
}

func newFakeProvider(lenses ...LensFacing) *fakeProvider {
	p := &fakeProvider{lenses: make(map[LensFacing]bool)}
	for _, l := range lenses {
		p.lenses[l] = true
	}
	return p
}

func (p *fakeProvider) HasLens(l LensFacing) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lenses[l]
}

func (p *fakeProvider) Bind(ctx context.Context, req BindRequest) (Session, error) {
	p.mu.Lock()
	if p.bindErr != nil {
		p.mu.Unlock()
		return nil, p.bindErr
	}
	s := &fakeSession{
		id:        len(p.sessions) + 1,
		provider:  p,
		lens:      req.Lens,
		rotation:  req.TargetRotation,
		state:     StateOpening,
		leaky:     p.leaky,
		observers: make(map[int]func(StateEvent)),
	}
	p.sessions = append(p.sessions, s)
	p.requests = append(p.requests, req)
	p.ops = append(p.ops, fmt.Sprintf("bind:%d", s.id))
	p.mu.Unlock()
	return s, nil
}

func (p *fakeProvider) UnbindAll() error {
	p.mu.Lock()
	p.ops = append(p.ops, "unbind")
	var active []*fakeSession
	for _, s := range p.sessions {
		if !s.unbound {
			s.unbound = true
			active = append(active, s)
		}
	}
	p.mu.Unlock()

	for _, s := range active {
		s.emit(StateClosing, nil)
		s.emit(StateClosed, nil)
	}
	return nil
}

func (p *fakeProvider) record(op string) {
	p.mu.Lock()
	p.ops = append(p.ops, op)
	p.mu.Unlock()
}

func (p *fakeProvider) opList() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.ops...)
}

func (p *fakeProvider) session(i int) *fakeSession {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessions[i]
}

type fakeSession struct {
	id       int
	provider *fakeProvider
	lens     LensFacing
	leaky    bool
	unbound  bool

	mu        sync.Mutex
	deliver   sync.Mutex
	state     SessionState
	rotation  int
	nextObs   int
	observers map[int]func(StateEvent)
	still     Still
	stillErr  error
}

func (s *fakeSession) Lens() LensFacing { return s.lens }

func (s *fakeSession) Observe(fn func(StateEvent)) func() {
	s.deliver.Lock()
	defer s.deliver.Unlock()

	s.mu.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	ev := StateEvent{State: s.state, Lens: s.lens}
	s.mu.Unlock()

	s.provider.record(fmt.Sprintf("observe:%d", s.id))
	fn(ev)

	return func() {
		s.provider.record(fmt.Sprintf("detach:%d", s.id))
		if s.leaky {
			return
		}
		s.mu.Lock()
		delete(s.observers, id)
		s.mu.Unlock()
	}
}

func (s *fakeSession) emit(state SessionState, err *SessionError) {
	s.deliver.Lock()
	defer s.deliver.Unlock()

	s.mu.Lock()
	s.state = state
	fns := make([]func(StateEvent), 0, len(s.observers))
	for _, fn := range s.observers {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	ev := StateEvent{State: state, Err: err, Lens: s.lens, Timestamp: time.Now()}
	for _, fn := range fns {
		fn(ev)
	}
}

func (s *fakeSession) SetTargetRotation(deg int) {
	s.mu.Lock()
	s.rotation = deg
	s.mu.Unlock()
}

func (s *fakeSession) targetRotation() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rotation
}

func (s *fakeSession) TakePicture(ctx context.Context) (Still, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stillErr != nil {
		return Still{}, s.stillErr
	}
	return s.still, nil
}

// recorder collects notifications
type recorder struct {
	mu    sync.Mutex
	items []Notification
}

func (r *recorder) Notify(n Notification) {
	r.mu.Lock()
	r.items = append(r.items, n)
	r.mu.Unlock()
}

func (r *recorder) states() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, n := range r.items {
		if n.Kind == KindState {
			out = append(out, n.State)
		}
	}
	return out
}

func (r *recorder) byKind(kind NotificationKind) []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Notification
	for _, n := range r.items {
		if n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

// memorySink keeps saved images in memory
type memorySink struct {
	mu     sync.Mutex
	images []image.Image
	err    error
}

func (m *memorySink) Save(ctx context.Context, img image.Image, ts time.Time) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	m.images = append(m.images, img)
	return fmt.Sprintf("mem://detection_camera_%d", ts.UnixMilli()), nil
}

var errSinkFull = errors.New("sink full")

// sceneJPEG encodes a mid-gray image with one dark square
func sceneJPEG(w, h int, square image.Rectangle) []byte {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.RGBA{128, 128, 128, 255}), image.Point{}, draw.Src)
	draw.Draw(img, square, image.NewUniform(color.RGBA{10, 10, 10, 255}), image.Point{}, draw.Src)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}); err != nil {
		panic(err)
	}
	return buf.Bytes()
}
