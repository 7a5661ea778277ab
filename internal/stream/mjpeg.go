// Package stream serves the camera preview as an annotated MJPEG stream.
package stream

import (
	"bytes"
	"fmt"
	"image"
	"net/http"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"

	"viewfinder/internal/capture"
	"viewfinder/internal/overlay"
	"viewfinder/internal/pipeline"
	"viewfinder/internal/pipeline/detectors"
)

// OverlaySource provides the overlay most recently delivered by the pipeline
type OverlaySource interface {
	Latest() *pipeline.Overlay
}

// Config tunes the stream encoder
type Config struct {
	MaxFPS  int // Preview frames above this rate are skipped
	Quality int // JPEG quality

	// Watch, when set, is called as each stream client connects and the
	// returned func as it leaves
	Watch func() func()
}

// MJPEGStream is the preview surface. It draws the latest overlay on each
// preview frame and pushes the result to HTTP clients.
type MJPEGStream struct {
	cfg      Config
	overlays OverlaySource
	rotation func() int
	logger   *zap.SugaredLogger

	frameMu     sync.RWMutex
	latest      image.Image
	latestTS    time.Time
	lastEncoded time.Time

	clientsMu sync.RWMutex
	clients   map[chan []byte]bool

	published uint64
	encoded   uint64
}

// NewMJPEGStream creates a preview stream. rotation reports the clockwise
// rotation that makes preview frames upright; nil means none.
func NewMJPEGStream(cfg Config, overlays OverlaySource, rotation func() int, logger *zap.SugaredLogger) *MJPEGStream {
	if cfg.MaxFPS <= 0 {
		cfg.MaxFPS = 15
	}
	if cfg.Quality <= 0 || cfg.Quality > 100 {
		cfg.Quality = 80
	}
	if rotation == nil {
		rotation = func() int { return 0 }
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &MJPEGStream{
		cfg:      cfg,
		overlays: overlays,
		rotation: rotation,
		logger:   logger,
		clients:  make(map[chan []byte]bool),
	}
}

// PublishPreview implements capture.PreviewSink. It runs on the camera
// thread, so frames are only encoded while someone is watching.
func (s *MJPEGStream) PublishPreview(img image.Image, ts time.Time) {
	s.frameMu.Lock()
	s.latest = img
	s.latestTS = ts
	s.published++
	due := ts.Sub(s.lastEncoded) >= time.Second/time.Duration(s.cfg.MaxFPS)
	if due {
		s.lastEncoded = ts
	}
	s.frameMu.Unlock()

	if !due || s.ClientCount() == 0 {
		return
	}

	frame, err := s.render(img)
	if err != nil {
		s.logger.Warnw("error encoding preview", "error", err)
		return
	}

	s.clientsMu.RLock()
	for ch := range s.clients {
		select {
		case ch <- frame:
		default:
			// Client is slow, skip frame
		}
	}
	s.clientsMu.RUnlock()
}

// Snapshot returns the latest preview frame with its overlay as JPEG
func (s *MJPEGStream) Snapshot() ([]byte, error) {
	s.frameMu.RLock()
	img := s.latest
	s.frameMu.RUnlock()
	if img == nil {
		return nil, fmt.Errorf("no preview frame available")
	}
	return s.render(img)
}

// ClientCount returns the number of connected stream clients
func (s *MJPEGStream) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// Close disconnects every client
func (s *MJPEGStream) Close() {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	for ch := range s.clients {
		close(ch)
		delete(s.clients, ch)
	}
}

func (s *MJPEGStream) render(img image.Image) ([]byte, error) {
	upright, err := detectors.RotateClockwise(img, s.rotation())
	if err != nil {
		return nil, err
	}

	out := upright
	if s.overlays != nil {
		if o := s.overlays.Latest(); o != nil && len(o.Primitives) > 0 {
			b := upright.Bounds()
			out = overlay.Annotate(upright, ToPreview(o, b.Dx(), b.Dy()))
		}
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, out, imaging.JPEG, imaging.JPEGQuality(s.cfg.Quality)); err != nil {
		return nil, err
	}
	s.frameMu.Lock()
	s.encoded++
	s.frameMu.Unlock()
	return buf.Bytes(), nil
}

// ToPreview maps overlay primitives from the render target back onto a
// preview frame of the given size
func ToPreview(o *pipeline.Overlay, width, height int) []pipeline.OverlayPrimitive {
	k := float32(1)
	if o.TargetWidth > 0 && o.TargetHeight > 0 && width > 0 && height > 0 {
		k = 1 / overlay.ScaleFactor(height, width, o.TargetHeight, o.TargetWidth)
	}
	out := make([]pipeline.OverlayPrimitive, len(o.Primitives))
	for i, p := range o.Primitives {
		p.Box = p.Box.Scale(k)
		p.Chip = p.Chip.Scale(k)
		p.TextOrigin = pipeline.Point{X: p.TextOrigin.X * float64(k), Y: p.TextOrigin.Y * float64(k)}
		p.StrokeWidth *= float64(k)
		p.TextSize *= float64(k)
		out[i] = p
	}
	return out
}

// ServeHTTP serves the stream as multipart/x-mixed-replace
func (s *MJPEGStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if s.cfg.Watch != nil {
		release := s.cfg.Watch()
		defer release()
	}

	clientCh := make(chan []byte, 5)
	s.clientsMu.Lock()
	s.clients[clientCh] = true
	s.clientsMu.Unlock()

	defer func() {
		s.clientsMu.Lock()
		if s.clients[clientCh] {
			delete(s.clients, clientCh)
		}
		s.clientsMu.Unlock()
	}()

	s.logger.Infow("client connected", "remote", r.RemoteAddr)

	for {
		select {
		case <-r.Context().Done():
			s.logger.Infow("client disconnected", "remote", r.RemoteAddr)
			return
		case frame, ok := <-clientCh:
			if !ok {
				return
			}
			fmt.Fprintf(w, "--frame\r\n")
			fmt.Fprintf(w, "Content-Type: image/jpeg\r\n")
			fmt.Fprintf(w, "Content-Length: %d\r\n\r\n", len(frame))
			w.Write(frame)
			fmt.Fprintf(w, "\r\n")
			flusher.Flush()
		}
	}
}

// SnapshotHandler serves single frame snapshots
type SnapshotHandler struct {
	stream *MJPEGStream
}

// NewSnapshotHandler creates a new snapshot handler
func NewSnapshotHandler(stream *MJPEGStream) *SnapshotHandler {
	return &SnapshotHandler{stream: stream}
}

// ServeHTTP serves a single JPEG snapshot
func (h *SnapshotHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	frame, err := h.stream.Snapshot()
	if err != nil {
		http.Error(w, "No frame available", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(frame)))
	w.Write(frame)
}

var _ capture.PreviewSink = (*MJPEGStream)(nil)
