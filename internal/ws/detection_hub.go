package ws

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"viewfinder/internal/capture"
	"viewfinder/internal/overlay"
	"viewfinder/internal/pipeline"
)

// TargetHost is the pipeline side of the render target attachment
type TargetHost interface {
	AttachTarget(t pipeline.RenderTarget)
	DetachTarget(t pipeline.RenderTarget)
}

// DetectionHub is the render target for remote viewers. It attaches itself
// to the pipeline while at least one viewer is connected, so no detection
// runs for an empty audience.
type DetectionHub struct {
	host   TargetHost
	logger *zap.SugaredLogger

	// clientsMu is never held by SetPrimitives, Invalidate or Size
	clientsMu sync.Mutex
	clients   map[*client]bool
	holds     int // Non-websocket viewers, such as the preview stream

	overlayMu sync.RWMutex
	latest    *pipeline.Overlay
	viewportW int
	viewportH int

	dirty    chan struct{}
	redraws  atomic.Uint64
	dropped  atomic.Uint64
	notified atomic.Uint64
}

// NewDetectionHub creates a hub attaching to host on demand
func NewDetectionHub(host TargetHost, logger *zap.SugaredLogger) *DetectionHub {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &DetectionHub{
		host:    host,
		logger:  logger,
		clients: make(map[*client]bool),
		dirty:   make(chan struct{}, 1),
	}
}

// SetPrimitives implements pipeline.RenderTarget
func (h *DetectionHub) SetPrimitives(o *pipeline.Overlay) {
	h.overlayMu.Lock()
	h.latest = o
	h.overlayMu.Unlock()
}

// Invalidate implements pipeline.RenderTarget. Redraws coalesce.
func (h *DetectionHub) Invalidate() {
	select {
	case h.dirty <- struct{}{}:
	default:
	}
}

// Size implements pipeline.RenderTarget with the largest viewer viewport.
// Each viewer gets the overlay rescaled to its own viewport.
func (h *DetectionHub) Size() (int, int) {
	h.overlayMu.RLock()
	defer h.overlayMu.RUnlock()
	return h.viewportW, h.viewportH
}

// Latest returns the most recent overlay, or nil
func (h *DetectionHub) Latest() *pipeline.Overlay {
	h.overlayMu.RLock()
	defer h.overlayMu.RUnlock()
	return h.latest
}

// setViewport records the surface size c draws overlays on
func (h *DetectionHub) setViewport(c *client, width, height int) {
	if width < 0 || height < 0 {
		return
	}
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()
	c.viewportW, c.viewportH = width, height
	h.resizeLocked()
	h.logger.Debugw("viewport updated", "client", c.id, "width", width, "height", height)
}

// resizeLocked composes for the largest viewport so no viewer is upscaled
func (h *DetectionHub) resizeLocked() {
	var w, ht int
	for c := range h.clients {
		if c.viewportW*c.viewportH > w*ht {
			w, ht = c.viewportW, c.viewportH
		}
	}
	h.overlayMu.Lock()
	h.viewportW, h.viewportH = w, ht
	h.overlayMu.Unlock()
}

// Notify implements capture.Notifier
func (h *DetectionHub) Notify(n capture.Notification) {
	h.notified.Add(1)
	h.broadcastJSON(NewNotificationMessage(n))
}

// Run redraws until ctx is done: every invalidation sends the latest
// overlay to all viewers
func (h *DetectionHub) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return nil
		case <-h.dirty:
			o := h.Latest()
			if o == nil {
				continue
			}
			h.redraws.Add(1)
			h.broadcastOverlay(o)
		}
	}
}

// ClientCount returns the number of connected viewers
func (h *DetectionHub) ClientCount() int {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()
	return len(h.clients)
}

// Redraws returns how many overlays were broadcast
func (h *DetectionHub) Redraws() uint64 { return h.redraws.Load() }

// Dropped returns messages dropped for slow viewers
func (h *DetectionHub) Dropped() uint64 { return h.dropped.Load() }

func (h *DetectionHub) register(c *client) {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()

	h.clients[c] = true
	h.retainLocked()
	h.logger.Infow("client registered", "client", c.id, "total", len(h.clients))
}

func (h *DetectionHub) unregister(c *client) {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()

	if !h.clients[c] {
		return
	}
	delete(h.clients, c)
	close(c.send)
	h.resizeLocked()
	h.releaseLocked()
	h.logger.Infow("client unregistered", "client", c.id, "total", len(h.clients))
}

// Hold keeps the hub attached for a viewer that is not a websocket
// client. The returned func releases the hold; calling it twice is a no-op.
func (h *DetectionHub) Hold() func() {
	h.clientsMu.Lock()
	h.holds++
	h.retainLocked()
	h.clientsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.clientsMu.Lock()
			h.holds--
			h.releaseLocked()
			h.clientsMu.Unlock()
		})
	}
}

// retainLocked attaches on the first viewer
func (h *DetectionHub) retainLocked() {
	if len(h.clients)+h.holds == 1 && h.host != nil {
		h.host.AttachTarget(h)
	}
}

// releaseLocked detaches after the last viewer and forgets the overlay
func (h *DetectionHub) releaseLocked() {
	if len(h.clients)+h.holds == 0 && h.host != nil {
		h.host.DetachTarget(h)
		h.SetPrimitives(nil)
	}
}

func (h *DetectionHub) broadcastJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Errorw("error marshaling message", "error", err)
		return
	}

	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			// Viewer is behind, it catches up with the next overlay
			h.dropped.Add(1)
		}
	}
}

// broadcastOverlay sends o to every viewer in its own viewport size,
// marshaling once per distinct size
func (h *DetectionHub) broadcastOverlay(o *pipeline.Overlay) {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()

	encoded := make(map[[2]int][]byte)
	for c := range h.clients {
		size := [2]int{c.viewportW, c.viewportH}
		data, ok := encoded[size]
		if !ok {
			var err error
			data, err = json.Marshal(NewOverlayMessage(Rescale(o, c.viewportW, c.viewportH)))
			if err != nil {
				h.logger.Errorw("error marshaling overlay", "error", err)
				return
			}
			encoded[size] = data
		}
		select {
		case c.send <- data:
		default:
			h.dropped.Add(1)
		}
	}
}

// Rescale returns o laid out for a width x height surface, as if it had
// been composed for that size. A zero size returns o unchanged.
func Rescale(o *pipeline.Overlay, width, height int) *pipeline.Overlay {
	if width <= 0 || height <= 0 || (width == o.TargetWidth && height == o.TargetHeight) {
		return o
	}
	from := overlay.ScaleFactor(o.SourceHeight, o.SourceWidth, o.TargetHeight, o.TargetWidth)
	to := overlay.ScaleFactor(o.SourceHeight, o.SourceWidth, height, width)
	k := to / from

	out := *o
	out.TargetWidth, out.TargetHeight = width, height
	out.Primitives = make([]pipeline.OverlayPrimitive, len(o.Primitives))
	for i, p := range o.Primitives {
		p.Box = p.Box.Scale(k)
		p.Chip = p.Chip.Scale(k)
		p.TextOrigin = pipeline.Point{X: p.TextOrigin.X * float64(k), Y: p.TextOrigin.Y * float64(k)}
		p.StrokeWidth *= float64(k)
		p.TextSize *= float64(k)
		out.Primitives[i] = p
	}
	return &out
}

func (h *DetectionHub) closeAll() {
	h.clientsMu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clientsMu.Unlock()

	for _, c := range clients {
		c.conn.Close()
	}
}

var (
	_ pipeline.RenderTarget = (*DetectionHub)(nil)
	_ capture.Notifier      = (*DetectionHub)(nil)
)
