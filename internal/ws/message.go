package ws

import (
	"fmt"
	"time"

	"viewfinder/internal/capture"
	"viewfinder/internal/pipeline"
)

// Message types
const (
	TypeHello        = "hello"
	TypeOverlay      = "overlay"
	TypeNotification = "notification"
	TypeViewport     = "viewport"
)

// HelloMessage is sent once when a client connects
type HelloMessage struct {
	Type     string    `json:"type"` // "hello"
	ClientID string    `json:"client_id"`
	Time     time.Time `json:"timestamp"`
}

// OverlayMessage carries one finished overlay
type OverlayMessage struct {
	Type         string          `json:"type"` // "overlay"
	Seq          uint64          `json:"seq"`
	Timestamp    time.Time       `json:"timestamp"`
	SourceWidth  int             `json:"source_width"`
	SourceHeight int             `json:"source_height"`
	TargetWidth  int             `json:"target_width"`
	TargetHeight int             `json:"target_height"`
	InferenceMs  float64         `json:"inference_ms"`
	Objects      []OverlayObject `json:"objects"`
}

// OverlayObject is a single box with its label chip
type OverlayObject struct {
	Label       string     `json:"label"`
	ClassIndex  int        `json:"class_index"`
	Score       float32    `json:"score"`
	Color       string     `json:"color"` // "#rrggbb"
	BBox        [4]float32 `json:"bbox"`  // [x, y, w, h] in target pixels
	Chip        [4]float32 `json:"chip"`
	TextX       float64    `json:"text_x"`
	TextY       float64    `json:"text_y"`
	StrokeWidth float64    `json:"stroke_width"`
	TextSize    float64    `json:"text_size"`
}

// NotificationMessage carries a camera session notification
type NotificationMessage struct {
	Type string `json:"type"` // "notification"
	capture.Notification
}

// ClientMessage is what viewers send. Only viewport updates are understood.
type ClientMessage struct {
	Type   string `json:"type"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// NewOverlayMessage converts an overlay to its wire form
func NewOverlayMessage(o *pipeline.Overlay) *OverlayMessage {
	msg := &OverlayMessage{
		Type:         TypeOverlay,
		Seq:          o.Seq,
		Timestamp:    o.Timestamp,
		SourceWidth:  o.SourceWidth,
		SourceHeight: o.SourceHeight,
		TargetWidth:  o.TargetWidth,
		TargetHeight: o.TargetHeight,
		InferenceMs:  float64(o.InferenceTime.Microseconds()) / 1000,
		Objects:      make([]OverlayObject, 0, len(o.Primitives)),
	}
	for _, p := range o.Primitives {
		msg.Objects = append(msg.Objects, OverlayObject{
			Label:       p.Label,
			ClassIndex:  p.ClassIndex,
			Score:       p.Score,
			Color:       fmt.Sprintf("#%02x%02x%02x", p.Color.R, p.Color.G, p.Color.B),
			BBox:        xywh(p.Box),
			Chip:        xywh(p.Chip),
			TextX:       p.TextOrigin.X,
			TextY:       p.TextOrigin.Y,
			StrokeWidth: p.StrokeWidth,
			TextSize:    p.TextSize,
		})
	}
	return msg
}

// NewNotificationMessage wraps a session notification
func NewNotificationMessage(n capture.Notification) *NotificationMessage {
	return &NotificationMessage{Type: TypeNotification, Notification: n}
}

func xywh(b pipeline.Box) [4]float32 {
	return [4]float32{b.Left, b.Top, b.Width(), b.Height()}
}
