package capture

import (
	"errors"
	"time"

	"go.uber.org/zap"
)

// Observer maps session callbacks to notifications. It holds no session
// state and no reference to any session; the controller re-subscribes it on
// every bind.
type Observer struct {
	notifier Notifier
	logger   *zap.SugaredLogger
}

// NewObserver creates an observer forwarding to notifier, which may be nil
func NewObserver(notifier Notifier, logger *zap.SugaredLogger) *Observer {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Observer{notifier: notifier, logger: logger}
}

// OnStateEvent forwards a state transition and, if present, its error
func (o *Observer) OnStateEvent(ev StateEvent) {
	o.logger.Infow("camera state", "state", ev.State, "lens", ev.Lens)
	o.notify(Notification{
		Kind:      KindState,
		State:     ev.State.String(),
		Message:   stateMessage(ev.State),
		Lens:      ev.Lens,
		Timestamp: ev.Timestamp,
	})

	if ev.Err == nil {
		return
	}
	o.logger.Warnw("camera session error", "code", ev.Err.Code, "state", ev.State, "error", ev.Err)
	o.notify(Notification{
		Kind:        KindError,
		State:       ev.State.String(),
		Code:        ev.Err.Code.String(),
		Message:     ev.Err.Code.Message(),
		Recoverable: ev.Err.Code.Recoverable(),
		Lens:        ev.Lens,
		Timestamp:   ev.Timestamp,
	})
}

// OnCaptureSaved reports a stored one-shot capture
func (o *Observer) OnCaptureSaved(res *Result) {
	o.logger.Infow("photo capture succeeded", "location", res.Location, "detections", len(res.Primitives))
	o.notify(Notification{
		Kind:      KindCapture,
		Message:   "Photo capture succeeded",
		Location:  res.Location,
		Timestamp: res.Timestamp,
	})
}

// OnCaptureFailed reports a failed one-shot capture
func (o *Observer) OnCaptureFailed(err error, lens LensFacing, ts time.Time) {
	o.logger.Errorw("photo capture failed", "error", err)
	n := Notification{
		Kind:      KindCapture,
		Message:   "Photo capture failed",
		Lens:      lens,
		Timestamp: ts,
	}
	var se *SessionError
	if errors.As(err, &se) {
		n.Code = se.Code.String()
		n.Recoverable = se.Code.Recoverable()
	}
	o.notify(n)
}

func (o *Observer) notify(n Notification) {
	if o.notifier != nil {
		o.notifier.Notify(n)
	}
}

func stateMessage(s SessionState) string {
	switch s {
	case StatePendingOpen:
		return "Camera pending open"
	case StateOpening:
		return "Camera opening"
	case StateOpen:
		return "Camera open"
	case StateClosing:
		return "Camera closing"
	case StateClosed:
		return "Camera closed"
	}
	return s.String()
}
