// Package capture drives the camera session lifecycle: binding use cases,
// reacting to session state callbacks, and one-shot annotated captures.
package capture

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNoCamera is fatal at startup; the pipeline never starts
	ErrNoCamera = errors.New("back and front camera are unavailable")
	// ErrSessionNotOpen rejects captures outside the Open state
	ErrSessionNotOpen = errors.New("camera session is not open")
	// ErrLensUnavailable is returned when switching to a lens that does not exist
	ErrLensUnavailable = errors.New("lens unavailable")
	ErrNotStarted      = errors.New("controller not started")
	ErrClosed          = errors.New("controller closed")
)

// SessionState is the lifecycle stage reported by the camera subsystem
type SessionState int32

const (
	StatePendingOpen SessionState = iota
	StateOpening
	StateOpen
	StateClosing
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StatePendingOpen:
		return "pending_open"
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// MarshalText renders the state name in JSON payloads
func (s SessionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ErrorCode classifies camera session failures
type ErrorCode int

const (
	ErrorStreamConfig ErrorCode = iota + 1
	ErrorCameraInUse
	ErrorMaxCamerasInUse
	ErrorOtherRecoverable
	ErrorCameraDisabled
	ErrorCameraFatal
	ErrorDoNotDisturb
)

// ErrorCodes lists every classified code
var ErrorCodes = []ErrorCode{
	ErrorStreamConfig,
	ErrorCameraInUse,
	ErrorMaxCamerasInUse,
	ErrorOtherRecoverable,
	ErrorCameraDisabled,
	ErrorCameraFatal,
	ErrorDoNotDisturb,
}

func (c ErrorCode) String() string {
	switch c {
	case ErrorStreamConfig:
		return "stream_config"
	case ErrorCameraInUse:
		return "camera_in_use"
	case ErrorMaxCamerasInUse:
		return "max_cameras_in_use"
	case ErrorOtherRecoverable:
		return "other_recoverable"
	case ErrorCameraDisabled:
		return "camera_disabled"
	case ErrorCameraFatal:
		return "camera_fatal"
	case ErrorDoNotDisturb:
		return "do_not_disturb"
	}
	return fmt.Sprintf("error(%d)", int(c))
}

// MarshalText renders the code name in JSON payloads
func (c ErrorCode) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// Message is the user-facing text for the code
func (c ErrorCode) Message() string {
	switch c {
	case ErrorStreamConfig:
		return "Stream config error"
	case ErrorCameraInUse:
		return "Camera in use"
	case ErrorMaxCamerasInUse:
		return "Max cameras in use"
	case ErrorOtherRecoverable:
		return "Other recoverable error"
	case ErrorCameraDisabled:
		return "Camera disabled"
	case ErrorCameraFatal:
		return "Fatal error"
	case ErrorDoNotDisturb:
		return "Do not disturb mode enabled"
	}
	return "Unknown camera error"
}

// Recoverable reports whether the subsystem may reopen the session on its own
func (c ErrorCode) Recoverable() bool {
	switch c {
	case ErrorCameraInUse, ErrorMaxCamerasInUse, ErrorOtherRecoverable:
		return true
	}
	return false
}

// SessionError is a classified camera failure. It is reported, never retried.
type SessionError struct {
	Code  ErrorCode
	Cause error
}

func (e *SessionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Code.Message(), e.Cause)
	}
	return e.Code.Message()
}

func (e *SessionError) Unwrap() error { return e.Cause }

// NewSessionError classifies cause under code
func NewSessionError(code ErrorCode, cause error) *SessionError {
	return &SessionError{Code: code, Cause: cause}
}

// LensFacing selects a physical camera
type LensFacing string

const (
	LensBack  LensFacing = "back"
	LensFront LensFacing = "front"
)

// Opposite returns the other lens
func (l LensFacing) Opposite() LensFacing {
	if l == LensFront {
		return LensBack
	}
	return LensFront
}

// StateEvent is one session state callback, optionally carrying an error
type StateEvent struct {
	State     SessionState
	Err       *SessionError
	Lens      LensFacing
	Timestamp time.Time
}
