package services

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"
	goahttp "goa.design/goa/v3/http"
	"goa.design/goa/v3/middleware"
	goa "goa.design/goa/v3/pkg"
)

// MountPoint holds information about a mounted endpoint
type MountPoint struct {
	// Method is the name of the service method served by the mounted HTTP handler.
	Method string
	// Verb is the HTTP method used to match requests to the mounted handler.
	Verb string
	// Pattern is the HTTP request path pattern used to match requests to the
	// mounted handler.
	Pattern string
}

// ErrorBody is the JSON rendering of a failed request
type ErrorBody struct {
	Name      string `json:"name"`
	ID        string `json:"id"`
	Message   string `json:"message"`
	Temporary bool   `json:"temporary"`
	Fault     bool   `json:"fault"`
	RequestID string `json:"request_id,omitempty"`
}

// Server mounts the service methods on a goa muxer
type Server struct {
	Mounts []*MountPoint

	mux    goahttp.Muxer
	dec    func(*http.Request) goahttp.Decoder
	enc    func(context.Context, http.ResponseWriter) goahttp.Encoder
	logger *zap.SugaredLogger
}

// NewServer creates a server that mounts on mux
func NewServer(
	mux goahttp.Muxer,
	decoder func(*http.Request) goahttp.Decoder,
	encoder func(context.Context, http.ResponseWriter) goahttp.Encoder,
	logger *zap.SugaredLogger,
) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Server{mux: mux, dec: decoder, enc: encoder, logger: logger}
}

// MountHealth mounts the health endpoints
func (s *Server) MountHealth(h *HealthImplementation) {
	s.handle("Healthz", "GET", "/healthz", func(ctx context.Context, _ any) (any, error) {
		return nil, h.Healthz(ctx)
	}, nil)
	s.handle("Readyz", "GET", "/readyz", func(ctx context.Context, _ any) (any, error) {
		return nil, h.Readyz(ctx)
	}, nil)
	s.handle("Status", "GET", "/api/health", func(ctx context.Context, _ any) (any, error) {
		return h.Status(ctx)
	}, nil)
}

// MountAuth mounts the auth endpoints
func (s *Server) MountAuth(a *AuthImplementation) {
	s.handle("Login", "POST", "/api/auth/login", func(ctx context.Context, req any) (any, error) {
		return a.Login(ctx, req.(*LoginPayload))
	}, decodeBody[LoginPayload])
	s.handle("AuthStatus", "GET", "/api/auth/status", func(ctx context.Context, _ any) (any, error) {
		return a.Status(ctx)
	}, nil)
}

// MountCamera mounts the camera and capture endpoints
func (s *Server) MountCamera(c *CameraImplementation) {
	s.handle("Status", "GET", "/api/status", func(ctx context.Context, _ any) (any, error) {
		return c.Status(ctx)
	}, nil)
	s.handle("SwitchLens", "POST", "/api/lens/switch", func(ctx context.Context, _ any) (any, error) {
		return c.SwitchLens(ctx)
	}, nil)
	s.handle("SetRotation", "PUT", "/api/rotation", func(ctx context.Context, req any) (any, error) {
		return c.SetRotation(ctx, req.(*RotationPayload))
	}, decodeBody[RotationPayload])
	s.handle("SetDisplay", "PUT", "/api/display", func(ctx context.Context, req any) (any, error) {
		return c.SetDisplay(ctx, req.(*DisplayPayload))
	}, decodeBody[DisplayPayload])
	s.handle("Capture", "POST", "/api/capture", func(ctx context.Context, _ any) (any, error) {
		return c.Capture(ctx)
	}, nil)
	s.handle("ListCaptures", "GET", "/api/captures", func(ctx context.Context, req any) (any, error) {
		return c.ListCaptures(ctx, req.(int))
	}, decodeLimit)
	s.handle("GetCapture", "GET", "/api/captures/{id}", func(ctx context.Context, req any) (any, error) {
		rec, err := c.GetCapture(ctx, req.(string))
		if err != nil {
			return nil, err
		}
		return captureInfo(rec), nil
	}, decodeID)
	s.handle("SimulateError", "POST", "/api/camera/simulate-error", func(ctx context.Context, req any) (any, error) {
		return nil, c.SimulateError(ctx, req.(*SimulateErrorPayload))
	}, decodeBody[SimulateErrorPayload])

	// The image is a file, not an encoded result
	s.mount("CaptureImage", "GET", "/api/captures/{id}/image", func(w http.ResponseWriter, r *http.Request) {
		rec, err := c.GetCapture(r.Context(), s.mux.Vars(r)["id"])
		if err != nil {
			s.encodeError(r.Context(), w, err)
			return
		}
		w.Header().Set("Cache-Control", "private, max-age=86400")
		http.ServeFile(w, r, rec.Path)
	})
}

// MountConfig mounts the detector settings endpoints
func (s *Server) MountConfig(c *ConfigImplementation) {
	s.handle("GetDetector", "GET", "/api/detector", func(ctx context.Context, _ any) (any, error) {
		return c.Get(ctx)
	}, nil)
	s.handle("UpdateDetector", "PATCH", "/api/detector", func(ctx context.Context, req any) (any, error) {
		return c.Update(ctx, req.(*DetectorUpdatePayload))
	}, decodeBody[DetectorUpdatePayload])
	s.handle("Models", "GET", "/api/detector/models", func(ctx context.Context, _ any) (any, error) {
		return c.Models(ctx)
	}, nil)
}

// MountHandler mounts a plain HTTP handler such as a stream
func (s *Server) MountHandler(method, verb, pattern string, h http.Handler) {
	s.mount(method, verb, pattern, h.ServeHTTP)
}

func (s *Server) mount(method, verb, pattern string, h http.HandlerFunc) {
	s.mux.Handle(verb, pattern, h)
	s.Mounts = append(s.Mounts, &MountPoint{Method: method, Verb: verb, Pattern: pattern})
}

// handle mounts endpoint with an optional request decoder. A nil result
// is answered with 204.
func (s *Server) handle(method, verb, pattern string, endpoint goa.Endpoint, decode func(*Server, *http.Request) (any, error)) {
	s.mount(method, verb, pattern, func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), goahttp.AcceptTypeKey, r.Header.Get("Accept"))
		ctx = context.WithValue(ctx, goa.MethodKey, method)

		var req any
		if decode != nil {
			var err error
			if req, err = decode(s, r); err != nil {
				s.encodeError(ctx, w, err)
				return
			}
		}

		res, err := endpoint(ctx, req)
		if err != nil {
			s.encodeError(ctx, w, err)
			return
		}
		if res == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		enc := s.enc(ctx, w)
		w.WriteHeader(http.StatusOK)
		if err := enc.Encode(res); err != nil {
			s.logger.Errorw("failed to encode response", "method", method, "error", err)
		}
	})
}

func decodeBody[P any](s *Server, r *http.Request) (any, error) {
	var body P
	if err := s.dec(r).Decode(&body); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, goa.MissingPayloadError()
		}
		return nil, goa.DecodePayloadError(err.Error())
	}
	return &body, nil
}

func decodeLimit(_ *Server, r *http.Request) (any, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return nil, goa.InvalidFieldTypeError("limit", raw, "non-negative integer")
	}
	return limit, nil
}

func decodeID(s *Server, r *http.Request) (any, error) {
	return s.mux.Vars(r)["id"], nil
}

// encodeError writes err with the status its name maps to
func (s *Server) encodeError(ctx context.Context, w http.ResponseWriter, err error) {
	body := ErrorBody{Message: err.Error()}
	var se *goa.ServiceError
	if errors.As(err, &se) {
		body.Name, body.ID, body.Message = se.Name, se.ID, se.Message
		body.Temporary, body.Fault = se.Temporary, se.Fault
	} else {
		body.Name, body.ID, body.Fault = "fault", goa.NewErrorID(), true
	}
	if id, ok := ctx.Value(middleware.RequestIDKey).(string); ok {
		body.RequestID = id
	}

	status := StatusOf(err)
	if status >= http.StatusInternalServerError {
		s.logger.Errorw("request failed", "request_id", body.RequestID, "error", err)
	}
	enc := s.enc(ctx, w)
	w.WriteHeader(status)
	if err := enc.Encode(body); err != nil {
		s.logger.Errorw("failed to encode error", "error", err)
	}
}

// StatusOf maps a service error to its HTTP status
func StatusOf(err error) int {
	var se *goa.ServiceError
	if !errors.As(err, &se) {
		return http.StatusInternalServerError
	}
	switch se.Name {
	case ErrNameBadRequest, "missing_payload", "decode_payload", "invalid_field_type", "missing_field", "invalid_format", "invalid_enum_value", "invalid_pattern", "invalid_range", "invalid_length":
		return http.StatusBadRequest
	case ErrNameUnauthorized:
		return http.StatusUnauthorized
	case ErrNameNotFound:
		return http.StatusNotFound
	case ErrNameConflict:
		return http.StatusConflict
	case ErrNameUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
