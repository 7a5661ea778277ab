package detectors

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/jpeg"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"viewfinder/internal/pipeline"
)

// DetectionServer is the server side of the remote inference protocol
type DetectionServer interface {
	Configure(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Detect(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Release(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// RegisterDetectionServer mounts srv on s
func RegisterDetectionServer(s grpc.ServiceRegistrar, srv DetectionServer) {
	s.RegisterService(&detectionServiceDesc, srv)
}

var detectionServiceDesc = grpc.ServiceDesc{
	ServiceName: detectionService,
	HandlerType: (*DetectionServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Configure", Handler: unaryHandler(configureMethod, DetectionServer.Configure)},
		{MethodName: "Detect", Handler: unaryHandler(detectMethod, DetectionServer.Detect)},
		{MethodName: "Release", Handler: unaryHandler(releaseMethod, DetectionServer.Release)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "viewfinder/detection/v1",
}

func unaryHandler(method string, call func(DetectionServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(DetectionServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(DetectionServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// BackendServer exposes a local Factory over the remote inference protocol.
// Each Configure call builds a backend and returns a session id for Detect.
type BackendServer struct {
	factory     Factory
	logger      *zap.SugaredLogger
	maxSessions int

	mu       sync.Mutex
	sessions map[string]Backend
	order    []string
}

// NewBackendServer creates a server keeping at most maxSessions backends
func NewBackendServer(factory Factory, maxSessions int, logger *zap.SugaredLogger) *BackendServer {
	if maxSessions <= 0 {
		maxSessions = 4
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &BackendServer{
		factory:     factory,
		logger:      logger,
		maxSessions: maxSessions,
		sessions:    make(map[string]Backend),
	}
}

// Configure builds a backend for the requested detector config
func (s *BackendServer) Configure(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	f := req.GetFields()
	cfg := pipeline.DetectorConfig{
		Model:      pipeline.ModelVariant(f["model"].GetStringValue()),
		Threshold:  float32(f["threshold"].GetNumberValue()),
		MaxResults: int(f["max_results"].GetNumberValue()),
		NumThreads: int(f["num_threads"].GetNumberValue()),
		Delegate:   pipeline.Delegate(f["delegate"].GetStringValue()),
	}
	if err := cfg.Validate(); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	backend, err := s.factory(ctx, cfg)
	if err != nil {
		return nil, status.Errorf(codes.Unavailable, "build backend: %v", err)
	}

	id := uuid.NewString()
	s.mu.Lock()
	s.sessions[id] = backend
	s.order = append(s.order, id)
	for len(s.order) > s.maxSessions {
		oldest := s.order[0]
		s.order = s.order[1:]
		if b, ok := s.sessions[oldest]; ok {
			b.Close()
			delete(s.sessions, oldest)
		}
	}
	s.mu.Unlock()

	s.logger.Infow("detector session configured", "session", id, "model", cfg.Model)
	return structpb.NewStruct(map[string]any{"session": id})
}

// Detect runs inference for a configured session
func (s *BackendServer) Detect(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	f := req.GetFields()
	id := f["session"].GetStringValue()

	s.mu.Lock()
	backend, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		return nil, status.Errorf(codes.FailedPrecondition, "unknown session %q", id)
	}

	data, err := base64.StdEncoding.DecodeString(f["image"].GetStringValue())
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "image encoding: %v", err)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "image decode: %v", err)
	}

	start := time.Now()
	results, err := backend.Infer(ctx, img)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "inference: %v", err)
	}
	resp, err := encodeDetections(results, time.Since(start))
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode: %v", err)
	}
	return resp, nil
}

// Release drops a session. Unknown sessions are not an error.
func (s *BackendServer) Release(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id := req.GetFields()["session"].GetStringValue()

	s.mu.Lock()
	backend, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
		for i, o := range s.order {
			if o == id {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
	}
	s.mu.Unlock()

	if ok {
		if err := backend.Close(); err != nil {
			s.logger.Warnw("closing released session", "session", id, "error", err)
		}
		s.logger.Infow("detector session released", "session", id)
	}
	return &structpb.Struct{}, nil
}

// SessionCount returns the number of live sessions
func (s *BackendServer) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Close releases every session backend
func (s *BackendServer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for id, b := range s.sessions {
		if err := b.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("error closing session %q: %w", id, err)
		}
		delete(s.sessions, id)
	}
	s.order = nil
	return firstErr
}

var _ DetectionServer = (*BackendServer)(nil)
