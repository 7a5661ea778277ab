package detectors

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"
	"sync"
	"time"

	"go.uber.org/multierr"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"viewfinder/internal/pipeline"
)

const (
	detectionService = "viewfinder.detection.v1.DetectionService"
	detectMethod     = "/" + detectionService + "/Detect"
	configureMethod  = "/" + detectionService + "/Configure"
	releaseMethod    = "/" + detectionService + "/Release"
)

// GRPCConfig holds configuration for the remote inference backend
type GRPCConfig struct {
	Endpoint    string
	Timeout     time.Duration // Per-call deadline
	JPEGQuality int
	DialOptions []grpc.DialOption // Extra options, e.g. a custom dialer in tests
}

// grpcBackend sends frames to a remote inference service. The service is
// told which model to load when the backend is built, and again whenever it
// forgets the session.
type grpcBackend struct {
	conn *grpc.ClientConn
	cfg  GRPCConfig
	dc   pipeline.DetectorConfig

	mu      sync.Mutex
	session string
}

// NewGRPCFactory returns a factory that connects to cfg.Endpoint and asks
// the service to load the requested model
func NewGRPCFactory(cfg GRPCConfig) Factory {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.JPEGQuality <= 0 {
		cfg.JPEGQuality = 90
	}
	return func(ctx context.Context, dc pipeline.DetectorConfig) (Backend, error) {
		// Detect dead connections quickly
		kacp := keepalive.ClientParameters{
			Time:                10 * time.Second,
			Timeout:             5 * time.Second,
			PermitWithoutStream: true,
		}
		opts := append([]grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithKeepaliveParams(kacp),
		}, cfg.DialOptions...)

		conn, err := grpc.NewClient(cfg.Endpoint, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to dial %s: %w", cfg.Endpoint, err)
		}

		b := &grpcBackend{conn: conn, cfg: cfg, dc: dc}
		if err := b.configure(ctx, dc); err != nil {
			conn.Close()
			return nil, err
		}
		return b, nil
	}
}

// configure opens a server session for dc
func (b *grpcBackend) configure(ctx context.Context, dc pipeline.DetectorConfig) error {
	req, err := structpb.NewStruct(map[string]any{
		"model":       string(dc.Model),
		"threshold":   float64(dc.Threshold),
		"max_results": dc.MaxResults,
		"num_threads": dc.NumThreads,
		"delegate":    string(dc.Delegate),
	})
	if err != nil {
		return fmt.Errorf("failed to build configure request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	resp := new(structpb.Struct)
	if err := b.conn.Invoke(ctx, configureMethod, req, resp); err != nil {
		return fmt.Errorf("configure %s: %w", dc.Model, err)
	}
	b.mu.Lock()
	b.session = resp.GetFields()["session"].GetStringValue()
	b.mu.Unlock()
	return nil
}

func (b *grpcBackend) currentSession() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.session
}

func (b *grpcBackend) Infer(ctx context.Context, img image.Image) ([]pipeline.DetectionResult, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: b.cfg.JPEGQuality}); err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}

	bounds := img.Bounds()
	encoded := base64.StdEncoding.EncodeToString(buf.Bytes())

	resp, err := b.detect(ctx, bounds, encoded)
	if status.Code(err) == codes.FailedPrecondition {
		// The server evicted the session or restarted
		if err := b.configure(ctx, b.dc); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrBackendLost, err)
		}
		resp, err = b.detect(ctx, bounds, encoded)
	}
	switch status.Code(err) {
	case codes.OK:
		return decodeDetections(resp)
	case codes.FailedPrecondition, codes.Unavailable:
		return nil, fmt.Errorf("remote detect: %w: %w", ErrBackendLost, err)
	}
	return nil, fmt.Errorf("remote detect: %w", err)
}

func (b *grpcBackend) detect(ctx context.Context, bounds image.Rectangle, data string) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(map[string]any{
		"session": b.currentSession(),
		"width":   bounds.Dx(),
		"height":  bounds.Dy(),
		"image":   data,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build detect request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	resp := new(structpb.Struct)
	if err := b.conn.Invoke(ctx, detectMethod, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Close asks the server to drop the session, then closes the connection
func (b *grpcBackend) Close() error {
	var err error
	if session := b.currentSession(); session != "" {
		req, _ := structpb.NewStruct(map[string]any{"session": session})
		ctx, cancel := context.WithTimeout(context.Background(), b.cfg.Timeout)
		err = b.conn.Invoke(ctx, releaseMethod, req, new(structpb.Struct))
		cancel()
		if err != nil {
			err = fmt.Errorf("release session %s: %w", session, err)
		}
	}
	return multierr.Append(err, b.conn.Close())
}

// encodeDetections converts results into the wire struct
func encodeDetections(results []pipeline.DetectionResult, inference time.Duration) (*structpb.Struct, error) {
	list := make([]any, 0, len(results))
	for _, r := range results {
		cats := make([]any, 0, len(r.Categories))
		for _, c := range r.Categories {
			cats = append(cats, map[string]any{
				"index": c.Index,
				"label": c.Label,
				"score": float64(c.Score),
			})
		}
		list = append(list, map[string]any{
			"box":        []any{float64(r.Box.Left), float64(r.Box.Top), float64(r.Box.Right), float64(r.Box.Bottom)},
			"categories": cats,
		})
	}
	return structpb.NewStruct(map[string]any{
		"detections":        list,
		"inference_time_ms": float64(inference) / float64(time.Millisecond),
	})
}

// decodeDetections reads results from the wire struct
func decodeDetections(s *structpb.Struct) ([]pipeline.DetectionResult, error) {
	items := s.GetFields()["detections"].GetListValue().GetValues()
	results := make([]pipeline.DetectionResult, 0, len(items))
	for i, item := range items {
		fields := item.GetStructValue().GetFields()
		box := fields["box"].GetListValue().GetValues()
		if len(box) != 4 {
			return nil, fmt.Errorf("detection %d: box has %d values", i, len(box))
		}
		r := pipeline.DetectionResult{
			Box: pipeline.Box{
				Left:   float32(box[0].GetNumberValue()),
				Top:    float32(box[1].GetNumberValue()),
				Right:  float32(box[2].GetNumberValue()),
				Bottom: float32(box[3].GetNumberValue()),
			},
		}
		for _, c := range fields["categories"].GetListValue().GetValues() {
			cf := c.GetStructValue().GetFields()
			r.Categories = append(r.Categories, pipeline.Category{
				Index: int(cf["index"].GetNumberValue()),
				Label: cf["label"].GetStringValue(),
				Score: float32(cf["score"].GetNumberValue()),
			})
		}
		results = append(results, r)
	}
	return results, nil
}
