package detectors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"viewfinder/internal/pipeline"
)

// HTTPConfig holds configuration for an HTTP inference service
type HTTPConfig struct {
	Endpoint    string
	Timeout     time.Duration
	JPEGQuality int
	Client      *http.Client // Optional, overrides Timeout
}

// httpDetection is one entry of the service response
type httpDetection struct {
	Class      string    `json:"class"`
	ClassID    int       `json:"class_id"`
	Confidence float32   `json:"confidence"`
	BBox       []float32 `json:"bbox"` // [x1, y1, x2, y2]
}

type httpResult struct {
	Detections      []httpDetection `json:"detections"`
	Count           int             `json:"count"`
	InferenceTimeMs float32         `json:"inference_time_ms"`
	Device          string          `json:"device"`
}

// httpBackend posts JPEG frames as multipart forms and reads JSON detections
type httpBackend struct {
	client *http.Client
	cfg    HTTPConfig
	model  pipeline.DetectorConfig
}

// NewHTTPFactory returns a factory for an HTTP inference service. Building
// probes the service health endpoint.
func NewHTTPFactory(cfg HTTPConfig) Factory {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.JPEGQuality <= 0 {
		cfg.JPEGQuality = 85
	}
	return func(ctx context.Context, dc pipeline.DetectorConfig) (Backend, error) {
		client := cfg.Client
		if client == nil {
			client = &http.Client{Timeout: cfg.Timeout}
		}
		b := &httpBackend{client: client, cfg: cfg, model: dc}
		if err := b.health(ctx); err != nil {
			return nil, err
		}
		return b, nil
	}
}

func (b *httpBackend) health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.cfg.Endpoint+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("detection service unavailable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("detection service unhealthy: %s", resp.Status)
	}
	return nil
}

func (b *httpBackend) Infer(ctx context.Context, img image.Image) ([]pipeline.DetectionResult, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	fw, err := w.CreateFormFile("file", "frame.jpg")
	if err != nil {
		return nil, err
	}
	if err := jpeg.Encode(fw, img, &jpeg.Options{Quality: b.cfg.JPEGQuality}); err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	w.WriteField("conf_threshold", fmt.Sprintf("%.3f", b.model.Threshold))
	w.WriteField("model", string(b.model.Model))
	w.WriteField("max_results", fmt.Sprintf("%d", b.model.MaxResults))
	w.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.Endpoint+"/detect", &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("detection failed: %s: %s", resp.Status, string(msg))
	}

	var result httpResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode detections: %w", err)
	}

	out := make([]pipeline.DetectionResult, 0, len(result.Detections))
	for _, d := range result.Detections {
		if len(d.BBox) < 4 {
			continue
		}
		out = append(out, pipeline.DetectionResult{
			Box: pipeline.Box{Left: d.BBox[0], Top: d.BBox[1], Right: d.BBox[2], Bottom: d.BBox[3]},
			Categories: []pipeline.Category{{
				Index: d.ClassID,
				Label: d.Class,
				Score: d.Confidence,
			}},
		})
	}
	return out, nil
}

func (b *httpBackend) Close() error {
	b.client.CloseIdleConnections()
	return nil
}
