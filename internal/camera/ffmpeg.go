package camera

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"viewfinder/internal/capture"
)

// FFmpegConfig maps lenses to capture devices. A device is a V4L2 path,
// an RTSP URL or an HTTP MJPEG URL.
type FFmpegConfig struct {
	Devices       map[capture.LensFacing]string
	FPS           int
	Binary        string
	Quality       int // ffmpeg -q:v, 2 (best) to 31
	LongSide      int // Analysis stream
	StillLongSide int // Captured stills, read from a second ffmpeg output
}

// FFmpegProvider captures from real devices by piping MJPEG out of ffmpeg
type FFmpegProvider struct {
	cfg    FFmpegConfig
	logger *zap.SugaredLogger

	mu      sync.Mutex
	session *ffmpegSession
}

// NewFFmpegProvider creates an ffmpeg-backed camera subsystem
func NewFFmpegProvider(cfg FFmpegConfig, logger *zap.SugaredLogger) *FFmpegProvider {
	if cfg.FPS <= 0 {
		cfg.FPS = 15
	}
	if cfg.Binary == "" {
		cfg.Binary = "ffmpeg"
	}
	if cfg.Quality <= 0 {
		cfg.Quality = 5
	}
	if cfg.LongSide <= 0 {
		cfg.LongSide = 640
	}
	if cfg.StillLongSide < cfg.LongSide {
		cfg.StillLongSide = cfg.LongSide
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &FFmpegProvider{cfg: cfg, logger: logger}
}

// HasLens implements capture.Provider
func (p *FFmpegProvider) HasLens(lens capture.LensFacing) bool {
	device, ok := p.cfg.Devices[lens]
	return ok && deviceExists(device)
}

// Bind implements capture.Provider. The session reports Open once the first
// frame has been decoded.
func (p *FFmpegProvider) Bind(ctx context.Context, req capture.BindRequest) (capture.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	device, ok := p.cfg.Devices[req.Lens]
	if !ok {
		return nil, capture.NewSessionError(capture.ErrorStreamConfig, fmt.Errorf("no device for %s lens", req.Lens))
	}
	if p.session != nil {
		return nil, capture.NewSessionError(capture.ErrorMaxCamerasInUse, fmt.Errorf("%s camera already bound", p.session.lens))
	}

	var stream, still image.Point
	stream.X, stream.Y = req.AspectRatio.Resolution(p.cfg.LongSide)
	still.X, still.Y = req.AspectRatio.Resolution(p.cfg.StillLongSide)

	cmd := exec.Command(p.cfg.Binary, ffmpegArgs(device, stream, still, p.cfg.FPS, p.cfg.Quality)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("error creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("error creating stderr pipe: %w", err)
	}
	// Stills arrive on fd 3
	stills, stillsW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("error creating stills pipe: %w", err)
	}
	cmd.ExtraFiles = []*os.File{stillsW}

	s := &ffmpegSession{
		baseSession: newBaseSession(req, p.logger.With("lens", req.Lens, "device", device)),
		cmd:         cmd,
	}
	if !s.transition(capture.StateOpening, nil) {
		stills.Close()
		stillsW.Close()
		return nil, capture.ErrClosed
	}
	err = cmd.Start()
	stillsW.Close()
	if err != nil {
		stills.Close()
		close(s.done)
		return nil, capture.NewSessionError(capture.ErrorStreamConfig, fmt.Errorf("error starting ffmpeg: %w", err))
	}

	go drain(stderr)
	go s.readStills(stills)
	go s.run(stdout)

	p.session = s
	p.logger.Infow("camera bound", "lens", req.Lens, "device", device,
		"width", stream.X, "height", stream.Y, "still_width", still.X, "still_height", still.Y)
	return s, nil
}

// UnbindAll implements capture.Provider
func (p *FFmpegProvider) UnbindAll() error {
	p.mu.Lock()
	s := p.session
	p.session = nil
	p.mu.Unlock()

	if s == nil {
		return nil
	}
	if s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
	s.shutdown()
	return nil
}

type ffmpegSession struct {
	*baseSession
	cmd *exec.Cmd

	lastMu   sync.RWMutex
	lastJPEG []byte
	lastTS   time.Time
}

func (s *ffmpegSession) run(stdout io.Reader) {
	defer close(s.done)
	defer s.cmd.Wait()

	err := readJPEGFrames(stdout, s.onJPEG)
	if s.stopped() {
		return
	}
	// ffmpeg went away on its own
	cause := errors.New("ffmpeg exited")
	if err != nil {
		cause = fmt.Errorf("ffmpeg stream: %w", err)
	}
	s.logger.Errorw("capture stopped", "error", cause)
	s.transition(capture.StateClosing, capture.NewSessionError(capture.ErrorCameraFatal, cause))
	s.transition(capture.StateClosed, nil)
}

func (s *ffmpegSession) onJPEG(data []byte) {
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		s.logger.Debugw("skipping undecodable frame", "error", err)
		return
	}
	now := time.Now()

	if s.state() == capture.StateOpening {
		s.transition(capture.StateOpen, nil)
	}
	s.emit(toRGBA(img), now)
}

// readStills keeps the latest full-resolution frame for TakePicture
func (s *ffmpegSession) readStills(r io.ReadCloser) {
	defer r.Close()
	err := readJPEGFrames(r, func(data []byte) {
		s.lastMu.Lock()
		s.lastJPEG = data
		s.lastTS = time.Now()
		s.lastMu.Unlock()
	})
	if err != nil && !s.stopped() {
		s.logger.Warnw("still output stopped", "error", err)
	}
}

// TakePicture implements capture.Session with the latest still-size frame
func (s *ffmpegSession) TakePicture(ctx context.Context) (capture.Still, error) {
	if err := ctx.Err(); err != nil {
		return capture.Still{}, err
	}
	if st := s.state(); st != capture.StateOpen {
		return capture.Still{}, fmt.Errorf("%w: state %s", capture.ErrSessionNotOpen, st)
	}
	s.lastMu.RLock()
	data, ts := s.lastJPEG, s.lastTS
	s.lastMu.RUnlock()
	if data == nil {
		return capture.Still{}, capture.NewSessionError(capture.ErrorOtherRecoverable, errors.New("no frame captured yet"))
	}
	return capture.Still{JPEG: data, RotationDegrees: s.targetRotation(), Lens: s.lens, Timestamp: ts}, nil
}

func isNetworkSource(device string) bool {
	return strings.HasPrefix(device, "http://") ||
		strings.HasPrefix(device, "https://") ||
		strings.HasPrefix(device, "rtsp://")
}

// deviceExists checks that a local device can be opened. Network sources are
// checked when they are bound.
func deviceExists(device string) bool {
	if device == "" {
		return false
	}
	if isNetworkSource(device) {
		return true
	}
	file, err := os.OpenFile(device, os.O_RDONLY, 0)
	if err != nil {
		return false
	}
	file.Close()
	return true
}

// ffmpegArgs captures at still size and writes two MJPEG outputs: the
// analysis stream scaled to stream on stdout, and stills on fd 3
func ffmpegArgs(device string, stream, still image.Point, fps, quality int) []string {
	output := func(filter, target string) []string {
		return []string{
			"-map", "0:v",
			"-vf", filter,
			"-f", "image2pipe",
			"-vcodec", "mjpeg",
			"-r", fmt.Sprintf("%d", fps),
			"-q:v", fmt.Sprintf("%d", quality),
			target,
		}
	}
	scale := func(size image.Point) string {
		return fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease", size.X, size.Y)
	}

	var input []string
	switch {
	case strings.HasPrefix(device, "rtsp://"):
		input = []string{"-rtsp_transport", "tcp", "-i", device}
	case isNetworkSource(device):
		input = []string{"-i", device}
	default:
		input = []string{
			"-f", "v4l2",
			"-video_size", fmt.Sprintf("%dx%d", still.X, still.Y),
			"-framerate", fmt.Sprintf("%d", fps),
			"-i", device,
		}
	}
	args := append(input, output(scale(stream), "pipe:1")...)
	return append(args, output(scale(still), "pipe:3")...)
}

// readJPEGFrames splits a concatenated MJPEG stream into frames
func readJPEGFrames(r io.Reader, onFrame func([]byte)) error {
	buffer := make([]byte, 0, 1024*1024)
	chunk := make([]byte, 8192)
	for {
		n, err := r.Read(chunk)
		buffer = append(buffer, chunk[:n]...)
		for {
			frame := extractJPEGFrame(&buffer)
			if frame == nil {
				break
			}
			onFrame(frame)
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// extractJPEGFrame removes the first complete SOI..EOI frame from buffer
func extractJPEGFrame(buffer *[]byte) []byte {
	buf := *buffer
	start := bytes.Index(buf, []byte{0xFF, 0xD8})
	if start == -1 {
		// Keep a trailing 0xFF, it may start the next marker
		if len(buf) > 0 && buf[len(buf)-1] == 0xFF {
			*buffer = append(buf[:0], 0xFF)
		} else {
			*buffer = buf[:0]
		}
		return nil
	}
	end := bytes.Index(buf[start+2:], []byte{0xFF, 0xD9})
	if end == -1 {
		if start > 0 {
			*buffer = append(buf[:0], buf[start:]...)
		}
		return nil
	}
	end += start + 4

	frame := make([]byte, end-start)
	copy(frame, buf[start:end])
	*buffer = append(buf[:0], buf[end:]...)
	return frame
}

func drain(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
	}
}

func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba
	}
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
	return out
}

var (
	_ capture.Provider = (*FFmpegProvider)(nil)
	_ capture.Session  = (*ffmpegSession)(nil)
)
