package camera

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"testing/iotest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"viewfinder/internal/capture"
	"viewfinder/internal/pipeline"
)

type countingSink struct {
	mu        sync.Mutex
	frames    int
	rotations []int
	sizes     []image.Point
	seqs      []uint64
}

func (s *countingSink) Submit(f *pipeline.Frame) bool {
	s.mu.Lock()
	s.frames++
	s.rotations = append(s.rotations, f.RotationDegrees)
	s.sizes = append(s.sizes, image.Pt(f.Width, f.Height))
	s.seqs = append(s.seqs, f.Seq)
	s.mu.Unlock()
	f.Release()
	return true
}

func (s *countingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

type previewCounter struct {
	mu     sync.Mutex
	frames int
}

func (p *previewCounter) PublishPreview(img image.Image, ts time.Time) {
	p.mu.Lock()
	p.frames++
	p.mu.Unlock()
}

func (p *previewCounter) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frames
}

type stateLog struct {
	mu     sync.Mutex
	events []capture.StateEvent
}

func (l *stateLog) add(ev capture.StateEvent) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *stateLog) states() []capture.SessionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]capture.SessionState, 0, len(l.events))
	for _, ev := range l.events {
		out = append(out, ev.State)
	}
	return out
}

func (l *stateLog) last() capture.StateEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.events[len(l.events)-1]
}

func newTestVirtual(t *testing.T) *VirtualProvider {
	t.Helper()
	cfg := DefaultVirtualConfig()
	cfg.FPS = 200
	cfg.LongSide = 64
	cfg.StillLongSide = 128
	cfg.OpenDelay = time.Millisecond
	p := NewVirtualProvider(cfg, zaptest.NewLogger(t).Sugar())
	t.Cleanup(func() { p.UnbindAll() })
	return p
}

func bindOpen(t *testing.T, p *VirtualProvider, req capture.BindRequest) (capture.Session, *stateLog) {
	t.Helper()
	s, err := p.Bind(context.Background(), req)
	require.NoError(t, err)
	log := &stateLog{}
	s.Observe(log.add)
	require.Eventually(t, func() bool { return log.last().State == capture.StateOpen }, time.Second, time.Millisecond)
	return s, log
}

func TestVirtualSessionLifecycle(t *testing.T) {
	p := newTestVirtual(t)
	sink := &countingSink{}
	preview := &previewCounter{}

	s, log := bindOpen(t, p, capture.BindRequest{
		Lens:           capture.LensBack,
		AspectRatio:    capture.Ratio4x3,
		TargetRotation: 90,
		Analysis:       sink,
		Preview:        preview,
	})
	assert.Equal(t, capture.LensBack, s.Lens())

	require.Eventually(t, func() bool { return sink.count() >= 3 && preview.count() >= 3 }, time.Second, time.Millisecond)

	require.NoError(t, p.UnbindAll())
	states := log.states()
	require.GreaterOrEqual(t, len(states), 3)
	assert.Equal(t, []capture.SessionState{capture.StateClosing, capture.StateClosed}, states[len(states)-2:])
	assert.Nil(t, p.Session())

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, image.Pt(64, 48), sink.sizes[0])
	assert.Equal(t, 90, sink.rotations[0])
	for i := 1; i < len(sink.seqs); i++ {
		assert.Greater(t, sink.seqs[i], sink.seqs[i-1])
	}
	assert.Zero(t, s.(*virtualSession).Outstanding())
}

func TestVirtualFramesStopAfterUnbind(t *testing.T) {
	p := newTestVirtual(t)
	sink := &countingSink{}
	bindOpen(t, p, capture.BindRequest{Lens: capture.LensBack, Analysis: sink})
	require.Eventually(t, func() bool { return sink.count() > 0 }, time.Second, time.Millisecond)

	require.NoError(t, p.UnbindAll())
	n := sink.count()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, sink.count())
}

func TestVirtualRejectsSecondSession(t *testing.T) {
	p := newTestVirtual(t)
	bindOpen(t, p, capture.BindRequest{Lens: capture.LensBack})

	_, err := p.Bind(context.Background(), capture.BindRequest{Lens: capture.LensFront})
	var se *capture.SessionError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, capture.ErrorMaxCamerasInUse, se.Code)

	require.NoError(t, p.UnbindAll())
	_, err = p.Bind(context.Background(), capture.BindRequest{Lens: capture.LensFront})
	assert.NoError(t, err)
}

func TestVirtualUnknownLens(t *testing.T) {
	cfg := DefaultVirtualConfig()
	cfg.Lenses = []capture.LensFacing{capture.LensFront}
	p := NewVirtualProvider(cfg, nil)
	assert.False(t, p.HasLens(capture.LensBack))
	assert.True(t, p.HasLens(capture.LensFront))

	_, err := p.Bind(context.Background(), capture.BindRequest{Lens: capture.LensBack})
	var se *capture.SessionError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, capture.ErrorStreamConfig, se.Code)
}

func TestVirtualInjectedErrors(t *testing.T) {
	tests := []struct {
		code     capture.ErrorCode
		final    capture.SessionState
		errState capture.SessionState
	}{
		{capture.ErrorStreamConfig, capture.StateOpen, capture.StateOpen},
		{capture.ErrorCameraInUse, capture.StateOpen, capture.StatePendingOpen},
		{capture.ErrorOtherRecoverable, capture.StateOpen, capture.StatePendingOpen},
		{capture.ErrorCameraFatal, capture.StateClosed, capture.StateClosing},
		{capture.ErrorCameraDisabled, capture.StateClosed, capture.StateClosing},
		{capture.ErrorDoNotDisturb, capture.StateClosed, capture.StateClosed},
	}
	for _, tt := range tests {
		t.Run(tt.code.String(), func(t *testing.T) {
			p := newTestVirtual(t)
			_, log := bindOpen(t, p, capture.BindRequest{Lens: capture.LensBack})

			require.NoError(t, p.InjectError(tt.code))
			require.Eventually(t, func() bool {
				log.mu.Lock()
				defer log.mu.Unlock()
				for _, ev := range log.events {
					if ev.Err != nil {
						return true
					}
				}
				return false
			}, time.Second, time.Millisecond)
			require.Eventually(t, func() bool { return log.last().State == tt.final }, time.Second, time.Millisecond)

			log.mu.Lock()
			defer log.mu.Unlock()
			for _, ev := range log.events {
				if ev.Err != nil {
					assert.Equal(t, tt.code, ev.Err.Code)
					assert.Equal(t, tt.errState, ev.State)
				}
			}
		})
	}
}

func TestVirtualTakePicture(t *testing.T) {
	p := newTestVirtual(t)
	s, _ := bindOpen(t, p, capture.BindRequest{Lens: capture.LensFront, AspectRatio: capture.Ratio16x9, TargetRotation: 270})

	still, err := s.TakePicture(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 270, still.RotationDegrees)
	assert.Equal(t, capture.LensFront, still.Lens)

	img, err := jpeg.Decode(bytes.NewReader(still.JPEG))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 128, 72), img.Bounds())

	s.SetTargetRotation(180)
	still, err = s.TakePicture(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 180, still.RotationDegrees)

	require.NoError(t, p.UnbindAll())
	_, err = s.TakePicture(context.Background())
	assert.ErrorIs(t, err, capture.ErrSessionNotOpen)
}

func TestStateFeedReplaysCurrentState(t *testing.T) {
	f := newStateFeed(capture.LensBack)
	f.set(capture.StateOpening, nil)

	log := &stateLog{}
	cancel := f.Observe(log.add)
	f.set(capture.StateOpen, nil)
	cancel()
	f.set(capture.StateClosing, nil)

	assert.Equal(t, []capture.SessionState{capture.StateOpening, capture.StateOpen}, log.states())
}

func TestSceneHasDarkAndBrightRegions(t *testing.T) {
	img := Scene{}.Render(64, 48, 0)
	require.Equal(t, image.Rect(0, 0, 64, 48), img.Bounds())

	var dark, bright int
	for y := 0; y < 48; y++ {
		for x := 0; x < 64; x++ {
			c := img.RGBAAt(x, y)
			switch {
			case c.R < 50:
				dark++
			case c.R > 205:
				bright++
			}
		}
	}
	assert.Greater(t, dark, 16)
	assert.Greater(t, bright, 16)
}

func testJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 200
	}
	img.SetRGBA(0, 0, color.RGBA{0, 0, 0, 255})
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

func TestReadJPEGFramesSplitsStream(t *testing.T) {
	a := testJPEG(t, 8, 8)
	b := testJPEG(t, 16, 8)
	stream := append([]byte{0x00, 0x01}, a...)
	stream = append(stream, b...)

	var frames [][]byte
	err := readJPEGFrames(iotest.OneByteReader(bytes.NewReader(stream)), func(f []byte) {
		frames = append(frames, f)
	})
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.Equal(t, a, frames[0])
	assert.Equal(t, b, frames[1])
}

func TestReadJPEGFramesReportsErrors(t *testing.T) {
	err := readJPEGFrames(iotest.ErrReader(assert.AnError), func([]byte) {})
	assert.ErrorIs(t, err, assert.AnError)
}

func TestFFmpegArgs(t *testing.T) {
	stream, still := image.Pt(640, 480), image.Pt(1280, 960)
	args := ffmpegArgs("/dev/video0", stream, still, 15, 5)
	assert.Equal(t, []string{
		"-f", "v4l2", "-video_size", "1280x960", "-framerate", "15", "-i", "/dev/video0",
		"-map", "0:v", "-vf", "scale=640:480:force_original_aspect_ratio=decrease",
		"-f", "image2pipe", "-vcodec", "mjpeg", "-r", "15", "-q:v", "5", "pipe:1",
		"-map", "0:v", "-vf", "scale=1280:960:force_original_aspect_ratio=decrease",
		"-f", "image2pipe", "-vcodec", "mjpeg", "-r", "15", "-q:v", "5", "pipe:3",
	}, args)

	args = ffmpegArgs("rtsp://cam/stream", stream, still, 10, 5)
	assert.Equal(t, []string{"-rtsp_transport", "tcp", "-i", "rtsp://cam/stream"}, args[:4])
	assert.Equal(t, "pipe:3", args[len(args)-1])

	args = ffmpegArgs("http://cam/video.mjpg", stream, still, 10, 5)
	assert.Equal(t, []string{"-i", "http://cam/video.mjpg"}, args[:2])
}

// fakeFFmpeg writes an executable that ignores its arguments and emits
// stream frames on stdout and still frames on fd 3, as ffmpegArgs asks
func fakeFFmpeg(t *testing.T, stream, still []byte) string {
	t.Helper()
	dir := t.TempDir()
	streamPath := filepath.Join(dir, "stream.jpg")
	stillPath := filepath.Join(dir, "still.jpg")
	require.NoError(t, os.WriteFile(streamPath, stream, 0o600))
	require.NoError(t, os.WriteFile(stillPath, still, 0o600))

	script := fmt.Sprintf("#!/bin/sh\nwhile true; do cat %q; cat %q >&3; sleep 0.02; done\n", streamPath, stillPath)
	bin := filepath.Join(dir, "ffmpeg")
	require.NoError(t, os.WriteFile(bin, []byte(script), 0o700))
	return bin
}

func TestFFmpegStillsUseStillResolution(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("needs /bin/sh")
	}
	p := NewFFmpegProvider(FFmpegConfig{
		Binary:        fakeFFmpeg(t, testJPEG(t, 64, 48), testJPEG(t, 128, 96)),
		Devices:       map[capture.LensFacing]string{capture.LensBack: "rtsp://cam/stream"},
		LongSide:      64,
		StillLongSide: 128,
	}, zaptest.NewLogger(t).Sugar())
	t.Cleanup(func() { p.UnbindAll() })

	sink := &countingSink{}
	s, err := p.Bind(context.Background(), capture.BindRequest{
		Lens:        capture.LensBack,
		AspectRatio: capture.Ratio4x3,
		Analysis:    sink,
		Preview:     &previewCounter{},
	})
	require.NoError(t, err)
	log := &stateLog{}
	s.Observe(log.add)
	require.Eventually(t, func() bool { return log.last().State == capture.StateOpen }, 2*time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return sink.count() > 0 }, 2*time.Second, time.Millisecond)

	var still capture.Still
	require.Eventually(t, func() bool {
		still, err = s.TakePicture(context.Background())
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)

	img, err := jpeg.Decode(bytes.NewReader(still.JPEG))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 128, 96), img.Bounds())

	sink.mu.Lock()
	assert.Equal(t, image.Pt(64, 48), sink.sizes[0])
	sink.mu.Unlock()
}

func TestFFmpegProviderLenses(t *testing.T) {
	dir := t.TempDir()
	dev := filepath.Join(dir, "video0")
	require.NoError(t, os.WriteFile(dev, nil, 0o600))

	p := NewFFmpegProvider(FFmpegConfig{Devices: map[capture.LensFacing]string{
		capture.LensBack:  dev,
		capture.LensFront: filepath.Join(dir, "missing"),
	}}, nil)
	assert.True(t, p.HasLens(capture.LensBack))
	assert.False(t, p.HasLens(capture.LensFront))

	_, err := NewFFmpegProvider(FFmpegConfig{}, nil).Bind(context.Background(), capture.BindRequest{Lens: capture.LensBack})
	var se *capture.SessionError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, capture.ErrorStreamConfig, se.Code)
}

func TestFFmpegMissingBinary(t *testing.T) {
	p := NewFFmpegProvider(FFmpegConfig{
		Binary:  filepath.Join(t.TempDir(), "no-ffmpeg"),
		Devices: map[capture.LensFacing]string{capture.LensBack: "rtsp://cam/stream"},
	}, nil)
	_, err := p.Bind(context.Background(), capture.BindRequest{Lens: capture.LensBack})
	var se *capture.SessionError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, capture.ErrorStreamConfig, se.Code)
	assert.NoError(t, p.UnbindAll())
}
