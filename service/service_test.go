package service

import (
	"bytes"
	"context"
	"errors"
	"image/jpeg"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"WeaponDetServer/gate"
	"WeaponDetServer/schema"
)

// mockBackend serves canned detections, filtered by the threshold it is
// handed, like a real engine would.
type mockBackend struct {
	canned schema.DetectionSet
	delay  time.Duration
	err    error
}

func (m *mockBackend) Detect(img gocv.Mat, confidence float64) (schema.DetectionSet, error) {
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	if m.err != nil {
		return nil, m.err
	}
	out := schema.DetectionSet{}
	for _, d := range m.canned {
		if d.Confidence >= confidence {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *mockBackend) Names() []string { return []string{"weapon", "knife"} }
func (m *mockBackend) GPUActive() bool { return false }
func (m *mockBackend) Close() error { return nil }
func (m *mockBackend) Info() schema.EngineInfo {
	return schema.EngineInfo{ModelPath: "mock.onnx", Device: "cpu", Names: m.Names(), InputSize: 640}
}

func cannedDetections() schema.DetectionSet {
	return schema.DetectionSet{
		{ClassName: "weapon", Confidence: 0.9, ClassID: 0,
			BoundingBox: schema.BoundingBox{X1: 10, Y1: 10, X2: 40, Y2: 35}},
		{ClassName: "knife", Confidence: 0.55, ClassID: 1,
			BoundingBox: schema.BoundingBox{X1: 5, Y1: 20, X2: 25, Y2: 44}},
	}
}

func newTestService(t *testing.T, b schema.Backend, cfg Config) *Service {
	t.Helper()
	g := gate.New(func() (schema.Backend, error) { return b, nil })
	t.Cleanup(func() { _ = g.Close() })
	return New(g, cfg)
}

// jpegBytes encodes a blank width x height frame.
func jpegBytes(t *testing.T, width, height int) []byte {
	t.Helper()
	mat := gocv.NewMatWithSize(height, width, gocv.MatTypeCV8UC3)
	defer mat.Close()
	buf, err := gocv.IMEncode(gocv.JPEGFileExt, mat)
	require.NoError(t, err)
	defer buf.Close()
	return append([]byte(nil), buf.GetBytes()...)
}

func TestRunDetectsAboveThreshold(t *testing.T) {
	svc := newTestService(t, &mockBackend{canned: cannedDetections()}, Config{})
	img := jpegBytes(t, 64, 48)

	res, err := svc.Run(context.Background(), img, 0.4, false)
	require.NoError(t, err)
	assert.Len(t, res.Detections, 2)
	assert.Equal(t, 64, res.Width)
	assert.Equal(t, 48, res.Height)
	assert.GreaterOrEqual(t, res.InferenceMs, 0.0)
	assert.Nil(t, res.Annotated)
	assert.Equal(t, res.Detections.Count() > 0, res.Detections.HasWeapons())

	res, err = svc.Run(context.Background(), img, 0.7, false)
	require.NoError(t, err)
	require.Len(t, res.Detections, 1)
	assert.Equal(t, "weapon", res.Detections[0].ClassName)

	requests, detections, weaponHits := svc.Counters()
	assert.Equal(t, int64(2), requests)
	assert.Equal(t, int64(3), detections)
	assert.Equal(t, int64(2), weaponHits)
}

func TestRunThresholdOneYieldsEmptySet(t *testing.T) {
	svc := newTestService(t, &mockBackend{canned: cannedDetections()}, Config{})

	res, err := svc.Run(context.Background(), jpegBytes(t, 32, 32), 1.0, false)
	require.NoError(t, err)
	assert.Empty(t, res.Detections)
	assert.False(t, res.Detections.HasWeapons())

	requests, detections, weaponHits := svc.Counters()
	assert.Equal(t, int64(1), requests)
	assert.Zero(t, detections)
	assert.Zero(t, weaponHits)
}

func TestRunRejectsBadInput(t *testing.T) {
	svc := newTestService(t, &mockBackend{canned: cannedDetections()}, Config{})
	img := jpegBytes(t, 32, 32)

	t.Run("garbage bytes", func(t *testing.T) {
		_, err := svc.Run(context.Background(), []byte("definitely not an image"), 0.4, false)
		assert.ErrorIs(t, err, schema.ErrInvalidImage)
	})

	t.Run("threshold zero", func(t *testing.T) {
		_, err := svc.Run(context.Background(), img, 0, false)
		assert.ErrorIs(t, err, schema.ErrInvalidParameter)
	})

	t.Run("threshold above one", func(t *testing.T) {
		_, err := svc.Run(context.Background(), img, 1.5, false)
		assert.ErrorIs(t, err, schema.ErrInvalidParameter)
	})

	t.Run("oversized upload", func(t *testing.T) {
		small := newTestService(t, &mockBackend{}, Config{MaxUploadBytes: 16})
		_, err := small.Run(context.Background(), make([]byte, 32), 0.4, false)
		assert.ErrorIs(t, err, schema.ErrImageTooLarge)
	})

	// Bad requests must not poison the service for the next caller.
	res, err := svc.Run(context.Background(), img, 0.4, false)
	require.NoError(t, err)
	assert.Len(t, res.Detections, 2)
}

func TestRunAnnotatedKeepsDimensions(t *testing.T) {
	svc := newTestService(t, &mockBackend{canned: cannedDetections()}, Config{})

	res, err := svc.Run(context.Background(), jpegBytes(t, 80, 60), 0.4, true)
	require.NoError(t, err)
	require.NotEmpty(t, res.Annotated)

	decoded, err := jpeg.Decode(bytes.NewReader(res.Annotated))
	require.NoError(t, err)
	assert.Equal(t, 80, decoded.Bounds().Dx())
	assert.Equal(t, 60, decoded.Bounds().Dy())
}

func TestRunTimesOut(t *testing.T) {
	svc := newTestService(t,
		&mockBackend{canned: cannedDetections(), delay: 300 * time.Millisecond},
		Config{RequestTimeout: 50 * time.Millisecond})

	_, err := svc.Run(context.Background(), jpegBytes(t, 32, 32), 0.4, false)
	assert.ErrorIs(t, err, schema.ErrTimeout)

	requests, _, _ := svc.Counters()
	assert.Zero(t, requests)
}

func TestRunSurfacesEngineFailure(t *testing.T) {
	g := gate.New(func() (schema.Backend, error) {
		return nil, errors.New("weights corrupted")
	})
	svc := New(g, Config{})

	_, err := svc.Run(context.Background(), jpegBytes(t, 32, 32), 0.4, false)
	assert.ErrorIs(t, err, schema.ErrModelUnavailable)
}

func TestNewAppliesDefaults(t *testing.T) {
	svc := newTestService(t, &mockBackend{}, Config{})
	assert.Equal(t, DefaultConfidence, svc.DefaultThreshold())
	assert.Equal(t, int64(DefaultMaxUploadMB<<20), svc.cfg.MaxUploadBytes)
	assert.Equal(t, DefaultRequestBound, svc.cfg.RequestTimeout)
}

// fakeCamera yields copies of one synthetic frame a fixed number of times,
// then reports end of stream.
type fakeCamera struct {
	src     gocv.Mat
	frames  int
	reads   int
	closed  bool
	opened  bool
	openErr error
}

func newFakeCamera(t *testing.T, frames int) *fakeCamera {
	t.Helper()
	src := gocv.NewMatWithSize(48, 64, gocv.MatTypeCV8UC3)
	t.Cleanup(func() { _ = src.Close() })
	return &fakeCamera{src: src, frames: frames, opened: true}
}

func (f *fakeCamera) Read(m *gocv.Mat) bool {
	if f.reads >= f.frames {
		return false
	}
	f.reads++
	f.src.CopyTo(m)
	return true
}

func (f *fakeCamera) IsOpened() bool { return f.opened }
func (f *fakeCamera) Close() error {
	f.closed = true
	return nil
}

func withFakeCamera(svc *Service, cam *fakeCamera) {
	svc.openCamera = func(id int) (frameGrabber, error) {
		if cam.openErr != nil {
			return nil, cam.openErr
		}
		return cam, nil
	}
}

func TestCameraFrame(t *testing.T) {
	t.Run("captures exactly one frame", func(t *testing.T) {
		svc := newTestService(t, &mockBackend{canned: cannedDetections()}, Config{})
		cam := newFakeCamera(t, 5)
		withFakeCamera(svc, cam)

		res, err := svc.CameraFrame(context.Background(), 0, 0.4)
		require.NoError(t, err)
		assert.Len(t, res.Detections, 2)
		assert.Equal(t, 1, cam.reads)
		assert.True(t, cam.closed, "device must be released right after the grab")
	})

	t.Run("negative camera id", func(t *testing.T) {
		svc := newTestService(t, &mockBackend{}, Config{})
		_, err := svc.CameraFrame(context.Background(), -1, 0.4)
		assert.ErrorIs(t, err, schema.ErrInvalidParameter)
	})

	t.Run("device cannot be opened", func(t *testing.T) {
		svc := newTestService(t, &mockBackend{}, Config{})
		cam := newFakeCamera(t, 1)
		cam.openErr = errors.New("no such device")
		withFakeCamera(svc, cam)

		_, err := svc.CameraFrame(context.Background(), 3, 0.4)
		assert.ErrorIs(t, err, schema.ErrCameraUnavailable)
	})

	t.Run("device opens but delivers nothing", func(t *testing.T) {
		svc := newTestService(t, &mockBackend{}, Config{})
		cam := newFakeCamera(t, 0)
		withFakeCamera(svc, cam)

		_, err := svc.CameraFrame(context.Background(), 0, 0.4)
		assert.ErrorIs(t, err, schema.ErrCameraUnavailable)
		assert.True(t, cam.closed)
	})
}

func TestStreamFrames(t *testing.T) {
	t.Run("skips frames and ends when the device runs dry", func(t *testing.T) {
		svc := newTestService(t, &mockBackend{canned: cannedDetections()}, Config{})
		cam := newFakeCamera(t, 6)
		withFakeCamera(svc, cam)

		var emitted []schema.FrameDetectionResponse
		err := svc.StreamFrames(context.Background(), 0, 0.4, 1,
			func(jpegFrame []byte, det schema.FrameDetectionResponse) error {
				assert.NotEmpty(t, jpegFrame)
				emitted = append(emitted, det)
				return nil
			})
		require.NoError(t, err)

		require.Len(t, emitted, 3)
		assert.Equal(t, []int{0, 2, 4}, []int{
			emitted[0].FrameNumber, emitted[1].FrameNumber, emitted[2].FrameNumber,
		})
		for _, det := range emitted {
			assert.Equal(t, det.Detections.Count(), det.DetectionCount)
			assert.Equal(t, det.DetectionCount > 0, det.HasWeapons)
		}
		assert.True(t, cam.closed)
	})

	t.Run("cancellation stops capture", func(t *testing.T) {
		svc := newTestService(t, &mockBackend{canned: cannedDetections()}, Config{})
		cam := newFakeCamera(t, 1000)
		withFakeCamera(svc, cam)

		ctx, cancel := context.WithCancel(context.Background())
		frames := 0
		err := svc.StreamFrames(ctx, 0, 0.4, 0,
			func(jpegFrame []byte, det schema.FrameDetectionResponse) error {
				frames++
				cancel()
				return nil
			})
		require.NoError(t, err)

		assert.Equal(t, 1, frames)
		assert.Equal(t, 1, cam.reads, "no frame may be grabbed after cancellation")
		assert.True(t, cam.closed)
	})

	t.Run("client disconnect ends the stream cleanly", func(t *testing.T) {
		svc := newTestService(t, &mockBackend{canned: cannedDetections()}, Config{})
		cam := newFakeCamera(t, 1000)
		withFakeCamera(svc, cam)

		err := svc.StreamFrames(context.Background(), 0, 0.4, 0,
			func(jpegFrame []byte, det schema.FrameDetectionResponse) error {
				return errors.New("broken pipe")
			})
		require.NoError(t, err)
		assert.True(t, cam.closed)
	})

	t.Run("negative frame skip", func(t *testing.T) {
		svc := newTestService(t, &mockBackend{}, Config{})
		err := svc.StreamFrames(context.Background(), 0, 0.4, -1, nil)
		assert.ErrorIs(t, err, schema.ErrInvalidParameter)
	})
}
