package service

import (
	"context"
	"fmt"
	"time"

	"WeaponDetServer/logger"
	"WeaponDetServer/schema"

	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

// frameGrabber is the slice of *gocv.VideoCapture the service needs; tests
// substitute synthetic sources.
type frameGrabber interface {
	Read(m *gocv.Mat) bool
	IsOpened() bool
	Close() error
}

func (s *Service) grab(cameraID int) (frameGrabber, error) {
	if cameraID < 0 {
		return nil, fmt.Errorf("%w: camera_id %d", schema.ErrInvalidParameter, cameraID)
	}
	cam, err := s.openCamera(cameraID)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot open camera %d: %v", schema.ErrCameraUnavailable, cameraID, err)
	}
	if !cam.IsOpened() {
		_ = cam.Close()
		return nil, fmt.Errorf("%w: camera %d not opened", schema.ErrCameraUnavailable, cameraID)
	}
	return cam, nil
}

// CameraFrame captures one frame from the device, releases it immediately
// and runs the standard detection path.
func (s *Service) CameraFrame(ctx context.Context, cameraID int, conf float64) (*Result, error) {
	if err := ValidateThreshold(conf); err != nil {
		return nil, err
	}
	backend, err := s.gate.Engine()
	if err != nil {
		return nil, err
	}

	res, err := s.runBounded(ctx, func() (*Result, error) {
		cam, gerr := s.grab(cameraID)
		if gerr != nil {
			return nil, gerr
		}
		frame := gocv.NewMat()
		defer func() { _ = frame.Close() }()
		ok := cam.Read(&frame)
		_ = cam.Close()
		if !ok || frame.Empty() {
			return nil, fmt.Errorf("%w: failed to capture frame from camera %d", schema.ErrCameraUnavailable, cameraID)
		}
		return s.detectMat(backend, frame, conf, false)
	})
	if err != nil {
		return nil, err
	}
	s.recordOutcome(res.Detections)
	return res, nil
}

// StreamFrames captures frames from the device until ctx is cancelled, the
// device stops delivering or emit reports the client is gone. Cancellation
// is checked before every capture: no frame is grabbed after it is
// observed, and the device is released on every exit path. Frames are
// independent; only the skip counter carries between them.
func (s *Service) StreamFrames(ctx context.Context, cameraID int, conf float64, frameSkip int,
	emit func(jpegFrame []byte, det schema.FrameDetectionResponse) error) error {

	if err := ValidateThreshold(conf); err != nil {
		return err
	}
	if frameSkip < 0 {
		return fmt.Errorf("%w: frame_skip %d must be >= 0", schema.ErrInvalidParameter, frameSkip)
	}
	backend, err := s.gate.Engine()
	if err != nil {
		return err
	}

	cam, err := s.grab(cameraID)
	if err != nil {
		return err
	}
	defer func() { _ = cam.Close() }()

	logger.Log().Info("camera stream started",
		zap.Int("camera_id", cameraID),
		zap.Float64("confidence_threshold", conf),
		zap.Int("frame_skip", frameSkip))

	frame := gocv.NewMat()
	defer func() { _ = frame.Close() }()

	frameCount := 0
	for {
		select {
		case <-ctx.Done():
			logger.Log().Info("camera stream cancelled", zap.Int("camera_id", cameraID))
			return nil
		default:
		}

		if ok := cam.Read(&frame); !ok || frame.Empty() {
			logger.Log().Warn("camera stopped delivering frames, ending stream",
				zap.Int("camera_id", cameraID), zap.Int("frames", frameCount))
			return nil
		}
		if frameCount%(frameSkip+1) != 0 {
			frameCount++
			continue
		}

		res, derr := s.detectMat(backend, frame, conf, true)
		if derr != nil {
			logger.Log().Error("frame detection failed",
				zap.Int("frame", frameCount), zap.Error(derr))
			frameCount++
			continue
		}
		s.recordOutcome(res.Detections)

		det := schema.FrameDetectionResponse{
			FrameNumber:     frameCount,
			Detections:      res.Detections,
			DetectionCount:  res.Detections.Count(),
			InferenceTimeMs: res.InferenceMs,
			Timestamp:       time.Now().UTC(),
			HasWeapons:      res.Detections.HasWeapons(),
		}
		if err := emit(res.Annotated, det); err != nil {
			logger.Log().Info("stream client disconnected", zap.Int("camera_id", cameraID))
			return nil
		}
		frameCount++
	}
}
