// Package service orchestrates one detection request: validate, fetch the
// shared engine through the gate, run timed inference, map raw output into
// the public schema and optionally render an annotated image.
package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"WeaponDetServer/gate"
	"WeaponDetServer/monitor"
	"WeaponDetServer/schema"

	"gocv.io/x/gocv"
)

const (
	DefaultConfidence   = 0.4
	DefaultMaxUploadMB  = 10
	DefaultRequestBound = 30 * time.Second
)

// Config holds the per-service knobs. Zero values fall back to defaults.
type Config struct {
	DefaultConfidence float64
	MaxUploadBytes    int64
	RequestTimeout    time.Duration
}

// Result is the outcome of one detection run.
type Result struct {
	Detections  schema.DetectionSet
	InferenceMs float64
	Width       int
	Height      int
	// Annotated holds JPEG bytes of the rendered copy, nil unless requested.
	Annotated []byte
}

// Service is safe for concurrent use. It keeps best-effort process-local
// counters; no per-request state is shared.
type Service struct {
	gate *gate.ModelGate
	cfg  Config

	requests   atomic.Int64
	detections atomic.Int64
	weaponHits atomic.Int64

	// openCamera is swappable so tests can feed synthetic frames.
	openCamera func(id int) (frameGrabber, error)
}

// New wires a service to the model gate.
func New(g *gate.ModelGate, cfg Config) *Service {
	if cfg.DefaultConfidence <= 0 || cfg.DefaultConfidence > 1 {
		cfg.DefaultConfidence = DefaultConfidence
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = DefaultMaxUploadMB << 20
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestBound
	}
	return &Service{
		gate: g,
		cfg:  cfg,
		openCamera: func(id int) (frameGrabber, error) {
			return gocv.OpenVideoCapture(id)
		},
	}
}

// DefaultThreshold returns the configured default confidence threshold.
func (s *Service) DefaultThreshold() float64 { return s.cfg.DefaultConfidence }

// Counters returns the best-effort diagnostic counters: requests served,
// objects detected, requests with at least one weapon.
func (s *Service) Counters() (requests, detections, weaponHits int64) {
	return s.requests.Load(), s.detections.Load(), s.weaponHits.Load()
}

// ValidateThreshold enforces the (0,1] range shared by every endpoint.
func ValidateThreshold(conf float64) error {
	if conf <= 0 || conf > 1 {
		return fmt.Errorf("%w: confidence_threshold %v not in (0,1]", schema.ErrInvalidParameter, conf)
	}
	return nil
}

// Run performs detection on raw uploaded image bytes. The input bytes are
// never mutated; annotation renders onto a decoded copy.
func (s *Service) Run(ctx context.Context, imageBytes []byte, conf float64, annotate bool) (*Result, error) {
	if int64(len(imageBytes)) > s.cfg.MaxUploadBytes {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit of %d",
			schema.ErrImageTooLarge, len(imageBytes), s.cfg.MaxUploadBytes)
	}
	if err := ValidateThreshold(conf); err != nil {
		return nil, err
	}
	backend, err := s.gate.Engine()
	if err != nil {
		return nil, err
	}

	res, err := s.runBounded(ctx, func() (*Result, error) {
		mat, derr := gocv.IMDecode(imageBytes, gocv.IMReadColor)
		if derr != nil {
			return nil, fmt.Errorf("%w: %v", schema.ErrInvalidImage, derr)
		}
		if mat.Empty() {
			_ = mat.Close()
			return nil, fmt.Errorf("%w: decoded image is empty or unsupported format", schema.ErrInvalidImage)
		}
		defer func() { _ = mat.Close() }()
		return s.detectMat(backend, mat, conf, annotate)
	})
	if err != nil {
		return nil, err
	}
	s.recordOutcome(res.Detections)
	return res, nil
}

// detectMat runs the timed inference and optional annotation on an already
// decoded frame. The caller owns mat.
func (s *Service) detectMat(backend schema.Backend, mat gocv.Mat, conf float64, annotate bool) (*Result, error) {
	start := time.Now()
	detections, err := backend.Detect(mat, conf)
	inferenceMs := roundMs(time.Since(start))
	if err != nil {
		return nil, err
	}

	res := &Result{
		Detections:  detections,
		InferenceMs: inferenceMs,
		Width:       mat.Cols(),
		Height:      mat.Rows(),
	}
	if annotate {
		res.Annotated, err = renderAnnotated(mat, detections)
		if err != nil {
			return nil, err
		}
	}
	return res, nil
}

type outcome struct {
	res *Result
	err error
}

// runBounded executes fn under the configured request bound. fn owns every
// resource it allocates so an abandoned run cleans up after itself; the
// engine handle and counters are never left inconsistent by a timeout.
func (s *Service) runBounded(ctx context.Context, fn func() (*Result, error)) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	ch := make(chan outcome, 1)
	go func() {
		res, err := fn()
		ch <- outcome{res, err}
	}()

	select {
	case o := <-ch:
		return o.res, o.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", schema.ErrTimeout, s.cfg.RequestTimeout)
		}
		return nil, ctx.Err()
	}
}

func (s *Service) recordOutcome(detections schema.DetectionSet) {
	s.requests.Add(1)
	monitor.RequestsTotal.Inc()
	if n := detections.Count(); n > 0 {
		s.detections.Add(int64(n))
		s.weaponHits.Add(1)
		monitor.DetectionsTotal.Add(float64(n))
		monitor.WeaponsTotal.Inc()
	}
}

func roundMs(d time.Duration) float64 {
	return math.Round(float64(d.Microseconds())/10) / 100
}
