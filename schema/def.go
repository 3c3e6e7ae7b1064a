package schema

import (
	"time"

	"gocv.io/x/gocv"
)

// BoundingBox is an axis-aligned box in pixel coordinates of the original
// image. X1 < X2 and Y1 < Y2 always hold for boxes produced by the engine.
type BoundingBox struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Width returns the horizontal extent of the box.
func (b BoundingBox) Width() float64 { return b.X2 - b.X1 }

// Height returns the vertical extent of the box.
func (b BoundingBox) Height() float64 { return b.Y2 - b.Y1 }

// Valid reports whether the box has positive area.
func (b BoundingBox) Valid() bool { return b.X1 < b.X2 && b.Y1 < b.Y2 }

// Detection is a single object reported by the model for one image.
// Immutable once produced.
type Detection struct {
	ClassName   string      `json:"class_name"`
	Confidence  float64     `json:"confidence"`
	BoundingBox BoundingBox `json:"bounding_box"`
	ClassID     int         `json:"class_id"`
}

// DetectionSet is the ordered detections of one image.
type DetectionSet []Detection

func (s DetectionSet) Count() int { return len(s) }

func (s DetectionSet) HasWeapons() bool { return len(s) > 0 }

// MaxConfidence returns the highest confidence in the set, 0 when empty.
func (s DetectionSet) MaxConfidence() float64 {
	max := 0.0
	for _, d := range s {
		if d.Confidence > max {
			max = d.Confidence
		}
	}
	return max
}

// ImageDetectionResponse is the JSON body of POST /detect/image and
// POST /detect/camera/frame (via FrameDetectionResponse).
type ImageDetectionResponse struct {
	Detections      DetectionSet `json:"detections"`
	DetectionCount  int          `json:"detection_count"`
	InferenceTimeMs float64      `json:"inference_time_ms"`
	ImageSize       [2]int       `json:"image_size"`
	Timestamp       time.Time    `json:"timestamp"`
	HasWeapons      bool         `json:"has_weapons"`
}

// FrameDetectionResponse is the per-frame result for camera endpoints.
type FrameDetectionResponse struct {
	FrameNumber     int          `json:"frame_number"`
	Detections      DetectionSet `json:"detections"`
	DetectionCount  int          `json:"detection_count"`
	InferenceTimeMs float64      `json:"inference_time_ms"`
	Timestamp       time.Time    `json:"timestamp"`
	HasWeapons      bool         `json:"has_weapons"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status       string    `json:"status"`
	Version      string    `json:"version"`
	ModelLoaded  bool      `json:"model_loaded"`
	GPUAvailable bool      `json:"gpu_available"`
	Timestamp    time.Time `json:"timestamp"`
}

// ErrorResponse is the structured payload every failing request returns.
type ErrorResponse struct {
	Error     string    `json:"error"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EngineInfo describes the loaded model handle for diagnostics.
type EngineInfo struct {
	ModelPath     string   `json:"model_path"`
	Device        string   `json:"device"`
	HalfPrecision bool     `json:"half_precision"`
	Names         []string `json:"names"`
	InputSize     int      `json:"input_size"`
}

// Backend is the detection capability every call site goes through,
// regardless of whether the frame came from an upload, a camera grab or a
// websocket session. Implementations must be safe for concurrent Detect
// calls; the handle itself is read-only after construction.
type Backend interface {
	Detect(img gocv.Mat, confidence float64) (DetectionSet, error)
	Names() []string
	Info() EngineInfo
	GPUActive() bool
	Close() error
}
