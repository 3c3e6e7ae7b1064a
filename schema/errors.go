package schema

import "errors"

// Error kinds surfaced to the API boundary. Handlers map these to HTTP
// status codes; everything below the boundary wraps them with context via
// fmt.Errorf("%w: ...") so errors.Is keeps working.
var (
	// ErrModelUnavailable means the engine failed to construct. Sticky:
	// detection traffic fails until an operator restarts the process.
	ErrModelUnavailable = errors.New("model unavailable")

	// ErrInvalidImage means the upload did not decode to a raster image.
	ErrInvalidImage = errors.New("invalid image")

	// ErrImageTooLarge means the upload exceeds the configured size limit.
	ErrImageTooLarge = errors.New("image too large")

	// ErrInvalidParameter means a request parameter failed range validation.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrCameraUnavailable means the requested camera device cannot be
	// opened or stopped delivering frames.
	ErrCameraUnavailable = errors.New("camera unavailable")

	// ErrTimeout means the request exceeded its processing bound.
	ErrTimeout = errors.New("request timed out")

	// ErrAcceleratorExhausted means the compute device ran out of memory
	// during inference. Never retried in-process.
	ErrAcceleratorExhausted = errors.New("accelerator out of memory")
)
