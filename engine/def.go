package engine

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"WeaponDetServer/logger"
	"WeaponDetServer/schema"

	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

const (
	DeviceCPU  = "cpu"
	DeviceCUDA = "cuda"

	defaultInputSize = 640
	defaultIoU       = 0.45
)

// Config carries everything needed to construct a Detector. Fields are
// validated in Load; the struct is never mutated afterwards.
type Config struct {
	ModelPath     string
	Names         []string
	NamesFile     string
	Device        string
	HalfPrecision bool
	InputSize     int
	IoU           float64
}

// Detector wraps one loaded ONNX detection model. The handle is read-only
// after Load; Detect serializes inference calls with a mutex because a
// gocv.Net forward pass is not reentrant.
type Detector struct {
	cfg       Config
	names     []string
	net       gocv.Net
	inputSize int
	iou       float64
	gpuActive bool

	infMu sync.Mutex
}

// ReadNamesFile loads one class name per line, tolerating CRLF endings and
// skipping blank lines.
func ReadNamesFile(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	raw := strings.Split(string(b), "\n")
	var names []string
	for _, l := range raw {
		l = strings.TrimRight(l, "\r")
		if l != "" {
			names = append(names, l)
		}
	}
	return names, nil
}

// Load constructs the engine: reads the weights, places the net on the
// configured device, applies the precision mode and runs one warm-up pass.
// Any failure leaves nothing to clean up on the caller's side.
func Load(cfg Config) (*Detector, error) {
	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("model path cannot be empty")
	}
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, fmt.Errorf("model weights not found at %s: %w", cfg.ModelPath, err)
	}
	if !strings.HasSuffix(cfg.ModelPath, ".onnx") {
		return nil, fmt.Errorf("only .onnx weights are supported, got %s", cfg.ModelPath)
	}

	names := cfg.Names
	if cfg.NamesFile != "" {
		var err error
		names, err = ReadNamesFile(cfg.NamesFile)
		if err != nil {
			return nil, fmt.Errorf("read class names %s: %w", cfg.NamesFile, err)
		}
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("class name table is empty")
	}

	inputSize := cfg.InputSize
	if inputSize <= 0 {
		inputSize = defaultInputSize
	}
	iou := cfg.IoU
	if iou <= 0 || iou > 1 {
		iou = defaultIoU
	}

	net := gocv.ReadNetFromONNX(cfg.ModelPath)
	if net.Empty() {
		return nil, fmt.Errorf("failed to parse ONNX model %s", cfg.ModelPath)
	}

	d := &Detector{
		cfg:       cfg,
		names:     names,
		net:       net,
		inputSize: inputSize,
		iou:       iou,
	}

	if strings.ToLower(cfg.Device) == DeviceCUDA {
		target := gocv.NetTargetCUDA
		if cfg.HalfPrecision {
			target = gocv.NetTargetCUDAFP16
		}
		if err := net.SetPreferableBackend(gocv.NetBackendCUDA); err != nil {
			logger.Log().Warn("CUDA backend rejected, falling back to CPU", zap.Error(err))
		} else if err := net.SetPreferableTarget(target); err != nil {
			logger.Log().Warn("CUDA target rejected, falling back to CPU", zap.Error(err))
			_ = net.SetPreferableBackend(gocv.NetBackendDefault)
		} else {
			d.gpuActive = true
		}
	}
	if !d.gpuActive {
		_ = d.net.SetPreferableTarget(gocv.NetTargetCPU)
	}

	if err := d.warmUp(); err != nil {
		_ = net.Close()
		return nil, fmt.Errorf("warm-up inference failed: %w", err)
	}

	logger.Log().Info("detection engine loaded",
		zap.String("model", cfg.ModelPath),
		zap.String("device", d.Device()),
		zap.Bool("half_precision", cfg.HalfPrecision && d.gpuActive),
		zap.Int("classes", len(names)))
	return d, nil
}

// warmUp runs one throwaway inference on a black frame to force lazy
// allocations and kernel compilation before real traffic arrives.
func (d *Detector) warmUp() error {
	warm := gocv.NewMatWithSize(d.inputSize, d.inputSize, gocv.MatTypeCV8UC3)
	defer func() { _ = warm.Close() }()
	_, err := d.Detect(warm, 0.9)
	return err
}

// Names returns the class-index-to-name table bundled with the model.
func (d *Detector) Names() []string { return d.names }

// GPUActive reports whether the net actually runs on the accelerator.
func (d *Detector) GPUActive() bool { return d.gpuActive }

// Device returns the effective compute device.
func (d *Detector) Device() string {
	if d.gpuActive {
		return DeviceCUDA
	}
	return DeviceCPU
}

// Info describes the loaded handle for diagnostics.
func (d *Detector) Info() schema.EngineInfo {
	return schema.EngineInfo{
		ModelPath:     d.cfg.ModelPath,
		Device:        d.Device(),
		HalfPrecision: d.cfg.HalfPrecision && d.gpuActive,
		Names:         d.names,
		InputSize:     d.inputSize,
	}
}

// Close releases the underlying net. Only called at process shutdown.
func (d *Detector) Close() error {
	d.infMu.Lock()
	defer d.infMu.Unlock()
	return d.net.Close()
}
