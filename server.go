package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"WeaponDetServer/gate"
	"WeaponDetServer/logger"
	"WeaponDetServer/schema"
	"WeaponDetServer/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var allowedExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".bmp":  true,
	".webp": true,
}

type apiServer struct {
	svc  *service.Service
	gate *gate.ModelGate
	cfg  *configStruct
}

func newRouter(svc *service.Service, g *gate.ModelGate, cfg *configStruct) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestMeta(), corsHeaders())

	s := &apiServer{svc: svc, gate: g, cfg: cfg}
	r.GET("/", s.root)
	r.GET("/health", s.health)
	r.GET("/health/ready", s.ready)

	d := r.Group("/detect")
	d.POST("/image", s.detectImage)
	d.POST("/image/annotated", s.detectImageAnnotated)
	d.POST("/camera/frame", s.detectCameraFrame)
	d.GET("/stream", s.detectStream)
	d.GET("/ws", s.detectWS)
	return r
}

// timedWriter stamps X-Process-Time (seconds) right before the response
// headers flush, since nothing can be added once the body started.
type timedWriter struct {
	gin.ResponseWriter
	start   time.Time
	stamped bool
}

func (w *timedWriter) stamp() {
	if !w.stamped {
		w.stamped = true
		w.Header().Set("X-Process-Time", fmt.Sprintf("%.4f", time.Since(w.start).Seconds()))
	}
}

func (w *timedWriter) WriteHeader(code int) {
	w.stamp()
	w.ResponseWriter.WriteHeader(code)
}

func (w *timedWriter) Write(b []byte) (int, error) {
	w.stamp()
	return w.ResponseWriter.Write(b)
}

func (w *timedWriter) WriteString(s string) (int, error) {
	w.stamp()
	return w.ResponseWriter.WriteString(s)
}

// requestMeta tags every request with an id, times it into the
// X-Process-Time header and logs the outcome with enough context to
// reproduce a failure.
func requestMeta() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		reqID := uuid.NewString()
		c.Set("request_id", reqID)
		c.Header("X-Request-ID", reqID)
		c.Writer = &timedWriter{ResponseWriter: c.Writer, start: start}
		c.Next()
		logger.Log().Info("request",
			zap.String("request_id", reqID),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)))
	}
}

func corsHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "*")
		c.Header("Access-Control-Expose-Headers",
			"X-Detection-Count, X-Weapon-Count, X-Inference-Time, X-Has-Weapons, X-Image-Size, X-Process-Time, X-Request-ID")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// writeError maps the error taxonomy to HTTP status codes at the boundary
// and emits the structured payload. No underlying library detail leaks
// beyond the wrapped message.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	kind := "internal error"
	switch {
	case errors.Is(err, schema.ErrModelUnavailable):
		status, kind = http.StatusServiceUnavailable, schema.ErrModelUnavailable.Error()
	case errors.Is(err, schema.ErrInvalidImage):
		status, kind = http.StatusBadRequest, schema.ErrInvalidImage.Error()
	case errors.Is(err, schema.ErrInvalidParameter):
		status, kind = http.StatusBadRequest, schema.ErrInvalidParameter.Error()
	case errors.Is(err, schema.ErrImageTooLarge):
		status, kind = http.StatusRequestEntityTooLarge, schema.ErrImageTooLarge.Error()
	case errors.Is(err, schema.ErrCameraUnavailable):
		status, kind = http.StatusNotFound, schema.ErrCameraUnavailable.Error()
	case errors.Is(err, schema.ErrTimeout):
		status, kind = http.StatusGatewayTimeout, schema.ErrTimeout.Error()
	case errors.Is(err, schema.ErrAcceleratorExhausted):
		status, kind = http.StatusInternalServerError, schema.ErrAcceleratorExhausted.Error()
	}
	reqID, _ := c.Get("request_id")
	logger.Log().Error("request failed",
		zap.Any("request_id", reqID),
		zap.String("path", c.Request.URL.Path),
		zap.Int("status", status),
		zap.Error(err))
	c.JSON(status, schema.ErrorResponse{
		Error:     kind,
		Detail:    err.Error(),
		Timestamp: time.Now().UTC(),
	})
}

func (s *apiServer) thresholdParam(c *gin.Context) (float64, error) {
	raw := c.Query("confidence_threshold")
	if raw == "" {
		return s.svc.DefaultThreshold(), nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: confidence_threshold %q is not a number", schema.ErrInvalidParameter, raw)
	}
	return v, nil
}

func intParam(c *gin.Context, name string, def int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %q is not an integer", schema.ErrInvalidParameter, name, raw)
	}
	return v, nil
}

// readUpload validates the multipart file's extension and size limit before
// the body is read, then returns its bytes.
func (s *apiServer) readUpload(c *gin.Context) ([]byte, string, error) {
	fh, err := c.FormFile("file")
	if err != nil {
		return nil, "", fmt.Errorf("%w: missing multipart field %q: %v", schema.ErrInvalidImage, "file", err)
	}
	ext := strings.ToLower(filepath.Ext(fh.Filename))
	if !allowedExtensions[ext] {
		return nil, "", fmt.Errorf("%w: unsupported format %q, allowed: .jpg .jpeg .png .bmp .webp",
			schema.ErrInvalidImage, ext)
	}
	if fh.Size > s.cfg.MaxUploadMB<<20 {
		return nil, "", fmt.Errorf("%w: %d bytes exceeds limit of %d MB",
			schema.ErrImageTooLarge, fh.Size, s.cfg.MaxUploadMB)
	}
	f, err := fh.Open()
	if err != nil {
		return nil, "", fmt.Errorf("%w: cannot open upload: %v", schema.ErrInvalidImage, err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, "", fmt.Errorf("%w: cannot read upload: %v", schema.ErrInvalidImage, err)
	}
	return data, fh.Filename, nil
}

func imageResponse(res *service.Result) schema.ImageDetectionResponse {
	detections := res.Detections
	if detections == nil {
		detections = schema.DetectionSet{}
	}
	return schema.ImageDetectionResponse{
		Detections:      detections,
		DetectionCount:  detections.Count(),
		InferenceTimeMs: res.InferenceMs,
		ImageSize:       [2]int{res.Width, res.Height},
		Timestamp:       time.Now().UTC(),
		HasWeapons:      detections.HasWeapons(),
	}
}

func (s *apiServer) root(c *gin.Context) {
	requests, detections, weaponHits := s.svc.Counters()
	c.JSON(http.StatusOK, gin.H{
		"name":    appName,
		"version": appVersion,
		"status":  "operational",
		"health":  "/health",
		"endpoints": gin.H{
			"image_detection":     "/detect/image",
			"annotated_detection": "/detect/image/annotated",
			"camera_frame":        "/detect/camera/frame",
			"video_stream":        "/detect/stream",
			"websocket_session":   "/detect/ws",
		},
		"counters": gin.H{
			"requests":        requests,
			"detections":      detections,
			"weapon_requests": weaponHits,
		},
	})
}

func (s *apiServer) health(c *gin.Context) {
	gpu := false
	if s.gate.Ready() {
		if backend, err := s.gate.Engine(); err == nil {
			gpu = backend.GPUActive()
		}
	}
	c.JSON(http.StatusOK, schema.HealthResponse{
		Status:       "healthy",
		Version:      appVersion,
		ModelLoaded:  s.gate.Ready(),
		GPUAvailable: gpu,
		Timestamp:    time.Now().UTC(),
	})
}

func (s *apiServer) ready(c *gin.Context) {
	if !s.gate.Ready() {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"detail": "model not loaded yet",
		})
		return
	}
	backend, err := s.gate.Engine()
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":     "ready",
		"model_info": backend.Info(),
	})
}

func (s *apiServer) detectImage(c *gin.Context) {
	conf, err := s.thresholdParam(c)
	if err != nil {
		writeError(c, err)
		return
	}
	data, filename, err := s.readUpload(c)
	if err != nil {
		writeError(c, err)
		return
	}
	res, err := s.svc.Run(c.Request.Context(), data, conf, false)
	if err != nil {
		writeError(c, err)
		return
	}
	resp := imageResponse(res)
	reqID, _ := c.Get("request_id")
	logger.Log().Info("image detection completed",
		zap.Any("request_id", reqID),
		zap.String("filename", filename),
		zap.Int("image_bytes", len(data)),
		zap.Float64("confidence_threshold", conf),
		zap.Int("detections", resp.DetectionCount),
		zap.Float64("inference_ms", resp.InferenceTimeMs))
	c.JSON(http.StatusOK, resp)
}

func (s *apiServer) detectImageAnnotated(c *gin.Context) {
	conf, err := s.thresholdParam(c)
	if err != nil {
		writeError(c, err)
		return
	}
	data, filename, err := s.readUpload(c)
	if err != nil {
		writeError(c, err)
		return
	}
	res, err := s.svc.Run(c.Request.Context(), data, conf, true)
	if err != nil {
		writeError(c, err)
		return
	}
	resp := imageResponse(res)
	reqID, _ := c.Get("request_id")
	logger.Log().Info("annotated detection completed",
		zap.Any("request_id", reqID),
		zap.String("filename", filename),
		zap.Int("detections", resp.DetectionCount),
		zap.Float64("inference_ms", resp.InferenceTimeMs))

	// This is a weapon-detection model: every detection counts as a weapon
	// at the header level. Per-class names stay in the JSON schema.
	c.Header("X-Detection-Count", strconv.Itoa(resp.DetectionCount))
	c.Header("X-Weapon-Count", strconv.Itoa(resp.DetectionCount))
	c.Header("X-Inference-Time", fmt.Sprintf("%.2fms", resp.InferenceTimeMs))
	c.Header("X-Has-Weapons", strconv.FormatBool(resp.HasWeapons))
	c.Header("X-Image-Size", fmt.Sprintf("%dx%d", res.Width, res.Height))
	c.Data(http.StatusOK, "image/jpeg", res.Annotated)
}

func (s *apiServer) detectCameraFrame(c *gin.Context) {
	conf, err := s.thresholdParam(c)
	if err != nil {
		writeError(c, err)
		return
	}
	cameraID, err := intParam(c, "camera_id", 0)
	if err != nil {
		writeError(c, err)
		return
	}
	res, err := s.svc.CameraFrame(c.Request.Context(), cameraID, conf)
	if err != nil {
		writeError(c, err)
		return
	}
	detections := res.Detections
	if detections == nil {
		detections = schema.DetectionSet{}
	}
	c.JSON(http.StatusOK, schema.FrameDetectionResponse{
		FrameNumber:     0,
		Detections:      detections,
		DetectionCount:  detections.Count(),
		InferenceTimeMs: res.InferenceMs,
		Timestamp:       time.Now().UTC(),
		HasWeapons:      detections.HasWeapons(),
	})
}

func (s *apiServer) detectStream(c *gin.Context) {
	conf, err := s.thresholdParam(c)
	if err != nil {
		writeError(c, err)
		return
	}
	cameraID, err := intParam(c, "camera_id", 0)
	if err != nil {
		writeError(c, err)
		return
	}
	frameSkip, err := intParam(c, "frame_skip", s.cfg.FrameSkip)
	if err != nil {
		writeError(c, err)
		return
	}

	// Headers are written on the first frame so camera/validation failures
	// can still produce a proper error status.
	wrote := false
	interval := time.Second / time.Duration(s.cfg.VideoFPS)
	var lastEmit time.Time
	emit := func(frame []byte, det schema.FrameDetectionResponse) error {
		if !wrote {
			c.Header("Content-Type", "multipart/x-mixed-replace; boundary=frame")
			c.Header("Cache-Control", "no-cache")
			c.Writer.WriteHeader(http.StatusOK)
			wrote = true
		}
		if !lastEmit.IsZero() {
			if wait := interval - time.Since(lastEmit); wait > 0 {
				time.Sleep(wait)
			}
		}
		lastEmit = time.Now()
		if _, err := fmt.Fprintf(c.Writer,
			"--frame\r\nContent-Type: image/jpeg\r\nX-Detection-Count: %d\r\nX-Inference-Time: %.2fms\r\nX-Has-Weapons: %t\r\n\r\n",
			det.DetectionCount, det.InferenceTimeMs, det.HasWeapons); err != nil {
			return err
		}
		if _, err := c.Writer.Write(frame); err != nil {
			return err
		}
		if _, err := io.WriteString(c.Writer, "\r\n"); err != nil {
			return err
		}
		c.Writer.Flush()
		return nil
	}

	err = s.svc.StreamFrames(c.Request.Context(), cameraID, conf, frameSkip, emit)
	if err != nil && !wrote {
		writeError(c, err)
	}
}
