package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"WeaponDetServer/engine"
	"WeaponDetServer/gate"
	"WeaponDetServer/logger"
	"WeaponDetServer/monitor"
	"WeaponDetServer/register"
	"WeaponDetServer/schema"
	"WeaponDetServer/service"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const (
	appName    = "Weapon Detection API"
	appVersion = "1.0.0"
)

type configStruct struct {
	HTTPPort          int      `yaml:"HTTPPort"`
	MonitorPort       int      `yaml:"MonitorPort"`
	ModelPath         string   `yaml:"ModelPath"`
	Names             []string `yaml:"Names"`
	NamesFile         string   `yaml:"NamesFile"`
	InputSize         int      `yaml:"InputSize"`
	Confidence        float64  `yaml:"Confidence"`
	IoU               float64  `yaml:"IoU"`
	Device            string   `yaml:"Device"`
	HalfPrecision     bool     `yaml:"HalfPrecision"`
	MaxUploadMB       int64    `yaml:"MaxUploadMB"`
	VideoFPS          int      `yaml:"VideoFPS"`
	FrameSkip         int      `yaml:"FrameSkip"`
	RequestTimeoutSec int      `yaml:"RequestTimeoutSec"`
	LogLevel          string   `yaml:"LogLevel"`
	UseRegServer      bool     `yaml:"UseRegServer"`
	RegServerHost     string   `yaml:"RegServerHost"`
	RegServerPort     int      `yaml:"RegServerPort"`
}

func loadConfig(path string) (*configStruct, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	cfg := &configStruct{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *configStruct) applyDefaults() {
	if c.HTTPPort <= 0 {
		c.HTTPPort = 8000
	}
	if c.MonitorPort <= 0 {
		c.MonitorPort = c.HTTPPort + 1
	}
	if c.Confidence <= 0 || c.Confidence > 1 {
		logger.S().Warnf("invalid Confidence %v in config, defaulting to %v", c.Confidence, service.DefaultConfidence)
		c.Confidence = service.DefaultConfidence
	}
	if c.MaxUploadMB <= 0 {
		c.MaxUploadMB = service.DefaultMaxUploadMB
	}
	if c.VideoFPS <= 0 {
		c.VideoFPS = 30
	}
	if c.FrameSkip < 0 {
		logger.S().Warnf("invalid FrameSkip %d in config, defaulting to 0", c.FrameSkip)
		c.FrameSkip = 0
	}
	if c.RequestTimeoutSec <= 0 {
		c.RequestTimeoutSec = 30
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Device == "" {
		c.Device = engine.DeviceCPU
	}
}

// GetOutboundIP resolves the local egress address by building a UDP route;
// no packet is actually sent.
func GetOutboundIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}

func main() {
	configPath := "config.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}
	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := logger.Init(cfg.LogLevel); err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Log().Info("starting",
		zap.String("app", appName),
		zap.String("version", appVersion),
		zap.Int("http_port", cfg.HTTPPort),
		zap.Int("monitor_port", cfg.MonitorPort),
		zap.String("model", cfg.ModelPath),
		zap.String("device", cfg.Device))

	modelGate := gate.New(func() (schema.Backend, error) {
		return engine.Load(engine.Config{
			ModelPath:     cfg.ModelPath,
			Names:         cfg.Names,
			NamesFile:     cfg.NamesFile,
			Device:        cfg.Device,
			HalfPrecision: cfg.HalfPrecision,
			InputSize:     cfg.InputSize,
			IoU:           cfg.IoU,
		})
	})
	svc := service.New(modelGate, service.Config{
		DefaultConfidence: cfg.Confidence,
		MaxUploadBytes:    cfg.MaxUploadMB << 20,
		RequestTimeout:    time.Duration(cfg.RequestTimeoutSec) * time.Second,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// The server answers liveness while the model loads; readiness flips
	// once the gate finishes. A failed load is sticky and only detection
	// traffic is refused.
	go func() {
		if err := modelGate.Warm(); err != nil {
			logger.Log().Error("model load failed, detection traffic will be refused", zap.Error(err))
			return
		}
		logger.Log().Info("model ready to serve detection traffic")
	}()

	go monitor.StartMon(cfg.MonitorPort, ctx)

	var wg sync.WaitGroup
	if cfg.UseRegServer {
		ip, err := GetOutboundIP()
		if err != nil {
			logger.Log().Warn("cannot resolve outbound IP, skipping registration", zap.Error(err))
		} else {
			wg.Add(1)
			go register.SendAliveMessage(ctx, &wg,
				register.Config{Host: cfg.RegServerHost, Port: cfg.RegServerPort},
				ip, cfg.HTTPPort, cfg.Device, modelGate.Ready)
		}
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: newRouter(svc, modelGate, cfg),
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log().Fatal("http server stopped", zap.Error(err))
		}
	}()
	logger.Log().Info("listening", zap.String("addr", srv.Addr))

	<-ctx.Done()
	logger.Log().Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Log().Error("http shutdown", zap.Error(err))
	}
	if err := modelGate.Close(); err != nil {
		logger.Log().Error("engine close", zap.Error(err))
	}
	wg.Wait()
	logger.Log().Info("safely exited")
}
