package monitor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"time"

	"WeaponDetServer/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

// Counters are created at package init so handlers and the detection
// service can increment them before (or without) StartMon running. They are
// best-effort diagnostics and reset on restart.
var (
	memUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "memory_usage_megabytes",
		Help: "Resident memory in megabytes",
	})
	cpuUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cpu_usage_percent",
		Help: "CPU usage in percent",
	})
	RequestsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "detection_requests_total",
		Help: "Total detection requests served",
	})
	DetectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "detections_total",
		Help: "Total objects detected across all requests",
	})
	WeaponsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "weapons_detected_total",
		Help: "Total requests in which at least one weapon was detected",
	})
)

var (
	pid process.Process
	srv *http.Server
)

func serveProm(port int) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(memUsage, cpuUsage, RequestsTotal, DetectionsTotal, WeaponsTotal)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log().Error("metrics server stopped", zap.Error(err))
		}
	}()
}

func checkProcessInfo() {
	memInfo, err := pid.MemoryInfo()
	if err == nil {
		memUsage.Set(float64(memInfo.RSS / 1024 / 1024))
	}
	cpuPercent, err := pid.CPUPercent()
	if err == nil {
		cpuUsage.Set(math.Round(cpuPercent*100) / 100)
	}
}

// StartMon serves the Prometheus registry on its own port and samples
// process memory/CPU every 500ms until ctx is cancelled.
func StartMon(port int, ctx context.Context) {
	pid = process.Process{Pid: int32(os.Getpid())}
	serveProm(port)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
sample:
	for {
		select {
		case <-ctx.Done():
			break sample
		case <-ticker.C:
			checkProcessInfo()
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Log().Error("metrics server shutdown", zap.Error(err))
	}
}
