// Package register announces this detection node to a fleet registry so
// dashboards can discover live instances. Optional; enabled by config.
package register

import (
	"context"
	"fmt"
	"sync"
	"time"

	"WeaponDetServer/logger"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const heartbeatSeconds = 5

// Request is the heartbeat payload.
type Request struct {
	ID          string `json:"id"`
	IP          string `json:"ip"`
	Port        int    `json:"port"`
	DeviceClass string `json:"device_class"`
	ModelLoaded bool   `json:"model_loaded"`
	Timestamp   int64  `json:"timestamp"`
}

// Response is what the registry answers.
type Response struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
}

// Config locates the registry endpoint.
type Config struct {
	Host string
	Port int
}

func (c Config) address() string { return fmt.Sprintf("%s:%d", c.Host, c.Port) }

// SendAliveMessage posts a heartbeat every few seconds until ctx is
// cancelled. ready reports whether the model gate has finished loading so
// the registry can route detection traffic away from cold nodes.
func SendAliveMessage(ctx context.Context, wg *sync.WaitGroup, cfg Config,
	nodeIP string, nodePort int, deviceClass string, ready func() bool) {

	defer wg.Done()
	client := resty.New().SetTimeout(heartbeatSeconds * time.Second)
	url := fmt.Sprintf("http://%s/api/register", cfg.address())
	id := uuid.NewString()

	send := func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Log().Error("heartbeat panic recovered", zap.Any("panic", r))
			}
		}()
		var respBody Response
		req := Request{
			ID:          id,
			IP:          nodeIP,
			Port:        nodePort,
			DeviceClass: deviceClass,
			ModelLoaded: ready(),
			Timestamp:   time.Now().Unix(),
		}
		resp, err := client.R().
			SetContext(ctx).
			SetHeader("Content-Type", "application/json").
			SetBody(req).
			SetResult(&respBody).
			Post(url)
		if err != nil {
			logger.Log().Error("heartbeat request failed", zap.Error(err))
			return
		}
		if resp.IsError() {
			logger.Log().Error("registry rejected heartbeat",
				zap.String("status", resp.Status()), zap.String("body", resp.String()))
		}
	}

	send()
	ticker := time.NewTicker(heartbeatSeconds * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Log().Info("heartbeat stopped")
			return
		case <-ticker.C:
			send()
		}
	}
}
