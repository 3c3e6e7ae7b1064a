package main

import (
	"encoding/base64"
	"net/http"
	"strings"
	"time"

	"WeaponDetServer/logger"
	"WeaponDetServer/schema"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// decodeBase64Frame accepts plain base64 or a data URL
// (data:image/...;base64,...) as sent by browser canvas captures.
func decodeBase64Frame(b64 string) ([]byte, error) {
	if i := strings.Index(b64, ","); i != -1 && strings.HasPrefix(b64, "data:") {
		b64 = b64[i+1:]
	}
	return base64.StdEncoding.DecodeString(strings.TrimSpace(b64))
}

// detectWS serves a websocket inference session: the client sends one frame
// per message (binary JPEG/PNG bytes, or base64 text), the server answers
// with one detection payload per frame. Frames are independent; the session
// carries no state besides the connection itself.
func (s *apiServer) detectWS(c *gin.Context) {
	conf, err := s.thresholdParam(c)
	if err != nil {
		writeError(c, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the failure response.
		return
	}
	defer conn.Close()
	conn.SetReadLimit(s.cfg.MaxUploadMB<<20 + 1024)

	reqID, _ := c.Get("request_id")
	logger.Log().Info("websocket session opened",
		zap.Any("request_id", reqID),
		zap.Float64("confidence_threshold", conf))

	for {
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			logger.Log().Info("websocket session closed",
				zap.Any("request_id", reqID), zap.Error(err))
			return
		}

		var frame []byte
		switch mt {
		case websocket.BinaryMessage:
			frame = msg
		case websocket.TextMessage:
			frame, err = decodeBase64Frame(string(msg))
			if err != nil {
				_ = conn.WriteJSON(schema.ErrorResponse{
					Error:     "invalid base64 frame: " + err.Error(),
					Timestamp: time.Now().UTC(),
				})
				continue
			}
		default:
			_ = conn.WriteJSON(schema.ErrorResponse{
				Error:     "unsupported message type",
				Timestamp: time.Now().UTC(),
			})
			continue
		}

		res, err := s.svc.Run(c.Request.Context(), frame, conf, false)
		if err != nil {
			_ = conn.WriteJSON(schema.ErrorResponse{
				Error:     err.Error(),
				Timestamp: time.Now().UTC(),
			})
			continue
		}
		if err := conn.WriteJSON(imageResponse(res)); err != nil {
			logger.Log().Info("websocket write failed, closing session",
				zap.Any("request_id", reqID), zap.Error(err))
			return
		}
	}
}
