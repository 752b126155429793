package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	streamBuffer       = 32
	streamWriteTimeout = 5 * time.Second
)

// handleDiagnosticsStream pushes diagnostics entries to a websocket as they are recorded.
func (s *Server) handleDiagnosticsStream(c *gin.Context) {
	if s.deps.Diagnostics == nil {
		writeError(c, http.StatusServiceUnavailable, "unavailable", "diagnostics are not configured")
		return
	}
	conn, err := websocket.Accept(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Debug("diagnostics stream accept failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	entries, unsubscribe := s.deps.Diagnostics.Subscribe(streamBuffer)
	defer unsubscribe()

	// Clients only listen; CloseRead handles control frames and cancels ctx on disconnect.
	ctx := conn.CloseRead(c.Request.Context())
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case entry, ok := <-entries:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
			err := wsjson.Write(writeCtx, conn, entry)
			cancel()
			if err != nil {
				s.logger.Debug("diagnostics stream write failed", zap.Error(err))
				return
			}
		}
	}
}
