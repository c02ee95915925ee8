package api

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/e7canasta/orion-recorder/internal/control"
)

const wsWriteTimeout = 5 * time.Second

// streamStatus upgrades to a websocket and pushes a StatusView every time
// the recording or session state changes. Client messages are ignored.
func (s *Server) streamStatus(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("api: websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	id := "ws-" + uuid.NewString()
	recCh, err := s.svc.Watch().Subscribe(id)
	if err != nil {
		s.logger.Error("api: websocket subscribe", "error", err)
		return
	}
	defer s.svc.Watch().Unsubscribe(id)

	sessCh, err := s.svc.SessionWatch().Subscribe(id)
	if err != nil {
		s.logger.Error("api: websocket subscribe", "error", err)
		return
	}
	defer s.svc.SessionWatch().Unsubscribe(id)

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	s.logger.Info("api: websocket client connected", "id", id, "remote", c.Request.RemoteAddr)
	defer s.logger.Info("api: websocket client disconnected", "id", id)

	for recCh != nil || sessCh != nil {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-recCh:
			if !ok {
				recCh = nil
				continue
			}
		case _, ok := <-sessCh:
			if !ok {
				sessCh = nil
				continue
			}
		}

		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(control.BuildStatus(s.svc)); err != nil {
			s.logger.Debug("api: websocket write failed", "id", id, "error", err)
			return
		}
	}
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
