package httpapi

import (
	"context"
	"strings"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/dygje/tgpro/internal/realtime"
	logx "github.com/dygje/tgpro/pkg/logx"
)

var statsCommand = []byte(`{"type":"get_stats"}`)

// upgradeOnly admits websocket upgrades on a known channel.
func (s *Server) upgradeOnly(c *fiber.Ctx) error {
	ch := c.Params("channel")
	if !realtime.ValidChannel(ch) {
		return fiber.NewError(fiber.StatusNotFound, "unknown channel "+ch)
	}
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	c.Locals("channel", ch)
	return c.Next()
}

func clientID(channel string) string {
	return channel + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func (s *Server) socketHandler() fiber.Handler {
	return websocket.New(func(c *websocket.Conn) {
		ch, _ := c.Locals("channel").(string)
		id := clientID(ch)
		if err := s.deps.Hub.Connect(c, id, ch); err != nil {
			s.log.Debug("observer connect failed", logx.String("client_id", id), logx.Err(err))
			_ = c.Close()
			return
		}
		defer s.deps.Hub.Disconnect(id)

		ctx, cancel := context.WithCancel(s.baseContext())
		defer cancel()

		switch ch {
		case realtime.ChannelLogs:
			s.deps.Hub.ReplayLogs(ctx, id, s.cfg.ReplayLogs)
		case realtime.ChannelMonitoring:
			s.deps.Hub.HandleCommand(ctx, id, statsCommand)
		}
		if s.cfg.Keepalive > 0 {
			go s.keepalive(ctx, id)
		}

		for {
			_, msg, err := c.ReadMessage()
			if err != nil {
				return
			}
			if ctx.Err() != nil {
				return
			}
			s.deps.Hub.HandleCommand(ctx, id, msg)
		}
	})
}

// keepalive pings the client until ctx ends or a write fails.
func (s *Server) keepalive(ctx context.Context, id string) {
	t := time.NewTicker(s.cfg.Keepalive)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if !s.deps.Hub.SendToClient(id, realtime.Event{"type": realtime.TypePing}) {
				return
			}
		}
	}
}

func (s *Server) connections(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"message":   "websocket connection stats retrieved",
		"stats":     s.deps.Hub.Stats(),
		"timestamp": now(),
	})
}

func (s *Server) broadcast(c *fiber.Ctx) error {
	var ev realtime.Event
	if err := c.BodyParser(&ev); err != nil || ev == nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if _, ok := ev["timestamp"]; !ok {
		ev["timestamp"] = now()
	}
	ch := c.Query("connection_type")
	var sent int
	if ch != "" {
		if !realtime.ValidChannel(ch) {
			return fiber.NewError(fiber.StatusBadRequest, "invalid connection_type "+ch)
		}
		sent = s.deps.Hub.BroadcastToChannel(ch, ev)
	} else {
		sent = s.deps.Hub.BroadcastToAll(ev)
	}
	return c.JSON(fiber.Map{
		"message":         "message broadcast",
		"sent_count":      sent,
		"connection_type": ch,
		"timestamp":       now(),
	})
}

type logRequest struct {
	Level    string         `json:"level"`
	Message  string         `json:"message"`
	Metadata map[string]any `json:"metadata"`
}

func (s *Server) addLog(c *fiber.Ctx) error {
	var req logRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Message) == "" {
		return fiber.NewError(fiber.StatusBadRequest, "message is required")
	}
	if req.Level == "" {
		req.Level = "info"
	}
	s.deps.Hub.AddLogMessage(req.Level, req.Message, req.Metadata)
	return c.JSON(fiber.Map{
		"message":   "log entry added",
		"level":     strings.ToLower(req.Level),
		"timestamp": now(),
	})
}
