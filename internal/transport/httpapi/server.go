// Package httpapi exposes the task engine, the realtime hub and the safety
// components over HTTP and websockets.
package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/google/uuid"

	"github.com/dygje/tgpro/internal/blacklist"
	"github.com/dygje/tgpro/internal/ratelimit"
	"github.com/dygje/tgpro/internal/realtime"
	"github.com/dygje/tgpro/internal/runtime/supervisor"
	"github.com/dygje/tgpro/internal/safety"
	"github.com/dygje/tgpro/internal/task/engine"
	logx "github.com/dygje/tgpro/pkg/logx"
)

// Tasks is the engine surface the API needs.
type Tasks interface {
	Create(ctx context.Context, req engine.CreateRequest) (string, error)
	Get(ctx context.Context, id string) (engine.Snapshot, error)
	Cancel(ctx context.Context, id string) bool
	List(status engine.Status, limit int) []engine.Snapshot
	Stats() engine.Stats
}

// Hub is the realtime surface the API needs. *realtime.Hub implements it.
type Hub interface {
	Connect(sock realtime.Socket, clientID, channel string) error
	Disconnect(clientID string)
	HandleCommand(ctx context.Context, clientID string, raw []byte)
	ReplayLogs(ctx context.Context, clientID string, limit int) int
	SendToClient(clientID string, ev realtime.Event) bool
	BroadcastToChannel(channel string, ev realtime.Event) int
	BroadcastToAll(ev realtime.Event) int
	AddLogMessage(level, message string, metadata map[string]any)
	Stats() realtime.Stats
}

type SafetyReporter interface {
	Report() safety.Report
}

type RateStatus interface {
	Status() map[string]ratelimit.ClassStatus
}

type BlacklistView interface {
	Entries(ctx context.Context) ([]blacklist.Entry, error)
	Stats(ctx context.Context) (blacklist.Stats, error)
}

// Deps are the components behind the routes. Tasks and Hub are required;
// the rest answer 503 when nil.
type Deps struct {
	Tasks     Tasks
	Hub       Hub
	Safety    SafetyReporter
	Limits    RateStatus
	Blacklist BlacklistView
	// Runtime reports goroutine supervisors by name for /healthz.
	Runtime func() map[string]supervisor.Snapshot
}

type Config struct {
	Addr            string
	APIKey          string
	ShutdownTimeout time.Duration
	// Keepalive is the server ping period on websockets. <= 0 disables it.
	Keepalive time.Duration
	// ReplayLogs is how many stored log events a new logs observer gets.
	ReplayLogs int
}

type Server struct {
	cfg  Config
	deps Deps
	log  logx.Logger
	app  *fiber.App

	mu  sync.Mutex
	ctx context.Context
}

func New(cfg Config, deps Deps, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.ReplayLogs <= 0 {
		cfg.ReplayLogs = 50
	}
	s := &Server{cfg: cfg, deps: deps, log: log, ctx: context.Background()}

	s.app = fiber.New(fiber.Config{
		ErrorHandler:          s.errorHandler,
		DisableStartupMessage: true,
	})
	s.app.Use(recover.New(recover.Config{EnableStackTrace: true}))
	s.app.Use(s.requestID)
	s.app.Use(s.accessLog)
	s.routes()
	return s
}

// App returns the underlying fiber app (tests use App().Test).
func (s *Server) App() *fiber.App { return s.app }

func (s *Server) routes() {
	s.app.Get("/healthz", s.health)

	api := s.app.Group("/api", s.auth)

	tasks := api.Group("/tasks")
	tasks.Post("/message-sending", s.createMessageSending)
	tasks.Post("/bulk-message", s.createBulkMessage)
	tasks.Post("/group-management", s.createGroupManagement)
	tasks.Post("/maintenance", s.createMaintenance)
	tasks.Get("/stats/overview", s.taskStats)
	tasks.Get("/", s.listTasks)
	tasks.Get("/:id", s.getTask)
	tasks.Post("/:id/cancel", s.cancelTask)

	ws := api.Group("/ws")
	ws.Get("/connections", s.connections)
	ws.Post("/broadcast", s.broadcast)
	ws.Post("/log", s.addLog)
	ws.Get("/:channel", s.upgradeOnly, s.socketHandler())

	api.Get("/safety/report", s.safetyReport)
	api.Get("/ratelimit/status", s.rateStatus)
	api.Get("/blacklist", s.blacklistEntries)
}

// Serve listens until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() { errCh <- s.app.Listen(s.cfg.Addr) }()
	s.log.Info("http server listening", logx.String("addr", s.cfg.Addr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.app.ShutdownWithContext(sctx); err != nil {
		s.log.Warn("http server forced to shutdown", logx.Err(err))
		return err
	}
	s.log.Info("http server stopped")
	return nil
}

func (s *Server) baseContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

func (s *Server) requestID(c *fiber.Ctx) error {
	id := c.Get(fiber.HeaderXRequestID)
	if id == "" {
		id = uuid.NewString()
	}
	c.Locals("request_id", id)
	c.Set(fiber.HeaderXRequestID, id)
	return c.Next()
}

func (s *Server) accessLog(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	route := ""
	if r := c.Route(); r != nil {
		route = r.Path
	}
	s.log.Debug("http access",
		logx.String("method", c.Method()),
		logx.String("path", c.Path()),
		logx.String("route", route),
		logx.Int("status", c.Response().StatusCode()),
		logx.Duration("latency", time.Since(start)),
		logx.String("client_ip", c.IP()),
		logx.Any("request_id", c.Locals("request_id")),
	)
	return err
}

func (s *Server) auth(c *fiber.Ctx) error {
	if s.cfg.APIKey == "" {
		return c.Next()
	}
	got := strings.TrimSpace(strings.TrimPrefix(c.Get(fiber.HeaderAuthorization), "Bearer "))
	if got == "" {
		got = c.Query("api_key")
	}
	if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.APIKey)) != 1 {
		return fiber.NewError(fiber.StatusUnauthorized, "invalid api key")
	}
	return c.Next()
}

func (s *Server) errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	}
	fields := []logx.Field{
		logx.String("method", c.Method()),
		logx.String("path", c.Path()),
		logx.Int("status", code),
		logx.Err(err),
		logx.Any("request_id", c.Locals("request_id")),
	}
	if code >= fiber.StatusInternalServerError {
		s.log.Error("request error", fields...)
	} else {
		s.log.Debug("request rejected", fields...)
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}

func (s *Server) health(c *fiber.Ctx) error {
	st := s.deps.Tasks.Stats()
	body := fiber.Map{
		"status":        "ok",
		"engine":        st.Running,
		"active_tasks":  st.TotalTasks,
		"observers":     s.deps.Hub.Stats().Total,
		"timestamp":     now(),
		"queue_backlog": st.QueueSize,
	}
	if s.deps.Runtime != nil {
		sups := s.deps.Runtime()
		for name, snap := range sups {
			if snap.FirstError != "" {
				body["status"] = "degraded"
				s.log.Debug("supervisor reported error", logx.String("name", name), logx.String("err", snap.FirstError))
			}
		}
		body["supervisors"] = sups
	}
	return c.JSON(body)
}

func (s *Server) safetyReport(c *fiber.Ctx) error {
	if s.deps.Safety == nil {
		return fiber.NewError(fiber.StatusServiceUnavailable, "safety scorer not available")
	}
	return c.JSON(fiber.Map{"report": s.deps.Safety.Report(), "timestamp": now()})
}

func (s *Server) rateStatus(c *fiber.Ctx) error {
	if s.deps.Limits == nil {
		return fiber.NewError(fiber.StatusServiceUnavailable, "rate limiter not available")
	}
	return c.JSON(fiber.Map{"limits": s.deps.Limits.Status(), "timestamp": now()})
}

func (s *Server) blacklistEntries(c *fiber.Ctx) error {
	if s.deps.Blacklist == nil {
		return fiber.NewError(fiber.StatusServiceUnavailable, "blacklist not available")
	}
	entries, err := s.deps.Blacklist.Entries(c.UserContext())
	if err != nil {
		return err
	}
	st, err := s.deps.Blacklist.Stats(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"entries": entries, "stats": st, "timestamp": now()})
}

func now() string { return time.Now().UTC().Format(time.RFC3339Nano) }
