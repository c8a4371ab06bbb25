package httpapi

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/dygje/tgpro/internal/task/engine"
)

type messageSendingRequest struct {
	TemplateID      string            `json:"template_id"`
	Recipients      []string          `json:"recipients"`
	CustomVariables map[string]string `json:"custom_variables"`
	DelayOverride   *float64          `json:"delay_override"`
	Force           bool              `json:"force"`
	Priority        int               `json:"priority"`
}

type bulkMessageRequest struct {
	Templates []string          `json:"templates"`
	Groups    []string          `json:"groups"`
	Variables map[string]string `json:"variables"`
	Force     bool              `json:"force"`
	Priority  int               `json:"priority"`
}

type groupManagementRequest struct {
	Operation string   `json:"operation"`
	Groups    []string `json:"groups"`
	Priority  int      `json:"priority"`
}

type maintenanceRequest struct {
	Operations []string `json:"operations"`
	Priority   int      `json:"priority"`
}

type taskCreatedResponse struct {
	TaskID              string     `json:"task_id"`
	Status              string     `json:"status"`
	Message             string     `json:"message"`
	EstimatedCompletion *time.Time `json:"estimated_completion"`
}

func orDefault(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func (s *Server) createMessageSending(c *fiber.Ctx) error {
	var req messageSendingRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	params := map[string]any{
		"template_id": req.TemplateID,
		"recipients":  req.Recipients,
		"force":       req.Force,
	}
	if req.CustomVariables != nil {
		params["custom_variables"] = req.CustomVariables
	}
	if req.DelayOverride != nil {
		params["delay_override"] = *req.DelayOverride
	}
	msg := fmt.Sprintf("message sending task created for %d recipients", len(req.Recipients))
	return s.create(c, engine.CreateRequest{Kind: engine.KindMessageSending, Parameters: params, Priority: orDefault(req.Priority, 5)}, msg)
}

func (s *Server) createBulkMessage(c *fiber.Ctx) error {
	var req bulkMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	params := map[string]any{
		"templates": req.Templates,
		"groups":    req.Groups,
		"force":     req.Force,
	}
	if req.Variables != nil {
		params["variables"] = req.Variables
	}
	msg := fmt.Sprintf("bulk message task created: %d templates x %d groups", len(req.Templates), len(req.Groups))
	return s.create(c, engine.CreateRequest{Kind: engine.KindBulkMessage, Parameters: params, Priority: orDefault(req.Priority, 3)}, msg)
}

func (s *Server) createGroupManagement(c *fiber.Ctx) error {
	var req groupManagementRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	params := map[string]any{"operation": req.Operation, "groups": req.Groups}
	msg := fmt.Sprintf("group %s task created for %d groups", req.Operation, len(req.Groups))
	return s.create(c, engine.CreateRequest{Kind: engine.KindGroupManagement, Parameters: params, Priority: orDefault(req.Priority, 4)}, msg)
}

func (s *Server) createMaintenance(c *fiber.Ctx) error {
	var req maintenanceRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
		}
	}
	params := map[string]any{}
	if len(req.Operations) > 0 {
		params["operations"] = req.Operations
	}
	return s.create(c, engine.CreateRequest{Kind: engine.KindSystemMaintenance, Parameters: params, Priority: orDefault(req.Priority, 8)}, "system maintenance task created")
}

func (s *Server) create(c *fiber.Ctx, req engine.CreateRequest, msg string) error {
	id, err := s.deps.Tasks.Create(c.UserContext(), req)
	if err != nil {
		return createError(err)
	}
	resp := taskCreatedResponse{TaskID: id, Status: string(engine.StatusPending), Message: msg}
	if snap, err := s.deps.Tasks.Get(c.UserContext(), id); err == nil {
		resp.EstimatedCompletion = snap.EstimatedCompletion
	}
	return c.Status(fiber.StatusAccepted).JSON(resp)
}

func createError(err error) error {
	switch {
	case errors.Is(err, engine.ErrInvalidKind), errors.Is(err, engine.ErrInvalidParameters):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrQueueFull), errors.Is(err, engine.ErrStopped):
		return fiber.NewError(fiber.StatusServiceUnavailable, err.Error())
	}
	return err
}

func (s *Server) getTask(c *fiber.Ctx) error {
	id := c.Params("id")
	snap, err := s.deps.Tasks.Get(c.UserContext(), id)
	if err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			return fiber.NewError(fiber.StatusNotFound, "task not found")
		}
		return err
	}
	return c.JSON(fiber.Map{"task": snap, "message": "task status retrieved for " + id})
}

func (s *Server) listTasks(c *fiber.Ctx) error {
	raw := c.Query("status", c.Query("status_filter"))
	var status engine.Status
	if raw != "" {
		st, ok := engine.ParseStatus(strings.ToLower(raw))
		if !ok {
			return fiber.NewError(fiber.StatusBadRequest, "invalid status filter: must be one of pending, running, completed, failed, cancelled")
		}
		status = st
	}
	limit := c.QueryInt("limit", 50)
	if limit < 1 || limit > 100 {
		return fiber.NewError(fiber.StatusBadRequest, "limit must be between 1 and 100")
	}
	tasks := s.deps.Tasks.List(status, limit)
	return c.JSON(fiber.Map{
		"tasks":         tasks,
		"total":         len(tasks),
		"status_filter": raw,
		"limit":         limit,
	})
}

func (s *Server) cancelTask(c *fiber.Ctx) error {
	id := c.Params("id")
	if !s.deps.Tasks.Cancel(c.UserContext(), id) {
		return fiber.NewError(fiber.StatusBadRequest, "task cannot be cancelled (not found or already finished)")
	}
	return c.JSON(fiber.Map{
		"message": "task " + id + " cancelled",
		"task_id": id,
		"status":  string(engine.StatusCancelled),
	})
}

func (s *Server) taskStats(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"stats":     s.deps.Tasks.Stats(),
		"message":   "task statistics retrieved",
		"timestamp": now(),
	})
}
