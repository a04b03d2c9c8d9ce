package handlers

import (
	"context"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"quirk/internal/board"
	"quirk/internal/logging"
	"quirk/internal/pipeline"
	"quirk/internal/schedule"
)

// ExecutionHandler exposes pipeline control over HTTP: run, stop, clear, and
// execution state inspection. The websocket channel carries the streamed
// updates; these endpoints are the imperative side.
type ExecutionHandler struct {
	pipeline  *pipeline.Pipeline
	store     *board.Store
	hub       *Hub
	schedules *schedule.Service
}

func NewExecutionHandler(p *pipeline.Pipeline, store *board.Store, hub *Hub, schedules *schedule.Service) *ExecutionHandler {
	return &ExecutionHandler{pipeline: p, store: store, hub: hub, schedules: schedules}
}

// Execute starts a run from the node in the path. Pass confirm_cycles=true
// to accept cyclic graphs up front. The run is asynchronous; progress streams
// over the websocket.
func (h *ExecutionHandler) Execute(c *fiber.Ctx) error {
	id, err := nodeIDParam(c)
	if err != nil {
		return err
	}
	start := h.store.GetNodeByID(id)
	if start == nil {
		return fiber.NewError(fiber.StatusNotFound, "node not found")
	}
	if h.pipeline.IsExecuting() {
		return fiber.NewError(fiber.StatusConflict, "execution already in progress")
	}

	h.hub.setConfirm(c.QueryBool("confirm_cycles"))

	runLog := logging.WithNode(
		logging.WithRun(uuid.NewString(), h.store.Board().ID),
		start.ID, start.Title, string(pipeline.KindOf(start)),
	)

	go func() {
		runLog.Info("execution started")
		if err := h.pipeline.ExecuteFromNode(context.Background(), id); err != nil {
			runLog.Error("execution failed", "error", err)
			return
		}
		runLog.Info("execution finished")
	}()

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"started": true, "nodeId": id})
}

// Stop aborts the in-flight run.
func (h *ExecutionHandler) Stop(c *fiber.Ctx) error {
	h.pipeline.StopExecution()
	return c.JSON(fiber.Map{"stopped": true})
}

// Clear wipes all execution state and result sides.
func (h *ExecutionHandler) Clear(c *fiber.Ctx) error {
	h.pipeline.ClearExecutionStates()
	return c.JSON(fiber.Map{"cleared": true})
}

// State returns the execution state for every node on the board.
func (h *ExecutionHandler) State(c *fiber.Ctx) error {
	states := make(map[string]any)
	for _, n := range h.store.Nodes() {
		if st, ok := h.pipeline.States().Get(n.ID); ok {
			states[strconv.FormatInt(n.ID, 10)] = st
		}
	}
	return c.JSON(fiber.Map{
		"executing": h.pipeline.IsExecuting(),
		"states":    states,
	})
}

type createScheduleRequest struct {
	NodeID   int64  `json:"nodeId"`
	CronExpr string `json:"cronExpr"`
}

// ListSchedules returns all stored schedules.
func (h *ExecutionHandler) ListSchedules(c *fiber.Ctx) error {
	schedules, err := h.schedules.List(c.Context())
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
	return c.JSON(schedules)
}

// CreateSchedule registers a recurring run.
func (h *ExecutionHandler) CreateSchedule(c *fiber.Ctx) error {
	var req createScheduleRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid schedule payload")
	}
	if h.store.GetNodeByID(req.NodeID) == nil {
		return fiber.NewError(fiber.StatusNotFound, "node not found")
	}
	if err := schedule.ValidateCron(req.CronExpr); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	sched, err := h.schedules.Create(c.Context(), h.store.Board().ID, req.NodeID, req.CronExpr)
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
	return c.Status(fiber.StatusCreated).JSON(sched)
}

// DeleteSchedule removes a schedule.
func (h *ExecutionHandler) DeleteSchedule(c *fiber.Ctx) error {
	if err := h.schedules.Delete(c.Context(), c.Params("id")); err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
	return c.SendStatus(fiber.StatusNoContent)
}
