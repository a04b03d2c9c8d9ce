// Package handlers exposes the board server's HTTP and websocket surface.
package handlers

import (
	"strconv"

	"github.com/gofiber/fiber/v2"

	"quirk/internal/board"
	"quirk/internal/models"
)

// BoardHandler serves board structure: nodes and connections.
type BoardHandler struct {
	store *board.Store
}

func NewBoardHandler(store *board.Store) *BoardHandler {
	return &BoardHandler{store: store}
}

// Get returns the full board.
func (h *BoardHandler) Get(c *fiber.Ctx) error {
	return c.JSON(h.store.Board())
}

type createNodeRequest struct {
	Title    string          `json:"title"`
	Kind     models.NodeKind `json:"kind"`
	Type     string          `json:"type"`
	Content  string          `json:"content"`
	Position models.Position `json:"position"`
}

// CreateNode adds a node to the board.
func (h *BoardHandler) CreateNode(c *fiber.Ctx) error {
	var req createNodeRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid node payload")
	}
	if req.Title == "" {
		return fiber.NewError(fiber.StatusBadRequest, "node title is required")
	}

	node := &models.Node{
		ID:       h.store.NextNodeID(),
		Title:    req.Title,
		Kind:     req.Kind,
		Type:     req.Type,
		Content:  req.Content,
		Position: req.Position,
	}
	h.store.AddNode(node)
	h.store.AutoSave()
	return c.Status(fiber.StatusCreated).JSON(node)
}

type updateNodeRequest struct {
	Title    *string          `json:"title"`
	Content  *string          `json:"content"`
	Position *models.Position `json:"position"`
}

// UpdateNode patches a node's authored fields.
func (h *BoardHandler) UpdateNode(c *fiber.Ctx) error {
	id, err := nodeIDParam(c)
	if err != nil {
		return err
	}

	var req updateNodeRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid node payload")
	}

	ok := h.store.UpdateNode(id, func(n *models.Node) {
		if req.Title != nil {
			n.Title = *req.Title
		}
		if req.Content != nil {
			n.Content = *req.Content
		}
		if req.Position != nil {
			n.Position = *req.Position
		}
	})
	if !ok {
		return fiber.NewError(fiber.StatusNotFound, "node not found")
	}
	h.store.AutoSave()
	return c.JSON(h.store.GetNodeByID(id))
}

// DeleteNode removes a node and its edges.
func (h *BoardHandler) DeleteNode(c *fiber.Ctx) error {
	id, err := nodeIDParam(c)
	if err != nil {
		return err
	}
	if !h.store.RemoveNode(id) {
		return fiber.NewError(fiber.StatusNotFound, "node not found")
	}
	h.store.AutoSave()
	return c.SendStatus(fiber.StatusNoContent)
}

type connectionRequest struct {
	StartNodeID int64 `json:"startNodeId"`
	EndNodeID   int64 `json:"endNodeId"`
}

// CreateConnection adds a directed edge.
func (h *BoardHandler) CreateConnection(c *fiber.Ctx) error {
	var req connectionRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid connection payload")
	}
	if h.store.GetNodeByID(req.StartNodeID) == nil || h.store.GetNodeByID(req.EndNodeID) == nil {
		return fiber.NewError(fiber.StatusBadRequest, "both connection endpoints must exist")
	}

	conn := models.Connection{
		Start: models.ConnectionEnd{NodeID: req.StartNodeID},
		End:   models.ConnectionEnd{NodeID: req.EndNodeID},
	}
	h.store.AddConnection(conn)
	h.store.AutoSave()
	return c.Status(fiber.StatusCreated).JSON(conn)
}

// DeleteConnection removes a directed edge.
func (h *BoardHandler) DeleteConnection(c *fiber.Ctx) error {
	var req connectionRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid connection payload")
	}
	if !h.store.RemoveConnection(req.StartNodeID, req.EndNodeID) {
		return fiber.NewError(fiber.StatusNotFound, "connection not found")
	}
	h.store.AutoSave()
	return c.SendStatus(fiber.StatusNoContent)
}

func nodeIDParam(c *fiber.Ctx) (int64, error) {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil {
		return 0, fiber.NewError(fiber.StatusBadRequest, "invalid node id")
	}
	return id, nil
}
