package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gofiber/fiber/v2"

	"quirk/internal/board"
	"quirk/internal/database"
	"quirk/internal/models"
)

func testApp(t *testing.T) (*fiber.App, *board.Store) {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	store, err := board.Load(db, "default")
	if err != nil {
		t.Fatalf("load board: %v", err)
	}

	app := fiber.New()
	h := NewBoardHandler(store)
	app.Get("/api/board", h.Get)
	app.Post("/api/nodes", h.CreateNode)
	app.Put("/api/nodes/:id", h.UpdateNode)
	app.Delete("/api/nodes/:id", h.DeleteNode)
	app.Post("/api/connections", h.CreateConnection)
	app.Delete("/api/connections", h.DeleteConnection)
	return app, store
}

func jsonRequest(t *testing.T, app *fiber.App, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func TestCreateNode(t *testing.T) {
	app, store := testApp(t)

	resp := jsonRequest(t, app, "POST", "/api/nodes", map[string]any{
		"title":   "My Node",
		"kind":    "markdown",
		"content": "hello",
	})
	if resp.StatusCode != fiber.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var created models.Node
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.ID == 0 || created.Title != "My Node" {
		t.Errorf("created = %+v", created)
	}
	if store.GetNodeByID(created.ID) == nil {
		t.Error("node missing from the store")
	}
}

func TestCreateNodeRequiresTitle(t *testing.T) {
	app, _ := testApp(t)
	resp := jsonRequest(t, app, "POST", "/api/nodes", map[string]any{"content": "x"})
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestUpdateNodePatchesFields(t *testing.T) {
	app, store := testApp(t)
	store.AddNode(&models.Node{ID: 1, Title: "Old", Content: "keep"})

	resp := jsonRequest(t, app, "PUT", "/api/nodes/1", map[string]any{"title": "New"})
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	n := store.GetNodeByID(1)
	if n.Title != "New" {
		t.Errorf("title = %q", n.Title)
	}
	if n.Content != "keep" {
		t.Errorf("content = %q, unset fields must not be wiped", n.Content)
	}
}

func TestUpdateMissingNodeIs404(t *testing.T) {
	app, _ := testApp(t)
	resp := jsonRequest(t, app, "PUT", "/api/nodes/42", map[string]any{"title": "x"})
	if resp.StatusCode != fiber.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestDeleteNodeRemovesEdges(t *testing.T) {
	app, store := testApp(t)
	store.AddNode(&models.Node{ID: 1, Title: "A"})
	store.AddNode(&models.Node{ID: 2, Title: "B"})
	store.AddConnection(models.Connection{
		Start: models.ConnectionEnd{NodeID: 1},
		End:   models.ConnectionEnd{NodeID: 2},
	})

	resp := jsonRequest(t, app, "DELETE", "/api/nodes/1", nil)
	if resp.StatusCode != fiber.StatusNoContent {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(store.Connections()) != 0 {
		t.Error("edges survived node deletion")
	}
}

func TestCreateConnectionValidatesEndpoints(t *testing.T) {
	app, store := testApp(t)
	store.AddNode(&models.Node{ID: 1, Title: "A"})

	resp := jsonRequest(t, app, "POST", "/api/connections", map[string]any{
		"startNodeId": 1,
		"endNodeId":   99,
	})
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Errorf("status = %d, want 400 for a dangling endpoint", resp.StatusCode)
	}

	store.AddNode(&models.Node{ID: 2, Title: "B"})
	resp = jsonRequest(t, app, "POST", "/api/connections", map[string]any{
		"startNodeId": 1,
		"endNodeId":   2,
	})
	if resp.StatusCode != fiber.StatusCreated {
		t.Errorf("status = %d, want 201", resp.StatusCode)
	}
}
