package handlers

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"

	"quirk/internal/models"
)

// Runner is the slice of the pipeline the websocket channel drives.
type Runner interface {
	ExecuteFromNode(ctx context.Context, startID int64) error
	StopExecution()
	ClearExecutionStates()
}

// clientMessage is what the UI sends over the socket.
type clientMessage struct {
	Type          string `json:"type"` // execute | stop | clear
	NodeID        int64  `json:"nodeId"`
	ConfirmCycles bool   `json:"confirmCycles"`
}

type hubConn struct {
	id        string
	conn      *websocket.Conn
	writeChan chan any
	done      chan struct{}
}

// Hub fans pipeline events out to every connected UI client. It implements
// the pipeline's Notifier.
type Hub struct {
	mu     sync.RWMutex
	conns  map[string]*hubConn
	runner Runner

	// confirmCycles carries the pre-confirmation of the most recent execute
	// request. Only one run is in flight at a time, so a single slot is
	// enough.
	confirmMu     sync.Mutex
	confirmCycles bool
}

func NewHub() *Hub {
	return &Hub{conns: make(map[string]*hubConn)}
}

// SetRunner wires the pipeline after construction; the hub must exist first
// because the pipeline notifies through it.
func (h *Hub) SetRunner(r Runner) { h.runner = r }

// ConfirmCycles reports whether the current run was pre-confirmed for cyclic
// graphs. Used as the pipeline's ConfirmFunc.
func (h *Hub) ConfirmCycles(cyclingTitles []string) bool {
	h.confirmMu.Lock()
	confirmed := h.confirmCycles
	h.confirmMu.Unlock()
	if !confirmed {
		h.Notify(models.Notification{
			Type:    "notification",
			Level:   "warning",
			Title:   "Cycles detected",
			Message: "The graph contains cycles through: " + strings.Join(cyclingTitles, ", ") + ". Re-run with confirmCycles to execute.",
		})
	}
	return confirmed
}

// setConfirm records the pre-confirmation for the next run.
func (h *Hub) setConfirm(v bool) {
	h.confirmMu.Lock()
	h.confirmCycles = v
	h.confirmMu.Unlock()
}

// NodeUpdate broadcasts a node state change.
func (h *Hub) NodeUpdate(update models.NodeUpdate) { h.broadcast(update) }

// Notify broadcasts a user-facing notification.
func (h *Hub) Notify(n models.Notification) { h.broadcast(n) }

// FileReady announces a saved artifact.
func (h *Hub) FileReady(f models.FileReady) { h.broadcast(f) }

// broadcast sends to every connection without blocking: a slow client drops
// updates rather than stalling the pipeline.
func (h *Hub) broadcast(msg any) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.conns {
		select {
		case c.writeChan <- msg:
		default:
			log.Printf("⚠️ [WS] Write buffer full for %s, dropping update", c.id)
		}
	}
}

// Handle owns one websocket connection for its lifetime.
func (h *Hub) Handle(c *websocket.Conn) {
	hc := &hubConn{
		id:        uuid.New().String(),
		conn:      c,
		writeChan: make(chan any, 256),
		done:      make(chan struct{}),
	}

	h.mu.Lock()
	h.conns[hc.id] = hc
	h.mu.Unlock()

	defer func() {
		close(hc.done)
		h.mu.Lock()
		delete(h.conns, hc.id)
		h.mu.Unlock()
		log.Printf("🔌 [WS] Client %s disconnected", hc.id)
	}()

	log.Printf("🔌 [WS] Client %s connected", hc.id)

	c.SetReadDeadline(time.Now().Add(120 * time.Second))
	c.SetPongHandler(func(string) error {
		return c.SetReadDeadline(time.Now().Add(120 * time.Second))
	})

	go h.writeLoop(hc)
	go h.pingLoop(hc)

	hc.writeChan <- models.Notification{
		Type:    "notification",
		Level:   "info",
		Title:   "Connected",
		Message: "Board channel ready",
	}

	h.readLoop(hc)
}

func (h *Hub) writeLoop(hc *hubConn) {
	for {
		select {
		case msg := <-hc.writeChan:
			data, err := json.Marshal(msg)
			if err != nil {
				log.Printf("⚠️ [WS] Marshal failed: %v", err)
				continue
			}
			if err := hc.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-hc.done:
			return
		}
	}
}

func (h *Hub) pingLoop(hc *hubConn) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := hc.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case <-hc.done:
			return
		}
	}
}

func (h *Hub) readLoop(hc *hubConn) {
	for {
		_, data, err := hc.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("⚠️ [WS] Malformed client message: %v", err)
			continue
		}

		switch msg.Type {
		case "execute":
			if h.runner == nil {
				continue
			}
			h.setConfirm(msg.ConfirmCycles)
			go func(nodeID int64) {
				if err := h.runner.ExecuteFromNode(context.Background(), nodeID); err != nil {
					log.Printf("❌ [WS] Execution from node %d failed: %v", nodeID, err)
				}
			}(msg.NodeID)
		case "stop":
			if h.runner != nil {
				h.runner.StopExecution()
			}
		case "clear":
			if h.runner != nil {
				h.runner.ClearExecutionStates()
			}
		default:
			log.Printf("⚠️ [WS] Unknown message type %q", msg.Type)
		}
	}
}
