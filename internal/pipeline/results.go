package pipeline

import (
	"fmt"
	"log"
	"sync"
	"unicode/utf8"

	"quirk/internal/markdown"
	"quirk/internal/models"
)

// streamTailLen bounds how much of a streaming partial is rendered live.
// Keeping the inner loop cheap matters more than showing the whole text;
// the final pass renders everything.
const streamTailLen = 300

// ResultOptions tune a single result-channel update.
type ResultOptions struct {
	// KeepSide leaves the UI on whichever side it is currently showing.
	KeepSide bool
	// SkipBadge suppresses the status badge portion of the update.
	SkipBadge bool
	// Streaming marks a partial update: raw storage, truncated tail, no
	// markdown render, no autosave.
	Streaming bool
}

// ResultChannel owns the result side of every node: resultContent,
// resultHtml, showingResult, and the status badge. Nothing else writes these
// fields, and every write goes through the board's locked UpdateNode so a
// concurrent autosave never marshals a half-written node.
type ResultChannel struct {
	board    Board
	states   *StateStore
	notifier Notifier

	mu      sync.Mutex
	flipped map[int64]bool // nodes already flipped to the result side this run
}

func NewResultChannel(board Board, states *StateStore, notifier Notifier) *ResultChannel {
	return &ResultChannel{
		board:    board,
		states:   states,
		notifier: notifier,
		flipped:  make(map[int64]bool),
	}
}

// ResetRun clears the per-run flip tracking. Called once per pipeline
// invocation so each node flips to its result side on the first streaming
// update of the new run, not on every chunk.
func (rc *ResultChannel) ResetRun() {
	rc.mu.Lock()
	rc.flipped = make(map[int64]bool)
	rc.mu.Unlock()
}

// Set delivers a result value to the node's result side.
func (rc *ResultChannel) Set(node *models.Node, value any, opts ResultOptions) {
	if value == nil || value == "" {
		rc.clear(node)
		return
	}

	if opts.Streaming {
		rc.stream(node, formatValue(value))
		return
	}

	rc.final(node, value, opts)
}

// clear wipes the result side and forces the UI back to the content side.
func (rc *ResultChannel) clear(node *models.Node) {
	rc.board.UpdateNode(node.ID, func(n *models.Node) {
		n.ResultContent = ""
		n.ResultHTML = ""
		n.ShowingResult = false
	})
	rc.states.ClearResult(node.ID)

	rc.notifier.NodeUpdate(models.NodeUpdate{
		Type:    "node_update",
		NodeID:  node.ID,
		Cleared: true,
	})
	rc.board.AutoSave()
}

// stream stores the raw partial and sends a truncated tail. The first
// streaming update per run flips the UI to the result side; later chunks
// leave the side alone. Badges and autosave are suppressed.
func (rc *ResultChannel) stream(node *models.Node, raw string) {
	rc.mu.Lock()
	first := !rc.flipped[node.ID]
	if first {
		rc.flipped[node.ID] = true
	}
	rc.mu.Unlock()

	var showing bool
	rc.board.UpdateNode(node.ID, func(n *models.Node) {
		n.ResultContent = raw
		if first {
			n.ShowingResult = true
		}
		showing = n.ShowingResult
	})

	tail := raw
	if len(tail) > streamTailLen {
		// Trim at a rune boundary so the tail stays valid UTF-8.
		cut := len(tail) - streamTailLen
		for cut < len(tail) && !utf8.RuneStart(tail[cut]) {
			cut++
		}
		tail = "…" + tail[cut:]
	}

	rc.notifier.NodeUpdate(models.NodeUpdate{
		Type:          "node_update",
		NodeID:        node.ID,
		Status:        models.StatusRunning,
		Streaming:     true,
		StreamTail:    tail,
		ShowingResult: showing,
	})
}

// final formats and fully renders the value, processes wiki links for
// navigation, and schedules the debounced autosave.
func (rc *ResultChannel) final(node *models.Node, value any, opts ResultOptions) {
	content := formatFinal(value)
	html := ""
	if rendered, err := markdown.Render(content); err != nil {
		log.Printf("⚠️ [RESULTS] Markdown render failed for node %d: %v", node.ID, err)
	} else {
		html = markdown.ProcessWikiLinks(rendered)
	}

	var showing bool
	rc.board.UpdateNode(node.ID, func(n *models.Node) {
		n.ResultContent = content
		n.ResultHTML = html
		if !opts.KeepSide {
			n.ShowingResult = true
		}
		showing = n.ShowingResult
	})

	update := models.NodeUpdate{
		Type:          "node_update",
		NodeID:        node.ID,
		ResultContent: content,
		ResultHTML:    html,
		ShowingResult: showing,
	}
	if !opts.SkipBadge {
		state, _ := rc.states.Get(node.ID)
		update.Status = state.Status
		update.Badge = BadgeFor(state)
		update.IterationCount = state.IterationCount
	}
	rc.notifier.NodeUpdate(update)

	rc.board.AutoSave()
}

// Badge sends a badge-only update reflecting the node's current state.
func (rc *ResultChannel) Badge(node *models.Node) {
	state, _ := rc.states.Get(node.ID)
	rc.notifier.NodeUpdate(models.NodeUpdate{
		Type:           "node_update",
		NodeID:         node.ID,
		Status:         state.Status,
		Badge:          BadgeFor(state),
		IterationCount: state.IterationCount,
		Error:          state.Error,
	})
}

// BadgeFor maps an execution state to its badge presentation: running and
// error always show, success shows only when a result exists, and idle
// without a result hides the badge.
func BadgeFor(state models.ExecutionState) models.BadgeState {
	switch state.Status {
	case models.StatusRunning:
		return models.BadgeRunning
	case models.StatusError:
		return models.BadgeError
	case models.StatusSuccess:
		if state.Result != nil {
			return models.BadgeSuccess
		}
		return models.BadgeHidden
	default:
		return models.BadgeHidden
	}
}

// formatFinal renders a final result value as markdown source: strings pass
// through, everything else becomes a fenced JSON block.
func formatFinal(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("```json\n%s\n```", formatValue(v))
}
