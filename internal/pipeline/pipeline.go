package pipeline

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	"quirk/internal/config"
	"quirk/internal/metrics"
	"quirk/internal/models"
)

// Pipeline is the public entry point for board execution. A single run is in
// flight at a time; re-entry fails fast with a user-visible message.
type Pipeline struct {
	board    Board
	states   *StateStore
	results  *ResultChannel
	executor *Executor
	notifier Notifier
	settings func() config.Settings
	confirm  ConfirmFunc

	mu        sync.Mutex
	executing bool
	aborted   bool
	cancel    context.CancelFunc
}

// New wires the pipeline. confirm decides whether runs proceed when the graph
// has cycles; a nil confirm accepts cycles (the iteration cap still bounds
// them).
func New(board Board, notifier Notifier, llmClient LLMClient, imageClient ImageClient, sink FileSink, settings func() config.Settings, confirm ConfirmFunc) *Pipeline {
	states := NewStateStore()
	results := NewResultChannel(board, states, notifier)
	return &Pipeline{
		board:    board,
		states:   states,
		results:  results,
		executor: NewExecutor(board, states, results, notifier, llmClient, imageClient, sink),
		notifier: notifier,
		settings: settings,
		confirm:  confirm,
	}
}

// States exposes the execution state store to the HTTP surface.
func (p *Pipeline) States() *StateStore { return p.states }

// IsExecuting reports whether a run is in flight.
func (p *Pipeline) IsExecuting() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.executing
}

// ExecuteFromNode runs the board from the given start node.
func (p *Pipeline) ExecuteFromNode(ctx context.Context, startID int64) error {
	p.mu.Lock()
	if p.executing {
		p.mu.Unlock()
		p.notifier.Notify(models.Notification{
			Type:    "notification",
			Level:   "warning",
			Title:   "Execution in progress",
			Message: "An execution is already in progress",
		})
		return fmt.Errorf("execution already in progress")
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.executing = true
	p.aborted = false
	p.cancel = cancel
	p.mu.Unlock()

	metrics.ActiveRuns.Inc()
	defer func() {
		cancel()
		p.mu.Lock()
		p.executing = false
		p.cancel = nil
		p.mu.Unlock()
		metrics.ActiveRuns.Dec()
	}()

	start := p.board.GetNodeByID(startID)
	if start == nil {
		log.Printf("⚠️ [PIPELINE] Start node %d not found, nothing to do", startID)
		metrics.RunsTotal.WithLabelValues("noop").Inc()
		return nil
	}

	g := BuildGraph(p.board, startID)
	if len(g.Nodes) == 0 {
		log.Printf("⚠️ [PIPELINE] Graph from '%s' is empty, nothing to do", start.Title)
		metrics.RunsTotal.WithLabelValues("noop").Inc()
		return nil
	}

	report := DetectCycles(g)
	if report.HasCycles {
		titles := CyclingTitles(g, report)
		log.Printf("🔁 [PIPELINE] Cycles detected through: %s", strings.Join(titles, ", "))
		if p.confirm != nil && !p.confirm(titles) {
			log.Printf("🚫 [PIPELINE] Cyclic execution declined, aborting without state change")
			metrics.RunsTotal.WithLabelValues("declined").Inc()
			return nil
		}
	}

	p.states.ZeroIterations(g.IDs())
	p.results.ResetRun()

	maxIterations := p.settings().MaxIterations
	if maxIterations <= 0 {
		maxIterations = config.DefaultMaxIterations
	}

	log.Printf("🚀 [PIPELINE] Executing %d nodes from '%s' (maxIterations=%d)", len(g.Nodes), start.Title, maxIterations)

	runErr := NewScheduler(p.states, maxIterations).Run(runCtx, g, startID, p.executor.Execute)

	p.mu.Lock()
	aborted := p.aborted
	p.mu.Unlock()

	if aborted || runErr != nil {
		p.failRunningNodes(g, aborted)
	}

	switch {
	case aborted:
		log.Printf("🛑 [PIPELINE] Execution stopped by user")
		p.notifier.Notify(models.Notification{
			Type:    "notification",
			Level:   "warning",
			Title:   "Execution stopped",
			Message: "Execution stopped by user",
		})
		metrics.RunsTotal.WithLabelValues("aborted").Inc()
		return runErr

	case runErr != nil:
		log.Printf("❌ [PIPELINE] Execution failed: %v", runErr)
		p.notifier.Notify(models.Notification{
			Type:    "notification",
			Level:   "error",
			Title:   "Execution failed",
			Message: runErr.Error(),
		})
		metrics.RunsTotal.WithLabelValues("error").Inc()
		return runErr
	}

	log.Printf("🏁 [PIPELINE] Executed %d nodes from '%s'", len(g.Nodes), start.Title)
	p.notifier.Notify(models.Notification{
		Type:    "notification",
		Level:   "success",
		Title:   "Execution complete",
		Message: fmt.Sprintf("Executed %d nodes starting from '%s'", len(g.Nodes), start.Title),
		Desktop: true,
	})
	metrics.RunsTotal.WithLabelValues("success").Inc()
	return nil
}

// failRunningNodes transitions any node still marked running to error. This
// is the safety net behind invariant "running never survives orchestrator
// return"; under normal flow executors have already reached a terminal state.
func (p *Pipeline) failRunningNodes(g *Graph, aborted bool) {
	message := autoRecoveredMessage
	if aborted {
		message = "Execution stopped by user"
	}
	for _, id := range p.states.RunningIDs() {
		p.states.SetError(id, message, 0)
		if node, ok := g.Set[id]; ok {
			p.results.Badge(node)
		}
	}
}

// StopExecution aborts the in-flight run. Streaming partials stay visible;
// running nodes transition to error as their cancellation propagates.
func (p *Pipeline) StopExecution() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.executing {
		return
	}
	p.aborted = true
	if p.cancel != nil {
		p.cancel()
	}
	log.Printf("🛑 [PIPELINE] Stop requested")
}

// ClearExecutionStates wipes all execution state and result sides, restoring
// a fresh-session baseline.
func (p *Pipeline) ClearExecutionStates() {
	ids := p.states.Clear()
	for _, id := range ids {
		if node := p.board.GetNodeByID(id); node != nil {
			p.results.Set(node, nil, ResultOptions{})
		}
	}
	log.Printf("🧹 [PIPELINE] Cleared execution state for %d nodes", len(ids))
}
