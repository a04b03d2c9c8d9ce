package pipeline

import (
	"context"
	"fmt"
	"log"
	"runtime/debug"
	"sync"

	"quirk/internal/models"
)

// maxParallelNodes bounds concurrent node executions per batch so a wide
// board cannot exhaust LLM connections or file handles.
const maxParallelNodes = 8

// execFunc executes a single node. The scheduler treats any returned error
// as fatal for the run.
type execFunc func(ctx context.Context, node *models.Node) error

// Scheduler runs the built graph with Kahn's algorithm. Nodes execute in
// ready batches; a batch is joined before its successors are admitted, which
// preserves the upstream-before-downstream ordering within a run.
//
// Cycles are admitted rather than rejected: when a completed node drops a
// successor's in-degree to zero, the successor is re-admitted with its
// in-degree reset to the structural baseline. On a DAG this changes nothing
// (every node is admitted once), while on a cycle it lets execution loop
// until the per-node iteration cap trips.
type Scheduler struct {
	states        *StateStore
	maxIterations int
}

func NewScheduler(states *StateStore, maxIterations int) *Scheduler {
	return &Scheduler{states: states, maxIterations: maxIterations}
}

// Run drives the graph to completion or first failure.
func (s *Scheduler) Run(ctx context.Context, g *Graph, startID int64, exec execFunc) error {
	if len(g.Nodes) == 0 {
		return nil
	}

	base := make(map[int64]int, len(g.Nodes))
	indeg := make(map[int64]int, len(g.Nodes))
	for _, n := range g.Nodes {
		base[n.ID] = len(g.In[n.ID])
		indeg[n.ID] = base[n.ID]
	}

	var ready []int64
	for _, n := range g.Nodes {
		if indeg[n.ID] == 0 {
			ready = append(ready, n.ID)
		}
	}
	// A pure cycle has no zero in-degree entry point. Seed with the start
	// node so the loop gets a first turn; the iteration cap bounds it.
	if len(ready) == 0 {
		log.Printf("🔁 [SCHEDULER] No entry point (pure cycle), seeding start node %d", startID)
		ready = append(ready, startID)
		indeg[startID] = base[startID]
	}

	sem := make(chan struct{}, maxParallelNodes)
	executed := make(map[int64]bool, len(g.Nodes))

	for len(ready) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}

		// Iteration cap check happens at admission so a cycled node fails
		// the run the moment it would exceed the cap.
		for _, id := range ready {
			if s.states.IterationCount(id) >= s.maxIterations {
				node := g.Set[id]
				msg := fmt.Sprintf("Iteration limit reached (%d)", s.maxIterations)
				s.states.SetError(id, msg, 0)
				return &ExecutionError{
					Category:  ErrorIteration,
					NodeID:    id,
					NodeTitle: node.Title,
					Message:   msg,
				}
			}
		}

		batchErr := s.runBatch(ctx, g, ready, sem, exec)
		if batchErr != nil {
			return batchErr
		}
		for _, id := range ready {
			executed[id] = true
		}

		// Admit successors whose tracked in-degree has drained. Resetting
		// an admitted node to its baseline is what re-arms cycle edges.
		var next []int64
		admitted := make(map[int64]bool)
		for _, id := range ready {
			for _, succ := range g.Out[id] {
				indeg[succ]--
				if indeg[succ] <= 0 && !admitted[succ] {
					admitted[succ] = true
					indeg[succ] = base[succ]
					next = append(next, succ)
				}
			}
		}
		ready = next

		// A cycle the start node feeds (rather than sits inside) stalls
		// here: its members keep a positive tracked in-degree because the
		// back edge never drained. Seed it like a pure cycle so every
		// reachable node gets its turn.
		if len(ready) == 0 {
			if id, ok := stalledSeed(g, executed); ok {
				log.Printf("🔁 [SCHEDULER] Ready set drained with node %d unexecuted, seeding stalled cycle", id)
				indeg[id] = base[id]
				ready = append(ready, id)
			}
		}
	}

	return nil
}

// stalledSeed picks the entry point of a stalled downstream cycle: the
// unexecuted node with the fewest unexecuted upstream edges. Returns false
// once every node has run at least once.
func stalledSeed(g *Graph, executed map[int64]bool) (int64, bool) {
	var seedID int64
	best := -1
	for _, n := range g.Nodes {
		if executed[n.ID] {
			continue
		}
		pending := 0
		for _, up := range g.In[n.ID] {
			if !executed[up] {
				pending++
			}
		}
		if best == -1 || pending < best {
			best = pending
			seedID = n.ID
		}
	}
	return seedID, best != -1
}

// runBatch executes one ready batch concurrently and joins it. The first
// node error wins; remaining nodes in the batch still run to completion so
// their states are terminal.
func (s *Scheduler) runBatch(ctx context.Context, g *Graph, batch []int64, sem chan struct{}, exec execFunc) error {
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for _, id := range batch {
		node := g.Set[id]
		wg.Add(1)
		go func(node *models.Node) {
			defer wg.Done()
			defer s.recoverNode(node, &mu, &firstErr)
			sem <- struct{}{}
			defer func() { <-sem }()

			if err := exec(ctx, node); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(node)
	}
	wg.Wait()

	return firstErr
}

// recoverNode catches panics in node goroutines so one crashing node cannot
// take down the server. The node is failed and the panic surfaces as a run
// error.
func (s *Scheduler) recoverNode(node *models.Node, mu *sync.Mutex, firstErr *error) {
	r := recover()
	if r == nil {
		return
	}
	stack := string(debug.Stack())
	log.Printf("🔥 [SCHEDULER] PANIC in node '%s' (%d): %v\n%s", node.Title, node.ID, r, stack)

	msg := fmt.Sprintf("internal panic: %v", r)
	s.states.SetError(node.ID, msg, 0)

	mu.Lock()
	if *firstErr == nil {
		*firstErr = &ExecutionError{
			Category:  ErrorScript,
			NodeID:    node.ID,
			NodeTitle: node.Title,
			Message:   msg,
		}
	}
	mu.Unlock()
}
