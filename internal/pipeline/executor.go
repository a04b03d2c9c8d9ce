package pipeline

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"quirk/internal/files"
	"quirk/internal/markdown"
	"quirk/internal/metrics"
	"quirk/internal/models"
)

const autoRecoveredMessage = "Execution did not complete (auto-recovered)"

// Executor dispatches a node to its kind-specific flow. It owns the
// status lifecycle around execution: running on entry, a guaranteed terminal
// status on exit.
type Executor struct {
	board    Board
	states   *StateStore
	resolver *Resolver
	results  *ResultChannel
	notifier Notifier
	llm      LLMClient
	image    ImageClient
	sink     FileSink
	scripts  *ScriptRuntime
}

func NewExecutor(board Board, states *StateStore, results *ResultChannel, notifier Notifier, llmClient LLMClient, imageClient ImageClient, sink FileSink) *Executor {
	e := &Executor{
		board:    board,
		states:   states,
		resolver: NewResolver(board, states),
		results:  results,
		notifier: notifier,
		llm:      llmClient,
		image:    imageClient,
		sink:     sink,
	}
	e.scripts = NewScriptRuntime(board, states, e.resolver, llmClient, sink, notifier)
	return e
}

// Execute runs one node to a terminal state. The deferred recovery forces an
// error status if a flow returns without transitioning, so "running" can
// never leak past executor return.
func (e *Executor) Execute(ctx context.Context, node *models.Node) (err error) {
	kind := KindOf(node)
	iteration := e.states.IncrementIteration(node.ID)
	e.states.SetRunning(node.ID)
	e.results.Badge(node)

	start := time.Now()
	log.Printf("▶️ [EXECUTOR] Executing node '%s' (%d, kind=%s, iteration=%d)", node.Title, node.ID, kind, iteration)

	defer func() {
		elapsed := time.Since(start)
		if state, _ := e.states.Get(node.ID); state.Status == models.StatusRunning {
			e.states.SetError(node.ID, autoRecoveredMessage, elapsed)
			if err == nil {
				err = &ExecutionError{
					Category:  ErrorRecovered,
					NodeID:    node.ID,
					NodeTitle: node.Title,
					Message:   autoRecoveredMessage,
				}
			}
		}
		state, _ := e.states.Get(node.ID)
		e.results.Badge(node)
		metrics.NodeExecutions.WithLabelValues(string(kind), string(state.Status)).Inc()
		metrics.NodeDuration.WithLabelValues(string(kind)).Observe(elapsed.Seconds())
	}()

	switch kind {
	case models.KindInstruction:
		err = e.runInstruction(ctx, node, start)
	case models.KindScript:
		err = e.runScript(ctx, node, start)
	case models.KindImage:
		err = e.runImage(ctx, node, start)
	case models.KindSystem:
		err = e.runSave(node, start)
	default:
		// Markdown nodes carrying script fences execute as scripts; plain
		// markdown passes its input through.
		if HasScript(node) {
			err = e.runScript(ctx, node, start)
		} else {
			err = e.runPassThrough(node, start)
		}
	}
	return err
}

// upstreamValues collects the direct upstream nodes' last results, falling
// back to their raw content when a node has never produced one. Connection
// order is preserved.
func (e *Executor) upstreamValues(node *models.Node) []any {
	ups := UpstreamNodes(e.board, node.ID)
	values := make([]any, 0, len(ups))
	for _, up := range ups {
		if result, ok := e.states.Result(up.ID); ok {
			values = append(values, result)
		} else {
			values = append(values, up.Content)
		}
	}
	return values
}

// runPassThrough propagates the first upstream input verbatim. A source node
// with no upstream emits its own content so chains have a head value.
func (e *Executor) runPassThrough(node *models.Node, start time.Time) error {
	inputs := e.upstreamValues(node)

	var result any
	switch {
	case len(inputs) > 0:
		result = inputs[0]
	case strings.TrimSpace(node.Content) != "":
		result = node.Content
	}

	e.states.SetSuccess(node.ID, result, time.Since(start))
	if result != nil {
		e.results.Set(node, result, ResultOptions{})
	}
	return nil
}

// runInstruction resolves the prompt template, strips board-local link
// syntax, appends upstream inputs, and streams the LLM response to the
// result side.
func (e *Executor) runInstruction(ctx context.Context, node *models.Node, start time.Time) error {
	prompt := e.resolver.Resolve(node.ID, node.Content, false)
	prompt = markdown.StripLinks(prompt)

	if inputs := e.upstreamValues(node); len(inputs) > 0 {
		var b strings.Builder
		b.WriteString(prompt)
		b.WriteString("\n\n## Input Data\n")
		for _, in := range inputs {
			b.WriteString("\n")
			b.WriteString(markdown.StripLinks(formatValue(in)))
		}
		prompt = b.String()
	}

	final, err := e.llm.Stream(ctx, prompt, nil, func(partial string) {
		metrics.LLMChunks.Inc()
		e.states.SetResult(node.ID, partial)
		e.results.Set(node, partial, ResultOptions{Streaming: true, SkipBadge: true})
	})
	if err != nil {
		execErr := nodeError(ErrorLLM, node.ID, node.Title, err)
		e.states.SetError(node.ID, execErr.Message, time.Since(start))
		return execErr
	}

	e.states.SetSuccess(node.ID, final, time.Since(start))
	e.results.Set(node, final, ResultOptions{})
	return nil
}

// runScript executes the node's script body through the embedded runtime.
func (e *Executor) runScript(ctx context.Context, node *models.Node, start time.Time) error {
	result, err := e.scripts.Run(ctx, node)
	if err != nil {
		execErr := nodeError(ErrorScript, node.ID, node.Title, err)
		e.states.SetError(node.ID, execErr.Message, time.Since(start))
		return execErr
	}

	e.states.SetSuccess(node.ID, result, time.Since(start))
	if result != nil {
		e.results.Set(node, result, ResultOptions{})
	}
	return nil
}

// runImage generates an image from the node content (or first upstream input
// when the content is empty) and embeds it on the result side.
func (e *Executor) runImage(ctx context.Context, node *models.Node, start time.Time) error {
	inputs := e.upstreamValues(node)

	prompt := strings.TrimSpace(node.Content)
	if prompt == "" && len(inputs) > 0 {
		prompt = formatValue(inputs[0])
	}
	if len(inputs) > 0 && strings.TrimSpace(node.Content) != "" {
		var b strings.Builder
		b.WriteString(prompt)
		b.WriteString("\n\nContext:\n")
		for _, in := range inputs {
			b.WriteString(formatValue(in))
			b.WriteString("\n")
		}
		prompt = b.String()
	}

	url, err := e.image.Generate(ctx, prompt)
	if err != nil {
		execErr := nodeError(ErrorImage, node.ID, node.Title, err)
		e.states.SetError(node.ID, execErr.Message, time.Since(start))
		return execErr
	}

	e.states.SetSuccess(node.ID, url, time.Since(start))
	e.results.Set(node, fmt.Sprintf("![Generated image](%s)", url), ResultOptions{})
	return nil
}

// runSave writes the last upstream output to the downloads directory. A
// fenced block is unwrapped and saved with its language's extension; anything
// else is treated as markdown. Missing upstream output is informational, not
// an error.
func (e *Executor) runSave(node *models.Node, start time.Time) error {
	ups := UpstreamNodes(e.board, node.ID)

	var value string
	var sourceTitle string
	for i := len(ups) - 1; i >= 0; i-- {
		if result, ok := e.states.Result(ups[i].ID); ok {
			value = formatValue(result)
			sourceTitle = ups[i].Title
			break
		}
	}
	if value == "" && len(ups) > 0 {
		last := ups[len(ups)-1]
		sourceTitle = last.Title
		if last.ResultContent != "" {
			value = last.ResultContent
		} else {
			value = last.Content
		}
	}

	if strings.TrimSpace(value) == "" {
		const msg = "No upstream output to save"
		e.states.SetSuccess(node.ID, msg, time.Since(start))
		e.results.Set(node, msg, ResultOptions{})
		return nil
	}

	lang, body, fenced := markdown.ExtractFence(value)
	ext := "md"
	if fenced {
		ext = files.ExtensionFor(lang)
	} else {
		body = value
	}
	if !strings.HasSuffix(body, "\n") {
		body += "\n"
	}

	filename := files.SanitizeFilename(sourceTitle) + "." + ext
	file, err := e.sink.Save(filename, []byte(body))
	if err != nil {
		execErr := nodeError(ErrorUnknown, node.ID, node.Title, err)
		e.states.SetError(node.ID, execErr.Message, time.Since(start))
		return execErr
	}
	metrics.FilesSaved.Inc()
	e.notifier.FileReady(models.FileReady{Type: "file_ready", File: file})

	summary := fmt.Sprintf("Saved markdown to %s", file.Filename)
	if fenced && lang != "" {
		summary = fmt.Sprintf("Saved fenced %s block to %s", lang, file.Filename)
	}

	e.states.SetSuccess(node.ID, value, time.Since(start))
	e.results.Set(node, summary, ResultOptions{})
	return nil
}
