package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/dop251/goja"

	"quirk/internal/files"
	"quirk/internal/markdown"
	"quirk/internal/metrics"
	"quirk/internal/models"
)

// ScriptRuntime executes node script bodies on an embedded JS engine. Each
// body is wrapped as an async function receiving the `quirk` host object (and
// its `q` alias); host calls block synchronously, so promises produced by
// user code settle before the engine returns control.
type ScriptRuntime struct {
	board    Board
	states   *StateStore
	resolver *Resolver
	llm      LLMClient
	sink     FileSink
	notifier Notifier
}

func NewScriptRuntime(board Board, states *StateStore, resolver *Resolver, llmClient LLMClient, sink FileSink, notifier Notifier) *ScriptRuntime {
	return &ScriptRuntime{
		board:    board,
		states:   states,
		resolver: resolver,
		llm:      llmClient,
		sink:     sink,
		notifier: notifier,
	}
}

// scriptBodies extracts the executable source from a node. Script nodes use
// their whole content (surrounding fence stripped if present); markdown nodes
// contribute every fenced block tagged `script`.
func scriptBodies(node *models.Node) []string {
	if KindOf(node) == models.KindScript {
		if _, body, ok := markdown.ExtractFence(node.Content); ok {
			return []string{body}
		}
		return []string{node.Content}
	}
	return markdown.ExtractFencedBlocks(node.Content, "script")
}

// HasScript reports whether a markdown node carries executable script fences.
func HasScript(node *models.Node) bool {
	return len(markdown.ExtractFencedBlocks(node.Content, "script")) > 0
}

// scriptRun accumulates state shared by all code blocks of one node run.
type scriptRun struct {
	vm         *goja.Runtime
	node       *models.Node
	lastOutput goja.Value
	outputSet  bool
	pending    []*goja.Promise
	console    strings.Builder
}

// Run executes the node's code blocks sequentially and returns the node's
// result: the most recent explicit output if one was set, otherwise the last
// block's return value.
func (sr *ScriptRuntime) Run(ctx context.Context, node *models.Node) (any, error) {
	bodies := scriptBodies(node)
	if len(bodies) == 0 {
		return nil, nil
	}

	vm := goja.New()
	run := &scriptRun{vm: vm, node: node}

	// Cooperative cancellation: an interrupt lands at the next JS
	// instruction boundary; blocking host calls observe ctx themselves.
	watcherDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(ctx.Err())
		case <-watcherDone:
		}
	}()
	defer close(watcherDone)

	host := sr.buildHost(ctx, run)
	sr.installConsole(run)

	var lastReturn goja.Value
	for _, body := range bodies {
		resolved := sr.resolver.Resolve(node.ID, body, true)

		fnVal, err := vm.RunString("(async function(quirk, q){\n" + resolved + "\n})")
		if err != nil {
			return nil, scriptError(err)
		}
		fn, ok := goja.AssertFunction(fnVal)
		if !ok {
			return nil, fmt.Errorf("script body did not compile to a function")
		}

		ret, err := fn(goja.Undefined(), host, host)
		if err != nil {
			return nil, scriptError(err)
		}

		// The async wrapper returns a promise; with synchronous host calls
		// it is settled once the job queue drains.
		p, ok := ret.Export().(*goja.Promise)
		if !ok {
			lastReturn = ret
			continue
		}
		switch p.State() {
		case goja.PromiseStateRejected:
			return nil, fmt.Errorf("%s", promiseErrorMessage(p.Result()))
		case goja.PromiseStatePending:
			return nil, fmt.Errorf("script did not settle (a promise never resolved)")
		default:
			lastReturn = p.Result()
		}
	}

	if run.console.Len() > 0 {
		sr.board.UpdateNode(node.ID, func(n *models.Node) {
			n.ConsoleOutput = run.console.String()
		})
	}

	// Outputs passed as promises are part of the pending collection and
	// must have settled before success is reported.
	for _, p := range run.pending {
		switch p.State() {
		case goja.PromiseStateRejected:
			return nil, fmt.Errorf("%s", promiseErrorMessage(p.Result()))
		case goja.PromiseStatePending:
			return nil, fmt.Errorf("script output promise never resolved")
		}
	}

	if run.outputSet {
		return exportValue(run.lastOutput), nil
	}
	return exportValue(lastReturn), nil
}

// buildHost constructs the quirk object exposed to user scripts.
func (sr *ScriptRuntime) buildHost(ctx context.Context, run *scriptRun) *goja.Object {
	vm := run.vm
	node := run.node
	host := vm.NewObject()

	host.Set("inputs", func() []any {
		ups := UpstreamNodes(sr.board, node.ID)
		values := make([]any, 0, len(ups))
		for _, up := range ups {
			if result, ok := sr.states.Result(up.ID); ok {
				values = append(values, result)
			} else {
				values = append(values, up.Content)
			}
		}
		return values
	})

	host.Set("output", func(v goja.Value) goja.Value {
		run.lastOutput = v
		run.outputSet = true
		if p, ok := v.Export().(*goja.Promise); ok {
			run.pending = append(run.pending, p)
		}
		return v
	})

	host.Set("llm", func(prompt string, cfg map[string]any) (string, error) {
		override := overrideFromMap(cfg)
		return sr.llm.Complete(ctx, prompt, override)
	})

	host.Set("nodes", func() []models.NodeSnapshot {
		all := sr.board.Nodes()
		snaps := make([]models.NodeSnapshot, 0, len(all))
		for _, n := range all {
			snaps = append(snaps, n.Snapshot())
		}
		return snaps
	})

	host.Set("getNode", func(id int64) any {
		n := sr.board.GetNodeByID(id)
		if n == nil {
			return nil
		}
		return n.Snapshot()
	})

	host.Set("save", func(call goja.FunctionCall) goja.Value {
		file, err := sr.hostSave(run, call)
		if err != nil {
			panic(vm.ToValue(err.Error()))
		}
		return vm.ToValue(file.URL)
	})

	return host
}

// hostSave implements quirk.save(data, filename?, ext?).
func (sr *ScriptRuntime) hostSave(run *scriptRun, call goja.FunctionCall) (models.SavedFile, error) {
	if len(call.Arguments) == 0 {
		return models.SavedFile{}, fmt.Errorf("save: missing data argument")
	}

	data := call.Arguments[0]
	// Settled promises are unwrapped; a still-pending value cannot be
	// awaited from inside a synchronous host call.
	if p, ok := data.Export().(*goja.Promise); ok {
		switch p.State() {
		case goja.PromiseStateFulfilled:
			data = p.Result()
		case goja.PromiseStateRejected:
			return models.SavedFile{}, fmt.Errorf("save: %s", promiseErrorMessage(p.Result()))
		default:
			return models.SavedFile{}, fmt.Errorf("save: value is a pending promise")
		}
	}

	content := serializeForSave(exportValue(data))

	ext := ""
	if len(call.Arguments) >= 3 {
		ext = strings.TrimPrefix(strings.TrimSpace(call.Arguments[2].String()), ".")
	}
	if lang, body, ok := markdown.ExtractFence(content); ok {
		content = body
		if ext == "" {
			ext = files.ExtensionFor(lang)
		}
	}
	if ext == "" {
		ext = "txt"
	}

	base := ""
	if len(call.Arguments) >= 2 && !goja.IsUndefined(call.Arguments[1]) && !goja.IsNull(call.Arguments[1]) {
		base = call.Arguments[1].String()
	}
	if base == "" {
		base = run.node.Title
	}
	base = strings.TrimSuffix(files.SanitizeFilename(base), "."+ext)

	file, err := sr.sink.Save(base+"."+ext, []byte(content))
	if err != nil {
		return models.SavedFile{}, err
	}
	metrics.FilesSaved.Inc()
	sr.notifier.FileReady(models.FileReady{Type: "file_ready", File: file})
	return file, nil
}

// installConsole replaces console.log with a capturing variant that mirrors
// output to the server log and the node's console buffer.
func (sr *ScriptRuntime) installConsole(run *scriptRun) {
	vm := run.vm
	console := vm.NewObject()
	logFn := func(call goja.FunctionCall) goja.Value {
		parts := make([]string, 0, len(call.Arguments))
		for _, arg := range call.Arguments {
			parts = append(parts, consoleFormat(arg))
		}
		line := strings.Join(parts, " ")
		log.Printf("📜 [SCRIPT] %s: %s", run.node.Title, line)
		run.console.WriteString(line)
		run.console.WriteString("\n")
		return goja.Undefined()
	}
	console.Set("log", logFn)
	console.Set("error", logFn)
	console.Set("warn", logFn)
	vm.Set("console", console)
}

func consoleFormat(v goja.Value) string {
	exported := v.Export()
	switch exported.(type) {
	case map[string]any, []any:
		if b, err := json.Marshal(exported); err == nil {
			return string(b)
		}
	}
	return v.String()
}

// overrideFromMap converts a per-call config object into transport overrides.
func overrideFromMap(cfg map[string]any) *models.LLMCallConfig {
	if len(cfg) == 0 {
		return nil
	}
	override := &models.LLMCallConfig{}
	if v, ok := cfg["endpoint"].(string); ok {
		override.Endpoint = v
	}
	if v, ok := cfg["provider"].(string); ok {
		override.Provider = v
	}
	if v, ok := cfg["model"].(string); ok {
		override.Model = v
	}
	if v, ok := cfg["apiKey"].(string); ok {
		override.APIKey = v
	}
	return override
}

// serializeForSave turns non-string data into pretty JSON.
func serializeForSave(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

// exportValue converts a goja value to plain Go, unwrapping settled promises.
func exportValue(v goja.Value) any {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	exported := v.Export()
	if p, ok := exported.(*goja.Promise); ok {
		if p.State() == goja.PromiseStateFulfilled {
			return exportValue(p.Result())
		}
		return nil
	}
	return exported
}

// promiseErrorMessage extracts a readable message from a rejection value.
func promiseErrorMessage(v goja.Value) string {
	if v == nil {
		return "script error"
	}
	if obj, ok := v.(*goja.Object); ok {
		if stack := obj.Get("stack"); stack != nil && !goja.IsUndefined(stack) {
			return stack.String()
		}
	}
	return v.String()
}

// scriptError normalizes engine errors, preserving the JS stack when one is
// available. Interrupts surface as cancellation so the taxonomy treats them
// as user aborts.
func scriptError(err error) error {
	var exc *goja.Exception
	if errors.As(err, &exc) {
		return fmt.Errorf("%s", exc.String())
	}
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return context.Canceled
	}
	return err
}
