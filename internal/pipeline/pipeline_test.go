package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"quirk/internal/board"
	"quirk/internal/config"
	"quirk/internal/database"
	"quirk/internal/models"
)

// testBoard is an in-memory Board for pipeline tests.
type testBoard struct {
	mu        sync.Mutex
	nodes     []*models.Node
	conns     []models.Connection
	saveCount int
}

func (b *testBoard) GetNodeByID(id int64) *models.Node {
	for _, n := range b.nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

func (b *testBoard) Nodes() []*models.Node            { return b.nodes }
func (b *testBoard) Connections() []models.Connection { return b.conns }

func (b *testBoard) UpdateNode(id int64, fn func(*models.Node)) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, n := range b.nodes {
		if n.ID == id {
			fn(n)
			return true
		}
	}
	return false
}

func (b *testBoard) AutoSave() {
	b.mu.Lock()
	b.saveCount++
	b.mu.Unlock()
}

func (b *testBoard) connect(from, to int64) {
	b.conns = append(b.conns, models.Connection{
		Start: models.ConnectionEnd{NodeID: from},
		End:   models.ConnectionEnd{NodeID: to},
	})
}

// testNotifier records everything the pipeline pushes to the UI.
type testNotifier struct {
	mu      sync.Mutex
	updates []models.NodeUpdate
	notes   []models.Notification
	files   []models.FileReady
}

func (n *testNotifier) NodeUpdate(u models.NodeUpdate) {
	n.mu.Lock()
	n.updates = append(n.updates, u)
	n.mu.Unlock()
}

func (n *testNotifier) Notify(note models.Notification) {
	n.mu.Lock()
	n.notes = append(n.notes, note)
	n.mu.Unlock()
}

func (n *testNotifier) FileReady(f models.FileReady) {
	n.mu.Lock()
	n.files = append(n.files, f)
	n.mu.Unlock()
}

func (n *testNotifier) streamingUpdates(nodeID int64) []models.NodeUpdate {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []models.NodeUpdate
	for _, u := range n.updates {
		if u.NodeID == nodeID && u.Streaming {
			out = append(out, u)
		}
	}
	return out
}

// testLLM is a scriptable chat transport.
type testLLM struct {
	mu       sync.Mutex
	prompts  []string
	chunks   []string
	response string
	err      error
	// blockUntilCancel simulates a long stream: one chunk, then wait for
	// context cancellation.
	blockUntilCancel bool
	streaming        chan struct{} // closed after the first chunk when blocking
}

func (l *testLLM) Stream(ctx context.Context, prompt string, _ *models.LLMCallConfig, onChunk func(string)) (string, error) {
	l.mu.Lock()
	l.prompts = append(l.prompts, prompt)
	l.mu.Unlock()

	if l.err != nil {
		return "", l.err
	}
	if l.blockUntilCancel {
		if onChunk != nil {
			onChunk("partial")
		}
		if l.streaming != nil {
			close(l.streaming)
		}
		<-ctx.Done()
		return "partial", ctx.Err()
	}

	var acc strings.Builder
	for _, c := range l.chunks {
		acc.WriteString(c)
		if onChunk != nil {
			onChunk(acc.String())
		}
	}
	if l.response != "" {
		return l.response, nil
	}
	return acc.String(), nil
}

func (l *testLLM) Complete(ctx context.Context, prompt string, override *models.LLMCallConfig) (string, error) {
	return l.Stream(ctx, prompt, override, nil)
}

func (l *testLLM) lastPrompt() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.prompts) == 0 {
		return ""
	}
	return l.prompts[len(l.prompts)-1]
}

type testImage struct {
	url string
	err error
}

func (i *testImage) Generate(context.Context, string) (string, error) {
	return i.url, i.err
}

type savedFile struct {
	filename string
	content  string
}

type testSink struct {
	mu    sync.Mutex
	saved []savedFile
}

func (s *testSink) Save(filename string, content []byte) (models.SavedFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, savedFile{filename: filename, content: string(content)})
	return models.SavedFile{
		ID:       fmt.Sprintf("file-%d", len(s.saved)),
		Filename: filename,
		Size:     int64(len(content)),
		URL:      "/downloads/file/" + filename,
	}, nil
}

type testEnv struct {
	board    *testBoard
	notifier *testNotifier
	llm      *testLLM
	image    *testImage
	sink     *testSink
	pipeline *Pipeline
}

func newTestEnv(board *testBoard, maxIterations int, confirm ConfirmFunc) *testEnv {
	env := &testEnv{
		board:    board,
		notifier: &testNotifier{},
		llm:      &testLLM{},
		image:    &testImage{url: "https://img.example/out.png"},
		sink:     &testSink{},
	}
	settings := func() config.Settings {
		return config.Settings{MaxIterations: maxIterations}
	}
	env.pipeline = New(board, env.notifier, env.llm, env.image, env.sink, settings, confirm)
	return env
}

func node(id int64, title string, kind models.NodeKind, content string) *models.Node {
	return &models.Node{ID: id, Title: title, Kind: kind, Content: content}
}

func mustState(t *testing.T, p *Pipeline, id int64) models.ExecutionState {
	t.Helper()
	st, ok := p.States().Get(id)
	if !ok {
		t.Fatalf("no execution state for node %d", id)
	}
	return st
}

func TestPassThroughChain(t *testing.T) {
	// A(markdown "hello") -> B(markdown, empty): B propagates A's result.
	board := &testBoard{nodes: []*models.Node{
		node(1, "A", models.KindMarkdown, "hello"),
		node(2, "B", models.KindMarkdown, ""),
	}}
	board.connect(1, 2)

	env := newTestEnv(board, 10, nil)
	if err := env.pipeline.ExecuteFromNode(context.Background(), 1); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if got := mustState(t, env.pipeline, 1).Result; got != "hello" {
		t.Errorf("A result = %v, want hello", got)
	}
	if got := mustState(t, env.pipeline, 2).Result; got != "hello" {
		t.Errorf("B result = %v, want hello", got)
	}
}

func TestScriptChain(t *testing.T) {
	// A outputs 41, B adds one to its first input.
	board := &testBoard{nodes: []*models.Node{
		node(1, "A", models.KindScript, "quirk.output(41)"),
		node(2, "B", models.KindScript, "quirk.output(quirk.inputs()[0] + 1)"),
	}}
	board.connect(1, 2)

	env := newTestEnv(board, 10, nil)
	if err := env.pipeline.ExecuteFromNode(context.Background(), 1); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if got := mustState(t, env.pipeline, 1).Result; got != int64(41) {
		t.Errorf("A result = %v (%T), want 41", got, got)
	}
	if got := mustState(t, env.pipeline, 2).Result; got != int64(42) {
		t.Errorf("B result = %v (%T), want 42", got, got)
	}
}

func TestInstructionTemplateSubstitution(t *testing.T) {
	board := &testBoard{nodes: []*models.Node{
		node(1, "Greeting", models.KindMarkdown, "Hi"),
		node(2, "B", models.KindInstruction, "Say {{Greeting}} back"),
	}}
	board.connect(1, 2)

	env := newTestEnv(board, 10, nil)
	env.llm.chunks = []string{"ok"}
	if err := env.pipeline.ExecuteFromNode(context.Background(), 1); err != nil {
		t.Fatalf("execute: %v", err)
	}

	prompt := env.llm.lastPrompt()
	if !strings.Contains(prompt, "Say Hi back") {
		t.Errorf("prompt missing substitution: %q", prompt)
	}
	if strings.Contains(prompt, "{{") {
		t.Errorf("prompt contains unexpanded reference: %q", prompt)
	}
}

func TestCycleIterationCap(t *testing.T) {
	// A -> B -> A with maxIterations=3: both run three times, then the run
	// fails with an iteration-limit error.
	board := &testBoard{nodes: []*models.Node{
		node(1, "A", models.KindMarkdown, "seed"),
		node(2, "B", models.KindMarkdown, ""),
	}}
	board.connect(1, 2)
	board.connect(2, 1)

	confirmed := false
	confirm := func(titles []string) bool {
		confirmed = true
		if len(titles) != 2 {
			t.Errorf("cycling titles = %v, want both nodes", titles)
		}
		return true
	}

	env := newTestEnv(board, 3, confirm)
	err := env.pipeline.ExecuteFromNode(context.Background(), 1)
	if !confirmed {
		t.Fatal("cycle confirmation was never requested")
	}
	if err == nil {
		t.Fatal("expected iteration-limit error")
	}
	var execErr *ExecutionError
	if !errors.As(err, &execErr) || execErr.Category != ErrorIteration {
		t.Fatalf("error = %v, want iteration-limit", err)
	}

	for _, id := range []int64{1, 2} {
		if count := env.pipeline.States().IterationCount(id); count > 3 {
			t.Errorf("node %d iteration count = %d, exceeds cap", id, count)
		}
	}
	if count := env.pipeline.States().IterationCount(1); count != 3 {
		t.Errorf("A iteration count = %d, want 3", count)
	}
}

func TestCycleDeclinedAbortsWithoutStateChange(t *testing.T) {
	board := &testBoard{nodes: []*models.Node{
		node(1, "A", models.KindMarkdown, "seed"),
		node(2, "B", models.KindMarkdown, ""),
	}}
	board.connect(1, 2)
	board.connect(2, 1)

	env := newTestEnv(board, 3, func([]string) bool { return false })
	if err := env.pipeline.ExecuteFromNode(context.Background(), 1); err != nil {
		t.Fatalf("declined run should not error: %v", err)
	}
	if _, ok := env.pipeline.States().Get(1); ok {
		t.Error("declined run mutated execution state")
	}
}

func TestSaveFencedBlock(t *testing.T) {
	upstream := node(1, "My Snippet", models.KindMarkdown, "")
	upstream.ResultContent = "```python\nprint(1)\n```"
	saver := node(2, "S", models.KindSystem, "")

	board := &testBoard{nodes: []*models.Node{upstream, saver}}
	board.connect(1, 2)

	env := newTestEnv(board, 10, nil)
	if err := env.pipeline.ExecuteFromNode(context.Background(), 2); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if len(env.sink.saved) != 1 {
		t.Fatalf("saved %d files, want 1", len(env.sink.saved))
	}
	file := env.sink.saved[0]
	if file.filename != "My_Snippet.py" {
		t.Errorf("filename = %q, want My_Snippet.py", file.filename)
	}
	if file.content != "print(1)\n" {
		t.Errorf("content = %q, want inner fence body", file.content)
	}
	if !strings.HasPrefix(saver.ResultContent, "Saved fenced python block to ") {
		t.Errorf("result content = %q", saver.ResultContent)
	}
	if len(env.notifier.files) != 1 {
		t.Errorf("file_ready events = %d, want 1", len(env.notifier.files))
	}
}

func TestSaveWithoutUpstreamIsInformational(t *testing.T) {
	board := &testBoard{nodes: []*models.Node{
		node(1, "S", models.KindSystem, ""),
	}}

	env := newTestEnv(board, 10, nil)
	if err := env.pipeline.ExecuteFromNode(context.Background(), 1); err != nil {
		t.Fatalf("execute: %v", err)
	}

	st := mustState(t, env.pipeline, 1)
	if st.Status != models.StatusSuccess {
		t.Errorf("status = %s, want success", st.Status)
	}
	if len(env.sink.saved) != 0 {
		t.Errorf("saved %d files, want none", len(env.sink.saved))
	}
	if st.Result != "No upstream output to save" {
		t.Errorf("result = %v", st.Result)
	}
}

func TestStopMidStream(t *testing.T) {
	board := &testBoard{nodes: []*models.Node{
		node(1, "A", models.KindInstruction, "Write a story"),
	}}

	env := newTestEnv(board, 10, nil)
	env.llm.blockUntilCancel = true
	env.llm.streaming = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		done <- env.pipeline.ExecuteFromNode(context.Background(), 1)
	}()

	select {
	case <-env.llm.streaming:
	case <-time.After(5 * time.Second):
		t.Fatal("stream never started")
	}
	env.pipeline.StopExecution()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not return after stop")
	}

	st := mustState(t, env.pipeline, 1)
	if st.Status != models.StatusError {
		t.Errorf("status = %s, want error", st.Status)
	}
	if st.Error != "Execution stopped by user" {
		t.Errorf("error = %q", st.Error)
	}
	if env.board.GetNodeByID(1).ResultContent != "partial" {
		t.Errorf("streamed partial was rolled back: %q", env.board.GetNodeByID(1).ResultContent)
	}
	if env.pipeline.IsExecuting() {
		t.Error("isExecuting still true after stop")
	}
}

func TestReentryFailsFast(t *testing.T) {
	board := &testBoard{nodes: []*models.Node{
		node(1, "A", models.KindInstruction, "go"),
	}}

	env := newTestEnv(board, 10, nil)
	env.llm.blockUntilCancel = true
	env.llm.streaming = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		done <- env.pipeline.ExecuteFromNode(context.Background(), 1)
	}()
	select {
	case <-env.llm.streaming:
	case <-time.After(5 * time.Second):
		t.Fatal("stream never started")
	}

	if err := env.pipeline.ExecuteFromNode(context.Background(), 1); err == nil {
		t.Error("second concurrent run should fail fast")
	}

	env.pipeline.StopExecution()
	<-done
}

func TestMissingStartNodeIsNoop(t *testing.T) {
	env := newTestEnv(&testBoard{}, 10, nil)
	if err := env.pipeline.ExecuteFromNode(context.Background(), 99); err != nil {
		t.Fatalf("missing start node should be a silent no-op, got %v", err)
	}
}

func TestSingleIsolatedNode(t *testing.T) {
	board := &testBoard{nodes: []*models.Node{
		node(1, "Solo", models.KindMarkdown, "alone"),
	}}
	env := newTestEnv(board, 10, nil)
	if err := env.pipeline.ExecuteFromNode(context.Background(), 1); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got := mustState(t, env.pipeline, 1).Result; got != "alone" {
		t.Errorf("result = %v", got)
	}
}

func TestScriptErrorFailsRun(t *testing.T) {
	board := &testBoard{nodes: []*models.Node{
		node(1, "Boom", models.KindScript, `throw new Error("kaboom")`),
	}}
	env := newTestEnv(board, 10, nil)

	err := env.pipeline.ExecuteFromNode(context.Background(), 1)
	if err == nil {
		t.Fatal("expected script error")
	}
	st := mustState(t, env.pipeline, 1)
	if st.Status != models.StatusError {
		t.Errorf("status = %s, want error", st.Status)
	}
	if !strings.Contains(st.Error, "kaboom") {
		t.Errorf("error = %q, want the script message", st.Error)
	}
}

func TestClearExecutionStates(t *testing.T) {
	board := &testBoard{nodes: []*models.Node{
		node(1, "A", models.KindMarkdown, "hello"),
	}}
	env := newTestEnv(board, 10, nil)
	if err := env.pipeline.ExecuteFromNode(context.Background(), 1); err != nil {
		t.Fatalf("execute: %v", err)
	}

	env.pipeline.ClearExecutionStates()

	if _, ok := env.pipeline.States().Get(1); ok {
		t.Error("state survived clear")
	}
	n := board.GetNodeByID(1)
	if n.ResultContent != "" || n.ResultHTML != "" || n.ShowingResult {
		t.Error("result side survived clear")
	}
}

func TestStreamingFlipsSideOnce(t *testing.T) {
	board := &testBoard{nodes: []*models.Node{
		node(1, "A", models.KindInstruction, "go"),
	}}
	env := newTestEnv(board, 10, nil)
	env.llm.chunks = []string{"one", "two", "three"}

	if err := env.pipeline.ExecuteFromNode(context.Background(), 1); err != nil {
		t.Fatalf("execute: %v", err)
	}

	updates := env.notifier.streamingUpdates(1)
	if len(updates) != 3 {
		t.Fatalf("streaming updates = %d, want 3", len(updates))
	}
	for i, u := range updates {
		if !u.ShowingResult {
			t.Errorf("update %d should report the result side", i)
		}
		if u.Badge != "" {
			t.Errorf("streaming update %d carries a badge", i)
		}
	}
}

func TestDownstreamCycleRunsAfterConfirm(t *testing.T) {
	// A -> B -> C -> B: the confirmed cycle does not contain the start
	// node. The run still reaches both cycle members.
	b := &testBoard{nodes: []*models.Node{
		node(1, "A", models.KindMarkdown, "seed"),
		node(2, "B", models.KindMarkdown, ""),
		node(3, "C", models.KindMarkdown, ""),
	}}
	b.connect(1, 2)
	b.connect(2, 3)
	b.connect(3, 2)

	confirmed := false
	env := newTestEnv(b, 10, func([]string) bool {
		confirmed = true
		return true
	})
	if err := env.pipeline.ExecuteFromNode(context.Background(), 1); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !confirmed {
		t.Fatal("cycle confirmation was never requested")
	}

	for _, id := range []int64{2, 3} {
		if st := mustState(t, env.pipeline, id); st.IterationCount == 0 {
			t.Errorf("node %d never executed", id)
		}
	}
	if got := mustState(t, env.pipeline, 2).Result; got != "seed" {
		t.Errorf("B result = %v, want seed", got)
	}
}

func TestStreamTailTrimsAtRuneBoundary(t *testing.T) {
	n := node(1, "Streamer", models.KindInstruction, "")
	b := &testBoard{nodes: []*models.Node{n}}
	notifier := &testNotifier{}
	rc := NewResultChannel(b, NewStateStore(), notifier)

	// The byte cut lands inside the two-byte rune; the tail must back up
	// to its start instead of emitting a bare continuation byte.
	raw := strings.Repeat("x", 6) + "é" + strings.Repeat("y", 299)
	rc.Set(n, raw, ResultOptions{Streaming: true, SkipBadge: true})

	updates := notifier.streamingUpdates(1)
	if len(updates) != 1 {
		t.Fatalf("streaming updates = %d, want 1", len(updates))
	}
	tail := updates[0].StreamTail
	if !utf8.ValidString(tail) {
		t.Fatalf("stream tail is not valid UTF-8: %q", tail)
	}
	if want := "…" + strings.Repeat("y", 299); tail != want {
		t.Fatalf("stream tail = %q, want %q", tail, want)
	}
}

func TestStreamingOverlapsSaveSnapshot(t *testing.T) {
	// Result-side writes and the persistence marshal share the store lock,
	// so a save racing a streaming run still snapshots a consistent board.
	db, err := database.New(filepath.Join(t.TempDir(), "boards.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	store, err := board.Load(db, "stream")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	store.AddNode(&models.Node{ID: 1, Title: "Writer", Kind: models.KindInstruction, Content: "Say hi"})

	notifier := &testNotifier{}
	llm := &testLLM{chunks: []string{"hel", "lo ", "there"}, response: "hello there"}
	settings := func() config.Settings {
		return config.Settings{MaxIterations: 5}
	}
	p := New(store, notifier, llm, &testImage{}, &testSink{}, settings, nil)

	done := make(chan struct{})
	var saveErr error
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			if err := store.Save(); err != nil {
				saveErr = err
				return
			}
		}
	}()

	if err := p.ExecuteFromNode(context.Background(), 1); err != nil {
		t.Fatalf("execute: %v", err)
	}
	<-done
	if saveErr != nil {
		t.Fatalf("save: %v", saveErr)
	}

	if err := store.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	reloaded, err := board.Load(db, "stream")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	got := reloaded.GetNodeByID(1)
	if got == nil {
		t.Fatal("node missing after reload")
	}
	if got.ResultContent != "hello there" {
		t.Errorf("persisted result = %q, want %q", got.ResultContent, "hello there")
	}
}
