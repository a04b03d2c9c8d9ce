package pipeline

import (
	"strings"
	"testing"

	"quirk/internal/models"
)

func resolverFixture() (*testBoard, *StateStore, *Resolver) {
	board := &testBoard{nodes: []*models.Node{
		node(1, "Source", models.KindMarkdown, "plain content"),
		node(2, "Target", models.KindInstruction, ""),
		node(3, "Elsewhere", models.KindMarkdown, "unreachable content"),
	}}
	board.connect(1, 2)
	states := NewStateStore()
	return board, states, NewResolver(board, states)
}

func TestResolveContentReference(t *testing.T) {
	_, _, r := resolverFixture()
	got := r.Resolve(2, "Use {{Source}} here", false)
	if got != "Use plain content here" {
		t.Errorf("resolved = %q", got)
	}
}

func TestResolveIsCaseInsensitive(t *testing.T) {
	_, _, r := resolverFixture()
	if got := r.Resolve(2, "{{source}}", false); got != "plain content" {
		t.Errorf("resolved = %q", got)
	}
}

func TestResolveResultReference(t *testing.T) {
	_, states, r := resolverFixture()
	states.SetResult(1, "computed")
	if got := r.Resolve(2, "{{Source Result}}", false); got != "computed" {
		t.Errorf("resolved = %q", got)
	}
}

func TestResolveResultReferenceWithoutResultStaysLiteral(t *testing.T) {
	_, _, r := resolverFixture()
	if got := r.Resolve(2, "{{Source Result}}", false); got != "{{Source Result}}" {
		t.Errorf("resolved = %q, want the literal reference", got)
	}
}

func TestResolveOutsideClosureStaysLiteral(t *testing.T) {
	// Elsewhere exists on the board but is not upstream of Target.
	_, _, r := resolverFixture()
	if got := r.Resolve(2, "{{Elsewhere}}", false); got != "{{Elsewhere}}" {
		t.Errorf("resolved = %q, want the literal reference", got)
	}
}

func TestResolveUnknownTitleStaysLiteral(t *testing.T) {
	_, _, r := resolverFixture()
	if got := r.Resolve(2, "{{No Such Node}}", false); got != "{{No Such Node}}" {
		t.Errorf("resolved = %q", got)
	}
}

func TestResolveSelfReference(t *testing.T) {
	// The closure includes the node itself.
	board := &testBoard{nodes: []*models.Node{
		node(1, "Solo", models.KindMarkdown, "me"),
	}}
	r := NewResolver(board, NewStateStore())
	if got := r.Resolve(1, "{{Solo}}", false); got != "me" {
		t.Errorf("resolved = %q", got)
	}
}

func TestResolveStripsMarkdownLinks(t *testing.T) {
	board := &testBoard{nodes: []*models.Node{
		node(1, "Source", models.KindMarkdown, "see [docs](https://example.com) now"),
		node(2, "Target", models.KindInstruction, ""),
	}}
	board.connect(1, 2)
	r := NewResolver(board, NewStateStore())

	got := r.Resolve(2, "{{Source}}", false)
	if strings.Contains(got, "](") {
		t.Errorf("link markup survived: %q", got)
	}
	if !strings.Contains(got, "docs") {
		t.Errorf("link text dropped: %q", got)
	}
}

func TestResolveCodeEscape(t *testing.T) {
	board := &testBoard{nodes: []*models.Node{
		node(1, "Source", models.KindMarkdown, "has `ticks` and ${interp}"),
		node(2, "Target", models.KindScript, ""),
	}}
	board.connect(1, 2)
	r := NewResolver(board, NewStateStore())

	got := r.Resolve(2, "const v = {{Source}};", true)
	want := "const v = `has \\`ticks\\` and \\${interp}`;"
	if got != want {
		t.Errorf("resolved = %q, want %q", got, want)
	}
}

func TestResolveStructuredResultAsJSON(t *testing.T) {
	_, states, r := resolverFixture()
	states.SetResult(1, map[string]any{"answer": 42})
	got := r.Resolve(2, "{{Source Result}}", false)
	if !strings.Contains(got, `"answer": 42`) {
		t.Errorf("resolved = %q, want pretty-printed JSON", got)
	}
}

func TestFormatValue(t *testing.T) {
	if got := formatValue(nil); got != "" {
		t.Errorf("formatValue(nil) = %q", got)
	}
	if got := formatValue("text"); got != "text" {
		t.Errorf("formatValue(string) = %q", got)
	}
	if got := formatValue([]int{1, 2}); got != "[\n  1,\n  2\n]" {
		t.Errorf("formatValue(slice) = %q", got)
	}
}

func TestResolveTextWithoutReferencesIsUntouched(t *testing.T) {
	_, _, r := resolverFixture()
	in := "no references here, just {single} braces"
	if got := r.Resolve(2, in, false); got != in {
		t.Errorf("resolved = %q", got)
	}
}
