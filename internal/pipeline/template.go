package pipeline

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"quirk/internal/markdown"
	"quirk/internal/models"
)

var templateRe = regexp.MustCompile(`\{\{([^{}]+)\}\}`)

// Resolver substitutes {{Title}} and {{Title Result}} references. Resolution
// is restricted to the transitive upstream closure of the referencing node
// (itself included); anything else is left unexpanded so typos stay visible.
type Resolver struct {
	board  Board
	states *StateStore
}

func NewResolver(board Board, states *StateStore) *Resolver {
	return &Resolver{board: board, states: states}
}

// Resolve expands template references in text on behalf of nodeID. In
// code-escape mode each substituted value is wrapped as a backtick template
// literal with backticks and ${ escaped, safe to embed in script source.
func (r *Resolver) Resolve(nodeID int64, text string, codeEscape bool) string {
	if !strings.Contains(text, "{{") {
		return text
	}

	closure := UpstreamClosure(r.board, nodeID)

	return templateRe.ReplaceAllStringFunc(text, func(match string) string {
		ref := strings.TrimSpace(templateRe.FindStringSubmatch(match)[1])

		isResultRef := false
		if strings.HasSuffix(strings.ToLower(ref), strings.ToLower(resultSuffix)) {
			ref = strings.TrimSpace(ref[:len(ref)-len(resultSuffix)])
			isResultRef = true
		}

		target := r.findByTitle(ref)
		if target == nil || !closure[target.ID] {
			return match
		}

		var value string
		if isResultRef {
			result, ok := r.states.Result(target.ID)
			if !ok {
				return match
			}
			value = formatValue(result)
		} else {
			value = markdown.StripLinks(target.Content)
		}

		if codeEscape {
			return escapeForScript(value)
		}
		return value
	})
}

// findByTitle locates a node by case-insensitive title equality.
func (r *Resolver) findByTitle(title string) *models.Node {
	for _, n := range r.board.Nodes() {
		if strings.EqualFold(n.Title, title) {
			return n
		}
	}
	return nil
}

// formatValue renders a result value for substitution: strings pass through,
// everything else becomes pretty-printed JSON.
func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	default:
		b, err := json.MarshalIndent(val, "", "  ")
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(b)
	}
}

// escapeForScript wraps a value as a backtick template literal so that user
// code can interpolate external content without injection risk.
func escapeForScript(v string) string {
	v = strings.ReplaceAll(v, "`", "\\`")
	v = strings.ReplaceAll(v, "${", "\\${")
	return "`" + v + "`"
}
