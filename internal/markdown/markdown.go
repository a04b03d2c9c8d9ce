package markdown

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

var converter = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
	goldmark.WithRendererOptions(html.WithHardWraps()),
)

var (
	mdLinkRe   = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	wikiLinkRe = regexp.MustCompile(`\[\[([^\]]+)\]\]`)
	fenceRe    = regexp.MustCompile("(?s)^```([a-zA-Z0-9_+-]*)[ \t]*\r?\n(.*?)\r?\n?```\\s*$")
)

// Render converts markdown to HTML.
func Render(md string) (string, error) {
	var buf bytes.Buffer
	if err := converter.Convert([]byte(md), &buf); err != nil {
		return "", fmt.Errorf("markdown render failed: %w", err)
	}
	return buf.String(), nil
}

// StripLinks removes board-local link syntax before text is handed to an LLM:
// [text](url) collapses to text, [[X]] collapses to X. Reference-style links
// are left alone.
func StripLinks(s string) string {
	s = mdLinkRe.ReplaceAllString(s, "$1")
	s = wikiLinkRe.ReplaceAllString(s, "$1")
	return s
}

// ProcessWikiLinks rewrites [[Title]] references in rendered HTML into
// navigation anchors the UI can wire to node focus.
func ProcessWikiLinks(htmlText string) string {
	return wikiLinkRe.ReplaceAllStringFunc(htmlText, func(match string) string {
		title := strings.TrimSpace(wikiLinkRe.FindStringSubmatch(match)[1])
		return fmt.Sprintf(`<a class="wiki-link" data-node-title="%s">%s</a>`, htmlEscape(title), htmlEscape(title))
	})
}

// ExtractFence returns the language tag and inner body when s is exactly one
// triple-fenced block (optionally tagged), and ok=false otherwise.
func ExtractFence(s string) (lang, body string, ok bool) {
	m := fenceRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return "", "", false
	}
	return strings.ToLower(m[1]), m[2], true
}

// ExtractFencedBlocks returns the bodies of all fenced blocks in s whose
// language tag equals lang. Used for legacy markdown nodes carrying script
// fences.
func ExtractFencedBlocks(s, lang string) []string {
	re := regexp.MustCompile("(?s)```" + regexp.QuoteMeta(lang) + "[ \t]*\r?\n(.*?)\r?\n?```")
	matches := re.FindAllStringSubmatch(s, -1)
	blocks := make([]string, 0, len(matches))
	for _, m := range matches {
		blocks = append(blocks, m[1])
	}
	return blocks
}

func htmlEscape(s string) string {
	r := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		`"`, "&quot;",
	)
	return r.Replace(s)
}
