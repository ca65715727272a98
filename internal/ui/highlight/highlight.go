package highlight

import (
	"bytes"
	"regexp"
	"strings"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
)

// Highlighter colors code for a 256-color terminal. A disabled
// highlighter returns its input unchanged.
type Highlighter struct {
	enabled   bool
	formatter chroma.Formatter
	style     *chroma.Style
}

func New(enabled bool) *Highlighter {
	return &Highlighter{
		enabled:   enabled,
		formatter: formatters.Get("terminal256"),
		style:     styles.Get("monokai"),
	}
}

// Highlight colors code as language, falling back to plain text for
// unknown languages.
func (h *Highlighter) Highlight(code, language string) string {
	if !h.enabled {
		return code
	}
	lexer := lexers.Get(language)
	if lexer == nil {
		lexer = lexers.Fallback
	}
	return h.format(chroma.Coalesce(lexer), code)
}

// Diff colors a unified diff.
func (h *Highlighter) Diff(diff string) string {
	if !h.enabled {
		return diff
	}
	return h.format(chroma.Coalesce(lexers.Get("diff")), diff)
}

// Guess colors code using the lexer chroma infers from filename, or from
// the content when filename says nothing.
func (h *Highlighter) Guess(filename, code string) string {
	if !h.enabled {
		return code
	}
	lexer := lexers.Match(filename)
	if lexer == nil {
		lexer = lexers.Analyse(code)
	}
	if lexer == nil {
		return code
	}
	return h.format(chroma.Coalesce(lexer), code)
}

func (h *Highlighter) format(lexer chroma.Lexer, code string) string {
	iterator, err := lexer.Tokenise(nil, code)
	if err != nil {
		return code
	}
	var buf bytes.Buffer
	if err := h.formatter.Format(&buf, h.style, iterator); err != nil {
		return code
	}
	return buf.String()
}

var codeBlockRegex = regexp.MustCompile("(?s)```(\\w*)\\n(.*?)```")

// MarkdownCodeBlocks replaces fenced blocks in text with their highlighted
// contents, dropping the fences.
func (h *Highlighter) MarkdownCodeBlocks(text string) string {
	if !h.enabled {
		return text
	}
	return codeBlockRegex.ReplaceAllStringFunc(text, func(match string) string {
		parts := codeBlockRegex.FindStringSubmatch(match)
		if len(parts) != 3 {
			return match
		}
		return h.Highlight(strings.TrimSuffix(parts[2], "\n"), parts[1])
	})
}

// IsDiff reports whether text looks like a unified diff.
func IsDiff(text string) bool {
	t := strings.TrimSpace(text)
	return strings.HasPrefix(t, "diff --git") || strings.HasPrefix(t, "--- ") ||
		(strings.Contains(t, "\n+++ ") && strings.Contains(t, "\n@@"))
}
