// Package markdown splits markdown documents into header-bounded sections.
package markdown

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/text"
	"go.abhg.dev/goldmark/toc"
)

// Section is a contiguous, non-overlapping byte range of a document that
// starts at a heading (or at the top of the document for the preamble).
type Section struct {
	HeaderPath string // "# Doc Title > ## Section Name"
	Content    string // source[Start:End], untrimmed
	Start      int    // byte offset
	End        int
	StartLine  int // 1-based
	EndLine    int
}

// Splitter splits markdown at heading boundaries.
type Splitter struct {
	parser   goldmark.Markdown
	maxDepth int
}

// NewSplitter creates a splitter that breaks at headings of level
// 1..maxDepth. maxDepth <= 0 uses 3.
func NewSplitter(maxDepth int) *Splitter {
	if maxDepth <= 0 {
		maxDepth = 3
	}
	md := goldmark.New(
		goldmark.WithParserOptions(
			parser.WithAutoHeadingID(),
		),
	)
	return &Splitter{parser: md, maxDepth: maxDepth}
}

type heading struct {
	path  []string
	start int
}

// Split returns the document's sections in order. Concatenating their
// contents reproduces the source, minus a blank preamble. A document
// without headings is a single section.
func (s *Splitter) Split(source []byte) ([]Section, error) {
	doc := s.parser.Parser().Parse(text.NewReader(source))

	tree, err := toc.Inspect(doc, source,
		toc.MinDepth(1),
		toc.MaxDepth(s.maxDepth),
		toc.Compact(true),
	)
	if err != nil {
		return nil, fmt.Errorf("inspect TOC: %w", err)
	}

	nodes := headingsByID(doc)
	var heads []heading
	collect(tree.Items, nil, nodes, source, &heads)
	sort.SliceStable(heads, func(i, j int) bool { return heads[i].start < heads[j].start })

	var sections []Section
	add := func(path []string, start, end int) {
		if start >= end {
			return
		}
		sections = append(sections, Section{
			HeaderPath: formatHeaderPath(path),
			Content:    string(source[start:end]),
			Start:      start,
			End:        end,
			StartLine:  lineAt(source, start),
			EndLine:    lineAt(source, end-1),
		})
	}

	first := len(source)
	if len(heads) > 0 {
		first = heads[0].start
	}
	if len(bytes.TrimSpace(source[:first])) > 0 {
		add(nil, 0, first)
	}
	for i, h := range heads {
		end := len(source)
		if i+1 < len(heads) {
			end = heads[i+1].start
		}
		add(h.path, h.start, end)
	}
	return sections, nil
}

// collect flattens the TOC tree, resolving each item to the byte offset of
// the line its heading starts on.
func collect(items toc.Items, ancestors []string, nodes map[string]ast.Node, source []byte, out *[]heading) {
	for _, item := range items {
		path := append(append([]string{}, ancestors...), string(item.Title))
		if n, ok := nodes[string(item.ID)]; ok && n.Lines().Len() > 0 {
			*out = append(*out, heading{path: path, start: lineStart(source, n.Lines().At(0).Start)})
		}
		if len(item.Items) > 0 {
			collect(item.Items, path, nodes, source, out)
		}
	}
}

// headingsByID indexes heading nodes by their auto-generated ID.
func headingsByID(doc ast.Node) map[string]ast.Node {
	nodes := make(map[string]ast.Node)
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if entering && n.Kind() == ast.KindHeading {
			if id, ok := n.AttributeString("id"); ok {
				if b, ok := id.([]byte); ok {
					nodes[string(b)] = n
				}
			}
		}
		return ast.WalkContinue, nil
	})
	return nodes
}

// formatHeaderPath builds a header hierarchy string.
// Example: ["Installation", "Prerequisites"] -> "# Installation > ## Prerequisites"
func formatHeaderPath(path []string) string {
	parts := make([]string, 0, len(path))
	for i, segment := range path {
		parts = append(parts, fmt.Sprintf("%s %s", strings.Repeat("#", i+1), segment))
	}
	return strings.Join(parts, " > ")
}

func lineStart(source []byte, off int) int {
	if i := bytes.LastIndexByte(source[:off], '\n'); i >= 0 {
		return i + 1
	}
	return 0
}

func lineAt(source []byte, off int) int {
	if off < 0 {
		return 1
	}
	return bytes.Count(source[:off], []byte("\n")) + 1
}
