// Package chunk splits source content into overlapping, size-bounded units
// tagged with the embedding route they belong to.
package chunk

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/bull/context-core/internal/errs"
	"github.com/bull/context-core/internal/markdown"
)

var (
	// ErrBinaryContent is returned for content with NUL bytes or invalid UTF-8.
	ErrBinaryContent = errors.New("binary content")

	// ErrEmptyContent is returned for content that is empty or whitespace.
	ErrEmptyContent = errors.New("empty content")
)

// idNamespace is the fixed UUIDv5 namespace for chunk ids.
var idNamespace = uuid.MustParse("0b9a6f52-1d3e-5c47-8f21-7e4a9c3d5b18")

// Provenance identifies the repository revision a chunk came from.
type Provenance struct {
	Repository string
	Branch     string
	Revision   string
}

// Source is one item to chunk.
type Source struct {
	Path     string // ledger key: absolute file path, repository path or URL
	RelPath  string
	URL      string
	Language string // detected from Path when empty
	Content  []byte
	Provenance
	Metadata map[string]string
}

// Chunk is one unit of content ready for embedding.
type Chunk struct {
	ID         string
	Index      int
	Content    string
	Kind       Kind
	Language   string
	Path       string
	RelPath    string
	URL        string
	HeaderPath string
	StartLine  int
	EndLine    int
	StartChar  int // byte offsets into the source
	EndChar    int
	Provenance
	Metadata map[string]string
}

// EmbedText is the text sent to the embedding model: the content prefixed
// with its header path when it has one.
func (c Chunk) EmbedText() string {
	if c.HeaderPath == "" {
		return c.Content
	}
	return c.HeaderPath + "\n\n" + c.Content
}

// ID derives a chunk id from its locator, byte range and content.
func ID(locator string, start, end int, content string) string {
	key := fmt.Sprintf("%s|%d-%d|%s", locator, start, end, content)
	return uuid.NewSHA1(idNamespace, []byte(key)).String()
}

// Options configures a Chunker.
type Options struct {
	Size          int // max bytes per chunk
	Overlap       int // bytes of trailing segments repeated in the next chunk
	MarkdownDepth int
}

// Chunker splits sources. It is stateless and safe for concurrent use.
type Chunker struct {
	opts     Options
	splitter *markdown.Splitter
}

// New creates a Chunker. Zero options fall back to 1500 / 200.
func New(opts Options) *Chunker {
	if opts.Size <= 0 {
		opts.Size = 1500
	}
	if opts.Overlap < 0 || opts.Overlap >= opts.Size {
		opts.Overlap = opts.Size / 8
	}
	return &Chunker{opts: opts, splitter: markdown.NewSplitter(opts.MarkdownDepth)}
}

// Chunk splits src. Binary and empty content are content errors.
func (c *Chunker) Chunk(src Source) ([]Chunk, error) {
	if err := validate(src.Content); err != nil {
		return nil, errs.Content("chunking "+src.Path, err)
	}

	lang := src.Language
	if lang == "" {
		lang = DetectLanguage(src.Path)
	}
	kind := KindFor(lang)
	text := string(src.Content)

	var spans []span
	switch {
	case lang == "markdown":
		sections, err := c.splitter.Split(src.Content)
		if err != nil {
			return nil, errs.Content("parsing markdown "+src.Path, err)
		}
		for _, s := range sections {
			segs := paragraphs(text, s.Start, s.End)
			for _, w := range c.pack(text, segs) {
				w.header = s.HeaderPath
				spans = append(spans, w)
			}
		}
	case kind == KindCode:
		spans = c.pack(text, lines(text))
	default:
		spans = c.pack(text, paragraphs(text, 0, len(text)))
	}

	chunks := make([]Chunk, 0, len(spans))
	for _, s := range spans {
		content := text[s.start:s.end]
		if strings.TrimSpace(content) == "" {
			continue
		}
		chunks = append(chunks, Chunk{
			ID:         ID(src.Path, s.start, s.end, content),
			Index:      len(chunks),
			Content:    content,
			Kind:       kind,
			Language:   lang,
			Path:       src.Path,
			RelPath:    src.RelPath,
			URL:        src.URL,
			HeaderPath: s.header,
			StartLine:  lineOf(text, s.start),
			EndLine:    lineOf(text, s.end-1),
			StartChar:  s.start,
			EndChar:    s.end,
			Provenance: src.Provenance,
			Metadata:   src.Metadata,
		})
	}
	if len(chunks) == 0 {
		return nil, errs.Content("chunking "+src.Path, ErrEmptyContent)
	}
	return chunks, nil
}

func validate(b []byte) error {
	if len(bytes.TrimSpace(b)) == 0 {
		return ErrEmptyContent
	}
	head := b
	if len(head) > 8192 {
		head = head[:8192]
	}
	if bytes.IndexByte(head, 0) >= 0 || !utf8.Valid(b) {
		return ErrBinaryContent
	}
	return nil
}

// span is a half-open byte range of the source.
type span struct {
	start, end int
	header     string
}

// pack greedily groups consecutive segments into windows of at most Size
// bytes. Each window after the first starts with the trailing segments of
// the previous one that fit in Overlap bytes, and always starts later than
// the previous window.
func (c *Chunker) pack(text string, segs []span) []span {
	var out []span
	i := 0
	for i < len(segs) {
		start := segs[i].start
		j := i
		for j+1 < len(segs) && segs[j+1].end-start <= c.opts.Size {
			j++
		}
		out = append(out, span{start: start, end: segs[j].end})
		if j+1 >= len(segs) {
			break
		}

		next := j + 1
		for k := j; k > i; k-- {
			if segs[j].end-segs[k].start > c.opts.Overlap {
				break
			}
			next = k
		}
		i = next
	}
	return splitLong(text, out, c.opts.Size)
}

// splitLong cuts windows that are still larger than size (a single huge
// line or paragraph) at rune boundaries.
func splitLong(text string, spans []span, size int) []span {
	var out []span
	for _, s := range spans {
		for s.end-s.start > size {
			cut := s.start + size
			for cut > s.start && !utf8.RuneStart(text[cut]) {
				cut--
			}
			if cut == s.start {
				cut = s.start + size
			}
			out = append(out, span{start: s.start, end: cut})
			s.start = cut
		}
		out = append(out, s)
	}
	return out
}

// lines returns one segment per line, newline included.
func lines(text string) []span {
	var segs []span
	start := 0
	for start < len(text) {
		end := strings.IndexByte(text[start:], '\n')
		if end < 0 {
			segs = append(segs, span{start: start, end: len(text)})
			break
		}
		segs = append(segs, span{start: start, end: start + end + 1})
		start += end + 1
	}
	return segs
}

// paragraphs returns blank-line separated blocks within [from, to). Each
// block absorbs the blank lines that follow it, so blocks tile the range.
func paragraphs(text string, from, to int) []span {
	var segs []span
	cur := -1
	blank := false
	for _, l := range lines(text[from:to]) {
		l.start += from
		l.end += from
		isBlank := strings.TrimSpace(text[l.start:l.end]) == ""
		switch {
		case cur < 0:
			segs = append(segs, l)
			cur = len(segs) - 1
		case blank && !isBlank:
			segs = append(segs, l)
			cur = len(segs) - 1
		default:
			segs[cur].end = l.end
		}
		blank = isBlank
	}
	return segs
}

func lineOf(text string, off int) int {
	if off <= 0 {
		return 1
	}
	return strings.Count(text[:off], "\n") + 1
}
