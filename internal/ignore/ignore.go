// Package ignore matches slash-separated relative paths against
// gitignore-style patterns. Patterns from nested .gitignore files are scoped
// to the directory that holds them. The last matching rule wins, so a
// negated rule can re-include a path.
package ignore

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path"
	"regexp"
	"strings"
	"sync"
)

// DefaultPatterns are applied to every walk before any .gitignore.
var DefaultPatterns = []string{
	".git/",
	".hg/",
	".svn/",
	"node_modules/",
	"vendor/",
	"dist/",
	"build/",
	"target/",
	"__pycache__/",
	".venv/",
	".idea/",
	".vscode/",
	"*.min.js",
	"*.map",
	"*.lock",
	".DS_Store",
}

// Matcher holds compiled rules. It is safe for concurrent use.
type Matcher struct {
	mu    sync.RWMutex
	rules []rule
}

type rule struct {
	re       *regexp.Regexp
	negate   bool
	dirOnly  bool
	anchored bool
	base     string
}

// New returns a matcher seeded with patterns.
func New(patterns ...string) *Matcher {
	m := &Matcher{}
	for _, p := range patterns {
		m.Add(p, "")
	}
	return m
}

// Default returns a matcher with DefaultPatterns.
func Default() *Matcher {
	return New(DefaultPatterns...)
}

// Add compiles one pattern line. base scopes it to a subdirectory ("" for
// the root). Blank lines and comments are ignored.
func (m *Matcher) Add(line, base string) {
	line = strings.TrimRight(line, "\r")
	if strings.HasSuffix(line, `\ `) {
		line = strings.TrimSpace(strings.TrimSuffix(line, `\ `)) + " "
	} else {
		line = strings.TrimSpace(line)
	}
	if line == "" || strings.HasPrefix(line, "#") {
		return
	}

	r := rule{base: strings.Trim(base, "/")}
	switch {
	case strings.HasPrefix(line, `\#`), strings.HasPrefix(line, `\!`):
		line = line[1:]
	case strings.HasPrefix(line, "!"):
		r.negate = true
		line = line[1:]
	}
	if strings.HasSuffix(line, "/") {
		r.dirOnly = true
		line = strings.TrimRight(line, "/")
	}
	if strings.HasPrefix(line, "/") {
		r.anchored = true
		line = strings.TrimLeft(line, "/")
	}
	// "doc/frotz" is relative to the .gitignore, like "/doc/frotz".
	if strings.Contains(line, "/") && !strings.HasPrefix(line, "**/") {
		r.anchored = true
	}
	if line == "" {
		return
	}

	re, err := regexp.Compile("^" + toRegex(line) + "$")
	if err != nil {
		return
	}
	r.re = re

	m.mu.Lock()
	m.rules = append(m.rules, r)
	m.mu.Unlock()
}

// AddReader adds every line of r, scoped to base.
func (m *Matcher) AddReader(r io.Reader, base string) error {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		m.Add(sc.Text(), base)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("reading ignore patterns: %w", err)
	}
	return nil
}

// AddFile adds the patterns of the .gitignore at file, scoped to base.
func (m *Matcher) AddFile(file, base string) error {
	f, err := os.Open(file)
	if err != nil {
		return fmt.Errorf("opening %s: %w", file, err)
	}
	defer f.Close()
	return m.AddReader(f, base)
}

// Match reports whether rel (slash-separated, relative to the walk root)
// is ignored.
func (m *Matcher) Match(rel string, isDir bool) bool {
	rel = strings.Trim(path.Clean("/"+rel), "/")
	if rel == "" {
		return false
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	ignored := false
	for _, r := range m.rules {
		if r.matches(rel, isDir) {
			ignored = !r.negate
		}
	}
	return ignored
}

func (r rule) matches(rel string, isDir bool) bool {
	if r.base != "" {
		if !strings.HasPrefix(rel, r.base+"/") {
			return false
		}
		rel = strings.TrimPrefix(rel, r.base+"/")
	}
	parts := strings.Split(rel, "/")

	if r.anchored {
		if r.re.MatchString(rel) {
			return !r.dirOnly || isDir
		}
		// A matched ancestor directory ignores everything below it.
		for i := 1; i < len(parts); i++ {
			if r.re.MatchString(strings.Join(parts[:i], "/")) {
				return true
			}
		}
		return false
	}

	for i, part := range parts {
		if !r.re.MatchString(part) {
			continue
		}
		last := i == len(parts)-1
		if !last || !r.dirOnly || isDir {
			return true
		}
	}
	return !r.dirOnly && r.re.MatchString(rel)
}

func toRegex(pattern string) string {
	var b strings.Builder
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		switch c {
		case '*':
			if i+1 < len(pattern) && pattern[i+1] == '*' {
				if i+2 < len(pattern) && pattern[i+2] == '/' {
					b.WriteString("(?:.*/)?")
					i += 2
					continue
				}
				b.WriteString(".*")
				i++
				continue
			}
			b.WriteString("[^/]*")
		case '?':
			b.WriteString("[^/]")
		case '[':
			end := strings.IndexByte(pattern[i:], ']')
			if end < 0 {
				b.WriteString(`\[`)
				continue
			}
			class := pattern[i+1 : i+end]
			if strings.HasPrefix(class, "!") {
				class = "^" + class[1:]
			}
			b.WriteString("[" + class + "]")
			i += end
		case '\\':
			if i+1 < len(pattern) {
				i++
				b.WriteString(regexp.QuoteMeta(string(pattern[i])))
			}
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	return b.String()
}
