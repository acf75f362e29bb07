package chunk

import (
	"path"
	"strings"
)

// Kind selects the embedding route for a chunk.
type Kind string

const (
	KindCode Kind = "code"
	KindText Kind = "text"
)

var extLanguages = map[string]string{
	".go":       "go",
	".py":       "python",
	".pyi":      "python",
	".js":       "javascript",
	".mjs":      "javascript",
	".cjs":      "javascript",
	".jsx":      "javascript",
	".ts":       "typescript",
	".tsx":      "typescript",
	".java":     "java",
	".kt":       "kotlin",
	".kts":      "kotlin",
	".scala":    "scala",
	".rs":       "rust",
	".c":        "c",
	".h":        "c",
	".cc":       "cpp",
	".cpp":      "cpp",
	".cxx":      "cpp",
	".hpp":      "cpp",
	".cs":       "csharp",
	".rb":       "ruby",
	".php":      "php",
	".swift":    "swift",
	".m":        "objc",
	".dart":     "dart",
	".lua":      "lua",
	".sh":       "shell",
	".bash":     "shell",
	".zsh":      "shell",
	".ps1":      "powershell",
	".sql":      "sql",
	".proto":    "protobuf",
	".tf":       "terraform",
	".vue":      "vue",
	".svelte":   "svelte",
	".css":      "css",
	".scss":     "css",
	".yaml":     "yaml",
	".yml":      "yaml",
	".json":     "json",
	".toml":     "toml",
	".xml":      "xml",
	".gradle":   "gradle",
	".md":       "markdown",
	".mdx":      "markdown",
	".markdown": "markdown",
	".rst":      "rst",
	".adoc":     "asciidoc",
	".txt":      "text",
	".html":     "html",
	".htm":      "html",
}

var fileLanguages = map[string]string{
	"dockerfile":     "dockerfile",
	"makefile":       "makefile",
	"gnumakefile":    "makefile",
	"jenkinsfile":    "groovy",
	"go.mod":         "gomod",
	"cmakelists.txt": "cmake",
}

var textLanguages = map[string]bool{
	"markdown": true,
	"rst":      true,
	"asciidoc": true,
	"text":     true,
	"html":     true,
}

// DetectLanguage guesses a language tag from a file path or URL path.
// Unknown files are "text".
func DetectLanguage(p string) string {
	if i := strings.IndexAny(p, "?#"); i >= 0 && strings.Contains(p, "://") {
		p = p[:i]
	}
	base := strings.ToLower(path.Base(strings.ReplaceAll(p, "\\", "/")))
	if lang, ok := fileLanguages[base]; ok {
		return lang
	}
	if strings.HasPrefix(base, "dockerfile.") {
		return "dockerfile"
	}
	if lang, ok := extLanguages[path.Ext(base)]; ok {
		return lang
	}
	return "text"
}

// KindFor maps a language tag to its embedding route.
func KindFor(language string) Kind {
	if textLanguages[language] || language == "" {
		return KindText
	}
	return KindCode
}
