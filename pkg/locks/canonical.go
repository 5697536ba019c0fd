package locks

import (
	"path"
	"path/filepath"
	"strings"
	"unicode"
)

// Canonicalize normalizes a path once on entry so lock keys and sortie file
// identifiers compare byte-for-byte: symlinks resolved when the path exists,
// ".." collapsed, separators forward-slashed, and a Windows drive letter
// lower-cased. The canonical form is what gets stored.
func Canonicalize(raw string) string {
	p := strings.TrimSpace(raw)
	if p == "" {
		return p
	}
	// Windows agents send backslash separators; normalize before cleaning
	// so path.Clean sees real separators regardless of the server's OS.
	p = strings.ReplaceAll(p, `\`, "/")
	if resolved, err := filepath.EvalSymlinks(p); err == nil {
		p = resolved
	}
	p = path.Clean(filepath.ToSlash(p))
	if len(p) >= 2 && p[1] == ':' && unicode.IsUpper(rune(p[0])) {
		p = string(unicode.ToLower(rune(p[0]))) + p[1:]
	}
	return p
}
