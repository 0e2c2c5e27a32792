package blobstore

import (
	"fmt"
	"strings"

	"github.com/wesm/sheetvault/internal/credential"
	"golang.org/x/text/unicode/norm"
)

// Namespace maps an identity to a single safe path segment. The mapping is
// injective: '_' is doubled, '@' becomes "_at_", and any byte outside
// [a-z0-9.-] becomes "_xHH", so two identities never share a namespace and
// none can escape into another's.
func Namespace(identity string) string {
	id := credential.Canonical(identity)
	var b strings.Builder
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c == '_':
			b.WriteString("__")
		case c == '@':
			b.WriteString("_at_")
		case c == '.' && i == 0:
			fmt.Fprintf(&b, "_x%02x", c)
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '.', c == '-':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "_x%02x", c)
		}
	}
	if b.Len() == 0 {
		return "_empty"
	}
	return b.String()
}

// CleanFilename normalizes a filename to NFC and replaces path separators
// and control characters. Inner dots are kept; a name that is only "." or
// ".." becomes "attachment".
func CleanFilename(name string) string {
	name = norm.NFC.String(strings.TrimSpace(name))
	var result []rune
	for _, r := range name {
		switch r {
		case '/', '\\', '\n', '\r', '\t', 0:
			result = append(result, '_')
		default:
			result = append(result, r)
		}
	}
	name = string(result)
	if name == "" || name == "." || name == ".." {
		name = "attachment"
	}
	return name
}
