package stablecopy

import (
	"crypto/sha1"
	"encoding/hex"
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// maxNameBytes keeps cache filenames safely below every platform's
// component limit (255 bytes on the common filesystems), leaving headroom
// for the ".partial" staging suffix.
const maxNameBytes = 240

const hashPrefixLen = 8

// CacheName derives the collision-free cache filename for a source path:
// an 8-hex hash of the normalized absolute path, a sanitized basename, and
// deterministic truncation that preserves the extension. Two workbooks
// with the same basename in different directories never collide.
func CacheName(srcPath string) string {
	abs, err := filepath.Abs(srcPath)
	if err != nil {
		abs = srcPath
	}

	sum := sha1.Sum([]byte(norm.NFC.String(filepath.ToSlash(abs))))
	prefix := hex.EncodeToString(sum[:])[:hashPrefixLen]

	base := sanitizeComponent(filepath.Base(abs))
	name := prefix + "__" + base

	if len(name) <= maxNameBytes {
		return name
	}

	// Truncate the stem, keep prefix and extension: identity lives in the
	// hash, the rest is for humans.
	ext := filepath.Ext(base)
	if len(ext) > maxNameBytes/2 {
		ext = ""
	}

	keep := maxNameBytes - len(prefix) - 2 - len(ext)

	stem := strings.TrimSuffix(base, ext)
	if keep < len(stem) {
		stem = stem[:keep]
	}

	return prefix + "__" + stem + ext
}

// sanitizeComponent replaces characters that are unsafe in a filename on
// any supported platform.
func sanitizeComponent(name string) string {
	var b strings.Builder
	b.Grow(len(name))

	for _, r := range name {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', '\x00':
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
	}

	return b.String()
}
