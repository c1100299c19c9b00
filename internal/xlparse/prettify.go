package xlparse

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// External-reference shapes a formula can carry. Indexed references come
// out of the formula stream as [n]Sheet!A1 where n points into the
// workbook's external-reference table; prettification rewrites them into
// the canonical quoted full-path form so equivalent references hash
// identically regardless of their stored representation.
var (
	reIndexedWithSheet = regexp.MustCompile(`\[(\d+)\]([^!\]]+)!`)
	reIndexedBare      = regexp.MustCompile(`\[(\d+)\]`)
	reQuotedFullPath   = regexp.MustCompile(`'[^']*\\\[[^\\\]]+\][^']*'!`)
	reUnquotedBook     = regexp.MustCompile(`\[[^\]]+\][^!]+!`)
	reDoubleQuoteStart = regexp.MustCompile(`=\s*''([A-Za-z]:\\|\\\\)`)
)

// HasExternalReference reports whether the formula textually references
// another workbook, in any of the three shapes: indexed [n]Sheet!, quoted
// full path '…\[Book.xlsx]Sheet'!, or unquoted [Book.xlsx]Sheet!.
func HasExternalReference(formula string) bool {
	if formula == "" {
		return false
	}

	return reIndexedWithSheet.MatchString(formula) ||
		reQuotedFullPath.MatchString(formula) ||
		reUnquotedBook.MatchString(formula)
}

// PrettyFormula rewrites indexed external references in formula into the
// canonical quoted form '<abs-dir>\[<workbook>]<sheet>'!<ref>, resolving
// indices through refMap (1-based table index → raw stored path).
// Prettifying an already-prettified formula is a no-op.
func PrettyFormula(formula string, refMap map[int]string) string {
	if formula == "" || len(refMap) == 0 {
		return formula
	}

	out := reIndexedWithSheet.ReplaceAllStringFunc(formula, func(m string) string {
		sub := reIndexedWithSheet.FindStringSubmatch(m)

		n, err := strconv.Atoi(sub[1])
		if err != nil {
			return m
		}

		sheet := strings.Trim(strings.TrimSpace(sub[2]), `'"`)

		norm := NormalizeRefPath(refMap[n])
		if norm == "" {
			return m
		}

		// Boundary fix: an already-quoted context would otherwise yield ''!.
		return strings.ReplaceAll(externalPrefix(norm, sheet)+"!", "''!", "'!")
	})

	// Leftover [n] markers without a sheet component get a readable
	// annotation instead of a dangling index.
	out = reIndexedBare.ReplaceAllStringFunc(out, func(m string) string {
		sub := reIndexedBare.FindStringSubmatch(m)

		n, err := strconv.Atoi(sub[1])
		if err != nil {
			return m
		}

		norm := NormalizeRefPath(refMap[n])
		if norm == "" {
			return m
		}

		return fmt.Sprintf("[external %d: %s]", n, norm)
	})

	// Stray doubled quote after "=" when the path itself starts the formula.
	out = reDoubleQuoteStart.ReplaceAllString(out, "='$1")

	return out
}

// externalPrefix assembles the quoted prefix '<dir>\[<file>]<sheet>' from a
// normalized path. Single quotes inside the sheet name are doubled.
func externalPrefix(normPath, sheet string) string {
	base := normPath
	dir := ""

	if i := strings.LastIndexByte(normPath, '\\'); i >= 0 {
		base = normPath[i+1:]
		dir = normPath[:i]
	}

	inside := ""
	if dir != "" {
		inside = strings.TrimRight(dir, `\`) + `\`
	}

	inside += "[" + base + "]" + strings.ReplaceAll(sheet, "'", "''")

	return "'" + inside + "'"
}

// NormalizeRefPath canonicalizes a raw external-reference target: URL
// decoding, file: scheme and UNC handling, forward→backslash conversion,
// and duplicate-separator collapse that preserves the UNC \\host prefix.
func NormalizeRefPath(p string) string {
	if p == "" {
		return p
	}

	s := strings.TrimSpace(p)
	if dec, err := url.PathUnescape(s); err == nil {
		s = dec
	}

	if u, err := url.Parse(s); err == nil && u.Scheme == "file" {
		if u.Host != "" {
			// UNC: file://server/share/path
			s = `\\` + u.Host + `\` + strings.ReplaceAll(strings.TrimLeft(u.Path, "/"), "/", `\`)
		} else {
			rest := u.Path
			if rest == "" && len(s) > len("file:") {
				rest = s[len("file:"):]
			}

			s = strings.ReplaceAll(strings.TrimLeft(rest, `/\`), "/", `\`)
		}
	}

	// Crude fallback for malformed file: prefixes the URL parser rejected.
	if strings.HasPrefix(strings.ToLower(s), "file:") {
		s = strings.TrimLeft(s[len("file:"):], `/\`)
	}

	s = strings.ReplaceAll(s, "/", `\`)

	// Collapse duplicate backslashes, preserving a UNC \\host\share prefix.
	if strings.HasPrefix(s, `\\`) {
		return `\` + collapseBackslashes(s[1:])
	}

	return collapseBackslashes(s)
}

func collapseBackslashes(s string) string {
	for strings.Contains(s, `\\`) {
		s = strings.ReplaceAll(s, `\\`, `\`)
	}

	return s
}
