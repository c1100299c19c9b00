package watchfs

import (
	"path/filepath"
	"strings"
)

// TempKind classifies Office temporary-file shapes. Temp files never
// trigger comparisons; lock sentinels drive the open/close tracker.
type TempKind int

// Recognized shapes: ~$Book.xlsx (lock sentinel), Book.xlsx.tmp or
// <random>.tmp (save temp), ~WRL0005.tmp (legacy Office save temp).
const (
	TempNone TempKind = iota
	TempLockSentinel
	TempGeneric
	TempWRL
)

// ClassifyTempName inspects a basename and reports its temp-file kind.
func ClassifyTempName(name string) TempKind {
	lower := strings.ToLower(name)

	if strings.HasPrefix(name, "~$") {
		return TempLockSentinel
	}

	if strings.HasPrefix(name, "~WRL") && strings.HasSuffix(lower, ".tmp") {
		return TempWRL
	}

	if strings.HasSuffix(lower, ".tmp") {
		return TempGeneric
	}

	return TempNone
}

// LockSentinelTarget maps a lock-sentinel path to the workbook it guards:
// dir/~$Book1.xlsx → dir/Book1.xlsx. Office drops the first one or two
// characters of long basenames inside the sentinel name; the exact
// basename form is tried first, then the directory is searched for a
// workbook whose name ends with the sentinel's remainder.
func LockSentinelTarget(sentinelPath string, exists func(string) bool) (string, bool) {
	dir := filepath.Dir(sentinelPath)

	name := filepath.Base(sentinelPath)
	if !strings.HasPrefix(name, "~$") {
		return "", false
	}

	remainder := name[2:]
	if remainder == "" {
		return "", false
	}

	direct := filepath.Join(dir, remainder)
	if exists == nil || exists(direct) {
		return direct, true
	}

	// Office truncation: prepend up to two unknown leading characters.
	matches := []string{}

	entries, err := filepath.Glob(filepath.Join(dir, "*"+remainder))
	if err == nil {
		for _, e := range entries {
			if filepath.Base(e) != name && exists(e) {
				matches = append(matches, e)
			}
		}
	}

	if len(matches) == 1 {
		return matches[0], true
	}

	return direct, true
}

// underRoot reports whether path is inside root (or equals it).
func underRoot(path, root string) bool {
	if root == "" {
		return false
	}

	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}

	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}

// pathExcluded reports whether path falls under any of the given prefixes.
func pathExcluded(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if underRoot(path, p) {
			return true
		}
	}

	return false
}
