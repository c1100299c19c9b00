package xlparse

import "errors"

// Closed failure set for parse attempts. All are recoverable at the
// caller: the comparison is skipped and the baseline left untouched.
var (
	ErrNotAWorkbook   = errors.New("xlparse: not a workbook")
	ErrCorruptPackage = errors.New("xlparse: corrupt package")
	ErrParserCrashed  = errors.New("xlparse: parser crashed")
	ErrParserTimeout  = errors.New("xlparse: parser timeout")
)

// errorKind tags travel across the worker process boundary as strings.
const (
	kindNotAWorkbook   = "not_a_workbook"
	kindCorruptPackage = "corrupt_package"
	kindCrashed        = "parser_crashed"
	kindTimeout        = "parser_timeout"
	kindOther          = "error"
)

func kindOf(err error) string {
	switch {
	case errors.Is(err, ErrNotAWorkbook):
		return kindNotAWorkbook
	case errors.Is(err, ErrCorruptPackage):
		return kindCorruptPackage
	case errors.Is(err, ErrParserCrashed):
		return kindCrashed
	case errors.Is(err, ErrParserTimeout):
		return kindTimeout
	default:
		return kindOther
	}
}

func errorForKind(kind, msg string) error {
	var base error

	switch kind {
	case kindNotAWorkbook:
		base = ErrNotAWorkbook
	case kindCorruptPackage:
		base = ErrCorruptPackage
	case kindCrashed:
		base = ErrParserCrashed
	case kindTimeout:
		base = ErrParserTimeout
	default:
		return errors.New("xlparse: " + msg)
	}

	if msg == "" {
		return base
	}

	return errors.Join(base, errors.New(msg))
}
