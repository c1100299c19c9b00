// Package cells defines the canonical in-memory representation of a
// workbook: scalar cell values, cells, and the sheet → address → cell grid,
// along with structural equality and the content hash used by baselines.
package cells

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// ScalarKind enumerates the closed set of value types a cell can hold.
type ScalarKind uint8

// Scalar kinds. Dates are carried as epoch seconds under KindNumber; the
// parser converts workbook serial dates at ingest.
const (
	KindNull ScalarKind = iota
	KindBool
	KindNumber
	KindString
)

// Scalar is an immutable tagged-union cell value. The zero value is null.
type Scalar struct {
	kind ScalarKind
	b    bool
	f    float64
	s    string
}

// Null returns the null scalar.
func Null() Scalar { return Scalar{} }

// Bool returns a boolean scalar.
func Bool(v bool) Scalar { return Scalar{kind: KindBool, b: v} }

// Number returns a numeric scalar. Integers and dates-as-epoch share this
// representation.
func Number(v float64) Scalar { return Scalar{kind: KindNumber, f: v} }

// String returns a string scalar.
func String(v string) Scalar { return Scalar{kind: KindString, s: v} }

// Kind reports the scalar's kind tag.
func (s Scalar) Kind() ScalarKind { return s.kind }

// IsNull reports whether the scalar is null.
func (s Scalar) IsNull() bool { return s.kind == KindNull }

// Equal reports structural equality. NaN never equals anything, matching
// spreadsheet engines (a NaN cached value always reads as changed).
func (s Scalar) Equal(o Scalar) bool {
	if s.kind != o.kind {
		return false
	}

	switch s.kind {
	case KindBool:
		return s.b == o.b
	case KindNumber:
		return s.f == o.f
	case KindString:
		return s.s == o.s
	default:
		return true
	}
}

// Render returns the scalar formatted for logs and CSV rows. Numbers use
// the shortest representation that round-trips; null renders empty.
func (s Scalar) Render() string {
	switch s.kind {
	case KindBool:
		if s.b {
			return "TRUE"
		}

		return "FALSE"
	case KindNumber:
		return strconv.FormatFloat(s.f, 'g', -1, 64)
	case KindString:
		return s.s
	default:
		return ""
	}
}

// MarshalJSON emits the bare JSON value (null, bool, number, or string) so
// baselines and snapshots stay readable by external tooling.
func (s Scalar) MarshalJSON() ([]byte, error) {
	switch s.kind {
	case KindBool:
		return json.Marshal(s.b)
	case KindNumber:
		if math.IsNaN(s.f) || math.IsInf(s.f, 0) {
			// JSON has no NaN/Inf; store as string to avoid a marshal error.
			return json.Marshal(strconv.FormatFloat(s.f, 'g', -1, 64))
		}

		return json.Marshal(s.f)
	case KindString:
		return json.Marshal(s.s)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON reconstructs the scalar from a bare JSON value.
func (s *Scalar) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("cells: decoding scalar: %w", err)
	}

	switch v := raw.(type) {
	case nil:
		*s = Null()
	case bool:
		*s = Bool(v)
	case float64:
		*s = Number(v)
	case string:
		*s = String(v)
	default:
		return fmt.Errorf("cells: scalar cannot hold %T", raw)
	}

	return nil
}

// FromAny converts a dynamically typed value (as produced by parsers and
// JSON decoding) into a Scalar. Integer types are widened to float64.
// Unsupported types are stringified rather than dropped, so a surprising
// parser value still produces a comparable scalar.
func FromAny(v any) Scalar {
	switch t := v.(type) {
	case nil:
		return Null()
	case bool:
		return Bool(t)
	case int:
		return Number(float64(t))
	case int64:
		return Number(float64(t))
	case float64:
		return Number(t)
	case float32:
		return Number(float64(t))
	case string:
		return String(t)
	default:
		return String(fmt.Sprint(t))
	}
}
