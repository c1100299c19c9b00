package xlparse

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPrettyFormulaIndexedRef(t *testing.T) {
	t.Parallel()

	refs := map[int]string{1: "file:///C:/data/X.xlsx"}

	got := PrettyFormula("=[1]Sheet1!A1", refs)
	assert.Equal(t, `='C:\data\[X.xlsx]Sheet1'!A1`, got)
}

func TestPrettyFormulaIdempotent(t *testing.T) {
	t.Parallel()

	refs := map[int]string{1: "file:///C:/data/X.xlsx"}

	once := PrettyFormula("=[1]Sheet1!A1+[1]Sheet1!B2", refs)
	twice := PrettyFormula(once, refs)
	assert.Equal(t, once, twice)
}

func TestPrettyFormulaSheetNameWithQuote(t *testing.T) {
	t.Parallel()

	refs := map[int]string{2: `C:\data\Q.xlsx`}

	got := PrettyFormula("=[2]O'Brien!B2", refs)
	assert.Equal(t, `='C:\data\[Q.xlsx]O''Brien'!B2`, got)
	assert.NotContains(t, got, `''!`)
}

func TestPrettyFormulaUNCTarget(t *testing.T) {
	t.Parallel()

	refs := map[int]string{1: "file://srv/share/a/B.xlsx"}

	got := PrettyFormula("=[1]S!C3", refs)
	assert.Equal(t, `='\\srv\share\a\[B.xlsx]S'!C3`, got)
}

func TestPrettyFormulaUnknownIndexLeftAlone(t *testing.T) {
	t.Parallel()

	got := PrettyFormula("=[9]Sheet1!A1", map[int]string{1: `C:\x.xlsx`})
	assert.Equal(t, "=[9]Sheet1!A1", got)
}

func TestPrettyFormulaNoRefMapIsNoOp(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "=[1]Sheet1!A1", PrettyFormula("=[1]Sheet1!A1", nil))
	assert.Equal(t, "", PrettyFormula("", map[int]string{1: "x"}))
}

func TestPrettyFormulaBareIndexAnnotated(t *testing.T) {
	t.Parallel()

	refs := map[int]string{3: `C:\ext\Z.xlsx`}

	got := PrettyFormula("=SUM([3])", refs)
	assert.Equal(t, `=SUM([external 3: C:\ext\Z.xlsx])`, got)
}

func TestHasExternalReference(t *testing.T) {
	t.Parallel()

	tests := []struct {
		formula string
		want    bool
	}{
		{"", false},
		{"=B1+1", false},
		{"=SUM(A1:A10)", false},
		{"=[1]Sheet1!A1", true},
		{`='C:\data\[X.xlsx]Sheet1'!A1`, true},
		{"=[Book1.xlsx]Sheet1!A1", true},
		{"=VLOOKUP(A1,[2]Data!B:C,2,0)", true},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, HasExternalReference(tt.formula), "formula %q", tt.formula)
	}
}

func TestNormalizeRefPath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
	}{
		{"", ""},
		{`C:\data\X.xlsx`, `C:\data\X.xlsx`},
		{"file:///C:/data/X.xlsx", `C:\data\X.xlsx`},
		{"file://server/share/X.xlsx", `\\server\share\X.xlsx`},
		{"file:///C:/My%20Data/X.xlsx", `C:\My Data\X.xlsx`},
		{`C:\\data\\\X.xlsx`, `C:\data\X.xlsx`},
		{`\\server\\share\X.xlsx`, `\\server\share\X.xlsx`},
		{"relative/dir/X.xlsx", `relative\dir\X.xlsx`},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeRefPath(tt.in), "input %q", tt.in)
	}
}
