package diffgrid

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ckcm0210/xlwatch/internal/cells"
)

func defaultPolicy() Policy {
	return Policy{
		TrackDirectValueChanges: true,
		TrackFormulaChanges:     true,
		TrackExternalReferences: true,
		IgnoreIndirectChanges:   true,
		ShowExternalRefresh:     true,
	}
}

func num(v float64) *cells.Scalar { return cells.ScalarPtr(cells.Number(v)) }

func TestClassifyTable(t *testing.T) {
	t.Parallel()

	extFormula := `='C:\data\[X.xlsx]Sheet1'!A1`

	tests := []struct {
		name     string
		old, new *cells.Cell
		want     Classification
	}{
		{"both absent", nil, nil, ClassNone},
		{"added", nil, &cells.Cell{Value: num(1)}, ClassAdded},
		{"deleted", &cells.Cell{Value: num(1)}, nil, ClassDeleted},
		{"identical", &cells.Cell{Value: num(1)}, &cells.Cell{Value: num(1)}, ClassNone},
		{
			"direct value change",
			&cells.Cell{Value: num(1)},
			&cells.Cell{Value: num(5)},
			ClassDirectValue,
		},
		{
			"internal formula change",
			&cells.Cell{Formula: "=B1+1", CachedValue: num(2)},
			&cells.Cell{Formula: "=B1+2", CachedValue: num(3)},
			ClassFormulaInternal,
		},
		{
			"external link change",
			&cells.Cell{Formula: extFormula, CachedValue: num(10), ExternalRef: true},
			&cells.Cell{Formula: `='C:\data\[Y.xlsx]Sheet1'!A1`, CachedValue: num(10), ExternalRef: true},
			ClassExternalLink,
		},
		{
			"link change when only one side external",
			&cells.Cell{Formula: "=B1", CachedValue: num(1)},
			&cells.Cell{Formula: extFormula, CachedValue: num(1), ExternalRef: true},
			ClassExternalLink,
		},
		{
			"external refresh",
			&cells.Cell{Formula: extFormula, CachedValue: num(10), ExternalRef: true},
			&cells.Cell{Formula: extFormula, CachedValue: num(11), ExternalRef: true},
			ClassExternalRefresh,
		},
		{
			"indirect recompute",
			&cells.Cell{Formula: "=B1+1", CachedValue: num(2)},
			&cells.Cell{Formula: "=B1+1", CachedValue: num(6)},
			ClassIndirect,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Classify(tt.old, tt.new, false, defaultPolicy()))
		})
	}
}

func TestClassifyExternalityByTextAlone(t *testing.T) {
	t.Parallel()

	// ExternalRef flag unset, but the formula text carries an indexed ref.
	old := &cells.Cell{Formula: "=[1]Sheet1!A1", CachedValue: num(10)}
	newC := &cells.Cell{Formula: "=[1]Sheet1!A1", CachedValue: num(11)}

	assert.Equal(t, ClassExternalRefresh, Classify(old, newC, false, defaultPolicy()))
}

func TestClassifySameInternalFormulaNeverDVC(t *testing.T) {
	t.Parallel()

	// Property: equal internal formulas only ever yield NONE or IND.
	for _, vals := range [][2]float64{{1, 1}, {1, 2}, {0, -1}} {
		old := &cells.Cell{Formula: "=SUM(A:A)", CachedValue: num(vals[0])}
		newC := &cells.Cell{Formula: "=SUM(A:A)", CachedValue: num(vals[1])}

		got := Classify(old, newC, false, defaultPolicy())
		assert.Contains(t, []Classification{ClassNone, ClassIndirect}, got)
	}
}

func TestClassifySuppressInternalSameValueEventDrivenOnly(t *testing.T) {
	t.Parallel()

	p := defaultPolicy()
	p.SuppressInternalSameValue = true

	old := &cells.Cell{Formula: "=B1+1", CachedValue: num(2)}
	newC := &cells.Cell{Formula: "=1+B1", CachedValue: num(2)}

	assert.Equal(t, ClassNone, Classify(old, newC, false, p))
	// Polling comparisons ignore the flag (source behavior).
	assert.Equal(t, ClassFormulaInternal, Classify(old, newC, true, p))
}

func TestClassifyFormulaOnlyMode(t *testing.T) {
	t.Parallel()

	p := defaultPolicy()
	p.FormulaOnlyMode = true

	assert.Equal(t, ClassNone,
		Classify(&cells.Cell{Value: num(1)}, &cells.Cell{Value: num(2)}, false, p))
}

func TestClassifyShowExternalRefreshOff(t *testing.T) {
	t.Parallel()

	p := defaultPolicy()
	p.ShowExternalRefresh = false

	ext := `='C:\d\[X.xlsx]S'!A1`
	old := &cells.Cell{Formula: ext, CachedValue: num(10), ExternalRef: true}
	newC := &cells.Cell{Formula: ext, CachedValue: num(11), ExternalRef: true}

	assert.Equal(t, ClassNone, Classify(old, newC, false, p))
}

func TestCompareIdenticalGridsEmpty(t *testing.T) {
	t.Parallel()

	g := cells.Grid{"S1": {"A1": {Value: num(1)}}}

	diffs, counters := Compare(g, g, false, defaultPolicy())
	assert.Empty(t, diffs)
	assert.Empty(t, counters)
}

func TestCompareScenarioDirectPlusIndirect(t *testing.T) {
	t.Parallel()

	oldGrid := cells.Grid{"S1": {
		"A1": {Formula: "=B1+1", CachedValue: num(2)},
		"B1": {Value: num(1)},
	}}
	newGrid := cells.Grid{"S1": {
		"A1": {Formula: "=B1+1", CachedValue: num(6)},
		"B1": {Value: num(5)},
	}}

	// Default policy ignores indirect changes: only the DVC survives.
	diffs, counters := Compare(oldGrid, newGrid, false, defaultPolicy())
	require.Len(t, diffs, 1)
	assert.Equal(t, "B1", diffs[0].Address)
	assert.Equal(t, ClassDirectValue, diffs[0].Classification)
	assert.Equal(t, 1, counters[ClassDirectValue])

	// With indirect tracking on, both deltas are reported in natural order.
	p := defaultPolicy()
	p.IgnoreIndirectChanges = false

	diffs, counters = Compare(oldGrid, newGrid, false, p)
	require.Len(t, diffs, 2)
	assert.Equal(t, "A1", diffs[0].Address)
	assert.Equal(t, ClassIndirect, diffs[0].Classification)
	assert.Equal(t, "B1", diffs[1].Address)
	assert.Equal(t, 1, counters[ClassIndirect])
}

func TestCompareDeterministicOrdering(t *testing.T) {
	t.Parallel()

	oldGrid := cells.Grid{}
	newGrid := cells.Grid{
		"Zeta":  {"B2": {Value: num(1)}, "A10": {Value: num(2)}, "A2": {Value: num(3)}},
		"Alpha": {"AA1": {Value: num(4)}, "C1": {Value: num(5)}},
	}

	diffs, _ := Compare(oldGrid, newGrid, false, defaultPolicy())

	var got []string
	for _, d := range diffs {
		got = append(got, d.Sheet+"!"+d.Address)
	}

	assert.Equal(t, []string{"Alpha!C1", "Alpha!AA1", "Zeta!A2", "Zeta!A10", "Zeta!B2"}, got)
}

func TestDeduperSuppressesWithinWindow(t *testing.T) {
	t.Parallel()

	d := NewDeduper(time.Minute)

	now := time.Unix(1700000000, 0)
	d.nowFunc = func() time.Time { return now }

	diffs := []Diff{{Sheet: "S1", Address: "A1", Classification: ClassDirectValue}}

	assert.True(t, d.ShouldEmit("/a/Book.xlsx", diffs))
	assert.False(t, d.ShouldEmit("/a/Book.xlsx", diffs), "identical signature inside window")
	assert.True(t, d.ShouldEmit("/b/Book.xlsx", diffs), "different file, different signature")

	now = now.Add(2 * time.Minute)
	assert.True(t, d.ShouldEmit("/a/Book.xlsx", diffs), "window expired")
}

func TestQuickSkip(t *testing.T) {
	t.Parallel()

	mtime := time.Unix(1700000000, 0)

	// Polling + matching stat → skip.
	assert.True(t, QuickSkip(true, true, mtime.UnixNano(), 100, mtime, 100, 2*time.Second))
	// Within tolerance → skip.
	assert.True(t, QuickSkip(true, true, mtime.UnixNano(), 100, mtime.Add(time.Second), 100, 2*time.Second))
	// Event-driven comparisons never skip.
	assert.False(t, QuickSkip(false, true, mtime.UnixNano(), 100, mtime, 100, 2*time.Second))
	// Disabled, size mismatch, and drift beyond tolerance all parse.
	assert.False(t, QuickSkip(true, false, mtime.UnixNano(), 100, mtime, 100, 2*time.Second))
	assert.False(t, QuickSkip(true, true, mtime.UnixNano(), 100, mtime, 101, 2*time.Second))
	assert.False(t, QuickSkip(true, true, mtime.UnixNano(), 100, mtime.Add(5*time.Second), 100, 2*time.Second))
}
