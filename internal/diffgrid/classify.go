// Package diffgrid computes the meaningful-change set between two cell
// grids and classifies every delta. Output is deterministic: given the
// same grids and policy, the diff list is byte-identical across runs.
package diffgrid

import (
	"sort"

	"github.com/ckcm0210/xlwatch/internal/cells"
	"github.com/ckcm0210/xlwatch/internal/config"
	"github.com/ckcm0210/xlwatch/internal/xlparse"
)

// Classification is the closed set of cell-delta categories.
type Classification string

// Every delta lands in exactly one of these.
const (
	ClassNone            Classification = "NONE"
	ClassAdded           Classification = "ADD"
	ClassDeleted         Classification = "DEL"
	ClassDirectValue     Classification = "DVC"
	ClassFormulaInternal Classification = "FCI"
	ClassExternalLink    Classification = "XRLC"
	ClassExternalRefresh Classification = "XRU"
	ClassIndirect        Classification = "IND"
)

// Diff is one cell-address delta.
type Diff struct {
	Sheet          string         `json:"sheet"`
	Address        string         `json:"address"`
	Old            *cells.Cell    `json:"old,omitempty"`
	New            *cells.Cell    `json:"new,omitempty"`
	Classification Classification `json:"classification"`
}

// Counters aggregates emitted diffs by classification tag.
type Counters map[Classification]int

// Policy is the immutable classifier configuration.
type Policy struct {
	TrackDirectValueChanges   bool
	TrackFormulaChanges       bool
	TrackExternalReferences   bool
	IgnoreIndirectChanges     bool
	FormulaOnlyMode           bool
	SuppressInternalSameValue bool
	ShowExternalRefresh       bool
}

// PolicyFromConfig snapshots the compare section into a Policy.
func PolicyFromConfig(c config.CompareConfig) Policy {
	return Policy{
		TrackDirectValueChanges:   c.TrackDirectValueChanges,
		TrackFormulaChanges:       c.TrackFormulaChanges,
		TrackExternalReferences:   c.TrackExternalReferences,
		IgnoreIndirectChanges:     c.IgnoreIndirectChanges,
		FormulaOnlyMode:           c.FormulaOnlyMode,
		SuppressInternalSameValue: c.SuppressInternalSameValue,
		ShowExternalRefresh:       c.ShowExternalRefresh,
	}
}

// Classify categorizes one (old, new) cell pair. Either side may be nil
// (absent). polling disables suppress_internal_same_value, which applies
// to event-driven comparisons only.
func Classify(oldCell, newCell *cells.Cell, polling bool, p Policy) Classification {
	switch {
	case oldCell == nil && newCell == nil:
		return ClassNone
	case oldCell == nil:
		return ClassAdded
	case newCell == nil:
		return ClassDeleted
	}

	if oldCell.Equal(*newCell) {
		return ClassNone
	}

	external := oldCell.ExternalRef || newCell.ExternalRef ||
		xlparse.HasExternalReference(oldCell.Formula) || xlparse.HasExternalReference(newCell.Formula)

	oldVal, newVal := oldCell.Display(), newCell.Display()

	if oldCell.Formula != newCell.Formula {
		if external {
			return ClassExternalLink
		}

		if p.SuppressInternalSameValue && !polling && oldVal.Equal(newVal) {
			return ClassNone
		}

		return ClassFormulaInternal
	}

	// Formulas equal. Both present: a value delta is a recomputation.
	if oldCell.HasFormula() && newCell.HasFormula() && !oldVal.Equal(newVal) {
		if external {
			if !p.ShowExternalRefresh {
				return ClassNone
			}

			return ClassExternalRefresh
		}

		return ClassIndirect
	}

	if !oldCell.HasFormula() && !newCell.HasFormula() && !oldVal.Equal(newVal) {
		if p.FormulaOnlyMode {
			return ClassNone
		}

		return ClassDirectValue
	}

	return ClassNone
}

// suppressed reports whether the policy filters out a classification that
// Classify produced.
func suppressed(c Classification, p Policy) bool {
	switch c {
	case ClassDirectValue:
		return !p.TrackDirectValueChanges
	case ClassFormulaInternal:
		return !p.TrackFormulaChanges
	case ClassExternalLink, ClassExternalRefresh:
		return !p.TrackExternalReferences
	case ClassIndirect:
		return p.IgnoreIndirectChanges
	default:
		return false
	}
}

// Compare walks the union of sheets and addresses of both grids and
// returns the filtered diff set plus counters by tag. Sheets are ordered
// lexicographically, addresses naturally (column letters, then row).
func Compare(oldGrid, newGrid cells.Grid, polling bool, p Policy) ([]Diff, Counters) {
	var diffs []Diff

	counters := Counters{}

	for _, sheet := range unionSheets(oldGrid, newGrid) {
		oldWS, newWS := oldGrid[sheet], newGrid[sheet]

		for _, addr := range unionAddresses(oldWS, newWS) {
			oldCell := cellAt(oldWS, addr)
			newCell := cellAt(newWS, addr)

			c := Classify(oldCell, newCell, polling, p)
			if c == ClassNone || suppressed(c, p) {
				continue
			}

			counters[c]++

			diffs = append(diffs, Diff{
				Sheet:          sheet,
				Address:        addr,
				Old:            oldCell,
				New:            newCell,
				Classification: c,
			})
		}
	}

	return diffs, counters
}

func cellAt(ws cells.Sheet, addr string) *cells.Cell {
	if ws == nil {
		return nil
	}

	c, ok := ws[addr]
	if !ok {
		return nil
	}

	return &c
}

func unionSheets(a, b cells.Grid) []string {
	set := make(map[string]struct{}, len(a)+len(b))
	for name := range a {
		set[name] = struct{}{}
	}

	for name := range b {
		set[name] = struct{}{}
	}

	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

func unionAddresses(a, b cells.Sheet) []string {
	set := make(map[string]struct{}, len(a)+len(b))
	for addr := range a {
		set[addr] = struct{}{}
	}

	for addr := range b {
		set[addr] = struct{}{}
	}

	addrs := make([]string, 0, len(set))
	for addr := range set {
		addrs = append(addrs, addr)
	}

	cells.SortAddresses(addrs)

	return addrs
}
