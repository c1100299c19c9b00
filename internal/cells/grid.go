package cells

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Sheet maps A1-style addresses to cells. Empty cells are absent.
type Sheet map[string]Cell

// Grid maps sheet names to sheets. Sheet-name order is not significant for
// equality; the canonical serialization sorts keys.
type Grid map[string]Sheet

// CellCount returns the total number of non-empty cells across all sheets.
func (g Grid) CellCount() int {
	n := 0
	for _, ws := range g {
		n += len(ws)
	}

	return n
}

// Equal reports structural equality of two grids.
func (g Grid) Equal(o Grid) bool {
	if len(g) != len(o) {
		return false
	}

	for name, ws := range g {
		ows, ok := o[name]
		if !ok || len(ws) != len(ows) {
			return false
		}

		for addr, c := range ws {
			oc, ok := ows[addr]
			if !ok || !c.Equal(oc) {
				return false
			}
		}
	}

	return true
}

// Hash returns the grid's content fingerprint: hex SHA-256 over the
// canonical JSON form. encoding/json sorts map keys and Cell has a fixed
// field order, so the hash is stable under iteration order.
func (g Grid) Hash() (string, error) {
	if g == nil {
		g = Grid{}
	}

	data, err := json.Marshal(g)
	if err != nil {
		return "", fmt.Errorf("cells: hashing grid: %w", err)
	}

	sum := sha256.Sum256(data)

	return hex.EncodeToString(sum[:]), nil
}

// SheetNames returns the grid's sheet names in canonical (sorted) order.
func (g Grid) SheetNames() []string {
	names := make([]string, 0, len(g))
	for name := range g {
		names = append(names, name)
	}

	sortStrings(names)

	return names
}
