package cells

import (
	"sort"
	"strconv"
	"strings"
)

// SplitAddress splits an A1-style address into column letters and row
// number. Returns ok=false for anything that does not look like A1 form.
func SplitAddress(addr string) (col string, row int, ok bool) {
	i := 0
	for i < len(addr) && addr[i] >= 'A' && addr[i] <= 'Z' {
		i++
	}

	if i == 0 || i == len(addr) {
		return "", 0, false
	}

	row, err := strconv.Atoi(addr[i:])
	if err != nil || row < 1 {
		return "", 0, false
	}

	return addr[:i], row, true
}

// CompareAddresses orders addresses naturally: shorter column runs first
// (A before AA), then lexicographic within a length, then numeric row.
// Malformed addresses sort after well-formed ones, by plain string compare.
func CompareAddresses(a, b string) int {
	ac, ar, aok := SplitAddress(a)
	bc, br, bok := SplitAddress(b)

	if !aok || !bok {
		if aok != bok {
			if aok {
				return -1
			}

			return 1
		}

		return strings.Compare(a, b)
	}

	if len(ac) != len(bc) {
		return len(ac) - len(bc)
	}

	if c := strings.Compare(ac, bc); c != 0 {
		return c
	}

	return ar - br
}

// SortAddresses sorts addresses in place into natural order.
func SortAddresses(addrs []string) {
	sort.Slice(addrs, func(i, j int) bool {
		return CompareAddresses(addrs[i], addrs[j]) < 0
	})
}

func sortStrings(s []string) { sort.Strings(s) }
