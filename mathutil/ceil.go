package mathutil

import (
	"golang.org/x/exp/constraints"
)

// CeilInts is integer ceiling division, used to size the ranged-part count
// of a parallel download from a total byte length and a part size.
func CeilInts[T constraints.Integer](a, b T) T {
	if (a < 0) == (b < 0) {
		if a > 0 {
			return (a + b - 1) / b
		} else {
			return (a + b + 1) / b
		}
	} else {
		return a / b
	}
}
