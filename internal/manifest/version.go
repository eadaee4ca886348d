package manifest

import (
	"strconv"
	"unicode"
)

// CompareVersions orders two manifest version strings naturally: digit
// runs compare numerically, everything else byte-wise. Course releases
// use forms like "9.3-2" that plain lexicographic ordering gets wrong
// ("10" before "9").
func CompareVersions(a, b string) int {
	for a != "" && b != "" {
		ca, a2 := chunk(a)
		cb, b2 := chunk(b)
		if c := compareChunk(ca, cb); c != 0 {
			return c
		}
		a, b = a2, b2
	}
	switch {
	case a == "" && b == "":
		return 0
	case a == "":
		return -1
	default:
		return 1
	}
}

// chunk splits off the leading run of digits or non-digits.
func chunk(s string) (string, string) {
	isDigit := unicode.IsDigit(rune(s[0]))
	for i, r := range s {
		if unicode.IsDigit(r) != isDigit {
			return s[:i], s[i:]
		}
	}
	return s, ""
}

func compareChunk(a, b string) int {
	na, errA := strconv.Atoi(a)
	nb, errB := strconv.Atoi(b)
	if errA == nil && errB == nil {
		switch {
		case na < nb:
			return -1
		case na > nb:
			return 1
		default:
			return 0
		}
	}
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
