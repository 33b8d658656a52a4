package firmware

import (
	"strconv"
	"strings"
)

// CompareVersions orders dotted firmware versions such as "4.13.2" or "D3.4".
// Numeric components compare numerically, anything else lexically. A leading
// "v" is ignored. Returns -1, 0 or 1.
func CompareVersions(a, b string) int {
	pa := versionParts(a)
	pb := versionParts(b)
	for i := 0; i < max(len(pa), len(pb)); i++ {
		var x, y string
		if i < len(pa) {
			x = pa[i]
		}
		if i < len(pb) {
			y = pb[i]
		}
		if c := compareComponent(x, y); c != 0 {
			return c
		}
	}
	return 0
}

func versionParts(v string) []string {
	v = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(v)), "v")
	if v == "" {
		return nil
	}
	return strings.FieldsFunc(v, func(r rune) bool { return r == '.' || r == '-' || r == '_' })
}

func compareComponent(x, y string) int {
	nx, errX := strconv.Atoi(x)
	ny, errY := strconv.Atoi(y)
	switch {
	case x == "" && y == "":
		return 0
	case x == "":
		if errY == nil && ny == 0 {
			return 0
		}
		return -1
	case y == "":
		if errX == nil && nx == 0 {
			return 0
		}
		return 1
	case errX == nil && errY == nil:
		switch {
		case nx < ny:
			return -1
		case nx > ny:
			return 1
		}
		return 0
	default:
		return strings.Compare(x, y)
	}
}
