package ota

import (
	"strconv"
	"strings"
)

// CompareVersions compares two version tags of the form [v]MAJ.MIN.PAT[-suffix].
// Returns >0 if a is newer, <0 if b is newer, 0 if equal. With equal numeric
// bases a plain release beats a suffixed prerelease; two different suffixes
// are not comparable, so the left argument wins. That keeps a device on a
// local git-describe build eligible for the next official tag.
func CompareVersions(a, b string) int {
	aBase, aSuffix := splitVersion(a)
	bBase, bSuffix := splitVersion(b)

	for i := 0; i < 3; i++ {
		if d := aBase[i] - bBase[i]; d != 0 {
			return d
		}
	}

	switch {
	case aSuffix == "" && bSuffix != "":
		return 1
	case aSuffix != "" && bSuffix == "":
		return -1
	case aSuffix != bSuffix:
		return 1
	default:
		return 0
	}
}

// splitVersion strips an optional leading v and returns the numeric triple
// plus the suffix after the first dash. Missing components parse as 0.
func splitVersion(tag string) ([3]int, string) {
	tag = strings.TrimPrefix(strings.TrimPrefix(tag, "v"), "V")

	base := tag
	suffix := ""
	if i := strings.IndexByte(tag, '-'); i >= 0 {
		base = tag[:i]
		suffix = tag[i+1:]
	}

	var nums [3]int
	for i, part := range strings.SplitN(base, ".", 3) {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			break
		}
		nums[i] = n
	}
	return nums, suffix
}
