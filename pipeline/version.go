package pipeline

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is an (interface, quality, revision) triple with lexicographic
// ordering. Interface changes mean the file layout changed, quality changes
// mean the data changed, revision changes mean the producing code changed.
type Version struct {
	Interface int
	Quality   int
	Revision  int
}

// FirstVersion is the version assigned to a product's first file on a date.
var FirstVersion = Version{Interface: 1, Quality: 0, Revision: 0}

// ParseVersion accepts "1.2.3" and "v1.2.3".
func ParseVersion(s string) (Version, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "v")
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return Version{}, fmt.Errorf("malformed version %q", s)
	}
	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return Version{}, fmt.Errorf("malformed version %q", s)
		}
		nums[i] = n
	}
	return Version{Interface: nums[0], Quality: nums[1], Revision: nums[2]}, nil
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Interface, v.Quality, v.Revision)
}

// Tag is the filename form used by the {v} template placeholder.
func (v Version) Tag() string {
	return "v" + v.String()
}

// Compare returns -1, 0 or 1 ordering versions lexicographically.
func (v Version) Compare(o Version) int {
	if v.Interface != o.Interface {
		return sign(v.Interface - o.Interface)
	}
	if v.Quality != o.Quality {
		return sign(v.Quality - o.Quality)
	}
	return sign(v.Revision - o.Revision)
}

func sign(n int) int {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
	default:
		return 0
	}
}

// Newer reports whether a is strictly newer than b.
func Newer(a, b Version) bool {
	return a.Compare(b) > 0
}

// MaxVersion returns the newest of the given versions. ok is false for an
// empty slice.
func MaxVersion(versions []Version) (Version, bool) {
	if len(versions) == 0 {
		return Version{}, false
	}
	max := versions[0]
	for _, v := range versions[1:] {
		if Newer(v, max) {
			max = v
		}
	}
	return max, true
}

// Bump rules: each bump resets the lower-order fields.

func (v Version) BumpInterface() Version {
	return Version{Interface: v.Interface + 1}
}

func (v Version) BumpQuality() Version {
	return Version{Interface: v.Interface, Quality: v.Quality + 1}
}

func (v Version) BumpRevision() Version {
	return Version{Interface: v.Interface, Quality: v.Quality, Revision: v.Revision + 1}
}
