package bayeux

import "strings"

const (
	wildOne = "*"
	wildAll = "**"
)

// Match reports whether the channel name is covered by pattern. Patterns are
// hierarchical: a "*" segment matches exactly one level and a "**" segment
// matches every remaining level (at least one). Any other pattern only matches
// itself.
func Match(pattern, name string) bool {
	if pattern == name {
		return true
	}
	if !IsWild(pattern) {
		return false
	}
	ps := segments(pattern)
	ns := segments(name)
	for i, seg := range ps {
		if seg == wildAll {
			return len(ns) > i
		}
		if i >= len(ns) {
			return false
		}
		if seg != wildOne && seg != ns[i] {
			return false
		}
	}
	return len(ps) == len(ns)
}

// IsWild reports whether pattern contains a wildcard segment.
func IsWild(pattern string) bool {
	for _, seg := range segments(pattern) {
		if seg == wildOne || seg == wildAll {
			return true
		}
	}
	return false
}

func segments(name string) []string {
	name = strings.Trim(name, "/")
	if name == "" {
		return nil
	}
	return strings.Split(name, "/")
}
