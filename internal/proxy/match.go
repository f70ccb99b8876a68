package proxy

import (
	"path"
	"strings"
)

// Match reports whether urlPath is claimed by pattern. A pattern without
// glob characters is a plain path prefix. Otherwise it is matched segment
// by segment with path.Match, and a "**" segment swallows the remaining
// segments (including none).
func Match(pattern, urlPath string) bool {
	if !strings.ContainsAny(pattern, "*?[") {
		return strings.HasPrefix(urlPath, pattern)
	}
	return matchSegments(splitPath(pattern), splitPath(urlPath))
}

func matchSegments(pat, segs []string) bool {
	for i, p := range pat {
		if p == "**" {
			rest := pat[i+1:]
			for j := i; j <= len(segs); j++ {
				if matchSegments(rest, segs[j:]) {
					return true
				}
			}
			return false
		}
		if i >= len(segs) {
			return false
		}
		ok, err := path.Match(p, segs[i])
		if err != nil || !ok {
			return false
		}
	}
	return len(pat) == len(segs)
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}
