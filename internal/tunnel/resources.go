package tunnel

import (
	"strings"

	"github.com/kuuji/ztcore/pkg/protocol"
)

// GetDescription resolves a queried DNS name against a set of DNS resource
// patterns (keyed by the pattern string itself), in the fixed priority
// order §4.4 specifies:
//
//  1. exact match against name,
//  2. single-label wildcard on name itself ("?.<name>"),
//  3. single-label wildcard on name's parent ("?.<parent(name)>"),
//  4. multi-label wildcard ("*.<suffix>") against name and every proper
//     suffix of name, from most to least specific.
func GetDescription(resources map[string]protocol.ResourceDescription, name string) (protocol.ResourceDescription, bool) {
	if r, ok := resources[name]; ok {
		return r, true
	}
	if r, ok := resources["?."+name]; ok {
		return r, true
	}
	if p := parent(name); p != "" {
		if r, ok := resources["?."+p]; ok {
			return r, true
		}
	}
	for suffix := name; suffix != ""; suffix = parent(suffix) {
		if r, ok := resources["*."+suffix]; ok {
			return r, true
		}
	}
	return protocol.ResourceDescription{}, false
}

// IsSubdomain reports whether name falls under pattern, applying the same
// wildcard semantics GetDescription uses for matching (§4.4).
func IsSubdomain(name, pattern string) bool {
	switch {
	case strings.HasPrefix(pattern, "?."):
		p := parent(pattern)
		return p == name || p == parent(name)
	case strings.HasPrefix(pattern, "*."):
		return isDomainSuffix(name, parent(pattern))
	default:
		return name == pattern
	}
}

// parent strips the leftmost label from name. Returns "" if name has no
// parent (a single label, or the empty string).
func parent(name string) string {
	i := strings.IndexByte(name, '.')
	if i < 0 {
		return ""
	}
	return name[i+1:]
}

// isDomainSuffix reports whether suffix is name itself or a dot-delimited
// zone suffix of name — not merely a character-string suffix, so
// "afoo.com" does not satisfy isDomainSuffix(_, "foo.com").
func isDomainSuffix(name, suffix string) bool {
	return name == suffix || strings.HasSuffix(name, "."+suffix)
}
