package store

import (
	"fmt"
	"strings"
)

// CleanPath trims surrounding slashes and validates each segment.
// The empty string is the root.
func CleanPath(p string) (string, error) {
	p = strings.Trim(strings.TrimSpace(p), "/")
	if p == "" {
		return "", nil
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == "" {
			return "", fmt.Errorf("%w: empty segment in %q", ErrInvalidPath, p)
		}
		if strings.ContainsAny(seg, ".$#[]") {
			return "", fmt.Errorf("%w: illegal character in %q", ErrInvalidPath, seg)
		}
	}
	return p, nil
}

// Join appends child segments to a cleaned path.
func Join(parts ...string) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.Trim(p, "/"); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "/")
}

// Ancestors returns the proper ancestors of p, nearest last. The root is
// not included.
func Ancestors(p string) []string {
	segs := strings.Split(p, "/")
	out := make([]string, 0, len(segs))
	for i := 1; i < len(segs); i++ {
		out = append(out, strings.Join(segs[:i], "/"))
	}
	return out
}

// Under reports whether leaf is p itself or lies beneath it.
func Under(leaf, p string) bool {
	if p == "" {
		return true
	}
	return leaf == p || strings.HasPrefix(leaf, p+"/")
}

// Related reports whether a change at one path can affect a reader of the
// other.
func Related(a, b string) bool {
	return Under(a, b) || Under(b, a)
}

// ChildRange returns the half-open key range [lo, hi) that holds every
// path strictly under p in byte order.
func ChildRange(p string) (lo, hi string) {
	if p == "" {
		return "", "\xff"
	}
	return p + "/", p + "0" // '0' sorts right after '/'
}
