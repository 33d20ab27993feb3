// Package vpath resolves client supplied paths inside a jail root.
//
// Resolution and confinement are separate steps: Resolve produces a
// canonical absolute path, and every caller that touches the filesystem
// checks the result with Within before using it.
package vpath

import (
	"errors"
	"strings"
)

// MaxPath is the longest path Resolve will produce, in bytes.
const MaxPath = 4096

var (
	// ErrTooLong is returned when the resolved path exceeds MaxPath.
	ErrTooLong = errors.New("vpath: resolved path too long")
	// ErrOutsideRoot is returned when the working directory does not
	// lie inside the jail root.
	ErrOutsideRoot = errors.New("vpath: working directory outside root")
)

// Resolve resolves target against cwd inside root. A target starting
// with "/" is taken relative to root, anything else relative to cwd.
// "." segments and empty segments are dropped; ".." removes the last
// segment but never climbs above root.
func Resolve(cwd, target, root string) (string, error) {
	root = trimRoot(root)

	base := cwd
	if strings.HasPrefix(target, "/") {
		base = root
	}
	if !Within(base, root) {
		return "", ErrOutsideRoot
	}

	var segs []string
	push := func(p string) {
		for _, seg := range strings.Split(p, "/") {
			switch seg {
			case "", ".":
			case "..":
				if len(segs) > 0 {
					segs = segs[:len(segs)-1]
				}
			default:
				segs = append(segs, seg)
			}
		}
	}
	push(base[len(root):])
	push(target)

	n := len(root)
	for _, seg := range segs {
		n += 1 + len(seg)
	}
	if n > MaxPath {
		return "", ErrTooLong
	}
	if len(segs) == 0 {
		if root == "" {
			return "/", nil
		}
		return root, nil
	}

	var b strings.Builder
	b.Grow(n)
	b.WriteString(root)
	for _, seg := range segs {
		b.WriteByte('/')
		b.WriteString(seg)
	}
	return b.String(), nil
}

// Within reports whether path equals root or lies below it.
func Within(path, root string) bool {
	root = trimRoot(root)
	if !strings.HasPrefix(path, root) {
		return false
	}
	rest := path[len(root):]
	return rest == "" || rest[0] == '/'
}

// Relative returns path as seen by the client, i.e. with root removed.
func Relative(path, root string) string {
	root = trimRoot(root)
	rel := strings.TrimPrefix(path, root)
	if rel == "" {
		return "/"
	}
	return rel
}

// trimRoot drops trailing slashes so "/" maps to the empty prefix.
func trimRoot(root string) string {
	return strings.TrimRight(root, "/")
}
