package namespace

import "strings"

// Clean canonicalizes a catalogue path: it forces a leading slash,
// collapses repeated slashes, resolves "." and "..", and strips any
// trailing slash. The root stays "/".
func Clean(path string) string {
	var parts []string
	for _, seg := range strings.Split(path, "/") {
		switch seg {
		case "", ".":
		case "..":
			if len(parts) > 0 {
				parts = parts[:len(parts)-1]
			}
		default:
			parts = append(parts, seg)
		}
	}
	return "/" + strings.Join(parts, "/")
}

// Parent returns the directory holding the given clean path, with a
// trailing slash. The parent of "/" is "/".
func Parent(path string) string {
	if path == "/" {
		return "/"
	}
	i := strings.LastIndexByte(path, '/')
	return path[:i+1]
}

// Base returns the last segment of a clean path.
func Base(path string) string {
	i := strings.LastIndexByte(path, '/')
	return path[i+1:]
}
