package gallery

import (
	"path"
	"strings"
)

// InDirectory reports whether relativePath lies under directory. Both sides
// are normalized to slash-separated, root-relative form, so a storage
// relative path ("DCIM/Camera/") and a file path under the storage root
// ("DCIM/Camera/IMG_1.jpg") match the same way. An empty directory matches
// everything.
func InDirectory(relativePath string, directory string) bool {
	dir := normalizePath(directory)
	if dir == "" {
		return true
	}
	rel := normalizePath(relativePath)
	if strings.HasSuffix(strings.ReplaceAll(relativePath, `\`, "/"), "/") {
		rel += "/"
	}
	return strings.HasPrefix(rel, dir+"/")
}

// RelativeTo returns p relative to root in slash form, or false when p is
// outside root.
func RelativeTo(root string, p string) (string, bool) {
	r := normalizePath(root)
	n := normalizePath(p)
	if r == "" {
		return n, true
	}
	if !strings.HasPrefix(n, r+"/") {
		return "", false
	}
	return strings.TrimPrefix(n, r+"/"), true
}

func normalizePath(p string) string {
	p = strings.TrimSpace(strings.ReplaceAll(p, `\`, "/"))
	if p == "" {
		return ""
	}
	p = path.Clean("/" + p)
	return strings.TrimPrefix(p, "/")
}
