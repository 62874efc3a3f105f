package reconcile

import (
	"fmt"
	"strings"
)

// isAbsPath reports whether a forward-slash path is absolute, including
// Windows drive-letter forms ("C:/...").
func isAbsPath(p string) bool {
	if strings.HasPrefix(p, "/") {
		return true
	}
	return len(p) >= 2 && p[1] == ':' &&
		((p[0] >= 'A' && p[0] <= 'Z') || (p[0] >= 'a' && p[0] <= 'z'))
}

// RelativePath strips the input root prefix from an absolute path exactly
// once, preserving forward-slash separators. Roots ending in a drive
// separator ("X:") keep no joining slash to strip.
func RelativePath(root, abs string) (string, error) {
	if strings.Contains(abs, `\`) {
		return "", fmt.Errorf("path %s contains backslashes", abs)
	}
	if !strings.HasPrefix(abs, root) {
		return "", fmt.Errorf("path %s is not under input root %s", abs, root)
	}

	if strings.HasSuffix(root, ":") {
		return strings.Replace(abs, root, "", 1), nil
	}
	return strings.Replace(abs, root+"/", "", 1), nil
}

// AbsolutePath re-joins a relative path to the input root; the inverse of
// RelativePath.
func AbsolutePath(root, rel string) string {
	if strings.HasSuffix(root, ":") {
		return root + rel
	}
	return root + "/" + rel
}
