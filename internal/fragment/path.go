package fragment

import (
	"fmt"
	"path"
	"strings"
)

// GroupKeyFromPath derives the group key from a fragment's location, following
// rustdoc's layout: implementors/<crate>/<module...>/<kind>.<Name>.js maps to
// <crate>::<module...>::<Name>. Leading components up to and including the last
// "implementors" directory are ignored.
func GroupKeyFromPath(p string) (string, error) {
	p = path.Clean(strings.ReplaceAll(p, "\\", "/"))
	p = trimExtension(p)

	segments := strings.Split(strings.Trim(p, "/"), "/")
	for i := len(segments) - 1; i >= 0; i-- {
		if segments[i] == "implementors" {
			segments = segments[i+1:]
			break
		}
	}
	if len(segments) == 0 || segments[len(segments)-1] == "" || segments[len(segments)-1] == "." {
		return "", fmt.Errorf("no item name in fragment path %q", p)
	}

	last := segments[len(segments)-1]
	if _, name, ok := strings.Cut(last, "."); ok {
		last = name
	}
	if last == "" {
		return "", fmt.Errorf("no item name in fragment path %q", p)
	}
	segments[len(segments)-1] = last
	return strings.Join(segments, "::"), nil
}

func trimExtension(p string) string {
	p = strings.TrimSuffix(p, ".zst")
	for _, ext := range []string{".js", ".json"} {
		if strings.HasSuffix(p, ext) {
			return strings.TrimSuffix(p, ext)
		}
	}
	return p
}

// IsFragment reports whether name looks like a fragment file.
func IsFragment(name string) bool {
	name = strings.TrimSuffix(name, ".zst")
	return strings.HasSuffix(name, ".js") || strings.HasSuffix(name, ".json")
}

func isJSON(name string) bool {
	return strings.HasSuffix(strings.TrimSuffix(name, ".zst"), ".json")
}
