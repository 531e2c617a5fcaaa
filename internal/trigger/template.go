// Package trigger holds the pure decision logic of the notification engine:
// message templating, quiet-hours evaluation, the pattern detector registry,
// and the periodic processors that turn schedules, detector matches, and
// insights into queued triggers.
package trigger

import (
	"fmt"
	"regexp"
	"strings"
)

var placeholderPattern = regexp.MustCompile(`\{([A-Za-z0-9_]+(?:\.[A-Za-z0-9_]+)*)\}`)

// RenderTemplate expands {dotted.path} placeholders by resolving each path
// through nested string-keyed maps. A missing segment or a non-map
// intermediate leaves the placeholder text unchanged; rendering never fails.
func RenderTemplate(tmpl string, data map[string]any) string {
	if !strings.Contains(tmpl, "{") {
		return tmpl
	}
	return placeholderPattern.ReplaceAllStringFunc(tmpl, func(match string) string {
		path := match[1 : len(match)-1]
		val, ok := resolvePath(data, path)
		if !ok {
			return match
		}
		return fmt.Sprintf("%v", val)
	})
}

func resolvePath(data map[string]any, path string) (any, bool) {
	var current any = data
	for _, segment := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[segment]
		if !ok {
			return nil, false
		}
	}
	return current, true
}
