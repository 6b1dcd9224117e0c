package rules

import (
	"fmt"
	"regexp"
	"strings"
)

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.]+)\s*\}\}`)

// HasReference reports whether s contains a {{field}} placeholder.
func HasReference(s string) bool {
	return placeholder.MatchString(s)
}

// Render substitutes {{field}} placeholders from lookup. Unknown fields are an error.
func Render(s string, lookup Lookup) (string, error) {
	var missing []string
	out := placeholder.ReplaceAllStringFunc(s, func(m string) string {
		key := placeholder.FindStringSubmatch(m)[1]
		v, ok := lookup(key)
		if !ok || v == nil {
			missing = append(missing, key)
			return ""
		}
		return stringForm(v)
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("unresolved reference %s", strings.Join(missing, ", "))
	}
	return out, nil
}
