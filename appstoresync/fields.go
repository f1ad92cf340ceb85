package appstoresync

import (
	"strings"
)

// normalizeField folds a column or attribute name down to a comparable form:
// lower case, trimmed, inner whitespace runs collapsed to single underscores.
func normalizeField(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	fields := strings.Fields(s)
	return strings.Join(fields, "_")
}

// attrString resolves a value from a schema-free attribute map by trying
// each alias in order. Alias matching is case-insensitive.
func attrString(attrs map[string]interface{}, aliases ...string) string {
	if attrs == nil {
		return ""
	}
	for _, alias := range aliases {
		for k, v := range attrs {
			if !strings.EqualFold(k, alias) {
				continue
			}
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

func attrBool(attrs map[string]interface{}, name string) bool {
	if attrs == nil {
		return false
	}
	for k, v := range attrs {
		if strings.EqualFold(k, name) {
			if b, ok := v.(bool); ok {
				return b
			}
		}
	}
	return false
}

// fieldResolver maps raw TSV header names to column positions. Raw schemas
// drift across report revisions, so callers look columns up through ordered
// alias lists rather than fixed offsets.
type fieldResolver struct {
	index map[string]int
}

func newFieldResolver(header []string) *fieldResolver {
	idx := make(map[string]int, len(header))
	for i, name := range header {
		key := normalizeField(name)
		if _, seen := idx[key]; !seen {
			idx[key] = i
		}
	}
	return &fieldResolver{index: idx}
}

// lookup returns the position of the first alias present in the header.
func (r *fieldResolver) lookup(aliases ...string) (int, bool) {
	for _, alias := range aliases {
		if i, ok := r.index[normalizeField(alias)]; ok {
			return i, true
		}
	}
	return 0, false
}
