package source

import "strings"

// Filter keeps posts that mention at least one keyword and none of the
// excluded ones. An empty keyword list admits everything not excluded.
type Filter struct {
	keywords []string
	exclude  []string
}

// NewFilter creates a case-insensitive keyword filter.
func NewFilter(keywords, excludeKeywords []string) *Filter {
	return &Filter{keywords: lowerAll(keywords), exclude: lowerAll(excludeKeywords)}
}

// Matches reports whether text passes the filter.
func (f *Filter) Matches(text string) bool {
	lower := strings.ToLower(text)

	for _, ex := range f.exclude {
		if strings.Contains(lower, ex) {
			return false
		}
	}

	if len(f.keywords) == 0 {
		return true
	}
	for _, kw := range f.keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// Apply returns the posts whose body passes the filter, in input order.
func (f *Filter) Apply(posts []RawPost) []RawPost {
	if f == nil {
		return posts
	}
	kept := posts[:0:0]
	for _, p := range posts {
		if f.Matches(p.Body) {
			kept = append(kept, p)
		}
	}
	return kept
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, kw := range in {
		if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" {
			out = append(out, kw)
		}
	}
	return out
}
