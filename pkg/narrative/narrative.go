// Package narrative names clusters of posts and writes trend descriptions
// through an LLM.
package narrative

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNamingUnavailable is returned when the LLM could not be reached or its
// reply could not be parsed. It only affects the cluster being named.
var ErrNamingUnavailable = errors.New("naming unavailable")

// Candidate is one proposed trend for a cluster.
type Candidate struct {
	Title     string  `json:"title"`
	Relevance float64 `json:"relevance_score"`
}

// Namer proposes zero or more trend titles for a cluster's post bodies.
type Namer interface {
	NameTrends(ctx context.Context, texts []string) ([]Candidate, error)
}

// Describer writes a narrative description for a named trend.
type Describer interface {
	DescribeTrend(ctx context.Context, title string, samples []string) (string, error)
}

// Placeholder is the description stored when a trend is first created.
func Placeholder(title string) string {
	return "Trending topic: " + title
}

// Fallback is the description used when the LLM fails to describe a trend.
func Fallback(title string) string {
	return fmt.Sprintf("Trend related to %s based on recent social media discussions.", title)
}

// Titles returns the distinct non-empty titles of cands in order, trimmed.
func Titles(cands []Candidate) []string {
	seen := make(map[string]bool, len(cands))
	var out []string
	for _, c := range cands {
		t := strings.TrimSpace(c.Title)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
