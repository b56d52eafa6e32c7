package source

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SourceType identifies which acquisition channel a post came from.
type SourceType string

const (
	SourceTwitter SourceType = "twitter"
	SourceNitter  SourceType = "nitter"
)

// ErrSourceUnavailable is returned when the acquisition channel cannot be
// reached or rejects the request. Callers abort the run before any writes.
var ErrSourceUnavailable = errors.New("source unavailable")

// Author is the identity of a post's creator as reported by the source.
type Author struct {
	Handle        string `json:"handle"`
	DisplayName   string `json:"display_name"`
	FollowerCount int64  `json:"follower_count"`
}

// Metrics is a point-in-time engagement reading.
type Metrics struct {
	Likes    int64 `json:"likes"`
	Comments int64 `json:"comments"`
	Reposts  int64 `json:"reposts"`
}

// RawPost is one post as returned by a Source, before persistence.
type RawPost struct {
	ExternalID  string    `json:"external_id"`
	Body        string    `json:"body"`
	PublishedAt time.Time `json:"published_at"`
	Author      Author    `json:"author"`
	Metrics     Metrics   `json:"metrics"`
}

// ValidationError reports a RawPost field that failed boundary checks.
type ValidationError struct {
	ExternalID string
	Field      string
	Reason     string
}

func (e *ValidationError) Error() string {
	if e.ExternalID == "" {
		return fmt.Sprintf("invalid post: %s %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid post %s: %s %s", e.ExternalID, e.Field, e.Reason)
}

// Validate checks the fields the pipeline depends on.
func (p RawPost) Validate() error {
	invalid := func(field, reason string) error {
		return &ValidationError{ExternalID: p.ExternalID, Field: field, Reason: reason}
	}

	switch {
	case strings.TrimSpace(p.ExternalID) == "":
		return invalid("external_id", "is required")
	case strings.TrimSpace(p.Body) == "":
		return invalid("body", "is required")
	case strings.TrimSpace(p.Author.Handle) == "":
		return invalid("author.handle", "is required")
	case p.PublishedAt.IsZero():
		return invalid("published_at", "is required")
	case p.Author.FollowerCount < 0:
		return invalid("author.follower_count", "must not be negative")
	case p.Metrics.Likes < 0:
		return invalid("metrics.likes", "must not be negative")
	case p.Metrics.Comments < 0:
		return invalid("metrics.comments", "must not be negative")
	case p.Metrics.Reposts < 0:
		return invalid("metrics.reposts", "must not be negative")
	}
	return nil
}

// Source is the interface every acquisition channel implements.
type Source interface {
	Name() SourceType
	FetchPosts(ctx context.Context, searchTerms []string, maxResults int) ([]RawPost, error)
}

// BuildQuery joins quoted search terms with OR and restricts the search to
// English posts that are not retweets.
func BuildQuery(terms []string) string {
	quoted := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		quoted = append(quoted, `"`+strings.ReplaceAll(t, `"`, "")+`"`)
	}
	return strings.Join(quoted, " OR ") + " lang:en -is:retweet"
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
