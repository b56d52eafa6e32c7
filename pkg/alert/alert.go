package alert

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/elonfeng/trendpulse/internal/store"
)

// Sample is one post shown with an alert.
type Sample struct {
	Author string `json:"author"`
	Body   string `json:"body"`
	URL    string `json:"url"`
}

// Notification is the data sent to alert destinations.
type Notification struct {
	TrendID     int64     `json:"trend_id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Score       float64   `json:"score"`
	TotalPosts  int       `json:"total_posts"`
	URL         string    `json:"url,omitempty"`
	Samples     []Sample  `json:"samples"`
	At          time.Time `json:"at"`
}

// FromTrend builds the notification for a trend and its newest posts.
// dashboardURL, when set, is joined with the trend ID to link the detail view.
func FromTrend(t store.Trend, posts []store.PostView, dashboardURL string, at time.Time) *Notification {
	n := &Notification{
		TrendID:     t.ID,
		Title:       t.Title,
		Description: t.Description,
		Score:       t.LatestScore,
		TotalPosts:  t.TotalPosts,
		Samples:     make([]Sample, 0, len(posts)),
		At:          at.UTC(),
	}
	if dashboardURL != "" {
		n.URL = fmt.Sprintf("%s/api/v1/trends/%d", strings.TrimRight(dashboardURL, "/"), t.ID)
	}
	for _, p := range posts {
		n.Samples = append(n.Samples, Sample{
			Author: p.AuthorHandle,
			Body:   p.Body,
			URL:    fmt.Sprintf("https://x.com/%s/status/%s", p.AuthorHandle, p.ExternalID),
		})
	}
	return n
}

// Notifier delivers alerts to a specific destination.
type Notifier interface {
	Name() string
	Send(ctx context.Context, n *Notification) error
}

// Manager broadcasts notifications to all registered notifiers.
type Manager struct {
	notifiers []Notifier
}

// NewManager creates a new alert manager.
func NewManager(notifiers []Notifier) *Manager {
	return &Manager{notifiers: notifiers}
}

// HasNotifiers returns true if at least one notifier is configured.
func (m *Manager) HasNotifiers() bool {
	return len(m.notifiers) > 0
}

// Names lists the configured destinations.
func (m *Manager) Names() []string {
	names := make([]string, len(m.notifiers))
	for i, n := range m.notifiers {
		names[i] = n.Name()
	}
	return names
}

// Broadcast sends n to every notifier in parallel. One destination failing
// does not stop the others; all failures are joined.
func (m *Manager) Broadcast(ctx context.Context, n *Notification) error {
	errs := make([]error, len(m.notifiers))
	var g errgroup.Group
	for i, notifier := range m.notifiers {
		g.Go(func() error {
			if err := notifier.Send(ctx, n); err != nil {
				errs[i] = fmt.Errorf("%s: %w", notifier.Name(), err)
			}
			return nil
		})
	}
	g.Wait()
	return errors.Join(errs...)
}

func excerpt(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
