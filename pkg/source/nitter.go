package source

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
)

// Nitter fetches posts from a Nitter instance's search RSS feed. The feed
// carries no engagement or follower data, so those are reported as zero.
type Nitter struct {
	client    *http.Client
	parser    *gofeed.Parser
	nitterURL string
	lookback  time.Duration
	now       func() time.Time
}

// NewNitter creates a search RSS source.
func NewNitter(nitterURL string, timeout time.Duration) *Nitter {
	if nitterURL == "" {
		nitterURL = "https://nitter.net"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Nitter{
		client:    &http.Client{Timeout: timeout},
		parser:    gofeed.NewParser(),
		nitterURL: strings.TrimRight(nitterURL, "/"),
		lookback:  24 * time.Hour,
		now:       time.Now,
	}
}

func (n *Nitter) Name() SourceType { return SourceNitter }

func (n *Nitter) FetchPosts(ctx context.Context, searchTerms []string, maxResults int) ([]RawPost, error) {
	if len(searchTerms) == 0 {
		return nil, nil
	}

	feedURL := fmt.Sprintf("%s/search/rss?f=tweets&q=%s", n.nitterURL, url.QueryEscape(BuildQuery(searchTerms)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create nitter request: %w", err)
	}
	req.Header.Set("User-Agent", "trendpulse/1.0")

	resp, err := n.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch nitter search: %v", ErrSourceUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: nitter search status %d", ErrSourceUnavailable, resp.StatusCode)
	}

	feed, err := n.parser.Parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: parse nitter feed: %v", ErrSourceUnavailable, err)
	}

	now := n.now().UTC()
	cutoff := now.Add(-n.lookback)

	var posts []RawPost
	for _, entry := range feed.Items {
		if maxResults > 0 && len(posts) >= maxResults {
			break
		}

		published := now
		if entry.PublishedParsed != nil {
			published = entry.PublishedParsed.UTC()
		}
		if published.Before(cutoff) {
			continue
		}

		handle := authorHandle(entry)

		body := entry.Title
		if body == "" {
			body = entry.Description
		}

		posts = append(posts, RawPost{
			ExternalID:  statusID(entry),
			Body:        truncate(strings.TrimSpace(body), 1000),
			PublishedAt: published,
			Author:      Author{Handle: handle, DisplayName: handle},
		})
	}
	return posts, nil
}

// statusID extracts the numeric status ID from a Nitter link
// (https://host/user/status/123#m), falling back to the GUID.
func statusID(entry *gofeed.Item) string {
	if u, err := url.Parse(entry.Link); err == nil && strings.Contains(u.Path, "/status/") {
		return path.Base(u.Path)
	}
	if entry.GUID != "" {
		return entry.GUID
	}
	return entry.Link
}

// authorHandle reads the poster from the item's authors, then dc:creator,
// then the first segment of the status link.
func authorHandle(entry *gofeed.Item) string {
	var name string
	for _, a := range entry.Authors {
		if a != nil && strings.TrimSpace(a.Name) != "" {
			name = a.Name
			break
		}
	}
	if name == "" && entry.DublinCoreExt != nil {
		for _, c := range entry.DublinCoreExt.Creator {
			if strings.TrimSpace(c) != "" {
				name = c
				break
			}
		}
	}
	if name == "" {
		if u, err := url.Parse(entry.Link); err == nil {
			name, _, _ = strings.Cut(strings.TrimPrefix(u.Path, "/"), "/")
		}
	}
	return strings.TrimPrefix(strings.TrimSpace(name), "@")
}
