package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mmcdole/gofeed"
	ext "github.com/mmcdole/gofeed/extensions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const nitterFeed = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0" xmlns:dc="http://purl.org/dc/elements/1.1/">
<channel>
  <title>search</title>
  <item>
    <title>Open weights model drops today</title>
    <dc:creator>@bob</dc:creator>
    <link>https://nitter.example/bob/status/1234#m</link>
    <guid>https://nitter.example/bob/status/1234#m</guid>
    <pubDate>Wed, 14 Oct 2026 09:00:00 GMT</pubDate>
  </item>
  <item>
    <title>ancient news</title>
    <dc:creator>@carol</dc:creator>
    <link>https://nitter.example/carol/status/1#m</link>
    <pubDate>Mon, 01 Jan 2024 09:00:00 GMT</pubDate>
  </item>
</channel>
</rss>`

func TestNitterFetchPosts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search/rss", r.URL.Path)
		assert.Equal(t, "tweets", r.URL.Query().Get("f"))
		assert.Contains(t, r.URL.Query().Get("q"), `"AI"`)
		w.Write([]byte(nitterFeed))
	}))
	defer srv.Close()

	n := NewNitter(srv.URL, time.Second)
	n.now = func() time.Time { return time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC) }

	posts, err := n.FetchPosts(context.Background(), []string{"AI"}, 10)
	require.NoError(t, err)
	require.Len(t, posts, 1, "posts older than the lookback are skipped")

	assert.Equal(t, "1234", posts[0].ExternalID)
	assert.Equal(t, "bob", posts[0].Author.Handle)
	assert.Equal(t, "Open weights model drops today", posts[0].Body)
	assert.Zero(t, posts[0].Metrics)
	assert.NoError(t, posts[0].Validate())
}

func TestNitterStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewNitter(srv.URL, time.Second).FetchPosts(context.Background(), []string{"AI"}, 10)
	assert.ErrorIs(t, err, ErrSourceUnavailable)
}

func TestNitterParsedFeedCarriesHandle(t *testing.T) {
	feed, err := gofeed.NewParser().ParseString(nitterFeed)
	require.NoError(t, err)
	require.NotEmpty(t, feed.Items)

	assert.Equal(t, "bob", authorHandle(feed.Items[0]))
}

func TestAuthorHandleFallbacks(t *testing.T) {
	tests := []struct {
		name  string
		entry *gofeed.Item
		want  string
	}{
		{
			name:  "authors",
			entry: &gofeed.Item{Authors: []*gofeed.Person{{Name: "@alice"}}, Link: "https://n.example/zed/status/1"},
			want:  "alice",
		},
		{
			name: "dc creator when author name is empty",
			entry: &gofeed.Item{
				Author:        &gofeed.Person{},
				Authors:       []*gofeed.Person{{}},
				DublinCoreExt: &ext.DublinCoreExtension{Creator: []string{" @bob "}},
				Link:          "https://n.example/zed/status/1",
			},
			want: "bob",
		},
		{
			name:  "link path",
			entry: &gofeed.Item{Link: "https://n.example/carol/status/1234#m"},
			want:  "carol",
		},
		{
			name:  "nothing",
			entry: &gofeed.Item{},
			want:  "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, authorHandle(tt.entry))
		})
	}
}
