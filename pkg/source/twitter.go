package source

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	twitter "github.com/g8rswimmer/go-twitter/v2"
)

const twitterHost = "https://api.twitter.com"

// bearerAuth satisfies twitter.Authorizer with an app-only bearer token.
type bearerAuth struct {
	token string
}

func (b bearerAuth) Add(req *http.Request) {
	req.Header.Add("Authorization", "Bearer "+b.token)
}

// Twitter fetches recent posts through the X API v2 recent search endpoint.
type Twitter struct {
	client   *twitter.Client
	lookback time.Duration
	now      func() time.Time
}

// NewTwitter creates a recent-search source. host may be empty for the public API.
func NewTwitter(bearerToken, host string, timeout time.Duration) *Twitter {
	if host == "" {
		host = twitterHost
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Twitter{
		client: &twitter.Client{
			Authorizer: bearerAuth{token: bearerToken},
			Client:     &http.Client{Timeout: timeout},
			Host:       strings.TrimRight(host, "/"),
		},
		lookback: 24 * time.Hour,
		now:      time.Now,
	}
}

func (t *Twitter) Name() SourceType { return SourceTwitter }

// FetchPosts runs one recent search over the last 24 hours. The API accepts
// between 10 and 100 results per page.
func (t *Twitter) FetchPosts(ctx context.Context, searchTerms []string, maxResults int) ([]RawPost, error) {
	if len(searchTerms) == 0 {
		return nil, nil
	}
	maxResults = min(max(maxResults, 10), 100)

	opts := twitter.TweetRecentSearchOpts{
		Expansions: []twitter.Expansion{twitter.ExpansionAuthorID},
		TweetFields: []twitter.TweetField{
			twitter.TweetFieldCreatedAt,
			twitter.TweetFieldPublicMetrics,
			twitter.TweetFieldAuthorID,
		},
		UserFields: []twitter.UserField{
			twitter.UserFieldName,
			twitter.UserFieldUserName,
			twitter.UserFieldPublicMetrics,
		},
		StartTime:  t.now().UTC().Add(-t.lookback),
		MaxResults: maxResults,
	}

	resp, err := t.client.TweetRecentSearch(ctx, BuildQuery(searchTerms), opts)
	if err != nil {
		return nil, fmt.Errorf("%w: twitter recent search: %v", ErrSourceUnavailable, err)
	}
	if resp == nil || resp.Raw == nil {
		return nil, nil
	}

	users := make(map[string]*twitter.UserObj)
	if resp.Raw.Includes != nil {
		for _, u := range resp.Raw.Includes.Users {
			if u != nil {
				users[u.ID] = u
			}
		}
	}

	fetchedAt := t.now().UTC()
	posts := make([]RawPost, 0, len(resp.Raw.Tweets))
	for _, tw := range resp.Raw.Tweets {
		if tw == nil {
			continue
		}
		posts = append(posts, convertTweet(tw, users[tw.AuthorID], fetchedAt))
	}
	return posts, nil
}

// convertTweet maps replies to comments and retweets plus quotes to reposts.
func convertTweet(tw *twitter.TweetObj, user *twitter.UserObj, fetchedAt time.Time) RawPost {
	published := fetchedAt
	if ts, err := time.Parse(time.RFC3339, tw.CreatedAt); err == nil {
		published = ts.UTC()
	}

	post := RawPost{
		ExternalID:  tw.ID,
		Body:        tw.Text,
		PublishedAt: published,
		Author:      Author{Handle: tw.AuthorID},
	}
	if tw.PublicMetrics != nil {
		post.Metrics = Metrics{
			Likes:    int64(tw.PublicMetrics.Likes),
			Comments: int64(tw.PublicMetrics.Replies),
			Reposts:  int64(tw.PublicMetrics.Retweets + tw.PublicMetrics.Quotes),
		}
	}
	if user != nil {
		post.Author.Handle = user.UserName
		post.Author.DisplayName = user.Name
		if user.PublicMetrics != nil {
			post.Author.FollowerCount = int64(user.PublicMetrics.Followers)
		}
	}
	return post
}
