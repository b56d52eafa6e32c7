package narrative

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elonfeng/trendpulse/pkg/resilience"
)

func testClient(provider, url string) *Client {
	return NewClient(Config{
		Provider: provider,
		APIKey:   "key",
		BaseURL:  url,
		Timeout:  5 * time.Second,
		Resilience: resilience.Config{
			MaxRetries: 1,
			BaseDelay:  time.Millisecond,
			MaxDelay:   time.Millisecond,
			Cooldown:   time.Hour,
		},
	})
}

func openAIReply(content string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"content": content}}},
		})
	}
}

func TestNameTrendsOpenAI(t *testing.T) {
	var prompt string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		var body struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "gpt-4o-mini", body.Model)
		require.Len(t, body.Messages, 2)
		prompt = body.Messages[1].Content
		openAIReply(`{"trends":[{"title":"AI Ethics","relevance_score":8}]}`)(w, r)
	}))
	defer srv.Close()

	texts := make([]string, 25)
	for i := range texts {
		texts[i] = "post body"
	}
	cands, err := testClient("openai", srv.URL).NameTrends(context.Background(), texts)
	require.NoError(t, err)
	assert.Equal(t, []Candidate{{Title: "AI Ethics", Relevance: 8}}, cands)
	assert.Contains(t, prompt, "Post 20: post body")
	assert.NotContains(t, prompt, "Post 21:")
}

func TestNameTrendsAnthropicFencedArray(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "key", r.Header.Get("x-api-key"))
		assert.NotEmpty(t, r.Header.Get("anthropic-version"))
		json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]string{{"text": "```json\n[{\"title\":\"Open Models\",\"relevance_score\":6}]\n```"}},
		})
	}))
	defer srv.Close()

	cands, err := testClient("anthropic", srv.URL).NameTrends(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, []Candidate{{Title: "Open Models", Relevance: 6}}, cands)
}

func TestNameTrendsEmptyIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(openAIReply(`{"trends":[]}`))
	defer srv.Close()

	cands, err := testClient("openai", srv.URL).NameTrends(context.Background(), []string{"a"})
	require.NoError(t, err)
	assert.Empty(t, cands)
}

func TestNameTrendsFailures(t *testing.T) {
	srv := httptest.NewServer(openAIReply(`not json at all`))
	defer srv.Close()
	_, err := testClient("openai", srv.URL).NameTrends(context.Background(), []string{"a"})
	assert.ErrorIs(t, err, ErrNamingUnavailable)

	var calls atomic.Int32
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer down.Close()
	_, err = testClient("openai", down.URL).NameTrends(context.Background(), []string{"a"})
	assert.ErrorIs(t, err, ErrNamingUnavailable)
	assert.Equal(t, int32(2), calls.Load())
}

func TestDescribeTrend(t *testing.T) {
	var prompt string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Messages []struct {
				Content string `json:"content"`
			} `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		prompt = body.Messages[len(body.Messages)-1].Content
		openAIReply("  A description.  ")(w, r)
	}))
	defer srv.Close()

	long := strings.Repeat("x", 300)
	desc, err := testClient("openai", srv.URL).DescribeTrend(context.Background(), "AI Ethics", []string{long})
	require.NoError(t, err)
	assert.Equal(t, "A description.", desc)
	assert.Contains(t, prompt, `"AI Ethics"`)
	assert.Contains(t, prompt, strings.Repeat("x", 200)+"...")
}

func TestTitles(t *testing.T) {
	got := Titles([]Candidate{{Title: " AI Ethics "}, {Title: ""}, {Title: "AI Ethics"}, {Title: "Robotics"}})
	assert.Equal(t, []string{"AI Ethics", "Robotics"}, got)
	assert.Nil(t, Titles(nil))
}

func TestPlaceholderAndFallback(t *testing.T) {
	assert.Equal(t, "Trending topic: AI Ethics", Placeholder("AI Ethics"))
	assert.Equal(t, "Trend related to AI Ethics based on recent social media discussions.", Fallback("AI Ethics"))
}
