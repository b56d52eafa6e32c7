package narrative

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/elonfeng/trendpulse/pkg/resilience"
)

const namePrompt = `Analyze these AI/technology-related social media posts and identify the main trending topics:

%s

Identify the distinct trends these posts share and return them in this JSON format:
{"trends": [{"title": "Short descriptive title (2-5 words)", "relevance_score": 1-10}]}

Focus on:
- AI model releases or updates
- New AI tools or applications
- AI policy/regulation discussions
- Technical breakthroughs
- Industry partnerships/acquisitions
- AI ethics and safety topics
- Enterprise AI adoption

Only include trends that appear in multiple posts or are particularly significant.
If the posts share no topic, return {"trends": []}.
Return ONLY the JSON object, no other text.`

const describePrompt = `Write a description for the AI/technology trend: "%s"

Based on these social media discussions:
%s

Explain what the trend is about, the developments driving it, why it matters in the AI/tech space,
and where it may be heading. Keep it informative but accessible to non-technical readers.
Aim for 200-400 words. Return plain text only.`

const (
	nameSystem     = "You are an expert AI trend analyst. Analyze social media posts to identify trending topics in AI and technology. Respond with valid JSON only."
	describeSystem = "You are an expert technology journalist who explains AI trends clearly and accurately."
)

// Config configures an LLM client.
type Config struct {
	Provider      string // "openai" or "anthropic"
	Model         string
	APIKey        string
	BaseURL       string
	Timeout       time.Duration
	SampleSize    int
	RatePerSecond float64
	Resilience    resilience.Config
}

// Client implements Namer and Describer against the OpenAI chat completions
// or Anthropic messages API.
type Client struct {
	client     *http.Client
	provider   string
	model      string
	apiKey     string
	baseURL    string
	sampleSize int
	limiter    *rate.Limiter
	policy     *resilience.Policy[string]
}

// NewClient creates a new LLM client.
func NewClient(cfg Config) *Client {
	if cfg.Model == "" {
		switch cfg.Provider {
		case "anthropic":
			cfg.Model = "claude-sonnet-4-20250514"
		default:
			cfg.Model = "gpt-4o-mini"
		}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.SampleSize <= 0 {
		cfg.SampleSize = 20
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	if cfg.Resilience.Name == "" {
		cfg.Resilience.Name = "narrative"
	}
	if cfg.Resilience.Retryable == nil {
		cfg.Resilience.Retryable = resilience.RetryableHTTP
	}
	return &Client{
		client:     &http.Client{Timeout: cfg.Timeout},
		provider:   cfg.Provider,
		model:      cfg.Model,
		apiKey:     cfg.APIKey,
		baseURL:    cfg.BaseURL,
		sampleSize: cfg.SampleSize,
		limiter:    rate.NewLimiter(limit, 1),
		policy:     resilience.New[string](cfg.Resilience),
	}
}

// NameTrends asks for trend titles covering the first SampleSize texts.
func (c *Client) NameTrends(ctx context.Context, texts []string) ([]Candidate, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var lines []string
	for i, t := range sample(texts, c.sampleSize) {
		lines = append(lines, fmt.Sprintf("Post %d: %s", i+1, t))
	}
	raw, err := c.complete(ctx, nameSystem, fmt.Sprintf(namePrompt, strings.Join(lines, "\n\n")), 0.3, 1024)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNamingUnavailable, err)
	}

	cands, err := parseCandidates(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNamingUnavailable, err)
	}
	return cands, nil
}

// DescribeTrend writes a description from up to ten sample posts.
func (c *Client) DescribeTrend(ctx context.Context, title string, samples []string) (string, error) {
	var lines []string
	for _, s := range sample(samples, 10) {
		lines = append(lines, "- "+truncateStr(s, 200))
	}
	raw, err := c.complete(ctx, describeSystem, fmt.Sprintf(describePrompt, title, strings.Join(lines, "\n")), 0.4, 1024)
	if err != nil {
		return "", fmt.Errorf("describe %q: %w", title, err)
	}
	desc := strings.TrimSpace(raw)
	if desc == "" {
		return "", fmt.Errorf("describe %q: empty response", title)
	}
	return desc, nil
}

func (c *Client) complete(ctx context.Context, system, prompt string, temperature float64, maxTokens int) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return c.policy.Get(ctx, func(ctx context.Context) (string, error) {
		switch c.provider {
		case "anthropic":
			return c.callAnthropic(ctx, system, prompt, maxTokens)
		default:
			return c.callOpenAI(ctx, system, prompt, temperature)
		}
	})
}

func (c *Client) callOpenAI(ctx context.Context, system, prompt string, temperature float64) (string, error) {
	baseURL := c.baseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}

	payload := map[string]any{
		"model": c.model,
		"messages": []map[string]string{
			{"role": "system", "content": system},
			{"role": "user", "content": prompt},
		},
		"temperature": temperature,
	}

	body, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create openai request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("call openai: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", &resilience.StatusError{Service: "openai", StatusCode: resp.StatusCode, Body: string(msg)}
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode openai response: %w", err)
	}

	if len(result.Choices) == 0 {
		return "", fmt.Errorf("openai: no choices returned")
	}
	return result.Choices[0].Message.Content, nil
}

func (c *Client) callAnthropic(ctx context.Context, system, prompt string, maxTokens int) (string, error) {
	baseURL := c.baseURL
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}

	payload := map[string]any{
		"model":      c.model,
		"max_tokens": maxTokens,
		"system":     system,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
	}

	body, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create anthropic request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("call anthropic: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", &resilience.StatusError{Service: "anthropic", StatusCode: resp.StatusCode, Body: string(msg)}
	}

	var result struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode anthropic response: %w", err)
	}

	if len(result.Content) == 0 {
		return "", fmt.Errorf("anthropic: no content returned")
	}
	return result.Content[0].Text, nil
}

// parseCandidates accepts {"trends":[...]} or a bare array, optionally
// wrapped in a markdown code block.
func parseCandidates(raw string) ([]Candidate, error) {
	raw = stripFence(raw)
	if raw == "" {
		return nil, nil
	}

	if strings.HasPrefix(raw, "[") {
		var cands []Candidate
		if err := json.Unmarshal([]byte(raw), &cands); err != nil {
			return nil, fmt.Errorf("parse llm response: %w\nraw: %s", err, truncateStr(raw, 500))
		}
		return cands, nil
	}

	var wrapped struct {
		Trends []Candidate `json:"trends"`
	}
	if err := json.Unmarshal([]byte(raw), &wrapped); err != nil {
		return nil, fmt.Errorf("parse llm response: %w\nraw: %s", err, truncateStr(raw, 500))
	}
	return wrapped.Trends, nil
}

func stripFence(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "```") {
		if idx := strings.Index(raw[3:], "\n"); idx >= 0 {
			raw = raw[3+idx+1:]
		}
		raw = strings.TrimSuffix(strings.TrimSpace(raw), "```")
		raw = strings.TrimSpace(raw)
	}
	return raw
}

func sample(texts []string, n int) []string {
	if len(texts) > n {
		return texts[:n]
	}
	return texts
}

func truncateStr(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
