package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/elonfeng/trendpulse/pkg/resilience"
)

const (
	defaultModel   = "text-embedding-3-large"
	defaultBaseURL = "https://api.openai.com"
)

// OpenAIConfig configures an OpenAI-compatible embeddings client.
type OpenAIConfig struct {
	APIKey        string
	Model         string
	BaseURL       string
	Timeout       time.Duration
	BatchSize     int
	RatePerSecond float64
	Resilience    resilience.Config
}

// OpenAI calls POST /v1/embeddings. Inputs larger than BatchSize are split
// into several requests, each paced by a rate limiter and wrapped in the
// client's retry and breaker policy.
type OpenAI struct {
	client    *http.Client
	apiKey    string
	model     string
	baseURL   string
	batchSize int
	limiter   *rate.Limiter
	policy    *resilience.Policy[[][]float32]
	log       *logrus.Logger
}

func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	if cfg.Resilience.Name == "" {
		cfg.Resilience.Name = "embedding"
	}
	if cfg.Resilience.Retryable == nil {
		cfg.Resilience.Retryable = resilience.RetryableHTTP
	}

	return &OpenAI{
		client:    &http.Client{Timeout: cfg.Timeout},
		apiKey:    cfg.APIKey,
		model:     cfg.Model,
		baseURL:   cfg.BaseURL,
		batchSize: cfg.BatchSize,
		limiter:   rate.NewLimiter(limit, 1),
		policy:    resilience.New[[][]float32](cfg.Resilience),
		log:       cfg.Resilience.Logger,
	}
}

func (o *OpenAI) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += o.batchSize {
		batch := texts[start:min(start+o.batchSize, len(texts))]

		if err := o.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrEmbeddingUnavailable, err)
		}
		vecs, err := o.policy.Get(ctx, func(ctx context.Context) ([][]float32, error) {
			return o.embedBatch(ctx, batch)
		})
		if err != nil {
			return nil, fmt.Errorf("%w: embed texts %d-%d: %w", ErrEmbeddingUnavailable, start, start+len(batch)-1, err)
		}
		out = append(out, vecs...)
	}

	if err := Check(out, len(texts)); err != nil {
		return nil, err
	}
	if o.log != nil {
		o.log.WithFields(logrus.Fields{"texts": len(texts), "dim": len(out[0]), "model": o.model}).Debug("embedded texts")
	}
	return out, nil
}

func (o *OpenAI) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	payload := map[string]any{
		"model": o.model,
		"input": texts,
	}
	body, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create embeddings request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call embeddings: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &resilience.StatusError{Service: "embeddings", StatusCode: resp.StatusCode, Body: string(msg)}
	}

	var result struct {
		Data []struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode embeddings response: %w", err)
	}

	// The API may return data out of input order.
	sort.Slice(result.Data, func(i, j int) bool { return result.Data[i].Index < result.Data[j].Index })
	vecs := make([][]float32, len(result.Data))
	for i, d := range result.Data {
		vecs[i] = d.Embedding
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("embeddings: got %d vectors for %d texts", len(vecs), len(texts))
	}
	return vecs, nil
}
