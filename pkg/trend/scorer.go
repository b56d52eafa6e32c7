package trend

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/elonfeng/trendpulse/internal/store"
)

// Weights weight each engagement kind. Scale only changes magnitude.
type Weights struct {
	Like    float64
	Comment float64
	Repost  float64
	Scale   float64
}

// DefaultWeights rank a repost above a comment above a like.
func DefaultWeights() Weights {
	return Weights{Like: 1.0, Comment: 1.1, Repost: 1.2, Scale: 1000}
}

func (w Weights) orDefault() Weights {
	if w == (Weights{}) {
		return DefaultWeights()
	}
	return w
}

// ComputeScore is weighted engagement per follower, scaled and rounded to two
// decimals. Followers below one count as one. A trend without posts is 0.
func ComputeScore(e store.Engagement, w Weights) float64 {
	if e.Posts == 0 {
		return 0
	}
	w = w.orDefault()
	weighted := float64(e.Likes)*w.Like + float64(e.Comments)*w.Comment + float64(e.Reposts)*w.Repost
	followers := max(e.Followers, 1)
	return round2(weighted / float64(followers) * w.Scale)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// ScoreStore is what the Scorer reads and appends to.
type ScoreStore interface {
	TrendEngagements(ctx context.Context) ([]store.Engagement, error)
	TrendEngagement(ctx context.Context, trendID int64) (store.Engagement, error)
	AppendScores(ctx context.Context, at time.Time, scores []store.ScoreInput) (time.Time, error)
}

// ScoreReport lists the scores appended by one pass.
type ScoreReport struct {
	GeneratedAt time.Time
	Scores      []store.ScoreInput
}

// Scorer appends one TrendScore row per trend per pass.
type Scorer struct {
	store   ScoreStore
	weights Weights
	now     func() time.Time
}

func NewScorer(s ScoreStore, w Weights) *Scorer {
	return &Scorer{store: s, weights: w.orDefault(), now: time.Now}
}

// Calculate returns the current score of one trend without writing it.
func (s *Scorer) Calculate(ctx context.Context, trendID int64) (float64, error) {
	e, err := s.store.TrendEngagement(ctx, trendID)
	if err != nil {
		return 0, err
	}
	return ComputeScore(e, s.weights), nil
}

// ScoreAll scores every trend, including ones that no longer receive posts,
// and appends the results at a single generation time.
func (s *Scorer) ScoreAll(ctx context.Context) (*ScoreReport, error) {
	engagements, err := s.store.TrendEngagements(ctx)
	if err != nil {
		return nil, fmt.Errorf("score trends: %w", err)
	}

	scores := make([]store.ScoreInput, 0, len(engagements))
	for _, e := range engagements {
		scores = append(scores, store.ScoreInput{TrendID: e.TrendID, Score: ComputeScore(e, s.weights)})
	}

	at, err := s.store.AppendScores(ctx, s.now(), scores)
	if err != nil {
		return nil, fmt.Errorf("score trends: %w", err)
	}
	return &ScoreReport{GeneratedAt: at, Scores: scores}, nil
}
