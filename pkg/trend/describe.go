package trend

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/elonfeng/trendpulse/internal/logging"
	"github.com/elonfeng/trendpulse/internal/store"
	"github.com/elonfeng/trendpulse/pkg/narrative"
)

// DescribeStore is what the Backfiller reads and writes.
type DescribeStore interface {
	TrendsNeedingDescription(ctx context.Context, limit int) ([]store.Trend, error)
	TrendPosts(ctx context.Context, trendID int64, limit int) ([]store.PostView, error)
	SetDescription(ctx context.Context, trendID int64, description string) error
}

// BackfillResult counts the trends a backfill touched.
type BackfillResult struct {
	Described  int `json:"described"`
	FellBack   int `json:"fell_back"`
	StoreFails int `json:"store_failures"`
}

// Backfiller replaces placeholder descriptions with generated ones, outside
// of any pipeline run.
type Backfiller struct {
	store       DescribeStore
	describer   narrative.Describer
	concurrency int
	samples     int
	timeout     time.Duration
	log         *logrus.Logger
}

func NewBackfiller(s DescribeStore, d narrative.Describer, concurrency int, timeout time.Duration, log *logrus.Logger) *Backfiller {
	if concurrency <= 0 {
		concurrency = 4
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Backfiller{
		store:       s,
		describer:   d,
		concurrency: concurrency,
		samples:     10,
		timeout:     timeout,
		log:         logging.OrDiscard(log),
	}
}

// Run describes up to limit trends. A trend the LLM cannot describe gets the
// fallback text so it is not retried every cycle.
func (b *Backfiller) Run(ctx context.Context, limit int) (*BackfillResult, error) {
	trends, err := b.store.TrendsNeedingDescription(ctx, limit)
	if err != nil {
		return nil, err
	}

	var described, fellBack, storeFails atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.concurrency)

	for _, tr := range trends {
		g.Go(func() error {
			log := b.log.WithFields(logrus.Fields{"trend_id": tr.ID, "title": tr.Title})

			desc, err := b.describe(gctx, tr)
			if err != nil {
				log.WithError(err).Warn("describe trend failed, using fallback")
				desc = narrative.Fallback(tr.Title)
				fellBack.Add(1)
			} else {
				described.Add(1)
			}

			if err := b.store.SetDescription(gctx, tr.ID, desc); err != nil {
				storeFails.Add(1)
				log.WithError(err).Error("store description failed")
			}
			return nil
		})
	}
	g.Wait()

	return &BackfillResult{
		Described:  int(described.Load()),
		FellBack:   int(fellBack.Load()),
		StoreFails: int(storeFails.Load()),
	}, ctx.Err()
}

func (b *Backfiller) describe(ctx context.Context, tr store.Trend) (string, error) {
	posts, err := b.store.TrendPosts(ctx, tr.ID, b.samples)
	if err != nil {
		return "", err
	}
	samples := make([]string, len(posts))
	for i, p := range posts {
		samples[i] = p.Body
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	return b.describer.DescribeTrend(ctx, tr.Title, samples)
}
