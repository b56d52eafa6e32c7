package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/elonfeng/trendpulse/internal/logging"
	"github.com/elonfeng/trendpulse/internal/metrics"
	"github.com/elonfeng/trendpulse/internal/runlock"
	"github.com/elonfeng/trendpulse/internal/store"
	"github.com/elonfeng/trendpulse/pkg/alert"
	"github.com/elonfeng/trendpulse/pkg/source"
	"github.com/elonfeng/trendpulse/pkg/trend"
)

// Runner is the pipeline entry point a cycle drives.
type Runner interface {
	Run(ctx context.Context, batch []source.RawPost) (*trend.RunResult, error)
}

// Describer fills in trend descriptions after a run.
type Describer interface {
	Run(ctx context.Context, limit int) (*trend.BackfillResult, error)
}

// Store is what the scheduler reads and writes directly.
type Store interface {
	UnalertedTrends(ctx context.Context, minScore float64) ([]store.Trend, error)
	TrendPosts(ctx context.Context, trendID int64, limit int) ([]store.PostView, error)
	RecordAlert(ctx context.Context, trendID int64, score float64, channels []string) error
	Cleanup(ctx context.Context, before time.Time) (*store.CleanupResult, error)
}

// Deps are the scheduler's collaborators. Filter, Describer, Alerts, Metrics
// and Logger are optional.
type Deps struct {
	Store     Store
	Source    source.Source
	Filter    *source.Filter
	Pipeline  Runner
	Describer Describer
	Alerts    *alert.Manager
	Metrics   *metrics.Metrics
	Logger    *logrus.Logger
}

// Config tunes the cycle.
type Config struct {
	SearchTerms     []string
	MaxResults      int
	CollectInterval time.Duration
	CleanupInterval time.Duration
	RetentionDays   int
	DescribeBatch   int
	MinScore        float64
	DashboardURL    string
}

// CycleResult summarizes one collect cycle.
type CycleResult struct {
	Fetched  int                   `json:"fetched"`
	Kept     int                   `json:"kept"`
	Run      *trend.RunResult      `json:"run"`
	Backfill *trend.BackfillResult `json:"backfill,omitempty"`
	Alerted  int                   `json:"alerted"`
}

// Scheduler runs periodic collection, the pipeline and alerting.
type Scheduler struct {
	deps Deps
	cfg  Config
	log  *logrus.Logger
	now  func() time.Time
}

// New creates a new scheduler.
func New(deps Deps, cfg Config) *Scheduler {
	if cfg.CollectInterval <= 0 {
		cfg.CollectInterval = time.Hour
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 24 * time.Hour
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 30
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 10
	}
	return &Scheduler{deps: deps, cfg: cfg, log: logging.OrDiscard(deps.Logger), now: time.Now}
}

// RunCycle fetches one batch, runs the pipeline over it, backfills
// descriptions and sends alerts. A source failure aborts before anything is
// written.
func (s *Scheduler) RunCycle(ctx context.Context) (*CycleResult, error) {
	posts, err := s.deps.Source.FetchPosts(ctx, s.cfg.SearchTerms, s.cfg.MaxResults)
	if err != nil {
		return nil, fmt.Errorf("fetch posts: %w", err)
	}
	out := &CycleResult{Fetched: len(posts)}

	posts = s.deps.Filter.Apply(posts)
	out.Kept = len(posts)
	s.log.WithFields(logrus.Fields{
		"source":  s.deps.Source.Name(),
		"fetched": out.Fetched,
		"kept":    out.Kept,
	}).Info("collected posts")

	out.Run, err = s.deps.Pipeline.Run(ctx, posts)
	if err != nil {
		return out, err
	}

	if s.deps.Describer != nil {
		bf, err := s.deps.Describer.Run(ctx, s.cfg.DescribeBatch)
		if err != nil {
			s.log.WithError(err).Warn("description backfill failed")
		}
		out.Backfill = bf
	}

	out.Alerted, err = s.Alert(ctx)
	if err != nil {
		s.log.WithError(err).Warn("alerting incomplete")
	}
	return out, nil
}

// Alert notifies every configured destination about trends that crossed the
// score threshold and were never alerted. A trend is recorded as alerted once
// any destination accepted it.
func (s *Scheduler) Alert(ctx context.Context) (int, error) {
	if s.deps.Alerts == nil || !s.deps.Alerts.HasNotifiers() {
		return 0, nil
	}

	trends, err := s.deps.Store.UnalertedTrends(ctx, s.cfg.MinScore)
	if err != nil {
		return 0, err
	}

	channels := s.deps.Alerts.Names()
	sent := 0
	var errs []error
	for _, t := range trends {
		tlog := s.log.WithFields(logrus.Fields{"trend_id": t.ID, "title": t.Title})

		posts, err := s.deps.Store.TrendPosts(ctx, t.ID, 5)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		n := alert.FromTrend(t, posts, s.cfg.DashboardURL, s.now())
		err = s.deps.Alerts.Broadcast(ctx, n)
		s.deps.Metrics.AlertResult(err)
		if err != nil {
			tlog.WithError(err).Warn("alert delivery failed")
			errs = append(errs, err)
			if allFailed(err, len(channels)) {
				continue
			}
		}

		if err := s.deps.Store.RecordAlert(ctx, t.ID, t.LatestScore, channels); err != nil {
			errs = append(errs, err)
			continue
		}
		sent++
		tlog.WithField("score", t.LatestScore).Info("trend alerted")
	}
	return sent, errors.Join(errs...)
}

// allFailed reports whether a Broadcast error covers every destination.
func allFailed(err error, destinations int) bool {
	var joined interface{ Unwrap() []error }
	if errors.As(err, &joined) {
		return len(joined.Unwrap()) >= destinations
	}
	return destinations <= 1
}

// Cleanup drops engagement snapshots and scores past the retention window.
func (s *Scheduler) Cleanup(ctx context.Context) (*store.CleanupResult, error) {
	before := s.now().AddDate(0, 0, -s.cfg.RetentionDays)
	res, err := s.deps.Store.Cleanup(ctx, before)
	if err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{
		"snapshots": res.Snapshots,
		"scores":    res.Scores,
		"before":    before.UTC().Format(time.RFC3339),
	}).Info("retention cleanup complete")
	return res, nil
}

// Run starts the scheduler loop. Blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	collectTicker := time.NewTicker(s.cfg.CollectInterval)
	cleanupTicker := time.NewTicker(s.cfg.CleanupInterval)
	defer collectTicker.Stop()
	defer cleanupTicker.Stop()

	s.log.WithFields(logrus.Fields{
		"collect_every": s.cfg.CollectInterval.String(),
		"cleanup_every": s.cfg.CleanupInterval.String(),
	}).Info("scheduler started")

	s.cycle(ctx)

	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return ctx.Err()
		case <-collectTicker.C:
			s.cycle(ctx)
		case <-cleanupTicker.C:
			if _, err := s.Cleanup(ctx); err != nil {
				s.log.WithError(err).Error("retention cleanup failed")
			}
		}
	}
}

func (s *Scheduler) cycle(ctx context.Context) {
	res, err := s.RunCycle(ctx)
	switch {
	case errors.Is(err, runlock.ErrRunInProgress):
		s.log.Warn("previous run still in progress, skipping cycle")
	case err != nil:
		s.log.WithError(err).Error("collect cycle failed")
	default:
		s.log.WithFields(logrus.Fields{
			"fetched": res.Fetched,
			"kept":    res.Kept,
			"alerted": res.Alerted,
		}).Info("collect cycle complete")
	}
}
