package trend

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/elonfeng/trendpulse/internal/logging"
	"github.com/elonfeng/trendpulse/internal/metrics"
	"github.com/elonfeng/trendpulse/internal/runlock"
	"github.com/elonfeng/trendpulse/internal/store"
	"github.com/elonfeng/trendpulse/pkg/cluster"
	"github.com/elonfeng/trendpulse/pkg/embed"
	"github.com/elonfeng/trendpulse/pkg/narrative"
	"github.com/elonfeng/trendpulse/pkg/source"
)

// State is the orchestrator's position within a run.
type State int32

const (
	StateIdle State = iota
	StateFetchingEmbeddings
	StateClustering
	StateResolving
	StateScoring
)

func (s State) String() string {
	switch s {
	case StateFetchingEmbeddings:
		return "fetching_embeddings"
	case StateClustering:
		return "clustering"
	case StateResolving:
		return "resolving"
	case StateScoring:
		return "scoring"
	default:
		return "idle"
	}
}

const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// PipelineStore is every store operation a run performs.
type PipelineStore interface {
	TrendWriter
	ScoreStore
	IngestPost(ctx context.Context, p source.RawPost) (store.IngestResult, error)
	PendingPosts(ctx context.Context, limit int) ([]store.Post, error)
	SetEmbeddings(ctx context.Context, embeddings map[int64][]float32) error
}

// Deps are the collaborators of a Pipeline. Locker, Metrics and Logger are optional.
type Deps struct {
	Store     PipelineStore
	Embedder  embed.Embedder
	Clusterer cluster.Clusterer
	Namer     narrative.Namer
	Locker    runlock.Locker
	Metrics   *metrics.Metrics
	Logger    *logrus.Logger
}

// Options tune a Pipeline. Zero values take defaults.
type Options struct {
	Weights        Weights
	MinClusterSize int
	PendingLimit   int
	EmbedTimeout   time.Duration
	NameTimeout    time.Duration
}

func (o Options) withDefaults() Options {
	if o.MinClusterSize <= 0 {
		o.MinClusterSize = 2
	}
	if o.PendingLimit <= 0 {
		o.PendingLimit = 500
	}
	if o.EmbedTimeout <= 0 {
		o.EmbedTimeout = 2 * time.Minute
	}
	if o.NameTimeout <= 0 {
		o.NameTimeout = time.Minute
	}
	return o
}

// RunResult summarizes one run.
type RunResult struct {
	RunID         string    `json:"run_id"`
	Status        string    `json:"status"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
	PostsIngested int       `json:"posts_ingested"`
	PostsCreated  int       `json:"posts_created"`
	PostsRejected int       `json:"posts_rejected"`
	PostsEmbedded int       `json:"posts_embedded"`
	Clusters      int       `json:"clusters"`
	ClustersKept  int       `json:"clusters_kept"`
	TrendsCreated int       `json:"trends_created"`
	TrendsMerged  int       `json:"trends_merged"`
	TrendsTouched []int64   `json:"trends_touched"`
	TrendsScored  int       `json:"trends_scored"`
	Failures      int       `json:"failures"`
	Error         string    `json:"error,omitempty"`
}

// Pipeline runs ingestion, embedding, clustering, resolution and scoring over
// one batch. Runs never overlap when a Locker is set.
type Pipeline struct {
	deps     Deps
	opts     Options
	resolver *Resolver
	scorer   *Scorer
	log      *logrus.Logger
	state    atomic.Int32
	now      func() time.Time
}

func NewPipeline(deps Deps, opts Options) *Pipeline {
	opts = opts.withDefaults()
	log := logging.OrDiscard(deps.Logger)
	return &Pipeline{
		deps:     deps,
		opts:     opts,
		resolver: NewResolver(deps.Store, log),
		scorer:   NewScorer(deps.Store, opts.Weights),
		log:      log,
		now:      time.Now,
	}
}

// State reports what the current run is doing.
func (p *Pipeline) State() State { return State(p.state.Load()) }

func (p *Pipeline) setState(s State) { p.state.Store(int32(s)) }

// Run processes batch and every earlier post still waiting for an embedding.
// The returned result is non-nil whenever the run started; an error means the
// run failed, though work committed before the failure is kept.
func (p *Pipeline) Run(ctx context.Context, batch []source.RawPost) (*RunResult, error) {
	if p.deps.Locker != nil {
		release, err := p.deps.Locker.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		defer release()
	}

	res := &RunResult{RunID: uuid.NewString(), StartedAt: p.now().UTC(), TrendsTouched: []int64{}}
	log := p.log.WithField("run_id", res.RunID)
	defer p.setState(StateIdle)

	err := p.run(ctx, log, batch, res)

	res.FinishedAt = p.now().UTC()
	res.Status = StatusSuccess
	if err != nil {
		res.Status = StatusFailed
		res.Error = err.Error()
		log.WithError(err).WithField("failures", res.Failures).Error("pipeline run failed")
	} else {
		log.WithFields(logrus.Fields{
			"posts_ingested": res.PostsIngested,
			"clusters":       res.ClustersKept,
			"trends_created": res.TrendsCreated,
			"trends_merged":  res.TrendsMerged,
			"trends_scored":  res.TrendsScored,
			"failures":       res.Failures,
		}).Info("pipeline run complete")
	}
	p.deps.Metrics.ObserveRun(res.Status, res.FinishedAt.Sub(res.StartedAt))
	return res, err
}

func (p *Pipeline) run(ctx context.Context, log *logrus.Entry, batch []source.RawPost, res *RunResult) error {
	p.ingest(ctx, log, batch, res)

	p.setState(StateFetchingEmbeddings)
	pending, err := p.deps.Store.PendingPosts(ctx, p.opts.PendingLimit)
	if err != nil {
		return fmt.Errorf("load pending posts: %w", err)
	}

	if len(pending) > 0 {
		vectors, err := p.embed(ctx, pending)
		if err != nil {
			log.WithError(err).WithFields(logrus.Fields{
				"batch_size": len(pending),
				"first_post": pending[0].ID,
				"at":         p.now().UTC().Format(time.RFC3339),
			}).Error("embedding failed, batch left pending for replay")
			return err
		}
		res.PostsEmbedded = len(pending)

		p.setState(StateClustering)
		groups := p.cluster(log, vectors, res)

		p.setState(StateResolving)
		for _, g := range groups {
			p.resolveGroup(ctx, log, pending, g, res)
		}
	}

	p.setState(StateScoring)
	report, err := p.scorer.ScoreAll(ctx)
	if err != nil {
		res.Failures++
		return err
	}
	res.TrendsScored = len(report.Scores)
	return nil
}

func (p *Pipeline) ingest(ctx context.Context, log *logrus.Entry, batch []source.RawPost, res *RunResult) {
	for _, raw := range batch {
		if err := raw.Validate(); err != nil {
			res.PostsRejected++
			res.Failures++
			log.WithError(err).Warn("rejected post")
			continue
		}
		ir, err := p.deps.Store.IngestPost(ctx, raw)
		if err != nil {
			res.PostsRejected++
			res.Failures++
			log.WithError(err).WithField("external_id", raw.ExternalID).Warn("ingest post failed")
			continue
		}
		res.PostsIngested++
		if ir.Created {
			res.PostsCreated++
		}
	}
	p.deps.Metrics.AddIngested(res.PostsIngested, res.PostsRejected)
}

// embed fetches and stores vectors for pending. Nothing is written unless
// every post got a vector.
func (p *Pipeline) embed(ctx context.Context, pending []store.Post) ([][]float32, error) {
	texts := make([]string, len(pending))
	for i, post := range pending {
		texts[i] = post.Body
	}

	ectx, cancel := context.WithTimeout(ctx, p.opts.EmbedTimeout)
	vectors, err := p.deps.Embedder.Embed(ectx, texts)
	cancel()
	if err == nil {
		err = embed.Check(vectors, len(texts))
	}
	if err != nil {
		if !errors.Is(err, embed.ErrEmbeddingUnavailable) {
			err = fmt.Errorf("%w: %w", embed.ErrEmbeddingUnavailable, err)
		}
		return nil, err
	}

	byPost := make(map[int64][]float32, len(pending))
	for i, post := range pending {
		byPost[post.ID] = vectors[i]
	}
	if err := p.deps.Store.SetEmbeddings(ctx, byPost); err != nil {
		return nil, fmt.Errorf("store embeddings: %w", err)
	}
	return vectors, nil
}

// cluster partitions vectors and drops groups too small to be a trend.
func (p *Pipeline) cluster(log *logrus.Entry, vectors [][]float32, res *RunResult) [][]int {
	cr := p.deps.Clusterer.Cluster(vectors)
	if cr.Fallback != nil {
		log.WithError(cr.Fallback).WithField("batch_size", len(vectors)).Warn("clustering failed, using a single cluster")
	}
	res.Clusters = len(cr.Groups)

	kept := make([][]int, 0, len(cr.Groups))
	for _, g := range cr.Groups {
		if len(g) >= p.opts.MinClusterSize {
			kept = append(kept, g)
		}
	}
	res.ClustersKept = len(kept)
	return kept
}

// resolveGroup names one cluster and resolves every title it gets. Failures
// are counted and logged; they never stop the run.
func (p *Pipeline) resolveGroup(ctx context.Context, log *logrus.Entry, pending []store.Post, group []int, res *RunResult) {
	postIDs := make([]int64, len(group))
	texts := make([]string, len(group))
	for i, idx := range group {
		postIDs[i] = pending[idx].ID
		texts[i] = pending[idx].Body
	}
	clog := log.WithField("cluster_size", len(group))

	nctx, cancel := context.WithTimeout(ctx, p.opts.NameTimeout)
	cands, err := p.deps.Namer.NameTrends(nctx, texts)
	cancel()
	if err != nil {
		res.Failures++
		p.deps.Metrics.ClusterFailed()
		clog.WithError(err).Warn("naming failed, skipping cluster")
		return
	}

	titles := narrative.Titles(cands)
	if len(titles) == 0 {
		clog.Info("no trend identified for cluster")
		return
	}

	for _, title := range titles {
		r, err := p.resolver.Resolve(ctx, title, postIDs)
		if err != nil {
			res.Failures++
			p.deps.Metrics.ClusterFailed()
			clog.WithError(err).WithField("title", title).Error("resolve trend failed")
			continue
		}
		if r.Created {
			res.TrendsCreated++
		} else {
			res.TrendsMerged++
		}
		p.deps.Metrics.TrendResolved(r.Created)
		res.TrendsTouched = appendUnique(res.TrendsTouched, r.TrendID)
	}
}

func appendUnique(ids []int64, id int64) []int64 {
	for _, x := range ids {
		if x == id {
			return ids
		}
	}
	return append(ids, id)
}
