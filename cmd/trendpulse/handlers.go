package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/elonfeng/trendpulse/internal/config"
	"github.com/elonfeng/trendpulse/internal/logging"
	"github.com/elonfeng/trendpulse/internal/metrics"
	"github.com/elonfeng/trendpulse/internal/runlock"
	"github.com/elonfeng/trendpulse/internal/scheduler"
	"github.com/elonfeng/trendpulse/internal/store"
	"github.com/elonfeng/trendpulse/pkg/alert"
	"github.com/elonfeng/trendpulse/pkg/cluster"
	"github.com/elonfeng/trendpulse/pkg/embed"
	"github.com/elonfeng/trendpulse/pkg/narrative"
	"github.com/elonfeng/trendpulse/pkg/resilience"
	"github.com/elonfeng/trendpulse/pkg/server"
	"github.com/elonfeng/trendpulse/pkg/source"
	"github.com/elonfeng/trendpulse/pkg/trend"
)

func loadConfig() (*config.Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	path := cfgFile
	if path == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			path = "config.yaml"
		}
	}
	return config.Load(path)
}

// app holds what every command needs plus anything opened while wiring.
type app struct {
	cfg     *config.Config
	log     *logrus.Logger
	metrics *metrics.Metrics
	store   *store.SQLStore
	closers []func() error
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log := logging.New(cfg.Log.Level, cfg.Log.Format)

	db, err := store.Open(ctx, store.Options{
		Driver: cfg.Database.Driver,
		Path:   cfg.Database.Path,
		DSN:    cfg.Database.DSN,
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	return &app{
		cfg:     cfg,
		log:     log,
		metrics: metrics.New(),
		store:   db,
		closers: []func() error{db.Close},
	}, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.WithError(err).Warn("close failed")
		}
	}
}

func (a *app) resilience(name string) resilience.Config {
	r := a.cfg.Resilience
	return resilience.Config{
		Name:             name,
		MaxRetries:       r.MaxRetries,
		BaseDelay:        r.ParseBaseDelay(),
		MaxDelay:         r.ParseMaxDelay(),
		FailureThreshold: r.FailureThreshold,
		FailureWindow:    r.FailureWindow,
		Cooldown:         r.ParseCooldown(),
		Logger:           a.log,
		OnStateChange:    a.metrics.BreakerState,
		OnResult:         a.metrics.CallResult,
	}
}

func (a *app) weights() trend.Weights {
	sc := a.cfg.Scoring
	return trend.Weights{
		Like:    sc.LikeWeight,
		Comment: sc.CommentWeight,
		Repost:  sc.RepostWeight,
		Scale:   sc.Scale,
	}
}

func (a *app) buildSource() (source.Source, error) {
	sc := a.cfg.Source
	switch sc.Provider {
	case "nitter":
		return source.NewNitter(sc.NitterURL, sc.ParseTimeout()), nil
	default:
		if sc.BearerToken == "" {
			return nil, errors.New("source: twitter bearer token is not set (TWITTER_BEARER_TOKEN)")
		}
		return source.NewTwitter(sc.BearerToken, sc.Host, sc.ParseTimeout()), nil
	}
}

func (a *app) buildNarrative() (*narrative.Client, error) {
	nc := a.cfg.Narrative
	if nc.APIKey == "" {
		return nil, fmt.Errorf("narrative: %s api key is not set", nc.Provider)
	}
	return narrative.NewClient(narrative.Config{
		Provider:      nc.Provider,
		Model:         nc.Model,
		APIKey:        nc.APIKey,
		BaseURL:       nc.BaseURL,
		Timeout:       nc.ParseTimeout(),
		SampleSize:    nc.SampleSize,
		RatePerSecond: nc.RatePerSecond,
		Resilience:    a.resilience("narrative"),
	}), nil
}

func (a *app) buildLocker() (runlock.Locker, error) {
	lc := a.cfg.Lock
	if lc.Backend != "redis" {
		return runlock.NewLocal(), nil
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:     lc.RedisAddr,
		Password: lc.RedisPassword,
		DB:       lc.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", lc.RedisAddr, err)
	}
	a.closers = append(a.closers, client.Close)
	return runlock.NewRedis(client, lc.Key, lc.ParseTTL()), nil
}

func (a *app) buildPipeline(namer narrative.Namer) (*trend.Pipeline, error) {
	ec := a.cfg.Embedding
	if ec.APIKey == "" {
		return nil, errors.New("embedding: api key is not set (OPENAI_API_KEY)")
	}
	embedder := embed.NewOpenAI(embed.OpenAIConfig{
		APIKey:        ec.APIKey,
		Model:         ec.Model,
		BaseURL:       ec.BaseURL,
		Timeout:       ec.ParseTimeout(),
		BatchSize:     ec.BatchSize,
		RatePerSecond: ec.RatePerSecond,
		Resilience:    a.resilience("embedding"),
	})

	locker, err := a.buildLocker()
	if err != nil {
		return nil, err
	}

	cc := a.cfg.Clustering
	return trend.NewPipeline(trend.Deps{
		Store:    a.store,
		Embedder: embedder,
		Clusterer: cluster.New(cluster.Config{
			Seed:          cc.Seed,
			Restarts:      cc.Restarts,
			MaxIterations: cc.MaxIterations,
		}),
		Namer:   namer,
		Locker:  locker,
		Metrics: a.metrics,
		Logger:  a.log,
	}, trend.Options{
		Weights:        a.weights(),
		MinClusterSize: cc.MinClusterSize,
		PendingLimit:   cc.PendingLimit,
		EmbedTimeout:   a.cfg.Resilience.RetryBudget(ec.ParseTimeout()),
		NameTimeout:    a.cfg.Resilience.RetryBudget(a.cfg.Narrative.ParseTimeout()),
	}), nil
}

func (a *app) buildAlertManager() (*alert.Manager, error) {
	ac := a.cfg.Alerts
	var notifiers []alert.Notifier

	if ac.Slack.Enabled && ac.Slack.WebhookURL != "" {
		notifiers = append(notifiers, alert.NewSlack(ac.Slack.WebhookURL))
	}
	if ac.Discord.Enabled && ac.Discord.WebhookURL != "" {
		notifiers = append(notifiers, alert.NewDiscord(ac.Discord.WebhookURL))
	}
	if ac.Webhook.Enabled && ac.Webhook.URL != "" {
		notifiers = append(notifiers, alert.NewWebhook(ac.Webhook.URL, ac.Webhook.Secret))
	}
	if ac.NATS.Enabled && ac.NATS.URL != "" {
		nc, err := alert.Connect(ac.NATS.URL, a.log)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error { return nc.Drain() })
		notifiers = append(notifiers, alert.NewNATS(nc, ac.NATS.Subject))
	}

	return alert.NewManager(notifiers), nil
}

func (a *app) buildBackfiller(d narrative.Describer) *trend.Backfiller {
	nc := a.cfg.Narrative
	return trend.NewBackfiller(a.store, d, nc.DescribeConcurrency, nc.ParseTimeout(), a.log)
}

func (a *app) buildScheduler() (*scheduler.Scheduler, error) {
	src, err := a.buildSource()
	if err != nil {
		return nil, err
	}
	llm, err := a.buildNarrative()
	if err != nil {
		return nil, err
	}
	pipeline, err := a.buildPipeline(llm)
	if err != nil {
		return nil, err
	}
	alerts, err := a.buildAlertManager()
	if err != nil {
		return nil, err
	}

	cfg := a.cfg
	return scheduler.New(scheduler.Deps{
		Store:     a.store,
		Source:    src,
		Filter:    source.NewFilter(cfg.Filter.Keywords, cfg.Filter.ExcludeKeywords),
		Pipeline:  pipeline,
		Describer: a.buildBackfiller(llm),
		Alerts:    alerts,
		Metrics:   a.metrics,
		Logger:    a.log,
	}, scheduler.Config{
		SearchTerms:     cfg.Source.SearchTerms,
		MaxResults:      cfg.Source.MaxResults,
		CollectInterval: cfg.Schedule.ParseCollectInterval(),
		CleanupInterval: cfg.Schedule.ParseCleanupInterval(),
		RetentionDays:   cfg.Retention.Days,
		DescribeBatch:   cfg.Narrative.DescribeBatch,
		MinScore:        cfg.Alerts.MinScore,
		DashboardURL:    cfg.Alerts.DashboardURL,
	}), nil
}

func (a *app) buildServer(port int, sched *scheduler.Scheduler) *server.Server {
	if port == 0 {
		port = a.cfg.Server.Port
	}
	opts := server.Options{
		Port:         port,
		PerPage:      a.cfg.Server.PerPage,
		HistoryLimit: a.cfg.Scoring.HistoryLimit,
		CORSOrigins:  a.cfg.Server.CORSOrigins,
		Metrics:      a.metrics,
		Logger:       a.log,
	}
	if sched != nil {
		opts.Cycler = sched
	}
	return server.New(a.store, opts)
}

func runCollect(ctx context.Context, jsonOutput bool) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	sched, err := a.buildScheduler()
	if err != nil {
		return err
	}

	res, err := sched.RunCycle(ctx)
	if res != nil && jsonOutput {
		if encErr := printJSON(res); encErr != nil {
			return encErr
		}
	}
	if err != nil {
		return err
	}
	if !jsonOutput {
		run := res.Run
		fmt.Fprintf(os.Stderr, "fetched %d posts, kept %d\n", res.Fetched, res.Kept)
		fmt.Fprintf(os.Stderr, "embedded %d, clusters %d, trends created %d, merged %d, scored %d, failures %d\n",
			run.PostsEmbedded, run.ClustersKept, run.TrendsCreated, run.TrendsMerged, run.TrendsScored, run.Failures)
		if res.Alerted > 0 {
			fmt.Fprintf(os.Stderr, "alerted %d trends\n", res.Alerted)
		}
	}
	return nil
}

type trendsOpts struct {
	json      bool
	search    string
	dateRange string
	sort      string
	page      int
}

func runTrends(ctx context.Context, opts trendsOpts) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	sort, err := store.ParseSort(opts.sort)
	if err != nil {
		return err
	}
	since, err := store.RangeSince(opts.dateRange, time.Now())
	if err != nil {
		return err
	}

	page, err := a.store.ListTrends(ctx, store.TrendListOpts{
		Search:  opts.search,
		Since:   since,
		Sort:    sort,
		Page:    opts.page,
		PerPage: a.cfg.Server.PerPage,
	})
	if err != nil {
		return fmt.Errorf("list trends: %w", err)
	}

	if opts.json {
		return printJSON(page)
	}

	if len(page.Trends) == 0 {
		fmt.Println("no trends found (try collecting data first: trendpulse collect)")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSCORE\tPOSTS\tTITLE\tCREATED")
	for _, t := range page.Trends {
		fmt.Fprintf(w, "%d\t%.2f\t%d\t%s\t%s\n",
			t.ID, t.LatestScore, t.TotalPosts, t.Title, t.CreatedAt.Format(time.RFC3339))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Printf("\npage %d of %d (%d trends)\n", page.Page, max(page.Pages, 1), page.Total)
	return nil
}

func runHistory(ctx context.Context, id int64, limit int, live, jsonOutput bool) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	t, err := a.store.GetTrend(ctx, id)
	if err != nil {
		return fmt.Errorf("get trend %d: %w", id, err)
	}
	if limit <= 0 {
		limit = a.cfg.Scoring.HistoryLimit
	}
	points, err := a.store.ScoreHistory(ctx, id, store.HistoryOpts{Limit: limit})
	if err != nil {
		return err
	}

	out := map[string]any{"trend": t, "scores": points}
	var current float64
	if live {
		if current, err = trend.NewScorer(a.store, a.weights()).Calculate(ctx, id); err != nil {
			return err
		}
		out["current_score"] = current
	}

	if jsonOutput {
		return printJSON(out)
	}

	fmt.Printf("%s (%d posts)\n", t.Title, t.TotalPosts)
	if live {
		fmt.Printf("current score: %.2f\n", current)
	}
	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "GENERATED\tSCORE")
	for _, p := range points {
		fmt.Fprintf(w, "%s\t%.2f\n", p.GeneratedAt.Format(time.RFC3339), p.Score)
	}
	return w.Flush()
}

func runSummary(ctx context.Context, days int) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	sum, err := a.store.Summary(ctx, time.Now().AddDate(0, 0, -days), 5)
	if err != nil {
		return err
	}
	return printJSON(sum)
}

func runDescribe(ctx context.Context, limit int) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	llm, err := a.buildNarrative()
	if err != nil {
		return err
	}
	if limit <= 0 {
		limit = a.cfg.Narrative.DescribeBatch
	}

	res, err := a.buildBackfiller(llm).Run(ctx, limit)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "described %d trends, %d fell back, %d store failures\n",
		res.Described, res.FellBack, res.StoreFails)
	return nil
}

func runCleanup(ctx context.Context, days int) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	if days <= 0 {
		days = a.cfg.Retention.Days
	}
	res, err := a.store.Cleanup(ctx, time.Now().AddDate(0, 0, -days))
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "removed %d snapshots and %d scores older than %d days\n", res.Snapshots, res.Scores, days)
	return nil
}

func runServe(ctx context.Context, port int) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	// The manual trigger is optional; serve read-only when collaborators are not configured.
	sched, err := a.buildScheduler()
	if err != nil {
		a.log.WithError(err).Warn("pipeline trigger disabled")
		sched = nil
	}

	return a.buildServer(port, sched).ListenAndServe(ctx)
}

func runDaemon(ctx context.Context, port int) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	sched, err := a.buildScheduler()
	if err != nil {
		return err
	}
	srv := a.buildServer(port, sched)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := sched.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error { return srv.ListenAndServe(gctx) })

	err = g.Wait()
	a.log.Info("shut down")
	return err
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
