package scheduler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elonfeng/trendpulse/internal/runlock"
	"github.com/elonfeng/trendpulse/internal/store"
	"github.com/elonfeng/trendpulse/pkg/alert"
	"github.com/elonfeng/trendpulse/pkg/source"
	"github.com/elonfeng/trendpulse/pkg/trend"
)

var now = time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)

type fakeSource struct {
	posts []source.RawPost
	err   error
	terms []string
}

func (f *fakeSource) Name() source.SourceType { return source.SourceTwitter }

func (f *fakeSource) FetchPosts(_ context.Context, terms []string, _ int) ([]source.RawPost, error) {
	f.terms = terms
	return f.posts, f.err
}

type fakeRunner struct {
	batch []source.RawPost
	calls int
	err   error
}

func (f *fakeRunner) Run(_ context.Context, batch []source.RawPost) (*trend.RunResult, error) {
	f.calls++
	f.batch = batch
	if f.err != nil {
		return nil, f.err
	}
	return &trend.RunResult{Status: trend.StatusSuccess, PostsIngested: len(batch)}, nil
}

type fakeDescriber struct{ calls int }

func (f *fakeDescriber) Run(context.Context, int) (*trend.BackfillResult, error) {
	f.calls++
	return &trend.BackfillResult{Described: 1}, nil
}

type fakeStore struct {
	unalerted  []store.Trend
	recorded   map[int64][]string
	cleanupCut time.Time
}

func (f *fakeStore) UnalertedTrends(_ context.Context, minScore float64) ([]store.Trend, error) {
	var out []store.Trend
	for _, t := range f.unalerted {
		if _, done := f.recorded[t.ID]; !done && t.LatestScore >= minScore {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeStore) TrendPosts(_ context.Context, trendID int64, _ int) ([]store.PostView, error) {
	return []store.PostView{{ExternalID: fmt.Sprint(trendID * 10), AuthorHandle: "alice", Body: "hello"}}, nil
}

func (f *fakeStore) RecordAlert(_ context.Context, trendID int64, _ float64, channels []string) error {
	if f.recorded == nil {
		f.recorded = map[int64][]string{}
	}
	f.recorded[trendID] = channels
	return nil
}

func (f *fakeStore) Cleanup(_ context.Context, before time.Time) (*store.CleanupResult, error) {
	f.cleanupCut = before
	return &store.CleanupResult{Snapshots: 2, Scores: 1}, nil
}

type recordingNotifier struct {
	name string
	err  error
	sent []*alert.Notification
}

func (r *recordingNotifier) Name() string { return r.name }

func (r *recordingNotifier) Send(_ context.Context, n *alert.Notification) error {
	r.sent = append(r.sent, n)
	return r.err
}

func post(id, body string) source.RawPost {
	return source.RawPost{
		ExternalID:  id,
		Body:        body,
		PublishedAt: now,
		Author:      source.Author{Handle: "alice", FollowerCount: 10},
	}
}

func newTestScheduler(deps Deps, cfg Config) *Scheduler {
	s := New(deps, cfg)
	s.now = func() time.Time { return now }
	return s
}

func TestRunCycleFiltersAndAlerts(t *testing.T) {
	src := &fakeSource{posts: []source.RawPost{post("1", "AI is moving fast"), post("2", "lunch pics"), post("3", "new AI chip")}}
	runner := &fakeRunner{}
	desc := &fakeDescriber{}
	st := &fakeStore{unalerted: []store.Trend{
		{ID: 1, Title: "Chips", LatestScore: 80},
		{ID: 2, Title: "Quiet", LatestScore: 5},
	}}
	n := &recordingNotifier{name: "slack"}

	s := newTestScheduler(Deps{
		Store:     st,
		Source:    src,
		Filter:    source.NewFilter([]string{"ai"}, nil),
		Pipeline:  runner,
		Describer: desc,
		Alerts:    alert.NewManager([]alert.Notifier{n}),
	}, Config{SearchTerms: []string{"AI"}, MinScore: 50, DashboardURL: "http://dash"})

	res, err := s.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"AI"}, src.terms)
	assert.Equal(t, 3, res.Fetched)
	assert.Equal(t, 2, res.Kept)
	require.Len(t, runner.batch, 2)
	assert.Equal(t, "1", runner.batch[0].ExternalID)
	assert.Equal(t, "3", runner.batch[1].ExternalID)
	assert.Equal(t, 1, desc.calls)
	assert.Equal(t, 1, res.Backfill.Described)

	assert.Equal(t, 1, res.Alerted)
	require.Len(t, n.sent, 1)
	assert.Equal(t, "Chips", n.sent[0].Title)
	assert.Equal(t, "http://dash/api/v1/trends/1", n.sent[0].URL)
	assert.Equal(t, []string{"slack"}, st.recorded[1])

	// Alerts fire once per trend.
	sent, err := s.Alert(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sent)
	assert.Len(t, n.sent, 1)
}

func TestRunCycleSourceUnavailable(t *testing.T) {
	src := &fakeSource{err: fmt.Errorf("%w: 503", source.ErrSourceUnavailable)}
	runner := &fakeRunner{}

	s := newTestScheduler(Deps{Store: &fakeStore{}, Source: src, Pipeline: runner}, Config{})

	_, err := s.RunCycle(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, source.ErrSourceUnavailable)
	assert.Zero(t, runner.calls)
}

func TestRunCyclePipelineFailureSkipsFollowups(t *testing.T) {
	desc := &fakeDescriber{}
	runner := &fakeRunner{err: runlock.ErrRunInProgress}

	s := newTestScheduler(Deps{
		Store:     &fakeStore{},
		Source:    &fakeSource{},
		Pipeline:  runner,
		Describer: desc,
	}, Config{})

	_, err := s.RunCycle(context.Background())
	assert.ErrorIs(t, err, runlock.ErrRunInProgress)
	assert.Zero(t, desc.calls)
}

func TestAlertPartialDeliveryIsRecorded(t *testing.T) {
	st := &fakeStore{unalerted: []store.Trend{{ID: 4, Title: "Robots", LatestScore: 90}}}
	ok := &recordingNotifier{name: "slack"}
	bad := &recordingNotifier{name: "discord", err: errors.New("down")}

	s := newTestScheduler(Deps{Store: st, Alerts: alert.NewManager([]alert.Notifier{ok, bad})}, Config{})

	sent, err := s.Alert(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, sent)
	assert.Contains(t, st.recorded, int64(4))
}

func TestAlertTotalFailureIsRetried(t *testing.T) {
	st := &fakeStore{unalerted: []store.Trend{{ID: 4, Title: "Robots", LatestScore: 90}}}
	bad := &recordingNotifier{name: "webhook", err: errors.New("down")}

	s := newTestScheduler(Deps{Store: st, Alerts: alert.NewManager([]alert.Notifier{bad})}, Config{})

	sent, err := s.Alert(context.Background())
	require.Error(t, err)
	assert.Zero(t, sent)
	assert.NotContains(t, st.recorded, int64(4))
}

func TestAlertWithoutNotifiers(t *testing.T) {
	st := &fakeStore{unalerted: []store.Trend{{ID: 1, LatestScore: 100}}}
	s := newTestScheduler(Deps{Store: st}, Config{})

	sent, err := s.Alert(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sent)
	assert.Empty(t, st.recorded)
}

func TestCleanupUsesRetention(t *testing.T) {
	st := &fakeStore{}
	s := newTestScheduler(Deps{Store: st}, Config{RetentionDays: 7})

	res, err := s.Cleanup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Snapshots)
	assert.Equal(t, now.AddDate(0, 0, -7), st.cleanupCut)
}

func TestRunStopsOnCancel(t *testing.T) {
	runner := &fakeRunner{}
	s := newTestScheduler(Deps{Store: &fakeStore{}, Source: &fakeSource{}, Pipeline: runner},
		Config{CollectInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestCycleLogsOverlap(t *testing.T) {
	log, hook := logtest.NewNullLogger()
	s := newTestScheduler(Deps{
		Store:    &fakeStore{},
		Source:   &fakeSource{},
		Pipeline: &fakeRunner{err: runlock.ErrRunInProgress},
		Logger:   log,
	}, Config{})

	s.cycle(context.Background())

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.WarnLevel, entry.Level)
	assert.Equal(t, "previous run still in progress, skipping cycle", entry.Message)
}

func TestCycleLogsSourceFailure(t *testing.T) {
	log, hook := logtest.NewNullLogger()
	s := newTestScheduler(Deps{
		Store:    &fakeStore{},
		Source:   &fakeSource{err: source.ErrSourceUnavailable},
		Pipeline: &fakeRunner{},
		Logger:   log,
	}, Config{})

	s.cycle(context.Background())

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.ErrorLevel, entry.Level)
	assert.ErrorIs(t, entry.Data[logrus.ErrorKey].(error), source.ErrSourceUnavailable)
}
