package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elonfeng/trendpulse/internal/metrics"
	"github.com/elonfeng/trendpulse/internal/runlock"
	"github.com/elonfeng/trendpulse/internal/scheduler"
	"github.com/elonfeng/trendpulse/internal/store"
	"github.com/elonfeng/trendpulse/pkg/source"
	"github.com/elonfeng/trendpulse/pkg/trend"
)

type fixture struct {
	store  *store.SQLStore
	alpha  int64
	beta   int64
	server *Server
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	ctx := context.Background()

	st, err := store.New(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ingest := func(id string, likes int64) int64 {
		res, err := st.IngestPost(ctx, source.RawPost{
			ExternalID:  id,
			Body:        "post " + id,
			PublishedAt: time.Now().Add(-time.Hour),
			Author:      source.Author{Handle: "alice", DisplayName: "Alice", FollowerCount: 100},
			Metrics:     source.Metrics{Likes: likes},
		})
		require.NoError(t, err)
		return res.PostID
	}

	resolver := trend.NewResolver(st, nil)
	a, err := resolver.Resolve(ctx, "Alpha Models", []int64{ingest("1", 10), ingest("2", 20)})
	require.NoError(t, err)
	b, err := resolver.Resolve(ctx, "Beta Chips", []int64{ingest("3", 5)})
	require.NoError(t, err)

	_, err = st.AppendScores(ctx, time.Now().Add(-2*time.Hour), []store.ScoreInput{{TrendID: a.TrendID, Score: 10}, {TrendID: b.TrendID, Score: 40}})
	require.NoError(t, err)
	_, err = st.AppendScores(ctx, time.Now().Add(-time.Hour), []store.ScoreInput{{TrendID: a.TrendID, Score: 90}, {TrendID: b.TrendID, Score: 30}})
	require.NoError(t, err)

	return &fixture{store: st, alpha: a.TrendID, beta: b.TrendID, server: New(st, opts)}
}

func (f *fixture) get(t *testing.T, path string, out any) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	if out != nil && rec.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
	}
	return rec
}

func TestHealth(t *testing.T) {
	f := newFixture(t, Options{})

	rec := f.get(t, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestListTrends(t *testing.T) {
	f := newFixture(t, Options{})

	var body struct {
		Data  []store.Trend `json:"data"`
		Count int           `json:"count"`
		Total int           `json:"total"`
	}
	rec := f.get(t, "/api/v1/trends", &body)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, body.Data, 2)
	assert.Equal(t, 2, body.Total)
	assert.Equal(t, "Alpha Models", body.Data[0].Title)
	assert.Equal(t, 90.0, body.Data[0].LatestScore)

	rec = f.get(t, "/api/v1/trends?sort=score&dir=asc", &body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Beta Chips", body.Data[0].Title)

	rec = f.get(t, "/api/v1/trends?q=chips", &body)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, body.Data, 1)
	assert.Equal(t, f.beta, body.Data[0].ID)
}

func TestListTrendsBadParams(t *testing.T) {
	f := newFixture(t, Options{})

	for _, path := range []string{
		"/api/v1/trends?sort=popularity",
		"/api/v1/trends?dir=sideways",
		"/api/v1/trends?range=decade",
		"/api/v1/trends?page=x",
		"/api/v1/trends?since=yesterday",
	} {
		rec := f.get(t, path, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, path)
	}
}

func TestTrendDetail(t *testing.T) {
	f := newFixture(t, Options{})

	var body struct {
		Data struct {
			Trend       store.Trend      `json:"trend"`
			LatestScore float64          `json:"latest_score"`
			Posts       []store.PostView `json:"posts"`
		} `json:"data"`
	}
	rec := f.get(t, "/api/v1/trends/"+itoa(f.alpha), &body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Alpha Models", body.Data.Trend.Title)
	assert.Equal(t, 90.0, body.Data.LatestScore)
	assert.Len(t, body.Data.Posts, 2)

	assert.Equal(t, http.StatusNotFound, f.get(t, "/api/v1/trends/9999", nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.get(t, "/api/v1/trends/abc", nil).Code)
}

func TestScoreHistory(t *testing.T) {
	f := newFixture(t, Options{})

	var body struct {
		Data  []store.ScorePoint `json:"data"`
		Count int                `json:"count"`
	}
	rec := f.get(t, "/api/v1/trends/"+itoa(f.alpha)+"/scores", &body)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, body.Data, 2)
	assert.Equal(t, 10.0, body.Data[0].Score)
	assert.Equal(t, 90.0, body.Data[1].Score)

	rec = f.get(t, "/api/v1/trends/"+itoa(f.alpha)+"/scores?limit=1", &body)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, body.Data, 1)
	assert.Equal(t, 90.0, body.Data[0].Score)

	assert.Equal(t, http.StatusNotFound, f.get(t, "/api/v1/trends/9999/scores", nil).Code)
}

func TestSummary(t *testing.T) {
	f := newFixture(t, Options{})

	var body struct {
		Data store.Summary `json:"data"`
	}
	rec := f.get(t, "/api/v1/summary?days=7", &body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, body.Data.RecentTrends)
	assert.Equal(t, 3, body.Data.PostsAnalyzed)
	assert.Equal(t, 3, body.Data.TotalPosts)
	require.Len(t, body.Data.TopTrends, 2)
	assert.Equal(t, "Alpha Models", body.Data.TopTrends[0].Title)
}

func TestMetricsRoute(t *testing.T) {
	f := newFixture(t, Options{Metrics: metrics.New()})

	rec := f.get(t, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

type fakeCycler struct {
	res *scheduler.CycleResult
	err error
}

func (c fakeCycler) RunCycle(context.Context) (*scheduler.CycleResult, error) {
	return c.res, c.err
}

func TestPipelineRun(t *testing.T) {
	tests := []struct {
		name   string
		cycler Cycler
		want   int
	}{
		{"not configured", nil, http.StatusNotImplemented},
		{"success", fakeCycler{res: &scheduler.CycleResult{Fetched: 3}}, http.StatusOK},
		{"in progress", fakeCycler{err: runlock.ErrRunInProgress}, http.StatusConflict},
		{"source down", fakeCycler{err: source.ErrSourceUnavailable}, http.StatusBadGateway},
		{"failed", fakeCycler{res: &scheduler.CycleResult{}, err: errors.New("boom")}, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Options{Cycler: tt.cycler})
			rec := httptest.NewRecorder()
			f.server.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/pipeline/run", nil))
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestParseSort(t *testing.T) {
	s, err := parseSort("created", "desc")
	require.NoError(t, err)
	assert.Equal(t, store.TrendSort{By: store.SortByCreated, Desc: true}, s)

	s, err = parseSort("", "asc")
	require.NoError(t, err)
	assert.Equal(t, store.TrendSort{By: store.SortByScore}, s)

	s, err = parseSort("oldest", "")
	require.NoError(t, err)
	assert.Equal(t, store.TrendSort{By: store.SortByCreated}, s)
}

func TestListenAndServeShutsDown(t *testing.T) {
	f := newFixture(t, Options{Port: 0})
	f.server.opts.Port = 18089

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.server.ListenAndServe(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://127.0.0.1:18089/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func itoa(id int64) string { return strconv.FormatInt(id, 10) }
