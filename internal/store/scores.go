package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jmoiron/sqlx"
)

// latestSnapshotID selects the newest snapshot of post p.
const latestSnapshotID = `
	SELECT e2.id FROM engagement_snapshots e2
	WHERE e2.post_id = p.id
	ORDER BY e2.captured_at DESC, e2.id DESC
	LIMIT 1`

// Engagement aggregates a trend's linked posts using only the latest
// snapshot per post. Followers sum once per linked post, so an author with
// several posts in the trend counts several times.
type Engagement struct {
	TrendID   int64 `db:"trend_id"`
	Posts     int64 `db:"posts"`
	Likes     int64 `db:"likes"`
	Comments  int64 `db:"comments"`
	Reposts   int64 `db:"reposts"`
	Followers int64 `db:"followers"`
}

// ScoreInput is one score to append.
type ScoreInput struct {
	TrendID int64
	Score   float64
}

// ScorePoint is one entry of a trend's score history.
type ScorePoint struct {
	GeneratedAt time.Time `db:"generated_at" json:"generated_at"`
	Score       float64   `db:"score" json:"score"`
}

// HistoryOpts bounds a score history read. Zero values mean no bound on that axis.
type HistoryOpts struct {
	Limit int
	Since time.Time
}

const engagementQuery = `
	SELECT t.id AS trend_id,
		COUNT(p.id) AS posts,
		COALESCE(SUM(e.likes), 0) AS likes,
		COALESCE(SUM(e.comments), 0) AS comments,
		COALESCE(SUM(e.reposts), 0) AS reposts,
		COALESCE(SUM(a.follower_count), 0) AS followers
	FROM trends t
	LEFT JOIN post_trends pt ON pt.trend_id = t.id
	LEFT JOIN posts p ON p.id = pt.post_id
	LEFT JOIN authors a ON a.id = p.author_id
	LEFT JOIN engagement_snapshots e ON e.id = (` + latestSnapshotID + `)`

// TrendEngagements returns one aggregate per trend, including trends with no posts.
func (s *SQLStore) TrendEngagements(ctx context.Context) ([]Engagement, error) {
	var out []Engagement
	if err := s.db.SelectContext(ctx, &out, engagementQuery+" GROUP BY t.id ORDER BY t.id"); err != nil {
		return nil, fmt.Errorf("aggregate trend engagement: %w", err)
	}
	return out, nil
}

func (s *SQLStore) TrendEngagement(ctx context.Context, trendID int64) (Engagement, error) {
	var out Engagement
	err := s.db.GetContext(ctx, &out, s.db.Rebind(engagementQuery+" WHERE t.id = ? GROUP BY t.id"), trendID)
	if errors.Is(err, sql.ErrNoRows) {
		return Engagement{}, ErrNotFound
	}
	if err != nil {
		return Engagement{}, fmt.Errorf("aggregate trend engagement %d: %w", trendID, err)
	}
	return out, nil
}

// AppendScores inserts one row per input at a shared generation time and
// returns that time. If at is not after the newest stored row, it is moved
// just past it so generation times never go backwards.
func (s *SQLStore) AppendScores(ctx context.Context, at time.Time, scores []ScoreInput) (time.Time, error) {
	at = at.UTC().Truncate(time.Microsecond)
	if len(scores) == 0 {
		return at, nil
	}

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var last time.Time
		err := tx.GetContext(ctx, &last,
			"SELECT generated_at FROM trend_scores ORDER BY generated_at DESC, id DESC LIMIT 1")
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return fmt.Errorf("read latest score time: %w", err)
		case !at.After(last):
			at = last.UTC().Truncate(time.Microsecond).Add(time.Microsecond)
		}

		q := tx.Rebind("INSERT INTO trend_scores (trend_id, generated_at, score) VALUES (?, ?, ?)")
		for _, sc := range scores {
			if _, err := tx.ExecContext(ctx, q, sc.TrendID, at, sc.Score); err != nil {
				return fmt.Errorf("append score for trend %d: %w", sc.TrendID, err)
			}
		}
		return nil
	})
	if err != nil {
		return time.Time{}, err
	}
	return at, nil
}

// LatestScore returns the score with the greatest generation time, or 0 when
// the trend has never been scored.
func (s *SQLStore) LatestScore(ctx context.Context, trendID int64) (float64, error) {
	var score float64
	err := s.db.GetContext(ctx, &score, s.db.Rebind(`
		SELECT score FROM trend_scores
		WHERE trend_id = ?
		ORDER BY generated_at DESC, id DESC
		LIMIT 1
	`), trendID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("latest score %d: %w", trendID, err)
	}
	return score, nil
}

// ScoreHistory returns the newest points within opts, ordered oldest to newest.
func (s *SQLStore) ScoreHistory(ctx context.Context, trendID int64, opts HistoryOpts) ([]ScorePoint, error) {
	query := "SELECT generated_at, score FROM trend_scores WHERE trend_id = ?"
	args := []any{trendID}
	if !opts.Since.IsZero() {
		query += " AND generated_at >= ?"
		args = append(args, opts.Since.UTC())
	}
	query += " ORDER BY generated_at DESC, id DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	points := []ScorePoint{}
	if err := s.db.SelectContext(ctx, &points, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("score history %d: %w", trendID, err)
	}
	slices.Reverse(points)
	return points, nil
}

// TopTrend is a Summary entry.
type TopTrend struct {
	ID         int64   `db:"id" json:"id"`
	Title      string  `db:"title" json:"title"`
	TotalPosts int     `db:"total_posts" json:"total_posts"`
	Score      float64 `db:"score" json:"score"`
}

// Summary describes activity since a point in time.
type Summary struct {
	Since         time.Time  `json:"since"`
	RecentTrends  int        `json:"recent_trends"`
	PostsAnalyzed int        `json:"posts_analyzed"`
	TotalPosts    int        `json:"total_posts"`
	TopTrends     []TopTrend `json:"top_trends"`
}

// Summary counts trends and posts created since the cutoff, the posts stored
// overall, and lists the top trends by best score generated in that window.
func (s *SQLStore) Summary(ctx context.Context, since time.Time, top int) (*Summary, error) {
	if top <= 0 {
		top = 5
	}
	since = since.UTC()
	out := &Summary{Since: since, TopTrends: []TopTrend{}}

	if err := s.db.GetContext(ctx, &out.RecentTrends,
		s.db.Rebind("SELECT COUNT(*) FROM trends WHERE created_at >= ?"), since); err != nil {
		return nil, fmt.Errorf("count recent trends: %w", err)
	}
	if err := s.db.GetContext(ctx, &out.PostsAnalyzed,
		s.db.Rebind("SELECT COUNT(*) FROM posts WHERE created_at >= ?"), since); err != nil {
		return nil, fmt.Errorf("count recent posts: %w", err)
	}
	total, err := s.CountPosts(ctx)
	if err != nil {
		return nil, err
	}
	out.TotalPosts = total
	if err := s.db.SelectContext(ctx, &out.TopTrends, s.db.Rebind(`
		SELECT t.id, t.title, t.total_posts, MAX(s.score) AS score
		FROM trend_scores s
		JOIN trends t ON t.id = s.trend_id
		WHERE s.generated_at >= ?
		GROUP BY t.id, t.title, t.total_posts
		ORDER BY score DESC, t.id
		LIMIT ?
	`), since, top); err != nil {
		return nil, fmt.Errorf("top trends: %w", err)
	}
	return out, nil
}

// CleanupResult reports rows removed by Cleanup.
type CleanupResult struct {
	Snapshots int64 `json:"snapshots"`
	Scores    int64 `json:"scores"`
}

// Cleanup removes engagement snapshots and trend scores older than before,
// always keeping the newest snapshot of each post and the newest score of
// each trend so scoring and "current score" reads are unaffected.
func (s *SQLStore) Cleanup(ctx context.Context, before time.Time) (*CleanupResult, error) {
	before = before.UTC()
	out := &CleanupResult{}

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, tx.Rebind(`
			DELETE FROM engagement_snapshots
			WHERE captured_at < ?
			AND id <> (
				SELECT e2.id FROM engagement_snapshots e2
				WHERE e2.post_id = engagement_snapshots.post_id
				ORDER BY e2.captured_at DESC, e2.id DESC
				LIMIT 1
			)
		`), before)
		if err != nil {
			return fmt.Errorf("delete old snapshots: %w", err)
		}
		out.Snapshots, _ = res.RowsAffected()

		res, err = tx.ExecContext(ctx, tx.Rebind(`
			DELETE FROM trend_scores
			WHERE generated_at < ?
			AND id <> (
				SELECT s2.id FROM trend_scores s2
				WHERE s2.trend_id = trend_scores.trend_id
				ORDER BY s2.generated_at DESC, s2.id DESC
				LIMIT 1
			)
		`), before)
		if err != nil {
			return fmt.Errorf("delete old scores: %w", err)
		}
		out.Scores, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
