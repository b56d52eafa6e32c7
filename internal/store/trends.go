package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// TrendTx is the set of trend writes available inside one resolution
// transaction. Every call runs on the same underlying tx.
type TrendTx interface {
	TrendByTitle(ctx context.Context, title string) (*Trend, error)
	InsertTrend(ctx context.Context, t *Trend) error
	LinkPost(ctx context.Context, postID, trendID int64, at time.Time) (bool, error)
	CountTrendPosts(ctx context.Context, trendID int64) (int, error)
	UpdateTrendCount(ctx context.Context, trendID int64, totalPosts int, at time.Time) error
}

type sqlTrendTx struct {
	tx *sqlx.Tx
}

// InTrendTx runs fn in a transaction. Returning an error rolls back every
// write fn made.
func (s *SQLStore) InTrendTx(ctx context.Context, fn func(TrendTx) error) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		return fn(&sqlTrendTx{tx: tx})
	})
}

const trendColumns = "t.id, t.title, t.description, t.described_at, t.total_posts, t.created_at, t.updated_at"

const latestScoreExpr = `COALESCE((
	SELECT s.score FROM trend_scores s
	WHERE s.trend_id = t.id
	ORDER BY s.generated_at DESC, s.id DESC
	LIMIT 1
), 0.0)`

func (t *sqlTrendTx) TrendByTitle(ctx context.Context, title string) (*Trend, error) {
	var trend Trend
	err := t.tx.GetContext(ctx, &trend, t.tx.Rebind("SELECT "+trendColumns+" FROM trends t WHERE t.title = ?"), title)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find trend %q: %w", title, err)
	}
	return &trend, nil
}

// InsertTrend creates the row and sets t.ID. A concurrent insert of the same
// title yields ErrPersistenceConflict.
func (t *sqlTrendTx) InsertTrend(ctx context.Context, trend *Trend) error {
	err := t.tx.GetContext(ctx, &trend.ID, t.tx.Rebind(`
		INSERT INTO trends (title, description, total_posts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(title) DO NOTHING
		RETURNING id
	`), trend.Title, trend.Description, trend.TotalPosts, trend.CreatedAt.UTC(), trend.UpdatedAt.UTC())
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("insert trend %q: %w", trend.Title, ErrPersistenceConflict)
	}
	if err != nil {
		return fmt.Errorf("insert trend %q: %w", trend.Title, err)
	}
	return nil
}

// LinkPost creates the (post, trend) link if absent and reports whether it did.
func (t *sqlTrendTx) LinkPost(ctx context.Context, postID, trendID int64, at time.Time) (bool, error) {
	res, err := t.tx.ExecContext(ctx, t.tx.Rebind(`
		INSERT INTO post_trends (post_id, trend_id, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(post_id, trend_id) DO NOTHING
	`), postID, trendID, at.UTC())
	if err != nil {
		return false, fmt.Errorf("link post %d to trend %d: %w", postID, trendID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("link post %d to trend %d: %w", postID, trendID, err)
	}
	return n > 0, nil
}

func (t *sqlTrendTx) CountTrendPosts(ctx context.Context, trendID int64) (int, error) {
	var n int
	if err := t.tx.GetContext(ctx, &n, t.tx.Rebind("SELECT COUNT(*) FROM post_trends WHERE trend_id = ?"), trendID); err != nil {
		return 0, fmt.Errorf("count trend posts %d: %w", trendID, err)
	}
	return n, nil
}

func (t *sqlTrendTx) UpdateTrendCount(ctx context.Context, trendID int64, totalPosts int, at time.Time) error {
	res, err := t.tx.ExecContext(ctx, t.tx.Rebind("UPDATE trends SET total_posts = ?, updated_at = ? WHERE id = ?"),
		totalPosts, at.UTC(), trendID)
	if err != nil {
		return fmt.Errorf("update trend %d: %w", trendID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("update trend %d: %w", trendID, ErrNotFound)
	}
	return nil
}

func (s *SQLStore) GetTrend(ctx context.Context, id int64) (*Trend, error) {
	var trend Trend
	err := s.db.GetContext(ctx, &trend, s.db.Rebind(
		"SELECT "+trendColumns+", "+latestScoreExpr+" AS latest_score FROM trends t WHERE t.id = ?"), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get trend %d: %w", id, err)
	}
	return &trend, nil
}

// SortField selects the trend listing order.
type SortField string

const (
	SortByScore   SortField = "score"
	SortByCreated SortField = "created"
)

// TrendSort is a listing order.
type TrendSort struct {
	By   SortField
	Desc bool
}

// ParseSort accepts score_desc, score_asc, newest, oldest, created_desc and
// created_asc. Empty means score_desc.
func ParseSort(s string) (TrendSort, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "score_desc", "score":
		return TrendSort{By: SortByScore, Desc: true}, nil
	case "score_asc":
		return TrendSort{By: SortByScore}, nil
	case "newest", "created_desc":
		return TrendSort{By: SortByCreated, Desc: true}, nil
	case "oldest", "created_asc":
		return TrendSort{By: SortByCreated}, nil
	}
	return TrendSort{}, fmt.Errorf("unknown sort %q", s)
}

// RangeSince turns a date preset into a created_at lower bound. "today" is
// the current UTC day; "week" and "month" are the last 7 and 30 days.
func RangeSince(preset string, now time.Time) (time.Time, error) {
	now = now.UTC()
	switch strings.ToLower(strings.TrimSpace(preset)) {
	case "", "all":
		return time.Time{}, nil
	case "today":
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC), nil
	case "week":
		return now.AddDate(0, 0, -7), nil
	case "month":
		return now.AddDate(0, 0, -30), nil
	}
	return time.Time{}, fmt.Errorf("unknown date range %q", preset)
}

// TrendListOpts controls trend listing. Page is 1-based.
type TrendListOpts struct {
	Search  string
	Since   time.Time
	Until   time.Time
	Sort    TrendSort
	Page    int
	PerPage int
}

// TrendPage is one page of trends with the total match count.
type TrendPage struct {
	Trends  []Trend `json:"trends"`
	Total   int     `json:"total"`
	Page    int     `json:"page"`
	PerPage int     `json:"per_page"`
	Pages   int     `json:"pages"`
}

func (s *SQLStore) ListTrends(ctx context.Context, opts TrendListOpts) (*TrendPage, error) {
	where := " WHERE 1=1"
	var args []any

	if q := strings.TrimSpace(opts.Search); q != "" {
		pattern := "%" + escapeLike(strings.ToLower(q)) + "%"
		where += ` AND (LOWER(t.title) LIKE ? ESCAPE '\' OR LOWER(t.description) LIKE ? ESCAPE '\')`
		args = append(args, pattern, pattern)
	}
	if !opts.Since.IsZero() {
		where += " AND t.created_at >= ?"
		args = append(args, opts.Since.UTC())
	}
	if !opts.Until.IsZero() {
		where += " AND t.created_at < ?"
		args = append(args, opts.Until.UTC())
	}

	var total int
	if err := s.db.GetContext(ctx, &total, s.db.Rebind("SELECT COUNT(*) FROM trends t"+where), args...); err != nil {
		return nil, fmt.Errorf("count trends: %w", err)
	}

	perPage := opts.PerPage
	if perPage <= 0 {
		perPage = 50
	}
	page := max(opts.Page, 1)

	order := " ORDER BY latest_score"
	if opts.Sort.By == SortByCreated {
		order = " ORDER BY t.created_at"
	}
	if opts.Sort.Desc {
		order += " DESC, t.id DESC"
	} else {
		order += " ASC, t.id ASC"
	}

	query := "SELECT " + trendColumns + ", " + latestScoreExpr + " AS latest_score FROM trends t" +
		where + order + " LIMIT ? OFFSET ?"
	args = append(args, perPage, (page-1)*perPage)

	trends := []Trend{}
	if err := s.db.SelectContext(ctx, &trends, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list trends: %w", err)
	}

	return &TrendPage{
		Trends:  trends,
		Total:   total,
		Page:    page,
		PerPage: perPage,
		Pages:   (total + perPage - 1) / perPage,
	}, nil
}

// TrendPosts returns a trend's posts, newest first, with the latest
// engagement snapshot of each.
func (s *SQLStore) TrendPosts(ctx context.Context, trendID int64, limit int) ([]PostView, error) {
	if limit <= 0 {
		limit = 10
	}
	posts := []PostView{}
	err := s.db.SelectContext(ctx, &posts, s.db.Rebind(`
		SELECT p.id, p.external_id, p.body, p.published_at,
			a.handle, a.display_name, a.follower_count,
			COALESCE(e.likes, 0) AS likes,
			COALESCE(e.comments, 0) AS comments,
			COALESCE(e.reposts, 0) AS reposts
		FROM post_trends pt
		JOIN posts p ON p.id = pt.post_id
		JOIN authors a ON a.id = p.author_id
		LEFT JOIN engagement_snapshots e ON e.id = (`+latestSnapshotID+`)
		WHERE pt.trend_id = ?
		ORDER BY p.published_at DESC, p.id DESC
		LIMIT ?
	`), trendID, limit)
	if err != nil {
		return nil, fmt.Errorf("list trend posts %d: %w", trendID, err)
	}
	return posts, nil
}

// TrendsNeedingDescription returns trends whose description is still the
// placeholder written at creation, oldest first.
func (s *SQLStore) TrendsNeedingDescription(ctx context.Context, limit int) ([]Trend, error) {
	if limit <= 0 {
		limit = 20
	}
	var trends []Trend
	err := s.db.SelectContext(ctx, &trends, s.db.Rebind(
		"SELECT "+trendColumns+" FROM trends t WHERE t.described_at IS NULL ORDER BY t.created_at, t.id LIMIT ?"), limit)
	if err != nil {
		return nil, fmt.Errorf("list undescribed trends: %w", err)
	}
	return trends, nil
}

func (s *SQLStore) SetDescription(ctx context.Context, trendID int64, description string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind("UPDATE trends SET description = ?, described_at = ? WHERE id = ?"),
		description, s.now().UTC(), trendID)
	if err != nil {
		return fmt.Errorf("set description %d: %w", trendID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("set description %d: %w", trendID, ErrNotFound)
	}
	return nil
}

// UnalertedTrends returns trends at or above minScore that have never been alerted.
func (s *SQLStore) UnalertedTrends(ctx context.Context, minScore float64) ([]Trend, error) {
	var trends []Trend
	err := s.db.SelectContext(ctx, &trends, s.db.Rebind(
		"SELECT "+trendColumns+", "+latestScoreExpr+" AS latest_score FROM trends t"+
			" WHERE NOT EXISTS (SELECT 1 FROM trend_alerts ta WHERE ta.trend_id = t.id)"+
			" AND "+latestScoreExpr+" >= ?"+
			" ORDER BY latest_score DESC, t.id"), minScore)
	if err != nil {
		return nil, fmt.Errorf("list unalerted trends: %w", err)
	}
	return trends, nil
}

func (s *SQLStore) RecordAlert(ctx context.Context, trendID int64, score float64, channels []string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO trend_alerts (trend_id, score, channels, alerted_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(trend_id) DO NOTHING
	`), trendID, score, strings.Join(channels, ","), s.now().UTC())
	if err != nil {
		return fmt.Errorf("record alert %d: %w", trendID, err)
	}
	return nil
}
