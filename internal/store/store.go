package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/elonfeng/trendpulse/pkg/source"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var (
	// ErrNotFound is returned when a looked-up row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrPersistenceConflict is returned when an insert loses a unique-key race.
	// Callers reload and merge instead of surfacing it.
	ErrPersistenceConflict = errors.New("persistence conflict")
)

// Author is a content source identity.
type Author struct {
	ID            int64     `db:"id" json:"id"`
	Handle        string    `db:"handle" json:"handle"`
	DisplayName   string    `db:"display_name" json:"display_name"`
	FollowerCount int64     `db:"follower_count" json:"follower_count"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}

// Post is a stored piece of source content. Vector is only populated by
// queries that select the embedding.
type Post struct {
	ID          int64     `db:"id" json:"id"`
	ExternalID  string    `db:"external_id" json:"external_id"`
	AuthorID    int64     `db:"author_id" json:"author_id"`
	Body        string    `db:"body" json:"body"`
	PublishedAt time.Time `db:"published_at" json:"published_at"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	Vector      []float32 `db:"-" json:"-"`
}

// PostView is a post joined with its author and latest engagement snapshot.
type PostView struct {
	ID            int64     `db:"id" json:"id"`
	ExternalID    string    `db:"external_id" json:"external_id"`
	Body          string    `db:"body" json:"body"`
	PublishedAt   time.Time `db:"published_at" json:"published_at"`
	AuthorHandle  string    `db:"handle" json:"author_handle"`
	AuthorName    string    `db:"display_name" json:"author_name"`
	FollowerCount int64     `db:"follower_count" json:"follower_count"`
	Likes         int64     `db:"likes" json:"likes"`
	Comments      int64     `db:"comments" json:"comments"`
	Reposts       int64     `db:"reposts" json:"reposts"`
}

// Snapshot is a point-in-time engagement reading for a post.
type Snapshot struct {
	ID         int64     `db:"id" json:"id"`
	PostID     int64     `db:"post_id" json:"post_id"`
	CapturedAt time.Time `db:"captured_at" json:"captured_at"`
	Likes      int64     `db:"likes" json:"likes"`
	Comments   int64     `db:"comments" json:"comments"`
	Reposts    int64     `db:"reposts" json:"reposts"`
}

// Trend is a named, persistent topic. LatestScore is filled by listing queries.
type Trend struct {
	ID          int64        `db:"id" json:"id"`
	Title       string       `db:"title" json:"title"`
	Description string       `db:"description" json:"description"`
	DescribedAt sql.NullTime `db:"described_at" json:"-"`
	TotalPosts  int          `db:"total_posts" json:"total_posts"`
	CreatedAt   time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time    `db:"updated_at" json:"updated_at"`
	LatestScore float64      `db:"latest_score" json:"latest_score"`
}

// IngestResult reports what IngestPost wrote.
type IngestResult struct {
	PostID   int64
	AuthorID int64
	Created  bool
}

// Store is the persistence interface.
type Store interface {
	IngestPost(ctx context.Context, p source.RawPost) (IngestResult, error)
	PendingPosts(ctx context.Context, limit int) ([]Post, error)
	SetEmbeddings(ctx context.Context, embeddings map[int64][]float32) error

	InTrendTx(ctx context.Context, fn func(TrendTx) error) error
	GetTrend(ctx context.Context, id int64) (*Trend, error)
	ListTrends(ctx context.Context, opts TrendListOpts) (*TrendPage, error)
	TrendPosts(ctx context.Context, trendID int64, limit int) ([]PostView, error)
	TrendsNeedingDescription(ctx context.Context, limit int) ([]Trend, error)
	SetDescription(ctx context.Context, trendID int64, description string) error

	TrendEngagements(ctx context.Context) ([]Engagement, error)
	TrendEngagement(ctx context.Context, trendID int64) (Engagement, error)
	AppendScores(ctx context.Context, at time.Time, scores []ScoreInput) (time.Time, error)
	LatestScore(ctx context.Context, trendID int64) (float64, error)
	ScoreHistory(ctx context.Context, trendID int64, opts HistoryOpts) ([]ScorePoint, error)
	Summary(ctx context.Context, since time.Time, top int) (*Summary, error)

	UnalertedTrends(ctx context.Context, minScore float64) ([]Trend, error)
	RecordAlert(ctx context.Context, trendID int64, score float64, channels []string) error

	Cleanup(ctx context.Context, before time.Time) (*CleanupResult, error)
	Ping(ctx context.Context) error
	Close() error
}

// SQLStore implements Store over sqlx. Queries are written with ? and rebound
// for the active driver.
type SQLStore struct {
	db  *sqlx.DB
	now func() time.Time
}

// Options configures Open.
type Options struct {
	Driver string
	Path   string // sqlite file path
	DSN    string // postgres connection string
}

// Open connects to the configured database and runs migrations.
func Open(ctx context.Context, opts Options) (*SQLStore, error) {
	var (
		db  *sqlx.DB
		err error
	)
	switch opts.Driver {
	case DriverSQLite, "":
		db, err = sqlx.Open(DriverSQLite, sqliteDSN(opts.Path))
		if err == nil {
			// One writer at a time; transactions only touch their own tx.
			db.SetMaxOpenConns(1)
		}
	case DriverPostgres:
		db, err = sqlx.Open(DriverPostgres, opts.DSN)
		if err == nil {
			db.SetMaxOpenConns(10)
			db.SetMaxIdleConns(5)
			db.SetConnMaxLifetime(30 * time.Minute)
		}
	default:
		return nil, fmt.Errorf("unsupported driver %q", opts.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", opts.Driver, err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", db.DriverName(), err)
	}

	if _, err := db.ExecContext(ctx, schemaFor(db.DriverName())); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return NewWithDB(db), nil
}

// New opens a SQLite database at path and runs migrations.
func New(path string) (*SQLStore, error) {
	return Open(context.Background(), Options{Driver: DriverSQLite, Path: path})
}

// NewWithDB wraps an existing connection without running migrations.
func NewWithDB(db *sqlx.DB) *SQLStore {
	return &SQLStore{db: db, now: time.Now}
}

func sqliteDSN(path string) string {
	return "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_time_format=sqlite"
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// IngestPost upserts the author, inserts the post if its external ID is new,
// and always appends an engagement snapshot. All three commit together.
func (s *SQLStore) IngestPost(ctx context.Context, p source.RawPost) (IngestResult, error) {
	now := s.now().UTC()
	var res IngestResult

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &res.AuthorID, tx.Rebind(`
			INSERT INTO authors (handle, display_name, follower_count, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(handle) DO UPDATE SET
				display_name = CASE WHEN excluded.display_name <> '' THEN excluded.display_name ELSE authors.display_name END,
				follower_count = excluded.follower_count,
				updated_at = excluded.updated_at
			RETURNING id
		`), p.Author.Handle, p.Author.DisplayName, p.Author.FollowerCount, now, now)
		if err != nil {
			return fmt.Errorf("upsert author %s: %w", p.Author.Handle, err)
		}

		err = tx.GetContext(ctx, &res.PostID, tx.Rebind(`
			INSERT INTO posts (external_id, author_id, body, published_at, created_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(external_id) DO NOTHING
			RETURNING id
		`), p.ExternalID, res.AuthorID, p.Body, p.PublishedAt.UTC(), now)
		switch {
		case err == nil:
			res.Created = true
		case errors.Is(err, sql.ErrNoRows):
			if err := tx.GetContext(ctx, &res.PostID,
				tx.Rebind("SELECT id FROM posts WHERE external_id = ?"), p.ExternalID); err != nil {
				return fmt.Errorf("find post %s: %w", p.ExternalID, err)
			}
		default:
			return fmt.Errorf("insert post %s: %w", p.ExternalID, err)
		}

		if _, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO engagement_snapshots (post_id, captured_at, likes, comments, reposts)
			VALUES (?, ?, ?, ?, ?)
		`), res.PostID, now, p.Metrics.Likes, p.Metrics.Comments, p.Metrics.Reposts); err != nil {
			return fmt.Errorf("add snapshot %s: %w", p.ExternalID, err)
		}
		return nil
	})
	if err != nil {
		return IngestResult{}, err
	}
	return res, nil
}

// PendingPosts returns posts that have no embedding yet, oldest first.
func (s *SQLStore) PendingPosts(ctx context.Context, limit int) ([]Post, error) {
	if limit <= 0 {
		limit = 500
	}
	var posts []Post
	err := s.db.SelectContext(ctx, &posts, s.db.Rebind(`
		SELECT id, external_id, author_id, body, published_at, created_at
		FROM posts
		WHERE embedding IS NULL
		ORDER BY created_at, id
		LIMIT ?
	`), limit)
	if err != nil {
		return nil, fmt.Errorf("list pending posts: %w", err)
	}
	return posts, nil
}

// SetEmbeddings overwrites embeddings wholesale in one transaction.
func (s *SQLStore) SetEmbeddings(ctx context.Context, embeddings map[int64][]float32) error {
	if len(embeddings) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		q := tx.Rebind("UPDATE posts SET embedding = ? WHERE id = ?")
		for id, vec := range embeddings {
			if len(vec) == 0 {
				return fmt.Errorf("set embedding %d: empty vector", id)
			}
			encoded, err := encodeVector(vec)
			if err != nil {
				return fmt.Errorf("encode embedding %d: %w", id, err)
			}
			if _, err := tx.ExecContext(ctx, q, encoded, id); err != nil {
				return fmt.Errorf("set embedding %d: %w", id, err)
			}
		}
		return nil
	})
}

// CountPosts returns the number of stored posts.
func (s *SQLStore) CountPosts(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM posts"); err != nil {
		return 0, fmt.Errorf("count posts: %w", err)
	}
	return n, nil
}

// escapeLike escapes LIKE wildcards so user input matches literally.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
