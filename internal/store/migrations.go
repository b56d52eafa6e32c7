package store

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS authors (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    handle         TEXT NOT NULL UNIQUE,
    display_name   TEXT NOT NULL DEFAULT '',
    follower_count INTEGER NOT NULL DEFAULT 0,
    created_at     DATETIME NOT NULL,
    updated_at     DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS posts (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    external_id  TEXT NOT NULL UNIQUE,
    author_id    INTEGER NOT NULL REFERENCES authors(id),
    body         TEXT NOT NULL,
    published_at DATETIME NOT NULL,
    created_at   DATETIME NOT NULL,
    embedding    TEXT
);

CREATE INDEX IF NOT EXISTS idx_posts_author ON posts(author_id);
CREATE INDEX IF NOT EXISTS idx_posts_created_at ON posts(created_at);

CREATE TABLE IF NOT EXISTS engagement_snapshots (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    post_id     INTEGER NOT NULL REFERENCES posts(id) ON DELETE CASCADE,
    captured_at DATETIME NOT NULL,
    likes       INTEGER NOT NULL DEFAULT 0,
    comments    INTEGER NOT NULL DEFAULT 0,
    reposts     INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_snapshots_post_captured ON engagement_snapshots(post_id, captured_at);

CREATE TABLE IF NOT EXISTS trends (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    title        TEXT NOT NULL UNIQUE,
    description  TEXT NOT NULL DEFAULT '',
    described_at DATETIME,
    total_posts  INTEGER NOT NULL DEFAULT 0,
    created_at   DATETIME NOT NULL,
    updated_at   DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_trends_created_at ON trends(created_at);

CREATE TABLE IF NOT EXISTS post_trends (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    post_id    INTEGER NOT NULL REFERENCES posts(id) ON DELETE CASCADE,
    trend_id   INTEGER NOT NULL REFERENCES trends(id) ON DELETE CASCADE,
    created_at DATETIME NOT NULL,
    UNIQUE(post_id, trend_id)
);

CREATE INDEX IF NOT EXISTS idx_post_trends_trend ON post_trends(trend_id);

CREATE TABLE IF NOT EXISTS trend_scores (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    trend_id     INTEGER NOT NULL REFERENCES trends(id) ON DELETE CASCADE,
    generated_at DATETIME NOT NULL,
    score        REAL NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_trend_scores_trend_generated ON trend_scores(trend_id, generated_at);
CREATE INDEX IF NOT EXISTS idx_trend_scores_generated ON trend_scores(generated_at);

CREATE TABLE IF NOT EXISTS trend_alerts (
    trend_id   INTEGER PRIMARY KEY REFERENCES trends(id) ON DELETE CASCADE,
    score      REAL NOT NULL,
    channels   TEXT NOT NULL DEFAULT '',
    alerted_at DATETIME NOT NULL
);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS authors (
    id             BIGSERIAL PRIMARY KEY,
    handle         TEXT NOT NULL UNIQUE,
    display_name   TEXT NOT NULL DEFAULT '',
    follower_count BIGINT NOT NULL DEFAULT 0,
    created_at     TIMESTAMPTZ NOT NULL,
    updated_at     TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS posts (
    id           BIGSERIAL PRIMARY KEY,
    external_id  TEXT NOT NULL UNIQUE,
    author_id    BIGINT NOT NULL REFERENCES authors(id),
    body         TEXT NOT NULL,
    published_at TIMESTAMPTZ NOT NULL,
    created_at   TIMESTAMPTZ NOT NULL,
    embedding    TEXT
);

CREATE INDEX IF NOT EXISTS idx_posts_author ON posts(author_id);
CREATE INDEX IF NOT EXISTS idx_posts_created_at ON posts(created_at);

CREATE TABLE IF NOT EXISTS engagement_snapshots (
    id          BIGSERIAL PRIMARY KEY,
    post_id     BIGINT NOT NULL REFERENCES posts(id) ON DELETE CASCADE,
    captured_at TIMESTAMPTZ NOT NULL,
    likes       BIGINT NOT NULL DEFAULT 0,
    comments    BIGINT NOT NULL DEFAULT 0,
    reposts     BIGINT NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_snapshots_post_captured ON engagement_snapshots(post_id, captured_at);

CREATE TABLE IF NOT EXISTS trends (
    id           BIGSERIAL PRIMARY KEY,
    title        TEXT NOT NULL UNIQUE,
    description  TEXT NOT NULL DEFAULT '',
    described_at TIMESTAMPTZ,
    total_posts  INTEGER NOT NULL DEFAULT 0,
    created_at   TIMESTAMPTZ NOT NULL,
    updated_at   TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_trends_created_at ON trends(created_at);

CREATE TABLE IF NOT EXISTS post_trends (
    id         BIGSERIAL PRIMARY KEY,
    post_id    BIGINT NOT NULL REFERENCES posts(id) ON DELETE CASCADE,
    trend_id   BIGINT NOT NULL REFERENCES trends(id) ON DELETE CASCADE,
    created_at TIMESTAMPTZ NOT NULL,
    UNIQUE(post_id, trend_id)
);

CREATE INDEX IF NOT EXISTS idx_post_trends_trend ON post_trends(trend_id);

CREATE TABLE IF NOT EXISTS trend_scores (
    id           BIGSERIAL PRIMARY KEY,
    trend_id     BIGINT NOT NULL REFERENCES trends(id) ON DELETE CASCADE,
    generated_at TIMESTAMPTZ NOT NULL,
    score        DOUBLE PRECISION NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_trend_scores_trend_generated ON trend_scores(trend_id, generated_at);
CREATE INDEX IF NOT EXISTS idx_trend_scores_generated ON trend_scores(generated_at);

CREATE TABLE IF NOT EXISTS trend_alerts (
    trend_id   BIGINT PRIMARY KEY REFERENCES trends(id) ON DELETE CASCADE,
    score      DOUBLE PRECISION NOT NULL,
    channels   TEXT NOT NULL DEFAULT '',
    alerted_at TIMESTAMPTZ NOT NULL
);
`

func schemaFor(driver string) string {
	if driver == DriverPostgres {
		return postgresSchema
	}
	return sqliteSchema
}
