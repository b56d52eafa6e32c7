package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s := NewWithDB(sqlx.NewDb(db, "sqlmock"))
	s.now = func() time.Time { return time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC) }
	return s, mock
}

func TestIngestPostRollsBackOnSnapshotFailure(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO authors").
		WithArgs("alice", "alice", int64(10), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectQuery("INSERT INTO posts").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))
	mock.ExpectExec("INSERT INTO engagement_snapshots").
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, err := s.IngestPost(context.Background(), rawPost("x", "alice", 10, 1, 1, 1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "add snapshot x")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIngestPostExistingPost(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO authors").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectQuery("INSERT INTO posts").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery("SELECT id FROM posts WHERE external_id").
		WithArgs("x").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))
	mock.ExpectExec("INSERT INTO engagement_snapshots").
		WithArgs(int64(7), sqlmock.AnyArg(), int64(1), int64(2), int64(3)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	res, err := s.IngestPost(context.Background(), rawPost("x", "alice", 10, 1, 2, 3))
	require.NoError(t, err)
	assert.Equal(t, IngestResult{PostID: 7, AuthorID: 1, Created: false}, res)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInTrendTxRollbackOnLinkFailure(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO trends").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(3))
	mock.ExpectExec("INSERT INTO post_trends").
		WithArgs(int64(11), int64(3), sqlmock.AnyArg()).
		WillReturnError(errors.New("constraint failed"))
	mock.ExpectRollback()

	err := s.InTrendTx(ctx, func(tx TrendTx) error {
		tr := &Trend{Title: "AI Ethics", CreatedAt: s.now(), UpdatedAt: s.now()}
		if err := tx.InsertTrend(ctx, tr); err != nil {
			return err
		}
		_, err := tx.LinkPost(ctx, 11, tr.ID, s.now())
		return err
	})
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertTrendConflictMapsToSentinel(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO trends").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	err := s.InTrendTx(ctx, func(tx TrendTx) error {
		return tx.InsertTrend(ctx, &Trend{Title: "AI Ethics"})
	})
	assert.ErrorIs(t, err, ErrPersistenceConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}
