// Package trend turns clustered posts into persisted, scored trends.
package trend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/elonfeng/trendpulse/internal/store"
	"github.com/elonfeng/trendpulse/pkg/narrative"
)

var (
	ErrEmptyTitle   = errors.New("empty trend title")
	ErrEmptyCluster = errors.New("cluster has no posts")
)

// TrendWriter is the part of the store the Resolver writes through.
type TrendWriter interface {
	InTrendTx(ctx context.Context, fn func(store.TrendTx) error) error
}

// Resolution is the outcome of resolving one (title, cluster) pair.
type Resolution struct {
	TrendID int64
	Title   string
	Created bool
	// Conflict is set when a concurrent writer created the title first and
	// this resolution merged into it.
	Conflict   bool
	Linked     int
	TotalPosts int
}

// Resolver merges a named cluster into the trend with the same title, or
// creates that trend. Titles match exactly, case included.
type Resolver struct {
	store TrendWriter
	now   func() time.Time
	log   *logrus.Logger
}

func NewResolver(s TrendWriter, log *logrus.Logger) *Resolver {
	return &Resolver{store: s, now: time.Now, log: log}
}

// Resolve writes the trend, its post count and every post link in one
// transaction. Re-resolving the same cluster changes nothing but updated_at.
func (r *Resolver) Resolve(ctx context.Context, title string, postIDs []int64) (*Resolution, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, ErrEmptyTitle
	}
	if len(postIDs) == 0 {
		return nil, ErrEmptyCluster
	}

	now := r.now().UTC()
	var res Resolution
	err := r.store.InTrendTx(ctx, func(tx store.TrendTx) error {
		res = Resolution{Title: title}

		tr, err := tx.TrendByTitle(ctx, title)
		switch {
		case errors.Is(err, store.ErrNotFound):
			tr, err = r.create(ctx, tx, title, len(postIDs), now)
			if errors.Is(err, store.ErrPersistenceConflict) {
				res.Conflict = true
				tr, err = tx.TrendByTitle(ctx, title)
				if err != nil {
					return fmt.Errorf("reload trend %q after conflict: %w", title, err)
				}
			} else if err != nil {
				return err
			} else {
				res.Created = true
			}
		case err != nil:
			return err
		}
		res.TrendID = tr.ID

		for _, id := range postIDs {
			linked, err := tx.LinkPost(ctx, id, tr.ID, now)
			if err != nil {
				return err
			}
			if linked {
				res.Linked++
			}
		}

		total, err := tx.CountTrendPosts(ctx, tr.ID)
		if err != nil {
			return err
		}
		if err := tx.UpdateTrendCount(ctx, tr.ID, total, now); err != nil {
			return err
		}
		res.TotalPosts = total
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("resolve trend %q: %w", title, err)
	}

	if r.log != nil {
		r.log.WithFields(logrus.Fields{
			"trend_id":    res.TrendID,
			"title":       res.Title,
			"created":     res.Created,
			"linked":      res.Linked,
			"total_posts": res.TotalPosts,
		}).Debug("resolved trend")
	}
	return &res, nil
}

func (r *Resolver) create(ctx context.Context, tx store.TrendTx, title string, posts int, now time.Time) (*store.Trend, error) {
	tr := &store.Trend{
		Title:       title,
		Description: narrative.Placeholder(title),
		TotalPosts:  posts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := tx.InsertTrend(ctx, tr); err != nil {
		return nil, err
	}
	return tr, nil
}
