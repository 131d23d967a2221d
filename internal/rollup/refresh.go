package rollup

import (
	"context"
	"fmt"
	"time"

	"github.com/elldeeone/rnd-digest/internal/activity"
)

// StateLastRefresh records when rollups were last refreshed ahead of a digest.
const StateLastRefresh = "last_rollup_refresh_at_utc"

type StateStore interface {
	StateTime(ctx context.Context, key string) (time.Time, bool, error)
	SetStateTime(ctx context.Context, key string, t time.Time) error
}

// Ranker lists the busiest topics of a window.
type Ranker interface {
	Activity(ctx context.Context, chatID int64, start, end time.Time, limit int) ([]activity.Topic, error)
}

type RefreshOptions struct {
	Enabled     bool
	MaxTopics   int
	MinInterval time.Duration
}

type RefreshReport struct {
	Skipped   bool
	Attempted int
	Updated   int
	Failed    int
}

// RefreshBeforeDigest incrementally updates the rollups of the busiest
// topics in [start, end) so a narrative digest can lean on fresh context.
// It is rate limited through StateLastRefresh and does nothing without a
// model. Per-topic failures are logged and skipped.
func (s *Service) RefreshBeforeDigest(ctx context.Context, state StateStore, ranker Ranker, chatID int64, start, end time.Time, opts RefreshOptions) (RefreshReport, error) {
	if !opts.Enabled || s.llm == nil {
		return RefreshReport{Skipped: true}, nil
	}

	now := s.now()
	last, ok, err := state.StateTime(ctx, StateLastRefresh)
	if err != nil {
		s.log.Warn("unreadable refresh marker, refreshing anyway", "err", err)
	} else if ok && now.Sub(last) < opts.MinInterval {
		return RefreshReport{Skipped: true}, nil
	}

	limit := opts.MaxTopics
	if limit <= 0 {
		limit = 12
	}
	topics, err := ranker.Activity(ctx, chatID, start, end, limit)
	if err != nil {
		return RefreshReport{}, fmt.Errorf("refresh activity: %w", err)
	}

	var report RefreshReport
	for _, t := range topics {
		report.Attempted++
		res, err := s.Update(ctx, chatID, t.ID, Incremental())
		if err != nil {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			report.Failed++
			s.log.Warn("rollup refresh failed", "topic", t.ID, "err", err)
			continue
		}
		if res.Status == StatusUpdated {
			report.Updated++
		}
	}

	if err := state.SetStateTime(ctx, StateLastRefresh, now); err != nil {
		return report, fmt.Errorf("save refresh marker: %w", err)
	}
	s.log.Info("rollup refresh done", "updated", report.Updated, "attempted", report.Attempted, "failed", report.Failed)
	return report, nil
}
