package activity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elldeeone/rnd-digest/internal/chat"
)

type fakeStore struct {
	rows        []chat.TopicActivity
	titles      map[int64]string
	recoverable map[int64]string
	backfillErr error

	backfillCalls [][]int64
	titleCalls    int
}

func (f *fakeStore) TopicActivity(_ context.Context, _ int64, _, _ time.Time, limit int) ([]chat.TopicActivity, error) {
	if limit < len(f.rows) {
		return f.rows[:limit], nil
	}
	return f.rows, nil
}

func (f *fakeStore) TopicTitles(_ context.Context, _ int64, ids []int64) (map[int64]string, error) {
	f.titleCalls++
	out := make(map[int64]string)
	for _, id := range ids {
		if t, ok := f.titles[id]; ok {
			out[id] = t
		}
	}
	return out, nil
}

func (f *fakeStore) BackfillTopicTitles(_ context.Context, _ int64, ids []int64, scanLimit int) (int, error) {
	f.backfillCalls = append(f.backfillCalls, ids)
	if f.backfillErr != nil {
		return 0, f.backfillErr
	}
	if scanLimit != BackfillScanLimit {
		return 0, errors.New("unexpected scan limit")
	}
	n := 0
	for _, id := range ids {
		if t, ok := f.recoverable[id]; ok {
			if f.titles == nil {
				f.titles = map[int64]string{}
			}
			f.titles[id] = t
			n++
		}
	}
	return n, nil
}

var (
	start = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	end   = start.Add(24 * time.Hour)
)

func TestActivity_RanksAndLabels(t *testing.T) {
	fs := &fakeStore{
		rows: []chat.TopicActivity{
			{Topic: chat.Thread(7), Count: 9},
			{Topic: chat.NoTopic(), Count: 4},
			{Topic: chat.Thread(8), Count: 2},
		},
		titles:      map[int64]string{7: "Consensus"},
		recoverable: map[int64]string{8: "Wallet"},
	}
	agg := New(fs, nil)

	got, err := agg.Activity(context.Background(), -100, start, end, 10)
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, 1, got[0].Index)
	assert.Equal(t, "Consensus", got[0].Label)
	assert.Equal(t, 9, got[0].Count)

	assert.Equal(t, "No topic", got[1].Label)
	assert.True(t, got[1].ID.IsNone())

	assert.Equal(t, 3, got[2].Index)
	assert.Equal(t, "Wallet", got[2].Title)

	require.Len(t, fs.backfillCalls, 1)
	assert.Equal(t, []int64{8}, fs.backfillCalls[0])
	assert.Equal(t, 2, fs.titleCalls)
}

func TestActivity_Empty(t *testing.T) {
	got, err := New(&fakeStore{}, nil).Activity(context.Background(), -100, start, end, 5)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestTitles_NeverFabricated(t *testing.T) {
	fs := &fakeStore{titles: map[int64]string{}}
	agg := New(fs, nil)

	titles, err := agg.Titles(context.Background(), -100, []chat.TopicID{chat.Thread(3), chat.NoTopic()})
	require.NoError(t, err)
	assert.Empty(t, titles)
	// nothing recovered, so no second lookup
	assert.Equal(t, 1, fs.titleCalls)
	assert.Equal(t, "Thread 3", agg.Label(context.Background(), -100, chat.Thread(3)))
}

func TestTitles_BackfillFailureIsBestEffort(t *testing.T) {
	fs := &fakeStore{
		titles:      map[int64]string{1: "Known"},
		backfillErr: errors.New("disk on fire"),
	}
	titles, err := New(fs, nil).Titles(context.Background(), -100, []chat.TopicID{chat.Thread(1), chat.Thread(2)})
	require.NoError(t, err)
	assert.Equal(t, map[int64]string{1: "Known"}, titles)
}

func TestTitles_NoThreadsSkipsStore(t *testing.T) {
	fs := &fakeStore{}
	titles, err := New(fs, nil).Titles(context.Background(), -100, []chat.TopicID{chat.NoTopic()})
	require.NoError(t, err)
	assert.Empty(t, titles)
	assert.Zero(t, fs.titleCalls)
}

func TestFind(t *testing.T) {
	ranked := []Topic{{Index: 1, ID: chat.Thread(0)}, {Index: 2, ID: chat.NoTopic()}}
	got, ok := Find(ranked, chat.NoTopic())
	require.True(t, ok)
	assert.Equal(t, 2, got.Index)

	_, ok = Find(ranked, chat.Thread(5))
	assert.False(t, ok)
}
