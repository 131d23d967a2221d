package digest

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elldeeone/rnd-digest/internal/activity"
	"github.com/elldeeone/rnd-digest/internal/chat"
	"github.com/elldeeone/rnd-digest/internal/llm"
	"github.com/elldeeone/rnd-digest/internal/store"
)

const chatID int64 = -1001234567890

var (
	base  = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	now   = base.Add(48 * time.Hour)
	start = base
	end   = base.Add(24 * time.Hour)
)

func newStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "digest.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func put(t *testing.T, st *store.Store, topic chat.TopicID, id int64, minute int, text string) {
	t.Helper()
	require.NoError(t, st.UpsertMessage(context.Background(), chat.Message{
		ChatID:        chatID,
		MessageID:     id,
		Topic:         topic,
		Timestamp:     base.Add(time.Duration(minute) * time.Minute),
		AuthorDisplay: "Ada",
		Text:          text,
	}, nil))
}

// seedThree creates T1 = thread 10 (3 msgs), T2 = thread 20 (2 msgs), T3 = no topic (1 msg).
func seedThree(t *testing.T, st *store.Store) {
	t.Helper()
	require.NoError(t, st.SetTopicTitle(context.Background(), chatID, 10, "Consensus"))
	put(t, st, chat.Thread(10), 101, 10, "PR #12 merged https://github.com/x/y/pull/12")
	put(t, st, chat.Thread(10), 102, 20, "")
	put(t, st, chat.Thread(10), 103, 30, "looks good, see https://example.com/notes.")
	put(t, st, chat.Thread(20), 201, 40, "wallet sync is slow?")
	put(t, st, chat.Thread(20), 202, 50, "trying a fix")
	put(t, st, chat.NoTopic(), 301, 60, "gm")
}

func newSynth(t *testing.T, st *store.Store, client llm.Client, narrative bool) *Synthesizer {
	t.Helper()
	s := New(st, activity.New(st, nil), client, Options{ChatID: chatID, Narrative: narrative}, nil)
	s.SetClock(func() time.Time { return now })
	return s
}

func TestExtractive_Layout(t *testing.T) {
	st := newStore(t)
	seedThree(t, st)

	res, err := newSynth(t, st, nil, true).Build(context.Background(), start, end)
	require.NoError(t, err)
	assert.False(t, res.Narrative)
	require.Len(t, res.Topics, 3)

	want := strings.Join([]string{
		"Daily Digest — 2024-05-03 (UTC)",
		"Window (UTC): 2024-05-01T00:00:00Z → 2024-05-02T00:00:00Z",
		"",
		"Top threads",
		"- Consensus (3 msgs)",
		"- Thread 20 (2 msgs)",
		"- No topic (1 msgs)",
		"",
		"By topic",
		"",
		"Topic: Consensus (3 msgs)",
		"Links:",
		"- https://github.com/x/y/pull/12",
		"- https://example.com/notes",
		"Quotes:",
		"- [2024-05-01T00:10:00Z] Ada: PR #12 merged https://github.com/x/y/pull/12",
		"  https://t.me/c/1234567890/10/101",
		"- [2024-05-01T00:30:00Z] Ada: looks good, see https://example.com/notes.",
		"  https://t.me/c/1234567890/10/103",
		"",
		"Topic: Thread 20 (2 msgs)",
		"Quotes:",
		"- [2024-05-01T00:40:00Z] Ada: wallet sync is slow?",
		"  https://t.me/c/1234567890/20/201",
		"- [2024-05-01T00:50:00Z] Ada: trying a fix",
		"  https://t.me/c/1234567890/20/202",
		"",
		"Topic: No topic (1 msgs)",
		"Quotes:",
		"- [2024-05-01T01:00:00Z] Ada: gm",
		"  https://t.me/c/1234567890/301",
	}, "\n")
	assert.Equal(t, want, res.Text)
}

func TestBuild_EmptyWindow(t *testing.T) {
	st := newStore(t)
	s := &llm.Scripted{}
	res, err := newSynth(t, st, s, true).Build(context.Background(), start, end)
	require.NoError(t, err)
	assert.True(t, res.Empty())
	assert.True(t, strings.HasSuffix(res.Text, "\n\nNo messages in window."))
	assert.Zero(t, s.CallCount())
}

func TestNarrative_MissingTopicKeepsReceipts(t *testing.T) {
	st := newStore(t)
	seedThree(t, st)
	require.NoError(t, st.UpsertRollup(context.Background(), chat.Rollup{
		ChatID: chatID, Topic: chat.Thread(10), Summary: "- consensus work ongoing", LastMessageID: chat.Int64(90),
	}))

	reply := strings.Join([]string{
		"Sure! Here is your digest.",
		"### OVERALL",
		"- Busy day for consensus",
		"Wallet sync questions",
		"### TOP_THREADS",
		"T1: PR 12 landed",
		"- T3: greetings",
		"### TOPIC T1",
		"Summary:",
		"- PR 12 merged",
		"",
		"### TOPIC T3",
		"Summary:",
		"- people said gm",
		"### TOPIC T9",
		"- should never render",
		"### SOMETHING ELSE",
		"ignored text",
	}, "\n")
	client := &llm.Scripted{Replies: []string{reply}}

	res, err := newSynth(t, st, client, true).Build(context.Background(), start, end)
	require.NoError(t, err)
	assert.True(t, res.Narrative)
	text := res.Text

	assert.Contains(t, text, "Summary\n- Busy day for consensus\n- Wallet sync questions\n")
	assert.Contains(t, text, "- Consensus (3 msgs) — PR 12 landed\n- Thread 20 (2 msgs)\n- No topic (1 msgs) — greetings\n")
	assert.Contains(t, text, "Topic: Consensus (3 msgs)\nSummary:\n- PR 12 merged\nLinks:\n")
	assert.Contains(t, text, "Topic: Thread 20 (2 msgs)\nQuotes:\n- [2024-05-01T00:40:00Z] Ada: wallet sync is slow?")
	assert.Contains(t, text, "Topic: No topic (1 msgs)\nSummary:\n- people said gm\nQuotes:\n")
	assert.NotContains(t, text, "should never render")
	assert.NotContains(t, text, "ignored text")
	assert.NotContains(t, text, "Here is your digest")

	require.Equal(t, 1, client.CallCount())
	prompt := client.Calls[0][1].Content
	assert.Contains(t, prompt, "TOPIC PACKET\nT1: Consensus (3 msgs)\nRollup (previous):\n- consensus work ongoing\nLinks:\n")
	assert.Contains(t, prompt, "T2: Thread 20 (2 msgs)")
	assert.Contains(t, prompt, "T3: No topic (1 msgs)")
	assert.NotContains(t, prompt, "Ada: \n")
	assert.Equal(t, narrativeSystemPrompt, client.Calls[0][0].Content)
}

func TestNarrative_LLMFailureFallsBackEntirely(t *testing.T) {
	st := newStore(t)
	seedThree(t, st)
	client := &llm.Scripted{Errs: []error{errors.New("timeout")}}

	synth := newSynth(t, st, client, true)
	res, err := synth.Build(context.Background(), start, end)
	require.NoError(t, err)
	assert.False(t, res.Narrative)

	extractive, err := synth.Extractive(context.Background(), start, end)
	require.NoError(t, err)
	assert.Equal(t, extractive.Text, res.Text)
}

func TestNarrative_DisabledByMode(t *testing.T) {
	st := newStore(t)
	seedThree(t, st)
	client := &llm.Scripted{}

	res, err := newSynth(t, st, client, false).Build(context.Background(), start, end)
	require.NoError(t, err)
	assert.False(t, res.Narrative)
	assert.Zero(t, client.CallCount())
}

func TestPickQuotes_PrefersShortWithoutStarving(t *testing.T) {
	long := strings.Repeat("word ", 80)
	longHigh := "PR #7 merged https://github.com/x/y/pull/7 " + long

	at := func(id int64, text string) chat.Message {
		return chat.Message{MessageID: id, Timestamp: base.Add(time.Duration(id) * time.Minute), Text: text}
	}

	// newest is long and low signal: skipped while short ones remain
	msgs := []chat.Message{at(1, "one"), at(2, "two"), at(3, ""), at(4, long)}
	assert.Equal(t, []int64{1, 2}, idsOf(pickQuotes(msgs, 2, 280)))

	// long but high signal is taken on the first pass
	msgs = []chat.Message{at(1, "one"), at(2, "two"), at(3, longHigh)}
	assert.Equal(t, []int64{2, 3}, idsOf(pickQuotes(msgs, 2, 280)))

	// deferred long messages fill an unmet budget
	msgs = []chat.Message{at(1, long), at(2, "two")}
	assert.Equal(t, []int64{1, 2}, idsOf(pickQuotes(msgs, 3, 280)))

	assert.Empty(t, pickQuotes([]chat.Message{at(1, " ")}, 3, 280))
}

func TestHeadTail(t *testing.T) {
	var msgs []chat.Message
	for i := 1; i <= 50; i++ {
		msgs = append(msgs, chat.Message{MessageID: int64(i)})
	}
	got := idsOf(headTail(msgs, 30))
	require.Len(t, got, 30)
	assert.Equal(t, []int64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 31}, got[:11])
	assert.Equal(t, int64(50), got[29])

	assert.Len(t, headTail(msgs[:5], 30), 5)
}

func TestParseNarrative_Garbage(t *testing.T) {
	for _, in := range []string{"", "###", "### TOPIC Tx", "### TOPIC T99999999999999999999\n- x", "random\n\ntext"} {
		n := parseNarrative(in)
		assert.Empty(t, n.overall, in)
		for _, lines := range n.topics {
			assert.Empty(t, lines, in)
		}
	}

	n := parseNarrative("## topic t2\n- lower case header works\n### Top Threads\nT2: blurb")
	assert.Equal(t, []string{"- lower case header works"}, n.topics[2])
	assert.Equal(t, "blurb", n.blurbs[2])
}

func TestOverview(t *testing.T) {
	st := newStore(t)
	seedThree(t, st)

	text, err := newSynth(t, st, nil, false).Overview(context.Background(), start, end)
	require.NoError(t, err)
	want := strings.Join([]string{
		"Daily Digest (last 1d)",
		"Window (UTC): 2024-05-01T00:00:00Z → 2024-05-02T00:00:00Z",
		"",
		"Top threads",
		"T1: Consensus (3 msgs)",
		"T2: Thread 20 (2 msgs)",
		"T3: No topic (1 msgs)",
		"",
		overviewHint,
	}, "\n")
	assert.Equal(t, want, text)

	empty, err := newSynth(t, newStore(t), nil, false).Overview(context.Background(), start, end)
	require.NoError(t, err)
	assert.Contains(t, empty, noMessages)
}

func TestOptions_Defaults(t *testing.T) {
	s := New(nil, nil, nil, Options{}, nil)
	assert.Equal(t, time.UTC, s.opts.Location)
	assert.Equal(t, 30, s.opts.SampleMessages)
	assert.Equal(t, 280, s.opts.LongQuoteChars)
	assert.Equal(t, 3, s.opts.MaxQuotes)
}

func idsOf(msgs []chat.Message) []int64 {
	out := make([]int64, len(msgs))
	for i, m := range msgs {
		out[i] = m.MessageID
	}
	return out
}
