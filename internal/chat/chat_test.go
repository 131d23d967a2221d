package chat

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopicID_NoneIsDistinct(t *testing.T) {
	none := NoTopic()
	zero := Thread(0)

	assert.NotEqual(t, none, zero)
	assert.True(t, none.IsNone())
	assert.False(t, zero.IsNone())
	assert.Equal(t, "none", none.String())
	assert.Equal(t, "0", zero.String())

	m := map[TopicID]int{none: 1, zero: 2}
	assert.Len(t, m, 2)
}

func TestTopicID_Label(t *testing.T) {
	assert.Equal(t, "No topic", NoTopic().Label(""))
	assert.Equal(t, "Thread 42", Thread(42).Label("  "))
	assert.Equal(t, "Releases", Thread(42).Label("Releases"))
}

func TestParseTopicID(t *testing.T) {
	tests := []struct {
		in   string
		want TopicID
	}{
		{"12", Thread(12)},
		{"none", NoTopic()},
		{"no_topic", NoTopic()},
		{"NO-TOPIC", NoTopic()},
	}
	for _, tt := range tests {
		got, err := ParseTopicID(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParseTopicID("general")
	assert.True(t, errors.Is(err, ErrInvalidTopic))
}

func TestTopicID_ScanValue(t *testing.T) {
	var id TopicID
	require.NoError(t, id.Scan(nil))
	assert.True(t, id.IsNone())

	require.NoError(t, id.Scan(int64(7)))
	assert.Equal(t, Thread(7), id)

	v, err := NoTopic().Value()
	require.NoError(t, err)
	assert.Nil(t, v)

	v, err = Thread(7).Value()
	require.NoError(t, err)
	assert.Equal(t, int64(7), v)

	assert.Error(t, id.Scan(3.5))
}

func TestMessage_Author(t *testing.T) {
	assert.Equal(t, "Ada", Message{AuthorDisplay: "Ada", AuthorHandle: "ada"}.Author())
	assert.Equal(t, "@ada", Message{AuthorHandle: "ada"}.Author())
	assert.Equal(t, "unknown", Message{}.Author())
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"30s", 30 * time.Second},
		{"15m", 15 * time.Minute},
		{"6h", 6 * time.Hour},
		{" 2d ", 48 * time.Hour},
		{"1w", 7 * 24 * time.Hour},
		{"3H", 3 * time.Hour},
		{"15250w", 15250 * 7 * 24 * time.Hour},
	}
	for _, tt := range tests {
		got, err := ParseDuration(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	for _, bad := range []string{"", "h", "0h", "-1h", "6x", "six hours", "1.5h",
		"20000w", "9999999999999d", "99999999999999999999s", "000m"} {
		_, err := ParseDuration(bad)
		assert.ErrorIs(t, err, ErrInvalidDuration, bad)
	}
}

func TestFormatSpan(t *testing.T) {
	assert.Equal(t, "6h", FormatSpan(6*time.Hour))
	assert.Equal(t, "2d", FormatSpan(48*time.Hour))
	assert.Equal(t, "1w", FormatSpan(7*24*time.Hour))
	assert.Equal(t, "90m", FormatSpan(90*time.Minute))
	assert.Equal(t, "last 6h", WindowLabel(6*time.Hour))
}

func TestApproxSpan(t *testing.T) {
	assert.Equal(t, "0s", ApproxSpan(0))
	assert.Equal(t, "45s", ApproxSpan(45*time.Second))
	assert.Equal(t, "2m", ApproxSpan(100*time.Second))
	assert.Equal(t, "24h", ApproxSpan(23*time.Hour+59*time.Minute))
	assert.Equal(t, "2d", ApproxSpan(47*time.Hour))
	assert.Equal(t, "1w", ApproxSpan(8*24*time.Hour))

	start := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, "2024-05-01T00:00:00Z → 2024-05-02T00:00:00Z", WindowRange(start, start.Add(24*time.Hour)))
}

func TestFormatUTC_RoundTrip(t *testing.T) {
	loc := time.FixedZone("AEST", 10*3600)
	ts := time.Date(2024, 3, 1, 9, 30, 15, 999, loc)

	s := FormatUTC(ts)
	assert.Equal(t, "2024-02-29T23:30:15Z", s)

	back, err := ParseUTC(s)
	require.NoError(t, err)
	assert.True(t, back.Equal(ts.Truncate(time.Second)))

	// offset form written by older deployments
	legacy, err := ParseUTC("2024-02-29T23:30:15+00:00")
	require.NoError(t, err)
	assert.Equal(t, s, FormatUTC(legacy))
}

func TestParseDailyTime(t *testing.T) {
	h, m, err := ParseDailyTime("09:05")
	require.NoError(t, err)
	assert.Equal(t, 9, h)
	assert.Equal(t, 5, m)

	for _, bad := range []string{"9", "24:00", "12:60", "ab:cd"} {
		_, _, err := ParseDailyTime(bad)
		assert.Error(t, err, bad)
	}
}

func TestMessageLink(t *testing.T) {
	assert.Equal(t, "https://t.me/rndchat/55/901",
		MessageLink(-1001234567890, "rndchat", Thread(55), 901))
	assert.Equal(t, "https://t.me/c/1234567890/55/901",
		MessageLink(-1001234567890, "", Thread(55), 901))
	assert.Equal(t, "https://t.me/c/1234567890/901",
		MessageLink(-1001234567890, "", NoTopic(), 901))
	assert.Equal(t, "https://t.me/c/1234567890/901",
		MessageLink(-1001234567890, "", Thread(1), 901))
	assert.Equal(t, "", MessageLink(42, "", NoTopic(), 1))
}
