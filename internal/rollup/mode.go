package rollup

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/elldeeone/rnd-digest/internal/chat"
)

var ErrInvalidMode = errors.New("invalid rollup mode")

type modeKind int

const (
	kindIncremental modeKind = iota
	kindDuration
	kindAllTime
	kindRebuild
)

// Mode selects how an update gathers messages. The zero value is Incremental.
type Mode struct {
	kind modeKind
	span time.Duration
}

// Incremental continues from the stored cursor, or rebuilds the default
// window when there is none.
func Incremental() Mode { return Mode{kind: kindIncremental} }

// Duration re-derives the summary from the trailing span only.
func Duration(span time.Duration) Mode { return Mode{kind: kindDuration, span: span} }

// AllTime summarizes the most recent tail of the topic with no time bound.
func AllTime() Mode { return Mode{kind: kindAllTime} }

// Rebuild ignores the cursor and re-reads the default window.
func Rebuild() Mode { return Mode{kind: kindRebuild} }

func (m Mode) IsIncremental() bool { return m.kind == kindIncremental }
func (m Mode) IsDuration() bool    { return m.kind == kindDuration }
func (m Mode) IsAllTime() bool     { return m.kind == kindAllTime }
func (m Mode) IsRebuild() bool     { return m.kind == kindRebuild }

// Span is the trailing window of a Duration mode and zero otherwise.
func (m Mode) Span() time.Duration { return m.span }

func (m Mode) String() string {
	switch m.kind {
	case kindDuration:
		return chat.FormatSpan(m.span)
	case kindAllTime:
		return "all"
	case kindRebuild:
		return "rebuild"
	default:
		return "incremental"
	}
}

// ParseMode reads the optional mode argument of /rollup: empty for
// incremental, a duration such as 6h, "all", or "rebuild" (alias "reset").
func ParseMode(s string) (Mode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "", "incremental":
		return Incremental(), nil
	case "all", "all_time", "alltime":
		return AllTime(), nil
	case "rebuild", "reset":
		return Rebuild(), nil
	}
	d, err := chat.ParseDuration(s)
	if err != nil {
		return Mode{}, fmt.Errorf("%w: %q", ErrInvalidMode, s)
	}
	return Duration(d), nil
}
