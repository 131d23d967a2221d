package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/elldeeone/rnd-digest/internal/bus"
	"github.com/elldeeone/rnd-digest/internal/callback"
	"github.com/elldeeone/rnd-digest/internal/chat"
	"github.com/elldeeone/rnd-digest/internal/commands"
	"github.com/elldeeone/rnd-digest/internal/config"
	"github.com/elldeeone/rnd-digest/internal/cron"
	"github.com/elldeeone/rnd-digest/internal/digest"
	"github.com/elldeeone/rnd-digest/internal/interactive"
	"github.com/elldeeone/rnd-digest/internal/rollup"
)

const (
	actionDigest     = "digest"
	dailyDigestJob   = "daily-digest"
	digestRetryJob   = "daily-digest-retry"
	digestRetryDelay = 5 * time.Minute
	maxDigestRetries = 12
	defaultLookback  = 24 * time.Hour

	// StatePendingDelivery records the chats an unfinished advancing digest
	// already reached.
	StatePendingDelivery = "digest_pending_delivery"
)

type target struct {
	chatID   int64
	threadID int64
}

// ensureDigestJob keeps the daily job in line with the config.
func (g *Gateway) ensureDigestJob() error {
	if !g.cfg.Digest.Scheduled {
		for _, job := range g.cron.ListJobs() {
			if job.Name == dailyDigestJob {
				g.cron.RemoveJob(job.ID)
			}
		}
		return nil
	}
	spec, err := g.cfg.DigestCronSpec()
	if err != nil {
		return err
	}
	_, err = g.cron.EnsureJob(dailyDigestJob,
		cron.Schedule{Kind: cron.KindCron, Expr: spec},
		cron.Payload{Action: actionDigest, Advance: true})
	return err
}

func (g *Gateway) handleJob(ctx context.Context, job *bus.JobEvent) {
	if job == nil {
		return
	}
	targets := g.digestTargets()
	if len(targets) == 0 {
		g.log.Warn("no control chats configured, skipping scheduled digest")
		return
	}
	err := g.deliverDigest(ctx, commands.DigestRequest{Advance: job.Advance}, targets)
	if err == nil {
		g.log.Info("scheduled digest delivered", "job", job.Name, "attempt", job.Attempt)
		return
	}
	g.log.Error("scheduled digest failed", "job", job.Name, "attempt", job.Attempt, "err", err)
	g.scheduleRetry(job)
}

func (g *Gateway) scheduleRetry(job *bus.JobEvent) {
	attempt := job.Attempt + 1
	if attempt > maxDigestRetries {
		g.log.Error("giving up on digest after retries", "attempts", job.Attempt)
		return
	}
	at := g.now().Add(digestRetryDelay)
	if _, err := g.cron.ScheduleOnce(digestRetryJob, at, cron.Payload{
		Action:  actionDigest,
		Advance: job.Advance,
		Attempt: attempt,
	}); err != nil {
		g.log.Error("schedule digest retry failed", "err", err)
		return
	}
	g.log.Info("digest retry scheduled", "at", at.UTC().Format(time.RFC3339), "attempt", attempt)
}

func (g *Gateway) digestTargets() []target {
	out := make([]target, 0, len(g.cfg.Telegram.ControlChatIDs))
	for _, id := range g.cfg.Telegram.ControlChatIDs {
		out = append(out, target{chatID: id, threadID: g.cfg.Telegram.DigestThreadID})
	}
	return out
}

// DigestWindow resolves the window of a digest ending now. A zero span runs
// from the last advanced boundary, or one day back when there is none.
func (g *Gateway) DigestWindow(ctx context.Context, span time.Duration) (time.Time, time.Time) {
	end := g.now().UTC().Truncate(time.Second)
	if span > 0 {
		return end.Add(-span), end
	}
	last, ok, err := g.store.StateTime(ctx, commands.StateLastDigestEnd)
	if err != nil {
		g.log.Warn("unreadable digest boundary, using default lookback", "err", err)
	}
	if err == nil && ok && !last.After(end) {
		return last, end
	}
	return end.Add(-defaultLookback), end
}

// BuildDigest renders the digest for [start, end) without delivering it.
// With refresh set, stale rollups of the window's busiest topics are brought
// up to date first when the config asks for it.
func (g *Gateway) BuildDigest(ctx context.Context, start, end time.Time, refresh bool) (digest.Result, error) {
	if refresh {
		g.refreshRollups(ctx, start, end)
	}
	res, err := g.synth.Build(ctx, start, end)
	if err != nil {
		return digest.Result{}, fmt.Errorf("build digest: %w", err)
	}
	return res, nil
}

func (g *Gateway) refreshRollups(ctx context.Context, start, end time.Time) {
	report, err := g.rollups.RefreshBeforeDigest(ctx, g.store, g.activity, g.cfg.Telegram.SourceChatID, start, end, rollup.RefreshOptions{
		Enabled:     g.cfg.Rollup.AutoRefreshBeforeDigest && g.cfg.Digest.Mode == config.DigestModeNarrative,
		MaxTopics:   g.cfg.Rollup.RefreshMaxTopics,
		MinInterval: time.Duration(g.cfg.Rollup.RefreshMinIntervalSeconds) * time.Second,
	})
	if err != nil {
		g.log.Warn("rollup refresh failed", "err", err)
	} else if !report.Skipped {
		g.log.Info("rollups refreshed", "attempted", report.Attempted, "updated", report.Updated, "failed", report.Failed)
	}
}

// DeliverDigest builds a digest and posts it to the configured control chats.
func (g *Gateway) DeliverDigest(ctx context.Context, req commands.DigestRequest) error {
	targets := g.digestTargets()
	if len(targets) == 0 {
		return fmt.Errorf("no control chats configured")
	}
	return g.deliverDigest(ctx, req, targets)
}

// deliverDigest sends the body to every target, followed by the overview
// with the main keyboard as its own message, and records each delivery. The
// boundary only moves once every target got its copy. An advancing delivery
// that fails part way keeps its window and the chats already served, so the
// retry only posts to the rest.
func (g *Gateway) deliverDigest(ctx context.Context, req commands.DigestRequest, targets []target) error {
	if g.transport == nil {
		return fmt.Errorf("telegram token not set")
	}
	start, end := g.DigestWindow(ctx, req.Span)
	tracked := req.Advance && req.Span == 0
	var pending pendingDelivery
	if tracked {
		pending = g.loadPending(ctx, start)
		if pending.active() {
			end = pending.WindowEnd
			g.log.Info("resuming partial digest delivery", "window", chat.WindowRange(start, end), "delivered", len(pending.Chats))
		} else {
			pending = pendingDelivery{WindowStart: start, WindowEnd: end}
		}
	}

	res, err := g.BuildDigest(ctx, start, end, req.Advance)
	if err != nil {
		return err
	}
	var main interactive.Screen
	if !res.Empty() {
		main = g.resolver.MainScreen(ctx, callback.NewWindow(start, end))
	}

	for _, t := range targets {
		if tracked && pending.delivered(t.chatID) {
			continue
		}
		ids, err := g.transport.SendText(ctx, t.chatID, t.threadID, res.Text, nil)
		if err != nil {
			return fmt.Errorf("send digest to %d: %w", t.chatID, err)
		}
		if !res.Empty() {
			more, err := g.transport.SendText(ctx, t.chatID, t.threadID, main.Text, &main.Keyboard)
			ids = append(ids, more...)
			if err != nil {
				return fmt.Errorf("send digest menu to %d: %w", t.chatID, err)
			}
		}

		topic := chat.NoTopic()
		if t.threadID != 0 {
			topic = chat.Thread(t.threadID)
		}
		if _, err := g.store.InsertDigest(ctx, chat.Digest{
			ChatID:      g.cfg.Telegram.SourceChatID,
			Topic:       topic,
			WindowStart: start,
			WindowEnd:   end,
			Body:        res.Text,
			Overview:    main.Text,
			DeliveryIDs: ids,
		}, t.chatID); err != nil {
			return fmt.Errorf("record digest: %w", err)
		}
		if tracked {
			pending.Chats = append(pending.Chats, t.chatID)
			if err := g.savePending(ctx, pending); err != nil {
				g.log.Warn("save pending delivery failed", "chat", t.chatID, "err", err)
			}
		}
	}

	if req.Advance {
		if err := g.store.SetStateTime(ctx, commands.StateLastDigestEnd, end); err != nil {
			return fmt.Errorf("advance digest boundary: %w", err)
		}
	}
	if tracked {
		if err := g.store.DeleteState(ctx, StatePendingDelivery); err != nil {
			g.log.Warn("clear pending delivery failed", "err", err)
		}
	}
	g.log.Info("digest delivered", "window", chat.WindowRange(start, end), "topics", len(res.Topics), "narrative", res.Narrative)
	return nil
}

// pendingDelivery is an advancing digest that reached some targets but not
// all of them.
type pendingDelivery struct {
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	Chats       []int64   `json:"chats"`
}

func (p pendingDelivery) active() bool {
	return len(p.Chats) > 0
}

func (p pendingDelivery) delivered(chatID int64) bool {
	for _, id := range p.Chats {
		if id == chatID {
			return true
		}
	}
	return false
}

// loadPending returns the recorded partial delivery for a window starting at
// start. Records for any other window are stale and ignored.
func (g *Gateway) loadPending(ctx context.Context, start time.Time) pendingDelivery {
	raw, ok, err := g.store.State(ctx, StatePendingDelivery)
	if err != nil {
		g.log.Warn("unreadable pending delivery", "err", err)
		return pendingDelivery{}
	}
	if !ok || raw == "" {
		return pendingDelivery{}
	}
	var p pendingDelivery
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		g.log.Warn("corrupt pending delivery, starting over", "err", err)
		return pendingDelivery{}
	}
	if !p.WindowStart.Equal(start) || p.WindowEnd.Before(start) {
		return pendingDelivery{}
	}
	return p
}

func (g *Gateway) savePending(ctx context.Context, p pendingDelivery) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal pending delivery: %w", err)
	}
	return g.store.SetState(ctx, StatePendingDelivery, string(raw))
}
