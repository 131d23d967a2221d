package gateway

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/elldeeone/rnd-digest/internal/bus"
	"github.com/elldeeone/rnd-digest/internal/callback"
	"github.com/elldeeone/rnd-digest/internal/chat"
	"github.com/elldeeone/rnd-digest/internal/commands"
	"github.com/elldeeone/rnd-digest/internal/config"
	"github.com/elldeeone/rnd-digest/internal/cron"
	"github.com/elldeeone/rnd-digest/internal/llm"
	"github.com/elldeeone/rnd-digest/internal/rollup"
)

const (
	sourceChat  int64 = -1001234567890
	controlChat int64 = 42
)

var now = time.Date(2024, 5, 2, 12, 0, 0, 0, time.UTC)

type sentMessage struct {
	chatID   int64
	threadID int64
	text     string
	keyboard *tgbotapi.InlineKeyboardMarkup
}

type editedMessage struct {
	chatID    int64
	messageID int64
	text      string
}

// mockTransport implements Transport for testing
type mockTransport struct {
	mu          sync.Mutex
	started     bool
	startErr    error
	stopped     bool
	offset      int64
	sent        []sentMessage
	sendErr     error
	failChats   map[int64]error
	edits       []editedMessage
	answers     []string
	nextID      int64
	pollStarted chan struct{}
}

func newMockTransport() *mockTransport {
	return &mockTransport{nextID: 500, pollStarted: make(chan struct{})}
}

func (m *mockTransport) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = true
	return m.startErr
}

func (m *mockTransport) Poll(ctx context.Context) error {
	close(m.pollStarted)
	<-ctx.Done()
	return nil
}

func (m *mockTransport) SetOffset(offset int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offset = offset
}

func (m *mockTransport) SendText(ctx context.Context, chatID, threadID int64, text string, kb *tgbotapi.InlineKeyboardMarkup) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	if err := m.failChats[chatID]; err != nil {
		return nil, err
	}
	m.sent = append(m.sent, sentMessage{chatID: chatID, threadID: threadID, text: text, keyboard: kb})
	m.nextID++
	return []int64{m.nextID}, nil
}

func (m *mockTransport) EditText(chatID, messageID int64, text string, kb tgbotapi.InlineKeyboardMarkup) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.edits = append(m.edits, editedMessage{chatID: chatID, messageID: messageID, text: text})
	return nil
}

func (m *mockTransport) AnswerCallback(id, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.answers = append(m.answers, id)
	return nil
}

func (m *mockTransport) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	return nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DBPath = filepath.Join(t.TempDir(), "data", "digest.db")
	cfg.Telegram.Token = "test-token"
	cfg.Telegram.SourceChatID = sourceChat
	cfg.Telegram.ControlChatIDs = []int64{controlChat}
	cfg.Digest.Timezone = "UTC"
	return cfg
}

func disabledLLM(cfg config.LLMConfig) (llm.Client, error) {
	return nil, llm.ErrDisabled
}

func newTestGateway(t *testing.T, cfg *config.Config, tr *mockTransport) *Gateway {
	t.Helper()
	g, err := NewWithOptions(cfg, Options{
		TransportFactory: func(*config.Config, *bus.MessageBus) (Transport, error) { return tr, nil },
		LLMFactory:       disabledLLM,
	})
	if err != nil {
		t.Fatalf("NewWithOptions error: %v", err)
	}
	g.SetClock(func() time.Time { return now })
	return g
}

func messageEvent(updateID int64, chatID int64, topic chat.TopicID, id int64, text string) bus.InboundEvent {
	return bus.InboundEvent{
		Kind:     bus.EventMessage,
		UpdateID: updateID,
		Message: chat.Message{
			ChatID:        chatID,
			MessageID:     id,
			Topic:         topic,
			Timestamp:     now.Add(-time.Hour),
			AuthorDisplay: "Ada",
			Text:          text,
		},
		Raw: []byte(`{"message_id":1}`),
	}
}

func seed(t *testing.T, g *Gateway) {
	t.Helper()
	ctx := context.Background()
	ev := messageEvent(10, sourceChat, chat.Thread(7), 101, "PR #12 merged https://github.com/x/y/pull/12")
	ev.Topic = &bus.TopicEvent{ThreadID: 7, Title: "Consensus"}
	g.handle(ctx, ev)
	g.handle(ctx, messageEvent(11, sourceChat, chat.Thread(7), 102, "looks good"))
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		input string
		n     int
		want  string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"this is a long message", 10, "this is a ..."},
		{"", 5, ""},
	}

	for _, tt := range tests {
		got := truncate(tt.input, tt.n)
		if got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.input, tt.n, got, tt.want)
		}
	}
}

func TestReplyThread(t *testing.T) {
	tests := []struct {
		topic chat.TopicID
		want  int64
	}{
		{chat.NoTopic(), 0},
		{chat.Thread(1), 0},
		{chat.Thread(55), 55},
	}
	for _, tt := range tests {
		if got := replyThread(chat.Message{Topic: tt.topic}); got != tt.want {
			t.Errorf("replyThread(%v) = %d, want %d", tt.topic, got, tt.want)
		}
	}
}

func TestNewWithOptions_NoToken(t *testing.T) {
	cfg := testConfig(t)
	cfg.Telegram.Token = ""

	g, err := NewWithOptions(cfg, Options{LLMFactory: disabledLLM})
	if err != nil {
		t.Fatalf("NewWithOptions error: %v", err)
	}
	defer g.Shutdown()

	if g.transport != nil {
		t.Error("transport should not be created without a token")
	}
	if err := g.Run(context.Background()); err == nil {
		t.Error("Run should fail without a token")
	}
	if err := g.DeliverDigest(context.Background(), commands.DigestRequest{}); err == nil {
		t.Error("DeliverDigest should fail without a token")
	}
}

func TestNewWithOptions_LLMFactoryError(t *testing.T) {
	cfg := testConfig(t)
	_, err := NewWithOptions(cfg, Options{
		LLMFactory: func(config.LLMConfig) (llm.Client, error) { return nil, errors.New("bad base url") },
	})
	if err == nil || !strings.Contains(err.Error(), "bad base url") {
		t.Errorf("err = %v, want llm error", err)
	}
}

func TestNewWithOptions_TransportFactoryError(t *testing.T) {
	cfg := testConfig(t)
	_, err := NewWithOptions(cfg, Options{
		LLMFactory: disabledLLM,
		TransportFactory: func(*config.Config, *bus.MessageBus) (Transport, error) {
			return nil, errors.New("proxy broken")
		},
	})
	if err == nil {
		t.Error("expected transport factory error")
	}
}

func TestGateway_HandleMessage_StoresSourceChat(t *testing.T) {
	tr := newMockTransport()
	g := newTestGateway(t, testConfig(t), tr)
	defer g.Shutdown()
	ctx := context.Background()

	seed(t, g)
	g.handle(ctx, messageEvent(12, controlChat, chat.NoTopic(), 900, "hello bot"))

	stats, err := g.store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats error: %v", err)
	}
	if stats.Messages != 2 {
		t.Errorf("messages = %d, want 2 (control chat chatter is not stored)", stats.Messages)
	}
	titles, err := g.store.TopicTitles(ctx, sourceChat, []int64{7})
	if err != nil {
		t.Fatalf("TopicTitles error: %v", err)
	}
	if titles[7] != "Consensus" {
		t.Errorf("title = %q, want Consensus", titles[7])
	}
	if len(tr.sent) != 0 {
		t.Errorf("non-command text should not be answered, sent %d", len(tr.sent))
	}

	offset, ok, err := g.store.State(ctx, StateUpdateOffset)
	if err != nil || !ok || offset != "13" {
		t.Errorf("offset = %q (%v, %v), want 13", offset, ok, err)
	}
}

func TestGateway_HandleMessage_Command(t *testing.T) {
	tr := newMockTransport()
	g := newTestGateway(t, testConfig(t), tr)
	defer g.Shutdown()
	seed(t, g)

	g.handle(context.Background(), messageEvent(20, controlChat, chat.Thread(3), 901, "/topics@rnd_bot"))

	if len(tr.sent) != 1 {
		t.Fatalf("sent = %d, want 1", len(tr.sent))
	}
	got := tr.sent[0]
	if got.chatID != controlChat || got.threadID != 3 {
		t.Errorf("reply went to %d/%d, want %d/3", got.chatID, got.threadID, controlChat)
	}
	if !strings.Contains(got.text, "T1: Consensus (id=7)") {
		t.Errorf("reply = %q", got.text)
	}
}

func TestGateway_HandleMessage_DebugIDs(t *testing.T) {
	tr := newMockTransport()
	g := newTestGateway(t, testConfig(t), tr)
	defer g.Shutdown()

	g.handle(context.Background(), messageEvent(20, controlChat, chat.Thread(3), 901, "/debug_ids"))

	if len(tr.sent) != 1 {
		t.Fatalf("sent = %d, want 1", len(tr.sent))
	}
	if tr.sent[0].text != "Debug IDs:\nchat_id: 42\nthread_id: 3" {
		t.Errorf("reply = %q", tr.sent[0].text)
	}
}

func TestGateway_HandleMessage_IgnoresCommandsOutsideControl(t *testing.T) {
	tr := newMockTransport()
	g := newTestGateway(t, testConfig(t), tr)
	defer g.Shutdown()

	g.handle(context.Background(), messageEvent(20, sourceChat, chat.NoTopic(), 901, "/help"))

	edited := messageEvent(21, controlChat, chat.NoTopic(), 902, "/help")
	edited.Message.EditedAt = now
	g.handle(context.Background(), edited)

	if len(tr.sent) != 0 {
		t.Errorf("sent = %d, want 0", len(tr.sent))
	}
}

func TestGateway_DigestCommand(t *testing.T) {
	tr := newMockTransport()
	g := newTestGateway(t, testConfig(t), tr)
	defer g.Shutdown()
	ctx := context.Background()
	seed(t, g)

	g.handle(ctx, messageEvent(30, controlChat, chat.Thread(5), 903, "/digest"))

	if len(tr.sent) != 2 {
		t.Fatalf("sent = %d, want body + menu", len(tr.sent))
	}
	body, menu := tr.sent[0], tr.sent[1]
	if !strings.HasPrefix(body.text, "Daily Digest — 2024-05-02 (UTC)") {
		t.Errorf("body = %q", body.text)
	}
	if body.keyboard != nil {
		t.Error("digest body should carry no keyboard")
	}
	if menu.keyboard == nil || len(menu.keyboard.InlineKeyboard) == 0 {
		t.Fatal("menu should carry the main keyboard")
	}
	if !strings.Contains(menu.text, "T1: Consensus (2 msgs)") {
		t.Errorf("menu = %q", menu.text)
	}
	if body.threadID != 5 || menu.threadID != 5 {
		t.Error("digest should be posted in the command's thread")
	}

	d, err := g.store.LatestDigest(ctx, sourceChat)
	if err != nil {
		t.Fatalf("LatestDigest error: %v", err)
	}
	if len(d.DeliveryIDs) != 2 || d.DeliveryIDs[0] != 501 || d.DeliveryIDs[1] != 502 {
		t.Errorf("delivery ids = %v, want [501 502]", d.DeliveryIDs)
	}
	if !d.WindowStart.Equal(now.Add(-24*time.Hour)) || !d.WindowEnd.Equal(now) {
		t.Errorf("window = %v..%v", d.WindowStart, d.WindowEnd)
	}

	end, ok, err := g.store.StateTime(ctx, commands.StateLastDigestEnd)
	if err != nil || !ok || !end.Equal(now) {
		t.Errorf("boundary = %v (%v, %v), want %v", end, ok, err, now)
	}

	// the next digest starts at the advanced boundary
	start, _ := g.DigestWindow(ctx, 0)
	if !start.Equal(now) {
		t.Errorf("next start = %v, want %v", start, now)
	}
}

func TestGateway_DigestCommand_SpanDoesNotAdvance(t *testing.T) {
	tr := newMockTransport()
	g := newTestGateway(t, testConfig(t), tr)
	defer g.Shutdown()
	ctx := context.Background()
	seed(t, g)

	g.handle(ctx, messageEvent(30, controlChat, chat.NoTopic(), 903, "/digest 6h"))

	if len(tr.sent) != 2 {
		t.Fatalf("sent = %d, want 2", len(tr.sent))
	}
	if _, ok, _ := g.store.State(ctx, commands.StateLastDigestEnd); ok {
		t.Error("a span digest without advance should not move the boundary")
	}
}

func TestGateway_DigestCommand_SendFailure(t *testing.T) {
	tr := newMockTransport()
	g := newTestGateway(t, testConfig(t), tr)
	defer g.Shutdown()
	ctx := context.Background()
	seed(t, g)
	tr.sendErr = errors.New("telegram down")

	g.handle(ctx, messageEvent(30, controlChat, chat.NoTopic(), 903, "/digest"))

	if _, ok, _ := g.store.State(ctx, commands.StateLastDigestEnd); ok {
		t.Error("boundary should not move when delivery fails")
	}
	if _, err := g.store.LatestDigest(ctx, sourceChat); err == nil {
		t.Error("no digest should be recorded when delivery fails")
	}
}

func TestGateway_EmptyDigestHasNoMenu(t *testing.T) {
	tr := newMockTransport()
	g := newTestGateway(t, testConfig(t), tr)
	defer g.Shutdown()

	if err := g.DeliverDigest(context.Background(), commands.DigestRequest{Advance: true}); err != nil {
		t.Fatalf("DeliverDigest error: %v", err)
	}
	if len(tr.sent) != 1 {
		t.Fatalf("sent = %d, want 1", len(tr.sent))
	}
	if !strings.HasSuffix(tr.sent[0].text, "No messages in window.") {
		t.Errorf("body = %q", tr.sent[0].text)
	}
}

func TestGateway_Callback(t *testing.T) {
	tr := newMockTransport()
	g := newTestGateway(t, testConfig(t), tr)
	defer g.Shutdown()
	ctx := context.Background()
	seed(t, g)

	w := callback.NewWindow(now.Add(-24*time.Hour), now)
	g.handle(ctx, bus.InboundEvent{
		Kind:     bus.EventCallback,
		UpdateID: 40,
		Callback: bus.CallbackQuery{ID: "cb1", ChatID: controlChat, MessageID: 777, Data: callback.Menu{Win: w, Screen: callback.ScreenLinks}.Encode()},
	})
	g.handle(ctx, bus.InboundEvent{
		Kind:     bus.EventCallback,
		UpdateID: 41,
		Callback: bus.CallbackQuery{ID: "cb2", ChatID: controlChat, MessageID: 777, Data: "something else"},
	})

	if len(tr.edits) != 1 {
		t.Fatalf("edits = %d, want 1", len(tr.edits))
	}
	if tr.edits[0].messageID != 777 || !strings.HasPrefix(tr.edits[0].text, "Links: pick a topic") {
		t.Errorf("edit = %+v", tr.edits[0])
	}
	if len(tr.answers) != 2 || tr.answers[0] != "cb1" || tr.answers[1] != "cb2" {
		t.Errorf("answers = %v, want both acknowledged", tr.answers)
	}
}

func TestGateway_Callback_IgnoresOtherChats(t *testing.T) {
	tr := newMockTransport()
	g := newTestGateway(t, testConfig(t), tr)
	defer g.Shutdown()
	seed(t, g)

	w := callback.NewWindow(now.Add(-24*time.Hour), now)
	for i, chatID := range []int64{sourceChat, 99} {
		g.handle(context.Background(), bus.InboundEvent{
			Kind:     bus.EventCallback,
			UpdateID: int64(50 + i),
			Callback: bus.CallbackQuery{ID: "cb", ChatID: chatID, MessageID: 777, Data: callback.Menu{Win: w, Screen: callback.ScreenLinks}.Encode()},
		})
	}

	if len(tr.edits) != 0 || len(tr.answers) != 0 {
		t.Errorf("edits = %d, answers = %d, want none outside control chats", len(tr.edits), len(tr.answers))
	}
}

func TestGateway_Callback_MainRestoresDeliveredOverview(t *testing.T) {
	tr := newMockTransport()
	g := newTestGateway(t, testConfig(t), tr)
	defer g.Shutdown()
	ctx := context.Background()
	seed(t, g)

	g.handle(ctx, messageEvent(30, controlChat, chat.NoTopic(), 903, "/digest"))
	if len(tr.sent) != 2 {
		t.Fatalf("sent = %d, want 2", len(tr.sent))
	}
	delivered := tr.sent[1].text

	// a late message changes what a fresh overview would say
	g.handle(ctx, messageEvent(31, sourceChat, chat.Thread(7), 103, "one more"))

	main := callback.Menu{Win: callback.NewWindow(now.Add(-24*time.Hour), now), Screen: callback.ScreenMain}.Encode()
	g.handle(ctx, bus.InboundEvent{
		Kind:     bus.EventCallback,
		UpdateID: 32,
		Callback: bus.CallbackQuery{ID: "back", ChatID: controlChat, MessageID: 502, Data: main},
	})
	g.handle(ctx, bus.InboundEvent{
		Kind:     bus.EventCallback,
		UpdateID: 33,
		Callback: bus.CallbackQuery{ID: "fresh", ChatID: controlChat, MessageID: 888, Data: main},
	})

	if len(tr.edits) != 2 {
		t.Fatalf("edits = %d, want 2", len(tr.edits))
	}
	if tr.edits[0].text != delivered {
		t.Errorf("restored = %q, want the delivered overview %q", tr.edits[0].text, delivered)
	}
	if !strings.Contains(tr.edits[1].text, "T1: Consensus (3 msgs)") {
		t.Errorf("unrecorded message should get a rebuilt overview, got %q", tr.edits[1].text)
	}
}

func TestGateway_DigestRefreshesRollupsOnlyWhenAdvancing(t *testing.T) {
	cfg := testConfig(t)
	cfg.Digest.Mode = config.DigestModeNarrative
	cfg.Rollup.AutoRefreshBeforeDigest = true
	cfg.Rollup.RefreshMinIntervalSeconds = 0
	model := &llm.Scripted{Replies: []string{"- a", "- b", "- c", "- d", "- e", "- f"}}
	tr := newMockTransport()
	g, err := NewWithOptions(cfg, Options{
		TransportFactory: func(*config.Config, *bus.MessageBus) (Transport, error) { return tr, nil },
		LLMFactory:       func(config.LLMConfig) (llm.Client, error) { return model, nil },
	})
	if err != nil {
		t.Fatalf("NewWithOptions error: %v", err)
	}
	defer g.Shutdown()
	g.SetClock(func() time.Time { return now })
	ctx := context.Background()
	seed(t, g)

	g.handle(ctx, messageEvent(30, controlChat, chat.NoTopic(), 903, "/digest 6h"))
	if _, ok, _ := g.store.State(ctx, rollup.StateLastRefresh); ok {
		t.Error("a span digest should not refresh rollups")
	}
	afterSpan := model.CallCount()

	g.handle(ctx, messageEvent(31, controlChat, chat.NoTopic(), 904, "/digest"))
	if _, ok, _ := g.store.State(ctx, rollup.StateLastRefresh); !ok {
		t.Error("an advancing digest should refresh rollups first")
	}
	if got := model.CallCount() - afterSpan; got < 2 {
		t.Errorf("advancing digest made %d llm calls, want refresh plus narrative", got)
	}
}

func TestGateway_Job_PartialFailureRetriesRemainingChats(t *testing.T) {
	cfg := testConfig(t)
	cfg.Telegram.ControlChatIDs = []int64{42, 43}
	tr := newMockTransport()
	tr.failChats = map[int64]error{43: errors.New("chat not found")}
	g := newTestGateway(t, cfg, tr)
	defer g.Shutdown()
	ctx := context.Background()
	seed(t, g)

	g.handleJob(ctx, &bus.JobEvent{Name: dailyDigestJob, Advance: true})

	if len(tr.sent) != 2 || tr.sent[0].chatID != 42 {
		t.Fatalf("first run sent = %+v, want body + menu to 42", tr.sent)
	}
	if _, ok, _ := g.store.State(ctx, commands.StateLastDigestEnd); ok {
		t.Fatal("boundary should not move after a partial delivery")
	}
	if _, ok, _ := g.store.State(ctx, StatePendingDelivery); !ok {
		t.Fatal("partial delivery should be recorded")
	}

	tr.failChats = nil
	later := now.Add(digestRetryDelay)
	g.SetClock(func() time.Time { return later })
	g.handleJob(ctx, &bus.JobEvent{Name: digestRetryJob, Advance: true, Attempt: 1})

	if len(tr.sent) != 4 {
		t.Fatalf("sent = %d, want 4", len(tr.sent))
	}
	for _, m := range tr.sent[2:] {
		if m.chatID != 43 {
			t.Errorf("retry posted to %d, want only 43", m.chatID)
		}
	}
	end, ok, err := g.store.StateTime(ctx, commands.StateLastDigestEnd)
	if err != nil || !ok || !end.Equal(now) {
		t.Errorf("boundary = %v (%v, %v), want the original window end %v", end, ok, err, now)
	}
	if _, ok, _ := g.store.State(ctx, StatePendingDelivery); ok {
		t.Error("pending delivery should be cleared once every chat has it")
	}
	d, err := g.store.LatestDigest(ctx, sourceChat)
	if err != nil {
		t.Fatalf("LatestDigest error: %v", err)
	}
	if !d.WindowEnd.Equal(now) {
		t.Errorf("retried digest window end = %v, want %v", d.WindowEnd, now)
	}
}

func TestGateway_Job_DeliversToControlChats(t *testing.T) {
	cfg := testConfig(t)
	cfg.Telegram.ControlChatIDs = []int64{42, 43}
	cfg.Telegram.DigestThreadID = 9
	tr := newMockTransport()
	g := newTestGateway(t, cfg, tr)
	defer g.Shutdown()
	seed(t, g)

	g.handle(context.Background(), bus.InboundEvent{Kind: bus.EventJob, Job: &bus.JobEvent{Name: dailyDigestJob, Advance: true}})

	if len(tr.sent) != 4 {
		t.Fatalf("sent = %d, want 4", len(tr.sent))
	}
	if tr.sent[0].chatID != 42 || tr.sent[2].chatID != 43 || tr.sent[0].threadID != 9 {
		t.Errorf("targets = %+v", tr.sent)
	}
	if len(g.cron.ListJobs()) != 0 {
		t.Error("a successful run should not schedule a retry")
	}
}

func TestGateway_Job_FailureSchedulesRetry(t *testing.T) {
	tr := newMockTransport()
	tr.sendErr = errors.New("telegram down")
	g := newTestGateway(t, testConfig(t), tr)
	defer g.Shutdown()

	g.handleJob(context.Background(), &bus.JobEvent{Name: dailyDigestJob, Advance: true})

	jobs := g.cron.ListJobs()
	if len(jobs) != 1 {
		t.Fatalf("jobs = %d, want 1 retry", len(jobs))
	}
	retry := jobs[0]
	if retry.Name != digestRetryJob || retry.Schedule.Kind != cron.KindAt {
		t.Errorf("retry = %+v", retry)
	}
	if retry.Schedule.AtMs != now.Add(digestRetryDelay).UnixMilli() {
		t.Errorf("retry at = %d, want five minutes later", retry.Schedule.AtMs)
	}
	if retry.Payload.Attempt != 1 || !retry.Payload.Advance {
		t.Errorf("retry payload = %+v", retry.Payload)
	}

	g.handleJob(context.Background(), &bus.JobEvent{Name: digestRetryJob, Attempt: maxDigestRetries})
	if len(g.cron.ListJobs()) != 1 {
		t.Error("retries should stop after the limit")
	}
}

func TestGateway_PublishJob(t *testing.T) {
	g := newTestGateway(t, testConfig(t), newMockTransport())
	defer g.Shutdown()

	job := cron.NewCronJob(dailyDigestJob, cron.Schedule{Kind: cron.KindCron, Expr: "0 0 9 * * *"}, cron.Payload{Action: actionDigest, Advance: true})
	if err := g.publishJob(job); err != nil {
		t.Fatalf("publishJob error: %v", err)
	}
	ev := <-g.bus.Inbound
	if ev.Kind != bus.EventJob || ev.Job == nil || ev.Job.ID != job.ID || !ev.Job.Advance {
		t.Errorf("event = %+v", ev)
	}

	job.Payload.Action = "reboot"
	if err := g.publishJob(job); err == nil {
		t.Error("unknown actions should be rejected")
	}
}

func TestGateway_EnsureDigestJob(t *testing.T) {
	cfg := testConfig(t)
	cfg.Digest.DailyTime = "07:30"
	g := newTestGateway(t, cfg, newMockTransport())
	defer g.Shutdown()

	if err := g.ensureDigestJob(); err != nil {
		t.Fatalf("ensureDigestJob error: %v", err)
	}
	if err := g.ensureDigestJob(); err != nil {
		t.Fatalf("ensureDigestJob error: %v", err)
	}
	jobs := g.cron.ListJobs()
	if len(jobs) != 1 || jobs[0].Schedule.Expr != "CRON_TZ=UTC 0 30 7 * * *" {
		t.Fatalf("jobs = %+v", jobs)
	}

	cfg.Digest.Scheduled = false
	if err := g.ensureDigestJob(); err != nil {
		t.Fatalf("ensureDigestJob error: %v", err)
	}
	if len(g.cron.ListJobs()) != 0 {
		t.Error("unscheduled config should remove the daily job")
	}
}

func TestGateway_Run_WithSignalChan(t *testing.T) {
	cfg := testConfig(t)
	tr := newMockTransport()
	sigCh := make(chan os.Signal, 1)
	g, err := NewWithOptions(cfg, Options{
		TransportFactory: func(*config.Config, *bus.MessageBus) (Transport, error) { return tr, nil },
		LLMFactory:       disabledLLM,
		SignalChan:       sigCh,
	})
	if err != nil {
		t.Fatalf("NewWithOptions error: %v", err)
	}
	if err := g.store.SetState(context.Background(), StateUpdateOffset, "77"); err != nil {
		t.Fatalf("SetState error: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- g.Run(context.Background())
	}()

	select {
	case <-tr.pollStarted:
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not start")
	}
	sigCh <- syscall.SIGINT

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after signal")
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()
	if !tr.started || !tr.stopped {
		t.Errorf("started=%v stopped=%v, want both", tr.started, tr.stopped)
	}
	if tr.offset != 77 {
		t.Errorf("offset = %d, want 77", tr.offset)
	}
}

func TestGateway_Run_StartError(t *testing.T) {
	tr := newMockTransport()
	tr.startErr = errors.New("unauthorized")
	g := newTestGateway(t, testConfig(t), tr)

	err := g.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "unauthorized") {
		t.Errorf("err = %v, want start error", err)
	}
}
