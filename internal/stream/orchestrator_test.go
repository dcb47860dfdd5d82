package stream

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/openquill/quill/internal/display"
	"github.com/openquill/quill/internal/resilience"
	"github.com/openquill/quill/internal/thread"
	"github.com/openquill/quill/internal/tools"
	"github.com/openquill/quill/pkg/provider/llm"
	"github.com/openquill/quill/pkg/provider/llm/mock"
)

// fakeChat records messages and documents the orchestrator sends.
type fakeChat struct {
	mu     sync.Mutex
	nextID int64
	msgs   map[int64]string
	order  []int64
	docs   []string
}

func newFakeChat() *fakeChat {
	return &fakeChat{msgs: make(map[int64]string)}
}

func (c *fakeChat) SendMessage(_ context.Context, chatID, topicID int64, htmlText string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	c.msgs[c.nextID] = htmlText
	c.order = append(c.order, c.nextID)
	return c.nextID, nil
}

func (c *fakeChat) EditMessage(_ context.Context, chatID, messageID int64, htmlText string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs[messageID] = htmlText
	return nil
}

func (c *fakeChat) SendDocument(_ context.Context, chatID, topicID int64, filename, mime string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.docs = append(c.docs, filename)
	return nil
}

func (c *fakeChat) allText(t *testing.T) string {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	var sb strings.Builder
	for _, id := range c.order {
		sb.WriteString(c.msgs[id])
		sb.WriteString("\n")
	}
	return sb.String()
}

// fastRetry keeps test retries cheap.
var fastRetry = resilience.RetryConfig{MaxAttempts: 2, BaseBackoff: time.Millisecond, MaxBackoff: time.Millisecond}

func newTestOrchestrator(t *testing.T, provider llm.Provider, entries ...tools.Tool) *Orchestrator {
	t.Helper()
	r := tools.NewRegistry()
	for _, e := range entries {
		if err := r.Register(e); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	d := tools.NewDispatcher(r, nil, nil)
	return New(provider, d, 20, fastRetry, nil, nil)
}

func testParams(chat *fakeChat) Params {
	disp := display.NewManager(chat, 1, 0, display.Config{EditMinChars: 1})
	return Params{
		Model:        "claude-test",
		MaxTokens:    1024,
		Conversation: []llm.Message{{Role: llm.RoleUser, Parts: []llm.Part{llm.TextPart{Text: "hi"}}}},
		Display:      disp,
		Files:        chat,
		ChatID:       1,
	}
}

func stop(reason llm.StopReason) llm.Event {
	return llm.Event{Type: llm.EventMessageStop, StopReason: reason}
}

func text(s string) llm.Event { return llm.Event{Type: llm.EventTextDelta, Text: s} }

func toolUse(id, name, input string) []llm.Event {
	return []llm.Event{
		{Type: llm.EventToolUseStart, ToolID: id, ToolName: name},
		{Type: llm.EventToolInputDelta, ToolID: id, InputFragment: input},
		{Type: llm.EventToolUseEnd, ToolID: id},
	}
}

func TestRun_SimpleTextTurn(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{Scripts: [][]llm.Event{{
		text("The answer "),
		text("is 4."),
		{Type: llm.EventUsage, Usage: &llm.Usage{InputTokens: 10, OutputTokens: 5}},
		stop(llm.StopEndTurn),
	}}}
	chat := newFakeChat()
	o := newTestOrchestrator(t, p)

	res, err := o.Run(context.Background(), testParams(chat))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.WasCancelled {
		t.Error("WasCancelled = true")
	}
	if got, want := res.StopReason, llm.StopEndTurn; got != want {
		t.Errorf("StopReason = %q, want %q", got, want)
	}
	if got, want := len(res.Messages), 1; got != want {
		t.Fatalf("len(Messages) = %d, want %d", got, want)
	}
	tp, ok := res.Messages[0].Parts[0].(llm.TextPart)
	if !ok || tp.Text != "The answer is 4." {
		t.Errorf("assistant text = %+v", res.Messages[0].Parts)
	}
	if len(res.ToolCalls) != 0 {
		t.Errorf("ToolCalls = %+v, want none", res.ToolCalls)
	}
	if res.Usage.OutputTokens != 5 {
		t.Errorf("Usage = %+v", res.Usage)
	}
	if got, want := res.Iterations, 1; got != want {
		t.Errorf("Iterations = %d, want %d", got, want)
	}
	if !strings.Contains(chat.allText(t), "The answer is 4.") {
		t.Errorf("chat = %q", chat.allText(t))
	}
}

func TestRun_ToolLoopPairsUseAndResult(t *testing.T) {
	t.Parallel()
	script1 := append([]llm.Event{text("Let me search.")},
		append(toolUse("toolu_1", "web_search", `{"query":"weather"}`), stop(llm.StopToolUse))...)
	p := &mock.Provider{Scripts: [][]llm.Event{
		script1,
		{text("It is sunny."), stop(llm.StopEndTurn)},
	}}
	chat := newFakeChat()
	o := newTestOrchestrator(t, p, tools.Tool{
		Definition: llm.ToolDefinition{Name: "web_search"},
		Execute: func(ctx context.Context, input json.RawMessage) (*tools.Result, error) {
			return &tools.Result{Content: "22C, sunny"}, nil
		},
	})

	res, err := o.Run(context.Background(), testParams(chat))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got, want := len(p.Calls()), 2; got != want {
		t.Fatalf("stream calls = %d, want %d", got, want)
	}

	// The second call's conversation must end with the paired tool_result.
	second := p.Calls()[1].Req.Messages
	last := second[len(second)-1]
	if last.Role != llm.RoleUser {
		t.Fatalf("last message role = %q, want user", last.Role)
	}
	tr, ok := last.Parts[0].(llm.ToolResultPart)
	if !ok || tr.ToolUseID != "toolu_1" {
		t.Fatalf("tool_result = %+v, want id toolu_1", last.Parts[0])
	}
	if tr.IsError {
		t.Error("IsError = true for successful tool")
	}

	// Suffix: assistant(tool_use), user(tool_result), assistant(text).
	if got, want := len(res.Messages), 3; got != want {
		t.Fatalf("len(Messages) = %d, want %d", got, want)
	}
	if got, want := len(res.ToolCalls), 1; got != want {
		t.Fatalf("len(ToolCalls) = %d, want %d", got, want)
	}
	if res.ToolCalls[0].Name != "web_search" || res.ToolCalls[0].IsError {
		t.Errorf("ToolCalls[0] = %+v", res.ToolCalls[0])
	}
	if got, want := res.Iterations, 2; got != want {
		t.Errorf("Iterations = %d, want %d", got, want)
	}
}

func TestRun_PaidToolGateBlocksWithoutExecuting(t *testing.T) {
	t.Parallel()
	executed := false
	script1 := append(toolUse("toolu_1", "generate_image", `{"prompt":"a cat"}`), stop(llm.StopToolUse))
	p := &mock.Provider{Scripts: [][]llm.Event{
		script1,
		{text("Your balance is too low for images."), stop(llm.StopEndTurn)},
	}}
	chat := newFakeChat()
	o := newTestOrchestrator(t, p, tools.Tool{
		Definition: llm.ToolDefinition{Name: "generate_image"},
		Paid:       true,
		Execute: func(ctx context.Context, input json.RawMessage) (*tools.Result, error) {
			executed = true
			return &tools.Result{Content: "image"}, nil
		},
	})

	params := testParams(chat)
	params.Blocked = true
	res, err := o.Run(context.Background(), params)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if executed {
		t.Error("paid tool executed despite blocked balance")
	}
	if got, want := len(res.ToolCalls), 1; got != want {
		t.Fatalf("len(ToolCalls) = %d, want %d", got, want)
	}
	tc := res.ToolCalls[0]
	if !tc.IsError || tc.Content != "insufficient_balance" {
		t.Errorf("ToolCalls[0] = %+v, want insufficient_balance error", tc)
	}
	// The model got a follow-up iteration to explain the block.
	if got, want := len(p.Calls()), 2; got != want {
		t.Errorf("stream calls = %d, want %d", got, want)
	}
}

func TestRun_ToolErrorContinuesLoop(t *testing.T) {
	t.Parallel()
	script1 := append(toolUse("toolu_1", "web_search", `{"query":"x"}`), stop(llm.StopToolUse))
	p := &mock.Provider{Scripts: [][]llm.Event{
		script1,
		{text("Search is unavailable right now."), stop(llm.StopEndTurn)},
	}}
	chat := newFakeChat()
	o := newTestOrchestrator(t, p, tools.Tool{
		Definition: llm.ToolDefinition{Name: "web_search"},
		Execute: func(ctx context.Context, input json.RawMessage) (*tools.Result, error) {
			return nil, errors.New("search API returned 503")
		},
	})

	res, err := o.Run(context.Background(), testParams(chat))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.WasCancelled {
		t.Error("a tool error must not cancel the generation")
	}
	second := p.Calls()[1].Req.Messages
	tr := second[len(second)-1].Parts[0].(llm.ToolResultPart)
	if !tr.IsError || !strings.Contains(tr.Content, "503") {
		t.Errorf("tool_result = %+v", tr)
	}
}

func TestRun_CancellationMidStream(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	p := &mock.Provider{
		Scripts: [][]llm.Event{{
			text("This is a very long answer that "),
			text("keeps going and going "),
			text("never shown"),
			stop(llm.StopEndTurn),
		}},
		Delay: func(callIndex, eventIndex int) {
			if eventIndex == 2 {
				cancel()
			}
		},
	}
	chat := newFakeChat()
	o := newTestOrchestrator(t, p)

	params := testParams(chat)
	params.ReasonFn = func() thread.CancelReason { return thread.ReasonStopCommand }
	res, err := o.Run(ctx, params)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.WasCancelled {
		t.Fatal("WasCancelled = false")
	}
	if got, want := res.Reason, thread.ReasonStopCommand; got != want {
		t.Errorf("Reason = %q, want %q", got, want)
	}
	if res.OutputChars == 0 {
		t.Error("OutputChars = 0, want partial output counted")
	}
	if !strings.Contains(chat.allText(t), "[interrupted]") {
		t.Errorf("chat = %q, want interruption marker", chat.allText(t))
	}

	// The partial assistant turn must survive into the suffix so it can be
	// persisted, marked the same way as the visible message.
	if got, want := len(res.Messages), 1; got != want {
		t.Fatalf("len(Messages) = %d, want %d (partial turn kept)", got, want)
	}
	tp, ok := res.Messages[0].Parts[0].(llm.TextPart)
	if !ok || !strings.Contains(tp.Text, "keeps going") {
		t.Fatalf("partial turn = %+v, want streamed text", res.Messages[0].Parts)
	}
	if !strings.HasSuffix(tp.Text, "[interrupted]") {
		t.Errorf("partial text = %q, want interruption marker suffix", tp.Text)
	}
}

func TestRun_RetryAfterPartialStreamNotDoubleCounted(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{Scripts: [][]llm.Event{
		{text("Hello"), {Type: llm.EventError, Err: llm.ErrOverloaded}},
		{text("Hello"), stop(llm.StopEndTurn)},
	}}
	chat := newFakeChat()
	o := newTestOrchestrator(t, p)

	res, err := o.Run(context.Background(), testParams(chat))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got, want := len(p.Calls()), 2; got != want {
		t.Fatalf("stream calls = %d, want %d (one retry)", got, want)
	}
	// The failed attempt's chars are rolled back before the replay.
	if got, want := res.OutputChars, len("Hello"); got != want {
		t.Errorf("OutputChars = %d, want %d", got, want)
	}
	// And the replayed text re-edits in place instead of duplicating.
	if got, want := strings.Count(chat.allText(t), "Hello"), 1; got != want {
		t.Errorf("chat shows the text %d times, want %d: %q", got, want, chat.allText(t))
	}
}

func TestRun_MaxIterationsBound(t *testing.T) {
	t.Parallel()
	// Every script requests another search; the loop must stop at the cap.
	var scripts [][]llm.Event
	for range 25 {
		scripts = append(scripts,
			append(toolUse("toolu_n", "web_search", `{"query":"again"}`), stop(llm.StopToolUse)))
	}
	p := &mock.Provider{Scripts: scripts}
	chat := newFakeChat()

	r := tools.NewRegistry()
	_ = r.Register(tools.Tool{
		Definition: llm.ToolDefinition{Name: "web_search"},
		Execute: func(ctx context.Context, input json.RawMessage) (*tools.Result, error) {
			return &tools.Result{Content: "more results"}, nil
		},
	})
	o := New(p, tools.NewDispatcher(r, nil, nil), 5, fastRetry, nil, nil)

	res, err := o.Run(context.Background(), testParams(chat))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.WasCancelled {
		t.Fatal("WasCancelled = false")
	}
	if got, want := res.Reason, thread.ReasonMaxIterations; got != want {
		t.Errorf("Reason = %q, want %q", got, want)
	}
	if got := len(res.ToolCalls); got > 5 {
		t.Errorf("len(ToolCalls) = %d, want <= 5", got)
	}
	if !strings.Contains(chat.allText(t), "iteration limit") {
		t.Errorf("chat = %q, want limit note", chat.allText(t))
	}
}

func TestRun_ThinkingFoldedAndPersisted(t *testing.T) {
	t.Parallel()
	blocks := []llm.ThinkingBlock{{Type: "thinking", Thinking: "Two plus two.", Signature: "sig1"}}
	p := &mock.Provider{Scripts: [][]llm.Event{{
		{Type: llm.EventThinkingDelta, Text: "Two plus two."},
		text("4"),
		{Type: llm.EventMessageStop, StopReason: llm.StopEndTurn, Thinking: blocks},
	}}}
	chat := newFakeChat()
	o := newTestOrchestrator(t, p)

	res, err := o.Run(context.Background(), testParams(chat))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(chat.allText(t), "<blockquote expandable>") {
		t.Errorf("chat = %q, want folded thinking", chat.allText(t))
	}
	if len(res.Messages[0].Thinking) != 1 || res.Messages[0].Thinking[0].Signature != "sig1" {
		t.Errorf("Thinking = %+v, want signed block", res.Messages[0].Thinking)
	}
	if res.ThinkingChars == 0 {
		t.Error("ThinkingChars = 0")
	}
}

func TestRun_FileDeliveryBeforeResponseSplitsDisplay(t *testing.T) {
	t.Parallel()
	script1 := append([]llm.Event{text("Here is your image.")},
		append(toolUse("toolu_1", "generate_image", `{"prompt":"a cat"}`), stop(llm.StopToolUse))...)
	p := &mock.Provider{Scripts: [][]llm.Event{
		script1,
		{text("I drew a tabby cat."), stop(llm.StopEndTurn)},
	}}
	chat := newFakeChat()
	o := newTestOrchestrator(t, p, tools.Tool{
		Definition: llm.ToolDefinition{Name: "generate_image"},
		Delivery:   tools.DeliverBeforeResponse,
		Execute: func(ctx context.Context, input json.RawMessage) (*tools.Result, error) {
			return &tools.Result{
				Content: "sent",
				Files:   []tools.File{{Filename: "cat.png", MIME: "image/png", Data: []byte{1}}},
				Cost:    decimal.RequireFromString("0.134"),
			}, nil
		},
	})

	res, err := o.Run(context.Background(), testParams(chat))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(chat.docs) != 1 || chat.docs[0] != "cat.png" {
		t.Fatalf("docs = %v, want [cat.png]", chat.docs)
	}
	// Text after delivery lands in a fresh message.
	if got := len(chat.order); got < 2 {
		t.Errorf("messages sent = %d, want >= 2 (display split)", got)
	}
	if !res.ToolCalls[0].Cost.Equal(decimal.RequireFromString("0.134")) {
		t.Errorf("Cost = %s", res.ToolCalls[0].Cost)
	}
}

func TestRun_CompactionSummaryRecorded(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{Scripts: [][]llm.Event{{
		{Type: llm.EventCompaction, Summary: "Earlier: trip planning."},
		text("Continuing."),
		stop(llm.StopEndTurn),
	}}}
	chat := newFakeChat()
	o := newTestOrchestrator(t, p)

	res, err := o.Run(context.Background(), testParams(chat))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got, want := res.CompactionSummary, "Earlier: trip planning."; got != want {
		t.Errorf("CompactionSummary = %q, want %q", got, want)
	}
}

func TestRun_TerminalErrorNotRetried(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{Scripts: [][]llm.Event{{
		{Type: llm.EventError, Err: llm.ErrContextWindowExceeded},
	}}}
	chat := newFakeChat()
	o := newTestOrchestrator(t, p)

	res, err := o.Run(context.Background(), testParams(chat))
	if !errors.Is(err, llm.ErrContextWindowExceeded) {
		t.Fatalf("err = %v, want context window exceeded", err)
	}
	if got, want := len(p.Calls()), 1; got != want {
		t.Errorf("stream calls = %d, want %d (no retry)", got, want)
	}
	if !res.WasCancelled || res.Reason != thread.ReasonError {
		t.Errorf("Result = %+v, want error cancellation", res)
	}
}

func TestRun_TransientStreamErrorRetried(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{Scripts: [][]llm.Event{
		{{Type: llm.EventError, Err: llm.ErrOverloaded}},
		{text("Recovered."), stop(llm.StopEndTurn)},
	}}
	chat := newFakeChat()
	o := newTestOrchestrator(t, p)

	res, err := o.Run(context.Background(), testParams(chat))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got, want := len(p.Calls()), 2; got != want {
		t.Errorf("stream calls = %d, want %d (one retry)", got, want)
	}
	if res.StopReason != llm.StopEndTurn {
		t.Errorf("StopReason = %q", res.StopReason)
	}
}

// stalledProvider opens a stream that never emits. The channel closes only
// when the stream context ends, as the Provider contract requires.
type stalledProvider struct{}

func (stalledProvider) Stream(ctx context.Context, _ llm.Request) (<-chan llm.Event, error) {
	ch := make(chan llm.Event)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (stalledProvider) CountTokens(text string) int { return len(text) / 4 }

func TestRun_IdleStreamAborted(t *testing.T) {
	t.Parallel()
	chat := newFakeChat()
	o := newTestOrchestrator(t, stalledProvider{})
	o.idleTimeout = 20 * time.Millisecond

	res, err := o.Run(context.Background(), testParams(chat))
	if err == nil {
		t.Fatal("Run: err = nil, want idle abort")
	}
	if !strings.Contains(err.Error(), "no events") {
		t.Errorf("err = %v, want idle timeout", err)
	}
	if !res.WasCancelled || res.Reason != thread.ReasonError {
		t.Errorf("Result = %+v, want error cancellation", res)
	}
}

func TestRun_CancelBetweenToolCallsKeepsPairing(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	script1 := append(toolUse("toolu_1", "slow_tool", `{}`),
		append(toolUse("toolu_2", "slow_tool", `{}`), stop(llm.StopToolUse))...)
	p := &mock.Provider{Scripts: [][]llm.Event{script1}}
	chat := newFakeChat()
	o := newTestOrchestrator(t, p, tools.Tool{
		Definition: llm.ToolDefinition{Name: "slow_tool"},
		Execute: func(ctx context.Context, input json.RawMessage) (*tools.Result, error) {
			cancel() // the first call triggers cancellation
			return &tools.Result{Content: "done"}, nil
		},
	})

	params := testParams(chat)
	params.ReasonFn = func() thread.CancelReason { return thread.ReasonNewMessage }
	res, err := o.Run(ctx, params)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.WasCancelled || res.Reason != thread.ReasonNewMessage {
		t.Fatalf("Result = %+v, want new_message cancellation", res)
	}

	// Both tool_use ids must still have paired results in the suffix.
	last := res.Messages[len(res.Messages)-1]
	if last.Role != llm.RoleUser || len(last.Parts) != 2 {
		t.Fatalf("last message = %+v, want two tool_results", last)
	}
	ids := map[string]bool{}
	for _, part := range last.Parts {
		tr := part.(llm.ToolResultPart)
		ids[tr.ToolUseID] = true
	}
	if !ids["toolu_1"] || !ids["toolu_2"] {
		t.Errorf("tool_result ids = %v, want both", ids)
	}
}
