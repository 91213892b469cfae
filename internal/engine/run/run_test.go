package run

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ANTFOR7717/mastraclaw/internal/engine"
	"github.com/ANTFOR7717/mastraclaw/internal/sessions"
)

// scriptedProvider replays one canned stream per Complete call and records
// every request it receives.
type scriptedProvider struct {
	mu       sync.Mutex
	requests []*engine.CompletionRequest
	scripts  []func(ctx context.Context, ch chan<- *engine.CompletionChunk)
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Complete(ctx context.Context, req *engine.CompletionRequest) (<-chan *engine.CompletionChunk, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	var script func(context.Context, chan<- *engine.CompletionChunk)
	if len(p.scripts) > 0 {
		script = p.scripts[0]
		p.scripts = p.scripts[1:]
	}
	p.mu.Unlock()

	ch := make(chan *engine.CompletionChunk, 16)
	go func() {
		defer close(ch)
		if script != nil {
			script(ctx, ch)
		}
	}()
	return ch, nil
}

func (p *scriptedProvider) requestCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func (p *scriptedProvider) request(i int) *engine.CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[i]
}

func textScript(parts ...string) func(context.Context, chan<- *engine.CompletionChunk) {
	return func(_ context.Context, ch chan<- *engine.CompletionChunk) {
		for _, part := range parts {
			ch <- &engine.CompletionChunk{Text: part}
		}
		ch <- &engine.CompletionChunk{Done: true, InputTokens: 10, OutputTokens: 5}
	}
}

func toolScript(id, name, input string) func(context.Context, chan<- *engine.CompletionChunk) {
	return func(_ context.Context, ch chan<- *engine.CompletionChunk) {
		ch <- &engine.CompletionChunk{ToolCall: &engine.ToolCall{
			ID: id, Name: name, Input: json.RawMessage(input),
		}}
		ch <- &engine.CompletionChunk{Done: true}
	}
}

// hangScript emits one text chunk, then blocks until the context is
// cancelled and surfaces the cancellation as a stream error.
func hangScript(ctx context.Context, ch chan<- *engine.CompletionChunk) {
	ch <- &engine.CompletionChunk{Text: "partial"}
	<-ctx.Done()
	ch <- &engine.CompletionChunk{Err: ctx.Err()}
}

func echoToolDefs() []engine.ToolDefinition {
	return []engine.ToolDefinition{{
		Name:        "echo",
		Description: "Echoes its input back.",
		Schema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"text": map[string]any{"type": "string"}},
		},
		Execute: func(_ context.Context, input json.RawMessage) (any, error) {
			var args struct {
				Text string `json:"text"`
			}
			_ = json.Unmarshal(input, &args)
			return "echo: " + args.Text, nil
		},
	}}
}

func testConfig() Config {
	return Config{
		Provider:      "anthropic",
		ModelAPI:      "anthropic-messages",
		Model:         "test-model",
		MaxIterations: 10,
	}
}

func newController(t *testing.T, provider *scriptedProvider, cfg Config, cb Callbacks) (*Controller, sessions.Store) {
	t.Helper()
	store := sessions.NewMemoryStore()
	ctrl, err := New(provider, store, nil, echoToolDefs(), cfg, cb)
	if err != nil {
		t.Fatal(err)
	}
	return ctrl, store
}

func TestRunSimpleTurn(t *testing.T) {
	provider := &scriptedProvider{scripts: []func(context.Context, chan<- *engine.CompletionChunk){
		textScript("Hello", ", ", "world"),
	}}

	var deltas []string
	var finished string
	ctrl, store := newController(t, provider, testConfig(), Callbacks{
		OnText:   func(s string) { deltas = append(deltas, s) },
		OnFinish: func(s string) { finished = s },
		OnError:  func(err error) { t.Errorf("unexpected error event: %v", err) },
	})

	result, err := ctrl.Run(context.Background(), "s1", "Hi")
	if err != nil {
		t.Fatal(err)
	}
	if result.FinalText != "Hello, world" || finished != "Hello, world" {
		t.Errorf("final text = %q, finish event = %q", result.FinalText, finished)
	}
	if strings.Join(deltas, "") != "Hello, world" {
		t.Errorf("deltas = %v", deltas)
	}
	if result.InputTokens != 10 || result.OutputTokens != 5 {
		t.Errorf("usage = %d/%d", result.InputTokens, result.OutputTokens)
	}
	if ctrl.State() != StateFinished {
		t.Errorf("state = %s", ctrl.State())
	}

	history, _ := store.ReadBranch(context.Background(), "s1")
	if len(history) != 2 {
		t.Fatalf("persisted %d messages, want user + assistant", len(history))
	}
	if history[0].Text() != "Hi" || history[1].Text() != "Hello, world" {
		t.Errorf("persisted %q, %q", history[0].Text(), history[1].Text())
	}
}

func TestRunToolLoop(t *testing.T) {
	provider := &scriptedProvider{scripts: []func(context.Context, chan<- *engine.CompletionChunk){
		toolScript("c1", "echo", `{"text":"ping"}`),
		textScript("done"),
	}}

	var events []string
	ctrl, store := newController(t, provider, testConfig(), Callbacks{
		OnToolCall:   func(name string, _ json.RawMessage) { events = append(events, "call:"+name) },
		OnToolResult: func(name, result string) { events = append(events, "result:"+result) },
		OnFinish:     func(string) { events = append(events, "finish") },
	})

	result, err := ctrl.Run(context.Background(), "s1", "go")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"call:echo", "result:echo: ping", "finish"}
	if len(events) != len(want) {
		t.Fatalf("events = %v", events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("event[%d] = %q, want %q", i, events[i], want[i])
		}
	}
	if result.Iterations != 2 {
		t.Errorf("iterations = %d", result.Iterations)
	}

	// user, assistant(call), tool(result), assistant(text)
	history, _ := store.ReadBranch(context.Background(), "s1")
	if len(history) != 4 {
		t.Fatalf("persisted %d messages", len(history))
	}
	if calls := history[1].ToolCalls(); len(calls) != 1 || calls[0].Name != "echo" {
		t.Errorf("assistant calls = %v", calls)
	}
	if results := history[2].ToolResults(); len(results) != 1 || results[0].Content != "echo: ping" {
		t.Errorf("tool results = %v", results)
	}
}

func TestAbortEmitsExactlyOneTerminal(t *testing.T) {
	provider := &scriptedProvider{scripts: []func(context.Context, chan<- *engine.CompletionChunk){
		hangScript,
	}}

	var terminals []string
	var ctrl *Controller
	ctrl, _ = newController(t, provider, testConfig(), Callbacks{
		OnText:   func(string) { ctrl.Abort(false, "user cancel") },
		OnFinish: func(string) { terminals = append(terminals, "finish") },
		OnError:  func(err error) { terminals = append(terminals, "error:"+err.Error()) },
	})

	_, err := ctrl.Run(context.Background(), "s1", "Hi")
	if !errors.Is(err, engine.ErrAborted) {
		t.Fatalf("err = %v, want ErrAborted", err)
	}
	if len(terminals) != 1 || !strings.HasPrefix(terminals[0], "error:") {
		t.Fatalf("terminal events = %v, want exactly one error", terminals)
	}
	if ctrl.State() != StateAborted {
		t.Errorf("state = %s", ctrl.State())
	}
}

func TestAbortTimeoutDistinguished(t *testing.T) {
	provider := &scriptedProvider{scripts: []func(context.Context, chan<- *engine.CompletionChunk){
		hangScript,
	}}

	var ctrl *Controller
	ctrl, _ = newController(t, provider, testConfig(), Callbacks{
		OnText: func(string) { ctrl.Abort(true, "deadline hit") },
	})

	_, err := ctrl.Run(context.Background(), "s1", "Hi")
	if !errors.Is(err, engine.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if errors.Is(err, engine.ErrAborted) {
		t.Error("timeout abort must not satisfy ErrAborted")
	}
}

func TestWallTimeDeadline(t *testing.T) {
	provider := &scriptedProvider{scripts: []func(context.Context, chan<- *engine.CompletionChunk){
		hangScript,
	}}

	cfg := testConfig()
	cfg.MaxWallTime = 20 * time.Millisecond
	ctrl, _ := newController(t, provider, cfg, Callbacks{})

	_, err := ctrl.Run(context.Background(), "s1", "Hi")
	if !errors.Is(err, engine.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

func TestMaxIterationsCeiling(t *testing.T) {
	scripts := make([]func(context.Context, chan<- *engine.CompletionChunk), 0, 3)
	for i := 0; i < 3; i++ {
		scripts = append(scripts, toolScript("c1", "echo", `{"text":"again"}`))
	}
	provider := &scriptedProvider{scripts: scripts}

	cfg := testConfig()
	cfg.MaxIterations = 2
	ctrl, _ := newController(t, provider, cfg, Callbacks{})

	_, err := ctrl.Run(context.Background(), "s1", "loop")
	if !errors.Is(err, engine.ErrMaxIterations) {
		t.Fatalf("err = %v, want ErrMaxIterations", err)
	}
	if provider.requestCount() != 2 {
		t.Errorf("model calls = %d, want 2", provider.requestCount())
	}
}

func TestQueueMessageReplayedAfterStream(t *testing.T) {
	provider := &scriptedProvider{scripts: []func(context.Context, chan<- *engine.CompletionChunk){
		textScript("first answer"),
		textScript(" second answer"),
	}}

	var ctrl *Controller
	queuedOnce := false
	ctrl, store := newController(t, provider, testConfig(), Callbacks{
		OnText: func(string) {
			if !queuedOnce {
				queuedOnce = true
				if !ctrl.QueueMessage("follow up") {
					t.Error("QueueMessage returned false while streaming")
				}
			}
		},
	})

	result, err := ctrl.Run(context.Background(), "s1", "Hi")
	if err != nil {
		t.Fatal(err)
	}
	if provider.requestCount() != 2 {
		t.Fatalf("model calls = %d, want 2", provider.requestCount())
	}
	second := provider.request(1)
	last := second.Messages[len(second.Messages)-1]
	if last.Role != "user" || last.Content != "follow up" {
		t.Errorf("second request ends with %s %q", last.Role, last.Content)
	}
	if result.FinalText != "first answer second answer" {
		t.Errorf("final text = %q", result.FinalText)
	}

	history, _ := store.ReadBranch(context.Background(), "s1")
	// user, assistant, queued user, assistant
	if len(history) != 4 {
		t.Fatalf("persisted %d messages", len(history))
	}
	if history[2].Text() != "follow up" {
		t.Errorf("queued message persisted as %q", history[2].Text())
	}
}

func TestQueueMessageNoopWhenIdle(t *testing.T) {
	provider := &scriptedProvider{}
	ctrl, _ := newController(t, provider, testConfig(), Callbacks{})
	if ctrl.QueueMessage("nothing streaming") {
		t.Error("QueueMessage accepted text while idle")
	}
	if ctrl.IsStreaming() {
		t.Error("controller reports streaming while idle")
	}
	if ctrl.IsCompacting() {
		t.Error("controller reports compacting")
	}
}

func TestUnknownToolBecomesErrorResult(t *testing.T) {
	provider := &scriptedProvider{scripts: []func(context.Context, chan<- *engine.CompletionChunk){
		toolScript("c1", "not_registered", `{}`),
		textScript("recovered"),
	}}

	var resultText string
	ctrl, _ := newController(t, provider, testConfig(), Callbacks{
		OnToolResult: func(_, result string) { resultText = result },
	})

	if _, err := ctrl.Run(context.Background(), "s1", "go"); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(resultText, "Error: unknown tool") {
		t.Errorf("result = %q", resultText)
	}
}

func TestSystemHoistedIntoRequest(t *testing.T) {
	provider := &scriptedProvider{scripts: []func(context.Context, chan<- *engine.CompletionChunk){
		textScript("ok"),
	}}

	cfg := testConfig()
	cfg.System = "Base instructions."
	ctrl, _ := newController(t, provider, cfg, Callbacks{})
	if _, err := ctrl.Run(context.Background(), "s1", "Hi"); err != nil {
		t.Fatal(err)
	}
	req := provider.request(0)
	if req.System != "Base instructions." {
		t.Errorf("system = %q", req.System)
	}
	for _, m := range req.Messages {
		if m.Role == "system" {
			t.Error("system message leaked into engine messages")
		}
	}
}

func TestConstructionValidation(t *testing.T) {
	store := sessions.NewMemoryStore()
	provider := &scriptedProvider{}

	cases := []struct {
		name string
		mut  func(*Config)
	}{
		{"missing model", func(c *Config) { c.Model = "" }},
		{"missing ceiling", func(c *Config) { c.MaxIterations = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig()
			tc.mut(&cfg)
			_, err := New(provider, store, nil, nil, cfg, Callbacks{})
			var ce *engine.ConfigurationError
			if !errors.As(err, &ce) {
				t.Fatalf("err = %v, want ConfigurationError", err)
			}
		})
	}

	if _, err := New(nil, store, nil, nil, testConfig(), Callbacks{}); err == nil {
		t.Error("nil provider accepted")
	}
}
