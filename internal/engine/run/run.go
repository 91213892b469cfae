// Package run drives one conversation turn end to end: repair and read the
// session history, sanitize and translate it, issue the streaming model
// call, execute requested tools, persist every message, and loop until the
// model stops asking for tools.
//
// The controller is a small state machine:
//
//	idle ──▶ streaming ──▶ { finished | aborted | errored }
//
// Exactly one terminal callback fires per run. Compaction is a separate
// synchronous operation on the store, never a state of this machine, so
// IsCompacting always reports false.
package run

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ANTFOR7717/mastraclaw/internal/engine"
	"github.com/ANTFOR7717/mastraclaw/internal/engine/sanitize"
	"github.com/ANTFOR7717/mastraclaw/internal/engine/tokens"
	"github.com/ANTFOR7717/mastraclaw/internal/engine/tooladapt"
	"github.com/ANTFOR7717/mastraclaw/internal/engine/translate"
	"github.com/ANTFOR7717/mastraclaw/internal/sessions"
	"github.com/ANTFOR7717/mastraclaw/pkg/models"
)

// State is the controller's lifecycle phase.
type State string

const (
	StateIdle      State = "idle"
	StateStreaming State = "streaming"
	StateFinished  State = "finished"
	StateAborted   State = "aborted"
	StateErrored   State = "errored"
)

// Config tunes one controller. Provider and ModelAPI select the transcript
// policy; Model names the target model.
type Config struct {
	Provider string
	ModelAPI string
	Model    string

	// System is the base instructions text. History-hoisted system
	// messages are appended after it.
	System string

	MaxTokens int
	Thinking  engine.ThinkingLevel

	// MaxIterations caps the model-call → tool-execution loop. There is
	// deliberately no default: a silently low ceiling truncates long
	// tool-use sessions, so construction fails unless the caller sets one.
	MaxIterations int

	// MaxWallTime bounds the whole run. Zero means unbounded.
	MaxWallTime time.Duration

	// MaxHistoryMessages and ContextWindowTokens feed the sanitizer's
	// truncation and tool-result budget stages. Zero disables each.
	MaxHistoryMessages  int
	ContextWindowTokens int
}

// Callbacks receive run events. Any field may be nil. OnFinish and OnError
// are terminal; exactly one of them fires per run, never both.
type Callbacks struct {
	OnText       func(text string)
	OnThinking   func(text string)
	OnToolCall   func(name string, args json.RawMessage)
	OnToolResult func(name, result string)
	OnFinish     func(finalText string)
	OnError      func(err error)
}

// Result summarizes a completed run.
type Result struct {
	FinalText    string
	ToolCalls    []engine.ToolCall
	ToolResults  []engine.ToolResult
	Iterations   int
	InputTokens  int
	OutputTokens int
}

// Controller owns the run state for one session turn. Safe for concurrent
// use of the control surface (QueueMessage, Abort, IsStreaming) while Run
// executes; Run itself must not be called concurrently.
type Controller struct {
	provider engine.Provider
	store    sessions.Store
	locks    *sessions.LockManager
	tools    []engine.Tool
	config   Config
	cb       Callbacks
	policy   sanitize.Policy

	mu          sync.Mutex
	state       State
	aborted     bool
	timedOut    bool
	abortReason string
	cancel      context.CancelFunc
	queued      []string
}

// New validates the configuration and builds a controller. The iteration
// ceiling is a required knob; a zero or negative value is a
// ConfigurationError so the misconfiguration costs nothing.
func New(provider engine.Provider, store sessions.Store, locks *sessions.LockManager, defs []engine.ToolDefinition, config Config, cb Callbacks) (*Controller, error) {
	if provider == nil {
		return nil, engine.NewConfigurationError("provider", "no transport configured")
	}
	if store == nil {
		return nil, engine.NewConfigurationError("store", "no session store configured")
	}
	if config.Model == "" {
		return nil, engine.NewConfigurationError("model", "model is required")
	}
	if config.MaxIterations <= 0 {
		return nil, engine.NewConfigurationError("max_iterations", "an explicit tool-loop ceiling is required")
	}
	if locks == nil {
		locks = sessions.NewLockManager(0)
	}
	return &Controller{
		provider: provider,
		store:    store,
		locks:    locks,
		tools:    tooladapt.AdaptAll(defs),
		config:   config,
		cb:       cb,
		policy:   sanitize.PolicyFor(config.Provider, config.ModelAPI),
		state:    StateIdle,
	}, nil
}

// State returns the current lifecycle phase.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsStreaming reports whether a run is in flight.
func (c *Controller) IsStreaming() bool {
	return c.State() == StateStreaming
}

// IsCompacting always reports false: compaction is a separate synchronous
// call on the store, not a controller state.
func (c *Controller) IsCompacting() bool { return false }

// QueueMessage defers text to the next turn. While a run is streaming the
// text is held and replayed as a user message once the current stream
// settles; the in-flight call is never touched. Outside a run the call is a
// no-op and returns false.
func (c *Controller) QueueMessage(text string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateStreaming {
		return false
	}
	c.queued = append(c.queued, text)
	return true
}

// Abort cancels the in-flight run. isTimeout distinguishes a deadline from
// a user cancel in the terminal error. Safe to call at any time; a second
// call is a no-op.
func (c *Controller) Abort(isTimeout bool, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.aborted {
		return
	}
	c.aborted = true
	c.timedOut = isTimeout
	c.abortReason = reason
	if c.cancel != nil {
		c.cancel()
	}
}

// Run executes one turn for the session. It blocks until the run reaches a
// terminal state, invoking callbacks as events arrive. The returned error
// mirrors the OnError callback; a nil error means OnFinish fired.
func (c *Controller) Run(ctx context.Context, sessionID, prompt string) (*Result, error) {
	runCtx, err := c.enterStreaming(ctx)
	if err != nil {
		return nil, err
	}

	result, err := c.execute(runCtx, sessionID, prompt)
	if err != nil {
		c.terminate(classifyTerminalState(err), err)
		return nil, err
	}
	c.terminate(StateFinished, nil)
	if c.cb.OnFinish != nil {
		c.cb.OnFinish(result.FinalText)
	}
	return result, nil
}

// enterStreaming transitions idle → streaming and installs the cancel
// function Abort signals.
func (c *Controller) enterStreaming(ctx context.Context) (context.Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateStreaming {
		return nil, errors.New("run: controller is already streaming")
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if c.config.MaxWallTime > 0 {
		runCtx, cancel = context.WithTimeout(ctx, c.config.MaxWallTime)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}

	c.state = StateStreaming
	c.aborted = false
	c.timedOut = false
	c.abortReason = ""
	c.cancel = cancel
	c.queued = nil
	return runCtx, nil
}

// terminate records the terminal state and releases the cancel function.
// The error callback fires here; the finish callback fires in Run after
// the result is assembled.
func (c *Controller) terminate(state State, err error) {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.state = state
	cb := c.cb.OnError
	c.mu.Unlock()

	if err != nil && cb != nil {
		cb(err)
	}
}

func (c *Controller) execute(ctx context.Context, sessionID, prompt string) (*Result, error) {
	if err := c.store.RepairIfNeeded(ctx, sessionID); err != nil {
		return nil, fmt.Errorf("repair session %s: %w", sessionID, err)
	}
	history, err := c.store.ReadBranch(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("read session %s: %w", sessionID, err)
	}

	inbound := models.NewTextMessage(models.RoleUser, prompt)
	if err := c.persist(ctx, sessionID, inbound); err != nil {
		return nil, err
	}
	history = append(history, inbound)

	slog.Debug("run: starting turn",
		"session", sessionID,
		"provider", c.config.Provider,
		"model", c.config.Model,
		"history", len(history))

	allowed := make(map[string]struct{}, len(c.tools))
	for _, tool := range c.tools {
		allowed[tool.Name()] = struct{}{}
	}

	result := &Result{}
	var finalText strings.Builder

	for iteration := 0; iteration < c.config.MaxIterations; iteration++ {
		select {
		case <-ctx.Done():
			return nil, c.classifyCancel(ctx)
		default:
		}
		result.Iterations = iteration + 1

		req, err := c.buildRequest(history, allowed)
		if err != nil {
			return nil, err
		}

		text, thinking, toolCalls, err := c.streamOnce(ctx, req, result)
		if err != nil {
			return nil, err
		}
		finalText.WriteString(text)
		result.FinalText = finalText.String()

		assistant := assistantMessage(text, thinking, toolCalls)
		if err := c.persist(ctx, sessionID, assistant); err != nil {
			return nil, err
		}
		history = append(history, assistant)

		if len(toolCalls) == 0 {
			if followUps := c.drainQueued(); len(followUps) > 0 {
				for _, text := range followUps {
					queued := models.NewTextMessage(models.RoleUser, text)
					if err := c.persist(ctx, sessionID, queued); err != nil {
						return nil, err
					}
					history = append(history, queued)
				}
				continue
			}
			return result, nil
		}

		toolMsg, toolResults, err := c.executeTools(ctx, toolCalls)
		if err != nil {
			return nil, err
		}
		result.ToolResults = append(result.ToolResults, toolResults...)
		if err := c.persist(ctx, sessionID, toolMsg); err != nil {
			return nil, err
		}
		history = append(history, toolMsg)
	}

	return nil, fmt.Errorf("%w (ceiling %d)", engine.ErrMaxIterations, c.config.MaxIterations)
}

// buildRequest runs the synchronous pre-flight: sanitize, translate, attach
// tools. A fail-fast transcript policy surfaces its violation here, before
// any network call.
func (c *Controller) buildRequest(history []*models.Message, allowed map[string]struct{}) (*engine.CompletionRequest, error) {
	sanitized, err := sanitize.Sanitize(history, c.policy, sanitize.Options{
		AllowedTools:        allowed,
		MaxHistoryMessages:  c.config.MaxHistoryMessages,
		ContextWindowTokens: c.config.ContextWindowTokens,
		Estimator:           tokens.Heuristic{},
	})
	if err != nil {
		return nil, err
	}

	msgs, hoisted := translate.ToEngine(sanitized)
	system := c.config.System
	if hoisted != "" {
		if system != "" {
			system += "\n\n"
		}
		system += hoisted
	}

	return &engine.CompletionRequest{
		Model:     c.config.Model,
		System:    system,
		Messages:  msgs,
		Tools:     c.tools,
		MaxTokens: c.config.MaxTokens,
		Thinking:  c.config.Thinking,
	}, nil
}

// streamOnce issues one model call and demultiplexes its chunk stream:
// text and thinking deltas fan out to callbacks in generation order, whole
// tool calls are collected for the execution phase, and the Done chunk's
// usage is folded into the running totals.
func (c *Controller) streamOnce(ctx context.Context, req *engine.CompletionRequest, result *Result) (text, thinking string, toolCalls []engine.ToolCall, err error) {
	chunks, err := c.provider.Complete(ctx, req)
	if err != nil {
		return "", "", nil, c.classifyStreamErr(ctx, err)
	}

	var textBuilder, thinkingBuilder strings.Builder
	for chunk := range chunks {
		if chunk == nil {
			continue
		}
		if chunk.Err != nil {
			return "", "", nil, c.classifyStreamErr(ctx, chunk.Err)
		}
		if chunk.Thinking != "" {
			thinkingBuilder.WriteString(chunk.Thinking)
			if c.cb.OnThinking != nil {
				c.cb.OnThinking(chunk.Thinking)
			}
		}
		if chunk.Text != "" {
			textBuilder.WriteString(chunk.Text)
			if c.cb.OnText != nil {
				c.cb.OnText(chunk.Text)
			}
		}
		if chunk.ToolCall != nil {
			call := *chunk.ToolCall
			toolCalls = append(toolCalls, call)
			result.ToolCalls = append(result.ToolCalls, call)
			if c.cb.OnToolCall != nil {
				c.cb.OnToolCall(call.Name, call.Input)
			}
		}
		if chunk.Done {
			result.InputTokens += chunk.InputTokens
			result.OutputTokens += chunk.OutputTokens
		}
	}

	return textBuilder.String(), thinkingBuilder.String(), toolCalls, nil
}

// executeTools runs the collected calls sequentially so toolResult events
// keep the stream's ordering guarantee. Tool-level failures already arrive
// as error text from the adapter; an error return here is a run abort.
func (c *Controller) executeTools(ctx context.Context, toolCalls []engine.ToolCall) (*models.Message, []engine.ToolResult, error) {
	msg := &models.Message{Role: models.RoleTool, CreatedAt: time.Now()}
	var results []engine.ToolResult

	for _, call := range toolCalls {
		tool := c.lookupTool(call.Name)

		var content string
		if tool == nil {
			content = "Error: unknown tool: " + call.Name
		} else {
			out, err := tool.Execute(ctx, call.Input)
			if err != nil {
				return nil, nil, c.classifyCancelErr(ctx, err)
			}
			content = out
		}

		res := engine.ToolResult{
			ToolCallID: call.ID,
			Name:       call.Name,
			Content:    content,
			IsError:    strings.HasPrefix(content, "Error: "),
		}
		results = append(results, res)
		msg.Parts = append(msg.Parts, models.ToolResultPart(models.ToolResult{
			ToolCallID: res.ToolCallID,
			Name:       res.Name,
			Content:    res.Content,
			IsError:    res.IsError,
		}))
		if c.cb.OnToolResult != nil {
			c.cb.OnToolResult(call.Name, content)
		}
	}

	return msg, results, nil
}

func (c *Controller) lookupTool(name string) engine.Tool {
	for _, tool := range c.tools {
		if tool.Name() == name {
			return tool
		}
	}
	return nil
}

// persist appends one message under the session write lock so a concurrent
// compaction can never interleave with the run's writes.
func (c *Controller) persist(ctx context.Context, sessionID string, msg *models.Message) error {
	return c.locks.WithWriteLock(ctx, sessionID, func() error {
		return c.store.AppendMessages(ctx, sessionID, []*models.Message{msg})
	})
}

func (c *Controller) drainQueued() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	queued := c.queued
	c.queued = nil
	return queued
}

// classifyStreamErr maps a stream failure onto the error taxonomy: an
// abort or deadline becomes the matching sentinel, anything else is a wire
// error for the caller to triage.
func (c *Controller) classifyStreamErr(ctx context.Context, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return c.classifyCancel(ctx)
	}
	var we *engine.WireError
	if errors.As(err, &we) {
		return err
	}
	var ce *engine.ConfigurationError
	if errors.As(err, &ce) {
		return err
	}
	var te *engine.TranscriptError
	if errors.As(err, &te) {
		return err
	}
	return engine.WrapWireError(c.config.Provider, c.config.Model, err)
}

// classifyCancelErr folds a cancellation error into the abort taxonomy,
// passing anything else through unchanged.
func (c *Controller) classifyCancelErr(ctx context.Context, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return c.classifyCancel(ctx)
	}
	return err
}

// classifyCancel distinguishes user abort, explicit timeout abort, and
// wall-time deadline.
func (c *Controller) classifyCancel(ctx context.Context) error {
	c.mu.Lock()
	aborted, timedOut, reason := c.aborted, c.timedOut, c.abortReason
	c.mu.Unlock()

	switch {
	case aborted && timedOut:
		if reason != "" {
			return fmt.Errorf("%w: %s", engine.ErrTimeout, reason)
		}
		return engine.ErrTimeout
	case aborted:
		if reason != "" {
			return fmt.Errorf("%w: %s", engine.ErrAborted, reason)
		}
		return engine.ErrAborted
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return engine.ErrTimeout
	default:
		return engine.ErrAborted
	}
}

// terminate path for errors sets StateErrored except when the error is an
// abort sentinel, which lands in StateAborted.
func classifyTerminalState(err error) State {
	if errors.Is(err, engine.ErrAborted) || errors.Is(err, engine.ErrTimeout) {
		return StateAborted
	}
	return StateErrored
}

func assistantMessage(text, thinking string, toolCalls []engine.ToolCall) *models.Message {
	msg := &models.Message{Role: models.RoleAssistant, CreatedAt: time.Now()}
	if thinking != "" {
		msg.Parts = append(msg.Parts, models.ThinkingPart(thinking))
	}
	if text != "" {
		msg.Parts = append(msg.Parts, models.TextPart(text))
	}
	for _, call := range toolCalls {
		msg.Parts = append(msg.Parts, models.ToolCallPart(models.ToolCall{
			ID:    call.ID,
			Name:  call.Name,
			Input: call.Input,
		}))
	}
	if len(msg.Parts) == 0 {
		msg.Parts = append(msg.Parts, models.TextPart(""))
	}
	return msg
}
