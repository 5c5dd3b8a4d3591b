package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"

	"github.com/liuyngchng/my-mcp/internal/domain"
	"github.com/liuyngchng/my-mcp/internal/infra/tracer"
)

// Loop defaults.
const (
	DefaultMaxIterations = 10
	DefaultResultPreview = 200
)

// Outcome is how a run ended.
type Outcome string

const (
	OutcomeFinal          Outcome = "final"
	OutcomeIterationLimit Outcome = "iteration_limit"
	OutcomeError          Outcome = "error"
)

// RunResult is the outcome of one question.
type RunResult struct {
	RunID        string
	Outcome      Outcome
	Answer       string
	Iterations   int
	Conversation *domain.Conversation
	// Err is set for OutcomeIterationLimit and OutcomeError.
	Err error
}

// OrchestratorDeps holds injected dependencies for the orchestrator.
type OrchestratorDeps struct {
	Model         domain.ModelClient
	Registry      domain.ToolRegistry
	Invoker       domain.ToolInvoker
	Logger        *slog.Logger
	ModelName     string
	Temperature   float64
	MaxTokens     int
	SystemPrompt  string
	MaxIterations int
	ResultPreview int                // runes of tool output carried in stream events
	StripThink    bool               // remove <think>…</think> from final answers
	RunTimeout    time.Duration      // 0 = bounded by MaxIterations only
	Bus           domain.EventBus    // optional, nil = no events
	AuditLogger   domain.AuditLogger // optional, nil = no audit
	NewRunID      func() string      // optional, defaults to a ULID
}

// Orchestrator drives the model/tool round loop.
type Orchestrator struct {
	deps OrchestratorDeps
}

// NewOrchestrator creates an orchestrator with the given dependencies.
func NewOrchestrator(deps OrchestratorDeps) *Orchestrator {
	if deps.MaxIterations <= 0 {
		deps.MaxIterations = DefaultMaxIterations
	}
	if deps.ResultPreview <= 0 {
		deps.ResultPreview = DefaultResultPreview
	}
	if deps.NewRunID == nil {
		deps.NewRunID = func() string { return ulid.Make().String() }
	}
	return &Orchestrator{deps: deps}
}

// Run answers question and blocks until the loop ends. Reaching the
// iteration ceiling is not an error: the result carries
// OutcomeIterationLimit and domain.ErrIterationLimit in Err. Every other
// failure is returned as err and mirrored in the result.
func (o *Orchestrator) Run(ctx context.Context, question string) (*RunResult, error) {
	res := o.execute(ctx, question, nil)
	if res.Outcome == OutcomeError {
		return res, res.Err
	}
	return res, nil
}

// Stream runs the same loop as Run and yields progress events. The sequence
// ends with exactly one final or error event. It is single-use: ranging over
// it a second time yields one error event. Breaking out of the range stops
// the run before the next model or tool call.
func (o *Orchestrator) Stream(ctx context.Context, question string) iter.Seq[domain.StreamEvent] {
	var used atomic.Bool
	return func(yield func(domain.StreamEvent) bool) {
		if used.Swap(true) {
			yield(domain.StreamEvent{
				Type:    domain.StreamError,
				Content: domain.ErrStreamConsumed.Error(),
				Code:    domain.CodeStreamConsumed,
			})
			return
		}
		o.execute(ctx, question, yield)
	}
}

// runState is the per-run bookkeeping shared by the blocking and streaming paths.
type runState struct {
	id      string
	yield   func(domain.StreamEvent) bool
	stopped bool
	conv    *domain.Conversation
}

// emit forwards ev to the stream consumer, if any. Once the consumer stops,
// nothing more is sent.
func (s *runState) emit(ev domain.StreamEvent) {
	if s.yield == nil || s.stopped {
		return
	}
	ev.RunID = s.id
	if !s.yield(ev) {
		s.stopped = true
	}
}

var errConsumerGone = errors.New("stream consumer stopped")

func (o *Orchestrator) execute(ctx context.Context, question string, yield func(domain.StreamEvent) bool) *RunResult {
	st := &runState{id: o.deps.NewRunID(), yield: yield}
	st.conv = &domain.Conversation{ID: st.id}

	ctx = domain.ContextWithRunID(ctx, st.id)
	if o.deps.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.deps.RunTimeout)
		defer cancel()
	}

	ctx, span := tracer.StartSpan(ctx, "orchestrator.run",
		trace.WithAttributes(tracer.StringAttr("run.id", st.id)),
	)
	defer span.End()

	logger := o.deps.Logger.With("run_id", st.id)
	res := o.loop(ctx, st, logger, question)
	res.RunID = st.id
	res.Conversation = st.conv

	switch res.Outcome {
	case OutcomeFinal:
		tracer.SetOK(span)
		st.emit(domain.StreamEvent{Type: domain.StreamFinal, Content: res.Answer, Iteration: res.Iterations})
		publishEvent(o.deps.Bus, ctx, domain.EventRunCompleted, st.id, map[string]any{
			"iterations": res.Iterations,
		})
		logger.Info("run completed", "iterations", res.Iterations)
	default:
		tracer.RecordError(span, res.Err)
		code := domain.ErrorCodeOf(res.Err)
		st.emit(domain.StreamEvent{
			Type:      domain.StreamError,
			Content:   res.Text(),
			Iteration: res.Iterations,
			Code:      code,
		})
		publishEvent(o.deps.Bus, ctx, domain.EventRunFailed, st.id, map[string]any{
			"iterations": res.Iterations,
			"outcome":    res.Outcome,
			"code":       code,
			"error":      res.Err.Error(),
		})
		logger.Warn("run ended without answer",
			"outcome", res.Outcome,
			"iterations", res.Iterations,
			"code", code,
			"error", res.Err)
	}

	o.audit(ctx, domain.AuditEvent{
		Type:      domain.AuditRunOutcome,
		RunID:     st.id,
		Iteration: res.Iterations,
		Outcome:   string(res.Outcome),
		Detail:    map[string]string{"code": string(domain.ErrorCodeOf(res.Err))},
	})
	return res
}

// Text is the answer of a final run and a readable failure message otherwise.
func (r *RunResult) Text() string {
	switch {
	case r.Outcome == OutcomeFinal:
		return r.Answer
	case r.Outcome == OutcomeIterationLimit:
		return fmt.Sprintf("processing timed out: no answer after %d rounds", r.Iterations)
	case r.Err != nil:
		return r.Err.Error()
	}
	return ""
}

func (o *Orchestrator) loop(ctx context.Context, st *runState, logger *slog.Logger, question string) *RunResult {
	fail := func(iteration int, err error) *RunResult {
		return &RunResult{Outcome: OutcomeError, Iterations: iteration, Err: err}
	}

	st.emit(domain.StreamEvent{Type: domain.StreamStatus, Content: "start processing your question: " + question})
	publishEvent(o.deps.Bus, ctx, domain.EventRunStarted, st.id, map[string]string{"question": question})

	tools, err := o.deps.Registry.Tools(ctx, false)
	if err != nil {
		return fail(0, fmt.Errorf("load tools: %w", err))
	}
	if len(tools) == 0 {
		return fail(0, domain.ErrNoTools)
	}
	schemas := ModelToolSchemas(tools)

	if o.deps.SystemPrompt != "" {
		st.conv.Append(domain.Message{Role: domain.RoleSystem, Content: o.deps.SystemPrompt, Timestamp: time.Now()})
	}
	st.conv.Append(domain.Message{Role: domain.RoleUser, Content: question, Timestamp: time.Now()})

	for i := 1; i <= o.deps.MaxIterations; i++ {
		if st.stopped {
			return fail(i-1, errConsumerGone)
		}
		if err := ctx.Err(); err != nil {
			return fail(i-1, err)
		}

		st.emit(domain.StreamEvent{Type: domain.StreamStatus, Content: fmt.Sprintf("round %d processing...", i), Iteration: i})
		publishEvent(o.deps.Bus, ctx, domain.EventRunRound, st.id, map[string]int{"iteration": i})

		resp, err := o.chat(ctx, st, schemas, i)
		if err != nil {
			return fail(i, err)
		}

		switch resp.FinishReason {
		case domain.FinishStop:
			answer := resp.Message.Content
			if o.deps.StripThink {
				answer = StripThink(answer)
			}
			st.conv.Append(domain.Message{Role: domain.RoleAssistant, Content: answer, Timestamp: time.Now()})
			return &RunResult{Outcome: OutcomeFinal, Answer: answer, Iterations: i}

		case domain.FinishToolCalls:
			if err := o.runTools(ctx, st, logger, resp.Message, i); err != nil {
				return fail(i, err)
			}

		default:
			return fail(i, &domain.MalformedResponseError{
				Detail: fmt.Sprintf("unexpected finish_reason %q", resp.FinishReason),
			})
		}
	}

	return &RunResult{
		Outcome:    OutcomeIterationLimit,
		Iterations: o.deps.MaxIterations,
		Err:        domain.ErrIterationLimit,
	}
}

// chat sends one round to the model and rejects responses that carry an
// error object.
func (o *Orchestrator) chat(ctx context.Context, st *runState, schemas []domain.ToolSchema, iteration int) (*domain.ChatResponse, error) {
	ctx, span := tracer.StartSpan(ctx, "orchestrator.round",
		trace.WithAttributes(tracer.IntAttr("iteration", iteration)),
	)
	defer span.End()

	req := domain.ChatRequest{
		Model:       o.deps.ModelName,
		Messages:    st.conv.Messages,
		Tools:       schemas,
		MaxTokens:   o.deps.MaxTokens,
		Temperature: o.deps.Temperature,
	}

	publishEvent(o.deps.Bus, ctx, domain.EventLLMCallStarted, st.id, map[string]int{"iteration": iteration})
	resp, err := o.deps.Model.Chat(ctx, req)
	if err != nil {
		var mce *domain.ModelCallError
		if !errors.As(err, &mce) {
			err = &domain.ModelCallError{Cause: err}
		}
		tracer.RecordError(span, err)
		return nil, err
	}
	publishEvent(o.deps.Bus, ctx, domain.EventLLMCallCompleted, st.id, map[string]any{
		"iteration":     iteration,
		"finish_reason": resp.FinishReason,
		"total_tokens":  resp.Usage.TotalTokens,
	})
	o.audit(ctx, domain.AuditEvent{
		Type:      domain.AuditModelCall,
		RunID:     st.id,
		Iteration: iteration,
		Outcome:   resp.FinishReason,
		Detail: map[string]string{
			"model":             o.deps.Model.Name(),
			"prompt_tokens":     itoa(resp.Usage.PromptTokens),
			"completion_tokens": itoa(resp.Usage.CompletionTokens),
			"total_tokens":      itoa(resp.Usage.TotalTokens),
		},
	})

	if resp.Error != nil {
		err := &domain.MalformedResponseError{Detail: "model endpoint error: " + resp.Error.Message}
		tracer.RecordError(span, err)
		return nil, err
	}
	tracer.SetOK(span)
	return resp, nil
}

// runTools executes the calls of one tool_calls round in order, then echoes
// the assistant message followed by one tool message per executed call.
// Calls with malformed arguments or unresolvable names are dropped and left
// out of the echo, so every echoed call id has a matching tool message.
func (o *Orchestrator) runTools(ctx context.Context, st *runState, logger *slog.Logger, msg domain.Message, iteration int) error {
	if len(msg.ToolCalls) == 0 {
		return &domain.MalformedResponseError{Detail: "finish_reason tool_calls without tool calls"}
	}

	content := normalizeContent(msg.Content)
	if strings.TrimSpace(content) != "" {
		st.emit(domain.StreamEvent{Type: domain.StreamStatus, Content: content, Iteration: iteration})
	}
	names := make([]string, len(msg.ToolCalls))
	for i, c := range msg.ToolCalls {
		names[i] = c.Name
	}
	st.emit(domain.StreamEvent{
		Type:      domain.StreamToolCall,
		Content:   fmt.Sprintf("model requested %d tool call(s)", len(names)),
		Iteration: iteration,
		Tools:     names,
	})

	var (
		answered []domain.ToolCall
		results  []domain.Message
		lastDrop error
	)
	for _, call := range msg.ToolCalls {
		if st.stopped {
			return errConsumerGone
		}
		args, err := callArguments(call)
		if err != nil {
			lastDrop = err
			o.dropCall(ctx, st, logger, call, iteration, err)
			continue
		}
		call.Arguments = args

		text, err := o.invoke(ctx, st, call, iteration)
		if err != nil {
			if errors.Is(err, domain.ErrUnknownTool) {
				lastDrop = err
				o.dropCall(ctx, st, logger, call, iteration, err)
				continue
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			// Backend failures go back to the model as the tool's output.
			text = err.Error()
		}

		answered = append(answered, call)
		results = append(results, domain.Message{
			Role:       domain.RoleTool,
			Name:       call.Name,
			Content:    text,
			ToolCallID: call.ID,
			Timestamp:  time.Now(),
		})
	}

	if len(answered) == 0 {
		return fmt.Errorf("round %d: no requested tool call could be executed: %w", iteration, lastDrop)
	}

	st.conv.Append(domain.Message{
		Role:      domain.RoleAssistant,
		Content:   content,
		ToolCalls: answered,
		Timestamp: time.Now(),
	})
	st.conv.Append(results...)
	return nil
}

// invoke runs one call and reports it on the stream, bus and audit journal.
func (o *Orchestrator) invoke(ctx context.Context, st *runState, call domain.ToolCall, iteration int) (string, error) {
	label, backend := call.Name, ""
	if t, ok := o.deps.Registry.Lookup(call.Name); ok {
		label, backend = t.LocalName+"@"+t.Backend, t.Backend
	}
	st.emit(domain.StreamEvent{
		Type:      domain.StreamToolStart,
		Content:   fmt.Sprintf("calling %s with %s", label, string(call.Arguments)),
		Iteration: iteration,
		Tool:      call.Name,
		Backend:   backend,
	})
	publishEvent(o.deps.Bus, ctx, domain.EventToolCallStarted, st.id, map[string]string{"tool": call.Name})

	res, err := o.deps.Invoker.Invoke(ctx, call.Name, call.Arguments)

	success := err == nil && !res.IsError
	publishEvent(o.deps.Bus, ctx, domain.EventToolCallCompleted, st.id, map[string]any{
		"tool":    call.Name,
		"success": success,
	})
	if !errors.Is(err, domain.ErrUnknownTool) {
		o.audit(ctx, domain.AuditEvent{
			Type:      domain.AuditToolInvoke,
			RunID:     st.id,
			Iteration: iteration,
			Outcome:   fmt.Sprintf("%v", success),
			Detail:    map[string]string{"tool": call.Name, "backend": backend},
		})
	}
	if err != nil {
		// Unknown tools are reported by dropCall.
		if !errors.Is(err, domain.ErrUnknownTool) {
			st.emit(domain.StreamEvent{
				Type:      domain.StreamToolResult,
				Content:   fmt.Sprintf("tool %s failed", call.Name),
				Iteration: iteration,
				Tool:      call.Name,
				Backend:   backend,
				Result:    Preview(err.Error(), o.deps.ResultPreview),
				IsError:   true,
				Code:      domain.ErrorCodeOf(err),
			})
		}
		return "", err
	}

	ev := domain.StreamEvent{
		Type:      domain.StreamToolResult,
		Content:   fmt.Sprintf("tool %s returned", call.Name),
		Iteration: iteration,
		Tool:      call.Name,
		Backend:   backend,
		Result:    Preview(res.Content, o.deps.ResultPreview),
	}
	if res.IsError {
		ev.Content = fmt.Sprintf("tool %s reported an error", call.Name)
		ev.IsError = true
	}
	st.emit(ev)
	return res.Content, nil
}

func (o *Orchestrator) dropCall(ctx context.Context, st *runState, logger *slog.Logger, call domain.ToolCall, iteration int, err error) {
	logger.Warn("tool call dropped",
		"iteration", iteration,
		"tool", call.Name,
		"call_id", call.ID,
		"code", domain.ErrorCodeOf(err),
		"error", err)
	publishEvent(o.deps.Bus, ctx, domain.EventToolCallDropped, st.id, map[string]string{
		"tool":  call.Name,
		"error": err.Error(),
	})
	st.emit(domain.StreamEvent{
		Type:      domain.StreamToolResult,
		Content:   fmt.Sprintf("tool call %s skipped", call.Name),
		Iteration: iteration,
		Tool:      call.Name,
		Result:    err.Error(),
		IsError:   true,
		Code:      domain.ErrorCodeOf(err),
	})
}

func (o *Orchestrator) audit(ctx context.Context, ev domain.AuditEvent) {
	if o.deps.AuditLogger == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if err := o.deps.AuditLogger.Log(ctx, ev); err != nil {
		o.deps.Logger.Debug("audit write failed", "type", ev.Type, "error", err)
	}
}

// callArguments validates the raw argument text of a call. Empty text is
// treated as an empty object.
func callArguments(call domain.ToolCall) (json.RawMessage, error) {
	if call.Name == "" {
		return nil, &domain.MalformedResponseError{Detail: "tool call without a name"}
	}
	raw := strings.TrimSpace(string(call.Arguments))
	if raw == "" {
		return json.RawMessage(`{}`), nil
	}
	if !json.Valid([]byte(raw)) {
		return nil, &domain.MalformedResponseError{
			Detail: fmt.Sprintf("arguments of %s are not valid JSON", call.Name),
		}
	}
	return json.RawMessage(raw), nil
}

// normalizeContent maps the null placeholders some endpoints send for
// assistant content to an empty string.
func normalizeContent(s string) string {
	if s == "null" {
		return ""
	}
	return s
}

var thinkBlock = regexp.MustCompile(`(?s)<think>.*?</think>`)

// StripThink removes reasoning blocks some models prepend to their answer.
func StripThink(s string) string {
	return strings.TrimSpace(thinkBlock.ReplaceAllString(s, ""))
}

// Preview truncates s to n runes, marking the cut with "...".
func Preview(s string, n int) string {
	if n <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
