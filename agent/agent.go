// Package agent runs the ReAct loop that answers natural-language questions
// about a user's tabular data: it prompts the model, dispatches tool calls,
// feeds observations back, and extracts the final answer with chart spec and
// provenance. Every invocation is audited.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"github.com/tablepilot/tablepilot/audit"
	"github.com/tablepilot/tablepilot/conversation"
	"github.com/tablepilot/tablepilot/dataset"
	"github.com/tablepilot/tablepilot/model"
	"github.com/tablepilot/tablepilot/tools"
)

const (
	defaultMaxIterations = 15
	hardMaxIterations    = 25
	defaultWallClock     = 180 * time.Second
	defaultLLMTimeout    = 60 * time.Second
	defaultMaxTokens     = 2048

	// Consecutive identical actions, identical failures, or unparseable
	// completions tolerated before aborting.
	abortThreshold = 3

	// Clarification attempts allowed when the user's date-range reply is
	// ambiguous.
	maxClarifications = 2
)

type (
	// Options configures the agent.
	Options struct {
		// Model is the completion client, typically already wrapped with rate
		// limiting and failover middleware.
		Model model.Client

		// ModelID is recorded in audit records.
		ModelID string

		Tools         *tools.Registry
		Conversations *conversation.Store
		Audit         *audit.Sink

		// Catalog powers suggestions. Optional.
		Catalog *dataset.Catalog

		// MaxIterations caps loop iterations (default 15, hard max 25).
		MaxIterations int

		// WallClock caps one request end to end (default 180s).
		WallClock time.Duration

		// LLMTimeout caps a single completion call (default 60s).
		LLMTimeout time.Duration

		// MaxTokens caps each completion (default 2048).
		MaxTokens int
	}

	// Request is one user question.
	Request struct {
		UserID         string
		Question       string
		ConversationID string
	}

	// Response is the structured outcome of one question.
	Response struct {
		RequestID      string           `json:"request_id"`
		ConversationID string           `json:"conversation_id"`
		AnswerShort    string           `json:"answer_short"`
		AnswerDetailed string           `json:"answer_detailed"`
		ChartConfig    map[string]any   `json:"chart_config,omitempty"`
		Provenance     audit.Provenance `json:"provenance"`
		ToolsCalled    []string         `json:"tools_called"`
		LatencyMS      int64            `json:"latency_ms"`
		FinalState     string           `json:"final_state"`
	}

	// Agent orchestrates the loop.
	Agent struct {
		model   model.Client
		modelID string
		tools   *tools.Registry
		convs   *conversation.Store
		sink    *audit.Sink
		catalog *dataset.Catalog

		maxIter    int
		wallClock  time.Duration
		llmTimeout time.Duration
		maxTokens  int

		now   func() time.Time
		newID func() string
	}

	// run is the mutable state of one Query invocation. question is what the
	// model is asked to answer; userInput is the user's verbatim message this
	// turn. They differ when a date-range reply resumes a suspended call.
	run struct {
		requestID  string
		question   string
		userInput  string
		conv       *conversation.Conversation
		scratchpad string

		toolsCalled []string
		provenance  audit.Provenance

		lastKey         string
		repeats         int
		failures        int
		parseErrors     int
		lastObservation string
	}
)

// New builds an Agent from the provided options.
func New(opts Options) (*Agent, error) {
	if opts.Model == nil {
		return nil, errors.New("model client is required")
	}
	if opts.Tools == nil {
		return nil, errors.New("tool registry is required")
	}
	if opts.Conversations == nil {
		return nil, errors.New("conversation store is required")
	}
	if opts.Audit == nil {
		return nil, errors.New("audit sink is required")
	}
	maxIter := opts.MaxIterations
	if maxIter <= 0 {
		maxIter = defaultMaxIterations
	}
	if maxIter > hardMaxIterations {
		maxIter = hardMaxIterations
	}
	wallClock := opts.WallClock
	if wallClock <= 0 {
		wallClock = defaultWallClock
	}
	llmTimeout := opts.LLMTimeout
	if llmTimeout <= 0 {
		llmTimeout = defaultLLMTimeout
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Agent{
		model:      opts.Model,
		modelID:    opts.ModelID,
		tools:      opts.Tools,
		convs:      opts.Conversations,
		sink:       opts.Audit,
		catalog:    opts.Catalog,
		maxIter:    maxIter,
		wallClock:  wallClock,
		llmTimeout: llmTimeout,
		maxTokens:  maxTokens,
		now:        time.Now,
		newID:      func() string { return uuid.NewString() },
	}, nil
}

// Query answers one question. Semantic failures (loop detected, iteration
// cap, provider exhaustion) come back as a Response with final_state != completed
// and a category-tagged answer; the error return is reserved for requests that
// could not even be processed.
func (a *Agent) Query(ctx context.Context, req *Request) (*Response, error) {
	if req.UserID == "" {
		return nil, errors.New("user id is required")
	}
	if strings.TrimSpace(req.Question) == "" {
		return nil, errors.New("question is required")
	}
	started := a.now()
	ctx, cancel := context.WithTimeout(ctx, a.wallClock)
	defer cancel()

	st := &run{requestID: a.newID(), question: req.Question, userInput: req.Question}
	st.conv = a.loadConversation(ctx, req)

	// A pending date-range handshake consumes this turn's input first.
	if st.conv.Pending != nil {
		if resp := a.resumePending(ctx, req, st, started); resp != nil {
			return resp, nil
		}
	}

	resp := a.loop(ctx, req.UserID, st)
	return a.finish(ctx, req.UserID, st, resp, started), nil
}

// Audit returns the audit record for a prior request.
func (a *Agent) Audit(ctx context.Context, userID, requestID string) (*audit.Record, error) {
	return a.sink.Get(ctx, userID, requestID)
}

// Probe exposes the tool catalogue for diagnostics.
func (a *Agent) Probe() []tools.ProbeEntry {
	return a.tools.Probe()
}

// Suggestions derives example questions from the user's uploaded files.
func (a *Agent) Suggestions(ctx context.Context, userID string) ([]string, error) {
	if a.catalog == nil {
		return nil, nil
	}
	files, err := a.catalog.ListFiles(ctx, userID)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, f := range files {
		if len(out) >= 6 || len(f.TableNames) == 0 {
			break
		}
		table := f.TableNames[0]
		ts, err := a.catalog.Schema(ctx, userID, f.FileID, table)
		if err != nil {
			continue
		}
		var numCol, strCol, dateCol string
		for _, c := range ts.Columns {
			switch c.Type {
			case dataset.TypeNumber:
				if numCol == "" {
					numCol = c.Name
				}
			case dataset.TypeString:
				if strCol == "" {
					strCol = c.Name
				}
			case dataset.TypeDate:
				if dateCol == "" {
					dateCol = c.Name
				}
			}
		}
		if numCol != "" {
			out = append(out, fmt.Sprintf("What is the total %s in %s?", numCol, f.Filename))
		}
		if numCol != "" && strCol != "" {
			out = append(out, fmt.Sprintf("Which %s has the highest %s in %s?", strCol, numCol, table))
		}
		if numCol != "" && dateCol != "" {
			out = append(out, fmt.Sprintf("Show the weekly trend of %s in %s as a chart.", numCol, table))
		}
	}
	if len(out) > 6 {
		out = out[:6]
	}
	return out, nil
}

func (a *Agent) loadConversation(ctx context.Context, req *Request) *conversation.Conversation {
	if req.ConversationID != "" {
		c, err := a.convs.Get(ctx, req.UserID, req.ConversationID)
		if err == nil {
			return c
		}
		if !errors.Is(err, conversation.ErrNotFound) && !errors.Is(err, conversation.ErrExpired) {
			log.Warnf(ctx, "loading conversation %s, starting fresh: %v", req.ConversationID, err)
		}
		return &conversation.Conversation{
			ConversationID:   req.ConversationID,
			UserID:           req.UserID,
			OriginalQuestion: req.Question,
		}
	}
	return &conversation.Conversation{
		ConversationID:   a.newID(),
		UserID:           req.UserID,
		OriginalQuestion: req.Question,
	}
}

// resumePending consumes the user's reply to a date-range prompt. It returns
// a Response to short-circuit the turn (re-prompt or abort); nil means the
// pending call was re-executed and the loop should continue.
func (a *Agent) resumePending(ctx context.Context, req *Request, st *run, started time.Time) *Response {
	p := st.conv.Pending
	start, end, ok := ParseDateRange(req.Question, p.MaxDate)
	if !ok {
		p.Attempts++
		if p.Attempts >= maxClarifications {
			st.conv.Pending = nil
			resp := a.errorResponse(st, fmt.Sprintf(
				"[user-input] I could not read that as a date range after %d attempts. Please start over with an explicit range like 2024-01-01 to 2024-03-31.",
				maxClarifications))
			return a.finish(ctx, req.UserID, st, resp, started)
		}
		resp := &Response{
			AnswerShort: fmt.Sprintf(
				"Please give me a date range between %s and %s, for example \"last 30 days\" or \"%s to %s\".",
				p.MinDate.Format("2006-01-02"), p.MaxDate.Format("2006-01-02"),
				p.MinDate.Format("2006-01-02"), p.MaxDate.Format("2006-01-02")),
			FinalState: audit.StateClarificationNeeded,
		}
		resp.AnswerDetailed = resp.AnswerShort
		return a.finish(ctx, req.UserID, st, resp, started)
	}

	// Re-execute the suspended call with the window injected, then let the
	// loop continue from its observation.
	input := injectRange(p.Tool, p.Args, start, end)
	st.question = st.conv.OriginalQuestion
	st.conv.Pending = nil
	res, err := a.tools.Dispatch(ctx, req.UserID, p.Tool, input)
	if err != nil {
		resp := a.errorResponse(st, "[resource] the data store is unavailable, please retry: "+err.Error())
		return a.finish(ctx, req.UserID, st, resp, started)
	}
	a.record(st, p.Tool, res)
	st.scratchpad = appendStep(st.scratchpad, &step{
		Thought:     "The user supplied the date range, re-running the suspended analysis.",
		Action:      p.Tool,
		ActionInput: input,
	}, res.Observation())
	st.lastObservation = res.Observation()
	return nil
}

// loop is the ReAct iteration cycle.
func (a *Agent) loop(ctx context.Context, userID string, st *run) *Response {
	system := renderSystem(a.tools.Describe())
	for iter := 0; iter < a.maxIter; iter++ {
		if ctx.Err() != nil {
			return a.errorResponse(st, "[timeout] the request exceeded its time budget")
		}
		text, err := a.complete(ctx, system, st)
		if err != nil {
			if ctx.Err() != nil {
				return a.errorResponse(st, "[timeout] the request exceeded its time budget")
			}
			return a.errorResponse(st, "[resource] language model unavailable: "+err.Error())
		}
		s, ok := parseStep(text)
		if !ok {
			st.parseErrors++
			if st.parseErrors >= abortThreshold {
				return a.errorResponse(st, "[semantic] the model produced unparseable output three times in a row")
			}
			st.scratchpad += "Observation: that reply did not follow the Thought/Action/Final Answer format. Try again using the exact format.\n"
			continue
		}
		st.parseErrors = 0

		if s.IsFinal {
			out := extractOutput(s.FinalAnswer)
			return &Response{
				AnswerShort:    out.AnswerShort,
				AnswerDetailed: out.AnswerDetailed,
				ChartConfig:    out.ChartConfig,
				FinalState:     audit.StateCompleted,
			}
		}

		key := s.Action + "\x1f" + s.ActionInput
		if key == st.lastKey {
			st.repeats++
		} else {
			st.lastKey, st.repeats = key, 1
		}
		if st.repeats >= abortThreshold {
			return a.errorResponse(st, "[semantic] loop detected: the same action was repeated three times")
		}

		res, err := a.tools.Dispatch(ctx, userID, s.Action, s.ActionInput)
		if err != nil {
			// A per-tool deadline while the request is still live is a
			// retryable observation: the model can narrow the query. Only a
			// dead store (or the request's own budget) terminates the run.
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				st.toolsCalled = append(st.toolsCalled, s.Action)
				st.failures++
				if st.failures >= abortThreshold {
					return a.errorResponse(st, "[semantic] three consecutive tool calls failed")
				}
				st.scratchpad = appendStep(st.scratchpad, s, `{"error": "the tool call timed out; narrow the time window or add filters"}`)
				continue
			}
			return a.errorResponse(st, "[resource] the data store is unavailable, please retry: "+err.Error())
		}
		a.record(st, s.Action, res)

		if res.DateRange != nil {
			return a.clarificationResponse(ctx, st, s, res.DateRange)
		}

		obs := res.Observation()
		if res.Failed {
			st.failures++
			if st.failures >= abortThreshold {
				return a.errorResponse(st, "[semantic] three consecutive tool calls failed")
			}
		} else {
			st.failures = 0
			st.lastObservation = obs
		}
		st.scratchpad = appendStep(st.scratchpad, s, obs)
	}

	// Iteration cap: best-effort answer from the last successful observation.
	short := "I could not finish the analysis within the step limit."
	detailed := short
	if st.lastObservation != "" {
		detailed = short + " The last result I obtained was: " + truncate(st.lastObservation, 600)
	}
	return &Response{AnswerShort: short, AnswerDetailed: detailed, FinalState: audit.StateStopped}
}

func (a *Agent) complete(ctx context.Context, system string, st *run) (string, error) {
	llmCtx, cancel := context.WithTimeout(ctx, a.llmTimeout)
	defer cancel()
	resp, err := a.model.Complete(llmCtx, &model.Request{
		System:    system,
		Messages:  renderMessages(st.conv.Messages, st.question, st.scratchpad),
		MaxTokens: a.maxTokens,
		Stop:      []string{"\nObservation:"},
	})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// clarificationResponse persists the suspended tool call and asks the user
// for a window.
func (a *Agent) clarificationResponse(ctx context.Context, st *run, s *step, dr *tools.DateRangeRequest) *Response {
	pending := &conversation.PendingDateRange{
		Tool:       s.Action,
		Args:       s.ActionInput,
		FileID:     dr.FileID,
		Table:      dr.Table,
		TimeColumn: dr.TimeColumn,
		MinDate:    dr.MinDate,
		MaxDate:    dr.MaxDate,
	}
	if err := a.convs.SetPending(ctx, st.conv, pending); err != nil {
		log.Errorf(ctx, err, "saving pending date range")
	}
	short := fmt.Sprintf(
		"That covers a lot of data: %s spans %s to %s. Which period should I analyze? You can say e.g. \"last 90 days\" or \"%s to %s\".",
		dr.TimeColumn,
		dr.MinDate.Format("2006-01-02"), dr.MaxDate.Format("2006-01-02"),
		dr.MinDate.Format("2006-01-02"), dr.MaxDate.Format("2006-01-02"))
	return &Response{
		AnswerShort:    short,
		AnswerDetailed: short,
		FinalState:     audit.StateClarificationNeeded,
	}
}

func (a *Agent) errorResponse(st *run, message string) *Response {
	return &Response{
		AnswerShort:    message + " (request " + st.requestID + ")",
		AnswerDetailed: message + " (request " + st.requestID + ")",
		FinalState:     audit.StateError,
	}
}

// record accumulates provenance from one tool result.
func (a *Agent) record(st *run, tool string, res *tools.Result) {
	st.toolsCalled = append(st.toolsCalled, tool)
	for _, tr := range res.Traces {
		st.provenance.Pipelines = append(st.provenance.Pipelines, audit.PipelineTrace{
			Collection: tr.Collection,
			Stages:     tr.Pipeline,
		})
	}
	if res.MatchedRows > st.provenance.MatchedRowCount {
		st.provenance.MatchedRowCount = res.MatchedRows
	}
}

// finish stamps identity and latency, persists the conversation turn, and
// writes the audit record.
func (a *Agent) finish(ctx context.Context, userID string, st *run, resp *Response, started time.Time) *Response {
	resp.RequestID = st.requestID
	resp.ConversationID = st.conv.ConversationID
	resp.ToolsCalled = st.toolsCalled
	resp.Provenance = st.provenance
	resp.LatencyMS = a.now().Sub(started).Milliseconds()

	now := a.now().UTC()
	st.conv.Messages = append(st.conv.Messages,
		conversation.Message{Role: "user", Content: st.userInput, TS: now},
		conversation.Message{Role: "assistant", Content: resp.AnswerDetailed, TS: now},
	)
	// Persistence must not run on the request context: it may already be
	// cancelled or past its deadline.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := a.convs.Save(saveCtx, st.conv); err != nil {
		log.Errorf(ctx, err, "saving conversation %s", st.conv.ConversationID)
	}
	record := &audit.Record{
		RequestID:      st.requestID,
		UserID:         userID,
		Question:       st.userInput,
		Provider:       a.model.Name(),
		Model:          a.modelID,
		ToolsCalled:    st.toolsCalled,
		LatencyMS:      resp.LatencyMS,
		Provenance:     st.provenance,
		AnswerShort:    resp.AnswerShort,
		AnswerDetailed: resp.AnswerDetailed,
		ChartConfig:    resp.ChartConfig,
		FinalState:     resp.FinalState,
	}
	if err := a.sink.Append(saveCtx, record); err != nil {
		log.Errorf(ctx, err, "appending audit record %s", st.requestID)
	}
	return resp
}

// injectRange splices start/end into the pipe-delimited arguments of the
// suspended tool call.
func injectRange(tool, args string, start, end time.Time) string {
	parts := strings.Split(args, "|")
	startIdx, endIdx := 6, 7
	if tool != "timeseries_analyzer" {
		// Only the time-series tool suspends today; anything else re-runs
		// unchanged.
		return args
	}
	for len(parts) <= endIdx {
		parts = append(parts, "")
	}
	parts[startIdx] = start.Format("2006-01-02")
	parts[endIdx] = end.Format("2006-01-02")
	return strings.Join(parts, "|")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
