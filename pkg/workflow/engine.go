// Package workflow implements the literature-review state machine: five
// stages (planner, retriever, extractor, writer, critic) driven by a cursor
// stored in append-only checkpoints. A run advances the cursor one stage at a
// time, checkpointing after every stage, and stops at one of three
// boundaries: the approval interrupt before extraction, the workflow end, or
// an error. Because every boundary is durable, approve and continue can
// resume a thread from a different process than the one that started it.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/autoscholar/scholard/pkg/config"
	"github.com/autoscholar/scholard/pkg/llm"
	"github.com/autoscholar/scholard/pkg/models"
	"github.com/autoscholar/scholard/pkg/store"
)

// SessionStore is the slice of the session store the engine uses.
type SessionStore interface {
	Create(ctx context.Context, threadID, userQuery string) (*models.Session, error)
	Get(ctx context.Context, threadID string) (*models.Session, error)
	ClaimRun(ctx context.Context, threadID, runID string, allowed ...models.SessionStatus) error
	ReleaseRun(ctx context.Context, threadID, runID string, status models.SessionStatus) error
	AppendCheckpoint(ctx context.Context, cp models.Checkpoint) (int64, error)
	LatestCheckpoint(ctx context.Context, threadID string) (*models.Checkpoint, error)
}

// EventSink receives run progress for stream delivery. Publish failures
// never fail a run; progress delivery is best effort, state is not.
type EventSink interface {
	PublishLog(ctx context.Context, threadID string, node models.Stage, line string) error
	PublishStageChange(ctx context.Context, threadID string, completed, next models.Stage) error
	PublishDone(ctx context.Context, threadID string) error
	PublishError(ctx context.Context, threadID, detail string) error
}

// Completer is the slice of the LLM client the stages use.
type Completer interface {
	StructuredCompletion(ctx context.Context, req llm.Request, out any) error
}

// PaperSearcher runs the keyword fan-out across scholarly sources.
type PaperSearcher interface {
	Search(ctx context.Context, queries []string, sources []models.PaperSource, limitPerQuery int) []models.Paper
}

// FulltextEnricher backfills PDF URLs and DOIs on extracted papers.
type FulltextEnricher interface {
	EnrichPapers(ctx context.Context, papers []models.Paper, concurrency int) []models.Paper
}

// ClaimVerifier is the critic's semantic QA layer.
type ClaimVerifier interface {
	VerifyDraft(ctx context.Context, threadID string, draft *models.Draft, papers []models.Paper) ([]models.ClaimVerification, models.VerificationSummary, error)
}

// Engine owns run execution for all threads in this process. Cross-process
// mutual exclusion comes from the session store's conditional run claim, not
// from anything in here; the in-process registry exists for shutdown
// draining and diagnostics.
type Engine struct {
	cfg      *config.Config
	sessions SessionStore
	events   EventSink
	llm      Completer
	search   PaperSearcher
	fulltext FulltextEnricher
	verifier ClaimVerifier
	logger   *slog.Logger

	// baseCtx outlives every caller: client disconnects must not cancel a
	// run mid-stage. cancelBase is the hard stop used when the drain
	// budget runs out.
	baseCtx    context.Context
	cancelBase context.CancelFunc

	mu     sync.Mutex
	active map[string]string // thread id → run id

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewEngine wires the workflow engine. The verifier may be nil when claim
// verification is disabled.
func NewEngine(
	cfg *config.Config,
	sessions SessionStore,
	events EventSink,
	completer Completer,
	search PaperSearcher,
	fulltext FulltextEnricher,
	verifier ClaimVerifier,
) *Engine {
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:        cfg,
		sessions:   sessions,
		events:     events,
		llm:        completer,
		search:     search,
		fulltext:   fulltext,
		verifier:   verifier,
		logger:     slog.With("component", "workflow"),
		baseCtx:    baseCtx,
		cancelBase: cancel,
		active:     make(map[string]string),
		stopCh:     make(chan struct{}),
	}
}

// RunResult is what an engine operation hands back to the API layer once the
// run it triggered reached a boundary.
type RunResult struct {
	ThreadID  string
	RunID     string
	State     models.SessionState
	NextStage models.Stage
	Status    models.SessionStatus

	// NewLogs holds only the log lines appended by this run.
	NewLogs []string

	// ApprovedCount is set by Approve.
	ApprovedCount int
}

// ThreadStatus is the Status operation's snapshot of one thread.
type ThreadStatus struct {
	ThreadID  string
	Session   *models.Session
	State     models.SessionState
	NextStage models.Stage
}

// Start creates a new thread and runs it to the approval interrupt. Empty
// sources default to Semantic Scholar; empty language defaults to English.
func (e *Engine) Start(ctx context.Context, query, language string, sources []models.PaperSource) (*RunResult, error) {
	if e.stopping() {
		return nil, ErrEngineStopped
	}
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: query must not be empty", store.ErrInvalidInput)
	}
	if len(sources) == 0 {
		sources = []models.PaperSource{models.SourceSemanticScholar}
	}
	if language == "" {
		language = "en"
	}

	threadID := uuid.NewString()
	if _, err := e.sessions.Create(ctx, threadID, query); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	state := models.SessionState{
		UserQuery: query,
		Language:  language,
		Sources:   sources,
		Messages: []models.ConversationMessage{
			models.NewUserMessage(query, map[string]any{"action": "start_research"}),
		},
	}
	cp := models.Checkpoint{
		ThreadID:       threadID,
		StageCompleted: models.StageStart,
		NextStage:      models.StagePlanner,
		State:          state,
	}
	if _, err := e.sessions.AppendCheckpoint(ctx, cp); err != nil {
		return nil, fmt.Errorf("initial checkpoint: %w", err)
	}

	e.logger.Info("Starting research thread",
		"thread_id", threadID,
		"query", query,
		"sources", sources)

	return e.execute(ctx, threadID, cp, 0, models.SessionStatusPending)
}

// Approve marks the submitted candidate papers as approved and resumes the
// thread through extractor, writer, and critic. Ids that match no candidate
// are ignored; zero matches is an error.
func (e *Engine) Approve(ctx context.Context, threadID string, paperIDs []string) (*RunResult, error) {
	if e.stopping() {
		return nil, ErrEngineStopped
	}

	cp, err := e.loadThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if cp.NextStage != models.StageExtractor {
		return nil, fmt.Errorf("%w: next stage is %q", ErrNotAwaitingApproval, cp.NextStage)
	}

	candidates, approvedCount := approveCandidates(cp.State.Candidates, paperIDs)
	if approvedCount == 0 {
		return nil, ErrNoMatchingPapers
	}

	state := cp.State
	state.Candidates = candidates
	next := models.Checkpoint{
		ThreadID:       threadID,
		StageCompleted: models.StageStart,
		NextStage:      models.StageExtractor,
		State:          state,
	}
	if _, err := e.sessions.AppendCheckpoint(ctx, next); err != nil {
		return nil, fmt.Errorf("approval checkpoint: %w", err)
	}

	e.logger.Info("Approved papers, resuming workflow",
		"thread_id", threadID,
		"approved", approvedCount)

	result, err := e.execute(ctx, threadID, next, len(cp.State.Logs),
		models.SessionStatusAwaitingApproval,
		models.SessionStatusInterrupted,
		models.SessionStatusFailed)
	if err != nil {
		return nil, err
	}
	result.ApprovedCount = approvedCount
	return result, nil
}

// Continue appends the user's revision request and re-runs the writer in
// revision mode. Returns the run result and the assistant message recorded
// for the conversation.
func (e *Engine) Continue(ctx context.Context, threadID, message string) (*RunResult, *models.ConversationMessage, error) {
	if e.stopping() {
		return nil, nil, ErrEngineStopped
	}

	cp, err := e.loadThread(ctx, threadID)
	if err != nil {
		return nil, nil, err
	}
	if cp.State.Draft == nil {
		return nil, nil, fmt.Errorf("cannot continue: %w", ErrNoDraft)
	}

	userMsg := models.NewUserMessage(message, map[string]any{"action": "continue_research"})
	isContinuation := true
	retryReset := 0
	state := cp.State
	state.Apply(&models.StatePatch{
		UserQuery:      &message,
		IsContinuation: &isContinuation,
		QAErrors:       []string{},
		RetryCount:     &retryReset,
		Messages:       []models.ConversationMessage{userMsg},
	})

	next := models.Checkpoint{
		ThreadID:       threadID,
		StageCompleted: models.StageStart,
		NextStage:      models.StageWriter,
		State:          state,
	}
	if _, err := e.sessions.AppendCheckpoint(ctx, next); err != nil {
		return nil, nil, fmt.Errorf("continuation checkpoint: %w", err)
	}

	e.logger.Info("Continuing research thread",
		"thread_id", threadID,
		"message", truncateRunes(message, 100))

	result, err := e.execute(ctx, threadID, next, len(cp.State.Logs),
		models.SessionStatusCompleted,
		models.SessionStatusInterrupted,
		models.SessionStatusFailed)
	if err != nil {
		return nil, nil, err
	}

	assistantMsg := models.NewAssistantMessage(
		"Updated draft based on: "+message,
		map[string]any{"action": "draft_updated", "has_draft": result.State.Draft != nil},
	)
	if err := e.appendMessage(ctx, threadID, result, assistantMsg); err != nil {
		e.logger.Warn("Failed to record assistant message", "thread_id", threadID, "error", err)
	}
	return result, &assistantMsg, nil
}

// Status returns the head session row together with the latest checkpointed
// state and cursor.
func (e *Engine) Status(ctx context.Context, threadID string) (*ThreadStatus, error) {
	sess, err := e.sessions.Get(ctx, threadID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("thread %s: %w", threadID, ErrSessionNotFound)
		}
		return nil, fmt.Errorf("load session: %w", err)
	}
	cp, err := e.loadThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	return &ThreadStatus{
		ThreadID:  threadID,
		Session:   sess,
		State:     cp.State,
		NextStage: cp.NextStage,
	}, nil
}

// ActiveRuns reports how many runs this process is currently executing.
func (e *Engine) ActiveRuns() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// Stop drains active runs: each finishes its current stage, checkpoints, and
// releases its claim as interrupted. When ctx expires before the drain
// completes, in-flight stage calls are cancelled hard and runs exit at the
// next error check.
func (e *Engine) Stop(ctx context.Context) {
	e.stopOnce.Do(func() { close(e.stopCh) })

	if n := e.ActiveRuns(); n > 0 {
		e.logger.Info("Draining active workflow runs", "active", n)
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		e.logger.Warn("Drain budget exceeded, cancelling runs", "active", e.ActiveRuns())
		e.cancelBase()
		<-done
	}
	e.cancelBase()
	e.logger.Info("Workflow engine stopped")
}

func (e *Engine) stopping() bool {
	select {
	case <-e.stopCh:
		return true
	default:
		return false
	}
}

// loadThread fetches the latest checkpoint, mapping a missing thread to the
// not-found sentinel.
func (e *Engine) loadThread(ctx context.Context, threadID string) (*models.Checkpoint, error) {
	cp, err := e.sessions.LatestCheckpoint(ctx, threadID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("thread %s: %w", threadID, ErrSessionNotFound)
		}
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	return cp, nil
}

// execute claims the thread for a new run, executes it on the engine's
// lifecycle context, and blocks until the run reaches a boundary. The
// caller's context only covers the claim itself; a disconnected caller does
// not stop the run.
func (e *Engine) execute(ctx context.Context, threadID string, cp models.Checkpoint, logOffset int, allowed ...models.SessionStatus) (*RunResult, error) {
	runID := ulid.Make().String()
	if err := e.sessions.ClaimRun(ctx, threadID, runID, allowed...); err != nil {
		switch {
		case errors.Is(err, store.ErrConcurrentModification):
			return nil, fmt.Errorf("thread %s: %w", threadID, ErrRunActive)
		case errors.Is(err, store.ErrNotFound):
			return nil, fmt.Errorf("thread %s: %w", threadID, ErrSessionNotFound)
		default:
			return nil, fmt.Errorf("claim run: %w", err)
		}
	}

	outcomeCh := make(chan runOutcome, 1)
	e.registerRun(threadID, runID)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.unregisterRun(threadID)
		outcomeCh <- e.runClaimed(threadID, runID, cp)
	}()

	out := <-outcomeCh
	if out.err != nil {
		return nil, out.err
	}

	newLogs := []string{}
	if logOffset <= len(out.state.Logs) {
		newLogs = out.state.Logs[logOffset:]
	}
	return &RunResult{
		ThreadID:  threadID,
		RunID:     runID,
		State:     out.state,
		NextStage: out.next,
		Status:    out.status,
		NewLogs:   newLogs,
	}, nil
}

type runOutcome struct {
	state  models.SessionState
	next   models.Stage
	status models.SessionStatus
	err    error
}

// runClaimed drives one claimed run to a boundary and releases the claim
// with the matching terminal status. It always runs on the engine context:
// by the time this returns, the thread's head row and checkpoints agree.
func (e *Engine) runClaimed(threadID, runID string, cp models.Checkpoint) runOutcome {
	runCtx, cancel := context.WithTimeout(e.baseCtx, e.cfg.Workflow.RunTimeout)
	defer cancel()

	logger := e.logger.With("thread_id", threadID, "run_id", runID)
	started := time.Now()
	state, next, err := e.runToBoundary(runCtx, threadID, runID, cp)

	// The run context may already be dead; releases and terminal events
	// use a detached context so they always land.
	relCtx, relCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer relCancel()

	switch {
	case errors.Is(err, errRunStopped),
		err != nil && e.stopping() && errors.Is(err, context.Canceled):
		logger.Info("Run interrupted by shutdown", "cursor", next)
		e.release(relCtx, threadID, runID, models.SessionStatusInterrupted)
		return runOutcome{state: state, next: next, status: models.SessionStatusInterrupted, err: ErrEngineStopped}

	case err != nil:
		logger.Error("Run failed", "cursor", next, "error", err, "elapsed", time.Since(started))
		e.release(relCtx, threadID, runID, models.SessionStatusFailed)
		if pubErr := e.events.PublishError(relCtx, threadID, err.Error()); pubErr != nil {
			logger.Warn("Failed to publish error event", "error", pubErr)
		}
		return runOutcome{state: state, next: next, status: models.SessionStatusFailed, err: err}

	case next == models.StageExtractor:
		logger.Info("Run paused for approval", "candidates", len(state.Candidates), "elapsed", time.Since(started))
		e.release(relCtx, threadID, runID, models.SessionStatusAwaitingApproval)
		e.publishDone(relCtx, threadID, logger)
		return runOutcome{state: state, next: next, status: models.SessionStatusAwaitingApproval}

	default:
		logger.Info("Run completed", "elapsed", time.Since(started))
		e.release(relCtx, threadID, runID, models.SessionStatusCompleted)
		e.publishDone(relCtx, threadID, logger)
		return runOutcome{state: state, next: next, status: models.SessionStatusCompleted}
	}
}

// errRunStopped is returned by runToBoundary when the engine began shutting
// down between stages. The thread stays resumable from its last checkpoint.
var errRunStopped = errors.New("run stopped at stage boundary")

// runToBoundary advances the cursor stage by stage until the workflow ends,
// the approval interrupt is reached, or a stage fails. State is checkpointed
// after every stage, so whatever happens next the thread can resume here.
func (e *Engine) runToBoundary(ctx context.Context, threadID, runID string, cp models.Checkpoint) (models.SessionState, models.Stage, error) {
	state := cp.State
	cursor := cp.NextStage
	rc := &runContext{
		engine:   e,
		threadID: threadID,
		runID:    runID,
		logger:   e.logger.With("thread_id", threadID, "run_id", runID),
	}

	for cursor != models.StageEnd {
		if e.stopping() {
			return state, cursor, errRunStopped
		}
		if err := ctx.Err(); err != nil {
			return state, cursor, fmt.Errorf("stage %s: %w", cursor, err)
		}

		stageStart := time.Now()
		patch, next, err := e.runStage(ctx, rc, cursor, &state)
		if err != nil {
			return state, cursor, fmt.Errorf("stage %s: %w", cursor, err)
		}

		if patch.StageTimings == nil {
			patch.StageTimings = make(map[string][]float64, 1)
		}
		patch.StageTimings[string(cursor)] = append(patch.StageTimings[string(cursor)], time.Since(stageStart).Seconds())
		state.Apply(patch)

		if _, err := e.sessions.AppendCheckpoint(ctx, models.Checkpoint{
			ThreadID:       threadID,
			StageCompleted: cursor,
			NextStage:      next,
			State:          state,
		}); err != nil {
			return state, cursor, fmt.Errorf("checkpoint after %s: %w", cursor, err)
		}
		if err := e.events.PublishStageChange(ctx, threadID, cursor, next); err != nil {
			rc.logger.Warn("Failed to publish stage change", "stage", cursor, "error", err)
		}

		// The approval interrupt: retrieval is checkpointed, extraction
		// must wait for the user.
		if cursor == models.StageRetriever {
			return state, next, nil
		}
		cursor = next
	}
	return state, models.StageEnd, nil
}

// runStage dispatches one stage handler.
func (e *Engine) runStage(ctx context.Context, rc *runContext, cursor models.Stage, state *models.SessionState) (*models.StatePatch, models.Stage, error) {
	switch cursor {
	case models.StagePlanner:
		return e.runPlanner(ctx, rc, state)
	case models.StageRetriever:
		return e.runRetriever(ctx, rc, state)
	case models.StageExtractor:
		return e.runExtractor(ctx, rc, state)
	case models.StageWriter:
		return e.runWriter(ctx, rc, state)
	case models.StageCritic:
		return e.runCritic(ctx, rc, state)
	default:
		return nil, "", fmt.Errorf("unknown stage %q", cursor)
	}
}

// appendMessage records a conversation message produced outside a stage as a
// synthetic checkpoint, keeping result.State in sync with what was stored.
func (e *Engine) appendMessage(ctx context.Context, threadID string, result *RunResult, msg models.ConversationMessage) error {
	result.State.Apply(&models.StatePatch{Messages: []models.ConversationMessage{msg}})
	_, err := e.sessions.AppendCheckpoint(ctx, models.Checkpoint{
		ThreadID:       threadID,
		StageCompleted: models.StageStart,
		NextStage:      result.NextStage,
		State:          result.State,
	})
	return err
}

func (e *Engine) release(ctx context.Context, threadID, runID string, status models.SessionStatus) {
	if err := e.sessions.ReleaseRun(ctx, threadID, runID, status); err != nil {
		e.logger.Error("Failed to release run",
			"thread_id", threadID,
			"run_id", runID,
			"status", status,
			"error", err)
	}
}

func (e *Engine) publishDone(ctx context.Context, threadID string, logger *slog.Logger) {
	if err := e.events.PublishDone(ctx, threadID); err != nil {
		logger.Warn("Failed to publish done event", "error", err)
	}
}

func (e *Engine) registerRun(threadID, runID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.active[threadID] = runID
}

func (e *Engine) unregisterRun(threadID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.active, threadID)
}

// approveCandidates returns a copy of candidates with the papers named in
// paperIDs marked approved, plus how many ids matched.
func approveCandidates(candidates []models.Paper, paperIDs []string) ([]models.Paper, int) {
	requested := make(map[string]bool, len(paperIDs))
	for _, id := range paperIDs {
		requested[id] = true
	}

	out := make([]models.Paper, len(candidates))
	copy(out, candidates)
	matched := 0
	for i := range out {
		if requested[out[i].PaperID] {
			out[i].IsApproved = true
			matched++
		}
	}
	return out, matched
}

// runContext carries per-run identity into stage handlers.
type runContext struct {
	engine   *Engine
	threadID string
	runID    string
	logger   *slog.Logger
}

// log records one workflow progress line: appended to the patch (it is part
// of session state) and published to the thread's event channel for streams.
func (rc *runContext) log(ctx context.Context, patch *models.StatePatch, stage models.Stage, line string) {
	patch.Logs = append(patch.Logs, line)
	rc.logger.Info(line, "stage", stage)
	if err := rc.engine.events.PublishLog(ctx, rc.threadID, stage, line); err != nil {
		rc.logger.Warn("Failed to publish log event", "stage", stage, "error", err)
	}
}
