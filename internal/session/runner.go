package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/kandev/browserpilot/internal/common/constants"
	"github.com/kandev/browserpilot/internal/common/logger"
	"github.com/kandev/browserpilot/internal/common/tracing"
	"github.com/kandev/browserpilot/internal/engine"
	"github.com/kandev/browserpilot/internal/task/models"
	"github.com/kandev/browserpilot/internal/task/status"
)

// ErrStoppedByUser is the cause recorded for sessions ended by Stop.
var ErrStoppedByUser = errors.New(constants.StopMessage)

// Observation steps recorded when the runner acts on a control signal.
const (
	pausedStepMessage  = "Task paused by user. Agent is waiting for resume signal."
	resumedStepMessage = "Task resumed. Agent is continuing execution."
	stoppedStepMessage = "Task stopped by user request."
)

type outcomeKind string

const (
	outcomeCompleted outcomeKind = "completed"
	outcomeFailed    outcomeKind = "failed"
	outcomeStopped   outcomeKind = "stopped"
)

type outcome struct {
	kind    outcomeKind
	message string
	result  json.RawMessage
}

func (o outcome) err() error {
	switch o.kind {
	case outcomeStopped:
		return ErrStoppedByUser
	case outcomeFailed:
		return errors.New(o.message)
	}
	return nil
}

func stoppedOutcome() outcome {
	return outcome{kind: outcomeStopped, message: constants.StopMessage}
}

func failedOutcome(msg string) outcome {
	return outcome{kind: outcomeFailed, message: msg}
}

type runResult struct {
	result *engine.Result
	err    error
}

// runner drives one session from slot acquisition to cleanup on its own
// goroutine. The registry owns the session record; the runner reports its
// outcome through finish.
type runner struct {
	sess    *Session
	store   *status.Store
	factory engine.Factory
	cfg     Config
	slots   *semaphore.Weighted
	monitor *Monitor
	logger  *logger.Logger

	// finish finalizes the task and drops the session. It reports false
	// when a completion must wait because the session is paused.
	finish func(*Session, outcome) bool
}

func (r *runner) run() {
	defer close(r.sess.done)

	ctx, span := tracing.TraceSessionRun(context.Background(), r.sess.TaskID, r.cfg.Session.MaxSteps)
	out := stoppedOutcome()
	defer func() { tracing.EndSpan(span, string(out.kind), out.err()) }()

	if !r.acquire(ctx) {
		r.logger.Info("Session stopped before an engine slot was free")
		r.finalize(ctx, out)
		return
	}
	defer r.release()

	var eng engine.Engine
	out, eng = r.execute(ctx)
	out = r.finalize(ctx, out)
	if eng != nil {
		r.cleanup(ctx, eng)
	}
	r.logger.Info("Session finished",
		zap.String("outcome", string(out.kind)),
		zap.String("error_message", out.message))
}

func (r *runner) acquire(ctx context.Context) bool {
	if r.slots == nil {
		return true
	}
	actx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-r.sess.control.StopCh():
			cancel()
		case <-actx.Done():
		}
	}()

	if err := r.slots.Acquire(actx, 1); err != nil {
		return false
	}
	recordSlot(1)
	return true
}

func (r *runner) release() {
	if r.slots == nil {
		return
	}
	r.slots.Release(1)
	recordSlot(-1)
}

// execute builds the engine, runs it and polls until it returns or the
// session is stopped.
func (r *runner) execute(ctx context.Context) (outcome, engine.Engine) {
	if r.sess.control.IsStopped() {
		return stoppedOutcome(), nil
	}

	engCtx, cancelEng := context.WithCancel(ctx)
	defer cancelEng()

	eng, err := r.factory.New(engCtx, r.sess.Prompt, r.cfg.Model, r.cfg.Engine)
	if err != nil {
		msg := err.Error()
		r.appendStep(ctx, StepDraft{Type: models.StepTypeError, Content: map[string]interface{}{
			"message": "Failed to start automation engine: " + msg,
			"error":   msg,
		}})
		return failedOutcome(msg), nil
	}
	pausable, _ := eng.(engine.Pausable)

	runDone := make(chan runResult, 1)
	go r.runEngine(engCtx, eng, runDone)

	ticker := time.NewTicker(r.cfg.Session.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.sess.control.StopCh():
			r.cancelEngine(cancelEng, runDone)
			return stoppedOutcome(), eng

		case rr := <-runDone:
			return r.afterRun(ctx, eng, rr), eng

		case <-r.sess.control.Wake():
			if r.sess.control.IsPaused() && r.hold(ctx, pausable) {
				r.cancelEngine(cancelEng, runDone)
				return stoppedOutcome(), eng
			}

		case <-ticker.C:
			if r.sess.control.IsPaused() {
				if r.hold(ctx, pausable) {
					r.cancelEngine(cancelEng, runDone)
					return stoppedOutcome(), eng
				}
				continue
			}
			if r.persistNew(ctx, eng.History()) {
				r.logger.Warn("Step cap exceeded, stopping engine", zap.Int("max_steps", r.cfg.Session.MaxSteps))
				r.cancelEngine(cancelEng, runDone)
				return failedOutcome(StepCapMessage(r.cfg.Session.MaxSteps)), eng
			}
		}
	}
}

func (r *runner) runEngine(ctx context.Context, eng engine.Engine, done chan<- runResult) {
	ctx, span := tracing.TraceEngineRun(ctx, r.sess.TaskID, r.cfg.EngineType)
	var rr runResult
	defer func() {
		if p := recover(); p != nil {
			rr = runResult{err: fmt.Errorf("engine panicked: %v", p)}
			r.logger.Error("Engine panicked", zap.Any("panic", p), zap.Stack("stack"))
		}
		tracing.EndSpan(span, "", rr.err)
		done <- rr
	}()
	rr.result, rr.err = eng.Run(ctx, r.cfg.Session.MaxSteps)
}

// hold blocks while the session is paused. Engines with step boundaries are
// told to hold as well; opaque engines keep running and their outcome waits
// in the result channel. It reports whether the session was stopped.
func (r *runner) hold(ctx context.Context, pausable engine.Pausable) bool {
	if pausable != nil {
		pausable.Pause()
	}
	r.logger.Info("Session paused")
	r.controlStep(ctx, pausedStepMessage)

	stopped := r.waitWhilePaused()
	if pausable != nil && !stopped {
		pausable.Resume()
	}
	if !stopped {
		r.logger.Info("Session resumed")
		r.controlStep(ctx, resumedStepMessage)
	}
	return stopped
}

func (r *runner) waitWhilePaused() bool {
	t := time.NewTicker(r.cfg.Session.PauseInterval)
	defer t.Stop()
	for r.sess.control.IsPaused() {
		select {
		case <-r.sess.control.StopCh():
			return true
		case <-r.sess.control.Wake():
		case <-t.C:
		}
	}
	return r.sess.control.IsStopped()
}

func (r *runner) cancelEngine(cancel context.CancelFunc, runDone <-chan runResult) {
	cancel()
	timer := time.NewTimer(r.cfg.Session.CancelGracePeriod)
	defer timer.Stop()
	select {
	case <-runDone:
	case <-timer.C:
		r.logger.Warn("Engine did not return within the cancellation grace period",
			zap.Duration("grace_period", r.cfg.Session.CancelGracePeriod))
	}
}

func (r *runner) afterRun(ctx context.Context, eng engine.Engine, rr runResult) outcome {
	if r.sess.control.IsStopped() {
		return stoppedOutcome()
	}
	if r.persistNew(ctx, eng.History()) {
		return failedOutcome(StepCapMessage(r.cfg.Session.MaxSteps))
	}

	if rr.err != nil {
		if rr.result == nil || !errors.Is(rr.err, engine.ErrResourceClosed) {
			msg := rr.err.Error()
			r.appendStep(ctx, StepDraft{Type: models.StepTypeError, Content: map[string]interface{}{
				"message": "Agent execution failed: " + msg,
				"error":   msg,
			}})
			return failedOutcome(msg)
		}
		r.logger.Info("Browser closed after the run completed, treating as success", zap.Error(rr.err))
	}

	var result json.RawMessage
	if rr.result != nil {
		data, err := json.Marshal(rr.result)
		if err != nil {
			return failedOutcome(fmt.Sprintf("failed to encode result: %v", err))
		}
		result = data
	}
	return outcome{kind: outcomeCompleted, result: result}
}

// persistNew writes steps for new history entries and reports whether the
// step cap was crossed.
func (r *runner) persistNew(ctx context.Context, h engine.History) bool {
	drafts, exceeded := r.monitor.Poll(h)
	for _, d := range drafts {
		r.appendStep(ctx, d)
	}
	return exceeded
}

func (r *runner) appendStep(ctx context.Context, d StepDraft) {
	if _, err := r.store.AppendStep(ctx, r.sess.TaskID, d.Type, d.Content); err != nil {
		r.logger.Error("Failed to persist step", zap.String("step_type", string(d.Type)), zap.Error(err))
		return
	}
	recordStep(d.Type)
}

func (r *runner) controlStep(ctx context.Context, message string) {
	r.appendStep(ctx, StepDraft{Type: models.StepTypeObservation, Content: map[string]interface{}{
		"message": message,
	}})
}

// finalize hands the outcome to the registry. A completion reached while
// paused is held until resume or stop.
func (r *runner) finalize(ctx context.Context, out outcome) outcome {
	if out.kind == outcomeStopped {
		r.controlStep(ctx, stoppedStepMessage)
	}
	for !r.finish(r.sess, out) {
		r.controlStep(ctx, pausedStepMessage)
		if r.waitWhilePaused() {
			out = stoppedOutcome()
			r.controlStep(ctx, stoppedStepMessage)
		} else {
			r.controlStep(ctx, resumedStepMessage)
		}
	}
	return out
}

func (r *runner) cleanup(ctx context.Context, eng engine.Engine) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.Session.CleanupTimeout)
	defer cancel()
	ctx, span := tracing.TraceEngineClose(ctx, r.sess.TaskID)
	err := eng.Close(ctx)
	tracing.EndSpan(span, "", err)
	if err != nil {
		r.logger.Warn("Failed to close engine resources", zap.Error(err))
	}
}
