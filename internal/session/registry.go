package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/kandev/browserpilot/internal/common/config"
	"github.com/kandev/browserpilot/internal/common/constants"
	"github.com/kandev/browserpilot/internal/common/logger"
	"github.com/kandev/browserpilot/internal/engine"
	"github.com/kandev/browserpilot/internal/events"
	"github.com/kandev/browserpilot/internal/llm"
	"github.com/kandev/browserpilot/internal/task/models"
	"github.com/kandev/browserpilot/internal/task/status"
)

var (
	// ErrStreamingDisabled is returned by Subscribe when the registry has no broadcaster.
	ErrStreamingDisabled = errors.New("event streaming is not configured")
	// ErrSessionActive is returned by DeleteTask while the task has a live session.
	ErrSessionActive = errors.New("task has an active session")
)

// Config configures the registry and the runners it launches.
type Config struct {
	Session    config.SessionConfig
	Model      llm.Settings
	Engine     engine.Options
	EngineType string
}

func (c Config) withDefaults() Config {
	s := &c.Session
	if s.PollInterval <= 0 {
		s.PollInterval = time.Second
	}
	if s.PauseInterval <= 0 {
		s.PauseInterval = 500 * time.Millisecond
	}
	if s.StopGracePeriod <= 0 {
		s.StopGracePeriod = 10 * time.Second
	}
	if s.CancelGracePeriod <= 0 {
		s.CancelGracePeriod = 5 * time.Second
	}
	if s.CleanupTimeout <= 0 {
		s.CleanupTimeout = 10 * time.Second
	}
	return c
}

// Session is the in-memory record of one live run.
type Session struct {
	TaskID    string
	Prompt    string
	StartedAt time.Time

	status  models.TaskStatus // guarded by Registry.mu
	control *ControlSignal
	done    chan struct{}
}

// Done is closed when the session's runner has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// TaskStatusView is the answer to a status query.
type TaskStatusView struct {
	TaskID       string            `json:"task_id"`
	Status       models.TaskStatus `json:"status"`
	ErrorMessage string            `json:"error,omitempty"`
	Result       json.RawMessage   `json:"result,omitempty"`
	Active       bool              `json:"active"`
}

// Registry owns the live sessions. At most one session exists per task id,
// and every status change it makes happens under a single lock so changes
// for a task are linearized.
type Registry struct {
	store       *status.Store
	factory     engine.Factory
	broadcaster *Broadcaster
	cfg         Config
	slots       *semaphore.Weighted
	logger      *logger.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
	wg       sync.WaitGroup
}

// NewRegistry creates a Registry. broadcaster may be nil when streaming is
// not needed.
func NewRegistry(store *status.Store, factory engine.Factory, broadcaster *Broadcaster, cfg Config, log *logger.Logger) *Registry {
	cfg = cfg.withDefaults()
	var slots *semaphore.Weighted
	if cfg.Session.MaxConcurrent > 0 {
		slots = semaphore.NewWeighted(int64(cfg.Session.MaxConcurrent))
	}
	return &Registry{
		store:       store,
		factory:     factory,
		broadcaster: broadcaster,
		cfg:         cfg,
		slots:       slots,
		logger:      log.WithComponent("session-registry"),
		sessions:    make(map[string]*Session),
	}
}

// Start launches a session for taskID. The task is created as pending when
// it does not exist. It returns false when a session already exists, the
// task is not pending, or the status write fails.
func (r *Registry) Start(ctx context.Context, taskID, prompt string) bool {
	if taskID == "" {
		return false
	}
	log := r.logger.WithTaskID(taskID)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		log.Warn("Rejecting start after shutdown")
		return false
	}
	if _, exists := r.sessions[taskID]; exists {
		log.Info("Session already active")
		return false
	}

	task, err := r.store.EnsureTask(ctx, taskID, prompt)
	if err != nil {
		log.Error("Failed to load task", zap.Error(err))
		return false
	}
	if task.Status != models.TaskStatusPending {
		log.Info("Task cannot be started", zap.String("status", string(task.Status)))
		return false
	}
	if _, err := r.store.Transition(ctx, taskID, models.TaskStatusRunning); err != nil {
		log.Error("Failed to mark task running", zap.Error(err))
		return false
	}

	sess := &Session{
		TaskID:    taskID,
		Prompt:    task.Prompt,
		StartedAt: time.Now().UTC(),
		status:    models.TaskStatusRunning,
		control:   NewControlSignal(),
		done:      make(chan struct{}),
	}
	r.sessions[taskID] = sess
	recordSessionStarted()

	run := &runner{
		sess:    sess,
		store:   r.store,
		factory: r.factory,
		cfg:     r.cfg,
		slots:   r.slots,
		monitor: NewMonitor(r.cfg.Session.MaxSteps),
		logger:  log.WithComponent("session-runner"),
		finish:  r.finish,
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		run.run()
	}()

	log.Info("Session started")
	return true
}

// Pause asks the session to hold at its next poll. It returns false when no
// session exists.
func (r *Registry) Pause(ctx context.Context, taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[taskID]
	if !ok || sess.control.IsStopped() {
		return false
	}
	if sess.status == models.TaskStatusPaused {
		return true
	}
	if _, err := r.store.Transition(ctx, taskID, models.TaskStatusPaused); err != nil {
		r.logger.WithTaskID(taskID).Error("Failed to mark task paused", zap.Error(err))
		return false
	}
	sess.status = models.TaskStatusPaused
	sess.control.Pause()
	return true
}

// Resume releases a paused session. It returns false when no session exists.
func (r *Registry) Resume(ctx context.Context, taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[taskID]
	if !ok || sess.control.IsStopped() {
		return false
	}
	if sess.status == models.TaskStatusRunning {
		return true
	}
	if _, err := r.store.Transition(ctx, taskID, models.TaskStatusRunning); err != nil {
		r.logger.WithTaskID(taskID).Error("Failed to mark task running", zap.Error(err))
		return false
	}
	sess.status = models.TaskStatusRunning
	sess.control.Resume()
	return true
}

// Stop ends a session. It waits up to the stop grace period for the runner
// to exit, drops the session either way and marks the task failed. It
// returns false when no session exists.
func (r *Registry) Stop(ctx context.Context, taskID string) bool {
	log := r.logger.WithTaskID(taskID)

	r.mu.Lock()
	sess, ok := r.sessions[taskID]
	r.mu.Unlock()
	if !ok {
		return false
	}

	sess.control.Stop()

	timer := time.NewTimer(r.cfg.Session.StopGracePeriod)
	defer timer.Stop()
	select {
	case <-sess.done:
	case <-timer.C:
		log.Warn("Runner did not exit within the stop grace period, removing session",
			zap.Duration("grace_period", r.cfg.Session.StopGracePeriod))
	case <-ctx.Done():
		log.Warn("Stop wait abandoned, removing session", zap.Error(ctx.Err()))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(sess, outcomeStopped)
	r.failLocked(taskID, constants.StopMessage)
	log.Info("Session stopped")
	return true
}

// Status returns the status of the live session for taskID.
func (r *Registry) Status(taskID string) (models.TaskStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[taskID]
	if !ok {
		return "", false
	}
	return sess.status, true
}

// ListActive returns a snapshot of every live session's status.
func (r *Registry) ListActive() map[string]models.TaskStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]models.TaskStatus, len(r.sessions))
	for id, sess := range r.sessions {
		out[id] = sess.status
	}
	return out
}

// DeleteTask removes a task and its steps. It holds the registry lock so a
// concurrent Start cannot launch a session for a task being deleted.
func (r *Registry) DeleteTask(ctx context.Context, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, live := r.sessions[taskID]; live {
		return fmt.Errorf("%w: %s", ErrSessionActive, taskID)
	}
	return r.store.DeleteTask(ctx, taskID)
}

// GetStatus reads the persisted task and reports whether a session is live.
func (r *Registry) GetStatus(ctx context.Context, taskID string) (*TaskStatusView, error) {
	task, err := r.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	_, active := r.Status(taskID)
	return &TaskStatusView{
		TaskID:       task.ID,
		Status:       task.Status,
		ErrorMessage: task.ErrorMessage,
		Result:       task.Result,
		Active:       active,
	}, nil
}

// Subscribe streams the task's step and status events. The channel closes
// after the terminal status event. A task that already ended yields its
// final status and a closed channel.
func (r *Registry) Subscribe(ctx context.Context, taskID string) (*ChannelSubscriber, error) {
	if r.broadcaster == nil {
		return nil, ErrStreamingDisabled
	}
	if _, err := r.store.GetTask(ctx, taskID); err != nil {
		return nil, err
	}

	sub := NewChannelSubscriber(DefaultSubscriberBuffer)
	r.broadcaster.Subscribe(taskID, sub)

	// Re-read after registering so a terminal write between the two reads
	// cannot leave the stream open.
	task, err := r.store.GetTask(ctx, taskID)
	if err != nil {
		r.Unsubscribe(taskID, sub)
		return nil, err
	}
	if task.Status.IsTerminal() {
		_ = sub.Deliver(events.NewStatusEvent(task))
		r.Unsubscribe(taskID, sub)
	}
	return sub, nil
}

// Unsubscribe detaches and closes sub. Safe to call more than once.
func (r *Registry) Unsubscribe(taskID string, sub *ChannelSubscriber) {
	if r.broadcaster != nil {
		r.broadcaster.Unsubscribe(taskID, sub.ID())
	}
	sub.Close()
}

// Shutdown stops every live session and waits for their runners, bounded by ctx.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	r.closed = true
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	if len(ids) > 0 {
		r.logger.Info("Stopping active sessions", zap.Int("count", len(ids)))
	}
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			r.Stop(ctx, id)
		}(id)
	}
	wg.Wait()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		r.logger.Warn("Runners still active at shutdown", zap.Error(ctx.Err()))
	}
}

// finish is the runner's way back into the registry.
func (r *Registry) finish(sess *Session, out outcome) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sess.control.IsStopped() {
		out = stoppedOutcome()
	}
	if out.kind == outcomeCompleted && sess.status == models.TaskStatusPaused && r.sessions[sess.TaskID] == sess {
		return false
	}

	switch out.kind {
	case outcomeCompleted:
		ctx, cancel := context.WithTimeout(context.Background(), constants.StatusWriteTimeout)
		defer cancel()
		if _, err := r.store.Complete(ctx, sess.TaskID, out.result); err != nil {
			r.logger.WithTaskID(sess.TaskID).Error("Failed to mark task completed", zap.Error(err))
		}
	default:
		r.failLocked(sess.TaskID, out.message)
	}
	r.removeLocked(sess, out.kind)
	return true
}

func (r *Registry) failLocked(taskID, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), constants.StatusWriteTimeout)
	defer cancel()
	if _, err := r.store.Fail(ctx, taskID, message); err != nil {
		r.logger.WithTaskID(taskID).Error("Failed to mark task failed", zap.Error(err))
	}
}

func (r *Registry) removeLocked(sess *Session, kind outcomeKind) {
	if current, ok := r.sessions[sess.TaskID]; ok && current == sess {
		delete(r.sessions, sess.TaskID)
		recordSessionFinished(kind)
	}
}
