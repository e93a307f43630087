// Package bridge runs an external automation runner as a subprocess and
// speaks a line-delimited JSON protocol with it over stdin and stdout.
package bridge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/browserpilot/internal/common/logger"
	"github.com/kandev/browserpilot/internal/engine"
	"github.com/kandev/browserpilot/internal/llm"
)

const (
	maxLineSize        = 4 * 1024 * 1024
	readBufferSize     = 64 * 1024
	previewLen         = 256
	stderrTailLen      = 2048
	waitDelay          = 2 * time.Second
	outputDrainTimeout = 2 * time.Second
)

// Config locates the runner executable.
type Config struct {
	Command string
	Args    []string
	WorkDir string
}

// Engine is one runner process.
type Engine struct {
	cfg     Config
	task    string
	model   llm.Settings
	opts    engine.Options
	logger  *logger.Logger
	history engine.HistoryLog

	mu      sync.Mutex
	stdin   io.WriteCloser
	cmd     *exec.Cmd
	started bool
	exited  chan struct{}
}

var (
	_ engine.Engine   = (*Engine)(nil)
	_ engine.Pausable = (*Engine)(nil)
)

// Run starts the runner and blocks until it exits.
func (e *Engine) Run(ctx context.Context, maxSteps int) (*engine.Result, error) {
	cmd := exec.CommandContext(ctx, e.cfg.Command, e.cfg.Args...)
	cmd.Dir = e.cfg.WorkDir
	cmd.Env = append(os.Environ(), e.model.Env()...)
	cmd.WaitDelay = waitDelay

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open runner stdin: %w", err)
	}
	// stdout is an *os.File so Wait never blocks on a copy goroutine and
	// the read end can be closed once the runner is gone.
	stdout, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open runner stdout: %w", err)
	}
	defer func() { _ = stdout.Close() }()
	cmd.Stdout = stdoutW
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		_ = stdoutW.Close()
		return nil, errors.New("runner already started")
	}
	if err := cmd.Start(); err != nil {
		e.mu.Unlock()
		_ = stdoutW.Close()
		return nil, fmt.Errorf("failed to start runner %s: %w", e.cfg.Command, err)
	}
	_ = stdoutW.Close()
	e.started = true
	e.cmd = cmd
	e.stdin = stdin
	e.mu.Unlock()
	defer close(e.exited)

	e.logger.Info("Runner started", zap.Int("pid", cmd.Process.Pid), zap.String("command", e.cfg.Command))

	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()

	var out output
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		out = e.readOutput(stdout)
	}()

	if err := e.send(command{
		Type:     msgStart,
		Task:     e.task,
		MaxSteps: maxSteps,
		LLM:      &e.model,
		Browser:  &e.opts,
	}); err != nil {
		e.logger.Warn("Failed to send start message", zap.Error(err))
	}

	var waitErr error
	select {
	case <-readDone:
		waitErr = <-waitDone
	case waitErr = <-waitDone:
		// A child of the runner may still hold stdout open.
		select {
		case <-readDone:
		case <-time.After(outputDrainTimeout):
			e.logger.Warn("Runner output still open after exit, closing")
			_ = stdout.Close()
			<-readDone
		}
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if out.err != nil {
		return out.result, out.err
	}
	if out.result != nil {
		return out.result, nil
	}
	if waitErr != nil {
		return nil, fmt.Errorf("runner exited: %w: %s", waitErr, tail(stderr.String()))
	}
	return nil, errors.New("runner exited without a result")
}

// output is what the runner reported on stdout.
type output struct {
	result *engine.Result
	err    error
}

// readOutput consumes stdout until EOF or until the pipe is closed.
func (e *Engine) readOutput(r io.Reader) output {
	var out output
	reader := bufio.NewReaderSize(r, readBufferSize)
	for {
		line, size, readErr := readLine(reader, maxLineSize)
		if size > maxLineSize {
			e.oversized(line, size)
		} else if line = bytes.TrimSpace(line); len(line) > 0 {
			e.handleLine(line, &out)
		}
		if readErr != nil {
			if !errors.Is(readErr, io.EOF) && !errors.Is(readErr, os.ErrClosed) {
				e.logger.Warn("Runner output read failed", zap.Error(readErr))
			}
			return out
		}
	}
}

func (e *Engine) handleLine(line []byte, out *output) {
	var msg message
	if err := json.Unmarshal(line, &msg); err != nil {
		e.logger.Debug("Runner output", zap.ByteString("line", line))
		return
	}
	switch msg.Type {
	case msgHistory:
		e.history.Append(decodeEntry(msg.Entry))
	case msgResult:
		out.result = msg.Result
	case msgError:
		out.err = errors.New(msg.Error)
		if msg.ResourceClosed {
			out.err = fmt.Errorf("%s: %w", msg.Error, engine.ErrResourceClosed)
		}
	case msgLog:
		e.logger.Debug("Runner log", zap.String("message", msg.Message))
	default:
		e.logger.Debug("Unknown runner message", zap.String("type", msg.Type))
	}
}

// oversized records a line that exceeded maxLineSize. History lines keep a
// raw preview so the step still shows up; anything else is only logged.
func (e *Engine) oversized(head []byte, size int) {
	e.logger.Warn("Runner output line too long, skipped", zap.Int("bytes", size))
	if !bytes.Contains(head, []byte(`"`+msgHistory+`"`)) {
		return
	}
	raw, err := json.Marshal(map[string]interface{}{
		"truncated": true,
		"bytes":     size,
		"preview":   string(head),
	})
	if err != nil {
		return
	}
	e.history.Append(engine.Entry{Raw: raw})
}

// readLine returns the next line. When the line is longer than limit the
// rest of it is discarded, size reports the full length and line holds only
// the first previewLen bytes.
func readLine(r *bufio.Reader, limit int) ([]byte, int, error) {
	var (
		line []byte
		size int
	)
	for {
		chunk, err := r.ReadSlice('\n')
		size += len(chunk)
		switch {
		case size <= limit:
			line = append(line, chunk...)
		case len(line) > previewLen:
			line = line[:previewLen]
		case len(line) < previewLen:
			n := previewLen - len(line)
			if n > len(chunk) {
				n = len(chunk)
			}
			line = append(line, chunk[:n]...)
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return line, size, err
	}
}

func (e *Engine) send(c command) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stdin == nil {
		return engine.ErrResourceClosed
	}
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	_, err = e.stdin.Write(append(data, '\n'))
	return err
}

// History returns the entries received so far.
func (e *Engine) History() engine.History {
	return &e.history
}

// Pause asks the runner to hold at its next step boundary.
func (e *Engine) Pause() {
	if err := e.send(command{Type: msgPause}); err != nil {
		e.logger.Debug("Pause not delivered", zap.Error(err))
	}
}

// Resume releases a paused runner.
func (e *Engine) Resume() {
	if err := e.send(command{Type: msgResume}); err != nil {
		e.logger.Debug("Resume not delivered", zap.Error(err))
	}
}

// Close asks the runner to close its browser and exit, killing it when ctx
// expires first.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	started := e.started
	e.mu.Unlock()
	if !started {
		return nil
	}

	select {
	case <-e.exited:
		return nil
	default:
	}

	_ = e.send(command{Type: msgClose})
	e.mu.Lock()
	if e.stdin != nil {
		_ = e.stdin.Close()
		e.stdin = nil
	}
	e.mu.Unlock()

	select {
	case <-e.exited:
		return nil
	case <-ctx.Done():
		e.mu.Lock()
		proc := e.cmd.Process
		e.mu.Unlock()
		if proc != nil {
			_ = proc.Kill()
		}
		return fmt.Errorf("runner did not exit: %w", ctx.Err())
	}
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > stderrTailLen {
		return s[len(s)-stderrTailLen:]
	}
	return s
}

// Factory starts one runner process per task.
type Factory struct {
	cfg    Config
	logger *logger.Logger
}

// NewFactory creates a bridge Factory.
func NewFactory(cfg Config, log *logger.Logger) *Factory {
	return &Factory{cfg: cfg, logger: log.WithComponent("bridge-engine")}
}

func (f *Factory) New(ctx context.Context, task string, model llm.Settings, opts engine.Options) (engine.Engine, error) {
	if f.cfg.Command == "" {
		return nil, errors.New("bridge engine: no runner command configured")
	}
	if _, err := exec.LookPath(f.cfg.Command); err != nil {
		return nil, fmt.Errorf("bridge engine: %w", err)
	}
	return &Engine{
		cfg:    f.cfg,
		task:   task,
		model:  model,
		opts:   opts,
		logger: f.logger,
		exited: make(chan struct{}),
	}, nil
}
