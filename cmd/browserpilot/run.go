package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kandev/browserpilot/internal/common/constants"
	"github.com/kandev/browserpilot/internal/events"
	"github.com/kandev/browserpilot/internal/task/models"
)

type runOptions struct {
	prompt   string
	scenario string
	jsonOut  bool
}

func newRunCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one task and stream its steps",
		Long: `Run a single task in-process and print its steps as they happen.
The command exits once the task completes or fails. Ctrl-C stops the task.`,
		Example: `  browserpilot run --prompt "find the cheapest flight to Lisbon"
  browserpilot run --prompt "demo" --scenario configs/scenarios/demo.yaml --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTask(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.prompt, "prompt", "", "natural-language task")
	cmd.Flags().StringVar(&opts.scenario, "scenario", "", "replay a scripted scenario file instead of driving a browser")
	cmd.Flags().BoolVar(&opts.jsonOut, "json", false, "print events as JSON lines")
	_ = cmd.MarkFlagRequired("prompt")
	return cmd
}

func runTask(cmd *cobra.Command, opts runOptions) error {
	cc, err := mustCLIContext(cmd)
	if err != nil {
		return err
	}
	cfg, log := cc.cfg, cc.log

	if opts.scenario != "" {
		cfg.Engine.Type = "scripted"
		cfg.Engine.ScenarioPath = opts.scenario
	}

	a, err := buildApp(cfg, log)
	if err != nil {
		return err
	}
	defer a.shutdown()

	ctx := cmd.Context()
	task, err := a.store.CreateTask(ctx, opts.prompt)
	if err != nil {
		return err
	}
	sub, err := a.registry.Subscribe(ctx, task.ID)
	if err != nil {
		return err
	}
	defer a.registry.Unsubscribe(task.ID, sub)

	if !a.registry.Start(ctx, task.ID, "") {
		return fmt.Errorf("task %s was not started", task.ID)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)
	go func() {
		if _, ok := <-quit; ok {
			log.Info("Stopping task", zap.String("task_id", task.ID))
			a.registry.Stop(context.Background(), task.ID)
		}
	}()

	out := cmd.OutOrStdout()
	for ev := range sub.Events() {
		if err := printEvent(out, ev, opts.jsonOut); err != nil {
			return err
		}
	}

	readCtx, cancel := context.WithTimeout(context.Background(), constants.StatusReadTimeout)
	defer cancel()
	final, err := a.store.GetTask(readCtx, task.ID)
	if err != nil {
		return err
	}
	return finalError(final)
}

func printEvent(w io.Writer, ev *events.TaskEvent, asJSON bool) error {
	if asJSON {
		return json.NewEncoder(w).Encode(ev)
	}
	var err error
	switch {
	case ev.Step != nil:
		_, err = fmt.Fprintf(w, "[%d] %-11s %s\n", ev.Step.Sequence, ev.Step.StepType, ev.Step.Message())
	case ev.Status != nil:
		_, err = fmt.Fprintf(w, "status: %s\n", ev.Status.Status)
		if err == nil && ev.Status.ErrorMessage != "" {
			_, err = fmt.Fprintf(w, "error: %s\n", ev.Status.ErrorMessage)
		}
		if err == nil && len(ev.Status.Result) > 0 {
			_, err = fmt.Fprintf(w, "result: %s\n", ev.Status.Result)
		}
	}
	return err
}

func finalError(task *models.Task) error {
	switch task.Status {
	case models.TaskStatusCompleted:
		return nil
	case models.TaskStatusFailed:
		return fmt.Errorf("%w: %s", errTaskFailed, task.ErrorMessage)
	default:
		return errors.New("task ended without a terminal status: " + string(task.Status))
	}
}
