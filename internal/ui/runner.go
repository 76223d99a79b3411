package ui

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"
)

// RunnerConfig describes a multi-step command
type RunnerConfig struct {
	Title     string   // e.g., "Apply profile"
	Command   string   // e.g., "dps150 profile apply usb5v"
	Params    []Field  // shown in the header
	StepNames []string // one per step
	Output    io.Writer
	Width     int // zero uses the terminal width
}

// Operation performs the work, reporting each step through onStep, and
// returns details for the success box.
type Operation func(ctx context.Context, onStep StepCallback) ([]Field, error)

// Runner drives the header, step list and result box for one command.
type Runner struct {
	config   RunnerConfig
	progress *Progress
	out      io.Writer
	width    int
}

// NewRunner creates a runner for config
func NewRunner(config RunnerConfig) *Runner {
	out := config.Output
	if out == nil {
		out = os.Stdout
	}
	width := config.Width
	if width == 0 {
		width = GetTerminalWidth()
	}
	return &Runner{
		config:   config,
		progress: NewProgress(config.StepNames...).SetWidth(width),
		out:      out,
		width:    width,
	}
}

// Progress exposes the step tracker
func (r *Runner) Progress() *Progress { return r.progress }

// Run prints the header, executes op and prints the outcome.
func (r *Runner) Run(ctx context.Context, op Operation) error {
	start := time.Now()

	_, _ = fmt.Fprintln(r.out, NewHeader(r.config.Title, r.config.Command, r.config.Params...).SetWidth(r.width).Render())
	_, _ = fmt.Fprintln(r.out)

	details, err := op(ctx, r.onStep)
	duration := time.Since(start).Round(time.Millisecond).String()

	_, _ = fmt.Fprintln(r.out)
	if err != nil {
		res := NewFailureResult(r.config.Title+" failed", err).SetWidth(r.width)
		res.AddDetail("Duration", duration)
		_, _ = fmt.Fprintln(r.out, res.Render())
		return err
	}

	res := NewSuccessResult(r.config.Title+" complete", details...).SetWidth(r.width)
	res.AddDetail("Duration", duration)
	_, _ = fmt.Fprintln(r.out, res.Render())
	return nil
}

func (r *Runner) onStep(n int, status StepStatus, message string) {
	r.progress.UpdateStep(n, status, message)
	if n < 1 || n > len(r.progress.Steps) {
		return
	}
	line := r.progress.RenderStep(r.progress.Steps[n-1])
	if status == StepRunning {
		// Overwritten by the final status line
		_, _ = fmt.Fprint(r.out, line+"\r")
		return
	}
	_, _ = fmt.Fprintln(r.out, line)
}
