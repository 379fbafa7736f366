// Package executor spawns validated tool commands, either blocking with
// output captured in memory or detached with output redirected to scratch
// files. Every command is re-validated before it is started.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"slices"
	"time"

	"github.com/anstrom/scanpilot/internal/command"
	scanerrors "github.com/anstrom/scanpilot/internal/errors"
	"github.com/anstrom/scanpilot/internal/logging"
	"github.com/anstrom/scanpilot/internal/tools"
)

const waitDelay = 2 * time.Second

// RawOutput is the captured result of a finished process. Stdout and Stderr
// are bounded by the policy's output limit.
type RawOutput struct {
	OK       bool   `json:"ok"`
	Tool     string `json:"tool"`
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// Handle describes a detached process and its two output sinks.
type Handle struct {
	Command    command.Resolved
	Process    *Process
	StdoutPath string
	StderrPath string
	StartedAt  time.Time
}

// Executor runs resolved commands.
type Executor struct {
	validator  *command.Validator
	policy     *tools.Policy
	scratchDir string
	logger     *logging.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithScratchDir sets where async output sinks are created. Empty means
// the system temp directory.
func WithScratchDir(dir string) Option {
	return func(e *Executor) { e.scratchDir = dir }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// New creates an executor bound to validator and its policy.
func New(validator *command.Validator, opts ...Option) *Executor {
	e := &Executor{validator: validator, policy: validator.Policy()}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = logging.OrDefault(e.logger).WithComponent("executor")
	return e
}

// Policy returns the tool policy in effect.
func (e *Executor) Policy() *tools.Policy {
	return e.policy
}

// RunSync runs r and waits for it to exit or for timeout to elapse. A zero
// timeout uses the tool's default. On timeout the process group is killed
// and a TIMEOUT error is returned instead of output.
func (e *Executor) RunSync(ctx context.Context, r command.Resolved, timeout time.Duration) (*RawOutput, error) {
	r, err := e.validator.Revalidate(r)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = e.policy.Timeout(r.Tool)
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	limit := e.policy.MaxOutput()
	stdout := newBoundedBuffer(limit)
	stderr := newBoundedBuffer(limit)

	cmd := exec.CommandContext(runCtx, r.Path, r.Args[1:]...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = waitDelay
	setProcessGroup(cmd)
	cmd.Cancel = func() error {
		return ignoreGone(signalGroup(cmd.Process.Pid, true))
	}

	logger := e.logger.WithTool(string(r.Tool))
	logger.Debug("Starting process", "argv", r.Args, "timeout", timeout)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, scanerrors.ErrSpawn(string(r.Tool), err)
	}
	waitErr := cmd.Wait()

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		logger.Warn("Process timed out", "pid", cmd.Process.Pid, "timeout", timeout)
		return nil, scanerrors.ErrTimeout(string(r.Tool), timeout)
	}
	if ctx.Err() != nil {
		return nil, scanerrors.WrapScanError(scanerrors.CodeUnknown, "execution cancelled", ctx.Err()).
			WithOperation("execute")
	}

	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		return nil, scanerrors.ErrSpawn(string(r.Tool), waitErr)
	}

	out := &RawOutput{
		Tool:     string(r.Tool),
		ExitCode: cmd.ProcessState.ExitCode(),
		Stdout:   e.policy.Truncate(stdout.String()),
		Stderr:   e.policy.Truncate(stderr.String()),
	}
	out.OK = out.ExitCode == 0
	logger.Debug("Process finished", "exit_code", out.ExitCode, "duration", time.Since(start))
	return out, nil
}

// RunAsync starts r detached with stdout and stderr redirected to two new
// scratch files and returns immediately. Flags the tool needs to run
// non-interactively are appended when missing.
func (e *Executor) RunAsync(r command.Resolved) (*Handle, error) {
	r, err := e.validator.Revalidate(r)
	if err != nil {
		return nil, err
	}

	var missing []string
	for _, f := range e.policy.ForcedArgs(r.Tool) {
		if !slices.Contains(r.Args, f) {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		if r, err = e.validator.WithArgs(r, missing...); err != nil {
			return nil, err
		}
	}

	stdoutFile, err := os.CreateTemp(e.scratchDir, fmt.Sprintf("scanpilot-%s-*.out", r.Tool))
	if err != nil {
		return nil, scanerrors.ErrSpawn(string(r.Tool), fmt.Errorf("create stdout sink: %w", err))
	}
	stderrFile, err := os.CreateTemp(e.scratchDir, fmt.Sprintf("scanpilot-%s-*.err", r.Tool))
	if err != nil {
		_ = stdoutFile.Close()
		_ = removeSink(stdoutFile.Name())
		return nil, scanerrors.ErrSpawn(string(r.Tool), fmt.Errorf("create stderr sink: %w", err))
	}
	// The child holds its own descriptors once started.
	defer func() {
		_ = stdoutFile.Close()
		_ = stderrFile.Close()
	}()

	cmd := exec.Command(r.Path, r.Args[1:]...)
	cmd.Stdout = stdoutFile
	cmd.Stderr = stderrFile

	proc, err := startProcess(cmd)
	if err != nil {
		_ = removeSink(stdoutFile.Name())
		_ = removeSink(stderrFile.Name())
		return nil, scanerrors.ErrSpawn(string(r.Tool), err)
	}

	h := &Handle{
		Command:    r,
		Process:    proc,
		StdoutPath: stdoutFile.Name(),
		StderrPath: stderrFile.Name(),
		StartedAt:  time.Now(),
	}
	e.logger.Info("Started detached process",
		"tool", r.Tool, "pid", proc.PID, "stdout", h.StdoutPath, "stderr", h.StderrPath)
	return h, nil
}

// Collect reads both sinks of a finished handle. It does not remove them.
func (e *Executor) Collect(h *Handle) (*RawOutput, error) {
	stdout, err := readBounded(h.StdoutPath, e.policy.MaxOutput())
	if err != nil {
		return nil, fmt.Errorf("read stdout sink: %w", err)
	}
	stderr, err := readBounded(h.StderrPath, e.policy.MaxOutput())
	if err != nil {
		return nil, fmt.Errorf("read stderr sink: %w", err)
	}
	code := h.Process.ExitCode()
	return &RawOutput{
		OK:       code == 0,
		Tool:     string(h.Command.Tool),
		ExitCode: code,
		Stdout:   e.policy.Truncate(stdout),
		Stderr:   e.policy.Truncate(stderr),
	}, nil
}

// Release removes both sinks of h. Already removed paths are not an error.
func Release(h *Handle) error {
	return errors.Join(removeSink(h.StdoutPath), removeSink(h.StderrPath))
}

func removeSink(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// readBounded reads at most limit+1 bytes so Truncate can tell a cut happened.
func readBounded(path string, limit int) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, int64(limit)+1))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// boundedBuffer keeps the first limit+1 bytes written and discards the rest
// while reporting full writes, so a chatty tool cannot exhaust memory.
type boundedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func newBoundedBuffer(limit int) *boundedBuffer {
	return &boundedBuffer{limit: limit + 1}
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *boundedBuffer) String() string {
	return b.buf.String()
}
