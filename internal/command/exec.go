// Package command provides the built-in "exec" handler, which runs an
// automation script as a subprocess in its own process group.
package command

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"os/exec"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/taskrunner/internal/scheduler"
)

// HandlerKey is the registry key of the exec handler.
const HandlerKey = "exec"

// DefaultMaxOutput is the number of bytes kept from each of stdout and stderr.
const DefaultMaxOutput = 64 << 10

// Shell exit statuses meaning the command could not be run at all.
const (
	exitNotExecutable = 126
	exitNotFound      = 127
)

// Args is the payload of an exec task.
type Args struct {
	Command   string            `json:"command"`
	Args      []string          `json:"args,omitempty"`
	Dir       string            `json:"dir,omitempty"`
	Env       map[string]string `json:"env,omitempty"`        // Added to the daemon's environment
	MaxOutput int               `json:"max_output,omitempty"` // Bytes kept per stream
}

// Result is stored as the task result of a successful run.
type Result struct {
	ExitCode  int    `json:"exit_code"`
	Stdout    string `json:"stdout,omitempty"`
	Stderr    string `json:"stderr,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
	Duration  string `json:"duration"`
}

// Runner executes commands and implements scheduler.Handler.
type Runner struct {
	pm        *ProcessManager
	logger    zerolog.Logger
	maxOutput int
}

var _ scheduler.Handler = (*Runner)(nil)

// NewRunner creates a runner whose subprocesses are tracked by pm.
func NewRunner(pm *ProcessManager, logger zerolog.Logger) *Runner {
	return &Runner{
		pm:        pm,
		logger:    logger.With().Str("comp", "exec").Logger(),
		maxOutput: DefaultMaxOutput,
	}
}

// Handle runs the command described by args. A non-zero exit is a transient
// failure; malformed args and commands that cannot be found or executed are
// permanent. Cancelling ctx kills the whole process group.
func (r *Runner) Handle(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	var args Args
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, scheduler.Permanent(fmt.Errorf("invalid exec args: %w", err))
	}
	if args.Command == "" {
		return nil, scheduler.Permanent(errors.New("invalid exec args: command is required"))
	}
	limit := args.MaxOutput
	if limit <= 0 {
		limit = r.maxOutput
	}

	cmd := newCommand(ctx, args)
	start := time.Now()
	stdout, stderr, err := r.executeCommand(cmd, limit)
	res := Result{
		ExitCode:  cmd.ProcessState.ExitCode(),
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Truncated: stdout.truncated || stderr.truncated,
		Duration:  time.Since(start).Round(time.Millisecond).String(),
	}

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%s killed: %w", args.Command, ctxErr)
		}
		var exitErr *exec.ExitError
		switch {
		case errors.Is(err, exec.ErrNotFound), errors.Is(err, os.ErrNotExist), errors.Is(err, os.ErrPermission):
			return nil, scheduler.Permanent(err)
		case errors.As(err, &exitErr):
			if code := exitErr.ExitCode(); code == exitNotFound || code == exitNotExecutable {
				return nil, scheduler.Permanent(err)
			}
		}
		return nil, err
	}

	out, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("encoding result: %w", err)
	}
	return out, nil
}

// newCommand creates an exec.Cmd in its own process group. Cancelling ctx
// kills the group rather than only the direct child.
func newCommand(ctx context.Context, args Args) *exec.Cmd {
	cmd := exec.CommandContext(ctx, args.Command, args.Args...)
	cmd.Dir = args.Dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = 2 * time.Second
	if len(args.Env) > 0 {
		cmd.Env = os.Environ()
		for _, k := range slices.Sorted(maps.Keys(args.Env)) {
			cmd.Env = append(cmd.Env, k+"="+args.Env[k])
		}
	}
	return cmd
}

// executeCommand runs cmd and drains stdout and stderr concurrently so a
// chatty subprocess cannot fill a pipe and block.
func (r *Runner) executeCommand(cmd *exec.Cmd, limit int) (stdout, stderr *cappedBuffer, err error) {
	stdout = &cappedBuffer{max: limit}
	stderr = &cappedBuffer{max: limit}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return stdout, stderr, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return stdout, stderr, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return stdout, stderr, fmt.Errorf("failed to start %s: %w", cmd.Path, err)
	}
	r.pm.Track(cmd)
	defer r.pm.Untrack(cmd)
	r.logger.Debug().Str("cmd", cmd.Path).Int("pid", cmd.Process.Pid).Msg("process started")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(stdout, stdoutPipe)
	}()
	go func() {
		defer wg.Done()
		io.Copy(stderr, stderrPipe)
	}()
	wg.Wait()

	if waitErr := cmd.Wait(); waitErr != nil {
		if stderr.Len() > 0 {
			return stdout, stderr, fmt.Errorf("command failed: %w (stderr: %s)", waitErr, bytes.TrimSpace(stderr.Bytes()))
		}
		return stdout, stderr, fmt.Errorf("command failed: %w", waitErr)
	}
	return stdout, stderr, nil
}

// cappedBuffer keeps the first max bytes written and discards the rest.
// It deliberately has no ReadFrom so io.Copy goes through Write.
type cappedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if room := b.max - b.buf.Len(); room < len(p) {
		b.truncated = true
		if room > 0 {
			b.buf.Write(p[:room])
		}
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *cappedBuffer) Len() int       { return b.buf.Len() }
func (b *cappedBuffer) Bytes() []byte  { return b.buf.Bytes() }
func (b *cappedBuffer) String() string { return b.buf.String() }
