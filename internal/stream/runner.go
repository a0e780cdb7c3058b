// Package stream runs agent subprocesses and streams their output to the console.
package stream

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

const (
	// ExitTimedOut is the exit code reported when a command exceeded its timeout.
	ExitTimedOut = -1

	// DefaultMaxLineBytes is the largest stdout line that is buffered.
	// Longer lines are drained and dropped.
	DefaultMaxLineBytes = 1 << 20

	// TimedOutMessage is placed in Result.Stderr on timeout.
	TimedOutMessage = "Agent timed out"

	readBufferSize = 64 * 1024
	killWaitDelay  = 5 * time.Second
)

// ErrAborted is returned when the caller's context is cancelled while a
// command runs. It is never returned for a timeout.
var ErrAborted = errors.New("aborted by user")

// Command describes a subprocess invocation.
type Command struct {
	Args    []string
	Dir     string
	Env     []string // nil inherits the current environment
	Timeout time.Duration
	Label   string // shown in the display prefix
}

// Result is the outcome of a finished (or timed out) command.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
	PID      int
}

// Runner spawns commands in their own process group.
// Out receives formatted progress events and Err receives raw stderr.
// Both may be shared between runners and must be safe for concurrent use.
type Runner struct {
	Out          io.Writer
	Err          io.Writer
	MaxLineBytes int
	Now          func() time.Time
}

// NewRunner creates a runner writing progress to out and stderr to errOut.
func NewRunner(out, errOut io.Writer) *Runner {
	return &Runner{Out: out, Err: errOut, MaxLineBytes: DefaultMaxLineBytes}
}

// Run executes c and waits for it to exit.
//
// A timeout kills the process group and yields a Result with ExitCode
// ExitTimedOut and a nil error. Cancellation of ctx kills the process group
// and returns ErrAborted.
func (r *Runner) Run(ctx context.Context, c Command) (*Result, error) {
	if len(c.Args) == 0 {
		return nil, errors.New("empty command")
	}
	if ctx.Err() != nil {
		return nil, ErrAborted
	}

	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if c.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, c.Timeout)
	}
	defer cancel()

	cmd := exec.CommandContext(runCtx, c.Args[0], c.Args[1:]...)
	cmd.Dir = c.Dir
	if c.Env != nil {
		cmd.Env = c.Env
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return killGroup(cmd.Process.Pid)
	}
	cmd.WaitDelay = killWaitDelay

	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", c.Args[0], err)
	}
	pid := cmd.Process.Pid

	var (
		wg     sync.WaitGroup
		stdout strings.Builder
		stderr bytes.Buffer
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.readStdout(outR, &stdout, c.Label)
	}()
	go func() {
		defer wg.Done()
		var dst io.Writer = &stderr
		if r.Err != nil {
			dst = io.MultiWriter(&stderr, r.Err)
		}
		_, _ = io.Copy(dst, errR)
	}()

	waitErr := cmd.Wait()
	_ = outW.Close()
	_ = errW.Close()
	wg.Wait()

	if ctx.Err() != nil {
		_ = killGroup(pid)
		return nil, ErrAborted
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		_ = killGroup(pid)
		return &Result{
			ExitCode: ExitTimedOut,
			Stdout:   stdout.String(),
			Stderr:   TimedOutMessage,
			TimedOut: true,
			PID:      pid,
		}, nil
	}
	if cmd.ProcessState == nil {
		return nil, fmt.Errorf("wait %s: %w", c.Args[0], waitErr)
	}

	return &Result{
		ExitCode: exitCode(cmd.ProcessState),
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		PID:      pid,
	}, nil
}

func (r *Runner) maxLine() int {
	if r.MaxLineBytes > 0 {
		return r.MaxLineBytes
	}
	return DefaultMaxLineBytes
}

// readStdout buffers complete lines into dst and prints each as an event.
// A line longer than MaxLineBytes is consumed without being kept.
func (r *Runner) readStdout(src io.Reader, dst *strings.Builder, label string) {
	br := bufio.NewReaderSize(src, readBufferSize)
	printer := &Printer{W: r.Out, Now: r.Now}
	limit := r.maxLine()

	var line []byte
	oversized := false
	for {
		frag, isPrefix, err := br.ReadLine()
		if len(frag) > 0 && !oversized {
			if len(line)+len(frag) > limit {
				oversized = true
				line = line[:0]
			} else {
				line = append(line, frag...)
			}
		}
		if err != nil {
			// Drain anything the writer still holds so the child never blocks.
			_, _ = io.Copy(io.Discard, src)
			return
		}
		if isPrefix {
			continue
		}
		if !oversized {
			dst.Write(line)
			dst.WriteByte('\n')
			printer.PrintLine(label, line)
		}
		line = line[:0]
		oversized = false
	}
}

func killGroup(pid int) error {
	if pid <= 0 {
		return nil
	}
	err := syscall.Kill(-pid, syscall.SIGKILL)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

func exitCode(ps interface {
	ExitCode() int
	Sys() any
}) int {
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return ps.ExitCode()
}
