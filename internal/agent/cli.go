package agent

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// CLIRunner runs agents as command-line subprocesses. The agent command
// comes from the project's agent config; the prompt is passed on stdin and
// output is streamed line by line.
type CLIRunner struct {
	log *slog.Logger
}

// CLIOption configures a CLIRunner.
type CLIOption func(*CLIRunner)

// WithCLILogger sets the logger.
func WithCLILogger(log *slog.Logger) CLIOption {
	return func(r *CLIRunner) {
		r.log = log
	}
}

// NewCLIRunner creates a runner for CLI-based agents.
func NewCLIRunner(opts ...CLIOption) *CLIRunner {
	r := &CLIRunner{log: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run spawns the agent and blocks until it exits or ctx is cancelled.
// Cancellation kills the agent's whole process group. The exit is always
// reported through Result, never as an error; errors mean the process could
// not be started or observed at all.
func (r *CLIRunner) Run(ctx context.Context, inv Invocation, onChunk func(Chunk)) (*Result, error) {
	if inv.Config.Command == "" {
		return nil, fmt.Errorf("agent config has no command")
	}

	args := append([]string(nil), inv.Config.Args...)
	if inv.Config.Model != "" {
		args = append(args, "--model", inv.Config.Model)
	}
	if inv.SystemPrompt != "" {
		args = append(args, "--system-prompt", inv.SystemPrompt)
	}

	cmd := exec.Command(inv.Config.Command, args...)
	cmd.Dir = inv.WorkDir
	cmd.Stdin = strings.NewReader(inv.Prompt)
	setProcAttr(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent: %w", err)
	}
	pid := cmd.Process.Pid
	r.log.Info("agent spawned", "command", inv.Config.Command, "pid", pid, "dir", inv.WorkDir)

	killed := false
	var killMu sync.Mutex
	watchDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			killMu.Lock()
			killed = true
			killMu.Unlock()
			if err := killProcessGroup(pid); err != nil {
				r.log.Warn("process group kill failed", "pid", pid, "error", err)
				_ = cmd.Process.Kill()
			}
		case <-watchDone:
		}
	}()

	output := r.stream(stdout, onChunk)
	err = cmd.Wait()
	close(watchDone)

	killMu.Lock()
	wasKilled := killed
	killMu.Unlock()

	res := &Result{Output: output, Killed: wasKilled}
	if exitErr, ok := err.(*exec.ExitError); ok {
		res.ExitCode = exitErr.ExitCode()
	} else if err != nil {
		return nil, fmt.Errorf("wait for agent: %w", err)
	}

	res.Summary, res.NoResult = finishResult(output)
	r.log.Info("agent exited",
		"pid", pid, "exitCode", res.ExitCode, "killed", res.Killed, "noResult", res.NoResult)
	return res, nil
}

// stream reads agent output line by line, forwarding chunks and
// accumulating the full log.
func (r *CLIRunner) stream(reader io.Reader, onChunk func(Chunk)) string {
	var b strings.Builder
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		b.WriteString(line)
		b.WriteByte('\n')
		if onChunk != nil {
			if text := ChunkText(line); text != "" {
				onChunk(Chunk{Time: time.Now(), Text: text})
			}
		}
	}
	return b.String()
}

// finishResult derives the summary and no-result flag from the full log.
func finishResult(output string) (summary string, noResult bool) {
	summary, found := ExtractResult(output)
	return summary, !found
}
