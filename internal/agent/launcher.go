package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// LaunchSpec describes one coding-agent invocation.
type LaunchSpec struct {
	SessionID      string
	ConversationID string
	Target         string
	Description    string
}

// Process identifies a spawned agent. Both fields are known synchronously
// at spawn time so monitoring can begin immediately.
type Process struct {
	PID     int
	LogPath string
}

// Launcher spawns and terminates external agent processes.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Process, error)
	Kill(pid int) error
}

// CLILauncher executes the agent CLI with stdout and stderr redirected to a
// per-session log file that the process monitor tails.
type CLILauncher struct {
	binaryPath   string
	workspaceDir string
	killGrace    time.Duration
}

func NewCLILauncher(binaryPath, workspaceDir string) *CLILauncher {
	return &CLILauncher{
		binaryPath:   strings.TrimSpace(binaryPath),
		workspaceDir: strings.TrimSpace(workspaceDir),
		killGrace:    5 * time.Second,
	}
}

func (l *CLILauncher) Launch(ctx context.Context, spec LaunchSpec) (Process, error) {
	if strings.TrimSpace(spec.SessionID) == "" {
		return Process{}, errors.New("session id is required")
	}
	if strings.TrimSpace(spec.Description) == "" {
		return Process{}, errors.New("task description is required")
	}

	logDir := filepath.Join(l.workspaceDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return Process{}, fmt.Errorf("create log dir: %w", err)
	}
	logPath := filepath.Join(logDir, spec.SessionID+".log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return Process{}, fmt.Errorf("create log file: %w", err)
	}

	args := []string{
		"run",
		"--session-id", spec.SessionID,
		"--task", spec.Description,
	}
	if target := strings.TrimSpace(spec.Target); target != "" {
		args = append(args, "--target", target)
	}

	if err := ctx.Err(); err != nil {
		logFile.Close()
		return Process{}, err
	}

	// Deliberately not CommandContext: the process outlives the submission
	// and is terminated through Kill.
	cmd := exec.Command(l.binaryPath, args...)
	cmd.Dir = l.workspaceDir
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return Process{}, fmt.Errorf("spawn agent: %w", err)
	}

	// Reap the child and release the log handle; the monitor owns its own
	// read handle and detects exit via liveness probing.
	go func() {
		_ = cmd.Wait()
		_ = logFile.Close()
	}()

	return Process{PID: cmd.Process.Pid, LogPath: logPath}, nil
}

// Kill sends SIGTERM and escalates to SIGKILL after a grace period if the
// process is still alive. Best effort: a process that already exited is not
// an error.
func (l *CLILauncher) Kill(pid int) error {
	if pid <= 0 {
		return nil
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return fmt.Errorf("signal agent: %w", err)
	}

	deadline := time.Now().Add(l.killGrace)
	for time.Now().Before(deadline) {
		if !Alive(pid) {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	if err := syscall.Kill(pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("kill agent: %w", err)
	}
	return nil
}

// Alive reports whether a process with the given pid exists.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, syscall.Signal(0))
	if err == nil {
		return true
	}
	// EPERM means the process exists but belongs to another user.
	return errors.Is(err, syscall.EPERM)
}
