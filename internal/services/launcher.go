package services

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"fleetctl/pkg/logging"
)

// Launcher starts and stops the operating-system process behind a local
// service. The scheduler is transport- and process-agnostic; tests swap in
// a fake implementation.
type Launcher interface {
	Start(ctx context.Context, desc ServiceDescriptor) error
	Stop(ctx context.Context, desc ServiceDescriptor) error
}

// ExecLauncher runs services as child processes in their own process
// groups so an entire service tree can be signalled at once.
type ExecLauncher struct {
	mu       sync.Mutex
	running  map[string]*exec.Cmd
	stopWait time.Duration // grace between SIGTERM and SIGKILL
}

// NewExecLauncher creates a launcher with the given stop grace period.
func NewExecLauncher(stopWait time.Duration) *ExecLauncher {
	if stopWait <= 0 {
		stopWait = 10 * time.Second
	}
	return &ExecLauncher{
		running:  make(map[string]*exec.Cmd),
		stopWait: stopWait,
	}
}

// Start spawns the service process. Starting an already-running service is
// a no-op so scheduler re-runs stay idempotent.
func (l *ExecLauncher) Start(ctx context.Context, desc ServiceDescriptor) error {
	if len(desc.Command) == 0 {
		return fmt.Errorf("service %s has no command configured", desc.Name)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if cmd, ok := l.running[desc.Name]; ok && cmd.Process != nil {
		logging.Debug("Launcher", "Service %s already running (pid %d)", desc.Name, cmd.Process.Pid)
		return nil
	}

	cmd := exec.Command(desc.Command[0], desc.Command[1:]...)
	cmd.Env = os.Environ()
	for k, v := range desc.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	// Own process group so Stop can signal the whole tree
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start service %s: %w", desc.Name, err)
	}

	pid := cmd.Process.Pid
	l.running[desc.Name] = cmd

	// Reap the child so it never lingers as a zombie
	go func() {
		err := cmd.Wait()
		l.mu.Lock()
		if l.running[desc.Name] == cmd {
			delete(l.running, desc.Name)
		}
		l.mu.Unlock()
		if err != nil {
			logging.Debug("Launcher", "Service %s (pid %d) exited: %v", desc.Name, pid, err)
		}
	}()

	logging.Info("Launcher", "Started service %s (pid %d)", desc.Name, pid)
	return nil
}

// Stop terminates the service process group: SIGTERM, then SIGKILL after
// the grace period.
func (l *ExecLauncher) Stop(ctx context.Context, desc ServiceDescriptor) error {
	l.mu.Lock()
	cmd, ok := l.running[desc.Name]
	delete(l.running, desc.Name)
	l.mu.Unlock()

	if !ok || cmd.Process == nil {
		return nil
	}

	pid := cmd.Process.Pid
	// Negative PID signals the process group
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to signal service %s: %w", desc.Name, err)
	}

	done := make(chan struct{})
	go func() {
		for {
			if syscall.Kill(pid, 0) != nil {
				close(done)
				return
			}
			time.Sleep(100 * time.Millisecond)
		}
	}()

	select {
	case <-done:
	case <-time.After(l.stopWait):
		logging.Warn("Launcher", "Service %s did not exit within %v, killing", desc.Name, l.stopWait)
		_ = syscall.Kill(-pid, syscall.SIGKILL)
	case <-ctx.Done():
		_ = syscall.Kill(-pid, syscall.SIGKILL)
		return ctx.Err()
	}

	logging.Info("Launcher", "Stopped service %s", desc.Name)
	return nil
}
