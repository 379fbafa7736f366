package executor

import (
	"errors"
	"os"
	"os/exec"
	"slices"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// Process is a started tool process. A background waiter reaps it so the
// exit code is available and no zombie is left behind; liveness checks
// consult both the waiter and the OS process table.
type Process struct {
	PID int

	cmd      *exec.Cmd
	done     chan struct{}
	once     sync.Once
	exitCode int
	waitErr  error
}

func startProcess(cmd *exec.Cmd) (*Process, error) {
	setProcessGroup(cmd)
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	p := &Process{PID: cmd.Process.Pid, cmd: cmd, done: make(chan struct{}), exitCode: -1}
	go p.wait()
	return p, nil
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	p.once.Do(func() {
		p.waitErr = err
		if p.cmd.ProcessState != nil {
			p.exitCode = p.cmd.ProcessState.ExitCode()
		}
		close(p.done)
	})
}

// Exited reports whether the waiter has reaped the process.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Alive reports whether the PID still refers to a live, non-zombie process.
func (p *Process) Alive() bool {
	if p.Exited() {
		return false
	}
	return pidAlive(p.PID)
}

// WaitExit blocks until the process is reaped or d elapses.
func (p *Process) WaitExit(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-p.done:
		return true
	case <-timer.C:
		return false
	}
}

// ExitCode returns the exit status, or -1 if the process has not been reaped
// or was killed by a signal.
func (p *Process) ExitCode() int {
	if !p.Exited() {
		return -1
	}
	return p.exitCode
}

// Terminate asks the process group to stop.
func (p *Process) Terminate() error {
	return ignoreGone(signalGroup(p.PID, false))
}

// Kill forcibly stops the process group.
func (p *Process) Kill() error {
	return ignoreGone(signalGroup(p.PID, true))
}

func ignoreGone(err error) error {
	if err == nil || errors.Is(err, os.ErrProcessDone) || isNoSuchProcess(err) {
		return nil
	}
	return err
}

func pidAlive(pid int) bool {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	running, err := proc.IsRunning()
	if err != nil || !running {
		return false
	}
	status, err := proc.Status()
	if err != nil {
		return true
	}
	return !slices.Contains(status, process.Zombie)
}
