package supervisor

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// proc owns one spawned worker process and the two halves of its byte
// stream channel. Stdin carries commands to the worker, stdout carries
// responses back; stderr is passed through to the parent's stderr for
// diagnostics and is not part of the protocol.
type proc struct {
	pid         int
	termination chan struct{}
	exit        ExitEvent
	stdout      io.ReadCloser
	stdin       io.WriteCloser

	log *zap.Logger
}

// ExitEvent describes how a worker process exited.
type ExitEvent struct {
	// Code is the exit code of the process
	Code *int

	// Signal is the signal that caused the process to exit
	Signal *int
}

func startProc(config StartConfig, log *zap.Logger) (*proc, error) {
	cmd := exec.Command(config.Cmd, config.Args...)

	if config.Env != nil {
		cmd.Env = config.Env
	}

	if config.Cwd != "" {
		cmd.Dir = config.Cwd
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}

	// stderr stays out of the protocol
	cmd.Stderr = os.Stderr

	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	process := &proc{
		pid:         cmd.Process.Pid,
		termination: make(chan struct{}),
		stdout:      stdout,
		stdin:       stdin,
		log:         log.Named("proc").With(zap.Int("pid", cmd.Process.Pid)),
	}

	go func() {
		// block until the process exits
		err := cmd.Wait()

		process.exit = getExitEvent(err)
		close(process.termination)
	}()

	return process, nil
}

// Done is closed once the process has been reaped.
func (p *proc) Done() <-chan struct{} {
	return p.termination
}

// Exited reports whether the process has been reaped.
func (p *proc) Exited() bool {
	select {
	case <-p.termination:
		return true
	default:
		return false
	}
}

// Terminate sends SIGTERM to the worker's process group. It returns
// immediately, without waiting for the process to stop.
func (p *proc) Terminate() {
	p.kill(syscall.SIGTERM)
}

// Kill sends SIGKILL to the worker's process group and waits up to
// timeout for it to be reaped.
func (p *proc) Kill(timeout time.Duration) error {
	// kill should report success if the process terminated by the
	// time the supervisor gave up on it
	if p.Exited() {
		p.log.Debug("process already terminated")
		return nil
	}

	p.kill(syscall.SIGKILL)

	if timeout <= 0 {
		<-p.termination
		return nil
	}

	select {
	case <-p.termination:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("supervisor: process %d did not die", p.pid)
	}
}

// CloseStdin closes the supervisor's write end of the channel. Used
// both for clean release and to unwedge a worker whose pipe broke.
func (p *proc) CloseStdin() {
	if err := p.stdin.Close(); err != nil {
		p.log.Debug("close stdin failed", zap.Error(err))
	}
}

func (p *proc) kill(signal syscall.Signal) {
	log := p.log.With(zap.Stringer("signal", signal))

	// close stdin before killing the process, to
	// avoid the process hanging on input
	p.CloseStdin()

	log.Info("sending signal")

	// best effort, ignore errors
	if err := p.sendKillSignal(signal); err != nil {
		log.Error("signal failed", zap.Error(err))
	}
}

func (p *proc) sendKillSignal(signal syscall.Signal) error {
	if pgid, err := syscall.Getpgid(p.pid); err == nil {
		// Negative pid sends signal to all in process group
		return syscall.Kill(-pgid, signal)
	} else {
		return syscall.Kill(p.pid, signal)
	}
}

func getExitEvent(err error) ExitEvent {
	var cell int
	var exitStatus *int
	var signo *int

	if err == nil {
		// the process exited successfully, set the exit code to 0
		exitStatus = &cell
	} else if exitError, ok := err.(*exec.ExitError); ok {
		// the process exited with an error
		if status, ok := exitError.Sys().(syscall.WaitStatus); ok {
			if code := status.ExitStatus(); code >= 0 {
				// the process exited with an exit code
				cell = code
				exitStatus = &cell
			} else {
				// the process was terminated by a signal
				cell = int(status.Signal())
				signo = &cell
			}
		}
	}

	if signo == nil && exitStatus == nil {
		// could not determine the exit status or signal,
		// set exit status to 1
		cell = 1
		exitStatus = &cell
	}

	return ExitEvent{
		Code:   exitStatus,
		Signal: signo,
	}
}
