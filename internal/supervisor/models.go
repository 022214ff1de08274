package supervisor

import (
	"errors"
	"time"
)

// ErrNotRunning is returned by Send when no worker is running.
var ErrNotRunning = errors.New("supervisor: worker not running")

// State describes the supervisor's position in its lifecycle.
type State int32

const (
	// Stopped is the initial state, and the terminal state after a
	// clean shutdown. A stopped supervisor can be started again.
	Stopped State = iota

	// Running means a worker process is live and the reader is
	// attached to its output stream.
	Running

	// Restarting is the transient state between an abnormal reader
	// quit and the replacement worker completing its handshake.
	Restarting
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Running:
		return "running"
	case Restarting:
		return "restarting"
	}
	return "unknown"
}

// QuitReason classifies why a reader finished. It is set exactly once,
// immediately before the reader posts its terminal notification, and
// decides clean-stop versus restart.
type QuitReason string

const (
	// QuitNormal means the worker sent its stop sentinel: shutdown
	// was voluntary and complete.
	QuitNormal QuitReason = "normal"

	// QuitClosedPipe means the stream ended without a sentinel; the
	// worker crashed or closed its end early.
	QuitClosedPipe QuitReason = "closed-pipe"

	// QuitReadError means a frame failed to decode or the stream
	// returned an error other than end-of-stream.
	QuitReadError QuitReason = "read-error"

	// QuitUnexpected means the reader itself failed in a way none of
	// the above covers.
	QuitUnexpected QuitReason = "unexpected"
)

// StartConfig describes how to spawn the worker process.
type StartConfig struct {
	// Cmd is the path or name of the binary to execute
	Cmd string `conf:"cmd"`

	// Cwd is the working directory in which
	// the binary should be executed
	Cwd string `conf:"cwd"`

	// Args is the list of arguments to pass to the command
	Args []string `conf:"args"`

	// Env is the environment to run the command with. If nil, the
	// parent's environment is inherited.
	Env []string `conf:"env"`
}

// StopConfig describes how long Shutdown waits for a clean exit
// before force-terminating the worker.
type StopConfig struct {
	// Timeout is the grace period for observing the worker's stop
	// sentinel.
	Timeout time.Duration `conf:"timeout"`
}
