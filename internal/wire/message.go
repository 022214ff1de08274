package wire

import "encoding/json"

// Message is a single, discrete value exchanged between the supervisor
// and the worker. Concrete message types carry their own payload and
// identify themselves with a kind tag, which is used to look up the
// decoder in a Registry and the handler at delivery time.
type Message interface {
	Kind() string
}

// Kinds reserved for the protocol itself. Application message kinds
// must not collide with these.
const (
	KindStartupInfo = "startup-info"
	KindHandlerInfo = "handler-info"
	KindWorkerError = "worker-error"
)

// StartupInfo is the first message sent to a freshly spawned worker.
// It carries the configuration the worker needs before any application
// logic runs.
type StartupInfo struct {
	// Config is an opaque set of key/value pairs applied to the
	// worker's process-local configuration before the handler is
	// constructed.
	Config map[string]string `json:"config"`
}

func (*StartupInfo) Kind() string { return KindStartupInfo }

// HandlerInfo is the second message sent to a freshly spawned worker.
// It names the handler implementation the worker should instantiate,
// together with its constructor arguments.
type HandlerInfo struct {
	// Handler is the name of a handler factory registered on the
	// worker side.
	Handler string `json:"handler"`

	// Args is the serialized constructor arguments passed to the
	// handler factory. May be empty.
	Args json.RawMessage `json:"args,omitempty"`
}

func (*HandlerInfo) Kind() string { return KindHandlerInfo }

// WorkerError reports a failure inside the worker back to the
// supervisor.
type WorkerError struct {
	// Report is a formatted description of the failure.
	Report string `json:"report"`

	// Recoverable indicates whether the worker kept running after the
	// failure. Handshake and construction failures are not recoverable;
	// errors raised while dispatching a single message are.
	Recoverable bool `json:"recoverable"`
}

func (*WorkerError) Kind() string { return KindWorkerError }
