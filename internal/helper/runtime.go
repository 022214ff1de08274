// Package helper implements the runtime that executes inside the
// spawned worker process. It turns the process's stdin/stdout into a
// message-handling loop: frames are read on a dedicated goroutine,
// queued, and dispatched one at a time to an application handler.
package helper

import (
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"sync"

	"github.com/fluxmedia/warden/internal/wire"
	"go.uber.org/zap"
)

// queueSize bounds how far the input reader may run ahead of the
// dispatch goroutine before pipe backpressure kicks in.
const queueSize = 128

// Params configures a worker runtime.
type Params struct {
	// Stdin is the stream carrying supervisor commands.
	Stdin io.Reader

	// Stdout is the stream carrying responses back. Nothing else may
	// write to it while the runtime is running.
	Stdout io.Writer

	// Messages decodes incoming frames.
	Messages *wire.Registry

	// Handlers resolves the handler named in HandlerInfo.
	Handlers *HandlerRegistry

	// Log is the runtime's logger. It must write to stderr, since
	// stdout is the protocol channel.
	Log *zap.Logger
}

// Run drives the worker runtime to completion. It performs the startup
// handshake, dispatches messages until the supervisor sends the stop
// sentinel (or the input stream closes), and writes the worker's own
// stop sentinel exactly once before returning.
//
// A handshake failure is reported to the supervisor as a
// non-recoverable WorkerError and returned; the handler is never
// constructed and OnStart never runs.
func Run(params Params) error {
	log := params.Log.Named("helper")

	codec := wire.NewCodec(params.Messages)
	emitter := newEmitter(codec, params.Stdout)
	defer emitter.Quit()

	handler, err := handshake(codec, params.Stdin, params.Handlers, emitter, log)
	if err != nil {
		log.Error("handshake failed", zap.Error(err))

		report := fmt.Sprintf("worker handshake: %v", err)
		if emitErr := emitter.Emit(&wire.WorkerError{Report: report}); emitErr != nil {
			log.Error("failed to report handshake error", zap.Error(emitErr))
		}

		return err
	}

	// Dedicated goroutine for stdin so the pipe does not back up
	// while a message is being handled. Closing the queue is the
	// in-process stop marker.
	queue := make(chan wire.Message, queueSize)
	go readInput(codec, params.Stdin, queue, log)

	handler.OnStart()

	for msg := range queue {
		dispatch(handler, msg, emitter, log)
	}

	handler.OnStop()

	return nil
}

// handshake performs the worker side of the startup sequence: one
// StartupInfo frame, one HandlerInfo frame, then handler construction.
func handshake(
	codec *wire.Codec,
	stdin io.Reader,
	handlers *HandlerRegistry,
	emitter *emitter,
	log *zap.Logger,
) (Handler, error) {
	msg, err := codec.Read(stdin)
	if err != nil {
		return nil, fmt.Errorf("reading startup info: %w", err)
	}

	startup, ok := msg.(*wire.StartupInfo)
	if !ok {
		return nil, &wire.ProtocolError{Want: wire.KindStartupInfo, Got: msg.Kind()}
	}

	msg, err = codec.Read(stdin)
	if err != nil {
		return nil, fmt.Errorf("reading handler info: %w", err)
	}

	info, ok := msg.(*wire.HandlerInfo)
	if !ok {
		return nil, &wire.ProtocolError{Want: wire.KindHandlerInfo, Got: msg.Kind()}
	}

	factory, ok := handlers.lookup(info.Handler)
	if !ok {
		return nil, fmt.Errorf("unknown handler %q", info.Handler)
	}

	if err := handlers.validateArgs(info.Handler, info.Args); err != nil {
		return nil, err
	}

	env := Env{
		Config: startup.Config,
		Emit:   emitter.Emit,
		Log:    log,
	}

	handler, err := factory(env, info.Args)
	if err != nil {
		return nil, fmt.Errorf("constructing handler %q: %w", info.Handler, err)
	}

	return handler, nil
}

// readInput reads frames from stdin and forwards them to the queue.
// On the stop sentinel, end of stream, or any read error it closes the
// queue so the dispatch loop exits.
func readInput(
	codec *wire.Codec,
	stdin io.Reader,
	queue chan<- wire.Message,
	log *zap.Logger,
) {
	defer close(queue)

	for {
		msg, err := codec.Read(stdin)
		if errors.Is(err, wire.ErrQuit) || errors.Is(err, wire.ErrEndOfStream) {
			return
		}
		if err != nil {
			// the pipe is our only channel back; nothing to do but
			// log to stderr and stop
			log.Warn("stopping on input read error", zap.Error(err))
			return
		}

		queue <- msg
	}
}

// dispatch hands one message to the handler. Errors and panics are
// reported upward as recoverable WorkerErrors; one bad message does
// not kill the worker.
func dispatch(handler Handler, msg wire.Message, emitter *emitter, log *zap.Logger) {
	defer func() {
		if r := recover(); r != nil {
			report := fmt.Sprintf(
				"panic handling %s message: %v\n%s",
				msg.Kind(), r, debug.Stack(),
			)
			reportError(report, emitter, log)
		}
	}()

	if err := handler.Handle(msg); err != nil {
		report := fmt.Sprintf("error handling %s message: %v", msg.Kind(), err)
		reportError(report, emitter, log)
	}
}

func reportError(report string, emitter *emitter, log *zap.Logger) {
	log.Warn("handler error", zap.String("report", report))

	err := emitter.Emit(&wire.WorkerError{Report: report, Recoverable: true})
	if err != nil {
		log.Error("failed to report handler error", zap.Error(err))
	}
}

// emitter is the outbound message sink bound to the worker's output
// stream. Emitting serializes and writes immediately; the mutex keeps
// handler emissions and runtime error reports from interleaving frames.
type emitter struct {
	mu     sync.Mutex
	codec  *wire.Codec
	stdout io.Writer
	quit   bool
}

func newEmitter(codec *wire.Codec, stdout io.Writer) *emitter {
	return &emitter{codec: codec, stdout: stdout}
}

func (e *emitter) Emit(msg wire.Message) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.quit {
		return errors.New("helper: emit after quit sentinel")
	}

	return e.codec.Write(e.stdout, msg)
}

// Quit writes the stop sentinel. Only the first call writes; the
// sentinel goes on the wire exactly once per worker lifetime.
func (e *emitter) Quit() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.quit {
		return nil
	}
	e.quit = true

	return e.codec.Write(e.stdout, nil)
}
