package helper

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fluxmedia/warden/internal/wire"
	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"
)

// Handler processes messages inside the worker process. Handlers run
// on the worker's dispatch goroutine, one message at a time.
type Handler interface {
	// OnStart is called once, after the handshake completes and
	// before the first message is dispatched.
	OnStart()

	// Handle processes one supervisor message. Returning an error
	// reports it to the supervisor as a recoverable WorkerError; the
	// dispatch loop keeps running.
	Handle(msg wire.Message) error

	// OnStop is called once, after the stop sentinel is observed and
	// before the worker writes its own sentinel back.
	OnStop()
}

// Env is what a handler factory gets to work with: the startup
// configuration sent by the supervisor, an emit function bound to the
// worker's output stream, and a logger writing to stderr.
type Env struct {
	Config map[string]string
	Emit   func(wire.Message) error
	Log    *zap.Logger
}

// Factory constructs a handler from the constructor arguments carried
// by HandlerInfo.
type Factory func(env Env, args json.RawMessage) (Handler, error)

// HandlerRegistry maps handler names to factories. The supervisor
// names a handler in HandlerInfo; the worker looks the factory up here.
// Both sides agree on the names at build time.
type HandlerRegistry struct {
	factories map[string]Factory
	schemas   map[string]*gojsonschema.Schema
}

func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		factories: make(map[string]Factory),
		schemas:   make(map[string]*gojsonschema.Schema),
	}
}

// Register adds a named handler factory. Registering the same name
// twice panics.
func (r *HandlerRegistry) Register(name string, factory Factory) {
	if name == "" {
		panic("helper: empty handler name")
	}
	if _, ok := r.factories[name]; ok {
		panic(fmt.Sprintf("helper: handler %q already registered", name))
	}
	r.factories[name] = factory
}

// RegisterWithSchema adds a named handler factory whose constructor
// arguments are validated against the given JSON schema during the
// handshake, before the factory runs. A malformed schema panics, as
// schemas are build-time artifacts.
func (r *HandlerRegistry) RegisterWithSchema(name string, schema json.RawMessage, factory Factory) {
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schema))
	if err != nil {
		panic(fmt.Sprintf("helper: bad args schema for handler %q: %v", name, err))
	}

	r.Register(name, factory)
	r.schemas[name] = compiled
}

func (r *HandlerRegistry) lookup(name string) (Factory, bool) {
	factory, ok := r.factories[name]
	return factory, ok
}

// validateArgs checks the constructor arguments against the handler's
// registered schema, if it has one.
func (r *HandlerRegistry) validateArgs(name string, args json.RawMessage) error {
	schema, ok := r.schemas[name]
	if !ok {
		return nil
	}

	// absent args validate as null
	if len(args) == 0 {
		args = json.RawMessage("null")
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(args))
	if err != nil {
		return fmt.Errorf("helper: validating args for handler %q: %w", name, err)
	}

	if !result.Valid() {
		return &ArgsValidationError{Handler: name, Result: result}
	}

	return nil
}

// ArgsValidationError reports handler constructor arguments rejected
// by the handler's args schema.
type ArgsValidationError struct {
	Handler string
	Result  *gojsonschema.Result
}

func (e *ArgsValidationError) Error() string {
	details := make([]string, 0, len(e.Result.Errors()))
	for _, resultError := range e.Result.Errors() {
		details = append(details, resultError.String())
	}

	return fmt.Sprintf(
		"helper: invalid args for handler %q: %s",
		e.Handler, strings.Join(details, "; "),
	)
}
