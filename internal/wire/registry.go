package wire

import "fmt"

// Registry maps message kinds to factories for their concrete types.
// Both sides of the channel build a registry at startup and pass it
// into the codec; registration never happens at package load time.
type Registry struct {
	kinds map[string]func() Message
}

// NewRegistry returns a registry with the protocol's built-in message
// kinds preloaded.
func NewRegistry() *Registry {
	r := &Registry{kinds: make(map[string]func() Message)}

	r.Register(KindStartupInfo, func() Message { return &StartupInfo{} })
	r.Register(KindHandlerInfo, func() Message { return &HandlerInfo{} })
	r.Register(KindWorkerError, func() Message { return &WorkerError{} })

	return r
}

// Register adds a factory for the given message kind. Registering the
// same kind twice panics, as it indicates two message types competing
// for one tag.
func (r *Registry) Register(kind string, factory func() Message) {
	if kind == "" {
		panic("wire: empty message kind")
	}
	if _, ok := r.kinds[kind]; ok {
		panic(fmt.Sprintf("wire: message kind %q already registered", kind))
	}
	r.kinds[kind] = factory
}

// New returns a fresh zero value for the given kind.
func (r *Registry) New(kind string) (Message, bool) {
	factory, ok := r.kinds[kind]
	if !ok {
		return nil, false
	}
	return factory(), true
}
