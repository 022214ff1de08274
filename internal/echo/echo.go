// Package echo is the built-in demonstration message set: the
// supervisor sends Ping commands and the worker answers each with a
// Pong. It doubles as the integration-test traffic for the channel.
package echo

import (
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/fluxmedia/warden/internal/helper"
	"github.com/fluxmedia/warden/internal/supervisor"
	"github.com/fluxmedia/warden/internal/wire"
	"go.uber.org/zap"
)

// HandlerName is the factory name used in HandlerInfo.
const HandlerName = "echo"

const (
	kindPing = "ping"
	kindPong = "pong"
)

// Ping is a supervisor→worker command.
type Ping struct {
	Seq     int    `json:"seq"`
	Payload string `json:"payload,omitempty"`
}

func (*Ping) Kind() string { return kindPing }

// Pong is the worker's answer to a Ping.
type Pong struct {
	Seq     int    `json:"seq"`
	Payload string `json:"payload,omitempty"`
}

func (*Pong) Kind() string { return kindPong }

// RegisterMessages adds the echo message kinds to a wire registry.
// Both sides of the channel need them.
func RegisterMessages(reg *wire.Registry) {
	reg.Register(kindPing, func() wire.Message { return &Ping{} })
	reg.Register(kindPong, func() wire.Message { return &Pong{} })
}

//go:embed args-schema.json
var argsSchema json.RawMessage

// RegisterHandler adds the worker-side echo handler factory. The
// constructor arguments are schema-checked during the handshake.
func RegisterHandler(reg *helper.HandlerRegistry) {
	reg.RegisterWithSchema(HandlerName, argsSchema, newHandler)
}

// handlerArgs are the constructor arguments carried by HandlerInfo.
type handlerArgs struct {
	// Prefix is prepended to every echoed payload.
	Prefix string `json:"prefix,omitempty"`
}

type handler struct {
	prefix string
	env    helper.Env
}

func newHandler(env helper.Env, args json.RawMessage) (helper.Handler, error) {
	var a handlerArgs
	if len(args) > 0 {
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, fmt.Errorf("echo: bad handler args: %w", err)
		}
	}

	return &handler{prefix: a.Prefix, env: env}, nil
}

func (h *handler) OnStart() {
	h.env.Log.Info("echo handler started")
}

func (h *handler) OnStop() {
	h.env.Log.Info("echo handler stopping")
}

func (h *handler) Handle(msg wire.Message) error {
	ping, ok := msg.(*Ping)
	if !ok {
		return fmt.Errorf("echo: unexpected %s message", msg.Kind())
	}

	return h.env.Emit(&Pong{
		Seq:     ping.Seq,
		Payload: h.prefix + ping.Payload,
	})
}

// Responder is the supervisor-side counterpart: it logs lifecycle
// events and every Pong it observes.
type Responder struct {
	supervisor.BaseResponder

	log *zap.Logger
}

func NewResponder(log *zap.Logger) *Responder {
	return &Responder{log: log.Named("echo")}
}

func (r *Responder) OnStart() {
	r.log.Info("worker started")
}

func (r *Responder) OnStop() {
	r.log.Info("worker stopping")
}

func (r *Responder) OnRestart() {
	r.log.Warn("worker restarted")
}

func (r *Responder) Handle(msg wire.Message) {
	pong, ok := msg.(*Pong)
	if !ok {
		r.log.Warn("unexpected message from worker", zap.String("kind", msg.Kind()))
		return
	}

	r.log.Info("pong",
		zap.Int("seq", pong.Seq),
		zap.String("payload", pong.Payload),
	)
}
