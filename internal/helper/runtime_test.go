package helper_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/fluxmedia/warden/internal/helper"
	"github.com/fluxmedia/warden/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type request struct {
	Op string `json:"op"`
}

func (*request) Kind() string { return "request" }

type reply struct {
	Op string `json:"op"`
}

func (*reply) Kind() string { return "reply" }

func newTestMessages(t *testing.T) *wire.Registry {
	t.Helper()
	reg := wire.NewRegistry()
	reg.Register("request", func() wire.Message { return &request{} })
	reg.Register("reply", func() wire.Message { return &reply{} })
	return reg
}

// scriptedHandler replies to requests and misbehaves on demand: op
// "fail" returns an error, op "panic" panics, anything else echoes a
// reply.
type scriptedHandler struct {
	env     helper.Env
	starts  int
	stops   int
	handled []string
}

func (h *scriptedHandler) OnStart() { h.starts++ }
func (h *scriptedHandler) OnStop()  { h.stops++ }

func (h *scriptedHandler) Handle(msg wire.Message) error {
	req, ok := msg.(*request)
	if !ok {
		return fmt.Errorf("unexpected message kind %s", msg.Kind())
	}

	h.handled = append(h.handled, req.Op)

	switch req.Op {
	case "fail":
		return errors.New("scripted failure")
	case "panic":
		panic("scripted panic")
	}

	return h.env.Emit(&reply{Op: req.Op})
}

type fixture struct {
	messages *wire.Registry
	handlers *helper.HandlerRegistry
	handler  *scriptedHandler
	factory  struct{ calls int }
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		messages: newTestMessages(t),
		handlers: helper.NewHandlerRegistry(),
		handler:  &scriptedHandler{},
	}

	f.handlers.Register("scripted", func(env helper.Env, _ json.RawMessage) (helper.Handler, error) {
		f.factory.calls++
		f.handler.env = env
		return f.handler, nil
	})

	return f
}

// writeFrames builds the worker's input stream.
func writeFrames(t *testing.T, reg *wire.Registry, msgs ...wire.Message) *bytes.Buffer {
	t.Helper()

	codec := wire.NewCodec(reg)
	var buf bytes.Buffer
	for _, msg := range msgs {
		require.NoError(t, codec.Write(&buf, msg))
	}
	return &buf
}

// readFrames drains the worker's output stream up to and including the
// stop sentinel.
func readFrames(t *testing.T, reg *wire.Registry, buf *bytes.Buffer) []wire.Message {
	t.Helper()

	codec := wire.NewCodec(reg)
	var out []wire.Message
	for {
		msg, err := codec.Read(buf)
		if errors.Is(err, wire.ErrQuit) {
			assert.Zero(t, buf.Len(), "frames after the stop sentinel")
			return out
		}
		require.NoError(t, err)
		out = append(out, msg)
	}
}

func run(t *testing.T, f *fixture, stdin *bytes.Buffer) ([]wire.Message, error) {
	t.Helper()

	var stdout bytes.Buffer
	err := helper.Run(helper.Params{
		Stdin:    stdin,
		Stdout:   &stdout,
		Messages: f.messages,
		Handlers: f.handlers,
		Log:      zap.NewNop(),
	})

	return readFrames(t, f.messages, &stdout), err
}

func startupFrames(extra ...wire.Message) []wire.Message {
	frames := []wire.Message{
		&wire.StartupInfo{Config: map[string]string{"env": "test"}},
		&wire.HandlerInfo{Handler: "scripted"},
	}
	return append(frames, extra...)
}

func TestRun_Session(t *testing.T) {
	f := newFixture(t)
	stdin := writeFrames(t, f.messages, startupFrames(
		&request{Op: "a"},
		&request{Op: "b"},
		nil, // stop sentinel
	)...)

	out, err := run(t, f, stdin)
	require.NoError(t, err)

	assert.Equal(t, 1, f.factory.calls)
	assert.Equal(t, 1, f.handler.starts)
	assert.Equal(t, 1, f.handler.stops)
	assert.Equal(t, map[string]string{"env": "test"}, f.handler.env.Config)

	require.Len(t, out, 2)
	assert.Equal(t, &reply{Op: "a"}, out[0])
	assert.Equal(t, &reply{Op: "b"}, out[1])
}

func TestRun_PreservesMessageOrder(t *testing.T) {
	f := newFixture(t)

	var reqs []wire.Message
	for i := 0; i < 40; i++ {
		reqs = append(reqs, &request{Op: fmt.Sprintf("op-%02d", i)})
	}
	reqs = append(reqs, nil)

	out, err := run(t, f, writeFrames(t, f.messages, startupFrames(reqs...)...))
	require.NoError(t, err)

	require.Len(t, out, 40)
	for i, msg := range out {
		assert.Equal(t, fmt.Sprintf("op-%02d", i), msg.(*reply).Op)
	}
}

func TestRun_StreamCloseActsAsStop(t *testing.T) {
	f := newFixture(t)

	// no sentinel; the input stream just ends
	out, err := run(t, f, writeFrames(t, f.messages, startupFrames(&request{Op: "a"})...))
	require.NoError(t, err)

	assert.Equal(t, 1, f.handler.stops)
	require.Len(t, out, 1)
	assert.Equal(t, &reply{Op: "a"}, out[0])
}

func TestRun_HandshakeWrongFirstMessage(t *testing.T) {
	f := newFixture(t)

	stdin := writeFrames(t, f.messages,
		&wire.HandlerInfo{Handler: "scripted"},
		&wire.StartupInfo{},
		nil,
	)

	out, err := run(t, f, stdin)

	var protoErr *wire.ProtocolError
	require.ErrorAs(t, err, &protoErr)
	assert.Equal(t, wire.KindStartupInfo, protoErr.Want)

	// the handler must never be built or started
	assert.Zero(t, f.factory.calls)
	assert.Zero(t, f.handler.starts)

	require.Len(t, out, 1)
	workerErr := out[0].(*wire.WorkerError)
	assert.False(t, workerErr.Recoverable)
	assert.Contains(t, workerErr.Report, "handshake")
}

func TestRun_HandshakeUnknownHandler(t *testing.T) {
	f := newFixture(t)

	stdin := writeFrames(t, f.messages,
		&wire.StartupInfo{},
		&wire.HandlerInfo{Handler: "nope"},
		nil,
	)

	out, err := run(t, f, stdin)
	require.Error(t, err)
	assert.Zero(t, f.handler.starts)

	require.Len(t, out, 1)
	workerErr := out[0].(*wire.WorkerError)
	assert.False(t, workerErr.Recoverable)
	assert.Contains(t, workerErr.Report, "nope")
}

func TestRun_HandshakeTruncatedStream(t *testing.T) {
	f := newFixture(t)

	out, err := run(t, f, writeFrames(t, f.messages, &wire.StartupInfo{}))
	assert.ErrorIs(t, err, wire.ErrEndOfStream)
	assert.Zero(t, f.handler.starts)

	require.Len(t, out, 1)
	assert.False(t, out[0].(*wire.WorkerError).Recoverable)
}

func TestRun_HandlerErrorDoesNotStopDispatch(t *testing.T) {
	f := newFixture(t)

	stdin := writeFrames(t, f.messages, startupFrames(
		&request{Op: "a"},
		&request{Op: "fail"},
		&request{Op: "b"},
		nil,
	)...)

	out, err := run(t, f, stdin)
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "fail", "b"}, f.handler.handled)
	assert.Equal(t, 1, f.handler.stops)

	require.Len(t, out, 3)
	assert.Equal(t, &reply{Op: "a"}, out[0])

	workerErr := out[1].(*wire.WorkerError)
	assert.True(t, workerErr.Recoverable)
	assert.Contains(t, workerErr.Report, "scripted failure")

	assert.Equal(t, &reply{Op: "b"}, out[2])
}

func TestRun_HandlerPanicIsRecoverable(t *testing.T) {
	f := newFixture(t)

	stdin := writeFrames(t, f.messages, startupFrames(
		&request{Op: "panic"},
		&request{Op: "after"},
		nil,
	)...)

	out, err := run(t, f, stdin)
	require.NoError(t, err)

	assert.Equal(t, []string{"panic", "after"}, f.handler.handled)

	require.Len(t, out, 2)
	workerErr := out[0].(*wire.WorkerError)
	assert.True(t, workerErr.Recoverable)
	assert.Contains(t, workerErr.Report, "scripted panic")
	assert.Equal(t, &reply{Op: "after"}, out[1])
}

func TestRun_ArgsSchemaAcceptsValidArgs(t *testing.T) {
	f := newFixture(t)

	built := false
	f.handlers.RegisterWithSchema("checked",
		[]byte(`{"type":"object","properties":{"limit":{"type":"integer"}},"required":["limit"]}`),
		func(env helper.Env, args json.RawMessage) (helper.Handler, error) {
			built = true
			f.handler.env = env
			return f.handler, nil
		},
	)

	stdin := writeFrames(t, f.messages,
		&wire.StartupInfo{},
		&wire.HandlerInfo{Handler: "checked", Args: []byte(`{"limit":3}`)},
		nil,
	)

	out, err := run(t, f, stdin)
	require.NoError(t, err)

	assert.True(t, built)
	assert.Equal(t, 1, f.handler.starts)
	assert.Empty(t, out)
}

func TestRun_ArgsSchemaRejectsBadArgs(t *testing.T) {
	f := newFixture(t)

	f.handlers.RegisterWithSchema("checked",
		[]byte(`{"type":"object","properties":{"limit":{"type":"integer"}},"required":["limit"]}`),
		func(env helper.Env, _ json.RawMessage) (helper.Handler, error) {
			t.Error("factory ran for rejected args")
			return f.handler, nil
		},
	)

	stdin := writeFrames(t, f.messages,
		&wire.StartupInfo{},
		&wire.HandlerInfo{Handler: "checked", Args: []byte(`{"limit":"three"}`)},
		nil,
	)

	out, err := run(t, f, stdin)

	var validationErr *helper.ArgsValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, "checked", validationErr.Handler)

	// rejected before the handler exists
	assert.Zero(t, f.handler.starts)

	require.Len(t, out, 1)
	workerErr := out[0].(*wire.WorkerError)
	assert.False(t, workerErr.Recoverable)
	assert.Contains(t, workerErr.Report, "limit")
}

func TestRun_ArgsSchemaMissingArgsRejected(t *testing.T) {
	f := newFixture(t)

	f.handlers.RegisterWithSchema("checked",
		[]byte(`{"type":"object","required":["limit"]}`),
		func(env helper.Env, _ json.RawMessage) (helper.Handler, error) {
			return f.handler, nil
		},
	)

	stdin := writeFrames(t, f.messages,
		&wire.StartupInfo{},
		&wire.HandlerInfo{Handler: "checked"},
		nil,
	)

	_, err := run(t, f, stdin)

	var validationErr *helper.ArgsValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Zero(t, f.handler.starts)
}

func TestRegisterWithSchema_BadSchemaPanics(t *testing.T) {
	handlers := helper.NewHandlerRegistry()

	assert.Panics(t, func() {
		handlers.RegisterWithSchema("broken", []byte(`{"type": 12}`),
			func(helper.Env, json.RawMessage) (helper.Handler, error) {
				return nil, nil
			},
		)
	})
}

func TestRun_FactoryErrorFailsHandshake(t *testing.T) {
	f := newFixture(t)
	f.handlers.Register("broken", func(helper.Env, json.RawMessage) (helper.Handler, error) {
		return nil, errors.New("bad constructor args")
	})

	stdin := writeFrames(t, f.messages,
		&wire.StartupInfo{},
		&wire.HandlerInfo{Handler: "broken"},
		nil,
	)

	out, err := run(t, f, stdin)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad constructor args")

	require.Len(t, out, 1)
	assert.False(t, out[0].(*wire.WorkerError).Recoverable)
}
