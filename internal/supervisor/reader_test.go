package supervisor

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/fluxmedia/warden/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type beat struct {
	Seq int `json:"seq"`
}

func (*beat) Kind() string { return "beat" }

func newBeatCodec() *wire.Codec {
	reg := wire.NewRegistry()
	reg.Register("beat", func() wire.Message { return &beat{} })
	return wire.NewCodec(reg)
}

// inlineScheduler runs callbacks on the posting goroutine. The reader
// posts sequentially, so execution order still matches post order.
type inlineScheduler struct{}

func (inlineScheduler) Post(fn func()) { fn() }

type readerRecorder struct {
	mu       sync.Mutex
	messages []wire.Message
	reason   QuitReason
	finished bool
}

func (r *readerRecorder) deliver(msg wire.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
}

func (r *readerRecorder) finish(reason QuitReason) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reason = reason
	r.finished = true
}

func (r *readerRecorder) snapshot() ([]wire.Message, QuitReason, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]wire.Message(nil), r.messages...), r.reason, r.finished
}

func runReader(t *testing.T, stream io.Reader) *readerRecorder {
	t.Helper()

	rec := &readerRecorder{}
	r := newReader(
		newBeatCodec(),
		stream,
		inlineScheduler{},
		rec.deliver,
		rec.finish,
		zap.NewNop(),
	)
	r.start()

	select {
	case <-r.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("reader did not finish")
	}

	// finished is posted after done closes; with the inline scheduler
	// it may still be a hair behind
	require.Eventually(t, func() bool {
		_, _, fin := rec.snapshot()
		return fin
	}, time.Second, time.Millisecond)

	return rec
}

func TestReader_DeliversInOrderThenQuitsNormally(t *testing.T) {
	codec := newBeatCodec()

	var stream bytes.Buffer
	for i := 0; i < 25; i++ {
		require.NoError(t, codec.Write(&stream, &beat{Seq: i}))
	}
	require.NoError(t, codec.Write(&stream, nil))

	rec := runReader(t, &stream)

	messages, reason, _ := rec.snapshot()
	assert.Equal(t, QuitNormal, reason)
	require.Len(t, messages, 25)
	for i, msg := range messages {
		assert.Equal(t, i, msg.(*beat).Seq)
	}
}

func TestReader_ClassifiesClosedPipe(t *testing.T) {
	codec := newBeatCodec()

	// stream ends without a sentinel
	var stream bytes.Buffer
	require.NoError(t, codec.Write(&stream, &beat{Seq: 1}))

	rec := runReader(t, &stream)

	messages, reason, _ := rec.snapshot()
	assert.Equal(t, QuitClosedPipe, reason)
	assert.Len(t, messages, 1)
}

func TestReader_ClassifiesReadError(t *testing.T) {
	var stream bytes.Buffer
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], 5)
	stream.Write(header[:])
	stream.WriteString("%%%%%")

	rec := runReader(t, &stream)

	_, reason, _ := rec.snapshot()
	assert.Equal(t, QuitReadError, reason)
}

// faultyStream fails with a non-EOF error after its data runs out,
// like a pipe whose read end went bad.
type faultyStream struct {
	data io.Reader
	err  error
}

func (s *faultyStream) Read(p []byte) (int, error) {
	n, err := s.data.Read(p)
	if err == io.EOF {
		return n, s.err
	}
	return n, err
}

func TestReader_ClassifiesStreamFailureAsReadError(t *testing.T) {
	codec := newBeatCodec()

	var frames bytes.Buffer
	require.NoError(t, codec.Write(&frames, &beat{Seq: 1}))

	rec := runReader(t, &faultyStream{
		data: &frames,
		err:  errors.New("input/output error"),
	})

	messages, reason, _ := rec.snapshot()
	assert.Equal(t, QuitReadError, reason)
	assert.Len(t, messages, 1)
}

func TestReader_EmptyStream(t *testing.T) {
	rec := runReader(t, &bytes.Buffer{})

	messages, reason, _ := rec.snapshot()
	assert.Empty(t, messages)
	assert.Equal(t, QuitClosedPipe, reason)
}

func TestReader_MessagesAfterSentinelIgnored(t *testing.T) {
	codec := newBeatCodec()

	var stream bytes.Buffer
	require.NoError(t, codec.Write(&stream, nil))
	require.NoError(t, codec.Write(&stream, &beat{Seq: 99}))

	rec := runReader(t, &stream)

	messages, reason, _ := rec.snapshot()
	assert.Equal(t, QuitNormal, reason)
	assert.Empty(t, messages)
}
