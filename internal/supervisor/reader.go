package supervisor

import (
	"errors"
	"io"

	"github.com/fluxmedia/warden/internal/wire"
	"go.uber.org/zap"
)

// reader is the dedicated goroutine that blocks on the worker's output
// stream. Every decoded message is posted to the control loop; the
// reader itself never runs application code. When the stream ends the
// reader records why, exactly once, then posts a single terminal
// notification that triggers the clean-stop-vs-restart decision.
type reader struct {
	codec     *wire.Codec
	stream    io.Reader
	scheduler Scheduler

	// deliver runs on the control loop, once per decoded message, in
	// arrival order.
	deliver func(wire.Message)

	// finished runs on the control loop after the reader has stopped,
	// carrying the quit reason recorded exactly once by run.
	finished func(QuitReason)

	done chan struct{}

	log *zap.Logger
}

func newReader(
	codec *wire.Codec,
	stream io.Reader,
	scheduler Scheduler,
	deliver func(wire.Message),
	finished func(QuitReason),
	log *zap.Logger,
) *reader {
	return &reader{
		codec:     codec,
		stream:    stream,
		scheduler: scheduler,
		deliver:   deliver,
		finished:  finished,
		done:      make(chan struct{}),
		log:       log.Named("reader"),
	}
}

// start launches the reader goroutine.
func (r *reader) start() {
	go r.run()
}

// Done is closed once the terminal notification has been posted.
func (r *reader) Done() <-chan struct{} {
	return r.done
}

func (r *reader) run() {
	reason := r.loop()

	close(r.done)

	if reason != QuitNormal {
		r.log.Warn("reader finished abnormally", zap.String("reason", string(reason)))
	}

	r.scheduler.Post(func() {
		r.finished(reason)
	})
}

func (r *reader) loop() (reason QuitReason) {
	// an unclassified reader failure must still produce a terminal
	// record, or the supervisor would never notice the worker is gone
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("panic in reader", zap.Any("panic", p))
			reason = QuitUnexpected
		}
	}()

	for {
		msg, err := r.codec.Read(r.stream)

		switch {
		case err == nil:
			msg := msg
			r.scheduler.Post(func() {
				r.deliver(msg)
			})

		case errors.Is(err, wire.ErrQuit):
			return QuitNormal

		case errors.Is(err, wire.ErrEndOfStream):
			return QuitClosedPipe

		default:
			r.log.Warn("quitting on read error from pipe", zap.Error(err))
			return QuitReadError
		}
	}
}
