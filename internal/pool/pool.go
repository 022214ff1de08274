// Package pool runs a fixed-size pool of supervised workers for
// applications that want N identical helpers instead of one. Each pool
// member gets its own control loop and supervisor; acquiring a member
// gives exclusive use of it until release.
package pool

import (
	"context"

	"github.com/fluxmedia/warden/internal/eventloop"
	"github.com/fluxmedia/warden/internal/supervisor"
	"github.com/fluxmedia/warden/internal/wire"
	"github.com/jackc/puddle/v2"
	"go.uber.org/zap"
)

// Supervisor is the slice of supervisor.Supervisor the pool needs.
type Supervisor interface {
	Start() error
	Send(msg wire.Message) error
	Shutdown()
}

// Factory builds a supervisor confined to the given scheduler. The
// pool calls it once per member.
type Factory func(sched supervisor.Scheduler, log *zap.Logger) (Supervisor, error)

// Member is one pooled worker: its control loop and the supervisor
// confined to it.
type Member struct {
	loop       *eventloop.Loop
	Supervisor Supervisor
}

// Do runs fn on the member's control loop and waits for it. This is
// how callers invoke supervisor methods on an acquired member.
func (m *Member) Do(fn func() error) error {
	errc := make(chan error, 1)

	m.loop.Post(func() {
		errc <- fn()
	})

	return <-errc
}

// Config configures the pool.
type Config struct {
	// MaxSize is the maximum number of concurrently live workers.
	MaxSize int32 `conf:"max_size"`
}

// Params defines the dependencies for the pool.
type Params struct {
	// Config is the pool configuration.
	Config Config

	// Factory creates a supervisor for each member.
	Factory Factory

	// Log is the logger to use for the pool.
	Log *zap.Logger
}

type Pool struct {
	pool *puddle.Pool[*Member]
	log  *zap.Logger
}

func New(params Params) (*Pool, error) {
	log := params.Log.Named("pool")

	maxSize := params.Config.MaxSize
	if maxSize <= 0 {
		maxSize = 1
	}

	constructor := func(ctx context.Context) (*Member, error) {
		loop := eventloop.New(log)
		go loop.Run()

		sup, err := params.Factory(loop, log)
		if err != nil {
			loop.Stop()
			return nil, err
		}

		member := &Member{loop: loop, Supervisor: sup}

		if err := member.Do(sup.Start); err != nil {
			loop.Stop()
			return nil, err
		}

		return member, nil
	}

	destructor := func(member *Member) {
		if err := member.Do(func() error {
			member.Supervisor.Shutdown()
			return nil
		}); err != nil {
			log.Error("error shutting down pooled worker", zap.Error(err))
		}

		member.loop.Stop()
	}

	p, err := puddle.NewPool(&puddle.Config[*Member]{
		Constructor: constructor,
		Destructor:  destructor,
		MaxSize:     maxSize,
	})
	if err != nil {
		return nil, err
	}

	return &Pool{pool: p, log: log}, nil
}

// Do acquires a member, runs fn with exclusive use of it, and releases
// it back to the pool. If fn returns an error the member is destroyed
// instead of released, so a wedged worker does not get recycled.
func (p *Pool) Do(ctx context.Context, fn func(*Member) error) error {
	resource, err := p.pool.Acquire(ctx)
	if err != nil {
		p.log.Error("error acquiring worker", zap.Error(err))
		return err
	}

	if err := fn(resource.Value()); err != nil {
		resource.Destroy()
		return err
	}

	resource.Release()

	return nil
}

// Shutdown destroys every member and waits for their supervisors to
// stop.
func (p *Pool) Shutdown() {
	p.pool.Close()
}
