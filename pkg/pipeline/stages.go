package pipeline

import (
	"context"
	"errors"
	"math/rand/v2"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/daviddao/coordkit/pkg/metrics"
	"github.com/daviddao/coordkit/pkg/model"
	"github.com/daviddao/coordkit/pkg/queue"
	"github.com/daviddao/coordkit/pkg/semaphore"
)

// Queue names used in metrics and events.
const (
	QueueIncoming  = "incoming"
	QueueValidated = "validated"
)

// Handler is the processor's terminal side effect. It is called exactly once
// per order that passes validation. An error is logged and counted; it does
// not stop the processor.
type Handler func(ctx context.Context, o Order) error

// Env is what every stage shares: sizing, hooks and counters. Zero-valued
// hooks are fine; stages treat a nil Logger as a no-op logger and a nil
// Handler as "accept everything".
type Env struct {
	Config   Config
	Handler  Handler
	Observer model.Observer
	Metrics  *metrics.PipelineMetrics
	Logger   *zap.Logger
	Stats    *Stats

	// Limiter paces all producers together. nil means unpaced.
	Limiter *rate.Limiter

	Now func() time.Time

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewEnv returns an Env for cfg. seed 0 draws item ids and delays from the
// global source; any other seed makes them reproducible.
func NewEnv(cfg Config, seed uint64) *Env {
	e := &Env{
		Config: cfg,
		Logger: zap.NewNop(),
		Stats:  &Stats{},
		Now:    func() time.Time { return time.Now().UTC() },
	}
	e.reseed(seed)
	if cfg.ProducerRate > 0 {
		e.Limiter = rate.NewLimiter(rate.Limit(cfg.ProducerRate), 1)
	}
	return e
}

// RunProducer makes orders with random item ids and puts them into out
// until ctx is done. Cancellation is the normal way to stop it and returns
// nil.
func RunProducer(ctx context.Context, env *Env, name string, out *queue.Bounded[Order]) error {
	env.started(name)
	var seq int64
	for {
		if env.Limiter != nil {
			// Wait fails only when ctx ends or its deadline comes before
			// the next token. Both mean stop.
			if err := env.Limiter.Wait(ctx); err != nil {
				return env.stopped(ctx, name, nil)
			}
		}
		o := Order{
			ProducerID: name,
			ItemID:     env.intn(env.Config.ItemRange),
			Seq:        seq,
			Created:    env.now(),
		}
		if err := out.Put(ctx, o); err != nil {
			return env.stopped(ctx, name, err)
		}
		seq++
		env.Stats.produced.Add(1)
		env.Metrics.Order("produced")
		env.Metrics.QueueDepth(QueueIncoming, out.Len())
		env.emit(model.EventOrderProduced, name, o)

		if err := env.pause(ctx); err != nil {
			return env.stopped(ctx, name, err)
		}
	}
}

// RunValidator takes orders from in and forwards the valid ones to out.
// Invalid orders are dropped with an EventOrderRejected event.
func RunValidator(ctx context.Context, env *Env, name string, in, out *queue.Bounded[Order]) error {
	env.started(name)
	for {
		o, err := in.Take(ctx)
		if err != nil {
			return env.stopped(ctx, name, err)
		}
		env.Metrics.QueueDepth(QueueIncoming, in.Len())

		if !env.Config.Valid(o) {
			env.Stats.rejected.Add(1)
			env.Metrics.Order("rejected")
			env.emit(model.EventOrderRejected, name, o)
		} else {
			if err := out.Put(ctx, o); err != nil {
				return env.stopped(ctx, name, err)
			}
			env.Stats.validated.Add(1)
			env.Metrics.Order("validated")
			env.Metrics.QueueDepth(QueueValidated, out.Len())
			env.emit(model.EventOrderValidated, name, o)
		}

		if err := env.pause(ctx); err != nil {
			return env.stopped(ctx, name, err)
		}
	}
}

// RunProcessor takes validated orders from in and hands each one to the
// handler.
func RunProcessor(ctx context.Context, env *Env, name string, in *queue.Bounded[Order]) error {
	env.started(name)
	for {
		o, err := in.Take(ctx)
		if err != nil {
			return env.stopped(ctx, name, err)
		}
		env.Metrics.QueueDepth(QueueValidated, in.Len())

		if err := env.handle(ctx, o); err != nil {
			env.Stats.failed.Add(1)
			env.Metrics.HandlerError()
			env.logger().Warn("handler failed",
				zap.String("stage", name),
				zap.String("order", o.Key()),
				zap.Error(err))
			env.emitDetail(model.EventHandlerFailed, name, o.Key(), err.Error())
		} else {
			latency := env.now().Sub(o.Created)
			env.Stats.observe(latency)
			env.Metrics.Order("processed")
			env.Metrics.Latency(latency.Seconds())
			env.emit(model.EventOrderProcessed, name, o)
		}

		if err := env.pause(ctx); err != nil {
			return env.stopped(ctx, name, err)
		}
	}
}

func (e *Env) handle(ctx context.Context, o Order) error {
	if e.Handler == nil {
		return nil
	}
	return e.Handler(ctx, o)
}

// pause sleeps for a random duration in [0, MaxDelay), returning early with
// ctx's error when ctx is done.
func (e *Env) pause(ctx context.Context) error {
	if e.Config.MaxDelay <= 0 {
		return ctx.Err()
	}
	d := time.Duration(e.int64n(int64(e.Config.MaxDelay)))
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (e *Env) reseed(seed uint64) {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	if seed == 0 {
		e.rng = nil
		return
	}
	e.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

func (e *Env) intn(n int) int {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	if e.rng == nil {
		return rand.IntN(n)
	}
	return e.rng.IntN(n)
}

func (e *Env) int64n(n int64) int64 {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	if e.rng == nil {
		return rand.Int64N(n)
	}
	return e.rng.Int64N(n)
}

func (e *Env) now() time.Time {
	if e.Now == nil {
		return time.Now().UTC()
	}
	return e.Now()
}

func (e *Env) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

func (e *Env) started(name string) {
	e.logger().Debug("stage started", zap.String("stage", name))
	e.emitDetail(model.EventStageStarted, name, name, "")
}

// stopped ends a stage. A stop caused by ctx (directly or through a
// cancelled queue wait) is normal and returns nil; anything else is
// returned to the supervisor.
func (e *Env) stopped(ctx context.Context, name string, err error) error {
	e.logger().Debug("stage stopped", zap.String("stage", name), zap.Error(err))
	e.emitDetail(model.EventStageStopped, name, name, "")
	if err == nil || ctx.Err() != nil || errors.Is(err, semaphore.ErrCancelled) {
		return nil
	}
	return err
}

func (e *Env) emit(kind model.EventKind, actor string, o Order) {
	if e.Observer == nil {
		return
	}
	e.emitDetail(kind, actor, o.Key(), "item="+strconv.Itoa(o.ItemID))
}

func (e *Env) emitDetail(kind model.EventKind, actor, subject, detail string) {
	e.Observer.Emit(model.Event{
		Source:  model.SourcePipeline,
		Kind:    kind,
		Actor:   actor,
		Subject: subject,
		Detail:  detail,
	})
}
