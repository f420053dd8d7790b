// Package pipeline runs a three-stage producer, validator and processor
// pipeline connected by two blocking queues.
//
//	producers -> incoming -> validators -> validated -> processors
//
// With bounded queues a full queue blocks the stage feeding it, so upstream
// stages slow to the pace of downstream ones. Every order is taken by
// exactly one validator and, if valid, by exactly one processor. Orders
// still buffered when the pipeline stops are discarded.
package pipeline

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/daviddao/coordkit/pkg/metrics"
	"github.com/daviddao/coordkit/pkg/model"
	"github.com/daviddao/coordkit/pkg/queue"
)

// State is the lifecycle of a Pipeline.
type State int

const (
	StateNew State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithObserver reports stage and order events to o.
func WithObserver(o model.Observer) Option {
	return func(p *Pipeline) { p.env.Observer = o }
}

// WithHandler sets the processor's side effect.
func WithHandler(h Handler) Option {
	return func(p *Pipeline) { p.env.Handler = h }
}

// WithMetrics records order flow in m.
func WithMetrics(m *metrics.PipelineMetrics) Option {
	return func(p *Pipeline) { p.env.Metrics = m }
}

// WithLogger sets the logger for stage lifecycle and handler failures.
func WithLogger(l *zap.Logger) Option {
	return func(p *Pipeline) { p.env.Logger = l }
}

// WithRand seeds item id and delay selection. Seed 0 keeps the global
// source.
func WithRand(seed uint64) Option {
	return func(p *Pipeline) { p.env.reseed(seed) }
}

// Pipeline supervises the stage goroutines. A Pipeline runs once: after
// Stop, create a new one.
type Pipeline struct {
	cfg       Config
	env       *Env
	incoming  *queue.Bounded[Order]
	validated *queue.Bounded[Order]

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}
	err    error // set before done is closed
}

// New validates cfg and builds the queues. No goroutine runs until Start.
func New(cfg Config, opts ...Option) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	incoming, err := queue.New[Order](cfg.QueueCapacity)
	if err != nil {
		return nil, fmt.Errorf("incoming queue: %w", err)
	}
	validated, err := queue.New[Order](cfg.QueueCapacity)
	if err != nil {
		return nil, fmt.Errorf("validated queue: %w", err)
	}

	p := &Pipeline{
		cfg:       cfg,
		env:       NewEnv(cfg, 0),
		incoming:  incoming,
		validated: validated,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Start launches every stage. The stages stop when ctx is done, when Stop
// is called, or when one of them fails.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateNew {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	for i := range p.cfg.Producers {
		name := fmt.Sprintf("producer-%d", i)
		g.Go(func() error { return RunProducer(gctx, p.env, name, p.incoming) })
	}
	for i := range p.cfg.Validators {
		name := fmt.Sprintf("validator-%d", i)
		g.Go(func() error { return RunValidator(gctx, p.env, name, p.incoming, p.validated) })
	}
	for i := range p.cfg.Processors {
		name := fmt.Sprintf("processor-%d", i)
		g.Go(func() error { return RunProcessor(gctx, p.env, name, p.validated) })
	}

	p.cancel = cancel
	p.state = StateRunning
	p.env.logger().Info("pipeline started",
		zap.Int("producers", p.cfg.Producers),
		zap.Int("validators", p.cfg.Validators),
		zap.Int("processors", p.cfg.Processors),
		zap.Int("queue_capacity", p.cfg.QueueCapacity))

	go func() {
		err := g.Wait()
		cancel()
		p.mu.Lock()
		p.state = StateStopped
		p.mu.Unlock()
		p.err = err
		close(p.done)
	}()
	return nil
}

// Stop cancels every stage and waits for them to return. Calling it on a
// pipeline that never started marks it stopped.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	switch p.state {
	case StateNew:
		p.state = StateStopped
		close(p.done)
		p.mu.Unlock()
		return nil
	case StateRunning:
		p.cancel()
	}
	p.mu.Unlock()
	return p.Wait()
}

// Wait blocks until every stage has returned and reports the first stage
// failure, if any. It returns immediately for a pipeline that never started.
func (p *Pipeline) Wait() error {
	p.mu.Lock()
	if p.state == StateNew {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()
	<-p.done
	return p.err
}

// Done is closed once every stage has returned.
func (p *Pipeline) Done() <-chan struct{} { return p.done }

// State reports the current lifecycle state.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Stats returns the counters and latency summary so far.
func (p *Pipeline) Stats() Report { return p.env.Stats.Report() }

// QueueDepths returns the number of orders buffered in each queue.
func (p *Pipeline) QueueDepths() (incoming, validated int) {
	return p.incoming.Len(), p.validated.Len()
}
