package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/daviddao/coordkit/pkg/config"
	"github.com/daviddao/coordkit/pkg/metrics"
	"github.com/daviddao/coordkit/pkg/pipeline"
)

type pipelineResult struct {
	Config     pipeline.Config `json:"config"`
	Report     pipeline.Report `json:"report"`
	Ran        time.Duration   `json:"ran_ns"`
	Throughput float64         `json:"processed_per_second"`
	Violations []string        `json:"violations,omitempty"`
}

func newPipelineCmd(opts *globalOptions) *cobra.Command {
	defaults := config.Default()
	cmd := &cobra.Command{
		Use:   "pipeline",
		Short: "Run the producer, validator, processor pipeline",
		Long: `Starts --producers producers, --validators validators and --processors
processors connected by two queues of --capacity (0 = unbounded). Runs for
--for, or until interrupted when --for is 0, then prints order counts and
the end-to-end latency summary.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd, opts, "pipeline")
			if err != nil {
				return err
			}
			defer a.Close()
			return a.cmdPipeline(cmd)
		},
	}
	f := cmd.Flags()
	f.Int("producers", defaults.Producers, "producer goroutines")
	f.Int("validators", defaults.Validators, "validator goroutines")
	f.Int("processors", defaults.Processors, "processor goroutines")
	f.Int("capacity", defaults.QueueCapacity, "queue capacity, 0 for unbounded")
	f.Duration("max-delay", defaults.MaxDelay, "upper bound of each stage's random pause")
	f.Float64("rate", defaults.ProducerRate, "combined producer rate in orders/s, 0 for unpaced")
	f.Int("item-range", defaults.ItemRange, "item ids are drawn from [0, item-range)")
	f.Int("valid-below", defaults.ValidBelow, "orders with an item id below this pass validation")
	f.Duration("for", defaults.RunFor, "how long to run, 0 for until interrupted")
	f.Uint64("seed", 0, "random seed (0 = random)")
	return cmd
}

func (a *app) cmdPipeline(cmd *cobra.Command) error {
	cfg := pipeline.Config{
		Producers:     intFlag(cmd, "producers", a.cfg.Producers),
		Validators:    intFlag(cmd, "validators", a.cfg.Validators),
		Processors:    intFlag(cmd, "processors", a.cfg.Processors),
		QueueCapacity: intFlag(cmd, "capacity", a.cfg.QueueCapacity),
		MaxDelay:      durationFlag(cmd, "max-delay", a.cfg.MaxDelay),
		ProducerRate:  float64Flag(cmd, "rate", a.cfg.ProducerRate),
		ItemRange:     intFlag(cmd, "item-range", a.cfg.ItemRange),
		ValidBelow:    intFlag(cmd, "valid-below", a.cfg.ValidBelow),
	}
	runFor := durationFlag(cmd, "for", a.cfg.RunFor)
	seed := uint64Flag(cmd, "seed", a.cfg.Seed)

	p, err := pipeline.New(cfg,
		pipeline.WithObserver(a.observe),
		pipeline.WithMetrics(metrics.NewPipelineMetrics(a.registry)),
		pipeline.WithLogger(a.logger),
		pipeline.WithRand(seed))
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if runFor > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, runFor)
		defer cancel()
	}

	start := time.Now()
	if err := p.Start(ctx); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
	case <-p.Done():
	}
	if err := p.Stop(); err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}
	ran := time.Since(start)

	res := pipelineResult{Config: cfg, Report: p.Stats(), Ran: ran}
	if secs := ran.Seconds(); secs > 0 {
		res.Throughput = float64(res.Report.Processed) / secs
	}
	r := res.Report
	if r.Processed+r.Failed > r.Validated {
		res.Violations = append(res.Violations,
			fmt.Sprintf("%d orders handled but only %d validated", r.Processed+r.Failed, r.Validated))
	}
	if r.Validated+r.Rejected > r.Produced {
		res.Violations = append(res.Violations,
			fmt.Sprintf("%d orders validated or rejected but only %d produced", r.Validated+r.Rejected, r.Produced))
	}
	a.logger.Info("pipeline run finished",
		zap.Int64("produced", r.Produced),
		zap.Int64("processed", r.Processed),
		zap.Int64("rejected", r.Rejected),
		zap.Duration("p95", r.Latency.P95))

	if err := a.report(res, func(w io.Writer) { printPipeline(w, res) }); err != nil {
		return err
	}
	if len(res.Violations) > 0 {
		return fmt.Errorf("%w: %s", errInvariant, res.Violations[0])
	}
	return nil
}

func printPipeline(w io.Writer, res pipelineResult) {
	r := res.Report
	fmt.Fprintf(w, "stages:     %d producers, %d validators, %d processors, queue capacity %d\n",
		res.Config.Producers, res.Config.Validators, res.Config.Processors, res.Config.QueueCapacity)
	fmt.Fprintf(w, "ran:        %s\n", res.Ran.Round(time.Millisecond))
	fmt.Fprintf(w, "produced:   %s\n", humanize.Comma(r.Produced))
	fmt.Fprintf(w, "validated:  %s\n", humanize.Comma(r.Validated))
	fmt.Fprintf(w, "rejected:   %s\n", humanize.Comma(r.Rejected))
	fmt.Fprintf(w, "processed:  %s (%s)\n", humanize.Comma(r.Processed),
		humanize.SIWithDigits(res.Throughput, 1, "orders/s"))
	if r.Failed > 0 {
		fmt.Fprintf(w, "failed:     %s\n", humanize.Comma(r.Failed))
	}
	if l := r.Latency; l.Count > 0 {
		fmt.Fprintf(w, "latency:    mean %s  p50 %s  p95 %s  max %s\n",
			l.Mean.Round(time.Microsecond), l.P50.Round(time.Microsecond),
			l.P95.Round(time.Microsecond), l.Max.Round(time.Microsecond))
	}
	for _, v := range res.Violations {
		fmt.Fprintf(w, "VIOLATION: %s\n", v)
	}
}
