package main

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/daviddao/coordkit/pkg/config"
	"github.com/daviddao/coordkit/pkg/metrics"
	"github.com/daviddao/coordkit/pkg/semaphore"
)

type semaphoreResult struct {
	Permits       int           `json:"permits"`
	Workers       int           `json:"workers"`
	Rounds        int           `json:"rounds"`
	Acquisitions  int64         `json:"acquisitions"`
	MaxConcurrent int64         `json:"max_concurrent"`
	Available     int           `json:"available_after"`
	Elapsed       time.Duration `json:"elapsed_ns"`
	OK            bool          `json:"ok"`
}

func newSemaphoreCmd(opts *globalOptions) *cobra.Command {
	defaults := config.Default()
	cmd := &cobra.Command{
		Use:   "semaphore",
		Short: "Contend for a counting semaphore and check it never over-admits",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd, opts, "semaphore")
			if err != nil {
				return err
			}
			defer a.Close()
			return a.cmdSemaphore(cmd)
		},
	}
	f := cmd.Flags()
	f.Int("permits", defaults.Permits, "initial permits")
	f.Int("workers", defaults.Workers, "goroutines contending")
	f.Int("rounds", 20, "acquisitions per worker")
	f.Duration("hold", defaults.Hold, "how long each permit is held")
	return cmd
}

func (a *app) cmdSemaphore(cmd *cobra.Command) error {
	permits := intFlag(cmd, "permits", a.cfg.Permits)
	workers := intFlag(cmd, "workers", a.cfg.Workers)
	rounds := intFlag(cmd, "rounds", 20)
	hold := durationFlag(cmd, "hold", a.cfg.Hold)
	if permits < 1 {
		return fmt.Errorf("--permits must be at least 1, got %d", permits)
	}

	sem, err := semaphore.New(permits,
		semaphore.WithName("ck"),
		semaphore.WithObserver(a.observe),
		semaphore.WithMetrics(metrics.NewSemaphoreMetrics(a.registry, "ck")))
	if err != nil {
		return err
	}

	var holders, maxHolders, acquisitions atomic.Int64
	start := time.Now()
	g, ctx := errgroup.WithContext(cmd.Context())
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for r := 0; r < rounds; r++ {
				if err := sem.Acquire(ctx); err != nil {
					return err
				}
				n := holders.Add(1)
				for {
					m := maxHolders.Load()
					if n <= m || maxHolders.CompareAndSwap(m, n) {
						break
					}
				}
				acquisitions.Add(1)
				if hold > 0 {
					time.Sleep(hold)
				}
				holders.Add(-1)
				sem.Release()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("semaphore workload: %w", err)
	}

	res := semaphoreResult{
		Permits:       permits,
		Workers:       workers,
		Rounds:        rounds,
		Acquisitions:  acquisitions.Load(),
		MaxConcurrent: maxHolders.Load(),
		Available:     sem.Available(),
		Elapsed:       time.Since(start),
	}
	res.OK = res.MaxConcurrent <= int64(permits) &&
		res.Available == permits &&
		res.Acquisitions == int64(workers*rounds)
	a.logger.Info("semaphore run finished",
		zap.Int64("acquisitions", res.Acquisitions),
		zap.Int64("max_concurrent", res.MaxConcurrent),
		zap.Bool("ok", res.OK))

	if err := a.report(res, func(w io.Writer) {
		fmt.Fprintf(w, "permits:        %d\n", res.Permits)
		fmt.Fprintf(w, "workers:        %d x %d rounds\n", res.Workers, res.Rounds)
		fmt.Fprintf(w, "acquisitions:   %s\n", humanize.Comma(res.Acquisitions))
		fmt.Fprintf(w, "max concurrent: %d\n", res.MaxConcurrent)
		fmt.Fprintf(w, "available:      %d\n", res.Available)
		fmt.Fprintf(w, "elapsed:        %s\n", res.Elapsed.Round(time.Millisecond))
	}); err != nil {
		return err
	}
	if !res.OK {
		return fmt.Errorf("%w: %d concurrent holders for %d permits, %d available after run",
			errInvariant, res.MaxConcurrent, permits, res.Available)
	}
	return nil
}
