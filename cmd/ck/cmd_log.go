package main

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/daviddao/coordkit/pkg/journal"
	"github.com/daviddao/coordkit/pkg/model"
)

func newLogCmd(opts *globalOptions) *cobra.Command {
	var (
		f        journal.Filter
		kind     string
		source   string
		listRuns bool
	)
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Read events back from the journal in Lamport order",
		Long: `Prints journal events ordered by Lamport timestamp, ties broken by actor.
Only useful with a file journal: pass --journal or set COORDKIT_JOURNAL.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd, opts, "")
			if err != nil {
				return err
			}
			defer a.Close()
			f.Kind = model.EventKind(kind)
			f.Source = model.Source(source)
			if listRuns {
				return a.cmdRuns(cmd, f.Limit)
			}
			return a.cmdLog(cmd, f)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.RunID, "run", "", "only events of this run")
	fl.StringVar(&kind, "kind", "", "only events of this kind")
	fl.StringVar(&source, "source", "", "only events from semaphore, ledger or pipeline")
	fl.Int64Var(&f.SinceTS, "since", 0, "only events with lamport_ts >= this")
	fl.IntVar(&f.Limit, "limit", 50, "max rows to return")
	fl.BoolVar(&listRuns, "runs", false, "list runs instead of events")
	return cmd
}

type logResult struct {
	Events []model.Event `json:"events"`
	Count  int           `json:"count"`
	Total  int64         `json:"total"`
}

func (a *app) cmdLog(cmd *cobra.Command, f journal.Filter) error {
	ctx := cmd.Context()
	events, err := a.journal.ListEvents(ctx, f)
	if err != nil {
		return fmt.Errorf("log: %w", err)
	}
	total, err := a.journal.CountEvents(ctx, f)
	if err != nil {
		return fmt.Errorf("log: %w", err)
	}
	res := logResult{Events: events, Count: len(events), Total: total}
	return a.report(res, func(w io.Writer) {
		if len(events) == 0 {
			fmt.Fprintln(w, "no events")
			if a.cfg.Journal == "" {
				fmt.Fprintln(w, "(the journal is in memory; pass --journal to read a saved one)")
			}
			return
		}
		for _, e := range events {
			printEvent(w, e)
		}
		if total > int64(len(events)) {
			fmt.Fprintf(w, "... %s more\n", humanize.Comma(total-int64(len(events))))
		}
	})
}

func printEvent(w io.Writer, e model.Event) {
	actor := e.Actor
	if actor == "" {
		actor = "-"
	}
	fmt.Fprintf(w, "[ts=%d] %-9s %-16s %-14s %s", e.LamportTS, e.Source, e.Kind, actor, e.Subject)
	if e.Detail != "" {
		fmt.Fprintf(w, " %s", e.Detail)
	}
	fmt.Fprintln(w)
}

func (a *app) cmdRuns(cmd *cobra.Command, limit int) error {
	runs, err := a.journal.ListRuns(cmd.Context(), limit)
	if err != nil {
		return fmt.Errorf("runs: %w", err)
	}
	return a.report(map[string]any{"runs": runs, "count": len(runs)}, func(w io.Writer) {
		if len(runs) == 0 {
			fmt.Fprintln(w, "no runs")
			return
		}
		for _, r := range runs {
			n, _ := a.journal.CountEvents(cmd.Context(), journal.Filter{RunID: r.ID})
			fmt.Fprintf(w, "%s  %-9s %s events  %s\n",
				r.ID, r.Command, humanize.Comma(n), humanize.Time(r.StartedAt))
		}
	})
}
