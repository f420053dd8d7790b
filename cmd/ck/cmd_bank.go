package main

import (
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/daviddao/coordkit/pkg/config"
	"github.com/daviddao/coordkit/pkg/ledger"
	"github.com/daviddao/coordkit/pkg/metrics"
)

type bankResult struct {
	Accounts   []ledger.Account `json:"accounts"`
	Transfers  int64            `json:"transfers"`
	Overdrawn  int64            `json:"overdrawn"`
	Initial    decimal.Decimal  `json:"initial_total"`
	Final      decimal.Decimal  `json:"final_total"`
	Conserved  bool             `json:"conserved"`
	Scenario   bool             `json:"scenario_ok"`
	Closed     int              `json:"closed"`
	StillOpen  int              `json:"still_open"`
	Elapsed    time.Duration    `json:"elapsed_ns"`
	Violations []string         `json:"violations,omitempty"`
}

func newBankCmd(opts *globalOptions) *cobra.Command {
	defaults := config.Default()
	cmd := &cobra.Command{
		Use:   "bank",
		Short: "Run concurrent transfers and verify money is conserved",
		Long: `Opens --accounts accounts with --deposit each, runs --transfers random
transfers from --workers goroutines in both directions, then checks that
the total is unchanged and no balance went negative. It also replays the
fixed two-account scenario (100/0, transfer 50, transfer 1000) and finally
closes every account whose balance is zero.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd, opts, "bank")
			if err != nil {
				return err
			}
			defer a.Close()
			return a.cmdBank(cmd)
		},
	}
	f := cmd.Flags()
	f.Int("accounts", defaults.Accounts, "accounts to open")
	f.Int("transfers", defaults.Transfers, "total transfers to attempt")
	f.Int64("deposit", defaults.Deposit, "opening deposit per account")
	f.Int("workers", defaults.Workers, "goroutines issuing transfers")
	f.Uint64("seed", 0, "random seed (0 = random)")
	return cmd
}

func (a *app) cmdBank(cmd *cobra.Command) error {
	accounts := intFlag(cmd, "accounts", a.cfg.Accounts)
	transfers := intFlag(cmd, "transfers", a.cfg.Transfers)
	deposit := int64Flag(cmd, "deposit", a.cfg.Deposit)
	workers := intFlag(cmd, "workers", a.cfg.Workers)
	seed := uint64Flag(cmd, "seed", a.cfg.Seed)
	if accounts < 2 {
		return fmt.Errorf("--accounts must be at least 2, got %d", accounts)
	}
	if workers < 1 {
		return fmt.Errorf("--workers must be at least 1, got %d", workers)
	}
	if seed == 0 {
		seed = rand.Uint64()
	}

	bank := ledger.New(
		ledger.WithObserver(a.observe),
		ledger.WithMetrics(metrics.NewLedgerMetrics(a.registry)),
		ledger.WithLogger(a.logger))

	ids := make([]ledger.AccountID, accounts)
	for i := range ids {
		ids[i] = bank.CreateAccount(fmt.Sprintf("owner-%d", i))
		if err := bank.Deposit(ids[i], decimal.NewFromInt(deposit)); err != nil {
			return err
		}
	}
	initial, err := bank.TotalBalance(ids...)
	if err != nil {
		return err
	}

	start := time.Now()
	var done, overdrawn atomic.Int64
	g, ctx := errgroup.WithContext(cmd.Context())
	for w := 0; w < workers; w++ {
		n := transfers / workers
		if w < transfers%workers {
			n++
		}
		rng := rand.New(rand.NewPCG(seed, uint64(w)))
		g.Go(func() error {
			for i := 0; i < n; i++ {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				x, y := rng.IntN(len(ids)), rng.IntN(len(ids)-1)
				if y >= x {
					y++
				}
				from, to := ids[x], ids[y]
				amount := decimal.NewFromInt(1 + rng.Int64N(max(deposit/2, 1)))
				err := bank.Transfer(from, to, amount)
				switch {
				case err == nil:
					done.Add(1)
				case errors.Is(err, ledger.ErrOverdrawn):
					overdrawn.Add(1)
				default:
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("transfer workload: %w", err)
	}
	elapsed := time.Since(start)

	res := bankResult{
		Transfers: done.Load(),
		Overdrawn: overdrawn.Load(),
		Initial:   initial,
		Elapsed:   elapsed,
	}
	if res.Final, err = bank.TotalBalance(ids...); err != nil {
		return err
	}
	res.Conserved = res.Final.Equal(initial)
	if !res.Conserved {
		res.Violations = append(res.Violations, fmt.Sprintf("total changed from %s to %s", initial, res.Final))
	}
	for _, id := range ids {
		acct, err := bank.GetAccount(id)
		if err != nil {
			return err
		}
		if acct.Balance.IsNegative() {
			res.Violations = append(res.Violations, fmt.Sprintf("account %s balance %s", id, acct.Balance))
		}
	}

	if err := runScenario(bank); err != nil {
		res.Violations = append(res.Violations, err.Error())
	} else {
		res.Scenario = true
	}

	for _, id := range bank.AccountNumbers() {
		if bank.CloseAccount(id) {
			res.Closed++
		}
	}
	res.StillOpen = len(bank.AccountNumbers())
	for _, id := range ids {
		acct, _ := bank.GetAccount(id)
		res.Accounts = append(res.Accounts, acct)
	}

	a.logger.Info("bank run finished",
		zap.Int64("transfers", res.Transfers),
		zap.Int64("overdrawn", res.Overdrawn),
		zap.Bool("conserved", res.Conserved),
		zap.Bool("scenario", res.Scenario))

	if err := a.report(res, func(w io.Writer) { printBank(w, res) }); err != nil {
		return err
	}
	if len(res.Violations) > 0 {
		return fmt.Errorf("%w: %s", errInvariant, res.Violations[0])
	}
	return nil
}

// runScenario replays the fixed two-account case: A=100, B=0, a transfer of
// 50 leaves 50/50 and a transfer of 1000 is refused without side effects.
// It empties both accounts afterwards so they can be closed.
func runScenario(bank *ledger.Bank) error {
	a := bank.CreateAccount("scenario-a")
	b := bank.CreateAccount("scenario-b")
	if err := bank.Deposit(a, decimal.NewFromInt(100)); err != nil {
		return err
	}

	check := func(step string, wantA, wantB int64) error {
		acctA, err := bank.GetAccount(a)
		if err != nil {
			return err
		}
		acctB, err := bank.GetAccount(b)
		if err != nil {
			return err
		}
		if !acctA.Balance.Equal(decimal.NewFromInt(wantA)) || !acctB.Balance.Equal(decimal.NewFromInt(wantB)) {
			return fmt.Errorf("scenario %s: balances %s/%s, want %d/%d",
				step, acctA.Balance, acctB.Balance, wantA, wantB)
		}
		return nil
	}

	if err := bank.Transfer(a, b, decimal.NewFromInt(50)); err != nil {
		return fmt.Errorf("scenario transfer 50: %w", err)
	}
	if err := check("after transfer 50", 50, 50); err != nil {
		return err
	}
	if err := bank.Transfer(a, b, decimal.NewFromInt(1000)); !errors.Is(err, ledger.ErrOverdrawn) {
		return fmt.Errorf("scenario transfer 1000: got %v, want overdrawn", err)
	}
	if err := check("after refused transfer", 50, 50); err != nil {
		return err
	}

	for _, id := range []ledger.AccountID{a, b} {
		if err := bank.Withdraw(id, decimal.NewFromInt(50)); err != nil {
			return fmt.Errorf("scenario withdraw: %w", err)
		}
	}
	return nil
}

func printBank(w io.Writer, res bankResult) {
	fmt.Fprintf(w, "transfers:  %s ok, %s refused as overdrawn (%s)\n",
		humanize.Comma(res.Transfers), humanize.Comma(res.Overdrawn), res.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "total:      %s -> %s (conserved: %t)\n", res.Initial, res.Final, res.Conserved)
	fmt.Fprintf(w, "scenario:   %t\n", res.Scenario)
	fmt.Fprintf(w, "closed:     %d, still open: %d\n", res.Closed, res.StillOpen)
	for _, acct := range res.Accounts {
		state := "open"
		if !acct.Active {
			state = "closed"
		}
		fmt.Fprintf(w, "  %-4s %-10s %10s  %s\n", acct.ID, acct.Owner, acct.Balance.StringFixed(2), state)
	}
	for _, v := range res.Violations {
		fmt.Fprintf(w, "VIOLATION: %s\n", v)
	}
}
