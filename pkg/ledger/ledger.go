// Package ledger implements a multi-account bank with per-account locking.
//
// Each account carries its own mutex, so operations on unrelated accounts
// never contend. Deposit, Withdraw and CloseAccount take exactly one account
// lock. Transfer and TotalBalance are the only paths that hold more than
// one, and both acquire the locks in ascending account id order. Because
// every multi-lock path agrees on that order, two transfers in opposite
// directions between the same pair of accounts cannot deadlock.
//
// All checks run before any mutation, so a failed operation leaves every
// balance untouched.
package ledger

import (
	"fmt"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/daviddao/coordkit/pkg/metrics"
	"github.com/daviddao/coordkit/pkg/model"
)

// AccountID identifies an account. Ids are assigned from 1 upwards and are
// never reused; their numeric order is the global lock order.
type AccountID int64

func (id AccountID) String() string { return strconv.FormatInt(int64(id), 10) }

// ParseAccountID parses the decimal form produced by String.
func ParseAccountID(s string) (AccountID, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: account id %q", ErrInvalidArgument, s)
	}
	return AccountID(n), nil
}

// Account is a point-in-time copy of an account's state. Changing it does
// not affect the bank.
type Account struct {
	ID      AccountID       `json:"id"`
	Owner   string          `json:"owner"`
	Balance decimal.Decimal `json:"balance"`
	Active  bool            `json:"active"`
	Created time.Time       `json:"created"`
}

// IsActive reports whether the account was open when the copy was taken.
func (a Account) IsActive() bool { return a.Active }

// account is the live record. id, owner and created are immutable; balance
// and active are guarded by mu.
type account struct {
	mu      sync.Mutex
	id      AccountID
	owner   string
	created time.Time
	balance decimal.Decimal
	active  bool
}

func (a *account) snapshotLocked() Account {
	return Account{ID: a.id, Owner: a.owner, Balance: a.balance, Active: a.active, Created: a.created}
}

// Bank owns a set of accounts. The zero value is not usable; call New.
type Bank struct {
	mu       sync.RWMutex // guards the accounts map, not the accounts
	accounts map[AccountID]*account
	lastID   atomic.Int64

	observer model.Observer
	metrics  *metrics.LedgerMetrics
	logger   *zap.Logger
	now      func() time.Time
}

// Option configures a Bank.
type Option func(*Bank)

// WithObserver reports every completed or failed operation to o.
func WithObserver(o model.Observer) Option {
	return func(b *Bank) { b.observer = o }
}

// WithMetrics records operations in m.
func WithMetrics(m *metrics.LedgerMetrics) Option {
	return func(b *Bank) { b.metrics = m }
}

// WithLogger sets the logger used for failed operations at debug level.
func WithLogger(l *zap.Logger) Option {
	return func(b *Bank) { b.logger = l }
}

// WithClock sets the time source for account creation times.
func WithClock(now func() time.Time) Option {
	return func(b *Bank) { b.now = now }
}

// New returns an empty bank.
func New(opts ...Option) *Bank {
	b := &Bank{
		accounts: make(map[AccountID]*account),
		logger:   zap.NewNop(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// CreateAccount opens an active account with a zero balance and returns its
// id. Safe for concurrent use; every call gets a distinct id.
func (b *Bank) CreateAccount(owner string) AccountID {
	id := AccountID(b.lastID.Add(1))
	a := &account{id: id, owner: owner, created: b.now(), active: true}

	b.mu.Lock()
	b.accounts[id] = a
	b.mu.Unlock()

	b.metrics.AccountOpened()
	b.metrics.Op("create", "ok")
	b.emit(model.EventAccountOpened, id.String(), owner)
	return id
}

// CloseAccount deactivates an account. It returns false, changing nothing,
// when the id is unknown, the account is already closed, or its balance is
// not zero.
func (b *Bank) CloseAccount(id AccountID) bool {
	a, err := b.lookup(id)
	if err != nil {
		b.fail("close", err)
		return false
	}

	a.mu.Lock()
	if !a.active || a.balance.Sign() > 0 {
		active, balance := a.active, a.balance
		a.mu.Unlock()
		if !active {
			b.fail("close", fmt.Errorf("close %s: %w", id, ErrInactiveAccount))
		} else {
			b.fail("close", fmt.Errorf("close %s: balance %s: %w", id, balance, errBalanceNotZero))
		}
		return false
	}
	a.active = false
	a.mu.Unlock()

	b.metrics.AccountClosed()
	b.metrics.Op("close", "ok")
	b.emit(model.EventAccountClosed, id.String(), "")
	return true
}

// GetAccount returns a copy of the account's current state.
func (b *Bank) GetAccount(id AccountID) (Account, error) {
	a, err := b.lookup(id)
	if err != nil {
		return Account{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked(), nil
}

// AccountNumbers returns the ids of open accounts in ascending order. The
// set is built from a snapshot of the account map; accounts created or
// closed concurrently may or may not be included.
func (b *Bank) AccountNumbers() []AccountID {
	var ids []AccountID
	for _, a := range b.all() {
		a.mu.Lock()
		active := a.active
		a.mu.Unlock()
		if active {
			ids = append(ids, a.id)
		}
	}
	slices.Sort(ids)
	return ids
}

// AccountsByOwner returns the ids of every account, open or closed, opened
// for owner, in ascending order.
func (b *Bank) AccountsByOwner(owner string) []AccountID {
	var ids []AccountID
	for _, a := range b.all() {
		if a.owner == owner {
			ids = append(ids, a.id)
		}
	}
	slices.Sort(ids)
	return ids
}

// Deposit adds amount to the account's balance.
func (b *Bank) Deposit(id AccountID, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return b.fail("deposit", fmt.Errorf("deposit %s: negative amount %s: %w", id, amount, ErrInvalidArgument))
	}
	a, err := b.lookup(id)
	if err != nil {
		return b.fail("deposit", err)
	}

	a.mu.Lock()
	if !a.active {
		a.mu.Unlock()
		return b.fail("deposit", fmt.Errorf("deposit %s: %w", id, ErrInactiveAccount))
	}
	a.balance = a.balance.Add(amount)
	balance := a.balance
	a.mu.Unlock()

	b.metrics.Op("deposit", "ok")
	b.emit(model.EventDeposit, id.String(), "amount="+amount.String()+" balance="+balance.String())
	return nil
}

// Withdraw subtracts amount from the account's balance.
func (b *Bank) Withdraw(id AccountID, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return b.fail("withdraw", fmt.Errorf("withdraw %s: negative amount %s: %w", id, amount, ErrInvalidArgument))
	}
	a, err := b.lookup(id)
	if err != nil {
		return b.fail("withdraw", err)
	}

	a.mu.Lock()
	if !a.active {
		a.mu.Unlock()
		return b.fail("withdraw", fmt.Errorf("withdraw %s: %w", id, ErrInactiveAccount))
	}
	if amount.GreaterThan(a.balance) {
		balance := a.balance
		a.mu.Unlock()
		return b.fail("withdraw", fmt.Errorf("withdraw %s from %s (balance %s): %w", amount, id, balance, ErrOverdrawn))
	}
	a.balance = a.balance.Sub(amount)
	balance := a.balance
	a.mu.Unlock()

	b.metrics.Op("withdraw", "ok")
	b.emit(model.EventWithdraw, id.String(), "amount="+amount.String()+" balance="+balance.String())
	return nil
}

// Transfer moves amount from one account to another atomically: no reader
// holding either account's lock can observe the debit without the credit.
//
// A negative amount or from == to fails with ErrInvalidArgument before any
// lock is taken.
func (b *Bank) Transfer(from, to AccountID, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return b.fail("transfer", fmt.Errorf("transfer %s -> %s: negative amount %s: %w", from, to, amount, ErrInvalidArgument))
	}
	if from == to {
		return b.fail("transfer", fmt.Errorf("transfer %s -> %s: same account: %w", from, to, ErrInvalidArgument))
	}
	src, err := b.lookup(from)
	if err != nil {
		return b.fail("transfer", err)
	}
	dst, err := b.lookup(to)
	if err != nil {
		return b.fail("transfer", err)
	}

	first, second := src, dst
	if second.id < first.id {
		first, second = second, first
	}
	first.mu.Lock()
	second.mu.Lock()

	if !src.active || !dst.active {
		second.mu.Unlock()
		first.mu.Unlock()
		return b.fail("transfer", fmt.Errorf("transfer %s -> %s: %w", from, to, ErrInactiveAccount))
	}
	if src.balance.LessThan(amount) {
		balance := src.balance
		second.mu.Unlock()
		first.mu.Unlock()
		return b.fail("transfer", fmt.Errorf("transfer %s from %s (balance %s): %w", amount, from, balance, ErrOverdrawn))
	}
	src.balance = src.balance.Sub(amount)
	dst.balance = dst.balance.Add(amount)

	second.mu.Unlock()
	first.mu.Unlock()

	b.metrics.Op("transfer", "ok")
	b.emit(model.EventTransfer, from.String()+"->"+to.String(), "amount="+amount.String())
	return nil
}

// TotalBalance returns the sum of the given accounts' balances as of a
// single instant: all their locks are held together, in ascending id
// order, while summing. Duplicate ids are counted once.
func (b *Bank) TotalBalance(ids ...AccountID) (decimal.Decimal, error) {
	ordered := slices.Clone(ids)
	slices.Sort(ordered)
	ordered = slices.Compact(ordered)

	accts := make([]*account, 0, len(ordered))
	for _, id := range ordered {
		a, err := b.lookup(id)
		if err != nil {
			return decimal.Zero, err
		}
		accts = append(accts, a)
	}

	for _, a := range accts {
		a.mu.Lock()
	}
	total := decimal.Zero
	for _, a := range accts {
		total = total.Add(a.balance)
	}
	for i := len(accts) - 1; i >= 0; i-- {
		accts[i].mu.Unlock()
	}
	return total, nil
}

func (b *Bank) lookup(id AccountID) (*account, error) {
	b.mu.RLock()
	a, ok := b.accounts[id]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, ErrAccountNotFound)
	}
	return a, nil
}

func (b *Bank) all() []*account {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*account, 0, len(b.accounts))
	for _, a := range b.accounts {
		out = append(out, a)
	}
	return out
}

// fail records a failed operation and returns err unchanged.
func (b *Bank) fail(op string, err error) error {
	b.metrics.Op(op, reason(err))
	b.logger.Debug("ledger operation failed", zap.String("op", op), zap.Error(err))
	b.emit(model.EventLedgerFailed, op, err.Error())
	return err
}

func (b *Bank) emit(kind model.EventKind, subject, detail string) {
	if b.observer == nil {
		return
	}
	b.observer.Emit(model.Event{
		Source:  model.SourceLedger,
		Kind:    kind,
		Subject: subject,
		Detail:  detail,
	})
}
