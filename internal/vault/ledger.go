// Package vault implements the confidential time-locked custody ledger.
// Balances are held as encrypted handles; cleartext amounts only surface when
// an owner withdraws and a public reveal proves the claimed amount.
package vault

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"confvault/internal/events"
	"confvault/internal/fhe"
	"confvault/internal/storage"
)

// MaxLockDuration is the longest lock a single deposit may request, in seconds.
const MaxLockDuration uint64 = 365 * 24 * 60 * 60

// Operation names used in logs and metrics.
const (
	OpStake            = "stake"
	OpRequestWithdraw  = "request_withdraw"
	OpFinalizeWithdraw = "finalize_withdraw"
)

// Payer moves cleartext funds out of custody. The context passed to Pay
// belongs to the running operation; ledger calls made with it are rejected
// with ErrReentrantCall.
//
// Implementations must not call back into the ledger with any other context.
// Such a call cannot be told apart from an independent caller: it waits for
// the running operation, which is waiting on Pay, and blocks until that
// context is done. With context.Background it never returns.
type Payer interface {
	Pay(ctx context.Context, to common.Address, amount uint64) error
}

// PayerFunc adapts a function to Payer.
type PayerFunc func(ctx context.Context, to common.Address, amount uint64) error

func (f PayerFunc) Pay(ctx context.Context, to common.Address, amount uint64) error {
	return f(ctx, to, amount)
}

// Observer receives operation outcomes. metrics.Collector implements it.
type Observer interface {
	RecordOperation(op, outcome string, elapsed time.Duration)
	SetPendingWithdrawals(n int)
}

type noopObserver struct{}

func (noopObserver) RecordOperation(string, string, time.Duration) {}
func (noopObserver) SetPendingWithdrawals(int)                     {}

// Config holds the required collaborators of a Ledger.
type Config struct {
	// Address is the ledger's own principal. It is granted access to every
	// balance handle it stores.
	Address common.Address
	DB      storage.Database
	Engine  fhe.Engine
	Payer   Payer
}

// Option configures optional Ledger behaviour.
type Option func(*Ledger)

func WithEmitter(e events.Emitter) Option { return func(l *Ledger) { l.emitter = e } }

func WithLogger(log zerolog.Logger) Option { return func(l *Ledger) { l.log = log } }

func WithObserver(o Observer) Option { return func(l *Ledger) { l.obs = o } }

// WithNowFunc overrides the ledger clock.
func WithNowFunc(now func() time.Time) Option { return func(l *Ledger) { l.nowFn = now } }

type Ledger struct {
	self    common.Address
	db      storage.Database
	engine  fhe.Engine
	payer   Payer
	emitter events.Emitter
	log     zerolog.Logger
	obs     Observer
	nowFn   func() time.Time
	guard   *guard

	mu      sync.Mutex
	pending int
}

// New opens a ledger over cfg.DB. Existing positions and withdraw requests
// are picked up as they are.
func New(cfg Config, opts ...Option) (*Ledger, error) {
	switch {
	case cfg.DB == nil:
		return nil, errors.New("vault: nil database")
	case cfg.Engine == nil:
		return nil, errors.New("vault: nil engine")
	case cfg.Payer == nil:
		return nil, errors.New("vault: nil payer")
	case cfg.Address == (common.Address{}):
		return nil, errors.New("vault: zero ledger address")
	}
	l := &Ledger{
		self:    cfg.Address,
		db:      cfg.DB,
		engine:  cfg.Engine,
		payer:   cfg.Payer,
		emitter: events.NoopEmitter{},
		log:     zerolog.Nop(),
		obs:     noopObserver{},
		nowFn:   time.Now,
		guard:   newGuard(),
	}
	for _, opt := range opts {
		opt(l)
	}
	keys, err := l.db.Keys(requestPrefix)
	if err != nil {
		return nil, fmt.Errorf("vault: scan withdraw requests: %w", err)
	}
	l.pending = len(keys)
	l.obs.SetPendingWithdrawals(l.pending)
	return l, nil
}

// Address returns the ledger principal.
func (l *Ledger) Address() common.Address { return l.self }

// Now returns the ledger clock in unix seconds.
func (l *Ledger) Now() uint64 {
	ts := l.nowFn().Unix()
	if ts < 0 {
		return 0
	}
	return uint64(ts)
}

// Position returns the stored position of id. Unknown identities have an
// empty position.
func (l *Ledger) Position(id common.Address) (Position, error) {
	return loadPosition(l.db, id)
}

func (l *Ledger) BalanceHandle(id common.Address) (fhe.Handle, error) {
	p, err := l.Position(id)
	return p.BalanceHandle, err
}

func (l *Ledger) UnlockTime(id common.Address) (uint64, error) {
	p, err := l.Position(id)
	return p.UnlockTime, err
}

func (l *Ledger) PendingWithdrawHandle(id common.Address) (fhe.Handle, error) {
	p, err := l.Position(id)
	return p.PendingWithdrawHandle, err
}

// PendingWithdrawals reports the number of live withdraw requests.
func (l *Ledger) PendingWithdrawals() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pending
}

func (l *Ledger) adjustPending(delta int) {
	l.mu.Lock()
	l.pending += delta
	n := l.pending
	l.mu.Unlock()
	l.obs.SetPendingWithdrawals(n)
}

func (l *Ledger) observe(op string, id common.Address, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = Kind(err)
	}
	l.obs.RecordOperation(op, outcome, time.Since(start))
	if err == nil {
		return
	}
	entry := l.log.Debug()
	if outcome == KindInternal || outcome == KindResource {
		entry = l.log.Warn()
	}
	entry.Err(err).Str("op", op).Str("identity", id.Hex()).Str("kind", outcome).Msg("operation rejected")
}

// publish emits *evt if set. Operations defer it ahead of the guard release
// so listeners run after the token is returned.
func (l *Ledger) publish(evt *events.Event) {
	if *evt != nil {
		l.emitter.Emit(*evt)
	}
}

// grant gives the ledger and owner access to h.
func (l *Ledger) grant(ctx context.Context, h fhe.Handle, owner common.Address) error {
	if err := l.engine.GrantAccess(ctx, h, l.self); err != nil {
		return fmt.Errorf("vault: grant ledger access: %w", err)
	}
	if err := l.engine.GrantAccess(ctx, h, owner); err != nil {
		return fmt.Errorf("vault: grant owner access: %w", err)
	}
	return nil
}

// Stake deposits amount for id and extends its lock to at least now+lockSeconds.
func (l *Ledger) Stake(ctx context.Context, id common.Address, amount *uint256.Int, lockSeconds uint64) (_ Position, err error) {
	start := time.Now()
	var evt events.Event
	defer func() { l.observe(OpStake, id, start, err) }()
	defer l.publish(&evt)

	if lockSeconds < 1 || lockSeconds > MaxLockDuration {
		return Position{}, &DurationOutOfBoundsError{Duration: lockSeconds, Max: MaxLockDuration}
	}
	if amount == nil || amount.IsZero() {
		return Position{}, ErrZeroAmount
	}
	if !amount.IsUint64() {
		return Position{}, &AmountTooLargeError{Amount: amount.Clone()}
	}

	ctx, release, err := l.guard.enter(ctx)
	if err != nil {
		return Position{}, err
	}
	defer release()

	cur, err := loadPosition(l.db, id)
	if err != nil {
		return Position{}, err
	}
	if !cur.PendingWithdrawHandle.IsNull() {
		return Position{}, ErrWithdrawAlreadyPending
	}

	deposit, err := l.engine.Encrypt(ctx, amount.Uint64())
	if err != nil {
		return Position{}, fmt.Errorf("vault: encrypt deposit: %w", err)
	}
	balance := deposit
	if !cur.BalanceHandle.IsNull() {
		if balance, err = l.engine.Add(ctx, cur.BalanceHandle, deposit); err != nil {
			return Position{}, fmt.Errorf("vault: add deposit: %w", err)
		}
	}
	if err := l.grant(ctx, balance, id); err != nil {
		return Position{}, err
	}

	unlock := l.Now() + lockSeconds
	if !cur.BalanceHandle.IsNull() && cur.UnlockTime > unlock {
		unlock = cur.UnlockTime
	}
	next := Position{BalanceHandle: balance, UnlockTime: unlock}

	batch := l.db.NewBatch()
	if err := putPosition(batch, id, next); err != nil {
		return Position{}, err
	}
	if err := batch.Write(); err != nil {
		return Position{}, fmt.Errorf("vault: commit stake: %w", err)
	}
	l.log.Info().Str("identity", id.Hex()).Uint64("amount", amount.Uint64()).
		Uint64("unlock_time", unlock).Msg("stake committed")
	evt = StakedEvent{Identity: id, Amount: amount.Clone(), UnlockTime: unlock}
	return next, nil
}

// RequestWithdraw marks the full balance of id for public reveal and returns
// the handle to reveal.
func (l *Ledger) RequestWithdraw(ctx context.Context, id common.Address) (_ fhe.Handle, err error) {
	start := time.Now()
	var evt events.Event
	defer func() { l.observe(OpRequestWithdraw, id, start, err) }()
	defer l.publish(&evt)

	ctx, release, err := l.guard.enter(ctx)
	if err != nil {
		return fhe.NullHandle, err
	}
	defer release()

	cur, err := loadPosition(l.db, id)
	if err != nil {
		return fhe.NullHandle, err
	}
	if cur.BalanceHandle.IsNull() {
		return fhe.NullHandle, ErrNoActiveStake
	}
	if !cur.PendingWithdrawHandle.IsNull() {
		return fhe.NullHandle, ErrWithdrawAlreadyPending
	}
	if now := l.Now(); now < cur.UnlockTime {
		return fhe.NullHandle, &StakeLockedError{Now: now, UnlockTime: cur.UnlockTime}
	}
	h := cur.BalanceHandle
	exists, err := l.db.Has(requestKey(h))
	if err != nil {
		return fhe.NullHandle, fmt.Errorf("vault: check withdraw request: %w", err)
	}
	if exists {
		return fhe.NullHandle, ErrWithdrawRequestAlreadyExists
	}

	if err := l.engine.MarkPubliclyRevealable(ctx, h); err != nil {
		return fhe.NullHandle, fmt.Errorf("vault: mark revealable: %w", err)
	}

	next := cur
	next.PendingWithdrawHandle = h
	batch := l.db.NewBatch()
	if err := putPosition(batch, id, next); err != nil {
		return fhe.NullHandle, err
	}
	batch.Put(requestKey(h), id.Bytes())
	if err := batch.Write(); err != nil {
		return fhe.NullHandle, fmt.Errorf("vault: commit withdraw request: %w", err)
	}
	l.adjustPending(1)
	l.log.Info().Str("identity", id.Hex()).Stringer("handle", h).Msg("withdraw requested")
	evt = WithdrawRequestedEvent{Identity: id, Handle: h}
	return h, nil
}

// FinalizeWithdraw checks the reveal proof for handle and pays claimedAmount
// to caller, who must own the request. The position is reset to an encrypted
// zero before payment and restored if payment fails.
func (l *Ledger) FinalizeWithdraw(ctx context.Context, caller common.Address, h fhe.Handle, claimedAmount uint64, proof []byte) (err error) {
	start := time.Now()
	var evt events.Event
	defer func() { l.observe(OpFinalizeWithdraw, caller, start, err) }()
	defer l.publish(&evt)

	ctx, release, err := l.guard.enter(ctx)
	if err != nil {
		return err
	}
	defer release()

	owner, found, err := lookupRequest(l.db, h)
	if err != nil {
		return err
	}
	if !found {
		return ErrUnknownWithdrawRequest
	}
	if owner != caller {
		return &UnauthorizedFinalizerError{Caller: caller, Expected: owner}
	}

	valid, err := l.engine.VerifyRevealProof(ctx, h, claimedAmount, proof)
	if err != nil {
		return fmt.Errorf("vault: verify reveal proof: %w", err)
	}
	if !valid {
		return ErrInvalidRevealProof
	}

	cur, err := loadPosition(l.db, owner)
	if err != nil {
		return err
	}
	if cur.PendingWithdrawHandle != h {
		return fmt.Errorf("%w: request %s not pending on %s", ErrCorruptState, h, owner.Hex())
	}

	zero, err := l.engine.Encrypt(ctx, 0)
	if err != nil {
		return fmt.Errorf("vault: encrypt zero: %w", err)
	}
	if err := l.grant(ctx, zero, owner); err != nil {
		return err
	}

	reset := l.db.NewBatch()
	reset.Delete(requestKey(h))
	if err := putPosition(reset, owner, Position{BalanceHandle: zero}); err != nil {
		return err
	}
	if err := reset.Write(); err != nil {
		return fmt.Errorf("vault: commit finalize: %w", err)
	}
	l.adjustPending(-1)

	if payErr := l.payer.Pay(ctx, caller, claimedAmount); payErr != nil {
		failure := &TransferFailedError{To: caller, Amount: claimedAmount, Err: payErr}
		restore := l.db.NewBatch()
		restore.Put(requestKey(h), owner.Bytes())
		if err := putPosition(restore, owner, cur); err != nil {
			return errors.Join(failure, err)
		}
		if err := restore.Write(); err != nil {
			l.log.Error().Err(err).Str("identity", owner.Hex()).Stringer("handle", h).
				Msg("restore after failed payout did not commit")
			return errors.Join(failure, fmt.Errorf("vault: restore position: %w", err))
		}
		l.adjustPending(1)
		return failure
	}

	l.log.Info().Str("identity", owner.Hex()).Uint64("amount", claimedAmount).Msg("withdraw finalized")
	evt = WithdrawFinalizedEvent{Identity: owner, Amount: claimedAmount}
	return nil
}
