package pool

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/x402x/facilitator/internal/chain"
)

// Admission errors. The HTTP layer maps these to capacity responses.
var (
	ErrDuplicatePayer = errors.New("payer already has a settlement in flight")
	ErrQueueOverload  = errors.New("signer queue is full")
	ErrShuttingDown   = errors.New("signer pool is shutting down")
)

// SelectionStrategy picks which account serves the next call.
type SelectionStrategy string

const (
	SelectRoundRobin SelectionStrategy = "round-robin"
	SelectRandom     SelectionStrategy = "random"

	// DefaultMaxQueueDepth bounds active + pending work per account.
	DefaultMaxQueueDepth = 10
	// DefaultWarningThreshold triggers a queue-depth warning metric.
	DefaultWarningThreshold = 7
	// DefaultShutdownTimeout bounds the drain on graceful shutdown.
	DefaultShutdownTimeout = 30 * time.Second
)

// Task runs against the selected signer. Once dispatched it runs to
// completion regardless of the caller's context.
type Task func(ctx context.Context, signer chain.Signer) error

// Metrics receives pool telemetry. Implementations must be cheap.
type Metrics interface {
	ObserveQueueDepth(network, account string, depth int)
	QueueWarning(network, account string, depth int)
}

type task struct {
	ctx   context.Context
	fn    Task
	payer string
	done  chan error
}

// Account is one funded signer identity with a strictly serial queue.
type Account struct {
	signer    chain.Signer
	tasks     chan *task
	active    atomic.Int32
	processed atomic.Uint64
}

// Address returns the account's signer address.
func (a *Account) Address() string {
	return a.signer.Address()
}

// Processed returns how many tasks this account has completed.
func (a *Account) Processed() uint64 {
	return a.processed.Load()
}

// depth is active work plus queued work. The channel length gives the
// pending count for free.
func (a *Account) depth() int {
	return int(a.active.Load()) + len(a.tasks)
}

// Pool owns a per-network set of signer accounts. Each account has
// concurrency exactly one; the pool additionally guarantees at most one
// in-flight settlement per normalized payer address.
type Pool struct {
	network          string
	accounts         []*Account
	strategy         SelectionStrategy
	maxQueueDepth    int
	warningThreshold int

	rr atomic.Uint64

	mu            sync.Mutex
	pendingPayers map[string]struct{}

	shuttingDown atomic.Bool
	closeMu      sync.RWMutex
	wg           sync.WaitGroup

	log     *zap.Logger
	metrics Metrics
}

// Options configures a Pool. Zero values take the defaults.
type Options struct {
	Strategy         SelectionStrategy
	MaxQueueDepth    int
	WarningThreshold int
	Metrics          Metrics
}

// New creates a pool over the given signers and starts one worker per
// account.
func New(network string, signers []chain.Signer, opts Options, log *zap.Logger) *Pool {
	if opts.Strategy == "" {
		opts.Strategy = SelectRoundRobin
	}
	if opts.MaxQueueDepth <= 0 {
		opts.MaxQueueDepth = DefaultMaxQueueDepth
	}
	if opts.WarningThreshold <= 0 {
		opts.WarningThreshold = DefaultWarningThreshold
	}

	p := &Pool{
		network:          network,
		strategy:         opts.Strategy,
		maxQueueDepth:    opts.MaxQueueDepth,
		warningThreshold: opts.WarningThreshold,
		pendingPayers:    make(map[string]struct{}),
		log:              log,
		metrics:          opts.Metrics,
	}
	for _, s := range signers {
		// Channel capacity is the hard bound: with at most one active task
		// per account, queued ≤ maxQueueDepth-1 keeps active+queued within
		// maxQueueDepth even when two admissions race past the depth check.
		account := &Account{
			signer: s,
			tasks:  make(chan *task, opts.MaxQueueDepth-1),
		}
		p.accounts = append(p.accounts, account)
		p.wg.Add(1)
		go p.worker(account)
	}
	return p
}

// Network returns the network this pool serves.
func (p *Pool) Network() string {
	return p.network
}

// Accounts exposes the pool's accounts for readiness reporting.
func (p *Pool) Accounts() []*Account {
	return p.accounts
}

// Size returns the number of signer accounts.
func (p *Pool) Size() int {
	return len(p.accounts)
}

// Execute acquires a signer and runs fn on its serial queue. A non-empty
// payer address takes the per-payer guard for the duration of the call.
//
// Admission order is fixed: the duplicate-payer check runs before account
// selection, and the queue-depth check runs on the selected account
// without retrying another one.
func (p *Pool) Execute(ctx context.Context, payer string, fn Task) error {
	if p.shuttingDown.Load() {
		return ErrShuttingDown
	}

	normalized := strings.ToLower(payer)
	if normalized != "" {
		p.mu.Lock()
		if _, inFlight := p.pendingPayers[normalized]; inFlight {
			p.mu.Unlock()
			return ErrDuplicatePayer
		}
		p.pendingPayers[normalized] = struct{}{}
		p.mu.Unlock()
	}

	account := p.selectAccount()
	depth := account.depth()
	if depth >= p.maxQueueDepth {
		p.releasePayer(normalized)
		return ErrQueueOverload
	}
	if depth >= p.warningThreshold {
		if p.metrics != nil {
			p.metrics.QueueWarning(p.network, account.Address(), depth)
		}
		if p.log != nil {
			p.log.Warn("signer queue depth above warning threshold",
				zap.String("network", p.network),
				zap.String("account", account.Address()),
				zap.Int("depth", depth))
		}
	}

	t := &task{ctx: ctx, fn: fn, payer: normalized, done: make(chan error, 1)}
	p.closeMu.RLock()
	if p.shuttingDown.Load() {
		p.closeMu.RUnlock()
		p.releasePayer(normalized)
		return ErrShuttingDown
	}
	select {
	case account.tasks <- t:
		p.closeMu.RUnlock()
	default:
		p.closeMu.RUnlock()
		// The queue filled between the depth check and the send; the
		// channel's capacity enforces the bound.
		p.releasePayer(normalized)
		return ErrQueueOverload
	}
	if p.metrics != nil {
		p.metrics.ObserveQueueDepth(p.network, account.Address(), account.depth())
	}

	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		// The worker drops the task when it dequeues it and releases the
		// payer guard there. Once dispatched, the task runs to completion.
		return ctx.Err()
	}
}

func (p *Pool) selectAccount() *Account {
	switch p.strategy {
	case SelectRandom:
		return p.accounts[rand.Intn(len(p.accounts))]
	default:
		n := p.rr.Add(1) - 1
		return p.accounts[n%uint64(len(p.accounts))]
	}
}

func (p *Pool) releasePayer(payer string) {
	if payer == "" {
		return
	}
	p.mu.Lock()
	delete(p.pendingPayers, payer)
	p.mu.Unlock()
}

// worker is the single consumer of one account's queue: concurrency
// exactly one, FIFO in admission order.
func (p *Pool) worker(account *Account) {
	defer p.wg.Done()
	for t := range account.tasks {
		// Dropped before dispatch: never touches the chain.
		if t.ctx.Err() != nil {
			p.releasePayer(t.payer)
			t.done <- t.ctx.Err()
			continue
		}

		account.active.Store(1)
		// Detach from the caller: once dispatched, the task is not
		// cancellable.
		err := t.fn(context.WithoutCancel(t.ctx), account.signer)
		account.active.Store(0)
		account.processed.Add(1)

		p.releasePayer(t.payer)
		t.done <- err

		if p.metrics != nil {
			p.metrics.ObserveQueueDepth(p.network, account.Address(), account.depth())
		}
	}
	// Channel closed: release guards for anything that never ran.
}

// Shutdown refuses new work, closes the queues, and waits up to timeout
// for in-flight and queued tasks to drain.
func (p *Pool) Shutdown(timeout time.Duration) error {
	if !p.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}
	p.closeMu.Lock()
	for _, account := range p.accounts {
		close(account.tasks)
	}
	p.closeMu.Unlock()

	drained := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		return nil
	case <-time.After(timeout):
		if p.log != nil {
			p.log.Warn("signer pool shutdown timed out with work remaining",
				zap.String("network", p.network))
		}
		return ErrShuttingDown
	}
}
