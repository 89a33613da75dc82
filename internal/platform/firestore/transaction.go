package firestore

import (
	"context"
	"errors"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
)

const (
	defaultTxAttempts = 5
	defaultTxTimeout  = 15 * time.Second
)

// TxFunc is executed within a Firestore transaction.
type TxFunc func(ctx context.Context, tx *firestore.Transaction) error

// TxOption customises transaction behaviour.
type TxOption func(*txConfig)

type txConfig struct {
	attempts int
	timeout  time.Duration
}

// WithTxAttempts overrides the retry attempts for a transaction.
func WithTxAttempts(attempts int) TxOption {
	return func(cfg *txConfig) {
		if attempts > 0 {
			cfg.attempts = attempts
		}
	}
}

// WithTxTimeout sets a timeout for the transaction context.
func WithTxTimeout(timeout time.Duration) TxOption {
	return func(cfg *txConfig) {
		if timeout > 0 {
			cfg.timeout = timeout
		}
	}
}

// RunTransaction executes fn within a transaction on the provided client.
func RunTransaction(ctx context.Context, client *firestore.Client, fn TxFunc, opts ...TxOption) error {
	if client == nil {
		return WrapError("transaction", errors.New("firestore: client is nil"))
	}
	if fn == nil {
		return WrapError("transaction", errors.New("firestore: transaction function is nil"))
	}

	cfg := txConfig{attempts: defaultTxAttempts, timeout: defaultTxTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	txnCtx := ctx
	var cancel context.CancelFunc
	if cfg.timeout > 0 {
		deadline, hasDeadline := ctx.Deadline()
		if !hasDeadline || time.Until(deadline) > cfg.timeout {
			txnCtx, cancel = context.WithTimeout(ctx, cfg.timeout)
		}
	}
	if cancel != nil {
		defer cancel()
	}

	firestoreOpts := make([]firestore.TransactionOption, 0, 1)
	if cfg.attempts > 0 {
		firestoreOpts = append(firestoreOpts, firestore.MaxAttempts(cfg.attempts))
	}

	err := client.RunTransaction(txnCtx, func(ctx context.Context, tx *firestore.Transaction) error {
		return fn(ctx, tx)
	}, firestoreOpts...)

	return WrapError("transaction", err)
}

type txStateKey struct{}

// txState carries the active transaction for repositories sharing a unit of work. Firestore rejects
// reads issued after a write, so writes are buffered and flushed once the unit of work completes.
type txState struct {
	tx *firestore.Transaction

	mu      sync.Mutex
	pending map[string]any
	writes  []func(*firestore.Transaction) error
}

// TransactionFrom returns the transaction bound to ctx by UnitOfWork.RunInTx.
func TransactionFrom(ctx context.Context) (*firestore.Transaction, bool) {
	state := stateFrom(ctx)
	if state == nil {
		return nil, false
	}
	return state.tx, true
}

func stateFrom(ctx context.Context) *txState {
	if ctx == nil {
		return nil
	}
	state, _ := ctx.Value(txStateKey{}).(*txState)
	return state
}

func (s *txState) stage(path string, value any, write func(*firestore.Transaction) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if path != "" {
		s.pending[path] = value
	}
	s.writes = append(s.writes, write)
}

func (s *txState) staged(path string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.pending[path]
	return value, ok
}

func (s *txState) flush() error {
	s.mu.Lock()
	writes := s.writes
	s.writes = nil
	s.mu.Unlock()
	for _, write := range writes {
		if err := write(s.tx); err != nil {
			return err
		}
	}
	return nil
}

// UnitOfWork runs repository calls inside a single Firestore transaction. Nested calls join the
// outer transaction.
type UnitOfWork struct {
	provider *Provider
	opts     []TxOption
}

// NewUnitOfWork constructs a UnitOfWork bound to the provider.
func NewUnitOfWork(provider *Provider, opts ...TxOption) *UnitOfWork {
	return &UnitOfWork{provider: provider, opts: opts}
}

// RunInTx executes fn with a transaction bound to its context. Firestore may invoke fn more than
// once when the transaction is aborted by contention.
func (u *UnitOfWork) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if fn == nil {
		return WrapError("transaction", errors.New("firestore: transaction function is nil"))
	}
	if stateFrom(ctx) != nil {
		return fn(ctx)
	}
	if u == nil || u.provider == nil {
		return WrapError("transaction", errors.New("firestore: provider is nil"))
	}
	return u.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		state := &txState{tx: tx, pending: make(map[string]any)}
		if err := fn(context.WithValue(ctx, txStateKey{}, state)); err != nil {
			return err
		}
		return state.flush()
	}, u.opts...)
}
