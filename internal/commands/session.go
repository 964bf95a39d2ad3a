package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"gridkv/internal/transactionmanager"
)

var ErrUnknownTransaction = errors.New("transaction not found")

type sessionTx struct {
	ctx context.Context
	tx  *transactionmanager.Tx
}

// Session holds the transactions a client connection opened with BEGIN.
// Closing it rolls back the ones left open.
type Session struct {
	mu           sync.Mutex
	transactions map[string]sessionTx
}

func NewSession() *Session {
	return &Session{transactions: make(map[string]sessionTx)}
}

func (s *Session) add(ctx context.Context, tx *transactionmanager.Tx) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.transactions[tx.ID()] = sessionTx{ctx: ctx, tx: tx}
}

// context returns the context carrying the transaction id, or base when id
// is empty.
func (s *Session) context(base context.Context, id string) (context.Context, error) {
	if id == "" {
		return base, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.transactions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTransaction, id)
	}
	return st.ctx, nil
}

func (s *Session) take(id string) (sessionTx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.transactions[id]
	if !ok {
		return sessionTx{}, fmt.Errorf("%w: %s", ErrUnknownTransaction, id)
	}
	delete(s.transactions, id)
	return st, nil
}

// Open is the number of transactions still open.
func (s *Session) Open() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.transactions)
}

func (s *Session) Close() {
	s.mu.Lock()
	open := s.transactions
	s.transactions = make(map[string]sessionTx)
	s.mu.Unlock()

	for id, st := range open {
		if err := st.tx.Close(); err != nil {
			slog.Warn("rollback on disconnect failed", "tx", id, "error", err)
		}
	}
}

// txArg returns the optional transaction id at position i of args.
func txArg(args []string, i int) string {
	if len(args) > i {
		return args[i]
	}
	return ""
}
