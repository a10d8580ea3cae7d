// Package wallet exposes the rider's earnings and withdrawals. Balances are
// server-authoritative; the agent only caches what it last read.
package wallet

import (
	"context"
	"errors"
	"log/slog"

	"github.com/example/rider-agent/internal/api"
	"github.com/example/rider-agent/internal/logging"
	"github.com/example/rider-agent/internal/models"
	"github.com/example/rider-agent/internal/query"
)

var ErrInvalidAmount = errors.New("withdrawal amount must be positive")

type API interface {
	WalletBalance(ctx context.Context) (*models.WalletBalance, error)
	WalletTransactions(ctx context.Context, cursor string, limit int) (*models.TransactionPage, error)
	WalletSummary(ctx context.Context) (*models.WalletSummary, error)
	Withdraw(ctx context.Context, amount int64) (*models.Transaction, error)
}

var walletKeys = []string{query.KeyWalletBalance, query.KeyWalletTransactions, query.KeyWalletSummary}

type Service struct {
	api     API
	cache   *query.Cache
	logger  *slog.Logger
	unwatch func()
}

// NewService builds the wallet view. Completing a delivery credits the
// wallet server-side, so wallet entries are dropped whenever the completed
// orders list is invalidated.
func NewService(a API, cache *query.Cache, logger *slog.Logger) *Service {
	s := &Service{api: a, cache: cache, logger: logging.OrDefault(logger)}
	s.unwatch = cache.Watch(query.KeyCompletedOrders, func(string) {
		cache.Invalidate(walletKeys...)
	})
	return s
}

// Close stops following order completions.
func (s *Service) Close() { s.unwatch() }

func (s *Service) Balance(ctx context.Context) (*models.WalletBalance, error) {
	v, err := s.cache.Fetch(ctx, query.KeyWalletBalance, func(ctx context.Context) (any, error) {
		return s.api.WalletBalance(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.WalletBalance), nil
}

// Transactions returns the most recent page of wallet activity.
func (s *Service) Transactions(ctx context.Context) (*models.TransactionPage, error) {
	v, err := s.cache.Fetch(ctx, query.KeyWalletTransactions, func(ctx context.Context) (any, error) {
		return s.api.WalletTransactions(ctx, "", 50)
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.TransactionPage), nil
}

func (s *Service) Summary(ctx context.Context) (*models.WalletSummary, error) {
	v, err := s.cache.Fetch(ctx, query.KeyWalletSummary, func(ctx context.Context) (any, error) {
		return s.api.WalletSummary(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.WalletSummary), nil
}

// Withdraw requests a payout of amount minor units.
func (s *Service) Withdraw(ctx context.Context, amount int64) (*models.Transaction, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	tx, err := s.api.Withdraw(ctx, amount)
	if err != nil {
		if api.IsCode(err, api.CodeInsufficientBalance) {
			// our balance was stale
			s.cache.Invalidate(query.KeyWalletBalance)
		}
		return nil, err
	}
	s.logger.Info("wallet_withdrawal", "amount", amount, "transaction_id", tx.ID, "status", tx.Status)
	s.cache.Invalidate(walletKeys...)
	return tx, nil
}
