package api

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/example/rider-agent/internal/models"
)

func (c *Client) WalletBalance(ctx context.Context) (*models.WalletBalance, error) {
	var out models.WalletBalance
	if err := c.get(ctx, "wallet.balance", "/wallets/me/balance", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) WalletTransactions(ctx context.Context, cursor string, limit int) (*models.TransactionPage, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out models.TransactionPage
	if err := c.t.Do(ctx, Request{Name: "wallet.transactions", Method: http.MethodGet, Path: "/wallets/me/transactions", Query: q, Auth: true}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) WalletSummary(ctx context.Context) (*models.WalletSummary, error) {
	var out models.WalletSummary
	if err := c.get(ctx, "wallet.summary", "/wallets/me/summary", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) PaymentDetails(ctx context.Context) (*models.PaymentDetails, error) {
	var out models.PaymentDetails
	if err := c.get(ctx, "wallet.payment_details", "/wallets/me/payment-details", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) UpdatePaymentDetails(ctx context.Context, d models.PaymentDetails) error {
	return c.t.Do(ctx, Request{Name: "wallet.payment_details.update", Method: http.MethodPut, Path: "/wallets/me/payment-details", Body: d, Auth: true}, nil)
}

func (c *Client) Withdraw(ctx context.Context, amount int64) (*models.Transaction, error) {
	var out models.Transaction
	if err := c.post(ctx, "wallet.withdraw", "/wallets/me/withdraw", map[string]int64{"amount": amount}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
