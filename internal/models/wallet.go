package models

import (
	"fmt"
	"time"
)

type TransactionType string

const (
	TxEarned   TransactionType = "earned"
	TxWithdrew TransactionType = "withdrew"
)

type TransactionStatus string

const (
	TxCompleted TransactionStatus = "completed"
	TxPending   TransactionStatus = "pending"
	TxFailed    TransactionStatus = "failed"
)

// WalletBalance is server-authoritative; amounts are minor units.
type WalletBalance struct {
	Balance  int64  `json:"balance"`
	Pending  int64  `json:"pendingBalance"`
	Currency string `json:"currency"`
}

func (b WalletBalance) Validate() error {
	if b.Currency == "" {
		return fmt.Errorf("%w: balance without currency", ErrInvalidPayload)
	}
	return nil
}

type Transaction struct {
	ID        string            `json:"id"`
	Type      TransactionType   `json:"type"`
	Status    TransactionStatus `json:"status"`
	Amount    int64             `json:"amount"`
	OrderID   string            `json:"orderId,omitempty"`
	Reference string            `json:"reference,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

func (t Transaction) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("%w: transaction without id", ErrInvalidPayload)
	}
	switch t.Type {
	case TxEarned, TxWithdrew:
	default:
		return fmt.Errorf("%w: transaction %s has type %q", ErrInvalidPayload, t.ID, t.Type)
	}
	switch t.Status {
	case TxCompleted, TxPending, TxFailed:
	default:
		return fmt.Errorf("%w: transaction %s has status %q", ErrInvalidPayload, t.ID, t.Status)
	}
	if t.Amount < 0 {
		return fmt.Errorf("%w: transaction %s has negative amount", ErrInvalidPayload, t.ID)
	}
	return nil
}

type TransactionPage struct {
	Transactions []Transaction `json:"transactions"`
	NextCursor   string        `json:"nextCursor,omitempty"`
}

func (p TransactionPage) Validate() error {
	for _, t := range p.Transactions {
		if err := t.Validate(); err != nil {
			return err
		}
	}
	return nil
}

type WalletSummary struct {
	TodayEarnings  int64  `json:"todayEarnings"`
	WeekEarnings   int64  `json:"weekEarnings"`
	TotalEarnings  int64  `json:"totalEarnings"`
	TotalWithdrawn int64  `json:"totalWithdrawn"`
	DeliveryCount  int    `json:"deliveryCount"`
	Currency       string `json:"currency"`
}

type PaymentDetails struct {
	BankName      string `json:"bankName"`
	AccountNumber string `json:"accountNumber"`
	AccountName   string `json:"accountName"`
}
