package events

import (
	"time"

	"github.com/shopspring/decimal"
)

// WalletCreated opens a wallet for a user. One wallet per user.
type WalletCreated struct {
	WalletID  string          `json:"wallet_id"`
	UserID    string          `json:"user_id"`
	Balance   decimal.Decimal `json:"balance"`
	CreatedAt time.Time       `json:"created_at"`
}

func (WalletCreated) EventType() string { return TypeWalletCreated }

// WalletBalanceChanged records every balance movement with its reason.
// Change is signed: negative for debits, positive for credits.
type WalletBalanceChanged struct {
	WalletID   string          `json:"wallet_id"`
	Change     decimal.Decimal `json:"change"`
	NewBalance decimal.Decimal `json:"new_balance"`
	Reason     string          `json:"reason"`
	ChangedAt  time.Time       `json:"changed_at"`
}

func (WalletBalanceChanged) EventType() string { return TypeWalletBalanceChanged }

// WalletPaymentSuccess records a successful reservation-fee debit.
type WalletPaymentSuccess struct {
	WalletID      string          `json:"wallet_id"`
	ReservationID string          `json:"reservation_id"`
	Amount        decimal.Decimal `json:"amount"`
	PaidAt        time.Time       `json:"paid_at"`
}

func (WalletPaymentSuccess) EventType() string { return TypeWalletPaymentSuccess }

// WalletPaymentDeclined records a reservation-fee debit that would have
// overdrawn the wallet.
type WalletPaymentDeclined struct {
	WalletID      string          `json:"wallet_id"`
	ReservationID string          `json:"reservation_id"`
	Amount        decimal.Decimal `json:"amount"`
	Reason        string          `json:"reason"`
	DeclinedAt    time.Time       `json:"declined_at"`
}

func (WalletPaymentDeclined) EventType() string { return TypeWalletPaymentDeclined }

// WalletLateReturnApplied settles a late return. Unlike reservation-fee
// debits this may push the balance negative. Bought reports whether the fee
// reached the book's retail price.
type WalletLateReturnApplied struct {
	WalletID      string          `json:"wallet_id"`
	ReservationID string          `json:"reservation_id"`
	UserID        string          `json:"user_id"`
	DaysLate      int             `json:"days_late"`
	FeeApplied    decimal.Decimal `json:"fee_applied"`
	Bought        bool            `json:"bought"`
	NewBalance    decimal.Decimal `json:"new_balance"`
	AppliedAt     time.Time       `json:"applied_at"`
}

func (WalletLateReturnApplied) EventType() string { return TypeWalletLateReturnApplied }

// WalletDeleted soft-deletes a wallet.
type WalletDeleted struct {
	WalletID  string    `json:"wallet_id"`
	DeletedAt time.Time `json:"deleted_at"`
}

func (WalletDeleted) EventType() string { return TypeWalletDeleted }
