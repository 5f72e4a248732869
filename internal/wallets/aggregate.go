// Package wallets implements the payment service: the Wallet aggregate, its
// command handlers, the wallets_view projection, the fee and settlement
// reactor and the read-side queries.
package wallets

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/libris/circulation/internal/events"
	"github.com/libris/circulation/internal/reservations"
	"github.com/libris/circulation/pkg/domain"
)

// UserIndex is the unique constraint index holding one live wallet per user.
const UserIndex = "wallet_user"

// Balance movement reasons recorded on WalletBalanceChanged.
const (
	ReasonCredit         = "credit"
	ReasonDebit          = "debit"
	ReasonReservationFee = "reservation fee"
	ReasonLateReturnFee  = "late return fee"
)

// PaymentOutcome is the folded verdict of one reservation-fee debit. The
// first verdict for a reservation is final; redeliveries observe it instead
// of deciding again.
type PaymentOutcome struct {
	Success bool
	Amount  decimal.Decimal
	Reason  string
}

// LateReturnOutcome is the folded settlement of one late return.
type LateReturnOutcome struct {
	DaysLate   int
	FeeApplied decimal.Decimal
	Bought     bool
	NewBalance decimal.Decimal
}

// Wallet is the payment aggregate.
type Wallet struct {
	domain.AggregateRoot

	UserID    string
	Balance   decimal.Decimal
	CreatedAt time.Time
	DeletedAt *time.Time

	payments    map[string]PaymentOutcome
	lateReturns map[string]LateReturnOutcome
}

// New creates an empty Wallet ready to fold its history.
func New(id string) *Wallet {
	return &Wallet{
		AggregateRoot: domain.NewAggregateRoot(id, events.AggregateWallet),
		payments:      make(map[string]PaymentOutcome),
		lateReturns:   make(map[string]LateReturnOutcome),
	}
}

// Create opens a wallet and claims the user's slot.
func (w *Wallet) Create(userID string, initialBalance decimal.Decimal) error {
	if w.Version() != 0 {
		return domain.NewAppErrorf(domain.CodeWalletAlreadyExists, "wallet %s already exists", w.ID())
	}
	if userID == "" {
		return domain.NewAppError(domain.CodeValidationError, "user id is required")
	}
	if initialBalance.IsNegative() {
		return domain.NewAppError(domain.CodeValidationError, "initial balance must not be negative")
	}

	payload := &events.WalletCreated{
		WalletID:  w.ID(),
		UserID:    userID,
		Balance:   initialBalance,
		CreatedAt: domain.Now(),
	}
	w.applyCreated(payload)
	return w.RecordWithConstraints(payload, []domain.UniqueConstraint{
		domain.ClaimUnique(UserIndex, userID),
	})
}

// Credit adds funds.
func (w *Wallet) Credit(amount decimal.Decimal) error {
	if w.DeletedAt != nil {
		return w.deletedError()
	}
	if !amount.IsPositive() {
		return domain.NewAppError(domain.CodeValidationError, "credit amount must be positive")
	}

	payload := &events.WalletBalanceChanged{
		WalletID:   w.ID(),
		Change:     amount,
		NewBalance: w.Balance.Add(amount),
		Reason:     ReasonCredit,
		ChangedAt:  domain.Now(),
	}
	w.applyBalanceChanged(payload)
	return w.Record(payload)
}

// Debit removes funds for an operator adjustment. Unlike the late-return
// settlement it never overdraws the wallet.
func (w *Wallet) Debit(amount decimal.Decimal) error {
	if w.DeletedAt != nil {
		return w.deletedError()
	}
	if !amount.IsPositive() {
		return domain.NewAppError(domain.CodeValidationError, "debit amount must be positive")
	}
	if w.Balance.LessThan(amount) {
		return domain.NewAppErrorf(domain.CodeWalletInsufficientFunds,
			"balance %s cannot cover debit of %s", w.Balance, amount)
	}

	payload := &events.WalletBalanceChanged{
		WalletID:   w.ID(),
		Change:     amount.Neg(),
		NewBalance: w.Balance.Sub(amount),
		Reason:     ReasonDebit,
		ChangedAt:  domain.Now(),
	}
	w.applyBalanceChanged(payload)
	return w.Record(payload)
}

// PaymentFor returns the recorded verdict for a reservation's fee debit.
func (w *Wallet) PaymentFor(reservationID string) (PaymentOutcome, bool) {
	outcome, ok := w.payments[reservationID]
	return outcome, ok
}

// LateReturnFor returns the recorded settlement for a reservation.
func (w *Wallet) LateReturnFor(reservationID string) (LateReturnOutcome, bool) {
	outcome, ok := w.lateReturns[reservationID]
	return outcome, ok
}

// PayReservationFee debits the reservation fee. Insufficient funds is a
// verdict, not an error: it records WalletPaymentDeclined and reports
// Success=false. Each reservation gets exactly one verdict.
func (w *Wallet) PayReservationFee(reservationID string, amount decimal.Decimal) (PaymentOutcome, error) {
	if w.DeletedAt != nil {
		return PaymentOutcome{}, w.deletedError()
	}
	if amount.IsNegative() {
		return PaymentOutcome{}, domain.NewAppError(domain.CodeValidationError, "fee must not be negative")
	}
	if _, done := w.payments[reservationID]; done {
		return PaymentOutcome{}, domain.NewAppErrorf(domain.CodeValidationError,
			"payment for reservation %s already recorded", reservationID)
	}

	now := domain.Now()
	if w.Balance.LessThan(amount) {
		payload := &events.WalletPaymentDeclined{
			WalletID:      w.ID(),
			ReservationID: reservationID,
			Amount:        amount,
			Reason:        "insufficient funds",
			DeclinedAt:    now,
		}
		w.applyPaymentDeclined(payload)
		if err := w.Record(payload); err != nil {
			return PaymentOutcome{}, err
		}
		return w.payments[reservationID], nil
	}

	changed := &events.WalletBalanceChanged{
		WalletID:   w.ID(),
		Change:     amount.Neg(),
		NewBalance: w.Balance.Sub(amount),
		Reason:     ReasonReservationFee,
		ChangedAt:  now,
	}
	w.applyBalanceChanged(changed)
	if err := w.Record(changed); err != nil {
		return PaymentOutcome{}, err
	}

	paid := &events.WalletPaymentSuccess{
		WalletID:      w.ID(),
		ReservationID: reservationID,
		Amount:        amount,
		PaidAt:        now,
	}
	w.applyPaymentSuccess(paid)
	if err := w.Record(paid); err != nil {
		return PaymentOutcome{}, err
	}
	return w.payments[reservationID], nil
}

// ApplyLateReturn settles a late return: the accrued fee, capped at the
// book's retail price, is debited even when it overdraws the wallet. Reaching
// the cap flags the book as bought.
func (w *Wallet) ApplyLateReturn(reservationID, userID string, daysLate int, retailPrice, feePerDay decimal.Decimal) (LateReturnOutcome, error) {
	if w.DeletedAt != nil {
		return LateReturnOutcome{}, w.deletedError()
	}
	if daysLate < 1 {
		return LateReturnOutcome{}, domain.NewAppError(domain.CodeValidationError,
			"late return requires at least one day late")
	}
	if _, done := w.lateReturns[reservationID]; done {
		return LateReturnOutcome{}, domain.NewAppErrorf(domain.CodeValidationError,
			"late return for reservation %s already settled", reservationID)
	}

	fee, bought := reservations.LateFee(daysLate, feePerDay, retailPrice)
	now := domain.Now()
	newBalance := w.Balance.Sub(fee)

	changed := &events.WalletBalanceChanged{
		WalletID:   w.ID(),
		Change:     fee.Neg(),
		NewBalance: newBalance,
		Reason:     ReasonLateReturnFee,
		ChangedAt:  now,
	}
	w.applyBalanceChanged(changed)
	if err := w.Record(changed); err != nil {
		return LateReturnOutcome{}, err
	}

	applied := &events.WalletLateReturnApplied{
		WalletID:      w.ID(),
		ReservationID: reservationID,
		UserID:        userID,
		DaysLate:      daysLate,
		FeeApplied:    fee,
		Bought:        bought,
		NewBalance:    newBalance,
		AppliedAt:     now,
	}
	w.applyLateReturn(applied)
	if err := w.Record(applied); err != nil {
		return LateReturnOutcome{}, err
	}
	return w.lateReturns[reservationID], nil
}

// Delete soft-deletes the wallet and frees the user's slot.
func (w *Wallet) Delete() error {
	if w.DeletedAt != nil {
		return w.deletedError()
	}

	payload := &events.WalletDeleted{
		WalletID:  w.ID(),
		DeletedAt: domain.Now(),
	}
	w.applyDeleted(payload)
	return w.RecordWithConstraints(payload, []domain.UniqueConstraint{
		domain.ReleaseUnique(UserIndex, w.UserID),
	})
}

func (w *Wallet) deletedError() error {
	return domain.NewAppErrorf(domain.CodeWalletAlreadyDeleted, "wallet %s is deleted", w.ID())
}

// Apply implements domain.Aggregate.
func (w *Wallet) Apply(event *domain.Event) error {
	switch event.EventType {
	case events.TypeWalletCreated:
		payload, err := events.As[*events.WalletCreated](event)
		if err != nil {
			return err
		}
		w.applyCreated(payload)

	case events.TypeWalletBalanceChanged:
		payload, err := events.As[*events.WalletBalanceChanged](event)
		if err != nil {
			return err
		}
		w.applyBalanceChanged(payload)

	case events.TypeWalletPaymentSuccess:
		payload, err := events.As[*events.WalletPaymentSuccess](event)
		if err != nil {
			return err
		}
		w.applyPaymentSuccess(payload)

	case events.TypeWalletPaymentDeclined:
		payload, err := events.As[*events.WalletPaymentDeclined](event)
		if err != nil {
			return err
		}
		w.applyPaymentDeclined(payload)

	case events.TypeWalletLateReturnApplied:
		payload, err := events.As[*events.WalletLateReturnApplied](event)
		if err != nil {
			return err
		}
		w.applyLateReturn(payload)

	case events.TypeWalletDeleted:
		payload, err := events.As[*events.WalletDeleted](event)
		if err != nil {
			return err
		}
		w.applyDeleted(payload)

	default:
		return fmt.Errorf("unknown event type: %s", event.EventType)
	}
	return nil
}

func (w *Wallet) applyCreated(p *events.WalletCreated) {
	w.UserID = p.UserID
	w.Balance = p.Balance
	w.CreatedAt = p.CreatedAt
}

func (w *Wallet) applyBalanceChanged(p *events.WalletBalanceChanged) {
	w.Balance = p.NewBalance
}

func (w *Wallet) applyPaymentSuccess(p *events.WalletPaymentSuccess) {
	w.payments[p.ReservationID] = PaymentOutcome{Success: true, Amount: p.Amount}
}

func (w *Wallet) applyPaymentDeclined(p *events.WalletPaymentDeclined) {
	w.payments[p.ReservationID] = PaymentOutcome{Amount: p.Amount, Reason: p.Reason}
}

func (w *Wallet) applyLateReturn(p *events.WalletLateReturnApplied) {
	w.lateReturns[p.ReservationID] = LateReturnOutcome{
		DaysLate:   p.DaysLate,
		FeeApplied: p.FeeApplied,
		Bought:     p.Bought,
		NewBalance: p.NewBalance,
	}
}

func (w *Wallet) applyDeleted(p *events.WalletDeleted) {
	deletedAt := p.DeletedAt
	w.DeletedAt = &deletedAt
}
