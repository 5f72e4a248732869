// Package reservations implements the lending service: the Reservation
// aggregate and its lifecycle state machine, command handlers, the
// reservations_view projection with its book-price mirror, the settlement
// reactor and the read-side queries.
package reservations

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/libris/circulation/internal/events"
	"github.com/libris/circulation/pkg/domain"
)

// UserBookIndex is the unique constraint index allowing one live reservation
// per user and book. Terminal transitions release the claim.
const UserBookIndex = "reservation_user_book"

// UserBookKey builds the constraint value for a user/book pair.
func UserBookKey(userID, bookID string) string {
	return userID + "|" + bookID
}

// Status is a reservation lifecycle state.
type Status string

const (
	StatusCreated        Status = "CREATED"
	StatusPendingPayment Status = "PENDING_PAYMENT"
	StatusReserved       Status = "RESERVED"
	StatusRejected       Status = "REJECTED"
	StatusLate           Status = "LATE"
	StatusReturned       Status = "RETURNED"
	StatusCancelled      Status = "CANCELLED"
	StatusBrought        Status = "BROUGHT"
)

// Terminal reports whether the lifecycle has ended. Commands against a
// terminal reservation fail with the transition-specific error.
func (s Status) Terminal() bool {
	switch s {
	case StatusReturned, StatusCancelled, StatusBrought, StatusRejected:
		return true
	}
	return false
}

// DaysLate counts whole 24-hour periods past the due date, never negative.
func DaysLate(now, dueDate time.Time) int {
	if !now.After(dueDate) {
		return 0
	}
	return int(now.Sub(dueDate) / (24 * time.Hour))
}

// LateFee accrues per day and is capped at the book's retail price. Reaching
// the cap means the borrower keeps the book and has effectively bought it.
func LateFee(daysLate int, feePerDay, retailPrice decimal.Decimal) (fee decimal.Decimal, bought bool) {
	fee = feePerDay.Mul(decimal.NewFromInt(int64(daysLate)))
	if fee.GreaterThanOrEqual(retailPrice) {
		return retailPrice, true
	}
	return fee, false
}

// Payment is the recorded fee-collection outcome.
type Payment struct {
	WalletID string
	Amount   decimal.Decimal
	Reason   string
	Success  bool
}

// Reservation is the lending aggregate.
type Reservation struct {
	domain.AggregateRoot

	UserID     string
	BookID     string
	Status     Status
	ReservedAt time.Time
	DueDate    time.Time

	// FeeCharged is the flat reservation fee collected up front.
	FeeCharged decimal.Decimal

	// RetailPrice is recorded by the catalog's validation verdict and caps
	// any later late fee.
	RetailPrice      decimal.Decimal
	ValidationReason string

	Payment *Payment

	DaysOverdue    int
	LateFeeApplied decimal.Decimal
	ReturnedAt     *time.Time
	DeletedAt      *time.Time
}

// New creates an empty Reservation ready to fold its history.
func New(id string) *Reservation {
	return &Reservation{AggregateRoot: domain.NewAggregateRoot(id, events.AggregateReservation)}
}

// Create opens the reservation in CREATED and claims the user/book pair.
// Validation and payment follow asynchronously.
func (r *Reservation) Create(userID, bookID string, fee decimal.Decimal, dueDays int) error {
	if r.Version() != 0 {
		return domain.NewAppErrorf(domain.CodeReservationDuplicate,
			"reservation %s already exists", r.ID())
	}
	switch {
	case userID == "":
		return domain.NewAppError(domain.CodeValidationError, "user id is required")
	case bookID == "":
		return domain.NewAppError(domain.CodeValidationError, "book id is required")
	case fee.IsNegative():
		return domain.NewAppError(domain.CodeValidationError, "fee must not be negative")
	case dueDays < 1:
		return domain.NewAppError(domain.CodeValidationError, "due days must be positive")
	}

	now := domain.Now()
	payload := &events.ReservationCreated{
		ReservationID: r.ID(),
		UserID:        userID,
		BookID:        bookID,
		FeeCharged:    fee,
		ReservedAt:    now,
		DueDate:       now.AddDate(0, 0, dueDays),
	}
	r.applyCreated(payload)
	return r.RecordWithConstraints(payload, []domain.UniqueConstraint{
		domain.ClaimUnique(UserBookIndex, UserBookKey(userID, bookID)),
	})
}

// RecordBookValidation folds the catalog's verdict: valid moves the
// reservation to PENDING_PAYMENT, invalid rejects it terminally.
func (r *Reservation) RecordBookValidation(isValid bool, reason string, retailPrice decimal.Decimal) error {
	if r.DeletedAt != nil {
		return r.deletedError()
	}
	if r.Status != StatusCreated {
		if isValid {
			return domain.NewAppErrorf(domain.CodeReservationCannotBeConfirmed,
				"reservation %s cannot be validated in status %s", r.ID(), r.Status)
		}
		return domain.NewAppErrorf(domain.CodeReservationCannotBeRejected,
			"reservation %s cannot be rejected in status %s", r.ID(), r.Status)
	}

	payload := &events.ReservationBookValidated{
		ReservationID: r.ID(),
		BookID:        r.BookID,
		IsValid:       isValid,
		Reason:        reason,
		RetailPrice:   retailPrice,
		ValidatedAt:   domain.Now(),
	}
	r.applyValidated(payload)
	if isValid {
		return r.Record(payload)
	}
	return r.RecordWithConstraints(payload, r.releaseClaim())
}

// RecordPaymentSuccess moves the reservation to RESERVED.
func (r *Reservation) RecordPaymentSuccess(walletID string, amount decimal.Decimal) error {
	if r.DeletedAt != nil {
		return r.deletedError()
	}
	if r.Status != StatusPendingPayment {
		return domain.NewAppErrorf(domain.CodeReservationCannotBeConfirmed,
			"reservation %s cannot record payment in status %s", r.ID(), r.Status)
	}

	payload := &events.ReservationPaymentSuccess{
		ReservationID: r.ID(),
		UserID:        r.UserID,
		WalletID:      walletID,
		Amount:        amount,
		PaidAt:        domain.Now(),
	}
	r.applyPaymentSuccess(payload)
	return r.Record(payload)
}

// RecordPaymentDeclined rejects the reservation terminally.
func (r *Reservation) RecordPaymentDeclined(reason string) error {
	if r.DeletedAt != nil {
		return r.deletedError()
	}
	if r.Status != StatusPendingPayment {
		return domain.NewAppErrorf(domain.CodeReservationCannotBeRejected,
			"reservation %s cannot decline payment in status %s", r.ID(), r.Status)
	}

	payload := &events.ReservationPaymentDeclined{
		ReservationID: r.ID(),
		UserID:        r.UserID,
		Reason:        reason,
		DeclinedAt:    domain.Now(),
	}
	r.applyPaymentDeclined(payload)
	return r.RecordWithConstraints(payload, r.releaseClaim())
}

// ReturnOutcome is the synchronous answer to a return command. A late
// return settles asynchronously through the wallet, but the amounts are
// already decided here.
type ReturnOutcome struct {
	DaysLate   int
	FeeApplied decimal.Decimal
	Bought     bool
}

// Return hands the book back. On time it closes the reservation directly;
// late it marks the reservation LATE and records the settlement request the
// wallet consumes.
func (r *Reservation) Return(feePerDay decimal.Decimal) (ReturnOutcome, error) {
	if r.DeletedAt != nil {
		return ReturnOutcome{}, r.deletedError()
	}
	if r.Status != StatusReserved {
		return ReturnOutcome{}, domain.NewAppErrorf(domain.CodeReservationCannotBeReturned,
			"reservation %s cannot be returned in status %s", r.ID(), r.Status)
	}

	now := domain.Now()
	daysLate := DaysLate(now, r.DueDate)

	if daysLate == 0 {
		payload := &events.ReservationReturned{
			ReservationID: r.ID(),
			ReturnedAt:    now,
			DaysLate:      0,
			FeeApplied:    decimal.Zero,
		}
		r.applyReturned(payload)
		if err := r.RecordWithConstraints(payload, r.releaseClaim()); err != nil {
			return ReturnOutcome{}, err
		}
		return ReturnOutcome{}, nil
	}

	fee, bought := LateFee(daysLate, feePerDay, r.RetailPrice)
	payload := &events.ReservationOverdue{
		ReservationID: r.ID(),
		UserID:        r.UserID,
		BookID:        r.BookID,
		DaysLate:      daysLate,
		FeeCharged:    feePerDay.Mul(decimal.NewFromInt(int64(daysLate))),
		RetailPrice:   r.RetailPrice,
		DueDate:       r.DueDate,
		ObservedAt:    now,
	}
	r.applyOverdue(payload)
	if err := r.Record(payload); err != nil {
		return ReturnOutcome{}, err
	}
	return ReturnOutcome{DaysLate: daysLate, FeeApplied: fee, Bought: bought}, nil
}

// RecordSettlement folds the wallet's late-return settlement into the
// terminal state: BROUGHT when the fee reached the retail price, RETURNED
// otherwise.
func (r *Reservation) RecordSettlement(daysLate int, feeApplied decimal.Decimal, bought bool) error {
	if r.DeletedAt != nil {
		return r.deletedError()
	}
	if r.Status != StatusLate {
		return domain.NewAppErrorf(domain.CodeReservationCannotBeReturned,
			"reservation %s cannot settle a late return in status %s", r.ID(), r.Status)
	}

	now := domain.Now()
	if bought {
		payload := &events.ReservationBookBrought{
			ReservationID: r.ID(),
			BroughtAt:     now,
			FeeApplied:    feeApplied,
		}
		r.applyBrought(payload)
		return r.RecordWithConstraints(payload, r.releaseClaim())
	}

	payload := &events.ReservationReturned{
		ReservationID: r.ID(),
		ReturnedAt:    now,
		DaysLate:      daysLate,
		FeeApplied:    feeApplied,
	}
	r.applyReturned(payload)
	return r.RecordWithConstraints(payload, r.releaseClaim())
}

// Cancel closes a reservation whose book was never handed over.
func (r *Reservation) Cancel() error {
	if r.DeletedAt != nil {
		return r.deletedError()
	}
	if r.Status != StatusReserved {
		return domain.NewAppErrorf(domain.CodeReservationCannotBeCancelled,
			"reservation %s cannot be cancelled in status %s", r.ID(), r.Status)
	}

	payload := &events.ReservationCancelled{
		ReservationID: r.ID(),
		CancelledAt:   domain.Now(),
	}
	r.applyCancelled(payload)
	return r.RecordWithConstraints(payload, r.releaseClaim())
}

// Delete soft-deletes the reservation and releases the user/book claim. The
// release is scoped to this aggregate, so deleting an old reservation never
// frees a newer one's claim.
func (r *Reservation) Delete() error {
	if r.DeletedAt != nil {
		return r.deletedError()
	}

	payload := &events.ReservationDeleted{
		ReservationID: r.ID(),
		DeletedAt:     domain.Now(),
	}
	r.applyDeleted(payload)
	return r.RecordWithConstraints(payload, r.releaseClaim())
}

func (r *Reservation) deletedError() error {
	return domain.NewAppErrorf(domain.CodeReservationAlreadyDeleted,
		"reservation %s is deleted", r.ID())
}

func (r *Reservation) releaseClaim() []domain.UniqueConstraint {
	return []domain.UniqueConstraint{
		domain.ReleaseUnique(UserBookIndex, UserBookKey(r.UserID, r.BookID)),
	}
}

// Apply implements domain.Aggregate.
func (r *Reservation) Apply(event *domain.Event) error {
	switch event.EventType {
	case events.TypeReservationCreated:
		payload, err := events.As[*events.ReservationCreated](event)
		if err != nil {
			return err
		}
		r.applyCreated(payload)

	case events.TypeReservationBookValidated:
		payload, err := events.As[*events.ReservationBookValidated](event)
		if err != nil {
			return err
		}
		r.applyValidated(payload)

	case events.TypeReservationPaymentSuccess:
		payload, err := events.As[*events.ReservationPaymentSuccess](event)
		if err != nil {
			return err
		}
		r.applyPaymentSuccess(payload)

	case events.TypeReservationPaymentDeclined:
		payload, err := events.As[*events.ReservationPaymentDeclined](event)
		if err != nil {
			return err
		}
		r.applyPaymentDeclined(payload)

	case events.TypeReservationReturned:
		payload, err := events.As[*events.ReservationReturned](event)
		if err != nil {
			return err
		}
		r.applyReturned(payload)

	case events.TypeReservationOverdue:
		payload, err := events.As[*events.ReservationOverdue](event)
		if err != nil {
			return err
		}
		r.applyOverdue(payload)

	case events.TypeReservationBookBrought:
		payload, err := events.As[*events.ReservationBookBrought](event)
		if err != nil {
			return err
		}
		r.applyBrought(payload)

	case events.TypeReservationCancelled:
		payload, err := events.As[*events.ReservationCancelled](event)
		if err != nil {
			return err
		}
		r.applyCancelled(payload)

	case events.TypeReservationDeleted:
		payload, err := events.As[*events.ReservationDeleted](event)
		if err != nil {
			return err
		}
		r.applyDeleted(payload)

	default:
		return fmt.Errorf("unknown event type: %s", event.EventType)
	}
	return nil
}

func (r *Reservation) applyCreated(p *events.ReservationCreated) {
	r.UserID = p.UserID
	r.BookID = p.BookID
	r.Status = StatusCreated
	r.ReservedAt = p.ReservedAt
	r.DueDate = p.DueDate
	r.FeeCharged = p.FeeCharged
}

func (r *Reservation) applyValidated(p *events.ReservationBookValidated) {
	r.ValidationReason = p.Reason
	if p.IsValid {
		r.Status = StatusPendingPayment
		r.RetailPrice = p.RetailPrice
		return
	}
	r.Status = StatusRejected
}

func (r *Reservation) applyPaymentSuccess(p *events.ReservationPaymentSuccess) {
	r.Status = StatusReserved
	r.Payment = &Payment{WalletID: p.WalletID, Amount: p.Amount, Success: true}
}

func (r *Reservation) applyPaymentDeclined(p *events.ReservationPaymentDeclined) {
	r.Status = StatusRejected
	r.Payment = &Payment{Reason: p.Reason}
}

func (r *Reservation) applyReturned(p *events.ReservationReturned) {
	r.Status = StatusReturned
	r.DaysOverdue = p.DaysLate
	r.LateFeeApplied = p.FeeApplied
	returnedAt := p.ReturnedAt
	r.ReturnedAt = &returnedAt
}

func (r *Reservation) applyOverdue(p *events.ReservationOverdue) {
	r.Status = StatusLate
	r.DaysOverdue = p.DaysLate
}

func (r *Reservation) applyBrought(p *events.ReservationBookBrought) {
	r.Status = StatusBrought
	r.LateFeeApplied = p.FeeApplied
	broughtAt := p.BroughtAt
	r.ReturnedAt = &broughtAt
}

func (r *Reservation) applyCancelled(p *events.ReservationCancelled) {
	r.Status = StatusCancelled
}

func (r *Reservation) applyDeleted(p *events.ReservationDeleted) {
	deletedAt := p.DeletedAt
	r.DeletedAt = &deletedAt
}
