package events

import (
	"time"

	"github.com/shopspring/decimal"
)

// ReservationCreated starts the reservation choreography. The reservation is
// recorded before the book is validated or the fee collected.
type ReservationCreated struct {
	ReservationID string          `json:"reservation_id"`
	UserID        string          `json:"user_id"`
	BookID        string          `json:"book_id"`
	FeeCharged    decimal.Decimal `json:"fee_charged"`
	ReservedAt    time.Time       `json:"reserved_at"`
	DueDate       time.Time       `json:"due_date"`
}

func (ReservationCreated) EventType() string { return TypeReservationCreated }

// ReservationBookValidated is the Books service's verdict on a reservation.
// RetailPrice rides along on success so later settlement doesn't need a
// second lookup.
type ReservationBookValidated struct {
	ReservationID string          `json:"reservation_id"`
	BookID        string          `json:"book_id"`
	IsValid       bool            `json:"is_valid"`
	Reason        string          `json:"reason,omitempty"`
	RetailPrice   decimal.Decimal `json:"retail_price"`
	ValidatedAt   time.Time       `json:"validated_at"`
}

func (ReservationBookValidated) EventType() string { return TypeReservationBookValidated }

// ReservationPaymentSuccess confirms the reservation fee was collected.
type ReservationPaymentSuccess struct {
	ReservationID string          `json:"reservation_id"`
	UserID        string          `json:"user_id"`
	WalletID      string          `json:"wallet_id"`
	Amount        decimal.Decimal `json:"amount"`
	PaidAt        time.Time       `json:"paid_at"`
}

func (ReservationPaymentSuccess) EventType() string { return TypeReservationPaymentSuccess }

// ReservationPaymentDeclined rejects the reservation for lack of funds or a
// missing wallet.
type ReservationPaymentDeclined struct {
	ReservationID string    `json:"reservation_id"`
	UserID        string    `json:"user_id"`
	Reason        string    `json:"reason"`
	DeclinedAt    time.Time `json:"declined_at"`
}

func (ReservationPaymentDeclined) EventType() string { return TypeReservationPaymentDeclined }

// ReservationReturned closes a reservation whose book came back, on time or
// after the late fee was settled below the retail price.
type ReservationReturned struct {
	ReservationID string          `json:"reservation_id"`
	ReturnedAt    time.Time       `json:"returned_at"`
	DaysLate      int             `json:"days_late"`
	FeeApplied    decimal.Decimal `json:"fee_applied"`
}

func (ReservationReturned) EventType() string { return TypeReservationReturned }

// ReservationCancelled closes a reservation before the book was picked up.
type ReservationCancelled struct {
	ReservationID string    `json:"reservation_id"`
	CancelledAt   time.Time `json:"cancelled_at"`
}

func (ReservationCancelled) EventType() string { return TypeReservationCancelled }

// ReservationOverdue marks a late return and doubles as the settlement
// request the Wallets service consumes. FeeCharged is the uncapped
// days-late fee; Wallets caps it at RetailPrice.
type ReservationOverdue struct {
	ReservationID string          `json:"reservation_id"`
	UserID        string          `json:"user_id"`
	BookID        string          `json:"book_id"`
	DaysLate      int             `json:"days_late"`
	FeeCharged    decimal.Decimal `json:"fee_charged"`
	RetailPrice   decimal.Decimal `json:"retail_price"`
	DueDate       time.Time       `json:"due_date"`
	ObservedAt    time.Time       `json:"observed_at"`
}

func (ReservationOverdue) EventType() string { return TypeReservationOverdue }

// ReservationBookBrought closes a reservation whose late fee reached the
// book's retail price: the user keeps the book and has effectively bought it.
type ReservationBookBrought struct {
	ReservationID string          `json:"reservation_id"`
	BroughtAt     time.Time       `json:"brought_at"`
	FeeApplied    decimal.Decimal `json:"fee_applied"`
}

func (ReservationBookBrought) EventType() string { return TypeReservationBookBrought }

// ReservationDeleted soft-deletes a reservation from read models.
type ReservationDeleted struct {
	ReservationID string    `json:"reservation_id"`
	DeletedAt     time.Time `json:"deleted_at"`
}

func (ReservationDeleted) EventType() string { return TypeReservationDeleted }
