// Package events defines the closed set of domain events shared by the
// Books, Reservations and Wallets services. Every payload is a typed JSON
// document registered with the payload registry; the event type name is the
// wire-level discriminator.
package events

import (
	"fmt"

	"github.com/libris/circulation/pkg/domain"
)

// As decodes an event's payload through the registry (applying upcasters)
// and asserts the concrete payload type.
func As[T domain.Payload](event *domain.Event) (T, error) {
	var zero T
	payload, err := domain.DecodePayload(event.EventType, event.SchemaVersion, event.Data)
	if err != nil {
		return zero, err
	}
	typed, ok := payload.(T)
	if !ok {
		return zero, fmt.Errorf("event %s decoded to %T", event.EventType, payload)
	}
	return typed, nil
}

// Aggregate type names as they appear on event envelopes and bus subjects.
const (
	AggregateBook        = "Book"
	AggregateReservation = "Reservation"
	AggregateWallet      = "Wallet"
)

// Event type names.
const (
	TypeBookCreated            = "BookCreated"
	TypeBookUpdated            = "BookUpdated"
	TypeBookDeleted            = "BookDeleted"
	TypeBookRetailPriceUpdated = "BookRetailPriceUpdated"

	TypeReservationCreated         = "ReservationCreated"
	TypeReservationBookValidated   = "ReservationBookValidated"
	TypeReservationPaymentSuccess  = "ReservationPaymentSuccess"
	TypeReservationPaymentDeclined = "ReservationPaymentDeclined"
	TypeReservationReturned        = "ReservationReturned"
	TypeReservationCancelled       = "ReservationCancelled"
	TypeReservationOverdue         = "ReservationOverdue"
	TypeReservationBookBrought     = "ReservationBookBrought"
	TypeReservationDeleted         = "ReservationDeleted"

	TypeWalletCreated           = "WalletCreated"
	TypeWalletBalanceChanged    = "WalletBalanceChanged"
	TypeWalletPaymentSuccess    = "WalletPaymentSuccess"
	TypeWalletPaymentDeclined   = "WalletPaymentDeclined"
	TypeWalletLateReturnApplied = "WalletLateReturnApplied"
	TypeWalletDeleted           = "WalletDeleted"
)
