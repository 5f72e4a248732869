package events

import (
	"encoding/json"

	"github.com/libris/circulation/pkg/domain"
)

func init() {
	// BookCreated is at schema revision 2: revision 1 predates the publisher
	// field.
	domain.RegisterPayload(func() domain.Payload { return &BookCreated{} }, 2)
	domain.RegisterUpcaster(TypeBookCreated, 1, upcastBookCreatedV1)

	domain.RegisterPayload(func() domain.Payload { return &BookUpdated{} }, 1)
	domain.RegisterPayload(func() domain.Payload { return &BookRetailPriceUpdated{} }, 1)
	domain.RegisterPayload(func() domain.Payload { return &BookDeleted{} }, 1)

	domain.RegisterPayload(func() domain.Payload { return &ReservationCreated{} }, 1)
	domain.RegisterPayload(func() domain.Payload { return &ReservationBookValidated{} }, 1)
	domain.RegisterPayload(func() domain.Payload { return &ReservationPaymentSuccess{} }, 1)
	domain.RegisterPayload(func() domain.Payload { return &ReservationPaymentDeclined{} }, 1)
	domain.RegisterPayload(func() domain.Payload { return &ReservationReturned{} }, 1)
	domain.RegisterPayload(func() domain.Payload { return &ReservationCancelled{} }, 1)
	domain.RegisterPayload(func() domain.Payload { return &ReservationOverdue{} }, 1)
	domain.RegisterPayload(func() domain.Payload { return &ReservationBookBrought{} }, 1)
	domain.RegisterPayload(func() domain.Payload { return &ReservationDeleted{} }, 1)

	domain.RegisterPayload(func() domain.Payload { return &WalletCreated{} }, 1)
	domain.RegisterPayload(func() domain.Payload { return &WalletBalanceChanged{} }, 1)
	domain.RegisterPayload(func() domain.Payload { return &WalletPaymentSuccess{} }, 1)
	domain.RegisterPayload(func() domain.Payload { return &WalletPaymentDeclined{} }, 1)
	domain.RegisterPayload(func() domain.Payload { return &WalletLateReturnApplied{} }, 1)
	domain.RegisterPayload(func() domain.Payload { return &WalletDeleted{} }, 1)
}

func upcastBookCreatedV1(data []byte) ([]byte, error) {
	var v1 map[string]json.RawMessage
	if err := json.Unmarshal(data, &v1); err != nil {
		return nil, err
	}
	if _, ok := v1["publisher"]; !ok {
		v1["publisher"] = json.RawMessage(`""`)
	}
	return json.Marshal(v1)
}
