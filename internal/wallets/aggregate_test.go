package wallets_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/libris/circulation/internal/events"
	"github.com/libris/circulation/internal/wallets"
	"github.com/libris/circulation/pkg/domain"
)

func newFundedWallet(t *testing.T, balance string) *wallets.Wallet {
	t.Helper()
	wallet := wallets.New(domain.NewID())
	require.NoError(t, wallet.Create("user-1", decimal.RequireFromString(balance)))
	wallet.ClearUncommittedEvents()
	return wallet
}

func TestWalletCreateRejectsBadInput(t *testing.T) {
	tests := []struct {
		name    string
		userID  string
		balance decimal.Decimal
	}{
		{"missing user", "", decimal.NewFromInt(10)},
		{"negative balance", "user-1", decimal.NewFromInt(-1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wallet := wallets.New(domain.NewID())
			err := wallet.Create(tt.userID, tt.balance)
			require.Error(t, err)
			assert.Empty(t, wallet.UncommittedEvents())
		})
	}
}

func TestWalletCreateClaimsUserSlot(t *testing.T) {
	wallet := wallets.New(domain.NewID())
	require.NoError(t, wallet.Create("user-1", decimal.NewFromInt(100)))

	assert.Equal(t, int64(1), wallet.Version())
	assert.Equal(t, "user-1", wallet.UserID)
	assert.True(t, wallet.Balance.Equal(decimal.NewFromInt(100)))

	uncommitted := wallet.UncommittedEvents()
	require.Len(t, uncommitted, 1)
	require.Len(t, uncommitted[0].UniqueConstraints, 1)
	assert.Equal(t, wallets.UserIndex, uncommitted[0].UniqueConstraints[0].IndexName)
	assert.Equal(t, "user-1", uncommitted[0].UniqueConstraints[0].Value)
	assert.Equal(t, domain.ConstraintClaim, uncommitted[0].UniqueConstraints[0].Operation)

	err := wallet.Create("user-1", decimal.NewFromInt(1))
	require.Error(t, err)
	assert.Equal(t, domain.CodeWalletAlreadyExists, domain.AsAppError(err).Code)
}

func TestWalletCreditMovesBalance(t *testing.T) {
	wallet := newFundedWallet(t, "10")

	require.NoError(t, wallet.Credit(decimal.RequireFromString("2.50")))
	assert.True(t, wallet.Balance.Equal(decimal.RequireFromString("12.5")))

	uncommitted := wallet.UncommittedEvents()
	require.Len(t, uncommitted, 1)
	changed, err := events.As[*events.WalletBalanceChanged](uncommitted[0])
	require.NoError(t, err)
	assert.Equal(t, wallets.ReasonCredit, changed.Reason)
	assert.True(t, changed.Change.Equal(decimal.RequireFromString("2.5")))

	err = wallet.Credit(decimal.Zero)
	require.Error(t, err)
	assert.Equal(t, domain.CodeValidationError, domain.AsAppError(err).Code)
}

func TestWalletDebitNeverOverdraws(t *testing.T) {
	wallet := newFundedWallet(t, "10")

	require.NoError(t, wallet.Debit(decimal.RequireFromString("4")))
	assert.True(t, wallet.Balance.Equal(decimal.NewFromInt(6)))

	uncommitted := wallet.UncommittedEvents()
	require.Len(t, uncommitted, 1)
	changed, err := events.As[*events.WalletBalanceChanged](uncommitted[0])
	require.NoError(t, err)
	assert.Equal(t, wallets.ReasonDebit, changed.Reason)
	assert.True(t, changed.Change.Equal(decimal.NewFromInt(-4)))

	err = wallet.Debit(decimal.NewFromInt(7))
	require.Error(t, err)
	assert.Equal(t, domain.CodeWalletInsufficientFunds, domain.AsAppError(err).Code)
	assert.True(t, wallet.Balance.Equal(decimal.NewFromInt(6)), "a refused debit moves no money")

	err = wallet.Debit(decimal.Zero)
	require.Error(t, err)
	assert.Equal(t, domain.CodeValidationError, domain.AsAppError(err).Code)
}

func TestPayReservationFeeDebits(t *testing.T) {
	wallet := newFundedWallet(t, "100")

	outcome, err := wallet.PayReservationFee("res-1", decimal.NewFromInt(3))
	require.NoError(t, err)
	assert.True(t, outcome.Success)
	assert.True(t, outcome.Amount.Equal(decimal.NewFromInt(3)))
	assert.True(t, wallet.Balance.Equal(decimal.NewFromInt(97)))

	uncommitted := wallet.UncommittedEvents()
	require.Len(t, uncommitted, 2)
	assert.Equal(t, events.TypeWalletBalanceChanged, uncommitted[0].EventType)
	assert.Equal(t, events.TypeWalletPaymentSuccess, uncommitted[1].EventType)

	changed, err := events.As[*events.WalletBalanceChanged](uncommitted[0])
	require.NoError(t, err)
	assert.Equal(t, wallets.ReasonReservationFee, changed.Reason)
	assert.True(t, changed.Change.Equal(decimal.NewFromInt(-3)))
}

func TestPayReservationFeeDeclinesWithoutFunds(t *testing.T) {
	wallet := newFundedWallet(t, "2")

	outcome, err := wallet.PayReservationFee("res-1", decimal.NewFromInt(3))
	require.NoError(t, err, "insufficient funds is a verdict, not an error")
	assert.False(t, outcome.Success)
	assert.Equal(t, "insufficient funds", outcome.Reason)
	assert.True(t, wallet.Balance.Equal(decimal.NewFromInt(2)), "a declined fee moves no money")

	uncommitted := wallet.UncommittedEvents()
	require.Len(t, uncommitted, 1)
	assert.Equal(t, events.TypeWalletPaymentDeclined, uncommitted[0].EventType)
}

func TestPayReservationFeeIsFinalPerReservation(t *testing.T) {
	wallet := newFundedWallet(t, "100")

	_, err := wallet.PayReservationFee("res-1", decimal.NewFromInt(3))
	require.NoError(t, err)

	_, err = wallet.PayReservationFee("res-1", decimal.NewFromInt(3))
	require.Error(t, err)
	assert.Equal(t, domain.KindDomain, domain.AsAppError(err).Kind())

	recorded, done := wallet.PaymentFor("res-1")
	require.True(t, done)
	assert.True(t, recorded.Success)

	_, err = wallet.PayReservationFee("res-2", decimal.NewFromInt(3))
	require.NoError(t, err, "other reservations still get their own verdict")
}

func TestApplyLateReturnAccruesPerDay(t *testing.T) {
	wallet := newFundedWallet(t, "97")

	outcome, err := wallet.ApplyLateReturn("res-1", "user-1", 3,
		decimal.NewFromInt(25), decimal.RequireFromString("0.2"))
	require.NoError(t, err)
	assert.Equal(t, 3, outcome.DaysLate)
	assert.True(t, outcome.FeeApplied.Equal(decimal.RequireFromString("0.6")))
	assert.False(t, outcome.Bought)
	assert.True(t, wallet.Balance.Equal(decimal.RequireFromString("96.4")))
}

func TestApplyLateReturnCapsAtRetailPrice(t *testing.T) {
	wallet := newFundedWallet(t, "97")

	outcome, err := wallet.ApplyLateReturn("res-1", "user-1", 135,
		decimal.NewFromInt(27), decimal.RequireFromString("0.2"))
	require.NoError(t, err)
	assert.True(t, outcome.FeeApplied.Equal(decimal.NewFromInt(27)), "135 days at 0.2 reaches the cap")
	assert.True(t, outcome.Bought)
	assert.True(t, wallet.Balance.Equal(decimal.NewFromInt(70)))

	uncommitted := wallet.UncommittedEvents()
	require.Len(t, uncommitted, 2)
	applied, err := events.As[*events.WalletLateReturnApplied](uncommitted[1])
	require.NoError(t, err)
	assert.True(t, applied.Bought)
	assert.True(t, applied.FeeApplied.Equal(decimal.NewFromInt(27)))
}

func TestApplyLateReturnMayOverdraw(t *testing.T) {
	wallet := newFundedWallet(t, "1")

	outcome, err := wallet.ApplyLateReturn("res-1", "user-1", 10,
		decimal.NewFromInt(50), decimal.RequireFromString("0.5"))
	require.NoError(t, err)
	assert.True(t, outcome.FeeApplied.Equal(decimal.NewFromInt(5)))
	assert.True(t, wallet.Balance.Equal(decimal.NewFromInt(-4)), "late fees are owed, not declined")
}

func TestApplyLateReturnSettlesOnce(t *testing.T) {
	wallet := newFundedWallet(t, "97")

	_, err := wallet.ApplyLateReturn("res-1", "user-1", 3,
		decimal.NewFromInt(25), decimal.RequireFromString("0.2"))
	require.NoError(t, err)

	_, err = wallet.ApplyLateReturn("res-1", "user-1", 3,
		decimal.NewFromInt(25), decimal.RequireFromString("0.2"))
	require.Error(t, err)
	assert.Equal(t, domain.KindDomain, domain.AsAppError(err).Kind())

	recorded, done := wallet.LateReturnFor("res-1")
	require.True(t, done)
	assert.True(t, recorded.FeeApplied.Equal(decimal.RequireFromString("0.6")))
}

func TestWalletDeleteReleasesUserSlot(t *testing.T) {
	wallet := newFundedWallet(t, "10")

	require.NoError(t, wallet.Delete())
	require.NotNil(t, wallet.DeletedAt)

	uncommitted := wallet.UncommittedEvents()
	require.Len(t, uncommitted, 1)
	require.Len(t, uncommitted[0].UniqueConstraints, 1)
	assert.Equal(t, domain.ConstraintRelease, uncommitted[0].UniqueConstraints[0].Operation)

	err := wallet.Credit(decimal.NewFromInt(1))
	require.Error(t, err)
	assert.Equal(t, domain.CodeWalletAlreadyDeleted, domain.AsAppError(err).Code)

	err = wallet.Delete()
	require.Error(t, err)
	assert.Equal(t, domain.CodeWalletAlreadyDeleted, domain.AsAppError(err).Code)
}

func TestWalletRehydratesFromHistory(t *testing.T) {
	source := wallets.New("wallet-1")
	require.NoError(t, source.Create("user-1", decimal.NewFromInt(100)))
	_, err := source.PayReservationFee("res-1", decimal.NewFromInt(3))
	require.NoError(t, err)
	require.NoError(t, source.Credit(decimal.NewFromInt(10)))

	history := source.UncommittedEvents()

	replayed := wallets.New("wallet-1")
	for _, event := range history {
		require.NoError(t, replayed.Apply(event))
	}
	replayed.LoadFromHistory(history)

	assert.Equal(t, source.Version(), replayed.Version())
	assert.True(t, replayed.Balance.Equal(decimal.NewFromInt(107)))
	_, done := replayed.PaymentFor("res-1")
	assert.True(t, done, "the fee verdict survives rehydration")
}
