package wallets

import (
	"context"
	"database/sql"

	"github.com/libris/circulation/internal/events"
	"github.com/libris/circulation/pkg/domain"
	"github.com/libris/circulation/pkg/projection"
)

// ViewName is the wallets projection's durable queue and checkpoint key.
const ViewName = "wallets-view"

// NewProjection builds the wallets_view registry. Payment verdicts and
// settlements are not folded separately: every movement they cause rides a
// WalletBalanceChanged, which carries the authoritative new balance.
func NewProjection() *projection.Registry {
	return projection.NewRegistry(ViewName).
		On(events.TypeWalletCreated, applyWalletCreated).
		On(events.TypeWalletBalanceChanged, applyWalletBalanceChanged).
		On(events.TypeWalletDeleted, applyWalletDeleted).
		OnReset(resetWalletsView)
}

func applyWalletCreated(ctx context.Context, tx *sql.Tx, event *domain.Event) error {
	p, err := events.As[*events.WalletCreated](event)
	if err != nil {
		return err
	}
	return projection.UpsertCreate(ctx, tx, "wallets_view", p.WalletID, event.Version, projection.Cols{
		{Name: "user_id", Value: p.UserID},
		{Name: "balance", Value: p.Balance.String()},
		{Name: "created_at", Value: p.CreatedAt.UnixNano()},
		{Name: "updated_at", Value: p.CreatedAt.UnixNano()},
	})
}

func applyWalletBalanceChanged(ctx context.Context, tx *sql.Tx, event *domain.Event) error {
	p, err := events.As[*events.WalletBalanceChanged](event)
	if err != nil {
		return err
	}
	return projection.GatedUpdate(ctx, tx, "wallets_view", p.WalletID, event.Version, projection.Cols{
		{Name: "balance", Value: p.NewBalance.String()},
		{Name: "updated_at", Value: p.ChangedAt.UnixNano()},
	})
}

func applyWalletDeleted(ctx context.Context, tx *sql.Tx, event *domain.Event) error {
	p, err := events.As[*events.WalletDeleted](event)
	if err != nil {
		return err
	}
	return projection.SoftDelete(ctx, tx, "wallets_view", p.WalletID, event.Version, p.DeletedAt)
}

func resetWalletsView(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM wallets_view`)
	return err
}
