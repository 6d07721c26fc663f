// Package credits is the engine's view of the owner credit ledger. The
// ledger itself lives outside the delivery engine; the engine only ever
// performs an atomic check-and-decrement through this interface and never
// reads-then-writes a balance itself.
package credits

import (
	"context"

	"github.com/google/uuid"
)

// Ledger is the external credit ledger collaborator.
type Ledger interface {
	// HasCredits reports whether the owner has at least one credit left.
	HasCredits(ctx context.Context, ownerID uuid.UUID) (bool, error)
	// ConsumeCredit atomically decrements the owner's balance by one.
	// Returns false, without decrementing, when the balance is exhausted.
	ConsumeCredit(ctx context.Context, ownerID uuid.UUID) (bool, error)
}

// Unlimited is a Ledger that never runs out. Used when no ledger backend is
// configured and in tests.
type Unlimited struct{}

func (Unlimited) HasCredits(ctx context.Context, ownerID uuid.UUID) (bool, error) {
	return true, nil
}

func (Unlimited) ConsumeCredit(ctx context.Context, ownerID uuid.UUID) (bool, error) {
	return true, nil
}
