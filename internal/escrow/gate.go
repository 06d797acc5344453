// Package escrow checks a caller's prepaid balance before dispatch.
//
// The check is not atomic with the eventual on-ledger debit: two concurrent
// calls can both pass against the same balance. That exposure is bounded by
// the escrow callers keep and is accepted rather than serializing calls per
// caller.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
)

var ErrInsufficient = errors.New("insufficient escrow")

// BalanceReader reads escrow from the ledger. Implementations must not cache.
type BalanceReader interface {
	Escrow(ctx context.Context, caller string, pluginID uint64) (*big.Int, error)
}

type Gate struct {
	ledger BalanceReader
}

func NewGate(ledger BalanceReader) *Gate {
	return &Gate{ledger: ledger}
}

// Check fails closed: a read error is reported as ErrInsufficient.
func (g *Gate) Check(ctx context.Context, caller string, pluginID uint64, price *big.Int) error {
	balance, err := g.ledger.Escrow(ctx, caller, pluginID)
	if err != nil {
		log.Printf("escrow: read failed for %s plugin %d: %v", caller, pluginID, err)
		return fmt.Errorf("%w: %v", ErrInsufficient, err)
	}
	if balance == nil || price == nil || balance.Cmp(price) < 0 {
		return ErrInsufficient
	}
	return nil
}
