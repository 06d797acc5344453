package escrow

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
)

type stubLedger struct {
	balance *big.Int
	err     error
	calls   int
}

func (s *stubLedger) Escrow(context.Context, string, uint64) (*big.Int, error) {
	s.calls++
	return s.balance, s.err
}

func ether(milli int64) *big.Int {
	// milli-tokens to 18-decimal wei
	return new(big.Int).Mul(big.NewInt(milli), big.NewInt(1e15))
}

func TestCheck(t *testing.T) {
	price := ether(10) // 0.01

	tests := []struct {
		name    string
		ledger  *stubLedger
		wantErr bool
	}{
		{"balance above price", &stubLedger{balance: ether(50)}, false},
		{"balance equals price", &stubLedger{balance: ether(10)}, false},
		{"balance below price", &stubLedger{balance: ether(5)}, true},
		{"zero balance", &stubLedger{balance: big.NewInt(0)}, true},
		{"read error fails closed", &stubLedger{err: errors.New("rpc timeout")}, true},
		{"nil balance", &stubLedger{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewGate(tt.ledger).Check(context.Background(), "0xabc", 1, price)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInsufficient)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, 1, tt.ledger.calls)
		})
	}
}

func TestCheckReadsEveryTime(t *testing.T) {
	ledger := &stubLedger{balance: ether(50)}
	g := NewGate(ledger)
	for i := 0; i < 3; i++ {
		_ = g.Check(context.Background(), "0xabc", 1, ether(10))
	}
	assert.Equal(t, 3, ledger.calls)
}
