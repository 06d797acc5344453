// Package oracle builds and signs usage receipts and drives their submission
// to the ledger.
package oracle

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/HanTheDev/plugin-pay-gateway/internal/ethsig"
	"github.com/HanTheDev/plugin-pay-gateway/internal/models"
)

var receiptArgs = func() abi.Arguments {
	mk := func(t string) abi.Argument {
		typ, err := abi.NewType(t, "", nil)
		if err != nil {
			panic(err)
		}
		return abi.Argument{Type: typ}
	}
	return abi.Arguments{
		mk("uint256"), // jobId
		mk("address"), // caller
		mk("uint256"), // pluginId
		mk("bytes32"), // inputHash
		mk("bytes32"), // outputHash
		mk("uint256"), // cost
		mk("uint256"), // timestamp
	}
}()

// Tuple is the signed content of a receipt.
type Tuple struct {
	JobID      common.Hash
	Caller     common.Address
	PluginID   uint64
	InputHash  common.Hash
	OutputHash common.Hash
	Cost       *big.Int
	Timestamp  int64 // unix seconds
}

// Encode returns the ABI encoding of the tuple in its fixed field order.
func (t Tuple) Encode() ([]byte, error) {
	if t.Cost == nil || t.Cost.Sign() < 0 {
		return nil, errors.New("receipt cost must be non-negative")
	}
	if t.Timestamp < 0 {
		return nil, errors.New("receipt timestamp must be non-negative")
	}
	return receiptArgs.Pack(
		new(big.Int).SetBytes(t.JobID[:]),
		t.Caller,
		new(big.Int).SetUint64(t.PluginID),
		[32]byte(t.InputHash),
		[32]byte(t.OutputHash),
		t.Cost,
		big.NewInt(t.Timestamp),
	)
}

func (t Tuple) Hash() (common.Hash, error) {
	enc, err := t.Encode()
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(enc), nil
}

// DeriveJobID binds a job to its request, caller, plugin and gateway time.
func DeriveJobID(requestID, caller string, pluginID uint64, at time.Time) common.Hash {
	return crypto.Keccak256Hash([]byte(fmt.Sprintf("%s-%s-%d-%d", requestID, strings.ToLower(caller), pluginID, at.UnixMilli())))
}

// HashJSON is keccak256 over the compact serialization of raw.
func HashJSON(raw json.RawMessage) (common.Hash, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(buf.Bytes()), nil
}

// Sign hashes the tuple and signs the 32 hash bytes as a personal message.
func Sign(signer *ethsig.Signer, t Tuple) (*models.Receipt, error) {
	hash, err := t.Hash()
	if err != nil {
		return nil, err
	}
	sig, err := signer.SignPersonal(hash.Bytes())
	if err != nil {
		return nil, err
	}
	return &models.Receipt{
		Hash:       hash.Hex(),
		Signature:  hexutil.Encode(sig),
		JobID:      t.JobID.Hex(),
		Caller:     t.Caller.Hex(),
		PluginID:   t.PluginID,
		InputHash:  t.InputHash.Hex(),
		OutputHash: t.OutputHash.Hex(),
		Cost:       t.Cost.String(),
		Timestamp:  t.Timestamp,
	}, nil
}

// Verify reports whether sig over hash was produced by expected.
func Verify(hash common.Hash, sig []byte, expected common.Address) bool {
	addr, err := ethsig.RecoverPersonal(hash.Bytes(), sig)
	if err != nil {
		return false
	}
	return addr == expected
}

// TupleOf parses a receipt back into its tuple.
func TupleOf(r *models.Receipt) (Tuple, error) {
	cost, ok := new(big.Int).SetString(r.Cost, 10)
	if !ok {
		return Tuple{}, fmt.Errorf("invalid receipt cost %q", r.Cost)
	}
	if !common.IsHexAddress(r.Caller) {
		return Tuple{}, fmt.Errorf("invalid receipt caller %q", r.Caller)
	}
	return Tuple{
		JobID:      common.HexToHash(r.JobID),
		Caller:     common.HexToAddress(r.Caller),
		PluginID:   r.PluginID,
		InputHash:  common.HexToHash(r.InputHash),
		OutputHash: common.HexToHash(r.OutputHash),
		Cost:       cost,
		Timestamp:  r.Timestamp,
	}, nil
}
