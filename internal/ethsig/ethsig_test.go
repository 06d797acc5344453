package ethsig

import (
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSigner(t *testing.T) *Signer {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return NewSignerFromKey(key)
}

func TestSignAndRecover(t *testing.T) {
	s := newTestSigner(t)

	sig, err := s.SignPersonal([]byte("hello"))
	require.NoError(t, err)
	require.Len(t, sig, 65)
	assert.Contains(t, []byte{27, 28}, sig[64])

	addr, err := RecoverPersonal([]byte("hello"), sig)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), addr)

	other, err := RecoverPersonal([]byte("hellO"), sig)
	require.NoError(t, err)
	assert.NotEqual(t, s.Address(), other)
}

func TestRecoverAcceptsZeroOneV(t *testing.T) {
	s := newTestSigner(t)
	sig, err := s.SignPersonal([]byte("msg"))
	require.NoError(t, err)
	sig[64] -= 27

	addr, err := RecoverPersonal([]byte("msg"), sig)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), addr)
}

func TestRecoverRejectsMalformed(t *testing.T) {
	_, err := RecoverPersonal([]byte("msg"), make([]byte, 10))
	assert.ErrorIs(t, err, ErrMalformedSignature)

	bad := make([]byte, 65)
	bad[64] = 40
	_, err = RecoverPersonal([]byte("msg"), bad)
	assert.ErrorIs(t, err, ErrMalformedSignature)
}

func TestNewSignerFromHex(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	raw := hexutil.Encode(crypto.FromECDSA(key))

	s, err := NewSigner(raw)
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), s.Address())

	_, err = NewSigner("0xnothex")
	assert.Error(t, err)
}

func TestDecodeSignature(t *testing.T) {
	b, err := DecodeSignature("0x0102")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, b)

	b, err = DecodeSignature("0102")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, b)

	_, err = DecodeSignature("zz")
	assert.ErrorIs(t, err, ErrMalformedSignature)
}

func TestSameAddress(t *testing.T) {
	assert.True(t, SameAddress("0xAbC", "0xabc"))
	assert.False(t, SameAddress("0xabc", "0xabd"))
}
