package oracle

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/HanTheDev/plugin-pay-gateway/internal/ethsig"
	"github.com/HanTheDev/plugin-pay-gateway/internal/models"
)

var ErrNoVerifierKey = errors.New("no verifier key for plugin")

// Keyring holds the verifier keys this gateway can sign with, indexed by
// address.
type Keyring struct {
	signers map[common.Address]*ethsig.Signer
}

// NewKeyring loads the default verifier key and any per-plugin keys. Empty
// entries are skipped.
func NewKeyring(defaultKey string, pluginKeys map[uint64]string) (*Keyring, error) {
	k := &Keyring{signers: make(map[common.Address]*ethsig.Signer)}
	if strings.TrimSpace(defaultKey) != "" {
		s, err := ethsig.NewSigner(defaultKey)
		if err != nil {
			return nil, fmt.Errorf("verifier key: %w", err)
		}
		k.Add(s)
	}
	for id, hex := range pluginKeys {
		if strings.TrimSpace(hex) == "" {
			continue
		}
		s, err := ethsig.NewSigner(hex)
		if err != nil {
			return nil, fmt.Errorf("verifier key for plugin %d: %w", id, err)
		}
		k.Add(s)
	}
	return k, nil
}

func (k *Keyring) Add(s *ethsig.Signer) {
	k.signers[s.Address()] = s
}

func (k *Keyring) Len() int {
	return len(k.signers)
}

// SignerFor returns the key whose address is the plugin's registered
// verifier.
func (k *Keyring) SignerFor(p *models.PluginDescriptor) (*ethsig.Signer, error) {
	if !common.IsHexAddress(p.VerifierKey) {
		return nil, fmt.Errorf("%w %d: invalid verifier address %q", ErrNoVerifierKey, p.ID, p.VerifierKey)
	}
	s, ok := k.signers[common.HexToAddress(p.VerifierKey)]
	if !ok {
		return nil, fmt.Errorf("%w %d (%s)", ErrNoVerifierKey, p.ID, p.VerifierKey)
	}
	return s, nil
}
