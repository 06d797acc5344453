// Package validate checks call payloads before any chargeable work starts.
package validate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum/common"
)

const MaxPayloadBytes = 1 << 20

// Kind is the closed set of plugin shapes the gateway knows how to check.
type Kind int

const (
	Unregistered Kind = iota
	Summarizer
	MemeGenerator
	NFTAppraiser
)

func (k Kind) String() string {
	switch k {
	case Summarizer:
		return "summarizer"
	case MemeGenerator:
		return "meme-generator"
	case NFTAppraiser:
		return "nft-appraiser"
	default:
		return "unregistered"
	}
}

func ParseKind(name string) (Kind, error) {
	for _, k := range []Kind{Summarizer, MemeGenerator, NFTAppraiser} {
		if k.String() == name {
			return k, nil
		}
	}
	return Unregistered, fmt.Errorf("unknown plugin kind %q", name)
}

// Error is a validation failure. Message is safe to return to callers.
type Error struct {
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

func invalid(format string, args ...any) *Error {
	return &Error{Message: fmt.Sprintf(format, args...)}
}

// Validator holds the plugin id to kind binding fixed at startup.
type Validator struct {
	kinds  map[uint64]Kind
	strict bool
}

// New resolves configured kind names. With strict set, payloads for plugin ids
// with no configured kind are rejected instead of accepted.
func New(kinds map[uint64]string, strict bool) (*Validator, error) {
	resolved := make(map[uint64]Kind, len(kinds))
	for id, name := range kinds {
		k, err := ParseKind(name)
		if err != nil {
			return nil, fmt.Errorf("plugin %d: %w", id, err)
		}
		resolved[id] = k
	}
	return &Validator{kinds: resolved, strict: strict}, nil
}

func (v *Validator) KindOf(pluginID uint64) Kind {
	return v.kinds[pluginID]
}

// Validate returns nil or a *Error.
func (v *Validator) Validate(payload json.RawMessage, pluginID uint64) error {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return invalid("Missing payload")
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, trimmed); err != nil {
		return invalid("Malformed payload")
	}
	if compact.Len() > MaxPayloadBytes {
		return invalid("Payload too large")
	}

	switch v.KindOf(pluginID) {
	case Summarizer:
		return validateSummarizer(compact.Bytes())
	case MemeGenerator:
		return validateMemeGenerator(compact.Bytes())
	case NFTAppraiser:
		return validateNFTAppraiser(compact.Bytes())
	default:
		if v.strict {
			return invalid("Unknown plugin")
		}
		return nil
	}
}

type summarizerPayload struct {
	Text      *string  `json:"text"`
	MaxLength *float64 `json:"maxLength"`
	Style     *string  `json:"style"`
}

var summaryStyles = map[string]bool{
	"concise":   true,
	"detailed":  true,
	"bullet":    true,
	"executive": true,
}

func validateSummarizer(raw []byte) error {
	var p summarizerPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return &Error{Message: "Missing or invalid text field"}
	}
	if p.Text == nil || *p.Text == "" {
		return invalid("Missing or invalid text field")
	}
	if utf8.RuneCountInString(*p.Text) > 50000 {
		return invalid("Text too long (max 50k chars)")
	}
	// zero means "use the default", matching a falsy check
	if p.MaxLength != nil && *p.MaxLength != 0 && (*p.MaxLength < 10 || *p.MaxLength > 1000) {
		return invalid("Invalid maxLength (10-1000)")
	}
	if p.Style != nil && !summaryStyles[*p.Style] {
		return invalid("Invalid style")
	}
	return nil
}

type memePayload struct {
	Prompt *string `json:"prompt"`
}

func validateMemeGenerator(raw []byte) error {
	var p memePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return &Error{Message: "Missing or invalid prompt field"}
	}
	if p.Prompt == nil || *p.Prompt == "" {
		return invalid("Missing or invalid prompt field")
	}
	if utf8.RuneCountInString(*p.Prompt) > 500 {
		return invalid("Prompt too long (max 500 chars)")
	}
	return nil
}

type nftPayload struct {
	ContractAddress *string         `json:"contractAddress"`
	TokenID         json.RawMessage `json:"tokenId"`
}

func validateNFTAppraiser(raw []byte) error {
	var p nftPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return &Error{Message: "Missing contractAddress or tokenId"}
	}
	if p.ContractAddress == nil || *p.ContractAddress == "" || isEmptyJSON(p.TokenID) {
		return invalid("Missing contractAddress or tokenId")
	}
	if !common.IsHexAddress(*p.ContractAddress) {
		return invalid("Invalid contract address")
	}
	return nil
}

func isEmptyJSON(raw json.RawMessage) bool {
	switch string(bytes.TrimSpace(raw)) {
	case "", "null", `""`, "0", "false":
		return true
	}
	return false
}
