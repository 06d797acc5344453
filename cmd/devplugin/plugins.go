package main

import (
	"encoding/json"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gorilla/mux"

	"github.com/HanTheDev/plugin-pay-gateway/internal/dispatch"
)

type pluginFunc func(payload json.RawMessage) (any, error)

var plugins = map[string]pluginFunc{
	"summarizer":     summarize,
	"meme-generator": generateMeme,
	"nft-appraiser":  appraiseNFT,
	"echo":           echo,
}

type providerResponse struct {
	Success bool   `json:"success"`
	Result  any    `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

func newRouter() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/plugins/{name}", invoke).Methods(http.MethodPost)
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	}).Methods(http.MethodGet)
	return router
}

func invoke(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	fn, ok := plugins[name]
	if !ok {
		writeJSON(w, http.StatusNotFound, providerResponse{Error: "unknown plugin " + name})
		return
	}

	var inv dispatch.Invocation
	if err := json.NewDecoder(r.Body).Decode(&inv); err != nil {
		writeJSON(w, http.StatusBadRequest, providerResponse{Error: "invalid invocation"})
		return
	}

	result, err := fn(inv.Payload)
	if err != nil {
		log.Printf("Plugin %s job %s failed: %v", name, inv.JobID, err)
		writeJSON(w, http.StatusOK, providerResponse{Error: err.Error()})
		return
	}

	log.Printf("Plugin %s job %s done", name, inv.JobID)
	writeJSON(w, http.StatusOK, providerResponse{Success: true, Result: result})
}

func summarize(payload json.RawMessage) (any, error) {
	var p struct {
		Text      string `json:"text"`
		MaxLength int    `json:"maxLength"`
		Style     string `json:"style"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, err
	}
	if p.MaxLength == 0 {
		p.MaxLength = 150
	}
	if p.Style == "" {
		p.Style = "concise"
	}

	words := strings.Fields(p.Text)
	summary := words
	if len(summary) > p.MaxLength {
		summary = summary[:p.MaxLength]
	}
	if p.Style == "bullet" {
		for i, w := range summary {
			summary[i] = "- " + w
		}
	}
	return map[string]any{
		"summary":        strings.Join(summary, " "),
		"style":          p.Style,
		"originalLength": len(words),
		"summaryLength":  len(summary),
	}, nil
}

func generateMeme(payload json.RawMessage) (any, error) {
	var p struct {
		Prompt string `json:"prompt"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, err
	}
	seed := crypto.Keccak256Hash([]byte(p.Prompt))
	return map[string]any{
		"topText":    strings.ToUpper(p.Prompt),
		"bottomText": "SUCH GAS, VERY FEE",
		"template":   fmt.Sprintf("template-%d", seed[0]%16),
		"seed":       seed.Hex(),
	}, nil
}

func appraiseNFT(payload json.RawMessage) (any, error) {
	var p struct {
		ContractAddress string          `json:"contractAddress"`
		TokenID         json.RawMessage `json:"tokenId"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, err
	}
	if !common.IsHexAddress(p.ContractAddress) {
		return nil, fmt.Errorf("invalid contract address %q", p.ContractAddress)
	}
	token := strings.Trim(string(p.TokenID), `"`)
	digest := crypto.Keccak256(common.HexToAddress(p.ContractAddress).Bytes(), []byte(token))

	// deterministic price between 0.01 and ~65 ETH, in wei
	milli := new(big.Int).SetBytes(digest[:2])
	milli.Add(milli, big.NewInt(10))
	wei := new(big.Int).Mul(milli, big.NewInt(1e15))
	return map[string]any{
		"contractAddress": common.HexToAddress(p.ContractAddress).Hex(),
		"tokenId":         token,
		"estimateWei":     wei.String(),
		"confidence":      float64(digest[2]) / 255,
	}, nil
}

func echo(payload json.RawMessage) (any, error) {
	return payload, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
