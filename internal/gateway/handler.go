// Package gateway serves the pay-per-call plugin endpoint.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/HanTheDev/plugin-pay-gateway/internal/auth"
	"github.com/HanTheDev/plugin-pay-gateway/internal/dispatch"
	"github.com/HanTheDev/plugin-pay-gateway/internal/ethsig"
	"github.com/HanTheDev/plugin-pay-gateway/internal/models"
	"github.com/HanTheDev/plugin-pay-gateway/internal/oracle"
	"github.com/HanTheDev/plugin-pay-gateway/internal/ratelimit"
	"github.com/HanTheDev/plugin-pay-gateway/internal/validate"
)

// MaxBodyBytes caps the request body. It leaves room for the payload limit
// plus the envelope.
const MaxBodyBytes = 2 << 20

const HeaderRequestID = "X-Request-ID"

type Authenticator interface {
	Authenticate(ctx context.Context, creds auth.Credentials, body []byte) (string, error)
}

type PayloadValidator interface {
	Validate(payload json.RawMessage, pluginID uint64) error
}

type PluginReader interface {
	Plugin(ctx context.Context, pluginID uint64) (*models.PluginDescriptor, error)
}

type EscrowChecker interface {
	Check(ctx context.Context, caller string, pluginID uint64, price *big.Int) error
}

type Limiter interface {
	Status(ctx context.Context, caller string, pluginID uint64) ratelimit.Status
	Increment(ctx context.Context, caller string, pluginID uint64) ratelimit.Status
}

type SignerResolver interface {
	SignerFor(p *models.PluginDescriptor) (*ethsig.Signer, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, plugin *models.PluginDescriptor, payload json.RawMessage, jobID string) (*dispatch.Result, error)
}

type ReceiptIssuer interface {
	Issue(ctx context.Context, signer *ethsig.Signer, t oracle.Tuple) (*models.Receipt, error)
}

type CallLogger interface {
	LogCall(ctx context.Context, entry *models.CallLog) error
}

// Deps are the collaborators of a Handler. CallLog may be nil.
type Deps struct {
	Auth       Authenticator
	Validator  PayloadValidator
	Plugins    PluginReader
	Escrow     EscrowChecker
	RateLimit  Limiter
	Signers    SignerResolver
	Dispatcher Dispatcher
	Receipts   ReceiptIssuer
	CallLog    CallLogger
}

type Handler struct {
	deps Deps
	now  func() time.Time
}

func NewHandler(deps Deps) *Handler {
	return &Handler{deps: deps, now: time.Now}
}

func (h *Handler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/api/v1/plugins/{pluginId:[0-9]+}/call", h.Call).Methods(http.MethodPost)
	router.HandleFunc("/api/v1/plugins/{pluginId:[0-9]+}/call", h.Preflight).Methods(http.MethodOptions)
	router.PathPrefix("/api/").HandlerFunc(h.InvalidEndpoint)
}

type callResponse struct {
	Success  bool            `json:"success"`
	JobID    string          `json:"jobId"`
	Result   json.RawMessage `json:"result"`
	Receipt  *models.Receipt `json:"receipt"`
	Metadata callMetadata    `json:"metadata"`
}

type callMetadata struct {
	PluginName    string `json:"pluginName"`
	Version       string `json:"version"`
	ExecutionTime int64  `json:"executionTime"`
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// outcome carries what the call log needs from one request.
type outcome struct {
	caller   string
	jobID    string
	cost     string
	execMs   int64
	rlStatus *ratelimit.Status
}

func (h *Handler) Call(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	pluginID, err := strconv.ParseUint(mux.Vars(r)["pluginId"], 10, 64)
	if err != nil {
		h.InvalidEndpoint(w, r)
		return
	}

	requestID := r.Header.Get(HeaderRequestID)
	if requestID == "" {
		requestID = uuid.NewString()
	}

	var out outcome
	resp, callErr := h.process(w, r, pluginID, requestID, &out)

	if out.rlStatus != nil {
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(out.rlStatus.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(out.rlStatus.ResetAt.Unix(), 10))
	}

	entry := &models.CallLog{
		JobID:           out.jobID,
		PluginID:        pluginID,
		Caller:          out.caller,
		Cost:            out.cost,
		ExecutionTimeMs: out.execMs,
	}

	if callErr != nil {
		if callErr.Cause != nil {
			log.Printf("❌ [%s] plugin %d: %v", requestID, pluginID, callErr)
		} else {
			log.Printf("🚫 [%s] plugin %d: %s", requestID, pluginID, callErr.Message)
		}
		status := callErr.Kind.HTTPStatus()
		writeJSON(w, status, errorResponse{Success: false, Error: callErr.Message})

		entry.StatusCode = status
		entry.ErrorKind = string(callErr.Kind)
		entry.Cost = ""
		h.logCall(r.Context(), entry)
		return
	}

	writeJSON(w, http.StatusOK, resp)
	entry.Success = true
	entry.StatusCode = http.StatusOK
	h.logCall(r.Context(), entry)

	log.Printf("✅ [%s] plugin %d job %s completed in %dms", requestID, pluginID, out.jobID, time.Since(startTime).Milliseconds())
}

func (h *Handler) process(w http.ResponseWriter, r *http.Request, pluginID uint64, requestID string, out *outcome) (*callResponse, *Error) {
	ctx := r.Context()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, newError(KindValidation, "Request body too large", nil)
		}
		return nil, newError(KindValidation, "Failed to read request body", err)
	}

	caller, err := h.deps.Auth.Authenticate(ctx, auth.CredentialsFromHeaders(r.Header), body)
	if err != nil {
		return nil, authError(err)
	}
	out.caller = caller

	var req models.CallRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, newError(KindValidation, "Invalid JSON body", nil)
	}
	if err := h.deps.Validator.Validate(req.Payload, pluginID); err != nil {
		var verr *validate.Error
		if errors.As(err, &verr) {
			return nil, newError(KindValidation, verr.Message, nil)
		}
		return nil, newError(KindValidation, "Validation failed", err)
	}

	plugin, err := h.deps.Plugins.Plugin(ctx, pluginID)
	if err != nil {
		return nil, newError(KindInternal, "Internal server error", err)
	}
	if !plugin.Active {
		return nil, newError(KindNotFound, "Plugin not found or inactive", nil)
	}

	if err := h.deps.Escrow.Check(ctx, caller, pluginID, plugin.Price); err != nil {
		return nil, newError(KindEscrow, "Insufficient escrow. Please prepay for plugin usage.", err)
	}

	// peek first so callers already over the limit do not keep bumping the counter
	status := h.deps.RateLimit.Status(ctx, caller, pluginID)
	if status.Allowed {
		status = h.deps.RateLimit.Increment(ctx, caller, pluginID)
	}
	out.rlStatus = &status
	if !status.Allowed {
		return nil, newError(KindRateLimited, "Rate limit exceeded", nil)
	}

	signer, err := h.deps.Signers.SignerFor(plugin)
	if err != nil {
		return nil, newError(KindInternal, "Internal server error", err)
	}

	inputHash, err := oracle.HashJSON(req.Payload)
	if err != nil {
		return nil, newError(KindInternal, "Internal server error", err)
	}

	now := h.now()
	jobID := oracle.DeriveJobID(requestID, caller, pluginID, now)
	out.jobID = jobID.Hex()

	log.Printf("📨 [%s] dispatching %s (plugin %d) for %s", requestID, plugin.Name, pluginID, caller)
	result, err := h.deps.Dispatcher.Dispatch(ctx, plugin, req.Payload, out.jobID)
	if err != nil {
		if errors.Is(err, dispatch.ErrOffload) {
			return nil, newError(KindInternal, "Internal server error", err)
		}
		var perr *dispatch.ProviderError
		if errors.As(err, &perr) {
			return nil, newError(KindDispatch, "Plugin execution failed: "+perr.Message, err)
		}
		return nil, newError(KindDispatch, "Plugin execution failed", err)
	}
	out.execMs = result.ExecutionTimeMs

	outputHash, err := oracle.HashJSON(result.Output)
	if err != nil {
		return nil, newError(KindInternal, "Internal server error", err)
	}

	receipt, err := h.deps.Receipts.Issue(ctx, signer, oracle.Tuple{
		JobID:      jobID,
		Caller:     common.HexToAddress(caller),
		PluginID:   pluginID,
		InputHash:  inputHash,
		OutputHash: outputHash,
		Cost:       plugin.Price,
		Timestamp:  h.now().Unix(),
	})
	if err != nil {
		return nil, newError(KindInternal, "Internal server error", err)
	}
	out.cost = receipt.Cost

	version := "0"
	if plugin.Version != nil {
		version = plugin.Version.String()
	}

	return &callResponse{
		Success: true,
		JobID:   out.jobID,
		Result:  result.Output,
		Receipt: receipt,
		Metadata: callMetadata{
			PluginName:    plugin.Name,
			Version:       version,
			ExecutionTime: result.ExecutionTimeMs,
		},
	}, nil
}

func authError(err error) *Error {
	switch {
	case errors.Is(err, auth.ErrMissingHeaders):
		return newError(KindAuthentication, "Missing authentication headers", nil)
	case errors.Is(err, auth.ErrInvalidTimestamp):
		return newError(KindAuthentication, "Invalid timestamp", nil)
	case errors.Is(err, auth.ErrExpired):
		return newError(KindAuthentication, "Request expired", nil)
	case errors.Is(err, auth.ErrInvalidSignature):
		return newError(KindAuthentication, "Invalid signature", nil)
	case errors.Is(err, auth.ErrDuplicateRequest):
		return newError(KindAuthentication, "Duplicate request", nil)
	default:
		return newError(KindInternal, "Internal server error", err)
	}
}

// Preflight answers CORS OPTIONS requests.
func (h *Handler) Preflight(w http.ResponseWriter, r *http.Request) {
	setCORS(w)
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) InvalidEndpoint(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Success: false, Error: "Invalid endpoint"})
}

func (h *Handler) logCall(ctx context.Context, entry *models.CallLog) {
	if h.deps.CallLog == nil {
		return
	}
	go func() {
		if err := h.deps.CallLog.LogCall(context.WithoutCancel(ctx), entry); err != nil {
			log.Printf("⚠️  Failed to log call: %v", err)
		}
	}()
}

func setCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-User-Address, X-Signature, X-Timestamp")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	setCORS(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("❌ Failed to write response: %v", err)
	}
}
