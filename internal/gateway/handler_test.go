package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HanTheDev/plugin-pay-gateway/internal/auth"
	"github.com/HanTheDev/plugin-pay-gateway/internal/dispatch"
	"github.com/HanTheDev/plugin-pay-gateway/internal/escrow"
	"github.com/HanTheDev/plugin-pay-gateway/internal/ethsig"
	"github.com/HanTheDev/plugin-pay-gateway/internal/models"
	"github.com/HanTheDev/plugin-pay-gateway/internal/oracle"
	"github.com/HanTheDev/plugin-pay-gateway/internal/ratelimit"
	"github.com/HanTheDev/plugin-pay-gateway/internal/validate"
)

const protocol = "DuckGPT Auth"

// tokens converts thousandths of a token to 18-decimal base units.
func tokens(milli int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(milli), big.NewInt(1e15))
}

type fakeRegistry struct {
	plugins map[uint64]*models.PluginDescriptor
	reads   atomic.Int32
}

func (f *fakeRegistry) Plugin(_ context.Context, id uint64) (*models.PluginDescriptor, error) {
	f.reads.Add(1)
	if p, ok := f.plugins[id]; ok {
		cp := *p
		return &cp, nil
	}
	return &models.PluginDescriptor{ID: id, Price: big.NewInt(0), Version: big.NewInt(0)}, nil
}

type fakeEscrow struct {
	balance *big.Int
	reads   atomic.Int32
}

func (f *fakeEscrow) Escrow(context.Context, string, uint64) (*big.Int, error) {
	f.reads.Add(1)
	return f.balance, nil
}

type fakeProvider struct {
	result json.RawMessage
	err    error
	calls  atomic.Int32
}

func (f *fakeProvider) Invoke(context.Context, string, dispatch.Invocation) (json.RawMessage, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type recordingLog struct {
	mu      sync.Mutex
	entries []models.CallLog
}

func (l *recordingLog) LogCall(_ context.Context, e *models.CallLog) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, *e)
	return nil
}

func (l *recordingLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

type harness struct {
	router   *mux.Router
	caller   *ethsig.Signer
	verifier *ethsig.Signer
	registry *fakeRegistry
	escrow   *fakeEscrow
	provider *fakeProvider
	outbox   *oracle.MemoryOutbox
	blobs    *dispatch.MemoryStore
	calls    *recordingLog
}

func newHarness(t *testing.T, rateLimit int) *harness {
	t.Helper()
	callerKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	verifierKey, err := crypto.GenerateKey()
	require.NoError(t, err)

	h := &harness{
		caller:   ethsig.NewSignerFromKey(callerKey),
		verifier: ethsig.NewSignerFromKey(verifierKey),
		escrow:   &fakeEscrow{balance: tokens(50)},
		provider: &fakeProvider{result: json.RawMessage(`{"summary":"short"}`)},
		outbox:   oracle.NewMemoryOutbox(),
		blobs:    dispatch.NewMemoryStore(),
		calls:    &recordingLog{},
	}
	h.registry = &fakeRegistry{plugins: map[uint64]*models.PluginDescriptor{
		1: {ID: 1, Name: "summarizer", Price: tokens(10), Active: true, Version: big.NewInt(2), VerifierKey: h.verifier.Address().Hex()},
		2: {ID: 2, Name: "meme-generator", Price: tokens(10), Active: false, Version: big.NewInt(1), VerifierKey: h.verifier.Address().Hex()},
		5: {ID: 5, Name: "orphan", Price: tokens(10), Active: true, Version: big.NewInt(1), VerifierKey: "0x00000000000000000000000000000000000000bb"},
	}}

	validator, err := validate.New(map[uint64]string{1: "summarizer", 2: "meme-generator"}, false)
	require.NoError(t, err)
	keyring, err := oracle.NewKeyring("", nil)
	require.NoError(t, err)
	keyring.Add(h.verifier)

	handler := NewHandler(Deps{
		Auth:       auth.NewAuthenticator(protocol, 5*time.Minute, auth.NewMemoryNonceStore(auth.DefaultNonceHighWater)),
		Validator:  validator,
		Plugins:    h.registry,
		Escrow:     escrow.NewGate(h.escrow),
		RateLimit:  ratelimit.NewRateLimiter(ratelimit.NewMemoryStore(), rateLimit, time.Minute),
		Signers:    keyring,
		Dispatcher: dispatch.NewDispatcher(h.provider, h.blobs, time.Second, nil),
		Receipts:   oracle.New(h.outbox, nil),
		CallLog:    h.calls,
	})
	h.router = mux.NewRouter()
	handler.RegisterRoutes(h.router)
	return h
}

func (h *harness) signedRequest(t *testing.T, pluginID uint64, body string, at time.Time) *http.Request {
	t.Helper()
	ts := strconv.FormatInt(at.UnixMilli(), 10)
	addr := h.caller.Address().Hex()
	sig, err := h.caller.SignPersonal([]byte(auth.Message(protocol, addr, ts, []byte(body))))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/plugins/"+strconv.FormatUint(pluginID, 10)+"/call", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(auth.HeaderAddress, addr)
	req.Header.Set(auth.HeaderSignature, hexutil.Encode(sig))
	req.Header.Set(auth.HeaderTimestamp, ts)
	return req
}

func (h *harness) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

type okBody struct {
	Success  bool            `json:"success"`
	JobID    string          `json:"jobId"`
	Result   json.RawMessage `json:"result"`
	Receipt  models.Receipt  `json:"receipt"`
	Metadata callMetadata    `json:"metadata"`
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var body errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.False(t, body.Success)
	return body
}

const summarizeBody = `{"payload":{"text":"a long article about ducks"}}`

func TestCallSufficientEscrow(t *testing.T) {
	h := newHarness(t, 100)

	rec := h.do(h.signedRequest(t, 1, summarizeBody, time.Now()))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	var body okBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Success)
	assert.JSONEq(t, `{"summary":"short"}`, string(body.Result))
	assert.Equal(t, "summarizer", body.Metadata.PluginName)
	assert.Equal(t, "2", body.Metadata.Version)

	r := body.Receipt
	assert.Equal(t, body.JobID, r.JobID)
	assert.Equal(t, uint64(1), r.PluginID)
	assert.Equal(t, tokens(10).String(), r.Cost)
	assert.True(t, ethsig.SameAddress(h.caller.Address().Hex(), r.Caller))
	assert.Equal(t, crypto.Keccak256Hash([]byte(`{"text":"a long article about ducks"}`)).Hex(), r.InputHash)
	assert.Equal(t, crypto.Keccak256Hash([]byte(`{"summary":"short"}`)).Hex(), r.OutputHash)

	// the receipt recomputes to the same hash and verifies against the plugin's verifier
	tuple, err := oracle.TupleOf(&r)
	require.NoError(t, err)
	hash, err := tuple.Hash()
	require.NoError(t, err)
	assert.Equal(t, r.Hash, hash.Hex())
	sig, err := ethsig.DecodeSignature(r.Signature)
	require.NoError(t, err)
	assert.True(t, oracle.Verify(hash, sig, h.verifier.Address()))

	task, err := h.outbox.Get(context.Background(), r.Hash)
	require.NoError(t, err)
	assert.Equal(t, models.ConsumptionPending, task.Status)

	assert.Eventually(t, func() bool { return h.calls.len() == 1 }, time.Second, 5*time.Millisecond)
}

func TestCallInsufficientEscrow(t *testing.T) {
	h := newHarness(t, 100)
	h.escrow.balance = tokens(5)

	rec := h.do(h.signedRequest(t, 1, summarizeBody, time.Now()))
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, "Insufficient escrow. Please prepay for plugin usage.", decodeError(t, rec).Error)
	assert.Zero(t, h.provider.calls.Load())
}

func TestCallParallelDuplicates(t *testing.T) {
	h := newHarness(t, 100)
	at := time.Now()
	reqs := []*http.Request{
		h.signedRequest(t, 1, summarizeBody, at),
		h.signedRequest(t, 1, summarizeBody, at),
	}

	codes := make([]int, len(reqs))
	var wg sync.WaitGroup
	for i, req := range reqs {
		wg.Add(1)
		go func(i int, req *http.Request) {
			defer wg.Done()
			codes[i] = h.do(req).Code
		}(i, req)
	}
	wg.Wait()

	assert.ElementsMatch(t, []int{http.StatusOK, http.StatusUnauthorized}, codes)
	assert.Equal(t, int32(1), h.provider.calls.Load())
}

func TestCallDuplicateMessage(t *testing.T) {
	h := newHarness(t, 100)
	at := time.Now()
	require.Equal(t, http.StatusOK, h.do(h.signedRequest(t, 1, summarizeBody, at)).Code)

	rec := h.do(h.signedRequest(t, 1, summarizeBody, at))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Duplicate request", decodeError(t, rec).Error)
}

func TestCallExpired(t *testing.T) {
	h := newHarness(t, 100)

	rec := h.do(h.signedRequest(t, 1, summarizeBody, time.Now().Add(-400*time.Second)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Request expired", decodeError(t, rec).Error)
	assert.Zero(t, h.registry.reads.Load())
}

func TestCallProviderError(t *testing.T) {
	h := newHarness(t, 100)
	h.provider.err = &dispatch.ProviderError{Message: "model overloaded"}

	rec := h.do(h.signedRequest(t, 1, summarizeBody, time.Now()))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Plugin execution failed: model overloaded", decodeError(t, rec).Error)
	assert.NotContains(t, rec.Body.String(), "receipt")

	tasks, err := h.outbox.List(context.Background(), "", 0)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestCallProviderTransportError(t *testing.T) {
	h := newHarness(t, 100)
	h.provider.err = errors.New("dial tcp 10.0.0.7:9000: connection refused")

	rec := h.do(h.signedRequest(t, 1, summarizeBody, time.Now()))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Plugin execution failed", decodeError(t, rec).Error)
	assert.NotContains(t, rec.Body.String(), "10.0.0.7")
}

func TestCallValidationPrecedesLedger(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantMsg string
	}{
		{"malformed json", `{"payload":`, "Invalid JSON body"},
		{"missing payload", `{}`, "Missing payload"},
		{"summarizer without text", `{"payload":{"style":"concise"}}`, "Missing or invalid text field"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 100)
			rec := h.do(h.signedRequest(t, 1, tt.body, time.Now()))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, decodeError(t, rec).Error, tt.wantMsg)
			assert.Zero(t, h.registry.reads.Load())
			assert.Zero(t, h.escrow.reads.Load())
		})
	}
}

func TestCallInactivePlugin(t *testing.T) {
	h := newHarness(t, 100)
	rec := h.do(h.signedRequest(t, 2, `{"payload":{"prompt":"duck"}}`, time.Now()))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Plugin not found or inactive", decodeError(t, rec).Error)
	assert.Zero(t, h.escrow.reads.Load())
}

func TestCallUnregisteredPlugin(t *testing.T) {
	h := newHarness(t, 100)
	rec := h.do(h.signedRequest(t, 42, `{"payload":{"anything":true}}`, time.Now()))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCallMissingVerifierKey(t *testing.T) {
	h := newHarness(t, 100)
	rec := h.do(h.signedRequest(t, 5, `{"payload":{"x":1}}`, time.Now()))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Internal server error", decodeError(t, rec).Error)
	assert.Zero(t, h.provider.calls.Load())
}

func TestCallRateLimited(t *testing.T) {
	h := newHarness(t, 1)
	now := time.Now()
	require.Equal(t, http.StatusOK, h.do(h.signedRequest(t, 1, summarizeBody, now)).Code)

	rec := h.do(h.signedRequest(t, 1, summarizeBody, now.Add(time.Millisecond)))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Reset"))
	assert.Equal(t, int32(1), h.provider.calls.Load())
}

func TestCallRateLimitConcurrent(t *testing.T) {
	h := newHarness(t, 3)
	now := time.Now()
	reqs := make([]*http.Request, 10)
	for i := range reqs {
		reqs[i] = h.signedRequest(t, 1, summarizeBody, now.Add(time.Duration(i)*time.Millisecond))
	}

	var ok, limited atomic.Int32
	var wg sync.WaitGroup
	for _, req := range reqs {
		wg.Add(1)
		go func(req *http.Request) {
			defer wg.Done()
			switch h.do(req).Code {
			case http.StatusOK:
				ok.Add(1)
			case http.StatusTooManyRequests:
				limited.Add(1)
			}
		}(req)
	}
	wg.Wait()

	assert.Equal(t, int32(3), ok.Load())
	assert.Equal(t, int32(7), limited.Load())
	assert.Equal(t, int32(3), h.provider.calls.Load())
}

func TestCallOffloadsLargeResult(t *testing.T) {
	h := newHarness(t, 100)
	large := `"` + strings.Repeat("q", dispatch.OffloadThreshold) + `"`
	h.provider.result = json.RawMessage(large)

	rec := h.do(h.signedRequest(t, 1, summarizeBody, time.Now()))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Less(t, rec.Body.Len(), 10000)

	var body okBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	var ref struct {
		URI  string `json:"uri"`
		Type string `json:"type"`
	}
	require.NoError(t, json.Unmarshal(body.Result, &ref))
	assert.Equal(t, "large_output", ref.Type)
	assert.Equal(t, "mem://outputs/"+body.JobID+".json", ref.URI)

	stored, ok := h.blobs.Get("outputs/" + body.JobID + ".json")
	require.True(t, ok)
	assert.Equal(t, large, string(stored))

	var compact bytes.Buffer
	require.NoError(t, json.Compact(&compact, body.Result))
	assert.Equal(t, crypto.Keccak256Hash(compact.Bytes()).Hex(), body.Receipt.OutputHash)
}

func TestCallAuthFailures(t *testing.T) {
	h := newHarness(t, 100)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/plugins/1/call", strings.NewReader(summarizeBody))
	rec := h.do(req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Missing authentication headers", decodeError(t, rec).Error)

	// signature over a different body
	tampered := h.signedRequest(t, 1, `{"payload":{"text":"other"}}`, time.Now())
	tampered.Header.Set(auth.HeaderSignature, h.signedRequest(t, 1, summarizeBody, time.Now()).Header.Get(auth.HeaderSignature))
	rec = h.do(tampered)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Invalid signature", decodeError(t, rec).Error)
}

func TestPreflightAndInvalidEndpoint(t *testing.T) {
	h := newHarness(t, 100)

	rec := h.do(httptest.NewRequest(http.MethodOptions, "/api/v1/plugins/1/call", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "Content-Type, X-User-Address, X-Signature, X-Timestamp", rec.Header().Get("Access-Control-Allow-Headers"))
	assert.Equal(t, "GET, POST, OPTIONS", rec.Header().Get("Access-Control-Allow-Methods"))

	for _, target := range []string{"/api/v1/plugins/abc/call", "/api/v1/other", "/api/v1/plugins/1/call"} {
		method := http.MethodPost
		if target == "/api/v1/plugins/1/call" {
			method = http.MethodGet
		}
		rec := h.do(httptest.NewRequest(method, target, nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
		assert.Equal(t, "Invalid endpoint", decodeError(t, rec).Error)
	}
}

func TestCallRejectsOversizedBody(t *testing.T) {
	h := newHarness(t, 100)
	body := `{"payload":{"text":"` + strings.Repeat("a", MaxBodyBytes) + `"}}`
	rec := h.do(h.signedRequest(t, 1, body, time.Now()))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Request body too large", decodeError(t, rec).Error)
}

func TestErrorKindStatus(t *testing.T) {
	assert.Equal(t, http.StatusUnauthorized, KindAuthentication.HTTPStatus())
	assert.Equal(t, http.StatusBadRequest, KindValidation.HTTPStatus())
	assert.Equal(t, http.StatusPaymentRequired, KindEscrow.HTTPStatus())
	assert.Equal(t, http.StatusNotFound, KindNotFound.HTTPStatus())
	assert.Equal(t, http.StatusTooManyRequests, KindRateLimited.HTTPStatus())
	assert.Equal(t, http.StatusInternalServerError, KindDispatch.HTTPStatus())
	assert.Equal(t, http.StatusInternalServerError, KindInternal.HTTPStatus())

	cause := errors.New("rpc down")
	err := newError(KindInternal, "Internal server error", cause)
	assert.ErrorIs(t, err, cause)
}
