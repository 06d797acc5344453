// Package dispatch invokes plugin compute providers and post-processes their
// results.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/HanTheDev/plugin-pay-gateway/internal/models"
)

// OffloadThreshold is the serialized size above which a result is moved to
// bulk storage.
const OffloadThreshold = 100000

// MaxResponseBytes caps how much of a provider response is read.
const MaxResponseBytes = 32 << 20

var (
	ErrProvider = errors.New("plugin execution failed")
	ErrOffload  = errors.New("output offload failed")
)

// ProviderError carries a message the provider chose to report.
type ProviderError struct {
	Message string
}

func (e *ProviderError) Error() string { return e.Message }

func (e *ProviderError) Is(target error) bool { return target == ErrProvider }

// Invocation is the body sent to a compute provider.
type Invocation struct {
	JobID     string          `json:"jobId"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
}

type Provider interface {
	Invoke(ctx context.Context, pluginName string, inv Invocation) (json.RawMessage, error)
}

// HTTPProvider posts invocations to <baseURL>/<pluginName>.
type HTTPProvider struct {
	baseURL  string
	client   *http.Client
	maxBytes int64
}

func NewHTTPProvider(baseURL string) *HTTPProvider {
	return &HTTPProvider{
		baseURL:  strings.TrimRight(baseURL, "/"),
		maxBytes: MaxResponseBytes,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

type providerResponse struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result"`
	Error   string          `json:"error"`
}

func (p *HTTPProvider) Invoke(ctx context.Context, pluginName string, inv Invocation) (json.RawMessage, error) {
	body, err := json.Marshal(inv)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/"+url.PathEscape(pluginName), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProvider, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, p.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrProvider, err)
	}
	if int64(len(raw)) > p.maxBytes {
		return nil, fmt.Errorf("%w: response exceeds %d bytes", ErrProvider, p.maxBytes)
	}

	var out providerResponse
	decodeErr := json.Unmarshal(raw, &out)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if decodeErr == nil && out.Error != "" {
			return nil, &ProviderError{Message: out.Error}
		}
		return nil, fmt.Errorf("%w: provider returned status %d", ErrProvider, resp.StatusCode)
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("%w: malformed provider response: %v", ErrProvider, decodeErr)
	}
	if !out.Success {
		if out.Error == "" {
			out.Error = "Plugin execution failed"
		}
		return nil, &ProviderError{Message: out.Error}
	}
	if len(out.Result) == 0 {
		return json.RawMessage("null"), nil
	}
	return out.Result, nil
}

// Result is the outcome of a successful dispatch. Output is compact JSON and
// is either the plugin result or a large_output reference.
type Result struct {
	Output          json.RawMessage
	OutputURI       string
	ExecutionTimeMs int64
}

type Dispatcher struct {
	provider       Provider
	blobs          BlobStore
	defaultTimeout time.Duration
	timeouts       map[string]time.Duration
	now            func() time.Time
}

func NewDispatcher(provider Provider, blobs BlobStore, defaultTimeout time.Duration, timeouts map[string]time.Duration) *Dispatcher {
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	return &Dispatcher{
		provider:       provider,
		blobs:          blobs,
		defaultTimeout: defaultTimeout,
		timeouts:       timeouts,
		now:            time.Now,
	}
}

func (d *Dispatcher) timeoutFor(name string) time.Duration {
	if t, ok := d.timeouts[name]; ok && t > 0 {
		return t
	}
	return d.defaultTimeout
}

// Dispatch runs the plugin named by the descriptor. Once invoked the call is
// not cancelled by the caller going away; only the plugin timeout bounds it.
func (d *Dispatcher) Dispatch(ctx context.Context, plugin *models.PluginDescriptor, payload json.RawMessage, jobID string) (*Result, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeoutFor(plugin.Name))
	defer cancel()

	start := d.now()
	output, err := d.provider.Invoke(ctx, plugin.Name, Invocation{
		JobID:     jobID,
		Payload:   payload,
		Timestamp: start.Unix(),
	})
	elapsed := d.now().Sub(start).Milliseconds()
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: timed out after %s", ErrProvider, d.timeoutFor(plugin.Name))
		}
		if !errors.Is(err, ErrProvider) {
			err = fmt.Errorf("%w: %v", ErrProvider, err)
		}
		return nil, err
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, output); err != nil {
		return nil, fmt.Errorf("%w: result is not JSON: %v", ErrProvider, err)
	}

	res := &Result{Output: compact.Bytes(), ExecutionTimeMs: elapsed}
	if compact.Len() <= OffloadThreshold {
		return res, nil
	}

	key := "outputs/" + jobID + ".json"
	uri, err := d.blobs.Put(ctx, key, compact.Bytes(), "application/json")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOffload, err)
	}
	log.Printf("dispatch: job %s output (%d bytes) offloaded to %s", jobID, compact.Len(), uri)

	ref, err := json.Marshal(struct {
		URI  string `json:"uri"`
		Type string `json:"type"`
	}{URI: uri, Type: "large_output"})
	if err != nil {
		return nil, err
	}
	res.Output = ref
	res.OutputURI = uri
	return res, nil
}
