package models

import (
	"encoding/json"
	"math/big"
	"time"
)

// CallRequest is the decoded body of a plugin call.
type CallRequest struct {
	Payload  json.RawMessage `json:"payload"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// PluginDescriptor is the registry view of a plugin. It is read per request
// and never cached.
type PluginDescriptor struct {
	ID          uint64   `json:"id"`
	Name        string   `json:"name"`
	Price       *big.Int `json:"price"`
	Active      bool     `json:"active"`
	Version     *big.Int `json:"version"`
	VerifierKey string   `json:"verifier_key"`
}

// Receipt is the signed record of one consumed call. Fields are hex strings
// (hashes, addresses) or decimal strings (cost) so the JSON form round-trips
// exactly.
type Receipt struct {
	Hash       string `json:"hash"`
	Signature  string `json:"signature"`
	JobID      string `json:"jobId"`
	Caller     string `json:"caller"`
	PluginID   uint64 `json:"pluginId"`
	InputHash  string `json:"inputHash"`
	OutputHash string `json:"outputHash"`
	Cost       string `json:"cost"`
	Timestamp  int64  `json:"timestamp"`
}

type ConsumptionStatus string

const (
	ConsumptionPending   ConsumptionStatus = "pending"
	ConsumptionSubmitted ConsumptionStatus = "submitted"
	ConsumptionFailed    ConsumptionStatus = "failed"
)

// ConsumptionTask is an outbox row awaiting ledger submission. ReceiptHash is
// the dedupe key.
type ConsumptionTask struct {
	ReceiptHash   string            `json:"receipt_hash"`
	PluginID      uint64            `json:"plugin_id"`
	Cost          string            `json:"cost"`
	Signature     string            `json:"signature"`
	Receipt       Receipt           `json:"receipt"`
	Status        ConsumptionStatus `json:"status"`
	Attempts      int               `json:"attempts"`
	LastError     string            `json:"last_error,omitempty"`
	TxHash        string            `json:"tx_hash,omitempty"`
	NextAttemptAt time.Time         `json:"next_attempt_at"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// CallLog is an advisory audit row for one request outcome.
type CallLog struct {
	ID              int64     `json:"id"`
	JobID           string    `json:"job_id,omitempty"`
	PluginID        uint64    `json:"plugin_id"`
	Caller          string    `json:"caller"`
	Cost            string    `json:"cost"`
	Success         bool      `json:"success"`
	StatusCode      int       `json:"status_code"`
	ErrorKind       string    `json:"error_kind,omitempty"`
	ExecutionTimeMs int64     `json:"execution_time_ms"`
	CreatedAt       time.Time `json:"created_at"`
}

// PluginAnalytics aggregates call logs for one plugin.
type PluginAnalytics struct {
	PluginID     uint64 `json:"plugin_id"`
	TotalCalls   int64  `json:"total_calls"`
	SuccessCalls int64  `json:"success_calls"`
	FailedCalls  int64  `json:"failed_calls"`
	Revenue      string `json:"revenue"`
	AvgExecMs    int64  `json:"avg_execution_time_ms"`
}
