package oracle

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/HanTheDev/plugin-pay-gateway/internal/models"
)

var (
	ErrTaskNotFound     = errors.New("consumption task not found")
	ErrAlreadySubmitted = errors.New("consumption already submitted")
)

// Outbox is the durable queue of receipts awaiting ledger consumption. Tasks
// are keyed by receipt hash.
type Outbox interface {
	// Enqueue inserts a pending task. It reports false when the receipt hash
	// is already queued.
	Enqueue(ctx context.Context, task *models.ConsumptionTask) (bool, error)
	// ClaimDue returns pending tasks whose next attempt is due and pushes
	// their next attempt out by lease so concurrent sweeps skip them.
	ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*models.ConsumptionTask, error)
	MarkSubmitted(ctx context.Context, receiptHash, txHash string) error
	// MarkFailed records one failed attempt. Terminal failures move the task
	// to failed.
	MarkFailed(ctx context.Context, receiptHash, errMsg string, next time.Time, terminal bool) error
	Get(ctx context.Context, receiptHash string) (*models.ConsumptionTask, error)
	// List returns newest first. An empty status matches all.
	List(ctx context.Context, status models.ConsumptionStatus, limit int) ([]*models.ConsumptionTask, error)
	// Retry makes a pending or failed task due immediately with a fresh
	// attempt budget.
	Retry(ctx context.Context, receiptHash string, now time.Time) error
}

// NewTask builds a pending task for a signed receipt.
func NewTask(r *models.Receipt, now time.Time) *models.ConsumptionTask {
	return &models.ConsumptionTask{
		ReceiptHash:   r.Hash,
		PluginID:      r.PluginID,
		Cost:          r.Cost,
		Signature:     r.Signature,
		Receipt:       *r,
		Status:        models.ConsumptionPending,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// MemoryOutbox is a process-local Outbox. Tasks do not survive a restart.
type MemoryOutbox struct {
	mu    sync.Mutex
	tasks map[string]*models.ConsumptionTask
	now   func() time.Time
}

func NewMemoryOutbox() *MemoryOutbox {
	return &MemoryOutbox{tasks: make(map[string]*models.ConsumptionTask), now: time.Now}
}

func (m *MemoryOutbox) Enqueue(_ context.Context, task *models.ConsumptionTask) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[task.ReceiptHash]; ok {
		return false, nil
	}
	cp := *task
	m.tasks[task.ReceiptHash] = &cp
	return true, nil
}

func (m *MemoryOutbox) ClaimDue(_ context.Context, now time.Time, lease time.Duration, limit int) ([]*models.ConsumptionTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*models.ConsumptionTask
	for _, t := range m.tasks {
		if t.Status == models.ConsumptionPending && !t.NextAttemptAt.After(now) {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].NextAttemptAt.Equal(due[j].NextAttemptAt) {
			return due[i].CreatedAt.Before(due[j].CreatedAt)
		}
		return due[i].NextAttemptAt.Before(due[j].NextAttemptAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]*models.ConsumptionTask, 0, len(due))
	for _, t := range due {
		t.NextAttemptAt = now.Add(lease)
		t.UpdatedAt = now
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryOutbox) MarkSubmitted(_ context.Context, receiptHash, txHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[receiptHash]
	if !ok {
		return ErrTaskNotFound
	}
	t.Status = models.ConsumptionSubmitted
	t.TxHash = txHash
	t.Attempts++
	t.LastError = ""
	t.UpdatedAt = m.now()
	return nil
}

func (m *MemoryOutbox) MarkFailed(_ context.Context, receiptHash, errMsg string, next time.Time, terminal bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[receiptHash]
	if !ok {
		return ErrTaskNotFound
	}
	t.Attempts++
	t.LastError = errMsg
	t.NextAttemptAt = next
	if terminal {
		t.Status = models.ConsumptionFailed
	}
	t.UpdatedAt = m.now()
	return nil
}

func (m *MemoryOutbox) Get(_ context.Context, receiptHash string) (*models.ConsumptionTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[receiptHash]
	if !ok {
		return nil, ErrTaskNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryOutbox) List(_ context.Context, status models.ConsumptionStatus, limit int) ([]*models.ConsumptionTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*models.ConsumptionTask, 0, len(m.tasks))
	for _, t := range m.tasks {
		if status == "" || t.Status == status {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryOutbox) Retry(_ context.Context, receiptHash string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[receiptHash]
	if !ok {
		return ErrTaskNotFound
	}
	if t.Status == models.ConsumptionSubmitted {
		return ErrAlreadySubmitted
	}
	t.Status = models.ConsumptionPending
	t.Attempts = 0
	t.LastError = ""
	t.NextAttemptAt = now
	t.UpdatedAt = now
	return nil
}
