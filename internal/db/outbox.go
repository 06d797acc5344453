package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/HanTheDev/plugin-pay-gateway/internal/models"
	"github.com/HanTheDev/plugin-pay-gateway/internal/oracle"
)

var _ oracle.Outbox = (*DB)(nil)

const taskColumns = `receipt_hash, plugin_id, cost, signature, receipt, status, attempts,
    last_error, tx_hash, next_attempt_at, created_at, updated_at`

func (db *DB) Enqueue(ctx context.Context, task *models.ConsumptionTask) (bool, error) {
	receipt, err := json.Marshal(task.Receipt)
	if err != nil {
		return false, err
	}

	query := `
        INSERT INTO consumption_outbox (receipt_hash, plugin_id, cost, signature, receipt, status, next_attempt_at, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
        ON CONFLICT (receipt_hash) DO NOTHING
    `

	tag, err := db.Pool.Exec(ctx, query,
		task.ReceiptHash,
		int64(task.PluginID),
		task.Cost,
		task.Signature,
		string(receipt),
		string(models.ConsumptionPending),
		task.NextAttemptAt,
		task.CreatedAt,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (db *DB) ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*models.ConsumptionTask, error) {
	query := `
        UPDATE consumption_outbox
        SET next_attempt_at = $2, updated_at = $1
        WHERE receipt_hash IN (
            SELECT receipt_hash FROM consumption_outbox
            WHERE status = 'pending' AND next_attempt_at <= $1
            ORDER BY next_attempt_at, created_at
            LIMIT $3
            FOR UPDATE SKIP LOCKED
        )
        RETURNING ` + taskColumns

	rows, err := db.Pool.Query(ctx, query, now, now.Add(lease), limit)
	if err != nil {
		return nil, err
	}
	return collectTasks(rows)
}

func (db *DB) MarkSubmitted(ctx context.Context, receiptHash, txHash string) error {
	query := `
        UPDATE consumption_outbox
        SET status = 'submitted', tx_hash = $2, attempts = attempts + 1, last_error = '', updated_at = NOW()
        WHERE receipt_hash = $1
    `
	return db.execOne(ctx, query, receiptHash, txHash)
}

func (db *DB) MarkFailed(ctx context.Context, receiptHash, errMsg string, next time.Time, terminal bool) error {
	query := `
        UPDATE consumption_outbox
        SET attempts = attempts + 1,
            last_error = $2,
            next_attempt_at = $3,
            status = CASE WHEN $4 THEN 'failed' ELSE status END,
            updated_at = NOW()
        WHERE receipt_hash = $1
    `
	return db.execOne(ctx, query, receiptHash, errMsg, next, terminal)
}

func (db *DB) Get(ctx context.Context, receiptHash string) (*models.ConsumptionTask, error) {
	query := `SELECT ` + taskColumns + ` FROM consumption_outbox WHERE receipt_hash = $1`

	task, err := scanTask(db.Pool.QueryRow(ctx, query, receiptHash))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oracle.ErrTaskNotFound
	}
	return task, err
}

func (db *DB) List(ctx context.Context, status models.ConsumptionStatus, limit int) ([]*models.ConsumptionTask, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
        SELECT ` + taskColumns + `
        FROM consumption_outbox
        WHERE ($1 = '' OR status = $1)
        ORDER BY created_at DESC
        LIMIT $2
    `
	rows, err := db.Pool.Query(ctx, query, string(status), limit)
	if err != nil {
		return nil, err
	}
	return collectTasks(rows)
}

func (db *DB) Retry(ctx context.Context, receiptHash string, now time.Time) error {
	query := `
        UPDATE consumption_outbox
        SET status = 'pending', attempts = 0, last_error = '', next_attempt_at = $2, updated_at = $2
        WHERE receipt_hash = $1 AND status <> 'submitted'
    `
	tag, err := db.Pool.Exec(ctx, query, receiptHash, now)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := db.Get(ctx, receiptHash); err != nil {
		return err
	}
	return oracle.ErrAlreadySubmitted
}

func (db *DB) execOne(ctx context.Context, query string, args ...any) error {
	tag, err := db.Pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return oracle.ErrTaskNotFound
	}
	return nil
}

func collectTasks(rows pgx.Rows) ([]*models.ConsumptionTask, error) {
	defer rows.Close()
	var tasks []*models.ConsumptionTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func scanTask(row pgx.Row) (*models.ConsumptionTask, error) {
	var (
		task     models.ConsumptionTask
		pluginID int64
		status   string
		receipt  []byte
	)
	err := row.Scan(
		&task.ReceiptHash,
		&pluginID,
		&task.Cost,
		&task.Signature,
		&receipt,
		&status,
		&task.Attempts,
		&task.LastError,
		&task.TxHash,
		&task.NextAttemptAt,
		&task.CreatedAt,
		&task.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(receipt, &task.Receipt); err != nil {
		return nil, fmt.Errorf("decode receipt %s: %w", task.ReceiptHash, err)
	}
	task.PluginID = uint64(pluginID)
	task.Status = models.ConsumptionStatus(status)
	return &task, nil
}
