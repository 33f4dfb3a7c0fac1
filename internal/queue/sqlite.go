package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS queue (
	task_id          TEXT PRIMARY KEY,
	attempt          INTEGER NOT NULL DEFAULT 0,
	available_at     INTEGER NOT NULL,
	lease_owner      TEXT,
	lease_expires_at INTEGER,
	enqueued_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_queue_available ON queue (available_at) WHERE lease_owner IS NULL;
`

// SQLiteBroker is a durable single-node broker backed by sqlite. Claiming is
// a read-then-update inside one transaction, so two workers never hold the
// same task id.
type SQLiteBroker struct {
	db            *sql.DB
	leaseDuration time.Duration
	now           func() time.Time
}

func NewSQLiteBroker(dbPath string, leaseDuration time.Duration) (*SQLiteBroker, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create queue db dir: %w", err)
	}
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open queue db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init queue schema: %w", err)
	}
	return &SQLiteBroker{db: db, leaseDuration: leaseDuration, now: time.Now}, nil
}

func (b *SQLiteBroker) Enqueue(ctx context.Context, taskID string) error {
	now := b.now().Unix()
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO queue (task_id, attempt, available_at, enqueued_at)
		VALUES (?, 0, ?, ?)
		ON CONFLICT (task_id) DO NOTHING;
	`, taskID, now, now)
	if err != nil {
		return fmt.Errorf("failed to enqueue task %s: %w", taskID, err)
	}
	return nil
}

func (b *SQLiteBroker) Dequeue(ctx context.Context) (*Delivery, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin dequeue tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := b.now().Unix()
	var d Delivery
	err = tx.QueryRowContext(ctx, `
		SELECT task_id, attempt
		FROM queue
		WHERE lease_owner IS NULL AND available_at <= ?
		ORDER BY enqueued_at ASC, task_id ASC
		LIMIT 1;
	`, now).Scan(&d.TaskID, &d.Attempt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select next task: %w", err)
	}

	d.LeaseOwner = uuid.NewString()
	res, err := tx.ExecContext(ctx, `
		UPDATE queue
		SET lease_owner = ?, lease_expires_at = ?
		WHERE task_id = ? AND lease_owner IS NULL;
	`, d.LeaseOwner, b.now().Add(b.leaseDuration).Unix(), d.TaskID)
	if err != nil {
		return nil, fmt.Errorf("lease task %s: %w", d.TaskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("lease task %s: %w", d.TaskID, err)
	}
	if n == 0 {
		// lost the race inside a concurrent tx; caller just polls again
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit dequeue tx: %w", err)
	}
	return &d, nil
}

func (b *SQLiteBroker) Ack(ctx context.Context, d *Delivery) error {
	_, err := b.db.ExecContext(ctx, `
		DELETE FROM queue WHERE task_id = ? AND lease_owner = ?;
	`, d.TaskID, d.LeaseOwner)
	if err != nil {
		return fmt.Errorf("failed to ack task %s: %w", d.TaskID, err)
	}
	return nil
}

func (b *SQLiteBroker) Requeue(ctx context.Context, d *Delivery, delay time.Duration) error {
	res, err := b.db.ExecContext(ctx, `
		UPDATE queue
		SET lease_owner = NULL, lease_expires_at = NULL,
		    attempt = attempt + 1, available_at = ?
		WHERE task_id = ? AND lease_owner = ?;
	`, b.now().Add(delay).Unix(), d.TaskID, d.LeaseOwner)
	if err != nil {
		return fmt.Errorf("failed to requeue task %s: %w", d.TaskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to requeue task %s: %w", d.TaskID, err)
	}
	if n == 0 {
		return fmt.Errorf("lease for task %s no longer held", d.TaskID)
	}
	return nil
}

func (b *SQLiteBroker) RequeueExpiredLeases(ctx context.Context) (int64, error) {
	res, err := b.db.ExecContext(ctx, `
		UPDATE queue
		SET lease_owner = NULL, lease_expires_at = NULL,
		    attempt = attempt + 1, available_at = ?
		WHERE lease_owner IS NOT NULL AND lease_expires_at <= ?;
	`, b.now().Unix(), b.now().Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to requeue expired leases: %w", err)
	}
	return res.RowsAffected()
}

func (b *SQLiteBroker) Close() error {
	return b.db.Close()
}
