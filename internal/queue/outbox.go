// Package queue hands build and run tasks to out-of-process workers.
//
// Messages are first written to the task_outbox table inside the same
// transaction as the state change they announce. A Relay later publishes
// undelivered rows through a Gateway. Workers may also read the outbox
// directly through the worker API.
package queue

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"reproserver/internal/domain"
	"reproserver/internal/repo"
)

type Outbox struct {
	Repo repo.Repo
	Now  func() time.Time
}

func (o Outbox) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// EnqueueBuild records a build task for hash within tx.
func (o Outbox) EnqueueBuild(ctx context.Context, tx repo.Queryer, hash string) (domain.TaskMessage, error) {
	return o.enqueue(ctx, tx, domain.TaskBuild, hash)
}

// EnqueueRun records a run task for runID within tx.
func (o Outbox) EnqueueRun(ctx context.Context, tx repo.Queryer, runID int64) (domain.TaskMessage, error) {
	return o.enqueue(ctx, tx, domain.TaskRun, strconv.FormatInt(runID, 10))
}

func (o Outbox) enqueue(ctx context.Context, tx repo.Queryer, kind domain.TaskKind, target string) (domain.TaskMessage, error) {
	msg := domain.TaskMessage{
		MessageID: uuid.NewString(),
		Kind:      kind,
		Target:    target,
		CreatedAt: o.now().UTC().Format(time.RFC3339),
	}
	err := tx.QueryRowContext(ctx, o.Repo.Dialect.Rebind(`INSERT INTO task_outbox(message_id,kind,target,created_at) VALUES (?,?,?,?) RETURNING id`),
		msg.MessageID, string(msg.Kind), msg.Target, msg.CreatedAt).Scan(&msg.ID)
	if err != nil {
		return msg, &domain.DispatchError{Err: fmt.Errorf("enqueue %s %s: %w", kind, target, err)}
	}
	return msg, nil
}

func scanMessages(rows *sql.Rows) ([]domain.TaskMessage, error) {
	defer rows.Close()
	res := []domain.TaskMessage{}
	for rows.Next() {
		var m domain.TaskMessage
		var kind string
		var delivered sql.NullString
		if err := rows.Scan(&m.ID, &m.MessageID, &kind, &m.Target, &m.CreatedAt, &delivered); err != nil {
			return nil, err
		}
		m.Kind = domain.TaskKind(kind)
		if delivered.Valid {
			d := delivered.String
			m.DeliveredAt = &d
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// After lists messages with id greater than cursor, oldest first.
func (o Outbox) After(ctx context.Context, cursor int64, limit int) ([]domain.TaskMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := o.Repo.DB.QueryContext(ctx, o.Repo.Dialect.Rebind(fmt.Sprintf(`SELECT id,message_id,kind,target,created_at,delivered_at FROM task_outbox WHERE id > ? ORDER BY id LIMIT %d`, limit)), cursor)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

// Pending lists undelivered messages, oldest first.
func (o Outbox) Pending(ctx context.Context, limit int) ([]domain.TaskMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := o.Repo.DB.QueryContext(ctx, fmt.Sprintf(`SELECT id,message_id,kind,target,created_at,delivered_at FROM task_outbox WHERE delivered_at IS NULL ORDER BY id LIMIT %d`, limit))
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

func (o Outbox) MarkDelivered(ctx context.Context, id int64) error {
	_, err := o.Repo.DB.ExecContext(ctx, o.Repo.Dialect.Rebind(`UPDATE task_outbox SET delivered_at=? WHERE id=? AND delivered_at IS NULL`),
		o.now().UTC().Format(time.RFC3339), id)
	return err
}

// Count returns how many messages of kind were ever recorded for target.
func (o Outbox) Count(ctx context.Context, kind domain.TaskKind, target string) (int, error) {
	var n int
	err := o.Repo.DB.QueryRowContext(ctx, o.Repo.Dialect.Rebind(`SELECT COUNT(*) FROM task_outbox WHERE kind=? AND target=?`), string(kind), target).Scan(&n)
	return n, err
}
