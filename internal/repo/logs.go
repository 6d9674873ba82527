package repo

import (
	"context"
	"fmt"
	"time"

	"reproserver/internal/db"
	"reproserver/internal/domain"
	"reproserver/internal/retry"
)

// LogStream names one append-only log: the build log of an experiment or the
// log of a run.
type LogStream struct {
	table    string
	ownerCol string
	owner    any
}

func BuildLog(hash string) LogStream {
	return LogStream{table: "build_log_lines", ownerCol: "experiment_hash", owner: hash}
}

func RunLog(runID int64) LogStream {
	return LogStream{table: "run_log_lines", ownerCol: "run_id", owner: runID}
}

func (s LogStream) String() string {
	return fmt.Sprintf("%s[%v]", s.table, s.owner)
}

// Logs keeps log lines as rows numbered from 0 in insertion order.
type Logs struct {
	Repo Repo
}

const maxAppendAttempts = 8

// Append adds lines to the end of s in one transaction. Concurrent appenders
// that pick the same line number collide on the primary key and retry.
func (l Logs) Append(ctx context.Context, s LogStream, ts string, lines []string) error {
	if len(lines) == 0 {
		return nil
	}
	_, err := retry.Blocking(ctx, retry.Exponential(5*time.Millisecond, 2), maxAppendAttempts, func() (struct{}, error) {
		err := l.appendOnce(ctx, s, ts, lines)
		if db.IsUniqueViolation(err) {
			return struct{}{}, fmt.Errorf("append %s: %w", s, retry.ErrRetry)
		}
		return struct{}{}, err
	})
	return err
}

func (l Logs) appendOnce(ctx context.Context, s LogStream, ts string, lines []string) error {
	r := l.Repo
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	var next int
	if err := tx.QueryRowContext(ctx, r.q(`SELECT COALESCE(MAX(lineno)+1,0) FROM `+s.table+` WHERE `+s.ownerCol+`=?`), s.owner).Scan(&next); err != nil {
		return err
	}
	for i, line := range lines {
		if _, err := tx.ExecContext(ctx, r.q(`INSERT INTO `+s.table+`(`+s.ownerCol+`,lineno,ts,line) VALUES (?,?,?,?)`), s.owner, next+i, ts, line); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Read returns the lines of s starting at line from, in order.
func (l Logs) Read(ctx context.Context, s LogStream, from int) ([]domain.LogLine, error) {
	if from < 0 {
		from = 0
	}
	r := l.Repo
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT lineno,ts,line FROM `+s.table+` WHERE `+s.ownerCol+`=? AND lineno >= ? ORDER BY lineno`), s.owner, from)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.LogLine{}
	for rows.Next() {
		var ll domain.LogLine
		if err := rows.Scan(&ll.Line, &ll.Timestamp, &ll.Text); err != nil {
			return nil, err
		}
		res = append(res, ll)
	}
	return res, rows.Err()
}

// Truncate drops every line of s.
func (l Logs) Truncate(ctx context.Context, q Queryer, s LogStream) error {
	_, err := q.ExecContext(ctx, l.Repo.q(`DELETE FROM `+s.table+` WHERE `+s.ownerCol+`=?`), s.owner)
	return err
}
