package repo

import (
	"context"
	"database/sql"
	"fmt"

	"reproserver/internal/domain"
)

func (r Repo) InsertRun(ctx context.Context, q Queryer, run domain.Run) (int64, error) {
	var id int64
	err := q.QueryRowContext(ctx, r.q(`INSERT INTO runs(experiment_hash,upload_id,submitted) VALUES (?,?,?) RETURNING id`),
		run.ExperimentHash, run.UploadID, run.Submitted).Scan(&id)
	return id, err
}

func (r Repo) InsertParameterValues(ctx context.Context, q Queryer, runID int64, values []domain.ParameterValue) error {
	for _, v := range values {
		if _, err := q.ExecContext(ctx, r.q(`INSERT INTO parameter_values(run_id,name,value) VALUES (?,?,?)`), runID, v.Name, v.Value); err != nil {
			return fmt.Errorf("insert parameter value %s: %w", v.Name, err)
		}
	}
	return nil
}

func (r Repo) InsertInputFiles(ctx context.Context, q Queryer, runID int64, files []domain.File) error {
	return r.insertFiles(ctx, q, "input_files", runID, files)
}

func (r Repo) InsertOutputFiles(ctx context.Context, q Queryer, runID int64, files []domain.File) error {
	return r.insertFiles(ctx, q, "output_files", runID, files)
}

func (r Repo) insertFiles(ctx context.Context, q Queryer, table string, runID int64, files []domain.File) error {
	for _, f := range files {
		if _, err := q.ExecContext(ctx, r.q(`INSERT INTO `+table+`(run_id,name,hash,size) VALUES (?,?,?,?)`), runID, f.Name, f.Hash, f.Size); err != nil {
			return fmt.Errorf("insert %s %s: %w", table, f.Name, err)
		}
	}
	return nil
}

// GetRun loads a run with its parameter values and files.
func (r Repo) GetRun(ctx context.Context, id int64) (domain.Run, error) {
	run, err := r.getRunRow(ctx, r.DB, id)
	if err != nil {
		return run, err
	}
	if run.ParameterValues, err = r.listParameterValues(ctx, id); err != nil {
		return run, err
	}
	if run.InputFiles, err = r.listFiles(ctx, "input_files", id); err != nil {
		return run, err
	}
	if run.OutputFiles, err = r.listFiles(ctx, "output_files", id); err != nil {
		return run, err
	}
	return run, nil
}

func (r Repo) GetRunTx(ctx context.Context, q Queryer, id int64) (domain.Run, error) {
	return r.getRunRow(ctx, q, id)
}

func (r Repo) getRunRow(ctx context.Context, q Queryer, id int64) (domain.Run, error) {
	var run domain.Run
	var started, done sql.NullString
	err := q.QueryRowContext(ctx, r.q(`SELECT id,experiment_hash,upload_id,submitted,started,done FROM runs WHERE id=?`), id).
		Scan(&run.ID, &run.ExperimentHash, &run.UploadID, &run.Submitted, &started, &done)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	if err != nil {
		return run, err
	}
	run.Started = stringPtr(started)
	run.Done = stringPtr(done)
	run.Status = domain.RunStatusOf(run.Started, run.Done)
	return run, nil
}

func (r Repo) listParameterValues(ctx context.Context, runID int64) ([]domain.ParameterValue, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT name,value FROM parameter_values WHERE run_id=? ORDER BY name`), runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.ParameterValue{}
	for rows.Next() {
		var v domain.ParameterValue
		if err := rows.Scan(&v.Name, &v.Value); err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

func (r Repo) listFiles(ctx context.Context, table string, runID int64) ([]domain.File, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT name,hash,size FROM `+table+` WHERE run_id=? ORDER BY name`), runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.File{}
	for rows.Next() {
		var f domain.File
		if err := rows.Scan(&f.Name, &f.Hash, &f.Size); err != nil {
			return nil, err
		}
		res = append(res, f)
	}
	return res, rows.Err()
}

// MarkRunStarted stamps started once. It reports whether the row changed.
func (r Repo) MarkRunStarted(ctx context.Context, q Queryer, id int64, ts string) (bool, error) {
	return r.affected(q.ExecContext(ctx, r.q(`UPDATE runs SET started=? WHERE id=? AND started IS NULL`), ts, id))
}

// MarkRunDone stamps done on a started run once. It reports whether the row changed.
func (r Repo) MarkRunDone(ctx context.Context, q Queryer, id int64, ts string) (bool, error) {
	return r.affected(q.ExecContext(ctx, r.q(`UPDATE runs SET done=? WHERE id=? AND started IS NOT NULL AND done IS NULL`), ts, id))
}

func (r Repo) affected(res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repo) ListRuns(ctx context.Context, hash string) ([]domain.Run, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT id,experiment_hash,upload_id,submitted,started,done FROM runs WHERE experiment_hash=? ORDER BY id DESC`), hash)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		var run domain.Run
		var started, done sql.NullString
		if err := rows.Scan(&run.ID, &run.ExperimentHash, &run.UploadID, &run.Submitted, &started, &done); err != nil {
			return nil, err
		}
		run.Started = stringPtr(started)
		run.Done = stringPtr(done)
		run.Status = domain.RunStatusOf(run.Started, run.Done)
		res = append(res, run)
	}
	return res, rows.Err()
}

// CountUnfinishedRuns counts the runs of an experiment that have not reported done.
func (r Repo) CountUnfinishedRuns(ctx context.Context, hash string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, r.q(`SELECT COUNT(*) FROM runs WHERE experiment_hash=? AND done IS NULL`), hash).Scan(&n)
	return n, err
}

// ReferencedInputHashes returns every input file hash still attached to a run.
func (r Repo) ReferencedInputHashes(ctx context.Context) (map[string]struct{}, error) {
	return r.referencedHashes(ctx, "input_files")
}

// ReferencedOutputHashes returns every output file hash still attached to a run.
func (r Repo) ReferencedOutputHashes(ctx context.Context) (map[string]struct{}, error) {
	return r.referencedHashes(ctx, "output_files")
}

// InputReferenced reports whether any run lists hash as an input file.
func (r Repo) InputReferenced(ctx context.Context, hash string) (bool, error) {
	return r.hashReferenced(ctx, "input_files", hash)
}

// OutputReferenced reports whether any run lists hash as an output file.
func (r Repo) OutputReferenced(ctx context.Context, hash string) (bool, error) {
	return r.hashReferenced(ctx, "output_files", hash)
}

func (r Repo) hashReferenced(ctx context.Context, table, hash string) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, r.q(`SELECT COUNT(*) FROM `+table+` WHERE hash=?`), hash).Scan(&n)
	return n > 0, err
}

func (r Repo) referencedHashes(ctx context.Context, table string) (map[string]struct{}, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT DISTINCT hash FROM `+table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]struct{}{}
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		res[h] = struct{}{}
	}
	return res, rows.Err()
}
