package repo

import (
	"context"
	"database/sql"
	"fmt"

	"reproserver/internal/db"
	"reproserver/internal/domain"
)

const experimentCols = `hash,status,COALESCE(docker_image,''),last_access,created_at`

func scanExperiment(row interface{ Scan(...any) error }) (domain.Experiment, error) {
	var e domain.Experiment
	var status string
	err := row.Scan(&e.Hash, &status, &e.DockerImage, &e.LastAccess, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	e.Status, err = domain.ParseStatus(status)
	return e, err
}

// InsertExperimentIfAbsent inserts e unless a row with the same hash exists.
// It reports whether this call created the row.
func (r Repo) InsertExperimentIfAbsent(ctx context.Context, q Queryer, e domain.Experiment) (bool, error) {
	res, err := q.ExecContext(ctx, r.q(`INSERT INTO experiments(hash,status,docker_image,last_access,created_at) VALUES (?,?,?,?,?) ON CONFLICT(hash) DO NOTHING`),
		e.Hash, string(e.Status), nullable(e.DockerImage), e.LastAccess, e.CreatedAt)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return false, nil
		}
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repo) GetExperiment(ctx context.Context, hash string) (domain.Experiment, error) {
	return r.GetExperimentTx(ctx, r.DB, hash)
}

func (r Repo) GetExperimentTx(ctx context.Context, q Queryer, hash string) (domain.Experiment, error) {
	return scanExperiment(q.QueryRowContext(ctx, r.q(`SELECT `+experimentCols+` FROM experiments WHERE hash=?`), hash))
}

// CompareAndSetStatus moves hash from one status to another only if it is
// currently in from. It reports whether the row changed.
func (r Repo) CompareAndSetStatus(ctx context.Context, q Queryer, hash string, from, to domain.Status) (bool, error) {
	res, err := q.ExecContext(ctx, r.q(`UPDATE experiments SET status=? WHERE hash=? AND status=?`), string(to), hash, string(from))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repo) SetDockerImage(ctx context.Context, q Queryer, hash, image string) error {
	_, err := q.ExecContext(ctx, r.q(`UPDATE experiments SET docker_image=? WHERE hash=?`), nullable(image), hash)
	return err
}

func (r Repo) TouchExperiment(ctx context.Context, q Queryer, hash, ts string) error {
	res, err := q.ExecContext(ctx, r.q(`UPDATE experiments SET last_access=? WHERE hash=?`), ts, hash)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type ExperimentFilters struct {
	Status         domain.Status
	AccessedBefore string
	Limit          int
}

func (r Repo) ListExperiments(ctx context.Context, f ExperimentFilters) ([]domain.Experiment, error) {
	query := `SELECT ` + experimentCols + ` FROM experiments WHERE 1=1`
	var args []any
	if f.Status != "" {
		query += ` AND status=?`
		args = append(args, string(f.Status))
	}
	if f.AccessedBefore != "" {
		query += ` AND last_access < ?`
		args = append(args, f.AccessedBefore)
	}
	query += ` ORDER BY last_access DESC, hash`
	if f.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Experiment
	for rows.Next() {
		e, err := scanExperiment(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// DeleteExperiment removes the experiment and, through cascades, its uploads,
// runs, declarations and logs.
func (r Repo) DeleteExperiment(ctx context.Context, q Queryer, hash string) error {
	res, err := q.ExecContext(ctx, r.q(`DELETE FROM experiments WHERE hash=?`), hash)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReplaceDeclarations stores the parameters and paths a build worker
// extracted from the experiment package.
func (r Repo) ReplaceDeclarations(ctx context.Context, q Queryer, hash string, params []domain.Parameter, paths []domain.Path) error {
	if _, err := q.ExecContext(ctx, r.q(`DELETE FROM parameters WHERE experiment_hash=?`), hash); err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx, r.q(`DELETE FROM paths WHERE experiment_hash=?`), hash); err != nil {
		return err
	}
	for _, p := range params {
		if _, err := q.ExecContext(ctx, r.q(`INSERT INTO parameters(experiment_hash,name,description,optional,default_value) VALUES (?,?,?,?,?)`),
			hash, p.Name, nullable(p.Description), p.Optional, nullable(p.Default)); err != nil {
			return fmt.Errorf("insert parameter %s: %w", p.Name, err)
		}
	}
	for _, p := range paths {
		if _, err := q.ExecContext(ctx, r.q(`INSERT INTO paths(experiment_hash,name,path,is_input,is_output) VALUES (?,?,?,?,?)`),
			hash, p.Name, p.Path, p.IsInput, p.IsOutput); err != nil {
			return fmt.Errorf("insert path %s: %w", p.Name, err)
		}
	}
	return nil
}

func (r Repo) ListParameters(ctx context.Context, hash string) ([]domain.Parameter, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT name,COALESCE(description,''),optional,COALESCE(default_value,'') FROM parameters WHERE experiment_hash=? ORDER BY name`), hash)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Parameter{}
	for rows.Next() {
		var p domain.Parameter
		if err := rows.Scan(&p.Name, &p.Description, &p.Optional, &p.Default); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) ListPaths(ctx context.Context, hash string) ([]domain.Path, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT name,path,is_input,is_output FROM paths WHERE experiment_hash=? ORDER BY name`), hash)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Path{}
	for rows.Next() {
		var p domain.Path
		if err := rows.Scan(&p.Name, &p.Path, &p.IsInput, &p.IsOutput); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}
