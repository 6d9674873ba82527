package repo

import (
	"context"
	"database/sql"

	"reproserver/internal/domain"
)

const uploadCols = `id,filename,COALESCE(submitted_ip,''),COALESCE(provider_key,''),experiment_hash,created_at`

func scanUpload(row interface{ Scan(...any) error }) (domain.Upload, error) {
	var u domain.Upload
	err := row.Scan(&u.ID, &u.Filename, &u.SubmittedIP, &u.ProviderKey, &u.ExperimentHash, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	return u, err
}

// InsertUpload inserts u and returns its id. A second row with the same
// provider key fails with a unique violation.
func (r Repo) InsertUpload(ctx context.Context, q Queryer, u domain.Upload) (int64, error) {
	var id int64
	err := q.QueryRowContext(ctx, r.q(`INSERT INTO uploads(filename,experiment_hash,submitted_ip,provider_key,created_at) VALUES (?,?,?,?,?) RETURNING id`),
		u.Filename, u.ExperimentHash, nullable(u.SubmittedIP), nullable(u.ProviderKey), u.CreatedAt).Scan(&id)
	return id, err
}

func (r Repo) GetUpload(ctx context.Context, id int64) (domain.Upload, error) {
	return scanUpload(r.DB.QueryRowContext(ctx, r.q(`SELECT `+uploadCols+` FROM uploads WHERE id=?`), id))
}

// NewestUploadByProviderKey returns the most recent upload recorded for key.
func (r Repo) NewestUploadByProviderKey(ctx context.Context, key string) (domain.Upload, error) {
	return scanUpload(r.DB.QueryRowContext(ctx, r.q(`SELECT `+uploadCols+` FROM uploads WHERE provider_key=? ORDER BY created_at DESC, id DESC LIMIT 1`), key))
}

func (r Repo) ListUploads(ctx context.Context, hash string) ([]domain.Upload, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT `+uploadCols+` FROM uploads WHERE experiment_hash=? ORDER BY id`), hash)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Upload
	for rows.Next() {
		u, err := scanUpload(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}
