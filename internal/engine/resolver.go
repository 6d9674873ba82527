package engine

import (
	"context"
	"errors"
	"io"

	"reproserver/internal/domain"
	"reproserver/internal/objstore"
	"reproserver/internal/provider"
	"reproserver/internal/repo"
)

// ResolveProvider fetches an experiment archive by provider reference and
// records the upload. A reference that was resolved before returns its
// newest upload without any network I/O. When the provider publishes the
// archive hash and that experiment exists, nothing is downloaded.
func (e Engine) ResolveProvider(ctx context.Context, providerName, path, submitter string) (domain.Upload, error) {
	p, err := e.Providers.Lookup(providerName)
	if err != nil {
		return domain.Upload{}, err
	}
	if path == "" {
		return domain.Upload{}, domain.Invalid("path", "provider path is empty")
	}
	key := provider.Key(providerName, path)
	if u, ok, err := e.ResolveProviderKey(ctx, key); err != nil || ok {
		return u, err
	}

	res, err := p.Resolve(ctx, path)
	if err != nil {
		return domain.Upload{}, err
	}
	e.Log.Infof("resolved %s to %s (%s)", key, res.Link, res.Filename)

	hash := ""
	if res.Hash != "" {
		_, err := e.Repo.GetExperiment(ctx, res.Hash)
		switch {
		case err == nil:
			hash = res.Hash
			e.Log.Infof("%s matches existing experiment %s; skipping download", key, hash)
		case !errors.Is(err, repo.ErrNotFound):
			return domain.Upload{}, err
		}
	}
	var staged *objstore.Staged
	if hash == "" {
		if staged, err = e.download(ctx, providerName, res); err != nil {
			return domain.Upload{}, err
		}
		defer staged.Discard()
	}

	unlock := e.linkObjects()
	defer unlock()
	if staged != nil {
		exp, err := e.adoptStaged(ctx, staged)
		if err != nil {
			return domain.Upload{}, err
		}
		hash = exp.Hash
	} else if err := e.TouchLastAccess(ctx, hash); err != nil {
		return domain.Upload{}, err
	}
	return e.RecordProviderUpload(ctx, hash, res.Filename, submitter, key)
}

// download stages the provider file and checks it against the published digest.
func (e Engine) download(ctx context.Context, providerName string, res provider.Resolution) (*objstore.Staged, error) {
	body, err := e.Providers.Download(ctx, providerName, res.Link)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	staged, err := objstore.Stage(ctx, e.Staging, providerReader{name: providerName, r: body})
	if err != nil {
		if !errors.Is(err, domain.ErrProvider) && !errors.Is(err, domain.ErrStorage) && ctx.Err() == nil {
			err = &domain.StorageError{Op: "stage", Err: err}
		}
		return nil, err
	}
	if res.Hash != "" && staged.Hash != res.Hash {
		staged.Discard()
		return nil, &domain.ProviderError{Provider: providerName, Reason: "downloaded file does not match the published sha256"}
	}
	return staged, nil
}

// providerReader reports failures while reading a download as provider errors.
type providerReader struct {
	name string
	r    io.Reader
}

func (p providerReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if err != nil && err != io.EOF {
		err = &domain.ProviderError{Provider: p.name, Reason: "download interrupted", Err: err}
	}
	return n, err
}
