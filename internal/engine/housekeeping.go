package engine

import (
	"context"
	"errors"
	"time"

	"reproserver/internal/domain"
	"reproserver/internal/objstore"
	"reproserver/internal/repo"
)

// SweepReport counts what one orphan sweep removed.
type SweepReport struct {
	Archives int `json:"archives"`
	Inputs   int `json:"inputs"`
	Outputs  int `json:"outputs"`
	Staging  int `json:"staging"`
}

func (r SweepReport) Total() int {
	return r.Archives + r.Inputs + r.Outputs + r.Staging
}

// SweepOrphans removes objects nothing refers to any more: archives whose
// experiment was never recorded or was purged, input and output files no run
// lists, and stale staging files. Only objects older than grace are touched
// so bytes committed by an in-flight request survive until it records them.
// Each candidate is checked again right before it is deleted.
func (e Engine) SweepOrphans(ctx context.Context, grace time.Duration) (SweepReport, error) {
	var rep SweepReport
	cutoff := e.now().Add(-grace)

	archiveLive := func(ctx context.Context, hash string) (bool, error) {
		_, err := e.Repo.GetExperiment(ctx, hash)
		if errors.Is(err, repo.ErrNotFound) {
			return false, nil
		}
		return err == nil, err
	}
	var err error
	if rep.Archives, err = e.sweepBucket(ctx, domain.BucketExperiments, nil, archiveLive, cutoff); err != nil {
		return rep, err
	}
	inputs, err := e.Repo.ReferencedInputHashes(ctx)
	if err != nil {
		return rep, err
	}
	if rep.Inputs, err = e.sweepBucket(ctx, domain.BucketInputs, inputs, e.Repo.InputReferenced, cutoff); err != nil {
		return rep, err
	}
	outputs, err := e.Repo.ReferencedOutputHashes(ctx)
	if err != nil {
		return rep, err
	}
	if rep.Outputs, err = e.sweepBucket(ctx, domain.BucketOutputs, outputs, e.Repo.OutputReferenced, cutoff); err != nil {
		return rep, err
	}
	if rep.Staging, err = objstore.SweepStaging(e.Staging, grace, e.now()); err != nil {
		return rep, &domain.StorageError{Op: "sweep staging", Err: err}
	}
	if rep.Total() > 0 {
		e.Log.Infof("orphan sweep removed %d archives, %d inputs, %d outputs, %d staging files",
			rep.Archives, rep.Inputs, rep.Outputs, rep.Staging)
	}
	return rep, nil
}

// sweepBucket deletes the objects of bucket older than cutoff that are not in
// keep. keep is a snapshot; referenced answers for the present and is asked
// again under unlinkObjects together with a fresh stat of the object.
func (e Engine) sweepBucket(ctx context.Context, bucket string, keep map[string]struct{},
	referenced func(context.Context, string) (bool, error), cutoff time.Time) (int, error) {
	objs, err := e.Objects.List(ctx, bucket)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, obj := range objs {
		if _, ok := keep[obj.Key]; ok || obj.LastModified.After(cutoff) {
			continue
		}
		gone, err := e.sweepObject(ctx, bucket, obj.Key, referenced, cutoff)
		if err != nil {
			return removed, err
		}
		if gone {
			removed++
		}
	}
	return removed, nil
}

func (e Engine) sweepObject(ctx context.Context, bucket, key string,
	referenced func(context.Context, string) (bool, error), cutoff time.Time) (bool, error) {
	unlock := e.unlinkObjects()
	defer unlock()
	live, err := referenced(ctx, key)
	if err != nil || live {
		return false, err
	}
	info, err := e.Objects.Stat(ctx, bucket, key)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return false, nil
	case err != nil:
		return false, err
	case info.LastModified.After(cutoff):
		return false, nil
	}
	return true, e.deleteObject(ctx, bucket, key)
}

func (e Engine) deleteObject(ctx context.Context, bucket, key string) error {
	err := e.Objects.Delete(ctx, bucket, key)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	return nil
}

// PurgeStale purges experiments nobody has looked at for retention. A zero
// retention disables it. Experiments with a build in flight or a run that has
// not finished are kept.
func (e Engine) PurgeStale(ctx context.Context, retention time.Duration) ([]string, error) {
	if retention <= 0 {
		return nil, nil
	}
	before := e.now().Add(-retention).UTC().Format(time.RFC3339)
	stale, err := e.Repo.ListExperiments(ctx, repo.ExperimentFilters{AccessedBefore: before})
	if err != nil {
		return nil, err
	}
	var purged []string
	for _, exp := range stale {
		if exp.Status == domain.StatusQueued || exp.Status == domain.StatusBuilding {
			continue
		}
		active, err := e.Repo.CountUnfinishedRuns(ctx, exp.Hash)
		if err != nil {
			return purged, err
		}
		if active > 0 {
			e.Log.Debugf("keeping stale experiment %s: %d runs not done", exp.Hash, active)
			continue
		}
		if err := e.PurgeExperiment(ctx, exp.Hash); err != nil && !errors.Is(err, repo.ErrNotFound) {
			return purged, err
		}
		purged = append(purged, exp.Hash)
	}
	return purged, nil
}
