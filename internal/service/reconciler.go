package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"flagsync/internal/repository"
	v1 "flagsync/pkg/api/v1"
	"flagsync/pkg/logger"

	"go.uber.org/zap"
)

// Locker is a distributed lock; concurrency.Mutex satisfies it.
type Locker interface {
	Lock(ctx context.Context) error
	Unlock(ctx context.Context) error
}

// Reconciler repairs the etcd replica from the database: every published
// version must be present in etcd. Only one instance runs a pass at a time.
type Reconciler struct {
	locker      Locker
	replicaRepo *repository.ReplicaRepository
	versionRepo repository.VersionInterface
	interval    time.Duration
	batchSize   int
	batchDelay  time.Duration
}

func NewReconciler(locker Locker, replicaRepo *repository.ReplicaRepository, versionRepo repository.VersionInterface, interval time.Duration, batchSize int, batchDelay time.Duration) *Reconciler {
	if batchSize <= 0 {
		batchSize = 200
	}
	return &Reconciler{
		locker:      locker,
		replicaRepo: replicaRepo,
		versionRepo: versionRepo,
		interval:    interval,
		batchSize:   batchSize,
		batchDelay:  batchDelay,
	}
}

func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	logger.Info("reconciler started", zap.Duration("interval", r.interval))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			lockCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := r.locker.Lock(lockCtx)
			cancel()
			if err != nil {
				if errors.Is(err, context.DeadlineExceeded) {
					logger.Debug("reconciliation skipped, another instance holds the lock")
				} else {
					logger.Error("failed to acquire reconciliation lock", zap.Error(err))
				}
				continue
			}

			if _, err := r.Reconcile(ctx); err != nil {
				logger.Error("reconciliation failed", zap.Error(err))
			}
			if err := r.locker.Unlock(context.Background()); err != nil {
				logger.Warn("failed to release reconciliation lock", zap.Error(err))
			}
		}
	}
}

// Reconcile makes one pass and returns how many versions it wrote to etcd.
// Replica keys with no published version behind them are only reported.
func (r *Reconciler) Reconcile(ctx context.Context) (int, error) {
	resp, err := r.replicaRepo.GetWithRevision(ctx, repository.VersionRootPrefix)
	if err != nil {
		return 0, err
	}
	inEtcd := make(map[string]bool, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		inEtcd[string(kv.Key)] = false
	}

	repaired, published := 0, 0
	cursor := ""
	for {
		batch, err := r.versionRepo.ListPublishedAfter(ctx, cursor, r.batchSize)
		if err != nil {
			return repaired, err
		}
		for _, v := range batch {
			published++
			key := repository.BuildVersionKey(v.EnvironmentID, v.FeatureID, v.Sha)
			if _, ok := inEtcd[key]; ok {
				inEtcd[key] = true
				continue
			}
			if v.LiveFrom == nil {
				logger.Error("recon: published version without live_from", zap.String("sha", v.Sha))
				continue
			}

			logger.Warn("recon: version missing in etcd", zap.String("key", key))
			_, _, err := r.replicaRepo.PutVersionIfAbsent(ctx, v1.PublishedVersion{
				Sha:           v.Sha,
				EnvironmentID: v.EnvironmentID,
				FeatureID:     v.FeatureID,
				LiveFrom:      v.LiveFrom.UTC(),
				CreatedAt:     v.CreatedAt.UTC(),
				Snapshot:      json.RawMessage(v.Snapshot),
			})
			if err != nil {
				logger.Error("recon: failed to repair etcd", zap.String("key", key), zap.Error(err))
				continue
			}
			repaired++
		}
		if len(batch) < r.batchSize {
			break
		}
		cursor = batch[len(batch)-1].Sha

		if r.batchDelay > 0 {
			select {
			case <-ctx.Done():
				return repaired, ctx.Err()
			case <-time.After(r.batchDelay):
			}
		}
	}

	for key, seen := range inEtcd {
		if !seen {
			logger.Warn("recon: orphan key in etcd", zap.String("key", key))
		}
	}
	logger.Info("reconciliation finished",
		zap.Int("published", published),
		zap.Int("etcd_count", len(inEtcd)),
		zap.Int("repaired", repaired),
	)
	return repaired, nil
}
