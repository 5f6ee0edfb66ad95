package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"flagsync/internal/dto/resp"
	"flagsync/internal/metrics"
	"flagsync/internal/model"
	"flagsync/internal/repository"
	v1 "flagsync/pkg/api/v1"
	"flagsync/pkg/logger"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrDatabaseUnhealthy = errors.New("database unhealthy")
	ErrEtcdUnhealthy     = errors.New("etcd unhealthy")
)

// VersionService is the feature version ledger. Versions are content
// addressed and append-only; publishing is the only state change.
type VersionService struct {
	db          *gorm.DB
	envRepo     repository.EnvironmentInterface
	versionRepo repository.VersionInterface
	auditRepo   repository.AuditInterface
	outboxRepo  repository.OutboxInterface
	replicator  *VersionReplicator
	observer    metrics.VersionObserver
	now         func() time.Time
}

// NewVersionService wires the ledger. replicator may be nil, in which case
// published versions reach etcd through the outbox worker only.
func NewVersionService(db *gorm.DB, envRepo repository.EnvironmentInterface, versionRepo repository.VersionInterface, auditRepo repository.AuditInterface, outboxRepo repository.OutboxInterface, replicator *VersionReplicator, observer metrics.VersionObserver) *VersionService {
	if observer == nil {
		observer = metrics.Nop{}
	}
	return &VersionService{
		db:          db,
		envRepo:     envRepo,
		versionRepo: versionRepo,
		auditRepo:   auditRepo,
		outboxRepo:  outboxRepo,
		replicator:  replicator,
		observer:    observer,
		now:         time.Now,
	}
}

// CheckFeature confirms the feature belongs to the environment's project.
func (s *VersionService) CheckFeature(ctx context.Context, projectID, featureID uint64) error {
	feature, err := s.envRepo.GetFeature(ctx, projectID, featureID)
	if err != nil {
		return err
	}
	if feature == nil {
		return ErrFeatureNotFound
	}
	return nil
}

// CreateVersion stores a draft of snapshot. Submitting a snapshot that is
// already stored returns the existing version with created=false.
func (s *VersionService) CreateVersion(ctx context.Context, environmentID, featureID uint64, snapshot v1.FeatureSnapshot, operator string) (*resp.VersionItem, bool, error) {
	canonical, err := CanonicalSnapshot(snapshot)
	if err != nil {
		return nil, false, fieldErr("snapshot", err)
	}
	sha := VersionSha(environmentID, featureID, canonical)

	var stored *model.EnvironmentFeatureVersion
	var created bool
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txVersions := s.versionRepo.WithTx(tx)
		var err error
		created, err = txVersions.CreateIfAbsent(ctx, &model.EnvironmentFeatureVersion{
			Sha:           sha,
			EnvironmentID: environmentID,
			FeatureID:     featureID,
			Snapshot:      canonical,
			CreatedBy:     operator,
		})
		if err != nil {
			return err
		}
		if created {
			if err := s.auditRepo.WithTx(tx).Create(ctx, &model.VersionAudit{
				EnvironmentID: environmentID,
				FeatureID:     featureID,
				Sha:           sha,
				Action:        model.AuditActionCreated,
				Operator:      operator,
				TraceID:       TraceID(ctx),
			}); err != nil {
				return err
			}
		}
		stored, err = txVersions.Get(ctx, sha)
		return err
	})
	if err != nil {
		return nil, false, fmt.Errorf("create version: %w", err)
	}
	if stored == nil {
		return nil, false, fmt.Errorf("create version: %s missing after insert", sha)
	}
	if created {
		logger.Info("feature version created",
			zap.Uint64("environment_id", environmentID),
			zap.Uint64("feature_id", featureID),
			zap.String("sha", sha),
			zap.String("operator", operator),
		)
	}
	return versionItem(stored), created, nil
}

// PublishVersion makes a draft live from liveFrom, or from now when nil.
// The audit row and the replication task commit with the state change.
func (s *VersionService) PublishVersion(ctx context.Context, sha string, liveFrom *time.Time, operator string) (*resp.VersionItem, error) {
	from := s.now().UTC()
	if liveFrom != nil {
		from = liveFrom.UTC()
	}
	traceID := TraceID(ctx)

	var published *model.EnvironmentFeatureVersion
	var task *model.OutboxTask
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txVersions := s.versionRepo.WithTx(tx)
		version, err := txVersions.Get(ctx, sha)
		if err != nil {
			return err
		}
		if version == nil {
			return ErrVersionNotFound
		}
		if version.Published {
			return ErrVersionAlreadyPublished
		}
		if err := txVersions.Publish(ctx, sha, from, operator); err != nil {
			return err
		}
		if err := s.auditRepo.WithTx(tx).Create(ctx, &model.VersionAudit{
			EnvironmentID: version.EnvironmentID,
			FeatureID:     version.FeatureID,
			Sha:           sha,
			Action:        model.AuditActionPublished,
			LiveFrom:      &from,
			Operator:      operator,
			TraceID:       traceID,
		}); err != nil {
			return err
		}

		payload, err := json.Marshal(v1.PublishedVersion{
			Sha:           sha,
			EnvironmentID: version.EnvironmentID,
			FeatureID:     version.FeatureID,
			LiveFrom:      from,
			CreatedAt:     version.CreatedAt.UTC(),
			Snapshot:      json.RawMessage(version.Snapshot),
		})
		if err != nil {
			return err
		}
		task = &model.OutboxTask{
			Kind:          model.TaskVersionPublish,
			Key:           repository.BuildVersionKey(version.EnvironmentID, version.FeatureID, sha),
			Payload:       string(payload),
			Status:        model.StatusPending,
			NextAttemptAt: s.now().UTC(),
			TraceID:       traceID,
		}
		if err := s.outboxRepo.WithTx(tx).Create(ctx, task); err != nil {
			return err
		}

		published, err = txVersions.Get(ctx, sha)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrVersionNotFound) || errors.Is(err, ErrVersionAlreadyPublished) {
			return nil, err
		}
		return nil, fmt.Errorf("publish version: %w", err)
	}

	s.observer.RecordPublish()
	logger.Info("feature version published",
		zap.String("sha", sha),
		zap.Time("live_from", from),
		zap.String("operator", operator),
	)
	if s.replicator != nil {
		go s.syncToReplica(*task)
	}
	return versionItem(published), nil
}

func (s *VersionService) syncToReplica(task model.OutboxTask) {
	ctx := context.Background()
	if err := s.replicator.Handle(ctx, task); err != nil {
		logger.Warn("failed to replicate version to etcd", zap.String("key", task.Key), zap.Error(err))
		return
	}
	if err := s.outboxRepo.UpdateStatus(ctx, task.ID, model.StatusCompleted, task.RetryCount, s.now(), ""); err != nil {
		logger.Error("failed to mark replication task completed", zap.Int64("id", task.ID), zap.Error(err))
	}
}

// CurrentVersion is the newest published version live at asOf. Ties on
// live_from go to the most recently created version.
func (s *VersionService) CurrentVersion(ctx context.Context, environmentID, featureID uint64, asOf time.Time) (*resp.VersionItem, error) {
	version, err := s.versionRepo.Current(ctx, environmentID, featureID, asOf)
	if err != nil {
		return nil, err
	}
	if version == nil {
		return nil, ErrNoLiveVersion
	}
	return versionItem(version), nil
}

func (s *VersionService) GetVersion(ctx context.Context, sha string) (*resp.VersionItem, error) {
	version, err := s.versionRepo.Get(ctx, sha)
	if err != nil {
		return nil, err
	}
	if version == nil {
		return nil, ErrVersionNotFound
	}
	return versionItem(version), nil
}

func (s *VersionService) ListVersions(ctx context.Context, environmentID, featureID uint64) ([]resp.VersionItem, error) {
	versions, err := s.versionRepo.List(ctx, environmentID, featureID)
	if err != nil {
		return nil, err
	}
	items := make([]resp.VersionItem, 0, len(versions))
	for i := range versions {
		items = append(items, *versionItem(&versions[i]))
	}
	return items, nil
}

func (s *VersionService) ListAudits(ctx context.Context, environmentID, featureID uint64) ([]resp.AuditLogItem, error) {
	audits, err := s.auditRepo.ListByFeature(ctx, environmentID, featureID)
	if err != nil {
		return nil, err
	}
	items := make([]resp.AuditLogItem, 0, len(audits))
	for _, a := range audits {
		items = append(items, resp.AuditLogItem{
			ID:        a.ID,
			Sha:       a.Sha,
			Action:    a.Action,
			LiveFrom:  a.LiveFrom,
			Operator:  a.Operator,
			TraceID:   a.TraceID,
			CreatedAt: a.CreatedAt,
		})
	}
	return items, nil
}

func (s *VersionService) Health(ctx context.Context) error {
	if s.auditRepo.PingContext(ctx) != nil {
		return ErrDatabaseUnhealthy
	}
	if s.replicator != nil && s.replicator.Health(ctx) != nil {
		return ErrEtcdUnhealthy
	}
	return nil
}

func versionItem(v *model.EnvironmentFeatureVersion) *resp.VersionItem {
	return &resp.VersionItem{
		Sha:           v.Sha,
		EnvironmentID: v.EnvironmentID,
		FeatureID:     v.FeatureID,
		Snapshot:      json.RawMessage(v.Snapshot),
		Published:     v.Published,
		LiveFrom:      v.LiveFrom,
		CreatedBy:     v.CreatedBy,
		PublishedBy:   v.PublishedBy,
		CreatedAt:     v.CreatedAt,
	}
}
