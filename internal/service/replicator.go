package service

import (
	"context"
	"encoding/json"
	"fmt"

	"flagsync/internal/model"
	"flagsync/internal/repository"
	v1 "flagsync/pkg/api/v1"

	"github.com/cenkalti/backoff/v4"
)

// VersionReplicator copies published versions into etcd. It handles
// version_publish outbox tasks.
type VersionReplicator struct {
	replicaRepo *repository.ReplicaRepository
}

func NewVersionReplicator(replicaRepo *repository.ReplicaRepository) *VersionReplicator {
	return &VersionReplicator{replicaRepo: replicaRepo}
}

func (r *VersionReplicator) Handle(ctx context.Context, task model.OutboxTask) error {
	var version v1.PublishedVersion
	if err := json.Unmarshal([]byte(task.Payload), &version); err != nil {
		return backoff.Permanent(fmt.Errorf("decode version task: %w", err))
	}
	_, _, err := r.replicaRepo.PutVersionIfAbsent(ctx, version)
	return err
}

func (r *VersionReplicator) Health(ctx context.Context) error {
	return r.replicaRepo.Health(ctx)
}
