package service

import (
	"context"
	"encoding/json"
	"time"

	"flagsync/internal/buffer"
	"flagsync/internal/repository"
	v1 "flagsync/pkg/api/v1"
	"flagsync/pkg/constraints"
	"flagsync/pkg/logger"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// VersionFeed follows the etcd replica and keeps the cache, the catch-up
// buffer and the stream hub in step with it.
type VersionFeed struct {
	replicaRepo *repository.ReplicaRepository
	cache       *ReplicaCache
	buffer      *buffer.RevisionBuffer
	hub         *Hub
	retryDelay  time.Duration
}

func NewVersionFeed(replicaRepo *repository.ReplicaRepository, hub *Hub, bufferSize int) *VersionFeed {
	return &VersionFeed{
		replicaRepo: replicaRepo,
		cache:       NewReplicaCache(),
		buffer:      buffer.NewRevisionBuffer(bufferSize),
		hub:         hub,
		retryDelay:  time.Second,
	}
}

// GetCompensation returns the messages a client missed since lastRev.
func (f *VersionFeed) GetCompensation(lastRev int64) ([]v1.Message, bool) {
	return f.buffer.Since(lastRev)
}

func (f *VersionFeed) Snapshot(environmentID uint64) ([]v1.PublishedVersion, int64) {
	return f.cache.Snapshot(environmentID)
}

func (f *VersionFeed) Cache() *ReplicaCache {
	return f.cache
}

// Run snapshots the replica and then watches it, re-snapshotting whenever
// the watch is lost, until ctx ends.
func (f *VersionFeed) Run(ctx context.Context) {
	for {
		err := f.follow(ctx)
		if ctx.Err() != nil {
			return
		}
		logger.Warn("version feed interrupted, resyncing", zap.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(f.retryDelay):
		}
	}
}

func (f *VersionFeed) follow(ctx context.Context) error {
	resp, err := f.replicaRepo.GetWithRevision(ctx, repository.VersionRootPrefix)
	if err != nil {
		return err
	}
	// watching from rev0+1 closes the gap between the get and the watch
	rev0 := resp.Header.Revision
	data := make(map[string]v1.PublishedVersion, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var version v1.PublishedVersion
		if err := json.Unmarshal(kv.Value, &version); err != nil {
			logger.Warn("skipping undecodable replica entry", zap.String("key", string(kv.Key)))
			continue
		}
		version.Revision = kv.ModRevision
		data[string(kv.Key)] = version
	}
	f.cache.Reset(data, rev0)
	f.buffer.Reset(rev0)
	logger.Info("version snapshot loaded", zap.Int64("rev", rev0), zap.Int("versions", len(data)))

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	watchChan := f.replicaRepo.WatchFrom(watchCtx, repository.VersionRootPrefix, rev0+1)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case wresp, ok := <-watchChan:
			if !ok {
				return nil
			}
			if wresp.Canceled {
				return wresp.Err()
			}
			for _, ev := range wresp.Events {
				if msg, ok := f.apply(ev); ok {
					f.buffer.Add(msg)
					f.hub.Publish(msg)
				}
			}
		}
	}
}

func (f *VersionFeed) apply(ev *clientv3.Event) (v1.Message, bool) {
	key := string(ev.Kv.Key)
	if ev.Type == clientv3.EventTypeDelete {
		envID, featureID, sha, err := repository.ParseVersionKey(key)
		if err != nil {
			logger.Warn("ignoring delete of unknown key", zap.String("key", key))
			return v1.Message{}, false
		}
		f.cache.Delete(key, ev.Kv.ModRevision)
		return v1.Message{
			EnvironmentID: envID,
			FeatureID:     featureID,
			Sha:           sha,
			Revision:      ev.Kv.ModRevision,
			Action:        constraints.DELETE,
		}, true
	}

	var version v1.PublishedVersion
	if err := json.Unmarshal(ev.Kv.Value, &version); err != nil {
		logger.Error("failed to decode replica version", zap.String("key", key), zap.ByteString("raw_value", ev.Kv.Value))
		return v1.Message{}, false
	}
	version.Revision = ev.Kv.ModRevision
	f.cache.Update(key, version)
	return v1.Message{
		EnvironmentID: version.EnvironmentID,
		FeatureID:     version.FeatureID,
		Sha:           version.Sha,
		LiveFrom:      version.LiveFrom,
		Snapshot:      version.Snapshot,
		Revision:      version.Revision,
		Action:        constraints.PUT,
	}, true
}
