package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"flagsync/internal/repository"
	"flagsync/internal/testutil"
	v1 "flagsync/pkg/api/v1"
	"flagsync/pkg/constraints"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func publishedVersion(env, feature uint64, sha string, liveFrom time.Time) v1.PublishedVersion {
	return v1.PublishedVersion{
		Sha:           sha,
		EnvironmentID: env,
		FeatureID:     feature,
		LiveFrom:      liveFrom,
		CreatedAt:     liveFrom,
		Snapshot:      json.RawMessage(`{"enabled":true}`),
	}
}

func TestVersionFeed_SnapshotThenWatch(t *testing.T) {
	etcd := testutil.NewFakeEtcd()
	replica := repository.NewReplicaRepository(etcd)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	now := time.Now().UTC().Truncate(time.Second)

	_, _, err := replica.PutVersionIfAbsent(ctx, publishedVersion(1, 10, "aaa", now.Add(-time.Hour)))
	require.NoError(t, err)
	_, _, err = replica.PutVersionIfAbsent(ctx, publishedVersion(2, 20, "bbb", now.Add(-time.Hour)))
	require.NoError(t, err)

	hub := NewHub(nil, 0, 16)
	go hub.Run(ctx)
	client := &Client{Send: make(chan v1.Message, 8), EnvironmentID: 1}
	require.True(t, hub.Subscribe(client))

	feed := NewVersionFeed(replica, hub, 16)
	go feed.Run(ctx)

	assert.Eventually(t, func() bool {
		versions, _ := feed.Snapshot(0)
		return len(versions) == 2
	}, time.Second, 5*time.Millisecond)
	versions, rev0 := feed.Snapshot(1)
	require.Len(t, versions, 1)
	assert.Equal(t, "aaa", versions[0].Sha)
	assert.Equal(t, etcd.Revision(), rev0)

	_, _, err = replica.PutVersionIfAbsent(ctx, publishedVersion(1, 10, "ccc", now))
	require.NoError(t, err)
	msg := receive(t, client)
	assert.Equal(t, constraints.PUT, msg.Action)
	assert.Equal(t, "ccc", msg.Sha)
	assert.Equal(t, etcd.Revision(), msg.Revision)

	current, ok := feed.Cache().Current(1, 10, now)
	require.True(t, ok)
	assert.Equal(t, "ccc", current.Sha)

	_, err = etcd.Delete(ctx, repository.BuildVersionKey(1, 10, "ccc"))
	require.NoError(t, err)
	msg = receive(t, client)
	assert.Equal(t, constraints.DELETE, msg.Action)
	assert.Equal(t, "ccc", msg.Sha)
	assert.EqualValues(t, 10, msg.FeatureID)

	missed, ok := feed.GetCompensation(rev0)
	require.True(t, ok)
	require.Len(t, missed, 2)
	assert.Equal(t, constraints.PUT, missed[0].Action)
	assert.Equal(t, constraints.DELETE, missed[1].Action)

	current, ok = feed.Cache().Current(1, 10, now)
	require.True(t, ok)
	assert.Equal(t, "aaa", current.Sha)
}

func TestReplicaCache_Current(t *testing.T) {
	cache := NewReplicaCache()
	now := time.Now().UTC()

	older := publishedVersion(1, 1, "old", now.Add(-time.Hour))
	tieA := publishedVersion(1, 1, "tie-a", now.Add(-time.Minute))
	tieB := publishedVersion(1, 1, "tie-b", now.Add(-time.Minute))
	tieB.CreatedAt = tieA.CreatedAt.Add(time.Second)
	future := publishedVersion(1, 1, "future", now.Add(time.Hour))
	for _, v := range []v1.PublishedVersion{older, tieA, tieB, future} {
		cache.Update(repository.BuildVersionKey(v.EnvironmentID, v.FeatureID, v.Sha), v)
	}

	got, ok := cache.Current(1, 1, now)
	require.True(t, ok)
	assert.Equal(t, "tie-b", got.Sha)

	_, ok = cache.Current(1, 2, now)
	assert.False(t, ok)
	_, ok = cache.Current(1, 1, now.Add(-2*time.Hour))
	assert.False(t, ok)
}
