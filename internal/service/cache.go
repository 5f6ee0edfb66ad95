package service

import (
	"sort"
	"sync"
	"time"

	v1 "flagsync/pkg/api/v1"
)

// ReplicaCache mirrors the etcd replica in memory, keyed by replica key.
type ReplicaCache struct {
	mu       sync.RWMutex
	data     map[string]v1.PublishedVersion
	revision int64
}

func NewReplicaCache() *ReplicaCache {
	return &ReplicaCache{data: make(map[string]v1.PublishedVersion)}
}

func (c *ReplicaCache) Update(key string, v v1.PublishedVersion) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = v
	if v.Revision > c.revision {
		c.revision = v.Revision
	}
}

func (c *ReplicaCache) Delete(key string, rev int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	if rev > c.revision {
		c.revision = rev
	}
}

// Reset replaces the whole cache, used after a fresh etcd snapshot.
func (c *ReplicaCache) Reset(data map[string]v1.PublishedVersion, rev int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = data
	c.revision = rev
}

// Snapshot lists the cached versions of one environment, or of all when
// environmentID is 0, with the revision the listing is consistent with.
func (c *ReplicaCache) Snapshot(environmentID uint64) ([]v1.PublishedVersion, int64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	res := make([]v1.PublishedVersion, 0, len(c.data))
	for _, v := range c.data {
		if environmentID == 0 || v.EnvironmentID == environmentID {
			res = append(res, v)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].FeatureID != res[j].FeatureID {
			return res[i].FeatureID < res[j].FeatureID
		}
		return res[i].LiveFrom.Before(res[j].LiveFrom)
	})
	return res, c.revision
}

// Current applies the ledger's selection rule to the cached replica.
func (c *ReplicaCache) Current(environmentID, featureID uint64, asOf time.Time) (v1.PublishedVersion, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var best v1.PublishedVersion
	found := false
	for _, v := range c.data {
		if v.EnvironmentID != environmentID || v.FeatureID != featureID || v.LiveFrom.After(asOf) {
			continue
		}
		if !found || v.LiveFrom.After(best.LiveFrom) ||
			(v.LiveFrom.Equal(best.LiveFrom) && v.CreatedAt.After(best.CreatedAt)) {
			best, found = v, true
		}
	}
	return best, found
}
