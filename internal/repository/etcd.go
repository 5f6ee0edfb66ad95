package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	v1 "flagsync/pkg/api/v1"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// VersionRootPrefix roots every replica key.
const VersionRootPrefix = "/flagsync/"

var (
	ErrReplicaNotFound = errors.New("replica version not found")
	ErrMalformedKey    = errors.New("malformed replica key")
)

type EtcdInterface interface {
	clientv3.KV
	clientv3.Watcher
	Close() error
}

// BuildVersionKey renders /flagsync/{env}/features/{feature}/versions/{sha}.
func BuildVersionKey(environmentID, featureID uint64, sha string) string {
	return fmt.Sprintf("%s%d/features/%d/versions/%s", VersionRootPrefix, environmentID, featureID, sha)
}

// EnvironmentPrefix scopes a watch or snapshot to one environment.
func EnvironmentPrefix(environmentID uint64) string {
	return fmt.Sprintf("%s%d/", VersionRootPrefix, environmentID)
}

func ParseVersionKey(key string) (environmentID, featureID uint64, sha string, err error) {
	rest, ok := strings.CutPrefix(key, VersionRootPrefix)
	if !ok {
		return 0, 0, "", ErrMalformedKey
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 5 || parts[1] != "features" || parts[3] != "versions" || parts[4] == "" {
		return 0, 0, "", ErrMalformedKey
	}
	if environmentID, err = strconv.ParseUint(parts[0], 10, 64); err != nil {
		return 0, 0, "", ErrMalformedKey
	}
	if featureID, err = strconv.ParseUint(parts[2], 10, 64); err != nil {
		return 0, 0, "", ErrMalformedKey
	}
	return environmentID, featureID, parts[4], nil
}

// ReplicaRepository keeps published versions in etcd for edge readers.
type ReplicaRepository struct {
	client EtcdInterface
}

func NewReplicaRepository(client EtcdInterface) *ReplicaRepository {
	return &ReplicaRepository{client: client}
}

// PutVersionIfAbsent writes the version unless its key exists. Versions are
// immutable, so an existing key is already correct and its mod revision is
// returned unchanged.
func (r *ReplicaRepository) PutVersionIfAbsent(ctx context.Context, version v1.PublishedVersion) (int64, bool, error) {
	key := BuildVersionKey(version.EnvironmentID, version.FeatureID, version.Sha)
	val, err := json.Marshal(version)
	if err != nil {
		return 0, false, err
	}

	resp, err := r.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, string(val))).
		Else(clientv3.OpGet(key)).
		Commit()
	if err != nil {
		return 0, false, err
	}
	if resp.Succeeded {
		return resp.Header.Revision, true, nil
	}
	for _, op := range resp.Responses {
		if rr := op.GetResponseRange(); rr != nil && len(rr.Kvs) > 0 {
			return rr.Kvs[0].ModRevision, false, nil
		}
	}
	return resp.Header.Revision, false, nil
}

func (r *ReplicaRepository) GetVersion(ctx context.Context, environmentID, featureID uint64, sha string) (*v1.PublishedVersion, error) {
	resp, err := r.client.Get(ctx, BuildVersionKey(environmentID, featureID, sha))
	if err != nil {
		return nil, err
	}
	if len(resp.Kvs) == 0 {
		return nil, ErrReplicaNotFound
	}
	var version v1.PublishedVersion
	if err := json.Unmarshal(resp.Kvs[0].Value, &version); err != nil {
		return nil, err
	}
	version.Revision = resp.Kvs[0].ModRevision
	return &version, nil
}

func (r *ReplicaRepository) GetWithRevision(ctx context.Context, prefix string) (*clientv3.GetResponse, error) {
	return r.client.Get(ctx, prefix, clientv3.WithPrefix())
}

func (r *ReplicaRepository) WatchFrom(ctx context.Context, prefix string, startRev int64) clientv3.WatchChan {
	return r.client.Watch(ctx, prefix, clientv3.WithPrefix(), clientv3.WithRev(startRev))
}

func (r *ReplicaRepository) Health(ctx context.Context) error {
	_, err := r.client.Get(ctx, "health_check")
	return err
}
