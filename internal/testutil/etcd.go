package testutil

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"go.etcd.io/etcd/api/v3/etcdserverpb"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// FakeEtcd is an in-memory stand-in for the etcd KV and Watcher APIs.
// Only what the replica code uses is modelled: plain puts and gets, prefix
// ranges, revision compares inside transactions and prefix watches.
type FakeEtcd struct {
	mu      sync.Mutex
	rev     int64
	kvs     map[string]*mvccpb.KeyValue
	history []*clientv3.Event
	watches map[chan clientv3.WatchResponse]string

	// Err, when set, fails every call.
	Err error
}

func NewFakeEtcd() *FakeEtcd {
	return &FakeEtcd{
		kvs:     make(map[string]*mvccpb.KeyValue),
		watches: make(map[chan clientv3.WatchResponse]string),
	}
}

func (f *FakeEtcd) Revision() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rev
}

func (f *FakeEtcd) Keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.kvs))
	for k := range f.kvs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (f *FakeEtcd) header() *etcdserverpb.ResponseHeader {
	return &etcdserverpb.ResponseHeader{Revision: f.rev}
}

func (f *FakeEtcd) putLocked(key, val string) {
	f.rev++
	kv := &mvccpb.KeyValue{Key: []byte(key), Value: []byte(val), ModRevision: f.rev, CreateRevision: f.rev, Version: 1}
	if prev, ok := f.kvs[key]; ok {
		kv.CreateRevision = prev.CreateRevision
		kv.Version = prev.Version + 1
	}
	f.kvs[key] = kv
	f.emitLocked(&clientv3.Event{Type: clientv3.EventTypePut, Kv: kv})
}

func (f *FakeEtcd) deleteLocked(key string) int64 {
	if _, ok := f.kvs[key]; !ok {
		return 0
	}
	f.rev++
	delete(f.kvs, key)
	f.emitLocked(&clientv3.Event{
		Type: clientv3.EventTypeDelete,
		Kv:   &mvccpb.KeyValue{Key: []byte(key), ModRevision: f.rev},
	})
	return 1
}

func (f *FakeEtcd) emitLocked(ev *clientv3.Event) {
	f.history = append(f.history, ev)
	for ch, prefix := range f.watches {
		if strings.HasPrefix(string(ev.Kv.Key), prefix) {
			ch <- clientv3.WatchResponse{
				Header: etcdserverpb.ResponseHeader{Revision: f.rev},
				Events: []*clientv3.Event{ev},
			}
		}
	}
}

func (f *FakeEtcd) rangeLocked(op clientv3.Op) []*mvccpb.KeyValue {
	key := string(op.KeyBytes())
	if op.RangeBytes() == nil {
		if kv, ok := f.kvs[key]; ok {
			return []*mvccpb.KeyValue{kv}
		}
		return nil
	}
	var out []*mvccpb.KeyValue
	for k, kv := range f.kvs {
		if strings.HasPrefix(k, key) {
			out = append(out, kv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].Key, out[j].Key) < 0 })
	return out
}

func (f *FakeEtcd) Put(_ context.Context, key, val string, _ ...clientv3.OpOption) (*clientv3.PutResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	f.putLocked(key, val)
	return &clientv3.PutResponse{Header: f.header()}, nil
}

func (f *FakeEtcd) Get(_ context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	kvs := f.rangeLocked(clientv3.OpGet(key, opts...))
	return &clientv3.GetResponse{Header: f.header(), Kvs: kvs, Count: int64(len(kvs))}, nil
}

func (f *FakeEtcd) Delete(_ context.Context, key string, _ ...clientv3.OpOption) (*clientv3.DeleteResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	n := f.deleteLocked(key)
	return &clientv3.DeleteResponse{Header: f.header(), Deleted: n}, nil
}

func (f *FakeEtcd) Compact(context.Context, int64, ...clientv3.CompactOption) (*clientv3.CompactResponse, error) {
	return &clientv3.CompactResponse{}, nil
}

func (f *FakeEtcd) Do(context.Context, clientv3.Op) (clientv3.OpResponse, error) {
	return clientv3.OpResponse{}, errors.New("fake etcd: Do not supported")
}

func (f *FakeEtcd) Txn(context.Context) clientv3.Txn {
	return &fakeTxn{etcd: f}
}

// Watch replays history from the requested revision, then streams new events.
func (f *FakeEtcd) Watch(ctx context.Context, key string, opts ...clientv3.OpOption) clientv3.WatchChan {
	op := clientv3.OpGet(key, opts...)
	ch := make(chan clientv3.WatchResponse, 256)

	f.mu.Lock()
	for _, ev := range f.history {
		if ev.Kv.ModRevision >= op.Rev() && strings.HasPrefix(string(ev.Kv.Key), key) {
			ch <- clientv3.WatchResponse{Events: []*clientv3.Event{ev}}
		}
	}
	f.watches[ch] = key
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		delete(f.watches, ch)
		close(ch)
		f.mu.Unlock()
	}()
	return ch
}

func (f *FakeEtcd) RequestProgress(context.Context) error { return nil }

func (f *FakeEtcd) Close() error { return nil }

type fakeTxn struct {
	etcd  *FakeEtcd
	cmps  []clientv3.Cmp
	thens []clientv3.Op
	elses []clientv3.Op
}

func (t *fakeTxn) If(cs ...clientv3.Cmp) clientv3.Txn {
	t.cmps = append(t.cmps, cs...)
	return t
}

func (t *fakeTxn) Then(ops ...clientv3.Op) clientv3.Txn {
	t.thens = append(t.thens, ops...)
	return t
}

func (t *fakeTxn) Else(ops ...clientv3.Op) clientv3.Txn {
	t.elses = append(t.elses, ops...)
	return t
}

func (t *fakeTxn) Commit() (*clientv3.TxnResponse, error) {
	f := t.etcd
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}

	succeeded := true
	for _, c := range t.cmps {
		if !f.holdsLocked(c) {
			succeeded = false
			break
		}
	}
	ops := t.elses
	if succeeded {
		ops = t.thens
	}

	resps := make([]*etcdserverpb.ResponseOp, 0, len(ops))
	for _, op := range ops {
		switch {
		case op.IsPut():
			f.putLocked(string(op.KeyBytes()), string(op.ValueBytes()))
			resps = append(resps, &etcdserverpb.ResponseOp{
				Response: &etcdserverpb.ResponseOp_ResponsePut{ResponsePut: &etcdserverpb.PutResponse{Header: f.header()}},
			})
		case op.IsGet():
			kvs := f.rangeLocked(op)
			resps = append(resps, &etcdserverpb.ResponseOp{
				Response: &etcdserverpb.ResponseOp_ResponseRange{
					ResponseRange: &etcdserverpb.RangeResponse{Header: f.header(), Kvs: kvs, Count: int64(len(kvs))},
				},
			})
		case op.IsDelete():
			n := f.deleteLocked(string(op.KeyBytes()))
			resps = append(resps, &etcdserverpb.ResponseOp{
				Response: &etcdserverpb.ResponseOp_ResponseDeleteRange{
					ResponseDeleteRange: &etcdserverpb.DeleteRangeResponse{Header: f.header(), Deleted: n},
				},
			})
		}
	}
	return &clientv3.TxnResponse{Header: f.header(), Succeeded: succeeded, Responses: resps}, nil
}

func (f *FakeEtcd) holdsLocked(c clientv3.Cmp) bool {
	kv := f.kvs[string(c.KeyBytes())]

	var actual, want int64
	switch c.Target {
	case etcdserverpb.Compare_CREATE:
		if kv != nil {
			actual = kv.CreateRevision
		}
	case etcdserverpb.Compare_MOD:
		if kv != nil {
			actual = kv.ModRevision
		}
	case etcdserverpb.Compare_VERSION:
		if kv != nil {
			actual = kv.Version
		}
	default:
		return false
	}
	switch u := c.TargetUnion.(type) {
	case *etcdserverpb.Compare_CreateRevision:
		want = u.CreateRevision
	case *etcdserverpb.Compare_ModRevision:
		want = u.ModRevision
	case *etcdserverpb.Compare_Version:
		want = u.Version
	}

	switch c.Result {
	case etcdserverpb.Compare_EQUAL:
		return actual == want
	case etcdserverpb.Compare_NOT_EQUAL:
		return actual != want
	case etcdserverpb.Compare_GREATER:
		return actual > want
	case etcdserverpb.Compare_LESS:
		return actual < want
	}
	return false
}
