package store

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"time"

	"github.com/coreos/etcd/clientv3"
	"google.golang.org/grpc"
)

const etcdCASRetries = 16

var errEtcdContention = errors.New("store: etcd compare-and-swap contention")

// Etcd stores keys under leases so expiry is server side. Sets are kept as a
// JSON array and counters as a decimal string, both updated with a
// compare-and-swap on the key's mod revision.
type Etcd struct {
	client *clientv3.Client
}

func NewEtcd(hosts []string, dialTimeout time.Duration) (*Etcd, error) {
	cli, err := clientv3.New(clientv3.Config{
		DialTimeout: dialTimeout,
		DialOptions: []grpc.DialOption{grpc.WithBlock()},
		Endpoints:   hosts,
	})
	if err != nil {
		return nil, err
	}
	return &Etcd{client: cli}, nil
}

func ttlSeconds(ttl time.Duration) int64 {
	secs := int64((ttl + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// putOpts grants a lease for ttl; zero ttl means the key never expires.
func (e *Etcd) putOpts(ctx context.Context, ttl time.Duration) ([]clientv3.OpOption, error) {
	if ttl <= 0 {
		return nil, nil
	}
	lease, err := e.client.Grant(ctx, ttlSeconds(ttl))
	if err != nil {
		return nil, err
	}
	return []clientv3.OpOption{clientv3.WithLease(lease.ID)}, nil
}

func (e *Etcd) Get(ctx context.Context, key string) ([]byte, error) {
	gr, err := e.client.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if gr.Count == 0 {
		return nil, ErrNotFound
	}
	return gr.Kvs[0].Value, nil
}

func (e *Etcd) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	opts, err := e.putOpts(ctx, ttl)
	if err != nil {
		return err
	}
	_, err = e.client.Put(ctx, key, string(value), opts...)
	return err
}

func (e *Etcd) Delete(ctx context.Context, keys ...string) error {
	for _, k := range keys {
		if _, err := e.client.Delete(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

func (e *Etcd) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return e.update(ctx, key, func(cur []byte, exists bool) ([]byte, time.Duration, bool, error) {
		if !exists {
			return nil, 0, false, nil
		}
		return cur, ttl, true, nil
	})
}

// update runs fn against the current value and writes its result if the key
// has not changed in between. A negative ttl keeps the key's existing lease.
func (e *Etcd) update(ctx context.Context, key string, fn func(cur []byte, exists bool) (next []byte, ttl time.Duration, write bool, err error)) error {
	for i := 0; i < etcdCASRetries; i++ {
		gr, err := e.client.Get(ctx, key)
		if err != nil {
			return err
		}
		var (
			cur    []byte
			rev    int64
			lease  clientv3.LeaseID
			exists = gr.Count > 0
		)
		if exists {
			cur = gr.Kvs[0].Value
			rev = gr.Kvs[0].ModRevision
			lease = clientv3.LeaseID(gr.Kvs[0].Lease)
		}

		next, ttl, write, err := fn(cur, exists)
		if err != nil || !write {
			return err
		}

		var opts []clientv3.OpOption
		switch {
		case ttl < 0 && lease != clientv3.NoLease:
			opts = []clientv3.OpOption{clientv3.WithLease(lease)}
		case ttl > 0:
			if opts, err = e.putOpts(ctx, ttl); err != nil {
				return err
			}
		}

		cmp := clientv3.Compare(clientv3.ModRevision(key), "=", rev)
		if !exists {
			cmp = clientv3.Compare(clientv3.CreateRevision(key), "=", 0)
		}
		tr, err := e.client.Txn(ctx).
			If(cmp).
			Then(clientv3.OpPut(key, string(next), opts...)).
			Commit()
		if err != nil {
			return err
		}
		if tr.Succeeded {
			return nil
		}
	}
	return errEtcdContention
}

func decodeMembers(raw []byte) (map[string]struct{}, error) {
	var list []string
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, err
		}
	}
	set := make(map[string]struct{}, len(list))
	for _, m := range list {
		set[m] = struct{}{}
	}
	return set, nil
}

func encodeMembers(set map[string]struct{}) ([]byte, error) {
	list := make([]string, 0, len(set))
	for m := range set {
		list = append(list, m)
	}
	sort.Strings(list)
	return json.Marshal(list)
}

func (e *Etcd) SetAdd(ctx context.Context, key string, ttl time.Duration, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	return e.update(ctx, key, func(cur []byte, _ bool) ([]byte, time.Duration, bool, error) {
		set, err := decodeMembers(cur)
		if err != nil {
			return nil, 0, false, err
		}
		for _, m := range members {
			set[m] = struct{}{}
		}
		next, err := encodeMembers(set)
		return next, ttl, true, err
	})
}

func (e *Etcd) SetRemove(ctx context.Context, key string, members ...string) error {
	var emptied bool
	err := e.update(ctx, key, func(cur []byte, exists bool) ([]byte, time.Duration, bool, error) {
		if !exists {
			return nil, 0, false, nil
		}
		set, err := decodeMembers(cur)
		if err != nil {
			return nil, 0, false, err
		}
		for _, m := range members {
			delete(set, m)
		}
		emptied = len(set) == 0
		next, err := encodeMembers(set)
		return next, -1, true, err
	})
	if err != nil {
		return err
	}
	if emptied {
		_, err = e.client.Txn(ctx).
			If(clientv3.Compare(clientv3.Value(key), "=", "[]")).
			Then(clientv3.OpDelete(key)).
			Commit()
	}
	return err
}

func (e *Etcd) SetMembers(ctx context.Context, key string) ([]string, error) {
	raw, err := e.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, err
	}
	return list, nil
}

func (e *Etcd) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	var n int64
	err := e.update(ctx, key, func(cur []byte, exists bool) ([]byte, time.Duration, bool, error) {
		if !exists {
			n = 1
			return []byte("1"), ttl, true, nil
		}
		v, err := strconv.ParseInt(string(cur), 10, 64)
		if err != nil {
			return nil, 0, false, err
		}
		n = v + 1
		return []byte(strconv.FormatInt(n, 10)), -1, true, nil
	})
	return n, err
}

func (e *Etcd) Keys(ctx context.Context, prefix string) ([]string, error) {
	gr, err := e.client.Get(ctx, prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(gr.Kvs))
	for _, kv := range gr.Kvs {
		out = append(out, string(kv.Key))
	}
	return out, nil
}

func (e *Etcd) Ping(ctx context.Context) error {
	eps := e.client.Endpoints()
	if len(eps) == 0 {
		return errors.New("store: no etcd endpoints")
	}
	_, err := e.client.Status(ctx, eps[0])
	return err
}

func (e *Etcd) Close() error {
	return e.client.Close()
}
