// Package discovery publishes node identities in etcd and feeds the ones of
// other nodes back into the mesh.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrbus/pkg/node"
)

func NewClient(endpoints []string) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
}

// Key is where id is registered under prefix.
func Key(prefix string, id node.Identity) string {
	return dir(prefix) + id.String()
}

func dir(prefix string) string {
	return strings.TrimSuffix(prefix, "/") + "/"
}

func encodeIdentity(id node.Identity) (string, error) {
	b, err := json.Marshal(id)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeIdentity(v []byte) (node.Identity, error) {
	var id node.Identity
	if err := json.Unmarshal(v, &id); err != nil {
		return node.Identity{}, fmt.Errorf("%w: %v", node.ErrBadIdentity, err)
	}
	if id.Host == "" || id.Port <= 0 {
		return node.Identity{}, fmt.Errorf("%w: %s", node.ErrBadIdentity, v)
	}
	return id, nil
}

// RegisterNode stores id under a lease of ttl seconds and keeps the lease
// alive until the returned cancel is called or ctx ends.
func RegisterNode(ctx context.Context, cli *clientv3.Client, prefix string, id node.Identity, ttl int64) (clientv3.LeaseID, context.CancelFunc, error) {
	lease, err := cli.Grant(ctx, ttl)
	if err != nil {
		return 0, nil, fmt.Errorf("discovery: grant lease: %w", err)
	}
	val, err := encodeIdentity(id)
	if err != nil {
		return 0, nil, err
	}
	if _, err := cli.Put(ctx, Key(prefix, id), val, clientv3.WithLease(lease.ID)); err != nil {
		return 0, nil, fmt.Errorf("discovery: register %s: %w", id, err)
	}

	kaCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ch, err := cli.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		cancel()
		return 0, nil, fmt.Errorf("discovery: keepalive: %w", err)
	}
	go func() {
		// drain; an unread channel fills up and the client logs warnings
		for range ch {
		}
	}()
	return lease.ID, cancel, nil
}

// GetPeers lists every registered identity and the revision it was read at.
// Values that do not decode are skipped.
func GetPeers(ctx context.Context, cli *clientv3.Client, prefix string, log *zap.Logger) ([]node.Identity, int64, error) {
	if log == nil {
		log = zap.NewNop()
	}
	resp, err := cli.Get(ctx, dir(prefix), clientv3.WithPrefix())
	if err != nil {
		return nil, 0, fmt.Errorf("discovery: list peers: %w", err)
	}
	peers := make([]node.Identity, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		id, err := decodeIdentity(kv.Value)
		if err != nil {
			log.Warn("skipping peer entry", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		peers = append(peers, id)
	}
	return peers, resp.Header.Revision, nil
}

// WatchPeers calls fn with the identities registered after revision rev,
// until ctx ends. Deleted registrations are only logged: a node that went
// away is noticed by the mesh itself.
func WatchPeers(ctx context.Context, cli *clientv3.Client, prefix string, rev int64, log *zap.Logger, fn func([]node.Identity)) {
	if log == nil {
		log = zap.NewNop()
	}
	opts := []clientv3.OpOption{clientv3.WithPrefix()}
	if rev > 0 {
		opts = append(opts, clientv3.WithRev(rev+1))
	}
	wch := cli.Watch(ctx, dir(prefix), opts...)
	go func() {
		for resp := range wch {
			if err := resp.Err(); err != nil {
				log.Warn("peer watch", zap.Error(err))
				continue
			}
			if added := applyEvents(resp.Events, log); len(added) > 0 {
				fn(added)
			}
		}
		log.Debug("peer watch stopped")
	}()
}

func applyEvents(events []*clientv3.Event, log *zap.Logger) []node.Identity {
	var added []node.Identity
	for _, ev := range events {
		switch ev.Type {
		case mvccpb.PUT:
			id, err := decodeIdentity(ev.Kv.Value)
			if err != nil {
				log.Warn("skipping peer entry", zap.ByteString("key", ev.Kv.Key), zap.Error(err))
				continue
			}
			added = append(added, id)
		case mvccpb.DELETE:
			log.Info("peer unregistered", zap.ByteString("key", ev.Kv.Key))
		}
	}
	return added
}
