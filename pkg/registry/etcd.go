// Package registry implements an optional etcd-backed bootstrap for
// the peer set. It is consulted once at startup and again on every
// watch event; it never gates routing decisions, which remain
// governed solely by the UDP control plane.
package registry

import (
	"context"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/ryandielhenn/distcache/internal/obs"
)

const nodesPrefix = "/distcache/nodes/"

// NewClient constructs an etcd v3 client against the given endpoints.
func NewClient(endpoints []string, dialTimeout time.Duration) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
}

// RegisterNode puts this node's advertised URL under a leased key and
// keeps the lease alive in the background until ctx is canceled. The
// returned cancel func stops the keepalive loop; callers should also
// revoke the lease on clean shutdown.
func RegisterNode(ctx context.Context, cli *clientv3.Client, id, url string, ttlSeconds int64) (clientv3.LeaseID, context.CancelFunc, error) {
	lease, err := cli.Grant(ctx, ttlSeconds)
	if err != nil {
		return 0, nil, fmt.Errorf("registry: granting lease: %w", err)
	}

	key := nodesPrefix + id
	if _, err := cli.Put(ctx, key, url, clientv3.WithLease(lease.ID)); err != nil {
		return 0, nil, fmt.Errorf("registry: registering node: %w", err)
	}

	keepAliveCtx, cancel := context.WithCancel(ctx)
	ch, err := cli.KeepAlive(keepAliveCtx, lease.ID)
	if err != nil {
		cancel()
		return 0, nil, fmt.Errorf("registry: starting keepalive: %w", err)
	}
	go func() {
		for range ch {
			// drain keepalive responses; nothing to do on success.
		}
		obs.L().Infow("registry: keepalive channel closed", "id", id)
	}()

	return lease.ID, cancel, nil
}

// GetPeers returns the current node id -> URL map from a one-shot
// range read, used to populate the peer table before the control
// plane has had a chance to converge.
func GetPeers(ctx context.Context, cli *clientv3.Client) (map[string]string, error) {
	resp, err := cli.Get(ctx, nodesPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("registry: listing nodes: %w", err)
	}
	out := make(map[string]string, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		id := strings.TrimPrefix(string(kv.Key), nodesPrefix)
		out[id] = string(kv.Value)
	}
	return out, nil
}

// WatchPeers streams id -> URL membership snapshots to onChange
// whenever the node set changes, by re-reading the full prefix on
// every watch event (simple and correct; the prefix is small). It
// blocks until ctx is canceled.
func WatchPeers(ctx context.Context, cli *clientv3.Client, onChange func(map[string]string)) {
	watchCh := cli.Watch(ctx, nodesPrefix, clientv3.WithPrefix())
	for {
		select {
		case <-ctx.Done():
			return
		case resp, ok := <-watchCh:
			if !ok {
				return
			}
			if resp.Err() != nil {
				obs.L().Warnw("registry: watch error", "err", resp.Err())
				continue
			}
			peers, err := GetPeers(ctx, cli)
			if err != nil {
				obs.L().Warnw("registry: re-read after watch event failed", "err", err)
				continue
			}
			onChange(peers)
		}
	}
}
