package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/amirimatin/go-peerwatch/internal/logutil"
)

// Register stores reg under prefix+id bound to a lease of ttl and keeps the
// lease alive until ctx ends or the returned stop func is called. Stop revokes
// the lease so peers observe the deletion immediately.
func Register(ctx context.Context, cli *clientv3.Client, prefix, id string, reg Registration, ttl time.Duration, log *zap.Logger) (func(context.Context) error, error) {
	log = logutil.OrNop(log).With(logutil.Source("etcd"), logutil.Peer(id))
	if prefix == "" {
		prefix = DefaultPrefix
	}
	secs := int64(ttl / time.Second)
	if secs < 1 {
		secs = 10
	}
	val, err := json.Marshal(reg)
	if err != nil {
		return nil, err
	}
	lease, err := cli.Grant(ctx, secs)
	if err != nil {
		return nil, fmt.Errorf("etcd: grant lease: %w", mapErr("register", err))
	}
	key := prefix + id
	if _, err := cli.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return nil, fmt.Errorf("etcd: put %s: %w", key, mapErr("register", err))
	}
	kctx, cancel := context.WithCancel(ctx)
	ka, err := cli.KeepAlive(kctx, lease.ID)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("etcd: keepalive: %w", err)
	}
	go func() {
		for range ka {
		}
		if kctx.Err() == nil {
			log.Warn("registration lease lost", zap.String("key", key))
		}
	}()
	log.Info("registered", zap.String("key", key), zap.Int64("lease_ttl_s", secs))
	return func(sctx context.Context) error {
		cancel()
		_, err := cli.Revoke(sctx, lease.ID)
		return err
	}, nil
}
